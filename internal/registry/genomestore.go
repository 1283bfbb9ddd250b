package registry

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"icdev/internal/blob"
	"icdev/pkg/genome"
)

// GenomeStore manages the immutable, content-hashed version chain of the
// capability genome. Versions are never mutated after creation; rollback
// records a new version restoring prior content.
type GenomeStore struct {
	store genome.PersistentStore
	blobs blob.Store
	sink  AuditSink
	log   *zap.Logger
	nowFn func() time.Time
}

// NewGenomeStore constructs a genome store over the given persistence
// backend. The blob store and audit sink are optional.
func NewGenomeStore(store genome.PersistentStore, blobs blob.Store, sink AuditSink, log *zap.Logger) *GenomeStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &GenomeStore{store: store, blobs: blobs, sink: sink, log: log, nowFn: time.Now}
}

// SetClock overrides the time source for tests.
func (g *GenomeStore) SetClock(now func() time.Time) { g.nowFn = now }

// Get returns the active genome version, or the version identified by id or
// semantic version string when selector is non-empty.
func (g *GenomeStore) Get(ctx context.Context, selector string) (genome.GenomeVersion, error) {
	var found genome.GenomeVersion
	var ok bool
	err := g.store.View(ctx, func(view genome.TransactionView) error {
		if selector == "" {
			found, ok = view.ActiveGenomeVersion()
			return nil
		}
		found, ok = resolveVersion(view, selector)
		return nil
	})
	if err != nil {
		return genome.GenomeVersion{}, err
	}
	if !ok {
		if selector == "" {
			return genome.GenomeVersion{}, genome.NewError(genome.KindNotFound, "no active genome version")
		}
		return genome.GenomeVersion{}, genome.NewError(genome.KindNotFound, "genome version %s not found", selector)
	}
	return found, nil
}

// Create validates content, computes its hash, assigns the next semantic
// version, and persists the new row as active while demoting the prior
// active version inside the same transaction. The canonical content document
// is archived to the blob store after commit as a non-critical side effect.
func (g *GenomeStore) Create(ctx context.Context, content genome.GenomeContent, createdBy string, parent *string) (genome.GenomeVersion, error) {
	if createdBy == "" {
		return genome.GenomeVersion{}, genome.NewError(genome.KindValidation, "createdBy is required")
	}
	if err := genome.ValidateContent(content); err != nil {
		return genome.GenomeVersion{}, err
	}
	hash, err := genome.HashContent(content)
	if err != nil {
		return genome.GenomeVersion{}, err
	}
	var created genome.GenomeVersion
	var entry genome.AuditEntry
	now := g.nowFn().UTC()
	_, err = g.store.RunInTransaction(ctx, func(tx genome.Transaction) error {
		view := tx.Snapshot()
		version := genome.InitialVersion
		parentVersion := parent
		if active, ok := view.ActiveGenomeVersion(); ok {
			next, verr := genome.NextVersion(active.Version, genome.DiffContent(active.Content, content))
			if verr != nil {
				return verr
			}
			version = next
			if parentVersion == nil {
				parentVersion = &active.Version
			}
		}
		var cerr error
		created, cerr = tx.CreateGenomeVersion(genome.GenomeVersion{
			Version:       version,
			Content:       content,
			ContentHash:   hash,
			CreatedBy:     createdBy,
			ParentVersion: parentVersion,
		})
		if cerr != nil {
			return cerr
		}
		if err := tx.SetActiveGenomeVersion(created.ID); err != nil {
			return err
		}
		created.Active = true
		entry, cerr = tx.AppendAudit(genome.AuditEntry{
			Actor:      createdBy,
			Action:     "genome.create",
			Entity:     genome.EntityGenomeVersion,
			EntityID:   created.ID,
			After:      auditSnapshot(created),
			Detail:     fmt.Sprintf("version %s hash %s", created.Version, created.ContentHash),
			RecordedAt: now,
		})
		return cerr
	})
	if err != nil {
		return genome.GenomeVersion{}, err
	}
	forwardAudit(ctx, g.sink, g.log, entry)
	g.archive(ctx, created)
	g.log.Info("genome version created",
		zap.String("id", created.ID),
		zap.String("version", created.Version),
		zap.String("hash", created.ContentHash))
	return created, nil
}

// Diff produces the structural delta between two versions' content. Pure
// read; no side effects.
func (g *GenomeStore) Diff(ctx context.Context, v1, v2 string) (genome.Diff, error) {
	a, err := g.Get(ctx, v1)
	if err != nil {
		return genome.Diff{}, err
	}
	b, err := g.Get(ctx, v2)
	if err != nil {
		return genome.Diff{}, err
	}
	return genome.DiffContent(a.Content, b.Content), nil
}

// Rollback records a new active version whose content equals the target's
// content. The prior active version stays retrievable by its own ID, so the
// full history is preserved.
func (g *GenomeStore) Rollback(ctx context.Context, target, actor string) (genome.GenomeVersion, error) {
	if actor == "" {
		return genome.GenomeVersion{}, genome.NewError(genome.KindValidation, "actor is required")
	}
	var created genome.GenomeVersion
	var entry genome.AuditEntry
	now := g.nowFn().UTC()
	_, err := g.store.RunInTransaction(ctx, func(tx genome.Transaction) error {
		var err error
		created, entry, err = g.rollbackIn(tx, now, target, actor)
		return err
	})
	if err != nil {
		return genome.GenomeVersion{}, err
	}
	forwardAudit(ctx, g.sink, g.log, entry)
	g.archive(ctx, created)
	g.log.Info("genome rolled back",
		zap.String("target", target),
		zap.String("new_version", created.Version))
	return created, nil
}

// rollbackIn performs the rollback inside an already-open transaction so
// callers can couple it atomically with their own state change.
func (g *GenomeStore) rollbackIn(tx genome.Transaction, now time.Time, target, actor string) (genome.GenomeVersion, genome.AuditEntry, error) {
	view := tx.Snapshot()
	targetVersion, ok := resolveVersion(view, target)
	if !ok {
		return genome.GenomeVersion{}, genome.AuditEntry{}, genome.NewError(genome.KindNotFound, "genome version %s not found", target)
	}
	active, ok := view.ActiveGenomeVersion()
	if !ok {
		return genome.GenomeVersion{}, genome.AuditEntry{}, genome.NewError(genome.KindState, "rollback requires an active genome version")
	}
	if active.ID == targetVersion.ID {
		return genome.GenomeVersion{}, genome.AuditEntry{}, genome.NewError(genome.KindState, "version %s is already active", targetVersion.Version)
	}
	next, err := genome.NextVersion(active.Version, genome.DiffContent(active.Content, targetVersion.Content))
	if err != nil {
		return genome.GenomeVersion{}, genome.AuditEntry{}, err
	}
	created, err := tx.CreateGenomeVersion(genome.GenomeVersion{
		Version:       next,
		Content:       targetVersion.Content,
		ContentHash:   targetVersion.ContentHash,
		CreatedBy:     actor,
		ParentVersion: &active.Version,
	})
	if err != nil {
		return genome.GenomeVersion{}, genome.AuditEntry{}, err
	}
	if err := tx.SetActiveGenomeVersion(created.ID); err != nil {
		return genome.GenomeVersion{}, genome.AuditEntry{}, err
	}
	created.Active = true
	entry, err := tx.AppendAudit(genome.AuditEntry{
		Actor:      actor,
		Action:     "genome.rollback",
		Entity:     genome.EntityGenomeVersion,
		EntityID:   created.ID,
		Before:     auditSnapshot(active),
		After:      auditSnapshot(created),
		Detail:     fmt.Sprintf("restored content of %s as %s", targetVersion.Version, created.Version),
		RecordedAt: now,
	})
	if err != nil {
		return genome.GenomeVersion{}, genome.AuditEntry{}, err
	}
	return created, entry, nil
}

// Verify recomputes the content hash of the selected version (the active
// one when selector is empty) and compares it to the stored hash.
func (g *GenomeStore) Verify(ctx context.Context, selector string) error {
	version, err := g.Get(ctx, selector)
	if err != nil {
		return err
	}
	hash, err := genome.HashContent(version.Content)
	if err != nil {
		return err
	}
	if hash != version.ContentHash {
		return genome.NewError(genome.KindIntegrity,
			"version %s content hash mismatch: stored %s computed %s", version.Version, version.ContentHash, hash)
	}
	return nil
}

// List returns all stored versions in creation order.
func (g *GenomeStore) List(ctx context.Context) ([]genome.GenomeVersion, error) {
	var out []genome.GenomeVersion
	err := g.store.View(ctx, func(view genome.TransactionView) error {
		out = view.ListGenomeVersions()
		return nil
	})
	return out, err
}

// archive writes the canonical content document to the blob store. Failure
// is logged and never affects the committed version.
func (g *GenomeStore) archive(ctx context.Context, version genome.GenomeVersion) {
	if g.blobs == nil {
		return
	}
	doc, err := genome.CanonicalContent(version.Content)
	if err != nil {
		g.log.Warn("genome archive encode failed", zap.String("version", version.Version), zap.Error(err))
		return
	}
	key := fmt.Sprintf("genomes/%s.json", version.Version)
	_, err = g.blobs.Put(ctx, key, bytes.NewReader(doc), blob.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"content_hash": version.ContentHash},
	})
	if err != nil {
		g.log.Warn("genome archive failed", zap.String("key", key), zap.Error(err))
	}
}

// resolveVersion matches a selector against version IDs first, then
// semantic version strings.
func resolveVersion(view genome.RuleView, selector string) (genome.GenomeVersion, bool) {
	if v, ok := view.FindGenomeVersion(selector); ok {
		return v, true
	}
	for _, v := range view.ListGenomeVersions() {
		if v.Version == selector {
			return v, true
		}
	}
	return genome.GenomeVersion{}, false
}
