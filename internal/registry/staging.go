package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"icdev/internal/blob"
	"icdev/pkg/genome"
)

// DefaultStagingTTL bounds how long a staging environment may live before
// passive expiry treats it as destroyed.
const DefaultStagingTTL = 72 * time.Hour

// StagingConfig carries staging manager settings.
type StagingConfig struct {
	TTL           time.Duration
	WorkspaceRoot string
}

// StagingManager allocates isolated, time-boxed sandbox environments and
// runs candidate capabilities through the validation pipeline before they
// become eligible for propagation.
type StagingManager struct {
	store    genome.PersistentStore
	pipeline Pipeline
	blobs    blob.Store
	sink     AuditSink
	cfg      StagingConfig
	log      *zap.Logger
	nowFn    func() time.Time
}

// NewStagingManager constructs a staging manager. A zero TTL falls back to
// the 72 hour default; an empty workspace root falls back to ./staging.
func NewStagingManager(store genome.PersistentStore, pipeline Pipeline, blobs blob.Store, sink AuditSink, cfg StagingConfig, log *zap.Logger) *StagingManager {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultStagingTTL
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = "./staging"
	}
	if pipeline == nil {
		pipeline = PlanPipeline{}
	}
	return &StagingManager{store: store, pipeline: pipeline, blobs: blobs, sink: sink, cfg: cfg, log: log, nowFn: time.Now}
}

// SetClock overrides the time source for tests.
func (m *StagingManager) SetClock(now func() time.Time) { m.nowFn = now }

// stagingBundle is the content document written into the workspace for the
// validation pipeline to consume.
type stagingBundle struct {
	Candidate   genome.CapabilityCandidate `json:"candidate"`
	BaseVersion string                     `json:"base_version"`
	Content     genome.GenomeContent       `json:"content"`
}

// Create allocates an isolated workspace for one candidate against one base
// genome version and records the environment with its TTL. An empty base
// selector stages against the active version.
func (m *StagingManager) Create(ctx context.Context, candidateID, baseVersion string) (genome.StagingEnvironment, error) {
	now := m.nowFn().UTC()
	var candidate genome.CapabilityCandidate
	var base genome.GenomeVersion
	err := m.store.View(ctx, func(view genome.TransactionView) error {
		var ok bool
		candidate, ok = view.FindCandidate(candidateID)
		if !ok {
			return genome.NewError(genome.KindNotFound, "candidate %s not found", candidateID)
		}
		if baseVersion == "" {
			base, ok = view.ActiveGenomeVersion()
			if !ok {
				return genome.NewError(genome.KindState, "no active genome version to stage against")
			}
			return nil
		}
		base, ok = resolveVersion(view, baseVersion)
		if !ok {
			return genome.NewError(genome.KindNotFound, "genome version %s not found", baseVersion)
		}
		return nil
	})
	if err != nil {
		return genome.StagingEnvironment{}, err
	}
	switch candidate.Disposition {
	case genome.DispositionAutoQueue, genome.DispositionRecommend:
	default:
		return genome.StagingEnvironment{}, genome.NewError(genome.KindState,
			"candidate %s disposition %s is not eligible for staging", candidateID, candidate.Disposition)
	}

	workspace := filepath.Join(m.cfg.WorkspaceRoot, uuid.NewString())
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return genome.StagingEnvironment{}, genome.WrapError(genome.KindResource, err, "allocate staging workspace")
	}
	bundle := stagingBundle{Candidate: candidate, BaseVersion: base.Version, Content: base.Content}
	doc, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return genome.StagingEnvironment{}, genome.WrapError(genome.KindResource, err, "encode staging bundle")
	}
	if err := os.WriteFile(filepath.Join(workspace, "bundle.json"), doc, 0o644); err != nil {
		return genome.StagingEnvironment{}, genome.WrapError(genome.KindResource, err, "write staging bundle")
	}

	var created genome.StagingEnvironment
	var entry genome.AuditEntry
	_, err = m.store.RunInTransaction(ctx, func(tx genome.Transaction) error {
		var err error
		created, err = tx.CreateStagingEnvironment(genome.StagingEnvironment{
			CandidateID: candidate.ID,
			BaseVersion: base.Version,
			Workspace:   workspace,
			Status:      genome.StagingCreated,
			ExpiresAt:   now.Add(m.cfg.TTL),
		})
		if err != nil {
			return err
		}
		entry, err = tx.AppendAudit(genome.AuditEntry{
			Actor:      candidate.Source,
			Action:     "staging.create",
			Entity:     genome.EntityStaging,
			EntityID:   created.ID,
			After:      auditSnapshot(created),
			Detail:     fmt.Sprintf("candidate %s on base %s", candidate.ID, base.Version),
			RecordedAt: now,
		})
		return err
	})
	if err != nil {
		_ = os.RemoveAll(workspace)
		return genome.StagingEnvironment{}, err
	}
	forwardAudit(ctx, m.sink, m.log, entry)
	m.archiveBundle(ctx, created.ID, doc)
	m.log.Info("staging environment created",
		zap.String("id", created.ID),
		zap.String("candidate", candidate.ID),
		zap.Time("expires_at", created.ExpiresAt))
	return created, nil
}

// Test runs the validation pipeline against the environment's workspace.
// The status is pinned to testing for the duration; a concurrent Test on the
// same environment fails with a conflict instead of racing two pipelines.
// The final status is passed only when every pipeline stage passed and the
// compliance score did not regress.
func (m *StagingManager) Test(ctx context.Context, id string) (genome.StagingEnvironment, error) {
	now := m.nowFn().UTC()
	var env genome.StagingEnvironment
	var entries []genome.AuditEntry

	// Claim the environment before running anything.
	_, err := m.store.RunInTransaction(ctx, func(tx genome.Transaction) error {
		updated, err := tx.UpdateStagingEnvironment(id, func(e *genome.StagingEnvironment) error {
			switch e.EffectiveStatus(now) {
			case genome.StagingCreated:
			case genome.StagingTesting:
				return genome.NewError(genome.KindConflict, "staging %s is already testing", id)
			case genome.StagingExpired:
				return genome.NewError(genome.KindState, "staging %s expired at %s", id, e.ExpiresAt.Format(time.RFC3339))
			default:
				return genome.NewError(genome.KindState, "staging %s in state %s cannot be tested", id, e.Status)
			}
			e.Status = genome.StagingTesting
			return nil
		})
		if err != nil {
			return err
		}
		env = updated
		entry, err := tx.AppendAudit(genome.AuditEntry{
			Actor:      "staging-manager",
			Action:     "staging.test.start",
			Entity:     genome.EntityStaging,
			EntityID:   id,
			Before:     string(genome.StagingCreated),
			After:      string(genome.StagingTesting),
			RecordedAt: now,
		})
		entries = append(entries, entry)
		return err
	})
	if err != nil {
		return genome.StagingEnvironment{}, err
	}

	result, runErr := m.pipeline.Run(ctx, env.Workspace)
	verdict := verdictStatus(result, runErr)
	finishedAt := m.nowFn().UTC()

	_, err = m.store.RunInTransaction(ctx, func(tx genome.Transaction) error {
		updated, err := tx.UpdateStagingEnvironment(id, func(e *genome.StagingEnvironment) error {
			e.Status = verdict
			e.ComplianceBefore = &result.ComplianceBefore
			e.ComplianceAfter = &result.ComplianceAfter
			if runErr != nil {
				e.FailureReason = runErr.Error()
			} else {
				e.FailureReason = result.FailureReason
			}
			return nil
		})
		if err != nil {
			return err
		}
		env = updated
		entry, err := tx.AppendAudit(genome.AuditEntry{
			Actor:      "staging-manager",
			Action:     "staging.test.finish",
			Entity:     genome.EntityStaging,
			EntityID:   id,
			Before:     string(genome.StagingTesting),
			After:      string(verdict),
			Detail:     fmt.Sprintf("pipeline %s compliance %.3f -> %.3f", m.pipeline.Name(), result.ComplianceBefore, result.ComplianceAfter),
			RecordedAt: finishedAt,
		})
		entries = append(entries, entry)
		return err
	})
	if err != nil {
		return genome.StagingEnvironment{}, err
	}
	forwardAudit(ctx, m.sink, m.log, entries...)
	m.log.Info("staging test finished",
		zap.String("id", id),
		zap.String("status", string(env.Status)),
		zap.Float64("compliance_before", result.ComplianceBefore),
		zap.Float64("compliance_after", result.ComplianceAfter))
	if runErr != nil {
		return env, runErr
	}
	return env, nil
}

// verdictStatus resolves the pipeline outcome into a staging status. A
// compliance regression overrides a nominal pass.
func verdictStatus(result PipelineResult, runErr error) genome.StagingStatus {
	switch {
	case runErr != nil:
		return genome.StagingFailed
	case !result.Passed:
		return genome.StagingFailed
	case result.ComplianceAfter < result.ComplianceBefore:
		return genome.StagingComplianceRegressed
	default:
		return genome.StagingPassed
	}
}

// Destroy releases the workspace and marks the environment destroyed.
// Idempotent: destroying an already-destroyed environment returns it as is.
func (m *StagingManager) Destroy(ctx context.Context, id string) (genome.StagingEnvironment, error) {
	now := m.nowFn().UTC()
	var env genome.StagingEnvironment
	var entry genome.AuditEntry
	var already bool
	_, err := m.store.RunInTransaction(ctx, func(tx genome.Transaction) error {
		var prior genome.StagingStatus
		updated, err := tx.UpdateStagingEnvironment(id, func(e *genome.StagingEnvironment) error {
			prior = e.Status
			if e.Status == genome.StagingDestroyed {
				already = true
				return nil
			}
			e.Status = genome.StagingDestroyed
			return nil
		})
		if err != nil {
			return err
		}
		env = updated
		if already {
			return nil
		}
		entry, err = tx.AppendAudit(genome.AuditEntry{
			Actor:      "staging-manager",
			Action:     "staging.destroy",
			Entity:     genome.EntityStaging,
			EntityID:   id,
			Before:     string(prior),
			After:      string(genome.StagingDestroyed),
			RecordedAt: now,
		})
		return err
	})
	if err != nil {
		return genome.StagingEnvironment{}, err
	}
	if !already {
		forwardAudit(ctx, m.sink, m.log, entry)
		if rmErr := os.RemoveAll(env.Workspace); rmErr != nil {
			m.log.Warn("staging workspace cleanup failed", zap.String("workspace", env.Workspace), zap.Error(rmErr))
		}
		m.log.Info("staging environment destroyed", zap.String("id", id))
	}
	return env, nil
}

// Get returns the environment with passive TTL expiry applied to its status.
func (m *StagingManager) Get(ctx context.Context, id string) (genome.StagingEnvironment, error) {
	now := m.nowFn().UTC()
	var env genome.StagingEnvironment
	err := m.store.View(ctx, func(view genome.TransactionView) error {
		found, ok := view.FindStagingEnvironment(id)
		if !ok {
			return genome.NewError(genome.KindNotFound, "staging %s not found", id)
		}
		env = found
		return nil
	})
	if err != nil {
		return genome.StagingEnvironment{}, err
	}
	env.Status = env.EffectiveStatus(now)
	return env, nil
}

// List returns all environments with passive expiry applied.
func (m *StagingManager) List(ctx context.Context) ([]genome.StagingEnvironment, error) {
	now := m.nowFn().UTC()
	var envs []genome.StagingEnvironment
	err := m.store.View(ctx, func(view genome.TransactionView) error {
		envs = view.ListStagingEnvironments()
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := range envs {
		envs[i].Status = envs[i].EffectiveStatus(now)
	}
	return envs, nil
}

// archiveBundle copies the staged bundle to the blob store, best effort.
func (m *StagingManager) archiveBundle(ctx context.Context, id string, doc []byte) {
	if m.blobs == nil {
		return
	}
	key := fmt.Sprintf("staging/%s/bundle.json", id)
	if _, err := m.blobs.Put(ctx, key, bytes.NewReader(doc), blob.PutOptions{ContentType: "application/json"}); err != nil {
		m.log.Warn("staging bundle archive failed", zap.String("key", key), zap.Error(err))
	}
}
