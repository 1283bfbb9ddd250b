package registry

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"icdev/pkg/genome"
)

// ChildRegistry records deployed child applications. A child binds to the
// genome version active at registration time and never auto-upgrades;
// version changes reach it only through an executed propagation.
type ChildRegistry struct {
	store genome.PersistentStore
	sink  AuditSink
	log   *zap.Logger
	nowFn func() time.Time
}

// NewChildRegistry constructs a child registry.
func NewChildRegistry(store genome.PersistentStore, sink AuditSink, log *zap.Logger) *ChildRegistry {
	if log == nil {
		log = zap.NewNop()
	}
	return &ChildRegistry{store: store, sink: sink, log: log, nowFn: time.Now}
}

// Register persists a new child bound to the currently active genome version.
func (r *ChildRegistry) Register(ctx context.Context, name, endpoint string, isolationLevel int) (genome.Child, error) {
	if strings.TrimSpace(name) == "" {
		return genome.Child{}, genome.NewError(genome.KindValidation, "child name is required")
	}
	if strings.TrimSpace(endpoint) == "" {
		return genome.Child{}, genome.NewError(genome.KindValidation, "child endpoint is required")
	}
	if isolationLevel < 0 {
		return genome.Child{}, genome.NewError(genome.KindValidation, "isolation level cannot be negative")
	}
	now := r.nowFn().UTC()
	var created genome.Child
	var entry genome.AuditEntry
	_, err := r.store.RunInTransaction(ctx, func(tx genome.Transaction) error {
		view := tx.Snapshot()
		active, ok := view.ActiveGenomeVersion()
		if !ok {
			return genome.NewError(genome.KindState, "cannot register a child without an active genome version")
		}
		var err error
		created, err = tx.CreateChild(genome.Child{
			Name:           name,
			Endpoint:       endpoint,
			IsolationLevel: isolationLevel,
			GenomeVersion:  active.Version,
		})
		if err != nil {
			return err
		}
		entry, err = tx.AppendAudit(genome.AuditEntry{
			Actor:      name,
			Action:     "child.register",
			Entity:     genome.EntityChild,
			EntityID:   created.ID,
			After:      auditSnapshot(created),
			RecordedAt: now,
		})
		return err
	})
	if err != nil {
		return genome.Child{}, err
	}
	forwardAudit(ctx, r.sink, r.log, entry)
	r.log.Info("child registered",
		zap.String("id", created.ID),
		zap.String("name", created.Name),
		zap.Int("isolation_level", created.IsolationLevel),
		zap.String("genome_version", created.GenomeVersion))
	return created, nil
}

// Get returns one child by ID.
func (r *ChildRegistry) Get(ctx context.Context, id string) (genome.Child, error) {
	var child genome.Child
	err := r.store.View(ctx, func(view genome.TransactionView) error {
		found, ok := view.FindChild(id)
		if !ok {
			return genome.NewError(genome.KindNotFound, "child %s not found", id)
		}
		child = found
		return nil
	})
	return child, err
}

// List returns all registered children.
func (r *ChildRegistry) List(ctx context.Context) ([]genome.Child, error) {
	var children []genome.Child
	err := r.store.View(ctx, func(view genome.TransactionView) error {
		children = view.ListChildren()
		return nil
	})
	return children, err
}
