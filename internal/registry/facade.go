package registry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"icdev/internal/blob"
	"icdev/internal/observability"
	"icdev/pkg/genome"
)

// Deps carries the shared dependencies for a Registry.
type Deps struct {
	Store    genome.PersistentStore
	Blobs    blob.Store
	Sink     AuditSink
	Pipeline Pipeline
	Metrics  observability.MetricsRecorder
	Tracer   observability.Tracer
	Log      *zap.Logger

	Weights     map[string]float64
	Staging     StagingConfig
	Propagation PropagationConfig
}

// Registry bundles the genome services behind one instrumented surface.
// Every operation is traced and measured through the configured recorders.
type Registry struct {
	Genomes     *GenomeStore
	Evaluator   *Evaluator
	Staging     *StagingManager
	Propagation *PropagationManager
	Children    *ChildRegistry

	metrics observability.MetricsRecorder
	tracer  observability.Tracer
}

// New wires the services over shared dependencies. Metrics and tracer
// default to process-local recorders when unset.
func New(deps Deps) (*Registry, error) {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewExpvarMetricsRecorder("")
	}
	if deps.Tracer == nil {
		deps.Tracer = observability.NewJSONTracer(nil)
	}
	evaluator, err := NewEvaluator(deps.Store, deps.Weights, deps.Sink, deps.Log.Named("evaluator"))
	if err != nil {
		return nil, err
	}
	genomes := NewGenomeStore(deps.Store, deps.Blobs, deps.Sink, deps.Log.Named("genomes"))
	return &Registry{
		Genomes:     genomes,
		Evaluator:   evaluator,
		Staging:     NewStagingManager(deps.Store, deps.Pipeline, deps.Blobs, deps.Sink, deps.Staging, deps.Log.Named("staging")),
		Propagation: NewPropagationManager(deps.Store, genomes, deps.Sink, deps.Propagation, deps.Log.Named("propagation")),
		Children:    NewChildRegistry(deps.Store, deps.Sink, deps.Log.Named("children")),
		metrics:     deps.Metrics,
		tracer:      deps.Tracer,
	}, nil
}

// instrument runs one operation under a trace span and metrics observation.
func instrument[T any](ctx context.Context, r *Registry, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := r.tracer.Start(ctx, op)
	start := time.Now()
	out, err := fn(ctx)
	span.End(err)
	r.metrics.Observe(ctx, op, err == nil, time.Since(start))
	return out, err
}

// CreateGenome records a new active genome version.
func (r *Registry) CreateGenome(ctx context.Context, content genome.GenomeContent, createdBy string, parent *string) (genome.GenomeVersion, error) {
	return instrument(ctx, r, "genome.create", func(ctx context.Context) (genome.GenomeVersion, error) {
		return r.Genomes.Create(ctx, content, createdBy, parent)
	})
}

// GetGenome returns the active or selected genome version.
func (r *Registry) GetGenome(ctx context.Context, selector string) (genome.GenomeVersion, error) {
	return instrument(ctx, r, "genome.get", func(ctx context.Context) (genome.GenomeVersion, error) {
		return r.Genomes.Get(ctx, selector)
	})
}

// DiffGenomes returns the structural delta between two versions.
func (r *Registry) DiffGenomes(ctx context.Context, v1, v2 string) (genome.Diff, error) {
	return instrument(ctx, r, "genome.diff", func(ctx context.Context) (genome.Diff, error) {
		return r.Genomes.Diff(ctx, v1, v2)
	})
}

// RollbackGenome restores a prior version's content as a new version.
func (r *Registry) RollbackGenome(ctx context.Context, target, actor string) (genome.GenomeVersion, error) {
	return instrument(ctx, r, "genome.rollback", func(ctx context.Context) (genome.GenomeVersion, error) {
		return r.Genomes.Rollback(ctx, target, actor)
	})
}

// VerifyGenome recomputes and checks a version's content hash.
func (r *Registry) VerifyGenome(ctx context.Context, selector string) error {
	_, err := instrument(ctx, r, "genome.verify", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.Genomes.Verify(ctx, selector)
	})
	return err
}

// EvaluateCandidate scores and persists one capability candidate.
func (r *Registry) EvaluateCandidate(ctx context.Context, input CandidateInput) (genome.CapabilityCandidate, error) {
	return instrument(ctx, r, "candidate.evaluate", func(ctx context.Context) (genome.CapabilityCandidate, error) {
		return r.Evaluator.Evaluate(ctx, input)
	})
}

// CreateStaging allocates a staging environment for one candidate.
func (r *Registry) CreateStaging(ctx context.Context, candidateID, baseVersion string) (genome.StagingEnvironment, error) {
	return instrument(ctx, r, "staging.create", func(ctx context.Context) (genome.StagingEnvironment, error) {
		return r.Staging.Create(ctx, candidateID, baseVersion)
	})
}

// TestStaging runs the validation pipeline against an environment.
func (r *Registry) TestStaging(ctx context.Context, id string) (genome.StagingEnvironment, error) {
	return instrument(ctx, r, "staging.test", func(ctx context.Context) (genome.StagingEnvironment, error) {
		return r.Staging.Test(ctx, id)
	})
}

// DestroyStaging releases an environment.
func (r *Registry) DestroyStaging(ctx context.Context, id string) (genome.StagingEnvironment, error) {
	return instrument(ctx, r, "staging.destroy", func(ctx context.Context) (genome.StagingEnvironment, error) {
		return r.Staging.Destroy(ctx, id)
	})
}

// PrepareRollout records a new prepared propagation.
func (r *Registry) PrepareRollout(ctx context.Context, candidateID string, targets []string, rollbackPlan, deployer string) (genome.PropagationRecord, error) {
	return instrument(ctx, r, "propagation.prepare", func(ctx context.Context) (genome.PropagationRecord, error) {
		return r.Propagation.Prepare(ctx, candidateID, targets, rollbackPlan, deployer)
	})
}

// ApproveRollout records the human approval gate.
func (r *Registry) ApproveRollout(ctx context.Context, id, approver string) (genome.PropagationRecord, error) {
	return instrument(ctx, r, "propagation.approve", func(ctx context.Context) (genome.PropagationRecord, error) {
		return r.Propagation.Approve(ctx, id, approver)
	})
}

// RejectRollout terminates a prepared propagation.
func (r *Registry) RejectRollout(ctx context.Context, id, approver, reason string) (genome.PropagationRecord, error) {
	return instrument(ctx, r, "propagation.reject", func(ctx context.Context) (genome.PropagationRecord, error) {
		return r.Propagation.Reject(ctx, id, approver, reason)
	})
}

// ExecuteRollout performs the genome update for an approved propagation.
func (r *Registry) ExecuteRollout(ctx context.Context, id string) (genome.PropagationRecord, error) {
	return instrument(ctx, r, "propagation.execute", func(ctx context.Context) (genome.PropagationRecord, error) {
		return r.Propagation.Execute(ctx, id)
	})
}

// RollbackRollout explicitly rolls back an executed propagation.
func (r *Registry) RollbackRollout(ctx context.Context, id, reason, actor string) (genome.PropagationRecord, error) {
	return instrument(ctx, r, "propagation.rollback", func(ctx context.Context) (genome.PropagationRecord, error) {
		return r.Propagation.Rollback(ctx, id, reason, actor)
	})
}

// RegisterChild registers a deployed child bound to the active genome.
func (r *Registry) RegisterChild(ctx context.Context, name, endpoint string, isolationLevel int) (genome.Child, error) {
	return instrument(ctx, r, "child.register", func(ctx context.Context) (genome.Child, error) {
		return r.Children.Register(ctx, name, endpoint, isolationLevel)
	})
}
