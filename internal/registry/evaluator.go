package registry

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"icdev/pkg/genome"
)

// Disposition thresholds are fixed product policy, not configuration.
const (
	thresholdAutoQueue = 0.85
	thresholdRecommend = 0.65
	thresholdLog       = 0.40
)

// DefaultWeights carries the seven standard evaluation dimensions. Weights
// sum to 1.0.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		"maturity":             0.15,
		"impact_breadth":       0.15,
		"compliance_alignment": 0.20,
		"feasibility":          0.15,
		"novelty":              0.10,
		"operational_risk":     0.10,
		"security_assessment":  0.15,
	}
}

// CandidateInput is the raw material for one evaluation: identity, discovery
// evidence, and per-dimension scores produced by the discovery pipelines.
type CandidateInput struct {
	Name        string
	Source      string
	Evidence    map[string]any
	Sensitivity int
	Scores      genome.DimensionScores
}

// Evaluator scores capability candidates across weighted dimensions and
// assigns a deterministic disposition. Results are append-only: re-evaluating
// a candidate inserts a new row, never edits a prior one.
type Evaluator struct {
	store   genome.PersistentStore
	weights map[string]float64
	sink    AuditSink
	log     *zap.Logger
	nowFn   func() time.Time
}

// NewEvaluator constructs an evaluator with the given dimension weights.
// Weights must be positive and sum to 1.0.
func NewEvaluator(store genome.PersistentStore, weights map[string]float64, sink AuditSink, log *zap.Logger) (*Evaluator, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if len(weights) == 0 {
		weights = DefaultWeights()
	}
	var sum float64
	for dim, w := range weights {
		if strings.TrimSpace(dim) == "" {
			return nil, genome.NewError(genome.KindValidation, "weight dimension name cannot be blank")
		}
		if w <= 0 {
			return nil, genome.NewError(genome.KindValidation, "weight for %s must be positive", dim)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > 1e-9 {
		return nil, genome.NewError(genome.KindValidation, "weights must sum to 1.0, got %.6f", sum)
	}
	return &Evaluator{store: store, weights: weights, sink: sink, log: log, nowFn: time.Now}, nil
}

// SetClock overrides the time source for tests.
func (e *Evaluator) SetClock(now func() time.Time) { e.nowFn = now }

// Dimensions returns the configured dimension names in sorted order.
func (e *Evaluator) Dimensions() []string {
	dims := make([]string, 0, len(e.weights))
	for dim := range e.weights {
		dims = append(dims, dim)
	}
	sort.Strings(dims)
	return dims
}

// Evaluate clamps each dimension score to [0,1], computes the weighted
// composite, assigns the disposition, and persists the candidate with its
// audit entry in one transaction.
func (e *Evaluator) Evaluate(ctx context.Context, input CandidateInput) (genome.CapabilityCandidate, error) {
	if strings.TrimSpace(input.Name) == "" {
		return genome.CapabilityCandidate{}, genome.NewError(genome.KindValidation, "candidate name is required")
	}
	if strings.TrimSpace(input.Source) == "" {
		return genome.CapabilityCandidate{}, genome.NewError(genome.KindValidation, "candidate source is required")
	}
	if input.Sensitivity < 0 {
		return genome.CapabilityCandidate{}, genome.NewError(genome.KindValidation, "candidate sensitivity cannot be negative")
	}
	scores := make(genome.DimensionScores, len(e.weights))
	var composite float64
	for dim, weight := range e.weights {
		raw, ok := input.Scores[dim]
		if !ok {
			return genome.CapabilityCandidate{}, genome.NewError(genome.KindValidation, "missing score for dimension %s", dim)
		}
		clamped := clamp01(raw)
		scores[dim] = clamped
		composite += weight * clamped
	}
	now := e.nowFn().UTC()
	candidate := genome.CapabilityCandidate{
		Name:        input.Name,
		Source:      input.Source,
		Evidence:    input.Evidence,
		Sensitivity: input.Sensitivity,
		Scores:      scores,
		Composite:   composite,
		Disposition: DispositionFor(composite),
		EvaluatedAt: now,
	}
	var created genome.CapabilityCandidate
	var entry genome.AuditEntry
	_, err := e.store.RunInTransaction(ctx, func(tx genome.Transaction) error {
		var err error
		created, err = tx.CreateCandidate(candidate)
		if err != nil {
			return err
		}
		entry, err = tx.AppendAudit(genome.AuditEntry{
			Actor:      input.Source,
			Action:     "candidate.evaluate",
			Entity:     genome.EntityCandidate,
			EntityID:   created.ID,
			After:      auditSnapshot(created),
			RecordedAt: now,
		})
		return err
	})
	if err != nil {
		return genome.CapabilityCandidate{}, err
	}
	forwardAudit(ctx, e.sink, e.log, entry)
	e.log.Info("candidate evaluated",
		zap.String("id", created.ID),
		zap.String("name", created.Name),
		zap.Float64("composite", created.Composite),
		zap.String("disposition", string(created.Disposition)))
	return created, nil
}

// DispositionFor maps a composite score to its disposition using the fixed
// thresholds: >=0.85 auto_queue, >=0.65 recommend, >=0.40 log, else archive.
func DispositionFor(composite float64) genome.Disposition {
	switch {
	case composite >= thresholdAutoQueue:
		return genome.DispositionAutoQueue
	case composite >= thresholdRecommend:
		return genome.DispositionRecommend
	case composite >= thresholdLog:
		return genome.DispositionLog
	default:
		return genome.DispositionArchive
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
