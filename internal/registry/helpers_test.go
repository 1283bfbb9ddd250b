package registry

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"icdev/internal/infra/persistence/memory"
	"icdev/pkg/genome"
)

// fixture wires the registry services over one in-memory store with a
// controllable clock.
type fixture struct {
	store       *memory.Store
	genomes     *GenomeStore
	evaluator   *Evaluator
	staging     *StagingManager
	propagation *PropagationManager
	children    *ChildRegistry
	pipeline    *stubPipeline
	now         time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: memory.NewStore(DefaultRulesEngine()),
		now:   time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC),
		pipeline: &stubPipeline{
			result: PipelineResult{Passed: true, ComplianceBefore: 0.90, ComplianceAfter: 0.95},
		},
	}
	clock := func() time.Time { return f.now }
	f.store.SetClock(clock)

	log := zap.NewNop()
	f.genomes = NewGenomeStore(f.store, nil, nil, log)
	f.genomes.SetClock(clock)

	var err error
	f.evaluator, err = NewEvaluator(f.store, nil, nil, log)
	if err != nil {
		t.Fatalf("evaluator: %v", err)
	}
	f.evaluator.SetClock(clock)

	f.staging = NewStagingManager(f.store, f.pipeline, nil, nil, StagingConfig{WorkspaceRoot: t.TempDir()}, log)
	f.staging.SetClock(clock)

	f.children = NewChildRegistry(f.store, nil, log)

	f.propagation = NewPropagationManager(f.store, f.genomes, nil, PropagationConfig{}, log)
	f.propagation.SetClock(clock)
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func baselineContent() genome.GenomeContent {
	return genome.GenomeContent{
		Tools: map[string]genome.ToolDefinition{
			"scanner": {Command: "scan --all", Sensitivity: 1, Enabled: true},
		},
		Goals:    []string{"comply"},
		Policies: map[string]string{"retention": "90d"},
		Defaults: map[string]any{"timeout_seconds": 30.0},
	}
}

func (f *fixture) seedGenome(t *testing.T) genome.GenomeVersion {
	t.Helper()
	created, err := f.genomes.Create(context.Background(), baselineContent(), "seed", nil)
	if err != nil {
		t.Fatalf("seed genome: %v", err)
	}
	return created
}

// uniformScores returns every configured dimension set to the given value.
func (f *fixture) uniformScores(value float64) genome.DimensionScores {
	scores := make(genome.DimensionScores)
	for _, dim := range f.evaluator.Dimensions() {
		scores[dim] = value
	}
	return scores
}

func (f *fixture) evaluateCandidate(t *testing.T, name string, sensitivity int, score float64) genome.CapabilityCandidate {
	t.Helper()
	candidate, err := f.evaluator.Evaluate(context.Background(), CandidateInput{
		Name:        name,
		Source:      "discovery",
		Sensitivity: sensitivity,
		Scores:      f.uniformScores(score),
	})
	if err != nil {
		t.Fatalf("evaluate %s: %v", name, err)
	}
	return candidate
}

// stagePassed takes a candidate through staging to the passed state.
func (f *fixture) stagePassed(t *testing.T, candidateID string) genome.StagingEnvironment {
	t.Helper()
	env, err := f.staging.Create(context.Background(), candidateID, "")
	if err != nil {
		t.Fatalf("staging create: %v", err)
	}
	env, err = f.staging.Test(context.Background(), env.ID)
	if err != nil {
		t.Fatalf("staging test: %v", err)
	}
	if env.Status != genome.StagingPassed {
		t.Fatalf("expected passed staging, got %s", env.Status)
	}
	return env
}

func (f *fixture) registerChild(t *testing.T, name string, isolation int) genome.Child {
	t.Helper()
	child, err := f.children.Register(context.Background(), name, "http://"+name+".local", isolation)
	if err != nil {
		t.Fatalf("register child %s: %v", name, err)
	}
	return child
}

type stubPipeline struct {
	result PipelineResult
	err    error
	runs   int
}

func (p *stubPipeline) Name() string { return "stub" }

func (p *stubPipeline) Run(context.Context, string) (PipelineResult, error) {
	p.runs++
	return p.result, p.err
}

func wantKind(t *testing.T, err error, kind genome.ErrorKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if !genome.IsKind(err, kind) {
		t.Fatalf("expected %s error, got %v (kind %s)", kind, err, genome.KindOf(err))
	}
}
