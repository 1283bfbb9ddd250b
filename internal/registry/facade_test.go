package registry

import (
	"context"
	"testing"

	"icdev/internal/infra/persistence/memory"
	"icdev/internal/observability"
	"icdev/pkg/genome"
)

type recordingSink struct {
	entries []genome.AuditEntry
}

func (s *recordingSink) Forward(_ context.Context, entry genome.AuditEntry) error {
	s.entries = append(s.entries, entry)
	return nil
}

func TestNewDefaultsRecorders(t *testing.T) {
	reg, err := New(Deps{Store: memory.NewStore(DefaultRulesEngine())})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if reg.Genomes == nil || reg.Evaluator == nil || reg.Staging == nil || reg.Propagation == nil || reg.Children == nil {
		t.Fatal("expected every service to be wired")
	}
	if reg.metrics == nil || reg.tracer == nil {
		t.Fatal("expected default metrics recorder and tracer")
	}
	if _, err := reg.CreateGenome(context.Background(), baselineContent(), "alice", nil); err != nil {
		t.Fatalf("create genome through defaults: %v", err)
	}
}

func TestNewRejectsBadWeights(t *testing.T) {
	_, err := New(Deps{
		Store:   memory.NewStore(DefaultRulesEngine()),
		Weights: map[string]float64{"capability_value": 1.5},
	})
	wantKind(t, err, genome.KindValidation)
}

func TestFacadeInstrumentsOperations(t *testing.T) {
	metrics := observability.NewExpvarMetricsRecorder("")
	tracer := observability.NewJSONTracer(nil)
	reg, err := New(Deps{
		Store:   memory.NewStore(DefaultRulesEngine()),
		Metrics: metrics,
		Tracer:  tracer,
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	ctx := context.Background()
	if _, err := reg.CreateGenome(ctx, baselineContent(), "alice", nil); err != nil {
		t.Fatalf("create genome: %v", err)
	}
	if _, err := reg.GetGenome(ctx, "no-such-version"); err == nil {
		t.Fatal("expected lookup failure")
	}

	entries := tracer.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 trace spans, got %d", len(entries))
	}
	if entries[0].Operation != "genome.create" || entries[0].Status != "success" {
		t.Fatalf("unexpected first span: %+v", entries[0])
	}
	if entries[1].Operation != "genome.get" || entries[1].Status != "error" {
		t.Fatalf("unexpected second span: %+v", entries[1])
	}
	if entries[1].Error == "" {
		t.Fatal("error span should carry the error message")
	}

	snap := metrics.Snapshot()
	if got := snap.Results["genome.create"]["success"]; got != 1 {
		t.Fatalf("genome.create success count = %d, want 1", got)
	}
	if got := snap.Results["genome.get"]["error"]; got != 1 {
		t.Fatalf("genome.get error count = %d, want 1", got)
	}
}

func TestFacadeForwardsAuditEntries(t *testing.T) {
	sink := &recordingSink{}
	reg, err := New(Deps{
		Store: memory.NewStore(DefaultRulesEngine()),
		Sink:  sink,
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	ctx := context.Background()
	if _, err := reg.CreateGenome(ctx, baselineContent(), "alice", nil); err != nil {
		t.Fatalf("create genome: %v", err)
	}
	if _, err := reg.RegisterChild(ctx, "edge-1", "http://edge-1.local", 1); err != nil {
		t.Fatalf("register child: %v", err)
	}

	if len(sink.entries) < 2 {
		t.Fatalf("expected forwarded audit entries for both mutations, got %d", len(sink.entries))
	}
	for _, entry := range sink.entries {
		if entry.Actor == "" || entry.Action == "" {
			t.Fatalf("forwarded entry missing actor or action: %+v", entry)
		}
	}
}
