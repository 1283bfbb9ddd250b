package registry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"icdev/pkg/genome"
)

func TestStagingCreateWritesBundle(t *testing.T) {
	f := newFixture(t)
	f.seedGenome(t)
	candidate := f.evaluateCandidate(t, "probe", 1, 0.9)

	env, err := f.staging.Create(context.Background(), candidate.ID, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if env.Status != genome.StagingCreated {
		t.Fatalf("status = %s, want created", env.Status)
	}
	if !env.ExpiresAt.Equal(f.now.Add(DefaultStagingTTL)) {
		t.Fatalf("expires_at = %v, want %v", env.ExpiresAt, f.now.Add(DefaultStagingTTL))
	}
	raw, err := os.ReadFile(filepath.Join(env.Workspace, "bundle.json"))
	if err != nil {
		t.Fatalf("read bundle: %v", err)
	}
	var bundle struct {
		Candidate   genome.CapabilityCandidate `json:"candidate"`
		BaseVersion string                     `json:"base_version"`
	}
	if err := json.Unmarshal(raw, &bundle); err != nil {
		t.Fatalf("decode bundle: %v", err)
	}
	if bundle.Candidate.ID != candidate.ID || bundle.BaseVersion != "1.0.0" {
		t.Fatalf("bundle mismatch: %+v", bundle)
	}
}

func TestStagingCreateEligibility(t *testing.T) {
	f := newFixture(t)
	f.seedGenome(t)
	ctx := context.Background()

	low := f.evaluateCandidate(t, "weak", 1, 0.5)
	_, err := f.staging.Create(ctx, low.ID, "")
	wantKind(t, err, genome.KindState)

	recommend := f.evaluateCandidate(t, "decent", 1, 0.7)
	if _, err := f.staging.Create(ctx, recommend.ID, ""); err != nil {
		t.Fatalf("recommend disposition must be stageable: %v", err)
	}

	_, err = f.staging.Create(ctx, "missing", "")
	wantKind(t, err, genome.KindNotFound)

	good := f.evaluateCandidate(t, "strong", 1, 0.9)
	_, err = f.staging.Create(ctx, good.ID, "9.9.9")
	wantKind(t, err, genome.KindNotFound)
}

func TestStagingTestVerdicts(t *testing.T) {
	cases := []struct {
		name   string
		result PipelineResult
		want   genome.StagingStatus
	}{
		{
			name:   "passed",
			result: PipelineResult{Passed: true, ComplianceBefore: 0.90, ComplianceAfter: 0.95},
			want:   genome.StagingPassed,
		},
		{
			name:   "pipeline failure",
			result: PipelineResult{Passed: false, ComplianceBefore: 0.90, ComplianceAfter: 0.90, FailureReason: "unit tests failed"},
			want:   genome.StagingFailed,
		},
		{
			name:   "compliance regression",
			result: PipelineResult{Passed: true, ComplianceBefore: 0.90, ComplianceAfter: 0.80},
			want:   genome.StagingComplianceRegressed,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.seedGenome(t)
			f.pipeline.result = tc.result
			candidate := f.evaluateCandidate(t, "probe", 1, 0.9)
			env, err := f.staging.Create(context.Background(), candidate.ID, "")
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			env, err = f.staging.Test(context.Background(), env.ID)
			if err != nil {
				t.Fatalf("test: %v", err)
			}
			if env.Status != tc.want {
				t.Fatalf("status = %s, want %s", env.Status, tc.want)
			}
			if env.ComplianceBefore == nil || *env.ComplianceBefore != tc.result.ComplianceBefore {
				t.Fatalf("compliance before not recorded: %+v", env)
			}
			if env.FailureReason != tc.result.FailureReason {
				t.Fatalf("failure reason = %q, want %q", env.FailureReason, tc.result.FailureReason)
			}
		})
	}
}

func TestStagingTestStateGates(t *testing.T) {
	f := newFixture(t)
	f.seedGenome(t)
	ctx := context.Background()
	candidate := f.evaluateCandidate(t, "probe", 1, 0.9)
	env, err := f.staging.Create(ctx, candidate.ID, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// A claim already in flight conflicts instead of racing two pipelines.
	if _, err := f.store.RunInTransaction(ctx, func(tx genome.Transaction) error {
		_, err := tx.UpdateStagingEnvironment(env.ID, func(e *genome.StagingEnvironment) error {
			e.Status = genome.StagingTesting
			return nil
		})
		return err
	}); err != nil {
		t.Fatalf("pin testing: %v", err)
	}
	_, err = f.staging.Test(ctx, env.ID)
	wantKind(t, err, genome.KindConflict)

	if _, err := f.store.RunInTransaction(ctx, func(tx genome.Transaction) error {
		_, err := tx.UpdateStagingEnvironment(env.ID, func(e *genome.StagingEnvironment) error {
			e.Status = genome.StagingCreated
			return nil
		})
		return err
	}); err != nil {
		t.Fatalf("reset: %v", err)
	}

	if _, err := f.staging.Test(ctx, env.ID); err != nil {
		t.Fatalf("test: %v", err)
	}
	_, err = f.staging.Test(ctx, env.ID)
	wantKind(t, err, genome.KindState)
}

func TestStagingExpiryIsPassive(t *testing.T) {
	f := newFixture(t)
	f.seedGenome(t)
	ctx := context.Background()
	candidate := f.evaluateCandidate(t, "probe", 1, 0.9)
	env, err := f.staging.Create(ctx, candidate.ID, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	f.advance(DefaultStagingTTL + time.Minute)

	got, err := f.staging.Get(ctx, env.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != genome.StagingExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
	// The stored row is untouched; expiry is derived at read time.
	stored, _ := f.store.GetStagingEnvironment(env.ID)
	if stored.Status != genome.StagingCreated {
		t.Fatalf("stored status = %s, want created", stored.Status)
	}

	_, err = f.staging.Test(ctx, env.ID)
	wantKind(t, err, genome.KindState)

	envs, err := f.staging.List(ctx)
	if err != nil || len(envs) != 1 || envs[0].Status != genome.StagingExpired {
		t.Fatalf("list must apply expiry: %v %+v", err, envs)
	}
}

func TestStagingDestroyIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seedGenome(t)
	ctx := context.Background()
	candidate := f.evaluateCandidate(t, "probe", 1, 0.9)
	env, err := f.staging.Create(ctx, candidate.ID, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	destroyed, err := f.staging.Destroy(ctx, env.ID)
	if err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if destroyed.Status != genome.StagingDestroyed {
		t.Fatalf("status = %s, want destroyed", destroyed.Status)
	}
	if _, err := os.Stat(env.Workspace); !os.IsNotExist(err) {
		t.Fatalf("workspace must be removed, stat err: %v", err)
	}

	again, err := f.staging.Destroy(ctx, env.ID)
	if err != nil || again.Status != genome.StagingDestroyed {
		t.Fatalf("repeated destroy must be a no-op: %v %+v", err, again)
	}

	// Destroyed wins over expiry.
	f.advance(DefaultStagingTTL * 2)
	got, err := f.staging.Get(ctx, env.ID)
	if err != nil || got.Status != genome.StagingDestroyed {
		t.Fatalf("destroyed must not report expired: %v %s", err, got.Status)
	}
}
