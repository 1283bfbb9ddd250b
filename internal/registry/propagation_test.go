package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"icdev/pkg/genome"
)

// readyFixture walks one candidate through evaluation and staging so a
// rollout can be prepared against it.
func readyFixture(t *testing.T) (*fixture, genome.CapabilityCandidate, genome.Child) {
	t.Helper()
	f := newFixture(t)
	f.seedGenome(t)
	candidate := f.evaluateCandidate(t, "probe", 2, 0.9)
	f.stagePassed(t, candidate.ID)
	child := f.registerChild(t, "child-a", 1)
	return f, candidate, child
}

func TestPropagationPrepare(t *testing.T) {
	f, candidate, child := readyFixture(t)
	ctx := context.Background()

	record, err := f.propagation.Prepare(ctx, candidate.ID, []string{child.ID}, "restore 1.0.0", "alice")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if record.Status != genome.PropagationPrepared {
		t.Fatalf("status = %s, want prepared", record.Status)
	}
	if record.VersionBefore != "1.0.0" {
		t.Fatalf("version before = %s, want 1.0.0", record.VersionBefore)
	}
	if len(record.TargetChildren) != 1 || record.TargetChildren[0] != child.ID {
		t.Fatalf("targets = %v", record.TargetChildren)
	}
	if record.VersionAfter != nil || record.Approver != nil {
		t.Fatalf("prepared record must not carry execution fields: %+v", record)
	}
}

func TestPropagationPrepareValidation(t *testing.T) {
	f, candidate, child := readyFixture(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		run      func() error
		wantKind genome.ErrorKind
	}{
		{"missing rollback plan", func() error {
			_, err := f.propagation.Prepare(ctx, candidate.ID, []string{child.ID}, " ", "alice")
			return err
		}, genome.KindValidation},
		{"missing deployer", func() error {
			_, err := f.propagation.Prepare(ctx, candidate.ID, []string{child.ID}, "plan", "")
			return err
		}, genome.KindValidation},
		{"no targets", func() error {
			_, err := f.propagation.Prepare(ctx, candidate.ID, nil, "plan", "alice")
			return err
		}, genome.KindValidation},
		{"unknown candidate", func() error {
			_, err := f.propagation.Prepare(ctx, "missing", []string{child.ID}, "plan", "alice")
			return err
		}, genome.KindNotFound},
		{"unknown child", func() error {
			_, err := f.propagation.Prepare(ctx, candidate.ID, []string{"missing"}, "plan", "alice")
			return err
		}, genome.KindNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wantKind(t, tc.run(), tc.wantKind)
		})
	}
}

func TestPropagationPrepareRequiresPassedStaging(t *testing.T) {
	f := newFixture(t)
	f.seedGenome(t)
	ctx := context.Background()
	candidate := f.evaluateCandidate(t, "probe", 2, 0.9)
	child := f.registerChild(t, "child-a", 1)

	_, err := f.propagation.Prepare(ctx, candidate.ID, []string{child.ID}, "plan", "alice")
	wantKind(t, err, genome.KindState)

	if _, err := f.staging.Create(ctx, candidate.ID, ""); err != nil {
		t.Fatalf("staging create: %v", err)
	}
	_, err = f.propagation.Prepare(ctx, candidate.ID, []string{child.ID}, "plan", "alice")
	wantKind(t, err, genome.KindState)
}

func TestPropagationPrepareRejectsExpiredStaging(t *testing.T) {
	f, candidate, child := readyFixture(t)
	ctx := context.Background()

	// Let the passed environment age past its TTL. The stored row still
	// reads passed; only the derived status expires.
	f.advance(DefaultStagingTTL + time.Hour)
	stored := storedStaging(t, f, candidate.ID)
	if stored.Status != genome.StagingPassed {
		t.Fatalf("stored status = %s, want passed", stored.Status)
	}

	_, err := f.propagation.Prepare(ctx, candidate.ID, []string{child.ID}, "plan", "alice")
	wantKind(t, err, genome.KindState)
}

// storedStaging returns the raw persisted staging row for a candidate.
func storedStaging(t *testing.T, f *fixture, candidateID string) genome.StagingEnvironment {
	t.Helper()
	var found genome.StagingEnvironment
	var ok bool
	err := f.store.View(context.Background(), func(view genome.TransactionView) error {
		for _, env := range view.ListStagingEnvironments() {
			if env.CandidateID == candidateID {
				found, ok = env, true
			}
		}
		return nil
	})
	if err != nil || !ok {
		t.Fatalf("staging row for %s not found: %v", candidateID, err)
	}
	return found
}

func TestPropagationClassificationFilter(t *testing.T) {
	f, candidate, child := readyFixture(t)
	ctx := context.Background()
	secret := f.registerChild(t, "child-secret", candidate.Sensitivity+1)

	record, err := f.propagation.Prepare(ctx, candidate.ID, []string{child.ID, secret.ID}, "plan", "alice")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if len(record.TargetChildren) != 1 || record.TargetChildren[0] != child.ID {
		t.Fatalf("targets = %v, want only %s", record.TargetChildren, child.ID)
	}
	if len(record.FilteredOut) != 1 || record.FilteredOut[0] != secret.ID {
		t.Fatalf("filtered = %v, want %s", record.FilteredOut, secret.ID)
	}

	_, err = f.propagation.Prepare(ctx, candidate.ID, []string{secret.ID}, "plan", "alice")
	wantKind(t, err, genome.KindValidation)
}

func TestPropagationApprovalGate(t *testing.T) {
	f, candidate, child := readyFixture(t)
	ctx := context.Background()
	record, err := f.propagation.Prepare(ctx, candidate.ID, []string{child.ID}, "plan", "alice")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	_, err = f.propagation.Approve(ctx, record.ID, "alice")
	wantKind(t, err, genome.KindPermission)

	approved, err := f.propagation.Approve(ctx, record.ID, "bob")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != genome.PropagationApproved {
		t.Fatalf("status = %s, want approved", approved.Status)
	}
	if approved.Approver == nil || *approved.Approver != "bob" || approved.ApprovedAt == nil {
		t.Fatalf("approval fields missing: %+v", approved)
	}

	_, err = f.propagation.Approve(ctx, record.ID, "carol")
	wantKind(t, err, genome.KindState)

	// The separation-of-duties objection outranks the state objection: the
	// deployer hears permission even on an already-approved record.
	_, err = f.propagation.Approve(ctx, record.ID, "alice")
	wantKind(t, err, genome.KindPermission)
}

func TestPropagationReject(t *testing.T) {
	f, candidate, child := readyFixture(t)
	ctx := context.Background()
	record, err := f.propagation.Prepare(ctx, candidate.ID, []string{child.ID}, "plan", "alice")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	_, err = f.propagation.Reject(ctx, record.ID, "bob", "")
	wantKind(t, err, genome.KindValidation)

	_, err = f.propagation.Reject(ctx, record.ID, "alice", "too risky")
	wantKind(t, err, genome.KindPermission)

	rejected, err := f.propagation.Reject(ctx, record.ID, "bob", "too risky")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != genome.PropagationRejected || !rejected.Terminal() {
		t.Fatalf("rejected record must be terminal: %+v", rejected)
	}

	// Deployer still hears the permission objection on the terminal record.
	_, err = f.propagation.Reject(ctx, record.ID, "alice", "again")
	wantKind(t, err, genome.KindPermission)

	_, err = f.propagation.Execute(ctx, record.ID)
	wantKind(t, err, genome.KindState)
}

func TestPropagationExecute(t *testing.T) {
	f, candidate, child := readyFixture(t)
	ctx := context.Background()
	record, err := f.propagation.Prepare(ctx, candidate.ID, []string{child.ID}, "plan", "alice")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	// Executing straight from prepared skips the human gate.
	_, err = f.propagation.Execute(ctx, record.ID)
	wantKind(t, err, genome.KindState)
	got, err := f.propagation.GetRecord(ctx, record.ID)
	if err != nil || got.VersionAfter != nil {
		t.Fatalf("failed execute must not record a version: %v %+v", err, got)
	}

	if _, err := f.propagation.Approve(ctx, record.ID, "bob"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	executed, err := f.propagation.Execute(ctx, record.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if executed.Status != genome.PropagationVerified {
		t.Fatalf("status = %s, want verified", executed.Status)
	}
	if executed.VersionAfter == nil || executed.ExecutedAt == nil {
		t.Fatalf("execution fields missing: %+v", executed)
	}

	active, err := f.genomes.Get(ctx, "")
	if err != nil {
		t.Fatalf("active genome: %v", err)
	}
	if active.Version != *executed.VersionAfter {
		t.Fatalf("active %s != version after %s", active.Version, *executed.VersionAfter)
	}
	tool, ok := active.Content.Tools[candidate.Name]
	if !ok || !tool.Enabled || tool.Sensitivity != candidate.Sensitivity {
		t.Fatalf("candidate tool missing from merged genome: %+v", active.Content.Tools)
	}
}

func TestPropagationRollback(t *testing.T) {
	f, candidate, child := readyFixture(t)
	ctx := context.Background()
	record, err := f.propagation.Prepare(ctx, candidate.ID, []string{child.ID}, "plan", "alice")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	_, err = f.propagation.Rollback(ctx, record.ID, "bad", "alice")
	wantKind(t, err, genome.KindState)

	if _, err := f.propagation.Approve(ctx, record.ID, "bob"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := f.propagation.Execute(ctx, record.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	before, err := f.genomes.Get(ctx, record.VersionBefore)
	if err != nil {
		t.Fatalf("version before: %v", err)
	}

	_, err = f.propagation.Rollback(ctx, record.ID, "", "alice")
	wantKind(t, err, genome.KindValidation)

	rolled, err := f.propagation.Rollback(ctx, record.ID, "regression in child-a", "alice")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if rolled.Status != genome.PropagationRolledBack || !rolled.Terminal() {
		t.Fatalf("rollback must terminate the record: %+v", rolled)
	}

	active, err := f.genomes.Get(ctx, "")
	if err != nil {
		t.Fatalf("active genome: %v", err)
	}
	if active.ContentHash != before.ContentHash {
		t.Fatalf("active hash %s != pre-rollout hash %s", active.ContentHash, before.ContentHash)
	}
	if active.Version == before.Version {
		t.Fatalf("rollback must create a new forward version")
	}
}

func TestPropagationConcurrentRollbackMintsOneVersion(t *testing.T) {
	f, candidate, child := readyFixture(t)
	ctx := context.Background()
	record, err := f.propagation.Prepare(ctx, candidate.ID, []string{child.ID}, "plan", "alice")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := f.propagation.Approve(ctx, record.ID, "bob"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := f.propagation.Execute(ctx, record.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	versionsBefore, err := f.genomes.List(ctx)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}

	// The status gate and the restoration version commit atomically, so of
	// two racing rollbacks exactly one lands and one restoration version is
	// minted.
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.propagation.Rollback(ctx, record.ID, "regression found", "bob")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var succeeded, rejected int
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case genome.IsKind(err, genome.KindState):
			rejected++
		default:
			t.Fatalf("unexpected rollback error: %v", err)
		}
	}
	if succeeded != 1 || rejected != 1 {
		t.Fatalf("want exactly one winner, got %d success / %d state errors", succeeded, rejected)
	}

	versionsAfter, err := f.genomes.List(ctx)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if got := len(versionsAfter) - len(versionsBefore); got != 1 {
		t.Fatalf("rollback minted %d versions, want 1", got)
	}
}

func TestPropagationQuota(t *testing.T) {
	f, candidate, child := readyFixture(t)
	f.propagation = NewPropagationManager(f.store, f.genomes, nil, PropagationConfig{Quota: 1, Period: 24 * time.Hour}, zap.NewNop())
	f.propagation.SetClock(func() time.Time { return f.now })
	ctx := context.Background()

	record, err := f.propagation.Prepare(ctx, candidate.ID, []string{child.ID}, "plan", "alice")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := f.propagation.Approve(ctx, record.ID, "bob"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := f.propagation.Execute(ctx, record.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	next := f.evaluateCandidate(t, "probe2", 2, 0.9)
	f.stagePassed(t, next.ID)
	_, err = f.propagation.Prepare(ctx, next.ID, []string{child.ID}, "plan", "alice")
	wantKind(t, err, genome.KindQuota)

	// The budget is a rolling window: once the success ages out, prepare
	// succeeds again.
	f.advance(25 * time.Hour)
	if _, err := f.propagation.Prepare(ctx, next.ID, []string{child.ID}, "plan", "alice"); err != nil {
		t.Fatalf("prepare after window: %v", err)
	}
}
