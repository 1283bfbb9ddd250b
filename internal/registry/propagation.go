package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"icdev/pkg/genome"
)

// Default propagation budget: successful rollouts per evaluation period.
const (
	DefaultPropagationQuota  = 5
	DefaultPropagationPeriod = 24 * time.Hour
)

// PropagationConfig carries rollout budget settings.
type PropagationConfig struct {
	Quota  int
	Period time.Duration
}

// PropagationManager drives the gated rollout state machine:
// prepared -> approved -> executing -> verified, with rejected and
// rolled_back as alternate terminals. Every transition is audited with its
// before and after state, and no transition is retried automatically.
type PropagationManager struct {
	store   genome.PersistentStore
	genomes *GenomeStore
	sink    AuditSink
	cfg     PropagationConfig
	log     *zap.Logger
	nowFn   func() time.Time
}

// NewPropagationManager constructs a propagation manager over the shared
// store and the genome store used for execute and rollback.
func NewPropagationManager(store genome.PersistentStore, genomes *GenomeStore, sink AuditSink, cfg PropagationConfig, log *zap.Logger) *PropagationManager {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Quota <= 0 {
		cfg.Quota = DefaultPropagationQuota
	}
	if cfg.Period <= 0 {
		cfg.Period = DefaultPropagationPeriod
	}
	return &PropagationManager{store: store, genomes: genomes, sink: sink, cfg: cfg, log: log, nowFn: time.Now}
}

// SetClock overrides the time source for tests.
func (m *PropagationManager) SetClock(now func() time.Time) { m.nowFn = now }

// Prepare validates the candidate's staging result, filters target children
// by the classification rule, records the current active genome version, and
// persists a new record in the prepared state.
//
// A child whose isolation level exceeds the capability's declared
// sensitivity is filtered out of the target set rather than failing the
// whole call; an empty remaining set is a validation failure.
func (m *PropagationManager) Prepare(ctx context.Context, candidateID string, targetChildren []string, rollbackPlan, deployer string) (genome.PropagationRecord, error) {
	if strings.TrimSpace(rollbackPlan) == "" {
		return genome.PropagationRecord{}, genome.NewError(genome.KindValidation, "rollback plan is required")
	}
	if strings.TrimSpace(deployer) == "" {
		return genome.PropagationRecord{}, genome.NewError(genome.KindValidation, "deployer is required")
	}
	if len(targetChildren) == 0 {
		return genome.PropagationRecord{}, genome.NewError(genome.KindValidation, "target children are required")
	}
	now := m.nowFn().UTC()
	var created genome.PropagationRecord
	var entry genome.AuditEntry
	_, err := m.store.RunInTransaction(ctx, func(tx genome.Transaction) error {
		view := tx.Snapshot()
		if used := m.successesInPeriod(view, now); used >= m.cfg.Quota {
			return genome.NewError(genome.KindQuota,
				"propagation budget exhausted: %d of %d in the last %s", used, m.cfg.Quota, m.cfg.Period)
		}
		candidate, ok := view.FindCandidate(candidateID)
		if !ok {
			return genome.NewError(genome.KindNotFound, "candidate %s not found", candidateID)
		}
		staging, ok := latestStaging(view, candidateID)
		if !ok {
			return genome.NewError(genome.KindState, "candidate %s has no staging environment", candidateID)
		}
		if effective := staging.EffectiveStatus(now); effective != genome.StagingPassed {
			return genome.NewError(genome.KindState,
				"staging %s for candidate %s is %s, not passed", staging.ID, candidateID, effective)
		}
		active, ok := view.ActiveGenomeVersion()
		if !ok {
			return genome.NewError(genome.KindState, "no active genome version to propagate from")
		}

		accepted, filtered, err := filterTargets(view, targetChildren, candidate.Sensitivity)
		if err != nil {
			return err
		}
		if len(accepted) == 0 {
			return genome.NewError(genome.KindValidation,
				"all %d target children filtered by classification rule", len(targetChildren))
		}

		created, err = tx.CreatePropagationRecord(genome.PropagationRecord{
			CandidateID:    candidate.ID,
			StagingID:      staging.ID,
			TargetChildren: accepted,
			FilteredOut:    filtered,
			Deployer:       deployer,
			RollbackPlan:   rollbackPlan,
			VersionBefore:  active.Version,
			Status:         genome.PropagationPrepared,
		})
		if err != nil {
			return err
		}
		detail := fmt.Sprintf("targets %d", len(accepted))
		if len(filtered) > 0 {
			detail = fmt.Sprintf("targets %d, filtered by classification: %s", len(accepted), strings.Join(filtered, ","))
		}
		entry, err = tx.AppendAudit(genome.AuditEntry{
			Actor:      deployer,
			Action:     "propagation.prepare",
			Entity:     genome.EntityPropagation,
			EntityID:   created.ID,
			After:      auditSnapshot(created),
			Detail:     detail,
			RecordedAt: now,
		})
		return err
	})
	if err != nil {
		return genome.PropagationRecord{}, err
	}
	forwardAudit(ctx, m.sink, m.log, entry)
	m.log.Info("propagation prepared",
		zap.String("id", created.ID),
		zap.String("candidate", candidateID),
		zap.Int("targets", len(created.TargetChildren)),
		zap.Strings("filtered_out", created.FilteredOut))
	return created, nil
}

// Approve records the human gate. The approver must differ from the
// deployer and the record must still be in the prepared state.
func (m *PropagationManager) Approve(ctx context.Context, id, approver string) (genome.PropagationRecord, error) {
	if strings.TrimSpace(approver) == "" {
		return genome.PropagationRecord{}, genome.NewError(genome.KindValidation, "approver is required")
	}
	now := m.nowFn().UTC()
	return m.transition(ctx, id, approver, "propagation.approve", func(r *genome.PropagationRecord) error {
		// Permission before state: a deployer can never approve their own
		// rollout, whatever state it is in.
		if approver == r.Deployer {
			return genome.NewError(genome.KindPermission, "approver must differ from deployer %s", r.Deployer)
		}
		if r.Status != genome.PropagationPrepared {
			return genome.NewError(genome.KindState, "propagation %s is %s, not prepared", id, r.Status)
		}
		r.Status = genome.PropagationApproved
		r.Approver = &approver
		r.ApprovedAt = &now
		return nil
	}, "")
}

// Reject terminates a prepared record. Like approval, rejection is a human
// gate and cannot be issued by the deployer.
func (m *PropagationManager) Reject(ctx context.Context, id, approver, reason string) (genome.PropagationRecord, error) {
	if strings.TrimSpace(reason) == "" {
		return genome.PropagationRecord{}, genome.NewError(genome.KindValidation, "rejection reason is required")
	}
	return m.transition(ctx, id, approver, "propagation.reject", func(r *genome.PropagationRecord) error {
		if approver == r.Deployer {
			return genome.NewError(genome.KindPermission, "rejection must come from someone other than deployer %s", r.Deployer)
		}
		if r.Status != genome.PropagationPrepared {
			return genome.NewError(genome.KindState, "propagation %s is %s, not prepared", id, r.Status)
		}
		r.Status = genome.PropagationRejected
		return nil
	}, reason)
}

// Execute performs the genome update for an approved record. The record
// moves to executing first; if the genome update fails the record stays in
// executing and the failure surfaces as an operation error. Rollback is
// never automatic.
func (m *PropagationManager) Execute(ctx context.Context, id string) (genome.PropagationRecord, error) {
	record, err := m.transition(ctx, id, "propagation-manager", "propagation.execute.start", func(r *genome.PropagationRecord) error {
		if r.Status != genome.PropagationApproved {
			return genome.NewError(genome.KindState, "propagation %s is %s, not approved", id, r.Status)
		}
		r.Status = genome.PropagationExecuting
		return nil
	}, "")
	if err != nil {
		return genome.PropagationRecord{}, err
	}

	candidate, ok := m.store.GetCandidate(record.CandidateID)
	if !ok {
		return record, genome.NewError(genome.KindNotFound, "candidate %s not found", record.CandidateID)
	}
	active, err := m.genomes.Get(ctx, "")
	if err != nil {
		return record, err
	}
	next, err := m.genomes.Create(ctx, mergeCandidate(active.Content, candidate), record.Deployer, nil)
	if err != nil {
		m.log.Error("propagation genome update failed", zap.String("id", id), zap.Error(err))
		return record, genome.WrapError(genome.KindOperation, err, "genome update for propagation %s", id)
	}

	executedAt := m.nowFn().UTC()
	return m.transition(ctx, id, "propagation-manager", "propagation.execute.finish", func(r *genome.PropagationRecord) error {
		r.Status = genome.PropagationVerified
		r.VersionAfter = &next.Version
		r.ExecutedAt = &executedAt
		return nil
	}, fmt.Sprintf("genome %s -> %s", record.VersionBefore, next.Version))
}

// Rollback restores the record's genome-version-before through the genome
// store's forward-versioning rollback and terminates the record. Valid only
// from executing or verified, and always explicit.
func (m *PropagationManager) Rollback(ctx context.Context, id, reason, actor string) (genome.PropagationRecord, error) {
	if strings.TrimSpace(reason) == "" {
		return genome.PropagationRecord{}, genome.NewError(genome.KindValidation, "rollback reason is required")
	}
	if strings.TrimSpace(actor) == "" {
		return genome.PropagationRecord{}, genome.NewError(genome.KindValidation, "actor is required")
	}
	// The status gate, the genome rollback, and the terminal transition
	// commit together: a concurrent second rollback sees rolled_back and
	// fails here without minting another restoration version.
	now := m.nowFn().UTC()
	var updated genome.PropagationRecord
	var restored genome.GenomeVersion
	var genomeEntry, recordEntry genome.AuditEntry
	_, err := m.store.RunInTransaction(ctx, func(tx genome.Transaction) error {
		record, ok := tx.Snapshot().FindPropagationRecord(id)
		if !ok {
			return genome.NewError(genome.KindNotFound, "propagation %s not found", id)
		}
		switch record.Status {
		case genome.PropagationExecuting, genome.PropagationVerified:
		default:
			return genome.NewError(genome.KindState,
				"propagation %s is %s, rollback requires executing or verified", id, record.Status)
		}
		var err error
		restored, genomeEntry, err = m.genomes.rollbackIn(tx, now, record.VersionBefore, actor)
		if err != nil {
			return err
		}
		updated, err = tx.UpdatePropagationRecord(id, func(r *genome.PropagationRecord) error {
			r.Status = genome.PropagationRolledBack
			return nil
		})
		if err != nil {
			return err
		}
		recordEntry, err = tx.AppendAudit(genome.AuditEntry{
			Actor:      actor,
			Action:     "propagation.rollback",
			Entity:     genome.EntityPropagation,
			EntityID:   id,
			Before:     string(record.Status),
			After:      string(updated.Status),
			Detail:     reason,
			RecordedAt: now,
		})
		return err
	})
	if err != nil {
		return genome.PropagationRecord{}, err
	}
	forwardAudit(ctx, m.sink, m.log, genomeEntry, recordEntry)
	m.genomes.archive(ctx, restored)
	m.log.Info("propagation rolled back",
		zap.String("id", id),
		zap.String("restored_version", restored.Version))
	return updated, nil
}

// GetRecord returns one propagation record.
func (m *PropagationManager) GetRecord(ctx context.Context, id string) (genome.PropagationRecord, error) {
	var record genome.PropagationRecord
	err := m.store.View(ctx, func(view genome.TransactionView) error {
		found, ok := view.FindPropagationRecord(id)
		if !ok {
			return genome.NewError(genome.KindNotFound, "propagation %s not found", id)
		}
		record = found
		return nil
	})
	return record, err
}

// ListRecords returns all propagation records in creation order.
func (m *PropagationManager) ListRecords(ctx context.Context) ([]genome.PropagationRecord, error) {
	var records []genome.PropagationRecord
	err := m.store.View(ctx, func(view genome.TransactionView) error {
		records = view.ListPropagationRecords()
		return nil
	})
	return records, err
}

// transition applies one audited state change to a record.
func (m *PropagationManager) transition(ctx context.Context, id, actor, action string, mutate func(*genome.PropagationRecord) error, detail string) (genome.PropagationRecord, error) {
	now := m.nowFn().UTC()
	var updated genome.PropagationRecord
	var entry genome.AuditEntry
	_, err := m.store.RunInTransaction(ctx, func(tx genome.Transaction) error {
		var before genome.PropagationStatus
		var err error
		updated, err = tx.UpdatePropagationRecord(id, func(r *genome.PropagationRecord) error {
			before = r.Status
			return mutate(r)
		})
		if err != nil {
			return err
		}
		entry, err = tx.AppendAudit(genome.AuditEntry{
			Actor:      actor,
			Action:     action,
			Entity:     genome.EntityPropagation,
			EntityID:   id,
			Before:     string(before),
			After:      string(updated.Status),
			Detail:     detail,
			RecordedAt: now,
		})
		return err
	})
	if err != nil {
		return genome.PropagationRecord{}, err
	}
	forwardAudit(ctx, m.sink, m.log, entry)
	m.log.Info("propagation transition",
		zap.String("id", id),
		zap.String("action", action),
		zap.String("status", string(updated.Status)))
	return updated, nil
}

// successesInPeriod counts verified rollouts inside the rolling window.
func (m *PropagationManager) successesInPeriod(view genome.RuleView, now time.Time) int {
	cutoff := now.Add(-m.cfg.Period)
	var n int
	for _, r := range view.ListPropagationRecords() {
		if r.Status == genome.PropagationVerified && r.ExecutedAt != nil && r.ExecutedAt.After(cutoff) {
			n++
		}
	}
	return n
}

// latestStaging returns the most recently created staging environment for a
// candidate.
func latestStaging(view genome.RuleView, candidateID string) (genome.StagingEnvironment, bool) {
	var latest genome.StagingEnvironment
	var found bool
	for _, env := range view.ListStagingEnvironments() {
		if env.CandidateID != candidateID {
			continue
		}
		if !found || env.CreatedAt.After(latest.CreatedAt) {
			latest = env
			found = true
		}
	}
	return latest, found
}

// filterTargets applies the classification rule: a child at a higher
// isolation level than the capability's declared sensitivity is excluded.
func filterTargets(view genome.RuleView, targets []string, sensitivity int) (accepted, filtered []string, err error) {
	for _, childID := range targets {
		child, ok := view.FindChild(childID)
		if !ok {
			return nil, nil, genome.NewError(genome.KindNotFound, "target child %s not found", childID)
		}
		if child.IsolationLevel > sensitivity {
			filtered = append(filtered, childID)
			continue
		}
		accepted = append(accepted, childID)
	}
	return accepted, filtered, nil
}

// mergeCandidate folds an approved capability into genome content as an
// enabled tool. The candidate's evidence may carry an explicit command and
// description; the capability name is the fallback command.
func mergeCandidate(content genome.GenomeContent, candidate genome.CapabilityCandidate) genome.GenomeContent {
	tools := make(map[string]genome.ToolDefinition, len(content.Tools)+1)
	for name, tool := range content.Tools {
		tools[name] = tool
	}
	tool := genome.ToolDefinition{
		Command:     candidate.Name,
		Sensitivity: candidate.Sensitivity,
		Enabled:     true,
	}
	if cmd, ok := candidate.Evidence["command"].(string); ok && cmd != "" {
		tool.Command = cmd
	}
	if desc, ok := candidate.Evidence["description"].(string); ok {
		tool.Description = desc
	}
	merged := content
	merged.Tools = tools
	merged.Tools[candidate.Name] = tool
	return merged
}
