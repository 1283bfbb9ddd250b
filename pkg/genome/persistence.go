package genome

import "context"

// Transaction exposes the registry mutations a persistence implementation
// must support within one atomic scope. Genome versions, candidates,
// heartbeats, and audit entries are append-only; staging environments and
// propagation records update status in place while the accompanying audit
// entry preserves prior state.
type Transaction interface {
	Snapshot() TransactionView
	CreateGenomeVersion(GenomeVersion) (GenomeVersion, error)
	// SetActiveGenomeVersion flips the active pointer to the given version
	// within the same atomic scope as the insert that introduced it, so two
	// versions are never simultaneously active.
	SetActiveGenomeVersion(id string) error
	CreateCandidate(CapabilityCandidate) (CapabilityCandidate, error)
	CreateStagingEnvironment(StagingEnvironment) (StagingEnvironment, error)
	UpdateStagingEnvironment(id string, mutator func(*StagingEnvironment) error) (StagingEnvironment, error)
	CreatePropagationRecord(PropagationRecord) (PropagationRecord, error)
	UpdatePropagationRecord(id string, mutator func(*PropagationRecord) error) (PropagationRecord, error)
	CreateChild(Child) (Child, error)
	AppendHeartbeat(TelemetryHeartbeat) (TelemetryHeartbeat, error)
	AppendAudit(AuditEntry) (AuditEntry, error)
}

// TransactionView provides read-only access to snapshot data for rules and
// service-level validation.
type TransactionView interface {
	RuleView
	ListHeartbeats(childID string) []TelemetryHeartbeat
	ListAuditEntries() []AuditEntry
}

// PersistentStore is the minimal abstraction over durable backends used by
// the registry services.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	ActiveGenomeVersion() (GenomeVersion, bool)
	GetGenomeVersion(id string) (GenomeVersion, bool)
	ListGenomeVersions() []GenomeVersion
	GetCandidate(id string) (CapabilityCandidate, bool)
	ListCandidates() []CapabilityCandidate
	GetStagingEnvironment(id string) (StagingEnvironment, bool)
	ListStagingEnvironments() []StagingEnvironment
	GetPropagationRecord(id string) (PropagationRecord, bool)
	ListPropagationRecords() []PropagationRecord
	GetChild(id string) (Child, bool)
	ListChildren() []Child
	ListHeartbeats(childID string) []TelemetryHeartbeat
	ListAuditEntries() []AuditEntry
}
