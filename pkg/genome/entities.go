// Package genome defines the core persistent entities, value types, and
// rule evaluation primitives of the ICDEV capability genome registry.
package genome

import (
	"time"
)

// EntityType identifies the type of record stored in the registry.
type EntityType string

// Supported entity type identifiers used in Change records, audit entries,
// and persistence buckets.
const (
	// EntityGenomeVersion identifies an immutable genome snapshot record.
	EntityGenomeVersion EntityType = "genome_version"
	// EntityCandidate identifies a capability candidate evaluation record.
	EntityCandidate EntityType = "capability_candidate"
	// EntityStaging identifies an isolated staging environment record.
	EntityStaging EntityType = "staging_environment"
	// EntityPropagation identifies a propagation (rollout) record.
	EntityPropagation EntityType = "propagation_record"
	// EntityHeartbeat identifies a telemetry heartbeat record.
	EntityHeartbeat EntityType = "telemetry_heartbeat"
	// EntityChild identifies a deployed child registration record.
	EntityChild EntityType = "child"
	// EntityAudit identifies an audit trail entry.
	EntityAudit EntityType = "audit_entry"
)

// Disposition classifies an evaluated capability candidate.
type Disposition string

// Candidate dispositions assigned from the weighted composite score.
const (
	// DispositionAutoQueue marks a candidate for automatic staging.
	DispositionAutoQueue Disposition = "auto_queue"
	// DispositionRecommend marks a candidate for operator review.
	DispositionRecommend Disposition = "recommend"
	// DispositionLog records the candidate without further action.
	DispositionLog Disposition = "log"
	// DispositionArchive discards the candidate from the active funnel.
	DispositionArchive Disposition = "archive"
)

// StagingStatus enumerates staging environment lifecycle states.
type StagingStatus string

// Staging statuses are monotone forward except for explicit destroy.
const (
	StagingCreated             StagingStatus = "created"
	StagingTesting             StagingStatus = "testing"
	StagingPassed              StagingStatus = "passed"
	StagingFailed              StagingStatus = "failed"
	StagingComplianceRegressed StagingStatus = "compliance_regressed"
	StagingDestroyed           StagingStatus = "destroyed"
	// StagingExpired is a derived status reported for environments whose TTL
	// elapsed without an explicit destroy. It is never written to storage.
	StagingExpired StagingStatus = "expired"
)

// PropagationStatus enumerates rollout state machine states.
type PropagationStatus string

// Propagation states. Terminal: rejected, verified, rolled_back.
const (
	PropagationPrepared   PropagationStatus = "prepared"
	PropagationApproved   PropagationStatus = "approved"
	PropagationRejected   PropagationStatus = "rejected"
	PropagationExecuting  PropagationStatus = "executing"
	PropagationVerified   PropagationStatus = "verified"
	PropagationRolledBack PropagationStatus = "rolled_back"
)

// HeartbeatStatus enumerates child health poll outcomes.
type HeartbeatStatus string

// Heartbeat statuses. Network failures are data, never errors.
const (
	HeartbeatHealthy     HeartbeatStatus = "healthy"
	HeartbeatDegraded    HeartbeatStatus = "degraded"
	HeartbeatUnreachable HeartbeatStatus = "unreachable"
	HeartbeatError       HeartbeatStatus = "error"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Base contains common fields for all registry records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ToolDefinition describes one capability carried by a genome.
type ToolDefinition struct {
	Command     string         `json:"command"`
	Description string         `json:"description,omitempty"`
	Sensitivity int            `json:"sensitivity"`
	Enabled     bool           `json:"enabled"`
	Config      map[string]any `json:"config,omitempty"`
}

// GenomeContent is the structured capability/config payload every child
// inherits at creation time. Map keys serialize sorted, so the canonical JSON
// encoding (and therefore the content hash) is deterministic.
type GenomeContent struct {
	Tools    map[string]ToolDefinition `json:"tools"`
	Goals    []string                  `json:"goals"`
	Policies map[string]string         `json:"policies"`
	Defaults map[string]any            `json:"defaults"`
}

// GenomeVersion is one immutable, content-hashed, semver-tagged snapshot of
// the capability set. Rows are never mutated after creation; rollback creates
// a new version restoring prior content.
type GenomeVersion struct {
	Base
	Version       string        `json:"version"`
	Content       GenomeContent `json:"content"`
	ContentHash   string        `json:"content_hash"`
	CreatedBy     string        `json:"created_by"`
	ParentVersion *string       `json:"parent_version"`
	Active        bool          `json:"active"`
}

// DimensionScores holds the seven named evaluation dimensions, each in [0,1].
type DimensionScores map[string]float64

// CapabilityCandidate is a proposed genome addition together with its
// evaluation outcome. Immutable once scored; re-evaluation appends a new row.
type CapabilityCandidate struct {
	Base
	Name        string          `json:"name"`
	Source      string          `json:"source"`
	Evidence    map[string]any  `json:"evidence,omitempty"`
	Sensitivity int             `json:"sensitivity"`
	Scores      DimensionScores `json:"scores"`
	Composite   float64         `json:"composite"`
	Disposition Disposition     `json:"disposition"`
	EvaluatedAt time.Time       `json:"evaluated_at"`
}

// StagingEnvironment is an isolated, time-boxed sandbox testing one
// candidate's integration into a genome snapshot.
type StagingEnvironment struct {
	Base
	CandidateID      string        `json:"candidate_id"`
	BaseVersion      string        `json:"base_version"`
	Workspace        string        `json:"workspace"`
	Status           StagingStatus `json:"status"`
	ExpiresAt        time.Time     `json:"expires_at"`
	ComplianceBefore *float64      `json:"compliance_before"`
	ComplianceAfter  *float64      `json:"compliance_after"`
	FailureReason    string        `json:"failure_reason,omitempty"`
}

// Expired reports whether the environment's TTL elapsed at the given instant.
// An expired environment is treated the same as a destroyed one regardless of
// its stored status.
func (e StagingEnvironment) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// EffectiveStatus resolves the stored status against passive TTL expiry.
func (e StagingEnvironment) EffectiveStatus(now time.Time) StagingStatus {
	if e.Status != StagingDestroyed && e.Expired(now) {
		return StagingExpired
	}
	return e.Status
}

// PropagationRecord is one rollout attempt of a capability to a set of target
// children. Status moves through the prepare/approve/execute/verify machine;
// every transition is mirrored into the audit trail.
type PropagationRecord struct {
	Base
	CandidateID    string            `json:"candidate_id"`
	StagingID      string            `json:"staging_id"`
	TargetChildren []string          `json:"target_children"`
	FilteredOut    []string          `json:"filtered_out,omitempty"`
	Deployer       string            `json:"deployer"`
	Approver       *string           `json:"approver"`
	RollbackPlan   string            `json:"rollback_plan"`
	VersionBefore  string            `json:"genome_version_before"`
	VersionAfter   *string           `json:"genome_version_after"`
	Status         PropagationStatus `json:"status"`
	ApprovedAt     *time.Time        `json:"approved_at"`
	ExecutedAt     *time.Time        `json:"executed_at"`
}

// Terminal reports whether the record reached a terminal state.
func (r PropagationRecord) Terminal() bool {
	switch r.Status {
	case PropagationRejected, PropagationVerified, PropagationRolledBack:
		return true
	}
	return false
}

// TelemetryHeartbeat is one health poll result from one child. Immutable once
// stored; summaries are derived from recent rows, never maintained in place.
type TelemetryHeartbeat struct {
	Base
	ChildID    string          `json:"child_id"`
	Endpoint   string          `json:"endpoint"`
	ObservedAt time.Time       `json:"observed_at"`
	LatencyMS  float64         `json:"latency_ms"`
	Status     HeartbeatStatus `json:"status"`
	Digest     string          `json:"payload_digest,omitempty"`
	Detail     string          `json:"detail,omitempty"`
}

// Child registers a deployed application instance that consumed a genome
// snapshot at birth. IsolationLevel governs which content it may receive.
type Child struct {
	Base
	Name           string `json:"name"`
	Endpoint       string `json:"endpoint"`
	IsolationLevel int    `json:"isolation_level"`
	GenomeVersion  string `json:"genome_version"`
}

// AuditEntry is one append-only audit trail record. Entries are written in
// the same transaction as the mutation they describe and are never updated.
type AuditEntry struct {
	ID         string     `json:"id"`
	Actor      string     `json:"actor"`
	Action     string     `json:"action"`
	Entity     EntityType `json:"entity"`
	EntityID   string     `json:"entity_id"`
	Before     string     `json:"before,omitempty"`
	After      string     `json:"after,omitempty"`
	Detail     string     `json:"detail,omitempty"`
	RecordedAt time.Time  `json:"recorded_at"`
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported operations captured in the audit trail.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity status or field was updated.
	ActionUpdate Action = "update"
	ActionAppend Action = "append"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	return "transaction blocked by rules"
}
