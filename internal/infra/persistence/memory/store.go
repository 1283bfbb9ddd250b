// Package memory provides an in-memory implementation of the registry
// persistence store used for tests and ephemeral environments. It is also
// the transaction engine the durable backends layer over.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"icdev/pkg/genome"
)

// Compile-time contract assertion ensuring memory.Store adheres to the
// registry persistence interface.
var _ genome.PersistentStore = (*Store)(nil)

type memoryState struct {
	versions     map[string]genome.GenomeVersion
	candidates   map[string]genome.CapabilityCandidate
	staging      map[string]genome.StagingEnvironment
	propagations map[string]genome.PropagationRecord
	children     map[string]genome.Child
	heartbeats   []genome.TelemetryHeartbeat
	audits       []genome.AuditEntry
}

// Snapshot captures a point-in-time clone of the store state. Durable
// backends serialize it as JSON buckets.
type Snapshot struct {
	Versions     map[string]genome.GenomeVersion       `json:"genome_versions"`
	Candidates   map[string]genome.CapabilityCandidate `json:"candidates"`
	Staging      map[string]genome.StagingEnvironment  `json:"staging"`
	Propagations map[string]genome.PropagationRecord   `json:"propagations"`
	Children     map[string]genome.Child               `json:"children"`
	Heartbeats   []genome.TelemetryHeartbeat           `json:"heartbeats"`
	Audits       []genome.AuditEntry                   `json:"audits"`
}

func newMemoryState() memoryState {
	return memoryState{
		versions:     make(map[string]genome.GenomeVersion),
		candidates:   make(map[string]genome.CapabilityCandidate),
		staging:      make(map[string]genome.StagingEnvironment),
		propagations: make(map[string]genome.PropagationRecord),
		children:     make(map[string]genome.Child),
	}
}

func (s memoryState) clone() memoryState {
	cloned := newMemoryState()
	for k, v := range s.versions {
		cloned.versions[k] = cloneVersion(v)
	}
	for k, v := range s.candidates {
		cloned.candidates[k] = cloneCandidate(v)
	}
	for k, v := range s.staging {
		cloned.staging[k] = v
	}
	for k, v := range s.propagations {
		cloned.propagations[k] = clonePropagation(v)
	}
	for k, v := range s.children {
		cloned.children[k] = v
	}
	cloned.heartbeats = append([]genome.TelemetryHeartbeat(nil), s.heartbeats...)
	cloned.audits = append([]genome.AuditEntry(nil), s.audits...)
	return cloned
}

func cloneVersion(v genome.GenomeVersion) genome.GenomeVersion {
	cp := v
	cp.Content = cloneContent(v.Content)
	return cp
}

func cloneContent(c genome.GenomeContent) genome.GenomeContent {
	cp := c
	if c.Tools != nil {
		cp.Tools = make(map[string]genome.ToolDefinition, len(c.Tools))
		for name, tool := range c.Tools {
			tcp := tool
			if tool.Config != nil {
				tcp.Config = make(map[string]any, len(tool.Config))
				for k, v := range tool.Config {
					tcp.Config[k] = v
				}
			}
			cp.Tools[name] = tcp
		}
	}
	cp.Goals = append([]string(nil), c.Goals...)
	if c.Policies != nil {
		cp.Policies = make(map[string]string, len(c.Policies))
		for k, v := range c.Policies {
			cp.Policies[k] = v
		}
	}
	if c.Defaults != nil {
		cp.Defaults = make(map[string]any, len(c.Defaults))
		for k, v := range c.Defaults {
			cp.Defaults[k] = v
		}
	}
	return cp
}

func cloneCandidate(c genome.CapabilityCandidate) genome.CapabilityCandidate {
	cp := c
	if c.Evidence != nil {
		cp.Evidence = make(map[string]any, len(c.Evidence))
		for k, v := range c.Evidence {
			cp.Evidence[k] = v
		}
	}
	if c.Scores != nil {
		cp.Scores = make(genome.DimensionScores, len(c.Scores))
		for k, v := range c.Scores {
			cp.Scores[k] = v
		}
	}
	return cp
}

func clonePropagation(p genome.PropagationRecord) genome.PropagationRecord {
	cp := p
	cp.TargetChildren = append([]string(nil), p.TargetChildren...)
	cp.FilteredOut = append([]string(nil), p.FilteredOut...)
	return cp
}

// Store provides an in-memory transactional store for the registry domain.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *genome.RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *genome.RulesEngine) *Store {
	if engine == nil {
		engine = genome.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store clock. Intended for tests exercising TTL and
// quota windows.
func (s *Store) SetClock(nowFn func() time.Time) {
	if nowFn != nil {
		s.nowFn = nowFn
	}
}

func newID() string { return uuid.NewString() }

// Transaction represents a mutation set applied to the store state.
type Transaction struct {
	state   memoryState
	changes []genome.Change
	now     time.Time
}

var _ genome.Transaction = (*Transaction)(nil)

// TransactionView exposes a read-only snapshot of transactional state to
// rules and service validation.
type TransactionView struct {
	state *memoryState
}

var _ genome.TransactionView = TransactionView{}

func newTransactionView(state *memoryState) TransactionView {
	return TransactionView{state: state}
}

// RunInTransaction executes fn within a transactional copy of the store
// state. Registered rules evaluate against the mutated snapshot; blocking
// violations abort the commit and no partial state is retained.
func (s *Store) RunInTransaction(ctx context.Context, fn func(genome.Transaction) error) (genome.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Transaction{
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return genome.Result{}, err
	}

	var result genome.Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return genome.Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, genome.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(ctx context.Context, fn func(genome.TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.state.clone()
	return fn(newTransactionView(&snapshot))
}

// Snapshot returns the transaction's read-only view.
func (tx *Transaction) Snapshot() genome.TransactionView {
	return newTransactionView(&tx.state)
}

// Now exposes the transaction timestamp for callers computing TTLs.
func (tx *Transaction) Now() time.Time { return tx.now }

func (tx *Transaction) recordChange(change genome.Change) {
	tx.changes = append(tx.changes, change)
}

// CreateGenomeVersion appends an immutable genome version row.
func (tx *Transaction) CreateGenomeVersion(v genome.GenomeVersion) (genome.GenomeVersion, error) {
	if v.ID == "" {
		v.ID = newID()
	}
	if _, exists := tx.state.versions[v.ID]; exists {
		return genome.GenomeVersion{}, fmt.Errorf("genome version %q already exists", v.ID)
	}
	v.CreatedAt = tx.now
	v.UpdatedAt = tx.now
	tx.state.versions[v.ID] = cloneVersion(v)
	tx.recordChange(genome.Change{Entity: genome.EntityGenomeVersion, Action: genome.ActionCreate, After: cloneVersion(v)})
	return cloneVersion(v), nil
}

// SetActiveGenomeVersion flips the single active-version pointer. The prior
// active version is demoted within the same transactional scope, so two
// versions are never simultaneously active in committed state.
func (tx *Transaction) SetActiveGenomeVersion(id string) error {
	target, ok := tx.state.versions[id]
	if !ok {
		return fmt.Errorf("genome version %q not found", id)
	}
	for key, v := range tx.state.versions {
		if v.Active && key != id {
			v.Active = false
			v.UpdatedAt = tx.now
			tx.state.versions[key] = v
		}
	}
	target.Active = true
	target.UpdatedAt = tx.now
	tx.state.versions[id] = target
	return nil
}

// CreateCandidate appends an immutable evaluation record.
func (tx *Transaction) CreateCandidate(c genome.CapabilityCandidate) (genome.CapabilityCandidate, error) {
	if c.ID == "" {
		c.ID = newID()
	}
	if _, exists := tx.state.candidates[c.ID]; exists {
		return genome.CapabilityCandidate{}, fmt.Errorf("candidate %q already exists", c.ID)
	}
	c.CreatedAt = tx.now
	c.UpdatedAt = tx.now
	tx.state.candidates[c.ID] = cloneCandidate(c)
	tx.recordChange(genome.Change{Entity: genome.EntityCandidate, Action: genome.ActionCreate, After: cloneCandidate(c)})
	return cloneCandidate(c), nil
}

// CreateStagingEnvironment stores a new staging environment.
func (tx *Transaction) CreateStagingEnvironment(e genome.StagingEnvironment) (genome.StagingEnvironment, error) {
	if e.ID == "" {
		e.ID = newID()
	}
	if _, exists := tx.state.staging[e.ID]; exists {
		return genome.StagingEnvironment{}, fmt.Errorf("staging environment %q already exists", e.ID)
	}
	e.CreatedAt = tx.now
	e.UpdatedAt = tx.now
	tx.state.staging[e.ID] = e
	tx.recordChange(genome.Change{Entity: genome.EntityStaging, Action: genome.ActionCreate, After: e})
	return e, nil
}

// UpdateStagingEnvironment mutates a staging environment via the mutator.
// The prior state is captured in the change record for the audit trail.
func (tx *Transaction) UpdateStagingEnvironment(id string, mutator func(*genome.StagingEnvironment) error) (genome.StagingEnvironment, error) {
	current, ok := tx.state.staging[id]
	if !ok {
		return genome.StagingEnvironment{}, fmt.Errorf("staging environment %q not found", id)
	}
	before := current
	if err := mutator(&current); err != nil {
		return genome.StagingEnvironment{}, err
	}
	current.ID = id
	current.UpdatedAt = tx.now
	tx.state.staging[id] = current
	tx.recordChange(genome.Change{Entity: genome.EntityStaging, Action: genome.ActionUpdate, Before: before, After: current})
	return current, nil
}

// CreatePropagationRecord stores a new rollout record.
func (tx *Transaction) CreatePropagationRecord(p genome.PropagationRecord) (genome.PropagationRecord, error) {
	if p.ID == "" {
		p.ID = newID()
	}
	if _, exists := tx.state.propagations[p.ID]; exists {
		return genome.PropagationRecord{}, fmt.Errorf("propagation record %q already exists", p.ID)
	}
	p.CreatedAt = tx.now
	p.UpdatedAt = tx.now
	tx.state.propagations[p.ID] = clonePropagation(p)
	tx.recordChange(genome.Change{Entity: genome.EntityPropagation, Action: genome.ActionCreate, After: clonePropagation(p)})
	return clonePropagation(p), nil
}

// UpdatePropagationRecord mutates a rollout record via the mutator. The row
// is updated in place; prior status survives in the change record and the
// audit entry written alongside it.
func (tx *Transaction) UpdatePropagationRecord(id string, mutator func(*genome.PropagationRecord) error) (genome.PropagationRecord, error) {
	current, ok := tx.state.propagations[id]
	if !ok {
		return genome.PropagationRecord{}, fmt.Errorf("propagation record %q not found", id)
	}
	before := clonePropagation(current)
	if err := mutator(&current); err != nil {
		return genome.PropagationRecord{}, err
	}
	current.ID = id
	current.UpdatedAt = tx.now
	tx.state.propagations[id] = clonePropagation(current)
	tx.recordChange(genome.Change{Entity: genome.EntityPropagation, Action: genome.ActionUpdate, Before: before, After: clonePropagation(current)})
	return clonePropagation(current), nil
}

// CreateChild registers a deployed child.
func (tx *Transaction) CreateChild(c genome.Child) (genome.Child, error) {
	if c.ID == "" {
		c.ID = newID()
	}
	if _, exists := tx.state.children[c.ID]; exists {
		return genome.Child{}, fmt.Errorf("child %q already exists", c.ID)
	}
	c.CreatedAt = tx.now
	c.UpdatedAt = tx.now
	tx.state.children[c.ID] = c
	tx.recordChange(genome.Change{Entity: genome.EntityChild, Action: genome.ActionCreate, After: c})
	return c, nil
}

// AppendHeartbeat appends an immutable heartbeat row.
func (tx *Transaction) AppendHeartbeat(h genome.TelemetryHeartbeat) (genome.TelemetryHeartbeat, error) {
	if h.ChildID == "" {
		return genome.TelemetryHeartbeat{}, fmt.Errorf("heartbeat requires a child id")
	}
	if h.ID == "" {
		h.ID = newID()
	}
	h.CreatedAt = tx.now
	h.UpdatedAt = tx.now
	if h.ObservedAt.IsZero() {
		h.ObservedAt = tx.now
	}
	tx.state.heartbeats = append(tx.state.heartbeats, h)
	tx.recordChange(genome.Change{Entity: genome.EntityHeartbeat, Action: genome.ActionAppend, After: h})
	return h, nil
}

// AppendAudit appends an immutable audit trail entry.
func (tx *Transaction) AppendAudit(entry genome.AuditEntry) (genome.AuditEntry, error) {
	if entry.Actor == "" {
		return genome.AuditEntry{}, fmt.Errorf("audit entry requires an actor")
	}
	if entry.ID == "" {
		entry.ID = newID()
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = tx.now
	}
	tx.state.audits = append(tx.state.audits, entry)
	tx.recordChange(genome.Change{Entity: genome.EntityAudit, Action: genome.ActionAppend, After: entry})
	return entry, nil
}

// Read access -----------------------------------------------------------------

// ListGenomeVersions returns all genome versions ordered oldest first.
func (v TransactionView) ListGenomeVersions() []genome.GenomeVersion {
	out := make([]genome.GenomeVersion, 0, len(v.state.versions))
	for _, gv := range v.state.versions {
		out = append(out, cloneVersion(gv))
	}
	sortByCreated(out, func(g genome.GenomeVersion) (time.Time, string) { return g.CreatedAt, g.ID })
	return out
}

// ActiveGenomeVersion returns the version the active pointer references.
func (v TransactionView) ActiveGenomeVersion() (genome.GenomeVersion, bool) {
	for _, gv := range v.state.versions {
		if gv.Active {
			return cloneVersion(gv), true
		}
	}
	return genome.GenomeVersion{}, false
}

// FindGenomeVersion retrieves a version by ID or semver tag.
func (v TransactionView) FindGenomeVersion(id string) (genome.GenomeVersion, bool) {
	if gv, ok := v.state.versions[id]; ok {
		return cloneVersion(gv), true
	}
	for _, gv := range v.state.versions {
		if gv.Version == id {
			return cloneVersion(gv), true
		}
	}
	return genome.GenomeVersion{}, false
}

// ListCandidates returns all evaluation records ordered oldest first.
func (v TransactionView) ListCandidates() []genome.CapabilityCandidate {
	out := make([]genome.CapabilityCandidate, 0, len(v.state.candidates))
	for _, c := range v.state.candidates {
		out = append(out, cloneCandidate(c))
	}
	sortByCreated(out, func(c genome.CapabilityCandidate) (time.Time, string) { return c.CreatedAt, c.ID })
	return out
}

// FindCandidate retrieves a candidate evaluation by ID.
func (v TransactionView) FindCandidate(id string) (genome.CapabilityCandidate, bool) {
	c, ok := v.state.candidates[id]
	if !ok {
		return genome.CapabilityCandidate{}, false
	}
	return cloneCandidate(c), true
}

// ListStagingEnvironments returns all staging environments oldest first.
func (v TransactionView) ListStagingEnvironments() []genome.StagingEnvironment {
	out := make([]genome.StagingEnvironment, 0, len(v.state.staging))
	for _, e := range v.state.staging {
		out = append(out, e)
	}
	sortByCreated(out, func(e genome.StagingEnvironment) (time.Time, string) { return e.CreatedAt, e.ID })
	return out
}

// FindStagingEnvironment retrieves a staging environment by ID.
func (v TransactionView) FindStagingEnvironment(id string) (genome.StagingEnvironment, bool) {
	e, ok := v.state.staging[id]
	return e, ok
}

// ListPropagationRecords returns all rollout records oldest first.
func (v TransactionView) ListPropagationRecords() []genome.PropagationRecord {
	out := make([]genome.PropagationRecord, 0, len(v.state.propagations))
	for _, p := range v.state.propagations {
		out = append(out, clonePropagation(p))
	}
	sortByCreated(out, func(p genome.PropagationRecord) (time.Time, string) { return p.CreatedAt, p.ID })
	return out
}

// FindPropagationRecord retrieves a rollout record by ID.
func (v TransactionView) FindPropagationRecord(id string) (genome.PropagationRecord, bool) {
	p, ok := v.state.propagations[id]
	if !ok {
		return genome.PropagationRecord{}, false
	}
	return clonePropagation(p), true
}

// ListChildren returns all registered children oldest first.
func (v TransactionView) ListChildren() []genome.Child {
	out := make([]genome.Child, 0, len(v.state.children))
	for _, c := range v.state.children {
		out = append(out, c)
	}
	sortByCreated(out, func(c genome.Child) (time.Time, string) { return c.CreatedAt, c.ID })
	return out
}

// FindChild retrieves a child registration by ID.
func (v TransactionView) FindChild(id string) (genome.Child, bool) {
	c, ok := v.state.children[id]
	return c, ok
}

// ListHeartbeats returns heartbeats for a child, most recent first. An empty
// childID returns every heartbeat.
func (v TransactionView) ListHeartbeats(childID string) []genome.TelemetryHeartbeat {
	var out []genome.TelemetryHeartbeat
	for _, h := range v.state.heartbeats {
		if childID == "" || h.ChildID == childID {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ObservedAt.After(out[j].ObservedAt) })
	return out
}

// ListAuditEntries returns all audit entries in append order.
func (v TransactionView) ListAuditEntries() []genome.AuditEntry {
	return append([]genome.AuditEntry(nil), v.state.audits...)
}

func sortByCreated[T any](items []T, key func(T) (time.Time, string)) {
	sort.SliceStable(items, func(i, j int) bool {
		ti, idi := key(items[i])
		tj, idj := key(items[j])
		if ti.Equal(tj) {
			return idi < idj
		}
		return ti.Before(tj)
	})
}

// Committed-state read helpers ------------------------------------------------

func (s *Store) snapshotView() (TransactionView, memoryState) {
	state := s.state.clone()
	return newTransactionView(&state), state
}

// ActiveGenomeVersion returns the active version from committed state.
func (s *Store) ActiveGenomeVersion() (genome.GenomeVersion, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view, _ := s.snapshotView()
	return view.ActiveGenomeVersion()
}

// GetGenomeVersion retrieves a version by ID or semver from committed state.
func (s *Store) GetGenomeVersion(id string) (genome.GenomeVersion, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view, _ := s.snapshotView()
	return view.FindGenomeVersion(id)
}

// ListGenomeVersions returns all committed genome versions.
func (s *Store) ListGenomeVersions() []genome.GenomeVersion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view, _ := s.snapshotView()
	return view.ListGenomeVersions()
}

// GetCandidate retrieves a committed candidate evaluation.
func (s *Store) GetCandidate(id string) (genome.CapabilityCandidate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view, _ := s.snapshotView()
	return view.FindCandidate(id)
}

// ListCandidates returns all committed candidate evaluations.
func (s *Store) ListCandidates() []genome.CapabilityCandidate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view, _ := s.snapshotView()
	return view.ListCandidates()
}

// GetStagingEnvironment retrieves a committed staging environment.
func (s *Store) GetStagingEnvironment(id string) (genome.StagingEnvironment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view, _ := s.snapshotView()
	return view.FindStagingEnvironment(id)
}

// ListStagingEnvironments returns all committed staging environments.
func (s *Store) ListStagingEnvironments() []genome.StagingEnvironment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view, _ := s.snapshotView()
	return view.ListStagingEnvironments()
}

// GetPropagationRecord retrieves a committed rollout record.
func (s *Store) GetPropagationRecord(id string) (genome.PropagationRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view, _ := s.snapshotView()
	return view.FindPropagationRecord(id)
}

// ListPropagationRecords returns all committed rollout records.
func (s *Store) ListPropagationRecords() []genome.PropagationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view, _ := s.snapshotView()
	return view.ListPropagationRecords()
}

// GetChild retrieves a committed child registration.
func (s *Store) GetChild(id string) (genome.Child, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view, _ := s.snapshotView()
	return view.FindChild(id)
}

// ListChildren returns all committed child registrations.
func (s *Store) ListChildren() []genome.Child {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view, _ := s.snapshotView()
	return view.ListChildren()
}

// ListHeartbeats returns committed heartbeats for a child, most recent first.
func (s *Store) ListHeartbeats(childID string) []genome.TelemetryHeartbeat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view, _ := s.snapshotView()
	return view.ListHeartbeats(childID)
}

// ListAuditEntries returns all committed audit entries in append order.
func (s *Store) ListAuditEntries() []genome.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view, _ := s.snapshotView()
	return view.ListAuditEntries()
}

// ExportState captures a clone of committed state for durable snapshotting.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state := s.state.clone()
	return Snapshot{
		Versions:     state.versions,
		Candidates:   state.candidates,
		Staging:      state.staging,
		Propagations: state.propagations,
		Children:     state.children,
		Heartbeats:   state.heartbeats,
		Audits:       state.audits,
	}
}

// ImportState replaces committed state from a durable snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := newMemoryState()
	for k, v := range snapshot.Versions {
		state.versions[k] = cloneVersion(v)
	}
	for k, v := range snapshot.Candidates {
		state.candidates[k] = cloneCandidate(v)
	}
	for k, v := range snapshot.Staging {
		state.staging[k] = v
	}
	for k, v := range snapshot.Propagations {
		state.propagations[k] = clonePropagation(v)
	}
	for k, v := range snapshot.Children {
		state.children[k] = v
	}
	state.heartbeats = append([]genome.TelemetryHeartbeat(nil), snapshot.Heartbeats...)
	state.audits = append([]genome.AuditEntry(nil), snapshot.Audits...)
	s.state = state
}
