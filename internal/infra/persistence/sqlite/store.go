// Package sqlite provides the default durable registry store. It layers the
// in-memory transactional engine over a single SQLite table of JSON buckets
// and snapshots committed state after every successful transaction.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"icdev/internal/infra/persistence/memory"
	"icdev/pkg/genome"
)

// Compile-time contract assertion ensuring the store satisfies the registry
// persistence interface.
var _ genome.PersistentStore = (*Store)(nil)

// Store persists the in-memory state to SQLite as JSON bucket blobs.
type Store struct {
	*memory.Store
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore constructs a snapshotting SQLite-backed persistent store.
func NewStore(path string, engine *genome.RulesEngine) (*Store, error) {
	if path == "" {
		path = "icdev.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS registry_state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create state table: %w", err)
	}
	s := &Store{Store: memory.NewStore(engine), db: db, path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

const (
	bucketVersions     = "genome_versions"
	bucketCandidates   = "candidates"
	bucketStaging      = "staging"
	bucketPropagations = "propagations"
	bucketChildren     = "children"
	bucketHeartbeats   = "heartbeats"
	bucketAudits       = "audits"
)

var sqliteBuckets = []string{
	bucketVersions,
	bucketCandidates,
	bucketStaging,
	bucketPropagations,
	bucketChildren,
	bucketHeartbeats,
	bucketAudits,
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT bucket, payload FROM registry_state`)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	payloads := map[string][]byte{}
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		payloads[bucket] = payload
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate state: %w", err)
	}
	if len(payloads) == 0 {
		return nil
	}

	var snapshot memory.Snapshot
	for bucket, payload := range payloads {
		var decodeErr error
		switch bucket {
		case bucketVersions:
			decodeErr = json.Unmarshal(payload, &snapshot.Versions)
		case bucketCandidates:
			decodeErr = json.Unmarshal(payload, &snapshot.Candidates)
		case bucketStaging:
			decodeErr = json.Unmarshal(payload, &snapshot.Staging)
		case bucketPropagations:
			decodeErr = json.Unmarshal(payload, &snapshot.Propagations)
		case bucketChildren:
			decodeErr = json.Unmarshal(payload, &snapshot.Children)
		case bucketHeartbeats:
			decodeErr = json.Unmarshal(payload, &snapshot.Heartbeats)
		case bucketAudits:
			decodeErr = json.Unmarshal(payload, &snapshot.Audits)
		}
		if decodeErr != nil {
			return fmt.Errorf("decode %s: %w", bucket, decodeErr)
		}
	}
	s.ImportState(snapshot)
	return nil
}

func (s *Store) persist() (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.ExportState()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range sqliteBuckets {
		var data []byte
		switch bucket {
		case bucketVersions:
			data, err = json.Marshal(snapshot.Versions)
		case bucketCandidates:
			data, err = json.Marshal(snapshot.Candidates)
		case bucketStaging:
			data, err = json.Marshal(snapshot.Staging)
		case bucketPropagations:
			data, err = json.Marshal(snapshot.Propagations)
		case bucketChildren:
			data, err = json.Marshal(snapshot.Children)
		case bucketHeartbeats:
			data, err = json.Marshal(snapshot.Heartbeats)
		case bucketAudits:
			data, err = json.Marshal(snapshot.Audits)
		}
		if err != nil {
			retErr = err
			return retErr
		}
		if _, err = tx.Exec(`INSERT INTO registry_state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, bucket, data); err != nil {
			retErr = fmt.Errorf("upsert %s: %w", bucket, err)
			return retErr
		}
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	return nil
}

// RunInTransaction applies fn within a transaction, then snapshots committed
// state to SQLite. A snapshot failure surfaces to the caller; the in-memory
// commit already succeeded, so the next successful transaction re-persists
// the full state.
func (s *Store) RunInTransaction(ctx context.Context, fn func(genome.Transaction) error) (genome.Result, error) {
	res, err := s.Store.RunInTransaction(ctx, fn)
	if err != nil {
		return res, err
	}
	if pErr := s.persist(); pErr != nil {
		return res, pErr
	}
	return res, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }
