// Package postgres provides a Postgres-backed persistent registry store that
// mirrors the in-memory semantics while snapshotting committed state into a
// JSONB bucket table.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"icdev/internal/infra/persistence/memory"
	"icdev/pkg/genome"
)

// Compile-time contract assertion ensuring the store satisfies the registry
// persistence interface.
var _ genome.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	// Default DSN allows local development without configuration.
	defaultDSN = "postgres://localhost/icdev?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists state to Postgres while reusing the in-memory engine for
// transactions.
type Store struct {
	*memory.Store
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back
// to defaultDSN), ensures the snapshot table exists, and hydrates the
// in-memory store from any existing snapshot.
func NewStore(dsn string, engine *genome.RulesEngine) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ensureStateTable(ctx, db); err != nil {
		return nil, err
	}
	snapshot, err := loadSnapshot(ctx, db)
	if err != nil {
		return nil, err
	}
	mem := memory.NewStore(engine)
	mem.ImportState(snapshot)
	return &Store{Store: mem, db: db}, nil
}

// RunInTransaction applies fn within a transaction, then snapshots committed
// state to Postgres if successful.
func (s *Store) RunInTransaction(ctx context.Context, fn func(genome.Transaction) error) (genome.Result, error) {
	res, err := s.Store.RunInTransaction(ctx, fn)
	if err != nil {
		return res, err
	}
	if err := s.persist(ctx); err != nil {
		return res, err
	}
	return res, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func ensureStateTable(ctx context.Context, db *sql.DB) error {
	ddl := `CREATE TABLE IF NOT EXISTS registry_state (
		bucket TEXT PRIMARY KEY,
		payload JSONB NOT NULL
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure state table: %w", err)
	}
	return nil
}

var postgresBuckets = []string{
	"genome_versions",
	"candidates",
	"staging",
	"propagations",
	"children",
	"heartbeats",
	"audits",
}

func loadSnapshot(ctx context.Context, db *sql.DB) (memory.Snapshot, error) {
	rows, err := db.QueryContext(ctx, `SELECT bucket, payload FROM registry_state`)
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snapshot memory.Snapshot
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return memory.Snapshot{}, fmt.Errorf("scan: %w", err)
		}
		var decodeErr error
		switch bucket {
		case "genome_versions":
			decodeErr = json.Unmarshal(payload, &snapshot.Versions)
		case "candidates":
			decodeErr = json.Unmarshal(payload, &snapshot.Candidates)
		case "staging":
			decodeErr = json.Unmarshal(payload, &snapshot.Staging)
		case "propagations":
			decodeErr = json.Unmarshal(payload, &snapshot.Propagations)
		case "children":
			decodeErr = json.Unmarshal(payload, &snapshot.Children)
		case "heartbeats":
			decodeErr = json.Unmarshal(payload, &snapshot.Heartbeats)
		case "audits":
			decodeErr = json.Unmarshal(payload, &snapshot.Audits)
		}
		if decodeErr != nil {
			return memory.Snapshot{}, fmt.Errorf("decode %s: %w", bucket, decodeErr)
		}
	}
	if err := rows.Err(); err != nil {
		return memory.Snapshot{}, fmt.Errorf("iterate state: %w", err)
	}
	return snapshot, nil
}

func (s *Store) persist(ctx context.Context) (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.ExportState()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range postgresBuckets {
		var data []byte
		switch bucket {
		case "genome_versions":
			data, err = json.Marshal(snapshot.Versions)
		case "candidates":
			data, err = json.Marshal(snapshot.Candidates)
		case "staging":
			data, err = json.Marshal(snapshot.Staging)
		case "propagations":
			data, err = json.Marshal(snapshot.Propagations)
		case "children":
			data, err = json.Marshal(snapshot.Children)
		case "heartbeats":
			data, err = json.Marshal(snapshot.Heartbeats)
		case "audits":
			data, err = json.Marshal(snapshot.Audits)
		}
		if err != nil {
			retErr = err
			return retErr
		}
		if _, err = tx.ExecContext(ctx, `INSERT INTO registry_state(bucket,payload) VALUES($1,$2) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, bucket, data); err != nil {
			retErr = fmt.Errorf("upsert %s: %w", bucket, err)
			return retErr
		}
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	return nil
}
