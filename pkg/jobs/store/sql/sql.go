// Package sql implements the JobStore interface over PostgreSQL, the
// supplemented durable backend alongside the spec-mandated memory,
// filesystem, and Redis stores.
package sql

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/scriptorium/jobengine/pkg/jobs/job"
	"github.com/scriptorium/jobengine/pkg/jobs/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DatabaseConfig configures the pooled Postgres connection backing Store.
type DatabaseConfig struct {
	ConnectionString string
	MaxConnections    int32
	ConnectTimeout    time.Duration
}

func (c *DatabaseConfig) withDefaults() *DatabaseConfig {
	cp := *c
	if cp.MaxConnections <= 0 {
		cp.MaxConnections = 10
	}
	if cp.ConnectTimeout <= 0 {
		cp.ConnectTimeout = 30 * time.Second
	}
	return &cp
}

// Store is a JobStore backed by PostgreSQL. Each job is stored as one row
// keyed by job_id with the canonical metadata document in a JSONB column,
// mirroring the filesystem backend's "one canonical document per job"
// contract in a form a client can also query relationally if extended.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres, applies pending migrations, and returns a
// ready Store.
func Open(ctx context.Context, cfg *DatabaseConfig) (*Store, error) {
	cfg = cfg.withDefaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("sql: parse connection string: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConnections
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("sql: create pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sql: ping: %w", err)
	}

	if err := migrateToLatest(cfg.ConnectionString); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool}, nil
}

func migrateToLatest(connStr string) error {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return fmt.Errorf("sql: open migration connection: %w", err)
	}
	defer db.Close()

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("sql: read embedded migrations: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("sql: init migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("sql: init migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("sql: apply migrations: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Save writes a new record; upserted, matching §4.1's idempotent-if-exists
// contract.
func (s *Store) Save(ctx context.Context, m *job.Metadata) error {
	return s.Update(ctx, m)
}

// Update upserts the record for m.JobID.
func (s *Store) Update(ctx context.Context, m *job.Metadata) error {
	data, err := store.MarshalCanonical(m)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO jobs (job_id, payload, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (job_id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()
	`
	_, err = withRetry(ctx, func(ctx context.Context) (struct{}, error) {
		_, err := s.pool.Exec(ctx, query, m.JobID, data)
		return struct{}{}, err
	})
	return err
}

// Get returns the metadata for jobID.
func (s *Store) Get(ctx context.Context, jobID string) (*job.Metadata, error) {
	const query = `SELECT payload FROM jobs WHERE job_id = $1`
	var data []byte
	row := s.pool.QueryRow(ctx, query, jobID)
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &job.NotFoundError{JobID: jobID}
		}
		return nil, err
	}
	m := &job.Metadata{}
	if err := unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}

// List returns every record.
func (s *Store) List(ctx context.Context) (map[string]*job.Metadata, error) {
	const query = `SELECT job_id, payload FROM jobs`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*job.Metadata)
	for rows.Next() {
		var jobID string
		var data []byte
		if err := rows.Scan(&jobID, &data); err != nil {
			return nil, err
		}
		m := &job.Metadata{}
		if err := unmarshal(data, m); err != nil {
			return nil, err
		}
		out[jobID] = m
	}
	return out, rows.Err()
}

// Delete removes the record for jobID.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	const query = `DELETE FROM jobs WHERE job_id = $1`
	tag, err := s.pool.Exec(ctx, query, jobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &job.NotFoundError{JobID: jobID}
	}
	return nil
}

// withRetry runs fn up to 3 times (2 retries) on a retryable Postgres error
// (deadlock or serialization failure), backing off exponentially between
// attempts, mirroring the teacher's connection-retry pattern.
func withRetry[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero, result T

	b := backoff.WithContext(backoff.WithMaxRetries(
		&backoff.ExponentialBackOff{
			InitialInterval:     100 * time.Millisecond,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         2 * time.Second,
			MaxElapsedTime:      0,
			Clock:               backoff.SystemClock,
		},
		2, // up to 3 total attempts
	), ctx)

	err := backoff.Retry(func() error {
		var err error
		result, err = fn(ctx)
		if err != nil && !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)

	if err != nil {
		return zero, err
	}
	return result, nil
}

func isRetryable(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "deadlock detected") || strings.Contains(msg, "could not serialize access")
}

func unmarshal(data []byte, m *job.Metadata) error {
	return json.Unmarshal(data, m)
}
