package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists audit entries in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_audit (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			context TEXT NOT NULL,
			level TEXT NOT NULL,
			event TEXT NOT NULL,
			data JSONB,
			redacted BOOLEAN NOT NULL DEFAULT FALSE,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_session_audit_session_time ON session_audit (session_id, recorded_at);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init audit schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, entry Entry) error {
	entry = withDefaults(entry)
	var data any
	if len(entry.Data) > 0 {
		data = string(entry.Data)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_audit (id, session_id, context, level, event, data, redacted, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)`,
		entry.ID, entry.SessionID, entry.Context, string(entry.Level), entry.Event, data, entry.Redacted, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, sessionID string) ([]Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, context, level, event, COALESCE(data::text, ''), redacted, recorded_at
		 FROM session_audit WHERE session_id=$1 ORDER BY recorded_at, id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e     Entry
			level string
			data  string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Context, &level, &e.Event, &data, &e.Redacted, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		e.Level = Level(level)
		if data != "" {
			e.Data = []byte(data)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
