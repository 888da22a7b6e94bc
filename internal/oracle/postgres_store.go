package oracle

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists runs in the oracle_runs table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed run store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ RunStore = (*PostgresStore)(nil)

const runColumns = `id, run_type, started_at, completed_at, success_count, failure_count, skipped_count`

func (p *PostgresStore) Save(ctx context.Context, run *Run) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO oracle_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		run.ID, string(run.RunType), run.StartedAt, run.CompletedAt,
		run.SuccessCount, run.FailureCount, run.SkippedCount,
	)
	return err
}

func (p *PostgresStore) ListSince(ctx context.Context, runType RunType, since time.Time) ([]*Run, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM oracle_runs
		WHERE ($1 = '' OR run_type = $1) AND started_at >= $2
		ORDER BY started_at DESC`, string(runType), since)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Latest(ctx context.Context, runType RunType) (*Run, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM oracle_runs
		WHERE ($1 = '' OR run_type = $1)
		ORDER BY started_at DESC
		LIMIT 1`, string(runType))
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRuns
	}
	return r, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner) (*Run, error) {
	r := &Run{}
	var runType string
	if err := s.Scan(&r.ID, &runType, &r.StartedAt, &r.CompletedAt,
		&r.SuccessCount, &r.FailureCount, &r.SkippedCount); err != nil {
		return nil, err
	}
	r.RunType = RunType(runType)
	return r, nil
}
