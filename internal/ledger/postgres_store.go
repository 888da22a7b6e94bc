package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/escrowd/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL. Schema lives in
// migrations/ (ledger_balances, ledger_postings, ledger_entries).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Apply inserts the posting key first so a concurrent duplicate blocks on
// the unique index, then applies each leg with a guarded UPDATE that only
// matches when both buckets stay non-negative.
func (p *PostgresStore) Apply(ctx context.Context, posting Posting) error {
	legs, err := json.Marshal(posting.Legs)
	if err != nil {
		return fmt.Errorf("marshal legs: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_postings (key, reason, legs, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO NOTHING
	`, posting.Key, posting.Reason, legs, posting.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert posting: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicate
	}

	for _, leg := range posting.Legs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_balances (party) VALUES ($1)
			ON CONFLICT (party) DO NOTHING
		`, leg.Party); err != nil {
			return fmt.Errorf("ensure balance %s: %w", leg.Party, err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE ledger_balances SET
				available = available + $2,
				locked = locked + $3,
				updated_at = NOW()
			WHERE party = $1
			  AND available + $2 >= 0
			  AND locked + $3 >= 0
		`, leg.Party, leg.Available, leg.Locked)
		if err != nil {
			return fmt.Errorf("apply leg %s: %w", leg.Party, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrInsufficientBalance
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, posting_key, party, reason, available_delta, locked_delta, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, idgen.New(), posting.Key, leg.Party, posting.Reason, leg.Available, leg.Locked, posting.CreatedAt); err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) GetBalance(ctx context.Context, party string) (*Balance, error) {
	b := &Balance{Party: party}
	err := p.db.QueryRowContext(ctx, `
		SELECT available, locked, updated_at FROM ledger_balances WHERE party = $1
	`, party).Scan(&b.Available, &b.Locked, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &Balance{Party: party, UpdatedAt: time.Now()}, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (p *PostgresStore) GetPosting(ctx context.Context, key string) (*Posting, error) {
	var (
		posting Posting
		legs    []byte
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT key, reason, legs, created_at FROM ledger_postings WHERE key = $1
	`, key).Scan(&posting.Key, &posting.Reason, &legs, &posting.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPostingNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(legs, &posting.Legs); err != nil {
		return nil, fmt.Errorf("decode legs for %s: %w", key, err)
	}
	return &posting, nil
}

func (p *PostgresStore) History(ctx context.Context, party string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, posting_key, party, reason, available_delta, locked_delta, created_at
		FROM ledger_entries
		WHERE party = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, party, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.PostingKey, &e.Party, &e.Reason, &e.AvailableDelta, &e.LockedDelta, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) Totals(ctx context.Context) (int64, int64, error) {
	var avail, locked int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(available), 0)::BIGINT, COALESCE(SUM(locked), 0)::BIGINT FROM ledger_balances
	`).Scan(&avail, &locked)
	return avail, locked, err
}
