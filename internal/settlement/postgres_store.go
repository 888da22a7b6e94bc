package settlement

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists transfer records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed record store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ RecordStore = (*PostgresStore)(nil)

const recordColumns = `id, tx_hash, reference, attempt, direction, purpose, from_addr, to_addr,
	amount, fee, status, posting_key, start_block, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, rec *TransferRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transfer_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, rec.ID, nullString(rec.TxHash), rec.Reference, rec.Attempt, rec.Direction, rec.Purpose,
		rec.From, rec.To, rec.Amount, rec.Fee, rec.Status, rec.PostingKey, int64(rec.StartBlock), rec.CreatedAt, rec.UpdatedAt)
	return mapUniqueViolation(err)
}

func (p *PostgresStore) Update(ctx context.Context, rec *TransferRecord) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE transfer_records SET tx_hash = $2, status = $3, updated_at = $4
		WHERE id = $1
	`, rec.ID, nullString(rec.TxHash), rec.Status, rec.UpdatedAt)
	if err != nil {
		return mapUniqueViolation(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*TransferRecord, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM transfer_records WHERE tx_hash = $1`, hash)
	return scanRecord(row)
}

func (p *PostgresStore) LatestByReference(ctx context.Context, reference string) (*TransferRecord, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM transfer_records
		WHERE reference = $1 ORDER BY attempt DESC LIMIT 1
	`, reference)
	return scanRecord(row)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status RecordStatus, limit int) ([]*TransferRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM transfer_records
		WHERE status = $1 ORDER BY created_at ASC LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*TransferRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*TransferRecord, error) {
	rec := &TransferRecord{}
	var hash sql.NullString
	var startBlock int64
	err := s.Scan(&rec.ID, &hash, &rec.Reference, &rec.Attempt, &rec.Direction, &rec.Purpose,
		&rec.From, &rec.To, &rec.Amount, &rec.Fee, &rec.Status, &rec.PostingKey, &startBlock, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.TxHash = hash.String
	rec.StartBlock = uint64(startBlock)
	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func mapUniqueViolation(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}
