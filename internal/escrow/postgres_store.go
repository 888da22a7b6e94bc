package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/escrowd/internal/fees"
	"github.com/mbd888/escrowd/internal/pagination"
)

// PostgresStore persists transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txnColumns = `id, buyer, seller, listing_ref, amount, currency,
		       state, disputed, dispute_reason, dispute_resolution,
		       contract_version, deadline, dispute_window_hours,
		       funding_source, escrow_address, fee_amount, fee_side, fee_party,
		       deliverable_ref, evidence,
		       created_at, updated_at, funded_at, delivered_at, disputed_at,
		       completed_at, reconciled_at,
		       funding_tx_hash, delivery_ref, dispute_ref, release_tx_hash, refund_tx_hash`

func (p *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	evidence, err := evidenceJSON(t.Evidence)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO transactions (`+txnColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13,
			$14, $15, $16, $17, $18,
			$19, $20,
			$21, $22, $23, $24, $25,
			$26, $27,
			$28, $29, $30, $31, $32
		)`,
		t.ID, t.Buyer, t.Seller, nullString(t.ListingRef), t.Amount, t.Currency,
		string(t.State), t.Disputed, nullString(t.DisputeReason), nullString(string(t.DisputeResolution)),
		t.ContractVersion, t.Deadline, t.DisputeWindowHours,
		string(t.FundingSource), nullString(t.EscrowAddress), t.FeeAmount, string(t.FeeSide), nullString(t.FeeParty),
		nullString(t.DeliverableRef), evidence,
		t.CreatedAt, t.UpdatedAt, nullTime(t.FundedAt), nullTime(t.DeliveredAt), nullTime(t.DisputedAt),
		nullTime(t.CompletedAt), nullTime(t.ReconciledAt),
		nullString(t.FundingTxHash), nullString(t.DeliveryRef), nullString(t.DisputeRef),
		nullString(t.ReleaseTxHash), nullString(t.RefundTxHash),
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txnColumns+` FROM transactions WHERE id = $1`, id)

	t, err := scanTxn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// Update writes the mutable columns. completed_at is only written while
// still NULL so a recorded completion time never moves.
func (p *PostgresStore) Update(ctx context.Context, t *Transaction) error {
	evidence, err := evidenceJSON(t.Evidence)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET
			state = $1, disputed = $2, dispute_reason = $3, dispute_resolution = $4,
			deliverable_ref = $5, evidence = $6, updated_at = $7,
			funded_at = $8, delivered_at = $9, disputed_at = $10,
			completed_at = COALESCE(completed_at, $11), reconciled_at = $12,
			funding_tx_hash = $13, delivery_ref = $14, dispute_ref = $15,
			release_tx_hash = $16, refund_tx_hash = $17
		WHERE id = $18`,
		string(t.State), t.Disputed, nullString(t.DisputeReason), nullString(string(t.DisputeResolution)),
		nullString(t.DeliverableRef), evidence, t.UpdatedAt,
		nullTime(t.FundedAt), nullTime(t.DeliveredAt), nullTime(t.DisputedAt),
		nullTime(t.CompletedAt), nullTime(t.ReconciledAt),
		nullString(t.FundingTxHash), nullString(t.DeliveryRef), nullString(t.DisputeRef),
		nullString(t.ReleaseTxHash), nullString(t.RefundTxHash),
		t.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, party string, before *pagination.Cursor, limit int) ([]*Transaction, error) {
	if before == nil {
		return p.query(ctx, `
			SELECT `+txnColumns+`
			FROM transactions
			WHERE buyer = $1 OR seller = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, party, limit)
	}
	return p.query(ctx, `
		SELECT `+txnColumns+`
		FROM transactions
		WHERE (buyer = $1 OR seller = $1) AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`, party, before.CreatedAt, before.ID, limit)
}

func (p *PostgresStore) ListReleaseCandidates(ctx context.Context, now time.Time, limit int) ([]*Transaction, error) {
	return p.query(ctx, `
		SELECT `+txnColumns+`
		FROM transactions
		WHERE state = 'DELIVERED'
		  AND NOT disputed
		  AND contract_version >= $1
		  AND delivered_at IS NOT NULL
		  AND delivered_at + make_interval(hours => dispute_window_hours) < $2
		  AND release_tx_hash IS NULL AND refund_tx_hash IS NULL
		ORDER BY delivered_at
		LIMIT $3`, MinOracleContractVersion, now, limit)
}

func (p *PostgresStore) ListRefundCandidates(ctx context.Context, now time.Time, limit int) ([]*Transaction, error) {
	return p.query(ctx, `
		SELECT `+txnColumns+`
		FROM transactions
		WHERE state = 'FUNDED'
		  AND contract_version >= $1
		  AND delivered_at IS NULL
		  AND deadline < $2
		  AND release_tx_hash IS NULL AND refund_tx_hash IS NULL
		ORDER BY deadline
		LIMIT $3`, MinOracleContractVersion, now, limit)
}

func (p *PostgresStore) ListPendingPayouts(ctx context.Context, kind PayoutKind, limit int) ([]*Transaction, error) {
	column := "release_tx_hash"
	if kind == PayoutRefund {
		column = "refund_tx_hash"
	}
	return p.query(ctx, fmt.Sprintf(`
		SELECT `+txnColumns+`
		FROM transactions
		WHERE state IN ('FUNDED', 'DELIVERED')
		  AND funding_source = 'on_ledger'
		  AND %s IS NOT NULL
		ORDER BY updated_at
		LIMIT $1`, column), limit)
}

func (p *PostgresStore) ListUnreconciled(ctx context.Context, limit int) ([]*Transaction, error) {
	return p.query(ctx, `
		SELECT `+txnColumns+`
		FROM transactions
		WHERE state IN ('RELEASED', 'REFUNDED')
		ORDER BY completed_at
		LIMIT $1`, limit)
}

func (p *PostgresStore) CountPending(ctx context.Context, now time.Time) (int, int, error) {
	var release, refund int
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE release_tx_hash IS NOT NULL OR (
				state = 'DELIVERED' AND NOT disputed AND contract_version >= $1
				AND delivered_at + make_interval(hours => dispute_window_hours) < $2)),
			COUNT(*) FILTER (WHERE release_tx_hash IS NULL AND (refund_tx_hash IS NOT NULL OR (
				state = 'FUNDED' AND delivered_at IS NULL AND contract_version >= $1
				AND deadline < $2)))
		FROM transactions
		WHERE state IN ('FUNDED', 'DELIVERED')`, MinOracleContractVersion, now).Scan(&release, &refund)
	return release, refund, err
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...interface{}) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTxn(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		listingRef, disputeReason, resolution sql.NullString
		escrowAddr, feeParty, deliverableRef  sql.NullString
		fundingHash, deliveryRef, disputeRef  sql.NullString
		releaseHash, refundHash               sql.NullString
		state, source, feeSide                string
		evidence                              []byte
		fundedAt, deliveredAt, disputedAt     sql.NullTime
		completedAt, reconciledAt             sql.NullTime
	)

	err := s.Scan(
		&t.ID, &t.Buyer, &t.Seller, &listingRef, &t.Amount, &t.Currency,
		&state, &t.Disputed, &disputeReason, &resolution,
		&t.ContractVersion, &t.Deadline, &t.DisputeWindowHours,
		&source, &escrowAddr, &t.FeeAmount, &feeSide, &feeParty,
		&deliverableRef, &evidence,
		&t.CreatedAt, &t.UpdatedAt, &fundedAt, &deliveredAt, &disputedAt,
		&completedAt, &reconciledAt,
		&fundingHash, &deliveryRef, &disputeRef, &releaseHash, &refundHash,
	)
	if err != nil {
		return nil, err
	}

	t.State = State(state)
	t.FundingSource = FundingSource(source)
	t.FeeSide = fees.Side(feeSide)
	t.ListingRef = listingRef.String
	t.DisputeReason = disputeReason.String
	t.DisputeResolution = Resolution(resolution.String)
	t.EscrowAddress = escrowAddr.String
	t.FeeParty = feeParty.String
	t.DeliverableRef = deliverableRef.String
	t.FundingTxHash = fundingHash.String
	t.DeliveryRef = deliveryRef.String
	t.DisputeRef = disputeRef.String
	t.ReleaseTxHash = releaseHash.String
	t.RefundTxHash = refundHash.String
	t.FundedAt = timePtr(fundedAt)
	t.DeliveredAt = timePtr(deliveredAt)
	t.DisputedAt = timePtr(disputedAt)
	t.CompletedAt = timePtr(completedAt)
	t.ReconciledAt = timePtr(reconciledAt)
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &t.Evidence); err != nil {
			return nil, fmt.Errorf("decode evidence for %s: %w", t.ID, err)
		}
	}
	return t, nil
}

func evidenceJSON(entries []EvidenceEntry) ([]byte, error) {
	if entries == nil {
		return []byte("[]"), nil
	}
	b, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encode evidence: %w", err)
	}
	return b, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
