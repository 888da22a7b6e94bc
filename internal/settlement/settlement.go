// Package settlement is the single gate between the external settlement
// network and internal accounting.
//
// Inbound, the Verifier checks an observed transfer (uniqueness, recipient,
// amount) before it may credit the balance ledger. Outbound, the Payer
// debits the ledger first, submits the transfer, records its hash and then
// waits for confirmation. A transfer hash is applied to the ledger at most
// once, and a logical payout (its reference) is never submitted twice
// while a previous attempt may still land.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/escrowd/internal/chain"
)

var (
	ErrDuplicate           = errors.New("transfer already processed")
	ErrWrongRecipient      = errors.New("transfer recipient does not match expected custody address")
	ErrWrongSender         = errors.New("transfer sender does not match expected party")
	ErrInsufficientAmount  = errors.New("transfer amount below expected amount")
	ErrTransferUnconfirmed = fmt.Errorf("settlement: %w", chain.ErrUnconfirmed)
	ErrRecordNotFound      = errors.New("transfer record not found")
	ErrInvalidRequest      = errors.New("invalid payout request")
	ErrRecordMismatch      = errors.New("transfer record does not match the network")
)

// Direction of a transfer relative to custody.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Purpose tags what a transfer was for.
type Purpose string

const (
	PurposeDeposit       Purpose = "deposit"
	PurposeEscrowFunding Purpose = "escrow_funding"
	PurposeWithdrawal    Purpose = "withdrawal"
	PurposeRelease       Purpose = "release"
	PurposeRefund        Purpose = "refund"
)

// RecordStatus tracks an outbound transfer through submission.
type RecordStatus string

const (
	// StatusSubmitting means the ledger was debited and the transfer may
	// have been broadcast, but no hash was recorded yet.
	StatusSubmitting RecordStatus = "submitting"
	StatusPending    RecordStatus = "pending"
	StatusConfirmed  RecordStatus = "confirmed"
	StatusFailed     RecordStatus = "failed"
)

// Bucket selects which side of a balance an outbound payout debits.
type Bucket string

const (
	BucketAvailable Bucket = "available"
	BucketLocked    Bucket = "locked"
)

// TransferRecord is the application's record of a transfer it observed
// or submitted.
type TransferRecord struct {
	ID         string       `json:"id"`
	TxHash     string       `json:"txHash,omitempty"`
	Reference  string       `json:"reference"`
	Attempt    int          `json:"attempt"`
	Direction  Direction    `json:"direction"`
	Purpose    Purpose      `json:"purpose"`
	From       string       `json:"from"`
	To         string       `json:"to"`
	Amount     int64        `json:"amount"`
	Fee        int64        `json:"fee"`
	Status     RecordStatus `json:"status"`
	PostingKey string       `json:"postingKey,omitempty"`
	// StartBlock is the network head when an outbound attempt was
	// claimed; its transfer cannot land earlier.
	StartBlock uint64    `json:"startBlock,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// IsFinal reports whether the record will not change again.
func (r *TransferRecord) IsFinal() bool {
	return r.Status == StatusConfirmed || r.Status == StatusFailed
}

// RecordStore persists transfer records.
type RecordStore interface {
	// Create stores a new record. A non-empty TxHash must be unique
	// (ErrDuplicate otherwise).
	Create(ctx context.Context, rec *TransferRecord) error
	Update(ctx context.Context, rec *TransferRecord) error
	GetByHash(ctx context.Context, hash string) (*TransferRecord, error)
	// LatestByReference returns the highest attempt for reference.
	LatestByReference(ctx context.Context, reference string) (*TransferRecord, error)
	ListByStatus(ctx context.Context, status RecordStatus, limit int) ([]*TransferRecord, error)
}

// FundingIntent describes what an on-ledger escrow funding transfer must
// look like.
type FundingIntent struct {
	TxnID         string
	Buyer         string
	EscrowAddress string
	Expected      int64
	// Party is the internal ledger party that holds the escrowed funds.
	Party string
}

// EscrowFunding is the transaction state machine as seen by the verifier.
type EscrowFunding interface {
	FundingIntent(ctx context.Context, txnID string) (*FundingIntent, error)
	MarkFundedOnLedger(ctx context.Context, txnID, txHash string) error
}

// FundingReference is the record reference for a transaction's funding.
func FundingReference(txnID string) string { return "fund:" + txnID }
