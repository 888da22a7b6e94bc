// Package escrow owns the lifecycle of an escrow transaction.
//
// States:
//
//	CREATED -> FUNDED -> DELIVERED -> RELEASED | REFUNDED -> RECONCILED
//	FUNDED  -> REFUNDED (deadline passed without delivery)
//
// A dispute is a flag on a DELIVERED transaction, not a state. It freezes
// autonomous release until an operator resolves it. Exactly one terminal
// outcome is ever recorded and CompletedAt is written once.
package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/escrowd/internal/fees"
	"github.com/mbd888/escrowd/internal/pagination"
)

var (
	ErrNotFound            = errors.New("transaction not found")
	ErrUnauthorized        = errors.New("not authorized for this transaction operation")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrDisputeWindowClosed = errors.New("dispute window has closed")
	ErrAlreadyDisputed     = errors.New("transaction already disputed")
	ErrNotDisputed         = errors.New("transaction is not disputed")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrSameParty           = errors.New("buyer and seller cannot be the same party")
	ErrInvalidCommand      = errors.New("invalid command")
	ErrNotEligible         = errors.New("transaction not eligible for this trigger")
	ErrPayoutInFlight      = errors.New("a payout for this transaction is already in flight")
	ErrReconcileMismatch   = errors.New("recorded outcome does not match the settlement network")
)

// State is a transaction's lifecycle state.
type State string

const (
	StateCreated    State = "CREATED"
	StateFunded     State = "FUNDED"
	StateDelivered  State = "DELIVERED"
	StateReleased   State = "RELEASED"
	StateRefunded   State = "REFUNDED"
	StateReconciled State = "RECONCILED"
)

// FundingSource selects how the escrow is funded and paid out.
type FundingSource string

const (
	// FundingPlatformBalance locks the buyer's ledger balance; payouts are
	// ledger postings.
	FundingPlatformBalance FundingSource = "platform_balance"
	// FundingOnLedger expects a transfer to the escrow address on the
	// settlement network; payouts are network transfers.
	FundingOnLedger FundingSource = "on_ledger"
)

// Resolution is the outcome an operator picks for a dispute.
type Resolution string

const (
	ResolveRelease Resolution = "release"
	ResolveRefund  Resolution = "refund"
)

// Trigger says who is driving a release or refund.
type Trigger string

const (
	// TriggerAuto is the reconciliation engine acting on elapsed time.
	TriggerAuto Trigger = "auto"
	// TriggerResolution is an operator resolving a dispute.
	TriggerResolution Trigger = "resolution"
)

// PayoutKind distinguishes the two settlement directions.
type PayoutKind string

const (
	PayoutRelease PayoutKind = "release"
	PayoutRefund  PayoutKind = "refund"
)

const (
	DefaultContractVersion    = 2
	MinOracleContractVersion  = 2
	DefaultDisputeWindowHours = 24
	DefaultDeadline           = 72 * time.Hour
	DefaultCurrency           = "USDC"
	MaxEvidenceEntries        = 50
	MaxEvidenceLength         = 4000
)

// EvidenceEntry is one piece of dispute evidence.
type EvidenceEntry struct {
	Submitter string    `json:"submitter"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Transaction is an escrow between a buyer and a seller.
type Transaction struct {
	ID                 string          `json:"id"`
	Buyer              string          `json:"buyer"`
	Seller             string          `json:"seller"`
	ListingRef         string          `json:"listingRef,omitempty"`
	Amount             int64           `json:"amount"`
	Currency           string          `json:"currency"`
	State              State           `json:"state"`
	Disputed           bool            `json:"disputed"`
	DisputeReason      string          `json:"disputeReason,omitempty"`
	DisputeResolution  Resolution      `json:"disputeResolution,omitempty"`
	ContractVersion    int             `json:"contractVersion"`
	Deadline           time.Time       `json:"deadline"`
	DisputeWindowHours int             `json:"disputeWindowHours"`
	FundingSource      FundingSource   `json:"fundingSource"`
	EscrowAddress      string          `json:"escrowAddress,omitempty"`
	FeeAmount          int64           `json:"feeAmount"`
	FeeSide            fees.Side       `json:"feeSide"`
	FeeParty           string          `json:"feeParty,omitempty"`
	DeliverableRef     string          `json:"deliverableRef,omitempty"`
	Evidence           []EvidenceEntry `json:"evidence,omitempty"`

	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	FundedAt     *time.Time `json:"fundedAt,omitempty"`
	DeliveredAt  *time.Time `json:"deliveredAt,omitempty"`
	DisputedAt   *time.Time `json:"disputedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	ReconciledAt *time.Time `json:"reconciledAt,omitempty"`

	FundingTxHash string `json:"fundingTxHash,omitempty"`
	DeliveryRef   string `json:"deliveryRef,omitempty"`
	DisputeRef    string `json:"disputeRef,omitempty"`
	ReleaseTxHash string `json:"releaseTxHash,omitempty"`
	RefundTxHash  string `json:"refundTxHash,omitempty"`
}

// IsTerminal reports whether an outcome has been recorded.
func (t *Transaction) IsTerminal() bool {
	switch t.State {
	case StateReleased, StateRefunded, StateReconciled:
		return true
	}
	return false
}

// DisputeWindowEnds is when the buyer loses the right to dispute.
// Zero if not delivered.
func (t *Transaction) DisputeWindowEnds() time.Time {
	if t.DeliveredAt == nil {
		return time.Time{}
	}
	return t.DeliveredAt.Add(time.Duration(t.DisputeWindowHours) * time.Hour)
}

// EscrowParty is the ledger party holding this transaction's escrowed funds.
func (t *Transaction) EscrowParty() string {
	if t.FundingSource == FundingOnLedger {
		return "escrow:" + t.ID
	}
	return t.Buyer
}

// Quote returns the frozen fee.
func (t *Transaction) Quote() fees.Quote {
	return fees.Quote{Amount: t.FeeAmount, Side: t.FeeSide, Party: t.FeeParty}
}

// Locked is what the escrow holds while funded.
func (t *Transaction) Locked() int64 { return t.Quote().BuyerGross(t.Amount) }

// PayoutHash returns the recorded hash for kind.
func (t *Transaction) PayoutHash(kind PayoutKind) string {
	if kind == PayoutRelease {
		return t.ReleaseTxHash
	}
	return t.RefundTxHash
}

func (t *Transaction) setPayoutHash(kind PayoutKind, hash string) {
	if kind == PayoutRelease {
		t.ReleaseTxHash = hash
	} else {
		t.RefundTxHash = hash
	}
}

// ReleaseEligible reports whether the reconciliation engine may release.
func (t *Transaction) ReleaseEligible(now time.Time) bool {
	return t.ContractVersion >= MinOracleContractVersion &&
		t.State == StateDelivered &&
		!t.Disputed &&
		t.DeliveredAt != nil &&
		now.After(t.DisputeWindowEnds())
}

// RefundEligible reports whether the reconciliation engine may refund.
func (t *Transaction) RefundEligible(now time.Time) bool {
	return t.ContractVersion >= MinOracleContractVersion &&
		t.State == StateFunded &&
		t.DeliveredAt == nil &&
		now.After(t.Deadline)
}

// Store persists transactions.
type Store interface {
	Create(ctx context.Context, txn *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	Update(ctx context.Context, txn *Transaction) error
	ListByParty(ctx context.Context, party string, before *pagination.Cursor, limit int) ([]*Transaction, error)

	// ListReleaseCandidates returns release-eligible transactions without
	// a payout hash, oldest delivery first.
	ListReleaseCandidates(ctx context.Context, now time.Time, limit int) ([]*Transaction, error)
	// ListRefundCandidates returns refund-eligible transactions without a
	// payout hash, oldest deadline first.
	ListRefundCandidates(ctx context.Context, now time.Time, limit int) ([]*Transaction, error)
	// ListPendingPayouts returns non-terminal transactions carrying a
	// payout hash of kind.
	ListPendingPayouts(ctx context.Context, kind PayoutKind, limit int) ([]*Transaction, error)
	// ListUnreconciled returns RELEASED and REFUNDED transactions.
	ListUnreconciled(ctx context.Context, limit int) ([]*Transaction, error)
	// CountPending counts transactions awaiting release or refund,
	// including those with a payout in flight.
	CountPending(ctx context.Context, now time.Time) (release, refund int, err error)
}

// CreateCommand is the validated input to Create.
type CreateCommand struct {
	Buyer              string
	Seller             string
	Amount             int64
	ListingRef         string
	Currency           string
	Deadline           time.Time
	DeadlineIn         time.Duration
	DisputeWindowHours int
	FundingSource      FundingSource
	ContractVersion    int
}

// Outcome is the result of a settlement attempt.
type Outcome struct {
	Transaction *Transaction `json:"transaction"`
	// NoOp is set when the transaction was already terminal.
	NoOp bool `json:"noOp"`
}
