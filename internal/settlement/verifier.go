package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/escrowd/internal/chain"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/retry"
	"github.com/mbd888/escrowd/internal/traces"
)

// Verifier validates externally observed transfers before they may
// touch the balance ledger.
type Verifier struct {
	chain   chain.Client
	ledger  *ledger.Ledger
	records RecordStore
	escrow  EscrowFunding
	logger  *slog.Logger
}

// NewVerifier creates a verifier.
func NewVerifier(c chain.Client, l *ledger.Ledger, records RecordStore, logger *slog.Logger) *Verifier {
	return &Verifier{chain: c, ledger: l, records: records, logger: logger}
}

// WithEscrow connects the transaction state machine for escrow funding.
func (v *Verifier) WithEscrow(e EscrowFunding) *Verifier {
	v.escrow = e
	return v
}

// VerifyDeposit credits the sender's available balance with the full
// observed amount if the transfer is new, was sent to custody and is
// non-zero.
func (v *Verifier) VerifyDeposit(ctx context.Context, obs chain.ObservedTransfer) (_ *TransferRecord, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.VerifyDeposit", traces.TxHash(obs.Hash), traces.Amount(obs.Amount))
	defer func() { traces.End(span, err) }()

	hash := normalizeHash(obs.Hash)
	if hash == "" {
		return nil, fmt.Errorf("%w: missing hash", chain.ErrInvalidTransfer)
	}
	if seen, err := v.seen(ctx, hash); err != nil {
		return nil, err
	} else if seen {
		verificationsTotal.WithLabelValues(string(PurposeDeposit), "duplicate").Inc()
		return nil, ErrDuplicate
	}
	if obs.Asset != "" && obs.Asset != v.chain.Asset() {
		verificationsTotal.WithLabelValues(string(PurposeDeposit), "rejected").Inc()
		return nil, chain.ErrUnsupportedAsset
	}
	if !chain.SameAddress(obs.To, v.chain.CustodyAddress()) {
		verificationsTotal.WithLabelValues(string(PurposeDeposit), "rejected").Inc()
		return nil, ErrWrongRecipient
	}
	if obs.Amount <= 0 {
		verificationsTotal.WithLabelValues(string(PurposeDeposit), "rejected").Inc()
		return nil, ErrInsufficientAmount
	}

	from := strings.ToLower(obs.From)
	if err := v.ledger.Credit(ctx, from, obs.Amount, hash, ledger.ReasonDeposit); err != nil {
		if errors.Is(err, ledger.ErrDuplicate) {
			verificationsTotal.WithLabelValues(string(PurposeDeposit), "duplicate").Inc()
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("credit deposit %s: %w", hash, err)
	}

	rec := &TransferRecord{
		ID:         idgen.WithPrefix("xfr_"),
		TxHash:     hash,
		Reference:  "deposit:" + hash,
		Attempt:    1,
		Direction:  Inbound,
		Purpose:    PurposeDeposit,
		From:       from,
		To:         strings.ToLower(obs.To),
		Amount:     obs.Amount,
		Status:     StatusConfirmed,
		PostingKey: hash,
	}
	v.storeRecord(ctx, rec)

	verificationsTotal.WithLabelValues(string(PurposeDeposit), "credited").Inc()
	v.logger.Info("deposit credited", "txHash", hash, "from", from, "amount", obs.Amount)
	return rec, nil
}

// VerifyDepositHash looks the transfer up on the network and verifies it
// as a deposit.
func (v *Verifier) VerifyDepositHash(ctx context.Context, hash string) (*TransferRecord, error) {
	obs, err := v.observe(ctx, hash)
	if err != nil {
		return nil, err
	}
	return v.VerifyDeposit(ctx, *obs)
}

// VerifyEscrowFunding checks that hash is a confirmed transfer from the
// transaction's buyer to its escrow address covering the expected amount,
// then marks the transaction funded. Overpayment is kept: the expected
// amount is locked for the escrow and the excess credited to the buyer.
func (v *Verifier) VerifyEscrowFunding(ctx context.Context, txnID, hash string) (_ *TransferRecord, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.VerifyEscrowFunding", traces.TxnID(txnID), traces.TxHash(hash))
	defer func() { traces.End(span, err) }()

	if v.escrow == nil {
		return nil, errors.New("settlement: escrow funding not configured")
	}
	hash = normalizeHash(hash)
	if hash == "" {
		return nil, fmt.Errorf("%w: missing hash", chain.ErrInvalidTransfer)
	}

	if rec, err := v.records.GetByHash(ctx, hash); err == nil {
		v.resumeFunding(ctx, txnID, rec)
		verificationsTotal.WithLabelValues(string(PurposeEscrowFunding), "duplicate").Inc()
		return rec, ErrDuplicate
	} else if !errors.Is(err, ErrRecordNotFound) {
		return nil, err
	}
	if seen, err := v.ledger.HasPosting(ctx, hash); err != nil {
		return nil, err
	} else if seen {
		verificationsTotal.WithLabelValues(string(PurposeEscrowFunding), "duplicate").Inc()
		return nil, ErrDuplicate
	}

	intent, err := v.escrow.FundingIntent(ctx, txnID)
	if err != nil {
		return nil, err
	}
	obs, err := v.observe(ctx, hash)
	if err != nil {
		return nil, err
	}

	if !chain.SameAddress(obs.To, intent.EscrowAddress) {
		verificationsTotal.WithLabelValues(string(PurposeEscrowFunding), "rejected").Inc()
		return nil, ErrWrongRecipient
	}
	if !chain.SameAddress(obs.From, intent.Buyer) {
		verificationsTotal.WithLabelValues(string(PurposeEscrowFunding), "rejected").Inc()
		return nil, ErrWrongSender
	}
	if obs.Amount < intent.Expected {
		verificationsTotal.WithLabelValues(string(PurposeEscrowFunding), "rejected").Inc()
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInsufficientAmount, obs.Amount, intent.Expected)
	}

	legs := []ledger.Leg{{Party: intent.Party, Locked: intent.Expected}}
	if excess := obs.Amount - intent.Expected; excess > 0 {
		legs = append(legs, ledger.Leg{Party: intent.Buyer, Available: excess})
	}
	err = v.ledger.Apply(ctx, ledger.Posting{Key: hash, Reason: ledger.ReasonCustody, Legs: legs})
	if errors.Is(err, ledger.ErrDuplicate) {
		verificationsTotal.WithLabelValues(string(PurposeEscrowFunding), "duplicate").Inc()
		return nil, ErrDuplicate
	}
	if err != nil {
		return nil, fmt.Errorf("lock escrow funding %s: %w", hash, err)
	}

	rec := &TransferRecord{
		ID:         idgen.WithPrefix("xfr_"),
		TxHash:     hash,
		Reference:  FundingReference(txnID),
		Attempt:    1,
		Direction:  Inbound,
		Purpose:    PurposeEscrowFunding,
		From:       strings.ToLower(obs.From),
		To:         strings.ToLower(obs.To),
		Amount:     obs.Amount,
		Status:     StatusConfirmed,
		PostingKey: hash,
	}
	v.storeRecord(ctx, rec)

	if err := retry.Network.Do(ctx, "settlement.mark_funded", func() error {
		return v.escrow.MarkFundedOnLedger(ctx, txnID, hash)
	}); err != nil {
		// Funds are locked and the record exists; re-verifying the same
		// hash retries the transition.
		v.logger.Error("escrow funding credited but transaction not marked funded",
			"txnId", txnID, "txHash", hash, "error", err)
		return rec, fmt.Errorf("mark funded: %w", err)
	}

	verificationsTotal.WithLabelValues(string(PurposeEscrowFunding), "credited").Inc()
	v.logger.Info("escrow funded on ledger", "txnId", txnID, "txHash", hash, "amount", obs.Amount)
	return rec, nil
}

// resumeFunding finishes a funding whose transition was lost after the
// ledger posting.
func (v *Verifier) resumeFunding(ctx context.Context, txnID string, rec *TransferRecord) {
	if rec.Purpose != PurposeEscrowFunding || rec.Reference != FundingReference(txnID) {
		return
	}
	if err := v.escrow.MarkFundedOnLedger(ctx, txnID, rec.TxHash); err != nil {
		v.logger.Debug("funding resume skipped", "txnId", txnID, "txHash", rec.TxHash, "error", err)
	}
}

func (v *Verifier) seen(ctx context.Context, hash string) (bool, error) {
	if _, err := v.records.GetByHash(ctx, hash); err == nil {
		return true, nil
	} else if !errors.Is(err, ErrRecordNotFound) {
		return false, err
	}
	return v.ledger.HasPosting(ctx, hash)
}

// observe reads a confirmed transfer from the network log. A transfer that
// exists but is not confirmed yet reports ErrTransferUnconfirmed.
func (v *Verifier) observe(ctx context.Context, hash string) (*chain.ObservedTransfer, error) {
	hash = normalizeHash(hash)
	found, err := v.chain.TransferLog(ctx, chain.LogFilter{Hash: hash})
	if err != nil {
		return nil, fmt.Errorf("read transfer log: %w", err)
	}
	if len(found) > 0 {
		return &found[0], nil
	}

	status, err := v.chain.TransferStatus(ctx, hash)
	if err == nil && status == chain.StatusPending {
		return nil, ErrTransferUnconfirmed
	}
	return nil, fmt.Errorf("%w: %s", chain.ErrNotFound, hash)
}

// storeRecord persists an inbound record after the ledger was credited.
// The posting key already guarantees at-most-once, so a failure here is
// logged rather than returned.
func (v *Verifier) storeRecord(ctx context.Context, rec *TransferRecord) {
	now := time.Now()
	rec.CreatedAt, rec.UpdatedAt = now, now
	err := retry.Store.Do(ctx, "settlement.create_record", func() error {
		err := v.records.Create(ctx, rec)
		if errors.Is(err, ErrDuplicate) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		v.logger.Error("failed to store transfer record", "txHash", rec.TxHash, "purpose", rec.Purpose, "error", err)
	}
}

func normalizeHash(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}
