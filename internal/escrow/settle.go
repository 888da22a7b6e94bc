package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/escrowd/internal/chain"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/settlement"
	"github.com/mbd888/escrowd/internal/traces"
	"go.opentelemetry.io/otel/attribute"
)

// Release pays the seller. On a terminal transaction it is a no-op that
// returns the unchanged transaction.
func (s *Service) Release(ctx context.Context, id string, trigger Trigger) (*Outcome, error) {
	return s.settle(ctx, id, PayoutRelease, trigger)
}

// Refund returns the escrowed funds to the buyer. On a terminal
// transaction it is a no-op that returns the unchanged transaction.
func (s *Service) Refund(ctx context.Context, id string, trigger Trigger) (*Outcome, error) {
	return s.settle(ctx, id, PayoutRefund, trigger)
}

func (s *Service) settle(ctx context.Context, id string, kind PayoutKind, trigger Trigger) (_ *Outcome, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.settle",
		traces.TxnID(id), attribute.String("payout.kind", string(kind)), attribute.String("trigger", string(trigger)))
	defer func() { traces.End(span, err) }()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	txn, err := s.store.Get(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	if txn.IsTerminal() {
		unlock()
		noOpsTotal.Inc()
		return &Outcome{Transaction: txn, NoOp: true}, nil
	}
	if err := s.checkEligible(txn, kind, trigger); err != nil {
		unlock()
		return nil, err
	}
	if txn.PayoutHash(opposite(kind)) != "" {
		unlock()
		return nil, ErrPayoutInFlight
	}

	if txn.FundingSource == FundingPlatformBalance {
		defer unlock()
		return s.settleOnBalance(ctx, txn, kind)
	}

	rec, err := s.submitPayout(ctx, txn, kind)
	unlock()
	if err != nil {
		return &Outcome{Transaction: txn}, err
	}

	// Wait without holding the lock; the hash is already recorded.
	rec, waitErr := s.payouts.Await(ctx, rec, s.confirmTimeout)

	unlock, err = s.lock(context.WithoutCancel(ctx), id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	txn, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.IsTerminal() {
		return &Outcome{Transaction: txn, NoOp: true}, nil
	}
	return s.applyPayoutResult(ctx, txn, kind, rec, waitErr)
}

func (s *Service) checkEligible(txn *Transaction, kind PayoutKind, trigger Trigger) error {
	now := s.now()
	switch trigger {
	case TriggerAuto:
		if kind == PayoutRelease && txn.ReleaseEligible(now) {
			return nil
		}
		if kind == PayoutRefund && txn.RefundEligible(now) {
			return nil
		}
	case TriggerResolution:
		want := ResolveRelease
		if kind == PayoutRefund {
			want = ResolveRefund
		}
		if txn.State == StateDelivered && txn.Disputed && txn.DisputeResolution == want {
			return nil
		}
	}
	return fmt.Errorf("%w: %s by %s in state %s (disputed=%t)", ErrNotEligible, kind, trigger, txn.State, txn.Disputed)
}

// settleOnBalance settles a platform-balance escrow with one ledger
// posting. A duplicate posting means an earlier attempt already moved
// the funds, so only the state update remains.
func (s *Service) settleOnBalance(ctx context.Context, txn *Transaction, kind PayoutKind) (*Outcome, error) {
	key := string(kind) + ":" + txn.ID
	locked := txn.Locked()

	var legs []ledger.Leg
	if kind == PayoutRelease {
		legs = []ledger.Leg{
			{Party: txn.Buyer, Locked: -locked},
			{Party: txn.Seller, Available: txn.Quote().SellerNet(txn.Amount)},
		}
		if txn.FeeAmount > 0 {
			legs = append(legs, ledger.Leg{Party: txn.FeeParty, Available: txn.FeeAmount})
		}
	} else {
		legs = []ledger.Leg{{Party: txn.Buyer, Locked: -locked, Available: locked}}
	}

	reason := ledger.ReasonSettle
	err := s.ledger.Apply(ctx, ledger.Posting{Key: key, Reason: reason, Legs: legs})
	if err != nil && !errors.Is(err, ledger.ErrDuplicate) {
		return nil, fmt.Errorf("%s posting: %w", kind, err)
	}

	if err := s.finalize(ctx, txn, kind, key); err != nil {
		return nil, err
	}
	return &Outcome{Transaction: txn}, nil
}

// submitPayout submits the network payout for kind, or picks up the one
// already recorded, and writes its hash to the transaction before any
// confirmation wait. Caller holds the lock.
func (s *Service) submitPayout(ctx context.Context, txn *Transaction, kind PayoutKind) (*settlement.TransferRecord, error) {
	if hash := txn.PayoutHash(kind); hash != "" {
		return s.payouts.Lookup(ctx, hash)
	}

	rec, err := s.payouts.Submit(ctx, s.payoutRequest(txn, kind))
	if rec != nil && rec.TxHash != "" && rec.Status != settlement.StatusFailed {
		txn.setPayoutHash(kind, rec.TxHash)
		txn.UpdatedAt = s.now()
		if perr := s.persist(ctx, txn); perr != nil {
			// Resubmitting the same reference returns this record, so
			// nothing is paid twice; the hash is recorded on the next run.
			s.logger.Error("payout submitted but hash not recorded on transaction",
				"txnId", txn.ID, "kind", kind, "txHash", rec.TxHash, "error", perr)
		}
	}
	if err != nil {
		return rec, err
	}
	return rec, nil
}

func (s *Service) payoutRequest(txn *Transaction, kind PayoutKind) settlement.PayoutRequest {
	req := settlement.PayoutRequest{
		Reference:  string(kind) + ":" + txn.ID,
		FromParty:  txn.EscrowParty(),
		FromBucket: settlement.BucketLocked,
	}
	if kind == PayoutRelease {
		net := txn.Quote().SellerNet(txn.Amount)
		req.Purpose = settlement.PurposeRelease
		req.To = txn.Seller
		req.Amount = net
		req.Fee = txn.Locked() - net
		req.FeeParty = txn.FeeParty
	} else {
		req.Purpose = settlement.PurposeRefund
		req.To = txn.Buyer
		req.Amount = txn.Locked()
	}
	return req
}

// applyPayoutResult moves txn according to its payout's status. Caller
// holds the lock.
func (s *Service) applyPayoutResult(ctx context.Context, txn *Transaction, kind PayoutKind, rec *settlement.TransferRecord, payErr error) (*Outcome, error) {
	switch {
	case payErr == nil && rec != nil && rec.Status == settlement.StatusConfirmed:
		if err := s.finalize(ctx, txn, kind, rec.TxHash); err != nil {
			return nil, err
		}
		return &Outcome{Transaction: txn}, nil

	case errors.Is(payErr, chain.ErrTransferFailed) || (rec != nil && rec.Status == settlement.StatusFailed):
		// The debit was reversed; clear the hash so the next run retries.
		if rec != nil && txn.PayoutHash(kind) == rec.TxHash {
			txn.setPayoutHash(kind, "")
			txn.UpdatedAt = s.now()
			if err := s.persist(ctx, txn); err != nil {
				return nil, err
			}
		}
		s.logger.Warn("payout failed, will retry", "txnId", txn.ID, "kind", kind)
		if payErr == nil {
			payErr = chain.ErrTransferFailed
		}
		return &Outcome{Transaction: txn}, payErr

	case errors.Is(payErr, settlement.ErrTransferUnconfirmed):
		s.logger.Info("payout unconfirmed, left for the next run", "txnId", txn.ID, "kind", kind)
		return &Outcome{Transaction: txn}, payErr
	}

	if payErr == nil {
		payErr = settlement.ErrTransferUnconfirmed
	}
	return &Outcome{Transaction: txn}, payErr
}

// finalize records the terminal outcome. CompletedAt is written once.
func (s *Service) finalize(ctx context.Context, txn *Transaction, kind PayoutKind, ref string) error {
	now := s.now()
	if kind == PayoutRelease {
		txn.State = StateReleased
	} else {
		txn.State = StateRefunded
	}
	txn.setPayoutHash(kind, ref)
	if txn.CompletedAt == nil {
		txn.CompletedAt = &now
	}
	txn.UpdatedAt = now

	if err := s.persist(ctx, txn); err != nil {
		// Funds moved but the record is stale; Reconcile repairs it from
		// the posting or the transfer record.
		s.logger.Error("CRITICAL: funds settled but transaction update failed",
			"txnId", txn.ID, "kind", kind, "ref", ref, "error", err)
		return fmt.Errorf("record %s (requires reconciliation): %w", kind, err)
	}

	transition := string(kind) + "d"
	transitionsTotal.WithLabelValues(transition).Inc()
	s.emit(txn, transition)
	return nil
}

// ResumePayout checks a payout already in flight once, without waiting,
// and finalizes or resets the transaction accordingly.
func (s *Service) ResumePayout(ctx context.Context, id string) (*Outcome, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.IsTerminal() {
		return &Outcome{Transaction: txn, NoOp: true}, nil
	}
	return s.resumeLocked(ctx, txn)
}

func (s *Service) resumeLocked(ctx context.Context, txn *Transaction) (*Outcome, error) {
	kind := PayoutRelease
	if txn.ReleaseTxHash == "" {
		kind = PayoutRefund
	}
	hash := txn.PayoutHash(kind)
	if hash == "" {
		return nil, fmt.Errorf("%w: no payout in flight", ErrNotEligible)
	}

	rec, err := s.payouts.Lookup(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("lookup payout %s: %w", hash, err)
	}
	rec, err = s.payouts.Poll(ctx, rec)
	return s.applyPayoutResult(ctx, txn, kind, rec, err)
}

// Reconcile confirms a terminal transaction against the ledger and the
// settlement network and marks it RECONCILED. Reconciling twice is a
// no-op. A pre-terminal transaction whose payout already settled is
// finalized first.
func (s *Service) Reconcile(ctx context.Context, id string) (_ *Outcome, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Reconcile", traces.TxnID(id))
	defer func() { traces.End(span, err) }()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch txn.State {
	case StateReconciled:
		noOpsTotal.Inc()
		return &Outcome{Transaction: txn, NoOp: true}, nil
	case StateReleased, StateRefunded:
	default:
		if err := s.repairDrift(ctx, txn); err != nil {
			return nil, err
		}
	}

	if err := s.verifyOutcome(ctx, txn); err != nil {
		reconcileMismatches.Inc()
		s.logger.Error("reconciliation mismatch", "txnId", txn.ID, "state", txn.State, "error", err)
		return nil, err
	}

	now := s.now()
	txn.State = StateReconciled
	txn.ReconciledAt = &now
	txn.UpdatedAt = now
	if err := s.persist(ctx, txn); err != nil {
		return nil, err
	}
	transitionsTotal.WithLabelValues("reconciled").Inc()
	s.emit(txn, "reconciled")
	return &Outcome{Transaction: txn}, nil
}

// repairDrift finalizes a transaction whose funds already moved but whose
// state update was lost.
func (s *Service) repairDrift(ctx context.Context, txn *Transaction) error {
	if txn.FundingSource == FundingPlatformBalance {
		for _, kind := range []PayoutKind{PayoutRelease, PayoutRefund} {
			key := string(kind) + ":" + txn.ID
			applied, err := s.ledger.HasPosting(ctx, key)
			if err != nil {
				return err
			}
			if applied {
				driftRepairsTotal.Inc()
				return s.finalize(ctx, txn, kind, key)
			}
		}
		return fmt.Errorf("%w: nothing settled for state %s", ErrInvalidTransition, txn.State)
	}

	if txn.ReleaseTxHash == "" && txn.RefundTxHash == "" {
		return fmt.Errorf("%w: nothing settled for state %s", ErrInvalidTransition, txn.State)
	}
	out, err := s.resumeLocked(ctx, txn)
	if err != nil {
		return err
	}
	if !out.Transaction.IsTerminal() {
		return settlement.ErrTransferUnconfirmed
	}
	driftRepairsTotal.Inc()
	return nil
}

// verifyOutcome checks the recorded terminal reference. Platform-balance
// outcomes must exist as ledger postings; network outcomes must be
// confirmed transfers matching their record.
func (s *Service) verifyOutcome(ctx context.Context, txn *Transaction) error {
	kind := PayoutRelease
	if txn.State == StateRefunded {
		kind = PayoutRefund
	}
	ref := txn.PayoutHash(kind)
	if ref == "" {
		return fmt.Errorf("%w: no %s reference recorded", ErrReconcileMismatch, kind)
	}

	if txn.FundingSource == FundingPlatformBalance {
		applied, err := s.ledger.HasPosting(ctx, ref)
		if err != nil {
			return err
		}
		if !applied {
			return fmt.Errorf("%w: posting %s missing", ErrReconcileMismatch, ref)
		}
		return nil
	}

	rec, err := s.payouts.Lookup(ctx, ref)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReconcileMismatch, err)
	}
	if rec.Reference != string(kind)+":"+txn.ID {
		return fmt.Errorf("%w: transfer %s belongs to %s", ErrReconcileMismatch, ref, rec.Reference)
	}
	if rec.Status != settlement.StatusConfirmed {
		return fmt.Errorf("%w: transfer %s is %s", ErrReconcileMismatch, ref, rec.Status)
	}
	if err := s.payouts.VerifyOnNetwork(ctx, rec); err != nil {
		return fmt.Errorf("%w: %v", ErrReconcileMismatch, err)
	}
	return nil
}

func opposite(kind PayoutKind) PayoutKind {
	if kind == PayoutRelease {
		return PayoutRefund
	}
	return PayoutRelease
}
