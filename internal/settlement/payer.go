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
	"github.com/mbd888/escrowd/internal/syncutil"
	"github.com/mbd888/escrowd/internal/traces"
)

// DefaultStaleSubmission is how long a record may sit in StatusSubmitting
// before the payer gives up looking for its broadcast and retries.
const DefaultStaleSubmission = 10 * time.Minute

// PayoutRequest is one logical outbound transfer from custody.
type PayoutRequest struct {
	// Reference identifies the logical payout (e.g. "release:txn_..").
	// Every attempt for the same reference shares it.
	Reference  string
	Purpose    Purpose
	FromParty  string
	FromBucket Bucket
	To         string
	// Amount is what lands on the network.
	Amount int64
	// Fee stays in custody, credited to FeeParty.
	Fee      int64
	FeeParty string
}

// Payer executes outbound transfers with debit-before-send.
type Payer struct {
	chain           chain.Client
	ledger          *ledger.Ledger
	records         RecordStore
	logger          *slog.Logger
	pollInterval    time.Duration
	submitTimeout   time.Duration
	staleSubmission time.Duration
	locks           *syncutil.KeyLock
}

// NewPayer creates a payer.
func NewPayer(c chain.Client, l *ledger.Ledger, records RecordStore, logger *slog.Logger) *Payer {
	return &Payer{
		chain:           c,
		ledger:          l,
		records:         records,
		logger:          logger,
		pollInterval:    chain.DefaultPollInterval,
		submitTimeout:   chain.DefaultSubmitTimeout,
		staleSubmission: DefaultStaleSubmission,
		locks:           syncutil.NewKeyLock(),
	}
}

// WithPollInterval sets how often Await polls the network.
func (p *Payer) WithPollInterval(d time.Duration) *Payer {
	if d > 0 {
		p.pollInterval = d
	}
	return p
}

// WithStaleSubmission sets the give-up age for unrecorded broadcasts.
func (p *Payer) WithStaleSubmission(d time.Duration) *Payer {
	if d > 0 {
		p.staleSubmission = d
	}
	return p
}

// Submit debits the source balance and submits the transfer, returning
// the pending record. If the reference already has a confirmed or pending
// attempt, that record is returned and nothing is submitted.
//
// Attempts for one reference are serialized in process; across processes
// the (reference, attempt) record is the claim. Whoever creates it owns
// the attempt's posting and its broadcast.
func (p *Payer) Submit(ctx context.Context, req PayoutRequest) (_ *TransferRecord, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Submit", traces.Reference(req.Reference), traces.Amount(req.Amount))
	defer func() { traces.End(span, err) }()

	if err := validatePayout(req); err != nil {
		return nil, err
	}

	unlock, err := p.locks.Lock(ctx, "payout:"+req.Reference)
	if err != nil {
		return nil, err
	}
	defer unlock()

	attempt := 1
	prior, err := p.records.LatestByReference(ctx, req.Reference)
	switch {
	case errors.Is(err, ErrRecordNotFound):
	case err != nil:
		return nil, fmt.Errorf("load prior attempt: %w", err)
	default:
		switch prior.Status {
		case StatusConfirmed, StatusPending:
			return prior, nil
		case StatusSubmitting:
			rec, err := p.recoverSubmission(ctx, prior)
			if err != nil || rec.Status != StatusFailed {
				return rec, err
			}
		}
		attempt = prior.Attempt + 1
	}

	head, err := p.chain.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("read network head: %w", err)
	}

	// A duplicate debit is this attempt's posting left by a process that
	// stopped before recording it. It is adopted only if the claim below
	// succeeds.
	postingKey := fmt.Sprintf("payout:%s:%d", req.Reference, attempt)
	applied := true
	if err := p.ledger.Apply(ctx, debitPosting(req, postingKey)); err != nil {
		if !errors.Is(err, ledger.ErrDuplicate) {
			payoutsTotal.WithLabelValues(string(req.Purpose), "rejected").Inc()
			return nil, err
		}
		applied = false
	}

	now := time.Now()
	rec := &TransferRecord{
		ID:         idgen.WithPrefix("xfr_"),
		Reference:  req.Reference,
		Attempt:    attempt,
		Direction:  Outbound,
		Purpose:    req.Purpose,
		From:       p.chain.CustodyAddress(),
		To:         strings.ToLower(req.To),
		Amount:     req.Amount,
		Fee:        req.Fee,
		Status:     StatusSubmitting,
		PostingKey: postingKey,
		StartBlock: head,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := p.records.Create(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return p.claimedElsewhere(ctx, req.Reference)
		}
		if applied {
			p.reverse(ctx, rec)
		}
		return nil, fmt.Errorf("record payout attempt: %w", err)
	}

	hash, err := chain.SubmitDetached(ctx, p.chain, chain.TransferRequest{
		Asset:  p.chain.Asset(),
		From:   p.chain.CustodyAddress(),
		To:     rec.To,
		Amount: rec.Amount,
	}, p.submitTimeout)
	if err != nil {
		return p.submitFailed(ctx, rec, err)
	}

	rec.TxHash = normalizeHash(hash)
	rec.Status = StatusPending
	if err := p.persist(ctx, rec); err != nil {
		// The transfer is out; the submitting record will be matched
		// against the network log on the next attempt.
		p.logger.Error("payout broadcast but hash not recorded",
			"reference", rec.Reference, "txHash", rec.TxHash, "error", err)
		return rec, fmt.Errorf("record payout hash: %w", err)
	}

	payoutsTotal.WithLabelValues(string(req.Purpose), "submitted").Inc()
	p.logger.Info("payout submitted", "reference", rec.Reference, "attempt", rec.Attempt,
		"txHash", rec.TxHash, "to", rec.To, "amount", rec.Amount)
	return rec, nil
}

// claimedElsewhere returns the attempt another submitter recorded first.
func (p *Payer) claimedElsewhere(ctx context.Context, reference string) (*TransferRecord, error) {
	owner, err := p.records.LatestByReference(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("load competing attempt: %w", err)
	}
	p.logger.Info("payout attempt already claimed", "reference", reference, "attempt", owner.Attempt, "status", owner.Status)
	switch owner.Status {
	case StatusConfirmed, StatusPending:
		return owner, nil
	case StatusFailed:
		return owner, finalErr(owner)
	}
	return owner, fmt.Errorf("%w: payout %s is being submitted", ErrTransferUnconfirmed, reference)
}

// submitFailed classifies a broadcast error. Only an error that proves
// nothing was signed reverses the debit; a signed transfer keeps its hash
// and stays pending, anything else stays submitting for recoverSubmission.
func (p *Payer) submitFailed(ctx context.Context, rec *TransferRecord, err error) (*TransferRecord, error) {
	if hash := chain.BroadcastHash(err); hash != "" {
		rec.TxHash = normalizeHash(hash)
		rec.Status = StatusPending
		if perr := p.persist(ctx, rec); perr != nil {
			p.logger.Error("payout signed but hash not recorded",
				"reference", rec.Reference, "txHash", rec.TxHash, "error", perr)
		}
		payoutsTotal.WithLabelValues(string(rec.Purpose), "unknown").Inc()
		p.logger.Warn("payout broadcast returned an error; treating as pending",
			"reference", rec.Reference, "txHash", rec.TxHash, "error", err)
		return rec, fmt.Errorf("%w: %v", ErrTransferUnconfirmed, err)
	}
	if chain.Rejected(err) {
		p.fail(ctx, rec)
		payoutsTotal.WithLabelValues(string(rec.Purpose), "failed").Inc()
		return rec, err
	}
	payoutsTotal.WithLabelValues(string(rec.Purpose), "unknown").Inc()
	return rec, fmt.Errorf("%w: submission outcome unknown: %v", ErrTransferUnconfirmed, err)
}

// Await waits up to timeout for the record's transfer to become final.
// A timeout returns ErrTransferUnconfirmed and leaves the record pending.
func (p *Payer) Await(ctx context.Context, rec *TransferRecord, timeout time.Duration) (*TransferRecord, error) {
	if rec.IsFinal() {
		return rec, finalErr(rec)
	}
	if rec.TxHash == "" {
		return rec, ErrTransferUnconfirmed
	}

	start := time.Now()
	status, err := chain.WaitConfirmed(ctx, p.chain, rec.TxHash, timeout, p.pollInterval)
	confirmWait.Observe(time.Since(start).Seconds())
	if errors.Is(err, chain.ErrUnconfirmed) {
		return rec, fmt.Errorf("%w: %s", ErrTransferUnconfirmed, rec.TxHash)
	}
	return p.apply(ctx, rec, status)
}

// Poll checks the record's transfer status once without waiting.
func (p *Payer) Poll(ctx context.Context, rec *TransferRecord) (*TransferRecord, error) {
	if rec.IsFinal() {
		return rec, finalErr(rec)
	}
	if rec.Status == StatusSubmitting {
		unlock, err := p.locks.Lock(ctx, "payout:"+rec.Reference)
		if err != nil {
			return rec, err
		}
		recovered, err := p.recoverSubmission(ctx, rec)
		unlock()
		if err != nil {
			return recovered, err
		}
		rec = recovered
		if rec.IsFinal() {
			return rec, finalErr(rec)
		}
	}

	status, err := p.chain.TransferStatus(ctx, rec.TxHash)
	if err != nil {
		return rec, fmt.Errorf("transfer status %s: %w", rec.TxHash, err)
	}
	if status == chain.StatusPending {
		return rec, fmt.Errorf("%w: %s", ErrTransferUnconfirmed, rec.TxHash)
	}
	return p.apply(ctx, rec, status)
}

// Lookup returns the record for a submitted transfer hash.
func (p *Payer) Lookup(ctx context.Context, hash string) (*TransferRecord, error) {
	return p.records.GetByHash(ctx, normalizeHash(hash))
}

// VerifyOnNetwork checks that a confirmed record matches the network:
// the transfer is confirmed and its log entry pays the recorded
// recipient the recorded amount.
func (p *Payer) VerifyOnNetwork(ctx context.Context, rec *TransferRecord) error {
	if rec.Status != StatusConfirmed || rec.TxHash == "" {
		return fmt.Errorf("%w: record %s is %s", ErrRecordMismatch, rec.Reference, rec.Status)
	}
	status, err := p.chain.TransferStatus(ctx, rec.TxHash)
	if err != nil {
		return fmt.Errorf("transfer status %s: %w", rec.TxHash, err)
	}
	if status != chain.StatusConfirmed {
		return fmt.Errorf("%w: network reports %s for %s", ErrRecordMismatch, status, rec.TxHash)
	}
	found, err := p.chain.TransferLog(ctx, chain.LogFilter{Hash: rec.TxHash})
	if err != nil {
		return fmt.Errorf("search transfer log: %w", err)
	}
	for _, obs := range found {
		if chain.SameAddress(obs.To, rec.To) && obs.Amount == rec.Amount {
			return nil
		}
	}
	return fmt.Errorf("%w: no log entry paying %d to %s in %s", ErrRecordMismatch, rec.Amount, rec.To, rec.TxHash)
}

// Latest returns the latest attempt for a payout reference.
func (p *Payer) Latest(ctx context.Context, reference string) (*TransferRecord, error) {
	return p.records.LatestByReference(ctx, reference)
}

// WithdrawRequest pays a party's available balance to an external address.
type WithdrawRequest struct {
	Party  string
	To     string
	Amount int64
	// IdempotencyKey makes retried requests resolve to the same payout.
	IdempotencyKey string
}

// Withdraw submits a withdrawal and waits up to timeout for it to confirm.
func (p *Payer) Withdraw(ctx context.Context, req WithdrawRequest, timeout time.Duration) (*TransferRecord, error) {
	key := req.IdempotencyKey
	if key == "" {
		key = idgen.WithPrefix("wd_")
	}
	rec, err := p.Submit(ctx, PayoutRequest{
		Reference:  "withdraw:" + strings.ToLower(req.Party) + ":" + key,
		Purpose:    PurposeWithdrawal,
		FromParty:  req.Party,
		FromBucket: BucketAvailable,
		To:         req.To,
		Amount:     req.Amount,
	})
	if err != nil {
		return rec, err
	}
	return p.Await(ctx, rec, timeout)
}

func (p *Payer) apply(ctx context.Context, rec *TransferRecord, status chain.Status) (*TransferRecord, error) {
	switch status {
	case chain.StatusConfirmed:
		rec.Status = StatusConfirmed
		if err := p.persist(ctx, rec); err != nil {
			return rec, fmt.Errorf("record confirmation: %w", err)
		}
		payoutsTotal.WithLabelValues(string(rec.Purpose), "confirmed").Inc()
		return rec, nil
	case chain.StatusFailed:
		p.fail(ctx, rec)
		payoutsTotal.WithLabelValues(string(rec.Purpose), "failed").Inc()
		return rec, &chain.TransferError{Op: "confirm", Hash: rec.TxHash, Err: chain.ErrTransferFailed}
	}
	return rec, fmt.Errorf("%w: %s", ErrTransferUnconfirmed, rec.TxHash)
}

// recoverSubmission resolves a record that was claimed but never got a
// hash: the network log from the record's start block is searched for a
// matching transfer. Without a match the attempt is abandoned once it is
// older than the stale threshold and the custody account has nothing in
// flight; otherwise it is left for a later pass or an operator.
func (p *Payer) recoverSubmission(ctx context.Context, rec *TransferRecord) (*TransferRecord, error) {
	// Read in-flight count before the log so a transfer mined in between
	// is seen by one of them.
	inFlight, err := p.chain.PendingOutbound(ctx)
	if err != nil {
		return rec, fmt.Errorf("count in-flight transfers: %w", err)
	}
	found, err := p.chain.TransferLog(ctx, chain.LogFilter{From: rec.From, To: rec.To, FromBlock: rec.StartBlock})
	if err != nil {
		return rec, fmt.Errorf("search transfer log: %w", err)
	}
	for _, obs := range found {
		if obs.Amount != rec.Amount {
			continue
		}
		hash := normalizeHash(obs.Hash)
		if _, err := p.records.GetByHash(ctx, hash); err == nil {
			continue
		}
		rec.TxHash = hash
		rec.Status = StatusConfirmed
		if err := p.persist(ctx, rec); err != nil {
			return rec, err
		}
		p.logger.Warn("recovered unrecorded payout from network log",
			"reference", rec.Reference, "txHash", hash)
		return rec, nil
	}

	if time.Since(rec.CreatedAt) < p.staleSubmission {
		return rec, fmt.Errorf("%w: submission of %s not yet visible", ErrTransferUnconfirmed, rec.Reference)
	}
	if inFlight > 0 {
		p.logger.Warn("stale payout submission left open while custody transfers are in flight",
			"reference", rec.Reference, "attempt", rec.Attempt, "inFlight", inFlight)
		return rec, fmt.Errorf("%w: %d custody transfers in flight", ErrTransferUnconfirmed, inFlight)
	}
	p.logger.Warn("abandoning stale payout submission", "reference", rec.Reference, "attempt", rec.Attempt)
	p.fail(ctx, rec)
	return rec, nil
}

// fail marks the attempt failed and reverses its debit so the payout
// can be retried.
func (p *Payer) fail(ctx context.Context, rec *TransferRecord) {
	rec.Status = StatusFailed
	if err := p.persist(ctx, rec); err != nil {
		p.logger.Error("failed to mark payout failed", "reference", rec.Reference, "error", err)
	}
	p.reverse(ctx, rec)
}

func (p *Payer) reverse(ctx context.Context, rec *TransferRecord) {
	err := p.ledger.Reverse(ctx, rec.PostingKey)
	if err != nil && !errors.Is(err, ledger.ErrDuplicate) && !errors.Is(err, ledger.ErrPostingNotFound) {
		p.logger.Error("failed to reverse payout debit",
			"reference", rec.Reference, "postingKey", rec.PostingKey, "error", err)
	}
}

func (p *Payer) persist(ctx context.Context, rec *TransferRecord) error {
	rec.UpdatedAt = time.Now()
	return retry.Store.Do(ctx, "settlement.update_record", func() error {
		return p.records.Update(ctx, rec)
	})
}

func debitPosting(req PayoutRequest, key string) ledger.Posting {
	gross := req.Amount + req.Fee
	from := ledger.Leg{Party: req.FromParty, Available: -gross}
	if req.FromBucket == BucketLocked {
		from = ledger.Leg{Party: req.FromParty, Locked: -gross}
	}
	legs := []ledger.Leg{from}
	if req.Fee > 0 {
		legs = append(legs, ledger.Leg{Party: req.FeeParty, Available: req.Fee})
	}
	return ledger.Posting{Key: key, Reason: ledger.ReasonPayout, Legs: legs}
}

func validatePayout(req PayoutRequest) error {
	switch {
	case req.Reference == "":
		return fmt.Errorf("%w: reference required", ErrInvalidRequest)
	case req.FromParty == "" || req.To == "":
		return fmt.Errorf("%w: source and destination required", ErrInvalidRequest)
	case req.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	case req.Fee < 0:
		return fmt.Errorf("%w: fee must not be negative", ErrInvalidRequest)
	case req.Fee > 0 && req.FeeParty == "":
		return fmt.Errorf("%w: fee party required", ErrInvalidRequest)
	case req.FromBucket != BucketAvailable && req.FromBucket != BucketLocked:
		return fmt.Errorf("%w: unknown bucket %q", ErrInvalidRequest, req.FromBucket)
	}
	return nil
}

func finalErr(rec *TransferRecord) error {
	if rec.Status == StatusFailed {
		return &chain.TransferError{Op: "confirm", Hash: rec.TxHash, Err: chain.ErrTransferFailed}
	}
	return nil
}
