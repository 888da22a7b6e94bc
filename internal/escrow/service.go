package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/escrowd/internal/chain"
	"github.com/mbd888/escrowd/internal/fees"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/pagination"
	"github.com/mbd888/escrowd/internal/retry"
	"github.com/mbd888/escrowd/internal/settlement"
	"github.com/mbd888/escrowd/internal/syncutil"
	"github.com/mbd888/escrowd/internal/traces"
)

// Payouts submits and tracks outbound network transfers.
type Payouts interface {
	Submit(ctx context.Context, req settlement.PayoutRequest) (*settlement.TransferRecord, error)
	Await(ctx context.Context, rec *settlement.TransferRecord, timeout time.Duration) (*settlement.TransferRecord, error)
	Poll(ctx context.Context, rec *settlement.TransferRecord) (*settlement.TransferRecord, error)
	Lookup(ctx context.Context, hash string) (*settlement.TransferRecord, error)
	VerifyOnNetwork(ctx context.Context, rec *settlement.TransferRecord) error
}

// EventSink receives transaction transitions for streaming.
type EventSink interface {
	Emit(kind string, parties []string, data map[string]interface{})
}

// Service implements the transaction state machine.
type Service struct {
	store          Store
	ledger         *ledger.Ledger
	payouts        Payouts
	policy         fees.Policy
	custody        string
	locks          *syncutil.KeyLock
	events         EventSink
	logger         *slog.Logger
	confirmTimeout time.Duration
	now            func() time.Time
}

// NewService creates a new transaction service. custody is the network
// address on-ledger fundings must be sent to.
func NewService(store Store, l *ledger.Ledger, payouts Payouts, custody string, logger *slog.Logger) *Service {
	return &Service{
		store:          store,
		ledger:         l,
		payouts:        payouts,
		policy:         fees.None(),
		custody:        strings.ToLower(custody),
		locks:          syncutil.NewKeyLock(),
		logger:         logger,
		confirmTimeout: chain.DefaultConfirmTimeout,
		now:            time.Now,
	}
}

// WithFeePolicy sets the fee policy frozen onto new transactions.
func (s *Service) WithFeePolicy(p fees.Policy) *Service {
	s.policy = p
	return s
}

// WithEvents adds a sink for transition events.
func (s *Service) WithEvents(e EventSink) *Service {
	s.events = e
	return s
}

// WithConfirmTimeout bounds how long a payout waits for confirmation.
func (s *Service) WithConfirmTimeout(d time.Duration) *Service {
	if d > 0 {
		s.confirmTimeout = d
	}
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Now returns the service clock's current time.
func (s *Service) Now() time.Time { return s.now() }

// lock serializes transitions of one transaction.
func (s *Service) lock(ctx context.Context, id string) (func(), error) {
	return s.locks.Lock(ctx, "txn:"+id)
}

// Create records a new transaction in CREATED with its fee frozen.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Transaction, error) {
	buyer := strings.ToLower(strings.TrimSpace(cmd.Buyer))
	seller := strings.ToLower(strings.TrimSpace(cmd.Seller))
	if buyer == "" || seller == "" {
		return nil, fmt.Errorf("%w: buyer and seller required", ErrInvalidCommand)
	}
	if buyer == seller {
		return nil, ErrSameParty
	}
	if cmd.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	source := cmd.FundingSource
	if source == "" {
		source = FundingPlatformBalance
	}
	if source != FundingPlatformBalance && source != FundingOnLedger {
		return nil, fmt.Errorf("%w: unknown funding source %q", ErrInvalidCommand, source)
	}

	quote, err := s.policy.Compute(cmd.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	now := s.now()
	deadline := cmd.Deadline
	if deadline.IsZero() {
		d := cmd.DeadlineIn
		if d <= 0 {
			d = DefaultDeadline
		}
		deadline = now.Add(d)
	}
	if !deadline.After(now) {
		return nil, fmt.Errorf("%w: deadline must be in the future", ErrInvalidCommand)
	}

	window := cmd.DisputeWindowHours
	if window <= 0 {
		window = DefaultDisputeWindowHours
	}
	version := cmd.ContractVersion
	if version <= 0 {
		version = DefaultContractVersion
	}
	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		currency = DefaultCurrency
	}

	txn := &Transaction{
		ID:                 idgen.WithPrefix("txn_"),
		Buyer:              buyer,
		Seller:             seller,
		ListingRef:         strings.TrimSpace(cmd.ListingRef),
		Amount:             cmd.Amount,
		Currency:           currency,
		State:              StateCreated,
		ContractVersion:    version,
		Deadline:           deadline,
		DisputeWindowHours: window,
		FundingSource:      source,
		FeeAmount:          quote.Amount,
		FeeSide:            quote.Side,
		FeeParty:           quote.Party,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if source == FundingOnLedger {
		txn.EscrowAddress = s.custody
	}

	if err := s.store.Create(ctx, txn); err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}
	s.emit(txn, "created")
	return txn, nil
}

// FundFromBalance moves the buyer's available funds into locked and marks
// the transaction FUNDED.
func (s *Service) FundFromBalance(ctx context.Context, id, caller string) (*Transaction, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(caller, txn.Buyer) {
		return nil, ErrUnauthorized
	}
	if txn.State != StateCreated || txn.FundingSource != FundingPlatformBalance {
		return nil, fmt.Errorf("%w: cannot fund from balance in state %s (%s)", ErrInvalidTransition, txn.State, txn.FundingSource)
	}
	if !s.now().Before(txn.Deadline) {
		return nil, fmt.Errorf("%w: deadline has passed", ErrInvalidTransition)
	}

	key := "fund:" + txn.ID
	if err := s.ledger.Lock(ctx, txn.Buyer, txn.Locked(), key); err != nil && !errors.Is(err, ledger.ErrDuplicate) {
		return nil, err
	}

	now := s.now()
	txn.State = StateFunded
	txn.FundedAt = &now
	txn.FundingTxHash = key
	txn.UpdatedAt = now
	if err := s.persist(ctx, txn); err != nil {
		// The lock posting stands; funding again re-applies nothing and
		// retries this update.
		return nil, fmt.Errorf("record funding: %w", err)
	}

	transitionsTotal.WithLabelValues("funded").Inc()
	s.emit(txn, "funded")
	return txn, nil
}

// FundingIntent describes the transfer that funds txnID on the network.
func (s *Service) FundingIntent(ctx context.Context, txnID string) (*settlement.FundingIntent, error) {
	txn, err := s.store.Get(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if txn.FundingSource != FundingOnLedger {
		return nil, fmt.Errorf("%w: transaction is funded from platform balance", ErrInvalidTransition)
	}
	if txn.State != StateCreated {
		return nil, fmt.Errorf("%w: transaction already %s", ErrInvalidTransition, txn.State)
	}
	return &settlement.FundingIntent{
		TxnID:         txn.ID,
		Buyer:         txn.Buyer,
		EscrowAddress: txn.EscrowAddress,
		Expected:      txn.Locked(),
		Party:         txn.EscrowParty(),
	}, nil
}

// MarkFundedOnLedger records a verified on-ledger funding. Only the
// settlement verifier calls this. Repeating it with the same hash is a
// no-op.
func (s *Service) MarkFundedOnLedger(ctx context.Context, id, txHash string) error {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if txn.FundingTxHash != "" && strings.EqualFold(txn.FundingTxHash, txHash) {
		return nil
	}
	if txn.State != StateCreated || txn.FundingSource != FundingOnLedger {
		return fmt.Errorf("%w: cannot mark funded in state %s", ErrInvalidTransition, txn.State)
	}

	now := s.now()
	txn.State = StateFunded
	txn.FundedAt = &now
	txn.FundingTxHash = strings.ToLower(txHash)
	txn.UpdatedAt = now
	if err := s.persist(ctx, txn); err != nil {
		return err
	}

	transitionsTotal.WithLabelValues("funded").Inc()
	s.emit(txn, "funded")
	return nil
}

// MarkDelivered records the seller's delivery and starts the dispute window.
func (s *Service) MarkDelivered(ctx context.Context, id, caller, deliverableRef string) (*Transaction, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(caller, txn.Seller) {
		return nil, ErrUnauthorized
	}
	if txn.State != StateFunded {
		return nil, fmt.Errorf("%w: cannot deliver in state %s", ErrInvalidTransition, txn.State)
	}
	if txn.RefundTxHash != "" {
		return nil, ErrPayoutInFlight
	}
	now := s.now()
	if now.After(txn.Deadline) {
		return nil, fmt.Errorf("%w: delivery deadline has passed", ErrInvalidTransition)
	}

	txn.State = StateDelivered
	txn.DeliveredAt = &now
	txn.DeliverableRef = strings.TrimSpace(deliverableRef)
	txn.DeliveryRef = idgen.WithPrefix("dlv_")
	txn.UpdatedAt = now
	if err := s.persist(ctx, txn); err != nil {
		return nil, err
	}

	transitionsTotal.WithLabelValues("delivered").Inc()
	s.emit(txn, "delivered")
	return txn, nil
}

// FileDispute flags a delivered transaction as disputed while the window
// is open, freezing autonomous release.
func (s *Service) FileDispute(ctx context.Context, id, caller, reason string, evidence []EvidenceEntry) (*Transaction, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(caller, txn.Buyer) {
		return nil, ErrUnauthorized
	}
	if txn.State != StateDelivered {
		return nil, fmt.Errorf("%w: cannot dispute in state %s", ErrInvalidTransition, txn.State)
	}
	if txn.Disputed {
		return nil, ErrAlreadyDisputed
	}
	now := s.now()
	if now.After(txn.DisputeWindowEnds()) {
		return nil, ErrDisputeWindowClosed
	}
	if txn.ReleaseTxHash != "" {
		return nil, ErrPayoutInFlight
	}
	if len(evidence) > MaxEvidenceEntries {
		return nil, fmt.Errorf("%w: too many evidence entries", ErrInvalidCommand)
	}

	txn.Disputed = true
	txn.DisputeReason = strings.TrimSpace(reason)
	txn.DisputedAt = &now
	txn.DisputeRef = idgen.WithPrefix("dsp_")
	for _, e := range evidence {
		txn.Evidence = append(txn.Evidence, normalizeEvidence(e, txn.Buyer, now))
	}
	txn.UpdatedAt = now
	if err := s.persist(ctx, txn); err != nil {
		return nil, err
	}

	transitionsTotal.WithLabelValues("disputed").Inc()
	s.emit(txn, "disputed")
	return txn, nil
}

// SubmitEvidence appends evidence from either party to an open dispute.
func (s *Service) SubmitEvidence(ctx context.Context, id, caller string, entry EvidenceEntry) (*Transaction, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(caller, txn.Buyer) && !strings.EqualFold(caller, txn.Seller) {
		return nil, ErrUnauthorized
	}
	if !txn.Disputed || txn.IsTerminal() {
		return nil, ErrNotDisputed
	}
	if len(txn.Evidence) >= MaxEvidenceEntries {
		return nil, fmt.Errorf("%w: evidence limit reached", ErrInvalidCommand)
	}
	if strings.TrimSpace(entry.Content) == "" {
		return nil, fmt.Errorf("%w: evidence content required", ErrInvalidCommand)
	}

	now := s.now()
	txn.Evidence = append(txn.Evidence, normalizeEvidence(entry, strings.ToLower(caller), now))
	txn.UpdatedAt = now
	if err := s.persist(ctx, txn); err != nil {
		return nil, err
	}
	s.emit(txn, "evidence")
	return txn, nil
}

// ResolveDispute records the operator's outcome and settles accordingly.
func (s *Service) ResolveDispute(ctx context.Context, id string, resolution Resolution) (_ *Outcome, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ResolveDispute", traces.TxnID(id))
	defer func() { traces.End(span, err) }()

	if resolution != ResolveRelease && resolution != ResolveRefund {
		return nil, fmt.Errorf("%w: resolution must be release or refund", ErrInvalidCommand)
	}

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
		return &Outcome{Transaction: txn, NoOp: true}, nil
	}
	if !txn.Disputed || txn.State != StateDelivered {
		unlock()
		return nil, ErrNotDisputed
	}
	if txn.DisputeResolution != "" && txn.DisputeResolution != resolution {
		unlock()
		return nil, fmt.Errorf("%w: dispute already resolved as %s", ErrInvalidTransition, txn.DisputeResolution)
	}
	if txn.DisputeResolution == "" {
		txn.DisputeResolution = resolution
		txn.UpdatedAt = s.now()
		if err := s.persist(ctx, txn); err != nil {
			unlock()
			return nil, err
		}
	}
	unlock()

	kind := PayoutRelease
	if resolution == ResolveRefund {
		kind = PayoutRefund
	}
	return s.settle(ctx, id, kind, TriggerResolution)
}

// Get returns a transaction by ID.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns one newest-first page of transactions where party is
// buyer or seller, and the cursor for the next page ("" on the last page).
func (s *Service) ListByParty(ctx context.Context, party, cursor string, limit int) ([]*Transaction, string, error) {
	if limit <= 0 {
		limit = 50
	}
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	txns, err := s.store.ListByParty(ctx, strings.ToLower(party), before, limit+1)
	if err != nil {
		return nil, "", err
	}
	page, next := pagination.Trim(txns, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return page, next, nil
}

// PendingCounts returns how many transactions await release and refund.
func (s *Service) PendingCounts(ctx context.Context) (release, refund int, err error) {
	return s.store.CountPending(ctx, s.now())
}

// persist writes txn, retrying transient store failures.
func (s *Service) persist(ctx context.Context, txn *Transaction) error {
	return retry.Store.Do(ctx, "escrow.persist", func() error {
		err := s.store.Update(ctx, txn)
		if errors.Is(err, ErrNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (s *Service) emit(txn *Transaction, transition string) {
	if s.events == nil {
		return
	}
	s.events.Emit("transaction", []string{txn.Buyer, txn.Seller}, map[string]interface{}{
		"id":         txn.ID,
		"transition": transition,
		"state":      string(txn.State),
		"disputed":   txn.Disputed,
		"buyer":      txn.Buyer,
		"seller":     txn.Seller,
		"amount":     txn.Amount,
	})
}

func normalizeEvidence(e EvidenceEntry, submitter string, now time.Time) EvidenceEntry {
	content := strings.TrimSpace(e.Content)
	if len(content) > MaxEvidenceLength {
		content = content[:MaxEvidenceLength]
	}
	typ := strings.TrimSpace(e.Type)
	if typ == "" {
		typ = "text"
	}
	return EvidenceEntry{Submitter: submitter, Type: typ, Content: content, Timestamp: now}
}
