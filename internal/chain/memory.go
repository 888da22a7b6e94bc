package chain

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/idgen"
)

type memTransfer struct {
	ObservedTransfer
	status Status
}

// MemoryNetwork is an in-process settlement network for development mode
// and tests. Transfers are appended and never removed; submitted transfers
// stay pending until confirmed (immediately with WithAutoConfirm).
type MemoryNetwork struct {
	mu          sync.Mutex
	custody     string
	asset       string
	autoConfirm bool
	block       uint64
	log         []*memTransfer
	byHash      map[string]*memTransfer
	balances    map[string]int64
	submitted   int
	submitErr   error
}

// MemoryOption configures a MemoryNetwork.
type MemoryOption func(*MemoryNetwork)

// WithAutoConfirm confirms every submitted transfer immediately.
func WithAutoConfirm() MemoryOption {
	return func(n *MemoryNetwork) { n.autoConfirm = true }
}

// WithAsset sets the asset symbol (default USDC).
func WithAsset(asset string) MemoryOption {
	return func(n *MemoryNetwork) { n.asset = asset }
}

// NewMemoryNetwork creates a simulated network whose custody account is custody.
func NewMemoryNetwork(custody string, opts ...MemoryOption) *MemoryNetwork {
	n := &MemoryNetwork{
		custody:  strings.ToLower(custody),
		asset:    "USDC",
		byHash:   make(map[string]*memTransfer),
		balances: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

var _ Client = (*MemoryNetwork)(nil)

func (n *MemoryNetwork) CustodyAddress() string { return n.custody }

func (n *MemoryNetwork) Asset() string { return n.asset }

// Mint credits addr out of thin air (test faucet).
func (n *MemoryNetwork) Mint(addr string, amount int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.balances[strings.ToLower(addr)] += amount
}

// FailSubmissions makes every SubmitTransfer return err until cleared with nil.
func (n *MemoryNetwork) FailSubmissions(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.submitErr = err
}

// Submitted returns how many outbound transfers were accepted.
func (n *MemoryNetwork) Submitted() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.submitted
}

func (n *MemoryNetwork) SubmitTransfer(ctx context.Context, req TransferRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.Asset != "" && req.Asset != n.asset {
		return "", ErrUnsupportedAsset
	}
	if req.Amount <= 0 || req.To == "" {
		return "", ErrInvalidTransfer
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.submitErr != nil {
		return "", &TransferError{Op: "send", Err: n.submitErr}
	}
	if !SameAddress(req.From, n.custody) {
		return "", ErrUnknownSender
	}

	t := n.appendLocked(n.custody, strings.ToLower(req.To), req.Amount)
	n.submitted++
	if n.autoConfirm {
		n.settleLocked(t)
	}
	return t.Hash, nil
}

// Inject appends an externally originated transfer (e.g. a buyer deposit)
// and confirms it. The sender is minted the amount first.
func (n *MemoryNetwork) Inject(from, to string, amount int64) string {
	n.mu.Lock()
	defer n.mu.Unlock()

	from = strings.ToLower(from)
	n.balances[from] += amount
	t := n.appendLocked(from, strings.ToLower(to), amount)
	n.settleLocked(t)
	return t.Hash
}

// Confirm settles a pending transfer. Confirming a transfer the sender
// cannot cover marks it failed instead.
func (n *MemoryNetwork) Confirm(hash string) (Status, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	t, ok := n.byHash[strings.ToLower(hash)]
	if !ok {
		return "", ErrNotFound
	}
	if t.status == StatusPending {
		n.settleLocked(t)
	}
	return t.status, nil
}

// Fail marks a pending transfer as failed.
func (n *MemoryNetwork) Fail(hash string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	t, ok := n.byHash[strings.ToLower(hash)]
	if !ok {
		return ErrNotFound
	}
	if t.status == StatusPending {
		t.status = StatusFailed
	}
	return nil
}

// Pending returns the hashes of transfers that are still pending.
func (n *MemoryNetwork) Pending() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []string
	for _, t := range n.log {
		if t.status == StatusPending {
			out = append(out, t.Hash)
		}
	}
	return out
}

func (n *MemoryNetwork) TransferStatus(ctx context.Context, hash string) (Status, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	t, ok := n.byHash[strings.ToLower(hash)]
	if !ok {
		return "", ErrNotFound
	}
	return t.status, nil
}

func (n *MemoryNetwork) TransferLog(ctx context.Context, f LogFilter) ([]ObservedTransfer, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []ObservedTransfer
	for _, t := range n.log {
		if t.status != StatusConfirmed {
			continue
		}
		if f.Hash != "" && !strings.EqualFold(f.Hash, t.Hash) {
			continue
		}
		if f.From != "" && !SameAddress(f.From, t.From) {
			continue
		}
		if f.To != "" && !SameAddress(f.To, t.To) {
			continue
		}
		if t.Block < f.FromBlock || (f.ToBlock > 0 && t.Block > f.ToBlock) {
			continue
		}
		out = append(out, t.ObservedTransfer)
	}
	return out, nil
}

func (n *MemoryNetwork) BalanceOf(ctx context.Context, addr string) (int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.balances[strings.ToLower(addr)], nil
}

func (n *MemoryNetwork) Head(ctx context.Context) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.block, nil
}

func (n *MemoryNetwork) PendingOutbound(ctx context.Context) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var count uint64
	for _, t := range n.log {
		if t.status == StatusPending && t.From == n.custody {
			count++
		}
	}
	return count, nil
}

func (n *MemoryNetwork) appendLocked(from, to string, amount int64) *memTransfer {
	n.block++
	t := &memTransfer{
		ObservedTransfer: ObservedTransfer{
			Hash:       "0x" + idgen.Hex(32),
			Asset:      n.asset,
			From:       from,
			To:         to,
			Amount:     amount,
			Block:      n.block,
			ObservedAt: time.Now(),
		},
		status: StatusPending,
	}
	n.log = append(n.log, t)
	n.byHash[t.Hash] = t
	return t
}

func (n *MemoryNetwork) settleLocked(t *memTransfer) {
	if n.balances[t.From] < t.Amount {
		t.status = StatusFailed
		return
	}
	n.balances[t.From] -= t.Amount
	n.balances[t.To] += t.Amount
	t.status = StatusConfirmed
}
