// Package chain is the only path to the external settlement network.
//
// The network is append-only: the application can submit new transfers,
// poll their status and read the log of confirmed transfers, but it can
// never roll anything back. Submission and confirmation are two distinct
// events; a submitted transfer stays pending until the network says
// otherwise.
package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnconfirmed      = errors.New("chain: transfer not confirmed before timeout")
	ErrTransferFailed   = errors.New("chain: transfer failed")
	ErrNotFound         = errors.New("chain: transfer not found")
	ErrUnknownSender    = errors.New("chain: sender is not the custody account")
	ErrUnsupportedAsset = errors.New("chain: unsupported asset")
	ErrInvalidTransfer  = errors.New("chain: invalid transfer")
)

// Status is the network's view of a submitted transfer.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

const (
	DefaultConfirmTimeout = 30 * time.Second
	DefaultPollInterval   = 2 * time.Second
	DefaultSubmitTimeout  = 20 * time.Second
)

// TransferRequest is an outbound transfer from the custody account.
type TransferRequest struct {
	Asset  string
	From   string
	To     string
	Amount int64 // minor units
}

// ObservedTransfer is a confirmed transfer read from the network log.
type ObservedTransfer struct {
	Hash       string    `json:"hash"`
	Asset      string    `json:"asset"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Amount     int64     `json:"amount"`
	Block      uint64    `json:"block"`
	ObservedAt time.Time `json:"observedAt"`
}

// LogFilter narrows a TransferLog query. Empty fields match everything.
type LogFilter struct {
	Hash      string
	From      string
	To        string
	FromBlock uint64
	ToBlock   uint64 // 0 = head
}

// Client is the boundary to the settlement network.
type Client interface {
	SubmitTransfer(ctx context.Context, req TransferRequest) (string, error)
	TransferStatus(ctx context.Context, hash string) (Status, error)
	TransferLog(ctx context.Context, filter LogFilter) ([]ObservedTransfer, error)
	BalanceOf(ctx context.Context, addr string) (int64, error)
	Head(ctx context.Context) (uint64, error)
	// PendingOutbound counts custody transfers broadcast but not yet
	// included in a block.
	PendingOutbound(ctx context.Context) (uint64, error)
	CustodyAddress() string
	Asset() string
}

// TransferError wraps transfer failures with the operation and hash.
type TransferError struct {
	Op   string
	Hash string
	Err  error
}

func (e *TransferError) Error() string {
	if e.Hash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.Hash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Rejected reports whether a SubmitTransfer error proves the transfer never
// left the application: it failed validation or failed before signing.
// Errors that carry a hash, and bare transport or context errors, are not
// rejections; the transfer may be on the network.
func Rejected(err error) bool {
	if errors.Is(err, ErrUnsupportedAsset) || errors.Is(err, ErrUnknownSender) || errors.Is(err, ErrInvalidTransfer) {
		return true
	}
	var te *TransferError
	return errors.As(err, &te) && te.Hash == ""
}

// BroadcastHash returns the hash of a transfer that was signed before err
// occurred, or "" when err carries none.
func BroadcastHash(err error) string {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Hash
	}
	return ""
}

// SubmitDetached submits a transfer on a context that ignores the caller's
// cancellation. Once broadcast, a transfer has left the application's
// control, so a cancelled request must not abandon a half-sent submission.
func SubmitDetached(ctx context.Context, c Client, req TransferRequest, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultSubmitTimeout
	}
	subCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return c.SubmitTransfer(subCtx, req)
}

// WaitConfirmed polls the status of hash until it is final or the wait
// times out. A timeout (or caller cancellation) returns StatusPending with
// ErrUnconfirmed: the outcome is unknown, not failed.
func WaitConfirmed(ctx context.Context, c Client, hash string, timeout, poll time.Duration) (Status, error) {
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		status, err := c.TransferStatus(ctx, hash)
		if err == nil {
			switch status {
			case StatusConfirmed:
				return StatusConfirmed, nil
			case StatusFailed:
				return StatusFailed, &TransferError{Op: "confirm", Hash: hash, Err: ErrTransferFailed}
			}
		}

		select {
		case <-ctx.Done():
			return StatusPending, fmt.Errorf("%w: waiting for tx %s: %v", ErrUnconfirmed, hash, ctx.Err())
		case <-ticker.C:
		}
	}
}

// SameAddress compares two hex addresses case-insensitively.
func SameAddress(a, b string) bool {
	return a != "" && strings.EqualFold(a, b)
}
