// Package watcher polls the settlement network for transfers into custody
// and credits them as deposits.
//
// Crediting goes through the settlement verifier, so re-scanning a block
// range never credits a transfer twice. Transfers younger than the grace
// period are left for an explicit escrow funding call to claim first.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/escrowd/internal/chain"
	"github.com/mbd888/escrowd/internal/settlement"
)

// DepositVerifier credits an observed transfer. settlement.Verifier
// satisfies it.
type DepositVerifier interface {
	VerifyDeposit(ctx context.Context, obs chain.ObservedTransfer) (*settlement.TransferRecord, error)
}

// Config for the deposit watcher.
type Config struct {
	PollInterval time.Duration
	StartBlock   uint64 // 0 = head at start
	Grace        time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 15 * time.Second,
		Grace:        10 * time.Minute,
	}
}

// Watcher monitors custody for incoming deposits.
type Watcher struct {
	client   chain.Client
	verifier DepositVerifier
	config   Config
	logger   *slog.Logger
	now      func() time.Time

	lastBlock uint64
	running   atomic.Bool
	stop      chan struct{}
}

// New creates a new deposit watcher.
func New(client chain.Client, verifier DepositVerifier, cfg Config, logger *slog.Logger) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Watcher{
		client:   client,
		verifier: verifier,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the poll loop is active.
func (w *Watcher) Running() bool {
	return w.running.Load()
}

// Start positions the cursor and polls until ctx is done or Stop is
// called. Call in a goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.init(ctx); err != nil {
		return err
	}

	w.running.Store(true)
	defer w.running.Store(false)

	w.logger.Info("deposit watcher started",
		"custody", w.client.CustodyAddress(),
		"asset", w.client.Asset(),
		"startBlock", w.lastBlock,
	)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.stop:
			return nil
		case <-ticker.C:
			if _, err := w.Poll(ctx); err != nil {
				w.logger.Error("deposit check failed", "error", err)
			}
		}
	}
}

// Stop signals the watcher to stop.
func (w *Watcher) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Watcher) init(ctx context.Context) error {
	if w.config.StartBlock > 0 {
		w.lastBlock = w.config.StartBlock - 1
		return nil
	}
	head, err := w.client.Head(ctx)
	if err != nil {
		return fmt.Errorf("failed to get head: %w", err)
	}
	w.lastBlock = head
	return nil
}

// Poll scans blocks after the cursor and credits mature deposits. The
// cursor stops before the first transfer that is still within the grace
// period or failed transiently, so those are seen again next poll.
func (w *Watcher) Poll(ctx context.Context) (credited int, err error) {
	head, err := w.client.Head(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get head: %w", err)
	}
	if head <= w.lastBlock {
		return 0, nil
	}

	transfers, err := w.client.TransferLog(ctx, chain.LogFilter{
		To:        w.client.CustodyAddress(),
		FromBlock: w.lastBlock + 1,
		ToBlock:   head,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read transfer log: %w", err)
	}

	next := head
	hold := func(block uint64) {
		if block-1 < next {
			next = block - 1
		}
	}

	now := w.now()
	for _, obs := range transfers {
		if now.Sub(obs.ObservedAt) < w.config.Grace {
			hold(obs.Block)
			continue
		}
		_, err := w.verifier.VerifyDeposit(ctx, obs)
		switch {
		case err == nil:
			credited++
		case errors.Is(err, settlement.ErrDuplicate):
		case errors.Is(err, chain.ErrUnsupportedAsset),
			errors.Is(err, settlement.ErrWrongRecipient),
			errors.Is(err, settlement.ErrInsufficientAmount),
			errors.Is(err, chain.ErrInvalidTransfer):
			w.logger.Warn("ignoring transfer into custody", "txHash", obs.Hash, "from", obs.From, "error", err)
		default:
			w.logger.Error("failed to credit deposit", "txHash", obs.Hash, "error", err)
			hold(obs.Block)
		}
	}

	w.lastBlock = next
	return credited, nil
}

// Cursor returns the last fully processed block.
func (w *Watcher) Cursor() uint64 {
	return w.lastBlock
}
