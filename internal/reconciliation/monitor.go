package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"
)

// DefaultMonitorSchedule is how often the monitor checks solvency.
const DefaultMonitorSchedule = "@every 5m"

// Monitor runs solvency checks on a cron schedule and logs on state
// changes only: once when custody falls short and once when it recovers.
type Monitor struct {
	service  *Service
	schedule string
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool

	mu        sync.Mutex
	insolvent bool
	failures  int
}

// NewMonitor creates a monitor on DefaultMonitorSchedule.
func NewMonitor(service *Service, logger *slog.Logger) *Monitor {
	return &Monitor{
		service:  service,
		schedule: DefaultMonitorSchedule,
		logger:   logger.With("component", "solvency_monitor"),
		stop:     make(chan struct{}, 1),
	}
}

// WithSchedule overrides the cron schedule. Empty keeps the default.
func (m *Monitor) WithSchedule(schedule string) *Monitor {
	if schedule != "" {
		m.schedule = schedule
	}
	return m
}

// Running reports whether the monitor is scheduled.
func (m *Monitor) Running() bool {
	return m.running.Load()
}

// Start checks once immediately, then on the schedule, until ctx is done
// or Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(m.schedule, func() { m.tick(ctx) }); err != nil {
		return fmt.Errorf("invalid solvency schedule %q: %w", m.schedule, err)
	}

	m.running.Store(true)
	defer m.running.Store(false)

	m.tick(ctx)
	c.Start()
	select {
	case <-ctx.Done():
	case <-m.stop:
	}
	<-c.Stop().Done()
	return nil
}

// Stop signals Start to return.
func (m *Monitor) Stop() {
	select {
	case m.stop <- struct{}{}:
	default:
	}
}

func (m *Monitor) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in solvency check", "panic", fmt.Sprint(r))
		}
	}()

	res, err := m.service.Check(ctx)
	m.observe(res, err)
}

// observe updates the alert state and logs transitions.
func (m *Monitor) observe(res *Result, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.failures++
		if m.failures == 1 || m.failures%10 == 0 {
			m.logger.Warn("solvency check failed", "consecutive", m.failures, "error", err)
		}
		return
	}
	m.failures = 0

	switch {
	case !res.Solvent && !m.insolvent:
		m.insolvent = true
		m.logger.Error("CRITICAL: custody balance below ledger obligations",
			"custody", res.CustodyBalance,
			"ledgerTotal", res.LedgerTotal,
			"surplus", res.Surplus,
		)
	case res.Solvent && m.insolvent:
		m.insolvent = false
		m.logger.Info("custody solvent again", "surplus", res.Surplus)
	}
}

// Insolvent reports whether the last successful check found a shortfall.
func (m *Monitor) Insolvent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insolvent
}
