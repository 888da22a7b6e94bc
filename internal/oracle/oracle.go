// Package oracle is the reconciliation engine: an unattended, single-flight
// job that advances escrow transactions on elapsed time.
//
// A run of type auto_release or auto_refund first resumes payouts already
// in flight (transactions carrying a payout hash), then settles fresh
// candidates in bounded batches. A reconcile run moves RELEASED and
// REFUNDED transactions to RECONCILED. All resumption state lives in the
// transaction and transfer records; nothing in memory is authoritative.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrRunInProgress  = errors.New("oracle: a run of this type is already in progress")
	ErrUnknownRunType = errors.New("oracle: unknown run type")
	ErrNoRuns         = errors.New("oracle: no runs recorded")
)

// RunType selects what a run does.
type RunType string

const (
	RunAutoRelease RunType = "auto_release"
	RunAutoRefund  RunType = "auto_refund"
	RunReconcile   RunType = "reconcile"
)

// RunTypes lists every run type in scheduling order.
func RunTypes() []RunType {
	return []RunType{RunAutoRelease, RunAutoRefund, RunReconcile}
}

// ParseRunType validates a run type from user input.
func ParseRunType(s string) (RunType, error) {
	rt := RunType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range RunTypes() {
		if rt == known {
			return rt, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRunType, s)
}

// Run is the persisted record of one engine run. Runs are append-only.
type Run struct {
	ID           string    `json:"id"`
	RunType      RunType   `json:"runType"`
	StartedAt    time.Time `json:"startedAt"`
	CompletedAt  time.Time `json:"completedAt"`
	SuccessCount int       `json:"successCount"`
	FailureCount int       `json:"failureCount"`
	SkippedCount int       `json:"skippedCount"`
}

// Duration is how long the run took.
func (r *Run) Duration() time.Duration { return r.CompletedAt.Sub(r.StartedAt) }

// RunStore persists run records.
type RunStore interface {
	Save(ctx context.Context, run *Run) error
	// ListSince returns runs of runType (all types when empty) started at
	// or after since, newest first.
	ListSince(ctx context.Context, runType RunType, since time.Time) ([]*Run, error)
	// Latest returns the most recent run of runType, or ErrNoRuns.
	Latest(ctx context.Context, runType RunType) (*Run, error)
}
