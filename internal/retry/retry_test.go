package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fast = Policy{Attempts: 3, Base: time.Millisecond, Max: 5 * time.Millisecond}

func TestPolicyDo_SuccessFirstAttempt(t *testing.T) {
	calls := 0
	err := fast.Do(context.Background(), "test.first", func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Zero(t, testutil.ToFloat64(retriesTotal.WithLabelValues("test.first", "retried")))
}

func TestPolicyDo_SuccessOnRetry(t *testing.T) {
	calls := 0
	err := fast.Do(context.Background(), "test.retry", func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2.0, testutil.ToFloat64(retriesTotal.WithLabelValues("test.retry", "retried")))
}

func TestPolicyDo_Exhausted(t *testing.T) {
	sentinel := errors.New("still down")
	calls := 0
	err := fast.Do(context.Background(), "test.exhausted", func() error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(retriesTotal.WithLabelValues("test.exhausted", "exhausted")))
}

func TestPolicyDo_PermanentStops(t *testing.T) {
	sentinel := errors.New("not found")
	calls := 0
	err := fast.Do(context.Background(), "test.permanent", func() error {
		calls++
		return Permanent(sentinel)
	})
	assert.Equal(t, sentinel, err)
	assert.Equal(t, 1, calls)
}

func TestPermanent_Nil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}

func TestPolicyDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	slow := Policy{Attempts: 5, Base: time.Hour}
	calls := 0
	err := slow.Do(ctx, "test.cancel", func() error {
		calls++
		cancel()
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestPolicyDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Policy{}.Do(context.Background(), "test.zero", func() error {
		calls++
		return errors.New("x")
	})
	assert.Equal(t, 1, calls)
}

func TestDelay_CappedWithJitter(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Max: 400 * time.Millisecond}
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.delay(attempt)
		assert.LessOrEqual(t, d, 500*time.Millisecond)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
	}
}

func TestDo_Shorthand(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return errors.New("x")
	})
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
}
