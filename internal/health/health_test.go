package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryEmpty(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("database", Ping("database", func(context.Context) error { return nil }))
	r.Register("redis", Ping("redis", func(context.Context) error { return errors.New("connection refused") }))
	r.Register("oracle_scheduler", Running("", func() bool { return true }))

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 3)
	assert.True(t, statuses[0].Healthy)
	assert.Equal(t, "connection refused", statuses[1].Detail)
	assert.Equal(t, "oracle_scheduler", statuses[2].Name)
}

func TestRegistryTimeout(t *testing.T) {
	r := NewRegistry()
	r.timeout = 20 * time.Millisecond
	r.Register("rpc", func(ctx context.Context) Status {
		<-ctx.Done()
		return Status{Name: "rpc"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 1)
	assert.Equal(t, "check timed out", statuses[0].Detail)
	assert.GreaterOrEqual(t, statuses[0].LatencyMS, int64(15))
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("x", Running("x", func() bool { return true }))
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()

	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Len(t, statuses, 20)
}

func TestWorst(t *testing.T) {
	assert.Equal(t, Healthy, Worst(Healthy, Healthy))
	assert.Equal(t, Degraded, Worst(Healthy, Degraded))
	assert.Equal(t, Critical, Worst(Critical, Degraded))
}
