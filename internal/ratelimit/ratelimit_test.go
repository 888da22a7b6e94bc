package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func testLimiter(rps float64, burst int) (*Limiter, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return newLimiter(Config{
		RequestsPerSecond: rps,
		Burst:             burst,
		IdleTTL:           time.Minute,
		CleanupInterval:   time.Minute,
	}, clk.Now), clk
}

func TestAllow_BurstThenRefill(t *testing.T) {
	l, clk := testLimiter(1, 5)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("k"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("k"))

	clk.Advance(time.Second)
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l, _ := testLimiter(1, 2)

	l.Allow("a")
	l.Allow("a")
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}

func TestAllow_RefillCapsAtBurst(t *testing.T) {
	l, clk := testLimiter(10, 3)
	l.Allow("k")

	clk.Advance(time.Hour)
	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("k"))
	}
	assert.False(t, l.Allow("k"))
}

func TestEvictIdle(t *testing.T) {
	l, clk := testLimiter(1, 1)
	l.Allow("old")
	clk.Advance(2 * time.Minute)
	l.Allow("fresh")

	l.evictIdle()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.buckets, "old")
	assert.Contains(t, l.buckets, "fresh")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig(50)
	assert.Equal(t, 50.0, cfg.RequestsPerSecond)
	assert.Equal(t, 100, cfg.Burst)

	assert.Equal(t, 100.0, DefaultConfig(0).RequestsPerSecond)
}

func TestMiddleware_SeparatesTokensFromIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := testLimiter(0.001, 1)
	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(auth string) int {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do(""))
	assert.Equal(t, http.StatusTooManyRequests, do(""))
	assert.Equal(t, http.StatusOK, do("Bearer one"))
	assert.Equal(t, http.StatusOK, do("Bearer two"))
	assert.Equal(t, http.StatusTooManyRequests, do("Bearer one"))
}

func TestStop_Idempotent(t *testing.T) {
	l := New(DefaultConfig(1))
	l.Stop()
	l.Stop()
}
