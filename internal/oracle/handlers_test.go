package oracle

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(e *Engine, runs RunStore) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewHandler(e, runs)
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterOperatorRoutes(v1)
	return r
}

func TestHandler_TriggerAndList(t *testing.T) {
	runs := NewMemoryStore()
	e := NewEngine(&fakeTxns{now: time.Now()}, &fakeCandidates{release: txns("txn_a")}, runs, slog.Default())
	r := newTestRouter(e, runs)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/oracle/runs/auto_release", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Run Run `json:"run"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, RunAutoRelease, body.Run.RunType)
	assert.Equal(t, 1, body.Run.SuccessCount)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/oracle/runs?type=auto_release", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Runs  []Run `json:"runs"`
		Count int   `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
}

func TestHandler_Errors(t *testing.T) {
	runs := NewMemoryStore()
	locker := NewLocalLocker()
	e := NewEngine(&fakeTxns{now: time.Now()}, &fakeCandidates{}, runs, slog.Default()).WithLocker(locker)
	r := newTestRouter(e, runs)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/oracle/runs/auto_burn", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/oracle/runs?type=nope", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	release, err := locker.TryLock(context.Background(), string(RunReconcile))
	require.NoError(t, err)
	defer release()

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/oracle/runs/reconcile", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
}
