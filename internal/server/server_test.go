package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/config"
)

const (
	buyerAddr  = "0x1111111111111111111111111111111111111111"
	sellerAddr = "0x2222222222222222222222222222222222222222"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Port:            "0",
		Env:             "development",
		LogLevel:        "error",
		LogFormat:       "text",
		OracleSchedule:  "@every 2m",
		OracleBatchSize: 100,
		ConfirmTimeout:  5 * time.Second,
		RateLimitRPS:    1000,
		JWTSecret:       "test-secret-with-enough-entropy-0123456789",
		JWTTTL:          time.Hour,
		FeeMode:         "none",
		FeeSide:         "seller",
	}
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(s.closeAll)
	return s
}

func issue(t *testing.T, s *Server, subject, role string) string {
	t.Helper()
	tok, _, err := s.authMgr.Issue(subject, role)
	require.NoError(t, err)
	return tok
}

func do(t *testing.T, s *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, Version, resp.Version)
	assert.Contains(t, w.Body.String(), "settlement_network")
}

func TestLivenessAndReadiness(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Not ready until Run has started the workers.
	w = do(t, s, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.ready.Store(true)
	w = do(t, s, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestInfo(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/v1/info", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "escrowd", body["name"])
	assert.Equal(t, "memory", body["network"])
	assert.Equal(t, DevCustodyAddress, body["custody"])
	fees, ok := body["fees"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "none", fees["mode"])
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestAuthBoundaries(t *testing.T) {
	s := newTestServer(t)
	agent := issue(t, s, buyerAddr, auth.RoleAgent)

	w := do(t, s, http.MethodPost, "/v1/transactions", "", map[string]string{"seller": sellerAddr, "amount": "1.00"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, s, http.MethodPost, "/v1/withdrawals", "", map[string]string{"to": buyerAddr, "amount": "1.00"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, s, http.MethodPost, "/v1/oracle/runs/auto_release", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, s, http.MethodPost, "/v1/oracle/runs/auto_release", agent, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, s, http.MethodGet, "/v1/solvency", agent, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, s, http.MethodGet, "/v1/auth/me", agent, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestInvalidAddressParam(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/v1/balances/not-an-address", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEscrowFlowOnMemoryNetwork(t *testing.T) {
	s := newTestServer(t)
	operator := issue(t, s, "ops", auth.RoleOperator)
	buyer := issue(t, s, buyerAddr, auth.RoleAgent)
	seller := issue(t, s, sellerAddr, auth.RoleAgent)

	// Buyer sends 10 USDC to custody.
	w := do(t, s, http.MethodPost, "/v1/dev/transfers", operator, map[string]string{"from": buyerAddr, "amount": "10.00"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	hash, _ := decode(t, w)["txHash"].(string)
	require.NotEmpty(t, hash)

	w = do(t, s, http.MethodPost, "/v1/deposits/verify", buyer, map[string]string{"txHash": hash})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// Verifying the same hash twice must not credit twice.
	do(t, s, http.MethodPost, "/v1/deposits/verify", buyer, map[string]string{"txHash": hash})

	w = do(t, s, http.MethodGet, "/v1/balances/"+buyerAddr, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "10.000000")

	w = do(t, s, http.MethodPost, "/v1/transactions", buyer, map[string]interface{}{
		"seller":        sellerAddr,
		"amount":        "4.00",
		"fundingSource": "platform_balance",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	txn, ok := decode(t, w)["transaction"].(map[string]interface{})
	require.True(t, ok)
	id, _ := txn["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "CREATED", txn["state"])

	// Only the buyer can fund.
	w = do(t, s, http.MethodPost, "/v1/transactions/"+id+"/fund", seller, map[string]string{"source": "platform_balance"})
	assert.NotEqual(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodPost, "/v1/transactions/"+id+"/fund", buyer, map[string]string{"source": "platform_balance"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, http.MethodPost, "/v1/transactions/"+id+"/deliver", seller, map[string]string{"deliverableRef": "ipfs://report"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, http.MethodGet, "/v1/transactions/"+id, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	txn, _ = decode(t, w)["transaction"].(map[string]interface{})
	assert.Equal(t, "DELIVERED", txn["state"])

	// The dispute window is still open so nothing is released yet.
	w = do(t, s, http.MethodPost, "/v1/oracle/runs/auto_release", operator, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, http.MethodGet, "/v1/transactions/"+id, "", nil)
	txn, _ = decode(t, w)["transaction"].(map[string]interface{})
	assert.Equal(t, "DELIVERED", txn["state"])

	w = do(t, s, http.MethodGet, "/v1/oracle/runs?type=auto_release", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])
}

func TestDevTransfersValidation(t *testing.T) {
	s := newTestServer(t)
	operator := issue(t, s, "ops", auth.RoleOperator)

	w := do(t, s, http.MethodPost, "/v1/dev/transfers", operator, map[string]string{"from": "nope", "amount": "1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
