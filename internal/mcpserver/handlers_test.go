package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewClient(Config{
		APIURL:       ts.URL,
		Token:        "test-token",
		AgentAddress: "0xbuyer",
	})
	return NewHandlers(client), ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

const txnJSON = `{"transaction":{"id":"txn_1","buyer":"0xbuyer","seller":"0xseller",
"amount":12500000,"currency":"USDC","state":"delivered","disputed":false,
"deadline":"2026-01-04T00:00:00Z","deliveredAt":"2026-01-02T00:00:00Z","disputeWindowHours":24,
"feeAmount":250000,"feeSide":"seller","fundingTxHash":"0xabc"},"noOp":false}`

func TestClient_AuthHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, Token: "secret", AgentAddress: "0xabc"})
	_, err := client.GetBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", gotAuth)
}

func TestClient_APIErrorMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "invalid_state",
			"message": "transaction is not delivered",
		})
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, AgentAddress: "0x1"})
	_, err := client.FileDispute(context.Background(), "txn_1", "broken", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API error (409)")
	assert.Contains(t, err.Error(), "transaction is not delivered")
}

func TestClient_APIErrorRawBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, AgentAddress: "0x1"})
	_, err := client.OracleStatus(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream down")
}

func TestHandleCreateTransaction(t *testing.T) {
	var body map[string]any
	var path, method string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path, method = r.URL.Path, r.Method
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(txnJSON))
	}))
	defer cleanup()

	result, err := h.HandleCreateTransaction(context.Background(), makeRequest(map[string]any{
		"seller":         "0xseller",
		"amount":         "12.50",
		"deadline_hours": float64(48),
		"funding_source": "platform_balance",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "/v1/transactions", path)
	assert.Equal(t, "0xseller", body["seller"])
	assert.Equal(t, "12.50", body["amount"])
	assert.Equal(t, float64(48), body["deadlineHours"])
	assert.Equal(t, "platform_balance", body["fundingSource"])
	_, hasWindow := body["disputeWindowHours"]
	assert.False(t, hasWindow)

	text := resultText(t, result)
	assert.Contains(t, text, "Transaction created.")
	assert.Contains(t, text, "Transaction txn_1")
	assert.Contains(t, text, "Amount: 12.500000 USDC")
}

func TestHandleCreateTransaction_MissingArgs(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	}))
	defer cleanup()

	result, err := h.HandleCreateTransaction(context.Background(), makeRequest(map[string]any{"seller": "0xseller"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleGetTransaction(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/transactions/txn_1", r.URL.Path)
		_, _ = w.Write([]byte(txnJSON))
	}))
	defer cleanup()

	result, err := h.HandleGetTransaction(context.Background(), makeRequest(map[string]any{"transaction_id": "txn_1"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "State: delivered")
	assert.Contains(t, text, "Seller: 0xseller")
	assert.Contains(t, text, "Fee: 0.250000 (seller side)")
	assert.Contains(t, text, "fundingTxHash: 0xabc")
	assert.Contains(t, text, "dispute window 24 h")
}

func TestHandleMarkDelivered(t *testing.T) {
	var body map[string]any
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/transactions/txn_1/deliver", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		_, _ = w.Write([]byte(txnJSON))
	}))
	defer cleanup()

	result, err := h.HandleMarkDelivered(context.Background(), makeRequest(map[string]any{
		"transaction_id":  "txn_1",
		"deliverable_ref": "sha256:ff",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "sha256:ff", body["deliverableRef"])
	assert.Contains(t, resultText(t, result), "dispute window is now open")
}

func TestHandleFileDispute_SendsEvidence(t *testing.T) {
	var body map[string]any
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/transactions/txn_1/dispute", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		_, _ = w.Write([]byte(`{"transaction":{"id":"txn_1","state":"delivered","disputed":true,"disputeReason":"empty file"}}`))
	}))
	defer cleanup()

	result, err := h.HandleFileDispute(context.Background(), makeRequest(map[string]any{
		"transaction_id": "txn_1",
		"reason":         "empty file",
		"evidence":       "the archive is 0 bytes",
	}))
	require.NoError(t, err)
	assert.Equal(t, "empty file", body["reason"])
	evidence, ok := body["evidence"].([]any)
	require.True(t, ok)
	require.Len(t, evidence, 1)

	text := resultText(t, result)
	assert.Contains(t, text, "(disputed)")
	assert.Contains(t, text, "Dispute reason: empty file")
}

func TestHandleFileDispute_APIError(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"window_closed","message":"dispute window has closed"}`))
	}))
	defer cleanup()

	result, err := h.HandleFileDispute(context.Background(), makeRequest(map[string]any{
		"transaction_id": "txn_1",
		"reason":         "late",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "dispute window has closed")
}

func TestHandleOracleStatus(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/oracle/status", r.URL.Path)
		_, _ = w.Write([]byte(`{"overall":"degraded",
			"wallet":{"address":"0xcustody","balance":"50.000000","balanceUnits":50000000,"health":"degraded"},
			"runs":{"auto_release":{"runs":4,"success":3,"failure":1,"skipped":0,"successRate":75,"health":"healthy"}},
			"pendingRelease":2,"pendingRefund":0,"warnings":["no refund runs"]}`))
	}))
	defer cleanup()

	result, err := h.HandleOracleStatus(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Overall: degraded")
	assert.Contains(t, text, "Custody wallet 0xcustody: 50.000000 USDC (degraded)")
	assert.Contains(t, text, "Waiting: 2 to release, 0 to refund")
	assert.Contains(t, text, "auto_release: 4 runs, 75.0% success")
	assert.Contains(t, text, "Warning: no refund runs")
}

func TestHandleCheckBalance(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/balances/0xbuyer", r.URL.Path)
		_, _ = w.Write([]byte(`{"balance":{"party":"0xbuyer","available":1000000,"locked":0,
			"availableUsdc":"1.000000","lockedUsdc":"0.000000"}}`))
	}))
	defer cleanup()

	result, err := h.HandleCheckBalance(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Available: 1.000000 USDC")
	assert.Contains(t, text, "Locked in escrow: 0.000000 USDC")
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:0"})
	require.NotNil(t, s)
}
