package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the configuration for connecting to escrowd.
type Config struct {
	APIURL       string // Base URL, e.g. "http://localhost:8080"
	Token        string // Bearer JWT whose subject is AgentAddress
	AgentAddress string // Agent's address, e.g. "0x..."
}

// Client is a plain HTTP client for the escrowd API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, body any) (json.RawMessage, int, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid URL: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, resp.StatusCode, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, resp.StatusCode, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), resp.StatusCode, nil
}

// CreateTransactionInput is what the create_transaction tool sends.
type CreateTransactionInput struct {
	Seller             string `json:"seller"`
	Amount             string `json:"amount"`
	ListingRef         string `json:"listingRef,omitempty"`
	DeadlineHours      int    `json:"deadlineHours,omitempty"`
	DisputeWindowHours int    `json:"disputeWindowHours,omitempty"`
	FundingSource      string `json:"fundingSource,omitempty"`
}

// CreateTransaction opens a transaction with the configured agent as buyer.
func (c *Client) CreateTransaction(ctx context.Context, in CreateTransactionInput) (json.RawMessage, error) {
	raw, _, err := c.doRequest(ctx, http.MethodPost, "/v1/transactions", in)
	return raw, err
}

// GetTransaction returns one transaction.
func (c *Client) GetTransaction(ctx context.Context, id string) (json.RawMessage, error) {
	raw, _, err := c.doRequest(ctx, http.MethodGet, "/v1/transactions/"+url.PathEscape(id), nil)
	return raw, err
}

// MarkDelivered signals delivery as the seller.
func (c *Client) MarkDelivered(ctx context.Context, id, deliverableRef string) (json.RawMessage, error) {
	body := map[string]string{"deliverableRef": deliverableRef}
	raw, _, err := c.doRequest(ctx, http.MethodPost, "/v1/transactions/"+url.PathEscape(id)+"/deliver", body)
	return raw, err
}

// FileDispute disputes a delivered transaction as the buyer.
func (c *Client) FileDispute(ctx context.Context, id, reason, evidence string) (json.RawMessage, error) {
	body := map[string]any{"reason": reason}
	if evidence != "" {
		body["evidence"] = []map[string]string{{"type": "text", "content": evidence}}
	}
	raw, _, err := c.doRequest(ctx, http.MethodPost, "/v1/transactions/"+url.PathEscape(id)+"/dispute", body)
	return raw, err
}

// OracleStatus returns the telemetry report.
func (c *Client) OracleStatus(ctx context.Context) (json.RawMessage, error) {
	raw, _, err := c.doRequest(ctx, http.MethodGet, "/v1/oracle/status", nil)
	return raw, err
}

// GetBalance returns the configured agent's ledger balance.
func (c *Client) GetBalance(ctx context.Context) (json.RawMessage, error) {
	raw, _, err := c.doRequest(ctx, http.MethodGet, "/v1/balances/"+c.cfg.AgentAddress, nil)
	return raw, err
}
