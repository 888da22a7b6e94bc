package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/escrowd/internal/usdc"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleCreateTransaction opens an escrow with the agent as buyer.
func (h *Handlers) HandleCreateTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	seller := req.GetString("seller", "")
	amount := req.GetString("amount", "")
	if seller == "" || amount == "" {
		return mcp.NewToolResultError("seller and amount are required"), nil
	}

	raw, err := h.client.CreateTransaction(ctx, CreateTransactionInput{
		Seller:             seller,
		Amount:             amount,
		ListingRef:         req.GetString("listing_ref", ""),
		DeadlineHours:      req.GetInt("deadline_hours", 0),
		DisputeWindowHours: req.GetInt("dispute_window_hours", 0),
		FundingSource:      req.GetString("funding_source", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create transaction: %v", err)), nil
	}
	return transactionResult("Transaction created.", raw)
}

// HandleGetTransaction shows one transaction.
func (h *Handlers) HandleGetTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	raw, err := h.client.GetTransaction(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get transaction: %v", err)), nil
	}
	return transactionResult("", raw)
}

// HandleMarkDelivered signals delivery as the seller.
func (h *Handlers) HandleMarkDelivered(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	raw, err := h.client.MarkDelivered(ctx, id, req.GetString("deliverable_ref", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to mark delivered: %v", err)), nil
	}
	return transactionResult("Delivery recorded. The buyer's dispute window is now open.", raw)
}

// HandleFileDispute disputes a delivered transaction as the buyer.
func (h *Handlers) HandleFileDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	reason := req.GetString("reason", "")
	if id == "" || reason == "" {
		return mcp.NewToolResultError("transaction_id and reason are required"), nil
	}

	raw, err := h.client.FileDispute(ctx, id, reason, req.GetString("evidence", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to file dispute: %v", err)), nil
	}
	return transactionResult("Dispute filed. Automatic release is paused until an operator resolves it.", raw)
}

// HandleOracleStatus reports settlement health.
func (h *Handlers) HandleOracleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.OracleStatus(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get oracle status: %v", err)), nil
	}

	text, err := formatStatus(raw)
	if err != nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleCheckBalance shows the agent's ledger balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetBalance(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	var resp struct {
		Balance map[string]any `json:"balance"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Balance == nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}

	var sb strings.Builder
	sb.WriteString("Balance:\n")
	fmt.Fprintf(&sb, "  Available: %s USDC\n", getString(resp.Balance, "availableUsdc", "available"))
	fmt.Fprintf(&sb, "  Locked in escrow: %s USDC\n", getString(resp.Balance, "lockedUsdc", "locked"))
	return mcp.NewToolResultText(sb.String()), nil
}

func transactionResult(header string, raw json.RawMessage) (*mcp.CallToolResult, error) {
	text, err := formatTransaction(raw)
	if err != nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	if header != "" {
		text = header + "\n\n" + text
	}
	return mcp.NewToolResultText(text), nil
}

func formatTransaction(raw json.RawMessage) (string, error) {
	var resp struct {
		Transaction map[string]any `json:"transaction"`
		NoOp        bool           `json:"noOp"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	t := resp.Transaction
	if t == nil {
		return "", fmt.Errorf("response has no transaction")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Transaction %s\n", getString(t, "id"))
	fmt.Fprintf(&sb, "  State: %s", getString(t, "state"))
	if d, ok := t["disputed"].(bool); ok && d {
		sb.WriteString(" (disputed)")
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "  Buyer: %s\n", getString(t, "buyer"))
	fmt.Fprintf(&sb, "  Seller: %s\n", getString(t, "seller"))
	if amt, ok := getFloat(t, "amount"); ok {
		fmt.Fprintf(&sb, "  Amount: %s %s\n", usdc.Format(int64(amt)), getString(t, "currency"))
	}
	if fee, ok := getFloat(t, "feeAmount"); ok && fee > 0 {
		fmt.Fprintf(&sb, "  Fee: %s (%s side)\n", usdc.Format(int64(fee)), getString(t, "feeSide"))
	}
	if s := getString(t, "deadline"); s != "" {
		fmt.Fprintf(&sb, "  Delivery deadline: %s\n", s)
	}
	if s := getString(t, "deliveredAt"); s != "" {
		fmt.Fprintf(&sb, "  Delivered at: %s (dispute window %s h)\n", s, getString(t, "disputeWindowHours"))
	}
	if s := getString(t, "disputeReason"); s != "" {
		fmt.Fprintf(&sb, "  Dispute reason: %s\n", s)
	}
	if s := getString(t, "disputeResolution"); s != "" {
		fmt.Fprintf(&sb, "  Resolution: %s\n", s)
	}
	for _, k := range []string{"fundingTxHash", "releaseTxHash", "refundTxHash"} {
		if s := getString(t, k); s != "" {
			fmt.Fprintf(&sb, "  %s: %s\n", k, s)
		}
	}
	if resp.NoOp {
		sb.WriteString("  (no change: transaction was already in this state)\n")
	}
	return sb.String(), nil
}

func formatStatus(raw json.RawMessage) (string, error) {
	var r map[string]any
	if err := json.Unmarshal(raw, &r); err != nil {
		return "", err
	}
	if _, ok := r["overall"]; !ok {
		return "", fmt.Errorf("response has no overall level")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Overall: %s\n", getString(r, "overall"))
	if w, ok := r["wallet"].(map[string]any); ok {
		fmt.Fprintf(&sb, "Custody wallet %s: %s USDC (%s)\n",
			getString(w, "address"), getString(w, "balance"), getString(w, "health"))
	}
	fmt.Fprintf(&sb, "Waiting: %s to release, %s to refund\n",
		getString(r, "pendingRelease"), getString(r, "pendingRefund"))

	if runs, ok := r["runs"].(map[string]any); ok && len(runs) > 0 {
		names := make([]string, 0, len(runs))
		for k := range runs {
			names = append(names, k)
		}
		sort.Strings(names)
		sb.WriteString("Runs (24h):\n")
		for _, name := range names {
			s, ok := runs[name].(map[string]any)
			if !ok {
				continue
			}
			rate, _ := getFloat(s, "successRate")
			fmt.Fprintf(&sb, "  %s: %s runs, %.1f%% success, %s failed, %s skipped (%s)\n",
				name, getString(s, "runs"), rate, getString(s, "failure"),
				getString(s, "skipped"), getString(s, "health"))
		}
	}
	if warnings, ok := r["warnings"].([]any); ok {
		for _, w := range warnings {
			fmt.Fprintf(&sb, "Warning: %v\n", w)
		}
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
