package escrow

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/chain"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/settlement"
	"github.com/mbd888/escrowd/internal/usdc"
	"github.com/mbd888/escrowd/internal/validation"
)

// FundingVerifier checks an on-ledger funding transfer and marks the
// transaction funded.
type FundingVerifier interface {
	VerifyEscrowFunding(ctx context.Context, txnID, hash string) (*settlement.TransferRecord, error)
}

// Handler provides HTTP endpoints for escrow transactions.
type Handler struct {
	service  *Service
	verifier FundingVerifier
}

// NewHandler creates a new transaction handler.
func NewHandler(service *Service, verifier FundingVerifier) *Handler {
	return &Handler{service: service, verifier: verifier}
}

// RegisterRoutes sets up read-only transaction routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/transactions/:id", h.GetTransaction)
	r.GET("/parties/:address/transactions", h.ListTransactions)
}

// RegisterProtectedRoutes sets up routes driven by the buyer or seller.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.CreateTransaction)
	r.POST("/transactions/:id/fund", h.Fund)
	r.POST("/transactions/:id/deliver", h.MarkDelivered)
	r.POST("/transactions/:id/dispute", h.FileDispute)
	r.POST("/transactions/:id/evidence", h.SubmitEvidence)
}

// RegisterOperatorRoutes sets up operator-only routes.
func (h *Handler) RegisterOperatorRoutes(r *gin.RouterGroup) {
	r.POST("/transactions/:id/resolve", h.ResolveDispute)
	r.POST("/transactions/:id/reconcile", h.Reconcile)
}

// CreateRequest is the body of POST /v1/transactions.
type CreateRequest struct {
	Seller             string `json:"seller" binding:"required"`
	Amount             string `json:"amount" binding:"required"`
	ListingRef         string `json:"listingRef"`
	Currency           string `json:"currency"`
	DeadlineHours      int    `json:"deadlineHours"`
	DisputeWindowHours int    `json:"disputeWindowHours"`
	FundingSource      string `json:"fundingSource"`
	ContractVersion    int    `json:"contractVersion"`
}

// CreateTransaction handles POST /v1/transactions. The caller is the buyer.
func (h *Handler) CreateTransaction(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("seller", req.Seller),
		validation.ValidAmount("amount", req.Amount),
		validation.MaxLength("listingRef", req.ListingRef, 200),
		validation.MaxLength("currency", req.Currency, 10),
		validation.OneOf("fundingSource", strings.ToLower(req.FundingSource), string(FundingPlatformBalance), string(FundingOnLedger)),
		validation.IntRange("deadlineHours", req.DeadlineHours, 1, 24*365),
		validation.IntRange("disputeWindowHours", req.DisputeWindowHours, 1, 24*30),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	if req.DeadlineHours < 0 || req.DisputeWindowHours < 0 || req.ContractVersion < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "deadlineHours, disputeWindowHours and contractVersion must not be negative",
		})
		return
	}
	amount, err := usdc.Parse(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		return
	}

	buyer := c.GetString("authAgentAddr")
	txn, err := h.service.Create(c.Request.Context(), CreateCommand{
		Buyer:              buyer,
		Seller:             req.Seller,
		Amount:             amount,
		ListingRef:         validation.SanitizeString(req.ListingRef, 200),
		Currency:           req.Currency,
		DeadlineIn:         time.Duration(req.DeadlineHours) * time.Hour,
		DisputeWindowHours: req.DisputeWindowHours,
		FundingSource:      FundingSource(strings.ToLower(req.FundingSource)),
		ContractVersion:    req.ContractVersion,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": txn})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	txn, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// ListTransactions handles GET /v1/parties/:address/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	address := c.Param("address")
	if !validation.IsValidEthAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "Invalid address format"})
		return
	}
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	txns, next, err := h.service.ListByParty(c.Request.Context(), address, c.Query("cursor"), limit)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": txns,
		"count":        len(txns),
		"nextCursor":   next,
		"hasMore":      next != "",
	})
}

// FundRequest is the body of POST /v1/transactions/:id/fund. Either
// Source is "platform_balance" or TxHash names the on-ledger transfer.
type FundRequest struct {
	Source string `json:"source"`
	TxHash string `json:"txHash"`
}

// Fund handles POST /v1/transactions/:id/fund
func (h *Handler) Fund(c *gin.Context) {
	id := c.Param("id")
	caller := c.GetString("authAgentAddr")

	var req FundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	if req.TxHash == "" {
		if req.Source != "" && req.Source != string(FundingPlatformBalance) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "txHash is required for on-ledger funding"})
			return
		}
		txn, err := h.service.FundFromBalance(c.Request.Context(), id, caller)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"transaction": txn})
		return
	}

	if errs := validation.Validate(validation.ValidTxHash("txHash", req.TxHash)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_hash", "message": errs.Error()})
		return
	}
	txn, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if !strings.EqualFold(caller, txn.Buyer) {
		writeError(c, ErrUnauthorized)
		return
	}

	rec, err := h.verifier.VerifyEscrowFunding(c.Request.Context(), id, req.TxHash)
	if err != nil && !errors.Is(err, settlement.ErrDuplicate) {
		writeError(c, err)
		return
	}

	txn, gerr := h.service.Get(c.Request.Context(), id)
	if gerr != nil {
		writeError(c, gerr)
		return
	}
	// A retried funding call for the same hash is not an error.
	if err != nil && !strings.EqualFold(txn.FundingTxHash, req.TxHash) {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn, "transfer": rec})
}

// DeliverRequest is the body of POST /v1/transactions/:id/deliver
type DeliverRequest struct {
	DeliverableRef string `json:"deliverableRef"`
}

// MarkDelivered handles POST /v1/transactions/:id/deliver
func (h *Handler) MarkDelivered(c *gin.Context) {
	var req DeliverRequest
	// Body is optional.
	_ = c.ShouldBindJSON(&req)
	if errs := validation.Validate(
		validation.MaxLength("deliverableRef", req.DeliverableRef, 500),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error()})
		return
	}

	txn, err := h.service.MarkDelivered(c.Request.Context(), c.Param("id"), c.GetString("authAgentAddr"), req.DeliverableRef)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// DisputeRequest is the body of POST /v1/transactions/:id/dispute
type DisputeRequest struct {
	Reason   string          `json:"reason" binding:"required"`
	Evidence []EvidenceEntry `json:"evidence"`
}

// FileDispute handles POST /v1/transactions/:id/dispute
func (h *Handler) FileDispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "reason is required"})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("reason", req.Reason, 1000),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error()})
		return
	}

	txn, err := h.service.FileDispute(c.Request.Context(), c.Param("id"), c.GetString("authAgentAddr"),
		validation.SanitizeString(req.Reason, 1000), req.Evidence)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// EvidenceRequest is the body of POST /v1/transactions/:id/evidence
type EvidenceRequest struct {
	Type    string `json:"type"`
	Content string `json:"content" binding:"required"`
}

// SubmitEvidence handles POST /v1/transactions/:id/evidence
func (h *Handler) SubmitEvidence(c *gin.Context) {
	var req EvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "content is required"})
		return
	}

	txn, err := h.service.SubmitEvidence(c.Request.Context(), c.Param("id"), c.GetString("authAgentAddr"),
		EvidenceEntry{Type: req.Type, Content: req.Content})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// ResolveRequest is the body of POST /v1/transactions/:id/resolve
type ResolveRequest struct {
	Resolution string `json:"resolution" binding:"required"`
}

// ResolveDispute handles POST /v1/transactions/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "resolution is required"})
		return
	}

	out, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), Resolution(strings.ToLower(req.Resolution)))
	writeOutcome(c, out, err)
}

// Reconcile handles POST /v1/transactions/:id/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	out, err := h.service.Reconcile(c.Request.Context(), c.Param("id"))
	writeOutcome(c, out, err)
}

func writeOutcome(c *gin.Context, out *Outcome, err error) {
	if errors.Is(err, settlement.ErrTransferUnconfirmed) && out != nil {
		c.JSON(http.StatusAccepted, gin.H{
			"transaction": out.Transaction,
			"message":     "Payout submitted; confirmation pending",
		})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": out.Transaction, "noOp": out.NoOp})
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := err.Error()
	switch {
	case errors.Is(err, ErrNotFound):
		status, code, message = http.StatusNotFound, "not_found", "Transaction not found"
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrDisputeWindowClosed),
		errors.Is(err, ErrAlreadyDisputed), errors.Is(err, ErrNotDisputed),
		errors.Is(err, ErrNotEligible), errors.Is(err, ErrPayoutInFlight):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, settlement.ErrDuplicate), errors.Is(err, ledger.ErrDuplicate):
		status, code = http.StatusConflict, "duplicate"
	case errors.Is(err, ErrReconcileMismatch):
		status, code = http.StatusConflict, "reconcile_mismatch"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrSameParty), errors.Is(err, ErrInvalidCommand):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, settlement.ErrWrongRecipient), errors.Is(err, settlement.ErrWrongSender),
		errors.Is(err, settlement.ErrInsufficientAmount), errors.Is(err, chain.ErrUnsupportedAsset):
		status, code = http.StatusUnprocessableEntity, "verification_failed"
	case errors.Is(err, chain.ErrNotFound):
		status, code, message = http.StatusNotFound, "transfer_not_found", "Transfer not found on the network"
	case errors.Is(err, chain.ErrTransferFailed):
		status, code, message = http.StatusBadGateway, "transfer_failed", "Payout failed on the network; it will be retried"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		status, code, message = http.StatusPaymentRequired, "insufficient_balance", "Insufficient available balance"
	case errors.Is(err, settlement.ErrTransferUnconfirmed):
		status, code = http.StatusAccepted, "unconfirmed"
	default:
		message = "Transaction operation failed"
	}
	c.JSON(status, gin.H{"error": code, "message": message})
}
