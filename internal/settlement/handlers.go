package settlement

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/chain"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/usdc"
	"github.com/mbd888/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for deposits and withdrawals.
type Handler struct {
	verifier       *Verifier
	payer          *Payer
	confirmTimeout time.Duration
}

// NewHandler creates a new settlement handler
func NewHandler(verifier *Verifier, payer *Payer, confirmTimeout time.Duration) *Handler {
	return &Handler{verifier: verifier, payer: payer, confirmTimeout: confirmTimeout}
}

// RegisterProtectedRoutes sets up routes that require authentication
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/deposits/verify", h.VerifyDeposit)
	r.POST("/withdrawals", h.Withdraw)
}

// VerifyDepositRequest is the body of POST /deposits/verify
type VerifyDepositRequest struct {
	TxHash string `json:"txHash" binding:"required"`
}

// VerifyDeposit handles POST /deposits/verify
func (h *Handler) VerifyDeposit(c *gin.Context) {
	var req VerifyDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "txHash is required"})
		return
	}
	if !validation.IsValidTxHash(req.TxHash) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_hash", "message": "txHash must be a 0x-prefixed 32-byte hex hash"})
		return
	}

	rec, err := h.verifier.VerifyDepositHash(c.Request.Context(), req.TxHash)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transfer": rec})
}

// WithdrawBody is the body of POST /withdrawals
type WithdrawBody struct {
	To             string `json:"to" binding:"required"`
	Amount         string `json:"amount" binding:"required"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// Withdraw handles POST /withdrawals
func (h *Handler) Withdraw(c *gin.Context) {
	caller := c.GetString("authAgentAddr")
	if caller == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Authentication required"})
		return
	}

	var body WithdrawBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "to and amount are required"})
		return
	}
	if errs := validation.Validate(
		validation.ValidAddress("to", body.To),
		validation.ValidAmount("amount", body.Amount),
		validation.MaxLength("idempotencyKey", body.IdempotencyKey, 64),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error()})
		return
	}
	amount, err := usdc.Parse(body.Amount)
	if err != nil || amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "amount must be a positive USDC value with at most 6 decimals"})
		return
	}

	rec, err := h.payer.Withdraw(c.Request.Context(), WithdrawRequest{
		Party:          caller,
		To:             strings.ToLower(body.To),
		Amount:         amount,
		IdempotencyKey: body.IdempotencyKey,
	}, h.confirmTimeout)
	if errors.Is(err, ErrTransferUnconfirmed) && rec != nil {
		c.JSON(http.StatusAccepted, gin.H{"transfer": rec, "message": "Withdrawal submitted; confirmation pending"})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transfer": rec})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrDuplicate), errors.Is(err, ledger.ErrDuplicate):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate", "message": "Transfer already processed"})
	case errors.Is(err, ErrWrongRecipient), errors.Is(err, ErrWrongSender),
		errors.Is(err, ErrInsufficientAmount), errors.Is(err, chain.ErrUnsupportedAsset):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "verification_failed", "message": err.Error()})
	case errors.Is(err, ErrTransferUnconfirmed):
		c.JSON(http.StatusAccepted, gin.H{"error": "unconfirmed", "message": "Transfer not confirmed yet; retry later"})
	case errors.Is(err, chain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Transfer not found on the network"})
	case errors.Is(err, ledger.ErrInsufficientBalance):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_balance", "message": "Insufficient available balance"})
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, chain.ErrInvalidTransfer):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, chain.ErrTransferFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "transfer_failed", "message": "Transfer failed on the network; funds were returned"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Settlement failed"})
	}
}
