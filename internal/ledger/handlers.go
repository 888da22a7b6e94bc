package ledger

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/usdc"
	"github.com/mbd888/escrowd/internal/validation"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Handler serves read-only balance endpoints. Balances are public: the
// ledger mirrors on-chain custody, which is public anyway.
type Handler struct {
	ledger *Ledger
}

func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes mounts /balances/:address and its history.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/balances/:address", partyParam)
	g.GET("", h.GetBalance)
	g.GET("/history", h.GetHistory)
}

// partyParam validates :address and stores it lower-cased as "party".
func partyParam(c *gin.Context) {
	addr := c.Param("address")
	if !validation.IsValidEthAddress(addr) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address must be a 0x-prefixed 20-byte hex string",
		})
		return
	}
	c.Set("party", strings.ToLower(addr))
	c.Next()
}

// balanceView adds display amounts to a Balance.
type balanceView struct {
	*Balance
	AvailableUSDC string `json:"availableUsdc"`
	LockedUSDC    string `json:"lockedUsdc"`
	TotalUSDC     string `json:"totalUsdc"`
}

// GetBalance handles GET /balances/:address
func (h *Handler) GetBalance(c *gin.Context) {
	b, err := h.ledger.GetBalance(c.Request.Context(), c.GetString("party"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger_error", "message": "failed to read balance"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balanceView{
		Balance:       b,
		AvailableUSDC: usdc.Format(b.Available),
		LockedUSDC:    usdc.Format(b.Locked),
		TotalUSDC:     usdc.Format(b.Total()),
	}})
}

// GetHistory handles GET /balances/:address/history?limit=N, newest first.
func (h *Handler) GetHistory(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxHistoryLimit {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be between 1 and " + strconv.Itoa(maxHistoryLimit),
			})
			return
		}
		limit = n
	}

	entries, err := h.ledger.History(c.Request.Context(), c.GetString("party"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger_error", "message": "failed to read history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}
