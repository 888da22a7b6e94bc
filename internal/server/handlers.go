package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/usdc"
	"github.com/mbd888/escrowd/internal/validation"
)

// Version is reported by /health and /v1/info; set by cmd/server.
var Version = "dev"

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string      `json:"status"`
	Version   string      `json:"version"`
	Checks    interface{} `json:"checks,omitempty"`
	Timestamp string      `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, statuses := s.checks.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	if !ok {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	policy, _ := s.cfg.FeePolicy()
	info := gin.H{
		"name":           "escrowd",
		"version":        Version,
		"env":            s.cfg.Env,
		"custody":        s.chain.CustodyAddress(),
		"asset":          s.chain.Asset(),
		"oracleSchedule": s.cfg.OracleSchedule,
		"fees": gin.H{
			"mode": policy.Mode,
			"rate": policy.Rate.String(),
			"flat": usdc.Format(policy.Flat),
			"side": policy.Side,
		},
	}
	if s.devChain != nil {
		info["network"] = "memory"
	} else {
		info["network"] = "evm"
		info["chainId"] = s.cfg.ChainID
	}
	c.JSON(http.StatusOK, info)
}

// solvencyHandler runs a fresh custody check.
func (s *Server) solvencyHandler(c *gin.Context) {
	res, err := s.solvency.Check(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "check_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"solvency": res})
}

type devTransferRequest struct {
	From   string `json:"from" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

// devTransferHandler simulates an inbound transfer to custody on the
// in-memory network so deposits and on-ledger funding can be exercised
// without a real chain.
func (s *Server) devTransferHandler(c *gin.Context) {
	var req devTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if errs := validation.Validate(
		validation.ValidAddress("from", req.From),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error(), "details": errs})
		return
	}

	amount, _ := usdc.Parse(req.Amount)
	hash := s.devChain.Inject(req.From, s.devChain.CustodyAddress(), amount)
	c.JSON(http.StatusCreated, gin.H{"txHash": hash, "from": req.From, "to": s.devChain.CustodyAddress(), "amount": req.Amount})
}
