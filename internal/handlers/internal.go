package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"fairplay-backend/internal/services"
)

// InternalHandler serves payment rail callbacks and operator actions. Its
// routes sit behind the webhook and admin secrets, not player auth.
type InternalHandler struct {
	cashier    *services.Cashier
	ledger     *services.Ledger
	scheduler  *services.Scheduler
	reconciler *services.Reconciler
}

func NewInternalHandler(cashier *services.Cashier, ledger *services.Ledger, scheduler *services.Scheduler, reconciler *services.Reconciler) *InternalHandler {
	return &InternalHandler{
		cashier:    cashier,
		ledger:     ledger,
		scheduler:  scheduler,
		reconciler: reconciler,
	}
}

type depositRequest struct {
	AccountID string          `json:"account_id" binding:"required"`
	TxID      string          `json:"tx_id" binding:"required"`
	Amount    decimal.Decimal `json:"amount"`
}

func (h *InternalHandler) ConfirmDeposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	applied, err := h.cashier.ConfirmDeposit(c.Request.Context(), req.AccountID, req.TxID, req.Amount)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"applied": applied,
	})
}

type adjustmentRequest struct {
	AccountID  string          `json:"account_id" binding:"required"`
	Delta      decimal.Decimal `json:"delta"`
	ModifierID string          `json:"modifier_id" binding:"required"`
	Note       string          `json:"note"`
}

func (h *InternalHandler) Adjust(c *gin.Context) {
	var req adjustmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	entry, err := h.cashier.AdminAdjust(c.Request.Context(), req.AccountID, req.Delta, req.ModifierID, req.Note)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"entry":   entry,
	})
}

type freezeRequest struct {
	AccountID string `json:"account_id" binding:"required"`
	Frozen    bool   `json:"frozen"`
}

func (h *InternalHandler) SetFrozen(c *gin.Context) {
	var req freezeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if err := h.ledger.SetFrozen(c.Request.Context(), req.AccountID, req.Frozen); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

type couponDefinition struct {
	Code    string          `json:"code" binding:"required"`
	Amount  decimal.Decimal `json:"amount"`
	MaxUses int             `json:"max_uses" binding:"required"`
}

func (h *InternalHandler) CreateCoupon(c *gin.Context) {
	var req couponDefinition
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if err := h.cashier.AddCoupon(c.Request.Context(), req.Code, req.Amount, req.MaxUses); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

type wagerLimitRequest struct {
	AccountID string          `json:"account_id" binding:"required"`
	Limit     decimal.Decimal `json:"limit"`
}

// SetWagerLimit puts a sponsor-style wagering requirement on an account.
func (h *InternalHandler) SetWagerLimit(c *gin.Context) {
	var req wagerLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if err := h.cashier.SetWagerLimit(c.Request.Context(), req.AccountID, req.Limit); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *InternalHandler) CompleteWithdrawal(c *gin.Context) {
	withdrawal, err := h.cashier.CompleteWithdrawal(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "withdrawal": withdrawal})
}

func (h *InternalHandler) FailWithdrawal(c *gin.Context) {
	withdrawal, err := h.cashier.FailWithdrawal(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "withdrawal": withdrawal})
}

func (h *InternalHandler) ResumeGame(c *gin.Context) {
	gameType, ok := gameParam(c)
	if !ok {
		return
	}

	if err := h.scheduler.Resume(gameType); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// SettleGame retries settlement of a round stuck in resolving.
func (h *InternalHandler) SettleGame(c *gin.Context) {
	gameType, ok := gameParam(c)
	if !ok {
		return
	}

	round, err := h.scheduler.SettleNow(c.Request.Context(), gameType)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "round": round})
}

func (h *InternalHandler) Reconcile(c *gin.Context) {
	drifts, err := h.reconciler.RunOnce(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"drifts":  drifts,
		"count":   len(drifts),
	})
}
