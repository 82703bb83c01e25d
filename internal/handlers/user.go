package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"fairplay-backend/internal/models"
	"fairplay-backend/internal/services"
)

type UserHandler struct {
	ledger  *services.Ledger
	cashier *services.Cashier
	wagers  services.WagerStore
}

func NewUserHandler(ledger *services.Ledger, cashier *services.Cashier, wagers services.WagerStore) *UserHandler {
	return &UserHandler{
		ledger:  ledger,
		cashier: cashier,
		wagers:  wagers,
	}
}

func (h *UserHandler) GetBalance(c *gin.Context) {
	userID := c.GetString("user_id")

	account, err := h.ledger.Account(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"balance": models.BalanceResponse{
			AccountID: account.ID,
			Balance:   account.Balance,
			Frozen:    account.Frozen,
		},
	})
}

func (h *UserHandler) GetEntries(c *gin.Context) {
	userID := c.GetString("user_id")

	entries, err := h.ledger.Entries(c.Request.Context(), userID, limitQuery(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"entries": entries,
		"count":   len(entries),
	})
}

func (h *UserHandler) GetStats(c *gin.Context) {
	stats, err := h.wagers.Stats(c.Request.Context(), c.GetString("user_id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"stats":   stats,
	})
}

func (h *UserHandler) GetVIP(c *gin.Context) {
	status, err := h.cashier.VIPStatus(c.Request.Context(), c.GetString("user_id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"vip":     status,
	})
}

func (h *UserHandler) ClaimRakeback(c *gin.Context) {
	entry, err := h.cashier.ClaimRakeback(c.Request.Context(), c.GetString("user_id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"rakeback_claimed": entry.Delta,
		"entry":            entry,
	})
}

type couponRequest struct {
	Code string `json:"code" binding:"required"`
}

func (h *UserHandler) RedeemCoupon(c *gin.Context) {
	userID := c.GetString("user_id")

	var req couponRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	entry, err := h.cashier.RedeemCoupon(c.Request.Context(), userID, req.Code)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"entry":   entry,
	})
}

type withdrawRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Destination string          `json:"destination" binding:"required"`
}

func (h *UserHandler) RequestWithdrawal(c *gin.Context) {
	userID := c.GetString("user_id")

	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	withdrawal, err := h.cashier.RequestWithdrawal(c.Request.Context(), userID, req.Amount, req.Destination)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"withdrawal": withdrawal,
	})
}
