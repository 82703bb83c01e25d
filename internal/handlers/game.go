package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"fairplay-backend/internal/apperrors"
	"fairplay-backend/internal/models"
	"fairplay-backend/internal/services"
)

type GameHandler struct {
	scheduler *services.Scheduler
	fairness  *services.FairnessEngine
	repo      services.RoundRepository
}

func NewGameHandler(scheduler *services.Scheduler, fairness *services.FairnessEngine, repo services.RoundRepository) *GameHandler {
	return &GameHandler{
		scheduler: scheduler,
		fairness:  fairness,
		repo:      repo,
	}
}

func (h *GameHandler) machine(c *gin.Context) (*services.RoundMachine, bool) {
	gameType, ok := gameParam(c)
	if !ok {
		return nil, false
	}
	m, err := h.scheduler.Machine(gameType)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return m, true
}

func (h *GameHandler) PlaceBet(c *gin.Context) {
	userID := c.GetString("user_id")

	m, ok := h.machine(c)
	if !ok {
		return
	}

	var req models.PlaceBetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	bet, err := m.PlaceBet(c.Request.Context(), userID, req.Amount, req.Payload)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"bet":     bet,
	})
}

func (h *GameHandler) GetOpenRound(c *gin.Context) {
	m, ok := h.machine(c)
	if !ok {
		return
	}

	round, err := m.OpenRound()
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"round":     round,
		"suspended": m.Suspended(),
	})
}

func (h *GameHandler) GetHistory(c *gin.Context) {
	m, ok := h.machine(c)
	if !ok {
		return
	}

	rounds, err := m.History(c.Request.Context(), limitQuery(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"rounds":  rounds,
		"count":   len(rounds),
	})
}

// SubmitSeed adds the caller's client seed to the round currently taking
// bets. It is mixed into the public seed at reveal.
func (h *GameHandler) SubmitSeed(c *gin.Context) {
	userID := c.GetString("user_id")

	m, ok := h.machine(c)
	if !ok {
		return
	}

	var req models.ClientSeedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	round, err := m.OpenRound()
	if err != nil {
		respondError(c, err)
		return
	}
	if round.Status != models.RoundStatusBetting {
		respondError(c, apperrors.New(apperrors.CodeRoundNotOpen, "client seeds are accepted only while betting"))
		return
	}

	if err := h.fairness.SubmitClientSeed(round.ID, userID, req.Seed); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"round_id": round.ID,
	})
}

// VerifyRound recomputes a settled round from its stored seeds.
func (h *GameHandler) VerifyRound(c *gin.Context) {
	record, err := h.repo.GetRound(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	verification, err := h.fairness.VerifyRecord(record)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"verification": verification,
		"bets":         record.Bets,
	})
}
