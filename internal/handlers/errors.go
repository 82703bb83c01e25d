package handlers

import (
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"fairplay-backend/internal/apperrors"
	"fairplay-backend/internal/models"
)

// respondError writes err with the status of its code. Errors without a
// code are logged and hidden from the client.
func respondError(c *gin.Context, err error) {
	code := apperrors.CodeOf(err)
	if code == apperrors.CodeUnknown {
		log.Printf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Internal server error",
			"code":  code,
		})
		return
	}

	c.JSON(code.HTTPStatus(), gin.H{
		"error": err.Error(),
		"code":  code,
	})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Invalid request",
		"code":    apperrors.CodeValidation,
		"details": err.Error(),
	})
}

func gameParam(c *gin.Context) (models.GameType, bool) {
	gameType, err := models.ParseGameType(c.Param("game"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": err.Error(),
			"code":  apperrors.CodeValidation,
		})
		return "", false
	}
	return gameType, true
}

func limitQuery(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 100 {
		limit = 50
	}
	return limit
}
