package middleware

import (
	"crypto/subtle"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"fairplay-backend/internal/apperrors"
	"fairplay-backend/internal/services"
)

func AuthMiddleware(jwtService *services.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		var tokenString string

		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				unauthorized(c, "Invalid authorization format")
				return
			}
			tokenString = parts[1]
		} else {
			// Browsers cannot set headers on a websocket upgrade.
			tokenString = c.Query("token")
			if tokenString == "" {
				unauthorized(c, "Authorization header required")
				return
			}
		}

		claims, err := jwtService.ValidateToken(tokenString)
		if err != nil {
			unauthorized(c, "Invalid or expired token")
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("session_id", claims.SessionID)

		c.Next()
	}
}

// WebhookAuth guards payment rail callbacks with the rail's shared secret.
func WebhookAuth(secret string) gin.HandlerFunc {
	return sharedSecret("X-Webhook-Secret", secret, "Invalid webhook secret")
}

// AdminAuth guards operator actions. Its secret is separate from the
// webhook's so a leaked rail secret cannot mint balance.
func AdminAuth(secret string) gin.HandlerFunc {
	return sharedSecret("X-Admin-Secret", secret, "Invalid admin secret")
}

func sharedSecret(header, secret, msg string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(header)
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			unauthorized(c, msg)
			return
		}
		c.Next()
	}
}

func unauthorized(c *gin.Context, msg string) {
	c.JSON(http.StatusUnauthorized, gin.H{"error": msg, "code": apperrors.CodeUnauthorized})
	c.Abort()
}

type RateLimit struct {
	Limit  int
	Window time.Duration
}

// RateLimitMiddleware limits authenticated callers per route. Routes
// without an entry are not limited.
func RateLimitMiddleware(limiter services.RateLimiter, limits map[string]RateLimit) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("user_id")
		if userID == "" {
			c.Next()
			return
		}

		route := c.FullPath()
		rl, ok := limits[route]
		if !ok {
			c.Next()
			return
		}

		allowed, err := limiter.Allow(c.Request.Context(), userID, route, rl.Limit, rl.Window)
		if err != nil {
			log.Printf("rate limit check failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Rate limit check failed"})
			c.Abort()
			return
		}
		if !allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"code":        apperrors.CodeRateLimited,
				"retry_after": rl.Window.Seconds(),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
