package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"fairplay-backend/internal/middleware"
	"fairplay-backend/internal/services"
)

type RouterDeps struct {
	JWT           *services.JWTService
	RateLimiter   services.RateLimiter
	BetRateLimit  int
	WebhookSecret string
	AdminSecret   string

	Game      *GameHandler
	User      *UserHandler
	Internal  *InternalHandler
	WebSocket *WebSocketHandler
}

func NewRouter(deps RouterDeps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	limits := map[string]middleware.RateLimit{
		"/api/rounds/:game/bets": {Limit: deps.BetRateLimit, Window: time.Minute},
		"/api/rounds/:game/seed": {Limit: 10, Window: time.Minute},
		"/api/wallet/coupon":     {Limit: 5, Window: time.Minute},
		"/api/wallet/withdraw":   {Limit: 5, Window: time.Minute},
		"/api/vip/claim":         {Limit: 5, Window: time.Minute},
	}

	protected := router.Group("/api")
	protected.Use(middleware.AuthMiddleware(deps.JWT), middleware.RateLimitMiddleware(deps.RateLimiter, limits))
	{
		protected.GET("/ws", deps.WebSocket.HandleWebSocket)

		rounds := protected.Group("/rounds")
		{
			rounds.GET("/verify/:id", deps.Game.VerifyRound)
			rounds.POST("/:game/bets", deps.Game.PlaceBet)
			rounds.GET("/:game/open", deps.Game.GetOpenRound)
			rounds.GET("/:game/history", deps.Game.GetHistory)
			rounds.POST("/:game/seed", deps.Game.SubmitSeed)
		}

		wallet := protected.Group("/wallet")
		{
			wallet.GET("/balance", deps.User.GetBalance)
			wallet.GET("/entries", deps.User.GetEntries)
			wallet.GET("/stats", deps.User.GetStats)
			wallet.POST("/coupon", deps.User.RedeemCoupon)
			wallet.POST("/withdraw", deps.User.RequestWithdrawal)
		}

		vip := protected.Group("/vip")
		{
			vip.GET("", deps.User.GetVIP)
			vip.POST("/claim", deps.User.ClaimRakeback)
		}
	}

	// Payment rail callbacks and operator actions carry different secrets.
	internal := router.Group("/internal")
	rail := middleware.WebhookAuth(deps.WebhookSecret)
	admin := middleware.AdminAuth(deps.AdminSecret)
	{
		internal.POST("/deposits", rail, deps.Internal.ConfirmDeposit)
		internal.POST("/withdrawals/:id/complete", rail, deps.Internal.CompleteWithdrawal)
		internal.POST("/withdrawals/:id/fail", rail, deps.Internal.FailWithdrawal)

		internal.POST("/adjustments", admin, deps.Internal.Adjust)
		internal.POST("/accounts/freeze", admin, deps.Internal.SetFrozen)
		internal.POST("/accounts/wager-limit", admin, deps.Internal.SetWagerLimit)
		internal.POST("/coupons", admin, deps.Internal.CreateCoupon)
		internal.POST("/games/:game/resume", admin, deps.Internal.ResumeGame)
		internal.POST("/games/:game/settle", admin, deps.Internal.SettleGame)
		internal.POST("/reconcile", admin, deps.Internal.Reconcile)
	}

	return router
}
