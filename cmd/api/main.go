package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"fairplay-backend/internal/config"
	"fairplay-backend/internal/handlers"
	"fairplay-backend/internal/models"
	"fairplay-backend/internal/services"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		ledgerStore  services.LedgerStore
		repo         services.RoundRepository
		limiter      services.RateLimiter
		cashierStore services.CashierStore
		wagers       services.WagerStore
		jobStore     services.JobStore
		lease        services.GameLease = services.LocalLease{}
		leaseTTL     time.Duration
		redisSvc     *services.RedisService
	)

	switch cfg.Storage {
	case config.StorageRedis:
		redisSvc, err = services.NewRedisService(cfg)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisSvc.Close()
		ledgerStore, repo, limiter = redisSvc, redisSvc, redisSvc
		cashierStore, wagers, jobStore = redisSvc, redisSvc, redisSvc

		// Several instances may share Redis. Each game runs on whichever
		// instance holds its lease.
		instanceID := cfg.InstanceID
		if instanceID == "" {
			instanceID = models.NewID()
		}
		lease, leaseTTL = services.NewRedisLease(redisSvc, instanceID, cfg.LeaseTTL), cfg.LeaseTTL
		log.Printf("Instance %s", instanceID)
	default:
		memLimiter := services.NewMemoryRateLimiter(time.Hour)
		go memLimiter.Run(ctx, time.Minute)
		ledgerStore, repo, limiter = services.NewMemoryLedgerStore(), services.NewMemoryRoundRepository(), memLimiter
		cashierStore, wagers, jobStore = services.NewMemoryCashierStore(), services.NewWagerTracker(), services.NewMemoryJobStore()
	}

	houseEdge, _ := cfg.HouseEdgeRate()
	minBet, _ := cfg.MinBetAmount()
	maxBet, _ := cfg.MaxBetAmount()
	wagerMultiplier, _ := cfg.WithdrawWagerMultiplierRate()
	rakebackRate, _ := cfg.RakebackRateValue()
	minRakeback, _ := cfg.MinRakebackClaimAmount()

	// Config refuses to start production without a beacon.
	var entropy services.EntropySource = services.LocalEntropy{}
	if cfg.EntropyURL != "" {
		entropy = services.NewBeaconEntropy(cfg.EntropyURL, cfg.EntropyTimeout)
	}

	alerter := services.LogAlerter{}
	policies := services.NewPolicies(houseEdge)
	ledger := services.NewLedger(ledgerStore)
	fairness := services.NewFairnessEngine(entropy, policies, cfg.ClientSeedTTL)
	cashier := services.NewCashier(services.CashierConfig{
		WagerMultiplier:  wagerMultiplier,
		RakebackRate:     rakebackRate,
		MinRakebackClaim: minRakeback,
	}, ledger, cashierStore, wagers)
	reconciler := services.NewReconciler(ledger, alerter, cfg.ReconcileInterval)
	hub := handlers.NewWebSocketHub()

	// With Redis the lease holder publishes to the channel and every hub
	// relays what it receives, so players see rounds from any instance.
	// Events reach the local hub only through the channel, never twice.
	var broadcaster services.Broadcaster = hub
	if redisSvc != nil {
		redisBroadcaster := services.NewRedisBroadcaster(redisSvc, 256)
		go redisBroadcaster.Run(ctx)
		broadcaster = redisBroadcaster
		go func() {
			if err := redisSvc.SubscribeRoundEvents(ctx, hub.OnRoundTransition); err != nil {
				log.Printf("round event subscription ended: %v", err)
			}
		}()
	}

	deps := services.RoundDeps{
		Fairness:    fairness,
		Ledger:      ledger,
		Bets:        services.NewBetRegistry(ledger, repo),
		Repo:        repo,
		Policies:    policies,
		Broadcaster: broadcaster,
		Alerter:     alerter,
		Wagers:      wagers,
	}

	var machines []*services.RoundMachine
	for _, name := range cfg.Games {
		gameType, err := models.ParseGameType(name)
		if err != nil {
			log.Fatalf("Invalid GAMES entry: %v", err)
		}
		m, err := services.NewRoundMachine(services.RoundMachineConfig{
			GameType: gameType,
			MaxBets:  cfg.MaxBetsPerRound,
			MinBet:   minBet,
			MaxBet:   maxBet,
		}, deps)
		if err != nil {
			log.Fatalf("Failed to create %s machine: %v", gameType, err)
		}
		machines = append(machines, m)
	}

	scheduler := services.NewScheduler(services.SchedulerConfig{
		BettingWindow:     cfg.BettingWindow,
		ResolveDelay:      cfg.ResolveDelay,
		Cooldown:          cfg.Cooldown,
		SettleMaxAttempts: uint(cfg.SettleMaxAttempts),
		Lease:             lease,
		LeaseTTL:          leaseTTL,
		Jobs:              jobStore,
	}, repo, alerter, machines...)

	go hub.Run(ctx)
	go fairness.ClientSeeds().Run(ctx, time.Minute)
	go reconciler.Run(ctx)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := handlers.NewRouter(handlers.RouterDeps{
		JWT:           services.NewJWTService(cfg),
		RateLimiter:   limiter,
		BetRateLimit:  cfg.BetRateLimit,
		WebhookSecret: cfg.WebhookSecret,
		AdminSecret:   cfg.AdminSecret,
		Game:          handlers.NewGameHandler(scheduler, fairness, repo),
		User:          handlers.NewUserHandler(ledger, cashier, wagers),
		Internal:      handlers.NewInternalHandler(cashier, ledger, scheduler, reconciler),
		WebSocket:     handlers.NewWebSocketHandler(hub, ledger),
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Printf("Server starting on port %s (storage: %s)", cfg.Port, cfg.Storage)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}
}
