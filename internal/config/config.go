package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

type Config struct {
	Env  string `env:"ENV" envDefault:"development"`
	Port string `env:"PORT" envDefault:"8080"`

	Storage   string `env:"STORAGE" envDefault:"memory"`
	RedisURL  string `env:"REDIS_URL" envDefault:"localhost:6379"`
	RedisPass string `env:"REDIS_PASS"`
	RedisDB   int    `env:"REDIS_DB" envDefault:"0"`

	JWTSecret     string `env:"JWT_SECRET" envDefault:"dev-secret-change-me"`
	WebhookSecret string `env:"WEBHOOK_SECRET" envDefault:"dev-webhook-secret"`
	AdminSecret   string `env:"ADMIN_SECRET" envDefault:"dev-admin-secret"`

	// InstanceID names this process in game leases. Empty means generated
	// at startup.
	InstanceID string        `env:"INSTANCE_ID"`
	LeaseTTL   time.Duration `env:"GAME_LEASE_TTL" envDefault:"15s"`

	// Games lists the game types the scheduler runs.
	Games []string `env:"GAMES" envDefault:"coinflip,jackpot,crash,roulette" envSeparator:","`

	BettingWindow     time.Duration `env:"BETTING_WINDOW" envDefault:"15s"`
	ResolveDelay      time.Duration `env:"RESOLVE_DELAY" envDefault:"2s"`
	Cooldown          time.Duration `env:"COOLDOWN" envDefault:"5s"`
	MaxBetsPerRound   int           `env:"MAX_BETS_PER_ROUND" envDefault:"500"`
	SettleMaxAttempts int           `env:"SETTLE_MAX_ATTEMPTS" envDefault:"5"`

	MinBet    string `env:"MIN_BET" envDefault:"0.10"`
	MaxBet    string `env:"MAX_BET" envDefault:"1000.00"`
	HouseEdge string `env:"HOUSE_EDGE" envDefault:"0.01"`

	// WithdrawWagerMultiplier is how many times their deposits a player
	// must wager before withdrawing.
	WithdrawWagerMultiplier string `env:"WITHDRAW_WAGER_MULTIPLIER" envDefault:"1"`
	RakebackRate            string `env:"RAKEBACK_RATE" envDefault:"0.005"`
	MinRakebackClaim        string `env:"MIN_RAKEBACK_CLAIM" envDefault:"1.00"`

	EntropyURL        string        `env:"ENTROPY_URL"`
	EntropyTimeout    time.Duration `env:"ENTROPY_TIMEOUT" envDefault:"3s"`
	ClientSeedTTL     time.Duration `env:"CLIENT_SEED_TTL" envDefault:"10m"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"5m"`

	BetRateLimit int `env:"BET_RATE_LIMIT" envDefault:"30"`
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Storage {
	case StorageMemory, StorageRedis:
	default:
		return fmt.Errorf("invalid STORAGE %q: want %s or %s", c.Storage, StorageMemory, StorageRedis)
	}
	if c.BettingWindow <= 0 {
		return fmt.Errorf("BETTING_WINDOW must be positive")
	}
	if c.MaxBetsPerRound <= 0 {
		return fmt.Errorf("MAX_BETS_PER_ROUND must be positive")
	}
	if c.SettleMaxAttempts <= 0 {
		return fmt.Errorf("SETTLE_MAX_ATTEMPTS must be positive")
	}

	minBet, err := c.MinBetAmount()
	if err != nil {
		return err
	}
	maxBet, err := c.MaxBetAmount()
	if err != nil {
		return err
	}
	if !minBet.IsPositive() || maxBet.LessThan(minBet) {
		return fmt.Errorf("bet limits must satisfy 0 < MIN_BET <= MAX_BET")
	}

	edge, err := c.HouseEdgeRate()
	if err != nil {
		return err
	}
	if edge.IsNegative() || edge.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("HOUSE_EDGE must be in [0, 1)")
	}

	multiplier, err := c.WithdrawWagerMultiplierRate()
	if err != nil {
		return err
	}
	if multiplier.IsNegative() {
		return fmt.Errorf("WITHDRAW_WAGER_MULTIPLIER must not be negative")
	}
	rakeback, err := c.RakebackRateValue()
	if err != nil {
		return err
	}
	if rakeback.IsNegative() || (rakeback.IsPositive() && rakeback.GreaterThanOrEqual(edge)) {
		return fmt.Errorf("RAKEBACK_RATE must be in [0, HOUSE_EDGE)")
	}
	if _, err := c.MinRakebackClaimAmount(); err != nil {
		return err
	}

	if c.Storage == StorageRedis && c.LeaseTTL < time.Second {
		return fmt.Errorf("GAME_LEASE_TTL must be at least 1s")
	}
	if c.AdminSecret == "" || c.AdminSecret == c.WebhookSecret {
		return fmt.Errorf("ADMIN_SECRET must be set and differ from WEBHOOK_SECRET")
	}
	// Locally generated entropy is chosen by the server after bets are in,
	// so it cannot back a public fairness claim.
	if c.IsProduction() && c.EntropyURL == "" {
		return fmt.Errorf("ENTROPY_URL is required in production")
	}
	return nil
}

func (c *Config) MinBetAmount() (decimal.Decimal, error) {
	return parseDecimal("MIN_BET", c.MinBet)
}

func (c *Config) MaxBetAmount() (decimal.Decimal, error) {
	return parseDecimal("MAX_BET", c.MaxBet)
}

func (c *Config) HouseEdgeRate() (decimal.Decimal, error) {
	return parseDecimal("HOUSE_EDGE", c.HouseEdge)
}

func (c *Config) WithdrawWagerMultiplierRate() (decimal.Decimal, error) {
	return parseDecimal("WITHDRAW_WAGER_MULTIPLIER", c.WithdrawWagerMultiplier)
}

func (c *Config) RakebackRateValue() (decimal.Decimal, error) {
	return parseDecimal("RAKEBACK_RATE", c.RakebackRate)
}

func (c *Config) MinRakebackClaimAmount() (decimal.Decimal, error) {
	return parseDecimal("MIN_RAKEBACK_CLAIM", c.MinRakebackClaim)
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func parseDecimal(name, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	return d, nil
}
