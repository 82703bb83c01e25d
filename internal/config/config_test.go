package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage != StorageMemory {
		t.Errorf("expected memory storage by default, got %q", cfg.Storage)
	}
	if cfg.BettingWindow != 15*time.Second {
		t.Errorf("expected 15s betting window, got %s", cfg.BettingWindow)
	}
	if len(cfg.Games) != 4 {
		t.Errorf("expected 4 default games, got %v", cfg.Games)
	}
	edge, _ := cfg.HouseEdgeRate()
	if edge.String() != "0.01" {
		t.Errorf("expected house edge 0.01, got %s", edge)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORAGE", "redis")
	t.Setenv("GAMES", "crash,jackpot")
	t.Setenv("BETTING_WINDOW", "3s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage != StorageRedis {
		t.Errorf("expected redis storage, got %q", cfg.Storage)
	}
	if strings.Join(cfg.Games, ",") != "crash,jackpot" {
		t.Errorf("unexpected games %v", cfg.Games)
	}
	if cfg.BettingWindow != 3*time.Second {
		t.Errorf("expected 3s, got %s", cfg.BettingWindow)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"storage", "STORAGE", "mongo"},
		{"min bet", "MIN_BET", "abc"},
		{"inverted limits", "MIN_BET", "5000"},
		{"edge", "HOUSE_EDGE", "1.5"},
		{"duration", "BETTING_WINDOW", "soon"},
		{"rakeback above edge", "RAKEBACK_RATE", "0.02"},
		{"wager multiplier", "WITHDRAW_WAGER_MULTIPLIER", "-1"},
		{"admin shares webhook secret", "ADMIN_SECRET", "dev-webhook-secret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestProductionRequiresEntropySource(t *testing.T) {
	t.Setenv("ENV", "production")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "ENTROPY_URL") {
		t.Fatalf("expected ENTROPY_URL to be required, got %v", err)
	}

	t.Setenv("ENTROPY_URL", "https://beacon.example/latest")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.IsProduction() {
		t.Error("expected production")
	}
}
