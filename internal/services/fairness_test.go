package services_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"

	"fairplay-backend/internal/apperrors"
	"fairplay-backend/internal/models"
	"fairplay-backend/internal/services"
)

type fixedEntropy string

func (e fixedEntropy) Entropy(ctx context.Context, roundID string) (string, error) {
	return string(e), nil
}

type failingEntropy struct{ calls atomic.Int32 }

func (e *failingEntropy) Entropy(ctx context.Context, roundID string) (string, error) {
	e.calls.Add(1)
	return "", apperrors.New(apperrors.CodeExternalService, "beacon down")
}

func newFairness(entropy services.EntropySource) *services.FairnessEngine {
	return services.NewFairnessEngine(entropy, services.NewPolicies(dec("0.01")), time.Minute)
}

func TestCommitHashesSeed(t *testing.T) {
	f := newFairness(fixedEntropy("x"))

	seed, hash, err := f.Commit()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(seed) != 64 || len(hash) != 64 {
		t.Fatalf("expected 64 hex chars, got seed %d hash %d", len(seed), len(hash))
	}
	if services.HashSeed(seed) != hash {
		t.Error("hash is not SHA-256 of the seed")
	}

	seed2, _, _ := f.Commit()
	if seed == seed2 {
		t.Error("two commits produced the same seed")
	}

	round := &models.Round{PrivateSeed: seed, PrivateHash: hash}
	if !f.Verify(round) {
		t.Error("matching seed should verify")
	}
	round.PrivateSeed = seed2
	if f.Verify(round) {
		t.Error("different seed should not verify")
	}
}

func TestDeriveIsDeterministic(t *testing.T) {
	f := newFairness(fixedEntropy("x"))

	for _, gameType := range models.AllGameTypes {
		a, err := f.Derive(gameType, "server", "xyz", "round-1")
		if err != nil {
			t.Fatalf("derive %s: %v", gameType, err)
		}
		b, _ := f.Derive(gameType, "server", "xyz", "round-1")
		if a.Hash != b.Hash || a.Roll != b.Roll || !a.Multiplier.Equal(b.Multiplier) || a.Side != b.Side {
			t.Errorf("%s: derive not deterministic: %+v vs %+v", gameType, a, b)
		}
		if a.Roll < 0 || a.Roll >= 1 {
			t.Errorf("%s: roll %v outside [0,1)", gameType, a.Roll)
		}

		c, _ := f.Derive(gameType, "server", "xyz", "round-2")
		if a.Hash == c.Hash {
			t.Errorf("%s: different rounds share a digest", gameType)
		}
	}
}

func TestRevealMixesClientSeeds(t *testing.T) {
	ctx := context.Background()
	f := newFairness(fixedEntropy("beacon-42"))
	round := &models.Round{ID: "r1"}

	bare, err := f.Reveal(ctx, round)
	if err != nil {
		t.Fatalf("reveal: %v", err)
	}
	if bare.PublicSeed != services.CombinePublicSeed("beacon-42", nil) {
		t.Error("public seed without client seeds should be the hashed entropy")
	}
	if bare.Entropy != "beacon-42" || len(bare.ClientSeeds) != 0 {
		t.Errorf("unexpected reveal inputs: %+v", bare)
	}

	if err := f.SubmitClientSeed("r1", "bob", "lucky"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := f.SubmitClientSeed("r1", "alice", "seven"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	mixed, err := f.Reveal(ctx, round)
	if err != nil {
		t.Fatalf("reveal: %v", err)
	}
	seeds := []models.ClientSeed{{PlayerID: "alice", Seed: "seven"}, {PlayerID: "bob", Seed: "lucky"}}
	want := services.CombinePublicSeed("beacon-42", seeds)
	if mixed.PublicSeed != want {
		t.Errorf("public seed = %s, want %s", mixed.PublicSeed, want)
	}
	if mixed.PublicSeed == bare.PublicSeed {
		t.Error("client seeds did not change the public seed")
	}
	if len(mixed.ClientSeeds) != 2 || mixed.ClientSeeds[0] != seeds[0] || mixed.ClientSeeds[1] != seeds[1] {
		t.Errorf("client seeds = %+v, want %+v sorted by player", mixed.ClientSeeds, seeds)
	}

	reversed := []models.ClientSeed{seeds[1], seeds[0]}
	if services.CombinePublicSeed("beacon-42", reversed) != want {
		t.Error("public seed should not depend on submission order")
	}

	// Seeds are consumed by the reveal.
	if _, ok := f.ClientSeeds().Get("r1"); ok {
		t.Error("client seeds should be consumed at reveal")
	}
}

func TestRevealFailureKeepsClientSeeds(t *testing.T) {
	f := newFairness(&failingEntropy{})
	if err := f.SubmitClientSeed("r1", "bob", "lucky"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, err := f.Reveal(context.Background(), &models.Round{ID: "r1"})
	if !errors.Is(err, apperrors.ErrExternalService) {
		t.Fatalf("expected EXTERNAL_SERVICE, got %v", err)
	}
	if _, ok := f.ClientSeeds().Get("r1"); !ok {
		t.Error("client seeds should survive a failed reveal")
	}
}

func TestSubmitClientSeedValidation(t *testing.T) {
	f := newFairness(fixedEntropy("x"))
	for _, seed := range []string{"", "   ", strings.Repeat("a", 65)} {
		if err := f.SubmitClientSeed("r1", "p", seed); !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("seed %q: expected VALIDATION, got %v", seed, err)
		}
	}
}

func settledCrashRecord(t *testing.T, f *services.FairnessEngine) *models.RoundRecord {
	t.Helper()
	policy := &services.CrashPolicy{HouseEdge: dec("0.01")}
	seed, hash, _ := f.Commit()
	clientSeeds := []models.ClientSeed{{PlayerID: "A", Seed: "a-seed"}}
	publicSeed := services.CombinePublicSeed("beacon-9:ff00", clientSeeds)
	outcome := services.DeriveOutcome(policy, seed, publicSeed, "round-v")

	bets := []*models.Bet{
		bet("a", "A", "10", models.BetPayload{CashoutAt: dec("1.01")}),
		bet("b", "B", "20", models.BetPayload{}),
	}
	payouts, _ := policy.Payouts(outcome, bets)
	for _, b := range bets {
		p := payouts[b.ID]
		b.Payout = &p
	}

	return &models.RoundRecord{
		Round: &models.Round{
			ID:          "round-v",
			GameType:    models.GameTypeCrash,
			Status:      models.RoundStatusSettled,
			PrivateSeed: seed,
			PrivateHash: hash,
			PublicSeed:  publicSeed,
			Entropy:     "beacon-9:ff00",
			ClientSeeds: clientSeeds,
			Outcome:     outcome,
		},
		Bets: bets,
	}
}

func TestVerifyRecord(t *testing.T) {
	f := newFairness(fixedEntropy("x"))
	record := settledCrashRecord(t, f)

	v, err := f.VerifyRecord(record)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !v.CommitValid || !v.PublicSeedValid || !v.OutcomeValid || !v.PayoutsValid {
		t.Errorf("expected a clean verification, got %+v", v)
	}
	if v.Entropy != "beacon-9:ff00" || len(v.ClientSeeds) != 1 {
		t.Errorf("verification should expose the reveal inputs, got %+v", v)
	}

	tampered := dec("999")
	record.Bets[1].Payout = &tampered
	v, _ = f.VerifyRecord(record)
	if v.PayoutsValid {
		t.Error("tampered payout should fail verification")
	}

	record.Round.PrivateHash = services.HashSeed("other")
	v, _ = f.VerifyRecord(record)
	if v.CommitValid {
		t.Error("wrong commit should fail verification")
	}

	record.Round.Status = models.RoundStatusBetting
	if _, err := f.VerifyRecord(record); !errors.Is(err, apperrors.ErrRoundNotOpen) {
		t.Errorf("unsettled round: expected ROUND_NOT_OPEN, got %v", err)
	}
}

func TestVerifyRecordDetectsSubstitutedPublicSeed(t *testing.T) {
	f := newFairness(fixedEntropy("x"))

	record := settledCrashRecord(t, f)
	record.Round.Entropy = "beacon-9:0000"
	v, err := f.VerifyRecord(record)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if v.PublicSeedValid {
		t.Error("public seed not derived from the recorded entropy should fail verification")
	}
	if !v.OutcomeValid {
		t.Error("the outcome still follows from the stored public seed")
	}

	record = settledCrashRecord(t, f)
	record.Round.ClientSeeds = nil
	v, _ = f.VerifyRecord(record)
	if v.PublicSeedValid {
		t.Error("dropping a client seed should fail verification")
	}

	record = settledCrashRecord(t, f)
	record.Round.Entropy = ""
	v, _ = f.VerifyRecord(record)
	if v.PublicSeedValid {
		t.Error("a round without recorded entropy cannot be verified")
	}
}

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(time.Millisecond)
}

func TestBeaconEntropy(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"round": 1234, "randomness": "abcdef"}`))
	}))
	defer srv.Close()

	beacon := services.NewBeaconEntropy(srv.URL, time.Second)
	beacon.NewBackOff = fastBackOff

	got, err := beacon.Entropy(context.Background(), "r1")
	if err != nil {
		t.Fatalf("entropy: %v", err)
	}
	if got != "1234:abcdef" {
		t.Errorf("entropy = %q, want 1234:abcdef", got)
	}
	if hits.Load() != 3 {
		t.Errorf("expected 3 requests, got %d", hits.Load())
	}
}

func TestBeaconEntropyGivesUp(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	beacon := services.NewBeaconEntropy(srv.URL, time.Second)
	beacon.NewBackOff = fastBackOff
	beacon.MaxTries = 2

	_, err := beacon.Entropy(context.Background(), "r1")
	if !errors.Is(err, apperrors.ErrExternalService) {
		t.Fatalf("expected EXTERNAL_SERVICE, got %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("expected 2 requests, got %d", hits.Load())
	}
}

func TestBeaconEntropyClientErrorIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	beacon := services.NewBeaconEntropy(srv.URL, time.Second)
	beacon.NewBackOff = fastBackOff

	if _, err := beacon.Entropy(context.Background(), "r1"); err == nil {
		t.Fatal("expected an error")
	}
	if hits.Load() != 1 {
		t.Errorf("expected a single request, got %d", hits.Load())
	}
}
