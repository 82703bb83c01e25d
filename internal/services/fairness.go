package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"fairplay-backend/internal/apperrors"
	"fairplay-backend/internal/models"
)

const maxClientSeedLength = 64

// FairnessEngine implements commit/reveal for rounds. The private seed is
// committed by its SHA-256 before betting opens; after lock it is combined
// with external entropy into a public seed and the outcome is an HMAC of
// both, reproducible by anyone holding the three inputs.
type FairnessEngine struct {
	entropy     EntropySource
	policies    Policies
	clientSeeds *ExpiringStore[string, map[string]string]
}

func NewFairnessEngine(entropy EntropySource, policies Policies, clientSeedTTL time.Duration) *FairnessEngine {
	return &FairnessEngine{
		entropy:     entropy,
		policies:    policies,
		clientSeeds: NewExpiringStore[string, map[string]string](clientSeedTTL),
	}
}

// ClientSeeds exposes the pending client seed store so its janitor can be
// started alongside the engine.
func (f *FairnessEngine) ClientSeeds() *ExpiringStore[string, map[string]string] {
	return f.clientSeeds
}

// Commit returns a fresh private seed and its published hash.
func (f *FairnessEngine) Commit() (privateSeed, privateHash string, err error) {
	privateSeed, err = models.GenerateSeed()
	if err != nil {
		return "", "", err
	}
	return privateSeed, HashSeed(privateSeed), nil
}

func HashSeed(seed string) string {
	hash := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(hash[:])
}

// SubmitClientSeed records a player's seed for a round still taking bets.
// A second submission from the same player replaces the first.
func (f *FairnessEngine) SubmitClientSeed(roundID, playerID, seed string) error {
	seed = strings.TrimSpace(seed)
	if seed == "" || len(seed) > maxClientSeedLength {
		return apperrors.New(apperrors.CodeValidation,
			fmt.Sprintf("client seed must be 1-%d characters", maxClientSeedLength))
	}

	f.clientSeeds.Update(roundID, func(current map[string]string, found bool) map[string]string {
		next := make(map[string]string, len(current)+1)
		for k, v := range current {
			next[k] = v
		}
		next[playerID] = seed
		return next
	})
	return nil
}

// Revelation is what a reveal produced: the public seed and the inputs it
// was built from.
type Revelation struct {
	Entropy     string
	ClientSeeds []models.ClientSeed
	PublicSeed  string
}

// Reveal builds the public seed for a locked round from the entropy source
// and the client seeds submitted during betting. Pending client seeds are
// consumed only once entropy has been obtained, so a failed reveal can be
// retried with the same inputs.
func (f *FairnessEngine) Reveal(ctx context.Context, round *models.Round) (*Revelation, error) {
	entropy, err := f.entropy.Entropy(ctx, round.ID)
	if err != nil {
		return nil, err
	}

	pending, _ := f.clientSeeds.Take(round.ID)
	seeds := make([]models.ClientSeed, 0, len(pending))
	for player, seed := range pending {
		seeds = append(seeds, models.ClientSeed{PlayerID: player, Seed: seed})
	}
	sortClientSeeds(seeds)

	return &Revelation{
		Entropy:     entropy,
		ClientSeeds: seeds,
		PublicSeed:  CombinePublicSeed(entropy, seeds),
	}, nil
}

// CombinePublicSeed is hex(SHA-256(entropy | playerID:seed ...)) with client
// seeds ordered by player id.
func CombinePublicSeed(entropy string, clientSeeds []models.ClientSeed) string {
	seeds := append([]models.ClientSeed(nil), clientSeeds...)
	sortClientSeeds(seeds)

	h := sha256.New()
	h.Write([]byte(entropy))
	for _, s := range seeds {
		h.Write([]byte("|" + s.PlayerID + ":" + s.Seed))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sortClientSeeds(seeds []models.ClientSeed) {
	sort.Slice(seeds, func(i, j int) bool { return seeds[i].PlayerID < seeds[j].PlayerID })
}

// Derive computes the outcome for the given inputs. It is a pure function
// of its arguments.
func (f *FairnessEngine) Derive(gameType models.GameType, privateSeed, publicSeed, roundID string) (*models.Outcome, error) {
	policy, err := f.policies.Get(gameType)
	if err != nil {
		return nil, err
	}
	return DeriveOutcome(policy, privateSeed, publicSeed, roundID), nil
}

// DeriveOutcome is HMAC-SHA256(key=privateSeed, msg=publicSeed:roundID),
// its first 52 bits taken as a roll in [0,1) and handed to the policy.
func DeriveOutcome(policy GamePolicy, privateSeed, publicSeed, roundID string) *models.Outcome {
	digest := roundDigest(privateSeed, publicSeed, roundID)
	roll := float64(uint52(digest)) / float64(uint64(1)<<52)

	outcome := policy.Outcome(roll, digest)
	outcome.Hash = hex.EncodeToString(digest)
	return outcome
}

// Verify checks the revealed private seed against the published commit.
func (f *FairnessEngine) Verify(round *models.Round) bool {
	return round.PrivateSeed != "" && hmac.Equal([]byte(HashSeed(round.PrivateSeed)), []byte(round.PrivateHash))
}

// Verification is the public audit of a finished round.
type Verification struct {
	RoundID      string          `json:"round_id"`
	GameType     models.GameType `json:"game_type"`
	CommitValid  bool            `json:"commit_valid"`
	OutcomeValid bool            `json:"outcome_valid"`
	PayoutsValid bool            `json:"payouts_valid"`
	// PublicSeedValid reports that the public seed is the hash of the
	// recorded entropy and client seeds.
	PublicSeedValid bool            `json:"public_seed_valid"`
	Recomputed      *models.Outcome `json:"recomputed,omitempty"`

	PrivateSeed   string              `json:"private_seed"`
	PrivateHash   string              `json:"private_hash"`
	PublicSeed    string              `json:"public_seed"`
	Entropy       string              `json:"entropy"`
	ClientSeeds   []models.ClientSeed `json:"client_seeds"`
	StoredOutcome *models.Outcome     `json:"stored_outcome,omitempty"`
}

// VerifyRecord recomputes the commit, the public seed, the outcome and
// every payout of a settled round from its stored seeds and bets.
func (f *FairnessEngine) VerifyRecord(record *models.RoundRecord) (*Verification, error) {
	round := record.Round
	if round.Status != models.RoundStatusSettled {
		return nil, apperrors.New(apperrors.CodeRoundNotOpen,
			fmt.Sprintf("round %s is %s; only settled rounds can be verified", round.ID, round.Status))
	}

	policy, err := f.policies.Get(round.GameType)
	if err != nil {
		return nil, err
	}

	v := &Verification{
		RoundID:       round.ID,
		GameType:      round.GameType,
		CommitValid:   f.Verify(round),
		PrivateSeed:   round.PrivateSeed,
		PrivateHash:   round.PrivateHash,
		PublicSeed:    round.PublicSeed,
		Entropy:       round.Entropy,
		ClientSeeds:   round.ClientSeeds,
		StoredOutcome: round.Outcome,
	}
	v.PublicSeedValid = round.Entropy != "" &&
		CombinePublicSeed(round.Entropy, round.ClientSeeds) == round.PublicSeed

	recomputed := DeriveOutcome(policy, round.PrivateSeed, round.PublicSeed, round.ID)
	bets := cloneBets(record.Bets)
	payouts, err := policy.Payouts(recomputed, bets)
	if err != nil {
		return nil, err
	}
	v.Recomputed = recomputed
	v.OutcomeValid = round.Outcome != nil && sameOutcome(round.Outcome, recomputed)

	v.PayoutsValid = true
	for _, bet := range record.Bets {
		want := payouts[bet.ID]
		if bet.Payout == nil || !bet.Payout.Equal(want) {
			v.PayoutsValid = false
			break
		}
	}
	return v, nil
}

func sameOutcome(a, b *models.Outcome) bool {
	if a.Hash != b.Hash || a.Side != b.Side || a.Color != b.Color || a.WinnerBetID != b.WinnerBetID {
		return false
	}
	if !a.Multiplier.Equal(b.Multiplier) {
		return false
	}
	if (a.Slot == nil) != (b.Slot == nil) {
		return false
	}
	return a.Slot == nil || *a.Slot == *b.Slot
}

func roundDigest(privateSeed, publicSeed, roundID string) []byte {
	mac := hmac.New(sha256.New, []byte(privateSeed))
	mac.Write([]byte(publicSeed + ":" + roundID))
	return mac.Sum(nil)
}

// uint52 is the first 13 hex characters of the digest.
func uint52(digest []byte) uint64 {
	return binary.BigEndian.Uint64(digest[:8]) >> 12
}
