package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"fairplay-backend/internal/apperrors"
	"fairplay-backend/internal/models"
)

// EntropySource supplies the externally influenced half of a round's public
// seed.
type EntropySource interface {
	Entropy(ctx context.Context, roundID string) (string, error)
}

// LocalEntropy draws from crypto/rand. The value is recorded on the round
// but nobody outside the server can check it was not chosen after the bets,
// so it is for development only; configuration refuses it in production.
type LocalEntropy struct{}

func (LocalEntropy) Entropy(ctx context.Context, roundID string) (string, error) {
	seed, err := models.GenerateSeed()
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeExternalService, "local entropy", err)
	}
	return seed, nil
}

// BeaconEntropy reads the latest value of a public randomness beacon that
// answers with {"round": n, "randomness": "<hex>"}. The returned entropy is
// "round:randomness" so an auditor can look the value up independently.
type BeaconEntropy struct {
	URL      string
	Client   *http.Client
	MaxTries uint

	// NewBackOff builds the retry policy for one Entropy call.
	NewBackOff func() backoff.BackOff
}

func NewBeaconEntropy(url string, timeout time.Duration) *BeaconEntropy {
	return &BeaconEntropy{
		URL:      url,
		Client:   &http.Client{Timeout: timeout},
		MaxTries: 4,

		NewBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

type beaconResponse struct {
	Round      uint64 `json:"round"`
	Randomness string `json:"randomness"`
}

func (b *BeaconEntropy) Entropy(ctx context.Context, roundID string) (string, error) {
	value, err := backoff.Retry(ctx, func() (string, error) {
		return b.fetch(ctx)
	}, backoff.WithBackOff(b.NewBackOff()), backoff.WithMaxTries(b.MaxTries))
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeExternalService, "entropy beacon unavailable", err)
	}
	return value, nil
}

func (b *BeaconEntropy) fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.URL, nil)
	if err != nil {
		return "", backoff.Permanent(err)
	}

	resp, err := b.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("beacon returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", backoff.Permanent(fmt.Errorf("beacon returned %d", resp.StatusCode))
	}

	var body beaconResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode beacon response: %w", err)
	}
	if body.Randomness == "" {
		return "", fmt.Errorf("beacon response has no randomness")
	}
	return fmt.Sprintf("%d:%s", body.Round, body.Randomness), nil
}
