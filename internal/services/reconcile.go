package services

import (
	"context"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"fairplay-backend/internal/models"
)

// Drift is an account whose cached balance disagrees with its entries.
type Drift struct {
	AccountID string          `json:"account_id"`
	Cached    decimal.Decimal `json:"cached"`
	Computed  decimal.Decimal `json:"computed"`
}

// Reconciler recomputes every balance from its entry log. It reports drift
// and never corrects it.
type Reconciler struct {
	ledger   *Ledger
	alerter  Alerter
	interval time.Duration
}

func NewReconciler(ledger *Ledger, alerter Alerter, interval time.Duration) *Reconciler {
	if alerter == nil {
		alerter = LogAlerter{}
	}
	return &Reconciler{ledger: ledger, alerter: alerter, interval: interval}
}

func (r *Reconciler) RunOnce(ctx context.Context) ([]Drift, error) {
	ids, err := r.ledger.store.AccountIDs(ctx)
	if err != nil {
		return nil, err
	}

	var drifts []Drift
	for _, id := range ids {
		account, entries, err := r.ledger.store.Snapshot(ctx, id)
		if err != nil {
			return drifts, err
		}

		computed := sumEntries(entries)
		if computed.Equal(account.Balance) {
			continue
		}

		d := Drift{AccountID: id, Cached: account.Balance, Computed: computed}
		drifts = append(drifts, d)
		r.alerter.Alert(ctx, AlertLedgerDrift, "cached balance differs from entry sum", map[string]string{
			"account":  id,
			"cached":   models.FormatMoney(d.Cached),
			"computed": models.FormatMoney(d.Computed),
		})
	}
	return drifts, nil
}

func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			drifts, err := r.RunOnce(ctx)
			if err != nil {
				log.Printf("reconcile failed: %v", err)
				continue
			}
			if len(drifts) > 0 {
				log.Printf("reconcile found %d drifting accounts", len(drifts))
			}
		case <-ctx.Done():
			return
		}
	}
}
