package services

import (
	"context"
	"log"
	"sort"
	"strings"
)

// Alert kinds that need an operator.
const (
	AlertFairnessMismatch = "fairness_mismatch"
	AlertSettlementStuck  = "settlement_stuck"
	AlertResolveStuck     = "resolve_stuck"
	AlertLedgerDrift      = "ledger_drift"
	AlertRecoveryFailed   = "recovery_failed"
)

// Alerter escalates conditions that must never be resolved automatically.
type Alerter interface {
	Alert(ctx context.Context, kind, message string, fields map[string]string)
}

type LogAlerter struct{}

func (LogAlerter) Alert(ctx context.Context, kind, message string, fields map[string]string) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(" " + k + "=" + fields[k])
	}
	log.Printf("ALERT [%s] %s%s", kind, message, b.String())
}
