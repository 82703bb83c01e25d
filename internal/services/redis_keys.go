package services

import "time"

const (
	KeyWallet         = "wallet:%s"
	KeyLedgerEntries  = "ledger:%s:entries"
	KeyLedgerAccounts = "ledger:accounts"
	KeyLedgerBatch    = "ledger:batch:%s"

	KeyRound        = "round:%s"
	KeyRoundBets    = "round:%s:bets"
	KeyRoundHistory = "rounds:%s:history"
	KeyRoundsOpen   = "rounds:open"

	KeyRateLimit = "ratelimit:%s:%s"

	// Wager totals are a hash of integer cents per player.
	KeyWagers = "wagers:%s"

	KeyCoupon         = "coupon:%s"
	KeyCouponClaimers = "coupon:%s:claimers"
	KeyWithdrawal     = "withdrawal:%s"

	// KeyGameLease names the instance running a game type.
	KeyGameLease = "lease:game:%s"
	// KeyJobs is a sorted set of pending round jobs scored by due time in
	// unix milliseconds.
	KeyJobs = "jobs:due"

	ChannelRoundEvents = "rounds:events"

	// Finished rounds are kept for audit; history listings are trimmed.
	TTLRound          = 30 * 24 * time.Hour
	MaxHistoryEntries = 1000

	// WATCH retries before a ledger write reports CONCURRENCY_CONFLICT.
	MaxLedgerTxRetries = 10
)
