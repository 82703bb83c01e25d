package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"fairplay-backend/internal/apperrors"
	"fairplay-backend/internal/models"
)

// Apply runs an optimistic WATCH/MULTI transaction over every wallet key in
// the batch. A concurrent writer on any of those keys aborts EXEC and the
// whole batch is replanned from fresh balances.
func (s *RedisService) Apply(ctx context.Context, batchKey string, reqs []models.EntryRequest) ([]*models.LedgerEntry, error) {
	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		ids = append(ids, req.AccountID)
	}
	ids = uniqueSorted(ids)

	watched := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		watched = append(watched, fmt.Sprintf(KeyWallet, id))
	}
	if batchKey != "" {
		watched = append(watched, fmt.Sprintf(KeyLedgerBatch, batchKey))
	}

	var entries []*models.LedgerEntry
	txf := func(tx *redis.Tx) error {
		if batchKey != "" {
			n, err := tx.Exists(ctx, fmt.Sprintf(KeyLedgerBatch, batchKey)).Result()
			if err != nil {
				return fmt.Errorf("failed to check batch key: %v", err)
			}
			if n > 0 {
				return ErrBatchAlreadyApplied
			}
		}

		accounts := make(map[string]*models.WalletAccount, len(ids))
		for _, id := range ids {
			account, err := s.loadAccount(ctx, tx, id)
			if err != nil {
				return err
			}
			accounts[id] = account
		}

		planned, err := planEntries(accounts, reqs, batchKey, s.now())
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for id, account := range accounts {
				data, err := json.Marshal(account)
				if err != nil {
					return fmt.Errorf("failed to marshal wallet: %v", err)
				}
				pipe.Set(ctx, fmt.Sprintf(KeyWallet, id), data, 0)
				pipe.SAdd(ctx, KeyLedgerAccounts, id)
			}
			for _, e := range planned {
				data, err := json.Marshal(e)
				if err != nil {
					return fmt.Errorf("failed to marshal ledger entry: %v", err)
				}
				pipe.RPush(ctx, fmt.Sprintf(KeyLedgerEntries, e.AccountID), data)
			}
			if batchKey != "" {
				pipe.Set(ctx, fmt.Sprintf(KeyLedgerBatch, batchKey), "1", 0)
			}
			return nil
		})
		if err != nil {
			return err
		}

		entries = planned
		return nil
	}

	for attempt := 0; attempt < MaxLedgerTxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, watched...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return entries, nil
	}

	return nil, apperrors.New(apperrors.CodeConcurrencyConflict,
		fmt.Sprintf("ledger write lost %d optimistic races", MaxLedgerTxRetries))
}

func (s *RedisService) Account(ctx context.Context, accountID string) (*models.WalletAccount, error) {
	return s.loadAccount(ctx, s.client, accountID)
}

func (s *RedisService) Entries(ctx context.Context, accountID string, limit int) ([]*models.LedgerEntry, error) {
	key := fmt.Sprintf(KeyLedgerEntries, accountID)

	raw, err := s.client.LRange(ctx, key, int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entries: %v", err)
	}

	entries, err := decodeEntries(raw)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Snapshot reads the wallet and its log inside one MULTI so no write can
// land between the two reads.
func (s *RedisService) Snapshot(ctx context.Context, accountID string) (*models.WalletAccount, []*models.LedgerEntry, error) {
	var walletCmd *redis.StringCmd
	var entriesCmd *redis.StringSliceCmd

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		walletCmd = pipe.Get(ctx, fmt.Sprintf(KeyWallet, accountID))
		entriesCmd = pipe.LRange(ctx, fmt.Sprintf(KeyLedgerEntries, accountID), 0, -1)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, fmt.Errorf("failed to snapshot account: %v", err)
	}

	account, err := decodeAccount(accountID, walletCmd)
	if err != nil {
		return nil, nil, err
	}

	entries, err := decodeEntries(entriesCmd.Val())
	if err != nil {
		return nil, nil, err
	}
	return account, entries, nil
}

func (s *RedisService) AccountIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, KeyLedgerAccounts).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %v", err)
	}
	return uniqueSorted(ids), nil
}

func (s *RedisService) SetFrozen(ctx context.Context, accountID string, frozen bool) error {
	key := fmt.Sprintf(KeyWallet, accountID)

	for attempt := 0; attempt < MaxLedgerTxRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			account, err := s.loadAccount(ctx, tx, accountID)
			if err != nil {
				return err
			}
			account.Frozen = frozen
			account.UpdatedAt = s.now()

			data, err := json.Marshal(account)
			if err != nil {
				return fmt.Errorf("failed to marshal wallet: %v", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				pipe.SAdd(ctx, KeyLedgerAccounts, accountID)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return apperrors.New(apperrors.CodeConcurrencyConflict, "freeze lost optimistic race")
}

// stringGetter is satisfied by both *redis.Client and *redis.Tx.
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisService) loadAccount(ctx context.Context, c stringGetter, accountID string) (*models.WalletAccount, error) {
	return decodeAccount(accountID, c.Get(ctx, fmt.Sprintf(KeyWallet, accountID)))
}

func decodeAccount(accountID string, cmd *redis.StringCmd) (*models.WalletAccount, error) {
	data, err := cmd.Result()
	if errors.Is(err, redis.Nil) {
		return &models.WalletAccount{ID: accountID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %v", err)
	}

	var account models.WalletAccount
	if err := json.Unmarshal([]byte(data), &account); err != nil {
		return nil, fmt.Errorf("failed to unmarshal wallet: %v", err)
	}
	return &account, nil
}

func decodeEntries(raw []string) ([]*models.LedgerEntry, error) {
	entries := make([]*models.LedgerEntry, 0, len(raw))
	for _, data := range raw {
		var e models.LedgerEntry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal ledger entry: %v", err)
		}
		entries = append(entries, &e)
	}
	return entries, nil
}
