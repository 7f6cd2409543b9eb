package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"walletsync/config"
	"walletsync/internal/models"
	"walletsync/logger"
)

// ErrNoSession is returned when a refresh runs without a logged-in user.
var ErrNoSession = fmt.Errorf("no active session")

// TransactionFetcher pulls recent transactions for a set of wallets.
type TransactionFetcher interface {
	ListTransactions(ctx context.Context, walletIDs []string, limit int) ([]models.Transaction, error)
}

// TransactionCache mirrors the recent transactions of the session's
// wallets. It depends on the wallet cache for the wallet id list and
// re-derives whenever that identity set changes.
type TransactionCache struct {
	fetcher TransactionFetcher
	ttl     time.Duration
	limit   int
	log     *logger.Log
	now     func() time.Time

	mu        sync.RWMutex
	walletIDs []string
	txs       []models.Transaction
	byID      map[string]int
	lastFetch time.Time
	err       error

	stopRevalidate context.CancelFunc
	wg             sync.WaitGroup
}

func NewTransactionCache(cfg config.CacheConfig, limit int, fetcher TransactionFetcher) *TransactionCache {
	return &TransactionCache{
		fetcher: fetcher,
		ttl:     cfg.TransactionTTL,
		limit:   limit,
		log:     logger.GetLogger(),
		now:     time.Now,
		byID:    make(map[string]int),
	}
}

// SetNow pins the clock, for staleness tests.
func (c *TransactionCache) SetNow(now func() time.Time) { c.now = now }

// SyncWallets replaces the derived wallet id list. When the set actually
// changed the cache is marked stale so the next refresh refetches.
func (c *TransactionCache) SyncWallets(walletIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if equalIDs(c.walletIDs, walletIDs) {
		return
	}
	c.walletIDs = append([]string(nil), walletIDs...)
	c.lastFetch = time.Time{}
}

// Stale reports whether the cache is empty or past its TTL.
func (c *TransactionCache) Stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.staleLocked()
}

func (c *TransactionCache) staleLocked() bool {
	if c.lastFetch.IsZero() {
		return true
	}
	return c.now().Sub(c.lastFetch) > c.ttl
}

// Refresh fetches only when stale, otherwise it returns the held value.
func (c *TransactionCache) Refresh(ctx context.Context) ([]models.Transaction, error) {
	c.mu.RLock()
	stale := c.staleLocked()
	c.mu.RUnlock()

	if !stale {
		return c.Transactions(), nil
	}
	return c.ForceRefresh(ctx)
}

// ForceRefresh fetches regardless of staleness. On error the previous
// value is retained.
func (c *TransactionCache) ForceRefresh(ctx context.Context) ([]models.Transaction, error) {
	c.mu.RLock()
	ids := append([]string(nil), c.walletIDs...)
	c.mu.RUnlock()

	if len(ids) == 0 {
		// Nothing known to fetch for; the wallet cache has not been
		// populated yet.
		return c.Transactions(), nil
	}

	fresh, err := c.fetcher.ListTransactions(ctx, ids, c.limit)
	if err != nil {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		c.log.WithComponent("transaction_cache").WithError(err).Warn("transaction refresh failed, serving previous data")
		return c.Transactions(), err
	}

	c.mu.Lock()
	c.txs = fresh
	c.byID = make(map[string]int, len(fresh))
	for i, tx := range fresh {
		c.byID[tx.ID] = i
	}
	c.lastFetch = c.now()
	c.err = nil
	c.mu.Unlock()

	if data, err := json.Marshal(fresh); err == nil {
		logger.IncrementCacheRefresh(len(data))
	}

	out := make([]models.Transaction, len(fresh))
	copy(out, fresh)
	return out, nil
}

// Transactions returns a copy of the cached list.
func (c *TransactionCache) Transactions() []models.Transaction {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Transaction, len(c.txs))
	copy(out, c.txs)
	return out
}

// Transaction looks up one transaction in memory, never fetching.
func (c *TransactionCache) Transaction(id string) (models.Transaction, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.byID[id]
	if !ok {
		return models.Transaction{}, false
	}
	return c.txs[i], true
}

// ByWallet returns the cached transactions of one wallet.
func (c *TransactionCache) ByWallet(walletID string) []models.Transaction {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []models.Transaction
	for _, tx := range c.txs {
		if tx.WalletID == walletID {
			out = append(out, tx)
		}
	}
	return out
}

// Err reports the last refresh error, nil after a successful refresh.
func (c *TransactionCache) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// ApplyTransactions upserts pushed recent-transactions data. Idempotent,
// keyed by transaction id.
func (c *TransactionCache) ApplyTransactions(txs []models.Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tx := range txs {
		c.upsertLocked(tx)
	}
}

// ApplyStatus upserts one pushed status update.
func (c *TransactionCache) ApplyStatus(s models.TransactionStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i, ok := c.byID[s.TransactionID]; ok {
		tx := c.txs[i]
		tx.State = s.State
		if s.TxHash != "" {
			tx.TxHash = s.TxHash
		}
		tx.UpdatedAt = s.UpdatedAt
		c.txs[i] = tx
		return
	}

	c.upsertLocked(models.Transaction{
		ID:                 s.TransactionID,
		WalletID:           s.WalletID,
		State:              s.State,
		TxHash:             s.TxHash,
		Amount:             s.Amount,
		DestinationAddress: s.DestinationAddress,
		TokenID:            s.TokenID,
		Note:               s.Note,
		UpdatedAt:          s.UpdatedAt,
	})
}

func (c *TransactionCache) upsertLocked(tx models.Transaction) {
	if i, ok := c.byID[tx.ID]; ok {
		c.txs[i] = tx
		return
	}
	c.txs = append(c.txs, tx)
	c.byID[tx.ID] = len(c.txs) - 1
}

// Clear wipes the cache. Called when the owning session goes away.
func (c *TransactionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.walletIDs = nil
	c.txs = nil
	c.byID = make(map[string]int)
	c.lastFetch = time.Time{}
	c.err = nil
}

// StartRevalidation arms the periodic fetch-if-stale check.
func (c *TransactionCache) StartRevalidation(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	c.stopRevalidate = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
					c.log.WithComponent("transaction_cache").WithError(err).Warn("revalidation failed")
				}
			}
		}
	}()
}

// StopRevalidation cancels the revalidation timer and waits for it.
func (c *TransactionCache) StopRevalidation() {
	if c.stopRevalidate != nil {
		c.stopRevalidate()
		c.stopRevalidate = nil
	}
	c.wg.Wait()
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, id := range a {
		seen[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := seen[id]; !ok {
			return false
		}
	}
	return true
}
