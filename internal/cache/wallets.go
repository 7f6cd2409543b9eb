// Package cache holds the client's staleness-aware views of wallet and
// transaction state. Reads are always served from memory; the network is
// touched only when a TTL has lapsed or a refresh is forced.
package cache

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"walletsync/config"
	"walletsync/internal/models"
	"walletsync/logger"
)

// WalletFetcher pulls the authoritative wallet list from the provider.
type WalletFetcher interface {
	ListWallets(ctx context.Context, userID string) ([]models.Wallet, error)
}

// UserSource yields the user whose wallets are cached. No user means the
// cache has nothing to fetch.
type UserSource interface {
	CurrentUserID() (string, bool)
}

// WalletCache is the client's view of the session's wallets. Entries are
// replaced wholesale on refresh; push updates from the channel are
// upserted in place without touching the fetch clock.
type WalletCache struct {
	fetcher WalletFetcher
	user    UserSource
	ttl     time.Duration
	log     *logger.Log
	now     func() time.Time

	// onIdentityChange fires when the set of wallet ids changes, so the
	// transaction cache can re-derive.
	onIdentityChange func(walletIDs []string)

	mu        sync.RWMutex
	wallets   []models.Wallet
	byID      map[string]int
	lastFetch time.Time
	err       error

	stopRevalidate context.CancelFunc
	wg             sync.WaitGroup
}

func NewWalletCache(cfg config.CacheConfig, fetcher WalletFetcher, user UserSource) *WalletCache {
	return &WalletCache{
		fetcher: fetcher,
		user:    user,
		ttl:     cfg.WalletTTL,
		log:     logger.GetLogger(),
		now:     time.Now,
		byID:    make(map[string]int),
	}
}

// SetNow pins the clock, for staleness tests.
func (c *WalletCache) SetNow(now func() time.Time) { c.now = now }

// OnIdentityChange registers the re-derive hook. One consumer only.
func (c *WalletCache) OnIdentityChange(fn func(walletIDs []string)) {
	c.onIdentityChange = fn
}

// Stale reports whether the cache is empty or past its TTL.
func (c *WalletCache) Stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.staleLocked()
}

func (c *WalletCache) staleLocked() bool {
	if c.lastFetch.IsZero() {
		return true
	}
	return c.now().Sub(c.lastFetch) > c.ttl
}

// Refresh fetches only when the cache is empty or stale, otherwise it
// returns the held value unchanged.
func (c *WalletCache) Refresh(ctx context.Context) ([]models.Wallet, error) {
	c.mu.RLock()
	stale := c.staleLocked()
	c.mu.RUnlock()

	if !stale {
		return c.Wallets(), nil
	}
	return c.ForceRefresh(ctx)
}

// ForceRefresh fetches regardless of staleness. On error the previous
// value is retained and surfaced alongside the error.
func (c *WalletCache) ForceRefresh(ctx context.Context) ([]models.Wallet, error) {
	userID, ok := c.user.CurrentUserID()
	if !ok {
		return nil, ErrNoSession
	}

	fresh, err := c.fetcher.ListWallets(ctx, userID)
	if err != nil {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		c.log.WithComponent("wallet_cache").WithError(err).Warn("wallet refresh failed, serving previous data")
		return c.Wallets(), err
	}

	c.mu.Lock()
	prevFP := fingerprintLocked(c.wallets)
	c.wallets = fresh
	c.byID = make(map[string]int, len(fresh))
	for i, w := range fresh {
		c.byID[w.ID] = i
	}
	c.lastFetch = c.now()
	c.err = nil
	newFP := fingerprintLocked(c.wallets)
	changed := prevFP != newFP
	ids := c.walletIDsLocked()
	c.mu.Unlock()

	if data, err := json.Marshal(fresh); err == nil {
		logger.IncrementCacheRefresh(len(data))
	}

	if changed && c.onIdentityChange != nil {
		c.onIdentityChange(ids)
	}

	out := make([]models.Wallet, len(fresh))
	copy(out, fresh)
	return out, nil
}

// Wallets returns a copy of the cached wallet list.
func (c *WalletCache) Wallets() []models.Wallet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Wallet, len(c.wallets))
	copy(out, c.wallets)
	return out
}

// WalletIDs returns the cached identity set.
func (c *WalletCache) WalletIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.walletIDsLocked()
}

func (c *WalletCache) walletIDsLocked() []string {
	ids := make([]string, 0, len(c.wallets))
	for _, w := range c.wallets {
		ids = append(ids, w.ID)
	}
	return ids
}

// Get looks up one wallet in memory. It never triggers a fetch.
func (c *WalletCache) Get(walletID string) (models.Wallet, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.byID[walletID]
	if !ok {
		return models.Wallet{}, false
	}
	return c.wallets[i], true
}

// GetByWalletAndToken looks up one token balance in memory.
func (c *WalletCache) GetByWalletAndToken(walletID, tokenID string) (models.Balance, bool) {
	w, ok := c.Get(walletID)
	if !ok {
		return models.Balance{}, false
	}
	for _, b := range w.Balances {
		if b.TokenID == tokenID {
			return b, true
		}
	}
	return models.Balance{}, false
}

// Err reports the last refresh error, nil after a successful refresh.
func (c *WalletCache) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// ApplyUpdate upserts one pushed wallet update. Idempotent, keyed by
// wallet id; unknown wallets are appended.
func (c *WalletCache) ApplyUpdate(u models.WalletUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i, ok := c.byID[u.WalletID]; ok {
		w := c.wallets[i]
		w.Balances = u.Balances
		if u.Blockchain != "" {
			w.Blockchain = u.Blockchain
		}
		if u.Address != "" {
			w.Address = u.Address
		}
		w.LastUpdated = u.LastUpdated
		c.wallets[i] = w
		return
	}

	c.wallets = append(c.wallets, models.Wallet{
		ID:          u.WalletID,
		Blockchain:  u.Blockchain,
		Address:     u.Address,
		Balances:    u.Balances,
		LastUpdated: u.LastUpdated,
	})
	c.byID[u.WalletID] = len(c.wallets) - 1
}

// Clear wipes the cache. Called when the owning session goes away.
func (c *WalletCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wallets = nil
	c.byID = make(map[string]int)
	c.lastFetch = time.Time{}
	c.err = nil
}

// StartRevalidation arms the periodic fetch-if-stale check. The interval
// check is a no-op while the TTL has not elapsed, which bounds staleness
// without polling the network every tick.
func (c *WalletCache) StartRevalidation(ctx context.Context, interval time.Duration) {
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
					c.log.WithComponent("wallet_cache").WithError(err).Warn("revalidation failed")
				}
			}
		}
	}()
}

// StopRevalidation cancels the revalidation timer and waits for it.
func (c *WalletCache) StopRevalidation() {
	if c.stopRevalidate != nil {
		c.stopRevalidate()
		c.stopRevalidate = nil
	}
	c.wg.Wait()
}

// fingerprintLocked derives a stable identity for the wallet set.
func fingerprintLocked(ws []models.Wallet) string {
	ids := make([]string, 0, len(ws))
	for _, w := range ws {
		ids = append(ids, w.ID)
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}
