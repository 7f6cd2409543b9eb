// Package hub tracks live websocket connections and the user broadcast
// groups they belong to. It is the fan-out point for every wallet-,
// transaction- and price-scoped message the server emits.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"walletsync/config"
	"walletsync/internal/directory"
	"walletsync/internal/models"
	"walletsync/logger"
)

// Monitor is the wallet polling engine as the hub sees it. Start is
// idempotent per wallet; Stop on an unknown wallet is a no-op.
type Monitor interface {
	Start(walletID, blockchain string)
	Stop(walletID string)
}

// Provider is the slice of the custodial provider API used for
// client-initiated one-shot requests.
type Provider interface {
	GetBalance(ctx context.Context, walletID string) ([]models.Balance, error)
	GetTransaction(ctx context.Context, id string) (models.Transaction, error)
}

// Hub owns the connection registry. All maps are guarded by one mutex;
// every mutation path (connection events, monitor ticks, the price loop)
// runs on its own goroutine.
type Hub struct {
	cfg  config.ServerConfig
	dir  directory.Directory
	mon  Monitor
	prov Provider
	log  *logger.Log

	mu         sync.RWMutex
	conns      map[string]*Conn            // connID -> conn
	users      map[string]map[string]*Conn // userID -> connID -> conn
	walletRefs map[string]map[string]struct{}
	userSubs   map[string][]string // userID -> wallets its subscription started
}

// NewHub wires the registry to its collaborators. There is no package
// level instance; the caller owns the lifecycle.
func NewHub(cfg config.ServerConfig, dir directory.Directory, mon Monitor, prov Provider) *Hub {
	return &Hub{
		cfg:        cfg,
		dir:        dir,
		mon:        mon,
		prov:       prov,
		log:        logger.GetLogger(),
		conns:      make(map[string]*Conn),
		users:      make(map[string]map[string]*Conn),
		walletRefs: make(map[string]map[string]struct{}),
		userSubs:   make(map[string][]string),
	}
}

// SetMonitor binds the polling engine after construction. The hub and
// the monitor reference each other; the monitor is built second, against
// the hub's broadcast surface, and bound here before the server starts.
func (h *Hub) SetMonitor(mon Monitor) {
	h.mon = mon
}

// Register wraps an accepted socket in a Conn, starts its pumps and
// tracks it as anonymous until it subscribes.
func (h *Hub) Register(sock socket) *Conn {
	c := newConn(sock, h)

	h.mu.Lock()
	h.conns[c.id] = c
	total := len(h.conns)
	h.mu.Unlock()

	h.log.WithComponent("hub").WithFields(logger.Fields{
		"conn_id":     c.id,
		"connections": total,
	}).Info("connection registered")

	go c.writePump()
	go c.readPump()
	return c
}

// Unregister removes a connection. When the connection was the last one
// for its user the user entry goes away and monitoring for wallets no
// remaining subscriber needs is stopped.
func (h *Hub) Unregister(c *Conn) {
	c.close()

	h.mu.Lock()
	if _, ok := h.conns[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.id)

	var stopped []string
	userID := c.UserID()
	if userID != "" {
		if group, ok := h.users[userID]; ok {
			delete(group, c.id)
			if len(group) == 0 {
				delete(h.users, userID)
				stopped = h.releaseUserWalletsLocked(userID)
			}
		}
	}
	total := len(h.conns)
	h.mu.Unlock()

	for _, w := range stopped {
		h.mon.Stop(w)
	}

	h.log.WithComponent("hub").WithFields(logger.Fields{
		"conn_id":         c.id,
		"user_id":         userID,
		"connections":     total,
		"stopped_wallets": len(stopped),
	}).Info("connection unregistered")
}

// releaseUserWalletsLocked drops the user's wallet references and returns
// the wallets whose last reference just went away. Caller holds h.mu.
func (h *Hub) releaseUserWalletsLocked(userID string) []string {
	var orphaned []string
	for _, w := range h.userSubs[userID] {
		refs, ok := h.walletRefs[w]
		if !ok {
			continue
		}
		delete(refs, userID)
		if len(refs) == 0 {
			delete(h.walletRefs, w)
			orphaned = append(orphaned, w)
		}
	}
	delete(h.userSubs, userID)
	return orphaned
}

// Subscribe associates a connection with a user, joins it to the user's
// broadcast group and ensures every wallet the user owns is monitored.
func (h *Hub) Subscribe(ctx context.Context, c *Conn, userID string) {
	log := h.log.WithComponent("hub").WithFields(logger.Fields{
		"conn_id": c.id,
		"user_id": userID,
	})

	wallets, err := h.dir.WalletsOf(ctx, userID)
	if err != nil {
		log.WithError(err).Error("failed to resolve wallets for subscription")
		h.sendTo(c, models.EventSubscriptionError, models.SubscriptionError{
			Error: fmt.Sprintf("could not resolve wallets: %v", err),
		})
		return
	}

	c.setUserID(userID)

	h.mu.Lock()
	group, ok := h.users[userID]
	if !ok {
		group = make(map[string]*Conn)
		h.users[userID] = group
	}
	group[c.id] = c

	subs := h.userSubs[userID]
	for _, w := range wallets {
		refs, ok := h.walletRefs[w.WalletID]
		if !ok {
			refs = make(map[string]struct{})
			h.walletRefs[w.WalletID] = refs
		}
		if _, dup := refs[userID]; !dup {
			refs[userID] = struct{}{}
			subs = append(subs, w.WalletID)
		}
	}
	h.userSubs[userID] = subs
	h.mu.Unlock()

	for _, w := range wallets {
		h.mon.Start(w.WalletID, w.Blockchain)
	}

	h.sendTo(c, models.EventSubscriptionConfirmed, models.SubscriptionConfirmed{
		Message: fmt.Sprintf("subscribed to %d wallets", len(wallets)),
		UserID:  userID,
	})

	log.WithFields(logger.Fields{"wallets": len(wallets)}).Info("subscription confirmed")
}

// BroadcastToUser sends one event to every live connection in the user's
// group. With no live connections the update is dropped, not queued.
func (h *Hub) BroadcastToUser(userID, event string, payload interface{}) {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		h.log.WithComponent("hub").WithError(err).Error("refusing broadcast")
		return
	}

	h.mu.RLock()
	group := make([]*Conn, 0, len(h.users[userID]))
	for _, c := range h.users[userID] {
		group = append(group, c)
	}
	h.mu.RUnlock()

	for _, c := range group {
		c.trySend(env)
	}
}

// BroadcastAll sends one event to every connection, subscribed or not.
// Price ticks use this path since prices are not user-scoped.
func (h *Hub) BroadcastAll(event string, payload interface{}) {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		h.log.WithComponent("hub").WithError(err).Error("refusing broadcast")
		return
	}

	h.mu.RLock()
	all := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		all = append(all, c)
	}
	h.mu.RUnlock()

	for _, c := range all {
		c.trySend(env)
	}
}

// ConnectionCount reports the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// MonitoredFor reports the wallets currently reference-counted for a user.
func (h *Hub) MonitoredFor(userID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, len(h.userSubs[userID]))
	copy(out, h.userSubs[userID])
	return out
}

// Close tears down every connection. Used on server shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	all := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		all = append(all, c)
	}
	h.mu.Unlock()

	for _, c := range all {
		h.Unregister(c)
	}
}

func (h *Hub) sendTo(c *Conn, event string, payload interface{}) {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		h.log.WithComponent("hub").WithError(err).Error("failed to build envelope")
		return
	}
	c.trySend(env)
}

// handleMessage dispatches one inbound client envelope.
func (h *Hub) handleMessage(c *Conn, env models.Envelope) {
	log := h.log.WithComponent("hub").WithFields(logger.Fields{
		"conn_id": c.id,
		"event":   env.Event,
	})

	switch env.Event {
	case models.EventSubscribeWallets:
		var req models.SubscribeWallets
		if err := unmarshalPayload(env, &req); err != nil || req.UserID == "" {
			h.sendTo(c, models.EventSubscriptionError, models.SubscriptionError{Error: "invalid subscribe request"})
			return
		}
		h.Subscribe(context.Background(), c, req.UserID)

	case models.EventRefreshWalletBalance:
		var req models.RefreshWalletBalance
		if err := unmarshalPayload(env, &req); err != nil || req.WalletID == "" {
			h.sendTo(c, models.EventWalletError, models.WalletError{Error: "invalid refresh request"})
			return
		}
		go h.handleRefresh(c, req.WalletID)

	case models.EventCheckTransaction:
		var req models.CheckTransaction
		if err := unmarshalPayload(env, &req); err != nil || req.TransactionID == "" {
			h.sendTo(c, models.EventTransactionError, models.TransactionError{Error: "invalid transaction request"})
			return
		}
		go h.handleCheckTransaction(c, req.TransactionID)

	default:
		log.Warn("unhandled client event")
	}
}

// handleRefresh serves refresh-wallet-balance. The answer goes to the
// whole user group so every live client for the user converges.
func (h *Hub) handleRefresh(c *Conn, walletID string) {
	userID := c.UserID()
	if userID == "" {
		h.sendTo(c, models.EventWalletError, models.WalletError{Error: "not subscribed"})
		return
	}

	ctx := context.Background()

	balances, err := h.prov.GetBalance(ctx, walletID)
	if err != nil {
		h.log.WithComponent("hub").WithFields(logger.Fields{"wallet_id": walletID}).WithError(err).Warn("balance refresh failed")
		h.BroadcastToUser(userID, models.EventWalletError, models.WalletError{
			Error: fmt.Sprintf("balance refresh failed: %v", err),
		})
		return
	}

	update := models.WalletUpdate{
		WalletID:    walletID,
		Balances:    balances,
		LastUpdated: time.Now().UTC(),
	}
	if wallets, err := h.dir.WalletsOf(ctx, userID); err == nil {
		for _, w := range wallets {
			if w.WalletID == walletID {
				update.Blockchain = w.Blockchain
				update.Address = w.Address
				break
			}
		}
	}

	h.BroadcastToUser(userID, models.EventWalletBalanceUpdated, update)
}

// handleCheckTransaction serves check-transaction-status.
func (h *Hub) handleCheckTransaction(c *Conn, txID string) {
	userID := c.UserID()
	if userID == "" {
		h.sendTo(c, models.EventTransactionError, models.TransactionError{Error: "not subscribed"})
		return
	}

	tx, err := h.prov.GetTransaction(context.Background(), txID)
	if err != nil {
		h.log.WithComponent("hub").WithFields(logger.Fields{"transaction_id": txID}).WithError(err).Warn("transaction lookup failed")
		h.BroadcastToUser(userID, models.EventTransactionError, models.TransactionError{
			Error: fmt.Sprintf("transaction lookup failed: %v", err),
		})
		return
	}

	h.BroadcastToUser(userID, models.EventTransactionStatus, models.StatusOf(tx))
}

func unmarshalPayload(env models.Envelope, out interface{}) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("empty payload")
	}
	return json.Unmarshal(env.Payload, out)
}
