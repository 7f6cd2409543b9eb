// Package monitor runs the per-wallet polling engine. Each monitored
// wallet gets its own recurring fetch-and-broadcast task; tasks run
// independently, so one wallet's slow or failing provider call never
// delays another wallet's tick.
package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"walletsync/config"
	"walletsync/internal/directory"
	"walletsync/internal/models"
	"walletsync/logger"
)

// Broadcaster delivers events to a user's broadcast group.
type Broadcaster interface {
	BroadcastToUser(userID, event string, payload interface{})
}

// Provider is the slice of the custodial provider API a poll tick needs.
type Provider interface {
	GetBalance(ctx context.Context, walletID string) ([]models.Balance, error)
	ListTransactions(ctx context.Context, walletIDs []string, limit int) ([]models.Transaction, error)
}

type task struct {
	blockchain string
	cancel     context.CancelFunc
}

// Monitor keeps the active-task table, keyed by wallet id. At most one
// task runs per wallet; Start on a monitored wallet returns immediately.
type Monitor struct {
	cfg  config.MonitorConfig
	prov Provider
	dir  directory.Directory
	bc   Broadcaster
	log  *logger.Log

	mu    sync.Mutex
	tasks map[string]*task
	wg    sync.WaitGroup
}

func NewMonitor(cfg config.MonitorConfig, prov Provider, dir directory.Directory, bc Broadcaster) *Monitor {
	return &Monitor{
		cfg:   cfg,
		prov:  prov,
		dir:   dir,
		bc:    bc,
		log:   logger.GetLogger(),
		tasks: make(map[string]*task),
	}
}

// Start begins monitoring a wallet. The first poll runs synchronously so
// a fresh subscriber sees data without waiting a full period; subsequent
// polls tick at the configured interval.
func (m *Monitor) Start(walletID, blockchain string) {
	m.mu.Lock()
	if _, running := m.tasks[walletID]; running {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.tasks[walletID] = &task{blockchain: blockchain, cancel: cancel}
	m.mu.Unlock()

	log := m.log.WithComponent("wallet_monitor").WithFields(logger.Fields{
		"wallet_id":  walletID,
		"blockchain": blockchain,
	})
	log.WithFields(logger.Fields{"interval": m.cfg.PollInterval}).Info("starting wallet monitoring")

	m.poll(ctx, walletID, blockchain)

	m.wg.Add(1)
	go m.run(ctx, walletID, blockchain)
}

// Stop cancels the wallet's task. Safe to call for wallets that were
// never started.
func (m *Monitor) Stop(walletID string) {
	m.mu.Lock()
	t, ok := m.tasks[walletID]
	if ok {
		delete(m.tasks, walletID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	t.cancel()
	m.log.WithComponent("wallet_monitor").WithFields(logger.Fields{"wallet_id": walletID}).Info("stopped wallet monitoring")
}

// StopAll cancels every task and waits for the workers to drain.
func (m *Monitor) StopAll() {
	m.mu.Lock()
	for id, t := range m.tasks {
		t.cancel()
		delete(m.tasks, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
	m.log.WithComponent("wallet_monitor").Info("all wallet monitoring stopped")
}

// Active reports whether a task currently runs for the wallet.
func (m *Monitor) Active(walletID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[walletID]
	return ok
}

// ActiveCount reports the number of running tasks.
func (m *Monitor) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func (m *Monitor) run(ctx context.Context, walletID, blockchain string) {
	defer m.wg.Done()

	log := m.log.WithComponent("wallet_monitor").WithFields(logger.Fields{
		"wallet_id": walletID,
		"worker":    "wallet_poller",
	})

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case <-ticker.C:
			start := time.Now()
			m.poll(ctx, walletID, blockchain)
			duration := time.Since(start)

			logger.LogPerformanceEntry(log, "wallet_monitor", "poll", duration, nil)
			if duration > m.cfg.PollInterval {
				log.WithFields(logger.Fields{
					"duration": duration.Milliseconds(),
					"interval": m.cfg.PollInterval.Milliseconds(),
				}).Warn("poll took longer than interval")
			}
		}
	}
}

// poll runs one fetch-and-broadcast cycle. Fetch errors are logged and
// swallowed; the task stays scheduled and the next tick retries.
func (m *Monitor) poll(ctx context.Context, walletID, blockchain string) {
	log := m.log.WithComponent("wallet_monitor").WithFields(logger.Fields{
		"wallet_id": walletID,
		"operation": "poll",
	})

	balances, err := m.prov.GetBalance(ctx, walletID)
	if err != nil {
		if ctx.Err() == nil {
			log.WithError(err).Warn("failed to fetch balance")
			logger.IncrementPollError()
		}
		return
	}

	owners, err := m.dir.OwnersOf(ctx, walletID)
	if err != nil {
		log.WithError(err).Warn("failed to resolve wallet owners")
		return
	}
	if len(owners) == 0 {
		log.Debug("wallet has no owners, skipping broadcast")
		return
	}

	update := models.WalletUpdate{
		WalletID:    walletID,
		Blockchain:  blockchain,
		LastUpdated: time.Now().UTC(),
		Balances:    balances,
	}
	if entry, err := m.dir.Wallet(ctx, walletID); err == nil {
		update.Address = entry.Address
	}

	for _, userID := range owners {
		m.bc.BroadcastToUser(userID, models.EventWalletUpdated, update)
	}

	txs, err := m.prov.ListTransactions(ctx, []string{walletID}, m.cfg.TransactionLimit)
	if err != nil {
		if ctx.Err() == nil {
			log.WithError(err).Warn("failed to fetch recent transactions")
			logger.IncrementPollError()
		}
		return
	}

	if len(txs) > 0 {
		recent := models.RecentTransactions{WalletID: walletID, Transactions: txs}
		for _, userID := range owners {
			m.bc.BroadcastToUser(userID, models.EventRecentTransactions, recent)
		}
	}

	if data, err := json.Marshal(update); err == nil {
		logger.IncrementPollTick(len(data))
	}
}
