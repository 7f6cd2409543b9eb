package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"walletsync/config"
	"walletsync/internal/cache"
	"walletsync/internal/models"
	"walletsync/internal/provider"
	"walletsync/internal/session"
	"walletsync/internal/transport"
	"walletsync/logger"
)

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	loginUser := flag.String("user", "", "Create a session for this user id")
	loginEmail := flag.String("email", "", "Email for the created session")
	loginToken := flag.String("token", "", "Auth token for the created session")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Walletsync.Name,
		"version": cfg.Walletsync.Version,
	}).Info("starting walletsync agent")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prov := provider.NewClient(cfg)
	sess := session.NewManager(cfg.Session)

	walletCache := cache.NewWalletCache(cfg.Cache, prov, sess)
	txCache := cache.NewTransactionCache(cfg.Cache, cfg.Monitor.TransactionLimit, prov)
	walletCache.OnIdentityChange(txCache.SyncWallets)

	tr := transport.NewTransport(cfg.Transport, sess)

	subs := wireTransport(tr, walletCache, txCache, log)
	defer func() {
		for _, s := range subs {
			s.Cancel()
		}
	}()

	sessSub := sess.Subscribe(func(ev session.Event) {
		switch ev {
		case session.EventCreated:
			tr.Connect()
			if _, err := walletCache.Refresh(ctx); err != nil {
				log.WithError(err).Warn("initial wallet refresh failed")
			}
			if _, err := txCache.Refresh(ctx); err != nil {
				log.WithError(err).Warn("initial transaction refresh failed")
			}
		case session.EventCleared:
			tr.Disconnect()
			walletCache.Clear()
			txCache.Clear()
		}
	})
	defer sessSub.Cancel()

	walletCache.StartRevalidation(ctx, cfg.Cache.RevalidationInterval)
	txCache.StartRevalidation(ctx, cfg.Cache.RevalidationInterval)

	if err := sess.Load(); err != nil {
		log.WithError(err).Warn("failed to restore session")
	}

	if sess.State() != session.StateActive && *loginUser != "" {
		if err := sess.Create(session.Record{
			UserID: *loginUser,
			Email:  *loginEmail,
			Token:  *loginToken,
		}); err != nil {
			log.WithError(err).Error("failed to create session")
			os.Exit(1)
		}
	}

	if sess.State() != session.StateActive {
		log.Info("no session; waiting for login before connecting")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	cancel()
	tr.Disconnect()
	walletCache.StopRevalidation()
	txCache.StopRevalidation()

	log.Info("walletsync agent stopped")
}

// wireTransport routes channel events into the caches.
func wireTransport(tr *transport.Transport, wc *cache.WalletCache, tc *cache.TransactionCache, log *logger.Log) []*transport.Subscription {
	var subs []*transport.Subscription

	onWalletUpdate := func(payload json.RawMessage) {
		var u models.WalletUpdate
		if err := json.Unmarshal(payload, &u); err != nil {
			log.WithComponent("agent").WithError(err).Warn("bad wallet update payload")
			return
		}
		wc.ApplyUpdate(u)
	}
	for _, ev := range []string{models.EventWalletUpdated, models.EventWalletBalanceUpdated} {
		if s, err := tr.On(ev, onWalletUpdate); err == nil {
			subs = append(subs, s)
		}
	}

	if s, err := tr.On(models.EventRecentTransactions, func(payload json.RawMessage) {
		var r models.RecentTransactions
		if err := json.Unmarshal(payload, &r); err != nil {
			log.WithComponent("agent").WithError(err).Warn("bad recent transactions payload")
			return
		}
		tc.ApplyTransactions(r.Transactions)
	}); err == nil {
		subs = append(subs, s)
	}

	onStatus := func(payload json.RawMessage) {
		var st models.TransactionStatus
		if err := json.Unmarshal(payload, &st); err != nil {
			log.WithComponent("agent").WithError(err).Warn("bad transaction status payload")
			return
		}
		tc.ApplyStatus(st)
	}
	for _, ev := range []string{models.EventTransactionUpdated, models.EventTransactionStatus} {
		if s, err := tr.On(ev, onStatus); err == nil {
			subs = append(subs, s)
		}
	}

	if s, err := tr.On(models.EventPriceUpdated, func(payload json.RawMessage) {
		var tick models.PriceTick
		if err := json.Unmarshal(payload, &tick); err != nil {
			return
		}
		log.WithComponent("agent").WithFields(logger.Fields{
			"symbol": tick.Symbol,
			"price":  tick.Price,
		}).Debug("price tick")
	}); err == nil {
		subs = append(subs, s)
	}

	return subs
}
