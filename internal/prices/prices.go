// Package prices runs the global price broadcast loop. Quotes are not
// user-scoped, so every tick goes to every connected client.
package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"walletsync/config"
	"walletsync/internal/models"
	"walletsync/logger"
)

// Broadcaster delivers an event to every live connection.
type Broadcaster interface {
	BroadcastAll(event string, payload interface{})
}

// Reference prices used to seed the table. A real deployment would feed
// the loop from a market data provider instead of perturbing these.
var basePrices = map[string]float64{
	"BTC":   64250.0,
	"ETH":   3012.4,
	"SOL":   148.7,
	"MATIC": 0.72,
	"USDC":  1.0,
}

// Loop owns the in-memory price table. It starts once at process
// initialization, unconditionally, and is not gated by subscriptions.
type Loop struct {
	cfg config.PricesConfig
	bc  Broadcaster
	log *logger.Log
	rng *rand.Rand

	mu      sync.RWMutex
	base    map[string]float64
	table   map[string]models.PriceTick
	running bool

	wg sync.WaitGroup
}

func NewLoop(cfg config.PricesConfig, bc Broadcaster) *Loop {
	return NewLoopWithSource(cfg, bc, rand.NewSource(time.Now().UnixNano()))
}

// NewLoopWithSource lets tests pin the randomness.
func NewLoopWithSource(cfg config.PricesConfig, bc Broadcaster, src rand.Source) *Loop {
	l := &Loop{
		cfg:   cfg,
		bc:    bc,
		log:   logger.GetLogger(),
		rng:   rand.New(src),
		base:  make(map[string]float64),
		table: make(map[string]models.PriceTick),
	}
	now := time.Now().UTC()
	for _, symbol := range cfg.Symbols {
		price, ok := basePrices[symbol]
		if !ok {
			price = 1.0
		}
		l.base[symbol] = price
		l.table[symbol] = models.PriceTick{Symbol: symbol, Price: price, Timestamp: now}
	}
	return l
}

// Start launches the broadcast loop.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("price loop already running")
	}
	l.running = true
	l.mu.Unlock()

	l.log.WithComponent("price_loop").WithFields(logger.Fields{
		"symbols":  l.cfg.Symbols,
		"interval": l.cfg.BroadcastInterval,
	}).Info("starting price broadcast loop")

	l.wg.Add(1)
	go l.run(ctx)
	return nil
}

// Stop waits for the loop goroutine to exit. The context passed to Start
// must already be cancelled.
func (l *Loop) Stop() {
	l.wg.Wait()
	l.mu.Lock()
	l.running = false
	l.mu.Unlock()
	l.log.WithComponent("price_loop").Info("price broadcast loop stopped")
}

// Current returns the held tick for a symbol.
func (l *Loop) Current(symbol string) (models.PriceTick, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tick, ok := l.table[symbol]
	return tick, ok
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Tick()
		}
	}
}

// Tick advances every symbol once and broadcasts the new quotes. Exported
// so tests can drive the loop without waiting on the timer.
func (l *Loop) Tick() {
	now := time.Now().UTC()

	l.mu.Lock()
	ticks := make([]models.PriceTick, 0, len(l.cfg.Symbols))
	for _, symbol := range l.cfg.Symbols {
		prev, ok := l.table[symbol]
		if !ok {
			continue
		}
		base := l.base[symbol]

		// Perturb by at most ±0.5% per tick, anchored to the held base
		// price for the 24h change fields.
		delta := (l.rng.Float64() - 0.5) * 0.01 * prev.Price
		price := prev.Price + delta
		if price <= 0 {
			price = prev.Price
		}

		tick := models.PriceTick{
			Symbol:           symbol,
			Price:            price,
			Change24h:        price - base,
			ChangePercent24h: (price - base) / base * 100,
			Timestamp:        now,
		}
		l.table[symbol] = tick
		ticks = append(ticks, tick)
	}
	l.mu.Unlock()

	for _, tick := range ticks {
		l.bc.BroadcastAll(models.EventPriceUpdated, tick)
		if data, err := json.Marshal(tick); err == nil {
			logger.IncrementPriceTick(len(data))
		}
	}
}
