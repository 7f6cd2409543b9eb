package prices

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	appconfig "walletsync/config"
	"walletsync/internal/models"
)

type recordedBroadcast struct {
	event   string
	payload interface{}
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []recordedBroadcast
}

func (b *fakeBroadcaster) BroadcastAll(event string, payload interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, recordedBroadcast{event: event, payload: payload})
}

func (b *fakeBroadcaster) recorded() []recordedBroadcast {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]recordedBroadcast, len(b.events))
	copy(out, b.events)
	return out
}

func testLoop(bc *fakeBroadcaster, symbols ...string) *Loop {
	cfg := appconfig.PricesConfig{BroadcastInterval: time.Hour, Symbols: symbols}
	return NewLoopWithSource(cfg, bc, rand.NewSource(42))
}

func TestTickBroadcastsEverySymbol(t *testing.T) {
	bc := &fakeBroadcaster{}
	l := testLoop(bc, "BTC", "ETH", "USDC")

	l.Tick()

	seen := map[string]bool{}
	for _, ev := range bc.recorded() {
		if ev.event != models.EventPriceUpdated {
			t.Fatalf("unexpected event %q", ev.event)
		}
		tick, ok := ev.payload.(models.PriceTick)
		if !ok {
			t.Fatalf("payload is %T, want PriceTick", ev.payload)
		}
		seen[tick.Symbol] = true
	}
	for _, s := range []string{"BTC", "ETH", "USDC"} {
		if !seen[s] {
			t.Fatalf("no broadcast for %s", s)
		}
	}
}

func TestTickStaysWithinStepBound(t *testing.T) {
	bc := &fakeBroadcaster{}
	l := testLoop(bc, "BTC")

	prev, ok := l.Current("BTC")
	if !ok {
		t.Fatalf("no seeded price for BTC")
	}

	for i := 0; i < 50; i++ {
		l.Tick()
		cur, _ := l.Current("BTC")
		step := cur.Price - prev.Price
		if step < 0 {
			step = -step
		}
		if step > prev.Price*0.005+1e-9 {
			t.Fatalf("tick %d moved %.4f from %.4f, beyond the step bound", i, step, prev.Price)
		}
		if cur.Price <= 0 {
			t.Fatalf("price went non-positive: %.4f", cur.Price)
		}
		prev = cur
	}
}

func TestChangeFieldsAnchoredToBase(t *testing.T) {
	bc := &fakeBroadcaster{}
	l := testLoop(bc, "ETH")

	l.Tick()
	tick, ok := l.Current("ETH")
	if !ok {
		t.Fatalf("no price for ETH")
	}

	base := basePrices["ETH"]
	wantChange := tick.Price - base
	if diff := tick.Change24h - wantChange; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("Change24h = %.6f, want %.6f", tick.Change24h, wantChange)
	}
	wantPct := wantChange / base * 100
	if diff := tick.ChangePercent24h - wantPct; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("ChangePercent24h = %.6f, want %.6f", tick.ChangePercent24h, wantPct)
	}
}

func TestUnknownSymbolSeedsAtOne(t *testing.T) {
	bc := &fakeBroadcaster{}
	l := testLoop(bc, "NEWCOIN")

	tick, ok := l.Current("NEWCOIN")
	if !ok {
		t.Fatalf("unknown symbol not seeded")
	}
	if tick.Price != 1.0 {
		t.Fatalf("seed price = %.4f, want 1.0", tick.Price)
	}
}

func TestStartTwiceFails(t *testing.T) {
	bc := &fakeBroadcaster{}
	l := testLoop(bc, "BTC")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := l.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := l.Start(ctx); err == nil {
		t.Fatalf("expected error on second start")
	}
	cancel()
	l.Stop()
}
