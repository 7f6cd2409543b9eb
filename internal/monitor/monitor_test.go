package monitor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	appconfig "walletsync/config"
	"walletsync/internal/directory"
	"walletsync/internal/models"
)

type fakeProvider struct {
	mu           sync.Mutex
	balanceCalls map[string]int
	failBalance  map[string]bool
	txs          map[string][]models.Transaction
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		balanceCalls: make(map[string]int),
		failBalance:  make(map[string]bool),
		txs:          make(map[string][]models.Transaction),
	}
}

func (p *fakeProvider) GetBalance(ctx context.Context, walletID string) ([]models.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balanceCalls[walletID]++
	if p.failBalance[walletID] {
		return nil, fmt.Errorf("provider unavailable")
	}
	return []models.Balance{{TokenID: "eth", Symbol: "ETH", Amount: decimal.NewFromFloat(1.5)}}, nil
}

func (p *fakeProvider) ListTransactions(ctx context.Context, walletIDs []string, limit int) ([]models.Transaction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.Transaction
	for _, id := range walletIDs {
		out = append(out, p.txs[id]...)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (p *fakeProvider) calls(walletID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balanceCalls[walletID]
}

type recordedEvent struct {
	userID  string
	event   string
	payload interface{}
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (b *fakeBroadcaster) BroadcastToUser(userID, event string, payload interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, recordedEvent{userID: userID, event: event, payload: payload})
}

func (b *fakeBroadcaster) recorded() []recordedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]recordedEvent, len(b.events))
	copy(out, b.events)
	return out
}

func testMonitor(prov Provider, dir directory.Directory, bc Broadcaster) *Monitor {
	cfg := appconfig.MonitorConfig{PollInterval: time.Hour, TransactionLimit: 10}
	return NewMonitor(cfg, prov, dir, bc)
}

func TestStartIsIdempotent(t *testing.T) {
	prov := newFakeProvider()
	dir := directory.NewMemory()
	dir.Add("user-1", directory.Entry{WalletID: "w1", Blockchain: "ethereum", Address: "0xabc"})
	bc := &fakeBroadcaster{}

	m := testMonitor(prov, dir, bc)
	defer m.StopAll()

	m.Start("w1", "ethereum")
	m.Start("w1", "ethereum")

	if got := m.ActiveCount(); got != 1 {
		t.Fatalf("active tasks = %d, want 1", got)
	}
	// The first Start polls synchronously; the second must not.
	if got := prov.calls("w1"); got != 1 {
		t.Fatalf("balance calls = %d, want 1", got)
	}
}

func TestPollBroadcastsToEveryOwner(t *testing.T) {
	prov := newFakeProvider()
	dir := directory.NewMemory()
	dir.Add("user-1", directory.Entry{WalletID: "shared", Blockchain: "bitcoin", Address: "bc1q"})
	dir.Add("user-2", directory.Entry{WalletID: "shared", Blockchain: "bitcoin", Address: "bc1q"})
	bc := &fakeBroadcaster{}

	m := testMonitor(prov, dir, bc)
	defer m.StopAll()

	m.Start("shared", "bitcoin")

	seen := map[string]bool{}
	for _, ev := range bc.recorded() {
		if ev.event == models.EventWalletUpdated {
			seen[ev.userID] = true
		}
	}
	if !seen["user-1"] || !seen["user-2"] {
		t.Fatalf("wallet update did not reach both owners: %v", seen)
	}
}

func TestPollFailureIsIsolated(t *testing.T) {
	prov := newFakeProvider()
	prov.failBalance["w1"] = true
	dir := directory.NewMemory()
	dir.Add("user-1", directory.Entry{WalletID: "w1", Blockchain: "ethereum"})
	dir.Add("user-1", directory.Entry{WalletID: "w2", Blockchain: "ethereum"})
	bc := &fakeBroadcaster{}

	m := testMonitor(prov, dir, bc)
	defer m.StopAll()

	m.Start("w1", "ethereum")
	m.Start("w2", "ethereum")

	// The failing wallet stays scheduled for its next tick.
	if !m.Active("w1") || !m.Active("w2") {
		t.Fatalf("expected both wallets active")
	}

	var w1Updates, w2Updates int
	for _, ev := range bc.recorded() {
		if ev.event != models.EventWalletUpdated {
			continue
		}
		if u, ok := ev.payload.(models.WalletUpdate); ok {
			switch u.WalletID {
			case "w1":
				w1Updates++
			case "w2":
				w2Updates++
			}
		}
	}
	if w1Updates != 0 {
		t.Fatalf("failing wallet broadcast %d updates", w1Updates)
	}
	if w2Updates != 1 {
		t.Fatalf("healthy wallet broadcast %d updates, want 1", w2Updates)
	}
}

func TestRecentTransactionsSkippedWhenEmpty(t *testing.T) {
	prov := newFakeProvider()
	dir := directory.NewMemory()
	dir.Add("user-1", directory.Entry{WalletID: "w1", Blockchain: "solana"})
	bc := &fakeBroadcaster{}

	m := testMonitor(prov, dir, bc)
	defer m.StopAll()

	m.Start("w1", "solana")

	for _, ev := range bc.recorded() {
		if ev.event == models.EventRecentTransactions {
			t.Fatalf("unexpected recent-transactions broadcast with no transactions")
		}
	}
}

func TestRecentTransactionsBroadcast(t *testing.T) {
	prov := newFakeProvider()
	prov.txs["w1"] = []models.Transaction{
		{ID: "tx-1", WalletID: "w1", State: models.TxStatePending, Amount: decimal.NewFromInt(3)},
	}
	dir := directory.NewMemory()
	dir.Add("user-1", directory.Entry{WalletID: "w1", Blockchain: "solana"})
	bc := &fakeBroadcaster{}

	m := testMonitor(prov, dir, bc)
	defer m.StopAll()

	m.Start("w1", "solana")

	var got *models.RecentTransactions
	for _, ev := range bc.recorded() {
		if ev.event == models.EventRecentTransactions {
			if r, ok := ev.payload.(models.RecentTransactions); ok {
				got = &r
			}
		}
	}
	if got == nil {
		t.Fatalf("no recent-transactions broadcast")
	}
	if len(got.Transactions) != 1 || got.Transactions[0].ID != "tx-1" {
		t.Fatalf("unexpected transactions payload: %+v", got)
	}
}

func TestStopUnknownWalletIsNoop(t *testing.T) {
	prov := newFakeProvider()
	bc := &fakeBroadcaster{}
	m := testMonitor(prov, directory.NewMemory(), bc)
	m.Stop("never-started")
	if got := m.ActiveCount(); got != 0 {
		t.Fatalf("active tasks = %d, want 0", got)
	}
}

func TestStopAllDrainsTasks(t *testing.T) {
	prov := newFakeProvider()
	dir := directory.NewMemory()
	dir.Add("user-1", directory.Entry{WalletID: "w1", Blockchain: "polygon"})
	dir.Add("user-1", directory.Entry{WalletID: "w2", Blockchain: "polygon"})
	bc := &fakeBroadcaster{}

	m := testMonitor(prov, dir, bc)
	m.Start("w1", "polygon")
	m.Start("w2", "polygon")

	m.StopAll()
	if got := m.ActiveCount(); got != 0 {
		t.Fatalf("active tasks after StopAll = %d, want 0", got)
	}
	if m.Active("w1") {
		t.Fatalf("w1 still active after StopAll")
	}
}
