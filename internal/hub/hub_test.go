package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	appconfig "walletsync/config"
	"walletsync/internal/directory"
	"walletsync/internal/models"
)

// fakeSocket is an in-memory socket. Inbound frames are scripted through
// a channel; outbound frames are recorded.
type fakeSocket struct {
	inbound chan []byte

	mu     sync.Mutex
	writes []models.Envelope
	closed bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{inbound: make(chan []byte, 8)}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	data, ok := <-s.inbound
	if !ok {
		return 0, nil, fmt.Errorf("socket closed")
	}
	return websocket.TextMessage, data, nil
}

func (s *fakeSocket) WriteMessage(messageType int, data []byte) error {
	if messageType != websocket.TextMessage {
		return nil
	}
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	s.mu.Lock()
	s.writes = append(s.writes, env)
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) SetReadDeadline(t time.Time) error  { return nil }
func (s *fakeSocket) SetWriteDeadline(t time.Time) error { return nil }
func (s *fakeSocket) SetPongHandler(h func(string) error) {}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.inbound)
	return nil
}

// send injects a client frame.
func (s *fakeSocket) send(t *testing.T, event string, payload interface{}) {
	t.Helper()
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s.inbound <- data
}

// received returns the envelopes written so far for one event name.
func (s *fakeSocket) received(event string) []models.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Envelope
	for _, env := range s.writes {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

type fakeMonitor struct {
	mu      sync.Mutex
	started map[string]int
	stopped map[string]int
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{started: make(map[string]int), stopped: make(map[string]int)}
}

func (m *fakeMonitor) Start(walletID, blockchain string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started[walletID]++
}

func (m *fakeMonitor) Stop(walletID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped[walletID]++
}

func (m *fakeMonitor) stops(walletID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped[walletID]
}

type fakeHubProvider struct {
	mu       sync.Mutex
	balances map[string][]models.Balance
	txs      map[string]models.Transaction
	fail     bool
}

func newFakeHubProvider() *fakeHubProvider {
	return &fakeHubProvider{
		balances: make(map[string][]models.Balance),
		txs:      make(map[string]models.Transaction),
	}
}

func (p *fakeHubProvider) GetBalance(ctx context.Context, walletID string) ([]models.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return nil, fmt.Errorf("provider unavailable")
	}
	return p.balances[walletID], nil
}

func (p *fakeHubProvider) GetTransaction(ctx context.Context, id string) (models.Transaction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return models.Transaction{}, fmt.Errorf("provider unavailable")
	}
	tx, ok := p.txs[id]
	if !ok {
		return models.Transaction{}, fmt.Errorf("unknown transaction %s", id)
	}
	return tx, nil
}

func testServerConfig() appconfig.ServerConfig {
	return appconfig.ServerConfig{
		SendBuffer:   32,
		WriteTimeout: time.Second,
		PongTimeout:  time.Minute,
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testHub(dir directory.Directory, mon Monitor, prov Provider) *Hub {
	return NewHub(testServerConfig(), dir, mon, prov)
}

func subscribe(t *testing.T, sock *fakeSocket, userID string) {
	t.Helper()
	sock.send(t, models.EventSubscribeWallets, models.SubscribeWallets{UserID: userID})
	waitUntil(t, "subscription confirmation", func() bool {
		return len(sock.received(models.EventSubscriptionConfirmed)) == 1
	})
}

func TestSubscribeConfirmsAndStartsMonitoring(t *testing.T) {
	dir := directory.NewMemory()
	dir.Add("user-1", directory.Entry{WalletID: "w1", Blockchain: "ethereum"})
	dir.Add("user-1", directory.Entry{WalletID: "w2", Blockchain: "bitcoin"})
	mon := newFakeMonitor()
	h := testHub(dir, mon, newFakeHubProvider())
	defer h.Close()

	sock := newFakeSocket()
	h.Register(sock)

	subscribe(t, sock, "user-1")

	var conf models.SubscriptionConfirmed
	env := sock.received(models.EventSubscriptionConfirmed)[0]
	if err := json.Unmarshal(env.Payload, &conf); err != nil {
		t.Fatalf("unmarshal confirmation: %v", err)
	}
	if conf.UserID != "user-1" {
		t.Fatalf("confirmed user = %q", conf.UserID)
	}

	if got := len(h.MonitoredFor("user-1")); got != 2 {
		t.Fatalf("monitored wallets = %d, want 2", got)
	}

	mon.mu.Lock()
	defer mon.mu.Unlock()
	if mon.started["w1"] != 1 || mon.started["w2"] != 1 {
		t.Fatalf("monitor starts = %v", mon.started)
	}
}

func TestSubscribeUnknownUser(t *testing.T) {
	h := testHub(directory.NewMemory(), newFakeMonitor(), newFakeHubProvider())
	defer h.Close()

	sock := newFakeSocket()
	h.Register(sock)

	sock.send(t, models.EventSubscribeWallets, models.SubscribeWallets{UserID: "nobody"})
	waitUntil(t, "subscription error", func() bool {
		return len(sock.received(models.EventSubscriptionError)) == 1
	})

	// The connection stays usable after the error.
	if got := h.ConnectionCount(); got != 1 {
		t.Fatalf("connections = %d, want 1", got)
	}
}

func TestBroadcastToUserReachesAllUserConnections(t *testing.T) {
	dir := directory.NewMemory()
	dir.Add("user-1", directory.Entry{WalletID: "w1", Blockchain: "ethereum"})
	dir.Add("user-2", directory.Entry{WalletID: "w9", Blockchain: "ethereum"})
	h := testHub(dir, newFakeMonitor(), newFakeHubProvider())
	defer h.Close()

	a := newFakeSocket()
	b := newFakeSocket()
	other := newFakeSocket()
	h.Register(a)
	h.Register(b)
	h.Register(other)

	subscribe(t, a, "user-1")
	subscribe(t, b, "user-1")
	subscribe(t, other, "user-2")

	h.BroadcastToUser("user-1", models.EventWalletUpdated, models.WalletUpdate{WalletID: "w1"})

	waitUntil(t, "delivery to both user connections", func() bool {
		return len(a.received(models.EventWalletUpdated)) == 1 &&
			len(b.received(models.EventWalletUpdated)) == 1
	})
	if got := len(other.received(models.EventWalletUpdated)); got != 0 {
		t.Fatalf("other user received %d wallet updates", got)
	}
}

func TestBroadcastAllIncludesAnonymousConnections(t *testing.T) {
	dir := directory.NewMemory()
	dir.Add("user-1", directory.Entry{WalletID: "w1", Blockchain: "ethereum"})
	h := testHub(dir, newFakeMonitor(), newFakeHubProvider())
	defer h.Close()

	subscribed := newFakeSocket()
	anon := newFakeSocket()
	h.Register(subscribed)
	h.Register(anon)
	subscribe(t, subscribed, "user-1")

	tick := models.PriceTick{Symbol: "BTC", Price: 64000}
	h.BroadcastAll(models.EventPriceUpdated, tick)

	waitUntil(t, "price delivery to every connection", func() bool {
		return len(subscribed.received(models.EventPriceUpdated)) == 1 &&
			len(anon.received(models.EventPriceUpdated)) == 1
	})
}

func TestLastDisconnectStopsOrphanedWallets(t *testing.T) {
	dir := directory.NewMemory()
	dir.Add("user-1", directory.Entry{WalletID: "own", Blockchain: "ethereum"})
	dir.Add("user-1", directory.Entry{WalletID: "shared", Blockchain: "bitcoin"})
	dir.Add("user-2", directory.Entry{WalletID: "shared", Blockchain: "bitcoin"})
	mon := newFakeMonitor()
	h := testHub(dir, mon, newFakeHubProvider())
	defer h.Close()

	a := newFakeSocket()
	b := newFakeSocket()
	other := newFakeSocket()
	h.Register(a)
	h.Register(b)
	h.Register(other)
	subscribe(t, a, "user-1")
	subscribe(t, b, "user-1")
	subscribe(t, other, "user-2")

	// First connection goes away: user-1 still has one live connection,
	// nothing stops.
	a.Close()
	waitUntil(t, "first unregister", func() bool { return h.ConnectionCount() == 2 })
	if got := mon.stops("own"); got != 0 {
		t.Fatalf("own wallet stopped with a live connection remaining")
	}

	// Last connection goes away: the user's wallets are released, but the
	// shared wallet still has a subscriber.
	b.Close()
	waitUntil(t, "second unregister", func() bool { return h.ConnectionCount() == 1 })
	waitUntil(t, "own wallet stopped", func() bool { return mon.stops("own") == 1 })
	if got := mon.stops("shared"); got != 0 {
		t.Fatalf("shared wallet stopped while user-2 is subscribed")
	}

	other.Close()
	waitUntil(t, "shared wallet stopped", func() bool { return mon.stops("shared") == 1 })
}

func TestRefreshWalletBalanceAnswersUserGroup(t *testing.T) {
	dir := directory.NewMemory()
	dir.Add("user-1", directory.Entry{WalletID: "w1", Blockchain: "ethereum", Address: "0xabc"})
	prov := newFakeHubProvider()
	prov.balances["w1"] = []models.Balance{
		{TokenID: "eth", Symbol: "ETH", Amount: decimal.NewFromFloat(2.25)},
	}
	h := testHub(dir, newFakeMonitor(), prov)
	defer h.Close()

	sock := newFakeSocket()
	h.Register(sock)
	subscribe(t, sock, "user-1")

	sock.send(t, models.EventRefreshWalletBalance, models.RefreshWalletBalance{WalletID: "w1"})

	waitUntil(t, "balance answer", func() bool {
		return len(sock.received(models.EventWalletBalanceUpdated)) == 1
	})

	var update models.WalletUpdate
	env := sock.received(models.EventWalletBalanceUpdated)[0]
	if err := json.Unmarshal(env.Payload, &update); err != nil {
		t.Fatalf("unmarshal update: %v", err)
	}
	if update.WalletID != "w1" || update.Address != "0xabc" {
		t.Fatalf("update = %+v", update)
	}
	if len(update.Balances) != 1 || !update.Balances[0].Amount.Equal(decimal.NewFromFloat(2.25)) {
		t.Fatalf("balances = %+v", update.Balances)
	}
}

func TestRefreshFailureReportsWalletError(t *testing.T) {
	dir := directory.NewMemory()
	dir.Add("user-1", directory.Entry{WalletID: "w1", Blockchain: "ethereum"})
	prov := newFakeHubProvider()
	prov.fail = true
	h := testHub(dir, newFakeMonitor(), prov)
	defer h.Close()

	sock := newFakeSocket()
	h.Register(sock)

	// Subscribe while the provider works, then break it.
	prov.mu.Lock()
	prov.fail = false
	prov.mu.Unlock()
	subscribe(t, sock, "user-1")
	prov.mu.Lock()
	prov.fail = true
	prov.mu.Unlock()

	sock.send(t, models.EventRefreshWalletBalance, models.RefreshWalletBalance{WalletID: "w1"})

	waitUntil(t, "wallet error", func() bool {
		return len(sock.received(models.EventWalletError)) == 1
	})
}

func TestCheckTransactionStatus(t *testing.T) {
	dir := directory.NewMemory()
	dir.Add("user-1", directory.Entry{WalletID: "w1", Blockchain: "ethereum"})
	prov := newFakeHubProvider()
	prov.txs["tx-1"] = models.Transaction{
		ID:       "tx-1",
		WalletID: "w1",
		State:    models.TxStateConfirmed,
		TxHash:   "0xdead",
		Amount:   decimal.NewFromInt(4),
	}
	h := testHub(dir, newFakeMonitor(), prov)
	defer h.Close()

	sock := newFakeSocket()
	h.Register(sock)
	subscribe(t, sock, "user-1")

	sock.send(t, models.EventCheckTransaction, models.CheckTransaction{TransactionID: "tx-1"})

	waitUntil(t, "status answer", func() bool {
		return len(sock.received(models.EventTransactionStatus)) == 1
	})

	var status models.TransactionStatus
	env := sock.received(models.EventTransactionStatus)[0]
	if err := json.Unmarshal(env.Payload, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.TransactionID != "tx-1" || status.State != models.TxStateConfirmed || status.TxHash != "0xdead" {
		t.Fatalf("status = %+v", status)
	}
}

func TestRequestsFromAnonymousConnectionFail(t *testing.T) {
	h := testHub(directory.NewMemory(), newFakeMonitor(), newFakeHubProvider())
	defer h.Close()

	sock := newFakeSocket()
	h.Register(sock)

	sock.send(t, models.EventRefreshWalletBalance, models.RefreshWalletBalance{WalletID: "w1"})
	waitUntil(t, "wallet error", func() bool {
		return len(sock.received(models.EventWalletError)) == 1
	})
}

func TestMalformedFrameIsDropped(t *testing.T) {
	dir := directory.NewMemory()
	dir.Add("user-1", directory.Entry{WalletID: "w1", Blockchain: "ethereum"})
	h := testHub(dir, newFakeMonitor(), newFakeHubProvider())
	defer h.Close()

	sock := newFakeSocket()
	h.Register(sock)

	sock.inbound <- []byte("{not json")
	subscribe(t, sock, "user-1")

	if got := h.ConnectionCount(); got != 1 {
		t.Fatalf("connections = %d, want 1", got)
	}
}

func TestCloseDuringSendDoesNotPanic(t *testing.T) {
	h := testHub(directory.NewMemory(), newFakeMonitor(), newFakeHubProvider())
	defer h.Close()

	env, err := models.NewEnvelope(models.EventPriceUpdated, models.PriceTick{Symbol: "BTC", Price: 50000})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}

	// Hammer concurrent senders against close; a send racing past the
	// closed-check onto a closed channel panics the process.
	for i := 0; i < 2000; i++ {
		c := newConn(newFakeSocket(), h)
		var wg sync.WaitGroup
		for g := 0; g < 6; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 4; j++ {
					c.trySend(env)
				}
			}()
		}
		c.close()
		wg.Wait()

		if c.trySend(env) {
			t.Fatalf("send accepted after close")
		}
	}
}
