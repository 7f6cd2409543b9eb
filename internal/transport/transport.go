// Package transport owns the client side of the persistent channel: one
// websocket connection, reconnection with exponential backoff, and a
// typed publish/subscribe surface that hides the wire from consumers.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"walletsync/config"
	"walletsync/internal/models"
	"walletsync/logger"
)

// State of the transport connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	default:
		return "disconnected"
	}
}

// ErrNotConnected is returned by request methods while the channel is
// down. Callers fall back to their caches.
var ErrNotConnected = fmt.Errorf("transport not connected")

// SessionSource tells the transport which user to subscribe as. With no
// session the transport never attempts a connection.
type SessionSource interface {
	CurrentUserID() (string, bool)
}

// wsConn is the subset of *websocket.Conn the transport uses; tests
// substitute an in-memory pipe.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens one channel connection.
type DialFunc func(ctx context.Context) (wsConn, error)

// Backoff returns the reconnect delay before attempt n (1-based):
// base, 2*base, 4*base, ...
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

// Transport is the client's persistent channel. Construct with
// NewTransport, start with Connect, release with Disconnect.
type Transport struct {
	cfg     config.TransportConfig
	session SessionSource
	dial    DialFunc
	log     *logger.Log
	events  *emitter

	mu       sync.Mutex
	state    State
	attempts int
	conn     wsConn
	cancel   context.CancelFunc
	retryT   *time.Timer
	done     chan struct{}
}

func NewTransport(cfg config.TransportConfig, session SessionSource) *Transport {
	t := &Transport{
		cfg:     cfg,
		session: session,
		log:     logger.GetLogger(),
		events:  newEmitter(),
	}
	t.dial = t.dialWebsocket
	return t
}

// NewTransportWithDialer injects the dial function, for tests.
func NewTransportWithDialer(cfg config.TransportConfig, session SessionSource, dial DialFunc) *Transport {
	t := NewTransport(cfg, session)
	t.dial = dial
	return t
}

func (t *Transport) dialWebsocket(ctx context.Context) (wsConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, t.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// On registers a handler for one event name. The returned handle must be
// cancelled when the consumer goes away.
func (t *Transport) On(event string, h Handler) (*Subscription, error) {
	if !models.KnownEvent(event) {
		return nil, fmt.Errorf("unknown event %q", event)
	}
	return t.events.on(event, h), nil
}

// Connect starts the connection loop. Without a session this is a no-op:
// there are no anonymous connections.
func (t *Transport) Connect() {
	if _, ok := t.session.CurrentUserID(); !ok {
		t.log.WithComponent("transport").Debug("no session, skipping connect")
		return
	}

	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	t.attempts = 0
	done := t.done
	t.mu.Unlock()

	go t.run(ctx, done)
}

// Disconnect stops the loop, closes the socket and cancels any pending
// backoff timer. The attempt counter is left as is; Reconnect resets it.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	done := t.done
	if t.retryT != nil {
		t.retryT.Stop()
	}
	if t.conn != nil {
		t.conn.Close()
	}
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	t.setState(StateDisconnected)
}

// Reconnect resets the attempt counter and starts the loop again. This
// is the manual escape hatch after the backoff ceiling was exceeded.
func (t *Transport) Reconnect() {
	t.Disconnect()
	t.mu.Lock()
	t.attempts = 0
	t.mu.Unlock()
	t.Connect()
}

// RefreshWalletBalance asks the server for an immediate balance fetch.
// The answer arrives as a wallet-balance-updated event.
func (t *Transport) RefreshWalletBalance(walletID string) error {
	return t.send(models.EventRefreshWalletBalance, models.RefreshWalletBalance{WalletID: walletID})
}

// CheckTransactionStatus asks for one transaction's current state. The
// answer arrives as a transaction-status-updated event.
func (t *Transport) CheckTransactionStatus(transactionID string) error {
	return t.send(models.EventCheckTransaction, models.CheckTransaction{TransactionID: transactionID})
}

func (t *Transport) send(event string, payload interface{}) error {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || t.state < StateConnected {
		return ErrNotConnected
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	prev := t.state
	t.state = s
	t.mu.Unlock()

	if prev != s {
		t.log.WithComponent("transport").WithFields(logger.Fields{
			"from": prev.String(),
			"to":   s.String(),
		}).Debug("transport state changed")
	}
}

func (t *Transport) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	log := t.log.WithComponent("transport")

	for {
		if ctx.Err() != nil {
			t.setState(StateDisconnected)
			return
		}

		t.setState(StateConnecting)
		conn, err := t.dial(ctx)
		if err != nil {
			log.WithError(err).Warn("connect failed")
			t.setState(StateDisconnected)
			if !t.waitRetry(ctx) {
				return
			}
			continue
		}

		t.mu.Lock()
		t.conn = conn
		t.attempts = 0
		t.mu.Unlock()
		t.setState(StateConnected)

		if err := t.subscribe(); err != nil {
			log.WithError(err).Warn("subscribe failed")
			conn.Close()
			t.clearConn()
			t.setState(StateDisconnected)
			if !t.waitRetry(ctx) {
				return
			}
			continue
		}

		t.readLoop(ctx, conn)

		t.clearConn()
		t.setState(StateDisconnected)
		if ctx.Err() != nil {
			return
		}
		log.Info("connection lost, scheduling reconnect")
		if !t.waitRetry(ctx) {
			return
		}
	}
}

func (t *Transport) clearConn() {
	t.mu.Lock()
	t.conn = nil
	t.mu.Unlock()
}

// subscribe issues subscribe-wallets for the session's user. The state
// moves to Subscribed when the acknowledgement arrives in the read loop.
func (t *Transport) subscribe() error {
	userID, ok := t.session.CurrentUserID()
	if !ok {
		return fmt.Errorf("session disappeared before subscribe")
	}

	env, err := models.NewEnvelope(models.EventSubscribeWallets, models.SubscribeWallets{UserID: userID})
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal subscribe: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrNotConnected
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *Transport) readLoop(ctx context.Context, conn wsConn) {
	log := t.log.WithComponent("transport")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Warn("read failed")
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.WithError(err).Warn("dropping malformed message")
			continue
		}
		if !models.KnownEvent(env.Event) {
			log.WithFields(logger.Fields{"event": env.Event}).Warn("dropping unknown event")
			continue
		}

		if env.Event == models.EventSubscriptionConfirmed {
			t.setState(StateSubscribed)
		}

		t.events.emit(env.Event, env.Payload)
	}
}

// waitRetry blocks for the backoff delay before the next attempt. It
// returns false once the ceiling is exceeded or the context is gone; the
// transport then stays Disconnected until an explicit Reconnect.
func (t *Transport) waitRetry(ctx context.Context) bool {
	t.mu.Lock()
	t.attempts++
	attempt := t.attempts
	t.mu.Unlock()

	if attempt > t.cfg.MaxReconnectAttempts {
		t.log.WithComponent("transport").WithFields(logger.Fields{
			"attempts": attempt - 1,
		}).Error("reconnect ceiling exceeded, giving up until manual reconnect")
		return false
	}

	delay := Backoff(t.cfg.ReconnectBaseDelay, attempt)
	t.log.WithComponent("transport").WithFields(logger.Fields{
		"attempt": attempt,
		"delay":   delay.String(),
	}).Info("scheduling reconnect")
	logger.IncrementReconnect()

	timer := time.NewTimer(delay)
	t.mu.Lock()
	t.retryT = timer
	t.mu.Unlock()
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
