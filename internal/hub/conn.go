package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"walletsync/internal/models"
	"walletsync/logger"
)

// socket is the subset of *websocket.Conn the hub needs. Tests substitute
// an in-memory implementation.
type socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Conn is one live client connection tracked by the hub. A connection is
// anonymous until its subscribe-wallets request associates it with a user.
type Conn struct {
	id   string
	sock socket
	hub  *Hub
	log  *logger.Log

	send chan models.Envelope

	mu     sync.Mutex
	userID string
	closed bool
}

func newConn(sock socket, h *Hub) *Conn {
	return &Conn{
		id:   uuid.NewString(),
		sock: sock,
		hub:  h,
		log:  logger.GetLogger(),
		send: make(chan models.Envelope, h.cfg.SendBuffer),
	}
}

// ID returns the connection's identifier.
func (c *Conn) ID() string { return c.id }

// UserID returns the associated user, or "" while the connection is
// anonymous.
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Conn) setUserID(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// trySend queues an envelope for delivery. Delivery is best effort: when
// the outbound buffer is full the message is dropped, not queued, matching
// the no-backpressure broadcast contract. The mutex is held across the
// channel send so close cannot slip in between the closed-check and the
// send; the send itself never blocks, so the critical section stays short.
func (c *Conn) trySend(env models.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}

	select {
	case c.send <- env:
		return true
	default:
		c.log.WithComponent("hub").WithFields(logger.Fields{
			"conn_id": c.id,
			"event":   env.Event,
		}).Warn("send buffer full, dropping message")
		return false
	}
}

func (c *Conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	c.sock.Close()
}

// writePump drains the send channel onto the socket. One writer per
// connection keeps gorilla's single-writer requirement.
func (c *Conn) writePump() {
	pingInterval := c.hub.cfg.PongTimeout * 9 / 10
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-c.send:
			c.sock.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if !ok {
				c.sock.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				c.log.WithComponent("hub").WithError(err).Warn("failed to marshal envelope")
				continue
			}
			if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			logger.IncrementBroadcast(len(data))
		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump decodes inbound envelopes and hands them to the hub until the
// socket errors, then unregisters the connection.
func (c *Conn) readPump() {
	defer c.hub.Unregister(c)

	c.sock.SetReadDeadline(time.Now().Add(c.hub.cfg.PongTimeout))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(c.hub.cfg.PongTimeout))
	})

	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithComponent("hub").WithFields(logger.Fields{"conn_id": c.id}).WithError(err).Warn("connection closed unexpectedly")
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.WithComponent("hub").WithFields(logger.Fields{"conn_id": c.id}).WithError(err).Warn("dropping malformed message")
			continue
		}
		logger.RecordStreamMessage(env.Event, len(data))
		c.hub.handleMessage(c, env)
	}
}
