// Package session owns the client's local session record and its
// inactivity lifecycle. Everything cached above a session is discarded
// when the session goes away, whether by timeout or explicit sign-out.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"walletsync/config"
	"walletsync/logger"
)

// State of the session lifecycle.
type State int

const (
	StateNoSession State = iota
	StateActive
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	default:
		return "no-session"
	}
}

// Lifecycle events published on the manager's bus.
type Event int

const (
	// EventCreated fires when a session becomes active.
	EventCreated Event = iota
	// EventExpired fires when the inactivity timeout lapses.
	EventExpired
	// EventCleared fires whenever the session record is torn down, on
	// both expiry and explicit sign-out. Caches discard on this event.
	EventCleared
)

// ErrNoSession is returned by operations that need an active session.
var ErrNoSession = fmt.Errorf("no active session")

// Record is the persisted local session.
type Record struct {
	UserID       string    `json:"userId"`
	Email        string    `json:"email"`
	Token        string    `json:"token"`
	HasPasskey   bool      `json:"hasPasskey"`
	HasPassword  bool      `json:"hasPassword"`
	LastActivity time.Time `json:"lastActivity"`
}

// Subscription is a handle for one bus listener.
type Subscription struct {
	id int
	m  *Manager
}

// Cancel releases the listener. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil || s.m == nil {
		return
	}
	s.m.mu.Lock()
	delete(s.m.subs, s.id)
	s.m.mu.Unlock()
	s.m = nil
}

// Manager is the session lifecycle state machine:
// NoSession -> Active -> Expired -> NoSession.
type Manager struct {
	timeout time.Duration
	path    string
	log     *logger.Log
	now     func() time.Time

	mu     sync.Mutex
	state  State
	record *Record
	timer  *time.Timer
	nextID int
	subs   map[int]func(Event)
}

func NewManager(cfg config.SessionConfig) *Manager {
	path := cfg.RecordPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, ".walletsync", "session.json")
		} else {
			path = "session.json"
		}
	}
	return &Manager{
		timeout: cfg.InactivityTimeout,
		path:    path,
		log:     logger.GetLogger(),
		now:     time.Now,
		state:   StateNoSession,
		subs:    make(map[int]func(Event)),
	}
}

// SetNow pins the clock, for expiry tests.
func (m *Manager) SetNow(now func() time.Time) { m.now = now }

// Subscribe registers a lifecycle listener.
func (m *Manager) Subscribe(fn func(Event)) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.subs[m.nextID] = fn
	return &Subscription{id: m.nextID, m: m}
}

// publishLocked snapshots the listeners; they are invoked outside the
// lock by the caller.
func (m *Manager) publishLocked() []func(Event) {
	fns := make([]func(Event), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	return fns
}

func notify(fns []func(Event), ev Event) {
	for _, fn := range fns {
		fn(ev)
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentUserID implements the session source consumed by the transport
// and the caches.
func (m *Manager) CurrentUserID() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive || m.record == nil {
		return "", false
	}
	return m.record.UserID, true
}

// Current returns a copy of the active record.
func (m *Manager) Current() (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive || m.record == nil {
		return Record{}, ErrNoSession
	}
	return *m.record, nil
}

// Load restores a persisted session. A missing or stale record is
// equivalent to logged-out; a stale record is removed on sight.
func (m *Manager) Load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read session record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		m.log.WithComponent("session").WithError(err).Warn("discarding unreadable session record")
		os.Remove(m.path)
		return nil
	}

	if m.now().Sub(rec.LastActivity) > m.timeout {
		m.log.WithComponent("session").WithFields(logger.Fields{"user_id": rec.UserID}).Info("persisted session is stale, discarding")
		os.Remove(m.path)
		return nil
	}

	m.mu.Lock()
	m.record = &rec
	m.state = StateActive
	m.armTimerLocked()
	fns := m.publishLocked()
	m.mu.Unlock()

	notify(fns, EventCreated)
	m.log.WithComponent("session").WithFields(logger.Fields{"user_id": rec.UserID}).Info("session restored")
	return nil
}

// Create persists a new session record, stamps activity and arms the
// inactivity timer.
func (m *Manager) Create(rec Record) error {
	rec.LastActivity = m.now()
	if err := m.persist(rec); err != nil {
		return err
	}

	m.mu.Lock()
	m.record = &rec
	m.state = StateActive
	m.armTimerLocked()
	fns := m.publishLocked()
	m.mu.Unlock()

	notify(fns, EventCreated)
	m.log.WithComponent("session").WithFields(logger.Fields{"user_id": rec.UserID}).Info("session created")
	return nil
}

// Touch refreshes the activity stamp and rearms the inactivity timer.
func (m *Manager) Touch() {
	m.mu.Lock()
	if m.state != StateActive || m.record == nil {
		m.mu.Unlock()
		return
	}
	m.record.LastActivity = m.now()
	rec := *m.record
	m.armTimerLocked()
	m.mu.Unlock()

	if err := m.persist(rec); err != nil {
		m.log.WithComponent("session").WithError(err).Warn("failed to persist activity stamp")
	}
}

// HandleForeground runs on app-foreground transitions. A session already
// past its timeout expires immediately instead of waiting for the timer.
func (m *Manager) HandleForeground() {
	m.mu.Lock()
	if m.state != StateActive || m.record == nil {
		m.mu.Unlock()
		return
	}
	elapsed := m.now().Sub(m.record.LastActivity)
	m.mu.Unlock()

	if elapsed > m.timeout {
		m.expire()
		return
	}
	m.Touch()
}

// HandleBackground stamps when activity stopped. The stamp is not an
// extension: the timer keeps running from its last arming.
func (m *Manager) HandleBackground() {
	m.mu.Lock()
	if m.state != StateActive || m.record == nil {
		m.mu.Unlock()
		return
	}
	m.record.LastActivity = m.now()
	rec := *m.record
	m.mu.Unlock()

	if err := m.persist(rec); err != nil {
		m.log.WithComponent("session").WithError(err).Warn("failed to persist activity stamp")
	}
}

// Clear is explicit sign-out: same teardown as expiry, caller initiated.
func (m *Manager) Clear() {
	m.mu.Lock()
	if m.state == StateNoSession {
		m.mu.Unlock()
		return
	}
	userID := ""
	if m.record != nil {
		userID = m.record.UserID
	}
	m.teardownLocked()
	m.state = StateNoSession
	fns := m.publishLocked()
	m.mu.Unlock()

	notify(fns, EventCleared)
	m.log.WithComponent("session").WithFields(logger.Fields{"user_id": userID}).Info("session cleared")
}

// expire is the timer-driven teardown.
func (m *Manager) expire() {
	m.mu.Lock()
	if m.state != StateActive || m.record == nil {
		m.mu.Unlock()
		return
	}

	// The timer may fire late, after a Touch already rearmed it. If recent
	// activity shows up here, rearm for a full window and bail; the Touch
	// that recorded it already reset the wall timer.
	elapsed := m.now().Sub(m.record.LastActivity)
	if elapsed <= m.timeout {
		m.armTimerLocked()
		m.mu.Unlock()
		return
	}

	userID := m.record.UserID
	m.teardownLocked()
	m.state = StateExpired
	fns := m.publishLocked()
	m.mu.Unlock()

	notify(fns, EventExpired)
	notify(fns, EventCleared)
	m.log.WithComponent("session").WithFields(logger.Fields{"user_id": userID}).Info("session expired due to inactivity")
}

// teardownLocked stops the timer and removes the persisted record.
func (m *Manager) teardownLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.record = nil
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		m.log.WithComponent("session").WithError(err).Warn("failed to remove session record")
	}
}

// armTimerLocked replaces the inactivity timer. Stopping the previous
// timer first avoids duplicate timers racing to expire.
func (m *Manager) armTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.timeout, m.expire)
}

func (m *Manager) persist(rec Record) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0o600); err != nil {
		return fmt.Errorf("write session record: %w", err)
	}
	return nil
}
