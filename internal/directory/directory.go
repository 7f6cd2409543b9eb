// Package directory resolves wallet ownership for subscription setup and
// broadcast targeting. The record store behind it is an external
// collaborator; the in-memory implementation here is what the single
// process design needs and what the tests exercise.
package directory

import (
	"context"
	"fmt"
	"sync"
)

// Entry describes one wallet as known to the record store.
type Entry struct {
	WalletID   string
	Blockchain string
	Address    string
}

// Directory answers "which wallets does this user own" and the reverse.
// A wallet may be shared: OwnersOf can return more than one user, and
// broadcasts fan out to every owner.
type Directory interface {
	WalletsOf(ctx context.Context, userID string) ([]Entry, error)
	OwnersOf(ctx context.Context, walletID string) ([]string, error)
	Wallet(ctx context.Context, walletID string) (Entry, error)
}

// Memory is a mutex-guarded in-memory Directory.
type Memory struct {
	mu        sync.RWMutex
	byUser    map[string][]Entry
	byWallet  map[string]Entry
	ownership map[string]map[string]struct{} // walletID -> set of userIDs
}

func NewMemory() *Memory {
	return &Memory{
		byUser:    make(map[string][]Entry),
		byWallet:  make(map[string]Entry),
		ownership: make(map[string]map[string]struct{}),
	}
}

// Add registers a wallet under a user. Adding the same wallet under a
// second user makes it multi-owner.
func (m *Memory) Add(userID string, e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owners, ok := m.ownership[e.WalletID]
	if !ok {
		owners = make(map[string]struct{})
		m.ownership[e.WalletID] = owners
		m.byWallet[e.WalletID] = e
	}
	if _, dup := owners[userID]; dup {
		return
	}
	owners[userID] = struct{}{}
	m.byUser[userID] = append(m.byUser[userID], e)
}

func (m *Memory) WalletsOf(ctx context.Context, userID string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, ok := m.byUser[userID]
	if !ok {
		return nil, fmt.Errorf("no wallets for user %s", userID)
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, nil
}

func (m *Memory) Wallet(ctx context.Context, walletID string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.byWallet[walletID]
	if !ok {
		return Entry{}, fmt.Errorf("unknown wallet %s", walletID)
	}
	return e, nil
}

func (m *Memory) OwnersOf(ctx context.Context, walletID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	owners, ok := m.ownership[walletID]
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(owners))
	for u := range owners {
		out = append(out, u)
	}
	return out, nil
}
