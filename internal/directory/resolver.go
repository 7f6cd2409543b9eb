package directory

import (
	"context"
	"fmt"

	"walletsync/internal/models"
	"walletsync/logger"
)

// WalletLister is the record-store collaborator behind the resolver; in
// production it is the custodial provider client.
type WalletLister interface {
	ListWallets(ctx context.Context, userID string) ([]models.Wallet, error)
}

// Resolver resolves ownership through the external record store and
// remembers what it learned so reverse lookups work between fetches.
type Resolver struct {
	lister WalletLister
	mem    *Memory
	log    *logger.Log
}

func NewResolver(lister WalletLister) *Resolver {
	return &Resolver{
		lister: lister,
		mem:    NewMemory(),
		log:    logger.GetLogger(),
	}
}

// WalletsOf fetches the user's wallets from the record store. Results
// are mirrored into the in-memory index for OwnersOf and Wallet.
func (r *Resolver) WalletsOf(ctx context.Context, userID string) ([]Entry, error) {
	wallets, err := r.lister.ListWallets(ctx, userID)
	if err != nil {
		// Serve the last known ownership when the store is unreachable;
		// a user we have never resolved still fails.
		if cached, cacheErr := r.mem.WalletsOf(ctx, userID); cacheErr == nil {
			r.log.WithComponent("directory").WithError(err).Warn("record store unavailable, serving cached ownership")
			return cached, nil
		}
		return nil, fmt.Errorf("resolve wallets of %s: %w", userID, err)
	}

	entries := make([]Entry, 0, len(wallets))
	for _, w := range wallets {
		e := Entry{WalletID: w.ID, Blockchain: w.Blockchain, Address: w.Address}
		r.mem.Add(userID, e)
		entries = append(entries, e)
	}
	return entries, nil
}

func (r *Resolver) OwnersOf(ctx context.Context, walletID string) ([]string, error) {
	return r.mem.OwnersOf(ctx, walletID)
}

func (r *Resolver) Wallet(ctx context.Context, walletID string) (Entry, error) {
	return r.mem.Wallet(ctx, walletID)
}
