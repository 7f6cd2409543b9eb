package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Event names carried on the wire. The vocabulary is closed: both sides
// reject envelopes whose event name is not listed here.
const (
	// server -> client
	EventSubscriptionConfirmed = "subscription-confirmed"
	EventSubscriptionError     = "subscription-error"
	EventWalletUpdated         = "wallet-updated"
	EventWalletBalanceUpdated  = "wallet-balance-updated"
	EventRecentTransactions    = "recent-transactions"
	EventTransactionUpdated    = "transaction-updated"
	EventTransactionStatus     = "transaction-status-updated"
	EventPriceUpdated          = "price-updated"
	EventWalletError           = "wallet-error"
	EventTransactionError      = "transaction-error"

	// client -> server
	EventSubscribeWallets     = "subscribe-wallets"
	EventRefreshWalletBalance = "refresh-wallet-balance"
	EventCheckTransaction     = "check-transaction-status"
)

var knownEvents = map[string]struct{}{
	EventSubscriptionConfirmed: {},
	EventSubscriptionError:     {},
	EventWalletUpdated:         {},
	EventWalletBalanceUpdated:  {},
	EventRecentTransactions:    {},
	EventTransactionUpdated:    {},
	EventTransactionStatus:     {},
	EventPriceUpdated:          {},
	EventWalletError:           {},
	EventTransactionError:      {},
	EventSubscribeWallets:      {},
	EventRefreshWalletBalance:  {},
	EventCheckTransaction:      {},
}

// KnownEvent reports whether name belongs to the wire vocabulary.
func KnownEvent(name string) bool {
	_, ok := knownEvents[name]
	return ok
}

// Envelope is the framing for every websocket message in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope for event.
func NewEnvelope(event string, payload interface{}) (Envelope, error) {
	if !KnownEvent(event) {
		return Envelope{}, fmt.Errorf("unknown event %q", event)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return Envelope{Event: event, Payload: data}, nil
}

// SubscriptionConfirmed acknowledges a subscribe-wallets request.
type SubscriptionConfirmed struct {
	Message string `json:"message"`
	UserID  string `json:"userId"`
}

// SubscriptionError tells the client its subscription could not be set up.
// The connection stays open.
type SubscriptionError struct {
	Error string `json:"error"`
}

// WalletUpdate carries a wallet's current balances. Used for both the
// periodic wallet-updated broadcast and the wallet-balance-updated reply
// to an explicit refresh request.
type WalletUpdate struct {
	WalletID    string    `json:"walletId"`
	Blockchain  string    `json:"blockchain"`
	Address     string    `json:"address"`
	Balances    []Balance `json:"balance"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// RecentTransactions carries the newest transactions seen for a wallet.
type RecentTransactions struct {
	WalletID     string        `json:"walletId"`
	Transactions []Transaction `json:"transactions"`
}

// TransactionStatus answers a check-transaction-status request and is also
// used for unsolicited transaction-updated broadcasts.
type TransactionStatus struct {
	TransactionID      string          `json:"transactionId"`
	WalletID           string          `json:"walletId"`
	State              string          `json:"state"`
	TxHash             string          `json:"txHash,omitempty"`
	Amount             decimal.Decimal `json:"amount"`
	DestinationAddress string          `json:"destinationAddress"`
	TokenID            string          `json:"tokenId"`
	Note               string          `json:"note,omitempty"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// StatusOf flattens a Transaction into the wire status shape.
func StatusOf(tx Transaction) TransactionStatus {
	return TransactionStatus{
		TransactionID:      tx.ID,
		WalletID:           tx.WalletID,
		State:              tx.State,
		TxHash:             tx.TxHash,
		Amount:             tx.Amount,
		DestinationAddress: tx.DestinationAddress,
		TokenID:            tx.TokenID,
		Note:               tx.Note,
		UpdatedAt:          tx.UpdatedAt,
	}
}

// WalletError reports a failed wallet-scoped request.
type WalletError struct {
	Error string `json:"error"`
}

// TransactionError reports a failed transaction-scoped request.
type TransactionError struct {
	Error string `json:"error"`
}

// SubscribeWallets asks the server to join this connection to the user's
// broadcast group and start monitoring the user's wallets.
type SubscribeWallets struct {
	UserID string `json:"userId"`
}

// RefreshWalletBalance asks for an immediate out-of-band balance fetch.
type RefreshWalletBalance struct {
	WalletID string `json:"walletId"`
}

// CheckTransaction asks for the current state of one transaction.
type CheckTransaction struct {
	TransactionID string `json:"transactionId"`
}
