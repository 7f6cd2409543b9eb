package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction states as reported by the custodial provider.
const (
	TxStatePending   = "pending"
	TxStateConfirmed = "confirmed"
	TxStateFailed    = "failed"
	TxStateCancelled = "cancelled"
)

// Transaction is a transfer tracked by the custodial provider.
type Transaction struct {
	ID                 string          `json:"id"`
	WalletID           string          `json:"walletId"`
	State              string          `json:"state"`
	TxHash             string          `json:"txHash,omitempty"`
	Amount             decimal.Decimal `json:"amount"`
	DestinationAddress string          `json:"destinationAddress"`
	TokenID            string          `json:"tokenId"`
	Note               string          `json:"note,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// Terminal reports whether the transaction can no longer change state.
func (t Transaction) Terminal() bool {
	switch t.State {
	case TxStateConfirmed, TxStateFailed, TxStateCancelled:
		return true
	default:
		return false
	}
}
