package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance is a single token position reported by the custodial provider.
type Balance struct {
	TokenID  string          `json:"tokenId"`
	Symbol   string          `json:"symbol"`
	Amount   decimal.Decimal `json:"amount"`
	Decimals int             `json:"decimals"`
}

// Wallet is a custodial wallet as seen by the sync layer.
type Wallet struct {
	ID          string    `json:"id"`
	Blockchain  string    `json:"blockchain"`
	Address     string    `json:"address"`
	Balances    []Balance `json:"balances"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// FeeEstimate is the provider's fee quote for a prospective transfer.
type FeeEstimate struct {
	TokenID   string          `json:"tokenId"`
	Fee       decimal.Decimal `json:"fee"`
	FeeSymbol string          `json:"feeSymbol"`
}

// AddressValidation reports whether an address is well formed for a chain.
type AddressValidation struct {
	Address    string `json:"address"`
	Blockchain string `json:"blockchain"`
	Valid      bool   `json:"valid"`
}
