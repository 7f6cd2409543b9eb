package models

import "time"

// PriceTick is the current quote for one symbol. One global table is kept
// on the server; ticks are broadcast to every connected client.
type PriceTick struct {
	Symbol           string    `json:"symbol"`
	Price            float64   `json:"price"`
	Change24h        float64   `json:"change24h"`
	ChangePercent24h float64   `json:"changePercent24h"`
	Timestamp        time.Time `json:"timestamp"`
}
