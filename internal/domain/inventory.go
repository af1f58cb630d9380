package domain

import "time"

type StockLevel struct {
	SKU       string `json:"sku"`
	Available int    `json:"available"`
	Reserved  int    `json:"reserved"`
	Sold      int    `json:"sold"`
}

// StockLine is one SKU/quantity pair of a reservation request.
type StockLine struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

type ReservationState string

const (
	ReservationHeld      ReservationState = "held"
	ReservationReleased  ReservationState = "released"
	ReservationCommitted ReservationState = "committed"
)

type Reservation struct {
	ID        string           `json:"id"`
	State     ReservationState `json:"state"`
	Lines     []StockLine      `json:"lines"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// StockLines collapses order items into reservation lines.
func StockLines(items []OrderItem) []StockLine {
	lines := make([]StockLine, 0, len(items))
	for _, it := range items {
		lines = append(lines, StockLine{SKU: it.SKU, Quantity: it.Quantity})
	}
	return lines
}
