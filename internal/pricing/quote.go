// Package pricing quotes the delivery charge frozen into an order at
// placement.
package pricing

// FlatRate charges a fixed fee below the free-delivery threshold. A zero
// threshold disables free delivery.
type FlatRate struct {
	Fee           int64
	FreeThreshold int64
}

func (f FlatRate) Quote(subtotal int64) int64 {
	if f.FreeThreshold > 0 && subtotal >= f.FreeThreshold {
		return 0
	}
	return f.Fee
}
