package orders

import (
	"context"
	"time"

	"github.com/joao-fontenele/storefront-orders/internal/domain"
)

// Store persists whole order documents. Update is a compare-and-write on
// Version: it fails with domain.ErrStaleOrder when the stored version moved
// on, and bumps o.Version when it succeeds.
type Store interface {
	Create(ctx context.Context, o *domain.Order) error
	Get(ctx context.Context, id string) (*domain.Order, error)
	Update(ctx context.Context, o *domain.Order) error
	List(ctx context.Context, f ListFilter) ([]*domain.Order, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Order, error)
	Delete(ctx context.Context, id string, version int64) error
}

type ListFilter struct {
	UserID   string
	Statuses []domain.FulfillmentStatus
	Limit    int
	Offset   int
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func (f ListFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultListLimit
	case f.Limit > maxListLimit:
		return maxListLimit
	}
	return f.Limit
}
