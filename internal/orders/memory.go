package orders

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/joao-fontenele/storefront-orders/internal/domain"
)

// MemoryStore keeps cloned order documents in a map. It is used by tests
// and by local runs without Postgres.
type MemoryStore struct {
	mu     sync.Mutex
	orders map[string]*domain.Order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*domain.Order)}
}

func (s *MemoryStore) Create(_ context.Context, o *domain.Order) error {
	if err := o.CheckInvariants(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return domain.InvalidState("exists", "create", "order "+o.ID+" already exists")
	}
	o.Version = 1
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return o.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, o *domain.Order) error {
	if err := o.CheckInvariants(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.orders[o.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if current.Version != o.Version {
		return domain.ErrStaleOrder
	}
	o.Version++
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *MemoryStore) List(_ context.Context, f ListFilter) ([]*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Order
	for _, o := range s.orders {
		if f.UserID != "" && o.UserID() != f.UserID {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, o.FulfillmentStatus) {
			continue
		}
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrderPlacedAt.Equal(out[j].OrderPlacedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OrderPlacedAt.After(out[j].OrderPlacedAt)
	})

	if f.Offset >= len(out) {
		return []*domain.Order{}, nil
	}
	out = out[f.Offset:]
	if limit := f.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Order
	for _, o := range s.orders {
		if o.Expired(now) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.orders[id]
	if !ok {
		return domain.ErrNotFound
	}
	if current.Version != version {
		return domain.ErrStaleOrder
	}
	delete(s.orders, id)
	return nil
}
