package inventory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joao-fontenele/storefront-orders/internal/domain"
)

// MemoryStore is an in-process ledger with the same semantics as
// Repository. A single mutex makes each call atomic.
type MemoryStore struct {
	mu           sync.Mutex
	items        map[string]*domain.StockLevel
	reservations map[string]*domain.Reservation
}

func NewMemoryStore(available map[string]int) *MemoryStore {
	s := &MemoryStore{
		items:        make(map[string]*domain.StockLevel, len(available)),
		reservations: make(map[string]*domain.Reservation),
	}
	for sku, n := range available {
		s.items[sku] = &domain.StockLevel{SKU: sku, Available: n}
	}
	return s
}

func (s *MemoryStore) ListAll(_ context.Context) ([]domain.StockLevel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]domain.StockLevel, 0, len(s.items))
	for _, it := range s.items {
		items = append(items, *it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].SKU < items[j].SKU })
	return items, nil
}

func (s *MemoryStore) GetStock(_ context.Context, sku string) (*domain.StockLevel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[sku]
	if !ok {
		return nil, nil
	}
	stock := *it
	return &stock, nil
}

func (s *MemoryStore) SetAvailable(_ context.Context, sku string, available int) (*domain.StockLevel, error) {
	if available < 0 {
		return nil, domain.NewValidationError("available", "must not be negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[sku]
	if !ok {
		it = &domain.StockLevel{SKU: sku}
		s.items[sku] = it
	}
	it.Available = available
	stock := *it
	return &stock, nil
}

func (s *MemoryStore) Reserve(_ context.Context, id string, lines []domain.StockLine) (*domain.Reservation, error) {
	if err := validateLines(lines); err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.New().String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if res, ok := s.reservations[id]; ok {
		if res.State != domain.ReservationHeld {
			return nil, domain.InvalidState(string(res.State), "reserve", "reservation is already settled")
		}
		out := *res
		return &out, nil
	}

	for _, line := range lines {
		available := 0
		if it, ok := s.items[line.SKU]; ok {
			available = it.Available
		}
		if available < line.Quantity {
			return nil, &domain.InsufficientStockError{SKU: line.SKU, Available: available, Requested: line.Quantity}
		}
	}

	for _, line := range lines {
		it := s.items[line.SKU]
		it.Available -= line.Quantity
		it.Reserved += line.Quantity
	}

	now := time.Now().UTC()
	res := &domain.Reservation{
		ID:        id,
		State:     domain.ReservationHeld,
		Lines:     append([]domain.StockLine(nil), lines...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.reservations[res.ID] = res

	out := *res
	return &out, nil
}

// Release returns a held reservation to the pool. An unknown id is recorded
// as released so a reserve call still in flight for it is refused.
func (s *MemoryStore) Release(_ context.Context, id string) error {
	return s.settle(id, domain.ReservationReleased, func(it *domain.StockLevel, n int) {
		it.Reserved -= n
		it.Available += n
	})
}

func (s *MemoryStore) Commit(_ context.Context, id string) error {
	return s.settle(id, domain.ReservationCommitted, func(it *domain.StockLevel, n int) {
		it.Reserved -= n
		it.Sold += n
	})
}

func (s *MemoryStore) settle(id string, to domain.ReservationState, apply func(*domain.StockLevel, int)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.reservations[id]
	if !ok {
		if to != domain.ReservationReleased {
			return domain.ErrNotFound
		}
		now := time.Now().UTC()
		s.reservations[id] = &domain.Reservation{ID: id, State: to, CreatedAt: now, UpdatedAt: now}
		return nil
	}
	switch res.State {
	case to:
		return nil
	case domain.ReservationHeld:
	default:
		return domain.InvalidState(string(res.State), string(to), "reservation is already settled")
	}

	for _, line := range res.Lines {
		apply(s.items[line.SKU], line.Quantity)
	}
	res.State = to
	res.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetReservation(_ context.Context, id string) (*domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.reservations[id]
	if !ok {
		return nil, nil
	}
	out := *res
	out.Lines = append([]domain.StockLine(nil), res.Lines...)
	return &out, nil
}
