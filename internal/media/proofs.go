// Package media stores payment-proof artifacts.
package media

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joao-fontenele/storefront-orders/internal/domain"
)

var AllowedContentTypes = map[string]bool{
	"image/png":       true,
	"image/jpeg":      true,
	"image/webp":      true,
	"application/pdf": true,
}

type Proof struct {
	Ref         string    `json:"ref"`
	OrderID     string    `json:"order_id"`
	ContentType string    `json:"content_type"`
	Data        []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

func newProof(orderID, contentType string, data []byte) (*Proof, error) {
	if len(data) == 0 {
		return nil, domain.NewValidationError("proof", "file is empty")
	}
	if !AllowedContentTypes[contentType] {
		return nil, domain.NewValidationError("proof", "unsupported content type "+contentType)
	}
	return &Proof{
		Ref:         "proof_" + uuid.NewString(),
		OrderID:     orderID,
		ContentType: contentType,
		Data:        data,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// PostgresStore keeps proofs in orders.payment_proofs.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Upload(ctx context.Context, orderID, contentType string, data []byte) (string, error) {
	p, err := newProof(orderID, contentType, data)
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orders.payment_proofs (ref, order_id, content_type, data, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, p.Ref, p.OrderID, p.ContentType, p.Data, p.CreatedAt)
	if err != nil {
		return "", err
	}

	return p.Ref, nil
}

func (s *PostgresStore) Get(ctx context.Context, ref string) (*Proof, error) {
	p := &Proof{}
	err := s.db.QueryRowContext(ctx, `
		SELECT ref, order_id, content_type, data, created_at
		FROM orders.payment_proofs
		WHERE ref = $1
	`, ref).Scan(&p.Ref, &p.OrderID, &p.ContentType, &p.Data, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) Delete(ctx context.Context, ref string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM orders.payment_proofs WHERE ref = $1`, ref)
	return err
}

type MemoryStore struct {
	mu     sync.Mutex
	proofs map[string]*Proof
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{proofs: make(map[string]*Proof)}
}

func (s *MemoryStore) Upload(_ context.Context, orderID, contentType string, data []byte) (string, error) {
	p, err := newProof(orderID, contentType, data)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proofs[p.Ref] = p
	return p.Ref, nil
}

func (s *MemoryStore) Get(_ context.Context, ref string) (*Proof, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proofs[ref]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *p
	return &out, nil
}

func (s *MemoryStore) Delete(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.proofs, ref)
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.proofs)
}
