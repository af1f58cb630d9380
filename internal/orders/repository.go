package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/joao-fontenele/storefront-orders/internal/domain"
)

// OrderRepository stores each order as one JSONB document next to the
// columns the service filters on. Line items live inside the document.
type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

type projection struct {
	userID, guestID, fingerprint sql.NullString
	expiresAt                    sql.NullTime
}

func project(o *domain.Order) projection {
	var p projection
	switch owner := o.Owner.(type) {
	case domain.UserOwner:
		p.userID = sql.NullString{String: owner.UserID, Valid: true}
	case domain.GuestOwner:
		p.guestID = sql.NullString{String: owner.GuestID, Valid: true}
		p.fingerprint = sql.NullString{String: owner.Fingerprint, Valid: true}
	}
	if o.ExpiresAt != nil {
		p.expiresAt = sql.NullTime{Time: *o.ExpiresAt, Valid: true}
	}
	return p
}

func (r *OrderRepository) Create(ctx context.Context, o *domain.Order) error {
	if err := o.CheckInvariants(); err != nil {
		return err
	}

	o.Version = 1
	doc, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	p := project(o)

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO orders.orders (
			id, order_type, user_id, guest_id, guest_fingerprint, customer_email,
			fulfillment_status, payment_status, payment_method, amount,
			expires_at, converted_to_user, doc, version, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, o.ID, o.OrderType(), p.userID, p.guestID, p.fingerprint, strings.ToLower(o.Customer.Email),
		o.FulfillmentStatus, o.PaymentStatus, o.PaymentMethod, o.Amount,
		p.expiresAt, o.ConvertedToUser, doc, o.Version, o.OrderPlacedAt, o.UpdatedAt)
	if err != nil {
		o.Version = 0
		return fmt.Errorf("insert order: %w", err)
	}

	return nil
}

func (r *OrderRepository) Get(ctx context.Context, id string) (*domain.Order, error) {
	var doc []byte
	var version int64

	err := r.db.QueryRowContext(ctx, `
		SELECT doc, version
		FROM orders.orders
		WHERE id = $1
	`, id).Scan(&doc, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}

	return decode(doc, version)
}

func decode(doc []byte, version int64) (*domain.Order, error) {
	o := &domain.Order{}
	if err := json.Unmarshal(doc, o); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	o.Version = version
	return o, nil
}

func (r *OrderRepository) Update(ctx context.Context, o *domain.Order) error {
	if err := o.CheckInvariants(); err != nil {
		return err
	}

	prev := o.Version
	o.Version = prev + 1
	doc, err := json.Marshal(o)
	if err != nil {
		o.Version = prev
		return fmt.Errorf("marshal order: %w", err)
	}
	p := project(o)

	result, err := r.db.ExecContext(ctx, `
		UPDATE orders.orders
		SET order_type = $3, user_id = $4, guest_id = $5, guest_fingerprint = $6,
			fulfillment_status = $7, payment_status = $8, expires_at = $9,
			converted_to_user = $10, doc = $11, version = version + 1, updated_at = $12
		WHERE id = $1 AND version = $2
	`, o.ID, prev, o.OrderType(), p.userID, p.guestID, p.fingerprint,
		o.FulfillmentStatus, o.PaymentStatus, p.expiresAt,
		o.ConvertedToUser, doc, o.UpdatedAt)
	if err != nil {
		o.Version = prev
		return fmt.Errorf("update order: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		o.Version = prev
		return err
	}

	if rowsAffected == 0 {
		o.Version = prev
		return r.missingOrStale(ctx, o.ID)
	}

	return nil
}

func (r *OrderRepository) missingOrStale(ctx context.Context, id string) error {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders.orders WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrStaleOrder
}

func (r *OrderRepository) List(ctx context.Context, f ListFilter) ([]*domain.Order, error) {
	query := `SELECT doc, version FROM orders.orders WHERE 1 = 1`
	var args []any

	if f.UserID != "" {
		args = append(args, f.UserID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, pq.Array(statuses))
		query += fmt.Sprintf(" AND fulfillment_status = ANY($%d)", len(args))
	}
	args = append(args, f.limit(), f.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	return r.query(ctx, query, args...)
}

func (r *OrderRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Order, error) {
	return r.query(ctx, `
		SELECT doc, version
		FROM orders.orders
		WHERE order_type = 'guest' AND NOT converted_to_user AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
}

func (r *OrderRepository) query(ctx context.Context, query string, args ...any) ([]*domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []*domain.Order{}
	for rows.Next() {
		var doc []byte
		var version int64
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, err
		}
		o, err := decode(doc, version)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}

func (r *OrderRepository) Delete(ctx context.Context, id string, version int64) error {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM orders.orders
		WHERE id = $1 AND version = $2
	`, id, version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return r.missingOrStale(ctx, id)
	}

	return nil
}
