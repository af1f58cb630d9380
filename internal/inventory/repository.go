package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joao-fontenele/storefront-orders/internal/domain"
)

// Repository is the Postgres stock ledger. Every per-SKU decrement is a
// conditional UPDATE, and a multi-line reservation runs in one transaction
// so a failing line rolls back the ones before it.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) ListAll(ctx context.Context) ([]domain.StockLevel, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sku, available, reserved, sold
		FROM inventory.items
		ORDER BY sku
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	items := []domain.StockLevel{}
	for rows.Next() {
		var stock domain.StockLevel
		if err := rows.Scan(&stock.SKU, &stock.Available, &stock.Reserved, &stock.Sold); err != nil {
			return nil, err
		}
		items = append(items, stock)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

func (r *Repository) GetStock(ctx context.Context, sku string) (*domain.StockLevel, error) {
	stock := &domain.StockLevel{}

	err := r.db.QueryRowContext(ctx, `
		SELECT sku, available, reserved, sold
		FROM inventory.items
		WHERE sku = $1
	`, sku).Scan(&stock.SKU, &stock.Available, &stock.Reserved, &stock.Sold)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return stock, nil
}

// SetAvailable creates the SKU if needed and sets its sellable quantity.
func (r *Repository) SetAvailable(ctx context.Context, sku string, available int) (*domain.StockLevel, error) {
	if available < 0 {
		return nil, domain.NewValidationError("available", "must not be negative")
	}

	stock := &domain.StockLevel{}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO inventory.items (sku, available)
		VALUES ($1, $2)
		ON CONFLICT (sku) DO UPDATE SET available = EXCLUDED.available, updated_at = NOW()
		RETURNING sku, available, reserved, sold
	`, sku, available).Scan(&stock.SKU, &stock.Available, &stock.Reserved, &stock.Sold)
	if err != nil {
		return nil, err
	}

	return stock, nil
}

// Reserve holds stock for every line under the given reservation id. The
// id makes the call idempotent: replaying it returns the held reservation,
// and an id that was already settled is refused.
func (r *Repository) Reserve(ctx context.Context, id string, lines []domain.StockLine) (*domain.Reservation, error) {
	if err := validateLines(lines); err != nil {
		return nil, err
	}
	lines = sortedLines(lines)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	res := &domain.Reservation{
		ID:        id,
		State:     domain.ReservationHeld,
		Lines:     lines,
		CreatedAt: now,
		UpdatedAt: now,
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO inventory.reservations (id, state, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (id) DO NOTHING
	`, res.ID, res.State, now)
	if err != nil {
		return nil, fmt.Errorf("insert reservation: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if inserted == 0 {
		_ = tx.Rollback()
		return r.existingReservation(ctx, id)
	}

	for _, line := range lines {
		result, err := tx.ExecContext(ctx, `
			UPDATE inventory.items
			SET available = available - $2, reserved = reserved + $2, updated_at = NOW()
			WHERE sku = $1 AND available >= $2
		`, line.SKU, line.Quantity)
		if err != nil {
			return nil, fmt.Errorf("reserve %s: %w", line.SKU, err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return nil, err
		}

		if rowsAffected == 0 {
			var available int
			err := tx.QueryRowContext(ctx, `SELECT available FROM inventory.items WHERE sku = $1`, line.SKU).Scan(&available)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return nil, err
			}
			return nil, &domain.InsufficientStockError{SKU: line.SKU, Available: available, Requested: line.Quantity}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO inventory.reservation_lines (reservation_id, sku, quantity)
			VALUES ($1, $2, $3)
		`, res.ID, line.SKU, line.Quantity)
		if err != nil {
			return nil, fmt.Errorf("insert reservation line: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return res, nil
}

// Release returns a held reservation to the available pool. Releasing an
// already released reservation is a no-op, and an unknown id is recorded as
// released so a reserve call still in flight for it is refused.
func (r *Repository) Release(ctx context.Context, id string) error {
	return r.settle(ctx, id, domain.ReservationReleased, `
		UPDATE inventory.items
		SET available = available + $2, reserved = reserved - $2, updated_at = NOW()
		WHERE sku = $1 AND reserved >= $2
	`)
}

// Commit turns a held reservation into a permanent decrement. Committing
// twice is a no-op.
func (r *Repository) Commit(ctx context.Context, id string) error {
	return r.settle(ctx, id, domain.ReservationCommitted, `
		UPDATE inventory.items
		SET reserved = reserved - $2, sold = sold + $2, updated_at = NOW()
		WHERE sku = $1 AND reserved >= $2
	`)
}

func (r *Repository) settle(ctx context.Context, id string, to domain.ReservationState, lineUpdate string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if to == domain.ReservationReleased {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO inventory.reservations (id, state, created_at, updated_at)
			VALUES ($1, $2, NOW(), NOW())
			ON CONFLICT (id) DO NOTHING
		`, id, to)
		if err != nil {
			return err
		}
		recorded, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if recorded == 1 {
			return tx.Commit()
		}
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE inventory.reservations
		SET state = $2, updated_at = NOW()
		WHERE id = $1 AND state = $3
	`, id, to, domain.ReservationHeld)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		var state domain.ReservationState
		err := tx.QueryRowContext(ctx, `SELECT state FROM inventory.reservations WHERE id = $1`, id).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		if state == to {
			return nil
		}
		return domain.InvalidState(string(state), string(to), "reservation is already settled")
	}

	lines, err := reservationLines(ctx, tx, id)
	if err != nil {
		return err
	}

	for _, line := range lines {
		result, err := tx.ExecContext(ctx, lineUpdate, line.SKU, line.Quantity)
		if err != nil {
			return fmt.Errorf("settle %s: %w", line.SKU, err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rowsAffected == 0 {
			return fmt.Errorf("reserved stock for %s is lower than reservation %s", line.SKU, id)
		}
	}

	return tx.Commit()
}

func (r *Repository) existingReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	res, err := r.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, domain.InvalidState("reservation", "reserve", "reservation "+id+" vanished during reserve")
	}
	if res.State != domain.ReservationHeld {
		return nil, domain.InvalidState(string(res.State), "reserve", "reservation is already settled")
	}
	return res, nil
}

func (r *Repository) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	res := &domain.Reservation{}

	err := r.db.QueryRowContext(ctx, `
		SELECT id, state, created_at, updated_at
		FROM inventory.reservations
		WHERE id = $1
	`, id).Scan(&res.ID, &res.State, &res.CreatedAt, &res.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	lines, err := reservationLines(ctx, r.db, id)
	if err != nil {
		return nil, err
	}
	res.Lines = lines

	return res, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// reservationLines reads every line before returning so the caller can reuse
// the same transaction for updates.
func reservationLines(ctx context.Context, q queryer, id string) ([]domain.StockLine, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT sku, quantity
		FROM inventory.reservation_lines
		WHERE reservation_id = $1
		ORDER BY sku
	`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var lines []domain.StockLine
	for rows.Next() {
		var line domain.StockLine
		if err := rows.Scan(&line.SKU, &line.Quantity); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}

	return lines, rows.Err()
}

// sortedLines orders lines by SKU so concurrent reservations lock rows in
// the same order.
func sortedLines(lines []domain.StockLine) []domain.StockLine {
	out := slices.Clone(lines)
	slices.SortFunc(out, func(a, b domain.StockLine) int { return strings.Compare(a.SKU, b.SKU) })
	return out
}

func validateLines(lines []domain.StockLine) error {
	if len(lines) == 0 {
		return domain.NewValidationError("lines", "at least one line is required")
	}
	seen := make(map[string]bool, len(lines))
	for _, line := range lines {
		if line.SKU == "" {
			return domain.NewValidationError("lines.sku", "required")
		}
		if line.Quantity <= 0 {
			return domain.NewValidationError("lines.quantity", "must be positive for "+line.SKU)
		}
		if seen[line.SKU] {
			return domain.NewValidationError("lines.sku", "duplicate line for "+line.SKU)
		}
		seen[line.SKU] = true
	}
	return nil
}
