package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/joao-fontenele/storefront-orders/internal/domain"
)

// Store is implemented by Repository and MemoryStore.
type Store interface {
	ListAll(ctx context.Context) ([]domain.StockLevel, error)
	GetStock(ctx context.Context, sku string) (*domain.StockLevel, error)
	SetAvailable(ctx context.Context, sku string, available int) (*domain.StockLevel, error)
	Reserve(ctx context.Context, id string, lines []domain.StockLine) (*domain.Reservation, error)
	Release(ctx context.Context, id string) error
	Commit(ctx context.Context, id string) error
	GetReservation(ctx context.Context, id string) (*domain.Reservation, error)
}

type Handler struct {
	store  Store
	logger *slog.Logger
}

func NewHandler(store Store, logger *slog.Logger) *Handler {
	return &Handler{
		store:  store,
		logger: logger,
	}
}

// Register wires the ledger routes onto mux.
func (h *Handler) Register(mux *http.ServeMux, wrap func(http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("GET /stock", wrap(h.HandleListStock))
	mux.HandleFunc("GET /stock/{sku}", wrap(h.HandleGetStock))
	mux.HandleFunc("PUT /stock/{sku}", wrap(h.HandleSetStock))
	mux.HandleFunc("POST /reservations", wrap(h.HandleReserve))
	mux.HandleFunc("GET /reservations/{id}", wrap(h.HandleGetReservation))
	mux.HandleFunc("POST /reservations/{id}/release", wrap(h.HandleRelease))
	mux.HandleFunc("POST /reservations/{id}/commit", wrap(h.HandleCommit))
}

func (h *Handler) HandleListStock(w http.ResponseWriter, r *http.Request) {
	items, err := h.store.ListAll(r.Context())
	if err != nil {
		h.logger.Error("failed to list stock", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("stock listed", "count", len(items))
	h.writeJSON(w, http.StatusOK, items)
}

func (h *Handler) HandleGetStock(w http.ResponseWriter, r *http.Request) {
	sku := r.PathValue("sku")

	stock, err := h.store.GetStock(r.Context(), sku)
	if err != nil {
		h.logger.Error("failed to get stock", "error", err, "sku", sku)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if stock == nil {
		h.writeError(w, http.StatusNotFound, "item not found")
		return
	}

	h.writeJSON(w, http.StatusOK, stock)
}

type setStockRequest struct {
	Available *int `json:"available"`
}

func (h *Handler) HandleSetStock(w http.ResponseWriter, r *http.Request) {
	sku := r.PathValue("sku")

	var req setStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Available == nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	stock, err := h.store.SetAvailable(r.Context(), sku, *req.Available)
	if err != nil {
		h.writeStoreError(w, err, "failed to set stock", "sku", sku)
		return
	}

	h.logger.Info("stock updated", "sku", sku, "available", stock.Available)
	h.writeJSON(w, http.StatusOK, stock)
}

// reserveRequest carries an optional caller-chosen id; sending the same id
// again returns the held reservation instead of holding stock twice.
type reserveRequest struct {
	ID    string             `json:"id,omitempty"`
	Lines []domain.StockLine `json:"lines"`
}

type insufficientStockResponse struct {
	Error     string `json:"error"`
	SKU       string `json:"sku"`
	Available int    `json:"available"`
	Requested int    `json:"requested"`
}

func (h *Handler) HandleReserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if len(req.ID) > 64 {
		h.writeError(w, http.StatusBadRequest, "reservation id is too long")
		return
	}

	res, err := h.store.Reserve(r.Context(), req.ID, req.Lines)
	if err != nil {
		var insufficient *domain.InsufficientStockError
		if errors.As(err, &insufficient) {
			h.logger.Info("reservation refused", "sku", insufficient.SKU,
				"available", insufficient.Available, "requested", insufficient.Requested)
			h.writeJSON(w, http.StatusConflict, insufficientStockResponse{
				Error:     "insufficient stock",
				SKU:       insufficient.SKU,
				Available: insufficient.Available,
				Requested: insufficient.Requested,
			})
			return
		}
		h.writeStoreError(w, err, "failed to reserve stock")
		return
	}

	h.logger.Info("stock reserved", "reservation_id", res.ID, "lines", len(res.Lines))
	h.writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) HandleGetReservation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	res, err := h.store.GetReservation(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get reservation", "error", err, "reservation_id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if res == nil {
		h.writeError(w, http.StatusNotFound, "reservation not found")
		return
	}

	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) HandleRelease(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := h.store.Release(r.Context(), id); err != nil {
		h.writeStoreError(w, err, "failed to release reservation", "reservation_id", id)
		return
	}

	h.logger.Info("reservation released", "reservation_id", id)
	h.writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": string(domain.ReservationReleased)})
}

func (h *Handler) HandleCommit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := h.store.Commit(r.Context(), id); err != nil {
		h.writeStoreError(w, err, "failed to commit reservation", "reservation_id", id)
		return
	}

	h.logger.Info("reservation committed", "reservation_id", id)
	h.writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": string(domain.ReservationCommitted)})
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error, msg string, attrs ...any) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "reservation not found")
	case errors.Is(err, domain.ErrInvalidState):
		h.writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error(msg, append(attrs, "error", err)...)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
