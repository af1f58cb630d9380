package email

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Handler is a stand-in mail relay: it validates, simulates delivery latency
// and logs. Requests carrying an idempotency key that was already accepted
// return the original message id.
type Handler struct {
	logger   *slog.Logger
	validate *validator.Validate
	delay    func() time.Duration

	mu   sync.Mutex
	seen map[string]string
}

func NewHandler(logger *slog.Logger) *Handler {
	return &Handler{
		logger:   logger,
		validate: validator.New(),
		delay: func() time.Duration {
			return time.Duration(50+rand.Intn(151)) * time.Millisecond
		},
		seen: make(map[string]string),
	}
}

type sendRequest struct {
	To             string `json:"to" validate:"required,email"`
	Subject        string `json:"subject" validate:"required,max=200"`
	Body           string `json:"body" validate:"required"`
	IdempotencyKey string `json:"idempotency_key" validate:"omitempty,max=100"`
}

type sendResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id"`
}

func (h *Handler) HandleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.IdempotencyKey != "" {
		h.mu.Lock()
		id, dup := h.seen[req.IdempotencyKey]
		h.mu.Unlock()
		if dup {
			h.logger.Info("duplicate email suppressed", "to", req.To, "message_id", id)
			h.writeJSON(w, http.StatusAccepted, sendResponse{Status: "duplicate", MessageID: id})
			return
		}
	}

	select {
	case <-time.After(h.delay()):
	case <-r.Context().Done():
		return
	}

	id := uuid.NewString()
	if req.IdempotencyKey != "" {
		h.mu.Lock()
		h.seen[req.IdempotencyKey] = id
		h.mu.Unlock()
	}

	h.logger.Info("email sent", "to", req.To, "subject", req.Subject, "message_id", id)

	h.writeJSON(w, http.StatusAccepted, sendResponse{Status: "sent", MessageID: id})
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
