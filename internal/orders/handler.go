package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/joao-fontenele/storefront-orders/internal/auth"
	"github.com/joao-fontenele/storefront-orders/internal/domain"
	"github.com/joao-fontenele/storefront-orders/internal/guest"
	"github.com/joao-fontenele/storefront-orders/internal/idempotency"
)

// Idempotency is implemented by idempotency.RedisStore.
type Idempotency interface {
	Begin(ctx context.Context, key string) (orderID string, started bool, err error)
	Complete(ctx context.Context, key, orderID string) error
	Abort(ctx context.Context, key string) error
}

type Handler struct {
	svc           *Service
	idem          Idempotency
	validate      *validator.Validate
	logger        *slog.Logger
	maxProofBytes int64
}

// NewHandler builds the public order API. idem may be nil, in which case
// Idempotency-Key headers are ignored.
func NewHandler(svc *Service, idem Idempotency, logger *slog.Logger, maxProofBytes int64) *Handler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	return &Handler{
		svc:           svc,
		idem:          idem,
		validate:      v,
		logger:        logger,
		maxProofBytes: maxProofBytes,
	}
}

func (h *Handler) Register(mux *http.ServeMux, wrap func(http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("POST /orders", wrap(h.HandlePlace))
	mux.HandleFunc("GET /orders", wrap(auth.Require(h.HandleList)))
	mux.HandleFunc("GET /orders/{id}", wrap(auth.Require(h.HandleGet)))
	mux.HandleFunc("POST /orders/guest/track", wrap(h.HandleTrackGuest))
	mux.HandleFunc("POST /orders/guest/convert", wrap(auth.Require(h.HandleConvert)))
	mux.HandleFunc("POST /orders/{id}/cancel", wrap(h.HandleCancel))
	mux.HandleFunc("POST /orders/{id}/payment-proof", wrap(h.HandleSubmitProof))
	mux.HandleFunc("POST /orders/verify-payment", wrap(auth.Require(h.HandleVerifyPayment)))
	mux.HandleFunc("POST /orders/status", wrap(auth.Require(h.HandleUpdateStatus)))
}

type customerRequest struct {
	Name  string `json:"name" validate:"required,max=200"`
	Email string `json:"email" validate:"required,email"`
	Phone string `json:"phone" validate:"omitempty,max=40"`
}

type addressRequest struct {
	Line1      string `json:"line1" validate:"required"`
	Line2      string `json:"line2"`
	City       string `json:"city" validate:"required"`
	Region     string `json:"region"`
	PostalCode string `json:"postal_code" validate:"required"`
	Country    string `json:"country" validate:"required"`
}

type itemRequest struct {
	SKU        string `json:"sku" validate:"required"`
	Name       string `json:"name" validate:"required"`
	UnitPrice  int64  `json:"unit_price" validate:"gte=0,lte=100000000000"`
	Quantity   int    `json:"quantity" validate:"gt=0,lte=10000"`
	IsFromDeal bool   `json:"is_from_deal"`
	DealRef    string `json:"deal_ref" validate:"required_if=IsFromDeal true"`
	Cost       *int64 `json:"cost" validate:"omitempty,gte=0"`
}

type placeOrderRequest struct {
	Customer        customerRequest `json:"customer"`
	ShippingAddress addressRequest  `json:"shipping_address"`
	Items           []itemRequest   `json:"items" validate:"required,min=1,dive"`
	PaymentMethod   string          `json:"payment_method" validate:"required,oneof=cod online"`
}

func (req placeOrderRequest) input() PlaceOrderInput {
	items := make([]domain.OrderItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = domain.OrderItem{
			SKU:        it.SKU,
			Name:       it.Name,
			UnitPrice:  it.UnitPrice,
			Quantity:   it.Quantity,
			IsFromDeal: it.IsFromDeal,
			DealRef:    it.DealRef,
			Cost:       it.Cost,
		}
	}
	return PlaceOrderInput{
		Customer: domain.Customer{
			Name:  req.Customer.Name,
			Email: strings.TrimSpace(req.Customer.Email),
			Phone: req.Customer.Phone,
		},
		ShippingAddress: domain.Address(req.ShippingAddress),
		Items:           items,
		PaymentMethod:   domain.PaymentMethod(req.PaymentMethod),
	}
}

// HandlePlace accepts either a JSON body or a multipart form with the order
// JSON in the "order" field and an optional "proof" file.
func (h *Handler) HandlePlace(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	var proof *ProofUpload

	if isMultipart(r) {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxProofBytes+64<<10)
		if err := r.ParseMultipartForm(h.maxProofBytes); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid multipart body")
			return
		}
		if err := json.Unmarshal([]byte(r.FormValue("order")), &req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid order field")
			return
		}
		p, err := h.readProof(r, false)
		if err != nil {
			h.writeDomainError(r.Context(), w, err)
			return
		}
		proof = p
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.check(req); err != nil {
		h.writeDomainError(r.Context(), w, err)
		return
	}

	in := req.input()
	in.Proof = proof
	actor, authenticated := auth.FromContext(r.Context())
	if authenticated {
		in.Owner = domain.UserOwner{UserID: actor.UserID}
	} else {
		in.Owner = guest.Identify(guest.MetaFromRequest(r))
	}

	key := r.Header.Get("Idempotency-Key")
	if key != "" && h.idem != nil {
		scoped := idempotencyScope(actor, authenticated, in.Customer.Email) + ":" + key
		orderID, started, err := h.idem.Begin(r.Context(), scoped)
		if err != nil {
			if errors.Is(err, idempotency.ErrInProgress) {
				h.writeError(w, http.StatusConflict, err.Error())
				return
			}
			h.logger.Error("idempotency lookup failed", "error", err)
			h.writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if !started {
			h.replay(w, r, orderID, actor, authenticated, in.Customer.Email)
			return
		}
		h.placeOnce(w, r, in, scoped)
		return
	}

	order, err := h.svc.PlaceOrder(r.Context(), in)
	if err != nil {
		h.writeDomainError(r.Context(), w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, order)
}

func (h *Handler) placeOnce(w http.ResponseWriter, r *http.Request, in PlaceOrderInput, key string) {
	ctx := r.Context()
	order, err := h.svc.PlaceOrder(ctx, in)
	if err != nil {
		if abortErr := h.idem.Abort(context.WithoutCancel(ctx), key); abortErr != nil {
			h.logger.Warn("failed to release idempotency key", "error", abortErr)
		}
		h.writeDomainError(ctx, w, err)
		return
	}
	if err := h.idem.Complete(context.WithoutCancel(ctx), key, order.ID); err != nil {
		h.logger.Warn("failed to store idempotency key", "error", err, "order_id", order.ID)
	}
	h.writeJSON(w, http.StatusCreated, order)
}

// replay answers a repeated placement with the order the first request
// created, read through the same ownership checks as any other lookup.
func (h *Handler) replay(w http.ResponseWriter, r *http.Request, orderID string, actor domain.Actor, authenticated bool, email string) {
	var (
		order *domain.Order
		err   error
	)
	if authenticated {
		order, err = h.svc.GetOrder(r.Context(), actor, orderID)
	} else {
		order, err = h.svc.TrackGuestOrder(r.Context(), orderID, email)
	}
	if err != nil {
		h.writeDomainError(r.Context(), w, err)
		return
	}
	h.logger.Info("idempotent replay", "order_id", orderID)
	w.Header().Set("Idempotent-Replayed", "true")
	h.writeJSON(w, http.StatusCreated, order)
}

func idempotencyScope(actor domain.Actor, authenticated bool, email string) string {
	if authenticated {
		return actor.Label()
	}
	return "guest:" + strings.ToLower(email)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.FromContext(r.Context())
	q := r.URL.Query()

	f := ListFilter{}
	for _, s := range q["status"] {
		status := domain.FulfillmentStatus(s)
		if !status.Valid() {
			h.writeError(w, http.StatusBadRequest, "unknown status "+s)
			return
		}
		f.Statuses = append(f.Statuses, status)
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	orders, err := h.svc.ListOrders(r.Context(), actor, f)
	if err != nil {
		h.writeDomainError(r.Context(), w, err)
		return
	}

	h.logger.Info("orders listed", "count", len(orders), "by", actor.Label())
	h.writeJSON(w, http.StatusOK, orders)
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	return n, nil
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.FromContext(r.Context())

	order, err := h.svc.GetOrder(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		h.writeDomainError(r.Context(), w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, order)
}

type trackRequest struct {
	OrderID string `json:"orderId" validate:"required"`
	Email   string `json:"email" validate:"required,email"`
}

func (h *Handler) HandleTrackGuest(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if !h.decode(w, r, &req) {
		return
	}

	order, err := h.svc.TrackGuestOrder(r.Context(), req.OrderID, req.Email)
	if err != nil {
		h.writeDomainError(r.Context(), w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, order)
}

type convertRequest struct {
	OrderID string `json:"orderId" validate:"required"`
}

func (h *Handler) HandleConvert(w http.ResponseWriter, r *http.Request) {
	var req convertRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor, _ := auth.FromContext(r.Context())

	order, err := h.svc.ConvertGuestToUser(r.Context(), actor, req.OrderID)
	if err != nil {
		h.writeDomainError(r.Context(), w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, order)
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
	Email  string `json:"email" validate:"omitempty,email"`
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor, ok := auth.FromContext(r.Context())
	if !ok && req.Email == "" {
		h.writeError(w, http.StatusUnauthorized, "sign in or provide the checkout e-mail")
		return
	}

	order, err := h.svc.CancelOrder(r.Context(), actor, r.PathValue("id"), req.Email, req.Reason)
	if err != nil {
		h.writeDomainError(r.Context(), w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) HandleSubmitProof(w http.ResponseWriter, r *http.Request) {
	if !isMultipart(r) {
		h.writeError(w, http.StatusUnsupportedMediaType, "expected multipart/form-data")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxProofBytes+64<<10)
	if err := r.ParseMultipartForm(h.maxProofBytes); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}

	actor, ok := auth.FromContext(r.Context())
	email := strings.TrimSpace(r.FormValue("email"))
	if !ok && email == "" {
		h.writeError(w, http.StatusUnauthorized, "sign in or provide the checkout e-mail")
		return
	}

	proof, err := h.readProof(r, true)
	if err != nil {
		h.writeDomainError(r.Context(), w, err)
		return
	}

	order, err := h.svc.SubmitPaymentProof(r.Context(), actor, r.PathValue("id"), email, *proof)
	if err != nil {
		h.writeDomainError(r.Context(), w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, order)
}

type verifyRequest struct {
	OrderID string `json:"orderId" validate:"required"`
	Action  string `json:"action" validate:"required,oneof=approve reject"`
	Reason  string `json:"reason" validate:"required_if=Action reject,max=500"`
}

func (h *Handler) HandleVerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor, _ := auth.FromContext(r.Context())

	order, err := h.svc.VerifyPayment(r.Context(), actor, req.OrderID, VerifyAction(req.Action), req.Reason)
	if err != nil {
		h.writeDomainError(r.Context(), w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, order)
}

type statusRequest struct {
	OrderID string `json:"orderId" validate:"required"`
	Status  string `json:"status" validate:"required"`
}

func (h *Handler) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !h.decode(w, r, &req) {
		return
	}
	next := domain.FulfillmentStatus(req.Status)
	if !next.Valid() {
		h.writeError(w, http.StatusBadRequest, "unknown status "+req.Status)
		return
	}
	actor, _ := auth.FromContext(r.Context())

	order, err := h.svc.UpdateStatus(r.Context(), actor, req.OrderID, next)
	if err != nil {
		h.writeDomainError(r.Context(), w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, order)
}

func isMultipart(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "multipart/form-data"
}

// readProof pulls the "proof" file out of a parsed multipart form. The
// content type is sniffed from the bytes, not taken from the client.
func (h *Handler) readProof(r *http.Request, required bool) (*ProofUpload, error) {
	file, header, err := r.FormFile("proof")
	if errors.Is(err, http.ErrMissingFile) {
		if required {
			return nil, domain.NewValidationError("proof", "file is required")
		}
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewValidationError("proof", "unreadable file")
	}
	defer func() { _ = file.Close() }()

	if header.Size > h.maxProofBytes {
		return nil, domain.NewValidationError("proof", fmt.Sprintf("file exceeds %d bytes", h.maxProofBytes))
	}
	data, err := io.ReadAll(io.LimitReader(file, h.maxProofBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read proof: %w", err)
	}
	if int64(len(data)) > h.maxProofBytes {
		return nil, domain.NewValidationError("proof", fmt.Sprintf("file exceeds %d bytes", h.maxProofBytes))
	}

	contentType, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return &ProofUpload{ContentType: contentType, Data: data}, nil
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := h.check(dst); err != nil {
		h.writeDomainError(r.Context(), w, err)
		return false
	}
	return true
}

// check runs the struct tags and reports the first failure as a domain
// validation error.
func (h *Handler) check(v any) error {
	err := h.validate.Struct(v)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		return domain.NewValidationError(field, "failed "+fe.Tag()+" check")
	}
	return err
}

type errorResponse struct {
	Error     string `json:"error"`
	Field     string `json:"field,omitempty"`
	Requested string `json:"requested,omitempty"`
	Current   string `json:"current,omitempty"`
}

// stockErrorResponse has the same shape the inventory service answers with.
type stockErrorResponse struct {
	Error     string `json:"error"`
	SKU       string `json:"sku"`
	Available int    `json:"available"`
	Requested int    `json:"requested"`
}

// writeDomainError maps lifecycle errors onto HTTP statuses. Anything
// unrecognised is logged and reported as a 500.
func (h *Handler) writeDomainError(ctx context.Context, w http.ResponseWriter, err error) {
	var (
		verr  *domain.ValidationError
		stock *domain.InsufficientStockError
		state *domain.StateError
	)
	switch {
	case errors.As(err, &verr):
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Field: verr.Field})
	case errors.As(err, &stock):
		h.writeJSON(w, http.StatusBadRequest, stockErrorResponse{
			Error:     err.Error(),
			SKU:       stock.SKU,
			Available: stock.Available,
			Requested: stock.Requested,
		})
	case errors.As(err, &state):
		h.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Current: state.Current, Requested: state.Requested})
	case errors.Is(err, domain.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, domain.ErrUnauthorized):
		h.writeError(w, http.StatusForbidden, err.Error())
	default:
		h.logger.ErrorContext(ctx, "request failed", "error", err)
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
	h.writeJSON(w, status, errorResponse{Error: message})
}
