package gateway

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// passthroughHeaders are copied from upstream responses back to the client.
var passthroughHeaders = []string{"Content-Type", "WWW-Authenticate", "Idempotent-Replayed", "Retry-After"}

type Handler struct {
	ordersProxy    *ServiceProxy
	inventoryProxy *ServiceProxy
	logger         *slog.Logger
}

func NewHandler(ordersProxy, inventoryProxy *ServiceProxy, logger *slog.Logger) *Handler {
	return &Handler{
		ordersProxy:    ordersProxy,
		inventoryProxy: inventoryProxy,
		logger:         logger,
	}
}

// Register exposes the public order API and read-only stock lookups.
// Reservations stay internal to the orders service.
func (h *Handler) Register(mux *http.ServeMux, wrap func(http.HandlerFunc) http.HandlerFunc) {
	for _, pattern := range []string{
		"POST /orders",
		"GET /orders",
		"GET /orders/{id}",
		"POST /orders/guest/track",
		"POST /orders/guest/convert",
		"POST /orders/{id}/cancel",
		"POST /orders/{id}/payment-proof",
		"POST /orders/verify-payment",
		"POST /orders/status",
	} {
		mux.HandleFunc(pattern, wrap(h.HandleOrders))
	}
	mux.HandleFunc("GET /inventory/stock", wrap(h.HandleInventory))
	mux.HandleFunc("GET /inventory/stock/{sku}", wrap(h.HandleInventory))
}

func (h *Handler) HandleOrders(w http.ResponseWriter, r *http.Request) {
	h.proxyRequest(w, r, h.ordersProxy, r.URL.Path)
}

func (h *Handler) HandleInventory(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/inventory")
	h.proxyRequest(w, r, h.inventoryProxy, path)
}

func (h *Handler) proxyRequest(w http.ResponseWriter, r *http.Request, proxy *ServiceProxy, path string) {
	resp, err := proxy.ForwardRequest(r.Context(), r, path)
	if err != nil {
		h.logger.Error("failed to forward request", "error", err, "path", path)
		h.writeError(w, http.StatusBadGateway, "service unavailable")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	for _, name := range passthroughHeaders {
		if v := resp.Header.Get(name); v != "" {
			w.Header().Set(name, v)
		}
	}

	w.WriteHeader(resp.StatusCode)

	h.logger.Info("request proxied", "method", r.Method, "path", path, "status", resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Error("failed to copy response body", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	writeError(w, status, message, h.logger)
}

func writeError(w http.ResponseWriter, status int, message string, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		logger.Error("failed to encode error response", "error", err)
	}
}
