// Package httpserver builds and runs the instrumented HTTP servers of every
// binary.
package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joao-fontenele/storefront-orders/internal/telemetry"
)

// New wraps h in server-side tracing named after the service.
func New(service, addr string, h http.Handler, timeout time.Duration) *http.Server {
	return &http.Server{
		Addr: addr,
		Handler: otelhttp.NewHandler(h, service,
			otelhttp.WithSpanNameFormatter(telemetry.SpanName),
		),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       timeout,
		WriteTimeout:      timeout,
	}
}

// Run serves until ctx is done and then drains in-flight requests for at most
// grace. A listener failure is returned immediately.
func Run(ctx context.Context, srv *http.Server, grace time.Duration, logger *slog.Logger) error {
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "addr", srv.Addr)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// Client returns an HTTP client that propagates trace context to the
// services it calls.
func Client(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}
