package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/joao-fontenele/storefront-orders/internal/domain"
)

const deliveryTimeout = 5 * time.Second

type job struct {
	ctx context.Context
	ev  domain.Event
}

// Dispatcher drains events into a Sink on a bounded queue. A full queue
// drops the event with a warning; callers never wait on delivery.
type Dispatcher struct {
	sink   Sink
	logger *slog.Logger
	ch     chan job
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	outcomes metric.Int64Counter
}

func NewDispatcher(sink Sink, logger *slog.Logger, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	outcomes, _ := otel.Meter("notify").Int64Counter("order_events_total",
		metric.WithDescription("Lifecycle events by delivery outcome"))
	return &Dispatcher{
		sink:     sink,
		logger:   logger,
		ch:       make(chan job, queueSize),
		outcomes: outcomes,
	}
}

func (d *Dispatcher) Start(workers int) {
	if workers <= 0 {
		workers = 2
	}
	for range workers {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for j := range d.ch {
				d.deliver(j)
			}
		}()
	}
}

// Dispatch enqueues events. The request context is detached from
// cancellation so delivery outlives the HTTP response while keeping its
// trace.
func (d *Dispatcher) Dispatch(ctx context.Context, events ...domain.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		for _, ev := range events {
			d.logger.Warn("dispatcher closed, dropping event", "type", ev.Type, "order_id", ev.OrderID)
		}
		return
	}

	base := context.WithoutCancel(ctx)
	for _, ev := range events {
		select {
		case d.ch <- job{ctx: base, ev: ev}:
		default:
			d.record(ctx, ev, "dropped")
			d.logger.Warn("event queue full, dropping event", "type", ev.Type, "order_id", ev.OrderID)
		}
	}
}

func (d *Dispatcher) deliver(j job) {
	ctx, cancel := context.WithTimeout(j.ctx, deliveryTimeout)
	defer cancel()

	if err := d.sink.Notify(ctx, j.ev); err != nil {
		d.record(ctx, j.ev, "failed")
		d.logger.Error("failed to deliver event", "error", err, "type", j.ev.Type, "order_id", j.ev.OrderID)
		return
	}
	d.record(ctx, j.ev, "delivered")
}

func (d *Dispatcher) record(ctx context.Context, ev domain.Event, outcome string) {
	d.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(ev.Type)),
		attribute.String("outcome", outcome),
	))
}

// Close stops intake and waits for queued events to be delivered or for ctx
// to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.ch)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
