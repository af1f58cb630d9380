//go:build integration

package test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/joao-fontenele/storefront-orders/internal/domain"
	"github.com/joao-fontenele/storefront-orders/internal/inventory"
	"github.com/joao-fontenele/storefront-orders/internal/media"
	"github.com/joao-fontenele/storefront-orders/internal/messaging"
	"github.com/joao-fontenele/storefront-orders/internal/notify"
	"github.com/joao-fontenele/storefront-orders/internal/orders"
	"github.com/joao-fontenele/storefront-orders/internal/pricing"
	"github.com/joao-fontenele/storefront-orders/internal/worker"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newOrder(id string, owner domain.Owner) *domain.Order {
	params := domain.PlaceParams{
		ID:              id,
		Owner:           owner,
		Customer:        domain.Customer{Name: "Alice", Email: "Alice@Example.com"},
		ShippingAddress: domain.Address{Line1: "1 Main St", City: "Lisbon", PostalCode: "1000", Country: "PT"},
		Items:           []domain.OrderItem{{SKU: "SOAP-LAV-100", Name: "Lavender soap", UnitPrice: 650, Quantity: 1}},
		PaymentMethod:   domain.PaymentCOD,
		ReservationID:   "res-" + id,
		Now:             time.Now().UTC(),
	}
	o, _, err := domain.NewOrder(params)
	if err != nil {
		panic(err)
	}
	return o
}

type noDispatch struct{}

func (noDispatch) Dispatch(context.Context, ...domain.Event) {}

func TestOrderRepository(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	connStr := StartPostgres(ctx, t)
	repo := orders.NewOrderRepository(OpenDB(t, connStr))

	t.Run("create and get", func(t *testing.T) {
		o := newOrder("order-1", domain.UserOwner{UserID: "user-1"})
		if err := repo.Create(ctx, o); err != nil {
			t.Fatalf("create: %v", err)
		}

		got, err := repo.Get(ctx, "order-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.UserID() != "user-1" || got.Version != 1 || len(got.Items) != 1 {
			t.Errorf("unexpected order %+v", got)
		}
		if got.FulfillmentStatus != domain.StatusOrderPlaced {
			t.Errorf("expected %s, got %s", domain.StatusOrderPlaced, got.FulfillmentStatus)
		}
	})

	t.Run("missing order", func(t *testing.T) {
		if _, err := repo.Get(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
	})

	t.Run("stale write loses", func(t *testing.T) {
		first, _ := repo.Get(ctx, "order-1")
		second, _ := repo.Get(ctx, "order-1")

		if _, err := first.Advance(domain.AdminActor("admin"), domain.StatusPacking, time.Now()); err != nil {
			t.Fatal(err)
		}
		if err := repo.Update(ctx, first); err != nil {
			t.Fatalf("first update: %v", err)
		}

		if _, err := second.Cancel(domain.AdminActor("admin"), "duplicate", time.Now()); err != nil {
			t.Fatal(err)
		}
		if err := repo.Update(ctx, second); !errors.Is(err, domain.ErrInvalidState) {
			t.Fatalf("expected stale write to fail, got %v", err)
		}

		got, _ := repo.Get(ctx, "order-1")
		if got.FulfillmentStatus != domain.StatusPacking || got.Version != 2 {
			t.Errorf("expected packing at version 2, got %s at %d", got.FulfillmentStatus, got.Version)
		}
	})

	t.Run("list by owner", func(t *testing.T) {
		if err := repo.Create(ctx, newOrder("order-2", domain.UserOwner{UserID: "user-2"})); err != nil {
			t.Fatal(err)
		}
		list, err := repo.List(ctx, orders.ListFilter{UserID: "user-2"})
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != 1 || list[0].ID != "order-2" {
			t.Errorf("expected only order-2, got %d orders", len(list))
		}
	})

	t.Run("expired guests are swept", func(t *testing.T) {
		o := newOrder("order-3", domain.GuestOwner{GuestID: "guest_1", Fingerprint: "fp"})
		past := time.Now().Add(-time.Hour).UTC()
		o.ExpiresAt = &past
		if err := repo.Create(ctx, o); err != nil {
			t.Fatal(err)
		}

		expired, err := repo.ListExpired(ctx, time.Now(), 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(expired) != 1 || expired[0].ID != "order-3" {
			t.Fatalf("expected order-3 to be expired, got %d orders", len(expired))
		}
		if err := repo.Delete(ctx, "order-3", expired[0].Version); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := repo.Get(ctx, "order-3"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected deleted order to be gone, got %v", err)
		}
	})
}

func TestInventoryReservations(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	connStr := StartPostgres(ctx, t)
	repo := inventory.NewRepository(OpenDB(t, connStr))
	if _, err := repo.SetAvailable(ctx, "GIFT-BOX-S", 1); err != nil {
		t.Fatalf("set stock: %v", err)
	}

	t.Run("last unit goes to one buyer", func(t *testing.T) {
		var wg sync.WaitGroup
		var mu sync.Mutex
		var won, refused int

		for range 5 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repo.Reserve(ctx, "", []domain.StockLine{{SKU: "GIFT-BOX-S", Quantity: 1}})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					won++
				case errors.Is(err, domain.ErrInsufficientStock):
					refused++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		if won != 1 || refused != 4 {
			t.Errorf("expected 1 reservation and 4 refusals, got %d and %d", won, refused)
		}
	})

	t.Run("partial reservation rolls back", func(t *testing.T) {
		before, _ := repo.GetStock(ctx, "SOAP-LAV-100")

		_, err := repo.Reserve(ctx, "", []domain.StockLine{
			{SKU: "SOAP-LAV-100", Quantity: 2},
			{SKU: "CANDLE-CEDAR", Quantity: 1000},
		})
		var stockErr *domain.InsufficientStockError
		if !errors.As(err, &stockErr) || stockErr.SKU != "CANDLE-CEDAR" {
			t.Fatalf("expected insufficient stock on CANDLE-CEDAR, got %v", err)
		}

		after, _ := repo.GetStock(ctx, "SOAP-LAV-100")
		if after.Available != before.Available || after.Reserved != before.Reserved {
			t.Errorf("expected %+v to be untouched, got %+v", before, after)
		}
	})

	t.Run("release and commit settle once", func(t *testing.T) {
		released, err := repo.Reserve(ctx, "", []domain.StockLine{{SKU: "TOWEL-HAND", Quantity: 3}})
		if err != nil {
			t.Fatal(err)
		}
		committed, err := repo.Reserve(ctx, "", []domain.StockLine{{SKU: "TOWEL-HAND", Quantity: 2}})
		if err != nil {
			t.Fatal(err)
		}

		if err := repo.Release(ctx, released.ID); err != nil {
			t.Fatalf("release: %v", err)
		}
		if err := repo.Release(ctx, released.ID); err != nil {
			t.Errorf("second release should be a no-op, got %v", err)
		}
		if err := repo.Commit(ctx, released.ID); !errors.Is(err, domain.ErrInvalidState) {
			t.Errorf("expected commit of released reservation to fail, got %v", err)
		}
		if err := repo.Commit(ctx, committed.ID); err != nil {
			t.Fatalf("commit: %v", err)
		}

		level, _ := repo.GetStock(ctx, "TOWEL-HAND")
		if level.Available != 38 || level.Reserved != 0 || level.Sold != 2 {
			t.Errorf("unexpected stock %+v", level)
		}
	})

	t.Run("caller id makes reserve idempotent", func(t *testing.T) {
		lines := []domain.StockLine{{SKU: "SOAP-LAV-100", Quantity: 1}}
		before, _ := repo.GetStock(ctx, "SOAP-LAV-100")

		for range 2 {
			res, err := repo.Reserve(ctx, "order-res-1", lines)
			if err != nil || res.ID != "order-res-1" || res.State != domain.ReservationHeld {
				t.Fatalf("unexpected reserve result %+v (%v)", res, err)
			}
		}
		after, _ := repo.GetStock(ctx, "SOAP-LAV-100")
		if after.Reserved != before.Reserved+1 {
			t.Errorf("expected a single hold, got %+v -> %+v", before, after)
		}
	})

	t.Run("release of an unseen id blocks a late reserve", func(t *testing.T) {
		if err := repo.Release(ctx, "order-res-2"); err != nil {
			t.Fatalf("release: %v", err)
		}
		_, err := repo.Reserve(ctx, "order-res-2", []domain.StockLine{{SKU: "SOAP-LAV-100", Quantity: 1}})
		if !errors.Is(err, domain.ErrInvalidState) {
			t.Errorf("expected invalid state, got %v", err)
		}
	})
}

func TestPaymentProofStore(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	connStr := StartPostgres(ctx, t)
	store := media.NewPostgresStore(OpenDB(t, connStr))

	ref, err := store.Upload(ctx, "order-1", "image/png", pngBytes)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	p, err := store.Get(ctx, ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.OrderID != "order-1" || string(p.Data) != string(pngBytes) {
		t.Errorf("unexpected proof %+v", p)
	}

	if err := store.Delete(ctx, ref); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, ref); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected deleted proof to be gone, got %v", err)
	}

	if _, err := store.Upload(ctx, "order-1", "text/html", []byte("<p>")); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected unsupported type to be refused, got %v", err)
	}
}

// The orders service talks to the inventory service over HTTP, both backed
// by the same Postgres instance.
func TestOnlineOrderLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	connStr := StartPostgres(ctx, t)
	db := OpenDB(t, connStr)
	stockRepo := inventory.NewRepository(db)

	mux := http.NewServeMux()
	inventory.NewHandler(stockRepo, discard()).Register(mux, func(h http.HandlerFunc) http.HandlerFunc { return h })
	inventorySrv := httptest.NewServer(mux)
	defer inventorySrv.Close()

	svc := orders.NewService(orders.Deps{
		Store:      orders.NewOrderRepository(db),
		Stock:      inventory.NewClient(inventorySrv.URL, inventorySrv.Client()),
		Proofs:     media.NewPostgresStore(db),
		Pricing:    pricing.FlatRate{Fee: 200, FreeThreshold: 5000},
		Dispatcher: noDispatch{},
		Logger:     discard(),
	})

	placed, err := svc.PlaceOrder(ctx, orders.PlaceOrderInput{
		Owner:           domain.UserOwner{UserID: "user-1"},
		Customer:        domain.Customer{Name: "Alice", Email: "alice@example.com"},
		ShippingAddress: domain.Address{Line1: "1 Main St", City: "Lisbon", PostalCode: "1000", Country: "PT"},
		Items:           []domain.OrderItem{{SKU: "CANDLE-CEDAR", Name: "Cedar candle", UnitPrice: 1800, Quantity: 5}},
		PaymentMethod:   domain.PaymentOnline,
		Proof:           &orders.ProofUpload{ContentType: "image/png", Data: pngBytes},
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if placed.Amount != 9000 || placed.FulfillmentStatus != domain.StatusPendingVerification {
		t.Fatalf("unexpected placed order %+v", placed)
	}

	level, _ := stockRepo.GetStock(ctx, "CANDLE-CEDAR")
	if level.Available != 20 || level.Reserved != 5 {
		t.Fatalf("expected 5 held, got %+v", level)
	}

	admin := domain.AdminActor("admin-1")
	verified, err := svc.VerifyPayment(ctx, admin, placed.ID, orders.ActionApprove, "")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verified.PaymentStatus != domain.PaymentVerified || verified.FulfillmentStatus != domain.StatusOrderPlaced {
		t.Errorf("unexpected verified order %+v", verified)
	}

	level, _ = stockRepo.GetStock(ctx, "CANDLE-CEDAR")
	if level.Reserved != 0 || level.Sold != 5 {
		t.Errorf("expected stock to be committed, got %+v", level)
	}

	if _, err := svc.CancelOrder(ctx, domain.UserActor("user-1", "alice@example.com"), placed.ID, "", "changed my mind"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := svc.CancelOrder(ctx, admin, placed.ID, "", "again"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("expected second cancel to be refused, got %v", err)
	}
}

type emailCapture struct {
	mu     sync.Mutex
	emails []map[string]string
}

func (e *emailCapture) handler(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	e.mu.Lock()
	e.emails = append(e.emails, req)
	e.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = io.WriteString(w, `{"status":"sent"}`)
}

func (e *emailCapture) getEmails() []map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := make([]map[string]string, len(e.emails))
	copy(result, e.emails)
	return result
}

// Events go through the dispatcher, Kafka and the notification worker.
func TestNotificationPipeline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	brokers := StartKafka(ctx, t)

	capture := &emailCapture{}
	emailSrv := httptest.NewServer(http.HandlerFunc(capture.handler))
	defer emailSrv.Close()

	producer := messaging.NewProducer(brokers, "order.events")
	defer func() { _ = producer.Close() }()

	dispatcher := notify.NewDispatcher(notify.NewKafkaSink(producer), discard(), 16)
	dispatcher.Start(1)

	now := time.Now().UTC()
	dispatcher.Dispatch(ctx,
		domain.Event{
			ID: "ev-1", Type: domain.EventOrderPlaced, Audience: domain.AudienceBuyer, OrderID: "o-1",
			Recipient: "alice@example.com", Amount: 1500, OccurredAt: now,
		},
		domain.Event{
			ID: "ev-2", Type: domain.EventOrderPlaced, Audience: domain.AudienceAdmin, OrderID: "o-1",
			OrderType: domain.OrderTypeUser, Amount: 1500, PaymentMethod: domain.PaymentCOD, OccurredAt: now,
		},
	)
	if err := dispatcher.Close(ctx); err != nil {
		t.Fatalf("close dispatcher: %v", err)
	}

	consumer := messaging.NewConsumer(brokers, "order.events", "notification-worker-test",
		messaging.WithStartOffset(kafka.FirstOffset))
	defer func() { _ = consumer.Close() }()

	notifications := worker.NewNotificationHandler(emailSrv.URL, "shop@example.com", emailSrv.Client(), discard())

	consumeCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() { _ = consumer.Consume(consumeCtx, notifications.Handle) }()

	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		if len(capture.getEmails()) >= 2 {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}

	emails := capture.getEmails()
	if len(emails) != 2 {
		t.Fatalf("expected 2 emails, got %d", len(emails))
	}

	recipients := map[string]bool{}
	for _, e := range emails {
		recipients[e["to"]] = true
	}
	if !recipients["alice@example.com"] || !recipients["shop@example.com"] {
		t.Errorf("expected buyer and admin emails, got %v", emails)
	}
}
