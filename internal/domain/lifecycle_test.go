package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

var placedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestOrder(t *testing.T, owner Owner, method PaymentMethod, proof string) *Order {
	t.Helper()
	o, _, err := NewOrder(PlaceParams{
		ID:             "order-1",
		Owner:          owner,
		Customer:       Customer{Name: "Ada", Email: "ada@example.com"},
		Items:          []OrderItem{{SKU: "soap-1", Name: "Soap", UnitPrice: 650, Quantity: 2}},
		DeliveryCharge: 200,
		PaymentMethod:  method,
		ProofRef:       proof,
		ReservationID:  "res-1",
		Now:            placedAt,
	})
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	return o
}

var (
	admin = AdminActor("admin-1")
	user  = UserActor("user-1", "ada@example.com")
	guest = GuestActor("ada@example.com")
)

func TestNewOrder(t *testing.T) {
	t.Run("cod starts placed", func(t *testing.T) {
		o := newTestOrder(t, UserOwner{UserID: "user-1"}, PaymentCOD, "")
		if o.FulfillmentStatus != StatusOrderPlaced {
			t.Errorf("expected order_placed, got %s", o.FulfillmentStatus)
		}
		if o.OrderConfirmedAt == nil {
			t.Error("expected order_confirmed_at to be set")
		}
		if o.Amount != 1500 {
			t.Errorf("expected amount 1500, got %d", o.Amount)
		}
		if o.ExpiresAt != nil {
			t.Error("user orders must not expire")
		}
	})

	t.Run("online waits for verification", func(t *testing.T) {
		o := newTestOrder(t, UserOwner{UserID: "user-1"}, PaymentOnline, "proof-1")
		if o.FulfillmentStatus != StatusPendingVerification || o.PaymentStatus != PaymentPending {
			t.Errorf("expected pending_verification/pending, got %s/%s", o.FulfillmentStatus, o.PaymentStatus)
		}
	})

	t.Run("guest gets thirty day expiry", func(t *testing.T) {
		o := newTestOrder(t, GuestOwner{GuestID: "guest_1", Fingerprint: "fp"}, PaymentCOD, "")
		if o.ExpiresAt == nil || !o.ExpiresAt.Equal(placedAt.Add(30*24*time.Hour)) {
			t.Errorf("unexpected expires_at %v", o.ExpiresAt)
		}
	})

	t.Run("events", func(t *testing.T) {
		_, events, _ := NewOrder(PlaceParams{
			ID: "o", Owner: GuestOwner{GuestID: "g", Fingerprint: "f"},
			Customer: Customer{Email: "g@example.com"},
			Items:    []OrderItem{{SKU: "a", Quantity: 1}}, PaymentMethod: PaymentCOD, Now: placedAt,
		})
		if len(events) != 1 || events[0].Audience != AudienceAdmin {
			t.Errorf("guest placement should only notify admin, got %+v", events)
		}
	})

	tests := []struct {
		name   string
		params PlaceParams
	}{
		{"empty cart", PlaceParams{Owner: UserOwner{UserID: "u"}, Customer: Customer{Email: "a@b.c"}, PaymentMethod: PaymentCOD}},
		{"no owner", PlaceParams{Customer: Customer{Email: "a@b.c"}, Items: []OrderItem{{SKU: "a", Quantity: 1}}, PaymentMethod: PaymentCOD}},
		{"zero quantity", PlaceParams{Owner: UserOwner{UserID: "u"}, Customer: Customer{Email: "a@b.c"}, Items: []OrderItem{{SKU: "a"}}, PaymentMethod: PaymentCOD}},
		{"deal without ref", PlaceParams{Owner: UserOwner{UserID: "u"}, Customer: Customer{Email: "a@b.c"}, Items: []OrderItem{{SKU: "a", Quantity: 1, IsFromDeal: true}}, PaymentMethod: PaymentCOD}},
		{"unknown method", PlaceParams{Owner: UserOwner{UserID: "u"}, Customer: Customer{Email: "a@b.c"}, Items: []OrderItem{{SKU: "a", Quantity: 1}}, PaymentMethod: "card"}},
		{"cod with proof", PlaceParams{Owner: UserOwner{UserID: "u"}, Customer: Customer{Email: "a@b.c"}, Items: []OrderItem{{SKU: "a", Quantity: 1}}, PaymentMethod: PaymentCOD, ProofRef: "p"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := NewOrder(tt.params)
			if !errors.Is(err, ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestVerifyPayment(t *testing.T) {
	t.Run("approve", func(t *testing.T) {
		o := newTestOrder(t, UserOwner{UserID: "user-1"}, PaymentOnline, "proof-1")
		events, err := o.ApprovePayment(admin, placedAt.Add(time.Hour))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if o.FulfillmentStatus != StatusOrderPlaced || o.PaymentStatus != PaymentVerified {
			t.Errorf("unexpected state %s/%s", o.FulfillmentStatus, o.PaymentStatus)
		}
		if o.VerifiedBy != "admin:admin-1" || o.PaymentVerifiedAt == nil {
			t.Errorf("verification metadata not set: %+v", o)
		}
		if len(events) != 1 || events[0].Type != EventPaymentVerified {
			t.Errorf("unexpected events %+v", events)
		}
		if _, err := o.ApprovePayment(admin, placedAt); !errors.Is(err, ErrInvalidState) {
			t.Errorf("second approval should be invalid state, got %v", err)
		}
	})

	t.Run("reject requires reason", func(t *testing.T) {
		o := newTestOrder(t, UserOwner{UserID: "user-1"}, PaymentOnline, "proof-1")
		if _, err := o.RejectPayment(admin, "  ", placedAt); !errors.Is(err, ErrValidation) {
			t.Errorf("expected validation error, got %v", err)
		}
	})

	t.Run("reject releases stock", func(t *testing.T) {
		o := newTestOrder(t, UserOwner{UserID: "user-1"}, PaymentOnline, "proof-1")
		events, err := o.RejectPayment(admin, "blurry screenshot", placedAt.Add(time.Hour))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if o.PaymentStatus != PaymentRejected || o.StockState != StockReleased {
			t.Errorf("unexpected state %s/%s", o.PaymentStatus, o.StockState)
		}
		if len(events) != 1 || events[0].Reason != "blurry screenshot" {
			t.Errorf("unexpected events %+v", events)
		}
		if err := o.CheckInvariants(); err != nil {
			t.Errorf("invariants: %v", err)
		}
	})

	t.Run("non admin", func(t *testing.T) {
		o := newTestOrder(t, UserOwner{UserID: "user-1"}, PaymentOnline, "proof-1")
		if _, err := o.ApprovePayment(user, placedAt); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("expected unauthorized, got %v", err)
		}
	})

	t.Run("cod has nothing to verify", func(t *testing.T) {
		o := newTestOrder(t, UserOwner{UserID: "user-1"}, PaymentCOD, "")
		if _, err := o.ApprovePayment(admin, placedAt); !errors.Is(err, ErrInvalidState) {
			t.Errorf("expected invalid state, got %v", err)
		}
	})

	t.Run("no proof yet", func(t *testing.T) {
		o := newTestOrder(t, UserOwner{UserID: "user-1"}, PaymentOnline, "")
		if _, err := o.ApprovePayment(admin, placedAt); !errors.Is(err, ErrInvalidState) {
			t.Errorf("expected invalid state, got %v", err)
		}
	})
}

func TestSubmitProof(t *testing.T) {
	o := newTestOrder(t, UserOwner{UserID: "user-1"}, PaymentOnline, "")
	if _, err := o.SubmitProof("proof-1", "", placedAt); err != nil {
		t.Fatalf("first proof: %v", err)
	}
	if _, err := o.SubmitProof("proof-2", "", placedAt); !errors.Is(err, ErrInvalidState) {
		t.Errorf("proof under review should block a new one, got %v", err)
	}
	if _, err := o.RejectPayment(admin, "wrong amount", placedAt); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if !o.NeedsReservation() {
		t.Fatal("rejected order should need a new reservation")
	}
	if _, err := o.SubmitProof("proof-2", "", placedAt); !errors.Is(err, ErrInvalidState) {
		t.Errorf("resubmission without reservation should fail, got %v", err)
	}
	events, err := o.SubmitProof("proof-2", "res-2", placedAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if o.PaymentStatus != PaymentPending || o.PaymentProofRef != "proof-2" || o.ReservationID != "res-2" {
		t.Errorf("unexpected state after resubmission: %+v", o)
	}
	if len(o.ProofHistory) != 1 || o.ProofHistory[0].Ref != "proof-1" || o.ProofHistory[0].Reason != "wrong amount" {
		t.Errorf("expected archived proof, got %+v", o.ProofHistory)
	}
	if o.RejectionReason != "" || o.VerifiedAt != nil {
		t.Error("decision metadata should reset for the new proof")
	}
	if len(events) != 1 || events[0].Audience != AudienceAdmin {
		t.Errorf("unexpected events %+v", events)
	}
	if err := o.CheckInvariants(); err != nil {
		t.Errorf("invariants: %v", err)
	}
}

func TestAdvance(t *testing.T) {
	t.Run("sequence", func(t *testing.T) {
		o := newTestOrder(t, UserOwner{UserID: "user-1"}, PaymentCOD, "")
		if _, err := o.Advance(admin, StatusShipped, placedAt); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("order_placed -> shipped should be rejected, got %v", err)
		}
		for _, next := range []FulfillmentStatus{StatusPacking, StatusShipped, StatusOutForDelivery, StatusDelivered} {
			if _, err := o.Advance(admin, next, placedAt.Add(time.Hour)); err != nil {
				t.Fatalf("advance to %s: %v", next, err)
			}
		}
		if o.StockState != StockCommitted || o.DeliveredAt == nil {
			t.Errorf("delivery should commit stock, got %s", o.StockState)
		}
		if len(o.StatusHistory) != 5 {
			t.Errorf("expected 5 history entries, got %d", len(o.StatusHistory))
		}
		if _, err := o.Advance(admin, StatusCancelled, placedAt); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("terminal order should not move, got %v", err)
		}
	})

	t.Run("delivered guest clears expiry", func(t *testing.T) {
		o := newTestOrder(t, GuestOwner{GuestID: "guest_1", Fingerprint: "fp"}, PaymentCOD, "")
		for _, next := range []FulfillmentStatus{StatusPacking, StatusShipped, StatusOutForDelivery, StatusDelivered} {
			if _, err := o.Advance(admin, next, placedAt); err != nil {
				t.Fatalf("advance to %s: %v", next, err)
			}
		}
		if o.ExpiresAt != nil {
			t.Error("expected expires_at to be cleared")
		}
		if err := o.CheckInvariants(); err != nil {
			t.Errorf("invariants: %v", err)
		}
	})

	t.Run("user cannot advance", func(t *testing.T) {
		o := newTestOrder(t, UserOwner{UserID: "user-1"}, PaymentCOD, "")
		if _, err := o.Advance(user, StatusPacking, placedAt); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("expected unauthorized, got %v", err)
		}
	})

	t.Run("timestamps never precede placement", func(t *testing.T) {
		o := newTestOrder(t, UserOwner{UserID: "user-1"}, PaymentCOD, "")
		if _, err := o.Advance(admin, StatusPacking, placedAt.Add(-time.Hour)); err != nil {
			t.Fatal(err)
		}
		if got := o.StatusHistory[1].At; !got.Equal(placedAt) {
			t.Errorf("expected clamped timestamp, got %v", got)
		}
	})
}

func TestCancel(t *testing.T) {
	t.Run("user cancels while shipped", func(t *testing.T) {
		o := newTestOrder(t, UserOwner{UserID: "user-1"}, PaymentCOD, "")
		_, _ = o.Advance(admin, StatusPacking, placedAt)
		_, _ = o.Advance(admin, StatusShipped, placedAt)

		if _, err := o.Cancel(user, "changed my mind", placedAt); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected invalid state, got %v", err)
		}
		if _, err := o.Cancel(admin, "", placedAt); !errors.Is(err, ErrValidation) {
			t.Fatalf("admin cancel after shipping needs a reason, got %v", err)
		}
		events, err := o.Cancel(admin, "courier lost parcel", placedAt)
		if err != nil {
			t.Fatalf("admin cancel: %v", err)
		}
		if o.FulfillmentStatus != StatusCancelled || o.StockState != StockReleased {
			t.Errorf("unexpected state %s/%s", o.FulfillmentStatus, o.StockState)
		}
		if len(events) != 1 || events[0].Audience != AudienceBuyer {
			t.Errorf("admin cancel of a user order notifies the buyer only, got %+v", events)
		}
	})

	t.Run("user cancel notifies admin", func(t *testing.T) {
		o := newTestOrder(t, UserOwner{UserID: "user-1"}, PaymentCOD, "")
		events, err := o.Cancel(user, "", placedAt)
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != 2 {
			t.Errorf("expected buyer and admin events, got %+v", events)
		}
	})

	t.Run("guest cancel", func(t *testing.T) {
		o := newTestOrder(t, GuestOwner{GuestID: "guest_1", Fingerprint: "fp"}, PaymentOnline, "p")
		events, err := o.Cancel(guest, "", placedAt)
		if err != nil {
			t.Fatal(err)
		}
		if o.ExpiresAt != nil {
			t.Error("cancelled guest orders stop expiring")
		}
		if len(events) != 1 || events[0].Audience != AudienceAdmin {
			t.Errorf("unexpected events %+v", events)
		}
		if err := o.CheckInvariants(); err != nil {
			t.Errorf("invariants: %v", err)
		}
	})

	t.Run("rejected payment stays released", func(t *testing.T) {
		o := newTestOrder(t, UserOwner{UserID: "user-1"}, PaymentOnline, "p")
		_, _ = o.RejectPayment(admin, "bad", placedAt)
		if _, err := o.Cancel(user, "", placedAt); err != nil {
			t.Fatal(err)
		}
		if o.StockState != StockReleased {
			t.Errorf("expected released, got %s", o.StockState)
		}
	})
}

func TestConvertToUser(t *testing.T) {
	o := newTestOrder(t, GuestOwner{GuestID: "guest_1", Fingerprint: "fp"}, PaymentCOD, "")

	changed, events, err := o.ConvertToUser("user-9", placedAt.Add(time.Hour))
	if err != nil || !changed {
		t.Fatalf("convert: changed=%v err=%v", changed, err)
	}
	if len(events) != 1 || events[0].UserID != "user-9" {
		t.Errorf("unexpected events %+v", events)
	}
	first, _ := json.Marshal(o)

	changed, events, err = o.ConvertToUser("user-9", placedAt.Add(2*time.Hour))
	if err != nil || changed || events != nil {
		t.Fatalf("second conversion should be a no-op, changed=%v err=%v", changed, err)
	}
	second, _ := json.Marshal(o)
	if string(first) != string(second) {
		t.Errorf("state changed on repeat conversion:\n%s\n%s", first, second)
	}

	if o.OrderType() != OrderTypeUser || o.GuestID() != "" || o.ConvertedFromGuestID != "guest_1" || o.ExpiresAt != nil {
		t.Errorf("unexpected owner state: %+v", o)
	}
	if _, _, err := o.ConvertToUser("someone-else", placedAt); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected unauthorized, got %v", err)
	}

	u := newTestOrder(t, UserOwner{UserID: "user-1"}, PaymentCOD, "")
	if _, _, err := u.ConvertToUser("user-2", placedAt); !errors.Is(err, ErrInvalidState) {
		t.Errorf("user orders cannot be converted, got %v", err)
	}
}

func TestOrderJSON(t *testing.T) {
	o := newTestOrder(t, GuestOwner{GuestID: "guest_1", Fingerprint: "fp"}, PaymentOnline, "p")
	data, err := json.Marshal(o)
	if err != nil {
		t.Fatal(err)
	}

	var fields map[string]any
	_ = json.Unmarshal(data, &fields)
	if fields["order_type"] != "guest" || fields["guest_id"] != "guest_1" {
		t.Errorf("owner not flattened: %s", data)
	}
	if _, ok := fields["user_id"]; ok {
		t.Errorf("guest order should not carry user_id: %s", data)
	}

	var back Order
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if g, ok := back.Owner.(GuestOwner); !ok || g.Fingerprint != "fp" {
		t.Errorf("owner not restored: %#v", back.Owner)
	}

	if err := json.Unmarshal([]byte(`{"id":"x","order_type":"robot"}`), &back); err == nil {
		t.Error("expected error for unknown order type")
	}
}

func TestExpired(t *testing.T) {
	o := newTestOrder(t, GuestOwner{GuestID: "guest_1", Fingerprint: "fp"}, PaymentOnline, "")
	if o.Expired(placedAt.Add(29 * 24 * time.Hour)) {
		t.Error("should not expire before thirty days")
	}
	if !o.Expired(placedAt.Add(30 * 24 * time.Hour)) {
		t.Error("should expire at thirty days")
	}
	_, _, _ = o.ConvertToUser("user-1", placedAt)
	if o.Expired(placedAt.Add(60 * 24 * time.Hour)) {
		t.Error("converted orders never expire")
	}
}
