package domain

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventOrderPlaced           EventType = "order.placed"
	EventPaymentProofSubmitted EventType = "order.payment_proof_submitted"
	EventPaymentVerified       EventType = "order.payment_verified"
	EventPaymentRejected       EventType = "order.payment_rejected"
	EventOrderStatusUpdated    EventType = "order.status_updated"
	EventOrderCancelled        EventType = "order.cancelled"
	EventOrderConverted        EventType = "order.converted"
)

type Audience string

const (
	AudienceBuyer Audience = "buyer"
	AudienceAdmin Audience = "admin"
)

// Event is an outbound notification produced by an order transition. Events
// are returned to the caller and delivered only after the transition is
// persisted.
type Event struct {
	ID                string            `json:"id"`
	Type              EventType         `json:"type"`
	Audience          Audience          `json:"audience"`
	OrderID           string            `json:"order_id"`
	OrderType         OrderType         `json:"order_type"`
	UserID            string            `json:"user_id,omitempty"`
	Recipient         string            `json:"recipient,omitempty"`
	FulfillmentStatus FulfillmentStatus `json:"fulfillment_status"`
	PaymentStatus     PaymentStatus     `json:"payment_status"`
	PaymentMethod     PaymentMethod     `json:"payment_method"`
	Amount            int64             `json:"amount"`
	Reason            string            `json:"reason,omitempty"`
	OccurredAt        time.Time         `json:"occurred_at"`
}

func (e Event) EventID() string { return e.ID }

func newEvent(t EventType, audience Audience, o *Order, reason string, now time.Time) Event {
	ev := Event{
		ID:                uuid.NewString(),
		Type:              t,
		Audience:          audience,
		OrderID:           o.ID,
		OrderType:         o.OrderType(),
		UserID:            o.UserID(),
		FulfillmentStatus: o.FulfillmentStatus,
		PaymentStatus:     o.PaymentStatus,
		PaymentMethod:     o.PaymentMethod,
		Amount:            o.Amount,
		Reason:            reason,
		OccurredAt:        now,
	}
	if audience == AudienceBuyer {
		ev.Recipient = o.Customer.Email
	}
	return ev
}

// buyerEvents addresses the registered buyer only; guests are reached
// through order tracking instead of pushed notifications.
func buyerEvents(t EventType, o *Order, reason string, now time.Time) []Event {
	if o.OrderType() != OrderTypeUser {
		return nil
	}
	return []Event{newEvent(t, AudienceBuyer, o, reason, now)}
}
