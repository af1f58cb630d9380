package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// GuestOrderTTL is how long an unconverted guest order lives before the
// expiration sweep removes it.
const GuestOrderTTL = 30 * 24 * time.Hour

// MaxOrderAmount bounds line totals, subtotals and the frozen amount, in
// minor units.
const MaxOrderAmount int64 = 100_000_000_000

type FulfillmentStatus string

const (
	StatusPendingVerification FulfillmentStatus = "pending_verification"
	StatusOrderPlaced         FulfillmentStatus = "order_placed"
	StatusPacking             FulfillmentStatus = "packing"
	StatusShipped             FulfillmentStatus = "shipped"
	StatusOutForDelivery      FulfillmentStatus = "out_for_delivery"
	StatusDelivered           FulfillmentStatus = "delivered"
	StatusCancelled           FulfillmentStatus = "cancelled"
)

func (s FulfillmentStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

func (s FulfillmentStatus) Valid() bool {
	switch s {
	case StatusPendingVerification, StatusOrderPlaced, StatusPacking, StatusShipped,
		StatusOutForDelivery, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

type PaymentMethod string

const (
	PaymentCOD    PaymentMethod = "cod"
	PaymentOnline PaymentMethod = "online"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentVerified PaymentStatus = "verified"
	PaymentRejected PaymentStatus = "rejected"
)

type StockState string

const (
	StockHeld      StockState = "held"
	StockReleased  StockState = "released"
	StockCommitted StockState = "committed"
)

type OrderItem struct {
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	UnitPrice  int64  `json:"unit_price"`
	Quantity   int    `json:"quantity"`
	IsFromDeal bool   `json:"is_from_deal"`
	DealRef    string `json:"deal_ref,omitempty"`
	Cost       *int64 `json:"cost,omitempty"`
}

func (i OrderItem) LineTotal() int64 {
	return i.UnitPrice * int64(i.Quantity)
}

type Customer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// ProofRecord keeps a superseded payment proof together with the decision
// that was taken on it.
type ProofRecord struct {
	Ref         string        `json:"ref"`
	SubmittedAt *time.Time    `json:"submitted_at,omitempty"`
	Decision    PaymentStatus `json:"decision"`
	Reason      string        `json:"reason,omitempty"`
	DecidedBy   string        `json:"decided_by,omitempty"`
	DecidedAt   *time.Time    `json:"decided_at,omitempty"`
}

type StatusChange struct {
	From   FulfillmentStatus `json:"from,omitempty"`
	To     FulfillmentStatus `json:"to"`
	By     string            `json:"by"`
	At     time.Time         `json:"at"`
	Reason string            `json:"reason,omitempty"`
}

type Order struct {
	ID              string      `json:"id"`
	Owner           Owner       `json:"-"`
	Customer        Customer    `json:"customer"`
	ShippingAddress Address     `json:"shipping_address"`
	Items           []OrderItem `json:"items"`
	Subtotal        int64       `json:"subtotal"`
	DeliveryCharge  int64       `json:"delivery_charge"`
	Amount          int64       `json:"amount"`

	FulfillmentStatus FulfillmentStatus `json:"fulfillment_status"`
	PaymentMethod     PaymentMethod     `json:"payment_method"`
	PaymentStatus     PaymentStatus     `json:"payment_status"`

	PaymentProofRef  string        `json:"payment_proof_ref,omitempty"`
	ProofSubmittedAt *time.Time    `json:"proof_submitted_at,omitempty"`
	ProofHistory     []ProofRecord `json:"proof_history,omitempty"`
	VerifiedBy       string        `json:"verified_by,omitempty"`
	VerifiedAt       *time.Time    `json:"verified_at,omitempty"`
	RejectionReason  string        `json:"rejection_reason,omitempty"`

	OrderPlacedAt     time.Time  `json:"order_placed_at"`
	PaymentVerifiedAt *time.Time `json:"payment_verified_at,omitempty"`
	OrderConfirmedAt  *time.Time `json:"order_confirmed_at,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	CancelledAt       *time.Time `json:"cancelled_at,omitempty"`

	CancelledBy        string `json:"cancelled_by,omitempty"`
	CancellationReason string `json:"cancellation_reason,omitempty"`

	ExpiresAt            *time.Time `json:"expires_at,omitempty"`
	ConvertedToUser      bool       `json:"converted_to_user"`
	ConvertedAt          *time.Time `json:"converted_at,omitempty"`
	ConvertedFromGuestID string     `json:"converted_from_guest_id,omitempty"`

	ReservationID string     `json:"reservation_id,omitempty"`
	StockState    StockState `json:"stock_state"`

	StatusHistory []StatusChange `json:"status_history"`
	Version       int64          `json:"version"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (o *Order) OrderType() OrderType {
	if o.Owner == nil {
		return ""
	}
	return o.Owner.OrderType()
}

func (o *Order) UserID() string {
	if u, ok := o.Owner.(UserOwner); ok {
		return u.UserID
	}
	return ""
}

func (o *Order) GuestID() string {
	if g, ok := o.Owner.(GuestOwner); ok {
		return g.GuestID
	}
	return ""
}

// EmailMatches compares against the checkout e-mail, ignoring case and
// surrounding space.
func (o *Order) EmailMatches(email string) bool {
	email = strings.TrimSpace(email)
	return email != "" && strings.EqualFold(strings.TrimSpace(o.Customer.Email), email)
}

// Clone returns a deep copy so a failed write never leaks a half-applied
// transition into a caller's copy.
func (o *Order) Clone() *Order {
	c := *o
	c.Items = append([]OrderItem(nil), o.Items...)
	c.ProofHistory = append([]ProofRecord(nil), o.ProofHistory...)
	c.StatusHistory = append([]StatusChange(nil), o.StatusHistory...)
	return &c
}

type orderAlias Order

type orderJSON struct {
	*orderAlias
	OrderType        OrderType `json:"order_type"`
	UserID           string    `json:"user_id,omitempty"`
	GuestID          string    `json:"guest_id,omitempty"`
	GuestFingerprint string    `json:"guest_fingerprint,omitempty"`
}

func (o Order) MarshalJSON() ([]byte, error) {
	j := orderJSON{orderAlias: (*orderAlias)(&o)}
	switch owner := o.Owner.(type) {
	case UserOwner:
		j.OrderType = OrderTypeUser
		j.UserID = owner.UserID
	case GuestOwner:
		j.OrderType = OrderTypeGuest
		j.GuestID = owner.GuestID
		j.GuestFingerprint = owner.Fingerprint
	default:
		return nil, fmt.Errorf("order %s has no owner", o.ID)
	}
	return json.Marshal(j)
}

func (o *Order) UnmarshalJSON(data []byte) error {
	j := orderJSON{orderAlias: (*orderAlias)(o)}
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	switch j.OrderType {
	case OrderTypeUser:
		o.Owner = UserOwner{UserID: j.UserID}
	case OrderTypeGuest:
		o.Owner = GuestOwner{GuestID: j.GuestID, Fingerprint: j.GuestFingerprint}
	default:
		return fmt.Errorf("unknown order type %q", j.OrderType)
	}
	return nil
}
