package domain

import (
	"strings"
	"time"
)

// PlaceParams carries everything needed to build an order once stock has
// been reserved and delivery has been quoted.
type PlaceParams struct {
	ID              string
	Owner           Owner
	Customer        Customer
	ShippingAddress Address
	Items           []OrderItem
	DeliveryCharge  int64
	PaymentMethod   PaymentMethod
	ProofRef        string
	ReservationID   string
	Now             time.Time
}

// ValidateCart checks the cart lines and returns their subtotal.
func ValidateCart(items []OrderItem) (int64, error) {
	if len(items) == 0 {
		return 0, NewValidationError("items", "cart is empty")
	}
	var subtotal int64
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		switch {
		case strings.TrimSpace(it.SKU) == "":
			return 0, NewValidationError("items.sku", "required")
		case seen[it.SKU]:
			return 0, NewValidationError("items.sku", "duplicate line for "+it.SKU)
		case it.Quantity <= 0:
			return 0, NewValidationError("items.quantity", "must be positive for "+it.SKU)
		case it.UnitPrice < 0:
			return 0, NewValidationError("items.unit_price", "must not be negative for "+it.SKU)
		case it.UnitPrice > MaxOrderAmount/int64(it.Quantity):
			return 0, NewValidationError("items.unit_price", "line total is too large for "+it.SKU)
		case it.IsFromDeal && it.DealRef == "":
			return 0, NewValidationError("items.deal_ref", "required for deal line "+it.SKU)
		}
		seen[it.SKU] = true
		line := it.LineTotal()
		if subtotal > MaxOrderAmount-line {
			return 0, NewValidationError("items", "order total is too large")
		}
		subtotal += line
	}
	return subtotal, nil
}

func validateOwner(owner Owner) error {
	switch o := owner.(type) {
	case UserOwner:
		if o.UserID == "" {
			return NewValidationError("user_id", "required")
		}
	case GuestOwner:
		if o.GuestID == "" || o.Fingerprint == "" {
			return NewValidationError("guest_id", "guest identity is incomplete")
		}
	default:
		return NewValidationError("owner", "required")
	}
	return nil
}

// Validate checks everything NewOrder needs except the reservation, so a
// caller can reject bad input before touching stock.
func (p PlaceParams) Validate() error {
	if err := validateOwner(p.Owner); err != nil {
		return err
	}
	subtotal, err := ValidateCart(p.Items)
	if err != nil {
		return err
	}
	if p.DeliveryCharge < 0 {
		return NewValidationError("delivery_charge", "must not be negative")
	}
	if p.DeliveryCharge > MaxOrderAmount-subtotal {
		return NewValidationError("delivery_charge", "order total is too large")
	}
	if strings.TrimSpace(p.Customer.Email) == "" {
		return NewValidationError("customer.email", "required")
	}
	switch p.PaymentMethod {
	case PaymentOnline:
	case PaymentCOD:
		if p.ProofRef != "" {
			return NewValidationError("proof", "only online payments take a payment proof")
		}
	default:
		return NewValidationError("payment_method", "must be cod or online")
	}
	return nil
}

// NewOrder builds a freshly placed order. The initial fulfillment state is
// chosen by payment method: online payments wait for proof review, cash on
// delivery goes straight to OrderPlaced.
func NewOrder(p PlaceParams) (*Order, []Event, error) {
	if err := p.Validate(); err != nil {
		return nil, nil, err
	}
	subtotal, _ := ValidateCart(p.Items)

	now := p.Now.UTC()
	o := &Order{
		ID:              p.ID,
		Owner:           p.Owner,
		Customer:        p.Customer,
		ShippingAddress: p.ShippingAddress,
		Items:           append([]OrderItem(nil), p.Items...),
		Subtotal:        subtotal,
		DeliveryCharge:  p.DeliveryCharge,
		Amount:          subtotal + p.DeliveryCharge,
		PaymentMethod:   p.PaymentMethod,
		PaymentStatus:   PaymentPending,
		OrderPlacedAt:   now,
		ReservationID:   p.ReservationID,
		StockState:      StockHeld,
		UpdatedAt:       now,
	}

	if p.PaymentMethod == PaymentOnline {
		o.FulfillmentStatus = StatusPendingVerification
		if p.ProofRef != "" {
			o.PaymentProofRef = p.ProofRef
			o.ProofSubmittedAt = &now
		}
	} else {
		o.FulfillmentStatus = StatusOrderPlaced
		o.OrderConfirmedAt = &now
	}

	if o.OrderType() == OrderTypeGuest {
		exp := now.Add(GuestOrderTTL)
		o.ExpiresAt = &exp
	}
	o.StatusHistory = []StatusChange{{To: o.FulfillmentStatus, By: placedBy(p.Owner), At: now}}

	events := buyerEvents(EventOrderPlaced, o, "", now)
	events = append(events, newEvent(EventOrderPlaced, AudienceAdmin, o, "", now))
	return o, events, nil
}

func placedBy(owner Owner) string {
	switch o := owner.(type) {
	case UserOwner:
		return string(RoleUser) + ":" + o.UserID
	case GuestOwner:
		return string(RoleGuest) + ":" + o.GuestID
	}
	return ""
}

// at never lets a lifecycle timestamp precede placement.
func (o *Order) at(now time.Time) time.Time {
	now = now.UTC()
	if now.Before(o.OrderPlacedAt) {
		return o.OrderPlacedAt
	}
	return now
}

func (o *Order) record(from FulfillmentStatus, by Actor, now time.Time, reason string) {
	o.StatusHistory = append(o.StatusHistory, StatusChange{
		From: from, To: o.FulfillmentStatus, By: by.Label(), At: now, Reason: reason,
	})
	o.UpdatedAt = now
}

func (o *Order) awaitingReview() error {
	if o.PaymentMethod != PaymentOnline {
		return invalidState(string(o.PaymentMethod), "verify", "cash on delivery orders have no payment to verify")
	}
	if o.FulfillmentStatus != StatusPendingVerification || o.PaymentStatus != PaymentPending {
		return invalidState(string(o.FulfillmentStatus)+"/"+string(o.PaymentStatus), "verify",
			"payment review needs pending_verification/pending")
	}
	if o.PaymentProofRef == "" {
		return invalidState(string(o.PaymentStatus), "verify", "no payment proof has been submitted")
	}
	return nil
}

// ApprovePayment marks an online payment verified and confirms the order.
func (o *Order) ApprovePayment(by Actor, now time.Time) ([]Event, error) {
	if !by.IsAdmin() {
		return nil, Unauthorized("only an admin can verify payments")
	}
	if err := o.awaitingReview(); err != nil {
		return nil, err
	}
	if err := Authorize(OpVerify, o.FulfillmentStatus, StatusOrderPlaced, by.Role, ""); err != nil {
		return nil, err
	}

	now = o.at(now)
	from := o.FulfillmentStatus
	o.PaymentStatus = PaymentVerified
	o.FulfillmentStatus = StatusOrderPlaced
	o.VerifiedBy = by.Label()
	o.VerifiedAt = &now
	o.PaymentVerifiedAt = &now
	o.OrderConfirmedAt = &now
	o.record(from, by, now, "")

	return buyerEvents(EventPaymentVerified, o, "", now), nil
}

// RejectPayment marks an online payment rejected. The order stays in
// PendingVerification so a new proof can be submitted, but its stock is
// no longer held; the caller releases the reservation after persisting.
func (o *Order) RejectPayment(by Actor, reason string, now time.Time) ([]Event, error) {
	if !by.IsAdmin() {
		return nil, Unauthorized("only an admin can reject payments")
	}
	if err := o.awaitingReview(); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, NewValidationError("reason", "required when rejecting a payment")
	}

	now = o.at(now)
	o.PaymentStatus = PaymentRejected
	o.RejectionReason = reason
	o.VerifiedBy = by.Label()
	o.VerifiedAt = &now
	o.StockState = StockReleased
	o.UpdatedAt = now

	return buyerEvents(EventPaymentRejected, o, reason, now), nil
}

// CanSubmitProof reports whether the order accepts a payment proof right now.
func (o *Order) CanSubmitProof() error {
	if o.PaymentMethod != PaymentOnline {
		return invalidState(string(o.PaymentMethod), "submit_proof", "only online payments take a payment proof")
	}
	if o.FulfillmentStatus != StatusPendingVerification {
		return invalidState(string(o.FulfillmentStatus), "submit_proof", "order is past payment review")
	}
	switch {
	case o.PaymentStatus == PaymentRejected:
		return nil
	case o.PaymentStatus == PaymentPending && o.PaymentProofRef == "":
		return nil
	}
	return invalidState(string(o.PaymentStatus), "submit_proof", "a proof is already awaiting review")
}

// NeedsReservation is true when the order's stock was released by a
// rejection and has to be held again before the order can proceed.
func (o *Order) NeedsReservation() bool {
	return o.StockState == StockReleased && !o.FulfillmentStatus.Terminal()
}

// SubmitProof attaches a payment proof. A proof submitted after a rejection
// archives the previous one together with its decision and resets payment to
// Pending. reservationID is the fresh hold taken for a resubmission.
func (o *Order) SubmitProof(ref, reservationID string, now time.Time) ([]Event, error) {
	if err := o.CanSubmitProof(); err != nil {
		return nil, err
	}
	if ref == "" {
		return nil, NewValidationError("proof", "required")
	}
	if o.NeedsReservation() && reservationID == "" {
		return nil, invalidState(string(o.StockState), "submit_proof", "stock must be reserved again before resubmitting")
	}

	now = o.at(now)
	if o.PaymentStatus == PaymentRejected {
		o.ProofHistory = append(o.ProofHistory, ProofRecord{
			Ref:         o.PaymentProofRef,
			SubmittedAt: o.ProofSubmittedAt,
			Decision:    o.PaymentStatus,
			Reason:      o.RejectionReason,
			DecidedBy:   o.VerifiedBy,
			DecidedAt:   o.VerifiedAt,
		})
		o.PaymentStatus = PaymentPending
		o.RejectionReason = ""
		o.VerifiedBy = ""
		o.VerifiedAt = nil
	}
	if reservationID != "" {
		o.ReservationID = reservationID
		o.StockState = StockHeld
	}
	o.PaymentProofRef = ref
	o.ProofSubmittedAt = &now
	o.UpdatedAt = now

	return []Event{newEvent(EventPaymentProofSubmitted, AudienceAdmin, o, "", now)}, nil
}

// Advance moves the order one step along the fulfillment sequence. Reaching
// Delivered turns the stock hold into a permanent decrement; the caller
// commits the reservation after persisting.
func (o *Order) Advance(by Actor, next FulfillmentStatus, now time.Time) ([]Event, error) {
	if !next.Valid() {
		return nil, NewValidationError("status", "unknown status "+string(next))
	}
	if err := Authorize(OpAdvance, o.FulfillmentStatus, next, by.Role, ""); err != nil {
		return nil, err
	}

	now = o.at(now)
	from := o.FulfillmentStatus
	o.FulfillmentStatus = next
	if next == StatusDelivered {
		o.DeliveredAt = &now
		o.ExpiresAt = nil
		o.StockState = StockCommitted
	}
	o.record(from, by, now, "")

	return buyerEvents(EventOrderStatusUpdated, o, "", now), nil
}

// Cancel moves the order to Cancelled. A held reservation flips to released;
// the caller releases it after persisting.
func (o *Order) Cancel(by Actor, reason string, now time.Time) ([]Event, error) {
	reason = strings.TrimSpace(reason)
	if err := Authorize(OpCancel, o.FulfillmentStatus, StatusCancelled, by.Role, reason); err != nil {
		return nil, err
	}

	now = o.at(now)
	from := o.FulfillmentStatus
	o.FulfillmentStatus = StatusCancelled
	o.CancelledAt = &now
	o.CancelledBy = by.Label()
	o.CancellationReason = reason
	o.ExpiresAt = nil
	if o.StockState == StockHeld {
		o.StockState = StockReleased
	}
	o.record(from, by, now, reason)

	events := buyerEvents(EventOrderCancelled, o, reason, now)
	if !by.IsAdmin() || o.OrderType() == OrderTypeGuest {
		events = append(events, newEvent(EventOrderCancelled, AudienceAdmin, o, reason, now))
	}
	return events, nil
}

// ConvertToUser re-points a guest order at a registered account. Converting
// again for the same user is a no-op and reports changed=false.
func (o *Order) ConvertToUser(userID string, now time.Time) (changed bool, events []Event, err error) {
	if userID == "" {
		return false, nil, NewValidationError("user_id", "required")
	}
	if o.ConvertedToUser {
		if o.UserID() == userID {
			return false, nil, nil
		}
		return false, nil, Unauthorized("order was already converted to another account")
	}
	guest, ok := o.Owner.(GuestOwner)
	if !ok {
		return false, nil, invalidState(string(o.OrderType()), string(OrderTypeUser), "only guest orders can be converted")
	}

	now = o.at(now)
	o.ConvertedFromGuestID = guest.GuestID
	o.Owner = UserOwner{UserID: userID}
	o.ConvertedToUser = true
	o.ConvertedAt = &now
	o.ExpiresAt = nil
	o.UpdatedAt = now

	return true, buyerEvents(EventOrderConverted, o, "", now), nil
}

// Expired reports whether the sweep may delete the order.
func (o *Order) Expired(now time.Time) bool {
	return o.OrderType() == OrderTypeGuest && !o.ConvertedToUser &&
		o.ExpiresAt != nil && !now.Before(*o.ExpiresAt)
}

// CheckInvariants verifies the aggregate's structural rules. Stores call it
// before every write.
func (o *Order) CheckInvariants() error {
	if err := validateOwner(o.Owner); err != nil {
		return err
	}
	var subtotal int64
	for _, it := range o.Items {
		subtotal += it.LineTotal()
	}
	if subtotal != o.Subtotal || o.Subtotal+o.DeliveryCharge != o.Amount {
		return invalidState("amount", "write", "amount no longer matches the frozen line items")
	}

	wantExpiry := o.OrderType() == OrderTypeGuest && !o.ConvertedToUser && !o.FulfillmentStatus.Terminal()
	if wantExpiry != (o.ExpiresAt != nil) {
		return invalidState("expires_at", "write", "expiry must be set exactly for live guest orders")
	}

	wantHeld := !o.FulfillmentStatus.Terminal() && o.PaymentStatus != PaymentRejected
	if wantHeld != (o.StockState == StockHeld) {
		return invalidState(string(o.StockState), "write", "stock hold does not match the order state")
	}
	return nil
}
