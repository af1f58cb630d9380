package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/joao-fontenele/storefront-orders/internal/domain"
)

var tracer = otel.Tracer("orders/lifecycle")

// StockLedger holds and settles stock for an order. Reservation ids are
// chosen by the caller so a reserve whose reply was lost can be released.
type StockLedger interface {
	Reserve(ctx context.Context, reservationID string, lines []domain.StockLine) error
	Release(ctx context.Context, reservationID string) error
	Commit(ctx context.Context, reservationID string) error
}

// ProofStore keeps payment-proof artifacts.
type ProofStore interface {
	Upload(ctx context.Context, orderID, contentType string, data []byte) (string, error)
	Delete(ctx context.Context, ref string) error
}

// Pricer quotes the delivery charge for a cart subtotal.
type Pricer interface {
	Quote(subtotal int64) int64
}

// Dispatcher hands events to the notification pipeline without waiting.
type Dispatcher interface {
	Dispatch(ctx context.Context, events ...domain.Event)
}

type Deps struct {
	Store      Store
	Stock      StockLedger
	Proofs     ProofStore
	Pricing    Pricer
	Dispatcher Dispatcher
	Logger     *slog.Logger
	Clock      func() time.Time
}

// Service runs the order lifecycle. Every mutation reads the order, applies
// a domain transition, persists it with a compare-and-write and only then
// performs stock side effects and dispatches events.
type Service struct {
	store      Store
	stock      StockLedger
	proofs     ProofStore
	pricing    Pricer
	dispatcher Dispatcher
	logger     *slog.Logger
	now        func() time.Time

	placed      metric.Int64Counter
	transitions metric.Int64Counter
	refusals    metric.Int64Counter
}

func NewService(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = time.Now
	}
	meter := otel.Meter("orders")
	placed, _ := meter.Int64Counter("orders_placed_total",
		metric.WithDescription("Orders placed by payment method and owner type"))
	transitions, _ := meter.Int64Counter("order_transitions_total",
		metric.WithDescription("Lifecycle operations by outcome"))
	refusals, _ := meter.Int64Counter("stock_reservation_refusals_total",
		metric.WithDescription("Checkouts refused for insufficient stock"))

	return &Service{
		store:       d.Store,
		stock:       d.Stock,
		proofs:      d.Proofs,
		pricing:     d.Pricing,
		dispatcher:  d.Dispatcher,
		logger:      d.Logger,
		now:         d.Clock,
		placed:      placed,
		transitions: transitions,
		refusals:    refusals,
	}
}

type ProofUpload struct {
	ContentType string
	Data        []byte
}

type PlaceOrderInput struct {
	Owner           domain.Owner
	Customer        domain.Customer
	ShippingAddress domain.Address
	Items           []domain.OrderItem
	PaymentMethod   domain.PaymentMethod
	Proof           *ProofUpload
}

func (s *Service) PlaceOrder(ctx context.Context, in PlaceOrderInput) (o *domain.Order, err error) {
	ctx, span := tracer.Start(ctx, "PlaceOrder", trace.WithAttributes(
		attribute.String("order.payment_method", string(in.PaymentMethod)),
	))
	defer func() { s.finish(ctx, span, "place", err) }()

	if in.Proof != nil && in.PaymentMethod != domain.PaymentOnline {
		return nil, domain.NewValidationError("proof", "only online payments take a payment proof")
	}
	subtotal, err := domain.ValidateCart(in.Items)
	if err != nil {
		return nil, err
	}

	params := domain.PlaceParams{
		ID:              uuid.New().String(),
		Owner:           in.Owner,
		Customer:        in.Customer,
		ShippingAddress: in.ShippingAddress,
		Items:           in.Items,
		DeliveryCharge:  s.pricing.Quote(subtotal),
		PaymentMethod:   in.PaymentMethod,
		Now:             s.now(),
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("order.id", params.ID))

	if in.Proof != nil {
		params.ProofRef, err = s.proofs.Upload(ctx, params.ID, in.Proof.ContentType, in.Proof.Data)
		if err != nil {
			return nil, fmt.Errorf("upload payment proof: %w", err)
		}
	}

	params.ReservationID = uuid.New().String()
	if err := s.reserve(ctx, params.ID, params.ReservationID, in.Items); err != nil {
		s.discardProof(ctx, params.ProofRef)
		return nil, err
	}

	order, events, err := domain.NewOrder(params)
	if err == nil {
		err = s.store.Create(ctx, order)
	}
	if err != nil {
		s.release(ctx, params.ID, params.ReservationID)
		s.discardProof(ctx, params.ProofRef)
		return nil, err
	}

	s.placed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("payment_method", string(order.PaymentMethod)),
		attribute.String("order_type", string(order.OrderType())),
	))
	s.logger.InfoContext(ctx, "order placed",
		"order_id", order.ID,
		"order_type", order.OrderType(),
		"payment_method", order.PaymentMethod,
		"amount", order.Amount,
		"fulfillment_status", order.FulfillmentStatus,
	)
	s.dispatcher.Dispatch(ctx, events...)
	return order, nil
}

// SubmitPaymentProof attaches a proof to an online order awaiting review. A
// proof sent after a rejection needs the stock reserved again first.
func (s *Service) SubmitPaymentProof(ctx context.Context, actor domain.Actor, orderID, email string, proof ProofUpload) (o *domain.Order, err error) {
	ctx, span := tracer.Start(ctx, "SubmitPaymentProof", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() { s.finish(ctx, span, "submit_proof", err) }()

	o, err = s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if _, err := authorizeOwner(actor, o, email); err != nil {
		return nil, err
	}
	if err := o.CanSubmitProof(); err != nil {
		return nil, err
	}

	ref, err := s.proofs.Upload(ctx, o.ID, proof.ContentType, proof.Data)
	if err != nil {
		return nil, fmt.Errorf("upload payment proof: %w", err)
	}

	var reservationID string
	if o.NeedsReservation() {
		reservationID = uuid.New().String()
		if err := s.reserve(ctx, o.ID, reservationID, o.Items); err != nil {
			s.discardProof(ctx, ref)
			return nil, err
		}
	}

	events, err := o.SubmitProof(ref, reservationID, s.now())
	if err == nil {
		err = s.store.Update(ctx, o)
	}
	if err != nil {
		if reservationID != "" {
			s.release(ctx, o.ID, reservationID)
		}
		s.discardProof(ctx, ref)
		return nil, err
	}

	s.logger.InfoContext(ctx, "payment proof submitted", "order_id", o.ID, "proof_ref", ref, "resubmission", len(o.ProofHistory) > 0)
	s.dispatcher.Dispatch(ctx, events...)
	return o, nil
}

type VerifyAction string

const (
	ActionApprove VerifyAction = "approve"
	ActionReject  VerifyAction = "reject"
)

func (s *Service) VerifyPayment(ctx context.Context, actor domain.Actor, orderID string, action VerifyAction, reason string) (o *domain.Order, err error) {
	ctx, span := tracer.Start(ctx, "VerifyPayment", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("verify.action", string(action)),
	))
	defer func() { s.finish(ctx, span, "verify_"+string(action), err) }()

	if action != ActionApprove && action != ActionReject {
		return nil, domain.NewValidationError("action", "must be approve or reject")
	}
	if !actor.IsAdmin() {
		return nil, domain.Unauthorized("only an admin can verify payments")
	}

	o, err = s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	var events []domain.Event
	if action == ActionApprove {
		events, err = o.ApprovePayment(actor, s.now())
	} else {
		events, err = o.RejectPayment(actor, reason, s.now())
	}
	if err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, o); err != nil {
		return nil, err
	}

	if action == ActionReject {
		s.release(ctx, o.ID, o.ReservationID)
	}
	s.logger.InfoContext(ctx, "payment reviewed", "order_id", o.ID, "action", action, "payment_status", o.PaymentStatus, "by", actor.Label())
	s.dispatcher.Dispatch(ctx, events...)
	return o, nil
}

func (s *Service) UpdateStatus(ctx context.Context, actor domain.Actor, orderID string, next domain.FulfillmentStatus) (o *domain.Order, err error) {
	ctx, span := tracer.Start(ctx, "UpdateStatus", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.next_status", string(next)),
	))
	defer func() { s.finish(ctx, span, "advance", err) }()

	if !actor.IsAdmin() {
		return nil, domain.Unauthorized("only an admin can update fulfillment status")
	}

	o, err = s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	from := o.FulfillmentStatus

	events, err := o.Advance(actor, next, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, o); err != nil {
		return nil, err
	}

	if next == domain.StatusDelivered {
		s.commit(ctx, o.ID, o.ReservationID)
	}
	s.logger.InfoContext(ctx, "order status updated", "order_id", o.ID, "from", from, "to", o.FulfillmentStatus)
	s.dispatcher.Dispatch(ctx, events...)
	return o, nil
}

func (s *Service) CancelOrder(ctx context.Context, actor domain.Actor, orderID, email, reason string) (o *domain.Order, err error) {
	ctx, span := tracer.Start(ctx, "CancelOrder", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() { s.finish(ctx, span, "cancel", err) }()

	o, err = s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	by, err := authorizeOwner(actor, o, email)
	if err != nil {
		return nil, err
	}

	held := o.StockState == domain.StockHeld
	events, err := o.Cancel(by, reason, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, o); err != nil {
		return nil, err
	}

	if held {
		s.release(ctx, o.ID, o.ReservationID)
	}
	s.logger.InfoContext(ctx, "order cancelled", "order_id", o.ID, "by", o.CancelledBy, "reason", o.CancellationReason)
	s.dispatcher.Dispatch(ctx, events...)
	return o, nil
}

// ConvertGuestToUser attaches a guest order to the calling account. When the
// token carries an e-mail it has to match the one used at checkout.
func (s *Service) ConvertGuestToUser(ctx context.Context, actor domain.Actor, orderID string) (o *domain.Order, err error) {
	ctx, span := tracer.Start(ctx, "ConvertGuestToUser", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() { s.finish(ctx, span, "convert", err) }()

	if actor.Role != domain.RoleUser || actor.UserID == "" {
		return nil, domain.Unauthorized("only a signed-in customer can claim an order")
	}

	o, err = s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.ConvertedToUser && actor.Email != "" && !o.EmailMatches(actor.Email) {
		return nil, domain.Unauthorized("order was placed with a different e-mail")
	}

	changed, events, err := o.ConvertToUser(actor.UserID, s.now())
	if err != nil {
		return nil, err
	}
	if !changed {
		return o, nil
	}
	if err := s.store.Update(ctx, o); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "guest order converted", "order_id", o.ID, "user_id", actor.UserID, "guest_id", o.ConvertedFromGuestID)
	s.dispatcher.Dispatch(ctx, events...)
	return o, nil
}

// TrackGuestOrder looks a guest order up by id and checkout e-mail. Any
// mismatch is reported as not found so order ids cannot be enumerated.
func (s *Service) TrackGuestOrder(ctx context.Context, orderID, email string) (*domain.Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.OrderType() != domain.OrderTypeGuest || !o.EmailMatches(email) {
		return nil, domain.ErrNotFound
	}
	return o, nil
}

func (s *Service) GetOrder(ctx context.Context, actor domain.Actor, orderID string) (*domain.Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch {
	case actor.IsAdmin():
	case actor.Role == domain.RoleUser && o.UserID() == actor.UserID:
	default:
		return nil, domain.Unauthorized("order belongs to someone else")
	}
	return o, nil
}

func (s *Service) ListOrders(ctx context.Context, actor domain.Actor, f ListFilter) ([]*domain.Order, error) {
	switch actor.Role {
	case domain.RoleAdmin:
	case domain.RoleUser:
		f.UserID = actor.UserID
	default:
		return nil, domain.Unauthorized("sign in to list orders")
	}
	return s.store.List(ctx, f)
}

// SweepExpired deletes guest orders that outlived their TTL without being
// claimed. The delete is checked against the version that was read, so an
// order converted or advanced meanwhile survives with its hold intact; the
// reservation is released only once the order is gone.
func (s *Service) SweepExpired(ctx context.Context, batch int) (int, error) {
	ctx, span := tracer.Start(ctx, "SweepExpired")
	defer span.End()

	expired, err := s.store.ListExpired(ctx, s.now(), batch)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("list expired orders: %w", err)
	}

	deleted := 0
	for _, o := range expired {
		if err := s.store.Delete(ctx, o.ID, o.Version); err != nil {
			s.logger.WarnContext(ctx, "failed to delete expired order", "error", err, "order_id", o.ID)
			continue
		}
		if o.StockState == domain.StockHeld {
			s.release(ctx, o.ID, o.ReservationID)
		}
		s.discardProof(ctx, o.PaymentProofRef)
		for _, p := range o.ProofHistory {
			s.discardProof(ctx, p.Ref)
		}
		deleted++
		s.logger.InfoContext(ctx, "expired guest order deleted", "order_id", o.ID, "guest_id", o.GuestID())
	}

	span.SetAttributes(attribute.Int("sweep.deleted", deleted))
	return deleted, nil
}

// reserve holds stock for items under reservationID. When the outcome is
// unknown the id is released, which also stops a reserve still in flight.
func (s *Service) reserve(ctx context.Context, orderID, reservationID string, items []domain.OrderItem) error {
	err := s.stock.Reserve(ctx, reservationID, domain.StockLines(items))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrInsufficientStock):
		s.refusals.Add(ctx, 1)
	case errors.Is(err, domain.ErrValidation):
	default:
		s.release(ctx, orderID, reservationID)
	}
	return err
}

// release and commit run after the order write is durable, or after a
// reserve with no definite answer. Their failures are logged with the
// reservation id.
func (s *Service) release(ctx context.Context, orderID, reservationID string) {
	if reservationID == "" {
		return
	}
	if err := s.stock.Release(context.WithoutCancel(ctx), reservationID); err != nil {
		s.logger.ErrorContext(ctx, "failed to release reservation", "error", err, "order_id", orderID, "reservation_id", reservationID)
	}
}

func (s *Service) commit(ctx context.Context, orderID, reservationID string) {
	if reservationID == "" {
		return
	}
	if err := s.stock.Commit(context.WithoutCancel(ctx), reservationID); err != nil {
		s.logger.ErrorContext(ctx, "failed to commit reservation", "error", err, "order_id", orderID, "reservation_id", reservationID)
	}
}

func (s *Service) discardProof(ctx context.Context, ref string) {
	if ref == "" {
		return
	}
	if err := s.proofs.Delete(context.WithoutCancel(ctx), ref); err != nil {
		s.logger.WarnContext(ctx, "failed to delete payment proof", "error", err, "proof_ref", ref)
	}
}

func (s *Service) finish(ctx context.Context, span trace.Span, op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = outcomeOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	s.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	))
	span.End()
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, domain.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, domain.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrUnauthorized):
		return "unauthorized"
	}
	return "error"
}

// authorizeOwner decides who is acting on o. Admins act as themselves,
// registered owners as users, and anyone presenting the checkout e-mail of
// an unclaimed guest order acts as that guest.
func authorizeOwner(actor domain.Actor, o *domain.Order, email string) (domain.Actor, error) {
	if actor.IsAdmin() {
		return actor, nil
	}
	if actor.Role == domain.RoleUser && actor.UserID != "" && o.UserID() == actor.UserID {
		return actor, nil
	}
	if o.OrderType() == domain.OrderTypeGuest && o.EmailMatches(email) {
		return domain.GuestActor(email), nil
	}
	return domain.Actor{}, domain.Unauthorized("order belongs to someone else")
}
