package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/joao-fontenele/storefront-orders/internal/domain"
	"github.com/joao-fontenele/storefront-orders/internal/messaging"
)

// errRejected marks an e-mail the email service refused outright. Retrying
// it would not help, so the message is acknowledged.
var errRejected = errors.New("email rejected")

// NotificationHandler turns order events from the broker into e-mails.
// Buyer events go to the checkout address; admin events go to the shop
// inbox.
type NotificationHandler struct {
	emailServiceURL string
	adminEmail      string
	httpClient      *http.Client
	logger          *slog.Logger
}

func NewNotificationHandler(emailServiceURL, adminEmail string, client *http.Client, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{
		emailServiceURL: emailServiceURL,
		adminEmail:      adminEmail,
		httpClient:      client,
		logger:          logger,
	}
}

// Handle returns an error only for failures worth redelivering.
func (h *NotificationHandler) Handle(ctx context.Context, msg messaging.Message) error {
	var event domain.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		h.logger.Error("dropping undecodable event", "error", err, "key", msg.Key)
		return nil
	}
	if msg.EventType != "" && msg.EventType != string(event.Type) {
		h.logger.Warn("event type header does not match payload", "header", msg.EventType, "type", event.Type, "event_id", event.ID)
	}

	to := event.Recipient
	if event.Audience == domain.AudienceAdmin {
		to = h.adminEmail
	}
	if to == "" {
		h.logger.Info("no recipient for event", "event_id", event.ID, "type", event.Type, "audience", event.Audience)
		return nil
	}

	mail, ok := compose(event)
	if !ok {
		h.logger.Warn("no template for event", "event_id", event.ID, "type", event.Type)
		return nil
	}
	mail.To = to

	h.logger.Info("processing order event", "event_id", event.ID, "type", event.Type, "order_id", event.OrderID)

	if err := h.sendEmail(ctx, mail); err != nil {
		if errors.Is(err, errRejected) {
			h.logger.Error("email rejected, skipping", "error", err, "event_id", event.ID, "order_id", event.OrderID)
			return nil
		}
		h.logger.Error("failed to send email", "error", err, "event_id", event.ID, "order_id", event.OrderID)
		return fmt.Errorf("send %s email: %w", event.Type, err)
	}

	h.logger.Info("notification sent", "event_id", event.ID, "order_id", event.OrderID, "audience", event.Audience)
	return nil
}

type email struct {
	To             string `json:"to"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func compose(ev domain.Event) (email, bool) {
	amount := formatAmount(ev.Amount)
	var subject, body string

	switch ev.Audience {
	case domain.AudienceAdmin:
		switch ev.Type {
		case domain.EventOrderPlaced:
			subject = "New order " + ev.OrderID
			body = fmt.Sprintf("A %s order %s for %s was placed (%s).", ev.OrderType, ev.OrderID, amount, ev.PaymentMethod)
		case domain.EventPaymentProofSubmitted:
			subject = "Payment proof to review: " + ev.OrderID
			body = fmt.Sprintf("Order %s has a payment proof awaiting verification.", ev.OrderID)
		case domain.EventOrderCancelled:
			subject = "Order cancelled: " + ev.OrderID
			body = fmt.Sprintf("Order %s was cancelled. Reason: %s", ev.OrderID, orNone(ev.Reason))
		default:
			return email{}, false
		}
	default:
		switch ev.Type {
		case domain.EventOrderPlaced:
			subject = "We received your order " + ev.OrderID
			body = fmt.Sprintf("Thanks for your order of %s.", amount)
			if ev.FulfillmentStatus == domain.StatusPendingVerification {
				body += " We will confirm it once your payment is verified."
			}
		case domain.EventPaymentVerified:
			subject = "Payment confirmed: " + ev.OrderID
			body = fmt.Sprintf("Your payment of %s was verified and your order is confirmed.", amount)
		case domain.EventPaymentRejected:
			subject = "Payment not accepted: " + ev.OrderID
			body = fmt.Sprintf("We could not verify your payment (%s). Please upload a new proof.", orNone(ev.Reason))
		case domain.EventOrderStatusUpdated:
			subject = "Order update: " + ev.OrderID
			body = fmt.Sprintf("Your order is now %s.", ev.FulfillmentStatus)
		case domain.EventOrderCancelled:
			subject = "Order cancelled: " + ev.OrderID
			body = fmt.Sprintf("Your order %s was cancelled. Reason: %s", ev.OrderID, orNone(ev.Reason))
		case domain.EventOrderConverted:
			subject = "Order added to your account"
			body = fmt.Sprintf("Order %s is now linked to your account.", ev.OrderID)
		default:
			return email{}, false
		}
	}

	return email{Subject: subject, Body: body, IdempotencyKey: ev.ID}, true
}

func formatAmount(minor int64) string {
	return fmt.Sprintf("%d.%02d", minor/100, minor%100)
}

func orNone(s string) string {
	if s == "" {
		return "none given"
	}
	return s
}

func (h *NotificationHandler) sendEmail(ctx context.Context, mail email) error {
	data, err := json.Marshal(mail)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.emailServiceURL+"/send", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: email service returned status %d", errRejected, resp.StatusCode)
	}
	return fmt.Errorf("email service returned status %d", resp.StatusCode)
}
