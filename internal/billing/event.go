package billing

import (
	"encoding/json"
	"errors"
	"fmt"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const (
	EventCheckoutCompleted     = "checkout.session.completed"
	EventSubscriptionCreated   = "customer.subscription.created"
	EventSubscriptionUpdated   = "customer.subscription.updated"
	EventSubscriptionDeleted   = "customer.subscription.deleted"
	EventInvoicePaymentFailed  = "invoice.payment_failed"
	EventInvoicePaymentSuccess = "invoice.payment_succeeded"
)

var (
	ErrInvalidSignature      = errors.New("invalid stripe signature")
	ErrWebhookSecretMissing  = errors.New("stripe webhook secret is not configured")
	errUnexpectedEventObject = errors.New("unexpected event object")
)

// Event is a verified Stripe webhook event. Object holds the raw data.object.
type Event struct {
	ID     string
	Type   string
	Object json.RawMessage
}

// CheckoutCompleted is the part of a checkout session the gateway reconciles.
type CheckoutCompleted struct {
	SessionID      string
	CustomerID     string
	SubscriptionID string
	Email          string
	Plan           string
}

// Invoice is the part of an invoice event the gateway logs.
type Invoice struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	AmountPaid     int64
	AmountDue      int64
}

// VerifyEvent checks the signature header and decodes the event envelope.
// Events signed for a different API version are accepted; only the fields
// the gateway reads are decoded.
func VerifyEvent(payload []byte, sigHeader, secret string) (Event, error) {
	if secret == "" {
		return Event{}, ErrWebhookSecretMissing
	}
	ev, err := webhook.ConstructEventWithOptions(payload, sigHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := Event{ID: ev.ID, Type: string(ev.Type)}
	if ev.Data != nil {
		out.Object = ev.Data.Raw
	}
	return out, nil
}

// CheckoutSession decodes a checkout.session.completed object. The email
// comes from the customer details, then the session's customer email, then
// metadata.
func (e Event) CheckoutSession() (CheckoutCompleted, error) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(e.Object, &sess); err != nil {
		return CheckoutCompleted{}, fmt.Errorf("decode checkout session: %w", err)
	}
	if sess.Object != "" && sess.Object != "checkout.session" {
		return CheckoutCompleted{}, fmt.Errorf("%w: %s", errUnexpectedEventObject, sess.Object)
	}

	out := CheckoutCompleted{
		SessionID: sess.ID,
		Plan:      sess.Metadata["plan"],
	}
	if sess.Customer != nil {
		out.CustomerID = sess.Customer.ID
	}
	if sess.Subscription != nil {
		out.SubscriptionID = sess.Subscription.ID
	}
	switch {
	case sess.CustomerDetails != nil && sess.CustomerDetails.Email != "":
		out.Email = sess.CustomerDetails.Email
	case sess.CustomerEmail != "":
		out.Email = sess.CustomerEmail
	default:
		out.Email = sess.Metadata["email"]
	}
	return out, nil
}

// Subscription decodes a customer.subscription.* object. The period end is
// the latest item period end, or the top-level current_period_end that
// older API versions send.
func (e Event) Subscription() (Subscription, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(e.Object, &sub); err != nil {
		return Subscription{}, fmt.Errorf("decode subscription: %w", err)
	}
	if sub.Object != "" && sub.Object != "subscription" {
		return Subscription{}, fmt.Errorf("%w: %s", errUnexpectedEventObject, sub.Object)
	}

	var legacy struct {
		CurrentPeriodEnd int64 `json:"current_period_end"`
	}
	if err := json.Unmarshal(e.Object, &legacy); err != nil {
		return Subscription{}, fmt.Errorf("decode subscription period: %w", err)
	}
	return *fromStripeSubscription(&sub, legacy.CurrentPeriodEnd), nil
}

// Invoice decodes an invoice.* object. The subscription id is read from the
// parent details newer API versions send, or the top-level field.
func (e Event) Invoice() (Invoice, error) {
	var inv struct {
		ID           string          `json:"id"`
		Customer     json.RawMessage `json:"customer"`
		AmountPaid   int64           `json:"amount_paid"`
		AmountDue    int64           `json:"amount_due"`
		Subscription json.RawMessage `json:"subscription"`
		Parent       *struct {
			SubscriptionDetails *struct {
				Subscription json.RawMessage `json:"subscription"`
			} `json:"subscription_details"`
		} `json:"parent"`
	}
	if err := json.Unmarshal(e.Object, &inv); err != nil {
		return Invoice{}, fmt.Errorf("decode invoice: %w", err)
	}

	out := Invoice{
		ID:         inv.ID,
		CustomerID: expandableID(inv.Customer),
		AmountPaid: inv.AmountPaid,
		AmountDue:  inv.AmountDue,
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		out.SubscriptionID = expandableID(inv.Parent.SubscriptionDetails.Subscription)
	}
	if out.SubscriptionID == "" {
		out.SubscriptionID = expandableID(inv.Subscription)
	}
	return out, nil
}

// expandableID reads a Stripe expandable field, which is either an id string
// or an object with an id.
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}
