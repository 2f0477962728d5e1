package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/dukerupert/gptpaywall/internal/apperr"
	"github.com/dukerupert/gptpaywall/internal/billing"
	"github.com/dukerupert/gptpaywall/internal/directory"
	"github.com/dukerupert/gptpaywall/internal/model"
)

const maxWebhookBody = 64 << 10

// Webhook reconciliation outcomes, as counted in metrics.
const (
	outcomeApplied  = "applied"
	outcomeNoRecord = "no_record"
	outcomeIgnored  = "ignored"
	outcomeError    = "error"
)

// Webhook handles POST /billing/webhook. The signature is checked before
// anything else is touched; a reconciliation failure answers 500 so Stripe
// retries the event.
func (h *BillingHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.fail(w, r, apperr.Wrap(apperr.BadRequest, "Unable to read request body", err))
		return
	}

	event, err := h.billing.ConstructEvent(body, r.Header.Get("Stripe-Signature"))
	if errors.Is(err, billing.ErrWebhookSecretMissing) {
		h.fail(w, r, apperr.Wrap(apperr.ServerMisconfigured, "Server configuration error", err))
		return
	}
	if err != nil {
		h.logger.Warn("webhook signature verification failed", "error", err)
		h.fail(w, r, apperr.Wrap(apperr.InvalidSignature, "Invalid webhook signature", err))
		return
	}

	outcome, err := h.Reconcile(r.Context(), event)
	if err != nil {
		h.metrics.WebhookEvent(event.Type, outcomeError)
		h.fail(w, r, apperr.Wrap(apperr.Upstream, "Webhook processing failed", err))
		return
	}
	h.metrics.WebhookEvent(event.Type, outcome)
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// Reconcile applies a verified event to the directory and reports the
// outcome. It is the only path that grants or revokes access.
func (h *BillingHandler) Reconcile(ctx context.Context, event billing.Event) (string, error) {
	logger := h.logger.With("event_id", event.ID, "event_type", event.Type)

	switch event.Type {
	case billing.EventCheckoutCompleted:
		return h.checkoutCompleted(ctx, event)
	case billing.EventSubscriptionUpdated, billing.EventSubscriptionDeleted:
		return h.subscriptionChanged(ctx, event)
	case billing.EventInvoicePaymentFailed:
		if inv, err := event.Invoice(); err == nil {
			logger.Warn("invoice payment failed",
				"customer", inv.CustomerID,
				"subscription", inv.SubscriptionID,
				"amount_due", inv.AmountDue,
			)
		}
		return outcomeIgnored, nil
	default:
		logger.Debug("unhandled webhook event")
		return outcomeIgnored, nil
	}
}

func (h *BillingHandler) checkoutCompleted(ctx context.Context, event billing.Event) (string, error) {
	sess, err := event.CheckoutSession()
	if err != nil {
		return "", err
	}
	if sess.SubscriptionID == "" {
		h.logger.Warn("checkout session has no subscription", "session", sess.SessionID)
		return outcomeIgnored, nil
	}

	cust := &billing.Customer{Email: sess.Email}
	if sess.CustomerID != "" {
		cust, err = h.billing.GetCustomer(ctx, sess.CustomerID)
		if err != nil {
			return "", err
		}
	}
	sub, err := h.billing.GetSubscription(ctx, sess.SubscriptionID)
	if err != nil {
		return "", err
	}

	email := cust.Email
	if email == "" {
		email = sess.Email
	}
	u, err := directory.FindByEmail(ctx, h.dir, email)
	if err != nil {
		return "", err
	}
	if u == nil {
		// Checkout through a link the gateway did not issue; nothing to activate.
		h.logger.Warn("checkout completed for unknown email",
			"session", sess.SessionID,
			"customer", cust.ID,
		)
		return outcomeNoRecord, nil
	}

	status := model.StatusActive
	patch := model.UserPatch{
		Status:         &status,
		SubscriptionID: &sub.ID,
	}
	if cust.ID != "" {
		patch.StripeCustomerID = &cust.ID
	}
	setPeriodEnd(&patch, sub)
	return h.apply(ctx, u, patch, event.Type)
}

func (h *BillingHandler) subscriptionChanged(ctx context.Context, event billing.Event) (string, error) {
	sub, err := event.Subscription()
	if err != nil {
		return "", err
	}
	if sub.CustomerID == "" {
		h.logger.Warn("subscription event without customer", "subscription", sub.ID)
		return outcomeIgnored, nil
	}

	u, err := h.dir.Find(ctx, directory.Filter{StripeCustomerID: sub.CustomerID})
	if err != nil {
		return "", err
	}

	patch := model.UserPatch{Status: &sub.Status}
	setPeriodEnd(&patch, &sub)

	if u == nil {
		// Record created before the customer id was stored: match by email
		// and store the id so later events find it directly.
		cust, err := h.billing.GetCustomer(ctx, sub.CustomerID)
		if err != nil {
			return "", err
		}
		if cust.Email != "" {
			u, err = directory.FindByEmail(ctx, h.dir, cust.Email)
			if err != nil {
				return "", err
			}
		}
		if u == nil {
			h.logger.Warn("subscription event for unknown customer",
				"customer", sub.CustomerID,
				"subscription", sub.ID,
			)
			return outcomeNoRecord, nil
		}
		patch.StripeCustomerID = &sub.CustomerID
	}
	return h.apply(ctx, u, patch, event.Type)
}

func (h *BillingHandler) apply(ctx context.Context, u *model.User, patch model.UserPatch, eventType string) (string, error) {
	updated, err := h.dir.Update(ctx, u.ID, patch)
	if errors.Is(err, directory.ErrNotFound) {
		h.logger.Warn("directory record vanished during reconciliation", "id", u.ID)
		return outcomeNoRecord, nil
	}
	if err != nil {
		return "", err
	}

	h.logger.Info("subscription reconciled",
		"id", updated.ID,
		"status", updated.Status,
		"event_type", eventType,
	)
	h.notify.UserChanged("updated", updated.ID, map[string]any{
		"status": updated.Status,
		"source": eventType,
	})
	return outcomeApplied, nil
}

// setPeriodEnd copies the subscription period end into patch, clearing it
// when the subscription carries none.
func setPeriodEnd(patch *model.UserPatch, sub *billing.Subscription) {
	if sub.CurrentPeriodEnd != nil {
		patch.CurrentPeriodEnd = sub.CurrentPeriodEnd
		return
	}
	patch.ClearCurrentPeriodEnd = true
}
