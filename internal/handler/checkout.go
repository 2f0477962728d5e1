package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/gptpaywall/internal/apperr"
	"github.com/dukerupert/gptpaywall/internal/billing"
	"github.com/dukerupert/gptpaywall/internal/directory"
	"github.com/dukerupert/gptpaywall/internal/metrics"
	"github.com/dukerupert/gptpaywall/internal/model"
)

// BillingProvider is the subset of the Stripe client the billing handlers use.
type BillingProvider interface {
	FindCustomerByEmail(ctx context.Context, email string) (*billing.Customer, error)
	CreateCustomer(ctx context.Context, email string) (*billing.Customer, error)
	GetCustomer(ctx context.Context, id string) (*billing.Customer, error)
	GetSubscription(ctx context.Context, id string) (*billing.Subscription, error)
	CreateCheckoutSession(ctx context.Context, customerID, email, plan string) (*billing.CheckoutSession, error)
	CreatePortalSession(ctx context.Context, customerID string) (string, error)
	ConstructEvent(payload []byte, sigHeader string) (billing.Event, error)
}

type CheckoutResult struct {
	SessionID   string `json:"session_id"`
	CheckoutURL string `json:"checkout_url"`
}

// BillingHandler serves checkout, portal and webhook routes.
type BillingHandler struct {
	base
	billing BillingProvider
	dir     directory.Directory
	notify  Notifier
	metrics *metrics.Collector
}

func NewBillingHandler(bp BillingProvider, dir directory.Directory, notify Notifier, m *metrics.Collector, logger *slog.Logger, debug bool) *BillingHandler {
	return &BillingHandler{
		base:    base{logger: logger, debug: debug},
		billing: bp,
		dir:     dir,
		notify:  notifierOrNop(notify),
		metrics: m,
	}
}

// CreateCheckout finds or creates the Stripe customer for email and opens a
// subscription checkout session. The directory write that follows is
// advisory: it records the customer id early, but the webhook is what
// grants access, so a failure here is logged and the session still returned.
func (h *BillingHandler) CreateCheckout(ctx context.Context, email, plan string) (CheckoutResult, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return CheckoutResult{}, apperr.New(apperr.BadRequest, "Email is required")
	}
	if plan == "" {
		plan = model.PlanPro
	}

	cust, err := h.billing.FindCustomerByEmail(ctx, email)
	if err != nil {
		return CheckoutResult{}, billingErr("Failed to create checkout session", err)
	}
	if cust == nil {
		cust, err = h.billing.CreateCustomer(ctx, email)
		if err != nil {
			return CheckoutResult{}, billingErr("Failed to create checkout session", err)
		}
	}

	sess, err := h.billing.CreateCheckoutSession(ctx, cust.ID, email, plan)
	if err != nil {
		return CheckoutResult{}, billingErr("Failed to create checkout session", err)
	}

	customerID := cust.ID
	u, created, err := directory.UpsertByEmail(ctx, h.dir,
		model.NewUser{Email: email, Plan: plan, Status: model.StatusPending, StripeCustomerID: &customerID},
		model.UserPatch{StripeCustomerID: &customerID},
	)
	if err != nil {
		h.metrics.DirectoryError("checkout_upsert")
		h.logger.Warn("record checkout in directory", "customer", customerID, "error", err)
	} else {
		h.notify.UserChanged(upsertAction(created), u.ID, map[string]any{"source": "checkout"})
	}

	return CheckoutResult{SessionID: sess.ID, CheckoutURL: sess.URL}, nil
}

// CreatePortal returns a billing portal URL for the customer with email.
func (h *BillingHandler) CreatePortal(ctx context.Context, email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", apperr.New(apperr.BadRequest, "Email is required")
	}

	cust, err := h.billing.FindCustomerByEmail(ctx, email)
	if err != nil {
		return "", billingErr("Failed to create portal session", err)
	}
	if cust == nil {
		return "", apperr.New(apperr.NotFound, "No subscription found for this email")
	}

	url, err := h.billing.CreatePortalSession(ctx, cust.ID)
	if err != nil {
		return "", billingErr("Failed to create portal session", err)
	}
	return url, nil
}

// Checkout handles POST /billing/checkout-session.
func (h *BillingHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Plan  string `json:"plan"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.CreateCheckout(r.Context(), req.Email, req.Plan)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Portal handles POST /billing/portal-session.
func (h *BillingHandler) Portal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	url, err := h.CreatePortal(r.Context(), req.Email)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"portal_url": url})
}

// billingErr classifies a Stripe client error.
func billingErr(msg string, err error) error {
	if errors.Is(err, billing.ErrNotConfigured) {
		return apperr.Wrap(apperr.ServerMisconfigured, "Server configuration error", err)
	}
	return apperr.Wrap(apperr.Upstream, msg, err)
}

func upsertAction(created bool) string {
	if created {
		return "created"
	}
	return "updated"
}
