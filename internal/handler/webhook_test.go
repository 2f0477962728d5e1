package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukerupert/gptpaywall/internal/billing"
	"github.com/dukerupert/gptpaywall/internal/directory"
	"github.com/dukerupert/gptpaywall/internal/model"
)

var periodEnd = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

func postWebhook(h *BillingHandler, payload []byte, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/billing/webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", sig)
	rec := httptest.NewRecorder()
	h.Webhook(rec, req)
	return rec
}

const checkoutObject = `{"id":"cs_1","object":"checkout.session","customer":"cus_1","subscription":"sub_1",
	"customer_details":{"email":"buyer@example.com"},"metadata":{"email":"buyer@example.com","plan":"pro"}}`

func TestWebhookCheckoutCompletedActivates(t *testing.T) {
	h, fb, dir, notify := setupBilling(t)
	fb.addCustomer("cus_1", "Buyer@Example.com")
	fb.subscriptions["sub_1"] = &billing.Subscription{ID: "sub_1", CustomerID: "cus_1", Status: "active", CurrentPeriodEnd: &periodEnd}
	seedUser(t, dir, model.NewUser{Email: "buyer@example.com", Plan: "pro"})

	payload, sig := signedEvent(t, "evt_1", billing.EventCheckoutCompleted, checkoutObject)
	rec := postWebhook(h, payload, sig)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body)
	}
	var body map[string]bool
	json.NewDecoder(rec.Body).Decode(&body)
	if !body["received"] {
		t.Errorf("body = %v, want received:true", body)
	}

	u := mustFind(t, dir, "buyer@example.com")
	if u.Status != model.StatusActive {
		t.Errorf("status = %q, want active", u.Status)
	}
	if u.SubscriptionID == nil || *u.SubscriptionID != "sub_1" {
		t.Errorf("subscription id = %v, want sub_1", u.SubscriptionID)
	}
	if u.StripeCustomerID == nil || *u.StripeCustomerID != "cus_1" {
		t.Errorf("customer id = %v, want cus_1", u.StripeCustomerID)
	}
	if u.CurrentPeriodEnd == nil || !u.CurrentPeriodEnd.Equal(periodEnd) {
		t.Errorf("period end = %v, want %v", u.CurrentPeriodEnd, periodEnd)
	}
	if !u.HasAccess(periodEnd.Add(-time.Hour)) {
		t.Error("expected access before period end")
	}
	if got := notify.list(); len(got) != 1 || got[0] != "updated" {
		t.Errorf("notifications = %v, want [updated]", got)
	}
}

func TestWebhookCheckoutUnknownEmail(t *testing.T) {
	h, fb, dir, _ := setupBilling(t)
	fb.addCustomer("cus_1", "buyer@example.com")
	fb.subscriptions["sub_1"] = &billing.Subscription{ID: "sub_1", CustomerID: "cus_1", Status: "active", CurrentPeriodEnd: &periodEnd}

	payload, sig := signedEvent(t, "evt_1", billing.EventCheckoutCompleted, checkoutObject)
	event, err := h.billing.ConstructEvent(payload, sig)
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	outcome, err := h.Reconcile(context.Background(), event)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if outcome != outcomeNoRecord {
		t.Errorf("outcome = %q, want %q", outcome, outcomeNoRecord)
	}
	users, _ := dir.List(context.Background(), directory.Query{})
	if len(users) != 0 {
		t.Errorf("expected no record to be created, got %d", len(users))
	}
}

func TestWebhookBadSignatureTouchesNothing(t *testing.T) {
	h, fb, dir, notify := setupBilling(t)
	seedUser(t, dir, model.NewUser{Email: "buyer@example.com"})

	payload, sig := signedEvent(t, "evt_1", billing.EventCheckoutCompleted, checkoutObject)
	tampered := bytes.Replace(payload, []byte("sub_1"), []byte("sub_2"), 1)

	tests := []struct {
		name    string
		payload []byte
		sig     string
	}{
		{"tampered body", tampered, sig},
		{"missing header", payload, ""},
		{"garbage header", payload, "t=1,v1=deadbeef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postWebhook(h, tt.payload, tt.sig)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			var body map[string]string
			json.NewDecoder(rec.Body).Decode(&body)
			if body["error"] != "Invalid webhook signature" {
				t.Errorf("error = %q", body["error"])
			}
		})
	}

	if fb.callCount() != 0 {
		t.Errorf("billing calls = %v, want none", fb.calls)
	}
	if u := mustFind(t, dir, "buyer@example.com"); u.Status != model.StatusPending {
		t.Errorf("status = %q, want pending", u.Status)
	}
	if len(notify.list()) != 0 {
		t.Errorf("notifications = %v, want none", notify.list())
	}
}

func TestWebhookMissingSecret(t *testing.T) {
	h, fb, _, _ := setupBilling(t)
	payload, sig := signedEvent(t, "evt_1", billing.EventCheckoutCompleted, checkoutObject)
	fb.secret = ""

	rec := postWebhook(h, payload, sig)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestWebhookSubscriptionChanged(t *testing.T) {
	canceledObject := `{"id":"sub_1","object":"subscription","status":"canceled","customer":"cus_1"}`
	pastDueObject := `{"id":"sub_1","object":"subscription","status":"past_due","customer":"cus_1",
		"items":{"object":"list","data":[{"id":"si_1","object":"subscription_item","current_period_end":1769904000}]}}`

	tests := []struct {
		name       string
		eventType  string
		object     string
		storedCust bool
		wantStatus string
		wantEnd    *time.Time
	}{
		{"deleted by customer id", billing.EventSubscriptionDeleted, canceledObject, true, "canceled", nil},
		{"updated by customer id", billing.EventSubscriptionUpdated, pastDueObject, true, "past_due", &periodEnd},
		{"updated by email fallback", billing.EventSubscriptionUpdated, pastDueObject, false, "past_due", &periodEnd},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, fb, dir, _ := setupBilling(t)
			fb.addCustomer("cus_1", "sub@example.com")

			nu := model.NewUser{Email: "Sub@Example.com", Plan: "premium", Status: model.StatusActive}
			if tt.storedCust {
				nu.StripeCustomerID = strPtr("cus_1")
			}
			u := seedUser(t, dir, nu)
			later := periodEnd.Add(30 * 24 * time.Hour)
			dir.Update(context.Background(), u.ID, model.UserPatch{CurrentPeriodEnd: &later})

			payload, sig := signedEvent(t, "evt_2", tt.eventType, tt.object)
			rec := postWebhook(h, payload, sig)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body)
			}

			got := mustFind(t, dir, "sub@example.com")
			if got.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", got.Status, tt.wantStatus)
			}
			switch {
			case tt.wantEnd == nil && got.CurrentPeriodEnd != nil:
				t.Errorf("period end = %v, want nil", got.CurrentPeriodEnd)
			case tt.wantEnd != nil && (got.CurrentPeriodEnd == nil || !got.CurrentPeriodEnd.Equal(*tt.wantEnd)):
				t.Errorf("period end = %v, want %v", got.CurrentPeriodEnd, tt.wantEnd)
			}
			if got.StripeCustomerID == nil || *got.StripeCustomerID != "cus_1" {
				t.Errorf("customer id = %v, want cus_1", got.StripeCustomerID)
			}
			if got.ID != u.ID || got.Email != "Sub@Example.com" || got.Plan != "premium" {
				t.Errorf("id/email/plan = %s/%q/%q, want %s/%q/%q", got.ID, got.Email, got.Plan, u.ID, "Sub@Example.com", "premium")
			}
			if got.HasAccess(time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)) {
				t.Error("non-active subscription must not grant access")
			}
		})
	}
}

func TestWebhookSubscriptionUnknownCustomer(t *testing.T) {
	h, fb, dir, _ := setupBilling(t)
	fb.addCustomer("cus_9", "ghost@example.com")
	seedUser(t, dir, model.NewUser{Email: "other@example.com"})

	payload, sig := signedEvent(t, "evt_3", billing.EventSubscriptionDeleted,
		`{"id":"sub_9","object":"subscription","status":"canceled","customer":"cus_9"}`)
	rec := postWebhook(h, payload, sig)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if u := mustFind(t, dir, "other@example.com"); u.Status != model.StatusPending {
		t.Errorf("unrelated record changed: status = %q", u.Status)
	}
}

func TestWebhookDirectoryFailureAnswers500(t *testing.T) {
	h, fb, dir, _ := setupBilling(t)
	fb.addCustomer("cus_1", "sub@example.com")
	seedUser(t, dir, model.NewUser{Email: "sub@example.com", StripeCustomerID: strPtr("cus_1")})
	dir.updateErr = errDirectoryDown

	payload, sig := signedEvent(t, "evt_4", billing.EventSubscriptionDeleted,
		`{"id":"sub_1","object":"subscription","status":"canceled","customer":"cus_1"}`)
	rec := postWebhook(h, payload, sig)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var body map[string]string
	json.NewDecoder(rec.Body).Decode(&body)
	if body["error"] != "Webhook processing failed" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestWebhookProviderFailureAnswers500(t *testing.T) {
	h, fb, dir, _ := setupBilling(t)
	seedUser(t, dir, model.NewUser{Email: "buyer@example.com"})
	fb.err = errDirectoryDown

	payload, sig := signedEvent(t, "evt_5", billing.EventCheckoutCompleted, checkoutObject)
	if rec := postWebhook(h, payload, sig); rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if u := mustFind(t, dir, "buyer@example.com"); u.Status != model.StatusPending {
		t.Errorf("status = %q, want pending", u.Status)
	}
}

func TestWebhookIgnoredEvents(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		object    string
	}{
		{"unhandled type", "customer.created", `{"id":"cus_1","object":"customer"}`},
		{"payment failed", billing.EventInvoicePaymentFailed, `{"id":"in_1","object":"invoice","customer":"cus_1","amount_due":2900}`},
		{"checkout without subscription", billing.EventCheckoutCompleted, `{"id":"cs_2","object":"checkout.session","customer":"cus_1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, fb, _, _ := setupBilling(t)
			payload, sig := signedEvent(t, "evt_6", tt.eventType, tt.object)
			event, err := h.billing.ConstructEvent(payload, sig)
			if err != nil {
				t.Fatalf("construct: %v", err)
			}
			outcome, err := h.Reconcile(context.Background(), event)
			if err != nil {
				t.Fatalf("reconcile: %v", err)
			}
			if outcome != outcomeIgnored {
				t.Errorf("outcome = %q, want %q", outcome, outcomeIgnored)
			}
			if fb.callCount() != 0 {
				t.Errorf("billing calls = %v, want none", fb.calls)
			}
		})
	}
}
