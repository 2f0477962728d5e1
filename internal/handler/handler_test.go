package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/gptpaywall/internal/billing"
	"github.com/dukerupert/gptpaywall/internal/database"
	"github.com/dukerupert/gptpaywall/internal/directory"
	"github.com/dukerupert/gptpaywall/internal/model"
	"github.com/stripe/stripe-go/v82/webhook"
)

const testWebhookSecret = "whsec_test"

var testLogger = slog.New(slog.DiscardHandler)

// setupDir returns an in-memory SQLite directory whose clock advances one
// second per write.
func setupDir(t *testing.T) *directory.SQLiteStore {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return directory.NewSQLiteStore(db, directory.WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	}))
}

func seedUser(t *testing.T, d directory.Directory, nu model.NewUser) *model.User {
	t.Helper()
	u, err := d.Create(context.Background(), nu)
	if err != nil {
		t.Fatalf("seed %s: %v", nu.Email, err)
	}
	return u
}

func mustFind(t *testing.T, d directory.Directory, email string) *model.User {
	t.Helper()
	u, err := directory.FindByEmail(context.Background(), d, email)
	if err != nil {
		t.Fatalf("find %s: %v", email, err)
	}
	if u == nil {
		t.Fatalf("no record for %s", email)
	}
	return u
}

func strPtr(s string) *string { return &s }

// fakeBilling is an in-memory BillingProvider.
type fakeBilling struct {
	mu            sync.Mutex
	customers     map[string]*billing.Customer // by id
	subscriptions map[string]*billing.Subscription
	secret        string
	err           error
	calls         []string
}

func newFakeBilling() *fakeBilling {
	return &fakeBilling{
		customers:     map[string]*billing.Customer{},
		subscriptions: map[string]*billing.Subscription{},
		secret:        testWebhookSecret,
	}
}

func (f *fakeBilling) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeBilling) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeBilling) addCustomer(id, email string) {
	f.customers[id] = &billing.Customer{ID: id, Email: email}
}

func (f *fakeBilling) FindCustomerByEmail(ctx context.Context, email string) (*billing.Customer, error) {
	if err := f.record("find_customer"); err != nil {
		return nil, err
	}
	for _, c := range f.customers {
		if strings.EqualFold(c.Email, email) {
			return c, nil
		}
	}
	return nil, nil
}

func (f *fakeBilling) CreateCustomer(ctx context.Context, email string) (*billing.Customer, error) {
	if err := f.record("create_customer"); err != nil {
		return nil, err
	}
	id := fmt.Sprintf("cus_%d", len(f.customers)+1)
	f.addCustomer(id, email)
	return f.customers[id], nil
}

func (f *fakeBilling) GetCustomer(ctx context.Context, id string) (*billing.Customer, error) {
	if err := f.record("get_customer"); err != nil {
		return nil, err
	}
	c, ok := f.customers[id]
	if !ok {
		return nil, errors.New("no such customer")
	}
	return c, nil
}

func (f *fakeBilling) GetSubscription(ctx context.Context, id string) (*billing.Subscription, error) {
	if err := f.record("get_subscription"); err != nil {
		return nil, err
	}
	s, ok := f.subscriptions[id]
	if !ok {
		return nil, errors.New("no such subscription")
	}
	return s, nil
}

func (f *fakeBilling) CreateCheckoutSession(ctx context.Context, customerID, email, plan string) (*billing.CheckoutSession, error) {
	if err := f.record("checkout"); err != nil {
		return nil, err
	}
	return &billing.CheckoutSession{ID: "cs_" + customerID, URL: "https://checkout.stripe.com/c/pay/cs_" + customerID}, nil
}

func (f *fakeBilling) CreatePortalSession(ctx context.Context, customerID string) (string, error) {
	if err := f.record("portal"); err != nil {
		return "", err
	}
	return "https://billing.stripe.com/p/session/" + customerID, nil
}

func (f *fakeBilling) ConstructEvent(payload []byte, sigHeader string) (billing.Event, error) {
	return billing.VerifyEvent(payload, sigHeader, f.secret)
}

// faultyDir fails selected operations of the wrapped directory.
type faultyDir struct {
	directory.Directory
	findErr   error
	updateErr error
	// failID makes Update and Delete fail for one record only.
	failID string
}

var errDirectoryDown = errors.New("directory unavailable")

func (d *faultyDir) Find(ctx context.Context, f directory.Filter) (*model.User, error) {
	if d.findErr != nil {
		return nil, d.findErr
	}
	return d.Directory.Find(ctx, f)
}

func (d *faultyDir) Update(ctx context.Context, id string, p model.UserPatch) (*model.User, error) {
	if d.updateErr != nil || id == d.failID {
		return nil, errDirectoryDown
	}
	return d.Directory.Update(ctx, id, p)
}

func (d *faultyDir) Delete(ctx context.Context, id string) error {
	if id == d.failID {
		return errDirectoryDown
	}
	return d.Directory.Delete(ctx, id)
}

// recordingNotifier collects change notifications.
type recordingNotifier struct {
	mu      sync.Mutex
	actions []string
}

func (n *recordingNotifier) UserChanged(action, id string, extra map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.actions = append(n.actions, action)
}

func (n *recordingNotifier) list() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.actions...)
}

// signedEvent builds a webhook body and matching Stripe-Signature header.
func signedEvent(t *testing.T, id, eventType, object string) ([]byte, string) {
	t.Helper()
	payload := fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"data":{"object":%s}}`, id, eventType, object)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: []byte(payload),
		Secret:  testWebhookSecret,
	})
	return signed.Payload, signed.Header
}
