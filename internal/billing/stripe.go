package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/billingportal/session"
	checksession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"
)

// CustomerSource tags customers created by the gateway.
const CustomerSource = "gpt_paywall"

var ErrNotConfigured = errors.New("stripe is not configured")

type Config struct {
	SecretKey     string
	WebhookSecret string
	PriceID       string
	SuccessURL    string
	CancelURL     string
	ReturnURL     string
	Timeout       time.Duration
}

type Customer struct {
	ID    string
	Email string
}

type Subscription struct {
	ID               string
	CustomerID       string
	Status           string
	CurrentPeriodEnd *time.Time
}

type CheckoutSession struct {
	ID  string
	URL string
}

type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	stripe.Key = cfg.SecretKey
	return &Client{cfg: cfg}
}

func (c *Client) call(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if c.cfg.SecretKey == "" {
		return nil, nil, ErrNotConfigured
	}
	if c.cfg.Timeout <= 0 {
		ctx, cancel := context.WithCancel(ctx)
		return ctx, cancel, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	return ctx, cancel, nil
}

// FindCustomerByEmail returns the first Stripe customer with the email, or nil.
func (c *Client) FindCustomerByEmail(ctx context.Context, email string) (*Customer, error) {
	ctx, cancel, err := c.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Context = ctx
	params.Limit = stripe.Int64(1)

	iter := customer.List(params)
	if iter.Next() {
		cust := iter.Customer()
		return &Customer{ID: cust.ID, Email: cust.Email}, nil
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list stripe customers: %w", err)
	}
	return nil, nil
}

// CreateCustomer creates a Stripe customer tagged with the gateway source.
func (c *Client) CreateCustomer(ctx context.Context, email string) (*Customer, error) {
	ctx, cancel, err := c.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	params := &stripe.CustomerParams{Email: stripe.String(email)}
	params.Context = ctx
	params.AddMetadata("source", CustomerSource)

	cust, err := customer.New(params)
	if err != nil {
		return nil, fmt.Errorf("create stripe customer: %w", err)
	}
	return &Customer{ID: cust.ID, Email: cust.Email}, nil
}

func (c *Client) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	ctx, cancel, err := c.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	params := &stripe.CustomerParams{}
	params.Context = ctx
	cust, err := customer.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("get stripe customer: %w", err)
	}
	return &Customer{ID: cust.ID, Email: cust.Email}, nil
}

func (c *Client) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	ctx, cancel, err := c.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := subscription.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("get stripe subscription: %w", err)
	}
	return fromStripeSubscription(sub, 0), nil
}

// CreateCheckoutSession starts a subscription checkout for the customer. The
// email and plan travel in the session metadata.
func (c *Client) CreateCheckoutSession(ctx context.Context, customerID, email, plan string) (*CheckoutSession, error) {
	ctx, cancel, err := c.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	params := &stripe.CheckoutSessionParams{
		Customer: stripe.String(customerID),
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(c.cfg.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(SuccessURL(c.cfg.SuccessURL)),
		CancelURL:  stripe.String(c.cfg.CancelURL),
	}
	params.Context = ctx
	params.AddMetadata("email", email)
	params.AddMetadata("plan", plan)

	sess, err := checksession.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

// CreatePortalSession returns the URL of a billing portal session.
func (c *Client) CreatePortalSession(ctx context.Context, customerID string) (string, error) {
	ctx, cancel, err := c.call(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()

	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(c.cfg.ReturnURL),
	}
	params.Context = ctx
	sess, err := session.New(params)
	if err != nil {
		return "", fmt.Errorf("create billing portal session: %w", err)
	}
	return sess.URL, nil
}

// ConstructEvent verifies the Stripe-Signature header against the webhook secret.
func (c *Client) ConstructEvent(payload []byte, sigHeader string) (Event, error) {
	return VerifyEvent(payload, sigHeader, c.cfg.WebhookSecret)
}

// SuccessURL appends the checkout session placeholder Stripe fills in on redirect.
func SuccessURL(base string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "session_id={CHECKOUT_SESSION_ID}"
}

func fromStripeSubscription(sub *stripe.Subscription, fallbackEnd int64) *Subscription {
	s := &Subscription{
		ID:     sub.ID,
		Status: string(sub.Status),
	}
	if sub.Customer != nil {
		s.CustomerID = sub.Customer.ID
	}

	end := fallbackEnd
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.CurrentPeriodEnd > end {
				end = item.CurrentPeriodEnd
			}
		}
	}
	if end > 0 {
		t := time.Unix(end, 0).UTC()
		s.CurrentPeriodEnd = &t
	}
	return s
}
