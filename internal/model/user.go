package model

import (
	"strings"
	"time"
)

const (
	PlanFree = "free"
	PlanPro  = "pro"

	StatusPending  = "pending"
	StatusActive   = "active"
	StatusCanceled = "canceled"
)

// User is a subscriber record held in the directory store.
type User struct {
	ID               string         `json:"id"`
	Email            string         `json:"email"`
	Plan             string         `json:"plan"`
	Status           string         `json:"status"`
	StripeCustomerID *string        `json:"stripe_customer_id"`
	SubscriptionID   *string        `json:"subscription_id"`
	CurrentPeriodEnd *time.Time     `json:"current_period_end"`
	CustomFields     map[string]any `json:"custom_fields,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// HasAccess reports whether the user holds an active subscription whose
// period ends after now.
func (u *User) HasAccess(now time.Time) bool {
	if u == nil {
		return false
	}
	return u.Status == StatusActive && u.CurrentPeriodEnd != nil && u.CurrentPeriodEnd.After(now)
}

// NormalizeEmail trims and lowercases an email for use as a lookup key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NewUser holds the fields for creating a directory record.
type NewUser struct {
	Email            string
	Plan             string
	Status           string
	StripeCustomerID *string
	CustomFields     map[string]any
}

// UserPatch lists field changes for a directory record. Nil fields are left
// unchanged. UpdatedAt is always refreshed by the store.
type UserPatch struct {
	Plan                  *string
	Status                *string
	StripeCustomerID      *string
	SubscriptionID        *string
	CurrentPeriodEnd      *time.Time
	ClearCurrentPeriodEnd bool
	CustomFields          map[string]any
}

// Empty reports whether the patch changes nothing beyond UpdatedAt.
func (p UserPatch) Empty() bool {
	return p.Plan == nil && p.Status == nil && p.StripeCustomerID == nil &&
		p.SubscriptionID == nil && p.CurrentPeriodEnd == nil &&
		!p.ClearCurrentPeriodEnd && len(p.CustomFields) == 0
}
