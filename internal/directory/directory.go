// Package directory reads and writes subscriber records in the external
// directory store. Lookups go through typed Filter predicates; no backend
// accepts query text from callers.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/gptpaywall/internal/model"
)

var (
	// ErrConflict is returned by Create when a record with the same
	// normalized email already exists.
	ErrConflict = errors.New("directory: record already exists")

	// ErrNotFound is returned by Update and Delete for an unknown record id.
	ErrNotFound = errors.New("directory: record not found")
)

// Filter selects records. Zero-valued fields are ignored; set fields are
// combined with AND.
type Filter struct {
	// Email matches case-insensitively after normalization.
	Email            string
	StripeCustomerID string
	Status           string
	Plan             string
	CreatedAfter     *time.Time
	CreatedBefore    *time.Time
}

// Query is a filtered listing. Results are ordered by creation time,
// newest first.
type Query struct {
	Filter
	Offset int
	// Limit caps the number of records returned; zero means no cap.
	Limit int
}

// Directory is the store of subscriber records.
type Directory interface {
	// Find returns the first record matching f, or nil when none does.
	Find(ctx context.Context, f Filter) (*model.User, error)
	List(ctx context.Context, q Query) ([]model.User, error)
	Create(ctx context.Context, u model.NewUser) (*model.User, error)
	Update(ctx context.Context, id string, p model.UserPatch) (*model.User, error)
	Delete(ctx context.Context, id string) error
}

// FindByEmail looks up a record by normalized email. An empty email matches
// nothing.
func FindByEmail(ctx context.Context, d Directory, email string) (*model.User, error) {
	email = model.NormalizeEmail(email)
	if email == "" {
		return nil, nil
	}
	return d.Find(ctx, Filter{Email: email})
}

const upsertAttempts = 3

// UpsertByEmail updates the record for nu.Email with patch, creating it from
// nu when absent. A create that loses a race to a concurrent create is
// retried as an update. The returned bool reports whether a record was
// created.
func UpsertByEmail(ctx context.Context, d Directory, nu model.NewUser, patch model.UserPatch) (*model.User, bool, error) {
	nu.Email = model.NormalizeEmail(nu.Email)
	if nu.Email == "" {
		return nil, false, errors.New("directory: email is required")
	}

	for attempt := 0; attempt < upsertAttempts; attempt++ {
		existing, err := FindByEmail(ctx, d, nu.Email)
		if err != nil {
			return nil, false, fmt.Errorf("find user: %w", err)
		}

		if existing != nil {
			u, err := d.Update(ctx, existing.ID, patch)
			if errors.Is(err, ErrNotFound) {
				// Deleted between find and update.
				continue
			}
			if err != nil {
				return nil, false, fmt.Errorf("update user: %w", err)
			}
			return u, false, nil
		}

		u, err := d.Create(ctx, nu)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("create user: %w", err)
		}
		return u, true, nil
	}
	return nil, false, fmt.Errorf("upsert %s: %w", nu.Email, ErrConflict)
}

func applyDefaults(nu *model.NewUser) {
	if nu.Plan == "" {
		nu.Plan = model.PlanFree
	}
	if nu.Status == "" {
		nu.Status = model.StatusPending
	}
}

// applyPatch applies p to u in place and stamps UpdatedAt.
func applyPatch(u *model.User, p model.UserPatch, now time.Time) {
	if p.Plan != nil {
		u.Plan = *p.Plan
	}
	if p.Status != nil {
		u.Status = *p.Status
	}
	if p.StripeCustomerID != nil {
		id := *p.StripeCustomerID
		u.StripeCustomerID = &id
	}
	if p.SubscriptionID != nil {
		id := *p.SubscriptionID
		u.SubscriptionID = &id
	}
	if p.ClearCurrentPeriodEnd {
		u.CurrentPeriodEnd = nil
	}
	if p.CurrentPeriodEnd != nil {
		t := p.CurrentPeriodEnd.UTC()
		u.CurrentPeriodEnd = &t
	}
	if len(p.CustomFields) > 0 {
		if u.CustomFields == nil {
			u.CustomFields = make(map[string]any, len(p.CustomFields))
		}
		for k, v := range p.CustomFields {
			u.CustomFields[k] = v
		}
	}
	u.UpdatedAt = now
}
