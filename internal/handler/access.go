package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/gptpaywall/internal/apperr"
	"github.com/dukerupert/gptpaywall/internal/directory"
	"github.com/dukerupert/gptpaywall/internal/model"
)

// AccessResult is the answer to an access check. Pointer fields are null
// when the email has no record.
type AccessResult struct {
	HasAccess        bool       `json:"has_access"`
	Plan             *string    `json:"plan"`
	Status           *string    `json:"status"`
	CurrentPeriodEnd *time.Time `json:"current_period_end"`
}

// UserDetail is the public view of one directory record.
type UserDetail struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	Plan             string     `json:"plan"`
	Status           string     `json:"status"`
	CustomerID       *string    `json:"customer_id"`
	SubscriptionID   *string    `json:"subscription_id"`
	CurrentPeriodEnd *time.Time `json:"current_period_end"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

type AccessHandler struct {
	base
	dir directory.Directory
	now func() time.Time
}

func NewAccessHandler(dir directory.Directory, logger *slog.Logger, debug bool) *AccessHandler {
	return &AccessHandler{
		base: base{logger: logger, debug: debug},
		dir:  dir,
		now:  time.Now,
	}
}

// CheckAccess reports whether email holds an active subscription. Access is
// derived on every call from status and period end.
func (h *AccessHandler) CheckAccess(ctx context.Context, email string) (AccessResult, error) {
	email = model.NormalizeEmail(email)
	if email == "" {
		return AccessResult{}, apperr.New(apperr.BadRequest, "Email is required")
	}

	u, err := directory.FindByEmail(ctx, h.dir, email)
	if err != nil {
		return AccessResult{}, apperr.Wrap(apperr.Upstream, "Failed to check access", err)
	}
	if u == nil {
		return AccessResult{}, nil
	}

	return AccessResult{
		HasAccess:        u.HasAccess(h.now()),
		Plan:             nonEmpty(u.Plan),
		Status:           nonEmpty(u.Status),
		CurrentPeriodEnd: u.CurrentPeriodEnd,
	}, nil
}

func (h *AccessHandler) GetUser(ctx context.Context, email string) (*UserDetail, error) {
	email = model.NormalizeEmail(email)
	if email == "" {
		return nil, apperr.New(apperr.BadRequest, "Email is required")
	}

	u, err := directory.FindByEmail(ctx, h.dir, email)
	if err != nil {
		return nil, apperr.Wrap(apperr.Upstream, "Failed to fetch user", err)
	}
	if u == nil {
		return nil, apperr.New(apperr.NotFound, "User not found")
	}
	return &UserDetail{
		ID:               u.ID,
		Email:            u.Email,
		Plan:             u.Plan,
		Status:           u.Status,
		CustomerID:       u.StripeCustomerID,
		SubscriptionID:   u.SubscriptionID,
		CurrentPeriodEnd: u.CurrentPeriodEnd,
		CreatedAt:        u.CreatedAt,
		UpdatedAt:        u.UpdatedAt,
	}, nil
}

// Check handles GET /access?email=.
func (h *AccessHandler) Check(w http.ResponseWriter, r *http.Request) {
	res, err := h.CheckAccess(r.Context(), r.URL.Query().Get("email"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// User handles GET /users/{email}.
func (h *AccessHandler) User(w http.ResponseWriter, r *http.Request) {
	u, err := h.GetUser(r.Context(), r.PathValue("email"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
