package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dukerupert/gptpaywall/internal/apperr"
	"github.com/dukerupert/gptpaywall/internal/directory"
	"github.com/dukerupert/gptpaywall/internal/model"
)

const (
	defaultPageLimit = 10
	maxPageLimit     = 100
	maxBulkEmails    = 100
	// maxListOffset bounds how deep a listing may page.
	maxListOffset = 100_000
)

// reservedFields are record columns only the gateway itself writes.
var reservedFields = map[string]bool{
	"id": true, "email": true, "stripecustomerid": true, "stripe_customer_id": true,
	"subscriptionid": true, "subscription_id": true, "currentperiodend": true,
	"current_period_end": true, "createdat": true, "created_at": true,
	"updatedat": true, "updated_at": true,
}

type ListParams struct {
	Page   int
	Limit  int
	Status string
	Plan   string
}

type Pagination struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	HasMore bool `json:"hasMore"`
}

type ListResult struct {
	Users      []model.User `json:"users"`
	Pagination Pagination   `json:"pagination"`
}

// UserInput is the body of POST /admin/users.
type UserInput struct {
	Email        string         `json:"email"`
	Plan         string         `json:"plan"`
	Status       string         `json:"status"`
	CustomFields map[string]any `json:"customFields"`
}

type UpsertResult struct {
	Action string      `json:"action"`
	User   *model.User `json:"user"`
}

// BulkRequest is the body of POST /admin/users/bulk. Updates uses the same
// field names as UserInput: plan, status, and any custom field.
type BulkRequest struct {
	Action  string         `json:"action"`
	Emails  []string       `json:"emails"`
	Updates map[string]any `json:"updates"`
}

type BulkResult struct {
	Email  string `json:"email"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type Analytics struct {
	TotalUsers          int            `json:"total_users"`
	ActiveSubscriptions int            `json:"active_subscriptions"`
	PendingUsers        int            `json:"pending_users"`
	CancelledUsers      int            `json:"cancelled_users"`
	ByStatus            map[string]int `json:"by_status"`
	Plans               map[string]int `json:"plans"`
	RevenueEstimate     float64        `json:"revenue_estimate"`
}

type AdminHandler struct {
	base
	dir    directory.Directory
	notify Notifier
	prices map[string]float64
}

// NewAdminHandler builds the admin handler. prices maps plan names to the
// monthly price used by the revenue estimate.
func NewAdminHandler(dir directory.Directory, notify Notifier, prices map[string]float64, logger *slog.Logger, debug bool) *AdminHandler {
	return &AdminHandler{
		base:   base{logger: logger, debug: debug},
		dir:    dir,
		notify: notifierOrNop(notify),
		prices: prices,
	}
}

// List returns one page of users, newest first. One extra record is fetched
// so HasMore is exact.
func (h *AdminHandler) List(ctx context.Context, p ListParams) (ListResult, error) {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = defaultPageLimit
	}
	p.Limit = min(p.Limit, maxPageLimit)
	if p.Page-1 > maxListOffset/p.Limit {
		return ListResult{}, apperr.New(apperr.BadRequest, "page is out of range")
	}

	users, err := h.dir.List(ctx, directory.Query{
		Filter: directory.Filter{Status: p.Status, Plan: p.Plan},
		Offset: (p.Page - 1) * p.Limit,
		Limit:  p.Limit + 1,
	})
	if err != nil {
		return ListResult{}, apperr.Wrap(apperr.Upstream, "Failed to fetch users", err)
	}

	hasMore := len(users) > p.Limit
	if hasMore {
		users = users[:p.Limit]
	}
	if users == nil {
		users = []model.User{}
	}
	return ListResult{
		Users:      users,
		Pagination: Pagination{Page: p.Page, Limit: p.Limit, HasMore: hasMore},
	}, nil
}

// CreateOrUpdate upserts the record for in.Email. Empty plan and status
// leave an existing record's values alone.
func (h *AdminHandler) CreateOrUpdate(ctx context.Context, in UserInput) (UpsertResult, error) {
	if model.NormalizeEmail(in.Email) == "" {
		return UpsertResult{}, apperr.New(apperr.BadRequest, "Email is required")
	}
	if err := checkCustomFields(in.CustomFields); err != nil {
		return UpsertResult{}, err
	}

	patch := model.UserPatch{CustomFields: in.CustomFields}
	if in.Plan != "" {
		patch.Plan = &in.Plan
	}
	if in.Status != "" {
		patch.Status = &in.Status
	}

	u, created, err := directory.UpsertByEmail(ctx, h.dir, model.NewUser{
		Email:        in.Email,
		Plan:         in.Plan,
		Status:       in.Status,
		CustomFields: in.CustomFields,
	}, patch)
	if err != nil {
		return UpsertResult{}, apperr.Wrap(apperr.Upstream, "Failed to create/update user", err)
	}

	action := upsertAction(created)
	h.notify.UserChanged(action, u.ID, map[string]any{"source": "admin"})
	return UpsertResult{Action: action, User: u}, nil
}

// Delete removes the record for email.
func (h *AdminHandler) Delete(ctx context.Context, email string) error {
	if model.NormalizeEmail(email) == "" {
		return apperr.New(apperr.BadRequest, "Email is required")
	}

	u, err := directory.FindByEmail(ctx, h.dir, email)
	if err != nil {
		return apperr.Wrap(apperr.Upstream, "Failed to delete user", err)
	}
	if u == nil {
		return apperr.New(apperr.NotFound, "User not found")
	}

	if err := h.dir.Delete(ctx, u.ID); err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return apperr.Wrap(apperr.NotFound, "User not found", err)
		}
		return apperr.Wrap(apperr.Upstream, "Failed to delete user", err)
	}
	h.notify.UserChanged("deleted", u.ID, map[string]any{"source": "admin"})
	return nil
}

// Bulk applies one action to each email in turn. A failure is recorded in
// that email's result and never stops the rest.
func (h *AdminHandler) Bulk(ctx context.Context, req BulkRequest) ([]BulkResult, error) {
	if (req.Action != "update" && req.Action != "delete") || len(req.Emails) == 0 {
		return nil, apperr.New(apperr.BadRequest, "Invalid request")
	}
	if len(req.Emails) > maxBulkEmails {
		return nil, apperr.New(apperr.BadRequest, fmt.Sprintf("At most %d emails per request", maxBulkEmails))
	}

	var patch model.UserPatch
	if req.Action == "update" {
		if len(req.Updates) == 0 {
			return nil, apperr.New(apperr.BadRequest, "Updates are required for the update action")
		}
		var err error
		if patch, err = patchFromFields(req.Updates); err != nil {
			return nil, err
		}
	}

	results := make([]BulkResult, 0, len(req.Emails))
	for _, email := range req.Emails {
		results = append(results, h.bulkOne(ctx, req.Action, email, patch))
	}
	return results, nil
}

func (h *AdminHandler) bulkOne(ctx context.Context, action, email string, patch model.UserPatch) BulkResult {
	res := BulkResult{Email: email}
	failed := func(msg string, err error) BulkResult {
		h.logger.Warn("bulk operation failed", "action", action, "error", err)
		res.Status, res.Error = "error", msg
		return res
	}

	u, err := directory.FindByEmail(ctx, h.dir, email)
	if err != nil {
		return failed("Failed to look up user", err)
	}
	if u == nil {
		res.Status = "not_found"
		return res
	}

	switch action {
	case "update":
		_, err = h.dir.Update(ctx, u.ID, patch)
		res.Status = "updated"
	case "delete":
		err = h.dir.Delete(ctx, u.ID)
		res.Status = "deleted"
	}
	if errors.Is(err, directory.ErrNotFound) {
		res.Status = "not_found"
		return res
	}
	if err != nil {
		return failed("Failed to "+action+" user", err)
	}
	h.notify.UserChanged(res.Status, u.ID, map[string]any{"source": "bulk"})
	return res
}

// Analytics summarizes records created after start and before end. Either
// bound may be nil.
func (h *AdminHandler) Analytics(ctx context.Context, start, end *time.Time) (Analytics, error) {
	users, err := h.dir.List(ctx, directory.Query{
		Filter: directory.Filter{CreatedAfter: start, CreatedBefore: end},
	})
	if err != nil {
		return Analytics{}, apperr.Wrap(apperr.Upstream, "Failed to fetch analytics", err)
	}

	a := Analytics{
		TotalUsers: len(users),
		ByStatus:   map[string]int{},
		Plans:      map[string]int{},
	}
	for _, u := range users {
		a.ByStatus[u.Status]++
		switch u.Status {
		case model.StatusActive:
			a.ActiveSubscriptions++
		case model.StatusPending:
			a.PendingUsers++
		case model.StatusCanceled, "cancelled":
			a.CancelledUsers++
		}

		plan := u.Plan
		if plan == "" {
			plan = model.PlanFree
		}
		a.Plans[plan]++
		if u.Status == model.StatusActive {
			a.RevenueEstimate += h.prices[plan]
		}
	}
	return a, nil
}

// ListUsers handles GET /admin/users.
func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := queryInt(q.Get("page"), "page")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	limit, err := queryInt(q.Get("limit"), "limit")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.List(r.Context(), ListParams{
		Page:   page,
		Limit:  limit,
		Status: q.Get("status"),
		Plan:   q.Get("plan"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// UpsertUser handles POST /admin/users.
func (h *AdminHandler) UpsertUser(w http.ResponseWriter, r *http.Request) {
	var in UserInput
	if err := decodeJSON(w, r, &in); err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.CreateOrUpdate(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DeleteUser handles DELETE /admin/users/{email}.
func (h *AdminHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := h.Delete(r.Context(), r.PathValue("email")); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "User deleted successfully"})
}

// BulkUsers handles POST /admin/users/bulk.
func (h *AdminHandler) BulkUsers(w http.ResponseWriter, r *http.Request) {
	var req BulkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	results, err := h.Bulk(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// GetAnalytics handles GET /admin/analytics.
func (h *AdminHandler) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := parseDate(q.Get("startDate"), "startDate")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	end, err := parseDate(q.Get("endDate"), "endDate")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	a, err := h.Analytics(r.Context(), start, end)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// patchFromFields maps a loose field map onto a patch. plan and status match
// case-insensitively; every other name becomes a custom field.
func patchFromFields(fields map[string]any) (model.UserPatch, error) {
	var p model.UserPatch
	custom := make(map[string]any)
	for k, v := range fields {
		switch strings.ToLower(k) {
		case "plan", "status":
			s, ok := v.(string)
			if !ok || s == "" {
				return p, apperr.New(apperr.BadRequest, k+" must be a non-empty string")
			}
			if strings.EqualFold(k, "plan") {
				p.Plan = &s
			} else {
				p.Status = &s
			}
		default:
			if reservedFields[strings.ToLower(k)] {
				return p, apperr.New(apperr.BadRequest, "Field "+k+" cannot be set")
			}
			custom[k] = v
		}
	}
	if len(custom) > 0 {
		p.CustomFields = custom
	}
	return p, nil
}

func checkCustomFields(fields map[string]any) error {
	for k := range fields {
		lk := strings.ToLower(k)
		if reservedFields[lk] || lk == "plan" || lk == "status" {
			return apperr.New(apperr.BadRequest, "Field "+k+" cannot be set as a custom field")
		}
	}
	return nil
}

func queryInt(v, name string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, apperr.New(apperr.BadRequest, name+" must be a positive integer")
	}
	return n, nil
}

// parseDate accepts RFC 3339 timestamps or YYYY-MM-DD dates (UTC midnight).
func parseDate(v, name string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		if t, err := time.Parse(layout, v); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, apperr.New(apperr.BadRequest, name+" must be an RFC 3339 timestamp or YYYY-MM-DD date")
}
