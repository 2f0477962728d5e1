package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dukerupert/gptpaywall/internal/model"
)

// Airtable column names.
const (
	fieldEmail            = "Email"
	fieldPlan             = "Plan"
	fieldStatus           = "Status"
	fieldStripeCustomerID = "StripeCustomerId"
	fieldSubscriptionID   = "SubscriptionId"
	fieldCurrentPeriodEnd = "CurrentPeriodEnd"
	fieldCreatedAt        = "CreatedAt"
	fieldUpdatedAt        = "UpdatedAt"

	maxPageSize = 100
)

var knownFields = map[string]bool{
	fieldEmail: true, fieldPlan: true, fieldStatus: true, fieldStripeCustomerID: true,
	fieldSubscriptionID: true, fieldCurrentPeriodEnd: true, fieldCreatedAt: true, fieldUpdatedAt: true,
}

// AirtableConfig holds the credentials and location of the Users table.
type AirtableConfig struct {
	APIKey  string
	BaseID  string
	Table   string
	BaseURL string
	Timeout time.Duration
}

// AirtableStore is a Directory backed by an Airtable table via its REST API.
type AirtableStore struct {
	cfg        AirtableConfig
	httpClient *http.Client
	now        func() time.Time
}

type AirtableOption func(*AirtableStore)

func WithHTTPClient(c *http.Client) AirtableOption {
	return func(s *AirtableStore) {
		s.httpClient = c
	}
}

func NewAirtableStore(cfg AirtableConfig, opts ...AirtableOption) *AirtableStore {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.airtable.com/v0"
	}
	if cfg.Table == "" {
		cfg.Table = "Users"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	s := &AirtableStore{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// APIError is a non-2xx response from Airtable.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("airtable error: status %d: %s", e.StatusCode, e.Body)
}

type airtableRecord struct {
	ID          string         `json:"id,omitempty"`
	CreatedTime string         `json:"createdTime,omitempty"`
	Fields      map[string]any `json:"fields"`
}

type recordsPayload struct {
	Records  []airtableRecord `json:"records"`
	Typecast bool             `json:"typecast,omitempty"`
}

type listResponse struct {
	Records []airtableRecord `json:"records"`
	Offset  string           `json:"offset"`
}

func (s *AirtableStore) tableURL() string {
	return strings.TrimRight(s.cfg.BaseURL, "/") + "/" + url.PathEscape(s.cfg.BaseID) + "/" + url.PathEscape(s.cfg.Table)
}

func (s *AirtableStore) Find(ctx context.Context, f Filter) (*model.User, error) {
	users, err := s.List(ctx, Query{Filter: f, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, nil
	}
	return &users[0], nil
}

func (s *AirtableStore) List(ctx context.Context, q Query) ([]model.User, error) {
	q.Offset = max(q.Offset, 0)
	want := 0
	if q.Limit > 0 {
		want = q.Offset + q.Limit
	}

	var records []airtableRecord
	offset := ""
	for {
		params := url.Values{}
		if formula := Formula(q.Filter); formula != "" {
			params.Set("filterByFormula", formula)
		}
		params.Set("sort[0][field]", fieldCreatedAt)
		params.Set("sort[0][direction]", "desc")
		params.Set("sort[1][field]", fieldEmail)
		params.Set("sort[1][direction]", "asc")
		pageSize := maxPageSize
		if want > 0 {
			params.Set("maxRecords", strconv.Itoa(want))
			if remaining := want - len(records); remaining < pageSize {
				pageSize = remaining
			}
		}
		params.Set("pageSize", strconv.Itoa(pageSize))
		if offset != "" {
			params.Set("offset", offset)
		}

		var page listResponse
		if err := s.do(ctx, http.MethodGet, s.tableURL()+"?"+params.Encode(), nil, &page); err != nil {
			return nil, fmt.Errorf("list records: %w", err)
		}
		records = append(records, page.Records...)

		if page.Offset == "" || (want > 0 && len(records) >= want) {
			break
		}
		offset = page.Offset
	}

	if q.Offset >= len(records) {
		return nil, nil
	}
	records = records[q.Offset:]
	if q.Limit > 0 && len(records) > q.Limit {
		records = records[:q.Limit]
	}

	users := make([]model.User, 0, len(records))
	for _, r := range records {
		users = append(users, recordToUser(r))
	}
	return users, nil
}

// Create inserts a record. Airtable has no unique constraints, so after the
// insert the store checks for a concurrent duplicate: the oldest record for
// the email wins and the loser removes its own record and reports
// ErrConflict.
func (s *AirtableStore) Create(ctx context.Context, nu model.NewUser) (*model.User, error) {
	applyDefaults(&nu)
	now := s.now().UTC().Format(time.RFC3339Nano)

	fields := make(map[string]any, len(nu.CustomFields)+6)
	for k, v := range nu.CustomFields {
		fields[k] = v
	}
	fields[fieldEmail] = strings.TrimSpace(nu.Email)
	fields[fieldPlan] = nu.Plan
	fields[fieldStatus] = nu.Status
	fields[fieldCreatedAt] = now
	fields[fieldUpdatedAt] = now
	if nu.StripeCustomerID != nil {
		fields[fieldStripeCustomerID] = *nu.StripeCustomerID
	}

	var resp recordsPayload
	body := recordsPayload{Records: []airtableRecord{{Fields: fields}}, Typecast: true}
	if err := s.do(ctx, http.MethodPost, s.tableURL(), body, &resp); err != nil {
		return nil, fmt.Errorf("create record: %w", err)
	}
	if len(resp.Records) == 0 {
		return nil, fmt.Errorf("create record: empty response")
	}
	created := recordToUser(resp.Records[0])

	dupes, err := s.List(ctx, Query{Filter: Filter{Email: nu.Email}})
	if err != nil {
		return nil, fmt.Errorf("check duplicates: %w", err)
	}
	if winner := oldest(dupes); winner != nil && winner.ID != created.ID {
		if err := s.Delete(ctx, created.ID); err != nil {
			return nil, fmt.Errorf("remove duplicate record: %w", err)
		}
		return nil, ErrConflict
	}
	return &created, nil
}

func (s *AirtableStore) Update(ctx context.Context, id string, p model.UserPatch) (*model.User, error) {
	fields := make(map[string]any, len(p.CustomFields)+6)
	for k, v := range p.CustomFields {
		if !knownFields[k] {
			fields[k] = v
		}
	}
	if p.Plan != nil {
		fields[fieldPlan] = *p.Plan
	}
	if p.Status != nil {
		fields[fieldStatus] = *p.Status
	}
	if p.StripeCustomerID != nil {
		fields[fieldStripeCustomerID] = *p.StripeCustomerID
	}
	if p.SubscriptionID != nil {
		fields[fieldSubscriptionID] = *p.SubscriptionID
	}
	if p.ClearCurrentPeriodEnd {
		fields[fieldCurrentPeriodEnd] = nil
	}
	if p.CurrentPeriodEnd != nil {
		fields[fieldCurrentPeriodEnd] = p.CurrentPeriodEnd.UTC().Format(time.RFC3339Nano)
	}
	fields[fieldUpdatedAt] = s.now().UTC().Format(time.RFC3339Nano)

	var resp recordsPayload
	body := recordsPayload{Records: []airtableRecord{{ID: id, Fields: fields}}, Typecast: true}
	err := s.do(ctx, http.MethodPatch, s.tableURL(), body, &resp)
	if isNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}
	if len(resp.Records) == 0 {
		return nil, fmt.Errorf("update record: empty response")
	}
	u := recordToUser(resp.Records[0])
	return &u, nil
}

func (s *AirtableStore) Delete(ctx context.Context, id string) error {
	params := url.Values{}
	params.Add("records[]", id)
	err := s.do(ctx, http.MethodDelete, s.tableURL()+"?"+params.Encode(), nil, nil)
	if isNotFound(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

func (s *AirtableStore) do(ctx context.Context, method, rawURL string, body, response any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("airtable request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if response == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(response); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.StatusCode == http.StatusNotFound {
		return true
	}
	return apiErr.StatusCode == http.StatusUnprocessableEntity && strings.Contains(apiErr.Body, "ROW_DOES_NOT_EXIST")
}

func recordToUser(r airtableRecord) model.User {
	u := model.User{ID: r.ID}
	for k, v := range r.Fields {
		switch k {
		case fieldEmail:
			u.Email = stringField(v)
		case fieldPlan:
			u.Plan = stringField(v)
		case fieldStatus:
			u.Status = stringField(v)
		case fieldStripeCustomerID:
			if s := stringField(v); s != "" {
				u.StripeCustomerID = &s
			}
		case fieldSubscriptionID:
			if s := stringField(v); s != "" {
				u.SubscriptionID = &s
			}
		case fieldCurrentPeriodEnd:
			if t, ok := timeField(v); ok {
				u.CurrentPeriodEnd = &t
			}
		case fieldCreatedAt:
			if t, ok := timeField(v); ok {
				u.CreatedAt = t
			}
		case fieldUpdatedAt:
			if t, ok := timeField(v); ok {
				u.UpdatedAt = t
			}
		default:
			if u.CustomFields == nil {
				u.CustomFields = make(map[string]any)
			}
			u.CustomFields[k] = v
		}
	}
	if u.CreatedAt.IsZero() {
		if t, ok := timeField(r.CreatedTime); ok {
			u.CreatedAt = t
		}
	}
	return u
}

func stringField(v any) string {
	s, _ := v.(string)
	return s
}

func timeField(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// oldest returns the earliest-created user, breaking ties by id.
func oldest(users []model.User) *model.User {
	if len(users) == 0 {
		return nil
	}
	sorted := append([]model.User(nil), users...)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})
	return &sorted[0]
}
