package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/dukerupert/gptpaywall/internal/model"
)

// Fixed width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore is a Directory backed by the local SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

type SQLiteOption func(*SQLiteStore)

// WithClock overrides the clock used for CreatedAt and UpdatedAt.
func WithClock(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		s.now = now
	}
}

func NewSQLiteStore(db *sql.DB, opts ...SQLiteOption) *SQLiteStore {
	s := &SQLiteStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const userCols = `id, email, plan, status, stripe_customer_id, subscription_id, current_period_end, custom_fields, created_at, updated_at`

func scanUser(scanner interface{ Scan(...any) error }) (*model.User, error) {
	var u model.User
	var customerID, subscriptionID, periodEnd sql.NullString
	var custom, createdAt, updatedAt string
	err := scanner.Scan(&u.ID, &u.Email, &u.Plan, &u.Status, &customerID, &subscriptionID, &periodEnd, &custom, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if customerID.Valid {
		u.StripeCustomerID = &customerID.String
	}
	if subscriptionID.Valid {
		u.SubscriptionID = &subscriptionID.String
	}
	if periodEnd.Valid {
		t, err := time.Parse(timeLayout, periodEnd.String)
		if err != nil {
			return nil, fmt.Errorf("parse current_period_end: %w", err)
		}
		u.CurrentPeriodEnd = &t
	}
	if u.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if u.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if custom != "" && custom != "{}" {
		if err := json.Unmarshal([]byte(custom), &u.CustomFields); err != nil {
			return nil, fmt.Errorf("parse custom_fields: %w", err)
		}
	}
	return &u, nil
}

// where compiles f into a WHERE clause with bound arguments.
func where(f Filter) (string, []any) {
	var conds []string
	var args []any
	if f.Email != "" {
		conds = append(conds, "email_normalized = ?")
		args = append(args, model.NormalizeEmail(f.Email))
	}
	if f.StripeCustomerID != "" {
		conds = append(conds, "stripe_customer_id = ?")
		args = append(args, f.StripeCustomerID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.Plan != "" {
		conds = append(conds, "plan = ?")
		args = append(args, f.Plan)
	}
	if f.CreatedAfter != nil {
		conds = append(conds, "created_at > ?")
		args = append(args, f.CreatedAfter.UTC().Format(timeLayout))
	}
	if f.CreatedBefore != nil {
		conds = append(conds, "created_at < ?")
		args = append(args, f.CreatedBefore.UTC().Format(timeLayout))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *SQLiteStore) Find(ctx context.Context, f Filter) (*model.User, error) {
	clause, args := where(f)
	row := s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users`+clause+` ORDER BY created_at DESC, id DESC LIMIT 1`, args...)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) List(ctx context.Context, q Query) ([]model.User, error) {
	q.Offset = max(q.Offset, 0)
	clause, args := where(q.Filter)
	query := `SELECT ` + userCols + ` FROM users` + clause + ` ORDER BY created_at DESC, id DESC`
	if q.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, q.Limit, q.Offset)
	} else if q.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *SQLiteStore) Create(ctx context.Context, nu model.NewUser) (*model.User, error) {
	applyDefaults(&nu)
	now := s.now().UTC()

	custom, err := encodeCustom(nu.CustomFields)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, email_normalized, plan, status, stripe_customer_id, custom_fields, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, strings.TrimSpace(nu.Email), model.NormalizeEmail(nu.Email), nu.Plan, nu.Status,
		nullString(nu.StripeCustomerID), custom, now.Format(timeLayout), now.Format(timeLayout),
	)
	if isConstraintErr(err) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return s.getByID(ctx, s.db, id)
}

func (s *SQLiteStore) Update(ctx context.Context, id string, p model.UserPatch) (*model.User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	u, err := s.getByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrNotFound
	}

	applyPatch(u, p, s.now().UTC())

	custom, err := encodeCustom(u.CustomFields)
	if err != nil {
		return nil, err
	}
	var periodEnd any
	if u.CurrentPeriodEnd != nil {
		periodEnd = u.CurrentPeriodEnd.UTC().Format(timeLayout)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE users SET plan = ?, status = ?, stripe_customer_id = ?, subscription_id = ?,
		 current_period_end = ?, custom_fields = ?, updated_at = ? WHERE id = ?`,
		u.Plan, u.Status, nullString(u.StripeCustomerID), nullString(u.SubscriptionID),
		periodEnd, custom, u.UpdatedAt.Format(timeLayout), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) getByID(ctx context.Context, q queryRower, id string) (*model.User, error) {
	row := q.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func encodeCustom(fields map[string]any) (string, error) {
	if len(fields) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode custom fields: %w", err)
	}
	return string(b), nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func isConstraintErr(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}
