package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"gigmarket/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// IsUniqueViolation reports whether err comes from a UNIQUE constraint.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func marshalStrings(in []string) any {
	if len(in) == 0 {
		return nil
	}
	b, _ := json.Marshal(in)
	return string(b)
}

func unmarshalStrings(ns sql.NullString) []string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(ns.String), &out)
	return out
}

func notFound(err error) error {
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	return err
}

// --- users ---

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO users(id,display_name,email,created_at) VALUES (?,?,?,?)`,
		u.ID, u.DisplayName, nullable(u.Email), u.CreatedAt)
	return err
}

// EnsureUser records an authenticated principal on first use.
func (r Repo) EnsureUser(ctx context.Context, tx *sql.Tx, id, at string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO users(id,display_name,created_at) VALUES (?,?,?)`, id, id, at)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return getUser(ctx, r.DB, id)
}

func (r Repo) GetUserTx(ctx context.Context, tx *sql.Tx, id string) (domain.User, error) {
	return getUser(ctx, tx, id)
}

func getUser(ctx context.Context, q queryer, id string) (domain.User, error) {
	var u domain.User
	var email sql.NullString
	err := q.QueryRowContext(ctx, `SELECT id,display_name,email,created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.DisplayName, &email, &u.CreatedAt)
	if err != nil {
		return u, notFound(err)
	}
	u.Email = email.String
	return u, nil
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,display_name,COALESCE(email,''),created_at FROM users ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.Email, &u.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// --- subscriptions ---

// UpsertSubscription replaces the user's subscription record.
func (r Repo) UpsertSubscription(ctx context.Context, tx *sql.Tx, s domain.Subscription) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE user_id=?`, s.UserID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO subscriptions(id,user_id,package_name,max_bids_per_day,status,start_date,end_date,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.UserID, s.PackageName, nullableIntPtr(s.MaxBidsPerDay), s.Status, s.StartDate, s.EndDate, s.CreatedAt)
	return err
}

// ActiveSubscription returns the subscription covering day, or ErrNotFound.
func (r Repo) ActiveSubscription(ctx context.Context, userID, day string) (domain.Subscription, error) {
	var s domain.Subscription
	var maxBids sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT id,user_id,package_name,max_bids_per_day,status,start_date,end_date,created_at
FROM subscriptions WHERE user_id=? AND status='active' AND start_date<=? AND end_date>=?
ORDER BY end_date DESC LIMIT 1`, userID, day, day).
		Scan(&s.ID, &s.UserID, &s.PackageName, &maxBids, &s.Status, &s.StartDate, &s.EndDate, &s.CreatedAt)
	if err != nil {
		return s, notFound(err)
	}
	if maxBids.Valid {
		n := int(maxBids.Int64)
		s.MaxBidsPerDay = &n
	}
	return s, nil
}
