package repo

import (
	"context"
	"database/sql"

	"gigmarket/internal/domain"
)

// ConsumeBidQuota takes one unit from the user's daily allowance inside tx.
// The row is created or reset to max when its reset day differs from day.
// It reports false when the allowance for day is used up.
func (r Repo) ConsumeBidQuota(ctx context.Context, tx *sql.Tx, userID string, max int, day string) (bool, error) {
	_, err := tx.ExecContext(ctx, `INSERT INTO bid_quotas(user_id,remaining,reset_on) VALUES (?,?,?)
ON CONFLICT(user_id) DO UPDATE SET remaining=excluded.remaining, reset_on=excluded.reset_on
WHERE bid_quotas.reset_on <> excluded.reset_on`, userID, max, day)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE bid_quotas SET remaining=remaining-1 WHERE user_id=? AND remaining>0`, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetBidQuota returns the stored quota row. The row may predate day; callers
// decide how to present a stale reset date.
func (r Repo) GetBidQuota(ctx context.Context, userID string) (domain.BidQuota, error) {
	var q domain.BidQuota
	err := r.DB.QueryRowContext(ctx, `SELECT user_id,remaining,reset_on FROM bid_quotas WHERE user_id=?`, userID).
		Scan(&q.UserID, &q.Remaining, &q.ResetOn)
	return q, notFound(err)
}
