package repo

import (
	"context"
	"database/sql"

	"gigmarket/internal/domain"
)

func (r Repo) InsertContract(ctx context.Context, tx *sql.Tx, c domain.Contract) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO contracts(project_id,content,owner_signed_at,freelancer_signed_at,signed,created_at) VALUES (?,?,?,?,?,?)`,
		c.ProjectID, c.Content, nullableStringPtr(c.OwnerSignedAt), nullableStringPtr(c.FreelancerSignedAt), boolInt(c.Signed), c.CreatedAt)
	return err
}

func (r Repo) GetContract(ctx context.Context, projectID string) (domain.Contract, error) {
	return getContract(ctx, r.DB, projectID)
}

func (r Repo) GetContractTx(ctx context.Context, tx *sql.Tx, projectID string) (domain.Contract, error) {
	return getContract(ctx, tx, projectID)
}

func getContract(ctx context.Context, q queryer, projectID string) (domain.Contract, error) {
	var c domain.Contract
	var ownerAt, freelancerAt sql.NullString
	var signed int
	err := q.QueryRowContext(ctx, `SELECT project_id,content,owner_signed_at,freelancer_signed_at,signed,created_at FROM contracts WHERE project_id=?`, projectID).
		Scan(&c.ProjectID, &c.Content, &ownerAt, &freelancerAt, &signed, &c.CreatedAt)
	if err != nil {
		return c, notFound(err)
	}
	c.OwnerSignedAt = stringPtr(ownerAt)
	c.FreelancerSignedAt = stringPtr(freelancerAt)
	c.Signed = signed != 0
	return c, nil
}

func (r Repo) UpdateContractSignatures(ctx context.Context, tx *sql.Tx, c domain.Contract) error {
	res, err := tx.ExecContext(ctx, `UPDATE contracts SET owner_signed_at=?, freelancer_signed_at=?, signed=? WHERE project_id=?`,
		nullableStringPtr(c.OwnerSignedAt), nullableStringPtr(c.FreelancerSignedAt), boolInt(c.Signed), c.ProjectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- ratings ---

const ratingColumns = `id,project_id,rater_id,rated_id,rater_role,professionalism,communication,quality,expertise,timeliness,repeat_score,weighted,comment,created_at`

func (r Repo) InsertRating(ctx context.Context, tx *sql.Tx, rt domain.Rating) error {
	s := rt.Scores
	_, err := tx.ExecContext(ctx, `INSERT INTO ratings(`+ratingColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rt.ID, rt.ProjectID, rt.RaterID, rt.RatedID, rt.RaterRole,
		s.Professionalism, s.Communication, s.Quality, s.Expertise, s.Timeliness, s.Repeat,
		rt.Weighted, nullable(rt.Comment), rt.CreatedAt)
	return err
}

type RatingFilters struct {
	ProjectID string
	RatedID   string
}

func (r Repo) ListRatings(ctx context.Context, f RatingFilters) ([]domain.Rating, error) {
	query := `SELECT ` + ratingColumns + ` FROM ratings WHERE 1=1`
	var args []any
	if f.ProjectID != "" {
		query += ` AND project_id=?`
		args = append(args, f.ProjectID)
	}
	if f.RatedID != "" {
		query += ` AND rated_id=?`
		args = append(args, f.RatedID)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY created_at DESC, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Rating
	for rows.Next() {
		var rt domain.Rating
		var comment sql.NullString
		s := &rt.Scores
		if err := rows.Scan(&rt.ID, &rt.ProjectID, &rt.RaterID, &rt.RatedID, &rt.RaterRole,
			&s.Professionalism, &s.Communication, &s.Quality, &s.Expertise, &s.Timeliness, &s.Repeat,
			&rt.Weighted, &comment, &rt.CreatedAt); err != nil {
			return nil, err
		}
		rt.Comment = comment.String
		res = append(res, rt)
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
