package repo

import (
	"context"
	"database/sql"
	"strings"

	"gigmarket/internal/domain"
)

const projectColumns = `id,owner_id,name,description,budget,duration_days,skills_json,category,status,selected_bid_id,funding_transaction_id,start_date,end_date,created_at,updated_at`

func scanProject(scan func(dest ...any) error) (domain.Project, error) {
	var p domain.Project
	var desc, skills, category, selected, funding, start, end sql.NullString
	err := scan(&p.ID, &p.OwnerID, &p.Name, &desc, &p.Budget, &p.DurationDays, &skills, &category, &p.Status, &selected, &funding, &start, &end, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, notFound(err)
	}
	p.Description = desc.String
	p.Skills = unmarshalStrings(skills)
	p.Category = category.String
	p.SelectedBidID = stringPtr(selected)
	p.FundingTransactionID = stringPtr(funding)
	p.StartDate = stringPtr(start)
	p.EndDate = stringPtr(end)
	return p, nil
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(`+projectColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.OwnerID, p.Name, nullable(p.Description), p.Budget, p.DurationDays, marshalStrings(p.Skills), nullable(p.Category),
		p.Status, nullableStringPtr(p.SelectedBidID), nullableStringPtr(p.FundingTransactionID), nullableStringPtr(p.StartDate), nullableStringPtr(p.EndDate), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id).Scan)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return scanProject(tx.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id).Scan)
}

// UpdateProjectState persists the lifecycle columns. Budget and duration are
// immutable after creation and never written here.
func (r Repo) UpdateProjectState(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET status=?, selected_bid_id=?, funding_transaction_id=?, start_date=?, end_date=?, updated_at=? WHERE id=?`,
		p.Status, nullableStringPtr(p.SelectedBidID), nullableStringPtr(p.FundingTransactionID), nullableStringPtr(p.StartDate), nullableStringPtr(p.EndDate), p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type ProjectFilters struct {
	OwnerID string
	Status  string
	Limit   int
	Offset  int
}

func (r Repo) ListProjects(ctx context.Context, f ProjectFilters) ([]domain.Project, error) {
	var clauses []string
	var args []any
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + projectColumns + ` FROM projects ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- bids ---

const bidColumns = `id,project_id,freelancer_id,owner_id,amount,currency,delivery_days,description,status,submitted_at`

func scanBid(scan func(dest ...any) error) (domain.Bid, error) {
	var b domain.Bid
	var desc sql.NullString
	err := scan(&b.ID, &b.ProjectID, &b.FreelancerID, &b.OwnerID, &b.Amount, &b.Currency, &b.DeliveryDays, &desc, &b.Status, &b.SubmittedAt)
	if err != nil {
		return b, notFound(err)
	}
	b.Description = desc.String
	return b, nil
}

func (r Repo) InsertBid(ctx context.Context, tx *sql.Tx, b domain.Bid) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO bids(`+bidColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.ProjectID, b.FreelancerID, b.OwnerID, b.Amount, b.Currency, b.DeliveryDays, nullable(b.Description), b.Status, b.SubmittedAt)
	return err
}

func (r Repo) GetBid(ctx context.Context, id string) (domain.Bid, error) {
	return scanBid(r.DB.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE id=?`, id).Scan)
}

func (r Repo) GetBidTx(ctx context.Context, tx *sql.Tx, id string) (domain.Bid, error) {
	return scanBid(tx.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE id=?`, id).Scan)
}

func (r Repo) FindBid(ctx context.Context, projectID, freelancerID string) (domain.Bid, error) {
	return scanBid(r.DB.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE project_id=? AND freelancer_id=?`, projectID, freelancerID).Scan)
}

func (r Repo) FindBidTx(ctx context.Context, tx *sql.Tx, projectID, freelancerID string) (domain.Bid, error) {
	return scanBid(tx.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE project_id=? AND freelancer_id=?`, projectID, freelancerID).Scan)
}

func (r Repo) UpdateBidStatus(ctx context.Context, tx *sql.Tx, id string, status domain.BidStatus) error {
	res, err := tx.ExecContext(ctx, `UPDATE bids SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type BidFilters struct {
	ProjectID    string
	FreelancerID string
	Status       string
}

func (r Repo) ListBids(ctx context.Context, f BidFilters) ([]domain.Bid, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.FreelancerID != "" {
		clauses = append(clauses, "freelancer_id=?")
		args = append(args, f.FreelancerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+bidColumns+` FROM bids `+where+` ORDER BY submitted_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Bid
	for rows.Next() {
		b, err := scanBid(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}
