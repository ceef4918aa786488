package repo

import (
	"context"
	"database/sql"
	"errors"

	"gigmarket/internal/domain"
)

// ErrStaleWallet is returned when a wallet row changed since it was read.
var ErrStaleWallet = errors.New("wallet modified concurrently")

const walletColumns = `id,owner_id,owner_kind,balance,available_balance,pending_balance,escrow,currency,version,created_at,updated_at`

func scanWallet(row *sql.Row) (domain.Wallet, error) {
	var w domain.Wallet
	err := row.Scan(&w.ID, &w.OwnerID, &w.OwnerKind, &w.Balance, &w.Available, &w.Pending, &w.Escrow, &w.Currency, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return w, notFound(err)
	}
	return w, nil
}

func (r Repo) InsertWallet(ctx context.Context, tx *sql.Tx, w domain.Wallet) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO wallets(`+walletColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.OwnerID, w.OwnerKind, w.Balance, w.Available, w.Pending, w.Escrow, w.Currency, w.Version, w.CreatedAt, w.UpdatedAt)
	return err
}

func (r Repo) GetWalletByOwner(ctx context.Context, ownerID string) (domain.Wallet, error) {
	return scanWallet(r.DB.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE owner_id=?`, ownerID))
}

func (r Repo) GetWalletByOwnerTx(ctx context.Context, tx *sql.Tx, ownerID string) (domain.Wallet, error) {
	return scanWallet(tx.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE owner_id=?`, ownerID))
}

// GetPlatformWalletTx returns the wallet owned by a platform principal.
func (r Repo) GetPlatformWalletTx(ctx context.Context, tx *sql.Tx, adminID string) (domain.Wallet, error) {
	return scanWallet(tx.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE owner_id=? AND owner_kind='platform'`, adminID))
}

// UpdateWalletBalances writes the balance columns guarded by the version the
// caller read, and bumps the version.
func (r Repo) UpdateWalletBalances(ctx context.Context, tx *sql.Tx, w domain.Wallet) error {
	res, err := tx.ExecContext(ctx, `UPDATE wallets SET balance=?, available_balance=?, pending_balance=?, escrow=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		w.Balance, w.Available, w.Pending, w.Escrow, w.UpdatedAt, w.ID, w.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleWallet
	}
	return nil
}

// --- transactions ---

const txColumns = `id,wallet_id,principal_id,type,amount,currency,status,reference_id,description,created_at`

func scanTransaction(scan func(dest ...any) error) (domain.Transaction, error) {
	var t domain.Transaction
	var ref, desc sql.NullString
	if err := scan(&t.ID, &t.WalletID, &t.PrincipalID, &t.Type, &t.Amount, &t.Currency, &t.Status, &ref, &desc, &t.CreatedAt); err != nil {
		return t, err
	}
	t.ReferenceID = stringPtr(ref)
	t.Description = desc.String
	return t, nil
}

// InsertTransaction appends a ledger entry. Entries are never updated.
func (r Repo) InsertTransaction(ctx context.Context, tx *sql.Tx, t domain.Transaction) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO transactions(`+txColumns+`,seq)
VALUES (?,?,?,?,?,?,?,?,?,?,(SELECT COALESCE(MAX(seq),0)+1 FROM transactions))`,
		t.ID, t.WalletID, t.PrincipalID, t.Type, t.Amount, t.Currency, t.Status, nullableStringPtr(t.ReferenceID), nullable(t.Description), t.CreatedAt)
	return err
}

// GetPrincipalTransactionTx loads a transaction only if principalID owns it.
func (r Repo) GetPrincipalTransactionTx(ctx context.Context, tx *sql.Tx, principalID, id string) (domain.Transaction, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id=? AND principal_id=?`, id, principalID)
	t, err := scanTransaction(row.Scan)
	return t, notFound(err)
}

func (r Repo) HasRefundTx(ctx context.Context, tx *sql.Tx, transactionID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM transactions WHERE reference_id=? AND type='REFUND'`, transactionID).Scan(&n)
	return n > 0, err
}

// ListTransactions returns the principal's ledger newest first.
func (r Repo) ListTransactions(ctx context.Context, principalID string, limit int) ([]domain.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE principal_id=? ORDER BY seq DESC`
	args := []any{principalID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountTransactions(ctx context.Context, principalID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM transactions WHERE principal_id=?`, principalID).Scan(&n)
	return n, err
}
