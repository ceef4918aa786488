package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gigmarket/internal/domain"
	"gigmarket/internal/engine/auth"
	"gigmarket/internal/events"
	"gigmarket/internal/notify"
	"gigmarket/internal/repo"
)

// Percentages applied by wallet operations.
const (
	depositAvailablePct = 80
	commissionPct       = 10
	refundPct           = 90
)

func (e Engine) walletAccess(actor auth.Principal, principalID string) error {
	if actor.ID == principalID && e.Policy.Can(actor, auth.PermWalletUse) {
		return nil
	}
	return e.require(actor, auth.PermWalletManage)
}

func (e Engine) walletTx(ctx context.Context, s *scope, principalID string) (domain.Wallet, error) {
	w, err := e.Repo.GetWalletByOwnerTx(ctx, s.tx, principalID)
	if errors.Is(err, repo.ErrNotFound) {
		return w, fmt.Errorf("%w: %s", ErrWalletNotFound, principalID)
	}
	return w, err
}

func (e Engine) saveWallet(ctx context.Context, s *scope, w *domain.Wallet) error {
	if !w.Consistent() {
		return fmt.Errorf("%w: wallet %s balances inconsistent", ErrInvalidState, w.ID)
	}
	w.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateWalletBalances(ctx, s.tx, *w); err != nil {
		return fmt.Errorf("update wallet %s: %w", w.ID, err)
	}
	w.Version++
	return nil
}

func (e Engine) ledger(ctx context.Context, s *scope, w domain.Wallet, typ domain.TransactionType, amount decimal.Decimal, ref *string, desc string) (domain.Transaction, error) {
	t := domain.Transaction{
		ID:          uuid.NewString(),
		WalletID:    w.ID,
		PrincipalID: w.OwnerID,
		Type:        typ,
		Amount:      amount,
		Currency:    w.Currency,
		Status:      domain.TxCompleted,
		ReferenceID: ref,
		Description: desc,
		CreatedAt:   e.stamp(),
	}
	if err := e.Repo.InsertTransaction(ctx, s.tx, t); err != nil {
		if repo.IsUniqueViolation(err) && typ == domain.TxRefund {
			return t, fmt.Errorf("%w: transaction already refunded", ErrAlreadyExists)
		}
		return t, fmt.Errorf("insert transaction: %w", err)
	}
	return t, nil
}

// credit adds to the spendable balance.
func credit(w *domain.Wallet, amount decimal.Decimal) {
	w.Available = w.Available.Add(amount)
	w.Balance = w.Balance.Add(amount)
}

// debit takes amount from available first and pending after that.
func debit(w *domain.Wallet, amount decimal.Decimal) error {
	if w.Balance.LessThan(amount) {
		return fmt.Errorf("%w: balance %s, requested %s", ErrInsufficientFunds, w.Balance, amount)
	}
	fromAvailable := decimal.Min(w.Available, amount)
	w.Available = w.Available.Sub(fromAvailable)
	w.Pending = w.Pending.Sub(amount.Sub(fromAvailable))
	w.Balance = w.Balance.Sub(amount)
	return nil
}

func (e Engine) event(ctx context.Context, s *scope, typ string, w domain.Wallet, payload events.EventPayload) error {
	payload["wallet_id"] = w.ID
	payload["currency"] = w.Currency
	return e.appendEvent(ctx, s, events.Record{
		Type:       typ,
		EntityKind: "wallet",
		EntityID:   w.OwnerID,
		Payload:    payload,
	})
}

func (e Engine) createWallet(ctx context.Context, s *scope, principalID string, kind domain.OwnerKind, cur string) (domain.Wallet, error) {
	if strings.TrimSpace(principalID) == "" {
		return domain.Wallet{}, fmt.Errorf("%w: principal required", ErrInvalidInput)
	}
	if cur == "" {
		cur = e.Config.Marketplace.DefaultCurrency
	}
	now := e.stamp()
	w := domain.Wallet{
		ID:        uuid.NewString(),
		OwnerID:   principalID,
		OwnerKind: kind,
		Balance:   decimal.Zero,
		Available: decimal.Zero,
		Pending:   decimal.Zero,
		Escrow:    decimal.Zero,
		Currency:  strings.ToUpper(cur),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertWallet(ctx, s.tx, w); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Wallet{}, fmt.Errorf("%w: wallet for %s", ErrAlreadyExists, principalID)
		}
		return domain.Wallet{}, fmt.Errorf("insert wallet: %w", err)
	}
	if err := e.event(ctx, s, events.WalletCreated, w, events.EventPayload{"owner_kind": string(kind)}); err != nil {
		return domain.Wallet{}, err
	}
	s.notify(notify.TemplateWalletCreated, principalID, map[string]any{"currency": w.Currency})
	return w, nil
}

func (e Engine) addFunds(ctx context.Context, s *scope, principalID string, amount decimal.Decimal, cur string) (domain.Wallet, domain.Transaction, error) {
	if err := positive(amount); err != nil {
		return domain.Wallet{}, domain.Transaction{}, err
	}
	w, err := e.walletTx(ctx, s, principalID)
	if err != nil {
		return w, domain.Transaction{}, err
	}
	converted, err := e.convert(ctx, amount, cur, w.Currency)
	if err != nil {
		return w, domain.Transaction{}, err
	}
	available := pct(converted, depositAvailablePct)
	w.Available = w.Available.Add(available)
	w.Pending = w.Pending.Add(converted.Sub(available))
	w.Balance = w.Available.Add(w.Pending)
	if err := e.saveWallet(ctx, s, &w); err != nil {
		return w, domain.Transaction{}, err
	}
	t, err := e.ledger(ctx, s, w, domain.TxDeposit, converted, nil, "deposit")
	if err != nil {
		return w, t, err
	}
	if err := e.event(ctx, s, events.WalletDeposit, w, events.EventPayload{"amount": converted.String(), "transaction_id": t.ID}); err != nil {
		return w, t, err
	}
	s.notify(notify.TemplateFundsAdded, principalID, map[string]any{"amount": money(converted), "currency": w.Currency})
	return w, t, nil
}

func (e Engine) deductFunds(ctx context.Context, s *scope, principalID string, amount decimal.Decimal, cur, desc string) (domain.Wallet, domain.Transaction, error) {
	if err := positive(amount); err != nil {
		return domain.Wallet{}, domain.Transaction{}, err
	}
	w, err := e.walletTx(ctx, s, principalID)
	if err != nil {
		return w, domain.Transaction{}, err
	}
	converted, err := e.convert(ctx, amount, cur, w.Currency)
	if err != nil {
		return w, domain.Transaction{}, err
	}
	if err := debit(&w, converted); err != nil {
		return w, domain.Transaction{}, err
	}
	if err := e.saveWallet(ctx, s, &w); err != nil {
		return w, domain.Transaction{}, err
	}
	if desc == "" {
		desc = "withdrawal"
	}
	t, err := e.ledger(ctx, s, w, domain.TxWithdrawal, converted.Neg(), nil, desc)
	if err != nil {
		return w, t, err
	}
	if err := e.event(ctx, s, events.WalletWithdrawal, w, events.EventPayload{"amount": converted.String(), "transaction_id": t.ID}); err != nil {
		return w, t, err
	}
	s.notify(notify.TemplateFundsDeducted, principalID, map[string]any{"amount": money(converted), "currency": w.Currency})
	return w, t, nil
}

// transferToFreelancer pays amount out of the site wallet into the
// freelancer's spendable balance and returns what the freelancer received.
// Callers send their own notice.
func (e Engine) transferToFreelancer(ctx context.Context, s *scope, freelancerID string, amount decimal.Decimal, cur string) (domain.Wallet, decimal.Decimal, error) {
	if err := positive(amount); err != nil {
		return domain.Wallet{}, decimal.Zero, err
	}
	site, err := e.siteWalletTx(ctx, s, e.siteAccountID())
	if err != nil {
		return domain.Wallet{}, decimal.Zero, err
	}
	fw, err := e.walletTx(ctx, s, freelancerID)
	if err != nil {
		return fw, decimal.Zero, err
	}
	fromSite, err := e.convert(ctx, amount, cur, site.Currency)
	if err != nil {
		return fw, decimal.Zero, err
	}
	if err := debit(&site, fromSite); err != nil {
		return fw, decimal.Zero, err
	}
	if err := e.saveWallet(ctx, s, &site); err != nil {
		return fw, decimal.Zero, err
	}
	if _, err := e.ledger(ctx, s, site, domain.TxWithdrawal, fromSite.Neg(), nil, "payout to "+freelancerID); err != nil {
		return fw, decimal.Zero, err
	}
	received, err := e.convert(ctx, amount, cur, fw.Currency)
	if err != nil {
		return fw, decimal.Zero, err
	}
	credit(&fw, received)
	if err := e.saveWallet(ctx, s, &fw); err != nil {
		return fw, decimal.Zero, err
	}
	t, err := e.ledger(ctx, s, fw, domain.TxDeposit, received, nil, "project payout")
	if err != nil {
		return fw, decimal.Zero, err
	}
	if err := e.event(ctx, s, events.WalletPayout, fw, events.EventPayload{"amount": received.String(), "transaction_id": t.ID, "site_wallet_id": site.ID}); err != nil {
		return fw, decimal.Zero, err
	}
	return fw, received, nil
}

func (e Engine) siteWalletTx(ctx context.Context, s *scope, adminID string) (domain.Wallet, error) {
	w, err := e.Repo.GetPlatformWalletTx(ctx, s.tx, adminID)
	if errors.Is(err, repo.ErrNotFound) {
		return w, fmt.Errorf("%w: %s", ErrSiteWalletNotFound, adminID)
	}
	return w, err
}

func (e Engine) transferToSiteAccount(ctx context.Context, s *scope, adminID string, amount decimal.Decimal, cur string) (domain.Wallet, error) {
	if err := positive(amount); err != nil {
		return domain.Wallet{}, err
	}
	w, err := e.siteWalletTx(ctx, s, adminID)
	if err != nil {
		return w, err
	}
	converted, err := e.convert(ctx, amount, cur, w.Currency)
	if err != nil {
		return w, err
	}
	credit(&w, converted)
	if err := e.saveWallet(ctx, s, &w); err != nil {
		return w, err
	}
	if err := e.event(ctx, s, events.WalletSiteCredit, w, events.EventPayload{"amount": converted.String()}); err != nil {
		return w, err
	}
	s.notify(notify.TemplateTransferredToSite, adminID, map[string]any{"amount": money(converted), "currency": w.Currency})
	return w, nil
}

func (e Engine) holdEscrow(ctx context.Context, s *scope, principalID string, amount decimal.Decimal, cur string) (domain.Wallet, error) {
	if err := positive(amount); err != nil {
		return domain.Wallet{}, err
	}
	w, err := e.walletTx(ctx, s, principalID)
	if err != nil {
		return w, err
	}
	converted, err := e.convert(ctx, amount, cur, w.Currency)
	if err != nil {
		return w, err
	}
	if err := debit(&w, converted); err != nil {
		return w, err
	}
	w.Escrow = w.Escrow.Add(converted)
	if err := e.saveWallet(ctx, s, &w); err != nil {
		return w, err
	}
	return w, e.event(ctx, s, events.WalletEscrowHeld, w, events.EventPayload{"amount": converted.String()})
}

func (e Engine) releaseEscrow(ctx context.Context, s *scope, principalID string, amount decimal.Decimal, cur string) (domain.Wallet, error) {
	if err := positive(amount); err != nil {
		return domain.Wallet{}, err
	}
	w, err := e.walletTx(ctx, s, principalID)
	if err != nil {
		return w, err
	}
	converted, err := e.convert(ctx, amount, cur, w.Currency)
	if err != nil {
		return w, err
	}
	if w.Escrow.LessThan(converted) {
		return w, fmt.Errorf("%w: escrow %s, requested %s", ErrInsufficientEscrow, w.Escrow, converted)
	}
	w.Escrow = w.Escrow.Sub(converted)
	credit(&w, converted)
	if err := e.saveWallet(ctx, s, &w); err != nil {
		return w, err
	}
	return w, e.event(ctx, s, events.WalletEscrowRelease, w, events.EventPayload{"amount": converted.String()})
}

func (e Engine) refundTransaction(ctx context.Context, s *scope, principalID, transactionID string) (domain.Wallet, domain.Transaction, error) {
	orig, err := e.Repo.GetPrincipalTransactionTx(ctx, s.tx, principalID, transactionID)
	if err != nil {
		return domain.Wallet{}, domain.Transaction{}, fmt.Errorf("transaction %s: %w", transactionID, err)
	}
	if !orig.Amount.IsNegative() {
		return domain.Wallet{}, domain.Transaction{}, ErrCannotRefundDeposit
	}
	refunded, err := e.Repo.HasRefundTx(ctx, s.tx, orig.ID)
	if err != nil {
		return domain.Wallet{}, domain.Transaction{}, err
	}
	if refunded {
		return domain.Wallet{}, domain.Transaction{}, fmt.Errorf("%w: transaction %s already refunded", ErrAlreadyExists, orig.ID)
	}
	w, err := e.walletTx(ctx, s, principalID)
	if err != nil {
		return w, domain.Transaction{}, err
	}
	amount, err := e.convert(ctx, pct(orig.Amount.Abs(), refundPct), orig.Currency, w.Currency)
	if err != nil {
		return w, domain.Transaction{}, err
	}
	credit(&w, amount)
	if err := e.saveWallet(ctx, s, &w); err != nil {
		return w, domain.Transaction{}, err
	}
	ref := orig.ID
	t, err := e.ledger(ctx, s, w, domain.TxRefund, amount, &ref, "refund of "+orig.ID)
	if err != nil {
		return w, t, err
	}
	if err := e.event(ctx, s, events.WalletRefund, w, events.EventPayload{"amount": amount.String(), "transaction_id": t.ID, "reference_id": ref}); err != nil {
		return w, t, err
	}
	s.notify(notify.TemplateRefundProcessed, principalID, map[string]any{"amount": money(amount), "currency": w.Currency, "transaction_id": orig.ID})
	return w, t, nil
}

// returnFunding moves a project's funding back from the site wallet to the
// owner in full, as a refund of the owner's original withdrawal.
func (e Engine) returnFunding(ctx context.Context, s *scope, ownerID string, amount decimal.Decimal, cur string, fundingTxID *string) (domain.Wallet, error) {
	site, err := e.siteWalletTx(ctx, s, e.siteAccountID())
	if err != nil {
		return domain.Wallet{}, err
	}
	fromSite, err := e.convert(ctx, amount, cur, site.Currency)
	if err != nil {
		return domain.Wallet{}, err
	}
	if err := debit(&site, fromSite); err != nil {
		return domain.Wallet{}, err
	}
	if err := e.saveWallet(ctx, s, &site); err != nil {
		return domain.Wallet{}, err
	}
	if _, err := e.ledger(ctx, s, site, domain.TxWithdrawal, fromSite.Neg(), nil, "project refund to "+ownerID); err != nil {
		return domain.Wallet{}, err
	}
	w, err := e.walletTx(ctx, s, ownerID)
	if err != nil {
		return w, err
	}
	back, err := e.convert(ctx, amount, cur, w.Currency)
	if err != nil {
		return w, err
	}
	credit(&w, back)
	if err := e.saveWallet(ctx, s, &w); err != nil {
		return w, err
	}
	t, err := e.ledger(ctx, s, w, domain.TxRefund, back, fundingTxID, "project funding returned")
	if err != nil {
		return w, err
	}
	if err := e.event(ctx, s, events.WalletRefund, w, events.EventPayload{"amount": back.String(), "transaction_id": t.ID}); err != nil {
		return w, err
	}
	s.notify(notify.TemplateRefundProcessed, ownerID, map[string]any{"amount": money(back), "currency": w.Currency})
	return w, nil
}

// --- public operations ---

func (e Engine) CreateWallet(ctx context.Context, actor auth.Principal, principalID, cur string) (domain.Wallet, error) {
	if err := e.walletAccess(actor, principalID); err != nil {
		return domain.Wallet{}, err
	}
	var w domain.Wallet
	err := e.inTx(ctx, func(s *scope) error {
		var err error
		w, err = e.createWallet(ctx, s, principalID, domain.OwnerUser, cur)
		return err
	})
	return w, err
}

// EnsureSiteWallet creates the platform wallet for the configured site
// account if it does not exist yet.
func (e Engine) EnsureSiteWallet(ctx context.Context) (domain.Wallet, error) {
	var w domain.Wallet
	err := e.inTx(ctx, func(s *scope) error {
		existing, err := e.Repo.GetPlatformWalletTx(ctx, s.tx, e.siteAccountID())
		if err == nil {
			w = existing
			return nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		w, err = e.createWallet(ctx, s, e.siteAccountID(), domain.OwnerPlatform, "")
		return err
	})
	return w, err
}

func (e Engine) GetWallet(ctx context.Context, actor auth.Principal, principalID string) (domain.Wallet, error) {
	if err := e.walletAccess(actor, principalID); err != nil {
		return domain.Wallet{}, err
	}
	w, err := e.Repo.GetWalletByOwner(ctx, principalID)
	if errors.Is(err, repo.ErrNotFound) {
		return w, fmt.Errorf("%w: %s", ErrWalletNotFound, principalID)
	}
	return w, err
}

func (e Engine) AddFunds(ctx context.Context, actor auth.Principal, principalID string, amount decimal.Decimal, cur string) (domain.Wallet, error) {
	if err := e.walletAccess(actor, principalID); err != nil {
		return domain.Wallet{}, err
	}
	var w domain.Wallet
	err := e.inTx(ctx, func(s *scope) error {
		var err error
		w, _, err = e.addFunds(ctx, s, principalID, amount, cur)
		return err
	})
	return w, err
}

func (e Engine) DeductFunds(ctx context.Context, actor auth.Principal, principalID string, amount decimal.Decimal, cur string) (domain.Wallet, error) {
	if err := e.walletAccess(actor, principalID); err != nil {
		return domain.Wallet{}, err
	}
	var w domain.Wallet
	err := e.inTx(ctx, func(s *scope) error {
		var err error
		w, _, err = e.deductFunds(ctx, s, principalID, amount, cur, "")
		return err
	})
	return w, err
}

// TransferToFreelancer credits the freelancer in full; the notice reports
// the amount net of the platform commission.
func (e Engine) TransferToFreelancer(ctx context.Context, actor auth.Principal, freelancerID string, amount decimal.Decimal, cur string) (domain.Wallet, error) {
	if err := e.require(actor, auth.PermWalletManage); err != nil {
		return domain.Wallet{}, err
	}
	var w domain.Wallet
	err := e.inTx(ctx, func(s *scope) error {
		var received decimal.Decimal
		var err error
		w, received, err = e.transferToFreelancer(ctx, s, freelancerID, amount, cur)
		if err != nil {
			return err
		}
		net := received.Sub(pct(received, commissionPct))
		s.notify(notify.TemplateTransferredToFreelancer, freelancerID, map[string]any{"amount": money(net), "currency": w.Currency})
		return nil
	})
	return w, err
}

func (e Engine) TransferToSiteAccount(ctx context.Context, actor auth.Principal, adminID string, amount decimal.Decimal, cur string) (domain.Wallet, error) {
	if err := e.require(actor, auth.PermWalletManage); err != nil {
		return domain.Wallet{}, err
	}
	var w domain.Wallet
	err := e.inTx(ctx, func(s *scope) error {
		var err error
		w, err = e.transferToSiteAccount(ctx, s, adminID, amount, cur)
		return err
	})
	return w, err
}

func (e Engine) HoldFundsInEscrow(ctx context.Context, actor auth.Principal, principalID string, amount decimal.Decimal, cur string) (domain.Wallet, error) {
	if err := e.require(actor, auth.PermWalletManage); err != nil {
		return domain.Wallet{}, err
	}
	var w domain.Wallet
	err := e.inTx(ctx, func(s *scope) error {
		var err error
		w, err = e.holdEscrow(ctx, s, principalID, amount, cur)
		return err
	})
	return w, err
}

func (e Engine) ReleaseEscrowFunds(ctx context.Context, actor auth.Principal, principalID string, amount decimal.Decimal, cur string) (domain.Wallet, error) {
	if err := e.require(actor, auth.PermWalletManage); err != nil {
		return domain.Wallet{}, err
	}
	var w domain.Wallet
	err := e.inTx(ctx, func(s *scope) error {
		var err error
		w, err = e.releaseEscrow(ctx, s, principalID, amount, cur)
		return err
	})
	return w, err
}

func (e Engine) RefundTransaction(ctx context.Context, actor auth.Principal, principalID, transactionID string) (domain.Transaction, error) {
	if err := e.walletAccess(actor, principalID); err != nil {
		return domain.Transaction{}, err
	}
	var t domain.Transaction
	err := e.inTx(ctx, func(s *scope) error {
		var err error
		_, t, err = e.refundTransaction(ctx, s, principalID, transactionID)
		return err
	})
	return t, err
}

// GetTransactions returns the principal's ledger newest first.
func (e Engine) GetTransactions(ctx context.Context, actor auth.Principal, principalID string, limit int) ([]domain.Transaction, error) {
	if err := e.walletAccess(actor, principalID); err != nil {
		return nil, err
	}
	return e.Repo.ListTransactions(ctx, principalID, limit)
}
