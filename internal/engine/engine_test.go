package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"gigmarket/internal/config"
	"gigmarket/internal/db"
	"gigmarket/internal/domain"
	"gigmarket/internal/engine"
	"gigmarket/internal/engine/auth"
	"gigmarket/internal/events"
	"gigmarket/internal/migrate"
	"gigmarket/internal/notify"
	"gigmarket/internal/repo"
)

var (
	owner      = auth.Principal{ID: "owner-1", Roles: []string{auth.RoleOwner}}
	freelancer = auth.Principal{ID: "free-1", Roles: []string{auth.RoleFreelancer}}
	rival      = auth.Principal{ID: "free-2", Roles: []string{auth.RoleFreelancer}}
	admin      = auth.System("admin")
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Sent   *notify.Memory
	clock  *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{Ctx: context.Background(), Sent: &notify.Memory{}}
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	env.clock = &now
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return *env.clock }
	eng.Notifier = env.Sent
	env.Engine = eng
	if _, err := eng.EnsureSiteWallet(env.Ctx); err != nil {
		t.Fatalf("site wallet: %v", err)
	}
	for _, p := range []auth.Principal{owner, freelancer, rival} {
		if _, err := eng.CreateUser(env.Ctx, admin, domain.User{ID: p.ID}); err != nil {
			t.Fatalf("create user %s: %v", p.ID, err)
		}
	}
	return env
}

func (env *testEnv) rooms(t *testing.T, projectID string) map[domain.RoomType]domain.RoomStatus {
	t.Helper()
	rooms, err := env.Engine.ListRooms(env.Ctx, projectID)
	if err != nil {
		t.Fatalf("list rooms: %v", err)
	}
	res := make(map[domain.RoomType]domain.RoomStatus, len(rooms))
	for _, r := range rooms {
		res[r.Type] = r.Status
	}
	return res
}

func (env *testEnv) advance(d time.Duration) {
	*env.clock = env.clock.Add(d)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertAmount(t *testing.T, what string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(dec(want)) {
		t.Fatalf("%s: got %s, want %s", what, got, want)
	}
}

func assertConsistent(t *testing.T, w domain.Wallet) {
	t.Helper()
	if !w.Consistent() {
		t.Fatalf("wallet %s inconsistent: balance %s available %s pending %s escrow %s", w.OwnerID, w.Balance, w.Available, w.Pending, w.Escrow)
	}
}

func (env *testEnv) wallet(t *testing.T, id string) domain.Wallet {
	t.Helper()
	w, err := env.Engine.GetWallet(env.Ctx, admin, id)
	if err != nil {
		t.Fatalf("get wallet %s: %v", id, err)
	}
	assertConsistent(t, w)
	return w
}

func (env *testEnv) fund(t *testing.T, p auth.Principal, amount string) domain.Wallet {
	t.Helper()
	if _, err := env.Engine.CreateWallet(env.Ctx, p, p.ID, ""); err != nil {
		t.Fatalf("create wallet %s: %v", p.ID, err)
	}
	if amount == "" {
		return env.wallet(t, p.ID)
	}
	w, err := env.Engine.AddFunds(env.Ctx, p, p.ID, dec(amount), "")
	if err != nil {
		t.Fatalf("add funds %s: %v", p.ID, err)
	}
	return w
}

func (env *testEnv) project(t *testing.T, name string) domain.Project {
	t.Helper()
	p, err := env.Engine.CreateProject(env.Ctx, owner, engine.ProjectCreateOptions{
		Name:         name,
		Budget:       dec("1500"),
		DurationDays: 10,
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

func (env *testEnv) bid(t *testing.T, who auth.Principal, projectID, amount string) domain.Bid {
	t.Helper()
	b, err := env.Engine.CreateBid(env.Ctx, who, engine.BidCreateOptions{
		ProjectID:    projectID,
		Amount:       dec(amount),
		DeliveryDays: 7,
	})
	if err != nil {
		t.Fatalf("create bid: %v", err)
	}
	return b
}

// hired returns an in-progress project with freelancer's 1000 bid accepted.
func (env *testEnv) hired(t *testing.T) (domain.Project, domain.Bid) {
	t.Helper()
	env.fund(t, owner, "2000")
	env.fund(t, freelancer, "")
	p := env.project(t, "landing page")
	b := env.bid(t, freelancer, p.ID, "1000")
	p, err := env.Engine.AcceptBid(env.Ctx, owner, p.ID, b.ID)
	if err != nil {
		t.Fatalf("accept bid: %v", err)
	}
	return p, b
}

func TestAddFundsSplitsAvailableAndPending(t *testing.T) {
	env := newTestEnv(t)
	w := env.fund(t, owner, "100")
	assertAmount(t, "available", w.Available, "80")
	assertAmount(t, "pending", w.Pending, "20")
	assertAmount(t, "balance", w.Balance, "100")
	assertConsistent(t, w)

	txs, err := env.Engine.GetTransactions(env.Ctx, owner, owner.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 1 || txs[0].Type != domain.TxDeposit {
		t.Fatalf("expected one deposit, got %+v", txs)
	}
	assertAmount(t, "deposit", txs[0].Amount, "100")
	if len(env.Sent.ByTemplate(notify.TemplateFundsAdded)) != 1 {
		t.Fatalf("expected funds-added notification")
	}
}

func TestDeductMoreThanBalanceFails(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, owner, "50")
	_, err := env.Engine.DeductFunds(env.Ctx, owner, owner.ID, dec("60"), "")
	if !errors.Is(err, engine.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	n, err := env.Engine.Repo.CountTransactions(env.Ctx, owner.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected only the deposit, got %d transactions", n)
	}
	w := env.wallet(t, owner.ID)
	assertAmount(t, "balance", w.Balance, "50")
}

func TestDeductDrainsAvailableBeforePending(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, owner, "100")
	w, err := env.Engine.DeductFunds(env.Ctx, owner, owner.ID, dec("90"), "")
	if err != nil {
		t.Fatal(err)
	}
	assertAmount(t, "available", w.Available, "0")
	assertAmount(t, "pending", w.Pending, "10")
	assertConsistent(t, w)
}

func TestConcurrentDeductsSerialise(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, owner, "100")

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, short := 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.DeductFunds(env.Ctx, owner, owner.ID, dec("20"), "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, engine.ErrInsufficientFunds):
				short++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if succeeded != 5 || short != 5 {
		t.Fatalf("expected 5 successes and 5 rejections, got %d and %d", succeeded, short)
	}
	w := env.wallet(t, owner.ID)
	assertAmount(t, "balance", w.Balance, "0")
}

func TestWalletAccessRequiresOwnershipOrManage(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, owner, "10")
	_, err := env.Engine.GetWallet(env.Ctx, freelancer, owner.ID)
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := env.Engine.TransferToFreelancer(env.Ctx, owner, owner.ID, dec("1"), ""); !errors.As(err, &fe) {
		t.Fatalf("transfer by owner should be forbidden, got %v", err)
	}
	if _, err := env.Engine.CreateWallet(env.Ctx, owner, owner.ID, ""); !errors.Is(err, engine.ErrAlreadyExists) {
		t.Fatalf("expected duplicate wallet error, got %v", err)
	}
}

func TestEscrowHoldAndRelease(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, freelancer, "100")
	w, err := env.Engine.HoldFundsInEscrow(env.Ctx, admin, freelancer.ID, dec("30"), "")
	if err != nil {
		t.Fatal(err)
	}
	assertAmount(t, "escrow", w.Escrow, "30")
	assertAmount(t, "balance", w.Balance, "70")
	if _, err := env.Engine.ReleaseEscrowFunds(env.Ctx, admin, freelancer.ID, dec("31"), ""); !errors.Is(err, engine.ErrInsufficientEscrow) {
		t.Fatalf("expected insufficient escrow, got %v", err)
	}
	w, err = env.Engine.ReleaseEscrowFunds(env.Ctx, admin, freelancer.ID, dec("30"), "")
	if err != nil {
		t.Fatal(err)
	}
	assertAmount(t, "escrow", w.Escrow, "0")
	assertAmount(t, "balance", w.Balance, "100")
}

func TestRefundRules(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, owner, "200")
	txs, _ := env.Engine.GetTransactions(env.Ctx, owner, owner.ID, 0)
	if _, err := env.Engine.RefundTransaction(env.Ctx, owner, owner.ID, txs[0].ID); !errors.Is(err, engine.ErrCannotRefundDeposit) {
		t.Fatalf("expected deposit refusal, got %v", err)
	}
	if _, err := env.Engine.DeductFunds(env.Ctx, owner, owner.ID, dec("100"), ""); err != nil {
		t.Fatal(err)
	}
	txs, _ = env.Engine.GetTransactions(env.Ctx, owner, owner.ID, 0)
	withdrawal := txs[0]
	assertAmount(t, "withdrawal", withdrawal.Amount, "-100")

	refund, err := env.Engine.RefundTransaction(env.Ctx, owner, owner.ID, withdrawal.ID)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refund.Type != domain.TxRefund || refund.ReferenceID == nil || *refund.ReferenceID != withdrawal.ID {
		t.Fatalf("unexpected refund row %+v", refund)
	}
	assertAmount(t, "refund", refund.Amount, "90")
	w := env.wallet(t, owner.ID)
	assertAmount(t, "balance", w.Balance, "190")

	if _, err := env.Engine.RefundTransaction(env.Ctx, owner, owner.ID, withdrawal.ID); !errors.Is(err, engine.ErrAlreadyExists) {
		t.Fatalf("expected second refund to fail, got %v", err)
	}
	if _, err := env.Engine.RefundTransaction(env.Ctx, owner, owner.ID, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDailyBidQuota(t *testing.T) {
	env := newTestEnv(t)
	var projects []domain.Project
	for i := 0; i < 7; i++ {
		projects = append(projects, env.project(t, "p"))
	}
	for i := 0; i < 5; i++ {
		env.bid(t, freelancer, projects[i].ID, "100")
	}
	_, err := env.Engine.CreateBid(env.Ctx, freelancer, engine.BidCreateOptions{ProjectID: projects[5].ID, Amount: dec("100"), DeliveryDays: 3})
	if !errors.Is(err, engine.ErrDailyQuotaExceeded) {
		t.Fatalf("expected quota error, got %v", err)
	}
	if left, _ := env.Engine.RemainingBids(env.Ctx, freelancer.ID); left != 0 {
		t.Fatalf("expected no bids left, got %d", left)
	}
	env.advance(24 * time.Hour)
	if left, _ := env.Engine.RemainingBids(env.Ctx, freelancer.ID); left != 5 {
		t.Fatalf("expected reset allowance, got %d", left)
	}
	env.bid(t, freelancer, projects[5].ID, "100")
}

func TestSubscriptionOverridesQuota(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateUser(env.Ctx, admin, domain.User{ID: freelancer.ID}); !errors.Is(err, engine.ErrAlreadyExists) {
		t.Fatalf("expected duplicate user, got %v", err)
	}
	limit := 2
	_, err := env.Engine.SetSubscription(env.Ctx, admin, domain.Subscription{
		UserID:        freelancer.ID,
		PackageName:   "starter",
		MaxBidsPerDay: &limit,
		StartDate:     "2023-12-01",
		EndDate:       "2024-01-31",
	})
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := env.Engine.MaxBidsPerDay(env.Ctx, freelancer.ID); n != 2 {
		t.Fatalf("expected subscription limit, got %d", n)
	}
	a, b, c := env.project(t, "a"), env.project(t, "b"), env.project(t, "c")
	env.bid(t, freelancer, a.ID, "10")
	env.bid(t, freelancer, b.ID, "10")
	if _, err := env.Engine.CreateBid(env.Ctx, freelancer, engine.BidCreateOptions{ProjectID: c.ID, Amount: dec("10"), DeliveryDays: 1}); !errors.Is(err, engine.ErrDailyQuotaExceeded) {
		t.Fatalf("expected quota error, got %v", err)
	}
	env.advance(60 * 24 * time.Hour)
	if n, _ := env.Engine.MaxBidsPerDay(env.Ctx, freelancer.ID); n != 5 {
		t.Fatalf("expired subscription should fall back to default, got %d", n)
	}
}

func TestDuplicateBidKeepsQuota(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "dup")
	env.bid(t, freelancer, p.ID, "100")
	_, err := env.Engine.CreateBid(env.Ctx, freelancer, engine.BidCreateOptions{ProjectID: p.ID, Amount: dec("90"), DeliveryDays: 2})
	if !errors.Is(err, engine.ErrDuplicateBid) {
		t.Fatalf("expected duplicate bid, got %v", err)
	}
	if left, _ := env.Engine.RemainingBids(env.Ctx, freelancer.ID); left != 4 {
		t.Fatalf("duplicate must not consume quota, remaining %d", left)
	}
}

func TestBidNeedsRegisteredFreelancer(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "strangers")
	stranger := auth.Principal{ID: "free-9", Roles: []string{auth.RoleFreelancer}}
	_, err := env.Engine.CreateBid(env.Ctx, stranger, engine.BidCreateOptions{ProjectID: p.ID, Amount: dec("10"), DeliveryDays: 1})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected unknown freelancer, got %v", err)
	}
	if _, err := env.Engine.GetUser(env.Ctx, stranger.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("bidding must not register the freelancer, got %v", err)
	}
}

func TestBidValidation(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "own")
	if _, err := env.Engine.CreateBid(env.Ctx, owner, engine.BidCreateOptions{ProjectID: p.ID, Amount: dec("1"), DeliveryDays: 1}); err == nil {
		t.Fatalf("owner role has no bid permission")
	}
	if _, err := env.Engine.CreateBid(env.Ctx, freelancer, engine.BidCreateOptions{ProjectID: p.ID, Amount: dec("0"), DeliveryDays: 1}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
	if _, err := env.Engine.CreateBid(env.Ctx, freelancer, engine.BidCreateOptions{ProjectID: p.ID, OwnerID: "someone", Amount: dec("1"), DeliveryDays: 1}); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected owner mismatch, got %v", err)
	}
	if _, err := env.Engine.CreateBid(env.Ctx, freelancer, engine.BidCreateOptions{ProjectID: "missing", Amount: dec("1"), DeliveryDays: 1}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected missing project, got %v", err)
	}
}

func TestAcceptBid(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, owner, "2000")
	env.fund(t, freelancer, "")
	p := env.project(t, "site")
	b1 := env.bid(t, freelancer, p.ID, "1000")
	b2 := env.bid(t, rival, p.ID, "900")

	if _, err := env.Engine.AcceptBid(env.Ctx, freelancer, p.ID, b1.ID); err == nil {
		t.Fatalf("only the owner may accept")
	}
	p, err := env.Engine.AcceptBid(env.Ctx, owner, p.ID, b1.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if p.Status != domain.ProjectInProgress || p.SelectedBidID == nil || *p.SelectedBidID != b1.ID {
		t.Fatalf("unexpected project %+v", p)
	}
	if p.StartDate == nil || *p.StartDate != "2024-01-01" || p.EndDate == nil || *p.EndDate != "2024-01-11" {
		t.Fatalf("unexpected dates %v %v", p.StartDate, p.EndDate)
	}
	if _, err := env.Engine.AcceptBid(env.Ctx, owner, p.ID, b2.ID); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("second accept should fail, got %v", err)
	}
	accepted, err := env.Engine.ListBids(env.Ctx, repo.BidFilters{ProjectID: p.ID, Status: string(domain.BidAccepted)})
	if err != nil {
		t.Fatal(err)
	}
	if len(accepted) != 1 {
		t.Fatalf("expected one accepted bid, got %d", len(accepted))
	}
	assertAmount(t, "owner balance", env.wallet(t, owner.ID).Balance, "1000")
	assertAmount(t, "site balance", env.wallet(t, "platform").Balance, "1000")
	if len(env.Sent.ByTemplate(notify.TemplateBidAccepted)) != 1 {
		t.Fatalf("expected freelancer notification")
	}
}

func TestAcceptBidRollsBackOnInsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, owner, "100")
	p := env.project(t, "too expensive")
	b := env.bid(t, freelancer, p.ID, "1000")

	_, err := env.Engine.AcceptBid(env.Ctx, owner, p.ID, b.ID)
	if !errors.Is(err, engine.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	got, _ := env.Engine.GetProject(env.Ctx, p.ID)
	if got.Status != domain.ProjectPending || got.SelectedBidID != nil {
		t.Fatalf("project must be untouched, got %+v", got)
	}
	bid, _ := env.Engine.GetBid(env.Ctx, b.ID)
	if bid.Status != domain.BidPending {
		t.Fatalf("bid must stay pending, got %s", bid.Status)
	}
	assertAmount(t, "owner", env.wallet(t, owner.ID).Balance, "100")
	assertAmount(t, "site", env.wallet(t, "platform").Balance, "0")
	rooms, _ := env.Engine.ListRooms(env.Ctx, p.ID)
	if len(rooms) != 0 {
		t.Fatalf("rooms must not be created, got %d", len(rooms))
	}
	if len(env.Sent.ByTemplate(notify.TemplateFundsDeducted)) != 0 {
		t.Fatalf("no notification may escape a rolled back transaction")
	}
}

func TestTestingAndCompletionPayout(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.hired(t)

	p, err := env.Engine.SendProjectToTesting(env.Ctx, owner, p.ID)
	if err != nil {
		t.Fatalf("testing: %v", err)
	}
	if p.Status != domain.ProjectTesting {
		t.Fatalf("status %s", p.Status)
	}
	fw := env.wallet(t, freelancer.ID)
	assertAmount(t, "spendable", fw.Available, "700")
	assertAmount(t, "escrow", fw.Escrow, "300")
	assertAmount(t, "site", env.wallet(t, "platform").Balance, "0")

	p, err = env.Engine.CompleteProject(env.Ctx, owner, p.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if p.Status != domain.ProjectCompleted {
		t.Fatalf("status %s", p.Status)
	}
	fw = env.wallet(t, freelancer.ID)
	assertAmount(t, "freelancer balance", fw.Balance, "970")
	assertAmount(t, "escrow", fw.Escrow, "0")
	assertAmount(t, "site fee", env.wallet(t, "platform").Balance, "30")

	if _, err := env.Engine.CompleteProject(env.Ctx, owner, p.ID); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("completed project cannot complete again, got %v", err)
	}
	if n := len(env.Sent.ByTemplate(notify.TemplateTransferredToFreelancer)); n != 0 {
		t.Fatalf("stage payouts carry their own notices, got %d transfer notices", n)
	}
	if n := len(env.Sent.ByTemplate(notify.TemplateProjectTesting)); n != 1 {
		t.Fatalf("expected one testing notice, got %d", n)
	}
	rooms, _ := env.Engine.ListRooms(env.Ctx, p.ID)
	for _, r := range rooms {
		if r.Status != domain.RoomClosed {
			t.Fatalf("room %s should be closed, is %s", r.Type, r.Status)
		}
	}
}

func TestCompleteFromInProgressPaysNet(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.hired(t)
	if _, err := env.Engine.CompleteProject(env.Ctx, owner, p.ID); err != nil {
		t.Fatal(err)
	}
	assertAmount(t, "freelancer", env.wallet(t, freelancer.ID).Balance, "900")
	assertAmount(t, "site", env.wallet(t, "platform").Balance, "100")
	if n := len(env.Sent.ByTemplate(notify.TemplateTransferredToFreelancer)); n != 0 {
		t.Fatalf("completion notice only, got %d transfer notices", n)
	}
	done := env.Sent.ByTemplate(notify.TemplateProjectCompleted)
	if len(done) != 2 || done[0].Data["amount"] != "900.00" {
		t.Fatalf("unexpected completion notices %+v", done)
	}
}

func TestTransferToFreelancerNoticeIsNet(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, freelancer, "")
	if _, err := env.Engine.TransferToSiteAccount(env.Ctx, admin, "platform", dec("500"), ""); err != nil {
		t.Fatal(err)
	}
	w, err := env.Engine.TransferToFreelancer(env.Ctx, admin, freelancer.ID, dec("200"), "")
	if err != nil {
		t.Fatal(err)
	}
	assertAmount(t, "credited", w.Balance, "200")
	sent := env.Sent.ByTemplate(notify.TemplateTransferredToFreelancer)
	if len(sent) != 1 || sent[0].Recipient != freelancer.ID || sent[0].Data["amount"] != "180.00" {
		t.Fatalf("unexpected transfer notices %+v", sent)
	}
}

func TestCancelInProgressReturnsFunding(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.hired(t)
	p, err := env.Engine.CancelProject(env.Ctx, owner, p.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if p.Status != domain.ProjectCancelled {
		t.Fatalf("status %s", p.Status)
	}
	assertAmount(t, "owner", env.wallet(t, owner.ID).Balance, "2000")
	assertAmount(t, "site", env.wallet(t, "platform").Balance, "0")
	if _, err := env.Engine.RefundTransaction(env.Ctx, owner, owner.ID, *p.FundingTransactionID); !errors.Is(err, engine.ErrAlreadyExists) {
		t.Fatalf("funding was already returned, got %v", err)
	}
	if _, err := env.Engine.SendProjectToTesting(env.Ctx, owner, p.ID); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("cancelled project cannot move, got %v", err)
	}
}

func TestRejectProjectNeedsOverride(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "spam")
	var fe auth.ForbiddenError
	if _, err := env.Engine.RejectProject(env.Ctx, owner, p.ID); !errors.As(err, &fe) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	p, err := env.Engine.RejectProject(env.Ctx, admin, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != domain.ProjectRejected {
		t.Fatalf("status %s", p.Status)
	}
	if _, err := env.Engine.CreateBid(env.Ctx, freelancer, engine.BidCreateOptions{ProjectID: p.ID, Amount: dec("1"), DeliveryDays: 1}); !errors.Is(err, engine.ErrProjectNotOpen) {
		t.Fatalf("expected closed project, got %v", err)
	}
}

func TestUpdateProjectStatusForces(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "forced")
	p, err := env.Engine.UpdateProjectStatus(env.Ctx, admin, p.ID, domain.ProjectTesting)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != domain.ProjectTesting {
		t.Fatalf("status %s", p.Status)
	}
	if _, err := env.Engine.UpdateProjectStatus(env.Ctx, admin, p.ID, "bogus"); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid status, got %v", err)
	}
}

func TestNegotiationEligibility(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, owner, "2000")
	env.fund(t, freelancer, "")
	p := env.project(t, "chat")
	if _, err := env.Engine.OpenIntroductionRoom(env.Ctx, owner, p.ID); err != nil {
		t.Fatalf("open intro: %v", err)
	}
	b := env.bid(t, freelancer, p.ID, "1000")
	env.bid(t, rival, p.ID, "800")

	if _, err := env.Engine.JoinRoom(env.Ctx, freelancer, p.ID, domain.RoomIntroduction); err != nil {
		t.Fatalf("anyone may join the introduction: %v", err)
	}
	if _, err := env.Engine.JoinRoom(env.Ctx, freelancer, p.ID, domain.RoomNegotiation); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("negotiation is locked before acceptance, got %v", err)
	}
	if _, err := env.Engine.AcceptBid(env.Ctx, owner, p.ID, b.ID); err != nil {
		t.Fatal(err)
	}

	var fe auth.ForbiddenError
	if _, err := env.Engine.JoinRoom(env.Ctx, rival, p.ID, domain.RoomNegotiation); !errors.As(err, &fe) {
		t.Fatalf("pending bidder must not join, got %v", err)
	}
	_, err := env.Engine.SendMessage(env.Ctx, rival, engine.MessageOptions{ProjectID: p.ID, RoomType: domain.RoomNegotiation, Content: "hi"})
	if !errors.As(err, &fe) {
		t.Fatalf("pending bidder must not send, got %v", err)
	}
	room, err := env.Engine.JoinRoom(env.Ctx, freelancer, p.ID, domain.RoomNegotiation)
	if err != nil {
		t.Fatalf("accepted freelancer join: %v", err)
	}
	if room.Status != domain.RoomActive {
		t.Fatalf("negotiation should be active, is %s", room.Status)
	}
	msg, err := env.Engine.SendMessage(env.Ctx, freelancer, engine.MessageOptions{ProjectID: p.ID, RoomType: domain.RoomNegotiation, Content: "ready"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Status != domain.MessageSent || msg.RoomID != room.ID {
		t.Fatalf("unexpected message %+v", msg)
	}
	if _, err := env.Engine.SendMessage(env.Ctx, freelancer, engine.MessageOptions{ProjectID: p.ID, RoomType: domain.RoomIntroduction, Content: "late"}); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("introduction closed after acceptance, got %v", err)
	}
}

func TestMessageLifecycle(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "messages")
	if _, err := env.Engine.OpenIntroductionRoom(env.Ctx, owner, p.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.JoinRoom(env.Ctx, freelancer, p.ID, domain.RoomIntroduction); err != nil {
		t.Fatal(err)
	}
	msg, err := env.Engine.SendMessage(env.Ctx, owner, engine.MessageOptions{
		ProjectID: p.ID, RoomType: domain.RoomIntroduction, ReceiverID: freelancer.ID, Content: "hello",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.MarkDelivered(env.Ctx, msg.ID); err != nil {
		t.Fatal(err)
	}
	var fe auth.ForbiddenError
	if _, err := env.Engine.MarkAsRead(env.Ctx, owner, msg.ID); !errors.As(err, &fe) {
		t.Fatalf("sender cannot read-receipt own message, got %v", err)
	}
	read, err := env.Engine.MarkAsRead(env.Ctx, freelancer, msg.ID)
	if err != nil || read.Status != domain.MessageRead {
		t.Fatalf("mark read: %v %s", err, read.Status)
	}
	if _, err := env.Engine.UpdateMessage(env.Ctx, freelancer, msg.ID, "edited"); !errors.As(err, &fe) {
		t.Fatalf("only the sender edits, got %v", err)
	}
	if _, err := env.Engine.UpdateMessage(env.Ctx, owner, msg.ID, "hello there"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := env.Engine.ReactMessage(env.Ctx, freelancer, msg.ID, "+1"); err != nil {
			t.Fatal(err)
		}
	}
	file, err := env.Engine.SendFile(env.Ctx, freelancer, p.ID, domain.RoomIntroduction, "https://files.example/spec.pdf", "application/pdf")
	if err != nil {
		t.Fatal(err)
	}
	if file.Kind != domain.MessageFile {
		t.Fatalf("kind %s", file.Kind)
	}

	history, err := env.Engine.ChatHistory(env.Ctx, freelancer, p.ID, domain.RoomIntroduction, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[0].ID != file.ID {
		t.Fatalf("expected newest first, got %+v", history)
	}
	if history[1].Content != "hello there" || len(history[1].Reactions) != 2 {
		t.Fatalf("unexpected first message %+v", history[1])
	}

	if _, err := env.Engine.DeleteMessage(env.Ctx, owner, msg.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.GetMessage(env.Ctx, msg.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("deleted message still present: %v", err)
	}
	rooms, err := env.Engine.AvailableRooms(env.Ctx, freelancer)
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 1 || rooms[0].Type != domain.RoomIntroduction {
		t.Fatalf("expected the introduction room, got %+v", rooms)
	}
}

func TestContractStages(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.hired(t)

	stage, err := env.Engine.AdvanceStage(env.Ctx, owner, p.ID)
	if err != nil || stage != domain.RoomContract {
		t.Fatalf("advance to contract: %v %s", err, stage)
	}
	var fe auth.ForbiddenError
	if _, err := env.Engine.JoinRoom(env.Ctx, freelancer, p.ID, domain.RoomContract); !errors.As(err, &fe) {
		t.Fatalf("unsigned freelancer kept out of contract room, got %v", err)
	}
	if _, err := env.Engine.SignContract(env.Ctx, freelancer, p.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SignContract(env.Ctx, freelancer, p.ID); !errors.Is(err, engine.ErrAlreadyExists) {
		t.Fatalf("double signature, got %v", err)
	}
	if _, err := env.Engine.JoinRoom(env.Ctx, freelancer, p.ID, domain.RoomContract); err != nil {
		t.Fatalf("signed freelancer join: %v", err)
	}
	if _, err := env.Engine.AdvanceStage(env.Ctx, owner, p.ID); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("owner has not signed yet, got %v", err)
	}
	if got := env.rooms(t, p.ID); got[domain.RoomContract] != domain.RoomActive || got[domain.RoomExecution] != domain.RoomLocked {
		t.Fatalf("one signature keeps the contract room live, got %v", got)
	}
	c, err := env.Engine.SignContract(env.Ctx, owner, p.ID)
	if err != nil || !c.Signed {
		t.Fatalf("owner sign: %v %+v", err, c)
	}
	if got := env.rooms(t, p.ID); got[domain.RoomExecution] != domain.RoomActive || got[domain.RoomContract] != domain.RoomClosed {
		t.Fatalf("both signatures open execution, got %v", got)
	}
	if got, _ := env.Engine.CurrentStage(env.Ctx, p.ID); got != domain.RoomExecution {
		t.Fatalf("current stage %s", got)
	}
	if _, err := env.Engine.AdvanceStage(env.Ctx, owner, p.ID); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("nothing follows execution, got %v", err)
	}
	if _, err := env.Engine.SendMessage(env.Ctx, freelancer, engine.MessageOptions{ProjectID: p.ID, RoomType: domain.RoomExecution, Content: "shipping"}); err != nil {
		t.Fatalf("execution message: %v", err)
	}
	if _, err := env.Engine.SendMessage(env.Ctx, owner, engine.MessageOptions{ProjectID: p.ID, RoomType: domain.RoomContract, Content: "one more clause"}); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("contract stage is over, got %v", err)
	}
	if _, err := env.Engine.GetContract(env.Ctx, rival, p.ID); !errors.As(err, &fe) {
		t.Fatalf("outsider reads contract, got %v", err)
	}
	if _, err := env.Engine.SendProjectToTesting(env.Ctx, owner, p.ID); err != nil {
		t.Fatalf("testing after signature: %v", err)
	}
	if got := env.rooms(t, p.ID); got[domain.RoomExecution] != domain.RoomActive {
		t.Fatalf("execution stays live in testing, got %v", got)
	}
}

func TestSendMessageFollowsCurrentStage(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.hired(t)
	if _, err := env.Engine.AdvanceStage(env.Ctx, owner, p.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SignContract(env.Ctx, freelancer, p.ID); err != nil {
		t.Fatal(err)
	}
	// the freelancer may still access negotiation, but the project moved on
	_, err := env.Engine.SendMessage(env.Ctx, freelancer, engine.MessageOptions{ProjectID: p.ID, RoomType: domain.RoomNegotiation, Content: "old thread"})
	if !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("negotiation is behind the current stage, got %v", err)
	}
	if _, err := env.Engine.SendMessage(env.Ctx, freelancer, engine.MessageOptions{ProjectID: p.ID, RoomType: domain.RoomExecution, Content: "early"}); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("execution is ahead of the current stage, got %v", err)
	}
	var fe auth.ForbiddenError
	if _, err := env.Engine.SendMessage(env.Ctx, rival, engine.MessageOptions{ProjectID: p.ID, RoomType: domain.RoomContract, Content: "hi"}); !errors.As(err, &fe) {
		t.Fatalf("outsider in the contract stage, got %v", err)
	}
	if _, err := env.Engine.SendMessage(env.Ctx, freelancer, engine.MessageOptions{ProjectID: p.ID, RoomType: domain.RoomContract, Content: "signed"}); err != nil {
		t.Fatalf("contract message: %v", err)
	}
}

func TestForcedStatusSyncsRooms(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "forced chat")
	if _, err := env.Engine.OpenIntroductionRoom(env.Ctx, owner, p.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateProjectStatus(env.Ctx, admin, p.ID, domain.ProjectCompleted); err != nil {
		t.Fatal(err)
	}
	for typ, status := range env.rooms(t, p.ID) {
		if status != domain.RoomClosed {
			t.Fatalf("%s room should be closed, is %s", typ, status)
		}
	}
	_, err := env.Engine.SendMessage(env.Ctx, rival, engine.MessageOptions{ProjectID: p.ID, RoomType: domain.RoomIntroduction, Content: "anyone?"})
	if !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("completed project takes no introduction messages, got %v", err)
	}

	if _, err := env.Engine.UpdateProjectStatus(env.Ctx, admin, p.ID, domain.ProjectPending); err != nil {
		t.Fatal(err)
	}
	if got := env.rooms(t, p.ID); got[domain.RoomIntroduction] != domain.RoomActive {
		t.Fatalf("reopened project gets its introduction back, got %v", got)
	}
	if _, err := env.Engine.SendMessage(env.Ctx, rival, engine.MessageOptions{ProjectID: p.ID, RoomType: domain.RoomIntroduction, Content: "anyone?"}); err != nil {
		t.Fatalf("introduction message: %v", err)
	}

	if _, err := env.Engine.UpdateProjectStatus(env.Ctx, admin, p.ID, domain.ProjectInProgress); err != nil {
		t.Fatal(err)
	}
	got := env.rooms(t, p.ID)
	if got[domain.RoomNegotiation] != domain.RoomActive || got[domain.RoomIntroduction] != domain.RoomClosed {
		t.Fatalf("forced in_progress opens negotiation, got %v", got)
	}
	if _, err := env.Engine.SendMessage(env.Ctx, owner, engine.MessageOptions{ProjectID: p.ID, RoomType: domain.RoomIntroduction, Content: "late"}); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("introduction is over, got %v", err)
	}
}

func TestForcedStatusLeavesUnopenedChat(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "quiet")
	if _, err := env.Engine.UpdateProjectStatus(env.Ctx, admin, p.ID, domain.ProjectCancelled); err != nil {
		t.Fatal(err)
	}
	if got := env.rooms(t, p.ID); len(got) != 0 {
		t.Fatalf("no rooms expected, got %v", got)
	}
}

func TestRatings(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.hired(t)
	scores := domain.RatingScores{Professionalism: 5, Communication: 4, Quality: 4, Expertise: 4, Timeliness: 4, Repeat: 4}
	if _, err := env.Engine.CreateRating(env.Ctx, owner, engine.RatingOptions{ProjectID: p.ID, Scores: scores}); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("ratings need a completed project, got %v", err)
	}
	if _, err := env.Engine.CompleteProject(env.Ctx, owner, p.ID); err != nil {
		t.Fatal(err)
	}
	rt, err := env.Engine.CreateRating(env.Ctx, owner, engine.RatingOptions{ProjectID: p.ID, Scores: scores, Comment: "great"})
	if err != nil {
		t.Fatal(err)
	}
	if rt.RatedID != freelancer.ID {
		t.Fatalf("rated %s", rt.RatedID)
	}
	// (1.5*5 + 20) / 6.5
	assertAmount(t, "weighted", rt.Weighted, "4.23")
	if _, err := env.Engine.CreateRating(env.Ctx, owner, engine.RatingOptions{ProjectID: p.ID, Scores: scores}); !errors.Is(err, engine.ErrAlreadyExists) {
		t.Fatalf("one rating per rater, got %v", err)
	}
	var fe auth.ForbiddenError
	if _, err := env.Engine.CreateRating(env.Ctx, rival, engine.RatingOptions{ProjectID: p.ID, Scores: scores}); !errors.As(err, &fe) {
		t.Fatalf("outsider rating, got %v", err)
	}
	bad := scores
	bad.Quality = 6
	if _, err := env.Engine.CreateRating(env.Ctx, freelancer, engine.RatingOptions{ProjectID: p.ID, Scores: bad}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid scores, got %v", err)
	}
	avg, n, err := env.Engine.AverageRating(env.Ctx, freelancer.ID)
	if err != nil || n != 1 {
		t.Fatalf("average: %v %d", err, n)
	}
	assertAmount(t, "average", avg, "4.23")
}

func TestEventsAppendedOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.hired(t)
	evs, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{ProjectID: p.ID, Limit: 100})
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, ev := range evs {
		seen[ev.Type] = true
	}
	for _, want := range []string{events.ProjectCreated, events.BidCreated, events.BidAccepted, events.ProjectStatusChanged, events.RoomStatus} {
		if !seen[want] {
			t.Fatalf("missing event %s in %v", want, seen)
		}
	}
}
