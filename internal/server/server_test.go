package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"gigmarket/internal/chathub"
	"gigmarket/internal/config"
	"gigmarket/internal/db"
	"gigmarket/internal/engine"
	"gigmarket/internal/engine/auth"
	"gigmarket/internal/migrate"
	"gigmarket/internal/notify"
	"gigmarket/internal/pubsub"
	"gigmarket/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	logger, _ := test.NewNullLogger()
	e := engine.New(conn, cfg)
	e.Log = logger
	e.Notifier = &notify.Memory{}
	if _, err := e.EnsureSiteWallet(context.Background()); err != nil {
		t.Fatalf("site wallet: %v", err)
	}
	broker := pubsub.NewLocal()
	hub := chathub.New(broker, logger)
	handler, err := New(Config{
		Engine:   e,
		Hub:      hub,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret, DevLogin: true, TokenTTL: time.Hour},
		Log:      logger,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			hub.Close()
			broker.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func token(t *testing.T, user string, roles ...string) string {
	t.Helper()
	tok, err := signToken(testSecret, user, roles, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func bearer(t *testing.T, user string, roles ...string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token(t, user, roles...)}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return out
}

func expectStatus(t *testing.T, res *http.Response, data []byte, want int) {
	t.Helper()
	if res.StatusCode != want {
		t.Fatalf("expected %d, got %d: %s", want, res.StatusCode, data)
	}
}

func expectError(t *testing.T, res *http.Response, data []byte, status int, code string) {
	t.Helper()
	expectStatus(t, res, data, status)
	env := decode[struct {
		Error apiErrorBody `json:"error"`
	}](t, data)
	if env.Error.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, env.Error.Code, env.Error.Message)
	}
}

func registerUser(t *testing.T, srv *testServer, id string) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/users", map[string]any{"id": id}, bearer(t, "admin", auth.RoleAdmin))
	expectStatus(t, res, data, http.StatusCreated)
}

func TestHealthAndAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, nil)
	expectError(t, res, data, http.StatusUnauthorized, "unauthorized")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer nope"})
	expectError(t, res, data, http.StatusUnauthorized, "invalid_credentials")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, bearer(t, "free-1", auth.RoleFreelancer))
	expectStatus(t, res, data, http.StatusOK)
	me := decode[WhoAmIResponse](t, data)
	if me.UserID != "free-1" {
		t.Fatalf("unexpected principal %+v", me)
	}
	found := false
	for _, p := range me.Permissions {
		if p == auth.PermBidCreate {
			found = true
		}
	}
	if !found {
		t.Fatalf("freelancer should hold %s: %v", auth.PermBidCreate, me.Permissions)
	}
}

func TestDevLoginMintsUsableToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"user_id": "owner-1",
		"roles":   []string{auth.RoleOwner},
	}, nil)
	expectStatus(t, res, data, http.StatusOK)
	login := decode[DevLoginResponse](t, data)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"user_id": "owner-1",
		"roles":   []string{"root"},
	}, nil)
	expectError(t, res, data, http.StatusBadRequest, "bad_request")
}

func TestWalletErrorMapping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	owner := bearer(t, "owner-1", auth.RoleOwner)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/wallets", map[string]any{}, owner)
	expectStatus(t, res, data, http.StatusCreated)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/wallets", map[string]any{}, owner)
	expectError(t, res, data, http.StatusBadRequest, "already_exists")

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/wallets/owner-1/add", map[string]any{"amount": "100"}, owner)
	expectStatus(t, res, data, http.StatusOK)
	w := decode[WalletResponse](t, data)
	if w.Balance != "100.00" || w.Available != "80.00" || w.Pending != "20.00" {
		t.Fatalf("unexpected split: %+v", w)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/wallets/owner-1/deduct", map[string]any{"amount": "160"}, owner)
	expectError(t, res, data, http.StatusBadRequest, "insufficient_funds")

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/wallets/owner-1/deduct", map[string]any{"amount": "-5"}, owner)
	expectError(t, res, data, http.StatusBadRequest, "bad_request")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/wallets/owner-1", nil, bearer(t, "free-1", auth.RoleFreelancer))
	expectError(t, res, data, http.StatusForbidden, "forbidden")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/wallets/nobody", nil, bearer(t, "admin", auth.RoleAdmin))
	expectError(t, res, data, http.StatusNotFound, "wallet_not_found")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/wallets/owner-1/transactions", nil, owner)
	expectStatus(t, res, data, http.StatusOK)
	txs := decode[[]TransactionResponse](t, data)
	if len(txs) != 1 || txs[0].Type != "DEPOSIT" {
		t.Fatalf("unexpected ledger: %+v", txs)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/wallets/owner-1/refund/"+txs[0].ID, nil, owner)
	expectError(t, res, data, http.StatusBadRequest, "cannot_refund_deposit")
}

func TestProjectLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	owner := bearer(t, "owner-1", auth.RoleOwner)
	free := bearer(t, "free-1", auth.RoleFreelancer)

	doJSON(t, client, http.MethodPost, srv.URL+"/v1/wallets", map[string]any{}, owner)
	doJSON(t, client, http.MethodPatch, srv.URL+"/v1/wallets/owner-1/add", map[string]any{"amount": "2000"}, owner)
	doJSON(t, client, http.MethodPost, srv.URL+"/v1/wallets", map[string]any{}, free)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects", map[string]any{
		"name": "Landing page", "budget": "1500", "duration_days": 10,
	}, owner)
	expectStatus(t, res, data, http.StatusCreated)
	p := decode[ProjectResponse](t, data)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/bids", map[string]any{
		"project_id": p.ID, "amount": "1000", "delivery_days": 7,
	}, free)
	expectError(t, res, data, http.StatusNotFound, "not_found")
	registerUser(t, srv, "free-1")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/bids", map[string]any{
		"project_id": p.ID, "amount": "1000", "delivery_days": 7,
	}, free)
	expectStatus(t, res, data, http.StatusCreated)
	b := decode[BidResponse](t, data)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/bids", map[string]any{
		"project_id": p.ID, "amount": "900", "delivery_days": 7,
	}, free)
	expectError(t, res, data, http.StatusBadRequest, "duplicate_bid")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/bids/quota", nil, free)
	expectStatus(t, res, data, http.StatusOK)
	if q := decode[QuotaResponse](t, data); q.Remaining != q.MaxBidsPerDay-1 {
		t.Fatalf("unexpected quota %+v", q)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+p.ID+"/accept-bid/"+b.ID, nil, free)
	expectError(t, res, data, http.StatusForbidden, "forbidden")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+p.ID+"/accept-bid/"+b.ID, nil, owner)
	expectStatus(t, res, data, http.StatusOK)
	if got := decode[ProjectResponse](t, data); got.Status != "in_progress" {
		t.Fatalf("expected in_progress, got %s", got.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/"+p.ID+"/stage", nil, free)
	expectStatus(t, res, data, http.StatusOK)
	if st := decode[StageResponse](t, data); st.Stage != "negotiation" {
		t.Fatalf("expected negotiation, got %+v", st)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+p.ID+"/send-to-testing", nil, owner)
	expectStatus(t, res, data, http.StatusOK)
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/projects/"+p.ID+"/complete", nil, owner)
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/wallets/free-1", nil, free)
	expectStatus(t, res, data, http.StatusOK)
	if w := decode[WalletResponse](t, data); w.Balance != "970.00" || w.Escrow != "0.00" {
		t.Fatalf("unexpected freelancer wallet %+v", w)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/projects/"+p.ID+"/complete", nil, owner)
	expectError(t, res, data, http.StatusBadRequest, "invalid_state")

	scores := map[string]int{"professionalism": 5, "communication": 4, "quality": 4, "expertise": 4, "timeliness": 4, "repeat": 4}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+p.ID+"/ratings", map[string]any{"scores": scores}, owner)
	expectStatus(t, res, data, http.StatusCreated)
	if r := decode[RatingResponse](t, data); r.Weighted != "4.23" || r.RatedID != "free-1" {
		t.Fatalf("unexpected rating %+v", r)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/users/free-1/ratings", nil, owner)
	expectStatus(t, res, data, http.StatusOK)
	if ur := decode[UserRatingsResponse](t, data); ur.Count != 1 || ur.Average != "4.23" {
		t.Fatalf("unexpected ratings %+v", ur)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?project_id="+p.ID+"&limit=2", nil, owner)
	expectError(t, res, data, http.StatusForbidden, "forbidden")
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?project_id="+p.ID+"&limit=2", nil, bearer(t, "admin", auth.RoleAdmin))
	expectStatus(t, res, data, http.StatusOK)
	page := decode[paginatedEvents](t, data)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a full first page with a cursor, got %+v", page)
	}
}

func TestProjectNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/missing", nil, bearer(t, "owner-1", auth.RoleOwner))
	expectError(t, res, data, http.StatusNotFound, "not_found")
}

func TestClassifyStaleWallet(t *testing.T) {
	status, code := classify(fmt.Errorf("save wallet: %w", repo.ErrStaleWallet))
	if status != http.StatusConflict || code != "conflict" {
		t.Fatalf("expected 409 conflict, got %d %s", status, code)
	}
	status, code = classify(errors.New("boom"))
	if status != http.StatusInternalServerError || code != "internal_error" {
		t.Fatalf("expected 500, got %d %s", status, code)
	}
}

func TestOpenAPIIsPublic(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	doc := decode[map[string]any](t, data)
	paths, _ := doc["paths"].(map[string]any)
	if _, ok := paths["/v1/wallets/{user_id}/add"]; !ok {
		t.Fatalf("openapi missing wallet routes")
	}
}
