package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/leogray15-maker/arcane-archives/internal/affiliate"
	"github.com/leogray15-maker/arcane-archives/internal/alerts"
	"github.com/leogray15-maker/arcane-archives/internal/auth"
	"github.com/leogray15-maker/arcane-archives/internal/billing"
	"github.com/leogray15-maker/arcane-archives/internal/database"
	"github.com/leogray15-maker/arcane-archives/internal/events"
	"github.com/leogray15-maker/arcane-archives/internal/logging"
	"github.com/leogray15-maker/arcane-archives/internal/store"

	"github.com/rs/zerolog"
)

const testWebhookSecret = "whsec_test"

// =====================================================
// Mocks
// =====================================================

type stubAuthStore struct{}

func (s *stubAuthStore) CreateUser(ctx context.Context, user *database.User) error { return nil }

// GetUserByID derives subscription state from the id so tests can mint a
// paid, free or admin user without any setup: "free-*" ids are unpaid,
// "admin-*" ids are admins, everyone else is a paid member.
func (s *stubAuthStore) GetUserByID(ctx context.Context, userID string) (*database.User, error) {
	return &database.User{
		ID:      userID,
		Email:   userID + "@example.com",
		IsPaid:  !strings.HasPrefix(userID, "free-"),
		IsAdmin: strings.HasPrefix(userID, "admin-"),
	}, nil
}
func (s *stubAuthStore) GetUserByEmail(ctx context.Context, email string) (*database.User, error) {
	return nil, nil
}
func (s *stubAuthStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	return nil
}
func (s *stubAuthStore) UpdateUserLastLogin(ctx context.Context, userID string) error { return nil }
func (s *stubAuthStore) CreateSession(ctx context.Context, session *database.UserSession) error {
	return nil
}
func (s *stubAuthStore) GetSessionByTokenHash(ctx context.Context, tokenHash string) (*database.UserSession, error) {
	return nil, nil
}
func (s *stubAuthStore) RevokeSession(ctx context.Context, sessionID string) error     { return nil }
func (s *stubAuthStore) RevokeAllUserSessions(ctx context.Context, userID string) error { return nil }
func (s *stubAuthStore) CleanupExpiredSessions(ctx context.Context) (int64, error)     { return 0, nil }

type mockAccountStore struct {
	balances    map[string]int64
	withdrawals []*database.WithdrawalRequest
}

func newMockAccountStore() *mockAccountStore {
	return &mockAccountStore{balances: make(map[string]int64)}
}

func (m *mockAccountStore) ApplyBalanceTransaction(ctx context.Context, entry *database.BalanceTransaction, earnedDelta int64, activeReferralsDelta int) error {
	if m.balances[entry.UserID]+entry.Amount < 0 {
		return database.ErrInsufficientBalance
	}
	m.balances[entry.UserID] += entry.Amount
	return nil
}

func (m *mockAccountStore) GetTransactionByReference(ctx context.Context, txType database.TransactionType, reference string) (*database.BalanceTransaction, error) {
	return nil, database.ErrNotFound
}

func (m *mockAccountStore) GetAffiliate(ctx context.Context, userID string) (*database.Affiliate, error) {
	return &database.Affiliate{UserID: userID, AvailableBalance: m.balances[userID]}, nil
}

func (m *mockAccountStore) ListBalanceTransactions(ctx context.Context, userID string, limit int) ([]*database.BalanceTransaction, error) {
	return nil, nil
}

func (m *mockAccountStore) CreateWithdrawalRequest(ctx context.Context, req *database.WithdrawalRequest) error {
	if m.balances[req.UserID] < req.Amount {
		return database.ErrInsufficientBalance
	}
	m.balances[req.UserID] -= req.Amount
	req.Status = database.WithdrawalPending
	m.withdrawals = append(m.withdrawals, req)
	return nil
}

func (m *mockAccountStore) ListWithdrawalRequests(ctx context.Context, userID string, limit int) ([]*database.WithdrawalRequest, error) {
	return m.withdrawals, nil
}

type mockBoardStore struct {
	alerts  map[string]*database.Alert
	history []*database.AlertHistoryEntry
	nextID  int
}

func newMockBoardStore() *mockBoardStore {
	return &mockBoardStore{alerts: make(map[string]*database.Alert)}
}

func (m *mockBoardStore) CreateAlert(ctx context.Context, alert *database.Alert) error {
	m.nextID++
	alert.ID = "alert-" + strconv.Itoa(m.nextID)
	alert.CreatedAt = time.Now()
	m.alerts[alert.ID] = alert
	return nil
}

func (m *mockBoardStore) GetAlert(ctx context.Context, alertID string) (*database.Alert, error) {
	return m.alerts[alertID], nil
}

func (m *mockBoardStore) ListOpenAlerts(ctx context.Context) ([]*database.Alert, error) {
	var open []*database.Alert
	for _, a := range m.alerts {
		open = append(open, a)
	}
	return open, nil
}

func (m *mockBoardStore) MarkAlertTarget(ctx context.Context, alertID, target string, status database.AlertStatus) (*database.Alert, error) {
	alert, ok := m.alerts[alertID]
	if !ok {
		return nil, database.ErrNotFound
	}
	alert.TargetsHit = append(alert.TargetsHit, target)
	alert.Status = status
	return alert, nil
}

func (m *mockBoardStore) CloseAlert(ctx context.Context, entry *database.AlertHistoryEntry) error {
	if _, ok := m.alerts[entry.AlertID]; !ok {
		return database.ErrNotFound
	}
	delete(m.alerts, entry.AlertID)
	entry.ID = "hist-" + entry.AlertID
	entry.ClosedAt = time.Now()
	m.history = append(m.history, entry)
	return nil
}

func (m *mockBoardStore) ListAlertHistory(ctx context.Context, limit int) ([]*database.AlertHistoryEntry, error) {
	return m.history, nil
}

type mockCatalog struct {
	products map[string]*database.Product
	accounts *mockAccountStore
	orders   map[string]*database.Order
}

func newMockCatalog(accounts *mockAccountStore) *mockCatalog {
	return &mockCatalog{
		products: make(map[string]*database.Product),
		accounts: accounts,
		orders:   make(map[string]*database.Order),
	}
}

func (m *mockCatalog) ListProducts(ctx context.Context, activeOnly bool) ([]*database.Product, error) {
	var out []*database.Product
	for _, p := range m.products {
		if !activeOnly || p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockCatalog) GetProduct(ctx context.Context, productID string) (*database.Product, error) {
	return m.products[productID], nil
}

func (m *mockCatalog) CreateBalanceOrder(ctx context.Context, order *database.Order) error {
	if m.accounts.balances[order.UserID] < order.Total {
		return database.ErrInsufficientBalance
	}
	m.accounts.balances[order.UserID] -= order.Total
	m.orders[order.ID] = order
	return nil
}

func (m *mockCatalog) GetOrder(ctx context.Context, orderID string) (*database.Order, error) {
	order, ok := m.orders[orderID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return order, nil
}

func (m *mockCatalog) ListOrders(ctx context.Context, userID string, limit int) ([]*database.Order, error) {
	var out []*database.Order
	for _, o := range m.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	return out, nil
}

type stubBillingUsers struct{}

func (s *stubBillingUsers) GetUserByID(ctx context.Context, userID string) (*database.User, error) {
	return nil, database.ErrNotFound
}
func (s *stubBillingUsers) GetUserByEmail(ctx context.Context, email string) (*database.User, error) {
	return nil, database.ErrNotFound
}
func (s *stubBillingUsers) GetUserByStripeCustomerID(ctx context.Context, customerID string) (*database.User, error) {
	return nil, database.ErrNotFound
}
func (s *stubBillingUsers) UpdateUserSubscription(ctx context.Context, userID string, status database.SubscriptionStatus, isPaid bool, stripeCustomerID, stripeSubscriptionID string) error {
	return nil
}

type stubOrderStore struct{}

func (s *stubOrderStore) CreateOrder(ctx context.Context, order *database.Order) error { return nil }
func (s *stubOrderStore) GetProduct(ctx context.Context, productID string) (*database.Product, error) {
	return nil, nil
}

type stubLedger struct{}

func (s *stubLedger) CreditCommission(ctx context.Context, referrerID, subscriptionRef string) error {
	return nil
}
func (s *stubLedger) ReverseCommission(ctx context.Context, subscriptionRef string) error {
	return nil
}

// =====================================================
// Fixture
// =====================================================

type testEnv struct {
	server   *Server
	accounts *mockAccountStore
	catalog  *mockCatalog
	board    *mockBoardStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := logging.New(&logging.Config{Level: "ERROR", Output: "stderr"})

	authService, err := auth.NewService(&stubAuthStore{}, nil, auth.Config{JWTSecret: "test-secret"}, logger)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	accounts := newMockAccountStore()
	catalog := newMockCatalog(accounts)
	boardStore := newMockBoardStore()
	bus := events.NewEventBus()
	client := billing.NewClient("")

	ledger := affiliate.NewLedger(accounts, 2500, 5000, bus, zerolog.Nop())
	reconciler := billing.NewReconciler(&stubBillingUsers{}, &stubOrderStore{}, &stubLedger{}, testWebhookSecret, logger)
	storeSvc := store.NewService(catalog, client, "gbp", logger)
	board := alerts.NewBoard(boardStore, nil, bus, logger)

	server := NewServer(ServerConfig{ProductionMode: true}, Deps{
		EventBus:    bus,
		AuthService: authService,
		Ledger:      ledger,
		Reconciler:  reconciler,
		Billing:     client,
		Store:       storeSvc,
		Board:       board,
		Logger:      logger,
	})

	return &testEnv{server: server, accounts: accounts, catalog: catalog, board: boardStore}
}

func (e *testEnv) token(t *testing.T, userID string, isAdmin bool) string {
	t.Helper()
	token, err := e.server.authService.GetJWTManager().GenerateAccessToken(auth.UserClaims{
		UserID:  userID,
		Email:   userID + "@example.com",
		IsAdmin: isAdmin,
	})
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	return token
}

func (e *testEnv) request(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.server.router.ServeHTTP(w, req)
	return w
}

// =====================================================
// Tests
// =====================================================

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)
	for i := 0; i < 3; i++ {
		if !rl.Allow("key") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.Allow("key") {
		t.Error("fourth request should be rejected")
	}
	if !rl.Allow("other") {
		t.Error("different key should not share the limit")
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)

	payload := []byte(`{"id":"evt_1","type":"customer.subscription.updated"}`)

	req := httptest.NewRequest(http.MethodPost, "/api/billing/webhook", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	env.server.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing signature: got status %d, want 400", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/billing/webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", "t=123,v1=deadbeef")
	w = httptest.NewRecorder()
	env.server.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad signature: got status %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "INVALID_SIGNATURE") {
		t.Errorf("expected INVALID_SIGNATURE, got %s", w.Body.String())
	}
}

func TestWebhookAcceptsSignedPayload(t *testing.T) {
	env := newTestEnv(t)

	// An event type the reconciler ignores still acknowledges the delivery
	payload := []byte(`{"id":"evt_2","type":"invoice.paid","data":{"object":{}}}`)
	ts := fmt.Sprintf("%d", time.Now().Unix())

	req := httptest.NewRequest(http.MethodPost, "/api/billing/webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", billing.SignPayload(payload, ts, testWebhookSecret))
	w := httptest.NewRecorder()
	env.server.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("got status %d, want 200: %s", w.Code, w.Body.String())
	}
}

func TestAlertBoardRequiresSubscription(t *testing.T) {
	env := newTestEnv(t)

	sl := 1.0950
	err := env.server.board.Post(context.Background(), &database.Alert{
		Pair:       "EURUSD",
		Direction:  database.DirectionBuy,
		EntryPrice: 1.1000,
		StopLoss:   sl,
	})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}

	w := env.request(http.MethodGet, "/api/alerts", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token: got status %d, want 401", w.Code)
	}

	w = env.request(http.MethodGet, "/api/alerts", env.token(t, "free-1", false), nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("unpaid member: got status %d, want 403", w.Code)
	}
	if !strings.Contains(w.Body.String(), "SUBSCRIPTION_REQUIRED") {
		t.Errorf("expected SUBSCRIPTION_REQUIRED, got %s", w.Body.String())
	}

	w = env.request(http.MethodGet, "/api/alerts", env.token(t, "user-1", false), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("paid member: got status %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "EURUSD") {
		t.Errorf("expected board to contain the posted alert, got %s", w.Body.String())
	}
}

func TestAlertHistoryIsPublic(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(http.MethodGet, "/api/alerts/history", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("got status %d, want 200", w.Code)
	}
}

func TestPostAlertRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)

	body := map[string]interface{}{
		"pair":        "GBPUSD",
		"direction":   "Sell",
		"entry_price": 1.2700,
		"stop_loss":   1.2750,
	}

	w := env.request(http.MethodPost, "/api/admin/alerts", "", body)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token: got status %d, want 401", w.Code)
	}

	w = env.request(http.MethodPost, "/api/admin/alerts", env.token(t, "user-1", false), body)
	if w.Code != http.StatusForbidden {
		t.Errorf("non-admin: got status %d, want 403", w.Code)
	}

	w = env.request(http.MethodPost, "/api/admin/alerts", env.token(t, "admin-1", true), body)
	if w.Code != http.StatusCreated {
		t.Errorf("admin: got status %d, want 201: %s", w.Code, w.Body.String())
	}
	if len(env.board.alerts) != 1 {
		t.Errorf("expected one alert on the board, got %d", len(env.board.alerts))
	}
}

func TestPostAlertRejectsBadDirection(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(http.MethodPost, "/api/admin/alerts", env.token(t, "admin-1", true), map[string]interface{}{
		"pair":        "GBPUSD",
		"direction":   "Long",
		"entry_price": 1.2700,
		"stop_loss":   1.2750,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", w.Code)
	}
}

func TestBalancePurchase(t *testing.T) {
	env := newTestEnv(t)
	env.catalog.products["course"] = &database.Product{ID: "course", Name: "Course", Price: 4999, Active: true}
	env.accounts.balances["user-1"] = 5000

	token := env.token(t, "user-1", false)

	w := env.request(http.MethodPost, "/api/store/checkout/balance", token, map[string]interface{}{
		"items": []map[string]interface{}{{"product_id": "course", "quantity": 1}},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("got status %d, want 201: %s", w.Code, w.Body.String())
	}
	if got := env.accounts.balances["user-1"]; got != 1 {
		t.Errorf("balance after purchase = %d, want 1", got)
	}

	// Second purchase exceeds the remaining pence
	w = env.request(http.MethodPost, "/api/store/checkout/balance", token, map[string]interface{}{
		"items": []map[string]interface{}{{"product_id": "course", "quantity": 1}},
	})
	if w.Code != http.StatusConflict {
		t.Errorf("insufficient balance: got status %d, want 409", w.Code)
	}
	if !strings.Contains(w.Body.String(), "INSUFFICIENT_BALANCE") {
		t.Errorf("expected INSUFFICIENT_BALANCE, got %s", w.Body.String())
	}
}

func TestBalancePurchaseUnknownProduct(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(http.MethodPost, "/api/store/checkout/balance", env.token(t, "user-1", false), map[string]interface{}{
		"items": []map[string]interface{}{{"product_id": "ghost", "quantity": 1}},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "UNKNOWN_PRODUCT") {
		t.Errorf("expected UNKNOWN_PRODUCT, got %s", w.Body.String())
	}
}

func TestGetOrderUnknownID(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(http.MethodGet, "/api/store/orders/does-not-exist", env.token(t, "user-1", false), nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "NOT_FOUND") {
		t.Errorf("expected NOT_FOUND, got %s", w.Body.String())
	}
}

func TestGetOrderHiddenFromOtherUsers(t *testing.T) {
	env := newTestEnv(t)
	env.catalog.orders["bal_abc"] = &database.Order{
		ID:     "bal_abc",
		UserID: "user-1",
		Status: database.OrderPending,
	}

	w := env.request(http.MethodGet, "/api/store/orders/bal_abc", env.token(t, "user-2", false), nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("other user: got status %d, want 404", w.Code)
	}

	w = env.request(http.MethodGet, "/api/store/orders/bal_abc", env.token(t, "user-1", false), nil)
	if w.Code != http.StatusOK {
		t.Errorf("owner: got status %d, want 200: %s", w.Code, w.Body.String())
	}

	w = env.request(http.MethodGet, "/api/store/orders/bal_abc", env.token(t, "admin-1", true), nil)
	if w.Code != http.StatusOK {
		t.Errorf("admin: got status %d, want 200: %s", w.Code, w.Body.String())
	}
}

func TestAdminOrderStatusRejectsUnknownStates(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "admin-1", true)

	for _, status := range []string{"paid", "cancelled", "shipped"} {
		w := env.request(http.MethodPost, "/api/admin/store/orders/bal_abc/status", token, map[string]interface{}{
			"status": status,
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("status %q: got %d, want 400", status, w.Code)
		}
	}
}

func TestWithdrawalBelowMinimum(t *testing.T) {
	env := newTestEnv(t)
	env.accounts.balances["user-1"] = 10000

	w := env.request(http.MethodPost, "/api/affiliate/withdrawals", env.token(t, "user-1", false), map[string]interface{}{
		"amount":          1000,
		"payment_details": "GB00 0000 0000 0000",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "BELOW_MINIMUM") {
		t.Errorf("expected BELOW_MINIMUM, got %s", w.Body.String())
	}
}

func TestWithdrawalDebitsBalance(t *testing.T) {
	env := newTestEnv(t)
	env.accounts.balances["user-1"] = 10000

	w := env.request(http.MethodPost, "/api/affiliate/withdrawals", env.token(t, "user-1", false), map[string]interface{}{
		"amount":          7500,
		"payment_details": "GB00 0000 0000 0000",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("got status %d, want 201: %s", w.Code, w.Body.String())
	}
	if got := env.accounts.balances["user-1"]; got != 2500 {
		t.Errorf("balance after withdrawal = %d, want 2500", got)
	}
}

func TestAffiliateSummaryRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(http.MethodGet, "/api/affiliate/summary", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("got status %d, want 401", w.Code)
	}
}
