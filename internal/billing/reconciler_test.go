package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/leogray15-maker/arcane-archives/internal/database"
	"github.com/leogray15-maker/arcane-archives/internal/logging"
)

// =====================================================
// MOCKS
// =====================================================

type mockUserStore struct {
	mu    sync.Mutex
	users map[string]*database.User // by id

	subscriptionUpdates int
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{users: make(map[string]*database.User)}
}

func (m *mockUserStore) addUser(u *database.User) {
	m.users[u.ID] = u
}

func (m *mockUserStore) GetUserByID(ctx context.Context, userID string) (*database.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (m *mockUserStore) GetUserByEmail(ctx context.Context, email string) (*database.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockUserStore) GetUserByStripeCustomerID(ctx context.Context, customerID string) (*database.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.StripeCustomerID == customerID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockUserStore) UpdateUserSubscription(ctx context.Context, userID string, status database.SubscriptionStatus, isPaid bool, stripeCustomerID, stripeSubscriptionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return database.ErrNotFound
	}
	u.SubscriptionStatus = status
	u.IsPaid = isPaid
	if stripeCustomerID != "" {
		u.StripeCustomerID = stripeCustomerID
	}
	if stripeSubscriptionID != "" {
		u.StripeSubscriptionID = stripeSubscriptionID
	}
	m.subscriptionUpdates++
	return nil
}

type mockOrderStore struct {
	mu       sync.Mutex
	orders   map[string]*database.Order
	products map[string]*database.Product
}

func newMockOrderStore() *mockOrderStore {
	return &mockOrderStore{
		orders:   make(map[string]*database.Order),
		products: make(map[string]*database.Product),
	}
}

func (m *mockOrderStore) CreateOrder(ctx context.Context, order *database.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.orders[order.ID]; exists {
		return database.ErrDuplicateOrder
	}
	cp := *order
	m.orders[order.ID] = &cp
	return nil
}

func (m *mockOrderStore) GetProduct(ctx context.Context, productID string) (*database.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.products[productID]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

type mockLedger struct {
	mu        sync.Mutex
	credits   map[string]string // reference -> referrer
	reversals []string
}

func newMockLedger() *mockLedger {
	return &mockLedger{credits: make(map[string]string)}
}

func (m *mockLedger) CreditCommission(ctx context.Context, referrerID, subscriptionRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Mirrors ledger idempotency: a repeat credit is a no-op
	if _, exists := m.credits[subscriptionRef]; !exists {
		m.credits[subscriptionRef] = referrerID
	}
	return nil
}

func (m *mockLedger) ReverseCommission(ctx context.Context, subscriptionRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.credits[subscriptionRef]; exists {
		m.reversals = append(m.reversals, subscriptionRef)
	}
	return nil
}

func testLogger() *logging.Logger {
	return logging.New(&logging.Config{Level: "ERROR", Output: "stderr"})
}

const testSecret = "whsec_test"

func newTestReconciler(users *mockUserStore, orders *mockOrderStore, ledger *mockLedger) *Reconciler {
	return NewReconciler(users, orders, ledger, testSecret, testLogger())
}

func signedEvent(t *testing.T, eventType string, object interface{}) ([]byte, string) {
	t.Helper()
	objJSON, err := json.Marshal(object)
	if err != nil {
		t.Fatalf("marshal object: %v", err)
	}
	payload := []byte(fmt.Sprintf(`{"id":"evt_test","type":"%s","data":{"object":%s}}`, eventType, objJSON))
	return payload, SignPayload(payload, "1700000000", testSecret)
}

// =====================================================
// WEBHOOK TESTS
// =====================================================

func TestHandleWebhookRejectsBadSignature(t *testing.T) {
	users := newMockUserStore()
	r := newTestReconciler(users, newMockOrderStore(), newMockLedger())

	payload := []byte(`{"id":"evt_1","type":"checkout.session.completed","data":{"object":{}}}`)
	err := r.HandleWebhook(context.Background(), payload, "t=1,v1=deadbeef")
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}
	if users.subscriptionUpdates != 0 {
		t.Error("rejected payload must not touch the store")
	}
}

func TestSubscriptionCheckoutActivatesAndCredits(t *testing.T) {
	users := newMockUserStore()
	referrer := "referrer-1"
	users.addUser(&database.User{ID: "referrer-1", Email: "ref@x.co"})
	users.addUser(&database.User{ID: "user-1", Email: "u@x.co", ReferredBy: &referrer})
	ledger := newMockLedger()
	r := newTestReconciler(users, newMockOrderStore(), ledger)

	payload, sig := signedEvent(t, EventCheckoutCompleted, map[string]interface{}{
		"id": "cs_1", "mode": "subscription",
		"customer": "cus_1", "subscription": "sub_1",
		"client_reference_id": "user-1",
	})
	if err := r.HandleWebhook(context.Background(), payload, sig); err != nil {
		t.Fatalf("HandleWebhook failed: %v", err)
	}

	u, _ := users.GetUserByID(context.Background(), "user-1")
	if u.SubscriptionStatus != database.StatusActive || !u.IsPaid {
		t.Errorf("user not activated: status=%s paid=%v", u.SubscriptionStatus, u.IsPaid)
	}
	if ledger.credits["sub_1"] != "referrer-1" {
		t.Errorf("commission not credited to referrer: %v", ledger.credits)
	}
}

func TestSubscriptionCheckoutWithoutReferrer(t *testing.T) {
	users := newMockUserStore()
	users.addUser(&database.User{ID: "user-1", Email: "u@x.co"})
	ledger := newMockLedger()
	r := newTestReconciler(users, newMockOrderStore(), ledger)

	payload, sig := signedEvent(t, EventCheckoutCompleted, map[string]interface{}{
		"id": "cs_1", "mode": "subscription",
		"customer": "cus_1", "subscription": "sub_1",
		"client_reference_id": "user-1",
	})
	if err := r.HandleWebhook(context.Background(), payload, sig); err != nil {
		t.Fatalf("HandleWebhook failed: %v", err)
	}
	if len(ledger.credits) != 0 {
		t.Errorf("unreferred signup must not credit anyone: %v", ledger.credits)
	}
}

func TestSubscriptionCheckoutRedeliveryIsIdempotent(t *testing.T) {
	users := newMockUserStore()
	referrer := "referrer-1"
	users.addUser(&database.User{ID: "user-1", Email: "u@x.co", ReferredBy: &referrer})
	ledger := newMockLedger()
	r := newTestReconciler(users, newMockOrderStore(), ledger)

	payload, sig := signedEvent(t, EventCheckoutCompleted, map[string]interface{}{
		"id": "cs_1", "mode": "subscription",
		"customer": "cus_1", "subscription": "sub_1",
		"client_reference_id": "user-1",
	})
	for i := 0; i < 3; i++ {
		if err := r.HandleWebhook(context.Background(), payload, sig); err != nil {
			t.Fatalf("delivery %d failed: %v", i+1, err)
		}
	}
	if len(ledger.credits) != 1 {
		t.Errorf("credits = %d, want 1", len(ledger.credits))
	}
}

func TestUnknownUserAcknowledged(t *testing.T) {
	r := newTestReconciler(newMockUserStore(), newMockOrderStore(), newMockLedger())

	payload, sig := signedEvent(t, EventCheckoutCompleted, map[string]interface{}{
		"id": "cs_1", "mode": "subscription", "customer": "cus_missing",
	})
	if err := r.HandleWebhook(context.Background(), payload, sig); err != nil {
		t.Fatalf("unknown user must be acknowledged, got: %v", err)
	}
}

func TestPaymentCheckoutMaterializesOrderOnce(t *testing.T) {
	users := newMockUserStore()
	users.addUser(&database.User{ID: "user-1", Email: "u@x.co"})
	orders := newMockOrderStore()
	orders.products["ebook-1"] = &database.Product{ID: "ebook-1", Name: "Trading Journal", Price: 1500, Active: true}
	r := newTestReconciler(users, orders, newMockLedger())

	payload, sig := signedEvent(t, EventCheckoutCompleted, map[string]interface{}{
		"id": "cs_9", "mode": "payment",
		"client_reference_id": "user-1",
		"amount_total":        3000, "currency": "gbp",
		"metadata": map[string]string{"items": `[{"id":"ebook-1","qty":2,"color":"navy"}]`},
		"shipping_details": map[string]interface{}{
			"name": "A Trader",
			"address": map[string]string{
				"line1": "1 High St", "city": "London", "postal_code": "N1 1AA", "country": "GB",
			},
		},
	})

	for i := 0; i < 2; i++ {
		if err := r.HandleWebhook(context.Background(), payload, sig); err != nil {
			t.Fatalf("delivery %d failed: %v", i+1, err)
		}
	}

	if len(orders.orders) != 1 {
		t.Fatalf("orders = %d, want 1", len(orders.orders))
	}
	order := orders.orders["ord_cs_9"]
	if order == nil {
		t.Fatal("order id must derive from the session id")
	}
	if order.Total != 3000 || len(order.Items) != 1 || order.Items[0].Quantity != 2 {
		t.Errorf("order wrong: %+v", order)
	}
	if order.Items[0].UnitPrice != 1500 {
		t.Errorf("unit price = %d, want server-side 1500", order.Items[0].UnitPrice)
	}
	if order.Items[0].Color != "navy" {
		t.Errorf("item color = %q, want navy", order.Items[0].Color)
	}
	if order.Status != database.OrderPending {
		t.Errorf("status = %s, want pending", order.Status)
	}
	if order.ShippingAddress != "A Trader, 1 High St, London, N1 1AA, GB" {
		t.Errorf("shipping address = %q", order.ShippingAddress)
	}
}

func TestSubscriptionUpdatedRevokesPaid(t *testing.T) {
	users := newMockUserStore()
	users.addUser(&database.User{
		ID: "user-1", StripeCustomerID: "cus_1",
		SubscriptionStatus: database.StatusActive, IsPaid: true,
	})
	r := newTestReconciler(users, newMockOrderStore(), newMockLedger())

	payload, sig := signedEvent(t, EventSubscriptionUpdated, map[string]interface{}{
		"id": "sub_1", "customer": "cus_1", "status": "past_due",
	})
	if err := r.HandleWebhook(context.Background(), payload, sig); err != nil {
		t.Fatalf("HandleWebhook failed: %v", err)
	}

	u, _ := users.GetUserByID(context.Background(), "user-1")
	if u.SubscriptionStatus != database.StatusPastDue {
		t.Errorf("status = %s, want past_due", u.SubscriptionStatus)
	}
	if u.IsPaid {
		t.Error("past_due must revoke paid access")
	}
}

func TestSubscriptionDeletedReversesOnlyCredited(t *testing.T) {
	users := newMockUserStore()
	referrer := "referrer-1"
	users.addUser(&database.User{ID: "user-1", StripeCustomerID: "cus_1", ReferredBy: &referrer})
	ledger := newMockLedger()
	r := newTestReconciler(users, newMockOrderStore(), ledger)
	ctx := context.Background()

	// Deletion with no prior credit: nothing reversed
	payload, sig := signedEvent(t, EventSubscriptionDeleted, map[string]interface{}{
		"id": "sub_uncredited", "customer": "cus_1",
	})
	if err := r.HandleWebhook(ctx, payload, sig); err != nil {
		t.Fatalf("HandleWebhook failed: %v", err)
	}
	if len(ledger.reversals) != 0 {
		t.Errorf("reversals = %v, want none", ledger.reversals)
	}

	// Credit then delete: exactly that subscription reversed
	ledger.CreditCommission(ctx, "referrer-1", "sub_1")
	payload, sig = signedEvent(t, EventSubscriptionDeleted, map[string]interface{}{
		"id": "sub_1", "customer": "cus_1",
	})
	if err := r.HandleWebhook(ctx, payload, sig); err != nil {
		t.Fatalf("HandleWebhook failed: %v", err)
	}
	if len(ledger.reversals) != 1 || ledger.reversals[0] != "sub_1" {
		t.Errorf("reversals = %v, want [sub_1]", ledger.reversals)
	}

	u, _ := users.GetUserByID(ctx, "user-1")
	if u.SubscriptionStatus != database.StatusCancelled || u.IsPaid {
		t.Errorf("user not cancelled: %+v", u)
	}
}

func TestUnhandledEventTypeIgnored(t *testing.T) {
	r := newTestReconciler(newMockUserStore(), newMockOrderStore(), newMockLedger())
	payload, sig := signedEvent(t, "invoice.created", map[string]interface{}{"id": "in_1"})
	if err := r.HandleWebhook(context.Background(), payload, sig); err != nil {
		t.Fatalf("unhandled type must be acknowledged, got: %v", err)
	}
}
