package affiliate

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/leogray15-maker/arcane-archives/internal/database"
)

// =====================================================
// MOCK ACCOUNT STORE
// =====================================================

type mockAccountStore struct {
	mu          sync.Mutex
	accounts    map[string]*database.Affiliate
	txs         []*database.BalanceTransaction
	txByKey     map[string]*database.BalanceTransaction
	withdrawals []*database.WithdrawalRequest

	applyErr error
	nextID   int64
}

func newMockAccountStore() *mockAccountStore {
	return &mockAccountStore{
		accounts: make(map[string]*database.Affiliate),
		txByKey:  make(map[string]*database.BalanceTransaction),
	}
}

func txKey(txType database.TransactionType, reference string) string {
	return string(txType) + "|" + reference
}

func (m *mockAccountStore) ApplyBalanceTransaction(ctx context.Context, entry *database.BalanceTransaction, earnedDelta int64, activeReferralsDelta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.applyErr != nil {
		return m.applyErr
	}

	acct, ok := m.accounts[entry.UserID]
	if !ok {
		acct = &database.Affiliate{UserID: entry.UserID}
		m.accounts[entry.UserID] = acct
	}

	if acct.AvailableBalance+entry.Amount < 0 {
		return database.ErrInsufficientBalance
	}
	if _, exists := m.txByKey[txKey(entry.Type, entry.Reference)]; exists {
		return database.ErrDuplicateReference
	}

	m.nextID++
	entry.ID = m.nextID
	cp := *entry
	m.txs = append(m.txs, &cp)
	m.txByKey[txKey(entry.Type, entry.Reference)] = &cp

	acct.AvailableBalance += entry.Amount
	acct.TotalEarned += earnedDelta
	if entry.Type == database.TxWithdrawal {
		acct.TotalWithdrawn -= entry.Amount
	}
	acct.ActiveReferrals += activeReferralsDelta
	if acct.ActiveReferrals < 0 {
		acct.ActiveReferrals = 0
	}
	return nil
}

func (m *mockAccountStore) GetTransactionByReference(ctx context.Context, txType database.TransactionType, reference string) (*database.BalanceTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx, ok := m.txByKey[txKey(txType, reference)]; ok {
		cp := *tx
		return &cp, nil
	}
	return nil, nil
}

func (m *mockAccountStore) GetAffiliate(ctx context.Context, userID string) (*database.Affiliate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acct, ok := m.accounts[userID]; ok {
		cp := *acct
		return &cp, nil
	}
	return nil, nil
}

func (m *mockAccountStore) ListBalanceTransactions(ctx context.Context, userID string, limit int) ([]*database.BalanceTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*database.BalanceTransaction
	for i := len(m.txs) - 1; i >= 0 && len(out) < limit; i-- {
		if m.txs[i].UserID == userID {
			cp := *m.txs[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockAccountStore) CreateWithdrawalRequest(ctx context.Context, req *database.WithdrawalRequest) error {
	entry := &database.BalanceTransaction{
		UserID:    req.UserID,
		Type:      database.TxWithdrawal,
		Amount:    -req.Amount,
		Reference: "wd_" + req.ID,
	}
	if err := m.ApplyBalanceTransaction(ctx, entry, 0, 0); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	req.Status = database.WithdrawalPending
	m.withdrawals = append(m.withdrawals, req)
	return nil
}

func (m *mockAccountStore) ListWithdrawalRequests(ctx context.Context, userID string, limit int) ([]*database.WithdrawalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*database.WithdrawalRequest
	for i := len(m.withdrawals) - 1; i >= 0 && len(out) < limit; i-- {
		if m.withdrawals[i].UserID == userID {
			out = append(out, m.withdrawals[i])
		}
	}
	return out, nil
}

func (m *mockAccountStore) balance(userID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acct, ok := m.accounts[userID]; ok {
		return acct.AvailableBalance
	}
	return 0
}

func newTestLedger(store AccountStore) *Ledger {
	return NewLedger(store, 2500, 5000, nil, zerolog.Nop())
}

// =====================================================
// COMMISSION TESTS
// =====================================================

func TestCreditCommission(t *testing.T) {
	store := newMockAccountStore()
	ledger := newTestLedger(store)
	ctx := context.Background()

	if err := ledger.CreditCommission(ctx, "referrer-1", "sub_abc"); err != nil {
		t.Fatalf("CreditCommission failed: %v", err)
	}

	if got := store.balance("referrer-1"); got != 2500 {
		t.Errorf("balance = %d, want 2500", got)
	}
	acct, _ := store.GetAffiliate(ctx, "referrer-1")
	if acct.TotalEarned != 2500 {
		t.Errorf("total earned = %d, want 2500", acct.TotalEarned)
	}
	if acct.ActiveReferrals != 1 {
		t.Errorf("active referrals = %d, want 1", acct.ActiveReferrals)
	}
}

func TestCreditCommissionRejectsNonPositiveAmount(t *testing.T) {
	store := newMockAccountStore()
	ctx := context.Background()

	for _, amount := range []int64{0, -2500} {
		ledger := NewLedger(store, amount, 5000, nil, zerolog.Nop())
		if err := ledger.CreditCommission(ctx, "referrer-1", "sub_abc"); err == nil {
			t.Errorf("amount %d: expected error, got nil", amount)
		}
	}
	if len(store.txs) != 0 {
		t.Errorf("ledger rows = %d, want 0", len(store.txs))
	}
}

func TestCreditCommissionIdempotent(t *testing.T) {
	store := newMockAccountStore()
	ledger := newTestLedger(store)
	ctx := context.Background()

	// Webhook redelivery: same subscription reference twice
	for i := 0; i < 3; i++ {
		if err := ledger.CreditCommission(ctx, "referrer-1", "sub_abc"); err != nil {
			t.Fatalf("CreditCommission attempt %d failed: %v", i+1, err)
		}
	}

	if got := store.balance("referrer-1"); got != 2500 {
		t.Errorf("balance after redelivery = %d, want 2500", got)
	}
	if len(store.txs) != 1 {
		t.Errorf("ledger rows = %d, want 1", len(store.txs))
	}
}

func TestCreditCommissionDistinctSubscriptions(t *testing.T) {
	store := newMockAccountStore()
	ledger := newTestLedger(store)
	ctx := context.Background()

	ledger.CreditCommission(ctx, "referrer-1", "sub_a")
	ledger.CreditCommission(ctx, "referrer-1", "sub_b")

	if got := store.balance("referrer-1"); got != 5000 {
		t.Errorf("balance = %d, want 5000", got)
	}
}

func TestReverseCommission(t *testing.T) {
	store := newMockAccountStore()
	ledger := newTestLedger(store)
	ctx := context.Background()

	ledger.CreditCommission(ctx, "referrer-1", "sub_abc")
	if err := ledger.ReverseCommission(ctx, "sub_abc"); err != nil {
		t.Fatalf("ReverseCommission failed: %v", err)
	}

	if got := store.balance("referrer-1"); got != 0 {
		t.Errorf("balance = %d, want 0", got)
	}
	acct, _ := store.GetAffiliate(ctx, "referrer-1")
	if acct.ActiveReferrals != 0 {
		t.Errorf("active referrals = %d, want 0", acct.ActiveReferrals)
	}
}

func TestReverseCommissionWithoutCredit(t *testing.T) {
	store := newMockAccountStore()
	ledger := newTestLedger(store)

	// Cancellation for a subscription that never earned anything
	if err := ledger.ReverseCommission(context.Background(), "sub_never_credited"); err != nil {
		t.Fatalf("ReverseCommission should be a no-op, got: %v", err)
	}
	if len(store.txs) != 0 {
		t.Errorf("ledger rows = %d, want 0", len(store.txs))
	}
}

func TestReverseCommissionIdempotent(t *testing.T) {
	store := newMockAccountStore()
	ledger := newTestLedger(store)
	ctx := context.Background()

	ledger.CreditCommission(ctx, "referrer-1", "sub_abc")
	ledger.ReverseCommission(ctx, "sub_abc")
	if err := ledger.ReverseCommission(ctx, "sub_abc"); err != nil {
		t.Fatalf("repeat ReverseCommission failed: %v", err)
	}

	if got := store.balance("referrer-1"); got != 0 {
		t.Errorf("balance = %d, want 0", got)
	}
	if len(store.txs) != 2 {
		t.Errorf("ledger rows = %d, want 2 (credit + one reversal)", len(store.txs))
	}
}

func TestReverseCommissionClampedToRemainingBalance(t *testing.T) {
	store := newMockAccountStore()
	ledger := newTestLedger(store)
	ctx := context.Background()

	ledger.CreditCommission(ctx, "referrer-1", "sub_abc")

	// Spend most of the balance before the cancellation lands
	spend := &database.BalanceTransaction{
		UserID: "referrer-1", Type: database.TxPurchase, Amount: -2000, Reference: "bal_1",
	}
	if err := store.ApplyBalanceTransaction(ctx, spend, 0, 0); err != nil {
		t.Fatalf("setup spend failed: %v", err)
	}

	if err := ledger.ReverseCommission(ctx, "sub_abc"); err != nil {
		t.Fatalf("ReverseCommission failed: %v", err)
	}

	if got := store.balance("referrer-1"); got != 0 {
		t.Errorf("balance = %d, want 0 (reversal clamps, never negative)", got)
	}
}

// =====================================================
// SUMMARY AND HISTORY TESTS
// =====================================================

func TestSummaryZeroedForNewUser(t *testing.T) {
	ledger := newTestLedger(newMockAccountStore())

	s, err := ledger.Summary(context.Background(), "12345678-0000-0000-0000-000000000000")
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if s.AvailableBalance != 0 || s.TotalEarned != 0 || s.TotalReferrals != 0 {
		t.Errorf("new user summary not zeroed: %+v", s)
	}
	if s.ReferralCode != "12345678" {
		t.Errorf("referral code = %q, want 12345678", s.ReferralCode)
	}
}

func TestHistoryReproducesBalance(t *testing.T) {
	store := newMockAccountStore()
	ledger := newTestLedger(store)
	ctx := context.Background()

	ledger.CreditCommission(ctx, "referrer-1", "sub_a")
	ledger.CreditCommission(ctx, "referrer-1", "sub_b")
	ledger.ReverseCommission(ctx, "sub_a")

	history, err := ledger.History(ctx, "referrer-1", 100)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}

	var sum int64
	for _, tx := range history {
		sum += tx.Amount
	}
	if sum != store.balance("referrer-1") {
		t.Errorf("replayed ledger sum = %d, balance = %d; must match", sum, store.balance("referrer-1"))
	}
}

// =====================================================
// WITHDRAWAL TESTS
// =====================================================

func TestRequestWithdrawal(t *testing.T) {
	store := newMockAccountStore()
	ledger := newTestLedger(store)
	ctx := context.Background()

	ledger.CreditCommission(ctx, "referrer-1", "sub_a")
	ledger.CreditCommission(ctx, "referrer-1", "sub_b")

	req, err := ledger.RequestWithdrawal(ctx, "referrer-1", 5000, "paypal:someone@example.com")
	if err != nil {
		t.Fatalf("RequestWithdrawal failed: %v", err)
	}
	if req.Status != database.WithdrawalPending {
		t.Errorf("status = %q, want pending", req.Status)
	}
	if got := store.balance("referrer-1"); got != 0 {
		t.Errorf("balance = %d, want 0", got)
	}

	s, err := ledger.Summary(ctx, "referrer-1")
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if s.TotalWithdrawn != 5000 {
		t.Errorf("total withdrawn = %d, want 5000", s.TotalWithdrawn)
	}
	if s.TotalEarned-s.TotalWithdrawn != s.AvailableBalance {
		t.Errorf("earned %d - withdrawn %d must equal balance %d", s.TotalEarned, s.TotalWithdrawn, s.AvailableBalance)
	}
}

func TestTotalWithdrawnUnwoundByRefund(t *testing.T) {
	store := newMockAccountStore()
	ledger := newTestLedger(store)
	ctx := context.Background()

	ledger.CreditCommission(ctx, "referrer-1", "sub_a")
	ledger.CreditCommission(ctx, "referrer-1", "sub_b")
	req, err := ledger.RequestWithdrawal(ctx, "referrer-1", 5000, "")
	if err != nil {
		t.Fatalf("RequestWithdrawal failed: %v", err)
	}

	// A rejected payout refunds the debit under a _refund reference and
	// takes the amount back out of the lifetime-withdrawn aggregate.
	refund := &database.BalanceTransaction{
		UserID:    "referrer-1",
		Type:      database.TxWithdrawal,
		Amount:    req.Amount,
		Reference: "wd_" + req.ID + "_refund",
	}
	if err := store.ApplyBalanceTransaction(ctx, refund, 0, 0); err != nil {
		t.Fatalf("refund failed: %v", err)
	}

	s, err := ledger.Summary(ctx, "referrer-1")
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if s.TotalWithdrawn != 0 {
		t.Errorf("total withdrawn after refund = %d, want 0", s.TotalWithdrawn)
	}
	if s.AvailableBalance != 5000 {
		t.Errorf("balance after refund = %d, want 5000", s.AvailableBalance)
	}
}

func TestRequestWithdrawalBelowMinimum(t *testing.T) {
	ledger := newTestLedger(newMockAccountStore())

	_, err := ledger.RequestWithdrawal(context.Background(), "referrer-1", 100, "")
	if !errors.Is(err, ErrBelowMinimumWithdrawal) {
		t.Errorf("err = %v, want ErrBelowMinimumWithdrawal", err)
	}
}

func TestRequestWithdrawalInsufficientBalance(t *testing.T) {
	store := newMockAccountStore()
	ledger := newTestLedger(store)
	ctx := context.Background()

	ledger.CreditCommission(ctx, "referrer-1", "sub_a")

	_, err := ledger.RequestWithdrawal(ctx, "referrer-1", 5000, "")
	if !errors.Is(err, database.ErrInsufficientBalance) {
		t.Errorf("err = %v, want ErrInsufficientBalance", err)
	}
	if got := store.balance("referrer-1"); got != 2500 {
		t.Errorf("balance = %d, want 2500 (untouched on failure)", got)
	}
}
