package affiliate

import (
	"context"
	"sync"
	"testing"

	"github.com/leogray15-maker/arcane-archives/internal/database"
	"github.com/leogray15-maker/arcane-archives/internal/logging"
)

// =====================================================
// MOCK USER STORE
// =====================================================

type mockUserStore struct {
	mu             sync.Mutex
	usersByCode    map[string]*database.User
	referredBy     map[string]string
	referralCounts map[string]int
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{
		usersByCode:    make(map[string]*database.User),
		referredBy:     make(map[string]string),
		referralCounts: make(map[string]int),
	}
}

func (m *mockUserStore) addUser(id, code string) {
	m.usersByCode[code] = &database.User{ID: id, ReferralCode: code}
}

func (m *mockUserStore) GetUserByReferralCode(ctx context.Context, code string) (*database.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.usersByCode[code]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (m *mockUserStore) SetUserReferredBy(ctx context.Context, userID, referrerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if userID == referrerID {
		return false, nil
	}
	if _, taken := m.referredBy[userID]; taken {
		return false, nil
	}
	m.referredBy[userID] = referrerID
	return true, nil
}

func (m *mockUserStore) IncrementTotalReferrals(ctx context.Context, referrerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.referralCounts[referrerID]++
	return nil
}

func testLogger() *logging.Logger {
	return logging.New(&logging.Config{Level: "ERROR", Output: "stderr"})
}

// =====================================================
// RESOLVER TESTS
// =====================================================

func TestCodeForUser(t *testing.T) {
	tests := []struct {
		name   string
		userID string
		want   string
	}{
		{"uuid", "a1b2c3d4-e5f6-7890-abcd-ef0123456789", "A1B2C3D4"},
		{"short id", "ab12", "AB12"},
		{"already upper", "FFFF0000-1111-2222-3333-444455556666", "FFFF0000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeForUser(tt.userID); got != tt.want {
				t.Errorf("CodeForUser(%q) = %q, want %q", tt.userID, got, tt.want)
			}
		})
	}
}

func TestNormalizeCode(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"a1b2-c3d4", "A1B2C3D4"},
		{"  A1B2C3D4 ", "A1B2C3D4"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeCode(tt.in); got != tt.want {
			t.Errorf("NormalizeCode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAttribute(t *testing.T) {
	store := newMockUserStore()
	store.addUser("referrer-1", "A1B2C3D4")
	resolver := NewResolver(store, testLogger())

	wrote, err := resolver.Attribute(context.Background(), "new-user", "a1b2-c3d4")
	if err != nil {
		t.Fatalf("Attribute failed: %v", err)
	}
	if !wrote {
		t.Fatal("expected attribution to be written")
	}
	if store.referredBy["new-user"] != "referrer-1" {
		t.Errorf("referredBy = %q, want referrer-1", store.referredBy["new-user"])
	}
	if store.referralCounts["referrer-1"] != 1 {
		t.Errorf("referral count = %d, want 1", store.referralCounts["referrer-1"])
	}
}

func TestAttributeUnknownCodeIsNoOp(t *testing.T) {
	store := newMockUserStore()
	resolver := NewResolver(store, testLogger())

	wrote, err := resolver.Attribute(context.Background(), "new-user", "ZZZZZZZZ")
	if err != nil {
		t.Fatalf("unknown code must not error: %v", err)
	}
	if wrote {
		t.Error("unknown code must not attribute")
	}
}

func TestAttributeEmptyCodeIsNoOp(t *testing.T) {
	resolver := NewResolver(newMockUserStore(), testLogger())
	wrote, err := resolver.Attribute(context.Background(), "new-user", "   ")
	if err != nil || wrote {
		t.Errorf("empty code: wrote=%v err=%v, want false,nil", wrote, err)
	}
}

func TestAttributeSelfReferralRejected(t *testing.T) {
	store := newMockUserStore()
	store.addUser("user-1", "A1B2C3D4")
	resolver := NewResolver(store, testLogger())

	wrote, err := resolver.Attribute(context.Background(), "user-1", "A1B2C3D4")
	if err != nil {
		t.Fatalf("self referral must not error: %v", err)
	}
	if wrote {
		t.Error("self referral must not attribute")
	}
	if _, ok := store.referredBy["user-1"]; ok {
		t.Error("self referral wrote referredBy")
	}
}

func TestAttributeFirstWriteWins(t *testing.T) {
	store := newMockUserStore()
	store.addUser("referrer-1", "AAAA1111")
	store.addUser("referrer-2", "BBBB2222")
	resolver := NewResolver(store, testLogger())
	ctx := context.Background()

	resolver.Attribute(ctx, "new-user", "AAAA1111")
	wrote, err := resolver.Attribute(ctx, "new-user", "BBBB2222")
	if err != nil {
		t.Fatalf("second attribution must not error: %v", err)
	}
	if wrote {
		t.Error("second attribution must not overwrite")
	}
	if store.referredBy["new-user"] != "referrer-1" {
		t.Errorf("referredBy = %q, want referrer-1", store.referredBy["new-user"])
	}
	if store.referralCounts["referrer-2"] != 0 {
		t.Errorf("losing referrer counter = %d, want 0", store.referralCounts["referrer-2"])
	}
}
