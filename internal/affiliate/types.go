package affiliate

import (
	"context"
	"errors"

	"github.com/leogray15-maker/arcane-archives/internal/database"
)

// UserStore is the slice of the repository the resolver needs
type UserStore interface {
	GetUserByReferralCode(ctx context.Context, code string) (*database.User, error)
	SetUserReferredBy(ctx context.Context, userID, referrerID string) (bool, error)
	IncrementTotalReferrals(ctx context.Context, referrerID string) error
}

// AccountStore is the slice of the repository the ledger needs
type AccountStore interface {
	ApplyBalanceTransaction(ctx context.Context, entry *database.BalanceTransaction, earnedDelta int64, activeReferralsDelta int) error
	GetTransactionByReference(ctx context.Context, txType database.TransactionType, reference string) (*database.BalanceTransaction, error)
	GetAffiliate(ctx context.Context, userID string) (*database.Affiliate, error)
	ListBalanceTransactions(ctx context.Context, userID string, limit int) ([]*database.BalanceTransaction, error)
	CreateWithdrawalRequest(ctx context.Context, req *database.WithdrawalRequest) error
	ListWithdrawalRequests(ctx context.Context, userID string, limit int) ([]*database.WithdrawalRequest, error)
}

var (
	// ErrBelowMinimumWithdrawal is returned when a payout request is under
	// the configured floor.
	ErrBelowMinimumWithdrawal = errors.New("withdrawal amount below minimum")
)

// Summary is the affiliate dashboard view: the aggregate account plus the
// user's referral code.
type Summary struct {
	ReferralCode     string `json:"referral_code"`
	AvailableBalance int64  `json:"available_balance"`
	TotalEarned      int64  `json:"total_earned"`
	TotalWithdrawn   int64  `json:"total_withdrawn"`
	TotalReferrals   int    `json:"total_referrals"`
	ActiveReferrals  int    `json:"active_referrals"`
}
