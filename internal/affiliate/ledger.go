package affiliate

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/leogray15-maker/arcane-archives/internal/database"
	"github.com/leogray15-maker/arcane-archives/internal/events"
)

// Ledger is the only writer of affiliate balances. Every mutation is a
// ledger row plus matching aggregate deltas, applied atomically by the
// store. References are derived from external event ids, so a replayed
// webhook or a retried request lands on the unique (type, reference) key
// and becomes a no-op.
type Ledger struct {
	store            AccountStore
	commissionAmount int64            // pence per activated referral
	minWithdrawal    int64            // pence
	bus              *events.EventBus // optional, announces credited commissions
	audit            zerolog.Logger
}

// NewLedger creates the commission ledger. amount and minWithdrawal are in
// pence. The audit logger records every money movement.
func NewLedger(store AccountStore, amount, minWithdrawal int64, bus *events.EventBus, audit zerolog.Logger) *Ledger {
	return &Ledger{
		store:            store,
		commissionAmount: amount,
		minWithdrawal:    minWithdrawal,
		bus:              bus,
		audit:            audit.With().Str("component", "CommissionLedger").Logger(),
	}
}

// CommissionAmount returns the configured flat commission in pence
func (l *Ledger) CommissionAmount() int64 {
	return l.commissionAmount
}

// CreditCommission credits the flat commission to referrerID for an
// activated referral subscription. subscriptionRef is the payment
// provider's subscription id and acts as the idempotency key: crediting the
// same subscription twice is a silent no-op.
func (l *Ledger) CreditCommission(ctx context.Context, referrerID, subscriptionRef string) error {
	if l.commissionAmount <= 0 {
		return fmt.Errorf("commission amount must be positive, got %d", l.commissionAmount)
	}

	entry := &database.BalanceTransaction{
		UserID:      referrerID,
		Type:        database.TxReferralCommission,
		Amount:      l.commissionAmount,
		Reference:   subscriptionRef,
		Description: "Referral commission for new subscription",
	}

	err := l.store.ApplyBalanceTransaction(ctx, entry, l.commissionAmount, 1)
	if errors.Is(err, database.ErrDuplicateReference) {
		l.audit.Debug().
			Str("referrer_id", referrerID).
			Str("reference", subscriptionRef).
			Msg("Commission already credited, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to credit commission: %w", err)
	}

	l.audit.Info().
		Str("referrer_id", referrerID).
		Str("reference", subscriptionRef).
		Int64("amount", entry.Amount).
		Msg("Commission credited")

	if l.bus != nil {
		l.bus.PublishCommissionEarned(referrerID, entry.Amount)
	}
	return nil
}

// ReverseCommission undoes the commission for a cancelled referral
// subscription. Only the amount actually credited for subscriptionRef is
// reversed; with no credit on record the call is a no-op. When the balance
// has already been partly spent, the reversal debits what is left so the
// balance never goes negative.
func (l *Ledger) ReverseCommission(ctx context.Context, subscriptionRef string) error {
	credited, err := l.store.GetTransactionByReference(ctx, database.TxReferralCommission, subscriptionRef)
	if err != nil {
		return fmt.Errorf("failed to look up credited commission: %w", err)
	}
	if credited == nil {
		l.audit.Info().
			Str("reference", subscriptionRef).
			Msg("No commission on record for cancelled subscription, nothing to reverse")
		return nil
	}

	entry := &database.BalanceTransaction{
		UserID:      credited.UserID,
		Type:        database.TxCommissionReversal,
		Amount:      -credited.Amount,
		Reference:   subscriptionRef,
		Description: "Commission reversed for cancelled subscription",
	}

	err = l.store.ApplyBalanceTransaction(ctx, entry, entry.Amount, -1)
	if errors.Is(err, database.ErrInsufficientBalance) {
		// Balance partly spent; reverse what remains
		acct, aerr := l.store.GetAffiliate(ctx, credited.UserID)
		if aerr != nil {
			return fmt.Errorf("failed to read affiliate for clamped reversal: %w", aerr)
		}
		entry.Amount = -acct.AvailableBalance
		entry.Description = "Commission reversed for cancelled subscription (clamped to remaining balance)"
		err = l.store.ApplyBalanceTransaction(ctx, entry, entry.Amount, -1)
	}
	if errors.Is(err, database.ErrDuplicateReference) {
		l.audit.Debug().
			Str("reference", subscriptionRef).
			Msg("Commission already reversed, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to reverse commission: %w", err)
	}

	l.audit.Info().
		Str("referrer_id", credited.UserID).
		Str("reference", subscriptionRef).
		Int64("amount", entry.Amount).
		Msg("Commission reversed")
	return nil
}

// Summary returns the dashboard view for a user. A user who has never
// earned gets a zeroed summary rather than an error.
func (l *Ledger) Summary(ctx context.Context, userID string) (*Summary, error) {
	s := &Summary{ReferralCode: CodeForUser(userID)}

	acct, err := l.store.GetAffiliate(ctx, userID)
	if err != nil {
		return nil, err
	}
	if acct != nil {
		s.AvailableBalance = acct.AvailableBalance
		s.TotalEarned = acct.TotalEarned
		s.TotalWithdrawn = acct.TotalWithdrawn
		s.TotalReferrals = acct.TotalReferrals
		s.ActiveReferrals = acct.ActiveReferrals
	}
	return s, nil
}

// History returns the user's ledger entries, newest first
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]*database.BalanceTransaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return l.store.ListBalanceTransactions(ctx, userID, limit)
}

// RequestWithdrawal debits amount pence from the user's balance and records
// a pending payout request. The request id doubles as the ledger reference.
func (l *Ledger) RequestWithdrawal(ctx context.Context, userID string, amount int64, paymentDetails string) (*database.WithdrawalRequest, error) {
	if amount < l.minWithdrawal {
		return nil, ErrBelowMinimumWithdrawal
	}

	req := &database.WithdrawalRequest{
		ID:             uuid.New().String(),
		UserID:         userID,
		Amount:         amount,
		PaymentDetails: paymentDetails,
	}
	if err := l.store.CreateWithdrawalRequest(ctx, req); err != nil {
		return nil, err
	}

	l.audit.Info().
		Str("user_id", userID).
		Str("request_id", req.ID).
		Int64("amount", amount).
		Msg("Withdrawal requested")
	return req, nil
}

// Withdrawals lists the user's payout requests, newest first
func (l *Ledger) Withdrawals(ctx context.Context, userID string, limit int) ([]*database.WithdrawalRequest, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return l.store.ListWithdrawalRequests(ctx, userID, limit)
}
