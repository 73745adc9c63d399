package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// =====================================================
// AFFILIATE ACCOUNT OPERATIONS
// =====================================================

// GetAffiliate retrieves an affiliate account, or nil when the user has
// never earned or been referred through.
func (r *Repository) GetAffiliate(ctx context.Context, userID string) (*Affiliate, error) {
	query := `
		SELECT user_id, available_balance, total_earned, total_withdrawn,
			total_referrals, active_referrals, created_at, updated_at
		FROM affiliates WHERE user_id = $1
	`
	a := &Affiliate{}
	err := r.db.Pool.QueryRow(ctx, query, userID).Scan(
		&a.UserID, &a.AvailableBalance, &a.TotalEarned, &a.TotalWithdrawn,
		&a.TotalReferrals, &a.ActiveReferrals,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get affiliate: %w", err)
	}
	return a, nil
}

// IncrementTotalReferrals bumps the referrer's signup counter, creating the
// affiliate row when it does not exist yet.
func (r *Repository) IncrementTotalReferrals(ctx context.Context, referrerID string) error {
	query := `
		INSERT INTO affiliates (user_id, total_referrals) VALUES ($1, 1)
		ON CONFLICT (user_id) DO UPDATE SET total_referrals = affiliates.total_referrals + 1
	`
	if _, err := r.db.Pool.Exec(ctx, query, referrerID); err != nil {
		return fmt.Errorf("failed to increment referrals: %w", err)
	}
	return nil
}

// ApplyBalanceTransaction writes one ledger row and the matching aggregate
// deltas as a single atomic unit. The affiliate row is locked FOR UPDATE for
// the duration, so concurrent debits serialize and the non-negative balance
// check cannot race. A (type, reference) collision rolls everything back and
// returns ErrDuplicateReference; a debit past zero returns
// ErrInsufficientBalance with no state change.
func (r *Repository) ApplyBalanceTransaction(ctx context.Context, entry *BalanceTransaction, earnedDelta int64, activeReferralsDelta int) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := applyBalanceTx(ctx, tx, entry, earnedDelta, activeReferralsDelta); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// applyBalanceTx runs the ledger write inside an existing pgx transaction so
// callers can bundle it with other writes (balance-funded orders,
// withdrawal requests).
func applyBalanceTx(ctx context.Context, tx pgx.Tx, entry *BalanceTransaction, earnedDelta int64, activeReferralsDelta int) error {
	// Create the account on first touch, then lock it
	if _, err := tx.Exec(ctx,
		`INSERT INTO affiliates (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
		entry.UserID,
	); err != nil {
		return fmt.Errorf("failed to ensure affiliate: %w", err)
	}

	var balance int64
	err := tx.QueryRow(ctx,
		`SELECT available_balance FROM affiliates WHERE user_id = $1 FOR UPDATE`,
		entry.UserID,
	).Scan(&balance)
	if err != nil {
		return fmt.Errorf("failed to lock affiliate: %w", err)
	}

	if balance+entry.Amount < 0 {
		return ErrInsufficientBalance
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO balance_transactions (user_id, type, amount, reference, description)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		entry.UserID, entry.Type, entry.Amount, entry.Reference, entry.Description,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateReference
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}

	// Withdrawal entries carry the lifetime-withdrawn aggregate with them:
	// the debit raises it, a rejection refund lowers it back.
	var withdrawnDelta int64
	if entry.Type == TxWithdrawal {
		withdrawnDelta = -entry.Amount
	}

	_, err = tx.Exec(ctx,
		`UPDATE affiliates SET
			available_balance = available_balance + $2,
			total_earned = total_earned + $3,
			total_withdrawn = total_withdrawn + $4,
			active_referrals = GREATEST(0, active_referrals + $5)
		WHERE user_id = $1`,
		entry.UserID, entry.Amount, earnedDelta, withdrawnDelta, activeReferralsDelta,
	)
	if err != nil {
		return fmt.Errorf("failed to update affiliate aggregates: %w", err)
	}

	return nil
}

// GetTransactionByReference looks up a ledger row by its idempotency key.
// Returns nil when no such transaction exists.
func (r *Repository) GetTransactionByReference(ctx context.Context, txType TransactionType, reference string) (*BalanceTransaction, error) {
	query := `
		SELECT id, user_id, type, amount, reference, COALESCE(description, ''), created_at
		FROM balance_transactions WHERE type = $1 AND reference = $2
	`
	t := &BalanceTransaction{}
	err := r.db.Pool.QueryRow(ctx, query, txType, reference).Scan(
		&t.ID, &t.UserID, &t.Type, &t.Amount, &t.Reference, &t.Description, &t.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return t, nil
}

// ListBalanceTransactions returns a user's ledger entries, newest first
func (r *Repository) ListBalanceTransactions(ctx context.Context, userID string, limit int) ([]*BalanceTransaction, error) {
	query := `
		SELECT id, user_id, type, amount, reference, COALESCE(description, ''), created_at
		FROM balance_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txs []*BalanceTransaction
	for rows.Next() {
		t := &BalanceTransaction{}
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.Reference, &t.Description, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// =====================================================
// WITHDRAWAL OPERATIONS
// =====================================================

// CreateWithdrawalRequest debits the balance and records the payout request
// in one transaction. The ledger debit uses reference wd_<id>, so a retried
// request with the same id cannot double-debit.
func (r *Repository) CreateWithdrawalRequest(ctx context.Context, req *WithdrawalRequest) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	entry := &BalanceTransaction{
		UserID:      req.UserID,
		Type:        TxWithdrawal,
		Amount:      -req.Amount,
		Reference:   "wd_" + req.ID,
		Description: "Balance withdrawal",
	}
	if err := applyBalanceTx(ctx, tx, entry, 0, 0); err != nil {
		return err
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO withdrawal_requests (id, user_id, amount, status, payment_details)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		req.ID, req.UserID, req.Amount, WithdrawalPending, req.PaymentDetails,
	).Scan(&req.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert withdrawal request: %w", err)
	}
	req.Status = WithdrawalPending

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListWithdrawalRequests returns a user's withdrawal requests, newest first
func (r *Repository) ListWithdrawalRequests(ctx context.Context, userID string, limit int) ([]*WithdrawalRequest, error) {
	query := `
		SELECT id, user_id, amount, status, COALESCE(payment_details, ''), created_at, processed_at
		FROM withdrawal_requests
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list withdrawal requests: %w", err)
	}
	defer rows.Close()

	var reqs []*WithdrawalRequest
	for rows.Next() {
		w := &WithdrawalRequest{}
		if err := rows.Scan(&w.ID, &w.UserID, &w.Amount, &w.Status, &w.PaymentDetails, &w.CreatedAt, &w.ProcessedAt); err != nil {
			return nil, fmt.Errorf("failed to scan withdrawal request: %w", err)
		}
		reqs = append(reqs, w)
	}
	return reqs, rows.Err()
}

// ListPendingWithdrawals returns unprocessed requests across all users,
// oldest first, for the admin payout queue.
func (r *Repository) ListPendingWithdrawals(ctx context.Context, limit int) ([]*WithdrawalRequest, error) {
	query := `
		SELECT id, user_id, amount, status, COALESCE(payment_details, ''), created_at, processed_at
		FROM withdrawal_requests
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, WithdrawalPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending withdrawals: %w", err)
	}
	defer rows.Close()

	var reqs []*WithdrawalRequest
	for rows.Next() {
		w := &WithdrawalRequest{}
		if err := rows.Scan(&w.ID, &w.UserID, &w.Amount, &w.Status, &w.PaymentDetails, &w.CreatedAt, &w.ProcessedAt); err != nil {
			return nil, fmt.Errorf("failed to scan withdrawal request: %w", err)
		}
		reqs = append(reqs, w)
	}
	return reqs, rows.Err()
}

// MarkWithdrawalProcessed transitions a pending request to paid or rejected.
// A rejected request refunds the debit under reference wd_<id>_refund.
func (r *Repository) MarkWithdrawalProcessed(ctx context.Context, requestID string, status WithdrawalStatus) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var userID string
	var amount int64
	err = tx.QueryRow(ctx,
		`UPDATE withdrawal_requests SET status = $2, processed_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = $3
		RETURNING user_id, amount`,
		requestID, status, WithdrawalPending,
	).Scan(&userID, &amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update withdrawal request: %w", err)
	}

	if status == WithdrawalRejected {
		entry := &BalanceTransaction{
			UserID:      userID,
			Type:        TxWithdrawal,
			Amount:      amount,
			Reference:   "wd_" + requestID + "_refund",
			Description: "Withdrawal rejected, balance refunded",
		}
		if err := applyBalanceTx(ctx, tx, entry, 0, 0); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
