package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck pings the underlying pool
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

// =====================================================
// USER CRUD OPERATIONS
// =====================================================

// CreateUser creates a new user. The id may be set by the caller so the
// referral code can be derived from it before the insert; when empty the
// database generates one.
func (r *Repository) CreateUser(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (
			id, email, password_hash, name, subscription_status, is_paid,
			stripe_customer_id, referral_code, referred_by, is_admin
		) VALUES (
			COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()),
			$2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10
		)
		RETURNING id, created_at, updated_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		user.ID,
		user.Email,
		user.PasswordHash,
		user.Name,
		user.SubscriptionStatus,
		user.IsPaid,
		user.StripeCustomerID,
		user.ReferralCode,
		user.ReferredBy,
		user.IsAdmin,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)

	if err != nil {
		// users has two unique constraints. Only the referral code one is
		// retryable by the caller, so tell them apart by constraint name.
		if isUniqueViolation(err) {
			if strings.Contains(violatedConstraint(err), "email") {
				return ErrDuplicateEmail
			}
			return ErrDuplicateReferralCode
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

const userColumns = `
	id, email, password_hash, COALESCE(name, ''),
	subscription_status, is_paid,
	COALESCE(stripe_customer_id, ''), COALESCE(stripe_subscription_id, ''),
	COALESCE(referral_code, ''), referred_by, is_admin, last_login_at,
	created_at, updated_at
`

func (r *Repository) scanUser(row pgx.Row) (*User, error) {
	user := &User{}
	err := row.Scan(
		&user.ID, &user.Email, &user.PasswordHash, &user.Name,
		&user.SubscriptionStatus, &user.IsPaid,
		&user.StripeCustomerID, &user.StripeSubscriptionID,
		&user.ReferralCode, &user.ReferredBy, &user.IsAdmin, &user.LastLoginAt,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return user, nil
}

// GetUserByID retrieves a user by ID
func (r *Repository) GetUserByID(ctx context.Context, userID string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return r.scanUser(r.db.Pool.QueryRow(ctx, query, userID))
}

// GetUserByEmail retrieves a user by email
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	return r.scanUser(r.db.Pool.QueryRow(ctx, query, email))
}

// GetUserByReferralCode retrieves the owner of a referral code
func (r *Repository) GetUserByReferralCode(ctx context.Context, code string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE referral_code = $1`
	return r.scanUser(r.db.Pool.QueryRow(ctx, query, code))
}

// GetUserByStripeCustomerID retrieves a user by their Stripe customer id
func (r *Repository) GetUserByStripeCustomerID(ctx context.Context, customerID string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE stripe_customer_id = $1`
	return r.scanUser(r.db.Pool.QueryRow(ctx, query, customerID))
}

// UpdateUserPassword updates a user's password
func (r *Repository) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	query := `UPDATE users SET password_hash = $2 WHERE id = $1`
	_, err := r.db.Pool.Exec(ctx, query, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	return nil
}

// UpdateUserLastLogin updates the last login timestamp
func (r *Repository) UpdateUserLastLogin(ctx context.Context, userID string) error {
	query := `UPDATE users SET last_login_at = CURRENT_TIMESTAMP WHERE id = $1`
	_, err := r.db.Pool.Exec(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

// UpdateUserSubscription updates subscription state after a billing event
func (r *Repository) UpdateUserSubscription(ctx context.Context, userID string, status SubscriptionStatus, isPaid bool, stripeCustomerID, stripeSubscriptionID string) error {
	query := `
		UPDATE users SET
			subscription_status = $2,
			is_paid = $3,
			stripe_customer_id = COALESCE(NULLIF($4, ''), stripe_customer_id),
			stripe_subscription_id = COALESCE(NULLIF($5, ''), stripe_subscription_id)
		WHERE id = $1
	`
	tag, err := r.db.Pool.Exec(ctx, query, userID, status, isPaid, stripeCustomerID, stripeSubscriptionID)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateUserStripeCustomer records the Stripe customer id created for a user
func (r *Repository) UpdateUserStripeCustomer(ctx context.Context, userID, stripeCustomerID string) error {
	query := `UPDATE users SET stripe_customer_id = $2 WHERE id = $1`
	tag, err := r.db.Pool.Exec(ctx, query, userID, stripeCustomerID)
	if err != nil {
		return fmt.Errorf("failed to update stripe customer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetUserReferredBy records attribution. First write wins: the referred_by
// column is only set when it is still NULL. Returns true when this call
// performed the write.
func (r *Repository) SetUserReferredBy(ctx context.Context, userID, referrerID string) (bool, error) {
	query := `
		UPDATE users SET referred_by = $2
		WHERE id = $1 AND referred_by IS NULL AND id <> $2
	`
	tag, err := r.db.Pool.Exec(ctx, query, userID, referrerID)
	if err != nil {
		return false, fmt.Errorf("failed to set referrer: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// =====================================================
// SESSION OPERATIONS
// =====================================================

// CreateSession stores a refresh token session
func (r *Repository) CreateSession(ctx context.Context, session *UserSession) error {
	query := `
		INSERT INTO user_sessions (user_id, refresh_token_hash, expires_at)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`
	err := r.db.Pool.QueryRow(ctx, query,
		session.UserID, session.RefreshTokenHash, session.ExpiresAt,
	).Scan(&session.ID, &session.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSessionByTokenHash retrieves an active session by refresh token hash
func (r *Repository) GetSessionByTokenHash(ctx context.Context, tokenHash string) (*UserSession, error) {
	query := `
		SELECT id, user_id, refresh_token_hash, expires_at, revoked_at, created_at
		FROM user_sessions
		WHERE refresh_token_hash = $1 AND revoked_at IS NULL AND expires_at > CURRENT_TIMESTAMP
	`
	session := &UserSession{}
	err := r.db.Pool.QueryRow(ctx, query, tokenHash).Scan(
		&session.ID, &session.UserID, &session.RefreshTokenHash,
		&session.ExpiresAt, &session.RevokedAt, &session.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// RevokeSession marks a session as revoked
func (r *Repository) RevokeSession(ctx context.Context, sessionID string) error {
	query := `UPDATE user_sessions SET revoked_at = CURRENT_TIMESTAMP WHERE id = $1 AND revoked_at IS NULL`
	_, err := r.db.Pool.Exec(ctx, query, sessionID)
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// RevokeAllUserSessions revokes every active session for a user
func (r *Repository) RevokeAllUserSessions(ctx context.Context, userID string) error {
	query := `UPDATE user_sessions SET revoked_at = CURRENT_TIMESTAMP WHERE user_id = $1 AND revoked_at IS NULL`
	_, err := r.db.Pool.Exec(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("failed to revoke user sessions: %w", err)
	}
	return nil
}

// CleanupExpiredSessions deletes expired and revoked sessions
func (r *Repository) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	query := `DELETE FROM user_sessions WHERE expires_at < CURRENT_TIMESTAMP OR revoked_at IS NOT NULL`
	tag, err := r.db.Pool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
