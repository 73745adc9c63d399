package database

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel errors shared by repositories and the services built on them.
var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientBalance is returned when a debit would drive an
	// affiliate's available balance negative. No state is changed.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicateReference is returned when a ledger write collides with an
	// existing (type, reference) pair. Callers treat this as already-applied.
	ErrDuplicateReference = errors.New("duplicate transaction reference")

	// ErrDuplicateOrder is returned when an order id already exists.
	ErrDuplicateOrder = errors.New("duplicate order")

	// ErrDuplicateReferralCode is returned when a referral code is taken.
	ErrDuplicateReferralCode = errors.New("duplicate referral code")

	// ErrDuplicateEmail is returned when an email is already registered.
	ErrDuplicateEmail = errors.New("duplicate email")
)

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// violatedConstraint returns the constraint name carried by a unique
// violation, or "" for any other error.
func violatedConstraint(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName
	}
	return ""
}
