package database

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsUniqueViolation(t *testing.T) {
	dup := &pgconn.PgError{Code: "23505", ConstraintName: "users_email_key"}

	if !isUniqueViolation(dup) {
		t.Error("23505 must be recognized as a unique violation")
	}
	if !isUniqueViolation(fmt.Errorf("insert failed: %w", dup)) {
		t.Error("wrapped 23505 must be recognized")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Error("foreign key violation is not a unique violation")
	}
	if isUniqueViolation(errors.New("boom")) {
		t.Error("plain errors are not unique violations")
	}
}

func TestViolatedConstraint(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&pgconn.PgError{Code: "23505", ConstraintName: "users_email_key"}, "users_email_key"},
		{fmt.Errorf("wrap: %w", &pgconn.PgError{Code: "23505", ConstraintName: "users_referral_code_key"}), "users_referral_code_key"},
		{&pgconn.PgError{Code: "23503", ConstraintName: "order_items_order_id_fkey"}, ""},
		{errors.New("boom"), ""},
	}
	for _, tc := range cases {
		if got := violatedConstraint(tc.err); got != tc.want {
			t.Errorf("violatedConstraint(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
