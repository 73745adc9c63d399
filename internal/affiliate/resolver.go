package affiliate

import (
	"context"
	"strings"

	"github.com/leogray15-maker/arcane-archives/internal/logging"
)

// Resolver turns referral codes into attribution records. Attribution is
// best effort: a bad code never fails the signup that carried it.
type Resolver struct {
	users  UserStore
	logger *logging.Logger
}

// NewResolver creates a referral code resolver
func NewResolver(users UserStore, logger *logging.Logger) *Resolver {
	return &Resolver{
		users:  users,
		logger: logger.WithComponent("referral-resolver"),
	}
}

// CodeForUser derives a user's referral code from their id: the first 8 hex
// characters, uppercased. Codes are stored with the user, so a rare
// collision is caught by the unique column at insert time.
func CodeForUser(userID string) string {
	raw := strings.ReplaceAll(userID, "-", "")
	if len(raw) > 8 {
		raw = raw[:8]
	}
	return strings.ToUpper(raw)
}

// NormalizeCode strips formatting a user may have typed or a link may have
// carried (XXXX-YYYY reads better than XXXXYYYY).
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
}

// Attribute resolves a captured referral code and records the attribution
// for userID. First write wins: a user who already has a referrer keeps it.
// Unknown codes and self referral are logged no-ops. Returns true when this
// call created the attribution.
func (r *Resolver) Attribute(ctx context.Context, userID, code string) (bool, error) {
	code = NormalizeCode(code)
	if code == "" {
		return false, nil
	}

	referrer, err := r.users.GetUserByReferralCode(ctx, code)
	if err != nil {
		return false, err
	}
	if referrer == nil {
		r.logger.Warn("Referral code did not resolve", "code", code, "user_id", userID)
		return false, nil
	}
	if referrer.ID == userID {
		r.logger.Warn("Self referral ignored", "user_id", userID)
		return false, nil
	}

	wrote, err := r.users.SetUserReferredBy(ctx, userID, referrer.ID)
	if err != nil {
		return false, err
	}
	if !wrote {
		r.logger.Debug("User already attributed, keeping existing referrer", "user_id", userID)
		return false, nil
	}

	if err := r.users.IncrementTotalReferrals(ctx, referrer.ID); err != nil {
		// The attribution itself stands; the counter is presentation data
		r.logger.Error("Failed to bump referral counter", "referrer_id", referrer.ID, "error", err)
	}

	r.logger.Info("Referral attributed", "user_id", userID, "referrer_id", referrer.ID, "code", code)
	return true, nil
}
