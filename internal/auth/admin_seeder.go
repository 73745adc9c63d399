package auth

import (
	"context"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/google/uuid"

	"github.com/leogray15-maker/arcane-archives/internal/affiliate"
	"github.com/leogray15-maker/arcane-archives/internal/database"
	"github.com/leogray15-maker/arcane-archives/internal/logging"
)

// SeedAdminUser ensures an admin account exists for the configured
// credentials. A blank email disables seeding. An existing account with a
// stale password gets the configured one.
func SeedAdminUser(ctx context.Context, repo *database.Repository, email, password string, logger *logging.Logger) error {
	if email == "" || password == "" {
		return nil
	}
	log := logger.WithComponent("admin-seeder")

	user, err := repo.GetUserByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to check for admin user: %w", err)
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), DefaultBcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}

	if user == nil {
		id := uuid.New().String()
		adminUser := &database.User{
			ID:                 id,
			Email:              email,
			PasswordHash:       string(hashedPassword),
			Name:               "Administrator",
			SubscriptionStatus: database.StatusActive,
			IsPaid:             true,
			ReferralCode:       affiliate.CodeForUser(id),
			IsAdmin:            true,
		}

		if err := repo.CreateUser(ctx, adminUser); err != nil {
			return fmt.Errorf("failed to create admin user: %w", err)
		}

		log.Info("Admin user created", "user_id", adminUser.ID, "email", email)
		return nil
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		if err := repo.UpdateUserPassword(ctx, user.ID, string(hashedPassword)); err != nil {
			return fmt.Errorf("failed to update admin password: %w", err)
		}
		log.Info("Admin password updated", "email", email)
	}

	if !user.IsAdmin {
		log.Warn("Configured admin account exists without admin flag", "email", email)
	}

	return nil
}
