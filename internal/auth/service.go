package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/leogray15-maker/arcane-archives/internal/affiliate"
	"github.com/leogray15-maker/arcane-archives/internal/database"
	"github.com/leogray15-maker/arcane-archives/internal/logging"
)

// Store is the persistence surface the auth service needs.
type Store interface {
	CreateUser(ctx context.Context, user *database.User) error
	GetUserByID(ctx context.Context, userID string) (*database.User, error)
	GetUserByEmail(ctx context.Context, email string) (*database.User, error)
	UpdateUserPassword(ctx context.Context, userID, passwordHash string) error
	UpdateUserLastLogin(ctx context.Context, userID string) error
	CreateSession(ctx context.Context, session *database.UserSession) error
	GetSessionByTokenHash(ctx context.Context, tokenHash string) (*database.UserSession, error)
	RevokeSession(ctx context.Context, sessionID string) error
	RevokeAllUserSessions(ctx context.Context, userID string) error
	CleanupExpiredSessions(ctx context.Context) (int64, error)
}

// Attributor binds a new user to the referrer whose code they signed up with.
type Attributor interface {
	Attribute(ctx context.Context, userID, code string) (bool, error)
}

// Service handles authentication operations
type Service struct {
	store           Store
	attributor      Attributor
	jwtManager      *JWTManager
	passwordManager *PasswordManager
	logger          *logging.Logger
	config          Config
}

// NewService creates a new authentication service. attributor may be nil
// when referral attribution is disabled.
func NewService(store Store, attributor Attributor, config Config, logger *logging.Logger) (*Service, error) {
	if config.JWTSecret == "" {
		return nil, fmt.Errorf("JWT secret is required")
	}

	if config.AccessTokenDuration == 0 {
		config.AccessTokenDuration = 15 * time.Minute
	}
	if config.RefreshTokenDuration == 0 {
		config.RefreshTokenDuration = 7 * 24 * time.Hour
	}

	return &Service{
		store:           store,
		attributor:      attributor,
		jwtManager:      NewJWTManager(config.JWTSecret, config.AccessTokenDuration, config.RefreshTokenDuration),
		passwordManager: NewPasswordManager(DefaultBcryptCost, config.MinPasswordLength),
		logger:          logger.WithComponent("auth"),
		config:          config,
	}, nil
}

// GetJWTManager returns the JWT manager for use in middleware
func (s *Service) GetJWTManager() *JWTManager {
	return s.jwtManager
}

// Register creates a new user account. The user id is generated up front so
// the referral code can be derived from it; on a referral code collision the
// id is regenerated and the insert retried.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*database.User, error) {
	existing, err := s.store.GetUserByEmail(ctx, req.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to check email: %w", err)
	}
	if existing != nil {
		return nil, ErrEmailExists
	}

	if err := s.passwordManager.ValidatePasswordStrength(req.Password); err != nil {
		return nil, AuthError{Code: "WEAK_PASSWORD", Message: err.Error()}
	}

	passwordHash, err := s.passwordManager.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	var user *database.User
	for attempt := 0; attempt < 3; attempt++ {
		id := uuid.New().String()
		user = &database.User{
			ID:                 id,
			Email:              req.Email,
			PasswordHash:       passwordHash,
			Name:               req.Name,
			SubscriptionStatus: database.StatusCancelled,
			ReferralCode:       affiliate.CodeForUser(id),
		}

		err = s.store.CreateUser(ctx, user)
		if err == nil {
			break
		}
		// A concurrent signup can win the email between the pre-check and
		// the insert. Regenerating the id would not help there.
		if errors.Is(err, database.ErrDuplicateEmail) {
			return nil, ErrEmailExists
		}
		if err != database.ErrDuplicateReferralCode {
			return nil, fmt.Errorf("failed to create user: %w", err)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	// Attribution happens after the row exists. A bad or self-referential
	// code never fails registration.
	if s.attributor != nil && req.ReferralCode != nil && *req.ReferralCode != "" {
		if _, err := s.attributor.Attribute(ctx, user.ID, *req.ReferralCode); err != nil {
			s.logger.Warn("Referral attribution failed during registration",
				"user_id", user.ID,
				"error", err)
		}
	}

	s.logger.Info("User registered", "user_id", user.ID, "email", user.Email)

	return user, nil
}

// Login authenticates a user and returns tokens
func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	user, err := s.store.GetUserByEmail(ctx, req.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil {
		return nil, ErrInvalidCredentials
	}

	if !s.passwordManager.VerifyPassword(req.Password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	if user.SubscriptionStatus == database.StatusSuspended {
		return nil, ErrAccountSuspended
	}

	claims := UserClaims{
		UserID:  user.ID,
		Email:   user.Email,
		IsAdmin: user.IsAdmin,
	}

	tokenPair, err := s.jwtManager.GenerateTokenPair(claims)
	if err != nil {
		return nil, fmt.Errorf("failed to generate tokens: %w", err)
	}

	session := &database.UserSession{
		UserID:           user.ID,
		RefreshTokenHash: HashRefreshToken(tokenPair.RefreshToken),
		ExpiresAt:        time.Now().Add(s.jwtManager.GetRefreshTokenDuration()),
	}

	// Session creation failure is logged but does not block login; only
	// token refresh depends on the session row.
	if err := s.store.CreateSession(ctx, session); err != nil {
		s.logger.Warn("Failed to create session", "user_id", user.ID, "error", err)
	}

	if err := s.store.UpdateUserLastLogin(ctx, user.ID); err != nil {
		s.logger.Warn("Failed to update last login", "user_id", user.ID, "error", err)
	}

	return &LoginResponse{
		User:         NewUserResponse(user),
		AccessToken:  tokenPair.AccessToken,
		RefreshToken: tokenPair.RefreshToken,
		ExpiresIn:    tokenPair.ExpiresIn,
	}, nil
}

// RefreshTokens refreshes the access and refresh tokens
func (s *Service) RefreshTokens(ctx context.Context, refreshToken string) (*RefreshResponse, error) {
	tokenHash := HashRefreshToken(refreshToken)

	session, err := s.store.GetSessionByTokenHash(ctx, tokenHash)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil {
		return nil, ErrInvalidToken
	}

	if session.ExpiresAt.Before(time.Now()) {
		return nil, ErrTokenExpired
	}

	if session.RevokedAt != nil {
		return nil, ErrSessionRevoked
	}

	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil || user == nil {
		return nil, ErrUserNotFound
	}

	if user.SubscriptionStatus == database.StatusSuspended {
		return nil, ErrAccountSuspended
	}

	claims := UserClaims{
		UserID:  user.ID,
		Email:   user.Email,
		IsAdmin: user.IsAdmin,
	}

	tokenPair, err := s.jwtManager.GenerateTokenPair(claims)
	if err != nil {
		return nil, fmt.Errorf("failed to generate tokens: %w", err)
	}

	// Refresh token rotation: revoke the old session before minting the new one
	if err := s.store.RevokeSession(ctx, session.ID); err != nil {
		s.logger.Warn("Failed to revoke old session", "session_id", session.ID, "error", err)
	}

	newSession := &database.UserSession{
		UserID:           user.ID,
		RefreshTokenHash: HashRefreshToken(tokenPair.RefreshToken),
		ExpiresAt:        time.Now().Add(s.jwtManager.GetRefreshTokenDuration()),
	}

	if err := s.store.CreateSession(ctx, newSession); err != nil {
		return nil, fmt.Errorf("failed to create new session: %w", err)
	}

	return &RefreshResponse{
		AccessToken:  tokenPair.AccessToken,
		RefreshToken: tokenPair.RefreshToken,
		ExpiresIn:    tokenPair.ExpiresIn,
	}, nil
}

// Logout revokes a user's session
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	tokenHash := HashRefreshToken(refreshToken)

	session, err := s.store.GetSessionByTokenHash(ctx, tokenHash)
	if err != nil {
		return fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil {
		return nil // Already logged out or invalid token
	}

	return s.store.RevokeSession(ctx, session.ID)
}

// LogoutAll revokes all sessions for a user
func (s *Service) LogoutAll(ctx context.Context, userID string) error {
	return s.store.RevokeAllUserSessions(ctx, userID)
}

// ChangePassword changes a user's password
func (s *Service) ChangePassword(ctx context.Context, userID string, req ChangePasswordRequest) error {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil || user == nil {
		return ErrUserNotFound
	}

	if !s.passwordManager.VerifyPassword(req.CurrentPassword, user.PasswordHash) {
		return ErrInvalidCredentials
	}

	if err := s.passwordManager.ValidatePasswordStrength(req.NewPassword); err != nil {
		return AuthError{Code: "WEAK_PASSWORD", Message: err.Error()}
	}

	newHash, err := s.passwordManager.HashPassword(req.NewPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	if err := s.store.UpdateUserPassword(ctx, userID, newHash); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}

	// Revoke all sessions to force re-login
	if err := s.store.RevokeAllUserSessions(ctx, userID); err != nil {
		s.logger.Warn("Failed to revoke sessions after password change", "user_id", userID, "error", err)
	}

	return nil
}

// GetUserByID retrieves a user by ID
func (s *Service) GetUserByID(ctx context.Context, userID string) (*database.User, error) {
	return s.store.GetUserByID(ctx, userID)
}

// CleanupExpiredSessions removes expired sessions from the database
func (s *Service) CleanupExpiredSessions(ctx context.Context) error {
	removed, err := s.store.CleanupExpiredSessions(ctx)
	if err != nil {
		return err
	}
	if removed > 0 {
		s.logger.Debug("Cleaned up expired sessions", "count", removed)
	}
	return nil
}

// NewUserResponse maps a user row to its API representation
func NewUserResponse(user *database.User) UserResponse {
	return UserResponse{
		ID:                 user.ID,
		Email:              user.Email,
		Name:               user.Name,
		ReferralCode:       user.ReferralCode,
		SubscriptionStatus: string(user.SubscriptionStatus),
		IsPaid:             user.IsPaid,
		IsAdmin:            user.IsAdmin,
		CreatedAt:          user.CreatedAt,
		LastLoginAt:        user.LastLoginAt,
	}
}
