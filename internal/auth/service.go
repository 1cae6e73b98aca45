package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/herald-mq/herald/internal/logging"
)

const resetTokenTTL = time.Hour

// UserStore is the persistence the service needs for accounts. Implemented
// by the store; defined here so this package stays free of database imports.
type UserStore interface {
	UserByEmail(ctx context.Context, email string) (User, error)
	UserByID(ctx context.Context, id string) (User, error)
	SetLastLogin(ctx context.Context, id string, at time.Time) error
	UpdateUserPassword(ctx context.Context, id, passwordHash string) error
}

// ResetStore persists password-reset tokens. Tokens are stored hashed;
// ConsumeResetToken must succeed at most once per token.
type ResetStore interface {
	CreateResetToken(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	ConsumeResetToken(ctx context.Context, tokenHash string) (userID string, err error)
}

// Service implements operator login, token refresh, and password resets.
type Service struct {
	users      UserStore
	resets     ResetStore
	log        *logging.Logger
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration

	limiter *RateLimiter
}

// ServiceConfig holds the configuration for creating a Service.
type ServiceConfig struct {
	Users      UserStore
	Resets     ResetStore
	Log        *logging.Logger
	JWTSecret  []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// NewService creates a new auth service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 30 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 720 * time.Hour
	}
	return &Service{
		users:      cfg.Users,
		resets:     cfg.Resets,
		log:        cfg.Log,
		secret:     cfg.JWTSecret,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		limiter:    NewRateLimiter(),
	}
}

// Login authenticates an operator by email and password. Failures are
// indistinguishable between unknown email and wrong password, and both count
// against the per-IP limiter.
func (s *Service) Login(ctx context.Context, email, password, ip string) (TokenPair, User, error) {
	if !s.limiter.Allow(ip) {
		return TokenPair{}, User{}, ErrRateLimited
	}

	user, err := s.users.UserByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		s.limiter.RecordFailure(ip)
		return TokenPair{}, User{}, ErrInvalidCredentials
	}
	if !CheckPassword(user.PasswordHash, password) {
		s.limiter.RecordFailure(ip)
		return TokenPair{}, User{}, ErrInvalidCredentials
	}
	if !user.Active {
		return TokenPair{}, User{}, ErrAccountDisabled
	}

	s.limiter.Reset(ip)
	_ = s.users.SetLastLogin(ctx, user.ID, time.Now().UTC()) // best effort

	pair, err := s.issuePair(user)
	if err != nil {
		return TokenPair{}, User{}, err
	}
	return pair, user, nil
}

// Refresh exchanges a valid refresh token for a fresh token pair. The
// account is re-checked so a disabled user cannot keep refreshing.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, User, error) {
	claims, err := parseToken(s.secret, refreshToken, useRefresh)
	if err != nil {
		return TokenPair{}, User{}, err
	}
	user, err := s.users.UserByID(ctx, claims.Subject)
	if err != nil {
		return TokenPair{}, User{}, ErrTokenInvalid
	}
	if !user.Active {
		return TokenPair{}, User{}, ErrAccountDisabled
	}
	pair, err := s.issuePair(user)
	if err != nil {
		return TokenPair{}, User{}, err
	}
	return pair, user, nil
}

// Authenticate validates an access token and returns the current account.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (User, *Claims, error) {
	claims, err := parseToken(s.secret, accessToken, useAccess)
	if err != nil {
		return User{}, nil, err
	}
	user, err := s.users.UserByID(ctx, claims.Subject)
	if err != nil {
		return User{}, nil, ErrTokenInvalid
	}
	if !user.Active {
		return User{}, nil, ErrAccountDisabled
	}
	return user, claims, nil
}

// ForgotPassword creates a single-use reset token for the account, valid for
// one hour. Returns ErrUnknownUser for unknown or disabled accounts; callers
// must not reveal that distinction to the requester.
func (s *Service) ForgotPassword(ctx context.Context, email string) (string, User, error) {
	user, err := s.users.UserByEmail(ctx, NormalizeEmail(email))
	if err != nil || !user.Active {
		return "", User{}, ErrUnknownUser
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", User{}, fmt.Errorf("generate reset token: %w", err)
	}
	token := hex.EncodeToString(b)
	expiresAt := time.Now().UTC().Add(resetTokenTTL)
	if err := s.resets.CreateResetToken(ctx, HashResetToken(token), user.ID, expiresAt); err != nil {
		return "", User{}, fmt.Errorf("store reset token: %w", err)
	}
	return token, user, nil
}

// ResetPassword consumes a reset token and sets a new password. The bool
// reports whether the new password was truncated to the bcrypt limit, so the
// caller can write the WARN audit entry.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) (User, bool, error) {
	if err := ValidatePassword(newPassword); err != nil {
		return User{}, false, err
	}
	userID, err := s.resets.ConsumeResetToken(ctx, HashResetToken(token))
	if err != nil {
		return User{}, false, ErrTokenInvalid
	}
	user, err := s.users.UserByID(ctx, userID)
	if err != nil {
		return User{}, false, ErrTokenInvalid
	}

	hash, truncated, err := HashPassword(newPassword)
	if err != nil {
		return User{}, false, fmt.Errorf("hash password: %w", err)
	}
	if err := s.users.UpdateUserPassword(ctx, user.ID, hash); err != nil {
		return User{}, false, fmt.Errorf("update password: %w", err)
	}
	return user, truncated, nil
}

// CleanupRateLimiter drops expired per-IP login records. Called on a
// schedule by the jobs runner.
func (s *Service) CleanupRateLimiter() {
	s.limiter.Cleanup()
}

func (s *Service) issuePair(u User) (TokenPair, error) {
	now := time.Now().UTC()
	access, err := signToken(s.secret, u, useAccess, s.accessTTL, now)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := signToken(s.secret, u, useRefresh, s.refreshTTL, now)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int(s.accessTTL.Seconds()),
	}, nil
}

// NormalizeEmail lower-cases and trims an address; emails are unique
// case-insensitively.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// HashResetToken returns the hex SHA-256 of a reset token. Only the hash is
// ever persisted.
func HashResetToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
