package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/auth-service/internal/model"
	"github.com/iliyamo/auth-service/internal/repository"
	"github.com/iliyamo/auth-service/internal/utils"
)

// UserStore is the slice of the user repository the session manager
// needs. The concrete implementation is repository.UserRepo; tests
// substitute in-memory fakes.
type UserStore interface {
	GetByEmail(ctx context.Context, email string) (model.User, error)
	GetByID(ctx context.Context, id uint64) (model.User, error)
	Update(ctx context.Context, id uint64, upd repository.UserUpdate) error
}

// TokenStore persists rotating refresh tokens. Implemented by
// repository.TokenRepo; its Rotate must be atomic per token and must
// return the repository sentinel errors for the three rejection modes.
type TokenStore interface {
	Store(ctx context.Context, userID uint64, familyID, tokenHash string, exp time.Time) error
	Rotate(ctx context.Context, presentedHash, newHash string, exp time.Time) (uint64, string, error)
	RevokeFamily(ctx context.Context, familyID string) error
	RevokeAllForUser(ctx context.Context, userID uint64) error
}

// PermissionInvalidator drops a user's cached permission set. Logout
// calls it so a revoked session cannot keep riding a stale cache entry.
type PermissionInvalidator interface {
	Invalidate(ctx context.Context, userID uint64) error
}

// Session orchestrates credential authentication, token-pair issuance,
// refresh rotation and logout. All collaborators are injected; the
// manager owns no connections of its own.
type Session struct {
	users          UserStore
	tokens         TokenStore
	codec          *Codec
	blacklist      *Blacklist
	perms          PermissionInvalidator
	bcryptCost     int
	refreshTTLDays int
}

func NewSession(users UserStore, tokens TokenStore, codec *Codec, bl *Blacklist, perms PermissionInvalidator, bcryptCost, refreshTTLDays int) *Session {
	return &Session{
		users:          users,
		tokens:         tokens,
		codec:          codec,
		blacklist:      bl,
		perms:          perms,
		bcryptCost:     bcryptCost,
		refreshTTLDays: refreshTTLDays,
	}
}

// Authenticate checks an email/password pair against the user store.
// Unknown email, wrong password and inactive account all fail with the
// same ErrInvalidCredentials so responses cannot be used to probe for
// accounts. Verified-email policy is deliberately not enforced here;
// the login call site applies it per role.
func (s *Session) Authenticate(ctx context.Context, email, password string) (model.User, error) {
	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, ErrInvalidCredentials
		}
		return model.User{}, fmt.Errorf("authenticate: %w", err)
	}
	if !utils.VerifyPassword(u.PasswordHash, password) {
		return model.User{}, ErrInvalidCredentials
	}
	if !u.IsActive {
		return model.User{}, ErrInvalidCredentials
	}
	return u, nil
}

// CreateTokens issues a fresh access token and opens a new refresh-token
// family for the user. The raw refresh value exists only in the return
// value; the store sees its hash.
func (s *Session) CreateTokens(ctx context.Context, u model.User) (utils.AccessToken, utils.RefreshToken, error) {
	access, err := s.codec.Issue(u.ID, u.Role)
	if err != nil {
		return utils.AccessToken{}, utils.RefreshToken{}, fmt.Errorf("create tokens: access: %w", err)
	}
	refresh, err := utils.NewRefreshToken(s.refreshTTLDays)
	if err != nil {
		return utils.AccessToken{}, utils.RefreshToken{}, fmt.Errorf("create tokens: refresh: %w", err)
	}
	family, err := utils.NewFamilyID()
	if err != nil {
		return utils.AccessToken{}, utils.RefreshToken{}, fmt.Errorf("create tokens: family: %w", err)
	}
	if err := s.tokens.Store(ctx, u.ID, family, utils.HashToken(refresh.Raw), refresh.Exp); err != nil {
		return utils.AccessToken{}, utils.RefreshToken{}, fmt.Errorf("create tokens: store: %w", err)
	}
	return access, refresh, nil
}

// Refresh rotates a presented refresh token and mints a fresh access
// token for its owner. Every store-level rejection (unknown, expired,
// reuse of a revoked token) surfaces as the same ErrInvalidRefreshToken;
// the reuse case has already revoked the whole family by the time it is
// reported. Infrastructure failures propagate unchanged.
func (s *Session) Refresh(ctx context.Context, raw string) (utils.AccessToken, utils.RefreshToken, error) {
	next, err := utils.NewRefreshToken(s.refreshTTLDays)
	if err != nil {
		return utils.AccessToken{}, utils.RefreshToken{}, fmt.Errorf("refresh: new token: %w", err)
	}
	userID, familyID, err := s.tokens.Rotate(ctx, utils.HashToken(raw), utils.HashToken(next.Raw), next.Exp)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrTokenNotFound),
			errors.Is(err, repository.ErrTokenExpired),
			errors.Is(err, repository.ErrTokenReused):
			return utils.AccessToken{}, utils.RefreshToken{}, ErrInvalidRefreshToken
		}
		return utils.AccessToken{}, utils.RefreshToken{}, fmt.Errorf("refresh: rotate: %w", err)
	}

	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// The rotation already minted a child token whose raw value is
			// about to be discarded; close the family so it cannot linger.
			if rerr := s.tokens.RevokeFamily(ctx, familyID); rerr != nil {
				return utils.AccessToken{}, utils.RefreshToken{}, fmt.Errorf("refresh: revoke family: %w", rerr)
			}
			return utils.AccessToken{}, utils.RefreshToken{}, ErrInvalidRefreshToken
		}
		return utils.AccessToken{}, utils.RefreshToken{}, fmt.Errorf("refresh: load user: %w", err)
	}
	if !u.IsActive {
		if rerr := s.tokens.RevokeFamily(ctx, familyID); rerr != nil {
			return utils.AccessToken{}, utils.RefreshToken{}, fmt.Errorf("refresh: revoke family: %w", rerr)
		}
		return utils.AccessToken{}, utils.RefreshToken{}, ErrInvalidRefreshToken
	}

	access, err := s.codec.Issue(u.ID, u.Role)
	if err != nil {
		return utils.AccessToken{}, utils.RefreshToken{}, fmt.Errorf("refresh: access: %w", err)
	}
	return access, next, nil
}

// Logout ends every session of the user: all refresh tokens are revoked
// across families, the presented access token (if any) is blacklisted
// for its remaining lifetime, and the permission-cache entry is dropped.
func (s *Session) Logout(ctx context.Context, userID uint64, accessToken string) error {
	if err := s.tokens.RevokeAllForUser(ctx, userID); err != nil {
		return fmt.Errorf("logout: revoke: %w", err)
	}
	if accessToken != "" {
		// An unparsable or already-expired token needs no blacklist entry.
		if claims, err := s.codec.Parse(accessToken); err == nil {
			ttl := time.Until(claims.ExpiresAt)
			if err := s.blacklist.Add(ctx, utils.HashToken(accessToken), ttl); err != nil {
				return fmt.Errorf("logout: blacklist: %w", err)
			}
		}
	}
	if err := s.perms.Invalidate(ctx, userID); err != nil {
		return fmt.Errorf("logout: permission cache: %w", err)
	}
	return nil
}

// VerifyEmail marks the user's address as verified. Setting the flag on
// an already-verified account is a no-op, so the call is idempotent.
func (s *Session) VerifyEmail(ctx context.Context, userID uint64) error {
	verified := true
	if err := s.users.Update(ctx, userID, repository.UserUpdate{IsVerified: &verified}); err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	return nil
}

// ChangePassword re-hashes and persists a new password after checking
// the current one. The caller keeps its sessions; only a reset via OTP
// revokes them.
func (s *Session) ChangePassword(ctx context.Context, u model.User, current, next string) error {
	if !utils.VerifyPassword(u.PasswordHash, current) {
		return ErrPasswordMismatch
	}
	if len(next) < MinPasswordLen {
		return ErrWeakPassword
	}
	hash, err := utils.HashPassword(next, s.bcryptCost)
	if err != nil {
		return fmt.Errorf("change password: hash: %w", err)
	}
	if err := s.users.Update(ctx, u.ID, repository.UserUpdate{PasswordHash: &hash}); err != nil {
		return fmt.Errorf("change password: %w", err)
	}
	return nil
}

// ResetPassword sets a new password for a user who proved ownership of
// the address via a PASSWORD_RESET code, then revokes every refresh
// token so stolen sessions die with the old credential.
func (s *Session) ResetPassword(ctx context.Context, userID uint64, next string) error {
	if len(next) < MinPasswordLen {
		return ErrWeakPassword
	}
	hash, err := utils.HashPassword(next, s.bcryptCost)
	if err != nil {
		return fmt.Errorf("reset password: hash: %w", err)
	}
	if err := s.users.Update(ctx, userID, repository.UserUpdate{PasswordHash: &hash}); err != nil {
		return fmt.Errorf("reset password: %w", err)
	}
	if err := s.tokens.RevokeAllForUser(ctx, userID); err != nil {
		return fmt.Errorf("reset password: revoke: %w", err)
	}
	return nil
}
