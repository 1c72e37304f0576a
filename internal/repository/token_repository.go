package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// TokenRepo persists rotating refresh tokens. Raw tokens never reach this
// layer; callers pass SHA-256 hex digests. Every token belongs to a family
// (the lineage of one login) and at most one token per family is unrevoked
// and unexpired at any time.
type TokenRepo struct{ DB *sql.DB }

func NewTokenRepo(db *sql.DB) *TokenRepo { return &TokenRepo{DB: db} }

// Store inserts a refresh token hash row, opening a family when familyID is new.
func (r *TokenRepo) Store(ctx context.Context, userID uint64, familyID, tokenHash string, exp time.Time) error {
	_, err := r.DB.ExecContext(ctx,
		"INSERT INTO refresh_tokens (user_id, family_id, token_hash, expires_at) VALUES (?,?,?,?)",
		userID, familyID, tokenHash, exp)
	return err
}

// Rotate exchanges the presented token for a new one in the same family,
// atomically. The row is locked for the duration of the transaction so
// concurrent rotations of the same token see exactly one winner; losers
// find the row already revoked and take the reuse path.
//
// Outcomes:
//   - no row for presentedHash            -> ErrTokenNotFound
//   - row already revoked                 -> whole family revoked, ErrTokenReused
//     (the returned userID identifies the affected account)
//   - row expired                         -> ErrTokenExpired
//   - row valid                           -> presented row revoked, newHash
//     inserted with the same family id and
//     the given expiry; returns the owning
//     userID and the family id
func (r *TokenRepo) Rotate(ctx context.Context, presentedHash, newHash string, exp time.Time) (uint64, string, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, "", err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var (
		id        uint64
		userID    uint64
		familyID  string
		expiresAt time.Time
		revokedAt sql.NullTime
	)
	err = tx.QueryRowContext(ctx,
		"SELECT id, user_id, family_id, expires_at, revoked_at FROM refresh_tokens WHERE token_hash=? LIMIT 1 FOR UPDATE",
		presentedHash).Scan(&id, &userID, &familyID, &expiresAt, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, "", ErrTokenNotFound
		}
		return 0, "", err
	}

	if revokedAt.Valid {
		// The presented token was already rotated once: someone is replaying
		// it. Kill the whole lineage before reporting the reuse.
		if _, err = tx.ExecContext(ctx,
			"UPDATE refresh_tokens SET revoked_at=NOW() WHERE family_id=? AND revoked_at IS NULL",
			familyID); err != nil {
			return 0, "", err
		}
		if err = tx.Commit(); err != nil {
			return 0, "", err
		}
		committed = true
		return userID, familyID, ErrTokenReused
	}

	if time.Now().UTC().After(expiresAt) {
		return 0, "", ErrTokenExpired
	}

	if _, err = tx.ExecContext(ctx,
		"UPDATE refresh_tokens SET revoked_at=NOW() WHERE id=?", id); err != nil {
		return 0, "", err
	}
	if _, err = tx.ExecContext(ctx,
		"INSERT INTO refresh_tokens (user_id, family_id, token_hash, expires_at) VALUES (?,?,?,?)",
		userID, familyID, newHash, exp); err != nil {
		return 0, "", err
	}
	if err = tx.Commit(); err != nil {
		return 0, "", err
	}
	committed = true
	return userID, familyID, nil
}

// RevokeFamily revokes every active token in one family.
func (r *TokenRepo) RevokeFamily(ctx context.Context, familyID string) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE refresh_tokens SET revoked_at=NOW() WHERE family_id=? AND revoked_at IS NULL",
		familyID)
	return err
}

// RevokeAllForUser revokes all of a user's active tokens across families.
func (r *TokenRepo) RevokeAllForUser(ctx context.Context, userID uint64) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE refresh_tokens SET revoked_at=NOW() WHERE user_id=? AND revoked_at IS NULL",
		userID)
	return err
}
