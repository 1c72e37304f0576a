// Package auth implements the session core: credential authentication,
// access-token issuance and validation, refresh-token rotation with
// reuse detection, one-time codes for email verification and password
// reset, and the access-token blacklist consulted on logout.
//
// Failures callers are expected to branch on are exposed as sentinel
// errors below. Anything else coming out of this package is an
// infrastructure failure (database, cache, broker) and must be treated
// as transient, never as a denial.
package auth

import "errors"

var (
	// ErrInvalidCredentials covers unknown email, wrong password and
	// inactive account. One value for all three so responses cannot be
	// used to enumerate accounts.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrEmailNotVerified is the login policy failure for customer
	// accounts that have not confirmed their address yet.
	ErrEmailNotVerified = errors.New("email not verified")

	// ErrInvalidRefreshToken covers not-found, expired and reuse-detected
	// refresh tokens. One value for all three so a replayed token learns
	// nothing about why it was rejected.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")

	// ErrAccessTokenExpired and ErrAccessTokenInvalid distinguish a token
	// past its expiry from one that is malformed or carries a bad
	// signature.
	ErrAccessTokenExpired = errors.New("access token expired")
	ErrAccessTokenInvalid = errors.New("access token invalid")

	// One-time code failures.
	ErrOTPCooldown    = errors.New("code requested too soon")
	ErrOTPLocked      = errors.New("code requests temporarily locked")
	ErrOTPNotFound    = errors.New("code not found or expired")
	ErrOTPInvalid     = errors.New("code does not match")
	ErrOTPMaxAttempts = errors.New("too many code attempts")

	// Password change/reset validation failures.
	ErrPasswordMismatch = errors.New("current password does not match")
	ErrWeakPassword     = errors.New("password below minimum length")
)

// MinPasswordLen is the weakest password accepted anywhere a password is
// set or changed.
const MinPasswordLen = 8
