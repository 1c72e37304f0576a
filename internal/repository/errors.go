// Package repository defines error types that are reused across multiple
// repositories. These sentinel values allow higher layers such as the
// session manager to distinguish between different failure scenarios of
// the same operation. The refresh-token rotation in particular has three
// failure modes that callers must tell apart internally (even though they
// all surface to clients as the same generic rejection): the presented
// token was never issued, it has expired, or it was already rotated and
// is being replayed.
package repository

import "errors"

// ErrTokenNotFound is returned by Rotate when no refresh token matches
// the presented hash.
var ErrTokenNotFound = errors.New("refresh token not found")

// ErrTokenExpired is returned by Rotate when the presented token exists
// and is unrevoked but its expiry has passed.
var ErrTokenExpired = errors.New("refresh token expired")

// ErrTokenReused is returned by Rotate when the presented token was
// already revoked. The whole family has been revoked as a side effect
// before this error is returned.
var ErrTokenReused = errors.New("refresh token reuse detected")
