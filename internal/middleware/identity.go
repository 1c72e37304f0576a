package middleware

// identity.go defines helpers for reading the authenticated identity
// that JWTAuth stored in the Echo context. Handlers behind the JWT
// middleware use these instead of repeating type assertions.

import "github.com/labstack/echo/v4"

// CurrentUserID returns the authenticated user's id, or 0 when the
// request carries no authenticated identity.
func CurrentUserID(c echo.Context) uint64 {
	if v, ok := c.Get(CtxUserID).(uint64); ok {
		return v
	}
	return 0
}

// CurrentRole returns the authenticated user's role, or "" for guests.
func CurrentRole(c echo.Context) string {
	if v, ok := c.Get(CtxRole).(string); ok {
		return v
	}
	return ""
}

// CurrentAccessToken returns the raw bearer token of the request, so
// logout can blacklist exactly the credential that was presented.
func CurrentAccessToken(c echo.Context) string {
	if v, ok := c.Get(CtxAccessToken).(string); ok {
		return v
	}
	return ""
}
