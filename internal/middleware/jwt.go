package middleware // declare the middleware package; contains reusable HTTP middleware functions

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/auth-service/internal/auth"
	"github.com/iliyamo/auth-service/internal/utils"
)

// Context keys set by JWTAuth for downstream middleware and handlers.
const (
	CtxUserID      = "user_id"      // uint64
	CtxRole        = "role"         // string
	CtxAccessToken = "access_token" // raw bearer string, needed by logout
)

// JWTAuth returns an Echo middleware that validates a Bearer access
// token and injects the authenticated identity into the request context.
// A token that parses fine is still rejected when its hash sits on the
// blacklist: logout must take effect immediately, not at natural expiry.
// Blacklist-store failures surface as 500, never as 401, so an outage
// cannot masquerade as a revoked session.
func JWTAuth(codec *auth.Codec, blacklist *auth.Blacklist) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing bearer token"})
			}
			raw := strings.TrimPrefix(header, "Bearer ")

			claims, err := codec.Parse(raw)
			if err != nil {
				if errors.Is(err, auth.ErrAccessTokenExpired) {
					return c.JSON(http.StatusUnauthorized, echo.Map{"error": "token expired"})
				}
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
			}

			denied, err := blacklist.Contains(c.Request().Context(), utils.HashToken(raw))
			if err != nil {
				return c.JSON(http.StatusInternalServerError, echo.Map{"error": "auth check failed"})
			}
			if denied {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
			}

			c.Set(CtxUserID, claims.UserID)
			c.Set(CtxRole, claims.Role)
			c.Set(CtxAccessToken, raw)
			return next(c)
		}
	}
}
