package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/auth-service/internal/permission"
)

// PermissionSource recomputes a role's permission codes from the
// database. It is the fallback for every cache miss, so a cold or lost
// cache can only slow a request down, never grant or deny incorrectly.
type PermissionSource interface {
	ListCodesForRole(ctx context.Context, role string) ([]string, error)
}

// RequirePermission returns a middleware that admits the request only
// when the authenticated user's resolved permission set contains code.
// The set is served from the per-user cache when present and recomputed
// from the role tables otherwise; recomputed sets are cached best-effort.
func RequirePermission(cache *permission.Cache, source PermissionSource, code string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := CurrentUserID(c)
			role := CurrentRole(c)
			if userID == 0 || role == "" {
				return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
			}
			ctx := c.Request().Context()

			codes, err := cache.Get(ctx, userID)
			if err != nil {
				if !errors.Is(err, permission.ErrCacheMiss) {
					// Treat a broken cache like a miss; the source stays authoritative.
					c.Logger().Warnf("permission cache: %v", err)
				}
				codes, err = source.ListCodesForRole(ctx, role)
				if err != nil {
					return c.JSON(http.StatusInternalServerError, echo.Map{"error": "permission lookup failed"})
				}
				if err := cache.Set(ctx, userID, codes); err != nil {
					c.Logger().Warnf("permission cache: %v", err)
				}
			}

			for _, have := range codes {
				if have == code {
					return next(c)
				}
			}
			return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
		}
	}
}
