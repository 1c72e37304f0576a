package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/auth-service/internal/auth"
	"github.com/iliyamo/auth-service/internal/handler"
	"github.com/iliyamo/auth-service/internal/middleware"
	"github.com/iliyamo/auth-service/internal/permission"
)

// RegisterRoutes registers routes that do not require authentication on
// the provided Echo instance.  Currently it exposes only a health check.
func RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", handler.Health)
}

// RegisterAuth wires the whole auth surface.  Unauthenticated session
// and OTP operations live under /v1/auth; endpoints that need a live
// access token sit behind the JWT middleware (which also consults the
// logout blacklist) under /v1.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler, codec *auth.Codec, blacklist *auth.Blacklist) {
	g := e.Group("/v1/auth")
	g.POST("/register", a.Register)
	g.POST("/login", a.Login)
	g.POST("/refresh", a.Refresh)
	g.POST("/verify-email", a.VerifyEmail)
	g.POST("/resend-otp", a.ResendOTP)
	g.POST("/forgot-password", a.ForgotPassword)
	g.POST("/reset-password", a.ResetPassword)

	p := e.Group("/v1")
	p.Use(middleware.JWTAuth(codec, blacklist))
	p.GET("/auth/me", a.Me)
	p.POST("/auth/logout", a.Logout)
	p.POST("/auth/change-password", a.ChangePassword)
}

// RegisterAdmin mounts the thin admin listing behind the role gate and
// the users:read permission check, which exercises the permission cache.
func RegisterAdmin(e *echo.Echo, h *handler.UserAdminHandler, codec *auth.Codec, blacklist *auth.Blacklist, cache *permission.Cache, source middleware.PermissionSource) {
	g := e.Group("/v1/admin")
	g.Use(middleware.JWTAuth(codec, blacklist))
	g.Use(middleware.RequireRole("ADMIN"))
	g.Use(middleware.RequirePermission(cache, source, "users:read"))
	g.GET("/users", h.ListUsers)
}
