package handler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/auth-service/internal/auth"
	"github.com/iliyamo/auth-service/internal/config"
	"github.com/iliyamo/auth-service/internal/email"
	"github.com/iliyamo/auth-service/internal/middleware"
	"github.com/iliyamo/auth-service/internal/model"
	"github.com/iliyamo/auth-service/internal/queue"
	"github.com/iliyamo/auth-service/internal/ratelimit"
	"github.com/iliyamo/auth-service/internal/repository"
	"github.com/iliyamo/auth-service/internal/utils"
)

// refreshCookieName is the only place the refresh token travels. The
// token never appears in a response body.
const refreshCookieName = "refresh_token"

// refreshCookiePath scopes the cookie to the endpoints that actually
// consume it.
const refreshCookiePath = "/v1/auth"

// UserDirectory is the slice of the user repository the auth endpoints
// need. The production implementation is repository.UserRepo; handler
// tests substitute an in-memory double.
type UserDirectory interface {
	Create(ctx context.Context, email, passwordHash, role string) (uint64, error)
	GetByEmail(ctx context.Context, email string) (model.User, error)
	GetByID(ctx context.Context, id uint64) (model.User, error)
}

var _ UserDirectory = (*repository.UserRepo)(nil)

// AuthHandler bundles dependencies for the auth endpoints.
type AuthHandler struct {
	Cfg     config.Config
	Session *auth.Session
	Users   UserDirectory
	OTP     *auth.OTPEngine
	Limiter *ratelimit.Limiter
	Mail    email.Sender
	Audit   *queue.Publisher
}

func NewAuthHandler(cfg config.Config, s *auth.Session, u UserDirectory, otp *auth.OTPEngine, l *ratelimit.Limiter, m email.Sender, a *queue.Publisher) *AuthHandler {
	return &AuthHandler{Cfg: cfg, Session: s, Users: u, OTP: otp, Limiter: l, Mail: m, Audit: a}
}

// ----- DTOs -----

type registerReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
type changePasswordReq struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type tokenPart struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}
type userPart struct {
	ID       uint64 `json:"id"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	Verified bool   `json:"verified"`
}
type loginResp struct {
	User   userPart  `json:"user"`
	Access tokenPart `json:"access"`
}

// allow runs the explicit rate-limit check every auth endpoint starts
// with. It answers 429 itself when the bucket is empty.
func (h *AuthHandler) allow(c echo.Context, scope string) bool {
	res := h.Limiter.Allow(c.Request().Context(), scope, c.RealIP())
	if res.Allowed {
		return true
	}
	secs := int(res.RetryAfter / time.Second)
	c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
	_ = c.JSON(http.StatusTooManyRequests, echo.Map{"error": "too many requests", "retry_after": secs})
	return false
}

// audit publishes a fire-and-forget audit event; failures are already
// logged by the publisher and never surface to the client.
func (h *AuthHandler) audit(ctx context.Context, action string, actorID uint64, target, oldVal, newVal string) {
	_ = h.Audit.Publish(ctx, queue.AuditEvent{
		Action:   action,
		ActorID:  actorID,
		Target:   target,
		OldValue: oldVal,
		NewValue: newVal,
		At:       time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *AuthHandler) setRefreshCookie(c echo.Context, raw string) {
	c.SetCookie(&http.Cookie{
		Name:     refreshCookieName,
		Value:    raw,
		Path:     refreshCookiePath,
		MaxAge:   h.Cfg.RefreshTTLDays * 24 * 60 * 60,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearRefreshCookie(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     refreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

// Register creates a CUSTOMER account and kicks off email verification.
// The account can log in only after the address is verified.
func (h *AuthHandler) Register(c echo.Context) error {
	if !h.allow(c, "register") {
		return nil
	}
	var req registerReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Password == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email/password required"})
	}
	if len(req.Password) < auth.MinPasswordLen {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "password too short"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	hash, err := utils.HashPassword(req.Password, h.Cfg.BcryptCost)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "create user failed"})
	}
	uid, err := h.Users.Create(ctx, req.Email, hash, "CUSTOMER")
	if err != nil {
		if errors.Is(err, repository.ErrEmailExists) {
			return c.JSON(http.StatusConflict, echo.Map{"error": "email already exists"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "create user failed"})
	}

	h.issueOTP(ctx, req.Email, auth.PurposeEmailVerification)
	h.audit(ctx, "user.register", uid, "user:"+strconv.FormatUint(uid, 10), "", "CUSTOMER")

	return c.JSON(http.StatusCreated, echo.Map{"id": uid, "email": req.Email})
}

// issueOTP generates and delivers a code best-effort. Cooldown and
// lockout are expected outcomes on re-registration attempts and only
// logged; delivery failure never propagates past the log either.
func (h *AuthHandler) issueOTP(ctx context.Context, address string, purpose auth.OTPPurpose) {
	code, err := h.OTP.Generate(ctx, address, purpose)
	if err != nil {
		log.Printf("otp issue for %s failed: %v", purpose, err)
		return
	}
	if err := h.Mail.Send(ctx, address, string(purpose), code); err != nil {
		log.Printf("otp delivery for %s failed: %v", purpose, err)
	}
}

// Login verifies credentials and starts a session: access token in the
// body, refresh token in the cookie, new family in the store.
func (h *AuthHandler) Login(c echo.Context) error {
	if !h.allow(c, "login") {
		return nil
	}
	var req loginReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.Email == "" || req.Password == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email/password required"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	u, err := h.Session.Authenticate(ctx, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "login failed"})
	}
	// Verified-email policy sits here, above the authentication primitive:
	// customers must confirm their address, admins are provisioned verified.
	if u.Role == "CUSTOMER" && !u.IsVerified {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "email not verified"})
	}

	access, refresh, err := h.Session.CreateTokens(ctx, u)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "login failed"})
	}
	h.setRefreshCookie(c, refresh.Raw)
	h.audit(ctx, "user.login", u.ID, "user:"+strconv.FormatUint(u.ID, 10), "", "")

	return c.JSON(http.StatusOK, loginResp{
		User:   userPart{ID: u.ID, Email: u.Email, Role: u.Role, Verified: u.IsVerified},
		Access: tokenPart{Token: access.Token, Expires: access.Exp},
	})
}

// Refresh rotates the cookie's refresh token and returns a fresh access
// token. Every rotation failure gets the same generic 401 and clears
// the cookie; a replayed token has already cost its family by then.
func (h *AuthHandler) Refresh(c echo.Context) error {
	if !h.allow(c, "refresh") {
		return nil
	}
	cookie, err := c.Cookie(refreshCookieName)
	if err != nil || strings.TrimSpace(cookie.Value) == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid refresh token"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	access, refresh, err := h.Session.Refresh(ctx, strings.TrimSpace(cookie.Value))
	if err != nil {
		if errors.Is(err, auth.ErrInvalidRefreshToken) {
			h.clearRefreshCookie(c)
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid refresh token"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "refresh failed"})
	}
	h.setRefreshCookie(c, refresh.Raw)

	return c.JSON(http.StatusOK, echo.Map{
		"access": tokenPart{Token: access.Token, Expires: access.Exp},
	})
}

// Logout ends all of the user's sessions and blacklists the presented
// access token for its remaining lifetime (protected).
func (h *AuthHandler) Logout(c echo.Context) error {
	uid := middleware.CurrentUserID(c)
	if uid == 0 {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.Session.Logout(ctx, uid, middleware.CurrentAccessToken(c)); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "logout failed"})
	}
	h.clearRefreshCookie(c)
	h.audit(ctx, "user.logout", uid, "user:"+strconv.FormatUint(uid, 10), "", "")
	return c.NoContent(http.StatusNoContent)
}

// Me returns the authenticated user's profile (protected).
func (h *AuthHandler) Me(c echo.Context) error {
	uid := middleware.CurrentUserID(c)
	if uid == 0 {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	u, err := h.Users.GetByID(ctx, uid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "load user failed"})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"id":         u.ID,
		"email":      u.Email,
		"role":       u.Role,
		"active":     u.IsActive,
		"verified":   u.IsVerified,
		"created_at": u.CreatedAt,
	})
}

// ChangePassword re-hashes the password after checking the current one
// (protected). Existing sessions stay valid; only an OTP-backed reset
// revokes them.
func (h *AuthHandler) ChangePassword(c echo.Context) error {
	uid := middleware.CurrentUserID(c)
	if uid == 0 {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var req changePasswordReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "current_password/new_password required"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	u, err := h.Users.GetByID(ctx, uid)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "load user failed"})
	}
	if err := h.Session.ChangePassword(ctx, u, req.CurrentPassword, req.NewPassword); err != nil {
		switch {
		case errors.Is(err, auth.ErrPasswordMismatch):
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "current password does not match"})
		case errors.Is(err, auth.ErrWeakPassword):
			return c.JSON(http.StatusBadRequest, echo.Map{"error": fmt.Sprintf("password must be at least %d characters", auth.MinPasswordLen)})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "change password failed"})
	}
	h.audit(ctx, "user.change_password", uid, "user:"+strconv.FormatUint(uid, 10), "", "")
	return c.NoContent(http.StatusNoContent)
}
