package handler

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/auth-service/internal/auth"
)

// ----- DTOs -----

type verifyEmailReq struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}
type resendOTPReq struct {
	Email   string `json:"email"`
	Purpose string `json:"purpose"`
}
type forgotPasswordReq struct {
	Email string `json:"email"`
}
type resetPasswordReq struct {
	Email       string `json:"email"`
	Code        string `json:"code"`
	NewPassword string `json:"new_password"`
}

// genericOTPSent is the response whenever the only failure would reveal
// whether an account exists.
const genericOTPSent = "if the account exists, a code has been sent"

// otpError maps the OTP sentinel errors onto HTTP responses. It returns
// false when err was not an OTP failure (i.e. infrastructure).
func otpError(c echo.Context, err error) bool {
	switch {
	case errors.Is(err, auth.ErrOTPNotFound):
		_ = c.JSON(http.StatusBadRequest, echo.Map{"error": "code not found or expired"})
	case errors.Is(err, auth.ErrOTPInvalid):
		_ = c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid code"})
	case errors.Is(err, auth.ErrOTPMaxAttempts):
		_ = c.JSON(http.StatusTooManyRequests, echo.Map{"error": "too many attempts, request a new code"})
	case errors.Is(err, auth.ErrOTPCooldown):
		_ = c.JSON(http.StatusTooManyRequests, echo.Map{"error": "code requested too soon"})
	case errors.Is(err, auth.ErrOTPLocked):
		_ = c.JSON(http.StatusTooManyRequests, echo.Map{"error": "too many codes requested, try again later"})
	default:
		return false
	}
	return true
}

// VerifyEmail consumes an EMAIL_VERIFICATION code and flips the user's
// verified flag. Re-verifying an already verified account is harmless.
func (h *AuthHandler) VerifyEmail(c echo.Context) error {
	if !h.allow(c, "verify-email") {
		return nil
	}
	var req verifyEmailReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Code == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email/code required"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.OTP.Verify(ctx, req.Email, auth.PurposeEmailVerification, req.Code); err != nil {
		if otpError(c, err) {
			return nil
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "verification failed"})
	}

	u, err := h.Users.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// A code existed for an address without an account; nothing to flip.
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "code not found or expired"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "verification failed"})
	}
	if err := h.Session.VerifyEmail(ctx, u.ID); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "verification failed"})
	}
	h.audit(ctx, "user.verify_email", u.ID, "user:"+strconv.FormatUint(u.ID, 10), "unverified", "verified")
	return c.JSON(http.StatusOK, echo.Map{"message": "email verified"})
}

// ResendOTP re-issues a code for either purpose. Unknown addresses get
// the same 200 as known ones; only cooldown and lockout are surfaced,
// since they disclose nothing about the account.
func (h *AuthHandler) ResendOTP(c echo.Context) error {
	if !h.allow(c, "resend-otp") {
		return nil
	}
	var req resendOTPReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	purpose, ok := auth.ParseOTPPurpose(req.Purpose)
	if req.Email == "" || !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email/purpose required"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	u, err := h.Users.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c.JSON(http.StatusOK, echo.Map{"message": genericOTPSent})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "resend failed"})
	}
	if purpose == auth.PurposeEmailVerification && u.IsVerified {
		return c.JSON(http.StatusOK, echo.Map{"message": genericOTPSent})
	}

	code, err := h.OTP.Generate(ctx, req.Email, purpose)
	if err != nil {
		if otpError(c, err) {
			return nil
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "resend failed"})
	}
	if err := h.Mail.Send(ctx, req.Email, string(purpose), code); err != nil {
		c.Logger().Warnf("otp delivery failed: %v", err)
	}
	h.audit(ctx, "user.resend_otp", u.ID, "user:"+strconv.FormatUint(u.ID, 10), "", string(purpose))
	return c.JSON(http.StatusOK, echo.Map{"message": genericOTPSent})
}

// ForgotPassword issues a PASSWORD_RESET code. The response never
// reveals whether the address has an account.
func (h *AuthHandler) ForgotPassword(c echo.Context) error {
	if !h.allow(c, "forgot-password") {
		return nil
	}
	var req forgotPasswordReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email required"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	u, err := h.Users.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c.JSON(http.StatusOK, echo.Map{"message": genericOTPSent})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "request failed"})
	}

	code, err := h.OTP.Generate(ctx, req.Email, auth.PurposePasswordReset)
	if err != nil {
		if otpError(c, err) {
			return nil
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "request failed"})
	}
	if err := h.Mail.Send(ctx, req.Email, string(auth.PurposePasswordReset), code); err != nil {
		c.Logger().Warnf("otp delivery failed: %v", err)
	}
	h.audit(ctx, "user.forgot_password", u.ID, "user:"+strconv.FormatUint(u.ID, 10), "", "")
	return c.JSON(http.StatusOK, echo.Map{"message": genericOTPSent})
}

// ResetPassword consumes a PASSWORD_RESET code, sets the new password
// and revokes every refresh token the user had.
func (h *AuthHandler) ResetPassword(c echo.Context) error {
	if !h.allow(c, "reset-password") {
		return nil
	}
	var req resetPasswordReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Code == "" || req.NewPassword == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email/code/new_password required"})
	}
	// Password policy runs before the verify step: the code is single-use,
	// and a rejected password must not burn it.
	if len(req.NewPassword) < auth.MinPasswordLen {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "password too short"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.OTP.Verify(ctx, req.Email, auth.PurposePasswordReset, req.Code); err != nil {
		if otpError(c, err) {
			return nil
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "reset failed"})
	}

	u, err := h.Users.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "code not found or expired"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "reset failed"})
	}
	if err := h.Session.ResetPassword(ctx, u.ID, req.NewPassword); err != nil {
		if errors.Is(err, auth.ErrWeakPassword) {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "password too short"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "reset failed"})
	}
	h.audit(ctx, "user.reset_password", u.ID, "user:"+strconv.FormatUint(u.ID, 10), "", "")
	return c.JSON(http.StatusOK, echo.Map{"message": "password reset"})
}
