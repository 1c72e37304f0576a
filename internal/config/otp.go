package config

import "time"

// OTPConfig carries the one-time-code policy knobs. The defaults encode
// the production policy: 6-digit codes valid for 10 minutes, a 60 second
// resend cooldown, at most 5 issues per rolling hour before a 24 hour
// lockout, and a budget of 3 failed verification attempts per code.
type OTPConfig struct {
	Digits       int           // length of the numeric code
	TTL          time.Duration // lifetime of an issued code
	Cooldown     time.Duration // minimum gap between two issues
	ResendWindow time.Duration // rolling window for the resend counter
	ResendLimit  int           // issues allowed inside the window
	LockTTL      time.Duration // lockout once the limit is breached
	MaxAttempts  int           // failed verifications before the code is refused
}

// LoadOTPConfig reads the OTP policy from the environment, falling back
// to the defaults above when a variable is unset.
func LoadOTPConfig() OTPConfig {
	return OTPConfig{
		Digits:       envInt("OTP_DIGITS", 6),
		TTL:          envDur("OTP_TTL", 10*time.Minute),
		Cooldown:     envDur("OTP_RESEND_COOLDOWN", time.Minute),
		ResendWindow: envDur("OTP_RESEND_WINDOW", time.Hour),
		ResendLimit:  envInt("OTP_RESEND_LIMIT", 5),
		LockTTL:      envDur("OTP_LOCK_TTL", 24*time.Hour),
		MaxAttempts:  envInt("OTP_MAX_ATTEMPTS", 3),
	}
}
