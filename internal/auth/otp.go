package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/auth-service/internal/config"
	"github.com/iliyamo/auth-service/internal/utils"
)

// OTPPurpose separates the independent one-time-code flows. Counters,
// cooldowns and stored codes are all keyed per (email, purpose), so a
// verification code can never be spent on a password reset and the two
// flows never rate-limit each other.
type OTPPurpose string

const (
	PurposeEmailVerification OTPPurpose = "EMAIL_VERIFICATION"
	PurposePasswordReset     OTPPurpose = "PASSWORD_RESET"
)

// ParseOTPPurpose validates a client-supplied purpose string.
func ParseOTPPurpose(s string) (OTPPurpose, bool) {
	switch OTPPurpose(strings.ToUpper(strings.TrimSpace(s))) {
	case PurposeEmailVerification:
		return PurposeEmailVerification, true
	case PurposePasswordReset:
		return PurposePasswordReset, true
	}
	return "", false
}

// otpRecord is the cache value for an issued code. Only the hash of the
// code is stored; attempts counts failed verifications so far.
type otpRecord struct {
	CodeHash string `json:"code_hash"`
	Attempts int    `json:"attempts"`
}

// consumeOTPScript atomically performs the whole verify step against one
// record: existence check, attempt budget check, hash comparison, counter
// increment on mismatch, deletion on success or exhaustion. Running it as
// a script keeps concurrent verifications of the same code from racing
// the counter.
//
// KEYS[1] = record key
// ARGV[1] = hash of the submitted code (hex)
// ARGV[2] = max failed attempts before the record is refused
//
// Returns the stored hash on success, otherwise one of the error replies
// 'not_found', 'max_attempts', 'invalid'.
var consumeOTPScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
  return {err='not_found'}
end
local rec = cjson.decode(data)
local attempts = tonumber(rec['attempts']) or 0
if attempts >= tonumber(ARGV[2]) then
  redis.call('DEL', KEYS[1])
  return {err='max_attempts'}
end
if rec['code_hash'] ~= ARGV[1] then
  local ttl = redis.call('PTTL', KEYS[1])
  if ttl <= 0 then
    redis.call('DEL', KEYS[1])
    return {err='not_found'}
  end
  rec['attempts'] = attempts + 1
  redis.call('SET', KEYS[1], cjson.encode(rec), 'PX', ttl)
  return {err='invalid'}
end
redis.call('DEL', KEYS[1])
return rec['code_hash']
`)

// OTPEngine generates and verifies short numeric one-time codes. Codes
// live in the cache store under a policy TTL; issuance is throttled by a
// per-(email,purpose) cooldown and a rolling resend window that escalates
// to a long lockout when abused.
type OTPEngine struct {
	rdb *redis.Client
	cfg config.OTPConfig
}

func NewOTPEngine(rdb *redis.Client, cfg config.OTPConfig) *OTPEngine {
	return &OTPEngine{rdb: rdb, cfg: cfg}
}

func (e *OTPEngine) recordKey(email string, p OTPPurpose) string {
	return "otp:" + email + ":" + string(p)
}
func (e *OTPEngine) cooldownKey(email string, p OTPPurpose) string {
	return "otp:cooldown:" + email + ":" + string(p)
}
func (e *OTPEngine) resendKey(email string, p OTPPurpose) string {
	return "otp:resend:" + email + ":" + string(p)
}
func (e *OTPEngine) lockKey(email string, p OTPPurpose) string {
	return "otp:lock:" + email + ":" + string(p)
}

// Generate issues a fresh code for (email, purpose) and returns its
// plaintext for out-of-band delivery. It fails with ErrOTPCooldown when a
// code was issued inside the cooldown window, and with ErrOTPLocked when
// the address is locked out or this request breaches the resend budget
// for the rolling window (the breach itself starts the lockout).
// Re-issuing replaces any previous record and resets its attempt counter.
func (e *OTPEngine) Generate(ctx context.Context, email string, purpose OTPPurpose) (string, error) {
	email = normalizeEmail(email)

	locked, err := e.rdb.Exists(ctx, e.lockKey(email, purpose)).Result()
	if err != nil {
		return "", fmt.Errorf("otp generate: lock check: %w", err)
	}
	if locked > 0 {
		return "", ErrOTPLocked
	}

	// SETNX claims the cooldown atomically, so concurrent issues for the
	// same (email, purpose) inside the window see exactly one winner.
	claimed, err := e.rdb.SetNX(ctx, e.cooldownKey(email, purpose), "1", e.cfg.Cooldown).Result()
	if err != nil {
		return "", fmt.Errorf("otp generate: cooldown claim: %w", err)
	}
	if !claimed {
		return "", ErrOTPCooldown
	}

	sent, err := e.rdb.Incr(ctx, e.resendKey(email, purpose)).Result()
	if err != nil {
		return "", fmt.Errorf("otp generate: resend counter: %w", err)
	}
	if sent == 1 {
		if err := e.rdb.Expire(ctx, e.resendKey(email, purpose), e.cfg.ResendWindow).Err(); err != nil {
			return "", fmt.Errorf("otp generate: resend window: %w", err)
		}
	}
	if sent > int64(e.cfg.ResendLimit) {
		if err := e.rdb.Set(ctx, e.lockKey(email, purpose), "1", e.cfg.LockTTL).Err(); err != nil {
			return "", fmt.Errorf("otp generate: lock set: %w", err)
		}
		return "", ErrOTPLocked
	}

	code, err := utils.RandomDigits(e.cfg.Digits)
	if err != nil {
		return "", fmt.Errorf("otp generate: code: %w", err)
	}
	payload, err := json.Marshal(otpRecord{CodeHash: utils.HashToken(code)})
	if err != nil {
		return "", fmt.Errorf("otp generate: encode: %w", err)
	}
	if err := e.rdb.Set(ctx, e.recordKey(email, purpose), payload, e.cfg.TTL).Err(); err != nil {
		return "", fmt.Errorf("otp generate: store: %w", err)
	}
	return code, nil
}

// Verify consumes the code stored for (email, purpose). A matching code
// deletes the record and succeeds; the same code cannot be used twice.
// Mismatches increment the record's attempt counter and fail with
// ErrOTPInvalid until the budget is exhausted, after which the record is
// refused and deleted with ErrOTPMaxAttempts. A missing record (never
// issued, expired, or already consumed) fails with ErrOTPNotFound.
func (e *OTPEngine) Verify(ctx context.Context, email string, purpose OTPPurpose, code string) error {
	email = normalizeEmail(email)
	submitted := utils.HashToken(strings.TrimSpace(code))

	res, err := consumeOTPScript.Run(ctx, e.rdb,
		[]string{e.recordKey(email, purpose)},
		submitted, e.cfg.MaxAttempts,
	).Result()
	if err != nil {
		switch err.Error() {
		case "not_found":
			return ErrOTPNotFound
		case "max_attempts":
			return ErrOTPMaxAttempts
		case "invalid":
			return ErrOTPInvalid
		default:
			return fmt.Errorf("otp verify: %w", err)
		}
	}

	stored, ok := res.(string)
	if !ok {
		return fmt.Errorf("otp verify: unexpected script result %T", res)
	}
	// The script already matched the hashes; compare once more in constant
	// time since Lua string equality is not.
	if subtle.ConstantTimeCompare([]byte(stored), []byte(submitted)) != 1 {
		return ErrOTPInvalid
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
