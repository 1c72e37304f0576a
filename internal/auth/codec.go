package auth

import (
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/iliyamo/auth-service/internal/utils"
)

// AccessClaims is the validated content of an access token.
type AccessClaims struct {
	UserID    uint64
	Role      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Codec issues and validates the signed access tokens this service
// trusts. Validation here is purely cryptographic; callers must also
// consult the blacklist before honoring a token presented after logout.
type Codec struct {
	secret string
	ttlMin int
}

func NewCodec(secret string, ttlMin int) *Codec {
	return &Codec{secret: secret, ttlMin: ttlMin}
}

// Issue signs a fresh access token for the user.
func (cd *Codec) Issue(userID uint64, role string) (utils.AccessToken, error) {
	return utils.NewAccessToken(cd.secret, userID, role, cd.ttlMin)
}

// TTL reports the configured access-token lifetime.
func (cd *Codec) TTL() time.Duration {
	return time.Duration(cd.ttlMin) * time.Minute
}

// Parse verifies the signature and expiry of a token and extracts its
// claims. Expired tokens fail with ErrAccessTokenExpired; anything else
// wrong with the token (bad signature, wrong algorithm, garbage input,
// missing claims) fails with ErrAccessTokenInvalid.
func (cd *Codec) Parse(token string) (AccessClaims, error) {
	tok, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		// Reject tokens signed with anything but HMAC; "alg":"none" and
		// asymmetric confusion attacks die here.
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrAccessTokenInvalid
		}
		return []byte(cd.secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return AccessClaims{}, ErrAccessTokenExpired
		}
		return AccessClaims{}, ErrAccessTokenInvalid
	}
	if !tok.Valid {
		return AccessClaims{}, ErrAccessTokenInvalid
	}
	mc, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return AccessClaims{}, ErrAccessTokenInvalid
	}

	var claims AccessClaims
	// Numbers arrive as float64 from the JSON decoder; subjects written by
	// other stacks sometimes arrive as strings.
	switch sub := mc["sub"].(type) {
	case float64:
		claims.UserID = uint64(sub)
	case string:
		n, perr := strconv.ParseUint(sub, 10, 64)
		if perr != nil {
			return AccessClaims{}, ErrAccessTokenInvalid
		}
		claims.UserID = n
	default:
		return AccessClaims{}, ErrAccessTokenInvalid
	}
	role, ok := mc["role"].(string)
	if !ok || role == "" {
		return AccessClaims{}, ErrAccessTokenInvalid
	}
	claims.Role = role
	if exp, ok := mc["exp"].(float64); ok {
		claims.ExpiresAt = time.Unix(int64(exp), 0).UTC()
	}
	if iat, ok := mc["iat"].(float64); ok {
		claims.IssuedAt = time.Unix(int64(iat), 0).UTC()
	}
	return claims, nil
}
