package handler_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/iliyamo/auth-service/internal/auth"
	"github.com/iliyamo/auth-service/internal/config"
	"github.com/iliyamo/auth-service/internal/email"
	"github.com/iliyamo/auth-service/internal/handler"
	"github.com/iliyamo/auth-service/internal/model"
	"github.com/iliyamo/auth-service/internal/permission"
	"github.com/iliyamo/auth-service/internal/ratelimit"
	"github.com/iliyamo/auth-service/internal/repository"
	"github.com/iliyamo/auth-service/internal/router"
	"github.com/iliyamo/auth-service/internal/utils"
)

// In-memory stores mirroring the repository contracts, enough to drive
// the HTTP surface without a database.

type memUserStore struct {
	mu     sync.Mutex
	users  map[uint64]model.User
	nextID uint64
}

func (s *memUserStore) Create(_ context.Context, emailAddr, passwordHash, role string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == emailAddr {
			return 0, repository.ErrEmailExists
		}
	}
	s.nextID++
	id := s.nextID
	s.users[id] = model.User{ID: id, Email: emailAddr, PasswordHash: passwordHash, Role: role, IsActive: true}
	return id, nil
}

func (s *memUserStore) List(_ context.Context, limit, offset int) ([]model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		all = append(all, u)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *memUserStore) GetByEmail(_ context.Context, emailAddr string) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == emailAddr {
			return u, nil
		}
	}
	return model.User{}, sql.ErrNoRows
}

func (s *memUserStore) GetByID(_ context.Context, id uint64) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return model.User{}, sql.ErrNoRows
	}
	return u, nil
}

func (s *memUserStore) Update(_ context.Context, id uint64, upd repository.UserUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return sql.ErrNoRows
	}
	if upd.PasswordHash != nil {
		u.PasswordHash = *upd.PasswordHash
	}
	if upd.IsVerified != nil {
		u.IsVerified = *upd.IsVerified
	}
	if upd.IsActive != nil {
		u.IsActive = *upd.IsActive
	}
	s.users[id] = u
	return nil
}

type memTokenRow struct {
	userID  uint64
	family  string
	hash    string
	exp     time.Time
	revoked bool
}

type memTokenStore struct {
	mu   sync.Mutex
	rows []memTokenRow
}

func (s *memTokenStore) Store(_ context.Context, userID uint64, familyID, tokenHash string, exp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, memTokenRow{userID: userID, family: familyID, hash: tokenHash, exp: exp})
	return nil
}

func (s *memTokenStore) Rotate(_ context.Context, presentedHash, newHash string, exp time.Time) (uint64, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rows {
		if s.rows[i].hash != presentedHash {
			continue
		}
		row := &s.rows[i]
		if row.revoked {
			for j := range s.rows {
				if s.rows[j].family == row.family {
					s.rows[j].revoked = true
				}
			}
			return row.userID, row.family, repository.ErrTokenReused
		}
		if time.Now().UTC().After(row.exp) {
			return 0, "", repository.ErrTokenExpired
		}
		row.revoked = true
		s.rows = append(s.rows, memTokenRow{userID: row.userID, family: row.family, hash: newHash, exp: exp})
		return row.userID, row.family, nil
	}
	return 0, "", repository.ErrTokenNotFound
}

func (s *memTokenStore) RevokeFamily(_ context.Context, familyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rows {
		if s.rows[i].family == familyID {
			s.rows[i].revoked = true
		}
	}
	return nil
}

func (s *memTokenStore) RevokeAllForUser(_ context.Context, userID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rows {
		if s.rows[i].userID == userID {
			s.rows[i].revoked = true
		}
	}
	return nil
}

// staticPerms maps roles to fixed permission sets for the admin routes.
type staticPerms map[string][]string

func (s staticPerms) ListCodesForRole(_ context.Context, role string) ([]string, error) {
	return s[role], nil
}

type testEnv struct {
	e     *echo.Echo
	users *memUserStore
	otp   *auth.OTPEngine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.Config{
		Env:            "test",
		JWTSecret:      "test-secret",
		AccessTTLMin:   15,
		RefreshTTLDays: 7,
		BcryptCost:     bcrypt.MinCost,
	}

	hash, err := utils.HashPassword("open sesame", bcrypt.MinCost)
	require.NoError(t, err)
	users := &memUserStore{users: map[uint64]model.User{
		1: {ID: 1, Email: "alice@example.com", PasswordHash: hash, Role: "CUSTOMER", IsActive: true, IsVerified: true},
		2: {ID: 2, Email: "pending@example.com", PasswordHash: hash, Role: "CUSTOMER", IsActive: true, IsVerified: false},
		3: {ID: 3, Email: "root@example.com", PasswordHash: hash, Role: "ADMIN", IsActive: true, IsVerified: true},
	}, nextID: 3}
	tokens := &memTokenStore{}

	codec := auth.NewCodec(cfg.JWTSecret, cfg.AccessTTLMin)
	blacklist := auth.NewBlacklist(rdb)
	perms := permission.NewCache(rdb, 5*time.Minute)
	session := auth.NewSession(users, tokens, codec, blacklist, perms, cfg.BcryptCost, cfg.RefreshTTLDays)
	otp := auth.NewOTPEngine(rdb, config.LoadOTPConfig())
	limiter := ratelimit.NewLimiter(nil, config.RateLimitConfig{}) // disabled

	h := handler.NewAuthHandler(cfg, session, users, otp, limiter, email.LogSender{}, nil)
	e := echo.New()
	router.RegisterAuth(e, h, codec, blacklist)
	router.RegisterAdmin(e, handler.NewUserAdminHandler(users), codec, blacklist, perms,
		staticPerms{"ADMIN": {"users:read"}})

	return &testEnv{e: e, users: users, otp: otp}
}

func (env *testEnv) do(method, path, body string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func refreshCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == "refresh_token" {
			return c
		}
	}
	t.Fatal("no refresh_token cookie in response")
	return nil
}

func accessToken(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Access struct {
			Token string `json:"token"`
		} `json:"access"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Access.Token)
	return body.Access.Token
}

func TestLoginSetsRefreshCookie(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/v1/auth/login", `{"email":"alice@example.com","password":"open sesame"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	c := refreshCookie(t, rec)
	assert.NotEmpty(t, c.Value)
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.Equal(t, "/v1/auth", c.Path)
	assert.Equal(t, 604800, c.MaxAge)

	// The refresh token never appears in the body.
	assert.NotContains(t, rec.Body.String(), c.Value)
	assert.NotEmpty(t, accessToken(t, rec))
}

func TestLoginFailuresAreGeneric(t *testing.T) {
	env := newTestEnv(t)

	wrongPass := env.do(http.MethodPost, "/v1/auth/login", `{"email":"alice@example.com","password":"wrong"}`)
	unknown := env.do(http.MethodPost, "/v1/auth/login", `{"email":"nobody@example.com","password":"open sesame"}`)

	assert.Equal(t, http.StatusUnauthorized, wrongPass.Code)
	assert.Equal(t, http.StatusUnauthorized, unknown.Code)
	// Identical bodies: the response must not reveal whether the account exists.
	assert.JSONEq(t, wrongPass.Body.String(), unknown.Body.String())
}

func TestLoginRequiresVerifiedEmailForCustomers(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/v1/auth/login", `{"email":"pending@example.com","password":"open sesame"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "email not verified")
}

func TestRefreshRotatesCookieAndDetectsReuse(t *testing.T) {
	env := newTestEnv(t)

	login := env.do(http.MethodPost, "/v1/auth/login", `{"email":"alice@example.com","password":"open sesame"}`)
	require.Equal(t, http.StatusOK, login.Code)
	first := refreshCookie(t, login)

	withCookie := func(c *http.Cookie) func(*http.Request) {
		return func(r *http.Request) { r.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value}) }
	}

	rotated := env.do(http.MethodPost, "/v1/auth/refresh", "", withCookie(first))
	require.Equal(t, http.StatusOK, rotated.Code, rotated.Body.String())
	second := refreshCookie(t, rotated)
	assert.NotEqual(t, first.Value, second.Value)
	assert.NotEmpty(t, accessToken(t, rotated))

	// Replaying the first token fails generically and clears the cookie.
	replayed := env.do(http.MethodPost, "/v1/auth/refresh", "", withCookie(first))
	assert.Equal(t, http.StatusUnauthorized, replayed.Code)
	cleared := refreshCookie(t, replayed)
	assert.Empty(t, cleared.Value)
	assert.Negative(t, cleared.MaxAge)

	// The reuse killed the whole family: the second token is dead too.
	collateral := env.do(http.MethodPost, "/v1/auth/refresh", "", withCookie(second))
	assert.Equal(t, http.StatusUnauthorized, collateral.Code)
}

func TestRefreshWithoutCookie(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/v1/auth/refresh", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogoutBlacklistsAccessToken(t *testing.T) {
	env := newTestEnv(t)

	login := env.do(http.MethodPost, "/v1/auth/login", `{"email":"alice@example.com","password":"open sesame"}`)
	require.Equal(t, http.StatusOK, login.Code)
	token := accessToken(t, login)
	cookie := refreshCookie(t, login)

	bearer := func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }

	logout := env.do(http.MethodPost, "/v1/auth/logout", "", bearer)
	require.Equal(t, http.StatusNoContent, logout.Code, logout.Body.String())
	cleared := refreshCookie(t, logout)
	assert.Empty(t, cleared.Value)
	assert.Negative(t, cleared.MaxAge)

	// The token still carries a valid signature and expiry, but the
	// blacklist rejects it at the middleware.
	again := env.do(http.MethodPost, "/v1/auth/logout", "", bearer)
	assert.Equal(t, http.StatusUnauthorized, again.Code)

	// And the refresh token died with the session.
	refreshed := env.do(http.MethodPost, "/v1/auth/refresh", "", func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: cookie.Name, Value: cookie.Value})
	})
	assert.Equal(t, http.StatusUnauthorized, refreshed.Code)
}

func TestProtectedRouteRequiresBearer(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/v1/auth/logout", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodPost, "/v1/auth/logout", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer garbage")
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterCreatesUnverifiedCustomer(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/v1/auth/register", `{"email":"new@example.com","password":"a long password"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// The account exists but cannot log in until the address is verified.
	login := env.do(http.MethodPost, "/v1/auth/login", `{"email":"new@example.com","password":"a long password"}`)
	assert.Equal(t, http.StatusUnauthorized, login.Code)
	assert.Contains(t, login.Body.String(), "email not verified")

	dup := env.do(http.MethodPost, "/v1/auth/register", `{"email":"new@example.com","password":"a long password"}`)
	assert.Equal(t, http.StatusConflict, dup.Code)

	short := env.do(http.MethodPost, "/v1/auth/register", `{"email":"other@example.com","password":"short"}`)
	assert.Equal(t, http.StatusBadRequest, short.Code)
}

func TestResendOTPDoesNotRevealAccounts(t *testing.T) {
	env := newTestEnv(t)

	known := env.do(http.MethodPost, "/v1/auth/resend-otp", `{"email":"pending@example.com","purpose":"EMAIL_VERIFICATION"}`)
	unknown := env.do(http.MethodPost, "/v1/auth/resend-otp", `{"email":"nobody@example.com","purpose":"EMAIL_VERIFICATION"}`)
	verified := env.do(http.MethodPost, "/v1/auth/resend-otp", `{"email":"alice@example.com","purpose":"EMAIL_VERIFICATION"}`)

	require.Equal(t, http.StatusOK, known.Code, known.Body.String())
	require.Equal(t, http.StatusOK, unknown.Code)
	require.Equal(t, http.StatusOK, verified.Code)
	// Unknown address and already-verified account answer exactly like the
	// real resend.
	assert.JSONEq(t, known.Body.String(), unknown.Body.String())
	assert.JSONEq(t, known.Body.String(), verified.Body.String())
}

func TestForgotPasswordDoesNotRevealAccounts(t *testing.T) {
	env := newTestEnv(t)

	known := env.do(http.MethodPost, "/v1/auth/forgot-password", `{"email":"alice@example.com"}`)
	unknown := env.do(http.MethodPost, "/v1/auth/forgot-password", `{"email":"nobody@example.com"}`)

	require.Equal(t, http.StatusOK, known.Code, known.Body.String())
	require.Equal(t, http.StatusOK, unknown.Code)
	assert.JSONEq(t, known.Body.String(), unknown.Body.String())
}

func TestForgotPasswordCooldown(t *testing.T) {
	env := newTestEnv(t)

	first := env.do(http.MethodPost, "/v1/auth/forgot-password", `{"email":"alice@example.com"}`)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())

	again := env.do(http.MethodPost, "/v1/auth/forgot-password", `{"email":"alice@example.com"}`)
	assert.Equal(t, http.StatusTooManyRequests, again.Code)
	assert.Contains(t, again.Body.String(), "too soon")
}

func TestVerifyEmailFlow(t *testing.T) {
	env := newTestEnv(t)

	code, err := env.otp.Generate(context.Background(), "pending@example.com", auth.PurposeEmailVerification)
	require.NoError(t, err)

	rec := env.do(http.MethodPost, "/v1/auth/verify-email",
		fmt.Sprintf(`{"email":"pending@example.com","code":"%s"}`, code))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	login := env.do(http.MethodPost, "/v1/auth/login", `{"email":"pending@example.com","password":"open sesame"}`)
	assert.Equal(t, http.StatusOK, login.Code, login.Body.String())

	// The code was consumed by the successful verification.
	replay := env.do(http.MethodPost, "/v1/auth/verify-email",
		fmt.Sprintf(`{"email":"pending@example.com","code":"%s"}`, code))
	assert.Equal(t, http.StatusBadRequest, replay.Code)
	assert.Contains(t, replay.Body.String(), "code not found or expired")
}

func TestVerifyEmailErrorMapping(t *testing.T) {
	env := newTestEnv(t)

	// No code was ever issued for this address.
	rec := env.do(http.MethodPost, "/v1/auth/verify-email", `{"email":"pending@example.com","code":"000000"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "code not found or expired")

	code, err := env.otp.Generate(context.Background(), "pending@example.com", auth.PurposeEmailVerification)
	require.NoError(t, err)
	wrong := "000000"
	if wrong == code {
		wrong = "111111"
	}

	for i := 0; i < 3; i++ {
		rec = env.do(http.MethodPost, "/v1/auth/verify-email",
			fmt.Sprintf(`{"email":"pending@example.com","code":"%s"}`, wrong))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "invalid code")
	}

	// The attempt budget is spent; even the right code is refused now.
	rec = env.do(http.MethodPost, "/v1/auth/verify-email",
		fmt.Sprintf(`{"email":"pending@example.com","code":"%s"}`, code))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "too many attempts")
}

func TestResetPasswordFlow(t *testing.T) {
	env := newTestEnv(t)

	login := env.do(http.MethodPost, "/v1/auth/login", `{"email":"alice@example.com","password":"open sesame"}`)
	require.Equal(t, http.StatusOK, login.Code)
	cookie := refreshCookie(t, login)

	code, err := env.otp.Generate(context.Background(), "alice@example.com", auth.PurposePasswordReset)
	require.NoError(t, err)

	rec := env.do(http.MethodPost, "/v1/auth/reset-password",
		fmt.Sprintf(`{"email":"alice@example.com","code":"%s","new_password":"a fresh password"}`, code))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Old sessions died with the old credential.
	refreshed := env.do(http.MethodPost, "/v1/auth/refresh", "", func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: cookie.Name, Value: cookie.Value})
	})
	assert.Equal(t, http.StatusUnauthorized, refreshed.Code)

	old := env.do(http.MethodPost, "/v1/auth/login", `{"email":"alice@example.com","password":"open sesame"}`)
	assert.Equal(t, http.StatusUnauthorized, old.Code)
	fresh := env.do(http.MethodPost, "/v1/auth/login", `{"email":"alice@example.com","password":"a fresh password"}`)
	assert.Equal(t, http.StatusOK, fresh.Code, fresh.Body.String())
}

func TestResetPasswordPolicyRunsBeforeCodeSpend(t *testing.T) {
	env := newTestEnv(t)

	code, err := env.otp.Generate(context.Background(), "alice@example.com", auth.PurposePasswordReset)
	require.NoError(t, err)

	// A rejected password must not consume the single-use code.
	rec := env.do(http.MethodPost, "/v1/auth/reset-password",
		fmt.Sprintf(`{"email":"alice@example.com","code":"%s","new_password":"short"}`, code))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "password too short")

	rec = env.do(http.MethodPost, "/v1/auth/reset-password",
		fmt.Sprintf(`{"email":"alice@example.com","code":"%s","new_password":"a fresh password"}`, code))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestAdminListNeedsRoleAndPermission(t *testing.T) {
	env := newTestEnv(t)

	admin := env.do(http.MethodPost, "/v1/auth/login", `{"email":"root@example.com","password":"open sesame"}`)
	require.Equal(t, http.StatusOK, admin.Code, admin.Body.String())

	rec := env.do(http.MethodGet, "/v1/admin/users", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+accessToken(t, admin))
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "alice@example.com")

	customer := env.do(http.MethodPost, "/v1/auth/login", `{"email":"alice@example.com","password":"open sesame"}`)
	require.Equal(t, http.StatusOK, customer.Code)
	rec = env.do(http.MethodGet, "/v1/admin/users", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+accessToken(t, customer))
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
