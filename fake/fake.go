// Package fake provides an in-memory portal backend for testing.
//
// Serve a Backend with httptest.NewServer and point the session core at it to
// exercise login, refresh and protected calls without a real backend:
//
//	be := fake.NewBackend(fake.WithUser("teacher1", "secret", 1, portal.RoleTeacher))
//	srv := httptest.NewServer(be)
//	defer srv.Close()
package fake

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	portal "github.com/chimerakang/portal-go"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Backend endpoints.
const (
	LoginPath        = portal.DefaultLoginPath
	RefreshPath      = portal.DefaultRefreshPath
	TokenRefreshPath = "/account/token/refresh/"
	MePath           = "/account/me/"
	EchoPath         = "/echo/"
	ForbiddenPath    = "/forbidden/"
	ServerErrorPath  = "/boom/"
	ValidationPath   = "/validate/"
	RevokedPath      = "/revoked/"
	DefaultAccessTTL = 5 * time.Minute
)

type user struct {
	username string
	password string
	id       int
	role     string
}

// Option configures the Backend.
type Option func(*Backend)

// WithUser adds an account that can log in.
func WithUser(username, password string, id int, role string) Option {
	return func(b *Backend) {
		b.users[username] = &user{username: username, password: password, id: id, role: role}
	}
}

// WithAccessTTL sets the lifetime of minted access tokens.
func WithAccessTTL(d time.Duration) Option {
	return func(b *Backend) { b.accessTTL = d }
}

// WithRefreshDelay delays every refresh response, widening the window in
// which concurrent requests overlap.
func WithRefreshDelay(d time.Duration) Option {
	return func(b *Backend) { b.refreshDelay = d }
}

// WithRotation makes the refresh endpoint also return a new refresh token.
func WithRotation() Option {
	return func(b *Backend) { b.rotate = true }
}

// WithSimpleJWTFields makes the login endpoint answer with access/refresh
// field names instead of token/refresh_token.
func WithSimpleJWTFields() Option {
	return func(b *Backend) { b.simpleJWT = true }
}

// WithRefreshFailure makes the refresh endpoint always answer with status.
func WithRefreshFailure(status int) Option {
	return func(b *Backend) { b.refreshStatus = status }
}

// WithClock sets the backend's notion of now.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// Backend is an http.Handler imitating the portal REST backend.
type Backend struct {
	secret        []byte
	accessTTL     time.Duration
	refreshDelay  time.Duration
	rotate        bool
	simpleJWT     bool
	refreshStatus int
	now           func() time.Time

	mu       sync.Mutex
	users    map[string]*user  // username → user
	refreshs map[string]string // refresh token → username

	loginCalls   atomic.Int32
	refreshCalls atomic.Int32

	mux *http.ServeMux
}

// NewBackend creates a fake backend.
func NewBackend(opts ...Option) *Backend {
	b := &Backend{
		secret:    []byte(uuid.NewString()),
		accessTTL: DefaultAccessTTL,
		now:       time.Now,
		users:     make(map[string]*user),
		refreshs:  make(map[string]string),
	}
	for _, o := range opts {
		o(b)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+LoginPath, b.handleLogin)
	mux.HandleFunc("POST "+RefreshPath, b.handleRefresh)
	mux.HandleFunc("POST "+TokenRefreshPath, b.handleRefresh)
	mux.HandleFunc("GET "+MePath, b.protected(b.handleMe))
	mux.HandleFunc("POST "+EchoPath, b.protected(b.handleEcho))
	mux.HandleFunc(ForbiddenPath, b.protected(func(w http.ResponseWriter, r *http.Request, _ *user) {
		writeJSON(w, http.StatusForbidden, map[string]string{"detail": "You do not have permission to perform this action."})
	}))
	mux.HandleFunc(ServerErrorPath, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "internal error"})
	})
	mux.HandleFunc(ValidationPath, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string][]string{"title": {"This field is required."}})
	})
	mux.HandleFunc(RevokedPath, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Session revoked."})
	})
	b.mux = mux
	return b
}

var _ http.Handler = (*Backend)(nil)

// ServeHTTP dispatches to the backend routes.
func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mux.ServeHTTP(w, r)
}

// LoginCalls returns the number of login requests served.
func (b *Backend) LoginCalls() int { return int(b.loginCalls.Load()) }

// RefreshCalls returns the number of refresh requests served.
func (b *Backend) RefreshCalls() int { return int(b.refreshCalls.Load()) }

// MintAccess returns a signed access token for username valid for ttl from
// now. A negative ttl returns a token that has already expired.
func (b *Backend) MintAccess(username string, ttl time.Duration) string {
	b.mu.Lock()
	u := b.users[username]
	b.mu.Unlock()
	if u == nil {
		panic(fmt.Sprintf("fake: unknown user %q", username))
	}
	return b.mint(u, ttl)
}

// IssueRefresh returns a refresh token the backend will accept for username.
func (b *Backend) IssueRefresh(username string) string {
	rt := "refresh-" + uuid.NewString()
	b.mu.Lock()
	b.refreshs[rt] = username
	b.mu.Unlock()
	return rt
}

// RevokeRefresh makes the backend reject rt.
func (b *Backend) RevokeRefresh(rt string) {
	b.mu.Lock()
	delete(b.refreshs, rt)
	b.mu.Unlock()
}

func (b *Backend) mint(u *user, ttl time.Duration) string {
	now := b.now()
	claims := jwt.MapClaims{
		"sub":     u.username,
		"user_id": u.id,
		"role":    u.role,
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
		"jti":     uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.secret)
	if err != nil {
		panic(fmt.Sprintf("fake: sign token: %v", err))
	}
	return signed
}

func (b *Backend) handleLogin(w http.ResponseWriter, r *http.Request) {
	b.loginCalls.Add(1)

	var in struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Malformed request body."})
		return
	}
	if in.Username == "" || in.Password == "" {
		missing := map[string][]string{}
		if in.Username == "" {
			missing["username"] = []string{"This field is required."}
		}
		if in.Password == "" {
			missing["password"] = []string{"This field is required."}
		}
		writeJSON(w, http.StatusBadRequest, missing)
		return
	}

	b.mu.Lock()
	u := b.users[in.Username]
	b.mu.Unlock()
	if u == nil || u.password != in.Password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "No active account found with the given credentials"})
		return
	}

	access, refresh := b.mint(u, b.accessTTL), b.IssueRefresh(u.username)
	profile := map[string]any{"id": u.id, "role": u.role, "username": u.username}
	if b.simpleJWT {
		writeJSON(w, http.StatusOK, map[string]any{"access": access, "refresh": refresh, "user": profile})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": access, "refresh_token": refresh, "user": profile})
}

func (b *Backend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	b.refreshCalls.Add(1)
	if b.refreshDelay > 0 {
		time.Sleep(b.refreshDelay)
	}
	if b.refreshStatus != 0 {
		writeJSON(w, b.refreshStatus, map[string]string{"detail": "Refresh unavailable."})
		return
	}

	var in struct {
		Refresh string `json:"refresh"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Refresh == "" {
		writeJSON(w, http.StatusBadRequest, map[string][]string{"refresh": {"This field is required."}})
		return
	}

	b.mu.Lock()
	username, ok := b.refreshs[in.Refresh]
	u := b.users[username]
	b.mu.Unlock()
	if !ok || u == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Token is invalid or expired", "code": "token_not_valid"})
		return
	}

	out := map[string]string{"access": b.mint(u, b.accessTTL)}
	if b.rotate {
		b.RevokeRefresh(in.Refresh)
		out["refresh"] = b.IssueRefresh(username)
	}
	writeJSON(w, http.StatusOK, out)
}

func (b *Backend) handleMe(w http.ResponseWriter, r *http.Request, u *user) {
	writeJSON(w, http.StatusOK, map[string]any{"id": u.id, "role": u.role, "username": u.username})
}

func (b *Backend) handleEcho(w http.ResponseWriter, r *http.Request, _ *user) {
	var body any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Malformed request body."})
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// protected rejects requests without a valid, unexpired bearer token.
func (b *Backend) protected(next func(http.ResponseWriter, *http.Request, *user)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication credentials were not provided."})
			return
		}

		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			return b.secret, nil
		}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(b.now), jwt.WithExpirationRequired())
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Given token not valid for any token type", "code": "token_not_valid"})
			return
		}

		sub, _ := claims.GetSubject()
		b.mu.Lock()
		u := b.users[sub]
		b.mu.Unlock()
		if u == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "User not found", "code": "user_not_found"})
			return
		}
		next(w, r, u)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
