// Package account provides login, logout and role-based landing for the
// portal session.
package account

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	portal "github.com/chimerakang/portal-go"
	"github.com/chimerakang/portal-go/audit"
	"github.com/chimerakang/portal-go/token"
)

// Route areas.
const (
	AreaAdmin   = "admin"
	AreaTeacher = "teacher"
	AreaStudent = "student"
	AreaGuest   = "guest"
)

// Landing screens.
const (
	LandingStudent = "/student/dashboard"
	LandingTeacher = "/teacher/dashboard"
	LandingAdmin   = "/admin/dashboard"
	LandingHome    = "/home"
)

// Service implements portal.Authenticator.
type Service struct {
	doer      portal.Doer
	store     portal.SessionStore
	loginPath string
	decoder   *token.Decoder
	logger    *slog.Logger
	audit     *audit.Logger
}

// compile-time check
var _ portal.Authenticator = (*Service)(nil)

// Option configures the Service.
type Option func(*Service)

// WithLoginPath sets the token obtain endpoint. Default: portal.DefaultLoginPath.
func WithLoginPath(p string) Option {
	return func(s *Service) { s.loginPath = p }
}

// WithDecoder sets the decoder used to read the role from tokens.
func WithDecoder(d *token.Decoder) Option {
	return func(s *Service) { s.decoder = d }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithAudit sets the audit logger.
func WithAudit(a *audit.Logger) Option {
	return func(s *Service) { s.audit = a }
}

// New creates an account service sending requests through doer.
func New(doer portal.Doer, store portal.SessionStore, opts ...Option) *Service {
	s := &Service{
		doer:      doer,
		store:     store,
		loginPath: portal.DefaultLoginPath,
		decoder:   token.NewDecoder(nil),
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// loginResponse accepts both field spellings the backend has used.
type loginResponse struct {
	Token        string `json:"token"`
	Access       string `json:"access"`
	RefreshToken string `json:"refresh_token"`
	Refresh      string `json:"refresh"`
	User         struct {
		ID   json.RawMessage `json:"id"`
		Role string          `json:"role"`
	} `json:"user"`
}

// Login exchanges credentials for tokens and stores the new session as one
// update. On failure the current session is left unchanged.
func (s *Service) Login(ctx context.Context, username, password string) (*portal.LoginResult, error) {
	var out loginResponse
	in := map[string]string{"username": username, "password": password}
	if err := s.doer.JSON(ctx, http.MethodPost, s.loginPath, in, &out); err != nil {
		s.audit.LogContext(ctx, audit.Event{Action: audit.ActionLogin, Result: audit.ResultFailure, Error: err.Error()})
		return nil, err
	}

	access := first(out.Token, out.Access)
	if access == "" {
		err := fmt.Errorf("portal/account: login response has no access token")
		s.audit.LogContext(ctx, audit.Event{Action: audit.ActionLogin, Result: audit.ResultFailure, Error: err.Error()})
		return nil, err
	}

	id, err := normalizeID(out.User.ID)
	if err != nil {
		return nil, err
	}
	role := out.User.Role
	if role == "" {
		if c, err := s.decoder.Decode(access); err == nil {
			role = c.Role
			if id == "" {
				id = c.UserID
			}
		}
	}

	err = s.store.Set(ctx, portal.Patch{
		UserID:       portal.String(id),
		AccessToken:  portal.String(access),
		RefreshToken: portal.String(first(out.RefreshToken, out.Refresh)),
	})
	if err != nil {
		// The in-memory session is signed in; only durability was lost.
		s.logger.Warn("login session not persisted", "error", err)
	}

	s.audit.LogContext(ctx, audit.Event{Action: audit.ActionLogin, Result: audit.ResultSuccess, UserID: id, Role: role})
	s.logger.Info("user logged in", "user_id", id, "role", role)

	return &portal.LoginResult{
		User:    portal.User{ID: id, Role: role},
		Landing: Landing(role),
	}, nil
}

// Logout ends the session.
func (s *Service) Logout(ctx context.Context) error {
	userID := s.store.Get(ctx).UserID
	if err := s.store.Clear(ctx); err != nil {
		return fmt.Errorf("portal/account: logout: %w", err)
	}
	s.audit.LogContext(ctx, audit.Event{Action: audit.ActionLogout, Result: audit.ResultSuccess, UserID: userID})
	s.logger.Info("user logged out", "user_id", userID)
	return nil
}

// Area returns the route area of the current session, decoded from its access
// token without refreshing. Absent, malformed or unknown roles are guests.
func (s *Service) Area(ctx context.Context) string {
	raw := s.store.Get(ctx).AccessToken
	if raw == "" {
		return AreaGuest
	}
	c, err := s.decoder.Decode(raw)
	if err != nil {
		return AreaGuest
	}
	return AreaFor(c.Role)
}

// AreaFor maps a role to its route area.
func AreaFor(role string) string {
	switch role {
	case portal.RoleAdmin:
		return AreaAdmin
	case portal.RoleTeacher:
		return AreaTeacher
	case portal.RoleStudent:
		return AreaStudent
	default:
		return AreaGuest
	}
}

// Landing returns the screen a user with role is sent to after login.
func Landing(role string) string {
	switch role {
	case portal.RoleStudent:
		return LandingStudent
	case portal.RoleTeacher:
		return LandingTeacher
	case portal.RoleAdmin:
		return LandingAdmin
	default:
		return LandingHome
	}
}

func first(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// normalizeID renders a JSON string or number id as a string.
func normalizeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("portal/account: user id: %w", err)
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("portal/account: user id: %w", err)
	}
	return n.String(), nil
}
