// Package guard provides role-based route admission over the session store.
package guard

import (
	"context"
	"log/slog"
	"slices"
	"time"

	portal "github.com/chimerakang/portal-go"
	"github.com/chimerakang/portal-go/audit"
	"github.com/chimerakang/portal-go/metrics"
	"github.com/chimerakang/portal-go/token"
)

// Guard implements portal.Admitter.
type Guard struct {
	store     portal.SessionStore
	refresher portal.Refresher
	decoder   *token.Decoder
	now       func() time.Time
	navigator portal.Navigator
	logger    *slog.Logger
	metrics   *metrics.Metrics
	audit     *audit.Logger
}

// compile-time check
var _ portal.Admitter = (*Guard)(nil)

// Option configures the Guard.
type Option func(*Guard)

// WithDecoder sets the token decoder. Default: token.NewDecoder(nil).
func WithDecoder(d *token.Decoder) Option {
	return func(g *Guard) { g.decoder = d }
}

// WithClock sets the wall clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithNavigator sets where denied navigations are sent.
func WithNavigator(n portal.Navigator) Option {
	return func(g *Guard) { g.navigator = n }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Guard) { g.metrics = m }
}

// WithAudit sets the audit logger.
func WithAudit(a *audit.Logger) Option {
	return func(g *Guard) { g.audit = a }
}

// New creates a guard reading store and refreshing expired tokens through
// refresher, normally the gateway.
func New(store portal.SessionStore, refresher portal.Refresher, opts ...Option) *Guard {
	g := &Guard{
		store:     store,
		refresher: refresher,
		decoder:   token.NewDecoder(nil),
		now:       time.Now,
		navigator: portal.NavigatorFunc(func(context.Context) {}),
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Admit decides whether the current identity may view a screen restricted
// to allowedRoles. An empty allowedRoles admits any authenticated identity.
// It blocks for at most one refresh round-trip.
func (g *Guard) Admit(ctx context.Context, allowedRoles ...string) portal.Admission {
	adm, redirected := g.decide(ctx, allowedRoles)
	g.record(ctx, adm)
	if adm.Decision == portal.Denied && !redirected {
		g.navigator.RedirectToLogin(ctx)
	}
	return adm
}

// decide runs the admission algorithm. redirected reports whether the
// refresher has already sent the user to the login screen.
func (g *Guard) decide(ctx context.Context, allowedRoles []string) (adm portal.Admission, redirected bool) {
	raw := g.store.Get(ctx).AccessToken
	if raw == "" {
		return denied(portal.ReasonNoToken), false
	}

	claims, err := g.decoder.Decode(raw)
	if err != nil {
		g.logger.Debug("access token not decodable", "error", err)
		return denied(portal.ReasonMalformed), false
	}

	if claims.Expired(g.now()) {
		if g.refresher == nil {
			return denied(portal.ReasonRefreshFailed), false
		}
		fresh, err := g.refresher.Refresh(ctx)
		if err != nil {
			g.logger.Debug("admission refresh failed", "error", err)
			return denied(portal.ReasonRefreshFailed), true
		}
		if claims, err = g.decoder.Decode(fresh); err != nil {
			return denied(portal.ReasonMalformed), false
		}
	}

	if len(allowedRoles) > 0 && !slices.Contains(allowedRoles, claims.Role) {
		return denied(portal.ReasonRoleMismatch), false
	}
	return portal.Admission{Decision: portal.Granted, Reason: portal.ReasonGranted, Claims: claims}, false
}

func denied(reason string) portal.Admission {
	return portal.Admission{Decision: portal.Denied, Reason: reason}
}

func (g *Guard) record(ctx context.Context, adm portal.Admission) {
	g.metrics.RecordAdmission(adm.Decision.String(), adm.Reason)

	ev := audit.Event{
		Action: audit.ActionAdmission,
		Screen: portal.ScreenFromContext(ctx),
		Reason: adm.Reason,
		Result: audit.ResultDenied,
	}
	if adm.Decision == portal.Granted {
		ev.Result = audit.ResultGranted
		ev.UserID = adm.Claims.UserID
		ev.Role = adm.Claims.Role
	}
	g.audit.LogContext(ctx, ev)
	g.logger.Debug("admission decided", "decision", adm.Decision.String(), "reason", adm.Reason, "screen", ev.Screen)
}
