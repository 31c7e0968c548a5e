// Package portal provides the session core of the school management portal:
// a durable session store, an authenticated request gateway with a single
// refresh-and-retry recovery, and a role-based route admission guard.
//
// The root package defines shared types and interfaces. Concrete
// implementations live in subpackages and are injected via Option functions;
// bootstrap.New wires the standard set.
//
//	client, err := bootstrap.New(portal.Config{BaseURL: "http://127.0.0.1:8000/api"})
//	...
//	res, err := client.Account().Login(ctx, "teacher1", "secret")
//	adm := client.Guard().Admit(ctx, portal.RoleTeacher)
package portal

import (
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Client is the main entry point of the session core.
type Client struct {
	config  Config
	logger  *slog.Logger
	store   SessionStore
	gateway Gateway
	guard   Admitter
	account Authenticator
	closers []io.Closer
}

// Config holds backend and behavior configuration.
type Config struct {
	// BaseURL is the REST backend root, e.g. "http://127.0.0.1:8000/api".
	BaseURL string

	// LoginPath is the token obtain endpoint. Default: "/account/login/".
	LoginPath string

	// RefreshPath is the token refresh endpoint. Default: "/account/login/refresh/".
	RefreshPath string

	// LoginScreen is where unauthenticated navigation is sent. Default: "/login".
	LoginScreen string

	// RequestTimeout bounds every backend call. Default: 10 seconds.
	RequestTimeout time.Duration

	// RolePaths is the ordered list of claim locations searched for the role.
	// Each path is a list of object keys. Default: role, user.role,
	// claims.role, then the namespaced role claim.
	RolePaths [][]string

	// RotateRefreshToken stores the refresh token returned by the refresh
	// endpoint, when present. Off by default: a refresh replaces only the access token.
	RotateRefreshToken bool

	// MetricsEnabled registers Prometheus metrics.
	MetricsEnabled bool
}

// Defaults.
const (
	DefaultLoginPath      = "/account/login/"
	DefaultRefreshPath    = "/account/login/refresh/"
	DefaultLoginScreen    = "/login"
	DefaultRequestTimeout = 10 * time.Second
)

// WithDefaults returns c with unset fields filled in.
func (c Config) WithDefaults() Config {
	if c.LoginPath == "" {
		c.LoginPath = DefaultLoginPath
	}
	if c.RefreshPath == "" {
		c.RefreshPath = DefaultRefreshPath
	}
	if c.LoginScreen == "" {
		c.LoginScreen = DefaultLoginScreen
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	return c
}

// Option configures the Client.
type Option func(*Client)

// WithLogger sets a structured logger for the client.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithSessionStore sets the session store.
func WithSessionStore(s SessionStore) Option {
	return func(c *Client) { c.store = s }
}

// WithGateway sets the authenticated request gateway.
func WithGateway(g Gateway) Option {
	return func(c *Client) { c.gateway = g }
}

// WithGuard sets the route admission guard.
func WithGuard(g Admitter) Option {
	return func(c *Client) { c.guard = g }
}

// WithAuthenticator sets the login/logout service.
func WithAuthenticator(a Authenticator) Option {
	return func(c *Client) { c.account = a }
}

// WithCloser registers a resource released by Close.
func WithCloser(cl io.Closer) Option {
	return func(c *Client) { c.closers = append(c.closers, cl) }
}

// NewClient creates a new Client with the given configuration and options.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("portal: BaseURL is required")
	}

	c := &Client{config: cfg.WithDefaults(), logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	if c.store == nil {
		return nil, fmt.Errorf("portal: a session store is required")
	}
	return c, nil
}

// Config returns the client configuration with defaults applied.
func (c *Client) Config() Config { return c.config }

// Logger returns the client logger.
func (c *Client) Logger() *slog.Logger { return c.logger }

// Session returns the session store.
func (c *Client) Session() SessionStore { return c.store }

// Gateway returns the request gateway, or nil if not configured.
func (c *Client) Gateway() Gateway { return c.gateway }

// Guard returns the admission guard, or nil if not configured.
func (c *Client) Guard() Admitter { return c.guard }

// Account returns the login service, or nil if not configured.
func (c *Client) Account() Authenticator { return c.account }

// Close releases registered resources and any injected service that
// implements io.Closer.
func (c *Client) Close() error {
	closers := append([]io.Closer(nil), c.closers...)
	for _, svc := range []any{c.store, c.gateway, c.guard, c.account} {
		if cl, ok := svc.(io.Closer); ok && cl != nil {
			closers = append(closers, cl)
		}
	}
	var firstErr error
	for _, cl := range closers {
		if err := cl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
