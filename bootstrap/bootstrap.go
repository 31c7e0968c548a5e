// Package bootstrap wires a complete portal.Client from configuration.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	portal "github.com/chimerakang/portal-go"
	"github.com/chimerakang/portal-go/account"
	"github.com/chimerakang/portal-go/audit"
	"github.com/chimerakang/portal-go/config"
	"github.com/chimerakang/portal-go/gateway"
	"github.com/chimerakang/portal-go/guard"
	"github.com/chimerakang/portal-go/metrics"
	"github.com/chimerakang/portal-go/session"
	"github.com/chimerakang/portal-go/storage"
	"github.com/chimerakang/portal-go/storage/redisstore"
	"github.com/chimerakang/portal-go/token"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// Stack holds the concrete components behind a Client.
type Stack struct {
	Client  *portal.Client
	Storage portal.Storage
	Session *session.Store
	Gateway *gateway.Gateway
	Guard   *guard.Guard
	Account *account.Service
	Metrics *metrics.Metrics
	Audit   *audit.Logger
}

type options struct {
	storage    portal.Storage
	httpClient *http.Client
	navigator  portal.Navigator
	logger     *slog.Logger
	registerer prometheus.Registerer
	audit      *audit.Logger
	clock      func() time.Time
}

// Option configures Build.
type Option func(*options)

// WithStorage sets the durable storage. Default: storage.NewMemory().
func WithStorage(s portal.Storage) Option {
	return func(o *options) { o.storage = s }
}

// WithHTTPClient sets the HTTP client used for backend calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithNavigator sets where the user is sent when the session ends or an
// admission is denied.
func WithNavigator(n portal.Navigator) Option {
	return func(o *options) { o.navigator = n }
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer sets the Prometheus registerer used when metrics are enabled.
// Default: prometheus.DefaultRegisterer.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithAudit sets the audit logger. By default an audit logger writing to the
// shared logger is created and closed with the Client.
func WithAudit(a *audit.Logger) Option {
	return func(o *options) { o.audit = a }
}

// WithClock sets the clock used for token expiry checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// New builds a Client with the standard components.
func New(cfg portal.Config, opts ...Option) (*portal.Client, error) {
	s, err := Build(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return s.Client, nil
}

// Build constructs and wires every component for cfg.
func Build(cfg portal.Config, opts ...Option) (*Stack, error) {
	o := &options{logger: slog.Default(), navigator: portal.NavigatorFunc(func(context.Context) {})}
	for _, opt := range opts {
		opt(o)
	}
	cfg = cfg.WithDefaults()
	s := &Stack{Storage: o.storage}
	var closers []io.Closer

	if s.Storage == nil {
		s.Storage = storage.NewMemory()
	}
	if cl, ok := s.Storage.(io.Closer); ok {
		closers = append(closers, cl)
	}

	if cfg.MetricsEnabled {
		reg := o.registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		s.Metrics = metrics.NewWithRegisterer(reg)
	}

	s.Audit = o.audit
	if s.Audit == nil {
		s.Audit = audit.New(0, audit.WithSlogHandler(o.logger))
		closers = append(closers, s.Audit)
	}

	s.Session = session.New(s.Storage, session.WithLogger(o.logger))

	gwOpts := []gateway.Option{
		gateway.WithTimeout(cfg.RequestTimeout),
		gateway.WithRefreshPath(cfg.RefreshPath),
		gateway.WithExemptPaths(cfg.LoginPath),
		gateway.WithRefreshRotation(cfg.RotateRefreshToken),
		gateway.WithNavigator(o.navigator),
		gateway.WithLogger(o.logger),
		gateway.WithMetrics(s.Metrics),
		gateway.WithAudit(s.Audit),
	}
	if o.httpClient != nil {
		gwOpts = append(gwOpts, gateway.WithHTTPClient(o.httpClient))
	}
	gw, err := gateway.New(cfg.BaseURL, s.Session, gwOpts...)
	if err != nil {
		closeAll(closers)
		return nil, fmt.Errorf("portal/bootstrap: %w", err)
	}
	s.Gateway = gw

	decoder := token.NewDecoder(cfg.RolePaths)
	guardOpts := []guard.Option{
		guard.WithDecoder(decoder),
		guard.WithNavigator(o.navigator),
		guard.WithLogger(o.logger),
		guard.WithMetrics(s.Metrics),
		guard.WithAudit(s.Audit),
	}
	if o.clock != nil {
		guardOpts = append(guardOpts, guard.WithClock(o.clock))
	}
	s.Guard = guard.New(s.Session, gw, guardOpts...)

	s.Account = account.New(gw, s.Session,
		account.WithLoginPath(cfg.LoginPath),
		account.WithDecoder(decoder),
		account.WithLogger(o.logger),
		account.WithAudit(s.Audit),
	)

	clientOpts := []portal.Option{
		portal.WithLogger(o.logger),
		portal.WithSessionStore(s.Session),
		portal.WithGateway(gw),
		portal.WithGuard(s.Guard),
		portal.WithAuthenticator(s.Account),
	}
	for _, cl := range closers {
		clientOpts = append(clientOpts, portal.WithCloser(cl))
	}
	s.Client, err = portal.NewClient(cfg, clientOpts...)
	if err != nil {
		closeAll(closers)
		return nil, err
	}
	return s, nil
}

// OpenStorage opens the storage backend selected by cfg.
func OpenStorage(ctx context.Context, cfg *config.Config) (portal.Storage, error) {
	switch cfg.Storage.Backend {
	case config.StorageMemory, "":
		return storage.NewMemory(), nil
	case config.StorageFile:
		return storage.NewFile(cfg.Storage.Path), nil
	case config.StorageRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("portal/bootstrap: redis ping: %w", err)
		}
		return redisstore.New(client, redisstore.WithPrefix(cfg.Redis.Prefix)), nil
	default:
		return nil, fmt.Errorf("portal/bootstrap: unknown storage backend %q", cfg.Storage.Backend)
	}
}

func closeAll(closers []io.Closer) {
	for _, cl := range closers {
		_ = cl.Close()
	}
}
