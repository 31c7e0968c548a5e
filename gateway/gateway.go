// Package gateway provides the authenticated request gateway for the portal
// backend. Every request carries the current access token; a 401 triggers a
// single refresh-and-retry, and an irrecoverable failure tears the session
// down and sends the user to the login screen.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	portal "github.com/chimerakang/portal-go"
	"github.com/chimerakang/portal-go/audit"
	"github.com/chimerakang/portal-go/metrics"
	"golang.org/x/sync/singleflight"
)

// maxErrorBody bounds how much of a failed response is read for its detail.
const maxErrorBody = 64 << 10

// Gateway implements portal.Gateway over net/http.
type Gateway struct {
	base        *url.URL
	httpClient  *http.Client
	store       portal.SessionStore
	navigator   portal.Navigator
	refreshPath string
	exempt      []string
	rotate      bool
	logger      *slog.Logger
	metrics     *metrics.Metrics
	audit       *audit.Logger

	// resolved URL paths
	refreshURLPath string
	exemptURLPaths map[string]bool

	mu       sync.RWMutex
	defaults http.Header

	sf singleflight.Group
}

// compile-time check
var _ portal.Gateway = (*Gateway)(nil)

// Option configures the Gateway.
type Option func(*Gateway)

// WithHTTPClient sets the HTTP client used for every backend call.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.httpClient = c }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.httpClient = &http.Client{Timeout: d} }
}

// WithRefreshPath sets the token refresh endpoint. Default: portal.DefaultRefreshPath.
func WithRefreshPath(p string) Option {
	return func(g *Gateway) { g.refreshPath = p }
}

// WithExemptPaths adds endpoints whose 401 responses are returned to the
// caller without a refresh attempt. The login endpoint is exempt by default.
func WithExemptPaths(paths ...string) Option {
	return func(g *Gateway) { g.exempt = append(g.exempt, paths...) }
}

// WithNavigator sets where the user is sent after a session teardown.
func WithNavigator(n portal.Navigator) Option {
	return func(g *Gateway) { g.navigator = n }
}

// WithRefreshRotation stores the refresh token returned by the refresh
// endpoint, when present.
func WithRefreshRotation(enabled bool) Option {
	return func(g *Gateway) { g.rotate = enabled }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithAudit sets the audit logger.
func WithAudit(a *audit.Logger) Option {
	return func(g *Gateway) { g.audit = a }
}

// New creates a gateway for the backend rooted at baseURL.
func New(baseURL string, store portal.SessionStore, opts ...Option) (*Gateway, error) {
	base, err := url.Parse(baseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("portal/gateway: invalid base URL %q", baseURL)
	}
	if store == nil {
		return nil, fmt.Errorf("portal/gateway: session store is required")
	}

	g := &Gateway{
		base:        base,
		httpClient:  &http.Client{Timeout: portal.DefaultRequestTimeout},
		store:       store,
		navigator:   portal.NavigatorFunc(func(context.Context) {}),
		refreshPath: portal.DefaultRefreshPath,
		exempt:      []string{portal.DefaultLoginPath},
		logger:      slog.Default(),
		defaults:    http.Header{"Accept": {"application/json"}},
	}
	for _, o := range opts {
		o(g)
	}

	g.refreshURLPath = g.resolve(g.refreshPath).Path
	g.exemptURLPaths = make(map[string]bool, len(g.exempt))
	for _, p := range g.exempt {
		g.exemptURLPaths[g.resolve(p).Path] = true
	}
	return g, nil
}

// URL returns the absolute URL of a backend path.
func (g *Gateway) URL(path string) string {
	return g.resolve(path).String()
}

func (g *Gateway) resolve(path string) *url.URL {
	u := *g.base
	rel, query, _ := strings.Cut(path, "?")
	u.Path = strings.TrimRight(g.base.Path, "/") + "/" + strings.TrimLeft(rel, "/")
	u.RawPath = ""
	u.RawQuery = query
	return &u
}

// NewRequest builds a request for a backend path.
func (g *Gateway) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, g.URL(path), body)
	if err != nil {
		return nil, fmt.Errorf("portal/gateway: create request: %w", err)
	}
	return req, nil
}

// DefaultHeader returns a copy of the headers sent with every request. After
// a refresh it carries the new bearer credential, for collaborators that dial
// the backend themselves (such as the chat socket). The credential is omitted
// once the session has ended.
func (g *Gateway) DefaultHeader(ctx context.Context) http.Header {
	g.mu.RLock()
	h := g.defaults.Clone()
	g.mu.RUnlock()
	if !g.store.IsAuthenticated(ctx) {
		h.Del("Authorization")
	}
	return h
}

func (g *Gateway) setDefault(key, value string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if value == "" {
		g.defaults.Del(key)
		return
	}
	g.defaults.Set(key, value)
}

// Do sends req with the current access token. A 2xx response is returned
// as-is; any other outcome is an error whose portal.KindOf classifies it.
//
// A 401 from anything but the refresh or an exempt endpoint runs the refresh
// procedure and replays req once. When recovery fails the session has been
// cleared and the original error is returned.
func (g *Gateway) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if err := bufferBody(req); err != nil {
		return nil, err
	}

	sent := g.authorize(req)
	resp, err := g.send(req)
	if err == nil {
		return resp, nil
	}
	if portal.KindOf(err) != portal.KindUnauthorized {
		g.fail(err)
		return nil, err
	}

	switch {
	case req.URL.Path == g.refreshURLPath:
		g.teardown(ctx, "refresh_rejected", err)
		g.fail(err)
		return nil, err
	case g.exemptURLPaths[req.URL.Path]:
		g.fail(err)
		return nil, err
	}

	fresh, rerr := g.refreshAfter(ctx, sent)
	if rerr != nil {
		g.logger.Debug("request recovery failed", "path", req.URL.Path, "error", rerr)
		g.fail(err)
		return nil, err
	}

	retry, rerr := replay(req, fresh)
	if rerr != nil {
		return nil, rerr
	}
	g.metrics.RecordRetry()

	resp, err = g.send(retry)
	if err != nil {
		if portal.KindOf(err) == portal.KindUnauthorized {
			g.teardown(ctx, "retry_rejected", err)
		}
		g.fail(err)
		return nil, err
	}
	return resp, nil
}

// JSON sends in (when non-nil) as a JSON body and decodes a successful
// response into out (when non-nil).
func (g *Gateway) JSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("portal/gateway: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := g.NewRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("portal/gateway: decode response: %w", err)
	}
	return nil
}

// authorize applies default headers and the stored access token, and returns
// the token that was attached.
func (g *Gateway) authorize(req *http.Request) string {
	g.mu.RLock()
	for k, v := range g.defaults {
		if k == "Authorization" || req.Header.Get(k) != "" {
			continue
		}
		req.Header[k] = append([]string(nil), v...)
	}
	g.mu.RUnlock()

	tok := g.store.Get(req.Context()).AccessToken
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return tok
}

// send performs one HTTP exchange and classifies the outcome.
func (g *Gateway) send(req *http.Request) (*http.Response, error) {
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, portal.NetworkError(err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return nil, portal.StatusError(resp.StatusCode, detail(body))
}

func (g *Gateway) fail(err error) {
	g.metrics.RecordRequestFailure(portal.KindOf(err).String())
}

// bufferBody makes the request body replayable.
func bufferBody(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	raw, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return fmt.Errorf("portal/gateway: read request body: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(raw))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(raw)), nil
	}
	return nil
}

func replay(req *http.Request, token string) (*http.Request, error) {
	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("portal/gateway: rewind request body: %w", err)
		}
		retry.Body = body
	}
	retry.Header.Set("Authorization", "Bearer "+token)
	return retry, nil
}

// detail extracts the backend's message from an error body.
func detail(body []byte) string {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		s := strings.TrimSpace(string(body))
		if len(s) > 200 || strings.HasPrefix(s, "<") {
			return ""
		}
		return s
	}
	for _, k := range []string{"detail", "message", "error"} {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}

	// Field errors: {"username": ["This field is required."]}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if list, ok := m[k].([]any); ok && len(list) > 0 {
			if s, ok := list[0].(string); ok {
				return k + ": " + s
			}
		}
	}
	return ""
}
