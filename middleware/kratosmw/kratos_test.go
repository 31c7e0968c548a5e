package kratosmw

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"

	portal "github.com/chimerakang/portal-go"
	"github.com/chimerakang/portal-go/session"
	"github.com/chimerakang/portal-go/storage"
	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
)

// mockTransport implements transport.Transporter
type mockTransport struct {
	headers map[string]string
	op      string
}

func (m *mockTransport) Kind() transport.Kind { return transport.KindHTTP }
func (m *mockTransport) Endpoint() string { return "mock://test" }
func (m *mockTransport) Operation() string { return m.op }
func (m *mockTransport) RequestHeader() transport.Header { return &mockHeader{headers: m.headers} }
func (m *mockTransport) ReplyHeader() transport.Header { return &mockHeader{headers: make(map[string]string)} }

type mockHeader struct {
	headers map[string]string
}

func (h *mockHeader) Get(key string) string { return h.headers[key] }
func (h *mockHeader) Set(key, value string) { h.headers[key] = value }
func (h *mockHeader) Add(key, value string) { h.headers[key] = value }
func (h *mockHeader) Values(key string) []string { return []string{h.headers[key]} }
func (h *mockHeader) Keys() []string {
	keys := make([]string, 0, len(h.headers))
	for k := range h.headers {
		keys = append(keys, k)
	}
	return keys
}

type stubRefresher struct {
	store portal.SessionStore
	token string
	err   error
	calls atomic.Int32
}

func (r *stubRefresher) Refresh(ctx context.Context) (string, error) {
	r.calls.Add(1)
	if r.err != nil {
		return "", r.err
	}
	_ = r.store.Set(ctx, portal.Patch{AccessToken: portal.String(r.token)})
	return r.token, nil
}

func signedIn(t *testing.T, access string) *session.Store {
	t.Helper()
	s := session.New(storage.NewMemory())
	if err := s.Set(context.Background(), portal.Patch{AccessToken: portal.String(access), RefreshToken: portal.String("rt")}); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	return s
}

func clientContext(tr transport.Transporter) context.Context {
	return transport.NewClientContext(context.Background(), tr)
}

func TestClient_AttachesBearer(t *testing.T) {
	store := signedIn(t, "tok-1")
	ref := &stubRefresher{store: store}
	tr := &mockTransport{headers: map[string]string{}, op: "/school.v1.Students/List"}

	var seen string
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		seen = tr.headers["Authorization"]
		return "ok", nil
	}

	result, err := Client(store, ref)(middleware.Handler(handler))(clientContext(tr), nil)
	if err != nil {
		t.Fatalf("middleware returned error: %v", err)
	}
	if result != "ok" {
		t.Fatalf("expected ok, got %v", result)
	}
	if seen != "Bearer tok-1" {
		t.Errorf("Authorization = %q, want Bearer tok-1", seen)
	}
	if ref.calls.Load() != 0 {
		t.Errorf("refresh calls = %d, want 0", ref.calls.Load())
	}
}

func TestClient_RefreshesOnceOnUnauthorized(t *testing.T) {
	store := signedIn(t, "stale")
	ref := &stubRefresher{store: store, token: "fresh"}
	tr := &mockTransport{headers: map[string]string{}}

	var calls []string
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		calls = append(calls, tr.headers["Authorization"])
		if tr.headers["Authorization"] != "Bearer fresh" {
			return nil, errors.Unauthorized("UNAUTHORIZED", "token expired")
		}
		return "ok", nil
	}

	result, err := Client(store, ref)(middleware.Handler(handler))(clientContext(tr), nil)
	if err != nil {
		t.Fatalf("middleware returned error: %v", err)
	}
	if result != "ok" {
		t.Fatalf("expected ok, got %v", result)
	}
	if len(calls) != 2 || calls[1] != "Bearer fresh" {
		t.Errorf("invocations = %v, want stale then fresh", calls)
	}
	if ref.calls.Load() != 1 {
		t.Errorf("refresh calls = %d, want 1", ref.calls.Load())
	}
}

func TestClient_SecondUnauthorizedReturned(t *testing.T) {
	store := signedIn(t, "stale")
	ref := &stubRefresher{store: store, token: "fresh"}
	tr := &mockTransport{headers: map[string]string{}}

	var n int
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		n++
		return nil, errors.Unauthorized("UNAUTHORIZED", "revoked")
	}

	_, err := Client(store, ref)(middleware.Handler(handler))(clientContext(tr), nil)
	if !errors.IsUnauthorized(err) {
		t.Fatalf("expected Unauthorized error, got %v", err)
	}
	if n != 2 {
		t.Errorf("invocations = %d, want 2 (one retry)", n)
	}
	if ref.calls.Load() != 1 {
		t.Errorf("refresh calls = %d, want 1", ref.calls.Load())
	}
	if store.IsAuthenticated(context.Background()) {
		t.Error("session still authenticated after the retry was rejected")
	}

	// With the session gone, later calls are not recovered.
	if _, err := Client(store, ref)(middleware.Handler(handler))(clientContext(tr), nil); !errors.IsUnauthorized(err) {
		t.Fatalf("expected Unauthorized error, got %v", err)
	}
	if ref.calls.Load() != 1 {
		t.Errorf("refresh calls after teardown = %d, want 1", ref.calls.Load())
	}
}

type endingRefresher struct {
	stubRefresher
	causes []string
}

func (r *endingRefresher) EndSession(ctx context.Context, cause string) {
	r.causes = append(r.causes, cause)
	_ = r.store.Clear(ctx)
}

func TestClient_SecondUnauthorizedEndsSession(t *testing.T) {
	store := signedIn(t, "stale")
	ref := &endingRefresher{stubRefresher: stubRefresher{store: store, token: "fresh"}}
	tr := &mockTransport{headers: map[string]string{}}

	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, errors.Unauthorized("UNAUTHORIZED", "revoked")
	}

	_, _ = Client(store, ref)(middleware.Handler(handler))(clientContext(tr), nil)
	if len(ref.causes) != 1 || ref.causes[0] != "retry_rejected" {
		t.Errorf("EndSession causes = %v, want [retry_rejected]", ref.causes)
	}
	if store.IsAuthenticated(context.Background()) {
		t.Error("session still authenticated")
	}
}

func TestClient_RefreshFailureReturnsOriginal(t *testing.T) {
	store := signedIn(t, "stale")
	ref := &stubRefresher{store: store, err: portal.ErrRefreshUnavailable}
	tr := &mockTransport{headers: map[string]string{}}

	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, errors.Unauthorized("UNAUTHORIZED", "token expired")
	}

	_, err := Client(store, ref)(middleware.Handler(handler))(clientContext(tr), nil)
	if !errors.IsUnauthorized(err) {
		t.Errorf("expected the original Unauthorized error, got %v", err)
	}
}

func TestClient_ForbiddenNotRetried(t *testing.T) {
	store := signedIn(t, "tok")
	ref := &stubRefresher{store: store, token: "fresh"}
	tr := &mockTransport{headers: map[string]string{}}

	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, errors.Forbidden("FORBIDDEN", "permission denied")
	}

	_, err := Client(store, ref)(middleware.Handler(handler))(clientContext(tr), nil)
	if !errors.IsForbidden(err) {
		t.Errorf("expected Forbidden error, got %v", err)
	}
	if ref.calls.Load() != 0 {
		t.Errorf("refresh calls = %d, want 0", ref.calls.Load())
	}
}

func TestClient_ReusesTokenRefreshedElsewhere(t *testing.T) {
	store := signedIn(t, "stale")
	ref := &stubRefresher{store: store, token: "unused"}
	tr := &mockTransport{headers: map[string]string{}}

	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		if tr.headers["Authorization"] == "Bearer stale" {
			// Another caller refreshed while this call was in flight.
			_ = store.Set(ctx, portal.Patch{AccessToken: portal.String("other")})
			return nil, errors.Unauthorized("UNAUTHORIZED", "token expired")
		}
		return "ok", nil
	}

	if _, err := Client(store, ref)(middleware.Handler(handler))(clientContext(tr), nil); err != nil {
		t.Fatalf("middleware returned error: %v", err)
	}
	if tr.headers["Authorization"] != "Bearer other" {
		t.Errorf("Authorization = %q, want Bearer other", tr.headers["Authorization"])
	}
	if ref.calls.Load() != 0 {
		t.Errorf("refresh calls = %d, want 0", ref.calls.Load())
	}
}

func TestClient_NoTransport(t *testing.T) {
	store := signedIn(t, "tok")
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return "ok", nil
	}
	result, err := Client(store, nil)(middleware.Handler(handler))(context.Background(), nil)
	if err != nil || result != "ok" {
		t.Errorf("got (%v, %v), want (ok, nil)", result, err)
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want portal.Kind
	}{
		{nil, portal.KindUnknown},
		{errors.Unauthorized("UNAUTHORIZED", "x"), portal.KindUnauthorized},
		{errors.Forbidden("FORBIDDEN", "x"), portal.KindForbidden},
		{errors.InternalServer("INTERNAL", "x"), portal.KindServer},
		{errors.BadRequest("BAD_REQUEST", "x"), portal.KindValidation},
		{portal.NetworkError(stderrors.New("dial")), portal.KindNetwork},
		{stderrors.New("plain"), portal.KindUnknown},
	}
	for _, tt := range tests {
		if got := Kind(tt.err); got != tt.want {
			t.Errorf("Kind(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
