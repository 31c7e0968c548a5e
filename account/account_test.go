package account_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	portal "github.com/chimerakang/portal-go"
	"github.com/chimerakang/portal-go/account"
	"github.com/chimerakang/portal-go/fake"
	"github.com/chimerakang/portal-go/gateway"
	"github.com/chimerakang/portal-go/guard"
	"github.com/chimerakang/portal-go/session"
	"github.com/chimerakang/portal-go/storage"
)

type env struct {
	be    *fake.Backend
	store *session.Store
	gw    *gateway.Gateway
	svc   *account.Service
}

func setup(t *testing.T, opts ...fake.Option) *env {
	t.Helper()
	e := &env{}
	e.be = fake.NewBackend(append([]fake.Option{
		fake.WithUser("teacher1", "secret", 1, portal.RoleTeacher),
		fake.WithUser("student1", "secret", 7, portal.RoleStudent),
	}, opts...)...)
	srv := httptest.NewServer(e.be)
	t.Cleanup(srv.Close)

	e.store = session.New(storage.NewMemory())
	gw, err := gateway.New(srv.URL, e.store)
	if err != nil {
		t.Fatalf("gateway.New() error: %v", err)
	}
	e.gw = gw
	e.svc = account.New(gw, e.store)
	return e
}

// stubbed returns a service whose login endpoint answers with body.
func stubbed(t *testing.T, body string) (*account.Service, *session.Store) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)

	store := session.New(storage.NewMemory())
	gw, _ := gateway.New(srv.URL, store)
	return account.New(gw, store), store
}

func TestLogin_EndToEnd(t *testing.T) {
	svc, store := stubbed(t, `{"token":"A","refresh_token":"B","user":{"id":1,"role":"Teacher"}}`)
	ctx := context.Background()

	res, err := svc.Login(ctx, "teacher1", "secret")
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	got := store.Get(ctx)
	want := portal.Session{UserID: "1", AccessToken: "A", RefreshToken: "B"}
	if got != want {
		t.Errorf("session = %+v, want %+v", got, want)
	}
	if res.User.ID != "1" || res.User.Role != portal.RoleTeacher {
		t.Errorf("User = %+v, want id 1 role Teacher", res.User)
	}
	if res.Landing != account.LandingTeacher {
		t.Errorf("Landing = %q, want %q", res.Landing, account.LandingTeacher)
	}
}

func TestLogin_ThenAdmission(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	if _, err := e.svc.Login(ctx, "teacher1", "secret"); err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	g := guard.New(e.store, e.gw)
	if adm := g.Admit(ctx, portal.RoleTeacher); adm.Decision != portal.Granted {
		t.Errorf("Teacher route = %v (%s), want granted", adm.Decision, adm.Reason)
	}
	if adm := g.Admit(ctx, portal.RoleAdmin); adm.Decision != portal.Denied {
		t.Errorf("Admin route = %v, want denied", adm.Decision)
	}
	if e.be.RefreshCalls() != 0 {
		t.Errorf("RefreshCalls() = %d, want 0", e.be.RefreshCalls())
	}
}

func TestLogin_FieldSpellings(t *testing.T) {
	tests := []struct {
		name string
		body string
		want portal.Session
	}{
		{"simplejwt", `{"access":"A","refresh":"B","user":{"id":2,"role":"Admin"}}`, portal.Session{UserID: "2", AccessToken: "A", RefreshToken: "B"}},
		{"string id", `{"token":"A","refresh_token":"B","user":{"id":"u-9","role":"Student"}}`, portal.Session{UserID: "u-9", AccessToken: "A", RefreshToken: "B"}},
		{"no refresh", `{"token":"A","user":{"id":3,"role":"Student"}}`, portal.Session{UserID: "3", AccessToken: "A"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store := stubbed(t, tt.body)
			if _, err := svc.Login(context.Background(), "u", "p"); err != nil {
				t.Fatalf("Login() error: %v", err)
			}
			if got := store.Get(context.Background()); got != tt.want {
				t.Errorf("session = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestLogin_RoleFromToken(t *testing.T) {
	e := setup(t)
	tok := e.be.MintAccess("student1", time.Minute)
	svc, _ := stubbed(t, fmt.Sprintf(`{"token":%q,"refresh_token":"B"}`, tok))

	res, err := svc.Login(context.Background(), "student1", "secret")
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	if res.User.Role != portal.RoleStudent || res.User.ID != "7" {
		t.Errorf("User = %+v, want id 7 role Student from the token", res.User)
	}
	if res.Landing != account.LandingStudent {
		t.Errorf("Landing = %q, want %q", res.Landing, account.LandingStudent)
	}
}

func TestLogin_MissingAccessToken(t *testing.T) {
	svc, store := stubbed(t, `{"user":{"id":1,"role":"Teacher"}}`)
	if _, err := svc.Login(context.Background(), "u", "p"); err == nil {
		t.Fatal("Login() expected error for a response without a token")
	}
	if store.IsAuthenticated(context.Background()) {
		t.Error("session should stay empty")
	}
}

func TestLogin_BadCredentials(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_, err := e.svc.Login(ctx, "teacher1", "wrong")
	if !errors.Is(err, portal.ErrUnauthorized) {
		t.Errorf("error = %v, want ErrUnauthorized", err)
	}
	if e.be.RefreshCalls() != 0 {
		t.Errorf("RefreshCalls() = %d, want 0", e.be.RefreshCalls())
	}

	_, err = e.svc.Login(ctx, "teacher1", "")
	if !errors.Is(err, portal.ErrValidation) {
		t.Errorf("error = %v, want ErrValidation", err)
	}
}

func TestLogout(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	if _, err := e.svc.Login(ctx, "teacher1", "secret"); err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	if err := e.svc.Logout(ctx); err != nil {
		t.Fatalf("Logout() error: %v", err)
	}
	if got := e.store.Get(ctx); got != (portal.Session{}) {
		t.Errorf("session = %+v, want empty", got)
	}
	if err := e.svc.Logout(ctx); err != nil {
		t.Errorf("second Logout() error: %v", err)
	}
}

func TestArea(t *testing.T) {
	e := setup(t, fake.WithUser("admin1", "secret", 2, portal.RoleAdmin), fake.WithUser("parent1", "secret", 9, "Parent"))
	ctx := context.Background()

	if got := e.svc.Area(ctx); got != account.AreaGuest {
		t.Errorf("Area() signed out = %q, want guest", got)
	}
	for _, tt := range []struct{ user, want string }{
		{"admin1", account.AreaAdmin},
		{"teacher1", account.AreaTeacher},
		{"student1", account.AreaStudent},
		{"parent1", account.AreaGuest},
	} {
		if _, err := e.svc.Login(ctx, tt.user, "secret"); err != nil {
			t.Fatalf("Login(%s) error: %v", tt.user, err)
		}
		if got := e.svc.Area(ctx); got != tt.want {
			t.Errorf("Area() for %s = %q, want %q", tt.user, got, tt.want)
		}
	}

	_ = e.store.Set(ctx, portal.Patch{AccessToken: portal.String("garbage")})
	if got := e.svc.Area(ctx); got != account.AreaGuest {
		t.Errorf("Area() malformed = %q, want guest", got)
	}
}

func TestLanding(t *testing.T) {
	tests := []struct{ role, want string }{
		{portal.RoleStudent, "/student/dashboard"},
		{portal.RoleTeacher, "/teacher/dashboard"},
		{portal.RoleAdmin, "/admin/dashboard"},
		{"", "/home"},
		{"Parent", "/home"},
	}
	for _, tt := range tests {
		if got := account.Landing(tt.role); got != tt.want {
			t.Errorf("Landing(%q) = %q, want %q", tt.role, got, tt.want)
		}
	}
}
