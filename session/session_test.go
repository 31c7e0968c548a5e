package session_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	portal "github.com/chimerakang/portal-go"
	"github.com/chimerakang/portal-go/session"
	"github.com/chimerakang/portal-go/storage"
)

var quiet = session.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

// failingStorage wraps a Memory and fails writes on demand.
type failingStorage struct {
	*storage.Memory
	failWrites bool
	failReads  bool
}

func (f *failingStorage) Get(ctx context.Context, key string) (string, bool, error) {
	if f.failReads {
		return "", false, errors.New("storage unavailable")
	}
	return f.Memory.Get(ctx, key)
}

func (f *failingStorage) Set(ctx context.Context, key, value string) error {
	if f.failWrites {
		return errors.New("disk full")
	}
	return f.Memory.Set(ctx, key, value)
}

func TestGet_EmptyStorage(t *testing.T) {
	s := session.New(storage.NewMemory(), quiet)

	got := s.Get(context.Background())
	if got != (portal.Session{}) {
		t.Errorf("Get() = %+v, want empty session", got)
	}
	if s.IsAuthenticated(context.Background()) {
		t.Error("empty session should not be authenticated")
	}
}

func TestSet_PersistsAcrossReload(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()

	s := session.New(mem, quiet)
	if err := s.Set(ctx, portal.Patch{AccessToken: portal.String("X")}); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	reloaded := session.New(mem, quiet)
	if got := reloaded.Get(ctx).AccessToken; got != "X" {
		t.Errorf("AccessToken after reload = %q, want %q", got, "X")
	}
	if !reloaded.IsAuthenticated(ctx) {
		t.Error("reloaded session should be authenticated")
	}
}

func TestSet_StoresJSONValues(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	s := session.New(mem, quiet)

	_ = s.Set(ctx, portal.Patch{
		UserID:       portal.String("1"),
		AccessToken:  portal.String("A"),
		RefreshToken: portal.String("B"),
	})

	for key, want := range map[string]string{
		session.KeyUserID:       `"1"`,
		session.KeyAccessToken:  `"A"`,
		session.KeyRefreshToken: `"B"`,
	} {
		v, ok, _ := mem.Get(ctx, key)
		if !ok || v != want {
			t.Errorf("storage[%s] = %q (present %v), want %q", key, v, ok, want)
		}
	}
}

func TestSet_MergesPartialPatch(t *testing.T) {
	ctx := context.Background()
	s := session.New(storage.NewMemory(), quiet)

	_ = s.Set(ctx, portal.Patch{
		UserID:       portal.String("7"),
		AccessToken:  portal.String("A"),
		RefreshToken: portal.String("R"),
	})
	_ = s.Set(ctx, portal.Patch{AccessToken: portal.String("A2")})

	want := portal.Session{UserID: "7", AccessToken: "A2", RefreshToken: "R"}
	if got := s.Get(ctx); got != want {
		t.Errorf("Get() = %+v, want %+v", got, want)
	}
}

func TestSet_NullRemovesEntry(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	s := session.New(mem, quiet)

	_ = s.Set(ctx, portal.Patch{AccessToken: portal.String("A"), RefreshToken: portal.String("R")})
	_ = s.Set(ctx, portal.Patch{AccessToken: portal.Null()})

	if _, ok, _ := mem.Get(ctx, session.KeyAccessToken); ok {
		t.Error("ACCESS_TOKEN should be removed, not stored as null")
	}
	if s.IsAuthenticated(ctx) {
		t.Error("session without access token should not be authenticated")
	}
	if s.Get(ctx).RefreshToken != "R" {
		t.Error("refresh token should be untouched")
	}
}

func TestClear_Idempotent(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	s := session.New(mem, quiet)

	_ = s.Set(ctx, portal.Patch{
		UserID:       portal.String("1"),
		AccessToken:  portal.String("A"),
		RefreshToken: portal.String("B"),
	})

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear() error: %v", err)
	}
	once := s.Get(ctx)
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("second Clear() error: %v", err)
	}
	twice := s.Get(ctx)

	if once != twice || once != (portal.Session{}) {
		t.Errorf("Clear twice = %+v, once = %+v; want both empty", twice, once)
	}
	if mem.Len() != 0 {
		t.Errorf("storage has %d keys after Clear, want 0", mem.Len())
	}
}

func TestIsAuthenticated_FollowsMutations(t *testing.T) {
	ctx := context.Background()
	s := session.New(storage.NewMemory(), quiet)

	steps := []struct {
		name   string
		mutate func() error
		want   bool
	}{
		{"set refresh only", func() error { return s.Set(ctx, portal.Patch{RefreshToken: portal.String("R")}) }, false},
		{"set access", func() error { return s.Set(ctx, portal.Patch{AccessToken: portal.String("A")}) }, true},
		{"set user only", func() error { return s.Set(ctx, portal.Patch{UserID: portal.String("1")}) }, true},
		{"clear", func() error { return s.Clear(ctx) }, false},
		{"set access again", func() error { return s.Set(ctx, portal.Patch{AccessToken: portal.String("B")}) }, true},
		{"null access", func() error { return s.Set(ctx, portal.Patch{AccessToken: portal.Null()}) }, false},
	}
	for _, st := range steps {
		if err := st.mutate(); err != nil {
			t.Fatalf("%s: error: %v", st.name, err)
		}
		if got := s.IsAuthenticated(ctx); got != st.want {
			t.Errorf("%s: IsAuthenticated() = %v, want %v", st.name, got, st.want)
		}
	}
}

func TestHydrate_MalformedFallsBackToEmpty(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	_ = mem.Set(ctx, session.KeyAccessToken, `"A"`)
	_ = mem.Set(ctx, session.KeyRefreshToken, `{broken`)

	s := session.New(mem, quiet)
	if got := s.Get(ctx); got != (portal.Session{}) {
		t.Errorf("Get() = %+v, want empty session for malformed storage", got)
	}
}

func TestHydrate_NumericUserID(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	_ = mem.Set(ctx, session.KeyUserID, `42`)
	_ = mem.Set(ctx, session.KeyAccessToken, `"A"`)

	s := session.New(mem, quiet)
	if got := s.Get(ctx).UserID; got != "42" {
		t.Errorf("UserID = %q, want %q", got, "42")
	}
}

func TestHydrate_NullLiteralIsAbsent(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	_ = mem.Set(ctx, session.KeyAccessToken, `null`)

	s := session.New(mem, quiet)
	if s.IsAuthenticated(ctx) {
		t.Error("a persisted null must not authenticate the session")
	}
}

func TestHydrate_StorageErrorFallsBackToEmpty(t *testing.T) {
	ctx := context.Background()
	fs := &failingStorage{Memory: storage.NewMemory(), failReads: true}

	s := session.New(fs, quiet)
	if got := s.Get(ctx); got != (portal.Session{}) {
		t.Errorf("Get() = %+v, want empty session", got)
	}
}

func TestSet_WriteFailureKeepsMemory(t *testing.T) {
	ctx := context.Background()
	fs := &failingStorage{Memory: storage.NewMemory(), failWrites: true}
	s := session.New(fs, quiet)

	err := s.Set(ctx, portal.Patch{AccessToken: portal.String("A")})
	if err == nil {
		t.Fatal("Set() expected error when storage rejects writes")
	}
	if s.Get(ctx).AccessToken != "A" {
		t.Error("in-memory session should reflect the patch")
	}
}
