package portal

import (
	"context"
	"net/http"
)

// Storage is a durable key-value store holding JSON-encoded session entries.
// Implementations: storage.Memory, storage.File, storage/redisstore.
type Storage interface {
	// Get returns the value stored under key. A missing key is reported as
	// ok == false with a nil error.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// SessionStore is the single source of truth for the current session.
type SessionStore interface {
	// Get returns the current session, hydrating it from storage on first use.
	// It never fails; unreadable storage yields an empty session.
	Get(ctx context.Context) Session

	// Set merges p into the session and persists the result.
	Set(ctx context.Context, p Patch) error

	// Clear empties the session and removes every persisted entry.
	Clear(ctx context.Context) error

	// IsAuthenticated reports whether the session holds an access token.
	IsAuthenticated(ctx context.Context) bool
}

// Refresher mints a new access token from the stored refresh token.
// On failure the session has already been torn down.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// SessionEnder ends a session the backend keeps rejecting: the session is
// cleared and the user is sent to the login screen.
// Implementations: gateway.Gateway.
type SessionEnder interface {
	EndSession(ctx context.Context, cause string)
}

// EndSession ends the session through r when it is a SessionEnder and
// otherwise clears store.
func EndSession(ctx context.Context, store SessionStore, r Refresher, cause string) {
	if e, ok := r.(SessionEnder); ok {
		e.EndSession(ctx, cause)
		return
	}
	_ = store.Clear(ctx)
}

// Navigator moves the user to the login screen after the session ends.
type Navigator interface {
	RedirectToLogin(ctx context.Context)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(ctx context.Context)

// RedirectToLogin calls f(ctx).
func (f NavigatorFunc) RedirectToLogin(ctx context.Context) { f(ctx) }

// Doer sends authenticated requests to the portal backend.
// Implementations: gateway.Gateway.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
	JSON(ctx context.Context, method, path string, in, out any) error
}

// Gateway is a Doer that also exposes its refresh and teardown procedures.
type Gateway interface {
	Doer
	Refresher
	SessionEnder
}

// Admitter decides whether the current identity may view a guarded screen.
// Implementations: guard.Guard.
type Admitter interface {
	Admit(ctx context.Context, allowedRoles ...string) Admission
}

// Authenticator logs users in and out.
// Implementations: account.Service.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (*LoginResult, error)
	Logout(ctx context.Context) error
}
