// Package session provides the portal.SessionStore implementation.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	portal "github.com/chimerakang/portal-go"
)

// Persisted storage keys. Each value is JSON-encoded on its own.
const (
	KeyUserID       = "USER_ID"
	KeyAccessToken  = "ACCESS_TOKEN"
	KeyRefreshToken = "REFRESH_TOKEN"
)

// Store implements portal.SessionStore over a portal.Storage. The in-memory
// session is hydrated once and every mutation writes through synchronously.
type Store struct {
	storage portal.Storage
	logger  *slog.Logger

	mu      sync.Mutex
	loaded  bool
	current portal.Session
}

// compile-time check
var _ portal.SessionStore = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger used for hydration and write failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a session store over the given storage.
func New(storage portal.Storage, opts ...Option) *Store {
	s := &Store{storage: storage, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the current session.
func (s *Store) Get(ctx context.Context) portal.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hydrate(ctx)
	return s.current
}

// IsAuthenticated reports whether the session holds an access token.
func (s *Store) IsAuthenticated(ctx context.Context) bool {
	return s.Get(ctx).Authenticated()
}

// Set merges p into the session and persists the full result. The in-memory
// session is updated even if persisting fails.
func (s *Store) Set(ctx context.Context, p portal.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hydrate(ctx)

	s.current = p.Apply(s.current)
	if err := s.persist(ctx, s.current); err != nil {
		s.logger.Error("session write failed", "error", err)
		return err
	}
	return nil
}

// Clear empties the session and removes every persisted entry. Clearing an
// empty session is a no-op beyond the storage deletes.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loaded = true
	s.current = portal.Session{}
	if err := s.persist(ctx, s.current); err != nil {
		s.logger.Error("session clear failed", "error", err)
		return err
	}
	return nil
}

func (s *Store) hydrate(ctx context.Context) {
	if s.loaded {
		return
	}
	s.loaded = true

	sess, err := s.read(ctx)
	if err != nil {
		s.logger.Warn("discarding persisted session", "error", err)
		return
	}
	s.current = sess
}

func (s *Store) read(ctx context.Context) (portal.Session, error) {
	var sess portal.Session
	var err error
	if sess.UserID, err = s.readUserID(ctx); err != nil {
		return portal.Session{}, err
	}
	if sess.AccessToken, err = s.readString(ctx, KeyAccessToken); err != nil {
		return portal.Session{}, err
	}
	if sess.RefreshToken, err = s.readString(ctx, KeyRefreshToken); err != nil {
		return portal.Session{}, err
	}
	return sess, nil
}

func (s *Store) readString(ctx context.Context, key string) (string, error) {
	raw, ok, err := s.storage.Get(ctx, key)
	if err != nil || !ok {
		return "", err
	}
	var v *string
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return "", fmt.Errorf("portal/session: %s: %w", key, err)
	}
	if v == nil {
		return "", nil
	}
	return *v, nil
}

// readUserID accepts a JSON string or number, since backends issue either.
func (s *Store) readUserID(ctx context.Context) (string, error) {
	raw, ok, err := s.storage.Get(ctx, KeyUserID)
	if err != nil || !ok {
		return "", err
	}
	var v any
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("portal/session: %s: %w", KeyUserID, err)
	}
	switch id := v.(type) {
	case nil:
		return "", nil
	case string:
		return id, nil
	case json.Number:
		return id.String(), nil
	default:
		return "", fmt.Errorf("portal/session: %s: unexpected %T", KeyUserID, v)
	}
}

func (s *Store) persist(ctx context.Context, sess portal.Session) error {
	var errs []error
	for _, e := range []struct{ key, value string }{
		{KeyUserID, sess.UserID},
		{KeyAccessToken, sess.AccessToken},
		{KeyRefreshToken, sess.RefreshToken},
	} {
		if err := s.write(ctx, e.key, e.value); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) write(ctx context.Context, key, value string) error {
	if value == "" {
		if err := s.storage.Delete(ctx, key); err != nil {
			return fmt.Errorf("portal/session: delete %s: %w", key, err)
		}
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("portal/session: encode %s: %w", key, err)
	}
	if err := s.storage.Set(ctx, key, string(raw)); err != nil {
		return fmt.Errorf("portal/session: set %s: %w", key, err)
	}
	return nil
}
