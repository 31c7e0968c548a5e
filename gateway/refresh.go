package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	portal "github.com/chimerakang/portal-go"
	"github.com/chimerakang/portal-go/audit"
)

// refreshResponse is the raw JSON response from the refresh endpoint.
type refreshResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Refresh exchanges the stored refresh token for a new access token and
// stores it. Concurrent callers share one in-flight refresh call.
//
// On any failure (no refresh token, network error, non-2xx, empty access
// token) the session is cleared and the user is sent to the login screen
// before the error is returned.
func (g *Gateway) Refresh(ctx context.Context) (string, error) {
	return g.refreshAfter(ctx, "")
}

// refreshAfter refreshes unless the stored access token already differs from
// stale, in which case another caller has refreshed and that token is reused.
// An empty stale always refreshes.
func (g *Gateway) refreshAfter(ctx context.Context, stale string) (string, error) {
	// singleflight prevents thundering herd; the shared call outlives any
	// single caller's cancellation.
	shared := context.WithoutCancel(ctx)
	result, err, _ := g.sf.Do("refresh", func() (interface{}, error) {
		if stale != "" {
			if cur := g.store.Get(shared).AccessToken; cur != "" && cur != stale {
				return cur, nil
			}
		}
		return g.refresh(shared)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (g *Gateway) refresh(ctx context.Context) (string, error) {
	rt := g.store.Get(ctx).RefreshToken
	if rt == "" {
		g.teardown(ctx, "refresh_unavailable", portal.ErrRefreshUnavailable)
		return "", portal.ErrRefreshUnavailable
	}

	start := time.Now()
	access, refresh, err := g.exchange(ctx, rt)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		g.metrics.RecordRefresh("failure", elapsed)
		g.audit.LogContext(ctx, audit.Event{
			Action: audit.ActionRefresh,
			Result: audit.ResultFailure,
			Error:  err.Error(),
		})
		g.logger.Warn("token refresh failed", "error", err)
		g.teardown(ctx, "refresh_failed", err)
		return "", err
	}

	p := portal.Patch{AccessToken: portal.String(access)}
	if g.rotate && refresh != "" {
		p.RefreshToken = portal.String(refresh)
	}
	if err := g.store.Set(ctx, p); err != nil {
		// The in-memory session already holds the new token.
		g.logger.Warn("refreshed token not persisted", "error", err)
	}
	g.setDefault("Authorization", "Bearer "+access)

	g.metrics.RecordRefresh("success", elapsed)
	g.audit.LogContext(ctx, audit.Event{
		Action: audit.ActionRefresh,
		Result: audit.ResultSuccess,
		UserID: g.store.Get(ctx).UserID,
	})
	g.logger.Info("access token refreshed", "rotated", p.RefreshToken != nil)
	return access, nil
}

// exchange posts the refresh token directly, bypassing Do so that a 401 from
// the refresh endpoint can never trigger another refresh.
func (g *Gateway) exchange(ctx context.Context, refreshToken string) (access, refresh string, err error) {
	body, err := json.Marshal(map[string]string{"refresh": refreshToken})
	if err != nil {
		return "", "", fmt.Errorf("portal/gateway: encode refresh request: %w", err)
	}

	req, err := g.NewRequest(ctx, http.MethodPost, g.refreshPath, bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := g.send(req)
	if err != nil {
		return "", "", err
	}
	defer func() { _ = resp.Body.Close() }()

	var out refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", fmt.Errorf("portal/gateway: decode refresh response: %w", err)
	}
	if out.Access == "" {
		return "", "", fmt.Errorf("portal/gateway: empty access token in refresh response")
	}
	return out.Access, out.Refresh, nil
}

// EndSession tears the session down on behalf of a caller whose replayed
// request was rejected again.
func (g *Gateway) EndSession(ctx context.Context, cause string) {
	g.teardown(ctx, cause, nil)
}

// teardown clears the session and redirects to the login screen.
func (g *Gateway) teardown(ctx context.Context, cause string, err error) {
	userID := g.store.Get(ctx).UserID
	if cerr := g.store.Clear(ctx); cerr != nil {
		g.logger.Error("session clear failed", "error", cerr)
	}
	g.setDefault("Authorization", "")

	g.metrics.RecordTeardown(cause)
	ev := audit.Event{
		Action: audit.ActionTeardown,
		Result: audit.ResultFailure,
		Reason: cause,
		UserID: userID,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	g.audit.LogContext(ctx, ev)
	g.logger.Warn("session torn down", "cause", cause)

	g.navigator.RedirectToLogin(ctx)
}
