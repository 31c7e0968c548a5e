// Package kratosmw provides Kratos client middleware that authenticates
// outgoing calls with the portal session.
//
// The middleware works with both Kratos HTTP and gRPC client transports.
package kratosmw

import (
	"context"

	portal "github.com/chimerakang/portal-go"
	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
)

// Client returns Kratos client-side middleware that attaches the stored
// access token as a Bearer credential. A kratos Unauthorized reply triggers
// one refresh through refresher and a single re-invocation; if the refresh
// fails the original error is returned. An Unauthorized reply to the
// re-invocation ends the session (see portal.EndSession).
func Client(store portal.SessionStore, refresher portal.Refresher) middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			tr, ok := transport.FromClientContext(ctx)
			if !ok {
				return handler(ctx, req)
			}

			sent := store.Get(ctx).AccessToken
			if sent != "" {
				tr.RequestHeader().Set("Authorization", "Bearer "+sent)
			}

			reply, err := handler(ctx, req)
			if !errors.IsUnauthorized(err) || refresher == nil || sent == "" {
				return reply, err
			}

			fresh := store.Get(ctx).AccessToken
			if fresh == "" || fresh == sent {
				var rerr error
				if fresh, rerr = refresher.Refresh(ctx); rerr != nil {
					return nil, err
				}
			}
			tr.RequestHeader().Set("Authorization", "Bearer "+fresh)
			reply, err = handler(ctx, req)
			if errors.IsUnauthorized(err) {
				portal.EndSession(ctx, store, refresher, "retry_rejected")
			}
			return reply, err
		}
	}
}

// Kind classifies a Kratos error in the portal failure taxonomy.
func Kind(err error) portal.Kind {
	if err == nil {
		return portal.KindUnknown
	}
	if k := portal.KindOf(err); k != portal.KindUnknown {
		return k
	}
	var se *errors.Error
	if !errors.As(err, &se) {
		return portal.KindUnknown
	}
	switch code := int(se.Code); {
	case code == 401:
		return portal.KindUnauthorized
	case code == 403:
		return portal.KindForbidden
	case code >= 500:
		return portal.KindServer
	case code >= 400:
		return portal.KindValidation
	default:
		return portal.KindUnknown
	}
}
