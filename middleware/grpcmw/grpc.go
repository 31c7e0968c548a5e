// Package grpcmw provides gRPC client interceptors that authenticate
// outgoing calls with the portal session.
//
// Use this package for plain gRPC clients. Kratos clients should use
// kratosmw instead, which covers both Kratos HTTP and gRPC transports.
package grpcmw

import (
	"context"

	portal "github.com/chimerakang/portal-go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const authorizationKey = "authorization"

// Option configures interceptor behavior.
type Option func(*config)

type config struct {
	excludedMethods map[string]bool
}

// WithExcludedMethods sets gRPC methods that are sent without credentials.
// Methods should be fully qualified (e.g. "/package.Service/Method").
func WithExcludedMethods(methods ...string) Option {
	return func(cfg *config) {
		for _, m := range methods {
			cfg.excludedMethods[m] = true
		}
	}
}

func newConfig(opts []Option) *config {
	cfg := &config{excludedMethods: make(map[string]bool)}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// UnaryClientInterceptor attaches the stored access token to every unary
// call. An Unauthenticated reply triggers one refresh through refresher and
// a single re-invocation; if the refresh fails the original error is returned.
// An Unauthenticated reply to the re-invocation ends the session (see
// portal.EndSession).
func UnaryClientInterceptor(store portal.SessionStore, refresher portal.Refresher, opts ...Option) grpc.UnaryClientInterceptor {
	cfg := newConfig(opts)

	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, callOpts ...grpc.CallOption) error {
		if cfg.excludedMethods[method] {
			return invoker(ctx, method, req, reply, cc, callOpts...)
		}

		sent := store.Get(ctx).AccessToken
		err := invoker(withBearer(ctx, sent), method, req, reply, cc, callOpts...)
		if status.Code(err) != codes.Unauthenticated || refresher == nil || sent == "" {
			return err
		}

		fresh := store.Get(ctx).AccessToken
		if fresh == "" || fresh == sent {
			var rerr error
			if fresh, rerr = refresher.Refresh(ctx); rerr != nil {
				return err
			}
		}
		err = invoker(withBearer(ctx, fresh), method, req, reply, cc, callOpts...)
		if status.Code(err) == codes.Unauthenticated {
			portal.EndSession(ctx, store, refresher, "retry_rejected")
		}
		return err
	}
}

// StreamClientInterceptor attaches the stored access token when a stream is
// opened. Streams are not replayed.
func StreamClientInterceptor(store portal.SessionStore, opts ...Option) grpc.StreamClientInterceptor {
	cfg := newConfig(opts)

	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, callOpts ...grpc.CallOption) (grpc.ClientStream, error) {
		if !cfg.excludedMethods[method] {
			ctx = withBearer(ctx, store.Get(ctx).AccessToken)
		}
		return streamer(ctx, desc, cc, method, callOpts...)
	}
}

// Kind classifies a gRPC status error in the portal failure taxonomy.
func Kind(err error) portal.Kind {
	if err == nil {
		return portal.KindUnknown
	}
	if k := portal.KindOf(err); k != portal.KindUnknown {
		return k
	}
	switch status.Code(err) {
	case codes.Unauthenticated:
		return portal.KindUnauthorized
	case codes.PermissionDenied:
		return portal.KindForbidden
	case codes.Unavailable, codes.DeadlineExceeded:
		return portal.KindNetwork
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange, codes.NotFound, codes.AlreadyExists:
		return portal.KindValidation
	case codes.Internal, codes.Unknown, codes.DataLoss, codes.Unimplemented:
		return portal.KindServer
	default:
		return portal.KindUnknown
	}
}

// withBearer replaces any outgoing authorization metadata with token.
func withBearer(ctx context.Context, token string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	md.Delete(authorizationKey)
	if token != "" {
		md.Set(authorizationKey, "Bearer "+token)
	}
	return metadata.NewOutgoingContext(ctx, md)
}
