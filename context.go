package portal

import "context"

type ctxKey string

const (
	ctxKeyClaims ctxKey = "portal_claims"
	ctxKeyScreen ctxKey = "portal_screen"
)

// WithClaims stores admitted token claims in the context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, ctxKeyClaims, claims)
}

// ClaimsFromContext extracts admitted token claims from the context.
func ClaimsFromContext(ctx context.Context) *Claims {
	v, _ := ctx.Value(ctxKeyClaims).(*Claims)
	return v
}

// WithScreen records the screen being navigated to, for logs and audit events.
func WithScreen(ctx context.Context, screen string) context.Context {
	return context.WithValue(ctx, ctxKeyScreen, screen)
}

// ScreenFromContext returns the screen recorded by WithScreen.
func ScreenFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyScreen).(string)
	return v
}
