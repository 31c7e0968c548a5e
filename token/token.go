// Package token decodes portal access tokens without verifying their
// signature. Decoded claims are untrusted input: they gate which screens are
// shown, while the backend remains the authority on every API call.
package token

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	portal "github.com/chimerakang/portal-go"
	"github.com/golang-jwt/jwt/v5"
)

// NamespacedRoleClaim is the custom-namespaced role claim key.
const NamespacedRoleClaim = "https://portal.school/claims/role"

// ClaimPath is a sequence of object keys leading to a claim value.
type ClaimPath = []string

// DefaultRolePaths is the ordered list of claim locations searched for the
// role. First match wins; changing the order can change authorization outcomes.
var DefaultRolePaths = []ClaimPath{
	{"role"},
	{"user", "role"},
	{"claims", "role"},
	{NamespacedRoleClaim},
}

// Decoder turns raw tokens into portal.Claims.
type Decoder struct {
	rolePaths []ClaimPath
	parser    *jwt.Parser
}

// NewDecoder creates a decoder searching rolePaths for the role claim.
// A nil or empty rolePaths uses DefaultRolePaths.
func NewDecoder(rolePaths []ClaimPath) *Decoder {
	if len(rolePaths) == 0 {
		rolePaths = DefaultRolePaths
	}
	return &Decoder{rolePaths: rolePaths, parser: jwt.NewParser()}
}

var defaultDecoder = NewDecoder(nil)

// Decode decodes raw with DefaultRolePaths.
func Decode(raw string) (*portal.Claims, error) {
	return defaultDecoder.Decode(raw)
}

// Decode parses raw without signature verification. It fails with
// portal.ErrMalformedToken when the token cannot be parsed or lacks exp.
func (d *Decoder) Decode(raw string) (*portal.Claims, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty token", portal.ErrMalformedToken)
	}

	tok, _, err := d.parser.ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", portal.ErrMalformedToken, err)
	}
	m, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", portal.ErrMalformedToken)
	}

	exp, err := m.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", portal.ErrMalformedToken, err)
	}
	if exp == nil {
		return nil, fmt.Errorf("%w: missing exp", portal.ErrMalformedToken)
	}

	c := &portal.Claims{
		ExpiresAt: exp.Time,
		Role:      d.Role(m),
		Extra:     make(map[string]any),
	}
	if sub, err := m.GetSubject(); err == nil {
		c.Subject = sub
	}
	if iat, err := m.GetIssuedAt(); err == nil && iat != nil {
		c.IssuedAt = iat.Time
	}
	c.UserID = scalarString(m["user_id"])

	standard := map[string]bool{"sub": true, "exp": true, "iat": true, "user_id": true}
	for k, v := range m {
		if !standard[k] {
			c.Extra[k] = v
		}
	}
	return c, nil
}

// Role returns the first string found along the decoder's role paths.
func (d *Decoder) Role(m map[string]any) string {
	for _, path := range d.rolePaths {
		if s, ok := lookup(m, path).(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func lookup(m map[string]any, path []string) any {
	var cur any = m
	for _, seg := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[seg]
	}
	return cur
}

func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	default:
		return ""
	}
}

// ExpiresIn returns the time remaining before c expires at now.
func ExpiresIn(c *portal.Claims, now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}
