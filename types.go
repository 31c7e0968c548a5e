package portal

import "time"

// Role names issued by the portal backend.
const (
	RoleAdmin   = "Admin"
	RoleTeacher = "Teacher"
	RoleStudent = "Student"
)

// Session is the authenticated identity held by the client.
// An empty string means the field is absent.
type Session struct {
	UserID       string
	AccessToken  string
	RefreshToken string
}

// Authenticated reports whether the session carries an access token.
func (s Session) Authenticated() bool { return s.AccessToken != "" }

// Patch is a partial session update. A nil field is left unchanged; a field
// pointing at the empty string is cleared and its persisted entry removed.
type Patch struct {
	UserID       *string
	AccessToken  *string
	RefreshToken *string
}

// String returns a Patch field that sets the value s.
func String(s string) *string { return &s }

// Null returns a Patch field that clears the value.
func Null() *string { return String("") }

// Apply merges p into s and returns the result.
func (p Patch) Apply(s Session) Session {
	if p.UserID != nil {
		s.UserID = *p.UserID
	}
	if p.AccessToken != nil {
		s.AccessToken = *p.AccessToken
	}
	if p.RefreshToken != nil {
		s.RefreshToken = *p.RefreshToken
	}
	return s
}

// Claims is the decoded, unverified payload of an access token.
// It is recomputed on demand and never persisted.
type Claims struct {
	Subject   string
	UserID    string
	Role      string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Extra     map[string]any
}

// Expired reports whether the token has expired at now, at seconds granularity.
func (c *Claims) Expired(now time.Time) bool {
	return now.Unix() >= c.ExpiresAt.Unix()
}

// Decision is the state of a route admission check.
type Decision int

const (
	Pending Decision = iota
	Granted
	Denied
)

func (d Decision) String() string {
	switch d {
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	default:
		return "pending"
	}
}

// Reasons attached to an Admission.
const (
	ReasonGranted       = "granted"
	ReasonNoToken       = "no_token"
	ReasonMalformed     = "malformed_token"
	ReasonRefreshFailed = "refresh_failed"
	ReasonRoleMismatch  = "role_mismatch"
)

// Admission is the terminal outcome of a route admission check.
type Admission struct {
	Decision Decision
	Reason   string
	// Claims is set when Decision is Granted.
	Claims *Claims
}

// User is the identity returned by the login endpoint.
type User struct {
	ID   string
	Role string
}

// LoginResult is returned after a successful login.
type LoginResult struct {
	User User
	// Landing is the screen the user should be sent to after login.
	Landing string
}
