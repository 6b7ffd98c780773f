// Package auth resolves callers from bearer tokens and checks role-based
// capabilities.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
)

type Role string

const (
	RoleViewer    Role = "viewer"
	RolePowerUser Role = "power_user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

func (r Role) rank() int {
	switch r {
	case RoleViewer:
		return 1
	case RolePowerUser:
		return 2
	case RoleModerator:
		return 3
	case RoleAdmin:
		return 4
	default:
		return 0
	}
}

func (r Role) Valid() bool { return r.rank() > 0 }

// AtLeast reports whether r ranks at or above min.
func (r Role) AtLeast(min Role) bool { return r.rank() >= min.rank() && r.Valid() }

type Capability string

const (
	JobRead  Capability = "job:read"
	JobWrite Capability = "job:write"
	JobAdmin Capability = "job:admin"
)

func (c Capability) minRole() Role {
	switch c {
	case JobRead:
		return RoleViewer
	case JobWrite:
		return RolePowerUser
	default:
		return RoleAdmin
	}
}

var ErrUnauthenticated = errors.New("unauthenticated")

type ForbiddenError struct {
	Caller     string
	Role       Role
	Capability Capability
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("%s (%s) lacks %s", e.Caller, e.Role, e.Capability)
}

// Caller is an authenticated principal.
type Caller struct {
	Name string
	Role Role
}

// System is the in-process administrator used by the CLI.
var System = &Caller{Name: "system", Role: RoleAdmin}

// Authorize fails with ErrUnauthenticated for a nil caller and
// *ForbiddenError when the caller's role is too low.
func Authorize(c *Caller, capability Capability) error {
	if c == nil {
		return ErrUnauthenticated
	}
	if !c.Role.AtLeast(capability.minRole()) {
		return &ForbiddenError{Caller: c.Name, Role: c.Role, Capability: capability}
	}
	return nil
}

type ctxKey struct{}

func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

func CallerFrom(ctx context.Context) *Caller {
	c, _ := ctx.Value(ctxKey{}).(*Caller)
	return c
}

// Token binds a bearer token to a caller.
type Token struct {
	Name  string
	Role  Role
	Token string
}

// Tokens resolves bearer tokens in constant time per candidate.
type Tokens struct {
	tokens []Token
}

func NewTokens(tokens []Token) (*Tokens, error) {
	out := make([]Token, 0, len(tokens))
	for i, t := range tokens {
		t.Name = strings.TrimSpace(t.Name)
		t.Role = Role(strings.ToLower(strings.TrimSpace(string(t.Role))))
		if t.Name == "" {
			return nil, fmt.Errorf("auth.tokens[%d]: name required", i)
		}
		if !t.Role.Valid() {
			return nil, fmt.Errorf("auth.tokens[%d]: unknown role %q", i, t.Role)
		}
		if len(t.Token) < 8 {
			return nil, fmt.Errorf("auth.tokens[%d]: token too short", i)
		}
		out = append(out, t)
	}
	return &Tokens{tokens: out}, nil
}

// Resolve returns the caller owning token, or nil.
func (ts *Tokens) Resolve(token string) *Caller {
	if ts == nil || token == "" {
		return nil
	}
	var found *Caller
	for _, t := range ts.tokens {
		if subtle.ConstantTimeCompare([]byte(t.Token), []byte(token)) == 1 && found == nil {
			found = &Caller{Name: t.Name, Role: t.Role}
		}
	}
	return found
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
