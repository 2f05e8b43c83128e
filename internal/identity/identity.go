// Package identity is the boundary to the identity provider. Provider error
// codes are translated into tagged *Error values here and nowhere else.
package identity

import (
	"context"
)

// Principal is the authenticated identity.
type Principal struct {
	UID         string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

func (p *Principal) clone() *Principal {
	if p == nil {
		return nil
	}
	out := *p
	return &out
}

// Persistence controls how long a signed-in principal survives.
type Persistence string

const (
	PersistenceLocal   Persistence = "local"
	PersistenceSession Persistence = "session"
	PersistenceNone    Persistence = "none"
)

// Provider is the identity provider consumed by the session synchronizer.
type Provider interface {
	CreateAccount(ctx context.Context, email, password string) (*Principal, error)
	Authenticate(ctx context.Context, email, password string) (*Principal, error)
	AuthenticateFederated(ctx context.Context, flow Flow) (*Principal, error)
	UpdateDisplayName(ctx context.Context, name string) error
	SignOut(ctx context.Context) error
	// Observe registers fn for principal changes and calls it once with the
	// current principal. The returned func unsubscribes.
	Observe(fn func(*Principal)) func()
	RefreshToken(ctx context.Context, force bool) (string, error)
	SetPersistence(ctx context.Context, mode Persistence) error
	Current() *Principal
}
