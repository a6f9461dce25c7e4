package rpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/globus/atlas/internal/domain/crm"
	"github.com/globus/atlas/internal/domain/identity"
	"golang.org/x/sync/singleflight"
)

// StaffSessionLength is the length of a staff session token
const StaffSessionLength = 64

// UserSource looks up the staff member behind a live session token.
// A miss is (nil, nil).
type UserSource interface {
	GetUser(ctx context.Context, token string) (*identity.Staff, error)
}

// ClientSource looks up the customer behind a lead id. A miss is (nil, nil).
type ClientSource interface {
	CheckClient(ctx context.Context, leadID string) (*identity.Customer, error)
}

// Resolver maps a credential to an identity
type Resolver interface {
	Resolve(ctx context.Context, credential string) (identity.Identity, error)
}

// CredentialKind classifies a credential by shape only
func CredentialKind(credential string) identity.Kind {
	switch {
	case len(credential) == StaffSessionLength:
		return identity.KindStaff
	case crm.IsObjectID(credential):
		return identity.KindCustomer
	default:
		return identity.KindAnonymous
	}
}

// SessionResolver resolves credentials against storage on every call
type SessionResolver struct {
	users   UserSource
	clients ClientSource
}

var _ Resolver = (*SessionResolver)(nil)

// NewSessionResolver creates a stateless resolver
func NewSessionResolver(users UserSource, clients ClientSource) *SessionResolver {
	return &SessionResolver{users: users, clients: clients}
}

// Resolve implements Resolver. Storage errors are returned, never mapped
// to Anonymous.
func (r *SessionResolver) Resolve(ctx context.Context, credential string) (identity.Identity, error) {
	switch CredentialKind(credential) {
	case identity.KindStaff:
		staff, err := r.users.GetUser(ctx, credential)
		if err != nil {
			return nil, fmt.Errorf("resolve staff session: %w", err)
		}
		if staff == nil {
			return identity.Anonymous, nil
		}
		return staff, nil
	case identity.KindCustomer:
		customer, err := r.clients.CheckClient(ctx, credential)
		if err != nil {
			return nil, fmt.Errorf("resolve customer: %w", err)
		}
		if customer == nil {
			return identity.Anonymous, nil
		}
		return customer, nil
	default:
		return identity.Anonymous, nil
	}
}

// ConnectionResolver memoizes resolutions for the lifetime of one realtime
// connection. Concurrent lookups of one credential share a single storage
// call. Misses and errors are not remembered so a later login on the same
// connection is picked up.
type ConnectionResolver struct {
	base Resolver

	mu    sync.RWMutex
	known map[string]identity.Identity
	group singleflight.Group
}

var _ Resolver = (*ConnectionResolver)(nil)

// NewConnectionResolver wraps base with a per-connection memo
func NewConnectionResolver(base Resolver) *ConnectionResolver {
	return &ConnectionResolver{base: base, known: make(map[string]identity.Identity)}
}

// Resolve implements Resolver
func (c *ConnectionResolver) Resolve(ctx context.Context, credential string) (identity.Identity, error) {
	if CredentialKind(credential) == identity.KindAnonymous {
		return identity.Anonymous, nil
	}

	c.mu.RLock()
	id, ok := c.known[credential]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}

	v, err, _ := c.group.Do(credential, func() (any, error) {
		id, err := c.base.Resolve(ctx, credential)
		if err != nil {
			return nil, err
		}
		if !identity.IsAnonymous(id) {
			c.mu.Lock()
			c.known[credential] = id
			c.mu.Unlock()
		}
		return id, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(identity.Identity), nil
}

// Forget drops a memoized credential, e.g. after logout
func (c *ConnectionResolver) Forget(credential string) {
	c.mu.Lock()
	delete(c.known, credential)
	c.mu.Unlock()
}
