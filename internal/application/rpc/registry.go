package rpc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/globus/atlas/internal/domain/identity"
)

// Invalidator receives the tags of successful mutating calls
type Invalidator interface {
	Publish(ctx context.Context, tags []string)
}

type nopInvalidator struct{}

func (nopInvalidator) Publish(context.Context, []string) {}

// Registry maps endpoint names to their methods. Endpoints are registered
// at startup, then Seal freezes the mapping; lookups before Seal miss.
type Registry struct {
	bus Invalidator

	mu        sync.Mutex
	endpoints map[string]*Endpoint
	sealed    atomic.Bool
}

// NewRegistry creates an empty registry publishing through bus
func NewRegistry(bus Invalidator) *Registry {
	if bus == nil {
		bus = nopInvalidator{}
	}
	return &Registry{
		bus:       bus,
		endpoints: make(map[string]*Endpoint),
	}
}

// Register adds endpoints. Names must be unique and every method must have
// been built by one of the tier constructors with an action and predicate.
func (r *Registry) Register(eps ...*Endpoint) error {
	if r.sealed.Load() {
		return ErrRegistrySealed
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ep := range eps {
		if ep == nil || ep.Name == "" {
			return fmt.Errorf("%w: endpoint without name", ErrInvalidMethod)
		}
		if _, dup := r.endpoints[ep.Name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateEndpoint, ep.Name)
		}
		for name, m := range ep.Methods {
			if m == nil || m.action == nil || m.allow == nil || m.tier == TierInternal {
				return fmt.Errorf("%w: %s/%s", ErrInvalidMethod, ep.Name, name)
			}
		}
		for name, m := range ep.Internal {
			if m == nil || m.action == nil {
				return fmt.Errorf("%w: %s.%s", ErrInvalidMethod, ep.Name, name)
			}
		}
		r.endpoints[ep.Name] = ep
	}
	return nil
}

// MustRegister is Register for composition roots
func (r *Registry) MustRegister(eps ...*Endpoint) *Registry {
	if err := r.Register(eps...); err != nil {
		panic(err)
	}
	return r
}

// Seal freezes the registry
func (r *Registry) Seal() *Registry {
	r.sealed.Store(true)
	return r
}

// Sealed reports whether Seal was called
func (r *Registry) Sealed() bool {
	return r.sealed.Load()
}

// Lookup resolves a public method. Internal members are never returned.
func (r *Registry) Lookup(endpoint, method string) (*Method, bool) {
	if !r.sealed.Load() {
		return nil, false
	}
	ep, ok := r.endpoints[endpoint]
	if !ok {
		return nil, false
	}
	m, ok := ep.Methods[method]
	return m, ok && m != nil
}

// Names lists registered endpoints
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call runs a member in-process, bypassing access control, and publishes
// its tags on success. Internal members shadow public methods of the same
// name. A public method answering with a failed advanced response publishes
// nothing.
func (r *Registry) Call(ctx context.Context, endpoint, member string, p Payload, caller identity.Identity) (any, error) {
	action, tags, ok := r.member(endpoint, member)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrInternalNotFound, endpoint, member)
	}
	if caller == nil {
		caller = identity.Anonymous
	}
	out, err := action(ctx, p, caller)
	if err != nil {
		return nil, err
	}
	if resp, isResp := out.(*Response); isResp && resp.Failed() {
		return out, nil
	}
	r.publish(ctx, tags)
	return out, nil
}

func (r *Registry) member(endpoint, name string) (Action, []string, bool) {
	if !r.sealed.Load() {
		return nil, nil, false
	}
	ep, ok := r.endpoints[endpoint]
	if !ok {
		return nil, nil, false
	}
	if m, ok := ep.Internal[name]; ok && m != nil {
		return m.action, m.tags, true
	}
	if m, ok := ep.Methods[name]; ok && m != nil {
		return m.action, m.tags, true
	}
	return nil, nil, false
}

// CallAs is Call with a typed input and result
func CallAs[T any](ctx context.Context, r *Registry, endpoint, member string, in any, caller identity.Identity) (T, error) {
	var zero T
	p, err := PayloadOf(in)
	if err != nil {
		return zero, err
	}
	out, err := r.Call(ctx, endpoint, member, p, caller)
	if err != nil {
		return zero, err
	}
	if out == nil {
		return zero, nil
	}
	typed, ok := out.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s.%s returned %T", ErrUnexpectedResult, endpoint, member, out)
	}
	return typed, nil
}

func (r *Registry) publish(ctx context.Context, tags []string) {
	if len(tags) == 0 {
		return
	}
	r.bus.Publish(ctx, append([]string(nil), tags...))
}
