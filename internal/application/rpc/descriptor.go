package rpc

import (
	"context"

	"github.com/globus/atlas/internal/domain/identity"
)

// Tier is the trust level a method is exposed at
type Tier int

// TierInternal is the zero value so a hand-built Method that skipped the
// constructors is refused by the dispatcher.
const (
	TierInternal Tier = iota
	TierOpen
	TierStaff
	TierCustomer
)

// String implements fmt.Stringer
func (t Tier) String() string {
	switch t {
	case TierOpen:
		return "open"
	case TierStaff:
		return "staff"
	case TierCustomer:
		return "customer"
	default:
		return "internal"
	}
}

// Action is the business operation behind a method
type Action func(ctx context.Context, p Payload, caller identity.Identity) (any, error)

// StaffPredicate decides whether a staff member may call a method
type StaffPredicate func(staff *identity.Staff, p Payload) bool

// CustomerPredicate decides whether a customer may call a method
type CustomerPredicate func(customer *identity.Customer, p Payload) bool

// Method is a public, access-controlled action. Build it with Open,
// StaffProtected or CustomerProtected; it is immutable afterwards.
type Method struct {
	tier   Tier
	allow  func(identity.Identity, Payload) bool
	action Action
	tags   []string
}

// Tier returns the trust tier
func (m *Method) Tier() Tier { return m.tier }

// Tags returns the invalidation tags published after a successful call
func (m *Method) Tags() []string { return append([]string(nil), m.tags...) }

// Allows evaluates the access predicate
func (m *Method) Allows(caller identity.Identity, p Payload) bool {
	if m.allow == nil {
		return false
	}
	return m.allow(caller, p)
}

// Open exposes action to every caller including anonymous ones
func Open(action Action, tags ...string) *Method {
	return &Method{
		tier:   TierOpen,
		allow:  func(identity.Identity, Payload) bool { return true },
		action: action,
		tags:   tags,
	}
}

// StaffProtected exposes action to staff members the predicate accepts
func StaffProtected(pred StaffPredicate, action Action, tags ...string) *Method {
	m := &Method{tier: TierStaff, action: action, tags: tags}
	if pred != nil {
		m.allow = func(caller identity.Identity, p Payload) bool {
			staff := identity.AsStaff(caller)
			return staff != nil && pred(staff, p)
		}
	}
	return m
}

// CustomerProtected exposes action to resolved customers the predicate accepts
func CustomerProtected(pred CustomerPredicate, action Action, tags ...string) *Method {
	m := &Method{tier: TierCustomer, action: action, tags: tags}
	if pred != nil {
		m.allow = func(caller identity.Identity, p Payload) bool {
			customer := identity.AsCustomer(caller)
			return customer != nil && pred(customer, p)
		}
	}
	return m
}

// Requires is the common staff predicate: the caller holds grant g
func Requires(g identity.Grant) StaffPredicate {
	return func(staff *identity.Staff, _ Payload) bool {
		return staff.Can(g)
	}
}

// AnyStaff accepts every authenticated staff member
func AnyStaff() StaffPredicate {
	return func(*identity.Staff, Payload) bool { return true }
}

// AnyCustomer accepts every resolved customer
func AnyCustomer() CustomerPredicate {
	return func(*identity.Customer, Payload) bool { return true }
}

// InternalMember is an unrestricted in-process operation. It is only
// reachable through Registry.Call.
type InternalMember struct {
	action Action
	tags   []string
}

// Internal wraps an action for service-to-service use
func Internal(action Action, tags ...string) *InternalMember {
	return &InternalMember{action: action, tags: tags}
}

// Endpoint groups the public methods and internal members of one business area
type Endpoint struct {
	Name     string
	Methods  map[string]*Method
	Internal map[string]*InternalMember
}
