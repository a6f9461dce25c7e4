// Package identity models who is calling: a staff member holding access
// grants, a customer identified by their lead, or nobody.
package identity

// Kind discriminates the Identity variants
type Kind int

const (
	KindAnonymous Kind = iota
	KindStaff
	KindCustomer
)

// String returns the room-style name of the kind
func (k Kind) String() string {
	switch k {
	case KindStaff:
		return "staff"
	case KindCustomer:
		return "customer"
	default:
		return "anonymous"
	}
}

// Identity is the resolved caller of a request. The concrete types are
// *Staff, *Customer and Anonymous.
type Identity interface {
	Kind() Kind
	// Subject is the login for staff, the lead id for customers and "" otherwise.
	Subject() string
}

// Staff is an authenticated employee
type Staff struct {
	Login   string `json:"login"`
	Name    string `json:"name,omitempty"`
	Session string `json:"session,omitempty"`
	Grants  Grants `json:"access"`
}

// Kind implements Identity
func (s *Staff) Kind() Kind { return KindStaff }

// Subject implements Identity
func (s *Staff) Subject() string { return s.Login }

// Can reports whether the staff member holds the grant.
// Safe on a nil receiver.
func (s *Staff) Can(g Grant) bool {
	if s == nil {
		return false
	}
	return s.Grants.Has(g)
}

// Customer is a lead authenticated by its own id
type Customer struct {
	LeadID      string   `json:"_id"`
	Responsible string   `json:"responsible,omitempty"`
	Contacts    []string `json:"contacts"`
}

// Kind implements Identity
func (c *Customer) Kind() Kind { return KindCustomer }

// Subject implements Identity
func (c *Customer) Subject() string { return c.LeadID }

type anonymous struct{}

func (anonymous) Kind() Kind      { return KindAnonymous }
func (anonymous) Subject() string { return "" }

// Anonymous is the identity of an unauthenticated caller
var Anonymous Identity = anonymous{}

// AsStaff returns the staff variant or nil
func AsStaff(id Identity) *Staff {
	s, _ := id.(*Staff)
	return s
}

// AsCustomer returns the customer variant or nil
func AsCustomer(id Identity) *Customer {
	c, _ := id.(*Customer)
	return c
}

// IsAnonymous reports whether id carries no resolved caller
func IsAnonymous(id Identity) bool {
	return id == nil || id.Kind() == KindAnonymous
}

// Describe renders the caller for audit lines
func Describe(id Identity) string {
	if IsAnonymous(id) {
		return "anonymous"
	}
	return id.Kind().String() + ":" + id.Subject()
}
