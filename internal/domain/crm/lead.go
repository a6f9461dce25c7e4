package crm

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Contact is a person attached to a lead
type Contact struct {
	ID       string      `json:"_id"`
	Name     string      `json:"name,omitempty"`
	Phone    PhoneNumber `json:"phone,omitempty"`
	WhatsApp PhoneNumber `json:"whatsapp,omitempty"`
	Email    string      `json:"email,omitempty"`
}

// Lead is a prospective or active customer moving through pipeline stages
type Lead struct {
	ID               string          `json:"_id"`
	StatusID         int             `json:"status_id"`
	Responsible      string          `json:"responsible"`
	Managers         []string        `json:"managers,omitempty"`
	Contacts         []Contact       `json:"contacts"`
	ContactName      string          `json:"contact_name,omitempty"`
	Country          string          `json:"country,omitempty"`
	City             string          `json:"city,omitempty"`
	Phone            PhoneNumber     `json:"phone,omitempty"`
	WhatsApp         PhoneNumber     `json:"whatsapp,omitempty"`
	Price            decimal.Decimal `json:"price"`
	DoNotDisturbTill *time.Time      `json:"doNotDisturbTill,omitempty"`
	// Dates holds business milestones (arrivalDate, orderDate, ...) that
	// scheduling rules may anchor to.
	Dates     map[string]time.Time `json:"dates,omitempty"`
	Extra     map[string]any       `json:"extra,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
	DeletedAt *time.Time           `json:"deleted_at,omitempty"`
}

// DateField returns a named timestamp of the lead. The built-in
// created_at, updated_at and doNotDisturbTill are checked before Dates.
func (l *Lead) DateField(name string) (time.Time, bool) {
	switch name {
	case "created_at":
		return l.CreatedAt, !l.CreatedAt.IsZero()
	case "updated_at":
		return l.UpdatedAt, !l.UpdatedAt.IsZero()
	case "doNotDisturbTill":
		if l.DoNotDisturbTill == nil {
			return time.Time{}, false
		}
		return *l.DoNotDisturbTill, true
	}
	t, ok := l.Dates[name]
	if !ok || t.IsZero() {
		return time.Time{}, false
	}
	return t, true
}

// Number returns the phone number used to reach the lead, preferring phone
// over whatsapp.
func (l *Lead) Number() PhoneNumber {
	if l.Phone != "" {
		return l.Phone
	}
	return l.WhatsApp
}

// HasManager reports whether login manages the lead
func (l *Lead) HasManager(login string) bool {
	for _, m := range l.Managers {
		if m == login {
			return true
		}
	}
	return false
}

// ContactIDs lists the ids of the lead's contacts
func (l *Lead) ContactIDs() []string {
	ids := make([]string, 0, len(l.Contacts))
	for _, c := range l.Contacts {
		ids = append(ids, c.ID)
	}
	return ids
}

var titleCaser = cases.Title(language.Und)

// DisplayName renders "Contact Name Country City" for notifications and logs
func (l *Lead) DisplayName() string {
	name := "Incognito"
	if l.ContactName != "" {
		name = titleCaser.String(strings.ToLower(l.ContactName))
	}
	parts := []string{name}
	if l.Country != "" {
		parts = append(parts, l.Country)
	}
	if l.City != "" {
		parts = append(parts, l.City)
	}
	return strings.Join(parts, " ")
}

// RateClient maps a lead's deal size to the bonus level of its tasks.
// Thresholds are 90% of 50k, 100k and 200k dollars in local currency.
func RateClient(price decimal.Decimal, dollarRate float64) int {
	base := decimal.NewFromFloat(0.9).Mul(decimal.NewFromFloat(dollarRate))
	switch {
	case price.GreaterThan(base.Mul(decimal.NewFromInt(200000))):
		return 3
	case price.GreaterThan(base.Mul(decimal.NewFromInt(100000))):
		return 2
	case price.GreaterThan(base.Mul(decimal.NewFromInt(50000))):
		return 1
	default:
		return 0
	}
}

// LeadFilter narrows lead queries
type LeadFilter struct {
	StatusIDs []int
	// Manager restricts results to leads managed by this login
	Manager string
	Limit   int
	Offset  int
	// OrderBy and OrderDir sort the result; unknown columns fall back to
	// newest first.
	OrderBy  string
	OrderDir string
}
