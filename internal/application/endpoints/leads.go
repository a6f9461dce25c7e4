package endpoints

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/globus/atlas/internal/application/rpc"
	"github.com/globus/atlas/internal/domain/crm"
	"github.com/globus/atlas/internal/domain/identity"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// LeadService serves the leads endpoint and resolves customer credentials
type LeadService struct {
	deps    Deps
	journal journal
}

var _ rpc.ClientSource = (*LeadService)(nil)

// Endpoint describes the leads endpoint
func (s *LeadService) Endpoint() *rpc.Endpoint {
	return &rpc.Endpoint{
		Name: "leads",
		Methods: map[string]*rpc.Method{
			"add":         rpc.StaffProtected(rpc.Requires(identity.LeadsCanAddLeads), s.add, TagLeads),
			"get":         rpc.StaffProtected(rpc.Requires(identity.LeadsCanSeeLeads), s.get),
			"change":      rpc.StaffProtected(rpc.Requires(identity.LeadsCanEditLeads), s.change, TagLeads),
			"delete":      rpc.StaffProtected(rpc.Requires(identity.LeadsCanDeleteLeads), s.delete, TagLeads),
			"getContacts": rpc.CustomerProtected(rpc.AnyCustomer(), s.getContacts),
		},
		Internal: map[string]*rpc.InternalMember{
			"add":         rpc.Internal(s.add, TagLeads),
			"change":      rpc.Internal(s.changeUnchecked, TagLeads),
			"checkClient": rpc.Internal(s.checkClient),
		},
	}
}

// CheckClient implements rpc.ClientSource
func (s *LeadService) CheckClient(ctx context.Context, leadID string) (*identity.Customer, error) {
	if !crm.IsObjectID(leadID) {
		return nil, nil
	}
	lead, err := s.deps.Leads.FindByID(ctx, leadID)
	if err != nil || lead == nil {
		return nil, err
	}
	return &identity.Customer{
		LeadID:      lead.ID,
		Responsible: lead.Responsible,
		Contacts:    lead.ContactIDs(),
	}, nil
}

func (s *LeadService) checkClient(ctx context.Context, p rpc.Payload, _ identity.Identity) (any, error) {
	var in struct {
		ID string `json:"_id"`
	}
	if err := p.Decode(&in); err != nil {
		return nil, err
	}
	return s.CheckClient(ctx, in.ID)
}

// newLead is the input of leads.add. Unset status and responsible take
// the configured defaults.
type newLead struct {
	StatusID         int                  `json:"status_id" validate:"gte=0"`
	Responsible      string               `json:"responsible"`
	Managers         []string             `json:"managers"`
	Contacts         []crm.Contact        `json:"contacts"`
	ContactName      string               `json:"contact_name"`
	Country          string               `json:"country"`
	City             string               `json:"city"`
	Phone            crm.PhoneNumber      `json:"phone"`
	WhatsApp         crm.PhoneNumber      `json:"whatsapp"`
	Price            decimal.Decimal      `json:"price"`
	DoNotDisturbTill *time.Time           `json:"doNotDisturbTill"`
	Dates            map[string]time.Time `json:"dates"`
	Extra            map[string]any       `json:"extra"`
}

func (s *LeadService) add(ctx context.Context, p rpc.Payload, caller identity.Identity) (any, error) {
	var in newLead
	if err := p.Decode(&in); err != nil {
		return nil, err
	}
	if in.StatusID == 0 {
		in.StatusID = s.deps.Business.DefaultLeadStatus
	}
	if in.Responsible == "" {
		in.Responsible = s.deps.Business.DefaultResponsible
	}

	now := s.deps.Now()
	lead := &crm.Lead{
		ID:               crm.NewObjectID(),
		StatusID:         in.StatusID,
		Responsible:      in.Responsible,
		Managers:         in.Managers,
		Contacts:         withContactIDs(in.Contacts),
		ContactName:      in.ContactName,
		Country:          in.Country,
		City:             in.City,
		Phone:            in.Phone,
		WhatsApp:         in.WhatsApp,
		Price:            in.Price,
		DoNotDisturbTill: in.DoNotDisturbTill,
		Dates:            in.Dates,
		Extra:            in.Extra,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.deps.Leads.Create(ctx, lead); err != nil {
		return nil, fmt.Errorf("create lead: %w", err)
	}

	s.journal.record(ctx, crm.LogEntry{
		Type:   "lead",
		Event:  "add",
		Ref:    lead.ID,
		Author: author(caller),
	})
	return lead, nil
}

// withContactIDs gives every contact without an id a fresh one
func withContactIDs(contacts []crm.Contact) []crm.Contact {
	out := make([]crm.Contact, len(contacts))
	for i, c := range contacts {
		if c.ID == "" {
			c.ID = crm.NewObjectID()
		}
		out[i] = c
	}
	return out
}

func (s *LeadService) get(ctx context.Context, p rpc.Payload, caller identity.Identity) (any, error) {
	var in struct {
		paging
		ID     string `json:"_id"`
		Status []int  `json:"status"`
	}
	if err := p.Decode(&in); err != nil {
		return nil, err
	}

	staff := identity.AsStaff(caller)
	if in.ID != "" {
		lead, err := s.deps.Leads.FindByID(ctx, in.ID)
		if err != nil || lead == nil {
			return nil, err
		}
		if !staff.Can(identity.LeadsCanSeeAllLeads) && lead.Responsible != staff.Login && !lead.HasManager(staff.Login) {
			return nil, nil
		}
		return lead, nil
	}

	filter := crm.LeadFilter{
		StatusIDs: in.Status,
		Limit:     in.Limit,
		Offset:    in.Skip,
		OrderBy:   in.Sort,
		OrderDir:  in.Order,
	}
	if !staff.Can(identity.LeadsCanSeeAllLeads) {
		filter.Manager = staff.Login
	}
	return s.deps.Leads.FindAll(ctx, filter)
}

// leadChange is the input of leads.change: one field set to a new value
type leadChange struct {
	Lead  string          `json:"lead" validate:"required"`
	Key   string          `json:"key" validate:"required"`
	Value json.RawMessage `json:"value"`
}

// leadColumns maps changeable lead keys to storage columns
var leadColumns = map[string]string{
	"status_id":        "status_id",
	"responsible":      "responsible",
	"managers":         "managers",
	"contacts":         "contacts",
	"contact_name":     "contact_name",
	"country":          "country",
	"city":             "city",
	"phone":            "phone",
	"whatsapp":         "whatsapp",
	"price":            "price",
	"doNotDisturbTill": "do_not_disturb_till",
	"dates":            "dates",
	"extra":            "extra",
}

func (s *LeadService) change(ctx context.Context, p rpc.Payload, caller identity.Identity) (any, error) {
	var in leadChange
	if err := p.Decode(&in); err != nil {
		return nil, err
	}
	staff := identity.AsStaff(caller)
	switch in.Key {
	case "responsible":
		if !staff.Can(identity.LeadsCanChangeResponsible) {
			return nil, nil
		}
	case "managers":
		if !staff.Can(identity.LeadsCanChangeManagers) {
			return nil, nil
		}
	}
	return s.apply(ctx, in, caller)
}

func (s *LeadService) changeUnchecked(ctx context.Context, p rpc.Payload, caller identity.Identity) (any, error) {
	var in leadChange
	if err := p.Decode(&in); err != nil {
		return nil, err
	}
	return s.apply(ctx, in, caller)
}

func (s *LeadService) apply(ctx context.Context, in leadChange, caller identity.Identity) (any, error) {
	// Single contacts are edited through the whole list.
	if strings.HasPrefix(in.Key, "contacts.") {
		return nil, nil
	}
	column, ok := leadColumns[in.Key]
	if !ok {
		return nil, fmt.Errorf("%w: field %q cannot be changed", rpc.ErrInvalidPayload, in.Key)
	}
	value, err := decodeLeadValue(in.Key, in.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", rpc.ErrInvalidPayload, in.Key, err)
	}

	old, err := s.deps.Leads.FindByID(ctx, in.Lead)
	if err != nil || old == nil {
		return nil, err
	}

	lead, err := s.deps.Leads.Update(ctx, in.Lead, map[string]any{
		column:       value,
		"updated_at": s.deps.Now(),
	})
	if err != nil || lead == nil {
		return nil, err
	}

	if in.Key == "responsible" {
		s.reassignOpenTasks(ctx, lead.ID, value.(string), caller)
	}

	s.journal.record(ctx, crm.LogEntry{
		Type:   "lead",
		Event:  "change",
		Ref:    lead.ID,
		Author: author(caller),
		Data: map[string]any{
			"field":    in.Key,
			"newValue": value,
			"oldValue": fieldOf(old, in.Key),
		},
	})
	return lead, nil
}

// decodeLeadValue converts a raw value to the Go type of the field
func decodeLeadValue(key string, raw json.RawMessage) (any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		switch key {
		case "doNotDisturbTill", "managers", "dates", "extra":
			return nil, nil
		}
		return nil, fmt.Errorf("value is required")
	}
	var (
		v   any
		err error
	)
	switch key {
	case "status_id":
		var n int
		err = json.Unmarshal(raw, &n)
		v = n
	case "managers":
		var list []string
		err = json.Unmarshal(raw, &list)
		v = list
	case "contacts":
		var list []crm.Contact
		err = json.Unmarshal(raw, &list)
		v = withContactIDs(list)
	case "phone", "whatsapp":
		var n crm.PhoneNumber
		err = json.Unmarshal(raw, &n)
		v = string(n)
	case "price":
		var d decimal.Decimal
		err = json.Unmarshal(raw, &d)
		v = d
	case "doNotDisturbTill":
		var t time.Time
		err = json.Unmarshal(raw, &t)
		v = t
	case "dates":
		var m map[string]time.Time
		err = json.Unmarshal(raw, &m)
		v = m
	case "extra":
		var m map[string]any
		err = json.Unmarshal(raw, &m)
		v = m
	default:
		var str string
		err = json.Unmarshal(raw, &str)
		v = str
	}
	return v, err
}

// fieldOf reads the JSON-visible value of a lead field
func fieldOf(lead *crm.Lead, key string) any {
	raw, err := json.Marshal(lead)
	if err != nil {
		return nil
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}
	return fields[key]
}

func (s *LeadService) reassignOpenTasks(ctx context.Context, leadID, responsible string, caller identity.Identity) {
	open := false
	tasks, err := s.deps.Tasks.FindAll(ctx, crm.TaskFilter{LeadIDs: []string{leadID}, Status: &open})
	if err != nil {
		s.deps.Logger.Warn("Failed to load tasks to reassign", zap.String("lead", leadID), zap.Error(err))
		return
	}
	for _, t := range tasks {
		in := map[string]string{"_id": t.ID, "responsible": responsible}
		if _, err := s.deps.Registry.Call(ctx, "tasks", "reassign", mustPayload(in), caller); err != nil {
			s.deps.Logger.Warn("Failed to reassign task", zap.String("task", t.ID), zap.Error(err))
		}
	}
}

func (s *LeadService) delete(ctx context.Context, p rpc.Payload, caller identity.Identity) (any, error) {
	var in byID
	if err := p.Decode(&in); err != nil {
		return nil, err
	}

	lead, err := s.deps.Leads.SoftDelete(ctx, in.ID, s.deps.Now())
	if err != nil || lead == nil {
		return nil, err
	}
	s.journal.record(ctx, crm.LogEntry{
		Type:   "lead",
		Event:  "delete",
		Ref:    in.ID,
		Author: author(caller),
	})

	tasks, err := s.deps.Tasks.FindAll(ctx, crm.TaskFilter{LeadIDs: []string{in.ID}})
	if err != nil {
		return nil, fmt.Errorf("load tasks of deleted lead: %w", err)
	}
	for _, t := range tasks {
		if _, err := s.deps.Registry.Call(ctx, "tasks", "delete", mustPayload(byID{ID: t.ID}), caller); err != nil {
			s.deps.Logger.Warn("Failed to delete task of deleted lead", zap.String("task", t.ID), zap.Error(err))
		}
	}
	return lead, nil
}

// contactCard is what a customer may see of their own contacts
type contactCard struct {
	ID   string `json:"_id"`
	Name string `json:"name,omitempty"`
}

func (s *LeadService) getContacts(ctx context.Context, _ rpc.Payload, caller identity.Identity) (any, error) {
	customer := identity.AsCustomer(caller)
	lead, err := s.deps.Leads.FindByID(ctx, customer.LeadID)
	if err != nil || lead == nil {
		return nil, err
	}
	cards := make([]contactCard, 0, len(lead.Contacts))
	for _, c := range lead.Contacts {
		cards = append(cards, contactCard{ID: c.ID, Name: c.Name})
	}
	return cards, nil
}
