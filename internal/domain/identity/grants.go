package identity

import (
	"encoding/json"
	"sort"
	"strings"
)

// Grant names one capability in "<area>.<capability>" form, mirroring
// the nested access object staff records carry.
type Grant string

// Lead grants
const (
	LeadsCanSeeLeads          Grant = "leads.canSeeLeads"
	LeadsCanSeeAllLeads       Grant = "leads.canSeeAllLeads"
	LeadsCanAddLeads          Grant = "leads.canAddLeads"
	LeadsCanEditLeads         Grant = "leads.canEditLeads"
	LeadsCanDeleteLeads       Grant = "leads.canDeleteLeads"
	LeadsCanChangeResponsible Grant = "leads.canChangeResponsible"
	LeadsCanChangeManagers    Grant = "leads.canChangeManagers"
	LeadsCanSeePipelines      Grant = "leads.canSeePipelines"
	LeadsCanEditRules         Grant = "leads.canEditPipelines"
)

// Task grants
const (
	TasksCanSeeTasks       Grant = "tasks.canSeeTasks"
	TasksCanAddTasks       Grant = "tasks.canAddTasks"
	TasksCanEditTasks      Grant = "tasks.canEditTasks"
	TasksCanCloseTasks     Grant = "tasks.canCloseTasks"
	TasksCanRescheduleTask Grant = "tasks.canRescheduleTasks"
	TasksCanReassignTasks  Grant = "tasks.canReassignTasks"
	TasksCanDeleteTasks    Grant = "tasks.canDeleteTasks"
)

// User, log and notification grants
const (
	UsersCanSeeUsers                  Grant = "users.canSeeUsers"
	UsersCanDeleteUsers               Grant = "users.canDeleteUsers"
	UsersCanKickUsers                 Grant = "users.canLickUsers" // legacy spelling of stored grants
	LogsCanSeeSystemLogs              Grant = "logs.canSeeSystemLogs"
	NotificationsCanSendNotifications Grant = "notifications.canSendNotifications"
)

// Grants is the capability set of a staff member. A missing grant is false.
type Grants map[Grant]bool

// NewGrants builds a set holding the given grants
func NewGrants(gs ...Grant) Grants {
	out := make(Grants, len(gs))
	for _, g := range gs {
		out[g] = true
	}
	return out
}

// Has reports whether g is granted. Safe on a nil map.
func (g Grants) Has(grant Grant) bool {
	return g[grant]
}

// List returns the granted capabilities in sorted order
func (g Grants) List() []Grant {
	out := make([]Grant, 0, len(g))
	for k, v := range g {
		if v {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MarshalJSON encodes the set as the nested access object
// {"leads":{"canAddLeads":true}}.
func (g Grants) MarshalJSON() ([]byte, error) {
	nested := make(map[string]map[string]bool)
	for grant, ok := range g {
		area, capability, found := strings.Cut(string(grant), ".")
		if !found {
			continue
		}
		if nested[area] == nil {
			nested[area] = make(map[string]bool)
		}
		nested[area][capability] = ok
	}
	return json.Marshal(nested)
}

// UnmarshalJSON accepts the nested access object. Non-boolean leaves are
// ignored so an unexpected shape never grants anything.
func (g *Grants) UnmarshalJSON(data []byte) error {
	var nested map[string]map[string]any
	if err := json.Unmarshal(data, &nested); err != nil {
		return err
	}
	out := make(Grants)
	for area, caps := range nested {
		for capability, v := range caps {
			if b, ok := v.(bool); ok {
				out[Grant(area+"."+capability)] = b
			}
		}
	}
	*g = out
	return nil
}
