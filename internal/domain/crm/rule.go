package crm

import "time"

// Audience of a scheduling rule
const (
	TaskForResponsible = ""
	TaskForManagers    = "managers"
)

// Rule declares a follow-up task the scheduler creates for leads in a
// pipeline stage. PipelineID 0 applies to every qualifying stage.
type Rule struct {
	ID         uint   `json:"id"`
	PipelineID int    `json:"pipeline"`
	Days       int    `json:"days"`
	Task       string `json:"task"`
	Unique     bool   `json:"unique"`
	Once       bool   `json:"once"`
	// RelativeTo names the lead date the delay counts from. Empty means the
	// last completed task, or lead creation.
	RelativeTo      string   `json:"relativeTo,omitempty"`
	NewerThanUpdate bool     `json:"newerThanUpdate"`
	TaskFor         string   `json:"taskFor,omitempty"`
	Priority        Priority `json:"priority,omitempty"`
	Active          bool     `json:"active"`
	Position        int      `json:"position"`
}

// AppliesTo reports whether the rule is attached to the pipeline stage
func (r *Rule) AppliesTo(pipelineID int) bool {
	return r.PipelineID == 0 || r.PipelineID == pipelineID
}

// TaskPriority returns the configured priority or middle
func (r *Rule) TaskPriority() Priority {
	if r.Priority == "" {
		return PriorityMiddle
	}
	return r.Priority
}

// Assignment durably records that a once-only rule fired for a lead.
// (Task, LeadID) is unique.
type Assignment struct {
	ID        uint      `json:"id"`
	Task      string    `json:"task"`
	LeadID    string    `json:"lead"`
	RuleID    uint      `json:"rule"`
	CreatedAt time.Time `json:"created_at"`
}

// Pipeline is a stage of the lead lifecycle
type Pipeline struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Sort int    `json:"sort"`
}
