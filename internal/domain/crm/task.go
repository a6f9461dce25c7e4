package crm

import "time"

// Priority of a task
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMiddle Priority = "middle"
	PriorityHigh   Priority = "high"
)

// Task is a follow-up action assigned to a staff member for a lead.
// Status true means completed.
type Task struct {
	ID           string     `json:"_id"`
	LeadID       string     `json:"lead"`
	Text         string     `json:"text"`
	Result       string     `json:"result,omitempty"`
	Priority     Priority   `json:"priority"`
	Status       bool       `json:"status"`
	Responsible  string     `json:"responsible"`
	Author       string     `json:"author"`
	CompletedBy  string     `json:"completed_by,omitempty"`
	Bonus        int        `json:"bonus"`
	CompleteTill time.Time  `json:"complete_till"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// IsOpen reports whether the task still awaits completion
func (t *Task) IsOpen() bool {
	return !t.Status && t.DeletedAt == nil
}

// NewTask is the input for creating a task
type NewTask struct {
	LeadID       string     `json:"lead" validate:"required"`
	Text         string     `json:"text" validate:"required"`
	CompleteTill *time.Time `json:"completeTill,omitempty"`
	Priority     Priority   `json:"priority,omitempty" validate:"omitempty,oneof=low middle high"`
	Responsible  string     `json:"responsible,omitempty"`
	Bonus        *int       `json:"bonus,omitempty"`
	Status       bool       `json:"status,omitempty"`
}

// TaskFilter narrows task queries
type TaskFilter struct {
	LeadIDs     []string
	Status      *bool
	Responsible string
	DueFrom     *time.Time
	DueTo       *time.Time
	Search      string
	Limit       int
	Offset      int
	OrderBy     string
	OrderDir    string
}
