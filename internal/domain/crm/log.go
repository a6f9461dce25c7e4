package crm

import "time"

// LogEntry is an append-only audit record of a business event
type LogEntry struct {
	ID     uint           `json:"_id"`
	Time   time.Time      `json:"time"`
	Type   string         `json:"type"`
	Event  string         `json:"event"`
	Ref    string         `json:"id,omitempty"`
	Author string         `json:"author"`
	Data   map[string]any `json:"data,omitempty"`
}

// LogFilter narrows log queries
type LogFilter struct {
	Type   string
	Event  string
	Ref    string
	Author string
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

// Notification is a message addressed to staff logins
type Notification struct {
	ID          uint      `json:"_id"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description"`
	Receivers   []string  `json:"receivers"`
	Priority    Priority  `json:"priority,omitempty"`
	LeadID      string    `json:"lead,omitempty"`
	Action      string    `json:"action,omitempty"`
	Trigger     []string  `json:"trigger,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
