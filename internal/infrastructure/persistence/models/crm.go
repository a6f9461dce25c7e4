package models

import (
	"time"

	"github.com/globus/atlas/internal/domain/crm"
	"github.com/globus/atlas/internal/domain/identity"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// LeadModel is the persistence model for leads. Contacts, managers and the
// free-form date and extra maps are stored as JSON documents.
type LeadModel struct {
	ID               string               `gorm:"primaryKey;size:24"`
	StatusID         int                  `gorm:"not null;index"`
	Responsible      string               `gorm:"size:64;index"`
	Managers         []string             `gorm:"serializer:json"`
	Contacts         []crm.Contact        `gorm:"serializer:json"`
	ContactName      string               `gorm:"size:200"`
	Country          string               `gorm:"size:100"`
	City             string               `gorm:"size:100"`
	Phone            string               `gorm:"size:32;index"`
	WhatsApp         string               `gorm:"column:whatsapp;size:32;index"`
	Price            decimal.Decimal      `gorm:"type:numeric(14,2);not null;default:0"`
	DoNotDisturbTill *time.Time           `gorm:"column:do_not_disturb_till"`
	Dates            map[string]time.Time `gorm:"serializer:json"`
	Extra            map[string]any       `gorm:"serializer:json"`
	CreatedAt        time.Time            `gorm:"not null"`
	UpdatedAt        time.Time            `gorm:"not null"`
	DeletedAt        gorm.DeletedAt       `gorm:"index"`
}

// TableName returns the table name for GORM
func (LeadModel) TableName() string {
	return "leads"
}

// ToDomain converts the model to a domain lead
func (m *LeadModel) ToDomain() *crm.Lead {
	lead := &crm.Lead{
		ID:               m.ID,
		StatusID:         m.StatusID,
		Responsible:      m.Responsible,
		Managers:         m.Managers,
		Contacts:         m.Contacts,
		ContactName:      m.ContactName,
		Country:          m.Country,
		City:             m.City,
		Phone:            crm.PhoneNumber(m.Phone),
		WhatsApp:         crm.PhoneNumber(m.WhatsApp),
		Price:            m.Price,
		DoNotDisturbTill: m.DoNotDisturbTill,
		Dates:            m.Dates,
		Extra:            m.Extra,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
	if lead.Contacts == nil {
		lead.Contacts = []crm.Contact{}
	}
	if m.DeletedAt.Valid {
		at := m.DeletedAt.Time
		lead.DeletedAt = &at
	}
	return lead
}

// LeadModelFromDomain converts a domain lead to its model
func LeadModelFromDomain(l *crm.Lead) *LeadModel {
	m := &LeadModel{
		ID:               l.ID,
		StatusID:         l.StatusID,
		Responsible:      l.Responsible,
		Managers:         l.Managers,
		Contacts:         l.Contacts,
		ContactName:      l.ContactName,
		Country:          l.Country,
		City:             l.City,
		Phone:            string(l.Phone),
		WhatsApp:         string(l.WhatsApp),
		Price:            l.Price,
		DoNotDisturbTill: l.DoNotDisturbTill,
		Dates:            l.Dates,
		Extra:            l.Extra,
		CreatedAt:        l.CreatedAt,
		UpdatedAt:        l.UpdatedAt,
	}
	if l.DeletedAt != nil {
		m.DeletedAt = gorm.DeletedAt{Time: *l.DeletedAt, Valid: true}
	}
	return m
}

// TaskModel is the persistence model for tasks
type TaskModel struct {
	ID           string         `gorm:"primaryKey;size:24"`
	LeadID       string         `gorm:"column:lead_id;size:24;not null;index"`
	Text         string         `gorm:"type:text;not null"`
	Result       string         `gorm:"type:text"`
	Priority     string         `gorm:"size:10;not null;default:'middle'"`
	Status       bool           `gorm:"not null;default:false;index"`
	Responsible  string         `gorm:"size:64;index"`
	Author       string         `gorm:"size:64"`
	CompletedBy  string         `gorm:"size:64"`
	Bonus        int            `gorm:"not null;default:0"`
	CompleteTill time.Time      `gorm:"not null;index"`
	CreatedAt    time.Time      `gorm:"not null"`
	UpdatedAt    time.Time      `gorm:"not null"`
	DeletedAt    gorm.DeletedAt `gorm:"index"`
}

// TableName returns the table name for GORM
func (TaskModel) TableName() string {
	return "tasks"
}

// ToDomain converts the model to a domain task
func (m *TaskModel) ToDomain() *crm.Task {
	t := &crm.Task{
		ID:           m.ID,
		LeadID:       m.LeadID,
		Text:         m.Text,
		Result:       m.Result,
		Priority:     crm.Priority(m.Priority),
		Status:       m.Status,
		Responsible:  m.Responsible,
		Author:       m.Author,
		CompletedBy:  m.CompletedBy,
		Bonus:        m.Bonus,
		CompleteTill: m.CompleteTill,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
	if m.DeletedAt.Valid {
		at := m.DeletedAt.Time
		t.DeletedAt = &at
	}
	return t
}

// TaskModelFromDomain converts a domain task to its model
func TaskModelFromDomain(t *crm.Task) *TaskModel {
	m := &TaskModel{
		ID:           t.ID,
		LeadID:       t.LeadID,
		Text:         t.Text,
		Result:       t.Result,
		Priority:     string(t.Priority),
		Status:       t.Status,
		Responsible:  t.Responsible,
		Author:       t.Author,
		CompletedBy:  t.CompletedBy,
		Bonus:        t.Bonus,
		CompleteTill: t.CompleteTill,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
	if t.DeletedAt != nil {
		m.DeletedAt = gorm.DeletedAt{Time: *t.DeletedAt, Valid: true}
	}
	return m
}

// RuleModel is the persistence model for scheduling rules
type RuleModel struct {
	ID              uint   `gorm:"primaryKey"`
	PipelineID      int    `gorm:"not null;default:0;index"`
	Days            int    `gorm:"not null;default:0"`
	Task            string `gorm:"type:text;not null"`
	Unique          bool   `gorm:"column:is_unique;not null;default:false"`
	Once            bool   `gorm:"not null;default:false"`
	RelativeTo      string `gorm:"size:64"`
	NewerThanUpdate bool   `gorm:"not null;default:false"`
	TaskFor         string `gorm:"size:32"`
	Priority        string `gorm:"size:10"`
	Active          bool   `gorm:"not null;default:true;index"`
	Position        int    `gorm:"not null;default:0"`
}

// TableName returns the table name for GORM
func (RuleModel) TableName() string {
	return "task_rules"
}

// ToDomain converts the model to a domain rule
func (m *RuleModel) ToDomain() *crm.Rule {
	return &crm.Rule{
		ID:              m.ID,
		PipelineID:      m.PipelineID,
		Days:            m.Days,
		Task:            m.Task,
		Unique:          m.Unique,
		Once:            m.Once,
		RelativeTo:      m.RelativeTo,
		NewerThanUpdate: m.NewerThanUpdate,
		TaskFor:         m.TaskFor,
		Priority:        crm.Priority(m.Priority),
		Active:          m.Active,
		Position:        m.Position,
	}
}

// RuleModelFromDomain converts a domain rule to its model
func RuleModelFromDomain(r *crm.Rule) *RuleModel {
	return &RuleModel{
		ID:              r.ID,
		PipelineID:      r.PipelineID,
		Days:            r.Days,
		Task:            r.Task,
		Unique:          r.Unique,
		Once:            r.Once,
		RelativeTo:      r.RelativeTo,
		NewerThanUpdate: r.NewerThanUpdate,
		TaskFor:         r.TaskFor,
		Priority:        string(r.Priority),
		Active:          r.Active,
		Position:        r.Position,
	}
}

// AssignmentModel records once-only rule firings
type AssignmentModel struct {
	ID        uint      `gorm:"primaryKey"`
	Task      string    `gorm:"type:text;not null;uniqueIndex:idx_assignment_task_lead"`
	LeadID    string    `gorm:"column:lead_id;size:24;not null;uniqueIndex:idx_assignment_task_lead"`
	RuleID    uint      `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (AssignmentModel) TableName() string {
	return "task_assignments"
}

// PipelineModel is a lead pipeline stage
type PipelineModel struct {
	ID   int    `gorm:"primaryKey;autoIncrement:false"`
	Name string `gorm:"size:200;not null"`
	Sort int    `gorm:"not null;default:0"`
}

// TableName returns the table name for GORM
func (PipelineModel) TableName() string {
	return "pipelines"
}

// ToDomain converts the model to a domain pipeline
func (m *PipelineModel) ToDomain() crm.Pipeline {
	return crm.Pipeline{ID: m.ID, Name: m.Name, Sort: m.Sort}
}

// UserModel is the persistence model for staff accounts
type UserModel struct {
	Login          string          `gorm:"primaryKey;size:64"`
	Name           string          `gorm:"size:200"`
	Title          string          `gorm:"size:200"`
	Access         identity.Grants `gorm:"serializer:json"`
	Messenger      string          `gorm:"size:64"`
	Banned         bool            `gorm:"not null;default:false"`
	FailedAttempts int             `gorm:"not null;default:0"`
	LastOnline     *time.Time
	LastLogin      *time.Time
}

// TableName returns the table name for GORM
func (UserModel) TableName() string {
	return "users"
}

// ToDomain converts the model to a domain user
func (m *UserModel) ToDomain() *crm.User {
	access := m.Access
	if access == nil {
		access = identity.Grants{}
	}
	return &crm.User{
		Login:          m.Login,
		Name:           m.Name,
		Title:          m.Title,
		Access:         access,
		Messenger:      m.Messenger,
		Banned:         m.Banned,
		FailedAttempts: m.FailedAttempts,
		LastOnline:     m.LastOnline,
		LastLogin:      m.LastLogin,
	}
}

// UserModelFromDomain converts a domain user to its model
func UserModelFromDomain(u *crm.User) *UserModel {
	return &UserModel{
		Login:          u.Login,
		Name:           u.Name,
		Title:          u.Title,
		Access:         u.Access,
		Messenger:      u.Messenger,
		Banned:         u.Banned,
		FailedAttempts: u.FailedAttempts,
		LastOnline:     u.LastOnline,
		LastLogin:      u.LastLogin,
	}
}

// SessionModel is a staff session
type SessionModel struct {
	Token     string `gorm:"primaryKey;size:64"`
	Login     string `gorm:"size:64;not null;index"`
	Expire    int64  `gorm:"not null;index"`
	Created   int64  `gorm:"not null"`
	CodeHash  string `gorm:"size:100"`
	Confirmed bool   `gorm:"not null;default:false"`
}

// TableName returns the table name for GORM
func (SessionModel) TableName() string {
	return "sessions"
}

// ToDomain converts the model to a domain session
func (m *SessionModel) ToDomain() *crm.Session {
	return &crm.Session{
		Token:     m.Token,
		Login:     m.Login,
		Expire:    m.Expire,
		Created:   m.Created,
		CodeHash:  m.CodeHash,
		Confirmed: m.Confirmed,
	}
}

// LogModel is an audit log entry
type LogModel struct {
	ID     uint           `gorm:"primaryKey"`
	Time   time.Time      `gorm:"not null;index"`
	Type   string         `gorm:"size:32;not null;index"`
	Event  string         `gorm:"size:32;not null"`
	Ref    string         `gorm:"size:64;index"`
	Author string         `gorm:"size:64"`
	Data   map[string]any `gorm:"serializer:json"`
}

// TableName returns the table name for GORM
func (LogModel) TableName() string {
	return "logs"
}

// ToDomain converts the model to a domain log entry
func (m *LogModel) ToDomain() crm.LogEntry {
	return crm.LogEntry{
		ID:     m.ID,
		Time:   m.Time,
		Type:   m.Type,
		Event:  m.Event,
		Ref:    m.Ref,
		Author: m.Author,
		Data:   m.Data,
	}
}

// NotificationModel is a stored staff notification
type NotificationModel struct {
	ID          uint      `gorm:"primaryKey"`
	Title       string    `gorm:"size:200"`
	Description string    `gorm:"type:text;not null"`
	Receivers   []string  `gorm:"serializer:json"`
	Priority    string    `gorm:"size:10"`
	LeadID      string    `gorm:"column:lead_id;size:24"`
	Action      string    `gorm:"size:64"`
	Trigger     []string  `gorm:"column:trigger_tags;serializer:json"`
	CreatedAt   time.Time `gorm:"not null;index"`
}

// TableName returns the table name for GORM
func (NotificationModel) TableName() string {
	return "notifications"
}

// ToDomain converts the model to a domain notification
func (m *NotificationModel) ToDomain() crm.Notification {
	return crm.Notification{
		ID:          m.ID,
		Title:       m.Title,
		Description: m.Description,
		Receivers:   m.Receivers,
		Priority:    crm.Priority(m.Priority),
		LeadID:      m.LeadID,
		Action:      m.Action,
		Trigger:     m.Trigger,
		CreatedAt:   m.CreatedAt,
	}
}

// All lists every model, in dependency order, for schema auto-migration
func All() []any {
	return []any{
		&PipelineModel{},
		&UserModel{},
		&SessionModel{},
		&LeadModel{},
		&TaskModel{},
		&RuleModel{},
		&AssignmentModel{},
		&LogModel{},
		&NotificationModel{},
	}
}
