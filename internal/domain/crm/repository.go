package crm

import (
	"context"
	"time"
)

// Repositories return (nil, nil) for single-record lookups that miss,
// and reserve errors for storage failures.

// LeadRepository stores leads
type LeadRepository interface {
	FindByID(ctx context.Context, id string) (*Lead, error)
	FindAll(ctx context.Context, filter LeadFilter) ([]Lead, error)
	FindByNumber(ctx context.Context, number string) (*Lead, error)
	Create(ctx context.Context, lead *Lead) error
	Update(ctx context.Context, id string, fields map[string]any) (*Lead, error)
	SoftDelete(ctx context.Context, id string, at time.Time) (*Lead, error)
}

// TaskRepository stores tasks
type TaskRepository interface {
	FindByID(ctx context.Context, id string) (*Task, error)
	FindAll(ctx context.Context, filter TaskFilter) ([]Task, error)
	// LatestCompleted returns the most recently updated completed task of a lead
	LatestCompleted(ctx context.Context, leadID string) (*Task, error)
	CountOpen(ctx context.Context, leadID string) (int64, error)
	Create(ctx context.Context, task *Task) error
	Update(ctx context.Context, id string, fields map[string]any) (*Task, error)
}

// RuleRepository stores scheduling rules
type RuleRepository interface {
	FindActive(ctx context.Context) ([]Rule, error)
	FindAll(ctx context.Context) ([]Rule, error)
	SetActive(ctx context.Context, id uint, active bool) (*Rule, error)
	Create(ctx context.Context, rule *Rule) error
}

// AssignmentRepository durably tracks once-only rule firings
type AssignmentRepository interface {
	Exists(ctx context.Context, task, leadID string) (bool, error)
	// Create returns ErrAssignmentExists when (task, lead) is already recorded
	Create(ctx context.Context, a *Assignment) error
	Delete(ctx context.Context, task, leadID string) error
}

// PipelineRepository stores pipeline stages
type PipelineRepository interface {
	FindAll(ctx context.Context) ([]Pipeline, error)
	FindAbove(ctx context.Context, minID int) ([]Pipeline, error)
}

// UserRepository stores staff accounts
type UserRepository interface {
	FindByLogin(ctx context.Context, login string) (*User, error)
	FindByLogins(ctx context.Context, logins []string) ([]User, error)
	FindAll(ctx context.Context) ([]User, error)
	Touch(ctx context.Context, login string, at time.Time) (*User, error)
	RecordLogin(ctx context.Context, login string, at time.Time) error
	RecordFailedAttempt(ctx context.Context, login string) (*User, error)
	Create(ctx context.Context, user *User) error
}

// SessionRepository stores staff sessions
type SessionRepository interface {
	FindLive(ctx context.Context, token string, now time.Time) (*Session, error)
	FindPending(ctx context.Context, login string, now time.Time) ([]Session, error)
	Create(ctx context.Context, s *Session) error
	Confirm(ctx context.Context, token string, expire int64) error
	DeletePending(ctx context.Context, login string) (int64, error)
	DeleteByLogin(ctx context.Context, login string) (int64, error)
}

// LogRepository stores audit log entries
type LogRepository interface {
	Append(ctx context.Context, entry *LogEntry) error
	Find(ctx context.Context, filter LogFilter) ([]LogEntry, error)
	Delete(ctx context.Context, id uint) error
}

// NotificationRepository stores notifications
type NotificationRepository interface {
	Create(ctx context.Context, n *Notification) error
	ForReceiver(ctx context.Context, login string, limit int) ([]Notification, error)
}
