package crm

import (
	"errors"

	"github.com/globus/atlas/internal/domain/shared"
)

var (
	// ErrLeadNotFound is returned when a lead does not exist or is deleted
	ErrLeadNotFound = shared.NewDomainError("LEAD_NOT_FOUND", "Lead not found")
	// ErrTaskNotFound is returned when a task does not exist
	ErrTaskNotFound = shared.NewDomainError("TASK_NOT_FOUND", "Task not found")
	// ErrUserNotFound is returned when a staff login is unknown
	ErrUserNotFound = shared.NewDomainError("USER_NOT_FOUND", "User not found")
	// ErrRuleNotFound is returned when a scheduling rule is unknown
	ErrRuleNotFound = shared.NewDomainError("RULE_NOT_FOUND", "Rule not found")
	// ErrAssignmentExists is returned when a once-only rule was already recorded for a lead
	ErrAssignmentExists = errors.New("assignment already recorded")
)
