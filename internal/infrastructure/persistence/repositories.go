package persistence

import "gorm.io/gorm"

// Repositories bundles every GORM store over one connection
type Repositories struct {
	Leads         *GormLeadRepository
	Tasks         *GormTaskRepository
	Rules         *GormRuleRepository
	Assignments   *GormAssignmentRepository
	Pipelines     *GormPipelineRepository
	Users         *GormUserRepository
	Sessions      *GormSessionRepository
	Logs          *GormLogRepository
	Notifications *GormNotificationRepository
}

// NewRepositories creates all repositories over db
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Leads:         NewGormLeadRepository(db),
		Tasks:         NewGormTaskRepository(db),
		Rules:         NewGormRuleRepository(db),
		Assignments:   NewGormAssignmentRepository(db),
		Pipelines:     NewGormPipelineRepository(db),
		Users:         NewGormUserRepository(db),
		Sessions:      NewGormSessionRepository(db),
		Logs:          NewGormLogRepository(db),
		Notifications: NewGormNotificationRepository(db),
	}
}
