package persistence

import (
	"context"
	"time"

	"github.com/globus/atlas/internal/domain/crm"
	"github.com/globus/atlas/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
)

// GormLogRepository implements crm.LogRepository using GORM
type GormLogRepository struct {
	db *gorm.DB
}

var _ crm.LogRepository = (*GormLogRepository)(nil)

// NewGormLogRepository creates a new GormLogRepository
func NewGormLogRepository(db *gorm.DB) *GormLogRepository {
	return &GormLogRepository{db: db}
}

// Append stores an entry, stamping the time when unset
func (r *GormLogRepository) Append(ctx context.Context, entry *crm.LogEntry) error {
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}
	model := &models.LogModel{
		Time:   entry.Time,
		Type:   entry.Type,
		Event:  entry.Event,
		Ref:    entry.Ref,
		Author: entry.Author,
		Data:   entry.Data,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	entry.ID = model.ID
	return nil
}

// Find lists entries newest first
func (r *GormLogRepository) Find(ctx context.Context, filter crm.LogFilter) ([]crm.LogEntry, error) {
	query := r.db.WithContext(ctx).Model(&models.LogModel{})
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.Event != "" {
		query = query.Where("event = ?", filter.Event)
	}
	if filter.Ref != "" {
		query = query.Where("ref = ?", filter.Ref)
	}
	if filter.Author != "" {
		query = query.Where("author = ?", filter.Author)
	}
	if filter.From != nil {
		query = query.Where("time >= ?", *filter.From)
	}
	if filter.To != nil {
		query = query.Where("time <= ?", *filter.To)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var rows []models.LogModel
	if err := query.Order("time DESC, id DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]crm.LogEntry, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].ToDomain())
	}
	return out, nil
}

// Delete removes an entry
func (r *GormLogRepository) Delete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Delete(&models.LogModel{}, id).Error
}

// GormNotificationRepository implements crm.NotificationRepository using GORM
type GormNotificationRepository struct {
	db *gorm.DB
}

var _ crm.NotificationRepository = (*GormNotificationRepository)(nil)

// NewGormNotificationRepository creates a new GormNotificationRepository
func NewGormNotificationRepository(db *gorm.DB) *GormNotificationRepository {
	return &GormNotificationRepository{db: db}
}

// Create stores a notification
func (r *GormNotificationRepository) Create(ctx context.Context, n *crm.Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	model := &models.NotificationModel{
		Title:       n.Title,
		Description: n.Description,
		Receivers:   n.Receivers,
		Priority:    string(n.Priority),
		LeadID:      n.LeadID,
		Action:      n.Action,
		Trigger:     n.Trigger,
		CreatedAt:   n.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	n.ID = model.ID
	return nil
}

// ForReceiver lists the newest notifications addressed to login
func (r *GormNotificationRepository) ForReceiver(ctx context.Context, login string, limit int) ([]crm.Notification, error) {
	query := r.db.WithContext(ctx).
		Where("CAST(receivers AS TEXT) LIKE ?", `%"`+login+`"%`).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []models.NotificationModel
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]crm.Notification, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].ToDomain())
	}
	return out, nil
}
