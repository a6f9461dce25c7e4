package persistence

import (
	"context"
	"errors"

	"github.com/globus/atlas/internal/domain/crm"
	"github.com/globus/atlas/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
)

// GormTaskRepository implements crm.TaskRepository using GORM
type GormTaskRepository struct {
	db *gorm.DB
}

var _ crm.TaskRepository = (*GormTaskRepository)(nil)

// NewGormTaskRepository creates a new GormTaskRepository
func NewGormTaskRepository(db *gorm.DB) *GormTaskRepository {
	return &GormTaskRepository{db: db}
}

// FindByID finds a non-deleted task
func (r *GormTaskRepository) FindByID(ctx context.Context, id string) (*crm.Task, error) {
	var model models.TaskModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindAll lists non-deleted tasks ordered by deadline
func (r *GormTaskRepository) FindAll(ctx context.Context, filter crm.TaskFilter) ([]crm.Task, error) {
	query := r.db.WithContext(ctx).Model(&models.TaskModel{})
	if len(filter.LeadIDs) > 0 {
		query = query.Where("lead_id IN ?", filter.LeadIDs)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if filter.Responsible != "" {
		query = query.Where("responsible = ?", filter.Responsible)
	}
	if filter.DueFrom != nil {
		query = query.Where("complete_till >= ?", *filter.DueFrom)
	}
	if filter.DueTo != nil {
		query = query.Where("complete_till <= ?", *filter.DueTo)
	}
	if filter.Search != "" {
		query = query.Where("LOWER(text) LIKE LOWER(?)", "%"+filter.Search+"%")
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var rows []models.TaskModel
	order := orderClause(filter.OrderBy, filter.OrderDir, TaskSortFields, "complete_till", "ASC")
	if err := query.Order(order).Find(&rows).Error; err != nil {
		return nil, err
	}
	tasks := make([]crm.Task, 0, len(rows))
	for i := range rows {
		tasks = append(tasks, *rows[i].ToDomain())
	}
	return tasks, nil
}

// LatestCompleted returns the most recently updated completed task of a lead
func (r *GormTaskRepository) LatestCompleted(ctx context.Context, leadID string) (*crm.Task, error) {
	var model models.TaskModel
	err := r.db.WithContext(ctx).
		Where("lead_id = ? AND status = ?", leadID, true).
		Order("updated_at DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// CountOpen counts the lead's incomplete, non-deleted tasks
func (r *GormTaskRepository) CountOpen(ctx context.Context, leadID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.TaskModel{}).
		Where("lead_id = ? AND status = ?", leadID, false).
		Count(&n).Error
	return n, err
}

// Create inserts a task
func (r *GormTaskRepository) Create(ctx context.Context, task *crm.Task) error {
	return r.db.WithContext(ctx).Create(models.TaskModelFromDomain(task)).Error
}

// Update applies column updates and returns the task, or nil when missing.
// A "deleted_at" field soft-deletes the task.
func (r *GormTaskRepository) Update(ctx context.Context, id string, fields map[string]any) (*crm.Task, error) {
	encoded, err := encodeJSONColumns(fields)
	if err != nil {
		return nil, err
	}
	result := r.db.WithContext(ctx).Model(&models.TaskModel{}).Where("id = ?", id).Updates(encoded)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	var model models.TaskModel
	if err := r.db.WithContext(ctx).Unscoped().First(&model, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return model.ToDomain(), nil
}
