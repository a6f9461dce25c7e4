package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/globus/atlas/internal/domain/crm"
	"github.com/globus/atlas/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormRuleRepository implements crm.RuleRepository using GORM
type GormRuleRepository struct {
	db *gorm.DB
}

var _ crm.RuleRepository = (*GormRuleRepository)(nil)

// NewGormRuleRepository creates a new GormRuleRepository
func NewGormRuleRepository(db *gorm.DB) *GormRuleRepository {
	return &GormRuleRepository{db: db}
}

// FindActive lists active rules in evaluation order
func (r *GormRuleRepository) FindActive(ctx context.Context) ([]crm.Rule, error) {
	return r.find(r.db.WithContext(ctx).Where("active = ?", true))
}

// FindAll lists every rule
func (r *GormRuleRepository) FindAll(ctx context.Context) ([]crm.Rule, error) {
	return r.find(r.db.WithContext(ctx))
}

func (r *GormRuleRepository) find(query *gorm.DB) ([]crm.Rule, error) {
	var rows []models.RuleModel
	if err := query.Order("position ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	rules := make([]crm.Rule, 0, len(rows))
	for i := range rows {
		rules = append(rules, *rows[i].ToDomain())
	}
	return rules, nil
}

// SetActive toggles a rule. Returns nil when the rule does not exist.
func (r *GormRuleRepository) SetActive(ctx context.Context, id uint, active bool) (*crm.Rule, error) {
	result := r.db.WithContext(ctx).Model(&models.RuleModel{}).Where("id = ?", id).Update("active", active)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	var model models.RuleModel
	if err := r.db.WithContext(ctx).First(&model, id).Error; err != nil {
		return nil, err
	}
	return model.ToDomain(), nil
}

// Create inserts a rule and fills its id
func (r *GormRuleRepository) Create(ctx context.Context, rule *crm.Rule) error {
	model := models.RuleModelFromDomain(rule)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	rule.ID = model.ID
	// the column defaults to true, which gorm applies to a zero value
	if !rule.Active {
		return r.db.WithContext(ctx).Model(model).Update("active", false).Error
	}
	return nil
}

// GormAssignmentRepository implements crm.AssignmentRepository using GORM
type GormAssignmentRepository struct {
	db *gorm.DB
}

var _ crm.AssignmentRepository = (*GormAssignmentRepository)(nil)

// NewGormAssignmentRepository creates a new GormAssignmentRepository
func NewGormAssignmentRepository(db *gorm.DB) *GormAssignmentRepository {
	return &GormAssignmentRepository{db: db}
}

// Exists reports whether the task text was already assigned to the lead
func (r *GormAssignmentRepository) Exists(ctx context.Context, task, leadID string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.AssignmentModel{}).
		Where("task = ? AND lead_id = ?", task, leadID).
		Count(&n).Error
	return n > 0, err
}

// Create records an assignment. The unique (task, lead) index makes a
// concurrent duplicate fail with crm.ErrAssignmentExists.
func (r *GormAssignmentRepository) Create(ctx context.Context, a *crm.Assignment) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	model := &models.AssignmentModel{
		Task:      a.Task,
		LeadID:    a.LeadID,
		RuleID:    a.RuleID,
		CreatedAt: a.CreatedAt,
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(model)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return crm.ErrAssignmentExists
	}
	a.ID = model.ID
	return nil
}

// Delete removes an assignment so the rule may fire again
func (r *GormAssignmentRepository) Delete(ctx context.Context, task, leadID string) error {
	return r.db.WithContext(ctx).
		Where("task = ? AND lead_id = ?", task, leadID).
		Delete(&models.AssignmentModel{}).Error
}

// GormPipelineRepository implements crm.PipelineRepository using GORM
type GormPipelineRepository struct {
	db *gorm.DB
}

var _ crm.PipelineRepository = (*GormPipelineRepository)(nil)

// NewGormPipelineRepository creates a new GormPipelineRepository
func NewGormPipelineRepository(db *gorm.DB) *GormPipelineRepository {
	return &GormPipelineRepository{db: db}
}

// FindAll lists pipelines in display order
func (r *GormPipelineRepository) FindAll(ctx context.Context) ([]crm.Pipeline, error) {
	return r.find(r.db.WithContext(ctx))
}

// FindAbove lists pipelines with id greater than minID
func (r *GormPipelineRepository) FindAbove(ctx context.Context, minID int) ([]crm.Pipeline, error) {
	return r.find(r.db.WithContext(ctx).Where("id > ?", minID))
}

func (r *GormPipelineRepository) find(query *gorm.DB) ([]crm.Pipeline, error) {
	var rows []models.PipelineModel
	if err := query.Order("sort ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]crm.Pipeline, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].ToDomain())
	}
	return out, nil
}

// Upsert stores pipelines by id, used by seeding
func (r *GormPipelineRepository) Upsert(ctx context.Context, pipelines ...crm.Pipeline) error {
	if len(pipelines) == 0 {
		return nil
	}
	rows := make([]models.PipelineModel, 0, len(pipelines))
	for _, p := range pipelines {
		rows = append(rows, models.PipelineModel{ID: p.ID, Name: p.Name, Sort: p.Sort})
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rows).Error
	if err != nil && errors.Is(err, gorm.ErrEmptySlice) {
		return nil
	}
	return err
}
