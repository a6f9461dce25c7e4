package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/globus/atlas/internal/domain/crm"
	"github.com/globus/atlas/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
)

// GormLeadRepository implements crm.LeadRepository using GORM
type GormLeadRepository struct {
	db *gorm.DB
}

var _ crm.LeadRepository = (*GormLeadRepository)(nil)

// NewGormLeadRepository creates a new GormLeadRepository
func NewGormLeadRepository(db *gorm.DB) *GormLeadRepository {
	return &GormLeadRepository{db: db}
}

// FindByID finds a non-deleted lead
func (r *GormLeadRepository) FindByID(ctx context.Context, id string) (*crm.Lead, error) {
	var model models.LeadModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindAll lists non-deleted leads, newest first unless filter sorts otherwise
func (r *GormLeadRepository) FindAll(ctx context.Context, filter crm.LeadFilter) ([]crm.Lead, error) {
	query := r.db.WithContext(ctx).Model(&models.LeadModel{})
	if len(filter.StatusIDs) > 0 {
		query = query.Where("status_id IN ?", filter.StatusIDs)
	}
	if filter.Manager != "" {
		query = query.Where("(responsible = ? OR CAST(managers AS TEXT) LIKE ?)", filter.Manager, `%"`+filter.Manager+`"%`)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var rows []models.LeadModel
	order := orderClause(filter.OrderBy, filter.OrderDir, LeadSortFields, "created_at", "DESC")
	if err := query.Order(order).Find(&rows).Error; err != nil {
		return nil, err
	}
	leads := make([]crm.Lead, 0, len(rows))
	for i := range rows {
		leads = append(leads, *rows[i].ToDomain())
	}
	return leads, nil
}

// FindByNumber finds the most recent lead reachable at number
func (r *GormLeadRepository) FindByNumber(ctx context.Context, number string) (*crm.Lead, error) {
	if number == "" {
		return nil, nil
	}
	var model models.LeadModel
	err := r.db.WithContext(ctx).
		Where("phone = ? OR whatsapp = ?", number, number).
		Order("created_at DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// Create inserts a lead
func (r *GormLeadRepository) Create(ctx context.Context, lead *crm.Lead) error {
	return r.db.WithContext(ctx).Create(models.LeadModelFromDomain(lead)).Error
}

// Update applies column updates and returns the updated lead, or nil when
// the lead does not exist.
func (r *GormLeadRepository) Update(ctx context.Context, id string, fields map[string]any) (*crm.Lead, error) {
	var model models.LeadModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	encoded, err := encodeJSONColumns(fields)
	if err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Model(&model).Updates(encoded).Error; err != nil {
		return nil, err
	}
	return r.FindByID(ctx, id)
}

// SoftDelete marks a lead deleted at the given time
func (r *GormLeadRepository) SoftDelete(ctx context.Context, id string, at time.Time) (*crm.Lead, error) {
	result := r.db.WithContext(ctx).Model(&models.LeadModel{}).
		Where("id = ?", id).
		Update("deleted_at", at)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	var model models.LeadModel
	if err := r.db.WithContext(ctx).Unscoped().First(&model, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return model.ToDomain(), nil
}
