package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/globus/atlas/internal/domain/crm"
	"github.com/globus/atlas/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
)

// GormUserRepository implements crm.UserRepository using GORM
type GormUserRepository struct {
	db *gorm.DB
}

var _ crm.UserRepository = (*GormUserRepository)(nil)

// NewGormUserRepository creates a new GormUserRepository
func NewGormUserRepository(db *gorm.DB) *GormUserRepository {
	return &GormUserRepository{db: db}
}

// FindByLogin finds a user by login
func (r *GormUserRepository) FindByLogin(ctx context.Context, login string) (*crm.User, error) {
	var model models.UserModel
	if err := r.db.WithContext(ctx).First(&model, "login = ?", login).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindByLogins returns the existing users among logins
func (r *GormUserRepository) FindByLogins(ctx context.Context, logins []string) ([]crm.User, error) {
	if len(logins) == 0 {
		return []crm.User{}, nil
	}
	return r.find(r.db.WithContext(ctx).Where("login IN ?", logins))
}

// FindAll lists every user
func (r *GormUserRepository) FindAll(ctx context.Context) ([]crm.User, error) {
	return r.find(r.db.WithContext(ctx))
}

func (r *GormUserRepository) find(query *gorm.DB) ([]crm.User, error) {
	var rows []models.UserModel
	if err := query.Order("login ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	users := make([]crm.User, 0, len(rows))
	for i := range rows {
		users = append(users, *rows[i].ToDomain())
	}
	return users, nil
}

// Touch records activity and returns the user, or nil when unknown
func (r *GormUserRepository) Touch(ctx context.Context, login string, at time.Time) (*crm.User, error) {
	result := r.db.WithContext(ctx).Model(&models.UserModel{}).
		Where("login = ?", login).
		Update("last_online", at)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return r.FindByLogin(ctx, login)
}

// RecordLogin resets the failed attempts counter after a successful login
func (r *GormUserRepository) RecordLogin(ctx context.Context, login string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.UserModel{}).
		Where("login = ?", login).
		Updates(map[string]any{
			"last_login":      at,
			"last_online":     at,
			"failed_attempts": 0,
		}).Error
}

// RecordFailedAttempt increments the failed attempts counter and bans the
// user once it reaches crm.MaxFailedAttempts.
func (r *GormUserRepository) RecordFailedAttempt(ctx context.Context, login string) (*crm.User, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.UserModel{}).
			Where("login = ?", login).
			Update("failed_attempts", gorm.Expr("failed_attempts + 1")).Error; err != nil {
			return err
		}
		return tx.Model(&models.UserModel{}).
			Where("login = ? AND failed_attempts >= ?", login, crm.MaxFailedAttempts).
			Update("banned", true).Error
	})
	if err != nil {
		return nil, err
	}
	return r.FindByLogin(ctx, login)
}

// Create inserts a user
func (r *GormUserRepository) Create(ctx context.Context, user *crm.User) error {
	return r.db.WithContext(ctx).Create(models.UserModelFromDomain(user)).Error
}

// GormSessionRepository implements crm.SessionRepository using GORM
type GormSessionRepository struct {
	db *gorm.DB
}

var _ crm.SessionRepository = (*GormSessionRepository)(nil)

// NewGormSessionRepository creates a new GormSessionRepository
func NewGormSessionRepository(db *gorm.DB) *GormSessionRepository {
	return &GormSessionRepository{db: db}
}

// FindLive finds a confirmed session that has not expired at now
func (r *GormSessionRepository) FindLive(ctx context.Context, token string, now time.Time) (*crm.Session, error) {
	var model models.SessionModel
	err := r.db.WithContext(ctx).
		Where("token = ? AND confirmed = ? AND expire >= ?", token, true, now.Unix()).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindPending lists unconfirmed, unexpired sessions of login, newest first
func (r *GormSessionRepository) FindPending(ctx context.Context, login string, now time.Time) ([]crm.Session, error) {
	var rows []models.SessionModel
	err := r.db.WithContext(ctx).
		Where("login = ? AND confirmed = ? AND expire >= ?", login, false, now.Unix()).
		Order("created DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]crm.Session, 0, len(rows))
	for i := range rows {
		out = append(out, *rows[i].ToDomain())
	}
	return out, nil
}

// Create inserts a session
func (r *GormSessionRepository) Create(ctx context.Context, s *crm.Session) error {
	return r.db.WithContext(ctx).Create(&models.SessionModel{
		Token:     s.Token,
		Login:     s.Login,
		Expire:    s.Expire,
		Created:   s.Created,
		CodeHash:  s.CodeHash,
		Confirmed: s.Confirmed,
	}).Error
}

// Confirm activates a session after its code was verified and moves its
// expiry from the code lifetime to expire
func (r *GormSessionRepository) Confirm(ctx context.Context, token string, expire int64) error {
	return r.db.WithContext(ctx).Model(&models.SessionModel{}).
		Where("token = ?", token).
		Updates(map[string]any{"confirmed": true, "code_hash": "", "expire": expire}).Error
}

// DeletePending removes the unconfirmed sessions of login
func (r *GormSessionRepository) DeletePending(ctx context.Context, login string) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("login = ? AND confirmed = ?", login, false).
		Delete(&models.SessionModel{})
	return result.RowsAffected, result.Error
}

// DeleteByLogin removes every session of login
func (r *GormSessionRepository) DeleteByLogin(ctx context.Context, login string) (int64, error) {
	result := r.db.WithContext(ctx).Where("login = ?", login).Delete(&models.SessionModel{})
	return result.RowsAffected, result.Error
}
