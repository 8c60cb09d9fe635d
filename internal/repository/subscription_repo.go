package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/webhook-engine/internal/domain"
	"gorm.io/gorm"
)

// SubscriptionChanges lists the owner-editable fields; nil means unchanged.
type SubscriptionChanges struct {
	Name   *string
	URL    *string
	Events []domain.Event
	Status *domain.SubscriptionStatus
}

// SubscriptionHealth is the breaker-relevant state after a recorded failure.
type SubscriptionHealth struct {
	Status              domain.SubscriptionStatus `gorm:"column:status"`
	ConsecutiveFailures int                       `gorm:"column:consecutive_failures"`
	// Disabled reports that this failure moved the subscription to disabled.
	Disabled bool `gorm:"-"`
}

type SubscriptionRepository interface {
	Create(ctx context.Context, s *domain.Subscription) error
	GetByID(ctx context.Context, id string) (*domain.Subscription, error)
	GetForOwner(ctx context.Context, id string, ownerID string) (*domain.Subscription, error)
	ListByOwner(ctx context.Context, ownerID string, status *domain.SubscriptionStatus) ([]domain.Subscription, error)
	ListActiveByEvent(ctx context.Context, event domain.Event) ([]domain.Subscription, error)
	UpdateForOwner(ctx context.Context, id string, ownerID string, changes SubscriptionChanges) error
	RotateSecret(ctx context.Context, id string, ownerID string, secret string) error
	SoftDelete(ctx context.Context, id string, ownerID string, at time.Time) error
	RecordSuccess(ctx context.Context, id string, at time.Time) error
	RecordFailure(ctx context.Context, id string, at time.Time, message string, threshold int) (*SubscriptionHealth, error)
}

type GormSubscriptionRepo struct {
	db *gorm.DB
}

func NewGormSubscriptionRepo(db *gorm.DB) *GormSubscriptionRepo {
	return &GormSubscriptionRepo{db: db}
}

func (r *GormSubscriptionRepo) Create(ctx context.Context, s *domain.Subscription) error {
	model := subscriptionModelFromDomain(s)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if s != nil {
		*s = *subscriptionModelToDomain(model)
	}
	return nil
}

func (r *GormSubscriptionRepo) GetByID(ctx context.Context, id string) (*domain.Subscription, error) {
	var model SubscriptionModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return subscriptionModelToDomain(&model), nil
}

// GetForOwner treats rows owned by someone else exactly like missing rows.
func (r *GormSubscriptionRepo) GetForOwner(ctx context.Context, id string, ownerID string) (*domain.Subscription, error) {
	var model SubscriptionModel
	err := r.ownerScope(ctx, id, ownerID).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return subscriptionModelToDomain(&model), nil
}

func (r *GormSubscriptionRepo) ListByOwner(
	ctx context.Context,
	ownerID string,
	status *domain.SubscriptionStatus,
) ([]domain.Subscription, error) {
	query := r.db.WithContext(ctx).
		Where("owner_id = ? AND deleted_at IS NULL", ownerID)
	if status != nil {
		query = query.Where("status = ?", *status)
	}

	var models []SubscriptionModel
	if err := query.Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	return subscriptionsToDomain(models), nil
}

func (r *GormSubscriptionRepo) ListActiveByEvent(ctx context.Context, event domain.Event) ([]domain.Subscription, error) {
	var models []SubscriptionModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND deleted_at IS NULL", domain.SubscriptionStatusActive).
		Where("events LIKE ?", eventPattern(event)).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return subscriptionsToDomain(models), nil
}

func (r *GormSubscriptionRepo) UpdateForOwner(
	ctx context.Context,
	id string,
	ownerID string,
	changes SubscriptionChanges,
) error {
	updates := map[string]any{}
	if changes.Name != nil {
		updates["name"] = *changes.Name
	}
	if changes.URL != nil {
		updates["url"] = *changes.URL
	}
	if changes.Events != nil {
		updates["events"] = encodeEvents(changes.Events)
	}
	if changes.Status != nil {
		updates["status"] = *changes.Status
		// Owner reactivation clears the breaker.
		if *changes.Status == domain.SubscriptionStatusActive {
			updates["consecutive_failures"] = 0
		}
	}
	if len(updates) == 0 {
		_, err := r.GetForOwner(ctx, id, ownerID)
		return err
	}

	result := r.ownerScope(ctx, id, ownerID).
		Model(&SubscriptionModel{}).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormSubscriptionRepo) RotateSecret(ctx context.Context, id string, ownerID string, secret string) error {
	result := r.ownerScope(ctx, id, ownerID).
		Model(&SubscriptionModel{}).
		Update("secret", secret)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormSubscriptionRepo) SoftDelete(ctx context.Context, id string, ownerID string, at time.Time) error {
	result := r.ownerScope(ctx, id, ownerID).
		Model(&SubscriptionModel{}).
		Updates(map[string]any{
			"status":     domain.SubscriptionStatusDisabled,
			"deleted_at": at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormSubscriptionRepo) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&SubscriptionModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_attempt_at":      at,
			"last_success_at":      at,
			"consecutive_failures": 0,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// RecordFailure increments the failure counter in place and disables an active
// subscription once the counter reaches threshold. Health.Disabled is true only
// for the call whose update flipped the status.
func (r *GormSubscriptionRepo) RecordFailure(
	ctx context.Context,
	id string,
	at time.Time,
	message string,
	threshold int,
) (*SubscriptionHealth, error) {
	if threshold < 1 {
		threshold = domain.DefaultFailureThreshold
	}

	var health SubscriptionHealth
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&SubscriptionModel{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"last_attempt_at":      at,
				"last_error_at":        at,
				"last_error":           domain.Truncate(message, domain.MaxLastErrorLength),
				"consecutive_failures": gorm.Expr("consecutive_failures + 1"),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrNotFound
		}

		// The row lock taken above serializes concurrent failures, so only one
		// transaction sees the subscription still active past the threshold.
		result = tx.Model(&SubscriptionModel{}).
			Where("id = ? AND status = ? AND consecutive_failures >= ?", id, domain.SubscriptionStatusActive, threshold).
			Update("status", domain.SubscriptionStatusDisabled)
		if result.Error != nil {
			return result.Error
		}

		if err := tx.Model(&SubscriptionModel{}).
			Select("status", "consecutive_failures").
			Where("id = ?", id).
			Take(&health).Error; err != nil {
			return err
		}
		health.Disabled = result.RowsAffected == 1
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &health, nil
}

func (r *GormSubscriptionRepo) ownerScope(ctx context.Context, id string, ownerID string) *gorm.DB {
	return r.db.WithContext(ctx).
		Where("id = ? AND owner_id = ? AND deleted_at IS NULL", id, ownerID)
}

func subscriptionsToDomain(models []SubscriptionModel) []domain.Subscription {
	subscriptions := make([]domain.Subscription, 0, len(models))
	for i := range models {
		subscriptions = append(subscriptions, *subscriptionModelToDomain(&models[i]))
	}
	return subscriptions
}
