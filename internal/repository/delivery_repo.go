package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/webhook-engine/internal/domain"
	"gorm.io/gorm"
)

const (
	defaultDeliveryListLimit = 50
	maxDeliveryListLimit     = 200
)

// OutcomeRecord is the persisted result of one send.
type OutcomeRecord struct {
	Status       domain.DeliveryStatus
	StatusCode   *int
	ResponseBody *string
	Error        *string
	DurationMs   int64
	NextRetryAt  *time.Time
}

type DeliveryRepository interface {
	CreatePending(ctx context.Context, a *domain.DeliveryAttempt) error
	RecordOutcome(ctx context.Context, id string, outcome OutcomeRecord, attemptsIncrement int) error
	ClaimForRetry(ctx context.Context, id string, attempts int, now time.Time, leaseUntil time.Time) (bool, error)
	DueForRetry(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryAttempt, error)
	GetByID(ctx context.Context, id string) (*domain.DeliveryAttempt, error)
	ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]domain.DeliveryAttempt, error)
}

type GormDeliveryRepo struct {
	db *gorm.DB
}

func NewGormDeliveryRepo(db *gorm.DB) *GormDeliveryRepo {
	return &GormDeliveryRepo{db: db}
}

// CreatePending inserts the row before any network call is made.
func (r *GormDeliveryRepo) CreatePending(ctx context.Context, a *domain.DeliveryAttempt) error {
	model := deliveryModelFromDomain(a)
	if model == nil {
		return errors.New("delivery attempt is required")
	}
	model.Status = domain.DeliveryStatusPending
	model.Attempts = 0
	model.NextRetryAt = nil

	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	*a = *deliveryModelToDomain(model)
	return nil
}

// RecordOutcome is the only transition out of pending. Rows that are delivered or
// whose attempt budget would be exceeded are never touched.
func (r *GormDeliveryRepo) RecordOutcome(ctx context.Context, id string, outcome OutcomeRecord, attemptsIncrement int) error {
	if !outcome.Status.IsValid() || outcome.Status == domain.DeliveryStatusPending {
		return errors.New("outcome status must be delivered or failed")
	}
	if attemptsIncrement < 0 {
		attemptsIncrement = 0
	}

	nextRetryAt := outcome.NextRetryAt
	if outcome.Status == domain.DeliveryStatusDelivered {
		nextRetryAt = nil
	}

	result := r.db.WithContext(ctx).
		Model(&DeliveryAttemptModel{}).
		Where("id = ? AND status <> ? AND attempts + ? <= ?",
			id, domain.DeliveryStatusDelivered, attemptsIncrement, domain.MaxDeliveryAttempts).
		Updates(map[string]any{
			"status":        outcome.Status,
			"status_code":   outcome.StatusCode,
			"response_body": outcome.ResponseBody,
			"error":         outcome.Error,
			"duration_ms":   outcome.DurationMs,
			"next_retry_at": nextRetryAt,
			"attempts":      gorm.Expr("attempts + ?", attemptsIncrement),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return domain.ErrConflict
	}
	return nil
}

// ClaimForRetry pushes next_retry_at to leaseUntil if the row is still due with
// the expected attempt count. Only one concurrent sweeper wins the claim.
func (r *GormDeliveryRepo) ClaimForRetry(
	ctx context.Context,
	id string,
	attempts int,
	now time.Time,
	leaseUntil time.Time,
) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&DeliveryAttemptModel{}).
		Where("id = ? AND status = ? AND attempts = ? AND next_retry_at <= ?",
			id, domain.DeliveryStatusFailed, attempts, now).
		Update("next_retry_at", leaseUntil)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *GormDeliveryRepo) DueForRetry(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryAttempt, error) {
	if limit < 1 {
		limit = 100
	}

	var models []DeliveryAttemptModel
	err := r.db.WithContext(ctx).
		Select("delivery_attempts.*").
		Joins("JOIN subscriptions ON subscriptions.id = delivery_attempts.subscription_id").
		Where("delivery_attempts.status = ? AND delivery_attempts.attempts < ?",
			domain.DeliveryStatusFailed, domain.MaxDeliveryAttempts).
		Where("delivery_attempts.next_retry_at IS NOT NULL AND delivery_attempts.next_retry_at <= ?", now).
		Where("subscriptions.status = ? AND subscriptions.deleted_at IS NULL", domain.SubscriptionStatusActive).
		Order("delivery_attempts.next_retry_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return deliveriesToDomain(models), nil
}

func (r *GormDeliveryRepo) GetByID(ctx context.Context, id string) (*domain.DeliveryAttempt, error) {
	var model DeliveryAttemptModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return deliveryModelToDomain(&model), nil
}

func (r *GormDeliveryRepo) ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]domain.DeliveryAttempt, error) {
	if limit < 1 {
		limit = defaultDeliveryListLimit
	}
	limit = min(limit, maxDeliveryListLimit)

	var models []DeliveryAttemptModel
	err := r.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return deliveriesToDomain(models), nil
}

func deliveriesToDomain(models []DeliveryAttemptModel) []domain.DeliveryAttempt {
	attempts := make([]domain.DeliveryAttempt, 0, len(models))
	for i := range models {
		attempts = append(attempts, *deliveryModelToDomain(&models[i]))
	}
	return attempts
}
