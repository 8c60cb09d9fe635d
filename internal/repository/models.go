package repository

import (
	"strings"
	"time"

	"github.com/kursadbilgin/webhook-engine/internal/domain"
)

// SubscriptionModel is the persistence model for the subscriptions table.
type SubscriptionModel struct {
	ID                  string                    `gorm:"type:uuid;primaryKey"`
	OwnerID             string                    `gorm:"type:varchar(255);not null"`
	Name                string                    `gorm:"type:varchar(255);not null;default:''"`
	URL                 string                    `gorm:"type:varchar(2048);not null"`
	Secret              string                    `gorm:"type:varchar(128);not null"`
	Events              string                    `gorm:"type:text;not null"`
	Status              domain.SubscriptionStatus `gorm:"type:varchar(20);not null"`
	ConsecutiveFailures int                       `gorm:"not null;default:0"`
	LastAttemptAt       *time.Time
	LastSuccessAt       *time.Time
	LastErrorAt         *time.Time
	LastError           *string `gorm:"type:text"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
	DeletedAt           *time.Time
}

func (SubscriptionModel) TableName() string {
	return "subscriptions"
}

// DeliveryAttemptModel is the persistence model for delivery_attempts.
type DeliveryAttemptModel struct {
	ID             string                `gorm:"type:uuid;primaryKey"`
	SubscriptionID string                `gorm:"type:uuid;not null"`
	Event          domain.Event          `gorm:"type:varchar(100);not null"`
	Payload        []byte                `gorm:"type:bytea;not null"`
	Status         domain.DeliveryStatus `gorm:"type:varchar(20);not null"`
	StatusCode     *int                  `gorm:"type:int"`
	ResponseBody   *string               `gorm:"type:text"`
	Error          *string               `gorm:"type:text"`
	DurationMs     int64                 `gorm:"not null;default:0"`
	Attempts       int                   `gorm:"not null;default:0"`
	NextRetryAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (DeliveryAttemptModel) TableName() string {
	return "delivery_attempts"
}

// encodeEvents stores the set as ",a,b," so a LIKE on ",event," only matches whole names.
func encodeEvents(events []domain.Event) string {
	if len(events) == 0 {
		return ""
	}
	parts := make([]string, 0, len(events))
	for _, ev := range events {
		parts = append(parts, ev.String())
	}
	return "," + strings.Join(parts, ",") + ","
}

func decodeEvents(raw string) []domain.Event {
	fields := strings.Split(strings.Trim(raw, ","), ",")
	events := make([]domain.Event, 0, len(fields))
	for _, field := range fields {
		if field = strings.TrimSpace(field); field != "" {
			events = append(events, domain.Event(field))
		}
	}
	return events
}

func eventPattern(event domain.Event) string {
	return "%," + event.String() + ",%"
}

func subscriptionModelFromDomain(s *domain.Subscription) *SubscriptionModel {
	if s == nil {
		return nil
	}

	return &SubscriptionModel{
		ID:                  s.ID,
		OwnerID:             s.OwnerID,
		Name:                s.Name,
		URL:                 s.URL,
		Secret:              s.Secret,
		Events:              encodeEvents(s.Events),
		Status:              s.Status,
		ConsecutiveFailures: s.ConsecutiveFailures,
		LastAttemptAt:       s.LastAttemptAt,
		LastSuccessAt:       s.LastSuccessAt,
		LastErrorAt:         s.LastErrorAt,
		LastError:           s.LastError,
		CreatedAt:           s.CreatedAt,
		UpdatedAt:           s.UpdatedAt,
		DeletedAt:           s.DeletedAt,
	}
}

func subscriptionModelToDomain(m *SubscriptionModel) *domain.Subscription {
	if m == nil {
		return nil
	}

	return &domain.Subscription{
		ID:                  m.ID,
		OwnerID:             m.OwnerID,
		Name:                m.Name,
		URL:                 m.URL,
		Secret:              m.Secret,
		Events:              decodeEvents(m.Events),
		Status:              m.Status,
		ConsecutiveFailures: m.ConsecutiveFailures,
		LastAttemptAt:       m.LastAttemptAt,
		LastSuccessAt:       m.LastSuccessAt,
		LastErrorAt:         m.LastErrorAt,
		LastError:           m.LastError,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
		DeletedAt:           m.DeletedAt,
	}
}

func deliveryModelFromDomain(a *domain.DeliveryAttempt) *DeliveryAttemptModel {
	if a == nil {
		return nil
	}

	return &DeliveryAttemptModel{
		ID:             a.ID,
		SubscriptionID: a.SubscriptionID,
		Event:          a.Event,
		Payload:        a.Payload,
		Status:         a.Status,
		StatusCode:     a.StatusCode,
		ResponseBody:   a.ResponseBody,
		Error:          a.Error,
		DurationMs:     a.DurationMs,
		Attempts:       a.Attempts,
		NextRetryAt:    a.NextRetryAt,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}

func deliveryModelToDomain(m *DeliveryAttemptModel) *domain.DeliveryAttempt {
	if m == nil {
		return nil
	}

	return &domain.DeliveryAttempt{
		ID:             m.ID,
		SubscriptionID: m.SubscriptionID,
		Event:          m.Event,
		Payload:        m.Payload,
		Status:         m.Status,
		StatusCode:     m.StatusCode,
		ResponseBody:   m.ResponseBody,
		Error:          m.Error,
		DurationMs:     m.DurationMs,
		Attempts:       m.Attempts,
		NextRetryAt:    m.NextRetryAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}
