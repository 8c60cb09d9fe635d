package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/webhook-engine/internal/domain"
	"github.com/kursadbilgin/webhook-engine/internal/repository"
	"github.com/kursadbilgin/webhook-engine/internal/signer"
	"go.uber.org/zap"
)

// RegisterInput is an owner's request to create a subscription.
type RegisterInput struct {
	Name   string
	URL    string
	Events []string
}

// UpdatePatch carries optional changes; nil fields are left untouched.
type UpdatePatch struct {
	Name   *string
	URL    *string
	Events []string
	Status *string
}

// RegistryService manages owner-scoped webhook subscriptions.
type RegistryService struct {
	subscriptions repository.SubscriptionRepository
	deliveries    repository.DeliveryRepository
	logger        *zap.Logger
	now           func() time.Time
	newID         func() string
	newSecret     func() (string, error)
}

func NewRegistryService(
	subscriptions repository.SubscriptionRepository,
	deliveries repository.DeliveryRepository,
	logger *zap.Logger,
) (*RegistryService, error) {
	if subscriptions == nil {
		return nil, fmt.Errorf("subscription repository is required")
	}
	if deliveries == nil {
		return nil, fmt.Errorf("delivery repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RegistryService{
		subscriptions: subscriptions,
		deliveries:    deliveries,
		logger:        logger,
		now:           time.Now,
		newID:         uuid.NewString,
		newSecret:     signer.GenerateSecret,
	}, nil
}

// Register creates an active subscription. The returned secret is never exposed again.
func (s *RegistryService) Register(ctx context.Context, ownerID string, in RegisterInput) (*domain.Subscription, string, error) {
	ownerID, err := normalizeOwner(ownerID)
	if err != nil {
		return nil, "", err
	}

	events, err := domain.NormalizeEvents(in.Events)
	if err != nil {
		return nil, "", err
	}

	secret, err := s.newSecret()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate secret: %w", err)
	}

	sub := &domain.Subscription{
		ID:      s.newID(),
		OwnerID: ownerID,
		Name:    strings.TrimSpace(in.Name),
		URL:     strings.TrimSpace(in.URL),
		Secret:  secret,
		Events:  events,
		Status:  domain.SubscriptionStatusActive,
	}
	if err := sub.Validate(); err != nil {
		return nil, "", err
	}
	s.logUnknownEvents(sub.ID, events)

	if err := s.subscriptions.Create(ctx, sub); err != nil {
		return nil, "", fmt.Errorf("failed to create subscription: %w", err)
	}

	s.logger.Info("subscription registered",
		zap.String("subscriptionId", sub.ID),
		zap.String("ownerId", ownerID),
		zap.Int("events", len(events)),
	)
	return sub, secret, nil
}

func (s *RegistryService) Update(ctx context.Context, id string, ownerID string, patch UpdatePatch) (*domain.Subscription, error) {
	id, ownerID, err := normalizeScope(id, ownerID)
	if err != nil {
		return nil, err
	}

	var changes repository.SubscriptionChanges
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if len([]rune(name)) > domain.MaxNameLength {
			return nil, fmt.Errorf("%w: name exceeds %d characters", domain.ErrValidation, domain.MaxNameLength)
		}
		changes.Name = &name
	}
	if patch.URL != nil {
		target := strings.TrimSpace(*patch.URL)
		if err := domain.ValidateTargetURL(target); err != nil {
			return nil, err
		}
		changes.URL = &target
	}
	if patch.Events != nil {
		events, err := domain.NormalizeEvents(patch.Events)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			return nil, fmt.Errorf("%w: at least one event is required", domain.ErrValidation)
		}
		s.logUnknownEvents(id, events)
		changes.Events = events
	}
	if patch.Status != nil {
		status, err := domain.ParseSubscriptionStatusFromString(*patch.Status)
		if err != nil {
			return nil, err
		}
		changes.Status = &status
	}

	if err := s.subscriptions.UpdateForOwner(ctx, id, ownerID, changes); err != nil {
		return nil, err
	}
	if changes.Status != nil {
		s.logger.Info("subscription status changed by owner",
			zap.String("subscriptionId", id),
			zap.String("status", changes.Status.String()),
		)
	}

	return s.subscriptions.GetForOwner(ctx, id, ownerID)
}

// RotateSecret replaces the signing secret. Pending retries are re-signed with the new one.
func (s *RegistryService) RotateSecret(ctx context.Context, id string, ownerID string) (string, error) {
	id, ownerID, err := normalizeScope(id, ownerID)
	if err != nil {
		return "", err
	}

	secret, err := s.newSecret()
	if err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	if err := s.subscriptions.RotateSecret(ctx, id, ownerID, secret); err != nil {
		return "", err
	}

	s.logger.Info("subscription secret rotated", zap.String("subscriptionId", id))
	return secret, nil
}

func (s *RegistryService) Delete(ctx context.Context, id string, ownerID string) error {
	id, ownerID, err := normalizeScope(id, ownerID)
	if err != nil {
		return err
	}

	if err := s.subscriptions.SoftDelete(ctx, id, ownerID, s.now().UTC()); err != nil {
		return err
	}

	s.logger.Info("subscription deleted", zap.String("subscriptionId", id))
	return nil
}

func (s *RegistryService) Get(ctx context.Context, id string, ownerID string) (*domain.Subscription, error) {
	id, ownerID, err := normalizeScope(id, ownerID)
	if err != nil {
		return nil, err
	}
	return s.subscriptions.GetForOwner(ctx, id, ownerID)
}

func (s *RegistryService) ListActiveForOwner(ctx context.Context, ownerID string) ([]domain.Subscription, error) {
	ownerID, err := normalizeOwner(ownerID)
	if err != nil {
		return nil, err
	}
	active := domain.SubscriptionStatusActive
	return s.subscriptions.ListByOwner(ctx, ownerID, &active)
}

// ListForOwner includes paused and disabled subscriptions so owners can inspect failures.
func (s *RegistryService) ListForOwner(ctx context.Context, ownerID string) ([]domain.Subscription, error) {
	ownerID, err := normalizeOwner(ownerID)
	if err != nil {
		return nil, err
	}
	return s.subscriptions.ListByOwner(ctx, ownerID, nil)
}

func (s *RegistryService) ListDeliveries(ctx context.Context, id string, ownerID string, limit int) ([]domain.DeliveryAttempt, error) {
	sub, err := s.Get(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	return s.deliveries.ListBySubscription(ctx, sub.ID, limit)
}

func (s *RegistryService) logUnknownEvents(subscriptionID string, events []domain.Event) {
	for _, ev := range events {
		if !ev.IsKnown() {
			s.logger.Debug("subscription references event outside the catalog",
				zap.String("subscriptionId", subscriptionID),
				zap.String("event", ev.String()),
			)
		}
	}
}

func normalizeOwner(ownerID string) (string, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return "", fmt.Errorf("%w: owner is required", domain.ErrUnauthorized)
	}
	return ownerID, nil
}

// Malformed ids cannot exist, so they read as not found.
func normalizeScope(id string, ownerID string) (string, string, error) {
	ownerID, err := normalizeOwner(ownerID)
	if err != nil {
		return "", "", err
	}
	parsed, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return "", "", domain.ErrNotFound
	}
	return parsed.String(), ownerID, nil
}
