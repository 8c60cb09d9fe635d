package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/webhook-engine/internal/domain"
	"github.com/kursadbilgin/webhook-engine/internal/observability"
	"github.com/kursadbilgin/webhook-engine/internal/provider"
	"github.com/kursadbilgin/webhook-engine/internal/repository"
	"go.uber.org/zap"
)

// OutcomeRecorder feeds delivery outcomes into subscription health.
type OutcomeRecorder interface {
	OnOutcome(ctx context.Context, subscriptionID string, outcome provider.Outcome)
}

// CircuitBreaker disables a subscription after threshold consecutive failures.
// Storage errors are logged and never surface to the delivery path.
type CircuitBreaker struct {
	subscriptions repository.SubscriptionRepository
	threshold     int
	logger        *zap.Logger
	metrics       *observability.Metrics
	now           func() time.Time
}

var _ OutcomeRecorder = (*CircuitBreaker)(nil)

func NewCircuitBreaker(subscriptions repository.SubscriptionRepository, threshold int, logger *zap.Logger) (*CircuitBreaker, error) {
	if subscriptions == nil {
		return nil, fmt.Errorf("subscription repository is required")
	}
	if threshold < 1 {
		threshold = domain.DefaultFailureThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &CircuitBreaker{
		subscriptions: subscriptions,
		threshold:     threshold,
		logger:        logger,
		now:           time.Now,
	}, nil
}

func (b *CircuitBreaker) SetMetrics(metrics *observability.Metrics) {
	if b == nil {
		return
	}
	b.metrics = metrics
}

func (b *CircuitBreaker) OnOutcome(ctx context.Context, subscriptionID string, outcome provider.Outcome) {
	now := b.now().UTC()
	log := observability.WithContextLogger(b.logger, observability.WithSubscription(ctx, subscriptionID))

	if outcome.OK {
		if err := b.subscriptions.RecordSuccess(ctx, subscriptionID, now); err != nil {
			log.Error("failed to record subscription success", zap.Error(err))
		}
		return
	}

	reason := outcome.Reason()
	if reason == "" {
		reason = "delivery failed"
	}

	health, err := b.subscriptions.RecordFailure(ctx, subscriptionID, now, reason, b.threshold)
	if err != nil {
		log.Error("failed to record subscription failure", zap.Error(err))
		return
	}

	// Concurrent failures can carry the counter past the threshold; the store
	// reports which of them flipped the status.
	if health.Disabled {
		log.Warn("subscription disabled after consecutive failures",
			zap.Int("consecutiveFailures", health.ConsecutiveFailures),
			zap.String("lastError", domain.Truncate(reason, domain.MaxLastErrorLength)),
		)
		b.metrics.IncSubscriptionDisabled()
	}
}
