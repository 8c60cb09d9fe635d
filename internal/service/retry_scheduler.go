package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/webhook-engine/internal/domain"
	"github.com/kursadbilgin/webhook-engine/internal/observability"
	"github.com/kursadbilgin/webhook-engine/internal/provider"
	"github.com/kursadbilgin/webhook-engine/internal/ratelimit"
	"github.com/kursadbilgin/webhook-engine/internal/repository"
	"github.com/kursadbilgin/webhook-engine/internal/signer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSweepLimit       = 100
	defaultSweepConcurrency = 8
	// retryLease hides a claimed row from other sweeps while it is in flight.
	retryLease = 5 * time.Minute
)

// SweepReport summarizes one retry sweep.
type SweepReport struct {
	Due         int `json:"due"`
	Delivered   int `json:"delivered"`
	Rescheduled int `json:"rescheduled"`
	Exhausted   int `json:"exhausted"`
	Skipped     int `json:"skipped"`
	Errors      int `json:"errors"`
}

type sweepOutcome int

const (
	sweepSkipped sweepOutcome = iota
	sweepDelivered
	sweepRescheduled
	sweepExhausted
	sweepError
)

// RetryScheduler re-sends failed deliveries whose retry time has come.
type RetryScheduler struct {
	deliveries    repository.DeliveryRepository
	subscriptions repository.SubscriptionRepository
	provider      provider.Provider
	breaker       OutcomeRecorder
	rateLimiter   ratelimit.RateLimiter
	logger        *zap.Logger
	metrics       *observability.Metrics
	concurrency   int
}

func NewRetryScheduler(
	deliveries repository.DeliveryRepository,
	subscriptions repository.SubscriptionRepository,
	provider provider.Provider,
	breaker OutcomeRecorder,
	rateLimiter ratelimit.RateLimiter,
	concurrency int,
	logger *zap.Logger,
) (*RetryScheduler, error) {
	if deliveries == nil {
		return nil, fmt.Errorf("delivery repository is required")
	}
	if subscriptions == nil {
		return nil, fmt.Errorf("subscription repository is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if breaker == nil {
		return nil, fmt.Errorf("circuit breaker is required")
	}
	if rateLimiter == nil {
		rateLimiter = ratelimit.Unlimited{}
	}
	if concurrency < 1 {
		concurrency = defaultSweepConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetryScheduler{
		deliveries:    deliveries,
		subscriptions: subscriptions,
		provider:      provider,
		breaker:       breaker,
		rateLimiter:   rateLimiter,
		logger:        logger,
		concurrency:   concurrency,
	}, nil
}

func (s *RetryScheduler) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Sweep retries up to limit due deliveries, most overdue first. Each row is
// re-signed with the subscription's current secret and keeps its delivery id.
// Only a failure to list due rows is returned.
func (s *RetryScheduler) Sweep(ctx context.Context, now time.Time, limit int) (SweepReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if limit < 1 {
		limit = defaultSweepLimit
	}
	now = now.UTC()

	due, err := s.deliveries.DueForRetry(ctx, now, limit)
	if err != nil {
		return SweepReport{}, fmt.Errorf("failed to fetch due retries: %w", err)
	}
	s.metrics.AddSweepDue(len(due))

	outcomes := make([]sweepOutcome, len(due))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i := range due {
		i := i
		attempt := due[i]
		g.Go(func() error {
			outcomes[i] = s.retrySafely(ctx, attempt, now)
			return nil
		})
	}
	_ = g.Wait()

	report := SweepReport{Due: len(due)}
	for _, outcome := range outcomes {
		switch outcome {
		case sweepDelivered:
			report.Delivered++
		case sweepRescheduled:
			report.Rescheduled++
		case sweepExhausted:
			report.Exhausted++
		case sweepError:
			report.Errors++
		default:
			report.Skipped++
		}
	}

	if report.Due > 0 {
		s.logger.Info("retry sweep finished",
			zap.Int("due", report.Due),
			zap.Int("delivered", report.Delivered),
			zap.Int("rescheduled", report.Rescheduled),
			zap.Int("exhausted", report.Exhausted),
			zap.Int("skipped", report.Skipped),
			zap.Int("errors", report.Errors),
		)
	}
	return report, nil
}

func (s *RetryScheduler) retrySafely(ctx context.Context, attempt domain.DeliveryAttempt, now time.Time) (outcome sweepOutcome) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("retry panicked",
				zap.String("deliveryId", attempt.ID),
				zap.String("subscriptionId", attempt.SubscriptionID),
				zap.Any("panic", r),
			)
			outcome = sweepError
		}
	}()
	return s.retry(ctx, attempt, now)
}

func (s *RetryScheduler) retry(ctx context.Context, attempt domain.DeliveryAttempt, now time.Time) sweepOutcome {
	ctx = observability.WithDelivery(ctx, attempt.SubscriptionID, attempt.ID)
	log := observability.WithContextLogger(s.logger, ctx).With(
		zap.String("event", attempt.Event.String()),
		zap.Int("previousAttempts", attempt.Attempts),
	)
	// A claimed row is sent to completion or transport timeout even if the
	// sweep is canceled, and its outcome is always recorded.
	detached := context.WithoutCancel(ctx)

	claimed, err := s.deliveries.ClaimForRetry(ctx, attempt.ID, attempt.Attempts, now, now.Add(retryLease))
	if err != nil {
		log.Error("failed to claim delivery for retry", zap.Error(err))
		return sweepError
	}
	if !claimed {
		log.Debug("delivery already claimed by another sweep")
		return sweepSkipped
	}

	sub, err := s.subscriptions.GetByID(detached, attempt.SubscriptionID)
	if err != nil {
		log.Error("failed to load subscription for retry", zap.Error(err))
		return sweepError
	}
	if sub.Status != domain.SubscriptionStatusActive || sub.DeletedAt != nil {
		log.Info("subscription no longer active, retry skipped", zap.String("status", sub.Status.String()))
		return sweepSkipped
	}

	timestamp := signer.FormatTimestamp(now)
	if env, err := signer.ParseEnvelope(attempt.Payload); err == nil && env.Timestamp != "" {
		timestamp = env.Timestamp
	}

	waitForSlot(detached, s.rateLimiter, sub.ID, log)

	result := sendTracked(detached, s.provider, s.metrics, provider.SendRequest{
		URL:        sub.URL,
		Envelope:   attempt.Payload,
		Signature:  signer.Sign(attempt.Payload, sub.Secret),
		DeliveryID: attempt.ID,
		Timestamp:  timestamp,
	})

	attempts := attempt.Attempts + 1
	nextRetryAt := domain.NextRetryAt(now, attempts)
	recordErr := s.deliveries.RecordOutcome(detached, attempt.ID, toOutcomeRecord(result, nextRetryAt), 1)
	s.breaker.OnOutcome(detached, sub.ID, result)

	duration := time.Duration(result.DurationMs) * time.Millisecond
	if recordErr != nil {
		if errors.Is(recordErr, domain.ErrConflict) {
			log.Warn("delivery changed during retry, outcome dropped", zap.Bool("ok", result.OK))
		} else {
			log.Error("failed to record retry outcome", zap.Bool("ok", result.OK), zap.Error(recordErr))
		}
		return sweepError
	}

	switch {
	case result.OK:
		s.metrics.ObserveDelivery(attempt.Event.String(), observability.OutcomeDelivered, duration)
		log.Info("webhook delivered on retry", zap.Int("attempts", attempts))
		return sweepDelivered
	case nextRetryAt == nil:
		s.metrics.ObserveDelivery(attempt.Event.String(), observability.OutcomeExhausted, duration)
		log.Warn("webhook retries exhausted",
			zap.Int("attempts", attempts),
			zap.Intp("statusCode", result.StatusCode),
			zap.String("reason", result.Reason()),
		)
		return sweepExhausted
	default:
		s.metrics.ObserveDelivery(attempt.Event.String(), observability.OutcomeFailed, duration)
		s.metrics.IncRetryScheduled(attempt.Event.String())
		log.Info("webhook retry failed, rescheduled",
			zap.Int("attempts", attempts),
			zap.Time("nextRetryAt", *nextRetryAt),
			zap.String("reason", result.Reason()),
		)
		return sweepRescheduled
	}
}
