package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/webhook-engine/internal/domain"
	"github.com/kursadbilgin/webhook-engine/internal/observability"
	"github.com/kursadbilgin/webhook-engine/internal/provider"
	"github.com/kursadbilgin/webhook-engine/internal/queue"
	"github.com/kursadbilgin/webhook-engine/internal/ratelimit"
	"github.com/kursadbilgin/webhook-engine/internal/repository"
	"github.com/kursadbilgin/webhook-engine/internal/signer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultDispatchConcurrency = 16

// DispatchResult is the per-subscriber outcome of one Dispatch call.
type DispatchResult struct {
	SubscriptionID string `json:"subscriptionId"`
	DeliveryID     string `json:"deliveryId,omitempty"`
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
}

// DispatcherDeps groups the collaborators of a Dispatcher. RateLimiter and
// Publisher are optional.
type DispatcherDeps struct {
	Resolver    SubscriberResolver
	Deliveries  repository.DeliveryRepository
	Provider    provider.Provider
	Breaker     OutcomeRecorder
	RateLimiter ratelimit.RateLimiter
	Publisher   queue.Publisher
	Logger      *zap.Logger
}

// Dispatcher fans one event out to every subscribed endpoint. A failing
// subscriber only ever affects its own result.
type Dispatcher struct {
	resolver    SubscriberResolver
	deliveries  repository.DeliveryRepository
	provider    provider.Provider
	breaker     OutcomeRecorder
	rateLimiter ratelimit.RateLimiter
	publisher   queue.Publisher
	logger      *zap.Logger
	metrics     *observability.Metrics
	concurrency int
	now         func() time.Time
	newID       func() string
}

func NewDispatcher(deps DispatcherDeps, concurrency int) (*Dispatcher, error) {
	if deps.Resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	if deps.Deliveries == nil {
		return nil, fmt.Errorf("delivery repository is required")
	}
	if deps.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if deps.Breaker == nil {
		return nil, fmt.Errorf("circuit breaker is required")
	}
	if deps.RateLimiter == nil {
		deps.RateLimiter = ratelimit.Unlimited{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if concurrency < 1 {
		concurrency = defaultDispatchConcurrency
	}

	return &Dispatcher{
		resolver:    deps.Resolver,
		deliveries:  deps.Deliveries,
		provider:    deps.Provider,
		breaker:     deps.Breaker,
		rateLimiter: deps.RateLimiter,
		publisher:   deps.Publisher,
		logger:      deps.Logger,
		concurrency: concurrency,
		now:         time.Now,
		newID:       uuid.NewString,
	}, nil
}

func (d *Dispatcher) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

// Dispatch delivers event to all active subscribers and waits for every send to
// finish. Only envelope and resolver errors are returned; delivery failures are
// reported per subscriber and scheduled for retry.
func (d *Dispatcher) Dispatch(ctx context.Context, event domain.Event, data json.RawMessage) ([]DispatchResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	now := d.now().UTC()
	envelope, err := signer.BuildEnvelope(event, now, data)
	if err != nil {
		return nil, err
	}

	subscribers, err := d.resolver.Resolve(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve subscribers for %s: %w", event, err)
	}

	results := make([]DispatchResult, len(subscribers))
	if len(subscribers) == 0 {
		observability.WithContextLogger(d.logger, ctx).Debug("no subscribers for event",
			zap.String("event", event.String()),
		)
		return results, nil
	}

	timestamp := signer.FormatTimestamp(now)

	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i := range subscribers {
		i := i
		sub := subscribers[i]
		g.Go(func() error {
			results[i] = d.deliverSafely(ctx, sub, event, envelope, timestamp)
			return nil
		})
	}
	_ = g.Wait()

	return results, nil
}

// DispatchAsync validates the payload and queues the event for a worker to
// dispatch. It returns the event id used for log correlation.
func (d *Dispatcher) DispatchAsync(ctx context.Context, event domain.Event, data json.RawMessage) (string, error) {
	if d.publisher == nil {
		return "", fmt.Errorf("event publisher is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := d.now().UTC()
	envelope, err := signer.BuildEnvelope(event, now, data)
	if err != nil {
		return "", err
	}
	parsed, err := signer.ParseEnvelope(envelope)
	if err != nil {
		return "", err
	}

	msg := queue.EventMessage{
		EventID:    d.newID(),
		Event:      event,
		Data:       parsed.Data,
		OccurredAt: now,
	}
	if err := d.publisher.Publish(ctx, queue.EventsQueue, msg); err != nil {
		return "", fmt.Errorf("failed to queue event %s: %w", event, err)
	}

	observability.WithContextLogger(d.logger, observability.WithEventID(ctx, msg.EventID)).Debug("event queued",
		zap.String("event", event.String()),
	)
	return msg.EventID, nil
}

func (d *Dispatcher) deliverSafely(
	ctx context.Context,
	sub domain.Subscription,
	event domain.Event,
	envelope []byte,
	timestamp string,
) (result DispatchResult) {
	result.SubscriptionID = sub.ID
	// Once fan-out begins each send runs to completion or transport timeout.
	// Caller cancellation must not abort it or charge the endpoint a failure.
	detached := observability.WithSubscription(context.WithoutCancel(ctx), sub.ID)
	settled := false

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		logCtx := detached
		if result.DeliveryID != "" {
			logCtx = observability.WithDelivery(detached, sub.ID, result.DeliveryID)
		}
		log := observability.WithContextLogger(d.logger, logCtx)
		log.Error("delivery panicked", zap.Any("panic", r))
		result.Success = false
		result.Error = fmt.Sprintf("internal error: %v", r)

		if result.DeliveryID == "" || settled {
			return
		}
		// Hand the pending row to the retry path. The panic is ours, so the
		// endpoint's breaker is left alone.
		reason := domain.Truncate(result.Error, domain.MaxAttemptErrorLength)
		record := repository.OutcomeRecord{
			Status:      domain.DeliveryStatusFailed,
			Error:       &reason,
			NextRetryAt: domain.NextRetryAt(d.now(), 1),
		}
		if err := d.deliveries.RecordOutcome(detached, result.DeliveryID, record, 1); err != nil {
			log.Error("failed to record panicked delivery", zap.Error(err))
		}
	}()

	d.deliver(detached, sub, event, envelope, timestamp, &result, &settled)
	return result
}

// deliver fills result as it progresses so a recovered panic still reports
// the delivery id. settled flips once the ledger row has left pending.
func (d *Dispatcher) deliver(
	ctx context.Context,
	sub domain.Subscription,
	event domain.Event,
	envelope []byte,
	timestamp string,
	result *DispatchResult,
	settled *bool,
) {
	log := observability.WithContextLogger(d.logger, ctx).With(zap.String("event", event.String()))

	attempt := &domain.DeliveryAttempt{
		ID:             d.newID(),
		SubscriptionID: sub.ID,
		Event:          event,
		Payload:        envelope,
	}
	if err := d.deliveries.CreatePending(ctx, attempt); err != nil {
		log.Error("failed to create pending delivery", zap.Error(err))
		result.Error = fmt.Sprintf("failed to record delivery: %v", err)
		return
	}
	result.DeliveryID = attempt.ID
	ctx = observability.WithDelivery(ctx, sub.ID, attempt.ID)
	log = observability.WithContextLogger(d.logger, ctx).With(zap.String("event", event.String()))

	waitForSlot(ctx, d.rateLimiter, sub.ID, log)

	outcome := sendTracked(ctx, d.provider, d.metrics, provider.SendRequest{
		URL:        sub.URL,
		Envelope:   envelope,
		Signature:  signer.Sign(envelope, sub.Secret),
		DeliveryID: attempt.ID,
		Timestamp:  timestamp,
	})

	nextRetryAt := domain.NextRetryAt(d.now(), 1)
	err := d.deliveries.RecordOutcome(ctx, attempt.ID, toOutcomeRecord(outcome, nextRetryAt), 1)
	*settled = true
	if err != nil {
		log.Error("failed to record delivery outcome", zap.Bool("ok", outcome.OK), zap.Error(err))
	}
	d.breaker.OnOutcome(ctx, sub.ID, outcome)

	duration := time.Duration(outcome.DurationMs) * time.Millisecond
	if outcome.OK {
		d.metrics.ObserveDelivery(event.String(), observability.OutcomeDelivered, duration)
		log.Debug("webhook delivered", zap.Int64("durationMs", outcome.DurationMs))
		result.Success = true
		return
	}

	d.metrics.ObserveDelivery(event.String(), observability.OutcomeFailed, duration)
	d.metrics.IncRetryScheduled(event.String())
	log.Warn("webhook delivery failed, retry scheduled",
		zap.Intp("statusCode", outcome.StatusCode),
		zap.Int64("durationMs", outcome.DurationMs),
		zap.String("reason", outcome.Reason()),
	)
	result.Error = outcome.Reason()
}
