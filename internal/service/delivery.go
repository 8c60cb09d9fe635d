package service

import (
	"context"
	"time"

	"github.com/kursadbilgin/webhook-engine/internal/domain"
	"github.com/kursadbilgin/webhook-engine/internal/observability"
	"github.com/kursadbilgin/webhook-engine/internal/provider"
	"github.com/kursadbilgin/webhook-engine/internal/ratelimit"
	"github.com/kursadbilgin/webhook-engine/internal/repository"
	"go.uber.org/zap"
)

// toOutcomeRecord converts a transport outcome into the ledger update.
// nextRetryAt is ignored for successful sends.
func toOutcomeRecord(outcome provider.Outcome, nextRetryAt *time.Time) repository.OutcomeRecord {
	record := repository.OutcomeRecord{
		StatusCode: outcome.StatusCode,
		DurationMs: outcome.DurationMs,
	}
	if outcome.Body != "" {
		body := domain.Truncate(outcome.Body, domain.MaxResponseBodyLength)
		record.ResponseBody = &body
	}

	if outcome.OK {
		record.Status = domain.DeliveryStatusDelivered
		return record
	}

	record.Status = domain.DeliveryStatusFailed
	record.NextRetryAt = nextRetryAt
	if reason := outcome.Reason(); reason != "" {
		reason = domain.Truncate(reason, domain.MaxAttemptErrorLength)
		record.Error = &reason
	}
	return record
}

// waitForSlot throttles per endpoint. A limiter outage must not block deliveries,
// so errors other than cancellation are logged and ignored.
func waitForSlot(ctx context.Context, limiter ratelimit.RateLimiter, subscriptionID string, logger *zap.Logger) {
	if limiter == nil {
		return
	}
	if err := limiter.Wait(ctx, subscriptionID); err != nil && ctx.Err() == nil {
		logger.Warn("rate limiter unavailable, sending without throttle",
			zap.Error(err),
		)
	}
}

func sendTracked(ctx context.Context, p provider.Provider, metrics *observability.Metrics, req provider.SendRequest) provider.Outcome {
	metrics.IncDispatchInFlight()
	defer metrics.DecDispatchInFlight()
	return p.Send(ctx, req)
}
