package ratelimit

import "context"

// RateLimiter caps outbound deliveries per subscription endpoint.
type RateLimiter interface {
	Allow(ctx context.Context, subscriptionID string) (bool, error)
	Wait(ctx context.Context, subscriptionID string) error
}

// Unlimited never throttles. It is used when no per-endpoint limit is configured.
type Unlimited struct{}

var _ RateLimiter = Unlimited{}

func (Unlimited) Allow(context.Context, string) (bool, error) { return true, nil }

func (Unlimited) Wait(ctx context.Context, _ string) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
