package service

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/webhook-engine/internal/domain"
	"github.com/kursadbilgin/webhook-engine/internal/repository"
)

// SubscriberResolver finds the subscriptions that should receive an event.
type SubscriberResolver interface {
	Resolve(ctx context.Context, event domain.Event) ([]domain.Subscription, error)
}

type Resolver struct {
	subscriptions repository.SubscriptionRepository
}

var _ SubscriberResolver = (*Resolver)(nil)

func NewResolver(subscriptions repository.SubscriptionRepository) (*Resolver, error) {
	if subscriptions == nil {
		return nil, fmt.Errorf("subscription repository is required")
	}
	return &Resolver{subscriptions: subscriptions}, nil
}

// Resolve returns active subscriptions whose event set contains event exactly.
func (r *Resolver) Resolve(ctx context.Context, event domain.Event) ([]domain.Subscription, error) {
	candidates, err := r.subscriptions.ListActiveByEvent(ctx, event)
	if err != nil {
		return nil, err
	}

	// The storage filter is a LIKE, so re-check membership exactly.
	matched := make([]domain.Subscription, 0, len(candidates))
	for i := range candidates {
		sub := candidates[i]
		if sub.Status == domain.SubscriptionStatusActive && sub.DeletedAt == nil && sub.SubscribesTo(event) {
			matched = append(matched, sub)
		}
	}
	return matched, nil
}
