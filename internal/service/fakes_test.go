package service

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/kursadbilgin/webhook-engine/internal/domain"
	"github.com/kursadbilgin/webhook-engine/internal/provider"
	"github.com/kursadbilgin/webhook-engine/internal/queue"
	"github.com/kursadbilgin/webhook-engine/internal/repository"
)

type fakeSubscriptionRepo struct {
	createFn            func(ctx context.Context, s *domain.Subscription) error
	getByIDFn           func(ctx context.Context, id string) (*domain.Subscription, error)
	getForOwnerFn       func(ctx context.Context, id string, ownerID string) (*domain.Subscription, error)
	listByOwnerFn       func(ctx context.Context, ownerID string, status *domain.SubscriptionStatus) ([]domain.Subscription, error)
	listActiveByEventFn func(ctx context.Context, event domain.Event) ([]domain.Subscription, error)
	updateForOwnerFn    func(ctx context.Context, id string, ownerID string, changes repository.SubscriptionChanges) error
	rotateSecretFn      func(ctx context.Context, id string, ownerID string, secret string) error
	softDeleteFn        func(ctx context.Context, id string, ownerID string, at time.Time) error
	recordSuccessFn     func(ctx context.Context, id string, at time.Time) error
	recordFailureFn     func(ctx context.Context, id string, at time.Time, message string, threshold int) (*repository.SubscriptionHealth, error)
}

func (f *fakeSubscriptionRepo) Create(ctx context.Context, s *domain.Subscription) error {
	if f.createFn != nil {
		return f.createFn(ctx, s)
	}
	return nil
}

func (f *fakeSubscriptionRepo) GetByID(ctx context.Context, id string) (*domain.Subscription, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeSubscriptionRepo) GetForOwner(ctx context.Context, id string, ownerID string) (*domain.Subscription, error) {
	if f.getForOwnerFn != nil {
		return f.getForOwnerFn(ctx, id, ownerID)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeSubscriptionRepo) ListByOwner(ctx context.Context, ownerID string, status *domain.SubscriptionStatus) ([]domain.Subscription, error) {
	if f.listByOwnerFn != nil {
		return f.listByOwnerFn(ctx, ownerID, status)
	}
	return nil, nil
}

func (f *fakeSubscriptionRepo) ListActiveByEvent(ctx context.Context, event domain.Event) ([]domain.Subscription, error) {
	if f.listActiveByEventFn != nil {
		return f.listActiveByEventFn(ctx, event)
	}
	return nil, nil
}

func (f *fakeSubscriptionRepo) UpdateForOwner(ctx context.Context, id string, ownerID string, changes repository.SubscriptionChanges) error {
	if f.updateForOwnerFn != nil {
		return f.updateForOwnerFn(ctx, id, ownerID, changes)
	}
	return nil
}

func (f *fakeSubscriptionRepo) RotateSecret(ctx context.Context, id string, ownerID string, secret string) error {
	if f.rotateSecretFn != nil {
		return f.rotateSecretFn(ctx, id, ownerID, secret)
	}
	return nil
}

func (f *fakeSubscriptionRepo) SoftDelete(ctx context.Context, id string, ownerID string, at time.Time) error {
	if f.softDeleteFn != nil {
		return f.softDeleteFn(ctx, id, ownerID, at)
	}
	return nil
}

func (f *fakeSubscriptionRepo) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	if f.recordSuccessFn != nil {
		return f.recordSuccessFn(ctx, id, at)
	}
	return nil
}

func (f *fakeSubscriptionRepo) RecordFailure(ctx context.Context, id string, at time.Time, message string, threshold int) (*repository.SubscriptionHealth, error) {
	if f.recordFailureFn != nil {
		return f.recordFailureFn(ctx, id, at, message, threshold)
	}
	return &repository.SubscriptionHealth{Status: domain.SubscriptionStatusActive, ConsecutiveFailures: 1}, nil
}

type fakeDeliveryRepo struct {
	createPendingFn      func(ctx context.Context, a *domain.DeliveryAttempt) error
	recordOutcomeFn      func(ctx context.Context, id string, outcome repository.OutcomeRecord, inc int) error
	claimForRetryFn      func(ctx context.Context, id string, attempts int, now time.Time, leaseUntil time.Time) (bool, error)
	dueForRetryFn        func(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryAttempt, error)
	getByIDFn            func(ctx context.Context, id string) (*domain.DeliveryAttempt, error)
	listBySubscriptionFn func(ctx context.Context, subscriptionID string, limit int) ([]domain.DeliveryAttempt, error)
}

func (f *fakeDeliveryRepo) CreatePending(ctx context.Context, a *domain.DeliveryAttempt) error {
	if f.createPendingFn != nil {
		return f.createPendingFn(ctx, a)
	}
	return nil
}

func (f *fakeDeliveryRepo) RecordOutcome(ctx context.Context, id string, outcome repository.OutcomeRecord, inc int) error {
	if f.recordOutcomeFn != nil {
		return f.recordOutcomeFn(ctx, id, outcome, inc)
	}
	return nil
}

func (f *fakeDeliveryRepo) ClaimForRetry(ctx context.Context, id string, attempts int, now time.Time, leaseUntil time.Time) (bool, error) {
	if f.claimForRetryFn != nil {
		return f.claimForRetryFn(ctx, id, attempts, now, leaseUntil)
	}
	return true, nil
}

func (f *fakeDeliveryRepo) DueForRetry(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryAttempt, error) {
	if f.dueForRetryFn != nil {
		return f.dueForRetryFn(ctx, now, limit)
	}
	return nil, nil
}

func (f *fakeDeliveryRepo) GetByID(ctx context.Context, id string) (*domain.DeliveryAttempt, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeDeliveryRepo) ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]domain.DeliveryAttempt, error) {
	if f.listBySubscriptionFn != nil {
		return f.listBySubscriptionFn(ctx, subscriptionID, limit)
	}
	return nil, nil
}

type fakeProvider struct {
	mu     sync.Mutex
	calls  []provider.SendRequest
	sendFn func(ctx context.Context, req provider.SendRequest) provider.Outcome
}

func (f *fakeProvider) Send(ctx context.Context, req provider.SendRequest) provider.Outcome {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	if f.sendFn != nil {
		return f.sendFn(ctx, req)
	}
	return okOutcome()
}

func (f *fakeProvider) sent() []provider.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func okOutcome() provider.Outcome {
	code := 200
	return provider.Outcome{OK: true, StatusCode: &code, Body: "ok", DurationMs: 5}
}

func statusOutcome(code int) provider.Outcome {
	return provider.Outcome{
		StatusCode: &code,
		Body:       "upstream error",
		DurationMs: 5,
		Err:        &provider.ProviderError{StatusCode: code, Message: "non-2xx response"},
	}
}

type fakeBreaker struct {
	mu       sync.Mutex
	outcomes map[string][]bool
}

func (f *fakeBreaker) OnOutcome(_ context.Context, subscriptionID string, outcome provider.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outcomes == nil {
		f.outcomes = map[string][]bool{}
	}
	f.outcomes[subscriptionID] = append(f.outcomes[subscriptionID], outcome.OK)
}

type fakeResolver struct {
	resolveFn func(ctx context.Context, event domain.Event) ([]domain.Subscription, error)
}

func (f *fakeResolver) Resolve(ctx context.Context, event domain.Event) ([]domain.Subscription, error) {
	if f.resolveFn != nil {
		return f.resolveFn(ctx, event)
	}
	return nil, nil
}

type fakeRateLimiter struct {
	waitFn func(ctx context.Context, subscriptionID string) error
}

func (f *fakeRateLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

func (f *fakeRateLimiter) Wait(ctx context.Context, subscriptionID string) error {
	if f.waitFn != nil {
		return f.waitFn(ctx, subscriptionID)
	}
	return nil
}

type fakePublisher struct {
	publishFn func(ctx context.Context, queueName string, msg queue.EventMessage) error
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, msg queue.EventMessage) error {
	if f.publishFn != nil {
		return f.publishFn(ctx, queueName, msg)
	}
	return nil
}

func (f *fakePublisher) Close() error { return nil }

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queueName string, handler queue.MessageHandler) error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	<-ctx.Done()
	return nil
}

func (f *fakeConsumer) Close() error { return nil }

// memStore keeps subscriptions and ledger rows in memory with the same guards
// as the SQL repositories.
type memStore struct {
	mu            sync.Mutex
	subscriptions map[string]*domain.Subscription
	deliveries    map[string]*domain.DeliveryAttempt
}

func newMemStore(subs ...domain.Subscription) *memStore {
	store := &memStore{
		subscriptions: map[string]*domain.Subscription{},
		deliveries:    map[string]*domain.DeliveryAttempt{},
	}
	for i := range subs {
		sub := subs[i]
		store.subscriptions[sub.ID] = &sub
	}
	return store
}

func (m *memStore) subscription(id string) domain.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.subscriptions[id]
}

func (m *memStore) delivery(id string) domain.DeliveryAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.deliveries[id]
}

func (m *memStore) setSecret(id string, secret string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[id].Secret = secret
}

type memSubscriptions struct{ *memStore }

func (m memSubscriptions) Create(_ context.Context, s *domain.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *s
	m.subscriptions[s.ID] = &copied
	return nil
}

func (m memSubscriptions) GetByID(_ context.Context, id string) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *sub
	return &copied, nil
}

func (m memSubscriptions) GetForOwner(ctx context.Context, id string, ownerID string) (*domain.Subscription, error) {
	sub, err := m.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.OwnerID != ownerID || sub.DeletedAt != nil {
		return nil, domain.ErrNotFound
	}
	return sub, nil
}

func (m memSubscriptions) ListByOwner(_ context.Context, ownerID string, status *domain.SubscriptionStatus) ([]domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Subscription
	for _, sub := range m.subscriptions {
		if sub.OwnerID == ownerID && sub.DeletedAt == nil && (status == nil || sub.Status == *status) {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (m memSubscriptions) ListActiveByEvent(_ context.Context, event domain.Event) ([]domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Subscription
	for _, sub := range m.subscriptions {
		if sub.Status == domain.SubscriptionStatusActive && sub.DeletedAt == nil && sub.SubscribesTo(event) {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m memSubscriptions) UpdateForOwner(_ context.Context, id string, ownerID string, changes repository.SubscriptionChanges) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[id]
	if !ok || sub.OwnerID != ownerID || sub.DeletedAt != nil {
		return domain.ErrNotFound
	}
	if changes.Name != nil {
		sub.Name = *changes.Name
	}
	if changes.URL != nil {
		sub.URL = *changes.URL
	}
	if changes.Events != nil {
		sub.Events = changes.Events
	}
	if changes.Status != nil {
		sub.Status = *changes.Status
		if sub.Status == domain.SubscriptionStatusActive {
			sub.ConsecutiveFailures = 0
		}
	}
	return nil
}

func (m memSubscriptions) RotateSecret(_ context.Context, id string, ownerID string, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[id]
	if !ok || sub.OwnerID != ownerID || sub.DeletedAt != nil {
		return domain.ErrNotFound
	}
	sub.Secret = secret
	return nil
}

func (m memSubscriptions) SoftDelete(_ context.Context, id string, ownerID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[id]
	if !ok || sub.OwnerID != ownerID || sub.DeletedAt != nil {
		return domain.ErrNotFound
	}
	sub.Status = domain.SubscriptionStatusDisabled
	sub.DeletedAt = &at
	return nil
}

func (m memSubscriptions) RecordSuccess(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[id]
	if !ok {
		return domain.ErrNotFound
	}
	sub.ConsecutiveFailures = 0
	sub.LastAttemptAt = &at
	sub.LastSuccessAt = &at
	return nil
}

func (m memSubscriptions) RecordFailure(_ context.Context, id string, at time.Time, message string, threshold int) (*repository.SubscriptionHealth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	sub.ConsecutiveFailures++
	disabled := sub.Status == domain.SubscriptionStatusActive && sub.ConsecutiveFailures >= threshold
	if disabled {
		sub.Status = domain.SubscriptionStatusDisabled
	}
	msg := domain.Truncate(message, domain.MaxLastErrorLength)
	sub.LastAttemptAt = &at
	sub.LastErrorAt = &at
	sub.LastError = &msg
	return &repository.SubscriptionHealth{
		Status:              sub.Status,
		ConsecutiveFailures: sub.ConsecutiveFailures,
		Disabled:            disabled,
	}, nil
}

type memDeliveries struct{ *memStore }

func (m memDeliveries) CreatePending(_ context.Context, a *domain.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.Status = domain.DeliveryStatusPending
	a.Attempts = 0
	a.NextRetryAt = nil
	copied := *a
	copied.Payload = slices.Clone(a.Payload)
	m.deliveries[a.ID] = &copied
	return nil
}

func (m memDeliveries) RecordOutcome(_ context.Context, id string, outcome repository.OutcomeRecord, inc int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.deliveries[id]
	if !ok {
		return domain.ErrNotFound
	}
	if row.Status == domain.DeliveryStatusDelivered || row.Attempts+inc > domain.MaxDeliveryAttempts {
		return domain.ErrConflict
	}
	row.Status = outcome.Status
	row.StatusCode = outcome.StatusCode
	row.ResponseBody = outcome.ResponseBody
	row.Error = outcome.Error
	row.DurationMs = outcome.DurationMs
	row.Attempts += inc
	row.NextRetryAt = outcome.NextRetryAt
	if outcome.Status == domain.DeliveryStatusDelivered {
		row.NextRetryAt = nil
	}
	return nil
}

func (m memDeliveries) ClaimForRetry(_ context.Context, id string, attempts int, now time.Time, leaseUntil time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.deliveries[id]
	if !ok || row.Status != domain.DeliveryStatusFailed || row.Attempts != attempts ||
		row.NextRetryAt == nil || row.NextRetryAt.After(now) {
		return false, nil
	}
	row.NextRetryAt = &leaseUntil
	return true, nil
}

func (m memDeliveries) DueForRetry(_ context.Context, now time.Time, limit int) ([]domain.DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DeliveryAttempt
	for _, row := range m.deliveries {
		sub := m.subscriptions[row.SubscriptionID]
		if row.Status != domain.DeliveryStatusFailed || row.Attempts >= domain.MaxDeliveryAttempts ||
			row.NextRetryAt == nil || row.NextRetryAt.After(now) {
			continue
		}
		if sub == nil || sub.Status != domain.SubscriptionStatusActive || sub.DeletedAt != nil {
			continue
		}
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(*out[j].NextRetryAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m memDeliveries) GetByID(_ context.Context, id string) (*domain.DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.deliveries[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *row
	return &copied, nil
}

func (m memDeliveries) ListBySubscription(_ context.Context, subscriptionID string, limit int) ([]domain.DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DeliveryAttempt
	for _, row := range m.deliveries {
		if row.SubscriptionID == subscriptionID {
			out = append(out, *row)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) deliveriesFor(subscriptionID string) []domain.DeliveryAttempt {
	rows, _ := memDeliveries{m}.ListBySubscription(context.Background(), subscriptionID, 0)
	return rows
}
