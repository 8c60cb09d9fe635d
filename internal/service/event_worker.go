package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kursadbilgin/webhook-engine/internal/domain"
	"github.com/kursadbilgin/webhook-engine/internal/observability"
	"github.com/kursadbilgin/webhook-engine/internal/queue"
	"github.com/kursadbilgin/webhook-engine/internal/signer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const minWorkerConcurrency = 1

// EventDispatcher is the synchronous fan-out used by the worker.
type EventDispatcher interface {
	Dispatch(ctx context.Context, event domain.Event, data json.RawMessage) ([]DispatchResult, error)
}

// EventWorker consumes queued platform events and dispatches them.
type EventWorker struct {
	consumer    queue.Consumer
	dispatcher  EventDispatcher
	logger      *zap.Logger
	concurrency int
}

func NewEventWorker(
	consumer queue.Consumer,
	dispatcher EventDispatcher,
	concurrency int,
	logger *zap.Logger,
) (*EventWorker, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &EventWorker{
		consumer:    consumer,
		dispatcher:  dispatcher,
		logger:      logger,
		concurrency: concurrency,
	}, nil
}

// Start runs concurrency consumers on the events queue until ctx is canceled.
func (w *EventWorker) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		workerID := i + 1

		g.Go(func() error {
			w.logger.Info("event worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queue.EventsQueue),
			)

			if err := w.consumer.Consume(groupCtx, queue.EventsQueue, w.processMessage); err != nil {
				w.logger.Error("event worker stopped with error",
					zap.Int("workerId", workerID),
					zap.Error(err),
				)
				return err
			}

			w.logger.Info("event worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}

	return g.Wait()
}

func (w *EventWorker) processMessage(ctx context.Context, msg queue.EventMessage) error {
	ctx = observability.WithEventID(ctx, msg.EventID)
	log := observability.WithContextLogger(w.logger, ctx).With(zap.String("event", msg.Event.String()))

	results, err := w.dispatcher.Dispatch(ctx, msg.Event, msg.Data)
	if err != nil {
		// A malformed payload will never succeed; acknowledge and drop it.
		if errors.Is(err, signer.ErrInvalidPayload) {
			log.Error("dropping event with invalid payload", zap.Error(err))
			return nil
		}
		return fmt.Errorf("failed to dispatch event %s: %w", msg.EventID, err)
	}

	failed := 0
	for _, result := range results {
		if !result.Success {
			failed++
		}
	}
	log.Info("event dispatched",
		zap.Int("subscribers", len(results)),
		zap.Int("failed", failed),
	)
	return nil
}
