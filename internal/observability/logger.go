package observability

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "webhook-engine"

// deliveryFields identify the event, endpoint and ledger row a log line belongs to.
type deliveryFields struct {
	eventID        string
	subscriptionID string
	deliveryID     string
}

type deliveryFieldsKey struct{}

func NewLogger(level string) (*zap.Logger, error) {
	parsedLevel, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsedLevel)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	// Delivery failures are the audit trail of a fan-out burst; never sample them away.
	cfg.Sampling = nil
	cfg.InitialFields = map[string]any{"service": serviceName}

	logger, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, nil
}

func parseLevel(level string) (zapcore.Level, error) {
	var parsed zapcore.Level
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "" {
		normalized = "info"
	}

	if err := parsed.UnmarshalText([]byte(normalized)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	return parsed, nil
}

// WithEventID tags ctx with the id of the platform event being dispatched.
func WithEventID(ctx context.Context, eventID string) context.Context {
	return updateFields(ctx, func(f *deliveryFields) { f.eventID = eventID })
}

// WithSubscription tags ctx with the endpoint a send targets.
func WithSubscription(ctx context.Context, subscriptionID string) context.Context {
	return updateFields(ctx, func(f *deliveryFields) { f.subscriptionID = subscriptionID })
}

// WithDelivery tags ctx with the endpoint and the ledger row of one send. The
// delivery id is the X-Webhook-Id receivers see, so logs can be matched to
// receiver-side reports.
func WithDelivery(ctx context.Context, subscriptionID string, deliveryID string) context.Context {
	return updateFields(ctx, func(f *deliveryFields) {
		f.subscriptionID = subscriptionID
		f.deliveryID = deliveryID
	})
}

func EventIDFromContext(ctx context.Context) (string, bool) {
	f := fieldsFromContext(ctx)
	return f.eventID, f.eventID != ""
}

func DeliveryIDFromContext(ctx context.Context) (string, bool) {
	f := fieldsFromContext(ctx)
	return f.deliveryID, f.deliveryID != ""
}

// WithContextLogger adds whichever of eventId, subscriptionId and deliveryId ctx carries.
func WithContextLogger(logger *zap.Logger, ctx context.Context) *zap.Logger {
	if logger == nil {
		return nil
	}

	f := fieldsFromContext(ctx)
	fields := make([]zap.Field, 0, 3)
	if f.eventID != "" {
		fields = append(fields, zap.String("eventId", f.eventID))
	}
	if f.subscriptionID != "" {
		fields = append(fields, zap.String("subscriptionId", f.subscriptionID))
	}
	if f.deliveryID != "" {
		fields = append(fields, zap.String("deliveryId", f.deliveryID))
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}

func fieldsFromContext(ctx context.Context) deliveryFields {
	if ctx == nil {
		return deliveryFields{}
	}
	f, _ := ctx.Value(deliveryFieldsKey{}).(deliveryFields)
	return f
}

// updateFields copies the current fields so sibling sends never share state.
func updateFields(ctx context.Context, update func(*deliveryFields)) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	f := fieldsFromContext(ctx)
	update(&f)
	return context.WithValue(ctx, deliveryFieldsKey{}, f)
}
