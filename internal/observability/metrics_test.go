package observability

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsDeliveryCollectors(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()

	metrics.ObserveDelivery("Loan.Funded", OutcomeDelivered, 120*time.Millisecond)
	metrics.ObserveDelivery("loan.funded", OutcomeFailed, -time.Second)
	metrics.IncRetryScheduled("loan.funded")
	metrics.IncSubscriptionDisabled()
	metrics.IncDispatchInFlight()
	metrics.DecDispatchInFlight()
	metrics.AddSweepDue(3)
	metrics.AddSweepDue(0)

	if got := testutil.ToFloat64(metrics.deliveriesTotal.WithLabelValues("loan.funded", "delivered")); got != 1 {
		t.Fatalf("deliveries_total{delivered} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.deliveriesTotal.WithLabelValues("loan.funded", "failed")); got != 1 {
		t.Fatalf("deliveries_total{failed} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.retryScheduledTotal.WithLabelValues("loan.funded")); got != 1 {
		t.Fatalf("retry_scheduled_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.subscriptionsDisabledTotal); got != 1 {
		t.Fatalf("subscriptions_disabled_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.dispatchInflight); got != 0 {
		t.Fatalf("dispatch_inflight = %v, want 0", got)
	}
	if got := testutil.ToFloat64(metrics.sweepDueTotal); got != 3 {
		t.Fatalf("sweep_due_total = %v, want 3", got)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	t.Parallel()

	var metrics *Metrics
	metrics.ObserveDelivery("loan.funded", OutcomeDelivered, time.Second)
	metrics.IncRetryScheduled("loan.funded")
	metrics.IncSubscriptionDisabled()
	metrics.IncDispatchInFlight()
	metrics.DecDispatchInFlight()
	metrics.AddSweepDue(1)
}

func TestMetricsHTTPMiddlewareRecordsRequest(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/livez", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	req := httptest.NewRequest("GET", "/livez", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/livez", "200")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}

func TestMetricsHTTPMiddlewareRecordsErrorStatus(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/boom", func(c *fiber.Ctx) error {
		return errors.New("boom")
	})

	req := httptest.NewRequest("GET", "/boom", nil)
	_, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/boom", "500")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}
