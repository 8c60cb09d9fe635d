package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/webhook-engine/internal/domain"
	"github.com/kursadbilgin/webhook-engine/internal/service"
)

type EventPublisher interface {
	DispatchAsync(ctx context.Context, event domain.Event, data json.RawMessage) (string, error)
}

type RetrySweeper interface {
	RunOnce(ctx context.Context) (service.SweepReport, bool, error)
}

type EventHandler struct {
	publisher EventPublisher
	sweeper   RetrySweeper
}

func NewEventHandler(publisher EventPublisher, sweeper RetrySweeper) (*EventHandler, error) {
	if publisher == nil {
		return nil, fmt.Errorf("event publisher is required")
	}
	if sweeper == nil {
		return nil, fmt.Errorf("retry sweeper is required")
	}
	return &EventHandler{publisher: publisher, sweeper: sweeper}, nil
}

// RegisterEventRoutes mounts the event catalog, the internal emit endpoint and
// the sweep trigger used by external cron.
func RegisterEventRoutes(router fiber.Router, publisher EventPublisher, sweeper RetrySweeper) error {
	h, err := NewEventHandler(publisher, sweeper)
	if err != nil {
		return err
	}

	router.Get("/v1/events", h.ListEvents)
	router.Post("/v1/events", h.PublishEvent)
	router.Post("/internal/retries/sweep", h.SweepRetries)

	return nil
}

type publishEventRequest struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type sweepResponse struct {
	Ran    bool                `json:"ran"`
	Report service.SweepReport `json:"report"`
}

func (h *EventHandler) ListEvents(c *fiber.Ctx) error {
	catalog := domain.EventCatalog()
	events := make([]string, 0, len(catalog))
	for _, ev := range catalog {
		events = append(events, ev.String())
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"events": events})
}

func (h *EventHandler) PublishEvent(c *fiber.Ctx) error {
	var req publishEventRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	event, err := domain.ParseEventFromString(req.Event)
	if err != nil {
		return toHTTPError(err)
	}

	eventID, err := h.publisher.DispatchAsync(c.Context(), event, req.Data)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"eventId": eventID,
		"event":   event.String(),
	})
}

func (h *EventHandler) SweepRetries(c *fiber.Ctx) error {
	report, ran, err := h.sweeper.RunOnce(c.Context())
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(sweepResponse{Ran: ran, Report: report})
}
