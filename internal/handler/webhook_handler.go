package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/webhook-engine/internal/domain"
	"github.com/kursadbilgin/webhook-engine/internal/service"
)

const (
	defaultDeliveryLimit = 50
	maxDeliveryLimit     = 200
)

type WebhookService interface {
	Register(ctx context.Context, ownerID string, in service.RegisterInput) (*domain.Subscription, string, error)
	Update(ctx context.Context, id string, ownerID string, patch service.UpdatePatch) (*domain.Subscription, error)
	RotateSecret(ctx context.Context, id string, ownerID string) (string, error)
	Delete(ctx context.Context, id string, ownerID string) error
	Get(ctx context.Context, id string, ownerID string) (*domain.Subscription, error)
	ListActiveForOwner(ctx context.Context, ownerID string) ([]domain.Subscription, error)
	ListForOwner(ctx context.Context, ownerID string) ([]domain.Subscription, error)
	ListDeliveries(ctx context.Context, id string, ownerID string, limit int) ([]domain.DeliveryAttempt, error)
}

type WebhookHandler struct {
	service WebhookService
}

func NewWebhookHandler(service WebhookService) (*WebhookHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("webhook service is required")
	}
	return &WebhookHandler{service: service}, nil
}

func RegisterWebhookRoutes(router fiber.Router, service WebhookService) error {
	h, err := NewWebhookHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/webhooks", h.CreateWebhook)
	v1.Get("/webhooks", h.ListWebhooks)
	v1.Get("/webhooks/:id", h.GetWebhook)
	v1.Patch("/webhooks/:id", h.UpdateWebhook)
	v1.Delete("/webhooks/:id", h.DeleteWebhook)
	v1.Post("/webhooks/:id/rotate-secret", h.RotateSecret)
	v1.Get("/webhooks/:id/deliveries", h.ListDeliveries)

	return nil
}

type createWebhookRequest struct {
	Name   string   `json:"name"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

type updateWebhookRequest struct {
	Name   *string  `json:"name"`
	URL    *string  `json:"url"`
	Events []string `json:"events"`
	Status *string  `json:"status"`
}

// webhookResponse never carries the signing secret.
type webhookResponse struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name,omitempty"`
	URL                 string     `json:"url"`
	Events              []string   `json:"events"`
	Status              string     `json:"status"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastAttemptAt       *time.Time `json:"lastAttemptAt,omitempty"`
	LastSuccessAt       *time.Time `json:"lastSuccessAt,omitempty"`
	LastErrorAt         *time.Time `json:"lastErrorAt,omitempty"`
	LastError           *string    `json:"lastError,omitempty"`
	CreatedAt           time.Time  `json:"createdAt,omitempty"`
	UpdatedAt           time.Time  `json:"updatedAt,omitempty"`
}

type createWebhookResponse struct {
	Subscription webhookResponse `json:"subscription"`
	Secret       string          `json:"secret"`
}

type listWebhooksResponse struct {
	Data []webhookResponse `json:"data"`
}

type deliveryResponse struct {
	ID           string     `json:"id"`
	Event        string     `json:"event"`
	Status       string     `json:"status"`
	StatusCode   *int       `json:"statusCode,omitempty"`
	ResponseBody *string    `json:"responseBody,omitempty"`
	Error        *string    `json:"error,omitempty"`
	DurationMs   int64      `json:"durationMs"`
	Attempts     int        `json:"attempts"`
	NextRetryAt  *time.Time `json:"nextRetryAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt,omitempty"`
}

type listDeliveriesResponse struct {
	Data []deliveryResponse `json:"data"`
}

func (h *WebhookHandler) CreateWebhook(c *fiber.Ctx) error {
	owner, err := requestOwner(c)
	if err != nil {
		return err
	}

	var req createWebhookRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	sub, secret, err := h.service.Register(c.Context(), owner, service.RegisterInput{
		Name:   req.Name,
		URL:    req.URL,
		Events: req.Events,
	})
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusCreated).JSON(createWebhookResponse{
		Subscription: toWebhookResponse(sub),
		Secret:       secret,
	})
}

func (h *WebhookHandler) ListWebhooks(c *fiber.Ctx) error {
	owner, err := requestOwner(c)
	if err != nil {
		return err
	}

	var subs []domain.Subscription
	switch status := strings.TrimSpace(c.Query("status")); status {
	case "":
		subs, err = h.service.ListForOwner(c.Context(), owner)
	case domain.SubscriptionStatusActive.String():
		subs, err = h.service.ListActiveForOwner(c.Context(), owner)
	default:
		return toHTTPError(fmt.Errorf("%w: status filter supports only %q", domain.ErrValidation, domain.SubscriptionStatusActive))
	}
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(listWebhooksResponse{Data: toWebhookResponses(subs)})
}

func (h *WebhookHandler) GetWebhook(c *fiber.Ctx) error {
	owner, err := requestOwner(c)
	if err != nil {
		return err
	}

	sub, err := h.service.Get(c.Context(), strings.TrimSpace(c.Params("id")), owner)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toWebhookResponse(sub))
}

func (h *WebhookHandler) UpdateWebhook(c *fiber.Ctx) error {
	owner, err := requestOwner(c)
	if err != nil {
		return err
	}

	var req updateWebhookRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	sub, err := h.service.Update(c.Context(), strings.TrimSpace(c.Params("id")), owner, service.UpdatePatch{
		Name:   req.Name,
		URL:    req.URL,
		Events: req.Events,
		Status: req.Status,
	})
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toWebhookResponse(sub))
}

func (h *WebhookHandler) DeleteWebhook(c *fiber.Ctx) error {
	owner, err := requestOwner(c)
	if err != nil {
		return err
	}

	if err := h.service.Delete(c.Context(), strings.TrimSpace(c.Params("id")), owner); err != nil {
		return toHTTPError(err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *WebhookHandler) RotateSecret(c *fiber.Ctx) error {
	owner, err := requestOwner(c)
	if err != nil {
		return err
	}

	secret, err := h.service.RotateSecret(c.Context(), strings.TrimSpace(c.Params("id")), owner)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"secret": secret})
}

func (h *WebhookHandler) ListDeliveries(c *fiber.Ctx) error {
	owner, err := requestOwner(c)
	if err != nil {
		return err
	}

	limit := c.QueryInt("limit", defaultDeliveryLimit)
	if limit < 1 || limit > maxDeliveryLimit {
		return toHTTPError(fmt.Errorf("%w: limit must be between 1 and %d", domain.ErrValidation, maxDeliveryLimit))
	}

	attempts, err := h.service.ListDeliveries(c.Context(), strings.TrimSpace(c.Params("id")), owner, limit)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]deliveryResponse, 0, len(attempts))
	for i := range attempts {
		data = append(data, toDeliveryResponse(&attempts[i]))
	}
	return c.Status(fiber.StatusOK).JSON(listDeliveriesResponse{Data: data})
}

func toWebhookResponses(subs []domain.Subscription) []webhookResponse {
	responses := make([]webhookResponse, 0, len(subs))
	for i := range subs {
		responses = append(responses, toWebhookResponse(&subs[i]))
	}
	return responses
}

func toWebhookResponse(s *domain.Subscription) webhookResponse {
	if s == nil {
		return webhookResponse{}
	}

	events := make([]string, 0, len(s.Events))
	for _, ev := range s.Events {
		events = append(events, ev.String())
	}

	return webhookResponse{
		ID:                  s.ID,
		Name:                s.Name,
		URL:                 s.URL,
		Events:              events,
		Status:              s.Status.String(),
		ConsecutiveFailures: s.ConsecutiveFailures,
		LastAttemptAt:       s.LastAttemptAt,
		LastSuccessAt:       s.LastSuccessAt,
		LastErrorAt:         s.LastErrorAt,
		LastError:           s.LastError,
		CreatedAt:           s.CreatedAt,
		UpdatedAt:           s.UpdatedAt,
	}
}

func toDeliveryResponse(a *domain.DeliveryAttempt) deliveryResponse {
	return deliveryResponse{
		ID:           a.ID,
		Event:        a.Event.String(),
		Status:       a.Status.String(),
		StatusCode:   a.StatusCode,
		ResponseBody: a.ResponseBody,
		Error:        a.Error,
		DurationMs:   a.DurationMs,
		Attempts:     a.Attempts,
		NextRetryAt:  a.NextRetryAt,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}
