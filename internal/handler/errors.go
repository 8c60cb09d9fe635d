package handler

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/webhook-engine/internal/domain"
	"github.com/kursadbilgin/webhook-engine/internal/signer"
)

// OwnerHeader carries the authenticated owner id, set by the upstream auth gateway.
const OwnerHeader = "X-Owner-ID"

func requestOwner(c *fiber.Ctx) (string, error) {
	owner := strings.TrimSpace(c.Get(OwnerHeader))
	if owner == "" {
		return "", toHTTPError(domain.ErrUnauthorized)
	}
	return owner, nil
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, signer.ErrInvalidPayload):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		return fiber.NewError(fiber.StatusUnauthorized, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
