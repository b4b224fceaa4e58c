package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/vanpelt/rit/internal/broker"
	"github.com/vanpelt/rit/internal/gate"
	"github.com/vanpelt/rit/internal/logger"
	"github.com/vanpelt/rit/internal/registry"
	"github.com/vanpelt/rit/internal/relay"
	"github.com/vanpelt/rit/internal/services"
)

// ErrorResponse is the JSON body of every failed request.
// @Description Error payload
type ErrorResponse struct {
	Error string `json:"error" example:"broker: session not ready"`
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, broker.ErrUnknownSession),
		errors.Is(err, registry.ErrNotFound),
		errors.Is(err, services.ErrUnknownTerminal),
		errors.Is(err, gate.ErrNothingPending):
		return fiber.StatusNotFound
	case errors.Is(err, broker.ErrConfirmRequired),
		errors.Is(err, relay.ErrDuplicateRequest):
		return fiber.StatusConflict
	case errors.Is(err, gate.ErrUnknownChoice):
		return fiber.StatusBadRequest
	case errors.Is(err, broker.ErrNotReady),
		errors.Is(err, broker.ErrNoSpawner),
		errors.Is(err, broker.ErrShuttingDown):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func respondError(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	if status >= fiber.StatusInternalServerError {
		logger.Errorf("❌ %s %s failed: %v", c.Method(), c.Path(), err)
	}
	return c.Status(status).JSON(ErrorResponse{Error: err.Error()})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: msg})
}
