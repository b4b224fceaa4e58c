package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/vanpelt/rit/internal/broker"
	"github.com/vanpelt/rit/internal/store"
)

// RunHandler injects snippets through the dangerous-command gate
type RunHandler struct {
	broker *broker.Broker
}

// RunRequest is a snippet to run
// @Description Snippet and optional target session
type RunRequest struct {
	Snippet string `json:"snippet" example:"ls -la"`
	Session string `json:"session,omitempty" example:""`
}

// ConfirmRequest resolves the pending snippet
// @Description proceed or cancel
type ConfirmRequest struct {
	Choice string `json:"choice" example:"proceed"`
}

// PendingResponse describes the parked snippet, if any
// @Description Pending confirmation
type PendingResponse struct {
	Pending *store.Pending `json:"pending"`
}

// NewRunHandler creates a new run handler
func NewRunHandler(b *broker.Broker) *RunHandler {
	return &RunHandler{broker: b}
}

// RegisterRoutes mounts the run and confirm routes on v1
func (h *RunHandler) RegisterRoutes(v1 fiber.Router) {
	v1.Post("/run", h.Run)
	v1.Get("/confirm", h.GetPending)
	v1.Post("/confirm", h.Confirm)
}

// Run sends a snippet to a session
// @Summary Run snippet
// @Description Injects the snippet followed by a newline. Snippets matching a dangerous substring are parked for confirmation (202)
// @Tags run
// @Accept json
// @Produce json
// @Param request body RunRequest true "Snippet"
// @Success 200 {object} gate.Outcome
// @Success 202 {object} gate.Outcome
// @Failure 503 {object} ErrorResponse
// @Router /v1/run [post]
func (h *RunHandler) Run(c *fiber.Ctx) error {
	var req RunRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if strings.TrimSpace(req.Snippet) == "" {
		return badRequest(c, "snippet is required")
	}

	out, err := h.broker.Run(c.UserContext(), req.Session, req.Snippet)
	if err != nil {
		return respondError(c, err)
	}
	if out.Pending != nil && !out.Injected {
		return c.Status(fiber.StatusAccepted).JSON(out)
	}
	return c.JSON(out)
}

// GetPending returns the snippet waiting for confirmation
// @Summary Pending confirmation
// @Tags run
// @Produce json
// @Success 200 {object} PendingResponse
// @Router /v1/confirm [get]
func (h *RunHandler) GetPending(c *fiber.Ctx) error {
	return c.JSON(PendingResponse{Pending: h.broker.PendingConfirmation()})
}

// Confirm proceeds with or cancels the pending snippet
// @Summary Confirm snippet
// @Tags run
// @Accept json
// @Produce json
// @Param request body ConfirmRequest true "Choice"
// @Success 200 {object} gate.Outcome
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /v1/confirm [post]
func (h *RunHandler) Confirm(c *fiber.Ctx) error {
	var req ConfirmRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	out, err := h.broker.Confirm(c.UserContext(), strings.ToLower(strings.TrimSpace(req.Choice)))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(out)
}
