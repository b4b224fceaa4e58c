package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/vanpelt/rit/internal/broker"
	"github.com/vanpelt/rit/internal/protocol"
)

// SessionsHandler exposes the session inventory and lifecycle controls
type SessionsHandler struct {
	broker *broker.Broker
}

// SessionsResponse lists every known session
// @Description Sessions in registration order
type SessionsResponse struct {
	Sessions []protocol.SessionInfo `json:"sessions"`
}

// SessionResponse identifies a single session
// @Description Session id affected by the request
type SessionResponse struct {
	ID string `json:"id" example:"5f0c6a4e-5d0e-4c1a-9b8e-0d0a2f1c3b4d"`
}

// RenameRequest carries a new display name
// @Description Display name, empty to clear
type RenameRequest struct {
	Name string `json:"name" example:"build"`
}

// NewSessionsHandler creates a new sessions handler
func NewSessionsHandler(b *broker.Broker) *SessionsHandler {
	return &SessionsHandler{broker: b}
}

// RegisterRoutes mounts the session routes on v1
func (h *SessionsHandler) RegisterRoutes(v1 fiber.Router) {
	v1.Get("/sessions", h.ListSessions)
	v1.Post("/sessions", h.CreateSession)
	v1.Patch("/sessions/:id", h.RenameSession)
	v1.Post("/sessions/:id/focus", h.FocusSession)
	v1.Post("/sessions/:id/close", h.CloseSession)
	v1.Delete("/sessions/:id", h.TerminateSession)
}

// ListSessions returns all sessions
// @Summary List sessions
// @Description Returns every known session with its label, readiness and focus
// @Tags sessions
// @Produce json
// @Success 200 {object} SessionsResponse
// @Router /v1/sessions [get]
func (h *SessionsHandler) ListSessions(c *fiber.Ctx) error {
	return c.JSON(SessionsResponse{Sessions: h.broker.List()})
}

// CreateSession starts a background session
// @Summary Create session
// @Description Spawns a headless terminal session and waits for it to connect
// @Tags sessions
// @Produce json
// @Success 201 {object} SessionResponse
// @Failure 503 {object} ErrorResponse
// @Router /v1/sessions [post]
func (h *SessionsHandler) CreateSession(c *fiber.Ctx) error {
	id, err := h.broker.CreateBackground(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(SessionResponse{ID: id})
}

// RenameSession sets a session's display name
// @Summary Rename session
// @Description Sets the display name; mirrors watching the session are reset
// @Tags sessions
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param request body RenameRequest true "New name"
// @Success 200 {object} protocol.SessionInfo
// @Failure 404 {object} ErrorResponse
// @Router /v1/sessions/{id} [patch]
func (h *SessionsHandler) RenameSession(c *fiber.Ctx) error {
	var req RenameRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	id := c.Params("id")
	if err := h.broker.Rename(id, req.Name); err != nil {
		return respondError(c, err)
	}
	info, err := h.broker.Registry().Get(id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(info)
}

// FocusSession brings a session's view forward
// @Summary Focus session
// @Tags sessions
// @Param id path string true "Session ID"
// @Success 200 {object} SessionResponse
// @Failure 404 {object} ErrorResponse
// @Router /v1/sessions/{id}/focus [post]
func (h *SessionsHandler) FocusSession(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.broker.Focus(id); err != nil {
		return respondError(c, err)
	}
	return c.JSON(SessionResponse{ID: id})
}

// CloseSession ends the session's shell but keeps the session
// @Summary Close shell
// @Description Terminates the shell; the next input starts a new one
// @Tags sessions
// @Param id path string true "Session ID"
// @Success 200 {object} SessionResponse
// @Failure 404 {object} ErrorResponse
// @Router /v1/sessions/{id}/close [post]
func (h *SessionsHandler) CloseSession(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.broker.CloseSession(id); err != nil {
		return respondError(c, err)
	}
	return c.JSON(SessionResponse{ID: id})
}

// TerminateSession closes the session entirely
// @Summary Terminate session
// @Description Closes the session's view. A ready session with close protection needs force=true
// @Tags sessions
// @Param id path string true "Session ID"
// @Param force query bool false "Skip close confirmation"
// @Success 200 {object} SessionResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /v1/sessions/{id} [delete]
func (h *SessionsHandler) TerminateSession(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.broker.TerminateSession(id, c.QueryBool("force", false)); err != nil {
		return respondError(c, err)
	}
	return c.JSON(SessionResponse{ID: id})
}
