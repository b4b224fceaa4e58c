package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Pinger checks that terminals can be started
type Pinger interface {
	Ping(ctx context.Context) (time.Duration, error)
}

// HealthHandler reports server and helper health
type HealthHandler struct {
	pinger  Pinger
	version string
	started time.Time
}

// HealthResponse is the health check body
// @Description Health status
type HealthResponse struct {
	Status    string `json:"status" example:"ok"`
	Version   string `json:"version" example:"dev"`
	Uptime    string `json:"uptime" example:"1m0s"`
	HelperRTT string `json:"helperRtt,omitempty" example:"3ms"`
	Error     string `json:"error,omitempty"`
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(p Pinger, version string) *HealthHandler {
	return &HealthHandler{pinger: p, version: version, started: time.Now()}
}

// RegisterRoutes mounts the health route on v1
func (h *HealthHandler) RegisterRoutes(v1 fiber.Router) {
	v1.Get("/health", h.Health)
}

// Health checks the server and, with helper=true, the PTY helper
// @Summary Health check
// @Tags health
// @Produce json
// @Param helper query bool false "Also spawn and ping the PTY helper"
// @Success 200 {object} HealthResponse
// @Failure 503 {object} HealthResponse
// @Router /v1/health [get]
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	resp := HealthResponse{
		Status:  "ok",
		Version: h.version,
		Uptime:  time.Since(h.started).Truncate(time.Second).String(),
	}
	if !c.QueryBool("helper", false) || h.pinger == nil {
		return c.JSON(resp)
	}

	rtt, err := h.pinger.Ping(c.UserContext())
	if err != nil {
		resp.Status = "degraded"
		resp.Error = err.Error()
		return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
	}
	resp.HelperRTT = rtt.String()
	return c.JSON(resp)
}
