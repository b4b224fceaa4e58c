package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"github.com/vanpelt/rit/internal/broker"
	"github.com/vanpelt/rit/internal/logger"
	"github.com/vanpelt/rit/internal/protocol"
)

// EventType represents the type of event that can be sent via SSE
type EventType string

const (
	SessionsUpdatedEvent EventType = "sessions:updated"
	HeartbeatEvent       EventType = "heartbeat"
)

// SSEMessage is one server-sent event
// @Description Event envelope
type SSEMessage struct {
	Type      EventType              `json:"type"`
	Sessions  []protocol.SessionInfo `json:"sessions,omitempty"`
	Timestamp int64                  `json:"timestamp"`
	ID        string                 `json:"id"`
}

// EventsHandler streams session list changes
type EventsHandler struct {
	broker    *broker.Broker
	heartbeat time.Duration
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(b *broker.Broker) *EventsHandler {
	return &EventsHandler{broker: b, heartbeat: 30 * time.Second}
}

// RegisterRoutes mounts the SSE route on v1
func (h *EventsHandler) RegisterRoutes(v1 fiber.Router) {
	v1.Get("/events", h.HandleSSE)
}

// HandleSSE handles Server-Sent Events connections
// @Summary Session events
// @Description Streams the session list whenever it changes.
// @Description
// @Description - **sessions:updated**: full session list, sent on connect and on every change
// @Description - **heartbeat**: keeps idle connections open
// @Tags events
// @Accept text/event-stream
// @Produce text/event-stream
// @Success 200 {object} SSEMessage "SSE stream of events"
// @Router /v1/events [get]
func (h *EventsHandler) HandleSSE(c *fiber.Ctx) error {
	if ah := c.Get("Accept"); ah != "" && !strings.Contains(ah, "text/event-stream") && !strings.Contains(ah, "*/*") {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error: "This endpoint only accepts Server-Sent Events (text/event-stream)",
		})
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	clientID := uuid.NewString()
	updates, cancel := h.broker.Subscribe()
	logger.Infof("🔌 SSE client connected: %s from %s", clientID, c.IP())

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer func() {
			cancel()
			logger.Infof("🔌 SSE client disconnected: %s", clientID)
		}()

		send := func(msg SSEMessage) bool {
			msg.Timestamp = time.Now().UnixMilli()
			msg.ID = uuid.NewString()
			b, _ := json.Marshal(msg)
			if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
				return false
			}
			return w.Flush() == nil
		}

		ticker := time.NewTicker(h.heartbeat)
		defer ticker.Stop()

		for {
			select {
			case list, ok := <-updates:
				if !ok {
					return
				}
				if !send(SSEMessage{Type: SessionsUpdatedEvent, Sessions: list}) {
					return
				}
			case <-ticker.C:
				if !send(SSEMessage{Type: HeartbeatEvent}) {
					return
				}
			}
		}
	}))
	return nil
}
