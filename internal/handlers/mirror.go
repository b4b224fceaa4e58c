package handlers

import (
	"context"
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"
	"github.com/vanpelt/rit/internal/broker"
	"github.com/vanpelt/rit/internal/logger"
	"github.com/vanpelt/rit/internal/protocol"
)

// MirrorHandler serves mirror connections
type MirrorHandler struct {
	ctx    context.Context
	broker *broker.Broker
	log    zerolog.Logger
}

// NewMirrorHandler creates a new mirror handler. ctx bounds work started on
// behalf of mirrors, such as waiting for a session to become ready.
func NewMirrorHandler(ctx context.Context, b *broker.Broker) *MirrorHandler {
	return &MirrorHandler{ctx: ctx, broker: b, log: logger.For("mirror")}
}

// RegisterRoutes mounts the mirror websocket on v1
func (h *MirrorHandler) RegisterRoutes(v1 fiber.Router) {
	v1.Get("/mirror", h.HandleWebSocket)
}

// HandleWebSocket upgrades to a mirror connection
// @Summary Mirror websocket
// @Description Observes and drives sessions. Text frames carry JSON messages (stdin, select, snapshot.request, sessions.request and the session controls). Binary frames are stdin for the selected session.
// @Tags mirror
// @Param session query string false "Session to select on connect"
// @Success 101 {string} string "Switching Protocols"
// @Router /v1/mirror [get]
func (h *MirrorHandler) HandleWebSocket(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	session := c.Query("session")
	return websocket.New(func(conn *websocket.Conn) {
		h.serve(conn, session)
	})(c)
}

func (h *MirrorHandler) serve(conn *websocket.Conn, session string) {
	ws := newWSConn(conn)
	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()

	h.broker.ConnectMirror(ws)
	h.log.Info().Str("mirror", ws.ID()).Str("remote", conn.RemoteAddr().String()).Msg("🔌 Mirror connected")
	defer func() {
		ws.close()
		h.broker.DisconnectMirror(ws.ID())
		h.log.Info().Str("mirror", ws.ID()).Msg("🔌 Mirror disconnected")
	}()

	if session != "" {
		if err := h.broker.Select(ws.ID(), session); err != nil {
			_ = ws.Send(protocol.ErrorMessage(session, "", err.Error()))
		}
	}

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType == websocket.BinaryMessage {
			h.broker.MirrorMessage(ctx, ws.ID(), protocol.Message{Type: protocol.TypeStdin, Data: data})
			continue
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = ws.Send(protocol.ErrorMessage("", "", "invalid message: "+err.Error()))
			continue
		}
		h.broker.MirrorMessage(ctx, ws.ID(), msg)
	}
}
