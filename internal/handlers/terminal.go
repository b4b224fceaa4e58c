package handlers

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"
	"github.com/vanpelt/rit/internal/broker"
	"github.com/vanpelt/rit/internal/logger"
	"github.com/vanpelt/rit/internal/protocol"
	"github.com/vanpelt/rit/internal/services"
	"github.com/vanpelt/rit/internal/terminal"
)

// TerminalHandler serves the interactive view of a session. The websocket
// is the session's window: the terminal keeps running when it goes away.
type TerminalHandler struct {
	broker    *broker.Broker
	terminals *services.TerminalService
	log       zerolog.Logger
}

// NewTerminalHandler creates a new terminal handler
func NewTerminalHandler(b *broker.Broker, terminals *services.TerminalService) *TerminalHandler {
	return &TerminalHandler{broker: b, terminals: terminals, log: logger.For("terminal-ws")}
}

// RegisterRoutes mounts the terminal websocket on v1
func (h *TerminalHandler) RegisterRoutes(v1 fiber.Router) {
	v1.Get("/terminal", h.HandleWebSocket)
}

// wsRenderer paints a terminal on a websocket: output as binary frames,
// control messages as JSON text frames.
type wsRenderer struct {
	ws *wsConn
}

func (r wsRenderer) Output(p []byte) error {
	return r.ws.write(websocket.BinaryMessage, p)
}

func (r wsRenderer) Control(msg protocol.Message) error {
	return r.ws.Send(msg)
}

// HandleWebSocket attaches a view to a session's terminal
// @Summary Terminal websocket
// @Description Opens the view of a session. Without a session a new one is created. Binary frames are keyboard input; text frames carry JSON stdin, resize, focus and session control messages.
// @Tags terminal
// @Param session query string false "Session ID"
// @Param window query string false "Window reference reported in the session list"
// @Success 101 {string} string "Switching Protocols"
// @Failure 404 {object} ErrorResponse
// @Router /v1/terminal [get]
func (h *TerminalHandler) HandleWebSocket(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	session := c.Query("session")
	window := c.Query("window")
	if _, ok := h.terminals.Get(session); session != "" && !ok && !h.broker.Restorable(session) {
		return respondError(c, services.ErrUnknownTerminal)
	}
	return websocket.New(func(conn *websocket.Conn) {
		h.serve(conn, session, window)
	})(c)
}

func (h *TerminalHandler) serve(conn *websocket.Conn, session, window string) {
	ws := newWSConn(conn)
	defer ws.close()

	term, detach, err := h.terminals.Attach(session, window, wsRenderer{ws: ws})
	if err != nil {
		_ = ws.Send(protocol.ErrorMessage(session, "", err.Error()))
		return
	}
	defer detach()

	log := h.log.With().Str("session", term.ID()).Logger()
	log.Info().Str("remote", conn.RemoteAddr().String()).Msg("🖥️ View attached")
	defer func() { log.Info().Msg("🖥️ View detached") }()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if term.Stopped() {
			return
		}
		if messageType == websocket.BinaryMessage {
			h.input(ws, term, data)
			continue
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = ws.Send(protocol.ErrorMessage(term.ID(), "", "invalid message: "+err.Error()))
			continue
		}
		if err := h.handle(ws, term, msg); err != nil {
			_ = ws.Send(protocol.ErrorMessage(term.ID(), msg.RequestID, err.Error()))
		}
	}
}

func (h *TerminalHandler) handle(ws *wsConn, term *terminal.Terminal, msg protocol.Message) error {
	switch msg.Type {
	case protocol.TypeStdin:
		data := msg.Data
		if len(data) == 0 {
			data = []byte(msg.Text)
		}
		h.input(ws, term, data)
		return nil
	case protocol.TypeResize:
		term.Resize(msg.Cols, msg.Rows)
		return nil
	case protocol.TypeFocus:
		h.broker.Activate(term.ID())
		return nil
	case protocol.TypeSessionRename:
		return h.broker.Rename(term.ID(), msg.Name)
	case protocol.TypeSessionClose:
		return h.broker.CloseSession(term.ID())
	case protocol.TypeSessionTerminate:
		return h.broker.TerminateSession(term.ID(), msg.Force)
	default:
		return errors.New("unknown message type: " + msg.Type)
	}
}

func (h *TerminalHandler) input(ws *wsConn, term *terminal.Terminal, data []byte) {
	if err := term.Input(data); err != nil {
		_ = ws.Send(protocol.StateMessage(term.ID(), protocol.StateError, err.Error()))
	}
}
