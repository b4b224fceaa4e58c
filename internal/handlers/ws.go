package handlers

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/vanpelt/rit/internal/protocol"
)

var errConnClosed = errors.New("connection closed")

// wsConn serializes writes to a websocket. Broker deliveries, renderer
// output and the read loop's replies all share it.
type wsConn struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{id: uuid.NewString(), conn: conn}
}

func (w *wsConn) ID() string { return w.id }

// Send writes msg as a JSON text frame.
func (w *wsConn) Send(msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return w.write(websocket.TextMessage, data)
}

func (w *wsConn) write(messageType int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errConnClosed
	}
	return w.conn.WriteMessage(messageType, data)
}

func (w *wsConn) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}
