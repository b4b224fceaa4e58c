// Package client talks to a running broker: the mirror websocket and the
// REST API used by the CLI.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/vanpelt/rit/internal/protocol"
)

var ErrNotConnected = errors.New("client: not connected")

// MirrorClient is a mirror connection to the broker.
type MirrorClient struct {
	mu    sync.Mutex
	conn  *websocket.Conn
	token string

	messages chan protocol.Message
	done     chan struct{}
	err      error
}

func NewMirrorClient() *MirrorClient {
	return &MirrorClient{
		messages: make(chan protocol.Message, 64),
		done:     make(chan struct{}),
	}
}

// WithToken sends token as a bearer credential when connecting.
func (m *MirrorClient) WithToken(token string) *MirrorClient {
	m.token = token
	return m
}

// Connect dials /v1/mirror on baseURL. A non-empty session is selected as
// soon as the broker accepts the connection.
func (m *MirrorClient) Connect(baseURL, session string) error {
	u, err := wsURL(baseURL, "/v1/mirror")
	if err != nil {
		return err
	}
	if session != "" {
		q := u.Query()
		q.Set("session", session)
		u.RawQuery = q.Encode()
	}

	var header http.Header
	if m.token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + m.token}}
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		return fmt.Errorf("failed to connect mirror: %w", err)
	}
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	go m.readLoop(conn)
	return nil
}

func (m *MirrorClient) readLoop(conn *websocket.Conn) {
	defer close(m.done)
	defer close(m.messages)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			m.err = err
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		m.messages <- msg
	}
}

// Messages delivers broker messages until the connection ends.
func (m *MirrorClient) Messages() <-chan protocol.Message {
	return m.messages
}

// Send writes a raw message.
func (m *MirrorClient) Send(msg protocol.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return ErrNotConnected
	}
	return m.conn.WriteJSON(msg)
}

// Select changes the observed session; empty clears it.
func (m *MirrorClient) Select(session string) error {
	return m.Send(protocol.Message{Type: protocol.TypeSelect, Session: session})
}

// SendStdin types data into session, or into the selection when empty.
func (m *MirrorClient) SendStdin(session string, data []byte) error {
	return m.Send(protocol.Message{Type: protocol.TypeStdin, Session: session, Data: data})
}

// RequestSnapshot asks for session's screen under requestID.
func (m *MirrorClient) RequestSnapshot(session, requestID string) error {
	return m.Send(protocol.Message{Type: protocol.TypeSnapshotRequest, Session: session, RequestID: requestID})
}

// Close ends the connection.
func (m *MirrorClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	_ = m.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := m.conn.Close()
	m.conn = nil
	return err
}

// Wait blocks until the read loop ends and returns why.
func (m *MirrorClient) Wait() error {
	<-m.done
	if websocket.IsCloseError(m.err, websocket.CloseNormalClosure) {
		return nil
	}
	return m.err
}

func wsURL(baseURL, path string) (*url.URL, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = path
	return u, nil
}
