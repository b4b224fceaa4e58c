package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vanpelt/rit/internal/broker"
	"github.com/vanpelt/rit/internal/config"
	"github.com/vanpelt/rit/internal/protocol"
	"github.com/vanpelt/rit/internal/ptyhost"
	"github.com/vanpelt/rit/internal/ptyhost/ptyhosttest"
	"github.com/vanpelt/rit/internal/services"
	"github.com/vanpelt/rit/internal/terminal"
	"github.com/vanpelt/rit/internal/transport"
)

func echoOpener() terminal.Opener {
	return func(context.Context, string) (terminal.PTY, error) {
		toHostR, toHostW := io.Pipe()
		fromHostR, fromHostW := io.Pipe()
		host := ptyhost.NewHost(&ptyhosttest.EchoSpawner{})
		go func() {
			_ = host.Serve(context.Background(), toHostR, fromHostW)
			_ = fromHostW.Close()
		}()
		return transport.New(fromHostR, toHostW), nil
	}
}

func serveWS(t *testing.T, b *broker.Broker, terminals *services.TerminalService) string {
	t.Helper()
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	v1 := app.Group("/v1")
	NewMirrorHandler(context.Background(), b).RegisterRoutes(v1)
	if terminals != nil {
		NewTerminalHandler(b, terminals).RegisterRoutes(v1)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })
	return "ws://" + ln.Addr().String()
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn, typ string) protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		messageType, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if messageType != websocket.TextMessage {
			continue
		}
		var msg protocol.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg.Type == typ {
			return msg
		}
	}
}

func TestMirrorWebSocketRoundTrip(t *testing.T) {
	b := setupBroker(t)
	owner := connectOwner(b, "A")
	url := serveWS(t, b, nil)

	conn := dial(t, url+"/v1/mirror?session=A")
	inventory := readMessage(t, conn, protocol.TypeSessionsUpdated)
	require.Len(t, inventory.Sessions, 1)

	require.NoError(t, conn.WriteJSON(protocol.Message{Type: protocol.TypeStdin, Text: "ls\n"}))
	require.Eventually(t, func() bool {
		return len(owner.received(protocol.TypeStdin)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "ls\n", string(owner.received(protocol.TypeStdin)[0].Data))

	b.OwnerMessage(owner, protocol.Message{Type: protocol.TypeData, Data: []byte("file.txt\r\n")})
	data := readMessage(t, conn, protocol.TypeData)
	assert.Equal(t, "A", data.Session)
	assert.Equal(t, "file.txt\r\n", string(data.Data))
}

func TestMirrorWebSocketRejectsGarbage(t *testing.T) {
	b := setupBroker(t)
	url := serveWS(t, b, nil)

	conn := dial(t, url+"/v1/mirror")
	readMessage(t, conn, protocol.TypeSessionsUpdated)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg := readMessage(t, conn, protocol.TypeError)
	assert.Contains(t, msg.Error, "invalid message")
}

func TestMirrorRequiresUpgrade(t *testing.T) {
	b := setupBroker(t)
	app := fiber.New()
	NewMirrorHandler(context.Background(), b).RegisterRoutes(app.Group("/v1"))

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/mirror", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}

func TestTerminalWebSocket(t *testing.T) {
	b := setupBroker(t)
	terminals := services.NewTerminalService(context.Background(), b, config.DefaultSettings, echoOpener())
	url := serveWS(t, b, terminals)

	conn := dial(t, url+"/v1/terminal?window=w1")
	title := readMessage(t, conn, protocol.TypeSetName)
	require.NotEmpty(t, title.Session)
	assert.Equal(t, "Terminal", title.Text)

	require.Eventually(t, func() bool { return b.Registry().IsReady(title.Session) }, 2*time.Second, 10*time.Millisecond)
	info, err := b.Registry().Get(title.Session)
	require.NoError(t, err)
	assert.Equal(t, "w1", info.WindowRef)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("hello\n")))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var out strings.Builder
	for !strings.Contains(out.String(), "hello") {
		messageType, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if messageType == websocket.BinaryMessage {
			out.Write(data)
		}
	}

	require.NoError(t, conn.Close())
	term, ok := terminals.Get(title.Session)
	require.True(t, ok)
	assert.False(t, term.Stopped())
}

func TestTerminalWebSocketUnknownSession(t *testing.T) {
	b := setupBroker(t)
	terminals := services.NewTerminalService(context.Background(), b, config.DefaultSettings, echoOpener())
	url := serveWS(t, b, terminals)

	_, resp, err := websocket.DefaultDialer.Dial(url+"/v1/terminal?session=missing", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}
