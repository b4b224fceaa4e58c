package client

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vanpelt/rit/internal/broker"
	"github.com/vanpelt/rit/internal/handlers"
	"github.com/vanpelt/rit/internal/protocol"
	"github.com/vanpelt/rit/internal/store"
)

func TestNormalizeBaseURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:7681", NormalizeBaseURL("127.0.0.1:7681"))
	assert.Equal(t, "https://example.com", NormalizeBaseURL("https://example.com/"))
}

func TestAPIDecodesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "broker: close needs confirmation: A"})
	}))
	defer srv.Close()

	err := NewAPI(srv.URL).Terminate(context.Background(), "A", false)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Contains(t, apiErr.Message, "confirmation")
}

func TestAPIRunSendsSnippet(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/run", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"injected":false,"pending":{"snippet":"reboot","dangerous":["reboot"]}}`))
	}))
	defer srv.Close()

	out, err := NewAPI(srv.URL).Run(context.Background(), "A", "reboot")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"session": "A", "snippet": "reboot"}, got)
	assert.False(t, out.Injected)
	require.NotNil(t, out.Pending)
	assert.Equal(t, []string{"reboot"}, out.Pending.Dangerous)
}

type owner struct {
	id   string
	mu   sync.Mutex
	msgs []protocol.Message
	b    *broker.Broker
}

func (o *owner) ID() string { return o.id }

func (o *owner) Send(msg protocol.Message) error {
	o.mu.Lock()
	o.msgs = append(o.msgs, msg)
	o.mu.Unlock()
	if msg.Type == protocol.TypeSnapshotRequest {
		o.b.OwnerMessage(o, protocol.Message{Type: protocol.TypeSnapshot, RequestID: msg.RequestID, Data: []byte("$ ")})
	}
	return nil
}

func (o *owner) stdin() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out string
	for _, m := range o.msgs {
		if m.Type == protocol.TypeStdin {
			out += string(m.Data)
		}
	}
	return out
}

func startBroker(t *testing.T) (*broker.Broker, string) {
	t.Helper()
	b := broker.New(broker.Options{
		Store:             store.New(store.NewMemoryBackend(store.State{}), time.Millisecond),
		WaitTimeout:       time.Second,
		ReconcileInterval: time.Hour,
		StartupGrace:      time.Hour,
	})
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	v1 := app.Group("/v1")
	handlers.NewSessionsHandler(b).RegisterRoutes(v1)
	handlers.NewMirrorHandler(context.Background(), b).RegisterRoutes(v1)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })
	return b, "http://" + ln.Addr().String()
}

func TestMirrorClientWithView(t *testing.T) {
	b, url := startBroker(t)
	o := &owner{id: "A", b: b}
	b.ConnectOwner(o, "")
	b.OwnerMessage(o, protocol.Message{Type: protocol.TypeViewReady})

	mc := NewMirrorClient()
	require.NoError(t, mc.Connect(url, ""))
	defer mc.Close()

	view := NewMirrorView()
	var screen []byte
	deadline := time.After(3 * time.Second)
	for len(screen) == 0 {
		select {
		case msg, ok := <-mc.Messages():
			require.True(t, ok)
			act := view.Handle(msg)
			if act.Select != "" {
				require.NoError(t, mc.Select(act.Select))
			}
			if act.Request != "" {
				require.NoError(t, mc.RequestSnapshot(view.Selected(), act.Request))
			}
			screen = append(screen, act.Output...)
		case <-deadline:
			t.Fatal("no snapshot")
		}
	}
	assert.Equal(t, "A", view.Selected())
	assert.Equal(t, "$ ", string(screen))

	require.NoError(t, mc.SendStdin("", []byte("pwd\n")))
	assert.Eventually(t, func() bool { return o.stdin() == "pwd\n" }, 2*time.Second, 10*time.Millisecond)

	sessions, err := NewAPI(url).Sessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "A", sessions[0].ID)
}
