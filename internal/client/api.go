package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vanpelt/rit/internal/gate"
	"github.com/vanpelt/rit/internal/protocol"
	"github.com/vanpelt/rit/internal/store"
)

// APIError is a non-2xx answer from the broker.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker returned %d: %s", e.Status, e.Message)
}

// API is a REST client for the broker.
type API struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NormalizeBaseURL turns a listen address such as 127.0.0.1:7681 into a URL.
func NormalizeBaseURL(addr string) string {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/")
}

func NewAPI(baseURL string) *API {
	return &API{
		baseURL:    NormalizeBaseURL(baseURL),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// WithToken makes every request carry token as a bearer credential.
func (a *API) WithToken(token string) *API {
	a.token = token
	return a
}

// BaseURL returns the broker URL requests go to.
func (a *API) BaseURL() string { return a.baseURL }

type sessionsResponse struct {
	Sessions []protocol.SessionInfo `json:"sessions"`
}

type sessionResponse struct {
	ID string `json:"id"`
}

type pendingResponse struct {
	Pending *store.Pending `json:"pending"`
}

// Health is the broker health report.
type Health struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	HelperRTT string `json:"helperRtt,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (a *API) Sessions(ctx context.Context) ([]protocol.SessionInfo, error) {
	var resp sessionsResponse
	if err := a.do(ctx, http.MethodGet, "/v1/sessions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

func (a *API) CreateSession(ctx context.Context) (string, error) {
	var resp sessionResponse
	if err := a.do(ctx, http.MethodPost, "/v1/sessions", nil, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (a *API) Rename(ctx context.Context, id, name string) (protocol.SessionInfo, error) {
	var info protocol.SessionInfo
	err := a.do(ctx, http.MethodPatch, "/v1/sessions/"+url.PathEscape(id), map[string]string{"name": name}, &info)
	return info, err
}

func (a *API) Focus(ctx context.Context, id string) error {
	return a.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+"/focus", nil, nil)
}

func (a *API) CloseShell(ctx context.Context, id string) error {
	return a.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+"/close", nil, nil)
}

func (a *API) Terminate(ctx context.Context, id string, force bool) error {
	path := "/v1/sessions/" + url.PathEscape(id)
	if force {
		path += "?force=true"
	}
	return a.do(ctx, http.MethodDelete, path, nil, nil)
}

// Run submits a snippet. A dangerous snippet comes back with Pending set
// and Injected false.
func (a *API) Run(ctx context.Context, session, snippet string) (gate.Outcome, error) {
	var out gate.Outcome
	err := a.do(ctx, http.MethodPost, "/v1/run", map[string]string{"session": session, "snippet": snippet}, &out)
	return out, err
}

func (a *API) Pending(ctx context.Context) (*store.Pending, error) {
	var resp pendingResponse
	if err := a.do(ctx, http.MethodGet, "/v1/confirm", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Pending, nil
}

func (a *API) Confirm(ctx context.Context, choice string) (gate.Outcome, error) {
	var out gate.Outcome
	err := a.do(ctx, http.MethodPost, "/v1/confirm", map[string]string{"choice": choice}, &out)
	return out, err
}

// Health checks the broker, and the PTY helper when helper is set.
func (a *API) Health(ctx context.Context, helper bool) (Health, error) {
	var h Health
	path := "/v1/health"
	if helper {
		path += "?helper=true"
	}
	err := a.do(ctx, http.MethodGet, path, nil, &h)
	return h, err
}

// WatchSessions calls fn with the session list every time it changes until
// ctx is done or the stream ends.
func (a *API) WatchSessions(ctx context.Context, fn func([]protocol.SessionInfo)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	a.authorize(req)

	// streaming: no overall timeout
	resp, err := (&http.Client{Transport: a.httpClient.Transport}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev struct {
			Type     string                 `json:"type"`
			Sessions []protocol.SessionInfo `json:"sessions"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		if ev.Type == "sessions:updated" {
			fn(ev.Sessions)
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	a.authorize(req)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach broker at %s: %w", a.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return readError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (a *API) authorize(req *http.Request) {
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
}

func readError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
