package protocol

// Message types exchanged between the broker and its connections.
const (
	// owner -> broker
	TypeViewReady = "view.ready"
	TypeData      = "data"
	TypeState     = "state"
	TypeSnapshot  = "snapshot"

	// mirror -> broker
	TypeStdin           = "stdin"
	TypeSnapshotRequest = "snapshot.request"
	TypeSelect          = "select"

	// either direction
	TypeSessionsRequest  = "sessions.request"
	TypeSessionsUpdated  = "sessions.updated"
	TypeSessionRename    = "session.rename"
	TypeCreateBackground = "session.createBackground"
	TypeSessionClose     = "session.close"
	TypeSessionTerminate = "session.terminate"

	// broker -> owner
	TypeInject       = "inject"
	TypeHostClose    = "host.close"
	TypeConfirmClose = "confirm.close"
	TypeSetName      = "setName"
	TypeFocus        = "focus"

	// broker -> mirror
	TypeReset = "reset"
	TypeError = "error"

	// renderer -> owner, on the terminal websocket
	TypeResize = "resize"
)

// Lifecycle values carried by state messages.
const (
	StateReady = "ready"
	StateExit  = "exit"
	StateError = "error"
)

// Message is the envelope for every broker-facing channel. Only the fields a
// given type needs are set; Data is base64 in JSON.
type Message struct {
	Type      string        `json:"type"`
	Session   string        `json:"session,omitempty"`
	RequestID string        `json:"requestId,omitempty"`
	Data      []byte        `json:"data,omitempty"`
	State     string        `json:"state,omitempty"`
	Message   string        `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
	Text      string        `json:"text,omitempty"`
	Name      string        `json:"name,omitempty"`
	Force     bool          `json:"force,omitempty"`
	Cols      int           `json:"cols,omitempty"`
	Rows      int           `json:"rows,omitempty"`
	Sessions  []SessionInfo `json:"sessions,omitempty"`
}

// SessionInfo is one row of the session inventory.
type SessionInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Label     string `json:"label"`
	Ready     bool   `json:"ready"`
	Active    bool   `json:"active"`
	WindowRef string `json:"windowRef,omitempty"`
}

// StateMessage builds a lifecycle notification for a session.
func StateMessage(session, state, message string) Message {
	return Message{Type: TypeState, Session: session, State: state, Message: message}
}

// ErrorMessage builds a broker error reply.
func ErrorMessage(session, requestID, reason string) Message {
	return Message{Type: TypeError, Session: session, RequestID: requestID, Error: reason}
}
