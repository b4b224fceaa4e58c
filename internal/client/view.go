package client

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/vanpelt/rit/internal/protocol"
)

// ClearScreen erases the local terminal and homes the cursor.
const ClearScreen = "\x1b[2J\x1b[3J\x1b[H"

// Action is what a mirror should do in response to a broker message.
type Action struct {
	// Clear the local screen before writing Output.
	Clear  bool
	Output []byte
	// Select, when set, is a session the view switched to on its own.
	Select string
	// Request, when set, is the id of a snapshot the mirror must request
	// for the selected session.
	Request  string
	Sessions []protocol.SessionInfo
}

// MirrorView filters what a mirror shows. It tracks the selected session
// and the single live snapshot request: a switch or reset clears the
// screen and issues a fresh request id, snapshots with any other id are
// dropped, and data is shown only for the selected session.
type MirrorView struct {
	mu        sync.Mutex
	selected  string
	requestID string
	sessions  []protocol.SessionInfo
	newID     func() string
}

// NewMirrorView returns a view with nothing selected.
func NewMirrorView() *MirrorView {
	return &MirrorView{newID: uuid.NewString}
}

// Selected returns the session being shown.
func (v *MirrorView) Selected() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.selected
}

// Sessions returns the last inventory received.
func (v *MirrorView) Sessions() []protocol.SessionInfo {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]protocol.SessionInfo(nil), v.sessions...)
}

// Switch selects session. The returned Request names the snapshot to ask
// for; an empty session clears the selection and needs none.
func (v *MirrorView) Switch(session string) Action {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.switchLocked(session)
}

func (v *MirrorView) switchLocked(session string) Action {
	v.selected = session
	if session == "" {
		v.requestID = ""
		return Action{Clear: true}
	}
	v.requestID = v.newID()
	return Action{Clear: true, Request: v.requestID}
}

// Handle applies msg and returns what to do.
func (v *MirrorView) Handle(msg protocol.Message) Action {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch msg.Type {
	case protocol.TypeData:
		if v.selected == "" || msg.Session != v.selected {
			return Action{}
		}
		return Action{Output: msg.Data}

	case protocol.TypeSnapshot:
		if v.requestID == "" || msg.RequestID != v.requestID {
			return Action{}
		}
		v.requestID = ""
		if msg.Error != "" {
			return Action{Output: notice("snapshot failed: " + msg.Error)}
		}
		return Action{Clear: true, Output: msg.Data}

	case protocol.TypeReset:
		if msg.Session != "" && msg.Session != v.selected {
			return Action{}
		}
		return v.switchLocked(v.selected)

	case protocol.TypeState:
		if msg.Session != v.selected {
			return Action{}
		}
		switch msg.State {
		case protocol.StateError:
			return Action{Output: notice("session error: " + msg.Message)}
		case protocol.StateExit:
			return Action{Output: notice(msg.Message)}
		}
		return Action{}

	case protocol.TypeSessionsUpdated:
		v.sessions = msg.Sessions
		act := Action{Sessions: msg.Sessions}
		if v.selected == "" {
			if id := pick(msg.Sessions); id != "" {
				act = v.switchLocked(id)
				act.Select = id
				act.Sessions = msg.Sessions
			}
		}
		return act

	case protocol.TypeError:
		if msg.Session != "" && msg.Session != v.selected {
			return Action{}
		}
		return Action{Output: notice(msg.Error)}
	}
	return Action{}
}

// pick chooses the session a fresh mirror shows: the active one, else the
// first ready one.
func pick(sessions []protocol.SessionInfo) string {
	for _, s := range sessions {
		if s.Active {
			return s.ID
		}
	}
	for _, s := range sessions {
		if s.Ready {
			return s.ID
		}
	}
	return ""
}

func notice(text string) []byte {
	return []byte(fmt.Sprintf("\r\n[%s]\r\n", text))
}
