package relay

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vanpelt/rit/internal/protocol"
)

type fakeConn struct {
	id   string
	mu   sync.Mutex
	msgs []protocol.Message
	fail bool
}

func newConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("closed")
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *fakeConn) received(typ string) []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Message
	for _, m := range c.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func TestRegisterOwnerReplaces(t *testing.T) {
	r := New()
	first, second := newConn("o1"), newConn("o2")

	assert.Nil(t, r.RegisterOwner("A", first))
	assert.Equal(t, first, r.RegisterOwner("A", second))

	owner, ok := r.Owner("A")
	require.True(t, ok)
	assert.Equal(t, second, owner)
	assert.Equal(t, []string{"A"}, r.Owners())

	// the replaced owner cannot unregister its successor
	assert.False(t, r.UnregisterOwner("A", first))
	assert.True(t, r.UnregisterOwner("A", second))
	_, ok = r.Owner("A")
	assert.False(t, ok)
}

func TestBroadcastIsolation(t *testing.T) {
	r := New()
	onA, onB, none := newConn("m1"), newConn("m2"), newConn("m3")
	r.AddMirror(onA)
	r.AddMirror(onB)
	r.AddMirror(none)
	_, err := r.Select("m1", "A")
	require.NoError(t, err)
	_, err = r.Select("m2", "B")
	require.NoError(t, err)

	assert.Equal(t, 1, r.Broadcast("A", protocol.Message{Type: protocol.TypeData, Data: []byte("a1")}))
	assert.Equal(t, 1, r.Broadcast("B", protocol.Message{Type: protocol.TypeData, Data: []byte("b1")}))
	r.Broadcast("A", protocol.Message{Type: protocol.TypeData, Data: []byte("a2")})

	gotA := onA.received(protocol.TypeData)
	require.Len(t, gotA, 2)
	assert.Equal(t, "a1", string(gotA[0].Data))
	assert.Equal(t, "a2", string(gotA[1].Data))
	assert.Equal(t, "A", gotA[0].Session)

	gotB := onB.received(protocol.TypeData)
	require.Len(t, gotB, 1)
	assert.Equal(t, "b1", string(gotB[0].Data))

	assert.Empty(t, none.received(protocol.TypeData))
}

func TestSelectSwitchStopsOldStream(t *testing.T) {
	r := New()
	m := newConn("m1")
	r.AddMirror(m)
	_, _ = r.Select("m1", "A")

	prev, err := r.Select("m1", "B")
	require.NoError(t, err)
	assert.Equal(t, "A", prev)

	r.Broadcast("A", protocol.Message{Type: protocol.TypeData, Data: []byte("old")})
	assert.Empty(t, m.received(protocol.TypeData))

	_, err = r.Select("nope", "A")
	assert.ErrorIs(t, err, ErrUnknownMirror)
}

func TestResolveTargetOrder(t *testing.T) {
	r := New()
	r.RegisterOwner("first", newConn("o1"))
	r.RegisterOwner("second", newConn("o2"))
	r.RegisterOwner("third", newConn("o3"))
	r.AddMirror(newConn("m1"))
	_, _ = r.Select("m1", "second")

	readyOnly := func(want string) func(string) bool {
		return func(id string) bool { return id == want }
	}

	id, ok := r.ResolveTarget("third", "m1", "first", nil)
	assert.True(t, ok)
	assert.Equal(t, "third", id, "explicit wins")

	id, _ = r.ResolveTarget("", "m1", "first", nil)
	assert.Equal(t, "second", id, "mirror selection next")

	id, _ = r.ResolveTarget("", "", "first", nil)
	assert.Equal(t, "first", id, "active session next")

	id, _ = r.ResolveTarget("ghost", "", "ghost", readyOnly("third"))
	assert.Equal(t, "third", id, "earliest ready owner next")

	id, _ = r.ResolveTarget("", "", "", readyOnly("none"))
	assert.Equal(t, "first", id, "earliest owner last")
}

func TestResolveTargetEmpty(t *testing.T) {
	r := New()
	_, ok := r.ResolveTarget("A", "", "", nil)
	assert.False(t, ok)
}

func TestSnapshotDeliveredToRequesterOnly(t *testing.T) {
	r := New()
	m1, m2 := newConn("m1"), newConn("m2")
	r.AddMirror(m1)
	r.AddMirror(m2)
	_, _ = r.Select("m1", "A")
	_, _ = r.Select("m2", "A")

	require.NoError(t, r.TrackSnapshot("s1", "m1", "A"))
	require.NoError(t, r.TrackSnapshot("s2", "m2", "A"))
	assert.ErrorIs(t, r.TrackSnapshot("s1", "m2", "A"), ErrDuplicateRequest)

	assert.True(t, r.CompleteSnapshot(protocol.Message{RequestID: "s1", Data: []byte("prompt$ ")}))

	got1 := m1.received(protocol.TypeSnapshot)
	require.Len(t, got1, 1)
	assert.Equal(t, "prompt$ ", string(got1[0].Data))
	assert.Equal(t, "A", got1[0].Session)
	assert.Empty(t, m2.received(protocol.TypeSnapshot))

	// a repeated reply for s1 is stale
	assert.False(t, r.CompleteSnapshot(protocol.Message{RequestID: "s1", Data: []byte("again")}))
	assert.Len(t, m1.received(protocol.TypeSnapshot), 1)

	assert.True(t, r.CompleteSnapshot(protocol.Message{RequestID: "s2", Data: []byte("fresh")}))
	got2 := m2.received(protocol.TypeSnapshot)
	require.Len(t, got2, 1)
	assert.Equal(t, "fresh", string(got2[0].Data))
	assert.Equal(t, 0, r.PendingSnapshots())
}

func TestFailSessionFailsOnlyThatSession(t *testing.T) {
	r := New()
	m := newConn("m1")
	r.AddMirror(m)
	require.NoError(t, r.TrackSnapshot("s1", "m1", "A"))
	require.NoError(t, r.TrackSnapshot("s2", "m1", "B"))

	assert.Equal(t, 1, r.FailSession("A", "owner disconnected"))

	snaps := m.received(protocol.TypeSnapshot)
	require.Len(t, snaps, 1)
	assert.Equal(t, "s1", snaps[0].RequestID)
	assert.Equal(t, "owner disconnected", snaps[0].Error)
	assert.Equal(t, 1, r.PendingSnapshots())

	assert.False(t, r.FailSnapshot("s1", "late"), "already answered")
}

func TestRemoveMirrorDropsPending(t *testing.T) {
	r := New()
	r.AddMirror(newConn("m1"))
	require.NoError(t, r.TrackSnapshot("s1", "m1", "A"))

	r.RemoveMirror("m1")
	assert.Equal(t, 0, r.PendingSnapshots())
	assert.False(t, r.CompleteSnapshot(protocol.Message{RequestID: "s1"}))
}

func TestBroadcastSkipsFailingMirror(t *testing.T) {
	r := New()
	bad, good := newConn("bad"), newConn("good")
	bad.fail = true
	r.AddMirror(bad)
	r.AddMirror(good)
	_, _ = r.Select("bad", "A")
	_, _ = r.Select("good", "A")

	assert.Equal(t, 1, r.Broadcast("A", protocol.Message{Type: protocol.TypeData}))
	assert.Equal(t, 1, r.BroadcastAll(protocol.Message{Type: protocol.TypeSessionsUpdated}))
}
