package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vanpelt/rit/internal/store"
)

func newFileStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	return store.New(store.NewFileBackend(path), time.Hour), path
}

func TestListOrderAndLabels(t *testing.T) {
	r := New(nil)
	r.Register("b", "win-1")
	r.Register("a", "")
	require.NoError(t, r.Rename("a", "  build "))
	r.SetActive("a")
	r.MarkReady("b")

	list := r.List()
	require.Len(t, list, 2)

	assert.Equal(t, "b", list[0].ID)
	assert.Equal(t, "Terminal (b)", list[0].Label)
	assert.True(t, list[0].Ready)
	assert.False(t, list[0].Active)
	assert.Equal(t, "win-1", list[0].WindowRef)

	assert.Equal(t, "a", list[1].ID)
	assert.Equal(t, "build", list[1].Name)
	assert.Equal(t, "build (a)", list[1].Label)
	assert.True(t, list[1].Active)
}

func TestRenameUnknown(t *testing.T) {
	r := New(nil)
	assert.ErrorIs(t, r.Rename("missing", "x"), ErrNotFound)
}

func TestUnregisterKeepsName(t *testing.T) {
	r := New(nil)
	r.Register("a", "")
	require.NoError(t, r.Rename("a", "build"))
	r.MarkReady("a")

	require.NoError(t, r.Unregister("a"))
	assert.False(t, r.IsReady("a"))
	assert.False(t, r.IsConnected("a"))
	assert.Equal(t, "build", r.Name("a"))
	assert.ErrorIs(t, r.Unregister("zzz"), ErrNotFound)
}

func TestForgetClearsActive(t *testing.T) {
	r := New(nil)
	r.Register("a", "")
	r.SetActive("a")

	r.Forget("a")
	assert.False(t, r.Has("a"))
	assert.Empty(t, r.Active())
}

func TestSetActiveIgnoresUnknown(t *testing.T) {
	r := New(nil)
	r.SetActive("ghost")
	assert.Empty(t, r.Active())
}

func TestPersistenceAcrossRestart(t *testing.T) {
	ctx := context.Background()
	st, path := newFileStore(t)

	r := New(st)
	r.Register("a", "")
	r.Register("b", "")
	r.MarkReady("a")
	require.NoError(t, r.Rename("b", "logs"))
	require.NoError(t, st.Flush(ctx))

	restarted := New(store.New(store.NewFileBackend(path), time.Hour))
	require.NoError(t, restarted.Load(ctx))

	assert.ElementsMatch(t, []string{"a", "b"}, restarted.Known())
	assert.True(t, restarted.WasReady("a"))
	assert.False(t, restarted.IsReady("a"), "persisted readiness is only a hint")
	assert.False(t, restarted.IsConnected("a"))
	assert.Equal(t, "logs", restarted.Name("b"))
}

func TestReconcileDropsDeadOwners(t *testing.T) {
	ctx := context.Background()
	st, _ := newFileStore(t)

	r := New(st)
	r.Register("a", "")
	r.Register("b", "")
	r.MarkReady("b")
	require.NoError(t, r.Rename("b", "gone"))
	r.SetActive("b")
	require.NoError(t, r.Unregister("b"))

	dropped := r.Reconcile(map[string]bool{"a": true})
	assert.Equal(t, []string{"b"}, dropped)
	assert.Equal(t, []string{"a"}, r.Known())
	assert.Empty(t, r.Active())

	require.NoError(t, st.Flush(ctx))
	snap := st.Snapshot()
	assert.NotContains(t, snap.Ready, "b")
	assert.NotContains(t, snap.Names, "b")
}

func TestReconcileKeepsConnectedEntries(t *testing.T) {
	r := New(nil)
	r.Register("late", "")
	r.MarkReady("late")

	assert.Empty(t, r.Reconcile(map[string]bool{}))
	assert.Equal(t, []string{"late"}, r.Known())
	assert.True(t, r.IsReady("late"))
}

func TestGet(t *testing.T) {
	r := New(nil)
	_, err := r.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)

	r.Register("a", "")
	info, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "Terminal (a)", info.Label)
}

func TestMarkNotReady(t *testing.T) {
	r := New(nil)
	r.Register("a", "")
	r.MarkReady("a")
	r.MarkNotReady("a")
	assert.False(t, r.IsReady("a"))
	assert.True(t, r.IsConnected("a"))
}
