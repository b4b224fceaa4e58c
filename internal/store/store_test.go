package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vanpelt/rit/internal/config"
)

type memoryBackend struct {
	mu    sync.Mutex
	saved []State
	fail  error
}

func (m *memoryBackend) Load(context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.saved) == 0 {
		return emptyState(), nil
	}
	return m.saved[len(m.saved)-1].clone(), nil
}

func (m *memoryBackend) Save(_ context.Context, st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.saved = append(m.saved, st.clone())
	return nil
}

func (m *memoryBackend) Close() error { return nil }

func (m *memoryBackend) saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

func TestStoreCoalescesWrites(t *testing.T) {
	backend := &memoryBackend{}
	s := New(backend, 30*time.Millisecond)

	s.SetReady("a", true)
	s.SetReady("b", true)
	s.SetName("a", "build")
	s.SetReady("b", false)

	assert.Equal(t, 0, backend.saves(), "writes must be deferred")
	require.Eventually(t, func() bool { return backend.saves() == 1 }, time.Second, 5*time.Millisecond)

	// nothing else is written once the burst settles
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, backend.saves())

	st, err := backend.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, st.Ready)
	assert.Equal(t, map[string]string{"a": "build"}, st.Names)
}

func TestStoreFlushIsSynchronous(t *testing.T) {
	backend := &memoryBackend{}
	s := New(backend, time.Hour)

	s.SetName("a", "x")
	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, 1, backend.saves())

	// clean state does not write again
	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, 1, backend.saves())
}

func TestStoreFailedSaveStaysDirty(t *testing.T) {
	backend := &memoryBackend{fail: errors.New("disk full")}
	s := New(backend, time.Hour)

	s.SetReady("a", true)
	require.Error(t, s.Flush(context.Background()))

	backend.mu.Lock()
	backend.fail = nil
	backend.mu.Unlock()
	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, 1, backend.saves())
}

func TestStorePendingIsOneShot(t *testing.T) {
	s := New(&memoryBackend{}, time.Hour)
	assert.Nil(t, s.TakePending())

	s.SetPending(&Pending{Snippet: "rm -rf /tmp/x", Dangerous: []string{"rm -rf"}, When: time.Now()})
	peek := s.PeekPending()
	require.NotNil(t, peek)
	assert.Equal(t, "rm -rf /tmp/x", peek.Snippet)

	taken := s.TakePending()
	require.NotNil(t, taken)
	assert.Equal(t, "rm -rf /tmp/x", taken.Snippet)
	assert.Nil(t, s.TakePending())
	assert.Nil(t, s.PeekPending())
}

func TestStoreForget(t *testing.T) {
	s := New(&memoryBackend{}, time.Hour)
	s.SetReady("a", true)
	s.SetName("a", "build")

	s.Forget("a")
	st := s.Snapshot()
	assert.Empty(t, st.Ready)
	assert.Empty(t, st.Names)
}

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	b := NewFileBackend(path)

	st, err := b.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, st.Ready)

	want := State{
		Ready:   []string{"b", "a"},
		Names:   map[string]string{"a": "build"},
		Pending: &Pending{Snippet: "ls", When: time.Unix(1700000000, 0).UTC()},
	}
	require.NoError(t, b.Save(context.Background(), want))

	got, err := b.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.Ready)
	assert.Equal(t, want.Names, got.Names)
	require.NotNil(t, got.Pending)
	assert.Equal(t, "ls", got.Pending.Snippet)
	assert.True(t, want.Pending.When.Equal(got.Pending.When))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestFileBackendCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewFileBackend(path).Load(context.Background())
	assert.Error(t, err)
}

func TestSQLiteBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	b, err := OpenSQLite(ctx, path)
	require.NoError(t, err)

	require.NoError(t, b.Save(ctx, State{
		Ready:   []string{"a"},
		Names:   map[string]string{"a": "build", "b": "logs"},
		Pending: &Pending{Snippet: "sudo reboot", Dangerous: []string{"reboot"}},
	}))
	require.NoError(t, b.Close())

	b, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer b.Close()

	got, err := b.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got.Ready)
	assert.Equal(t, "logs", got.Names["b"])
	require.NotNil(t, got.Pending)
	assert.Equal(t, []string{"reboot"}, got.Pending.Dangerous)

	require.NoError(t, b.Save(ctx, State{Ready: []string{}, Names: map[string]string{}}))
	got, err = b.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got.Pending)
	assert.Empty(t, got.Names)
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()

	rc := &config.RuntimeConfig{StateDir: t.TempDir(), StoreBackend: config.SQLiteStore, PersistDebounce: time.Millisecond}
	s, err := Open(ctx, rc)
	require.NoError(t, err)
	_, ok := s.backend.(*SQLiteBackend)
	assert.True(t, ok)
	require.NoError(t, s.Close(ctx))

	rc = &config.RuntimeConfig{StateDir: t.TempDir(), StoreBackend: config.FileStore}
	s, err = Open(ctx, rc)
	require.NoError(t, err)
	_, ok = s.backend.(*FileBackend)
	assert.True(t, ok)

	s.SetName("a", "x")
	require.NoError(t, s.Close(ctx))
	_, err = os.Stat(rc.StorePath())
	assert.NoError(t, err)
}
