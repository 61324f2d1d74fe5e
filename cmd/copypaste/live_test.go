package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/copypaste/internal/engine"
	"github.com/manpreetbhatti/copypaste/internal/feed"
)

func TestMirrorSuppressesEcho(t *testing.T) {
	m := &mirror{path: filepath.Join(t.TempDir(), "notes.txt")}

	_, changed, err := m.push()
	require.NoError(t, err)
	assert.False(t, changed, "missing file is not a change")

	wrote, err := m.pull("from the room")
	require.NoError(t, err)
	assert.True(t, wrote)

	_, changed, err = m.push()
	require.NoError(t, err)
	assert.False(t, changed, "our own write must not be pushed back")

	require.NoError(t, os.WriteFile(m.path, []byte("edited locally"), 0o644))
	content, changed, err := m.push()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "edited locally", content)

	wrote, err = m.pull("edited locally")
	require.NoError(t, err)
	assert.False(t, wrote, "room echo of a local edit must not rewrite the file")
}

type edits struct {
	mu   sync.Mutex
	seen []string
}

func (e *edits) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seen = append(e.seen, s)
}

func (e *edits) last() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.seen) == 0 {
		return ""
	}
	return e.seen[len(e.seen)-1]
}

func TestMirrorRun(t *testing.T) {
	dir := t.TempDir()
	m := &mirror{path: filepath.Join(dir, "doc.txt")}

	w, err := fsnotify.NewWatcher()
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Add(dir))

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan engine.Snapshot)
	var got edits
	finished := make(chan error, 1)

	go func() {
		finished <- m.run(ctx, w, updates, got.add, func(engine.Snapshot) {}, zap.NewNop(), func() error { return nil })
	}()

	// Local file change becomes an edit.
	require.NoError(t, os.WriteFile(m.path, []byte("typed in vim"), 0o644))
	assert.Eventually(t, func() bool { return got.last() == "typed in vim" }, 2*time.Second, 10*time.Millisecond)

	// Remote content lands in the file.
	updates <- engine.Snapshot{RoomID: "WATCH001", Content: "from a peer", Phase: feed.PhaseConnected}
	assert.Eventually(t, func() bool {
		data, _ := os.ReadFile(m.path)
		return string(data) == "from a peer"
	}, 2*time.Second, 10*time.Millisecond)

	// A snapshot taken mid-edit never overwrites the file.
	updates <- engine.Snapshot{RoomID: "WATCH001", Content: "stale", Editing: true, Phase: feed.PhaseConnected}

	cancel()
	require.NoError(t, <-finished)

	data, err := os.ReadFile(m.path)
	require.NoError(t, err)
	assert.Equal(t, "from a peer", string(data))
	assert.NotContains(t, got.seen, "from a peer")
}

func TestRenderStatus(t *testing.T) {
	line := renderStatus(engine.Snapshot{
		RoomID:  "ABCD1234",
		Phase:   feed.PhaseConnected,
		Content: "two words\n",
		Editing: true,
	})
	assert.Contains(t, line, "ABCD1234")
	assert.Contains(t, line, "connected")
	assert.Contains(t, line, "saving")
	assert.Contains(t, line, "10 chars")
	assert.Contains(t, line, "2 lines")

	line = renderStatus(engine.Snapshot{RoomID: "ABCD1234", Phase: feed.PhaseDisconnected, SyncErr: assert.AnError})
	assert.Contains(t, line, "disconnected")
	assert.True(t, strings.Contains(line, "not saved"))
}

func TestRoomArg(t *testing.T) {
	assert.NoError(t, roomArg(nil, []string{"abcd1234"}))
	assert.Error(t, roomArg(nil, []string{"no"}))
	assert.Error(t, roomArg(nil, nil))
}
