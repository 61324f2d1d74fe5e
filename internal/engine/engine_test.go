package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/copypaste/internal/feed"
	"github.com/manpreetbhatti/copypaste/internal/store"
)

// recordingStore counts writes and can hold them until released.
type recordingStore struct {
	*store.Memory

	mu       sync.Mutex
	writes   []string
	gate     chan struct{}
	writeErr error
	fetchErr error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{Memory: store.NewMemory()}
}

func (r *recordingStore) FetchRoom(ctx context.Context, roomID string) (*store.Document, error) {
	if r.fetchErr != nil {
		return nil, r.fetchErr
	}
	return r.Memory.FetchRoom(ctx, roomID)
}

func (r *recordingStore) WriteContent(ctx context.Context, roomID, content string, ts time.Time) error {
	r.mu.Lock()
	gate := r.gate
	r.mu.Unlock()
	if gate != nil {
		<-gate
	}

	r.mu.Lock()
	r.writes = append(r.writes, content)
	err := r.writeErr
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.Memory.WriteContent(ctx, roomID, content, ts)
}

func (r *recordingStore) Writes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.writes...)
}

func (r *recordingStore) hold() chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gate = make(chan struct{})
	return r.gate
}

const roomID = "ABCD1234"

func startEngine(t *testing.T, s store.Store, clock *ManualClock) *Engine {
	t.Helper()
	e := New(context.Background(), Config{RoomID: roomID, Store: s, Clock: clock})
	t.Cleanup(e.Close)

	e.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := e.WaitReady(ctx)
	require.NoError(t, err)
	return e
}

func content(t *testing.T, s store.Store) string {
	t.Helper()
	doc, err := s.FetchRoom(context.Background(), roomID)
	require.NoError(t, err)
	return doc.Content
}

func TestScenarioACreatesMissingRoom(t *testing.T) {
	s := store.NewMemory()
	e := New(context.Background(), Config{RoomID: roomID, Store: s, Clock: NewManualClock(time.Now())})
	defer e.Close()

	e.Start()
	snap, err := e.WaitReady(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusLive, snap.Status)
	assert.Equal(t, "", snap.Content)
	assert.Equal(t, feed.PhaseConnected, snap.Phase)
	assert.Equal(t, 1, s.Count())
}

func TestLoadsExistingContent(t *testing.T) {
	s := store.NewMemory()
	_, err := s.CreateRoom(context.Background(), roomID, "already here")
	require.NoError(t, err)

	e := startEngine(t, s, NewManualClock(time.Now()))
	assert.Equal(t, "already here", e.Snapshot().Content)
}

func TestLoadFailureSurfaces(t *testing.T) {
	s := newRecordingStore()
	s.fetchErr = &store.Error{Op: "fetch", RoomID: roomID, Err: store.ErrUnavailable}

	e := New(context.Background(), Config{RoomID: roomID, Store: s, Clock: NewManualClock(time.Now())})
	defer e.Close()
	e.Start()

	snap, err := e.WaitReady(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Equal(t, StatusError, snap.Status)
	assert.Equal(t, feed.PhaseDisconnected, snap.Phase)
}

func TestDebounceWithManualClock(t *testing.T) {
	s := newRecordingStore()
	clock := NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	e := startEngine(t, s, clock)

	e.Edit("Hello")
	e.Snapshot()
	clock.Advance(200 * time.Millisecond)
	e.Edit("Hello, world")
	e.Snapshot()

	assert.Equal(t, 1, clock.Pending())

	clock.Advance(499 * time.Millisecond)
	e.Snapshot()
	assert.Empty(t, s.Writes())

	clock.Advance(time.Millisecond)
	assert.Eventually(t, func() bool { return len(s.Writes()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"Hello, world"}, s.Writes())
	assert.Eventually(t, func() bool { return !e.Snapshot().Editing }, time.Second, 5*time.Millisecond)

	doc, err := s.FetchRoom(context.Background(), roomID)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), doc.UpdatedAt)
}

func TestTypingPriorityWhileWriteInFlight(t *testing.T) {
	s := newRecordingStore()
	clock := NewManualClock(time.Now())
	e := startEngine(t, s, clock)

	updates := make(chan feed.Message)
	e.Attach(updates)

	release := s.hold()
	e.Edit("mine")
	e.Snapshot()
	clock.Advance(DebounceWindow)

	updates <- feed.Update{RoomID: roomID, Content: "theirs"}
	snap := e.Snapshot()
	assert.Equal(t, "mine", snap.Content)
	assert.True(t, snap.Editing)

	close(release)
	assert.Eventually(t, func() bool { return !e.Snapshot().Editing }, time.Second, 5*time.Millisecond)

	// The echo of our own write changes nothing.
	updates <- feed.Update{RoomID: roomID, Content: "mine"}
	assert.Equal(t, "mine", e.Snapshot().Content)

	updates <- feed.Update{RoomID: roomID, Content: "theirs again"}
	assert.Eventually(t, func() bool { return e.Snapshot().Content == "theirs again" }, time.Second, 5*time.Millisecond)
}

func TestUpdatesForOtherRoomsIgnored(t *testing.T) {
	e := startEngine(t, store.NewMemory(), NewManualClock(time.Now()))
	updates := make(chan feed.Message)
	e.Attach(updates)

	updates <- feed.Update{RoomID: "OTHER000", Content: "nope"}
	assert.Equal(t, "", e.Snapshot().Content)
}

func TestFeedClosureReportsDisconnected(t *testing.T) {
	s := newRecordingStore()
	clock := NewManualClock(time.Now())
	e := startEngine(t, s, clock)

	updates := make(chan feed.Message)
	e.Attach(updates)
	close(updates)

	assert.Eventually(t, func() bool { return e.Snapshot().Phase == feed.PhaseDisconnected }, time.Second, 5*time.Millisecond)

	// Writes go on regardless.
	e.Edit("still saving")
	_, err := e.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"still saving"}, s.Writes())
}

func TestStatusMessagesFromFeed(t *testing.T) {
	e := startEngine(t, store.NewMemory(), NewManualClock(time.Now()))
	updates := make(chan feed.Message, 2)
	e.Attach(updates)

	updates <- feed.StatusChange{Phase: feed.PhaseDisconnected, Err: feed.ErrSubscription}
	assert.Eventually(t, func() bool { return e.Snapshot().Phase == feed.PhaseDisconnected }, time.Second, 5*time.Millisecond)

	updates <- feed.StatusChange{Phase: feed.PhaseConnected}
	assert.Eventually(t, func() bool { return e.Snapshot().Phase == feed.PhaseConnected }, time.Second, 5*time.Millisecond)
}

func TestFlushPersistsImmediately(t *testing.T) {
	s := newRecordingStore()
	clock := NewManualClock(time.Now())
	e := startEngine(t, s, clock)

	e.Edit("flushed")
	snap, err := e.Flush(context.Background())
	require.NoError(t, err)

	assert.False(t, snap.Editing)
	assert.Equal(t, "flushed", content(t, s))
	assert.Equal(t, 0, clock.Pending())

	// Flushing with nothing pending returns straight away.
	_, err = e.Flush(context.Background())
	require.NoError(t, err)
	assert.Len(t, s.Writes(), 1)
}

func TestWriteFailureReported(t *testing.T) {
	s := newRecordingStore()
	s.writeErr = &store.Error{Op: "write", RoomID: roomID, Err: store.ErrUnavailable}
	e := startEngine(t, s, NewManualClock(time.Now()))

	e.Edit("local wins")
	snap, err := e.Flush(context.Background())

	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Equal(t, "local wins", snap.Content)
	assert.Equal(t, StatusLive, snap.Status)
	assert.False(t, snap.Editing)
}

func TestCloseCancelsTimer(t *testing.T) {
	s := newRecordingStore()
	clock := NewManualClock(time.Now())
	e := startEngine(t, s, clock)

	e.Edit("never sent")
	e.Snapshot()
	require.Equal(t, 1, clock.Pending())

	e.Close()
	e.Close()

	assert.Equal(t, 0, clock.Pending())
	clock.Advance(time.Hour)
	assert.Empty(t, s.Writes())
	assert.Equal(t, StatusClosed, e.Snapshot().Status)

	e.Edit("after close")
	_, err := e.Flush(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestParentCancelTearsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := New(ctx, Config{RoomID: roomID, Store: store.NewMemory(), Clock: NewManualClock(time.Now())})
	e.Start()
	_, err := e.WaitReady(context.Background())
	require.NoError(t, err)

	cancel()
	select {
	case <-e.Done():
	case <-time.After(time.Second):
		t.Fatal("engine did not stop")
	}
	assert.Equal(t, StatusClosed, e.Snapshot().Status)
}

func TestUpdatesDeliversLatestSnapshot(t *testing.T) {
	e := startEngine(t, store.NewMemory(), NewManualClock(time.Now()))
	updates := make(chan feed.Message)
	e.Attach(updates)

	updates <- feed.Update{RoomID: roomID, Content: "one"}
	e.Snapshot()
	updates <- feed.Update{RoomID: roomID, Content: "two"}

	assert.Eventually(t, func() bool {
		select {
		case snap := <-e.Updates():
			return snap.Content == "two"
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestClosedEngineWaitReady(t *testing.T) {
	e := New(context.Background(), Config{RoomID: roomID, Store: store.NewMemory()})
	e.Close()

	_, err := e.WaitReady(context.Background())
	assert.True(t, errors.Is(err, ErrClosed))
}
