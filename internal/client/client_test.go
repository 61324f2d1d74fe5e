package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/copypaste/internal/api"
	"github.com/manpreetbhatti/copypaste/internal/engine"
	"github.com/manpreetbhatti/copypaste/internal/feed"
	"github.com/manpreetbhatti/copypaste/internal/ratelimit"
	"github.com/manpreetbhatti/copypaste/internal/session"
	"github.com/manpreetbhatti/copypaste/internal/store"
	"github.com/manpreetbhatti/copypaste/internal/wire"
	"github.com/manpreetbhatti/copypaste/internal/ws"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialWait: 5 * time.Millisecond, MaxWait: 20 * time.Millisecond, Multiplier: 2}
}

func fastReconnect() RetryConfig {
	return RetryConfig{MaxAttempts: 0, InitialWait: 5 * time.Millisecond, MaxWait: 20 * time.Millisecond, Multiplier: 2}
}

type server struct {
	url    string
	mem    *store.Memory
	broker *feed.Broker
}

func startServer(t *testing.T, limiter *ratelimit.ClientLimiters) *server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	mem := store.NewMemory()
	broker := feed.NewBroker(nil)
	go broker.Run(ctx)

	a := api.New(api.Config{
		Store:    feed.Notifying(mem, broker),
		Presence: broker,
		Limiter:  limiter,
		Feed:     ws.NewServer(broker, nil),
	})
	srv := httptest.NewServer(a.Routes())
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &server{url: srv.URL, mem: mem, broker: broker}
}

func recv(t *testing.T, ch <-chan feed.Message) feed.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "feed closed unexpectedly")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for feed message")
		return nil
	}
}

func TestStoreAgainstServer(t *testing.T) {
	srv := startServer(t, nil)
	s, err := NewStore(srv.url, WithRetry(fastRetry()))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.FetchRoom(ctx, "ABCD1234")
	require.ErrorIs(t, err, store.ErrNotFound)

	doc, err := store.Acquire(ctx, s, "ABCD1234")
	require.NoError(t, err)
	assert.Equal(t, "", doc.Content)

	ts := time.Date(2026, 7, 4, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.WriteContent(ctx, "ABCD1234", "Hello, world", ts))

	doc, err = s.FetchRoom(ctx, "ABCD1234")
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", doc.Content)
	assert.True(t, doc.UpdatedAt.Equal(ts))

	room, err := s.Room(ctx, "ABCD1234")
	require.NoError(t, err)
	assert.Equal(t, store.Stats{Chars: 12, Words: 2, Lines: 1}, room.Stats)
}

func TestStoreErrors(t *testing.T) {
	srv := startServer(t, nil)
	s, err := NewStore(srv.url, WithRetry(fastRetry()))
	require.NoError(t, err)
	ctx := context.Background()

	err = s.WriteContent(ctx, "MISSING0", "x", time.Now())
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.True(t, store.IsStoreError(err))

	_, err = s.CreateRoom(ctx, "bad", "")
	assert.ErrorIs(t, err, store.ErrInvalid)
}

func TestStoreRateLimited(t *testing.T) {
	limiter := ratelimit.NewClientLimiters(0.001, 1)
	defer limiter.Stop()
	srv := startServer(t, limiter)

	s, err := NewStore(srv.url, WithRetry(fastRetry()))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.CreateRoom(ctx, "LIMIT001", "")
	require.NoError(t, err)
	require.NoError(t, s.WriteContent(ctx, "LIMIT001", "a", time.Now()))

	err = s.WriteContent(ctx, "LIMIT001", "b", time.Now())
	assert.ErrorIs(t, err, store.ErrRateLimited)
}

func TestStoreRetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(api.RoomResponse{RoomID: "RETRY001", Content: "third time"})
	}))
	defer srv.Close()

	s, err := NewStore(srv.URL, WithRetry(fastRetry()))
	require.NoError(t, err)

	doc, err := s.FetchRoom(context.Background(), "RETRY001")
	require.NoError(t, err)
	assert.Equal(t, "third time", doc.Content)
	assert.Equal(t, int32(3), calls.Load())
}

func TestStoreGivesUpAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s, err := NewStore(srv.URL, WithRetry(fastRetry()))
	require.NoError(t, err)

	_, err = s.FetchRoom(context.Background(), "DOWN0001")
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestNewStoreRejectsBadURL(t *testing.T) {
	_, err := NewStore("ftp://example.com")
	assert.Error(t, err)
}

func TestNewRoom(t *testing.T) {
	srv := startServer(t, nil)
	s, err := NewStore(srv.url)
	require.NoError(t, err)

	doc, err := s.NewRoom(context.Background())
	require.NoError(t, err)
	assert.Len(t, doc.RoomID, 8)
	assert.Equal(t, 1, srv.mem.Count())
}

func TestFeedDeliversUpdates(t *testing.T) {
	srv := startServer(t, nil)
	f, err := NewFeed(srv.url, WithReconnect(fastReconnect()))
	require.NoError(t, err)

	sub, err := f.Subscribe(context.Background(), "FEED0001")
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, feed.StatusChange{Phase: feed.PhaseConnected}, recv(t, sub.Messages()))

	ts := time.Date(2026, 7, 4, 12, 0, 0, 0, time.UTC)
	srv.broker.Publish(feed.Update{RoomID: "FEED0001", Content: "pushed", UpdatedAt: ts})

	msg := recv(t, sub.Messages())
	u, ok := msg.(feed.Update)
	require.True(t, ok, "got %#v", msg)
	assert.Equal(t, "pushed", u.Content)
	assert.True(t, u.UpdatedAt.Equal(ts))
}

func TestFeedSubscribeFailsFast(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	f, err := NewFeed(srv.URL)
	require.NoError(t, err)

	_, err = f.Subscribe(context.Background(), "DEAD0001")
	assert.ErrorIs(t, err, feed.ErrSubscription)
}

func TestFeedCloseEndsMessages(t *testing.T) {
	srv := startServer(t, nil)
	f, err := NewFeed(srv.url)
	require.NoError(t, err)

	sub, err := f.Subscribe(context.Background(), "CLOSE001")
	require.NoError(t, err)
	recv(t, sub.Messages())

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	for range sub.Messages() {
	}
	assert.Eventually(t, func() bool { return srv.broker.SubscriberCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

// flakyFeedServer drops the first websocket right after confirming it and
// serves the room document so the client can resync.
func flakyFeedServer(t *testing.T, content string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		n := conns.Add(1)
		status, _ := wire.Encode(feed.StatusChange{Phase: feed.PhaseConnected})
		conn.WriteMessage(websocket.TextMessage, status)
		if n == 1 {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	mux.HandleFunc("GET /api/rooms/{id}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(api.RoomResponse{RoomID: r.PathValue("id"), Content: content})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &conns
}

func TestFeedReconnectsAndResyncs(t *testing.T) {
	srv, conns := flakyFeedServer(t, "missed while away")
	f, err := NewFeed(srv.URL, WithReconnect(fastReconnect()), WithRetry(fastRetry()))
	require.NoError(t, err)

	sub, err := f.Subscribe(context.Background(), "FLAKY001")
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, feed.StatusChange{Phase: feed.PhaseConnected}, recv(t, sub.Messages()))

	dropped := recv(t, sub.Messages()).(feed.StatusChange)
	assert.Equal(t, feed.PhaseDisconnected, dropped.Phase)
	assert.ErrorIs(t, dropped.Err, feed.ErrSubscription)

	// Redial attempts until the second connection is confirmed.
	var msg feed.Message
	for {
		msg = recv(t, sub.Messages())
		if sc, ok := msg.(feed.StatusChange); ok && sc.Phase == feed.PhaseConnected {
			break
		}
	}

	resynced := recv(t, sub.Messages()).(feed.Update)
	assert.Equal(t, "missed while away", resynced.Content)
	assert.Equal(t, int32(2), conns.Load())
}

func TestSessionOverRemoteServer(t *testing.T) {
	srv := startServer(t, nil)

	open := func() *session.Session {
		s, err := NewStore(srv.url, WithRetry(fastRetry()))
		require.NoError(t, err)
		f, err := NewFeed(srv.url, WithReconnect(fastReconnect()))
		require.NoError(t, err)

		c := session.NewController(session.Config{Store: s, Feed: f})
		sess, err := c.Open(context.Background(), "remote01")
		require.NoError(t, err)
		t.Cleanup(func() { sess.Close() })
		return sess
	}

	alice := open()
	bob := open()

	alice.Edit("typed remotely")
	snap, err := alice.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, engine.StatusLive, snap.Status)

	assert.Eventually(t, func() bool {
		return bob.Snapshot().Content == "typed remotely"
	}, 2*time.Second, 10*time.Millisecond)
}
