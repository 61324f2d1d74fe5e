// Package session sequences one participant's visit to a room: acquire the
// document, seed a sync engine with it, attach the change feed, and tear all
// of it down again on exit.
package session

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/copypaste/internal/engine"
	"github.com/manpreetbhatti/copypaste/internal/feed"
	"github.com/manpreetbhatti/copypaste/internal/room"
	"github.com/manpreetbhatti/copypaste/internal/store"
)

type Config struct {
	Store  store.Store
	Feed   feed.Subscriber // optional; without it the session never hears from peers
	Clock  engine.Clock
	Logger *zap.Logger
}

// Controller opens sessions and remembers them so they can all be closed
// together on shutdown.
type Controller struct {
	store  store.Store
	feed   feed.Subscriber
	clock  engine.Clock
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[*Session]bool
}

func NewController(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = engine.RealClock()
	}
	return &Controller{
		store:    cfg.Store,
		feed:     cfg.Feed,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		sessions: make(map[*Session]bool),
	}
}

// Open joins roomID, creating the room if it does not exist yet. It returns
// once the document is loaded. A load failure is fatal and no session is
// returned; a feed failure is not, the session just reports disconnected.
func (c *Controller) Open(ctx context.Context, roomID string) (*Session, error) {
	id, err := room.Parse(roomID)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", roomID, err)
	}

	logger := c.logger.With(zap.String("room", id))
	eng := engine.New(context.WithoutCancel(ctx), engine.Config{
		RoomID: id,
		Store:  c.store,
		Clock:  c.clock,
		Logger: c.logger,
	})
	eng.Start()

	if _, err := eng.WaitReady(ctx); err != nil {
		eng.Close()
		return nil, fmt.Errorf("open %s: %w", id, err)
	}

	s := &Session{roomID: id, engine: eng, controller: c}

	if c.feed != nil {
		sub, err := c.feed.Subscribe(ctx, id)
		if err != nil {
			logger.Warn("Failed to subscribe to room feed", zap.Error(err))
			eng.ReportPhase(feed.PhaseDisconnected, fmt.Errorf("%w: %v", feed.ErrSubscription, err))
		} else {
			s.sub = sub
			eng.Attach(sub.Messages())
		}
	}

	c.mu.Lock()
	c.sessions[s] = true
	c.mu.Unlock()

	logger.Info("Session opened")
	return s, nil
}

// Active returns the number of open sessions.
func (c *Controller) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// CloseAll closes every open session.
func (c *Controller) CloseAll() {
	c.mu.Lock()
	open := make([]*Session, 0, len(c.sessions))
	for s := range c.sessions {
		open = append(open, s)
	}
	c.mu.Unlock()

	for _, s := range open {
		_ = s.Close()
	}
}

func (c *Controller) forget(s *Session) {
	c.mu.Lock()
	delete(c.sessions, s)
	c.mu.Unlock()
}

// Session is one open room view.
type Session struct {
	roomID     string
	engine     *engine.Engine
	sub        feed.Subscription
	controller *Controller

	once     sync.Once
	closeErr error
}

func (s *Session) RoomID() string { return s.roomID }

// Edit replaces the visible content. The write follows after the debounce
// window.
func (s *Session) Edit(content string) { s.engine.Edit(content) }

// Clear empties the document through the same debounced path as Edit.
func (s *Session) Clear() { s.engine.Clear() }

// Flush writes any pending edit now and waits for it to land.
func (s *Session) Flush(ctx context.Context) (engine.Snapshot, error) {
	return s.engine.Flush(ctx)
}

func (s *Session) Snapshot() engine.Snapshot { return s.engine.Snapshot() }

// Updates delivers the latest snapshot whenever the view changes.
func (s *Session) Updates() <-chan engine.Snapshot { return s.engine.Updates() }

// Close cancels any pending debounce timer, closes the subscription and
// releases the session. Edits not yet written are dropped; call Flush first
// to keep them. Safe to call more than once.
func (s *Session) Close() error {
	s.once.Do(func() {
		s.engine.Close()
		if s.sub != nil {
			s.closeErr = s.sub.Close()
		}
		s.controller.forget(s)
		s.controller.logger.Info("Session closed", zap.String("room", s.roomID))
	})
	return s.closeErr
}
