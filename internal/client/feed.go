package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/copypaste/internal/feed"
	"github.com/manpreetbhatti/copypaste/internal/wire"
)

const (
	feedBuffer    = 64
	readLimit     = 16 << 20
	dialTimeout   = 10 * time.Second
	resyncTimeout = 10 * time.Second
)

// Feed follows room change feeds on a copypaste server. A dropped socket is
// reported as disconnected and redialed with backoff. After every reconnect
// the room is refetched so writes missed while offline still arrive.
type Feed struct {
	wsURL *url.URL
	store *Store
	opts  options
}

var _ feed.Subscriber = (*Feed)(nil)

func NewFeed(serverURL string, opts ...Option) (*Feed, error) {
	base, err := parseServerURL(serverURL)
	if err != nil {
		return nil, err
	}
	s, err := NewStore(serverURL, opts...)
	if err != nil {
		return nil, err
	}

	wsURL := *base
	if base.Scheme == "https" {
		wsURL.Scheme = "wss"
	} else {
		wsURL.Scheme = "ws"
	}
	return &Feed{wsURL: wsURL.JoinPath("/ws"), store: s, opts: s.opts}, nil
}

func (f *Feed) roomURL(roomID string) string {
	u := *f.wsURL
	q := u.Query()
	q.Set("room", roomID)
	u.RawQuery = q.Encode()
	return u.String()
}

// Subscribe dials once and fails fast if that first attempt does not work.
// From then on the subscription keeps itself connected until Close.
func (f *Feed) Subscribe(ctx context.Context, roomID string) (feed.Subscription, error) {
	conn, err := f.dial(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", feed.ErrSubscription, err)
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{
		feed:   f,
		roomID: roomID,
		out:    make(chan feed.Message, feedBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
		logger: f.opts.logger.With(zap.String("room", roomID)),
	}
	go sub.run(subCtx, conn)
	return sub, nil
}

func (f *Feed) dial(ctx context.Context, roomID string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	// The shared http.Client carries a Timeout, which the dialer refuses.
	conn, _, err := websocket.Dial(dialCtx, f.roomURL(roomID), nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

type subscription struct {
	feed   *Feed
	roomID string
	out    chan feed.Message
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func (s *subscription) Messages() <-chan feed.Message { return s.out }

func (s *subscription) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}

func (s *subscription) emit(ctx context.Context, msg feed.Message) bool {
	select {
	case s.out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *subscription) run(ctx context.Context, conn *websocket.Conn) {
	defer close(s.done)
	defer close(s.out)

	b := newBackoff(s.feed.opts.reconnect)
	attempts := 0
	reconnected := false

	for {
		err := s.read(ctx, conn, reconnected)
		conn.CloseNow()
		if ctx.Err() != nil {
			return
		}

		s.logger.Warn("Feed connection lost", zap.Error(err))
		if !s.emit(ctx, feed.StatusChange{Phase: feed.PhaseDisconnected, Err: fmt.Errorf("%w: %v", feed.ErrSubscription, err)}) {
			return
		}

		conn = nil
		for conn == nil {
			maxAttempts := s.feed.opts.reconnect.MaxAttempts
			if maxAttempts > 0 && attempts >= maxAttempts {
				s.logger.Error("Giving up on feed", zap.Int("attempts", attempts))
				return
			}
			attempts++

			if sleep(ctx, b.Next()) != nil {
				return
			}
			if !s.emit(ctx, feed.StatusChange{Phase: feed.PhaseConnecting}) {
				return
			}

			c, err := s.feed.dial(ctx, s.roomID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Debug("Feed redial failed", zap.Int("attempt", attempts), zap.Error(err))
				if !s.emit(ctx, feed.StatusChange{Phase: feed.PhaseDisconnected, Err: fmt.Errorf("%w: %v", feed.ErrSubscription, err)}) {
					return
				}
				continue
			}
			conn = c
		}

		s.logger.Info("Feed reconnected", zap.Int("attempts", attempts))
		b.Reset()
		attempts = 0
		reconnected = true
	}
}

// read forwards frames until the connection fails. After a reconnect the
// current document is refetched once the server confirms the subscription.
func (s *subscription) read(ctx context.Context, conn *websocket.Conn, resync bool) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return errors.New("server closed the feed")
			}
			return err
		}

		msg, err := wire.Decode(data)
		if err != nil {
			s.logger.Warn("Dropping bad frame", zap.Error(err))
			continue
		}
		if !s.emit(ctx, msg) {
			return ctx.Err()
		}

		if sc, ok := msg.(feed.StatusChange); ok && resync && sc.Phase == feed.PhaseConnected {
			resync = false
			s.resync(ctx)
		}
	}
}

func (s *subscription) resync(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, resyncTimeout)
	defer cancel()

	doc, err := s.feed.store.FetchRoom(ctx, s.roomID)
	if err != nil {
		s.logger.Warn("Resync after reconnect failed", zap.Error(err))
		return
	}
	s.emit(ctx, feed.Update{RoomID: doc.RoomID, Content: doc.Content, UpdatedAt: doc.UpdatedAt})
}
