package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/copypaste/internal/feed"
	"github.com/manpreetbhatti/copypaste/internal/room"
	"github.com/manpreetbhatti/copypaste/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Serves the change feed of one room to websocket clients. The socket is
// push-only: content is written over the HTTP API, never over the feed.
type Server struct {
	feed   feed.Subscriber
	logger *zap.Logger
}

func NewServer(sub feed.Subscriber, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{feed: sub, logger: logger}
}

type Client struct {
	conn     *websocket.Conn
	sub      feed.Subscription
	roomID   string
	clientID string
	logger   *zap.Logger
}

// Handles GET /ws?room=ID
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID, err := room.Parse(r.URL.Query().Get("room"))
	if err != nil {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}

	// Subscribe before upgrading so a dead feed is still a plain HTTP error.
	sub, err := s.feed.Subscribe(context.WithoutCancel(r.Context()), roomID)
	if err != nil {
		s.logger.Error("Failed to subscribe", zap.String("room", roomID), zap.Error(err))
		http.Error(w, "feed unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = sub.Close()
		s.logger.Warn("Upgrade error", zap.Error(err))
		return
	}

	client := &Client{
		conn:     conn,
		sub:      sub,
		roomID:   roomID,
		clientID: ulid.Make().String(),
	}
	client.logger = s.logger.With(zap.String("room", roomID), zap.String("client", client.clientID))
	client.logger.Debug("Feed client connected", zap.String("remote", conn.RemoteAddr().String()))

	go client.writePump()
	go client.readPump()
}

// readPump only services control frames. It ends the subscription when the
// peer goes away, which in turn stops writePump.
func (c *Client) readPump() {
	defer func() {
		_ = c.sub.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket error", zap.Error(err))
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.logger.Debug("Feed client disconnected")
	}()

	messages := c.sub.Messages()
	for {
		select {
		case msg, ok := <-messages:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed"))
				return
			}

			data, err := wire.Encode(msg)
			if err != nil {
				c.logger.Error("Failed to encode frame", zap.Error(err))
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
