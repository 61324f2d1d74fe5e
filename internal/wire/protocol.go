package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/manpreetbhatti/copypaste/internal/feed"
)

// Represents the type of a feed frame
type MessageType string

const (
	// Carries the latest persisted content of a room
	MessageTypeUpdate MessageType = "update"

	// Carries the subscription phase (sent once the server has subscribed)
	MessageTypeStatus MessageType = "status"
)

// Frame is the JSON shape of every message on the websocket feed.
type Frame struct {
	Type      MessageType `json:"type"`
	RoomID    string      `json:"room_id,omitempty"`
	Content   *string     `json:"content,omitempty"`
	UpdatedAt *time.Time  `json:"updated_at,omitempty"`
	Phase     feed.Phase  `json:"phase,omitempty"`
}

// Encodes a feed message into a frame
func Encode(msg feed.Message) ([]byte, error) {
	var f Frame
	switch m := msg.(type) {
	case feed.Update:
		content, ts := m.Content, m.UpdatedAt
		f = Frame{Type: MessageTypeUpdate, RoomID: m.RoomID, Content: &content, UpdatedAt: &ts}
	case feed.StatusChange:
		f = Frame{Type: MessageTypeStatus, Phase: m.Phase}
	default:
		return nil, fmt.Errorf("unknown feed message %T", msg)
	}
	return json.Marshal(f)
}

// Decodes a frame back into a feed message
func Decode(data []byte) (feed.Message, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("bad frame: %w", err)
	}

	switch f.Type {
	case MessageTypeUpdate:
		if f.RoomID == "" || f.Content == nil {
			return nil, fmt.Errorf("update frame missing room_id or content")
		}
		u := feed.Update{RoomID: f.RoomID, Content: *f.Content}
		if f.UpdatedAt != nil {
			u.UpdatedAt = f.UpdatedAt.UTC()
		}
		return u, nil
	case MessageTypeStatus:
		switch f.Phase {
		case feed.PhaseConnecting, feed.PhaseConnected, feed.PhaseDisconnected:
			return feed.StatusChange{Phase: f.Phase}, nil
		}
		return nil, fmt.Errorf("invalid phase: %q", f.Phase)
	default:
		return nil, fmt.Errorf("unknown message type: %q", f.Type)
	}
}
