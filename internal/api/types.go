package api

import (
	"time"

	"github.com/manpreetbhatti/copypaste/internal/store"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type StatsResponse struct {
	ActiveRooms       int    `json:"active_rooms"`
	ActiveSubscribers int    `json:"active_subscribers"`
	TotalRooms        int    `json:"total_rooms"`
	ContentBytes      int    `json:"content_bytes"`
	Timestamp         string `json:"timestamp"`
}

type RoomResponse struct {
	RoomID      string      `json:"room_id"`
	Content     string      `json:"content"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	ActiveUsers int         `json:"active_users"`
	Stats       store.Stats `json:"stats"`
}

func (r RoomResponse) Document() *store.Document {
	return &store.Document{
		RoomID:    r.RoomID,
		Content:   r.Content,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

type ListRoomsResponse struct {
	Rooms  []RoomResponse `json:"rooms"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

type CreateRoomRequest struct {
	RoomID  string `json:"room_id"`
	Content string `json:"content"`
}

type WriteContentRequest struct {
	Content   string     `json:"content"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}
