// Package store defines the contract between the sync engine and whatever
// persists room documents.
//
// A room document is a single row keyed by room id. Writes are unconditional
// overwrites: there is no version token, so the last write to land wins.
package store

import (
	"context"
	"errors"
	"time"
)

// Document is the persisted row for one room.
type Document struct {
	RoomID    string    `json:"room_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is implemented by every room document backend.
type Store interface {
	// FetchRoom returns ErrNotFound if no row exists for roomID.
	FetchRoom(ctx context.Context, roomID string) (*Document, error)

	// CreateRoom inserts the row for roomID. Two sessions racing to create
	// the same room both succeed; the last writer's row wins.
	CreateRoom(ctx context.Context, roomID, initialContent string) (*Document, error)

	// WriteContent overwrites the room's content and stamps it with ts.
	WriteContent(ctx context.Context, roomID, content string, ts time.Time) error
}

// Usage summarizes everything a backend holds.
type Usage struct {
	RoomCount    int `json:"room_count"`
	ContentBytes int `json:"content_bytes"`
}

// Inventory is implemented by backends that can report on all rooms, not
// just one at a time.
type Inventory interface {
	// ListRooms returns the most recently updated rooms first.
	ListRooms(ctx context.Context, limit, offset int) ([]Document, error)
	GetStats(ctx context.Context) (Usage, error)
}

// Acquire fetches the room, creating it with empty content on a miss.
func Acquire(ctx context.Context, s Store, roomID string) (*Document, error) {
	doc, err := s.FetchRoom(ctx, roomID)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	doc, err = s.CreateRoom(ctx, roomID, "")
	if errors.Is(err, ErrConflict) {
		// Someone else created it between our fetch and insert.
		return s.FetchRoom(ctx, roomID)
	}
	return doc, err
}
