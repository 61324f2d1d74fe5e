package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store, used by tests and the "memory" driver.
type Memory struct {
	mu   sync.RWMutex
	docs map[string]Document
	now  func() time.Time
}

// Creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		docs: make(map[string]Document),
		now:  time.Now,
	}
}

// FetchRoom returns a copy of the room, or ErrNotFound.
func (m *Memory) FetchRoom(ctx context.Context, roomID string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, Wrap("fetch", roomID, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	return &doc, nil
}

// CreateRoom upserts the room.
func (m *Memory) CreateRoom(ctx context.Context, roomID, initialContent string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, Wrap("create", roomID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	doc := Document{RoomID: roomID, Content: initialContent, CreatedAt: now, UpdatedAt: now}
	m.docs[roomID] = doc
	return &doc, nil
}

// WriteContent overwrites the room's content.
func (m *Memory) WriteContent(ctx context.Context, roomID, content string, ts time.Time) error {
	if err := ctx.Err(); err != nil {
		return Wrap("write", roomID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[roomID]
	if !ok {
		return &Error{Op: "write", RoomID: roomID, Err: ErrNotFound}
	}
	doc.Content = content
	doc.UpdatedAt = ts.UTC()
	m.docs[roomID] = doc
	return nil
}

// Count returns the number of stored rooms.
func (m *Memory) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

// ListRooms returns rooms by most recent update. A zero limit returns all of them.
func (m *Memory) ListRooms(ctx context.Context, limit, offset int) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, Wrap("list", "", err)
	}

	m.mu.RLock()
	docs := make([]Document, 0, len(m.docs))
	for _, doc := range m.docs {
		docs = append(docs, doc)
	}
	m.mu.RUnlock()

	sort.Slice(docs, func(i, j int) bool {
		if docs[i].UpdatedAt.Equal(docs[j].UpdatedAt) {
			return docs[i].RoomID < docs[j].RoomID
		}
		return docs[i].UpdatedAt.After(docs[j].UpdatedAt)
	})

	if offset >= len(docs) {
		return nil, nil
	}
	docs = docs[offset:]
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return docs, nil
}

// GetStats counts rooms and content bytes.
func (m *Memory) GetStats(ctx context.Context) (Usage, error) {
	if err := ctx.Err(); err != nil {
		return Usage{}, Wrap("stats", "", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	usage := Usage{RoomCount: len(m.docs)}
	for _, doc := range m.docs {
		usage.ContentBytes += len(doc.Content)
	}
	return usage, nil
}
