package feed

import (
	"context"
	"time"

	"github.com/manpreetbhatti/copypaste/internal/store"
)

type notifyingStore struct {
	store.Store
	pub Publisher
}

// Notifying wraps s so every successful create or write is published to pub.
// This is what turns a plain row store into one with row-level subscriptions.
func Notifying(s store.Store, pub Publisher) store.Store {
	return &notifyingStore{Store: s, pub: pub}
}

func (n *notifyingStore) CreateRoom(ctx context.Context, roomID, initialContent string) (*store.Document, error) {
	doc, err := n.Store.CreateRoom(ctx, roomID, initialContent)
	if err != nil {
		return nil, err
	}
	n.pub.Publish(Update{RoomID: doc.RoomID, Content: doc.Content, UpdatedAt: doc.UpdatedAt})
	return doc, nil
}

func (n *notifyingStore) WriteContent(ctx context.Context, roomID, content string, ts time.Time) error {
	if err := n.Store.WriteContent(ctx, roomID, content, ts); err != nil {
		return err
	}
	n.pub.Publish(Update{RoomID: roomID, Content: content, UpdatedAt: ts.UTC()})
	return nil
}

// Unwrap returns the underlying store.
func (n *notifyingStore) Unwrap() store.Store { return n.Store }
