// Package feed delivers change notifications for a room to whoever holds a
// subscription on it.
//
// A Subscription is a single-consumer queue of discrete messages: Update
// carries the latest persisted content after any participant's write lands,
// StatusChange reports the health of the channel itself. Messages for one
// room arrive in the order the writes were published. Delivery is
// at-least-once; consumers must tolerate seeing the same content twice.
//
// Reconnection is the transport's business. The sync engine only reflects
// the phases it is told about.
package feed

import (
	"context"
	"errors"
	"time"
)

// Phase is the connection state exposed to the surrounding UI.
type Phase string

const (
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseDisconnected Phase = "disconnected"
)

var (
	ErrSubscription = errors.New("subscription failed")
	ErrClosed       = errors.New("feed closed")
)

// Message is either an Update or a StatusChange.
type Message interface{ isFeedMsg() }

// Update is the change notification payload for one persisted write.
type Update struct {
	RoomID    string
	Content   string
	UpdatedAt time.Time
}

func (Update) isFeedMsg() {}

// StatusChange reports the health of the subscription itself.
type StatusChange struct {
	Phase Phase
	Err   error // set when Phase is disconnected because of a failure
}

func (StatusChange) isFeedMsg() {}

// Subscription is a live per-room channel. A closed Messages channel means
// the subscription is gone for good.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Subscriber opens subscriptions on rooms.
type Subscriber interface {
	Subscribe(ctx context.Context, roomID string) (Subscription, error)
}

// Publisher accepts notifications for fan-out.
type Publisher interface {
	Publish(u Update)
}
