package feed

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const subscriberBuffer = 64

// Broker fans updates out to every subscription on the same room.
type Broker struct {
	// Registered subscriptions by room
	rooms map[string]map[*subscription]bool

	// Updates waiting to be fanned out
	broadcast chan Update

	register   chan *subscription
	unregister chan *subscription

	done   chan struct{}
	stop   sync.Once
	logger *zap.Logger

	mu sync.RWMutex
}

var (
	_ Subscriber = (*Broker)(nil)
	_ Publisher  = (*Broker)(nil)
)

// Creates a broker. Call Run to start it
func NewBroker(logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		rooms:      make(map[string]map[*subscription]bool),
		broadcast:  make(chan Update, 256),
		register:   make(chan *subscription),
		unregister: make(chan *subscription),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run processes registrations and broadcasts until ctx is done or Close is called.
func (b *Broker) Run(ctx context.Context) {
	defer b.shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return

		case sub := <-b.register:
			b.mu.Lock()
			if _, ok := b.rooms[sub.roomID]; !ok {
				b.rooms[sub.roomID] = make(map[*subscription]bool)
			}
			b.rooms[sub.roomID][sub] = true
			count := len(b.rooms[sub.roomID])
			b.mu.Unlock()

			sub.send <- StatusChange{Phase: PhaseConnected}
			b.logger.Debug("Subscriber joined room",
				zap.String("room", sub.roomID), zap.String("subscriber", sub.id), zap.Int("total", count))

		case sub := <-b.unregister:
			b.remove(sub, false)

		case u := <-b.broadcast:
			b.mu.Lock()
			for sub := range b.rooms[u.RoomID] {
				select {
				case sub.send <- u:
				default:
					// Slow consumer: drop it rather than stall the room.
					b.logger.Warn("Dropping slow subscriber",
						zap.String("room", u.RoomID), zap.String("subscriber", sub.id))
					b.removeLocked(sub, true)
				}
			}
			b.mu.Unlock()
		}
	}
}

func (b *Broker) remove(sub *subscription, dropped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub, dropped)
}

func (b *Broker) removeLocked(sub *subscription, dropped bool) {
	clients, ok := b.rooms[sub.roomID]
	if !ok || !clients[sub] {
		return
	}

	delete(clients, sub)
	if dropped {
		select {
		case sub.send <- StatusChange{Phase: PhaseDisconnected, Err: ErrSubscription}:
		default:
		}
	}
	close(sub.send)

	if len(clients) == 0 {
		delete(b.rooms, sub.roomID)
		b.logger.Debug("Room closed (empty)", zap.String("room", sub.roomID))
	} else {
		b.logger.Debug("Subscriber left room",
			zap.String("room", sub.roomID), zap.Int("remaining", len(clients)))
	}
}

func (b *Broker) shutdown() {
	b.stop.Do(func() { close(b.done) })

	b.mu.Lock()
	defer b.mu.Unlock()
	for roomID, clients := range b.rooms {
		for sub := range clients {
			close(sub.send)
		}
		delete(b.rooms, roomID)
	}
}

// Close stops the broker; every open subscription's channel is closed.
func (b *Broker) Close() {
	b.stop.Do(func() { close(b.done) })
}

// Subscribe registers a new subscription on roomID. Its first message is
// a connected status.
func (b *Broker) Subscribe(ctx context.Context, roomID string) (Subscription, error) {
	sub := &subscription{
		broker: b,
		roomID: roomID,
		id:     ulid.Make().String(),
		send:   make(chan Message, subscriberBuffer),
	}

	select {
	case b.register <- sub:
		return sub, nil
	case <-b.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Publish queues u for every subscriber on its room.
func (b *Broker) Publish(u Update) {
	select {
	case b.broadcast <- u:
	case <-b.done:
	}
}

// RoomCount returns the number of rooms with at least one subscriber.
func (b *Broker) RoomCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms)
}

// SubscriberCount returns the number of open subscriptions across all rooms.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, clients := range b.rooms {
		n += len(clients)
	}
	return n
}

// ActiveRooms maps room id to subscriber count.
func (b *Broker) ActiveRooms() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rooms := make(map[string]int, len(b.rooms))
	for id, clients := range b.rooms {
		rooms[id] = len(clients)
	}
	return rooms
}

type subscription struct {
	broker *Broker
	roomID string
	id     string
	send   chan Message
	once   sync.Once
}

func (s *subscription) Messages() <-chan Message { return s.send }

func (s *subscription) Close() error {
	s.once.Do(func() {
		select {
		case s.broker.unregister <- s:
		case <-s.broker.done:
		}
	})
	return nil
}
