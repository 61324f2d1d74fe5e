package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/copypaste/internal/feed"
	"github.com/manpreetbhatti/copypaste/internal/store"
)

const (
	inboxSize    = 64
	writeTimeout = 10 * time.Second
)

var ErrClosed = errors.New("engine closed")

// Snapshot is the read-only view handed to observers.
type Snapshot struct {
	RoomID  string
	Status  Status
	Phase   Phase
	Content string
	Editing bool
	Err     error
	SyncErr error
}

// Config wires an Engine to its room and collaborators.
type Config struct {
	RoomID string
	Store  store.Store
	Clock  Clock       // default: RealClock()
	Logger *zap.Logger // default: no-op
}

// Engine drives Apply for one room view. A single goroutine drains the inbox,
// so every transition sees the flags exactly as the previous one left them.
// Timer callbacks, write completions and feed messages all come back in as
// events through the same inbox.
type Engine struct {
	roomID string
	store  store.Store
	clock  Clock
	logger *zap.Logger

	inbox   chan Event
	updates chan Snapshot
	ready   chan struct{}
	done    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	// owned by the loop goroutine
	state State
	timer Timer
	feed  <-chan feed.Message
	idle  []chan Snapshot

	readyOnce sync.Once
	closeOnce sync.Once
}

// New starts the engine's loop. Call Start to begin loading the room.
func New(parent context.Context, cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(parent)
	e := &Engine{
		roomID:  cfg.RoomID,
		store:   cfg.Store,
		clock:   cfg.Clock,
		logger:  cfg.Logger.With(zap.String("room", cfg.RoomID)),
		inbox:   make(chan Event, inboxSize),
		updates: make(chan Snapshot, 1),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		state:   NewState(cfg.RoomID),
	}

	go e.loop()
	return e
}

// internal messages that never reach Apply
type attach struct{ messages <-chan feed.Message }

type query struct{ reply chan Snapshot }

type waitIdle struct{ reply chan Snapshot }

func (attach) isEvent()   {}
func (query) isEvent()    {}
func (waitIdle) isEvent() {}

func (e *Engine) loop() {
	defer close(e.done)
	defer e.cancel()

	for {
		select {
		case <-e.ctx.Done():
			e.step(Close{})
			e.finish()
			return

		case ev := <-e.inbox:
			switch m := ev.(type) {
			case attach:
				e.feed = m.messages
			case query:
				m.reply <- e.snapshot()
			case waitIdle:
				if e.state.Editing && e.state.Status == StatusLive {
					e.idle = append(e.idle, m.reply)
				} else {
					m.reply <- e.snapshot()
				}
			default:
				e.step(ev)
			}

		case msg, ok := <-e.feed:
			if !ok {
				e.feed = nil
				e.step(StatusChanged{Phase: feed.PhaseDisconnected, Err: feed.ErrSubscription})
				continue
			}
			switch m := msg.(type) {
			case feed.Update:
				if m.RoomID == e.roomID {
					e.step(RemoteUpdate{Content: m.Content, UpdatedAt: m.UpdatedAt})
				}
			case feed.StatusChange:
				e.step(StatusChanged{Phase: m.Phase, Err: m.Err})
			}
		}

		if e.state.Status == StatusClosed {
			e.finish()
			return
		}
	}
}

func (e *Engine) step(ev Event) {
	next, effects := Apply(e.state, ev)
	e.state = next

	for _, eff := range effects {
		e.perform(eff)
	}

	if e.state.Status != StatusLoading && e.state.Status != StatusUninitialized {
		e.readyOnce.Do(func() { close(e.ready) })
	}
	if !e.state.Editing && len(e.idle) > 0 {
		snap := e.snapshot()
		for _, reply := range e.idle {
			reply <- snap
		}
		e.idle = nil
	}
}

func (e *Engine) perform(eff Effect) {
	switch f := eff.(type) {
	case FetchRoom:
		go e.fetch(f.RoomID)

	case ScheduleWrite:
		e.stopTimer()
		seq := f.Seq
		e.timer = e.clock.AfterFunc(f.After, func() { e.post(DebounceFired{Seq: seq}) })

	case CancelTimer:
		e.stopTimer()

	case PerformWrite:
		go e.write(f.Write)

	case SyncFailed:
		e.logger.Warn("Failed to sync content", zap.Uint64("seq", f.Seq), zap.Error(f.Err))
		e.publish()

	case Fatal:
		e.logger.Error("Room setup failed", zap.Error(f.Err))
		e.publish()

	case PhaseChanged:
		e.logger.Info("Connection phase changed", zap.String("phase", string(f.Phase)))
		e.publish()

	case Render, EditingChanged:
		e.publish()
	}
}

func (e *Engine) fetch(roomID string) {
	doc, err := store.Acquire(e.ctx, e.store, roomID)
	if err != nil {
		e.post(LoadFailed{Err: err})
		return
	}
	e.post(Loaded{Content: doc.Content})
}

// write outlives teardown: a write already issued is allowed to land.
func (e *Engine) write(w Write) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.ctx), writeTimeout)
	defer cancel()

	err := e.store.WriteContent(ctx, e.roomID, w.Content, e.clock.Now())
	if err == nil {
		e.logger.Debug("Content synced", zap.Uint64("seq", w.Seq), zap.Int("bytes", len(w.Content)))
	}
	e.post(WriteDone{Seq: w.Seq, Err: err})
}

func (e *Engine) stopTimer() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// finish runs once on the loop goroutine as it exits.
func (e *Engine) finish() {
	e.stopTimer()
	e.feed = nil
	snap := e.snapshot()
	for _, reply := range e.idle {
		reply <- snap
	}
	e.idle = nil
	e.readyOnce.Do(func() { close(e.ready) })
	e.publish()
}

func (e *Engine) snapshot() Snapshot {
	return Snapshot{
		RoomID:  e.roomID,
		Status:  e.state.Status,
		Phase:   e.state.Phase,
		Content: e.state.Content,
		Editing: e.state.Editing,
		Err:     e.state.Err,
		SyncErr: e.state.SyncErr,
	}
}

// publish keeps only the newest snapshot in the updates channel.
func (e *Engine) publish() {
	snap := e.snapshot()
	select {
	case <-e.updates:
	default:
	}
	e.updates <- snap
}

// post delivers ev to the loop unless the engine is already gone.
func (e *Engine) post(ev Event) bool {
	select {
	case e.inbox <- ev:
		return true
	case <-e.done:
		return false
	}
}

// Start begins loading the room: fetch, or create on a miss.
func (e *Engine) Start() { e.post(Start{}) }

// Edit replaces the local content and restarts the debounce window.
func (e *Engine) Edit(content string) { e.post(LocalEdit{Content: content}) }

// Clear is an edit to the empty string.
func (e *Engine) Clear() { e.post(Clear{}) }

// Attach makes the engine drain messages from a feed subscription.
func (e *Engine) Attach(messages <-chan feed.Message) { e.post(attach{messages: messages}) }

// ReportPhase feeds a connection phase change in from outside the feed,
// for example when subscribing failed outright.
func (e *Engine) ReportPhase(phase Phase, err error) {
	e.post(StatusChanged{Phase: phase, Err: err})
}

// Updates delivers the latest snapshot whenever it changes. Stale snapshots
// are replaced, never queued.
func (e *Engine) Updates() <-chan Snapshot { return e.updates }

// Done is closed once the engine has torn down.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Snapshot returns the current view, or the final one after teardown.
func (e *Engine) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	if !e.post(query{reply: reply}) {
		return e.finalSnapshot()
	}
	select {
	case snap := <-reply:
		return snap
	case <-e.done:
		return e.finalSnapshot()
	}
}

func (e *Engine) finalSnapshot() Snapshot {
	<-e.done
	return e.snapshot()
}

// WaitReady blocks until loading has succeeded or failed.
func (e *Engine) WaitReady(ctx context.Context) (Snapshot, error) {
	select {
	case <-e.ready:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}

	snap := e.Snapshot()
	switch snap.Status {
	case StatusError:
		return snap, snap.Err
	case StatusClosed:
		return snap, ErrClosed
	}
	return snap, nil
}

// Flush writes any pending edit now and waits for the burst to finish.
func (e *Engine) Flush(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if !e.post(Flush{}) || !e.post(waitIdle{reply: reply}) {
		return e.finalSnapshot(), ErrClosed
	}

	select {
	case snap := <-reply:
		return snap, snap.SyncErr
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Close cancels any armed debounce timer and stops the loop. No write is
// issued once Close has been called. Safe to call more than once.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { e.post(Close{}) })
	<-e.done
}
