package engine

import (
	"time"

	"github.com/manpreetbhatti/copypaste/internal/feed"
)

// DebounceWindow is the quiet period after the last keystroke before the
// local content is written.
const DebounceWindow = 500 * time.Millisecond

// Phase is the feed connection state shown next to the document.
type Phase = feed.Phase

// Status is where a room view is in its lifecycle.
type Status int

const (
	StatusUninitialized Status = iota
	StatusLoading
	StatusLive
	StatusError
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusLoading:
		return "loading"
	case StatusLive:
		return "live"
	case StatusError:
		return "error"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Write is one outgoing content snapshot. Seq increases with every local edit.
type Write struct {
	Seq     uint64
	Content string
}

// State is everything one room view knows about its document. It is owned by
// a single Engine and only ever changed through Apply.
type State struct {
	RoomID  string
	Status  Status
	Phase   Phase
	Content string

	// Editing is true from the first keystroke of a burst until the burst's
	// last write has finished its round trip.
	Editing bool

	Scheduled *Write // armed debounce timer
	InFlight  *Write // issued write awaiting completion
	Queued    *Write // debounce fired while another write was in flight

	Seq     uint64
	Err     error // fatal load failure
	SyncErr error // latest recoverable write failure
}

// Returns the uninitialized state for roomID
func NewState(roomID string) State {
	return State{RoomID: roomID, Status: StatusUninitialized, Phase: feed.PhaseConnecting}
}

// Events

// Event is an input to Apply.
type Event interface{ isEvent() }

// Start begins loading the room.
type Start struct{}

// Loaded carries the fetched or freshly created content.
type Loaded struct{ Content string }

// LoadFailed ends loading with an unrecoverable error.
type LoadFailed struct{ Err error }

// LocalEdit carries the full text after a content-changing input event.
type LocalEdit struct{ Content string }

// Clear is a local edit to the empty string.
type Clear struct{}

// DebounceFired reports that the timer armed for Seq ran out.
type DebounceFired struct{ Seq uint64 }

// Flush fires the armed debounce timer now instead of waiting for it.
type Flush struct{}

// WriteDone reports the outcome of the write issued for Seq.
type WriteDone struct {
	Seq uint64
	Err error
}

// RemoteUpdate is content persisted by any participant, this one included.
type RemoteUpdate struct {
	Content   string
	UpdatedAt time.Time
}

// StatusChanged mirrors a feed phase change.
type StatusChanged struct {
	Phase Phase
	Err   error
}

// Close tears the view down.
type Close struct{}

func (Start) isEvent()         {}
func (Loaded) isEvent()        {}
func (LoadFailed) isEvent()    {}
func (LocalEdit) isEvent()     {}
func (Clear) isEvent()         {}
func (DebounceFired) isEvent() {}
func (Flush) isEvent()         {}
func (WriteDone) isEvent()     {}
func (RemoteUpdate) isEvent()  {}
func (StatusChanged) isEvent() {}
func (Close) isEvent()         {}

// Effects

// Effect is an action Apply asks the driver to perform.
type Effect interface{ isEffect() }

// FetchRoom loads the room, creating it on a miss.
type FetchRoom struct{ RoomID string }

// ScheduleWrite replaces any armed debounce timer.
type ScheduleWrite struct {
	Seq   uint64
	After time.Duration
}

// CancelTimer stops the armed debounce timer, if any.
type CancelTimer struct{}

// PerformWrite issues one outgoing write.
type PerformWrite struct{ Write Write }

// Render means the visible content changed for a reason other than typing.
type Render struct{ Content string }

// PhaseChanged means the connection indicator should change.
type PhaseChanged struct{ Phase Phase }

// EditingChanged toggles the unsaved-changes indicator.
type EditingChanged struct{ Editing bool }

// SyncFailed reports a failed write. The session stays live.
type SyncFailed struct {
	Seq uint64
	Err error
}

// Fatal reports that the room could not be loaded.
type Fatal struct{ Err error }

func (FetchRoom) isEffect()      {}
func (ScheduleWrite) isEffect()  {}
func (CancelTimer) isEffect()    {}
func (PerformWrite) isEffect()   {}
func (Render) isEffect()         {}
func (PhaseChanged) isEffect()   {}
func (EditingChanged) isEffect() {}
func (SyncFailed) isEffect()     {}
func (Fatal) isEffect()          {}

// Apply is the whole sync policy: given the current state and one event it
// returns the next state and the side effects the caller must perform.
// It never blocks and never touches the outside world.
func Apply(s State, ev Event) (State, []Effect) {
	switch e := ev.(type) {
	case Start:
		if s.Status != StatusUninitialized {
			return s, nil
		}
		s.Status = StatusLoading
		s.Phase = feed.PhaseConnecting
		return s, []Effect{FetchRoom{RoomID: s.RoomID}}

	case Loaded:
		if s.Status != StatusLoading {
			return s, nil
		}
		s.Status = StatusLive
		s.Content = e.Content
		s.Phase = feed.PhaseConnected
		return s, []Effect{Render{Content: s.Content}, PhaseChanged{Phase: s.Phase}}

	case LoadFailed:
		if s.Status != StatusLoading {
			return s, nil
		}
		s.Status = StatusError
		s.Phase = feed.PhaseDisconnected
		s.Err = e.Err
		return s, []Effect{PhaseChanged{Phase: s.Phase}, Fatal{Err: e.Err}}

	case LocalEdit:
		return localEdit(s, e.Content)

	case Clear:
		return localEdit(s, "")

	case DebounceFired:
		if s.Status != StatusLive || s.Scheduled == nil || s.Scheduled.Seq != e.Seq {
			return s, nil
		}
		return issue(s, nil)

	case Flush:
		if s.Status != StatusLive || s.Scheduled == nil {
			return s, nil
		}
		return issue(s, []Effect{CancelTimer{}})

	case WriteDone:
		return writeDone(s, e)

	case RemoteUpdate:
		if s.Status != StatusLive {
			return s, nil
		}
		// Typing priority, then echo suppression.
		if s.Editing || e.Content == s.Content {
			return s, nil
		}
		s.Content = e.Content
		return s, []Effect{Render{Content: s.Content}}

	case StatusChanged:
		if s.Status != StatusLive || e.Phase == s.Phase {
			return s, nil
		}
		s.Phase = e.Phase
		return s, []Effect{PhaseChanged{Phase: s.Phase}}

	case Close:
		if s.Status == StatusClosed {
			return s, nil
		}
		s.Status = StatusClosed
		s.Scheduled = nil
		s.Queued = nil
		return s, []Effect{CancelTimer{}}
	}

	return s, nil
}

func localEdit(s State, content string) (State, []Effect) {
	if s.Status != StatusLive || content == s.Content {
		return s, nil
	}

	var effects []Effect
	s.Content = content
	s.Seq++
	s.Scheduled = &Write{Seq: s.Seq, Content: content}
	if !s.Editing {
		s.Editing = true
		effects = append(effects, EditingChanged{Editing: true})
	}
	return s, append(effects, ScheduleWrite{Seq: s.Seq, After: DebounceWindow})
}

// issue moves the scheduled write onward. Only one write is in flight at a
// time so writes from this session land in the order they were made.
func issue(s State, effects []Effect) (State, []Effect) {
	w := *s.Scheduled
	s.Scheduled = nil
	if s.InFlight != nil {
		s.Queued = &w
		return s, effects
	}
	s.InFlight = &w
	return s, append(effects, PerformWrite{Write: w})
}

func writeDone(s State, e WriteDone) (State, []Effect) {
	if s.InFlight == nil || s.InFlight.Seq != e.Seq {
		return s, nil
	}
	s.InFlight = nil

	var effects []Effect
	if e.Err != nil {
		// Local edit wins: nothing is rolled back.
		s.SyncErr = e.Err
		effects = append(effects, SyncFailed{Seq: e.Seq, Err: e.Err})
	} else {
		s.SyncErr = nil
	}

	if s.Status != StatusLive {
		return s, effects
	}

	if s.Queued != nil {
		w := *s.Queued
		s.Queued = nil
		s.InFlight = &w
		return s, append(effects, PerformWrite{Write: w})
	}

	// A newer keystroke has already armed another timer: the burst goes on.
	if s.Scheduled == nil && s.Editing {
		s.Editing = false
		effects = append(effects, EditingChanged{Editing: false})
	}
	return s, effects
}
