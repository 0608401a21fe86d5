// Package engine defines the playback engine contract: a single audio player
// that loads one item at a time, reports position and duration in
// milliseconds, and pushes state changes to listeners in the order they occur.
package engine

// DurationUnset marks a duration the engine has not determined yet.
const DurationUnset int64 = -1

// State is the engine's playback state machine:
// Idle → Buffering ⇄ Ready → Ended, with an orthogonal isPlaying flag
// that only toggles while Ready.
type State int

const (
	StateIdle State = iota
	StateBuffering
	StateReady
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuffering:
		return "buffering"
	case StateReady:
		return "ready"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// DiscontinuityReason classifies a position jump that is not normal
// linear playback.
type DiscontinuityReason int

const (
	ReasonAuto DiscontinuityReason = iota
	ReasonSeek
	ReasonRemove
)

func (r DiscontinuityReason) String() string {
	switch r {
	case ReasonSeek:
		return "seek"
	case ReasonRemove:
		return "remove"
	default:
		return "auto"
	}
}

// Item is a loadable piece of media. FeedURL and GUID travel with the item so
// any progress save can resolve its episode without controller-side state.
type Item struct {
	EnclosureURL string
	Title        string
	PodcastTitle string
	ArtworkURL   string
	FeedURL      string
	GUID         string
}

// EventKind tags the variants of Event.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventIsPlayingChanged
	EventPositionDiscontinuity
	EventSpeedChanged
	EventItemTransition
)

// Event is a single engine notification. Position and Duration are captured
// at the moment the event fired; consumers persisting progress must use these
// values rather than re-reading the engine after an async delay.
type Event struct {
	Kind EventKind

	// Position/Duration snapshot at event time, ms. Duration may be
	// DurationUnset while buffering.
	Position int64
	Duration int64

	State       State               // EventStateChanged
	IsPlaying   bool                // EventIsPlayingChanged
	OldPosition int64               // EventPositionDiscontinuity
	NewPosition int64               // EventPositionDiscontinuity
	Reason      DiscontinuityReason // EventPositionDiscontinuity
	Speed       float64             // EventSpeedChanged
	Item        *Item               // EventItemTransition
}

// Engine is the playback engine contract. Implementations must deliver
// events from a single goroutine, in the order they occur, and must treat
// commands issued after Close as no-ops.
type Engine interface {
	// Load replaces the current item and prepares it, starting paused at
	// startPositionMs (0 for the beginning).
	Load(item Item, startPositionMs int64) error
	Play() error
	Pause() error
	SeekTo(positionMs int64) error
	SetSpeed(multiplier float64) error

	Position() int64
	Duration() int64
	BufferedPosition() int64
	State() State
	IsPlaying() bool
	CurrentItem() *Item
	ItemCount() int

	// Subscribe registers a listener for engine events. The returned func
	// unregisters it; calling it more than once is safe.
	Subscribe(fn func(Event)) (cancel func())

	Close() error
}
