package engine

import "sync"

// Fake is a scripted in-process Engine for tests. Commands update state
// synchronously and deliver events inline, so tests never need to wait.
// Test-only transitions (SetReady, Advance, FinishPlayback) stand in for
// the asynchronous progress a real engine makes on its own.
type Fake struct {
	mu       sync.Mutex
	state    State
	playing  bool
	position int64
	duration int64
	buffered int64
	speed    float64
	item     *Item
	closed   bool

	listeners map[int]func(Event)
	nextID    int

	// LoadedAt records the start position passed to the last Load call.
	LoadedAt int64
	// LoadCalls counts Load invocations.
	LoadCalls int
}

func NewFake() *Fake {
	return &Fake{
		state:     StateIdle,
		duration:  DurationUnset,
		speed:     1.0,
		listeners: make(map[int]func(Event)),
	}
}

func (f *Fake) emitLocked(ev Event) {
	ev.Position = f.position
	ev.Duration = f.duration
	fns := make([]func(Event), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	// Deliver without the lock so listeners can call back into the engine
	f.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
	f.mu.Lock()
}

func (f *Fake) Load(item Item, startPositionMs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	itemCopy := item
	f.item = &itemCopy
	f.position = startPositionMs
	f.duration = DurationUnset
	f.buffered = 0
	f.playing = false
	f.state = StateBuffering
	f.LoadedAt = startPositionMs
	f.LoadCalls++
	f.emitLocked(Event{Kind: EventStateChanged, State: StateBuffering})
	f.emitLocked(Event{Kind: EventItemTransition, Item: f.item})
	return nil
}

// SetReady simulates the engine finishing its buffering: the duration becomes
// known and the state moves to Ready.
func (f *Fake) SetReady(durationMs int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.duration = durationMs
	f.buffered = durationMs
	f.state = StateReady
	f.emitLocked(Event{Kind: EventStateChanged, State: StateReady})
}

// Advance simulates linear playback moving the position forward.
func (f *Fake) Advance(deltaMs int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.position += deltaMs
	if f.duration > 0 && f.position > f.duration {
		f.position = f.duration
	}
}

// FinishPlayback simulates natural end of media: state Ended, then the
// playing flag drops.
func (f *Fake) FinishPlayback() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.duration > 0 {
		f.position = f.duration
	}
	f.state = StateEnded
	f.emitLocked(Event{Kind: EventStateChanged, State: StateEnded})
	f.playing = false
	f.emitLocked(Event{Kind: EventIsPlayingChanged, IsPlaying: false})
}

func (f *Fake) Play() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.item == nil || f.playing {
		return nil
	}
	f.playing = true
	f.emitLocked(Event{Kind: EventIsPlayingChanged, IsPlaying: true})
	return nil
}

func (f *Fake) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || !f.playing {
		return nil
	}
	f.playing = false
	f.emitLocked(Event{Kind: EventIsPlayingChanged, IsPlaying: false})
	return nil
}

func (f *Fake) SeekTo(positionMs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.item == nil {
		return nil
	}
	if positionMs < 0 {
		positionMs = 0
	}
	if f.duration > 0 && positionMs > f.duration {
		positionMs = f.duration
	}
	old := f.position
	f.position = positionMs
	f.emitLocked(Event{
		Kind:        EventPositionDiscontinuity,
		OldPosition: old,
		NewPosition: positionMs,
		Reason:      ReasonSeek,
	})
	return nil
}

func (f *Fake) SetSpeed(multiplier float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.speed = multiplier
	f.emitLocked(Event{Kind: EventSpeedChanged, Speed: multiplier})
	return nil
}

func (f *Fake) Position() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position
}

func (f *Fake) Duration() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.duration
}

func (f *Fake) BufferedPosition() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffered
}

func (f *Fake) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Fake) IsPlaying() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing
}

func (f *Fake) CurrentItem() *Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.item
}

func (f *Fake) ItemCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.item != nil {
		return 1
	}
	return 0
}

func (f *Fake) Speed() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.speed
}

func (f *Fake) Subscribe(fn func(Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, id)
	}
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.state = StateIdle
	f.playing = false
	f.item = nil
	return nil
}
