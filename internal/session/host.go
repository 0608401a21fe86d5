// Package session hosts the playback engine for the rest of the application.
// The host is the single owner of the engine: every command funnels through
// it, and it is the authority for persisting listening progress. Callers
// observe playback through the engine event stream it re-exports.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"earshot/internal/config"
	"earshot/internal/debuglog"
	"earshot/internal/engine"
	"earshot/internal/storage"
)

// Command is one of the transport-friendly custom actions a remote surface
// can send without knowing engine internals.
type Command string

const (
	// Speed commands are named for the speed currently shown to the user;
	// invoking one advances playback to the next step in the cycle.
	CmdSpeed05X Command = "SPEED_0_5X"
	CmdSpeed07X Command = "SPEED_0_7X"
	CmdSpeed1X  Command = "SPEED_1X"
	CmdSpeed12X Command = "SPEED_1_2X"
	CmdSpeed15X Command = "SPEED_1_5X"
	CmdSpeed17X Command = "SPEED_1_7X"
	CmdSpeed2X  Command = "SPEED_2X"

	CmdSeekBack       Command = "SEEK_BACK"
	CmdSeekForward    Command = "SEEK_FORWARD"
	CmdSeekToPrevious Command = "SEEK_TO_PREVIOUS"
	CmdSeekToNext     Command = "SEEK_TO_NEXT"
)

// nextSpeed maps the currently displayed speed command to the speed the
// cycle advances to. Seven steps, closing back on 0.5x.
var nextSpeed = map[Command]float64{
	CmdSpeed05X: 0.7,
	CmdSpeed07X: 1.0,
	CmdSpeed1X:  1.2,
	CmdSpeed12X: 1.5,
	CmdSpeed15X: 1.7,
	CmdSpeed17X: 2.0,
	CmdSpeed2X:  0.5,
}

// SpeedCommandFor returns the command representing a speed multiplier, used
// by surfaces that render the current speed as the next action.
func SpeedCommandFor(speed float64) Command {
	switch {
	case speed < 0.6:
		return CmdSpeed05X
	case speed < 0.9:
		return CmdSpeed07X
	case speed < 1.1:
		return CmdSpeed1X
	case speed < 1.35:
		return CmdSpeed12X
	case speed < 1.6:
		return CmdSpeed15X
	case speed < 1.85:
		return CmdSpeed17X
	default:
		return CmdSpeed2X
	}
}

// Host owns the playback engine and persists progress on its behalf.
type Host struct {
	engine engine.Engine
	store  *storage.Store
	cfg    config.PlaybackConfig

	mu          sync.Mutex
	speed       float64
	queue       []engine.Item
	queueIndex  int
	saveStop    chan struct{}
	unsubscribe func()
	closed      bool
}

// NewHost wires the engine to the store and starts listening for engine
// events. The host takes ownership of the engine; Close shuts it down.
func NewHost(eng engine.Engine, store *storage.Store, cfg config.PlaybackConfig) *Host {
	h := &Host{
		engine: eng,
		store:  store,
		cfg:    cfg,
		speed:  1.0,
	}
	h.unsubscribe = eng.Subscribe(h.onEngineEvent)
	return h
}

// onEngineEvent is the persistence reducer. Saves use the position and
// duration snapshots the event carries, never a later re-read of the engine.
func (h *Host) onEngineEvent(ev engine.Event) {
	switch ev.Kind {
	case engine.EventIsPlayingChanged:
		if ev.IsPlaying {
			h.startPeriodicSave()
		} else {
			h.stopPeriodicSave()
			// Ended already persisted the finished flag; writing here
			// would clobber it with finished=false.
			if h.engine.State() != engine.StateEnded {
				h.saveProgress(ev.Position, ev.Duration, false)
			}
		}

	case engine.EventStateChanged:
		if ev.State == engine.StateEnded {
			h.stopPeriodicSave()
			h.saveProgress(ev.Duration, ev.Duration, true)
		}

	case engine.EventPositionDiscontinuity:
		if ev.Reason == engine.ReasonSeek || ev.Reason == engine.ReasonRemove {
			// The pre-jump position is where the user actually stopped
			// listening; that is the point worth remembering.
			h.saveProgress(ev.OldPosition, ev.Duration, false)
		}

	case engine.EventSpeedChanged:
		h.mu.Lock()
		h.speed = ev.Speed
		h.mu.Unlock()
	}
}

// saveProgress persists the current item's position. Persistence failures are
// logged and swallowed: playback must never be interrupted by a failed save.
func (h *Host) saveProgress(position, duration int64, finished bool) {
	item := h.engine.CurrentItem()
	if item == nil || item.FeedURL == "" || item.GUID == "" {
		return
	}
	if err := h.store.SaveProgress(item.FeedURL, item.GUID, position, duration, finished); err != nil {
		debuglog.Errorf("saving progress for %s: %v", item.GUID, err)
	}
}

// SaveCurrent persists the engine's live position, used at detach points
// where no event snapshot is in flight.
func (h *Host) SaveCurrent() {
	h.saveProgress(h.engine.Position(), h.engine.Duration(), h.engine.State() == engine.StateEnded)
}

func (h *Host) startPeriodicSave() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.saveStop != nil || h.closed {
		return
	}
	stop := make(chan struct{})
	h.saveStop = stop

	interval := h.cfg.SaveInterval
	if interval <= 0 {
		interval = time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				h.saveProgress(h.engine.Position(), h.engine.Duration(), false)
			}
		}
	}()
}

func (h *Host) stopPeriodicSave() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.saveStop != nil {
		close(h.saveStop)
		h.saveStop = nil
	}
}

// Load prepares a single item at the given start position without playing it.
// Any existing queue is replaced by the one item.
func (h *Host) Load(item engine.Item, startPositionMs int64) error {
	return h.LoadQueue([]engine.Item{item}, 0, startPositionMs)
}

// LoadQueue installs a play queue and prepares the item at index without
// playing it. Navigation commands move through the queue, and the queue is
// persisted so a later session can rebuild it.
func (h *Host) LoadQueue(items []engine.Item, index int, startPositionMs int64) error {
	if len(items) == 0 {
		return errors.New("empty queue")
	}
	if index < 0 || index >= len(items) {
		return fmt.Errorf("queue index %d out of range", index)
	}

	h.mu.Lock()
	h.queue = append([]engine.Item(nil), items...)
	h.queueIndex = index
	h.mu.Unlock()

	h.persistQueue()
	return h.engine.Load(items[index], startPositionMs)
}

func (h *Host) persistQueue() {
	h.mu.Lock()
	refs := make([]storage.QueueRef, len(h.queue))
	for i, it := range h.queue {
		refs[i] = storage.QueueRef{FeedURL: it.FeedURL, GUID: it.GUID}
	}
	h.mu.Unlock()

	if err := h.store.SaveQueue(refs); err != nil {
		debuglog.Errorf("persisting queue: %v", err)
	}
}

func (h *Host) Play() error {
	return h.engine.Play()
}

func (h *Host) Pause() error {
	return h.engine.Pause()
}

func (h *Host) SeekTo(positionMs int64) error {
	return h.engine.SeekTo(positionMs)
}

// Execute runs a custom command. Unknown commands are logged and ignored so
// version-skewed surfaces cannot crash the session.
func (h *Host) Execute(cmd Command) {
	if next, ok := nextSpeed[cmd]; ok {
		if err := h.engine.SetSpeed(next); err != nil {
			debuglog.Errorf("setting speed %.1f: %v", next, err)
		}
		return
	}

	switch cmd {
	case CmdSeekBack:
		h.seekBy(-h.stepMs(h.cfg.SeekBackStep, 10*time.Second))
	case CmdSeekForward:
		h.seekBy(h.stepMs(h.cfg.SeekForwardStep, 30*time.Second))
	case CmdSeekToPrevious:
		h.seekToPrevious()
	case CmdSeekToNext:
		h.seekToNext()
	default:
		debuglog.Warnf("ignoring unknown session command %q", cmd)
	}
}

func (h *Host) stepMs(step, fallback time.Duration) int64 {
	if step <= 0 {
		step = fallback
	}
	return step.Milliseconds()
}

func (h *Host) seekBy(deltaMs int64) {
	target := h.engine.Position() + deltaMs
	if target < 0 {
		target = 0
	}
	if dur := h.engine.Duration(); dur > 0 && target > dur {
		target = dur
	}
	if err := h.engine.SeekTo(target); err != nil {
		debuglog.Errorf("seeking by %dms: %v", deltaMs, err)
	}
}

// seekToPrevious restarts the current item when playback is past the restart
// threshold; below it, playback moves to the previous queued item. At the
// head of the queue there is nothing earlier to go to.
func (h *Host) seekToPrevious() {
	threshold := h.cfg.PreviousThreshold
	if threshold <= 0 {
		threshold = 3 * time.Second
	}
	if h.engine.Position() > threshold.Milliseconds() {
		if err := h.engine.SeekTo(0); err != nil {
			debuglog.Errorf("restarting item: %v", err)
		}
		return
	}
	h.skipTo(-1)
}

func (h *Host) seekToNext() {
	h.skipTo(1)
}

// skipTo moves playback to an adjacent queue entry, saving the outgoing
// item's position and keeping the play/pause state across the transition.
// At either end of the queue it does nothing.
func (h *Host) skipTo(delta int) {
	h.mu.Lock()
	target := h.queueIndex + delta
	if target < 0 || target >= len(h.queue) {
		h.mu.Unlock()
		return
	}
	item := h.queue[target]
	h.queueIndex = target
	h.mu.Unlock()

	h.SaveCurrent()
	wasPlaying := h.engine.IsPlaying()

	if err := h.engine.Load(item, h.resumePosition(item)); err != nil {
		debuglog.Errorf("loading queued item %s: %v", item.GUID, err)
		return
	}
	if wasPlaying {
		if err := h.engine.Play(); err != nil {
			debuglog.Errorf("resuming queued item %s: %v", item.GUID, err)
		}
	}
}

// resumePosition returns the saved position for an item, 0 when there is no
// row or the item was finished.
func (h *Host) resumePosition(item engine.Item) int64 {
	p, err := h.store.GetProgress(item.FeedURL, item.GUID)
	if err != nil || p.Finished {
		return 0
	}
	return p.Position
}

// Speed returns the current playback speed multiplier.
func (h *Host) Speed() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.speed
}

// QueueLength returns the number of queued items.
func (h *Host) QueueLength() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

// QueueIndex returns the position of the current item within the queue.
func (h *Host) QueueIndex() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.queueIndex
}

func (h *Host) Position() int64           { return h.engine.Position() }
func (h *Host) Duration() int64           { return h.engine.Duration() }
func (h *Host) BufferedPosition() int64   { return h.engine.BufferedPosition() }
func (h *Host) State() engine.State       { return h.engine.State() }
func (h *Host) IsPlaying() bool           { return h.engine.IsPlaying() }
func (h *Host) CurrentItem() *engine.Item { return h.engine.CurrentItem() }
func (h *Host) ItemCount() int            { return h.engine.ItemCount() }

// Subscribe forwards engine events to a listener.
func (h *Host) Subscribe(fn func(engine.Event)) func() {
	return h.engine.Subscribe(fn)
}

// TaskRemoved handles the surrounding process being dismissed: progress is
// saved, and the session shuts down unless playback is actively running.
func (h *Host) TaskRemoved() {
	h.SaveCurrent()
	if !(h.engine.IsPlaying() && h.engine.ItemCount() > 0) {
		if err := h.Close(); err != nil {
			debuglog.Errorf("stopping session after task removal: %v", err)
		}
	}
}

// Close saves a final snapshot and releases the engine.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.stopPeriodicSave()
	h.SaveCurrent()
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	return h.engine.Close()
}
