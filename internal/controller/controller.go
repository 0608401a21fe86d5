// Package controller exposes playback as an observable snapshot plus a small
// command surface. It sits between UI surfaces and the session host: surfaces
// watch State and issue intents, the controller translates them into host
// calls and keeps the now-playing snapshot and progress mirror current.
package controller

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"earshot/internal/config"
	"earshot/internal/debuglog"
	"earshot/internal/engine"
	"earshot/internal/session"
	"earshot/internal/storage"
)

// State is the immutable snapshot surfaces render from.
type State struct {
	HasItems             bool
	IsLoading            bool
	IsPlaying            bool
	Ended                bool
	ShouldShowPlayButton bool
	SleepTimerActive     bool

	// Speed is preformatted for display: "1x", "1.2x", ...
	Speed string

	EpisodeTitle string
	PodcastTitle string
	ArtworkURL   string
	FeedURL      string
	GUID         string

	PositionMs int64
	DurationMs int64
	BufferedMs int64
}

// Controller is the observable playback façade.
type Controller struct {
	host  *session.Host
	store *storage.Store
	cfg   config.PlaybackConfig

	mu          sync.Mutex
	sleepTimer  *time.Timer
	sleepActive bool
	released    bool
	unsubscribe func()
	pollStop    chan struct{}

	watcherMu sync.Mutex
	watchers  map[int]chan State
	nextID    int
}

// New attaches a controller to the session host.
func New(host *session.Host, store *storage.Store, cfg config.PlaybackConfig) *Controller {
	c := &Controller{
		host:     host,
		store:    store,
		cfg:      cfg,
		watchers: make(map[int]chan State),
	}
	c.unsubscribe = host.Subscribe(c.onEngineEvent)
	return c
}

func (c *Controller) onEngineEvent(ev engine.Event) {
	c.mu.Lock()
	released := c.released
	c.mu.Unlock()
	if released {
		return
	}

	switch ev.Kind {
	case engine.EventIsPlayingChanged:
		if ev.IsPlaying {
			c.startPolling()
		} else {
			c.stopPolling()
			// Mirror of the host's save: both sides write the same row, so
			// a surface outliving the host still lands the position.
			if c.host.State() != engine.StateEnded {
				c.saveProgress(ev.Position, ev.Duration, false)
			}
		}
	case engine.EventStateChanged:
		if ev.State == engine.StateEnded {
			c.stopPolling()
			// Same row the host writes on end-of-playback.
			c.saveProgress(ev.Duration, ev.Duration, true)
		}
	case engine.EventPositionDiscontinuity:
		if ev.Reason == engine.ReasonSeek || ev.Reason == engine.ReasonRemove {
			// Mirror of the host's pre-jump save.
			c.saveProgress(ev.OldPosition, ev.Duration, false)
		}
	}

	c.notify()
}

func (c *Controller) saveProgress(position, duration int64, finished bool) {
	item := c.host.CurrentItem()
	if item == nil || item.FeedURL == "" || item.GUID == "" {
		return
	}
	if err := c.store.SaveProgress(item.FeedURL, item.GUID, position, duration, finished); err != nil {
		debuglog.Errorf("mirroring progress for %s: %v", item.GUID, err)
	}
}

// startPolling re-emits state on a cadence while playing so watchers see the
// position move without their own timers.
func (c *Controller) startPolling() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pollStop != nil || c.released {
		return
	}
	stop := make(chan struct{})
	c.pollStop = stop

	interval := c.cfg.PollInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}

	saveEvery := c.cfg.SaveInterval
	if saveEvery <= 0 {
		saveEvery = time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		lastSave := time.Now()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.notify()
				// Periodic mirror while playing, on the same cadence as the
				// host's own ticker.
				if time.Since(lastSave) >= saveEvery {
					lastSave = time.Now()
					c.saveProgress(c.host.Position(), c.host.Duration(), false)
				}
			}
		}
	}()
}

func (c *Controller) stopPolling() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pollStop != nil {
		close(c.pollStop)
		c.pollStop = nil
	}
}

// CurrentState builds a snapshot of the live playback state.
func (c *Controller) CurrentState() State {
	item := c.host.CurrentItem()
	hostState := c.host.State()

	c.mu.Lock()
	sleepActive := c.sleepActive
	c.mu.Unlock()

	s := State{
		HasItems:         c.host.ItemCount() > 0,
		IsLoading:        hostState == engine.StateBuffering,
		IsPlaying:        c.host.IsPlaying(),
		Ended:            hostState == engine.StateEnded,
		SleepTimerActive: sleepActive,
		Speed:            formatSpeed(c.host.Speed()),
		PositionMs:       c.host.Position(),
		DurationMs:       c.host.Duration(),
		BufferedMs:       c.host.BufferedPosition(),
	}
	s.ShouldShowPlayButton = !s.IsPlaying

	if item != nil {
		s.EpisodeTitle = item.Title
		s.PodcastTitle = item.PodcastTitle
		s.ArtworkURL = item.ArtworkURL
		s.FeedURL = item.FeedURL
		s.GUID = item.GUID
	}

	return s
}

func formatSpeed(speed float64) string {
	return fmt.Sprintf("%gx", speed)
}

// Watch returns a channel of state snapshots. The channel holds only the
// latest snapshot; slow readers skip intermediates rather than lag behind.
func (c *Controller) Watch() (<-chan State, func()) {
	c.watcherMu.Lock()
	defer c.watcherMu.Unlock()

	id := c.nextID
	c.nextID++
	ch := make(chan State, 1)
	c.watchers[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.watcherMu.Lock()
			delete(c.watchers, id)
			c.watcherMu.Unlock()
		})
	}
	return ch, cancel
}

func (c *Controller) notify() {
	state := c.CurrentState()

	c.watcherMu.Lock()
	defer c.watcherMu.Unlock()
	for _, ch := range c.watchers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- state:
		default:
		}
	}
}

// PlayMedia loads an episode and starts playing it. Playback resumes from the
// saved position; finished episodes restart from the beginning.
func (c *Controller) PlayMedia(episode *storage.Episode) error {
	return c.PlayQueue([]*storage.Episode{episode}, 0)
}

// PlayQueue installs a list of episodes as the play queue and starts playing
// the one at index. Episodes without an enclosure are dropped from the queue.
func (c *Controller) PlayQueue(episodes []*storage.Episode, index int) error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if index < 0 || index >= len(episodes) {
		return fmt.Errorf("queue index %d out of range", index)
	}
	chosen := episodes[index]
	if chosen.EnclosureURL == "" {
		return errors.New("episode has no enclosure")
	}

	items := make([]engine.Item, 0, len(episodes))
	startIndex := 0
	for _, ep := range episodes {
		if ep.EnclosureURL == "" {
			continue
		}
		if ep == chosen {
			startIndex = len(items)
		}
		items = append(items, itemFor(ep))
	}

	start := c.resumePosition(chosen.FeedURL, chosen.GUID)
	if err := c.host.LoadQueue(items, startIndex, start); err != nil {
		return fmt.Errorf("loading %s: %w", chosen.Title, err)
	}

	snapshot := &storage.NowPlaying{
		FeedURL:      chosen.FeedURL,
		GUID:         chosen.GUID,
		EnclosureURL: chosen.EnclosureURL,
		EpisodeTitle: chosen.Title,
		ArtworkURL:   chosen.ArtworkURL,
		PodcastTitle: chosen.PodcastTitle,
	}
	if err := c.store.SaveNowPlaying(snapshot); err != nil {
		debuglog.Errorf("saving now-playing snapshot: %v", err)
	}

	if err := c.host.Play(); err != nil {
		return fmt.Errorf("starting playback: %w", err)
	}

	c.notify()
	return nil
}

func itemFor(ep *storage.Episode) engine.Item {
	return engine.Item{
		EnclosureURL: ep.EnclosureURL,
		Title:        ep.Title,
		PodcastTitle: ep.PodcastTitle,
		ArtworkURL:   ep.ArtworkURL,
		FeedURL:      ep.FeedURL,
		GUID:         ep.GUID,
	}
}

// resumePosition returns the saved position for an episode, or 0 when there
// is none or the episode was finished.
func (c *Controller) resumePosition(feedURL, guid string) int64 {
	p, err := c.store.GetProgress(feedURL, guid)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			debuglog.Warnf("reading progress for %s: %v", guid, err)
		}
		return 0
	}
	if p.Finished {
		return 0
	}
	return p.Position
}

// Restore reloads the last played episode paused at its saved position, so a
// fresh start shows where the listener left off. Nothing happens when there
// is no snapshot or the episode was finished.
func (c *Controller) Restore() error {
	np, err := c.store.LoadNowPlaying()
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("loading now-playing snapshot: %w", err)
	}

	p, err := c.store.GetProgress(np.FeedURL, np.GUID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("loading progress: %w", err)
	}
	if err == nil && p.Finished {
		return nil
	}

	var start int64
	if err == nil {
		start = p.Position
	}

	items := []engine.Item{{
		EnclosureURL: np.EnclosureURL,
		Title:        np.EpisodeTitle,
		PodcastTitle: np.PodcastTitle,
		ArtworkURL:   np.ArtworkURL,
		FeedURL:      np.FeedURL,
		GUID:         np.GUID,
	}}
	startIndex := 0

	// Rebuild the persisted queue around the snapshot episode, when its
	// members are still resolvable. Otherwise the snapshot plays alone.
	if refs, qerr := c.store.LoadQueue(); qerr == nil && len(refs) > 0 {
		rebuilt := make([]engine.Item, 0, len(refs))
		idx := -1
		for _, ref := range refs {
			ep, eerr := c.store.GetEpisode(ref.FeedURL, ref.GUID)
			if eerr != nil || ep.EnclosureURL == "" {
				continue
			}
			if ref.FeedURL == np.FeedURL && ref.GUID == np.GUID {
				idx = len(rebuilt)
			}
			rebuilt = append(rebuilt, itemFor(ep))
		}
		if idx >= 0 {
			items, startIndex = rebuilt, idx
		}
	}

	if err := c.host.LoadQueue(items, startIndex, start); err != nil {
		return fmt.Errorf("restoring %s: %w", np.EpisodeTitle, err)
	}

	c.notify()
	return nil
}

func (c *Controller) Pause() {
	if c.isReleased() {
		return
	}
	if err := c.host.Pause(); err != nil {
		debuglog.Errorf("pausing: %v", err)
	}
}

func (c *Controller) Resume() {
	if c.isReleased() {
		return
	}
	if err := c.host.Play(); err != nil {
		debuglog.Errorf("resuming: %v", err)
	}
}

// Command forwards a session command, e.g. a speed cycle step or a
// relative seek.
func (c *Controller) Command(cmd session.Command) {
	if c.isReleased() {
		return
	}
	c.host.Execute(cmd)
	c.notify()
}

// SeekToFraction seeks to a fraction of the duration. A no-op while the
// duration is unknown: there is nothing meaningful to scrub against.
func (c *Controller) SeekToFraction(fraction float64) {
	if c.isReleased() {
		return
	}
	dur := c.host.Duration()
	if dur <= 0 {
		return
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	if err := c.host.SeekTo(int64(fraction * float64(dur))); err != nil {
		debuglog.Errorf("seeking to fraction %.2f: %v", fraction, err)
	}
}

// ProgressFraction returns playback progress in [0,1], 0 when the duration
// is unknown.
func (c *Controller) ProgressFraction() float64 {
	return fraction(c.host.Position(), c.host.Duration())
}

// BufferedFraction returns buffered progress in [0,1].
func (c *Controller) BufferedFraction() float64 {
	return fraction(c.host.BufferedPosition(), c.host.Duration())
}

func fraction(position, duration int64) float64 {
	if duration <= 0 {
		return 0
	}
	f := float64(position) / float64(duration)
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// SetSleepTimer pauses playback after d. A second call replaces the pending
// timer.
func (c *Controller) SetSleepTimer(d time.Duration) {
	if c.isReleased() || d <= 0 {
		return
	}

	c.mu.Lock()
	if c.sleepTimer != nil {
		c.sleepTimer.Stop()
	}
	c.sleepActive = true
	c.sleepTimer = time.AfterFunc(d, func() {
		c.mu.Lock()
		c.sleepActive = false
		c.sleepTimer = nil
		released := c.released
		c.mu.Unlock()
		if !released {
			if err := c.host.Pause(); err != nil {
				debuglog.Errorf("sleep timer pause: %v", err)
			}
			c.notify()
		}
	})
	c.mu.Unlock()

	c.notify()
}

func (c *Controller) CancelSleepTimer() {
	c.mu.Lock()
	if c.sleepTimer != nil {
		c.sleepTimer.Stop()
		c.sleepTimer = nil
	}
	c.sleepActive = false
	c.mu.Unlock()

	c.notify()
}

func (c *Controller) SleepTimerActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sleepActive
}

func (c *Controller) isReleased() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

// Release detaches from the host after a final progress save. All commands
// become no-ops afterwards; the host itself stays alive for other surfaces.
func (c *Controller) Release() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	if c.sleepTimer != nil {
		c.sleepTimer.Stop()
		c.sleepTimer = nil
	}
	c.sleepActive = false
	c.mu.Unlock()

	c.stopPolling()
	c.host.SaveCurrent()

	if c.unsubscribe != nil {
		c.unsubscribe()
	}

	c.watcherMu.Lock()
	for id, ch := range c.watchers {
		close(ch)
		delete(c.watchers, id)
	}
	c.watcherMu.Unlock()
}
