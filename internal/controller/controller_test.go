package controller

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"earshot/internal/config"
	"earshot/internal/engine"
	"earshot/internal/session"
	"earshot/internal/storage"
)

type fixture struct {
	controller *Controller
	host       *session.Host
	fake       *engine.Fake
	store      *storage.Store
}

func setup(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.TestConfig().Playback
	fake := engine.NewFake()
	host := session.NewHost(fake, store, cfg)
	t.Cleanup(func() { host.Close() })

	controller := New(host, store, cfg)
	t.Cleanup(controller.Release)

	return &fixture{controller: controller, host: host, fake: fake, store: store}
}

func testEpisode() *storage.Episode {
	return &storage.Episode{
		FeedURL:      "http://example.com/feed",
		GUID:         "guid-1",
		Title:        "Pilot",
		PodcastTitle: "Test Podcast",
		EnclosureURL: "http://example.com/ep.mp3",
	}
}

func TestController_PlayMediaFromStart(t *testing.T) {
	f := setup(t)

	require.NoError(t, f.controller.PlayMedia(testEpisode()))

	assert.Equal(t, int64(0), f.fake.LoadedAt)
	assert.True(t, f.fake.IsPlaying() || f.fake.State() == engine.StateBuffering)

	// The snapshot survives for the next cold start
	np, err := f.store.LoadNowPlaying()
	require.NoError(t, err)
	assert.Equal(t, "guid-1", np.GUID)
	assert.Equal(t, "Pilot", np.EpisodeTitle)
}

func TestController_PlayMediaResumesFromSavedPosition(t *testing.T) {
	f := setup(t)
	ep := testEpisode()

	require.NoError(t, f.store.SaveProgress(ep.FeedURL, ep.GUID, 45000, 600000, false))

	require.NoError(t, f.controller.PlayMedia(ep))

	assert.Equal(t, int64(45000), f.fake.LoadedAt)
}

func TestController_PlayMediaFinishedRestartsFromZero(t *testing.T) {
	f := setup(t)
	ep := testEpisode()

	require.NoError(t, f.store.SaveProgress(ep.FeedURL, ep.GUID, 600000, 600000, true))

	require.NoError(t, f.controller.PlayMedia(ep))

	assert.Equal(t, int64(0), f.fake.LoadedAt)
}

func TestController_PlayMediaWithoutEnclosureFails(t *testing.T) {
	f := setup(t)
	ep := testEpisode()
	ep.EnclosureURL = ""

	assert.Error(t, f.controller.PlayMedia(ep))
	assert.Equal(t, 0, f.fake.LoadCalls)
}

func TestController_RestoreLoadsPausedAtSavedPosition(t *testing.T) {
	f := setup(t)
	ep := testEpisode()

	require.NoError(t, f.store.SaveNowPlaying(&storage.NowPlaying{
		FeedURL:      ep.FeedURL,
		GUID:         ep.GUID,
		EnclosureURL: ep.EnclosureURL,
		EpisodeTitle: ep.Title,
		PodcastTitle: ep.PodcastTitle,
	}))
	require.NoError(t, f.store.SaveProgress(ep.FeedURL, ep.GUID, 45000, 600000, false))

	require.NoError(t, f.controller.Restore())

	assert.Equal(t, int64(45000), f.fake.LoadedAt, "cold start resumes at the saved position")
	assert.False(t, f.fake.IsPlaying(), "restore loads paused, it does not autoplay")
	assert.Equal(t, 1, f.fake.ItemCount())
}

func TestController_RestoreNoSnapshotIsNoOp(t *testing.T) {
	f := setup(t)

	require.NoError(t, f.controller.Restore())

	assert.Equal(t, 0, f.fake.LoadCalls)
}

func TestController_RestoreFinishedEpisodeIsNoOp(t *testing.T) {
	f := setup(t)
	ep := testEpisode()

	require.NoError(t, f.store.SaveNowPlaying(&storage.NowPlaying{
		FeedURL:      ep.FeedURL,
		GUID:         ep.GUID,
		EnclosureURL: ep.EnclosureURL,
		EpisodeTitle: ep.Title,
	}))
	require.NoError(t, f.store.SaveProgress(ep.FeedURL, ep.GUID, 600000, 600000, true))

	require.NoError(t, f.controller.Restore())

	assert.Equal(t, 0, f.fake.LoadCalls, "finished episodes are not restored")
}

func secondEpisode() *storage.Episode {
	return &storage.Episode{
		FeedURL:      "http://example.com/feed",
		GUID:         "guid-2",
		Title:        "Second",
		PodcastTitle: "Test Podcast",
		EnclosureURL: "http://example.com/ep2.mp3",
	}
}

func TestController_PlayQueueSkipsBackToPreviousEpisode(t *testing.T) {
	f := setup(t)
	first, second := testEpisode(), secondEpisode()

	require.NoError(t, f.controller.PlayQueue([]*storage.Episode{first, second}, 1))
	f.fake.SetReady(600000)
	f.fake.Advance(2000)

	// Below the restart threshold the previous queued episode loads
	f.controller.Command(session.CmdSeekToPrevious)

	s := f.controller.CurrentState()
	assert.Equal(t, "guid-1", s.GUID)
	assert.Equal(t, "Pilot", s.EpisodeTitle)
	assert.True(t, f.fake.IsPlaying(), "playback continues on the previous episode")
}

func TestController_RestoreRebuildsQueue(t *testing.T) {
	f := setup(t)
	first, second := testEpisode(), secondEpisode()

	require.NoError(t, f.store.UpsertEpisodes([]*storage.Episode{first, second}))
	require.NoError(t, f.store.SaveQueue([]storage.QueueRef{
		{FeedURL: first.FeedURL, GUID: first.GUID},
		{FeedURL: second.FeedURL, GUID: second.GUID},
	}))
	require.NoError(t, f.store.SaveNowPlaying(&storage.NowPlaying{
		FeedURL:      second.FeedURL,
		GUID:         second.GUID,
		EnclosureURL: second.EnclosureURL,
		EpisodeTitle: second.Title,
	}))
	require.NoError(t, f.store.SaveProgress(second.FeedURL, second.GUID, 45000, 600000, false))

	require.NoError(t, f.controller.Restore())

	assert.Equal(t, int64(45000), f.fake.LoadedAt)
	assert.Equal(t, 2, f.host.QueueLength(), "the persisted queue is rebuilt around the snapshot")
	assert.Equal(t, 1, f.host.QueueIndex())
	assert.False(t, f.fake.IsPlaying())
}

func TestController_PeriodicMirrorWhilePlaying(t *testing.T) {
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	// The host saves on a long cadence here; any write landing during the
	// test came from the controller's own mirror.
	hostCfg := config.TestConfig().Playback
	hostCfg.SaveInterval = time.Hour

	ctrlCfg := config.TestConfig().Playback
	ctrlCfg.SaveInterval = 20 * time.Millisecond
	ctrlCfg.PollInterval = 5 * time.Millisecond

	fake := engine.NewFake()
	host := session.NewHost(fake, store, hostCfg)
	t.Cleanup(func() { host.Close() })

	ctrl := New(host, store, ctrlCfg)
	t.Cleanup(ctrl.Release)

	ep := testEpisode()
	require.NoError(t, ctrl.PlayMedia(ep))
	fake.SetReady(600000)
	fake.Advance(7000)

	assert.Eventually(t, func() bool {
		p, err := store.GetProgress(ep.FeedURL, ep.GUID)
		return err == nil && p.Position == 7000
	}, time.Second, 5*time.Millisecond, "the controller mirrors progress on its own while playing")
}

func TestController_StateSnapshot(t *testing.T) {
	f := setup(t)

	s := f.controller.CurrentState()
	assert.False(t, s.HasItems)
	assert.True(t, s.ShouldShowPlayButton)
	assert.Equal(t, "1x", s.Speed)

	require.NoError(t, f.controller.PlayMedia(testEpisode()))
	s = f.controller.CurrentState()
	assert.True(t, s.HasItems)
	assert.True(t, s.IsLoading, "buffering surfaces as loading")
	assert.Equal(t, "Pilot", s.EpisodeTitle)
	assert.Equal(t, "Test Podcast", s.PodcastTitle)

	f.fake.SetReady(600000)
	s = f.controller.CurrentState()
	assert.False(t, s.IsLoading)
	assert.Equal(t, int64(600000), s.DurationMs)
}

func TestController_WatchDeliversLatestState(t *testing.T) {
	f := setup(t)

	ch, cancel := f.controller.Watch()
	defer cancel()

	require.NoError(t, f.controller.PlayMedia(testEpisode()))
	f.fake.SetReady(600000)

	select {
	case s := <-ch:
		assert.True(t, s.HasItems)
	case <-time.After(time.Second):
		t.Fatal("watcher not notified")
	}

	cancel()
	cancel() // second cancel must be safe
}

func TestController_SeekToFraction(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.controller.PlayMedia(testEpisode()))

	// Duration unknown while buffering: scrubbing is a no-op
	f.controller.SeekToFraction(0.5)
	assert.Equal(t, int64(0), f.fake.Position())

	f.fake.SetReady(600000)
	f.controller.SeekToFraction(0.5)
	assert.Equal(t, int64(300000), f.fake.Position())

	f.controller.SeekToFraction(1.5)
	assert.Equal(t, int64(600000), f.fake.Position(), "fraction clamps to 1")
}

func TestController_Fractions(t *testing.T) {
	f := setup(t)

	assert.Equal(t, 0.0, f.controller.ProgressFraction(), "unknown duration reads as zero progress")

	require.NoError(t, f.controller.PlayMedia(testEpisode()))
	f.fake.SetReady(600000)
	f.fake.Advance(150000)

	assert.InDelta(t, 0.25, f.controller.ProgressFraction(), 0.001)
	assert.InDelta(t, 1.0, f.controller.BufferedFraction(), 0.001)
}

func TestController_SpeedCommandUpdatesLabel(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.controller.PlayMedia(testEpisode()))
	f.fake.SetReady(600000)

	f.controller.Command(session.CmdSpeed1X)

	assert.Equal(t, "1.2x", f.controller.CurrentState().Speed)
}

func TestController_SleepTimerPausesPlayback(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.controller.PlayMedia(testEpisode()))
	f.fake.SetReady(600000)
	require.True(t, f.fake.IsPlaying())

	f.controller.SetSleepTimer(20 * time.Millisecond)
	assert.True(t, f.controller.SleepTimerActive())

	assert.Eventually(t, func() bool {
		return !f.fake.IsPlaying() && !f.controller.SleepTimerActive()
	}, time.Second, 5*time.Millisecond, "expiry pauses playback and clears the flag")
}

func TestController_SleepTimerCancel(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.controller.PlayMedia(testEpisode()))
	f.fake.SetReady(600000)

	f.controller.SetSleepTimer(30 * time.Millisecond)
	f.controller.CancelSleepTimer()
	assert.False(t, f.controller.SleepTimerActive())

	time.Sleep(60 * time.Millisecond)
	assert.True(t, f.fake.IsPlaying(), "cancelled timer must not pause playback")
}

func TestController_ReleasedIsNoOp(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.controller.PlayMedia(testEpisode()))
	f.fake.SetReady(600000)

	f.controller.Release()
	f.controller.Release() // idempotent

	assert.NoError(t, f.controller.PlayMedia(testEpisode()))
	assert.Equal(t, 1, f.fake.LoadCalls, "released controller issues no engine commands")

	f.controller.Pause()
	assert.True(t, f.fake.IsPlaying(), "released controller cannot pause the engine")

	f.controller.SetSleepTimer(10 * time.Millisecond)
	assert.False(t, f.controller.SleepTimerActive())
}

func TestController_ReleaseSavesFinalPosition(t *testing.T) {
	f := setup(t)
	ep := testEpisode()
	require.NoError(t, f.controller.PlayMedia(ep))
	f.fake.SetReady(600000)
	f.fake.Advance(90000)

	f.controller.Release()

	p, err := f.store.GetProgress(ep.FeedURL, ep.GUID)
	require.NoError(t, err)
	assert.Equal(t, int64(90000), p.Position)
}

func TestFormatSpeed(t *testing.T) {
	tests := []struct {
		speed float64
		want  string
	}{
		{1.0, "1x"},
		{0.5, "0.5x"},
		{1.2, "1.2x"},
		{2.0, "2x"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatSpeed(tt.speed))
	}
}
