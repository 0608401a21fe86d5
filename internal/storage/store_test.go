package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	return store
}

func TestStore_SaveAndGetProgress(t *testing.T) {
	store := setupTestStore(t)

	err := store.SaveProgress("http://example.com/feed", "guid-1", 45000, 600000, false)
	if err != nil {
		t.Fatalf("failed to save progress: %v", err)
	}

	p, err := store.GetProgress("http://example.com/feed", "guid-1")
	if err != nil {
		t.Fatalf("failed to get progress: %v", err)
	}

	if p.Position != 45000 {
		t.Errorf("expected position 45000, got %d", p.Position)
	}
	if p.Duration != 600000 {
		t.Errorf("expected duration 600000, got %d", p.Duration)
	}
	if p.Finished {
		t.Error("progress should not be finished")
	}
	if p.LastPlayedAt.IsZero() {
		t.Error("LastPlayedAt should be set")
	}
}

func TestStore_GetProgress_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetProgress("http://example.com/feed", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_SaveProgress_DurationGuard(t *testing.T) {
	store := setupTestStore(t)

	if err := store.SaveProgress("f1", "g1", 10, 1000, false); err != nil {
		t.Fatalf("failed to save valid progress: %v", err)
	}

	// A save with unset duration must be dropped whole, position included
	if err := store.SaveProgress("f1", "g1", 20, DurationUnset, false); err != nil {
		t.Fatalf("unset-duration save should be a no-op, got error: %v", err)
	}
	if err := store.SaveProgress("f1", "g1", 20, 0, false); err != nil {
		t.Fatalf("zero-duration save should be a no-op, got error: %v", err)
	}

	p, err := store.GetProgress("f1", "g1")
	if err != nil {
		t.Fatalf("failed to get progress: %v", err)
	}
	if p.Duration != 1000 {
		t.Errorf("stored duration corrupted: expected 1000, got %d", p.Duration)
	}
	if p.Position != 10 {
		t.Errorf("position updated by a dropped write: expected 10, got %d", p.Position)
	}
}

func TestStore_SaveProgress_Idempotent(t *testing.T) {
	store := setupTestStore(t)

	for i := 0; i < 2; i++ {
		if err := store.SaveProgress("f1", "g1", 5000, 60000, false); err != nil {
			t.Fatalf("save %d failed: %v", i, err)
		}
	}

	p, err := store.GetProgress("f1", "g1")
	if err != nil {
		t.Fatalf("failed to get progress: %v", err)
	}
	if p.Position != 5000 || p.Duration != 60000 || p.Finished {
		t.Errorf("unexpected state after repeated save: %+v", p)
	}

	rows, err := store.GetAllProgressForFeed("f1")
	if err != nil {
		t.Fatalf("failed to list progress: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("expected 1 row after repeated save, got %d", len(rows))
	}
}

func TestStore_SaveProgress_NegativePositionClamped(t *testing.T) {
	store := setupTestStore(t)

	if err := store.SaveProgress("f1", "g1", -250, 60000, false); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	p, _ := store.GetProgress("f1", "g1")
	if p.Position != 0 {
		t.Errorf("expected clamped position 0, got %d", p.Position)
	}
}

func TestStore_GetAllProgressForFeed(t *testing.T) {
	store := setupTestStore(t)

	for i := 0; i < 3; i++ {
		guid := fmt.Sprintf("g%d", i)
		if err := store.SaveProgress("f1", guid, int64(i)*1000, 60000, false); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}
	if err := store.SaveProgress("f2", "other", 1000, 60000, false); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	rows, err := store.GetAllProgressForFeed("f1")
	if err != nil {
		t.Fatalf("failed to list progress: %v", err)
	}
	if len(rows) != 3 {
		t.Errorf("expected 3 rows for f1, got %d", len(rows))
	}
}

func TestStore_History_OrderedByLastPlayed(t *testing.T) {
	store := setupTestStore(t)

	for i, guid := range []string{"g1", "g2", "g3"} {
		ep := &Episode{
			FeedURL: "f1",
			GUID:    guid,
			Title:   fmt.Sprintf("Episode %d", i),
		}
		if err := store.UpsertEpisode(ep); err != nil {
			t.Fatalf("upsert episode: %v", err)
		}
		if err := store.SaveProgress("f1", guid, 1000, 60000, false); err != nil {
			t.Fatalf("save progress: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	rows, err := store.History()
	if err != nil {
		t.Fatalf("failed to get history: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 history rows, got %d", len(rows))
	}

	// Most recently played first
	if rows[0].Episode.GUID != "g3" || rows[2].Episode.GUID != "g1" {
		t.Errorf("history out of order: %s, %s, %s",
			rows[0].Episode.GUID, rows[1].Episode.GUID, rows[2].Episode.GUID)
	}
}

func TestStore_History_SkipsEpisodesWithoutMetadata(t *testing.T) {
	store := setupTestStore(t)

	// Progress exists but no episode row was ever written
	if err := store.SaveProgress("f1", "orphan", 1000, 60000, false); err != nil {
		t.Fatalf("save progress: %v", err)
	}

	rows, err := store.History()
	if err != nil {
		t.Fatalf("failed to get history: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected empty history, got %d rows", len(rows))
	}
}

func TestStore_SubscribeUnsubscribe(t *testing.T) {
	store := setupTestStore(t)

	if err := store.Subscribe("f1", "Test Podcast", "http://example.com/art.jpg"); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	subscribed, err := store.IsSubscribed("f1")
	if err != nil {
		t.Fatalf("IsSubscribed failed: %v", err)
	}
	if !subscribed {
		t.Error("expected subscribed == true")
	}

	subs, err := store.Subscriptions()
	if err != nil {
		t.Fatalf("Subscriptions failed: %v", err)
	}
	if len(subs) != 1 || subs[0].Title != "Test Podcast" {
		t.Errorf("unexpected subscription list: %+v", subs)
	}

	if err := store.Unsubscribe("f1"); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}

	subscribed, _ = store.IsSubscribed("f1")
	if subscribed {
		t.Error("expected subscribed == false after unsubscribe")
	}

	// The row survives as a soft flag flip
	subs, _ = store.Subscriptions()
	if len(subs) != 0 {
		t.Errorf("unsubscribed feed still listed: %+v", subs)
	}
}

func TestStore_Unsubscribe_NotFound(t *testing.T) {
	store := setupTestStore(t)

	if err := store.Unsubscribe("never-subscribed"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_NowPlayingRoundTrip(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.LoadNowPlaying()
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on empty store, got %v", err)
	}

	np := &NowPlaying{
		FeedURL:      "f1",
		GUID:         "g1",
		EnclosureURL: "http://example.com/ep.mp3",
		EpisodeTitle: "Pilot",
		PodcastTitle: "Test Podcast",
	}
	if err := store.SaveNowPlaying(np); err != nil {
		t.Fatalf("SaveNowPlaying failed: %v", err)
	}

	loaded, err := store.LoadNowPlaying()
	if err != nil {
		t.Fatalf("LoadNowPlaying failed: %v", err)
	}
	if *loaded != *np {
		t.Errorf("snapshot mismatch: got %+v, want %+v", loaded, np)
	}
}

func TestStore_QueueRoundTrip(t *testing.T) {
	store := setupTestStore(t)

	refs, err := store.LoadQueue()
	if err != nil {
		t.Fatalf("LoadQueue on empty store failed: %v", err)
	}
	if len(refs) != 0 {
		t.Errorf("expected empty queue, got %+v", refs)
	}

	saved := []QueueRef{
		{FeedURL: "f1", GUID: "g1"},
		{FeedURL: "f1", GUID: "g2"},
	}
	if err := store.SaveQueue(saved); err != nil {
		t.Fatalf("SaveQueue failed: %v", err)
	}

	refs, err = store.LoadQueue()
	if err != nil {
		t.Fatalf("LoadQueue failed: %v", err)
	}
	if len(refs) != 2 || refs[0].GUID != "g1" || refs[1].GUID != "g2" {
		t.Errorf("queue order lost: %+v", refs)
	}

	// An empty save clears the queue
	if err := store.SaveQueue(nil); err != nil {
		t.Fatalf("clearing queue failed: %v", err)
	}
	refs, _ = store.LoadQueue()
	if len(refs) != 0 {
		t.Errorf("queue not cleared: %+v", refs)
	}
}

func TestStore_WatchHistory(t *testing.T) {
	store := setupTestStore(t)

	if err := store.UpsertEpisode(&Episode{FeedURL: "f1", GUID: "g1", Title: "Ep"}); err != nil {
		t.Fatal(err)
	}

	ch, cancel := store.WatchHistory()
	defer cancel()

	if err := store.SaveProgress("f1", "g1", 1000, 60000, false); err != nil {
		t.Fatalf("save progress: %v", err)
	}

	select {
	case rows := <-ch:
		if len(rows) != 1 || rows[0].Progress.Position != 1000 {
			t.Errorf("unexpected watch payload: %+v", rows)
		}
	case <-time.After(time.Second):
		t.Fatal("watcher not notified")
	}

	// Two quick writes: the reader sees the latest snapshot
	store.SaveProgress("f1", "g1", 2000, 60000, false)
	store.SaveProgress("f1", "g1", 3000, 60000, false)

	select {
	case rows := <-ch:
		if rows[0].Progress.Position != 3000 {
			t.Errorf("expected latest position 3000, got %d", rows[0].Progress.Position)
		}
	case <-time.After(time.Second):
		t.Fatal("watcher not notified")
	}
}

func TestStore_WatchSubscriptions(t *testing.T) {
	store := setupTestStore(t)

	ch, cancel := store.WatchSubscriptions()
	defer cancel()

	if err := store.Subscribe("f1", "Test Podcast", ""); err != nil {
		t.Fatal(err)
	}

	select {
	case subs := <-ch:
		if len(subs) != 1 || subs[0].FeedURL != "f1" {
			t.Errorf("unexpected watch payload: %+v", subs)
		}
	case <-time.After(time.Second):
		t.Fatal("watcher not notified")
	}

	cancel()
	// A second cancel must be safe
	cancel()
}

func TestProgress_Fraction(t *testing.T) {
	tests := []struct {
		position, duration int64
		expected           float64
	}{
		{0, 1000, 0},
		{500, 1000, 0.5},
		{1000, 1000, 1},
		{2000, 1000, 1},
		{500, DurationUnset, 0},
		{500, 0, 0},
	}

	for _, tt := range tests {
		p := &Progress{Position: tt.position, Duration: tt.duration}
		if got := p.Fraction(); got != tt.expected {
			t.Errorf("Fraction(pos=%d dur=%d) = %v, want %v", tt.position, tt.duration, got, tt.expected)
		}
	}
}
