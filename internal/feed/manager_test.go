package feed

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"earshot/internal/config"
	"earshot/internal/storage"
)

func setupManager(t *testing.T) (*Manager, *storage.Store) {
	t.Helper()

	store, err := storage.NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	m := NewManager(store, config.TestConfig())
	m.SetPermissiveValidation(true)
	return m, store
}

func feedServer(t *testing.T, requests *atomic.Int32) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests != nil {
			requests.Add(1)
		}
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(sampleRSS))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestManager_Subscribe(t *testing.T) {
	m, store := setupManager(t)
	srv := feedServer(t, nil)

	sub, err := m.Subscribe(srv.URL)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if sub.Title != "Test Podcast" {
		t.Errorf("unexpected title %q", sub.Title)
	}
	if !sub.Subscribed {
		t.Error("subscription flag not set")
	}
	if sub.ETag != `"v1"` {
		t.Errorf("ETag not recorded: %q", sub.ETag)
	}

	subscribed, err := store.IsSubscribed(sub.FeedURL)
	if err != nil || !subscribed {
		t.Errorf("store does not show subscription: %v %v", subscribed, err)
	}

	eps, err := store.GetEpisodesForFeed(sub.FeedURL)
	if err != nil {
		t.Fatal(err)
	}
	if len(eps) != 2 {
		t.Errorf("expected 2 stored episodes, got %d", len(eps))
	}

	// Newest first
	if eps[0].Title != "Episode Two" {
		t.Errorf("episodes not ordered by pub date: first is %q", eps[0].Title)
	}
}

func TestManager_SubscribeInvalidURL(t *testing.T) {
	m, _ := setupManager(t)
	m.SetPermissiveValidation(false)

	if _, err := m.Subscribe("http://localhost:1/feed"); err == nil {
		t.Error("expected validation error for localhost with strict validation")
	}
}

func TestManager_RefreshHonorsNotModified(t *testing.T) {
	m, store := setupManager(t)
	srv := feedServer(t, nil)

	sub, err := m.Subscribe(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	firstFetch := sub.LastFetched

	// Second fetch hits the 304 path and only bumps the timestamp
	if err := m.Refresh(sub.FeedURL); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	refreshed, err := store.GetSubscription(sub.FeedURL)
	if err != nil {
		t.Fatal(err)
	}
	if !refreshed.LastFetched.After(firstFetch) && !refreshed.LastFetched.Equal(firstFetch) {
		t.Error("LastFetched not updated on 304")
	}
	if refreshed.Title != "Test Podcast" {
		t.Errorf("metadata lost on 304 refresh: %q", refreshed.Title)
	}
}

func TestManager_RefreshUnknownFeed(t *testing.T) {
	m, _ := setupManager(t)

	if err := m.Refresh("http://example.com/never-subscribed"); err == nil {
		t.Error("expected error refreshing unknown feed")
	}
}

func TestManager_RefreshAll(t *testing.T) {
	m, _ := setupManager(t)

	var requests atomic.Int32
	srv := feedServer(t, &requests)

	if _, err := m.Subscribe(srv.URL); err != nil {
		t.Fatal(err)
	}
	before := requests.Load()

	if err := m.RefreshAll(); err != nil {
		t.Fatalf("refresh all failed: %v", err)
	}
	if requests.Load() != before+1 {
		t.Errorf("expected one refresh request, got %d", requests.Load()-before)
	}
}

type captureIndexer struct {
	episodes []*storage.Episode
}

func (c *captureIndexer) IndexEpisodes(eps []*storage.Episode) error {
	c.episodes = append(c.episodes, eps...)
	return nil
}

func TestManager_FeedsIndexerOnSubscribe(t *testing.T) {
	m, _ := setupManager(t)
	srv := feedServer(t, nil)

	idx := &captureIndexer{}
	m.SetIndexer(idx)

	if _, err := m.Subscribe(srv.URL); err != nil {
		t.Fatal(err)
	}
	if len(idx.episodes) != 2 {
		t.Errorf("indexer received %d episodes, want 2", len(idx.episodes))
	}
}

func TestManager_ForceRefreshIgnoresValidators(t *testing.T) {
	m, store := setupManager(t)
	srv := feedServer(t, nil)

	sub, err := m.Subscribe(srv.URL)
	if err != nil {
		t.Fatal(err)
	}

	m.SetForceRefresh(true)
	if err := m.Refresh(sub.FeedURL); err != nil {
		t.Fatalf("forced refresh failed: %v", err)
	}

	// A full body came back, so episodes were re-upserted without duplicates
	eps, err := store.GetEpisodesForFeed(sub.FeedURL)
	if err != nil {
		t.Fatal(err)
	}
	if len(eps) != 2 {
		t.Errorf("expected 2 episodes after forced refresh, got %d", len(eps))
	}
}
