// Package feed fetches, parses, and stores podcast feeds.
package feed

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"earshot/internal/config"
	"earshot/internal/debuglog"
	"earshot/internal/storage"
	"earshot/internal/validation"
)

// Indexer receives new episode metadata for search indexing. The feed
// manager calls it after every successful refresh.
type Indexer interface {
	IndexEpisodes(episodes []*storage.Episode) error
}

// Manager coordinates subscribing to and refreshing podcast feeds.
type Manager struct {
	store     *storage.Store
	fetcher   *Fetcher
	parser    *Parser
	config    *config.Config
	validator *validation.URLValidator
	indexer   Indexer
	mu        sync.Mutex
}

func NewManager(store *storage.Store, cfg *config.Config) *Manager {
	return &Manager{
		store:     store,
		fetcher:   NewFetcher(cfg),
		parser:    NewParser(),
		config:    cfg,
		validator: validation.NewURLValidator(),
	}
}

// SetIndexer attaches a search indexer fed on every refresh.
func (m *Manager) SetIndexer(idx Indexer) {
	m.indexer = idx
}

// SetPermissiveValidation loosens URL validation for development and tests.
func (m *Manager) SetPermissiveValidation(permissive bool) {
	if permissive {
		m.validator = validation.NewPermissiveURLValidator()
	} else {
		m.validator = validation.NewURLValidator()
	}
}

// SetForceRefresh makes subsequent fetches ignore conditional-GET validators.
func (m *Manager) SetForceRefresh(force bool) {
	m.fetcher.SetIgnoreCache(force)
}

// Subscribe validates the URL, fetches and parses the feed, and records the
// subscription with its episodes.
func (m *Manager) Subscribe(rawURL string) (*storage.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	feedURL, err := m.validator.ValidateAndNormalize(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid feed URL: %w", err)
	}

	sub := &storage.Subscription{
		FeedURL:    feedURL,
		Subscribed: true,
		UpdatedAt:  time.Now(),
	}

	channel, episodes, err := m.fetchAndParse(sub)
	if err != nil {
		return nil, err
	}
	if channel == nil {
		return nil, errors.New("feed returned no content")
	}

	sub.Title = channel.Title
	sub.ArtworkURL = channel.ArtworkURL

	if err := m.store.SaveSubscription(sub); err != nil {
		return nil, err
	}
	if err := m.storeEpisodes(episodes); err != nil {
		return nil, err
	}

	return sub, nil
}

// Refresh re-fetches one subscribed feed. A fresh conditional-GET result
// only bumps the fetch timestamp.
func (m *Manager) Refresh(feedURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshLocked(feedURL)
}

func (m *Manager) refreshLocked(feedURL string) error {
	sub, err := m.store.GetSubscription(feedURL)
	if err != nil {
		return fmt.Errorf("loading subscription: %w", err)
	}

	channel, episodes, err := m.fetchAndParse(sub)
	if err != nil {
		return err
	}

	if channel == nil {
		// Not modified; remember that we checked
		sub.LastFetched = time.Now()
		return m.store.SaveSubscription(sub)
	}

	if channel.Title != "" {
		sub.Title = channel.Title
	}
	if channel.ArtworkURL != "" {
		sub.ArtworkURL = channel.ArtworkURL
	}
	sub.UpdatedAt = time.Now()

	if err := m.store.SaveSubscription(sub); err != nil {
		return err
	}
	return m.storeEpisodes(episodes)
}

// RefreshAll refreshes every active subscription with a bounded worker pool.
func (m *Manager) RefreshAll() error {
	subs, err := m.store.Subscriptions()
	if err != nil {
		return fmt.Errorf("listing subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	const maxConcurrent = 5
	work := make(chan string, len(subs))
	errCh := make(chan error, len(subs))

	var wg sync.WaitGroup
	for i := 0; i < maxConcurrent && i < len(subs); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for feedURL := range work {
				if err := m.Refresh(feedURL); err != nil {
					errCh <- fmt.Errorf("%s: %w", feedURL, err)
				}
			}
		}()
	}

	for _, sub := range subs {
		work <- sub.FeedURL
	}
	close(work)

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("refresh errors: %v", errs)
	}
	return nil
}

// fetchAndParse returns (nil, nil, nil) on a 304 Not Modified.
func (m *Manager) fetchAndParse(sub *storage.Subscription) (*Channel, []*storage.Episode, error) {
	resp, modified, err := m.fetcher.Fetch(sub)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching %s: %w", sub.FeedURL, err)
	}
	if !modified || resp == nil {
		return nil, nil, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading response: %w", err)
	}

	channel, episodes, err := m.parser.Parse(bytes.NewReader(body), sub.FeedURL)
	if err != nil {
		return nil, nil, err
	}

	m.fetcher.UpdateFetchMetadata(sub, resp)
	return channel, episodes, nil
}

func (m *Manager) storeEpisodes(episodes []*storage.Episode) error {
	if len(episodes) == 0 {
		return nil
	}
	if err := m.store.UpsertEpisodes(episodes); err != nil {
		return fmt.Errorf("saving episodes: %w", err)
	}
	if m.indexer != nil {
		if err := m.indexer.IndexEpisodes(episodes); err != nil {
			debuglog.Errorf("indexing episodes: %v", err)
		}
	}
	return nil
}
