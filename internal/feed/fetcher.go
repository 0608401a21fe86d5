package feed

import (
	"fmt"
	"net/http"
	"time"

	"earshot/internal/config"
	"earshot/internal/storage"
)

// Fetcher performs conditional GETs against podcast feeds, carrying the
// ETag/Last-Modified state stored on the subscription row.
type Fetcher struct {
	client      *http.Client
	userAgent   string
	ignoreCache bool
}

func NewFetcher(cfg *config.Config) *Fetcher {
	timeout := cfg.Feed.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: cfg.Feed.UserAgent,
	}
}

// SetIgnoreCache disables conditional headers so the next fetch always
// returns a full body.
func (f *Fetcher) SetIgnoreCache(ignore bool) {
	f.ignoreCache = ignore
}

// Fetch requests the feed. The second return is false when the server
// answered 304 Not Modified, in which case the response is nil.
func (f *Fetcher) Fetch(sub *storage.Subscription) (*http.Response, bool, error) {
	req, err := http.NewRequest(http.MethodGet, sub.FeedURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml")

	if !f.ignoreCache {
		if sub.ETag != "" {
			req.Header.Set("If-None-Match", sub.ETag)
		}
		if sub.LastModified != "" {
			req.Header.Set("If-Modified-Since", sub.LastModified)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("fetching feed: %w", err)
	}

	if resp.StatusCode == http.StatusNotModified {
		resp.Body.Close()
		return nil, false, nil
	}

	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, false, fmt.Errorf("HTTP error: %d", resp.StatusCode)
	}

	return resp, true, nil
}

// UpdateFetchMetadata records the response's cache validators on the
// subscription row.
func (f *Fetcher) UpdateFetchMetadata(sub *storage.Subscription, resp *http.Response) {
	if etag := resp.Header.Get("ETag"); etag != "" {
		sub.ETag = etag
	}
	if lastMod := resp.Header.Get("Last-Modified"); lastMod != "" {
		sub.LastModified = lastMod
	}
	sub.LastFetched = time.Now()
}
