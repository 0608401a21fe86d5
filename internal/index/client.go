// Package index is a minimal Podcast Index API client used for podcast
// discovery: free-text search plus episode listings by feed URL.
package index

import (
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"earshot/internal/config"
	"earshot/internal/storage"
)

// PodcastResult is one show returned by a search.
type PodcastResult struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	FeedURL     string `json:"url"`
	Description string `json:"description"`
	Author      string `json:"author"`
	ArtworkURL  string `json:"artwork"`
	EpisodeCnt  int    `json:"episodeCount"`
}

type searchResponse struct {
	Status string          `json:"status"`
	Feeds  []PodcastResult `json:"feeds"`
	Count  int             `json:"count"`
}

type episodeItem struct {
	GUID          string `json:"guid"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	EnclosureURL  string `json:"enclosureUrl"`
	DatePublished int64  `json:"datePublished"`
	Image         string `json:"image"`
	FeedImage     string `json:"feedImage"`
	FeedTitle     string `json:"feedTitle"`
}

type episodesResponse struct {
	Status string        `json:"status"`
	Items  []episodeItem `json:"items"`
	Count  int           `json:"count"`
}

// Client talks to the Podcast Index API. Every request is signed with the
// key/secret pair from the configuration.
type Client struct {
	baseURL string
	key     string
	secret  string
	client  *http.Client

	// now is swappable so tests can pin the auth timestamp.
	now func() time.Time
}

func NewClient(cfg config.IndexConfig) *Client {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		key:     cfg.Key,
		secret:  cfg.Secret,
		client:  &http.Client{Timeout: timeout},
		now:     time.Now,
	}
}

// sign adds the Podcast Index auth headers: the API key, a unix timestamp,
// and sha1(key + secret + timestamp) as the authorization token.
func (c *Client) sign(req *http.Request) {
	ts := strconv.FormatInt(c.now().Unix(), 10)
	hash := sha1.Sum([]byte(c.key + c.secret + ts))

	req.Header.Set("X-Auth-Key", c.key)
	req.Header.Set("X-Auth-Date", ts)
	req.Header.Set("Authorization", fmt.Sprintf("%x", hash))
	req.Header.Set("User-Agent", "earshot/1.0")
}

func (c *Client) get(path string, params url.Values, out interface{}) error {
	if c.key == "" || c.secret == "" {
		return fmt.Errorf("podcast index credentials not configured")
	}

	req, err := http.NewRequest(http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	c.sign(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling podcast index: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("podcast index returned %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// SearchPodcasts runs a free-text search for shows.
func (c *Client) SearchPodcasts(term string, limit int) ([]PodcastResult, error) {
	params := url.Values{"q": {term}}
	if limit > 0 {
		params.Set("max", strconv.Itoa(limit))
	}

	var result searchResponse
	if err := c.get("/search/byterm", params, &result); err != nil {
		return nil, err
	}
	return result.Feeds, nil
}

// EpisodesByFeedURL lists recent episodes for a feed, mapped into the local
// episode shape keyed on (feedURL, guid).
func (c *Client) EpisodesByFeedURL(feedURL string, limit int) ([]*storage.Episode, error) {
	params := url.Values{"url": {feedURL}}
	if limit > 0 {
		params.Set("max", strconv.Itoa(limit))
	}

	var result episodesResponse
	if err := c.get("/episodes/byfeedurl", params, &result); err != nil {
		return nil, err
	}

	episodes := make([]*storage.Episode, 0, len(result.Items))
	for _, item := range result.Items {
		if item.EnclosureURL == "" {
			continue
		}
		artwork := item.Image
		if artwork == "" {
			artwork = item.FeedImage
		}
		episodes = append(episodes, &storage.Episode{
			FeedURL:      feedURL,
			GUID:         item.GUID,
			Title:        item.Title,
			Description:  item.Description,
			EnclosureURL: item.EnclosureURL,
			ArtworkURL:   artwork,
			PodcastTitle: item.FeedTitle,
			PubDate:      time.Unix(item.DatePublished, 0),
		})
	}
	return episodes, nil
}
