package storage

import (
	"time"
)

// DurationUnset marks an episode duration the engine has not determined yet,
// typically while the stream is still buffering.
const DurationUnset int64 = -1

// Subscription is a podcast the user follows. Unsubscribing flips the flag
// rather than deleting the row so history and progress stay resolvable.
type Subscription struct {
	FeedURL    string    `json:"feed_url"`
	Title      string    `json:"title"`
	ArtworkURL string    `json:"artwork_url"`
	Subscribed bool      `json:"subscribed"`
	UpdatedAt  time.Time `json:"updated_at"`

	// Conditional-GET state from the last fetch.
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	LastFetched  time.Time `json:"last_fetched,omitempty"`
}

// Episode is the metadata record for a single feed item. Identity is the
// composite (FeedURL, GUID) pair and is immutable once assigned.
type Episode struct {
	FeedURL      string    `json:"feed_url"`
	GUID         string    `json:"guid"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	EnclosureURL string    `json:"enclosure_url"`
	ArtworkURL   string    `json:"artwork_url"`
	PodcastTitle string    `json:"podcast_title"`
	PubDate      time.Time `json:"pub_date"`
}

// Progress is the per-episode listening state. Position and Duration are
// milliseconds. Finished is set only on natural end-of-playback.
type Progress struct {
	FeedURL      string    `json:"feed_url"`
	GUID         string    `json:"guid"`
	Position     int64     `json:"position"`
	Duration     int64     `json:"duration"`
	Finished     bool      `json:"finished"`
	LastPlayedAt time.Time `json:"last_played_at"`
}

// Fraction returns position/duration clamped to [0,1], 0 when duration is unknown.
func (p *Progress) Fraction() float64 {
	if p.Duration <= 0 {
		return 0
	}
	f := float64(p.Position) / float64(p.Duration)
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// TimeLeftMs returns the remaining milliseconds, floored at zero.
func (p *Progress) TimeLeftMs() int64 {
	left := p.Duration - p.Position
	if left < 0 {
		return 0
	}
	return left
}

// EpisodeWithProgress joins episode metadata with its listening state,
// the shape the history list renders.
type EpisodeWithProgress struct {
	Episode  Episode  `json:"episode"`
	Progress Progress `json:"progress"`
}

// QueueRef identifies one queued episode by its composite key. The queue
// stores references only; metadata is resolved against the episodes bucket
// when the queue is rebuilt.
type QueueRef struct {
	FeedURL string `json:"feed_url"`
	GUID    string `json:"guid"`
}

// NowPlaying is the durable snapshot of the last-loaded episode, written on
// every play and read once at startup to restore the session.
type NowPlaying struct {
	FeedURL      string `json:"feed_url"`
	GUID         string `json:"guid"`
	EnclosureURL string `json:"enclosure_url"`
	EpisodeTitle string `json:"episode_title"`
	ArtworkURL   string `json:"artwork_url"`
	PodcastTitle string `json:"podcast_title"`
}
