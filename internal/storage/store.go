package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"earshot/internal/debuglog"
)

var (
	podcastsBucket = []byte("podcasts")
	episodesBucket = []byte("episodes")
	progressBucket = []byte("progress")
	metaBucket     = []byte("metadata")
)

var (
	nowPlayingKey = []byte("now_playing")
	queueKey      = []byte("queue")
)

// ErrNotFound is returned for point lookups that match nothing.
var ErrNotFound = errors.New("not found")

type Store struct {
	db *bolt.DB

	mu          sync.Mutex
	nextWatchID int
	histWatch   map[int]chan []*EpisodeWithProgress
	subWatch    map[int]chan []*Subscription
}

func NewStore(dbPath string) (*Store, error) {
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{podcastsBucket, episodesBucket, progressBucket, metaBucket} {
			if _, createErr := tx.CreateBucketIfNotExists(bucket); createErr != nil {
				return createErr
			}
		}
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &Store{
		db:        db,
		histWatch: make(map[int]chan []*EpisodeWithProgress),
		subWatch:  make(map[int]chan []*Subscription),
	}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	for id, ch := range s.histWatch {
		close(ch)
		delete(s.histWatch, id)
	}
	for id, ch := range s.subWatch {
		close(ch)
		delete(s.subWatch, id)
	}
	s.mu.Unlock()
	return s.db.Close()
}

// episodeKey builds the composite (feedURL, guid) key. A NUL separator keeps
// the pair unambiguous since neither half may contain one.
func episodeKey(feedURL, guid string) []byte {
	return []byte(feedURL + "\x00" + guid)
}

// SaveProgress upserts the listening state for one episode. A write carrying
// an unset or non-positive duration is dropped whole, position included, so a
// transient "unknown" reading can never corrupt a previously valid row.
func (s *Store) SaveProgress(feedURL, guid string, position, duration int64, finished bool) error {
	if duration <= 0 {
		debuglog.Debugf("progress save skipped for %s: duration unknown", guid)
		return nil
	}
	if position < 0 {
		position = 0
	}

	progress := &Progress{
		FeedURL:      feedURL,
		GUID:         guid,
		Position:     position,
		Duration:     duration,
		Finished:     finished,
		LastPlayedAt: time.Now(),
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(progressBucket)
		data, err := json.Marshal(progress)
		if err != nil {
			return err
		}
		return b.Put(episodeKey(feedURL, guid), data)
	})
	if err != nil {
		return fmt.Errorf("saving progress: %w", err)
	}

	s.notifyHistory()
	return nil
}

func (s *Store) GetProgress(feedURL, guid string) (*Progress, error) {
	var progress Progress
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(progressBucket)
		data := b.Get(episodeKey(feedURL, guid))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &progress)
	})
	if err != nil {
		return nil, err
	}
	return &progress, nil
}

func (s *Store) GetAllProgressForFeed(feedURL string) ([]*Progress, error) {
	prefix := []byte(feedURL + "\x00")
	var rows []*Progress
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(progressBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var p Progress
			if err := json.Unmarshal(v, &p); err != nil {
				continue
			}
			rows = append(rows, &p)
		}
		return nil
	})
	return rows, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (s *Store) UpsertEpisode(ep *Episode) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(episodesBucket)
		data, err := json.Marshal(ep)
		if err != nil {
			return err
		}
		return b.Put(episodeKey(ep.FeedURL, ep.GUID), data)
	})
}

func (s *Store) UpsertEpisodes(eps []*Episode) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(episodesBucket)
		for _, ep := range eps {
			data, err := json.Marshal(ep)
			if err != nil {
				return err
			}
			if err := b.Put(episodeKey(ep.FeedURL, ep.GUID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetEpisode(feedURL, guid string) (*Episode, error) {
	var ep Episode
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(episodesBucket)
		data := b.Get(episodeKey(feedURL, guid))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &ep)
	})
	if err != nil {
		return nil, err
	}
	return &ep, nil
}

func (s *Store) GetEpisodesForFeed(feedURL string) ([]*Episode, error) {
	prefix := []byte(feedURL + "\x00")
	var eps []*Episode
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(episodesBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var ep Episode
			if err := json.Unmarshal(v, &ep); err != nil {
				continue
			}
			eps = append(eps, &ep)
		}
		return nil
	})
	sort.Slice(eps, func(i, j int) bool {
		return eps[i].PubDate.After(eps[j].PubDate)
	})
	return eps, err
}

// History returns every episode with recorded progress, most recently
// played first. Episodes whose metadata row is missing are skipped.
func (s *Store) History() ([]*EpisodeWithProgress, error) {
	var rows []*EpisodeWithProgress
	err := s.db.View(func(tx *bolt.Tx) error {
		pb := tx.Bucket(progressBucket)
		eb := tx.Bucket(episodesBucket)
		return pb.ForEach(func(k, v []byte) error {
			var p Progress
			if err := json.Unmarshal(v, &p); err != nil {
				return nil
			}
			data := eb.Get(k)
			if data == nil {
				return nil
			}
			var ep Episode
			if err := json.Unmarshal(data, &ep); err != nil {
				return nil
			}
			rows = append(rows, &EpisodeWithProgress{Episode: ep, Progress: p})
			return nil
		})
	})
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Progress.LastPlayedAt.After(rows[j].Progress.LastPlayedAt)
	})
	return rows, err
}

// Subscribe upserts the podcast row with the subscribed flag set.
func (s *Store) Subscribe(feedURL, title, artworkURL string) error {
	sub := &Subscription{
		FeedURL:    feedURL,
		Title:      title,
		ArtworkURL: artworkURL,
		Subscribed: true,
		UpdatedAt:  time.Now(),
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(podcastsBucket)
		data, err := json.Marshal(sub)
		if err != nil {
			return err
		}
		return b.Put([]byte(feedURL), data)
	})
	if err != nil {
		return fmt.Errorf("saving subscription: %w", err)
	}
	s.notifySubscriptions()
	return nil
}

// GetSubscription returns the podcast row whether or not it is currently
// subscribed.
func (s *Store) GetSubscription(feedURL string) (*Subscription, error) {
	var sub Subscription
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(podcastsBucket)
		data := b.Get([]byte(feedURL))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &sub)
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// SaveSubscription writes the full row, used by the feed manager to record
// fetch metadata alongside the subscription state.
func (s *Store) SaveSubscription(sub *Subscription) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(podcastsBucket)
		data, err := json.Marshal(sub)
		if err != nil {
			return err
		}
		return b.Put([]byte(sub.FeedURL), data)
	})
	if err != nil {
		return fmt.Errorf("saving subscription: %w", err)
	}
	s.notifySubscriptions()
	return nil
}

// Unsubscribe flips the flag in place; progress and history rows referencing
// the feed stay valid.
func (s *Store) Unsubscribe(feedURL string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(podcastsBucket)
		data := b.Get([]byte(feedURL))
		if data == nil {
			return ErrNotFound
		}

		var sub Subscription
		if err := json.Unmarshal(data, &sub); err != nil {
			return err
		}

		sub.Subscribed = false
		sub.UpdatedAt = time.Now()

		data, err := json.Marshal(sub)
		if err != nil {
			return err
		}
		return b.Put([]byte(feedURL), data)
	})
	if err != nil {
		return err
	}
	s.notifySubscriptions()
	return nil
}

func (s *Store) IsSubscribed(feedURL string) (bool, error) {
	var subscribed bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(podcastsBucket)
		data := b.Get([]byte(feedURL))
		if data == nil {
			return nil
		}
		var sub Subscription
		if err := json.Unmarshal(data, &sub); err != nil {
			return err
		}
		subscribed = sub.Subscribed
		return nil
	})
	return subscribed, err
}

// Subscriptions returns the active subscriptions sorted by title.
func (s *Store) Subscriptions() ([]*Subscription, error) {
	var subs []*Subscription
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(podcastsBucket)
		return b.ForEach(func(_ []byte, v []byte) error {
			var sub Subscription
			if err := json.Unmarshal(v, &sub); err != nil {
				return err
			}
			if sub.Subscribed {
				subs = append(subs, &sub)
			}
			return nil
		})
	})
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].Title < subs[j].Title
	})
	return subs, err
}

// SaveNowPlaying persists the last-loaded episode snapshot.
func (s *Store) SaveNowPlaying(np *NowPlaying) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)
		data, err := json.Marshal(np)
		if err != nil {
			return err
		}
		return b.Put(nowPlayingKey, data)
	})
}

// LoadNowPlaying reads the snapshot written by the last SaveNowPlaying.
func (s *Store) LoadNowPlaying() (*NowPlaying, error) {
	var np NowPlaying
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)
		data := b.Get(nowPlayingKey)
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &np)
	})
	if err != nil {
		return nil, err
	}
	return &np, nil
}

// SaveQueue replaces the persisted play queue. An empty slice clears it.
func (s *Store) SaveQueue(refs []QueueRef) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)
		if len(refs) == 0 {
			return b.Delete(queueKey)
		}
		data, err := json.Marshal(refs)
		if err != nil {
			return err
		}
		return b.Put(queueKey, data)
	})
}

// LoadQueue returns the persisted play queue, empty when none was saved.
func (s *Store) LoadQueue() ([]QueueRef, error) {
	var refs []QueueRef
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)
		data := b.Get(queueKey)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &refs)
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// WatchHistory returns a channel that receives the full history list after
// every progress write. The channel holds one element and is overwritten by
// newer snapshots, so a slow reader always sees the latest state. The cancel
// func must be called when the observer goes away.
func (s *Store) WatchHistory() (<-chan []*EpisodeWithProgress, func()) {
	ch := make(chan []*EpisodeWithProgress, 1)
	s.mu.Lock()
	id := s.nextWatchID
	s.nextWatchID++
	s.histWatch[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if c, ok := s.histWatch[id]; ok {
			delete(s.histWatch, id)
			close(c)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// WatchSubscriptions mirrors WatchHistory for the subscription list.
func (s *Store) WatchSubscriptions() (<-chan []*Subscription, func()) {
	ch := make(chan []*Subscription, 1)
	s.mu.Lock()
	id := s.nextWatchID
	s.nextWatchID++
	s.subWatch[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if c, ok := s.subWatch[id]; ok {
			delete(s.subWatch, id)
			close(c)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *Store) notifyHistory() {
	s.mu.Lock()
	if len(s.histWatch) == 0 {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	rows, err := s.History()
	if err != nil {
		debuglog.Errorf("history watch refresh failed: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.histWatch {
		// Drop the stale snapshot if the reader hasn't caught up
		select {
		case <-ch:
		default:
		}
		ch <- rows
	}
}

func (s *Store) notifySubscriptions() {
	s.mu.Lock()
	if len(s.subWatch) == 0 {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	subs, err := s.Subscriptions()
	if err != nil {
		debuglog.Errorf("subscription watch refresh failed: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subWatch {
		select {
		case <-ch:
		default:
		}
		ch <- subs
	}
}
