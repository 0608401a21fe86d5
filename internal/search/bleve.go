// Package search maintains a local full-text index over episode metadata so
// the library can be searched offline.
package search

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	bleveQuery "github.com/blevesearch/bleve/v2/search/query"

	"earshot/internal/storage"
)

// Result is one search hit with the episode it resolved to.
type Result struct {
	Episode *storage.Episode
	Score   float64
}

// Index is a bleve-backed episode index.
type Index struct {
	store *storage.Store
	idx   bleve.Index
}

// NewIndex opens or creates the index at indexPath and seeds it with the
// episodes already in the store.
func NewIndex(store *storage.Store, indexPath string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(indexPath), 0o755); err != nil {
		return nil, err
	}

	idx, err := bleve.Open(indexPath)
	if err != nil {
		idx, err = bleve.New(indexPath, buildIndexMapping())
		if err != nil {
			return nil, err
		}
	}

	in := &Index{store: store, idx: idx}
	if err := in.reindexAll(); err != nil {
		idx.Close()
		return nil, err
	}
	return in, nil
}

func buildIndexMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()
	im.DefaultAnalyzer = standard.Name

	dm := bleve.NewDocumentMapping()

	title := bleve.NewTextFieldMapping()
	title.Analyzer = standard.Name
	title.Store = true
	title.IncludeTermVectors = true

	podcast := bleve.NewTextFieldMapping()
	podcast.Analyzer = standard.Name
	podcast.Store = true

	desc := bleve.NewTextFieldMapping()
	desc.Analyzer = standard.Name
	desc.Store = true
	desc.IncludeTermVectors = false

	keyword := bleve.NewTextFieldMapping()
	keyword.Analyzer = standard.Name
	keyword.Store = true
	keyword.Index = false

	dm.AddFieldMappingsAt("title", title)
	dm.AddFieldMappingsAt("podcast_title", podcast)
	dm.AddFieldMappingsAt("description", desc)
	dm.AddFieldMappingsAt("feed_url", keyword)
	dm.AddFieldMappingsAt("guid", keyword)

	im.DefaultMapping = dm
	return im
}

func docID(feedURL, guid string) string {
	return "episode:" + feedURL + "\x00" + guid
}

func episodeDoc(ep *storage.Episode) map[string]any {
	return map[string]any{
		"title":         ep.Title,
		"podcast_title": ep.PodcastTitle,
		"description":   ep.Description,
		"feed_url":      ep.FeedURL,
		"guid":          ep.GUID,
	}
}

func (in *Index) reindexAll() error {
	subs, err := in.store.Subscriptions()
	if err != nil {
		return err
	}

	batch := in.idx.NewBatch()
	for _, sub := range subs {
		eps, err := in.store.GetEpisodesForFeed(sub.FeedURL)
		if err != nil {
			continue
		}
		for _, ep := range eps {
			_ = batch.Index(docID(ep.FeedURL, ep.GUID), episodeDoc(ep))
		}
	}
	return in.idx.Batch(batch)
}

// IndexEpisodes adds or updates episode documents. The feed manager calls
// this after every refresh.
func (in *Index) IndexEpisodes(episodes []*storage.Episode) error {
	batch := in.idx.NewBatch()
	for _, ep := range episodes {
		if err := batch.Index(docID(ep.FeedURL, ep.GUID), episodeDoc(ep)); err != nil {
			return err
		}
	}
	return in.idx.Batch(batch)
}

// RemoveFeed deletes every document belonging to a feed. Document IDs embed
// the feed URL, so this walks the index and matches on the ID prefix.
func (in *Index) RemoveFeed(feedURL string) {
	prefix := "episode:" + feedURL + "\x00"

	from := 0
	const size = 1000
	for {
		req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), size, from, false)
		res, err := in.idx.Search(req)
		if err != nil || len(res.Hits) == 0 {
			return
		}
		for _, h := range res.Hits {
			if strings.HasPrefix(h.ID, prefix) {
				_ = in.idx.Delete(h.ID)
			}
		}
		if len(res.Hits) < size {
			return
		}
		from += size
	}
}

// Search runs a boosted disjunction over episode and podcast titles and
// descriptions. Queries shorter than two characters return nothing.
func (in *Index) Search(query string, limit int) ([]*Result, error) {
	if len(strings.TrimSpace(query)) < 2 {
		return []*Result{}, nil
	}

	var qs []bleveQuery.Query
	for _, tok := range tokenize(query) {
		qt := bleve.NewMatchQuery(tok)
		qt.SetField("title")
		qt.SetBoost(4.0)
		qs = append(qs, qt)

		qtp := bleve.NewPrefixQuery(strings.ToLower(tok))
		qtp.SetField("title")
		qtp.SetBoost(3.5)
		qs = append(qs, qtp)

		qp := bleve.NewMatchQuery(tok)
		qp.SetField("podcast_title")
		qp.SetBoost(2.5)
		qs = append(qs, qp)

		qpp := bleve.NewPrefixQuery(strings.ToLower(tok))
		qpp.SetField("podcast_title")
		qpp.SetBoost(2.0)
		qs = append(qs, qpp)

		qd := bleve.NewMatchQuery(tok)
		qd.SetField("description")
		qd.SetBoost(1.5)
		qs = append(qs, qd)
	}
	if len(qs) == 0 {
		return []*Result{}, nil
	}

	req := bleve.NewSearchRequestOptions(bleve.NewDisjunctionQuery(qs...), limit, 0, false)
	req.Fields = []string{"feed_url", "guid"}

	res, err := in.idx.Search(req)
	if err != nil {
		return nil, err
	}

	out := make([]*Result, 0, len(res.Hits))
	for _, h := range res.Hits {
		feedURL, _ := h.Fields["feed_url"].(string)
		guid, _ := h.Fields["guid"].(string)
		if feedURL == "" || guid == "" {
			continue
		}

		// Resolve against the store so results carry live metadata
		ep, err := in.store.GetEpisode(feedURL, guid)
		if err != nil {
			continue
		}
		out = append(out, &Result{Episode: ep, Score: h.Score})
	}
	return out, nil
}

// DocCount reports the number of indexed episodes.
func (in *Index) DocCount() (int, error) {
	count, err := in.idx.DocCount()
	return int(count), err
}

func (in *Index) Close() error {
	return in.idx.Close()
}

func tokenize(query string) []string {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(query)))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, `"'.,;:!?`)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
