package feed

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/mmcdole/gofeed"

	"earshot/internal/storage"
)

// Channel is the feed-level metadata a parse yields alongside its episodes.
type Channel struct {
	Title      string
	ArtworkURL string
}

type Parser struct {
	parser *gofeed.Parser
}

func NewParser() *Parser {
	return &Parser{
		parser: gofeed.NewParser(),
	}
}

// Parse reads a feed document and returns the channel metadata plus one
// episode record per item. Items without an audio enclosure are skipped.
func (p *Parser) Parse(reader io.Reader, feedURL string) (*Channel, []*storage.Episode, error) {
	parsed, err := p.parser.Parse(reader)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing feed: %w", err)
	}

	channel := &Channel{Title: parsed.Title}
	if parsed.Image != nil {
		channel.ArtworkURL = parsed.Image.URL
	}

	episodes := make([]*storage.Episode, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		enclosure := audioEnclosure(item)
		if enclosure == "" {
			continue
		}

		ep := &storage.Episode{
			FeedURL:      feedURL,
			GUID:         episodeGUID(feedURL, item),
			Title:        item.Title,
			Description:  item.Description,
			EnclosureURL: enclosure,
			ArtworkURL:   episodeArtwork(item, channel),
			PodcastTitle: parsed.Title,
		}

		if item.PublishedParsed != nil {
			ep.PubDate = *item.PublishedParsed
		}

		episodes = append(episodes, ep)
	}

	return channel, episodes, nil
}

// audioEnclosure returns the first enclosure URL. Podcast feeds carry exactly
// one per item; type filtering is deliberately loose since many feeds
// mislabel their MIME types.
func audioEnclosure(item *gofeed.Item) string {
	for _, enc := range item.Enclosures {
		if enc.URL != "" {
			return enc.URL
		}
	}
	return ""
}

func episodeArtwork(item *gofeed.Item, channel *Channel) string {
	if item.Image != nil && item.Image.URL != "" {
		return item.Image.URL
	}
	return channel.ArtworkURL
}

// episodeGUID returns the item's GUID, or a stable synthetic one derived from
// the feed URL, title, and publish date when the feed omits it. The synthetic
// GUID must not vary between refreshes or progress rows would orphan.
func episodeGUID(feedURL string, item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}

	pubDate := ""
	if item.PublishedParsed != nil {
		pubDate = item.PublishedParsed.UTC().String()
	}
	sum := sha256.Sum256([]byte(feedURL + item.Title + pubDate))
	return fmt.Sprintf("%x", sum)
}
