package fetcher

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/syscl0ck/security-feed-ntfy/alert"
)

// maxExtractions bounds how many linked pages one RSS fetch may download.
const maxExtractions = 10

// RSSFeed describes one RSS, Atom or JSON feed.
type RSSFeed struct {
	Name           string
	URL            string
	Category       string
	ExtractContent bool
}

// RSS fetches and parses a syndication feed.
type RSS struct {
	base
	feed   RSSFeed
	parser *gofeed.Parser
}

// NewRSS creates a fetcher for feed. When feed.ExtractContent is set and no
// extractor option is given, a readability extractor sharing the HTTP
// client is used.
func NewRSS(feed RSSFeed, opts ...Option) *RSS {
	r := &RSS{
		base:   newBase(feed.Name, opts),
		feed:   feed,
		parser: gofeed.NewParser(),
	}
	if feed.ExtractContent && r.extractor == nil {
		r.extractor = NewExtractor(r.client)
	}
	return r
}

// Fetch downloads the feed and converts its entries to items.
func (r *RSS) Fetch(ctx context.Context) ([]alert.Item, error) {
	body, err := r.get(ctx, r.feed.URL, nil)
	if err != nil {
		return nil, r.fail(err)
	}

	parsed, err := r.parser.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, r.fail(err)
	}

	now := r.now()
	extracted := 0
	items := make([]alert.Item, 0, len(parsed.Items))

	for _, entry := range parsed.Items {
		if entry == nil {
			continue
		}

		link := strings.TrimSpace(entry.Link)
		if link == "" {
			link = strings.TrimSpace(entry.GUID)
		}

		summary := entry.Description
		if strings.TrimSpace(summary) == "" {
			summary = entry.Content
		}
		summary = htmlToText(summary)

		if summary == "" && r.feed.ExtractContent && r.extractor != nil && link != "" && extracted < maxExtractions {
			extracted++
			text, err := r.extractor.Extract(ctx, link)
			if err != nil {
				slog.Warn("content extraction failed", "source", r.name, "url", link, "error", err)
			} else {
				summary = text
			}
		}

		title := htmlToText(entry.Title)
		if title == "" {
			title = "Untitled"
		}

		item, err := alert.New(alert.Fields{
			Source:      r.feed.Name,
			Category:    r.feed.Category,
			Title:       title,
			Summary:     summary,
			Link:        link,
			PublishedAt: entryTime(entry),
		}, now)
		if err != nil {
			return nil, r.fail(err)
		}
		items = append(items, item)
	}

	slog.Debug("parsed feed", "source", r.name, "items", len(items))
	return items, nil
}

func entryTime(entry *gofeed.Item) time.Time {
	if entry.PublishedParsed != nil {
		return *entry.PublishedParsed
	}
	if entry.UpdatedParsed != nil {
		return *entry.UpdatedParsed
	}
	return time.Time{}
}
