package alert

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"time"
)

// Item categories.
const (
	CategoryNews = "news"
	CategoryCVE  = "cve"
	CategoryKEV  = "kev"
)

// ErrEmptySource is returned when an item is built without a source name.
var ErrEmptySource = errors.New("alert: source is required")

// Item is one candidate notification extracted from a feed.
// Items are built once per fetch and passed by value afterwards.
type Item struct {
	ID          string
	Source      string
	Category    string
	Title       string
	Summary     string
	Link        string
	PublishedAt time.Time
	Severity    *float64 // CVSS-like base score, structured sources only
	IsKEV       bool
	Tags        []string // keyword matches, not part of identity
}

// Fields holds the raw values a fetcher extracts for one entry.
type Fields struct {
	Source      string
	Category    string
	Title       string
	Summary     string
	Link        string
	PublishedAt time.Time
	Severity    *float64
}

// New builds an Item from fetched fields. A zero PublishedAt defaults to now.
func New(f Fields, now time.Time) (Item, error) {
	source := strings.TrimSpace(f.Source)
	if source == "" {
		return Item{}, ErrEmptySource
	}

	category := strings.ToLower(strings.TrimSpace(f.Category))
	if category == "" {
		category = CategoryNews
	}

	published := f.PublishedAt
	if published.IsZero() {
		published = now
	}

	var severity *float64
	if f.Severity != nil {
		s := *f.Severity
		severity = &s
	}

	title := strings.TrimSpace(f.Title)
	link := strings.TrimSpace(f.Link)

	return Item{
		ID:          ID(source, link, title),
		Source:      source,
		Category:    category,
		Title:       title,
		Summary:     strings.TrimSpace(f.Summary),
		Link:        link,
		PublishedAt: published.UTC(),
		Severity:    severity,
		IsKEV:       category == CategoryKEV,
	}, nil
}

// ID derives the stable identity of an item: a SHA-256 over source and link,
// or over source and title when the item has no link.
func ID(source, link, title string) string {
	key := source + ":" + link
	if link == "" {
		key = source + ":" + title
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// WithTags returns a copy of the item carrying the given tags, sorted and
// without duplicates.
func (i Item) WithTags(tags []string) Item {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	i.Tags = out
	return i
}

// HasSeverity reports whether the item carries a severity score.
func (i Item) HasSeverity() bool {
	return i.Severity != nil
}

// ShortID returns the first 12 hex characters of the ID, for logs.
func (i Item) ShortID() string {
	if len(i.ID) > 12 {
		return i.ID[:12]
	}
	return i.ID
}

// Float returns a pointer to v. Handy when building Fields with a severity.
func Float(v float64) *float64 {
	return &v
}
