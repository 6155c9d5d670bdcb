package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"
)

const maxContentLength = 4000

// Extractor fetches an article page and returns its readable text.
type Extractor interface {
	Extract(ctx context.Context, pageURL string) (string, error)
}

type readabilityExtractor struct {
	client *http.Client
}

// NewExtractor returns an Extractor backed by go-readability.
func NewExtractor(client *http.Client) Extractor {
	if client == nil {
		client = http.DefaultClient
	}
	return &readabilityExtractor{client: client}
}

// Extract fetches pageURL and extracts readable text content.
// Content is truncated to 4000 characters.
func (e *readabilityExtractor) Extract(ctx context.Context, pageURL string) (string, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parsing url %s: %w", pageURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating extract request for %s: %w", pageURL, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("extracting %s returned status %d", pageURL, resp.StatusCode)
	}

	article, err := readability.FromReader(resp.Body, parsed)
	if err != nil {
		return "", fmt.Errorf("extracting content from %s: %w", pageURL, err)
	}

	return truncate(strings.Join(strings.Fields(article.TextContent), " "), maxContentLength), nil
}
