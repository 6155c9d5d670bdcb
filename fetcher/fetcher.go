package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/syscl0ck/security-feed-ntfy/alert"
)

const userAgent = "security-feed-ntfy/1.0 (+https://github.com/syscl0ck/security-feed-ntfy)"

// maxBodyBytes bounds how much of a feed response is read.
const maxBodyBytes = 32 << 20

// Fetcher retrieves candidate items from one source.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context) ([]alert.Item, error)
}

// FetchError reports a network or parse failure of one source.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Option configures a fetcher.
type Option func(*base)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(b *base) {
		if c != nil {
			b.client = c
		}
	}
}

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(b *base) {
		b.now = now
	}
}

// WithExtractor sets the article extractor used by RSS feeds with
// content extraction enabled.
func WithExtractor(e Extractor) Option {
	return func(b *base) {
		b.extractor = e
	}
}

type base struct {
	name      string
	client    *http.Client
	now       func() time.Time
	extractor Extractor
}

func newBase(name string, opts []Option) base {
	b := base{
		name:   name,
		client: &http.Client{Timeout: 20 * time.Second},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// Name returns the configured source name.
func (b *base) Name() string {
	return b.name
}

func (b *base) fail(err error) error {
	return &FetchError{Source: b.name, Err: err}
}

// get performs a GET request and returns the body, capped at maxBodyBytes.
func (b *base) get(ctx context.Context, url string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}
	return body, nil
}
