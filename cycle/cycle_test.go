package cycle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syscl0ck/security-feed-ntfy/alert"
	"github.com/syscl0ck/security-feed-ntfy/fetcher"
	"github.com/syscl0ck/security-feed-ntfy/notify"
	"github.com/syscl0ck/security-feed-ntfy/scoring"
	"github.com/syscl0ck/security-feed-ntfy/storage"
)

var t0 = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return t0 }

var filters = scoring.FilterConfig{
	Keywords:       []string{"exchange", "fortinet", "citrix"},
	DenyKeywords:   []string{"crypto price"},
	UrgentTerms:    scoring.DefaultUrgentTerms,
	MinSeverity:    8.8,
	KEVAlwaysAlert: true,
}

// events records calls across fakes so ordering can be asserted.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, s)
}

func (e *events) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

type fakeFetcher struct {
	name  string
	items []alert.Item
	err   error
	delay time.Duration
	block bool // wait for ctx
}

func (f *fakeFetcher) Name() string { return f.name }

func (f *fakeFetcher) Fetch(ctx context.Context) ([]alert.Item, error) {
	if f.block {
		<-ctx.Done()
		return nil, &fetcher.FetchError{Source: f.name, Err: ctx.Err()}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, &fetcher.FetchError{Source: f.name, Err: f.err}
	}
	return f.items, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	ev     *events
	sent   []notify.Message
	failOn string // fail messages whose title contains this
	err    error  // fail everything
	after  func(notify.Message)
}

func (n *fakeNotifier) Send(ctx context.Context, msg notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil || (n.failOn != "" && strings.Contains(msg.Title, n.failOn)) {
		n.ev.add("fail:" + msg.Title)
		if n.err != nil {
			return n.err
		}
		return &notify.NotifyError{Target: "fake", Err: &notify.StatusError{Code: 500}}
	}
	n.sent = append(n.sent, msg)
	n.ev.add("send:" + msg.Title)
	if n.after != nil {
		n.after(msg)
	}
	return nil
}

func (n *fakeNotifier) titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, m := range n.sent {
		out = append(out, m.Title)
	}
	return out
}

// recordingStore wraps a real store and records commits.
type recordingStore struct {
	*storage.Store
	ev         *events
	hasSeenErr error
	markErr    error
}

func (s *recordingStore) HasSeen(ctx context.Context, id string) (bool, error) {
	if s.hasSeenErr != nil {
		return false, &storage.StoreError{Op: "has seen", Err: s.hasSeenErr}
	}
	return s.Store.HasSeen(ctx, id)
}

func (s *recordingStore) MarkSeenBatch(ctx context.Context, items []alert.Item, now time.Time) error {
	if s.markErr != nil {
		return &storage.StoreError{Op: "mark seen batch", Err: s.markErr}
	}
	for _, it := range items {
		s.ev.add("mark:" + it.Title)
	}
	return s.Store.MarkSeenBatch(ctx, items, now)
}

func newStore(t *testing.T, ev *events) *recordingStore {
	t.Helper()
	st, err := storage.New(filepath.Join(t.TempDir(), "alerts.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return &recordingStore{Store: st, ev: ev}
}

func mkItem(t *testing.T, source, title string, f func(*alert.Fields)) alert.Item {
	t.Helper()
	fields := alert.Fields{
		Source: source,
		Title:  title,
		Link:   "https://example.com/" + strings.ReplaceAll(strings.ToLower(title), " ", "-"),
	}
	if f != nil {
		f(&fields)
	}
	it, err := alert.New(fields, t0)
	require.NoError(t, err)
	return it
}

func newsItems(t *testing.T) []alert.Item {
	return []alert.Item{
		mkItem(t, "News", "Critical RCE in Exchange", nil),
		mkItem(t, "News", "Weekly roundup", nil),
		mkItem(t, "News", "Fortinet auth bypass exploited", nil),
	}
}

func cveItems(t *testing.T) []alert.Item {
	return []alert.Item{
		mkItem(t, "NVD", "CVE-2025-0001", func(f *alert.Fields) {
			f.Category = alert.CategoryCVE
			f.Severity = alert.Float(9.1)
		}),
		mkItem(t, "NVD", "CVE-2025-0002", func(f *alert.Fields) {
			f.Category = alert.CategoryCVE
			f.Severity = alert.Float(4.3)
		}),
	}
}

func baseConfig() Config {
	return Config{Filters: filters, Now: fixedClock, Priority: notify.PriorityHigh}
}

func assertSeen(t *testing.T, st *recordingStore, item alert.Item, want bool) {
	t.Helper()
	seen, err := st.HasSeen(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, want, seen, item.Title)
}

func TestRun_SecondRunSendsNothing(t *testing.T) {
	st := newStore(t, nil)
	n := &fakeNotifier{}
	fetchers := []fetcher.Fetcher{
		&fakeFetcher{name: "News", items: newsItems(t)},
		&fakeFetcher{name: "NVD", items: cveItems(t)},
	}
	r := NewRunner(fetchers, st, n, baseConfig())

	sum, err := r.Run(context.Background())
	require.NoError(t, err)
	tot := sum.Totals()
	assert.Equal(t, 5, tot.Fetched)
	assert.Equal(t, 3, tot.Accepted)
	assert.Equal(t, 2, tot.Rejected)
	assert.Equal(t, 3, tot.Sent)
	assert.Equal(t, 0, tot.Duplicate)
	assert.Equal(t, StateDone, sum.State)
	assert.NotEmpty(t, sum.RunID)

	count, err := st.SeenCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	sum, err = r.Run(context.Background())
	require.NoError(t, err)
	tot = sum.Totals()
	assert.Equal(t, 0, tot.Sent)
	assert.Equal(t, 3, tot.Duplicate)
	assert.Len(t, n.sent, 3)
}

func TestRun_StateTransitions(t *testing.T) {
	r := NewRunner([]fetcher.Fetcher{&fakeFetcher{name: "News", items: newsItems(t)}}, newStore(t, nil), &fakeNotifier{}, baseConfig())

	sum, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []State{StateFetching, StateScoring, StateDeduping, StateDelivering, StateCommitting, StateDone}, sum.Transitions)
}

func TestRun_InstantMessages(t *testing.T) {
	n := &fakeNotifier{}
	r := NewRunner([]fetcher.Fetcher{&fakeFetcher{name: "News", items: newsItems(t)}}, newStore(t, nil), n, baseConfig())

	_, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, n.sent, 2)

	msg := n.sent[0]
	assert.Equal(t, "[News] Critical RCE in Exchange", msg.Title)
	assert.Equal(t, "high", msg.Priority)
	assert.Equal(t, "https://example.com/critical-rce-in-exchange", msg.Click)
	assert.Equal(t, []string{"news", "exchange"}, msg.Tags)
	assert.Contains(t, msg.Body, "Reason: urgent match: rce + exchange")
}

func TestRun_NotifyFailureLeavesItemUnmarked(t *testing.T) {
	ev := &events{}
	st := newStore(t, ev)
	items := newsItems(t)
	n := &fakeNotifier{ev: ev, failOn: "Fortinet"}
	fetchers := []fetcher.Fetcher{&fakeFetcher{name: "News", items: items}}

	sum, err := NewRunner(fetchers, st, n, baseConfig()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDone, sum.State)
	assert.Equal(t, 1, sum.Sources[0].Sent)
	assert.Equal(t, 1, sum.Sources[0].Errored)

	assertSeen(t, st, items[0], true)
	assertSeen(t, st, items[2], false)

	// Next cycle with a healthy notifier re-offers the failed item only.
	n2 := &fakeNotifier{ev: ev}
	sum, err = NewRunner(fetchers, st, n2, baseConfig()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"[News] Fortinet auth bypass exploited"}, n2.titles())
	assert.Equal(t, 1, sum.Sources[0].Duplicate)
	assertSeen(t, st, items[2], true)
}

func TestRun_NotifyBeforeMark(t *testing.T) {
	ev := &events{}
	st := newStore(t, ev)
	n := &fakeNotifier{ev: ev, failOn: "Fortinet"}

	_, err := NewRunner([]fetcher.Fetcher{&fakeFetcher{name: "News", items: newsItems(t)}}, st, n, baseConfig()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"send:[News] Critical RCE in Exchange",
		"mark:Critical RCE in Exchange",
		"fail:[News] Fortinet auth bypass exploited",
	}, ev.list())
}

func TestRun_FetchFailureIsIsolated(t *testing.T) {
	st := newStore(t, nil)
	n := &fakeNotifier{}
	fetchers := []fetcher.Fetcher{
		&fakeFetcher{name: "Broken", err: errors.New("connection refused")},
		&fakeFetcher{name: "NVD", items: cveItems(t)},
	}

	sum, err := NewRunner(fetchers, st, n, baseConfig()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDone, sum.State)

	assert.Equal(t, 1, sum.Sources[0].Errored)
	assert.Contains(t, sum.Sources[0].FetchErr, "connection refused")
	assert.Equal(t, 1, sum.Sources[1].Sent)
	assert.Equal(t, []string{"[NVD] CVE-2025-0001"}, n.titles())
}

func TestRun_MergeOrderFollowsFetcherOrder(t *testing.T) {
	n := &fakeNotifier{}
	fetchers := []fetcher.Fetcher{
		&fakeFetcher{name: "NVD", items: cveItems(t), delay: 30 * time.Millisecond},
		&fakeFetcher{name: "News", items: newsItems(t)},
	}
	cfg := baseConfig()
	cfg.FetchConcurrency = 2

	_, err := NewRunner(fetchers, newStore(t, nil), n, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"[NVD] CVE-2025-0001",
		"[News] Critical RCE in Exchange",
		"[News] Fortinet auth bypass exploited",
	}, n.titles())
}

func TestRun_DuplicateWithinCycle(t *testing.T) {
	n := &fakeNotifier{}
	items := newsItems(t)
	fetchers := []fetcher.Fetcher{
		&fakeFetcher{name: "News", items: items},
		&fakeFetcher{name: "News mirror", items: items[:1]},
	}

	sum, err := NewRunner(fetchers, newStore(t, nil), n, baseConfig()).Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, n.sent, 2)
	assert.Equal(t, 1, sum.Sources[1].Duplicate)
}

func TestRun_StoreErrorAbortsWithoutSending(t *testing.T) {
	ev := &events{}
	st := newStore(t, ev)
	st.hasSeenErr = errors.New("database is locked")
	n := &fakeNotifier{ev: ev}

	sum, err := NewRunner([]fetcher.Fetcher{&fakeFetcher{name: "News", items: newsItems(t)}}, st, n, baseConfig()).Run(context.Background())
	require.Error(t, err)

	var se *storage.StoreError
	assert.True(t, errors.As(err, &se))
	assert.Equal(t, StateError, sum.State)
	assert.Empty(t, ev.list(), "no sends and no commits")
}

func TestRun_CommitFailureIsCycleError(t *testing.T) {
	st := newStore(t, nil)
	st.markErr = errors.New("disk full")
	n := &fakeNotifier{}

	sum, err := NewRunner([]fetcher.Fetcher{&fakeFetcher{name: "News", items: newsItems(t)}}, st, n, baseConfig()).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle: committing")
	assert.Equal(t, StateError, sum.State)
	// Delivery stops at the first item that could not be recorded.
	assert.Equal(t, []string{"[News] Critical RCE in Exchange"}, n.titles())
	assert.Equal(t, 1, sum.Totals().Sent)
}

func TestRun_DryRun(t *testing.T) {
	ev := &events{}
	st := newStore(t, ev)
	n := &fakeNotifier{ev: ev}
	cfg := baseConfig()
	cfg.DryRun = true

	sum, err := NewRunner([]fetcher.Fetcher{&fakeFetcher{name: "News", items: newsItems(t)}}, st, n, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Totals().Sent)
	assert.True(t, sum.DryRun)
	assert.Contains(t, sum.Line(), "dry_run=true")
	assert.Empty(t, ev.list())

	count, err := st.SeenCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestRun_TimeoutBeforeDelivery(t *testing.T) {
	ev := &events{}
	st := newStore(t, ev)
	n := &fakeNotifier{ev: ev}
	cfg := baseConfig()
	cfg.Timeout = 20 * time.Millisecond

	fetchers := []fetcher.Fetcher{
		&fakeFetcher{name: "News", items: newsItems(t)},
		&fakeFetcher{name: "Hung", block: true},
	}

	sum, err := NewRunner(fetchers, st, n, cfg).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateError, sum.State)
	assert.Empty(t, ev.list())
}

func TestRun_CancelDuringDeliveryCommitsDispatched(t *testing.T) {
	ev := &events{}
	st := newStore(t, ev)
	items := newsItems(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := &fakeNotifier{ev: ev, after: func(notify.Message) { cancel() }}

	sum, err := NewRunner([]fetcher.Fetcher{&fakeFetcher{name: "News", items: items}}, st, n, baseConfig()).Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateError, sum.State)

	assert.Equal(t, []string{"send:[News] Critical RCE in Exchange", "mark:Critical RCE in Exchange"}, ev.list())
	assertSeen(t, st, items[0], true)
	assertSeen(t, st, items[2], false)
}

func TestRun_DigestMode(t *testing.T) {
	ev := &events{}
	st := newStore(t, ev)
	n := &fakeNotifier{ev: ev}
	dir := t.TempDir()

	cfg := baseConfig()
	cfg.Mode = ModeDigest
	cfg.DigestPath = filepath.Join(dir, "digest.md")
	cfg.DigestHTMLPath = filepath.Join(dir, "digest.html")

	fetchers := []fetcher.Fetcher{
		&fakeFetcher{name: "News", items: newsItems(t)},
		&fakeFetcher{name: "NVD", items: cveItems(t)},
	}
	sum, err := NewRunner(fetchers, st, n, cfg).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, n.sent, 1)
	msg := n.sent[0]
	assert.Equal(t, "Security Digest: 3 items", msg.Title)
	assert.Contains(t, msg.Body, "3 new items from 2 sources")
	assert.Contains(t, msg.Body, "See: "+cfg.DigestPath)
	assert.Equal(t, []string{"digest"}, msg.Tags)
	assert.Equal(t, 3, sum.Totals().Sent)

	md, err := os.ReadFile(cfg.DigestPath)
	require.NoError(t, err)
	assert.Contains(t, string(md), "## News (2)")
	assert.Contains(t, string(md), "## NVD (1)")

	page, err := os.ReadFile(cfg.DigestHTMLPath)
	require.NoError(t, err)
	assert.Contains(t, string(page), "<h2>NVD (1)</h2>")

	count, err := st.SeenCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// Send happens before any mark.
	log := ev.list()
	require.NotEmpty(t, log)
	assert.Equal(t, "send:Security Digest: 3 items", log[0])
}

func TestRun_DigestSendFailureMarksNothing(t *testing.T) {
	st := newStore(t, nil)
	dir := t.TempDir()
	cfg := baseConfig()
	cfg.Mode = ModeDigest
	cfg.DigestPath = filepath.Join(dir, "digest.md")

	fetchers := []fetcher.Fetcher{&fakeFetcher{name: "News", items: newsItems(t)}}

	sum, err := NewRunner(fetchers, st, &fakeNotifier{err: errors.New("gateway down")}, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Sources[0].Errored)
	assert.Equal(t, 0, sum.Totals().Sent)

	count, err := st.SeenCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	_, err = os.Stat(cfg.DigestPath)
	assert.True(t, os.IsNotExist(err), "digest file written only after a successful send")

	n := &fakeNotifier{}
	_, err = NewRunner(fetchers, st, n, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Security Digest: 2 items"}, n.titles())

	count, err = st.SeenCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRun_DigestTwoCycles(t *testing.T) {
	st := newStore(t, nil)
	n := &fakeNotifier{}
	cfg := baseConfig()
	cfg.Mode = ModeDigest

	batch := func(prefix string) []alert.Item {
		var items []alert.Item
		for i := 1; i <= 3; i++ {
			items = append(items, mkItem(t, "News", fmt.Sprintf("%s exchange rce %d", prefix, i), nil))
		}
		return items
	}
	first, second := batch("first"), batch("second")

	_, err := NewRunner([]fetcher.Fetcher{&fakeFetcher{name: "News", items: first}}, st, n, cfg).Run(context.Background())
	require.NoError(t, err)
	_, err = NewRunner([]fetcher.Fetcher{&fakeFetcher{name: "News", items: append(first, second...)}}, st, n, cfg).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"Security Digest: 3 items", "Security Digest: 3 items"}, n.titles())
	for _, it := range append(first, second...) {
		assertSeen(t, st, it, true)
	}
}

func TestRun_PersistentDigestWindow(t *testing.T) {
	st := newStore(t, nil)
	n := &fakeNotifier{}
	cfg := baseConfig()
	cfg.Mode = ModeDigest
	cfg.DigestWindow = WindowPersistent
	cfg.DigestMinItems = 4

	news := newsItems(t)
	cves := cveItems(t)

	sum, err := NewRunner([]fetcher.Fetcher{&fakeFetcher{name: "News", items: news}}, st, n, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, n.sent)
	assert.Equal(t, 2, sum.Queued)

	pending, err := st.PendingItems(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	// Same items again count as duplicates of the queue; the new CVE plus a
	// KEV item reach the threshold.
	kev := mkItem(t, "KEV", "CVE-2025-9999 added", func(f *alert.Fields) { f.Category = alert.CategoryKEV })
	fetchers := []fetcher.Fetcher{
		&fakeFetcher{name: "News", items: news},
		&fakeFetcher{name: "NVD", items: cves},
		&fakeFetcher{name: "KEV", items: []alert.Item{kev}},
	}
	sum, err = NewRunner(fetchers, st, n, cfg).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, n.sent, 1)
	assert.Equal(t, "Security Digest: 4 items", n.sent[0].Title)
	assert.True(t, strings.Contains(n.sent[0].Body, "• [KEV] CVE-2025-9999 added (KEV)"))
	assert.Equal(t, 2, sum.Sources[0].Duplicate)
	assert.Equal(t, 2, sum.Carried)
	assert.Equal(t, 4, sum.Totals().Sent)

	pending, err = st.PendingItems(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
	for _, it := range []alert.Item{news[0], news[2], cves[0], kev} {
		assertSeen(t, st, it, true)
	}
}

func TestRun_PersistentDigestSendFailureQueues(t *testing.T) {
	st := newStore(t, nil)
	cfg := baseConfig()
	cfg.Mode = ModeDigest
	cfg.DigestWindow = WindowPersistent

	_, err := NewRunner([]fetcher.Fetcher{&fakeFetcher{name: "News", items: newsItems(t)}}, st, &fakeNotifier{err: errors.New("down")}, cfg).Run(context.Background())
	require.NoError(t, err)

	pending, err := st.PendingItems(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	// The feed no longer lists the items; the queue still carries them.
	n := &fakeNotifier{}
	sum, err := NewRunner([]fetcher.Fetcher{&fakeFetcher{name: "News"}}, st, n, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Security Digest: 2 items"}, n.titles())
	assert.Equal(t, 2, sum.Carried)

	pending, err = st.PendingItems(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRun_PendingDeliveredElsewhereIsDropped(t *testing.T) {
	st := newStore(t, nil)
	items := newsItems(t)
	feed := []fetcher.Fetcher{&fakeFetcher{name: "News", items: items}}

	digestCfg := baseConfig()
	digestCfg.Mode = ModeDigest
	digestCfg.DigestWindow = WindowPersistent
	digestCfg.DigestMinItems = 10

	sum, err := NewRunner(feed, st, &fakeNotifier{}, digestCfg).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, sum.Queued)

	// An instant run against the same database delivers the queued items.
	instant := &fakeNotifier{}
	_, err = NewRunner(feed, st, instant, baseConfig()).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, instant.sent, 2)

	digestCfg.DigestMinItems = 1
	n := &fakeNotifier{}
	sum, err = NewRunner([]fetcher.Fetcher{&fakeFetcher{name: "News"}}, st, n, digestCfg).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, n.sent)
	assert.Equal(t, 2, sum.Dropped)
	assert.Zero(t, sum.Carried)
	assert.Contains(t, sum.Line(), "dropped=2")

	pending, err := st.PendingItems(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRun_PendingRejectedByNewFiltersIsDropped(t *testing.T) {
	st := newStore(t, nil)
	items := newsItems(t)
	cfg := baseConfig()
	cfg.Mode = ModeDigest
	cfg.DigestWindow = WindowPersistent
	cfg.DigestMinItems = 10

	_, err := NewRunner([]fetcher.Fetcher{&fakeFetcher{name: "News", items: items}}, st, &fakeNotifier{}, cfg).Run(context.Background())
	require.NoError(t, err)

	cfg.Filters.DenyKeywords = []string{"crypto price", "exchange"}
	cfg.DigestMinItems = 1
	n := &fakeNotifier{}
	sum, err := NewRunner([]fetcher.Fetcher{&fakeFetcher{name: "News"}}, st, n, cfg).Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, []string{"Security Digest: 1 item"}, n.titles())
	assert.NotContains(t, n.sent[0].Body, "Exchange")
	assert.Contains(t, n.sent[0].Body, "Fortinet auth bypass exploited")
	assert.Equal(t, 1, sum.Dropped)
	assert.Equal(t, 1, sum.Carried)

	pending, err := st.PendingItems(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
	assertSeen(t, st, items[0], false)
	assertSeen(t, st, items[2], true)
}

func TestRun_PendingDryRunKeepsQueue(t *testing.T) {
	st := newStore(t, nil)
	items := newsItems(t)
	cfg := baseConfig()
	cfg.Mode = ModeDigest
	cfg.DigestWindow = WindowPersistent
	cfg.DigestMinItems = 10

	_, err := NewRunner([]fetcher.Fetcher{&fakeFetcher{name: "News", items: items}}, st, &fakeNotifier{}, cfg).Run(context.Background())
	require.NoError(t, err)

	cfg.Filters.DenyKeywords = []string{"exchange", "fortinet"}
	cfg.DryRun = true
	sum, err := NewRunner([]fetcher.Fetcher{&fakeFetcher{name: "News"}}, st, &fakeNotifier{}, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Dropped)

	pending, err := st.PendingItems(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestRun_DigestDryRun(t *testing.T) {
	st := newStore(t, nil)
	n := &fakeNotifier{}
	cfg := baseConfig()
	cfg.Mode = ModeDigest
	cfg.DryRun = true
	cfg.DigestPath = filepath.Join(t.TempDir(), "digest.md")

	sum, err := NewRunner([]fetcher.Fetcher{&fakeFetcher{name: "News", items: newsItems(t)}}, st, n, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, n.sent)
	assert.Equal(t, 2, sum.Totals().Sent)
	_, err = os.Stat(cfg.DigestPath)
	assert.True(t, os.IsNotExist(err))
}

func TestRun_EmptyDigestSendsNothing(t *testing.T) {
	n := &fakeNotifier{}
	cfg := baseConfig()
	cfg.Mode = ModeDigest

	_, err := NewRunner([]fetcher.Fetcher{&fakeFetcher{name: "News"}}, newStore(t, nil), n, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, n.sent)
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func decodeLogs(t *testing.T, buf *bytes.Buffer, msg string) []map[string]any {
	t.Helper()
	var out []map[string]any
	dec := json.NewDecoder(buf)
	for dec.More() {
		var rec map[string]any
		require.NoError(t, dec.Decode(&rec))
		if rec["msg"] == msg {
			out = append(out, rec)
		}
	}
	return out
}

func TestRun_LogsPerSourceSummary(t *testing.T) {
	buf := captureLogs(t)
	n := &fakeNotifier{failOn: "Fortinet"}
	fetchers := []fetcher.Fetcher{
		&fakeFetcher{name: "News", items: newsItems(t)},
		&fakeFetcher{name: "NVD", err: errors.New("connection refused")},
	}

	_, err := NewRunner(fetchers, newStore(t, nil), n, baseConfig()).Run(context.Background())
	require.NoError(t, err)

	recs := decodeLogs(t, buf, "source summary")
	require.Len(t, recs, 2)

	news := recs[0]
	assert.Equal(t, "News", news["source"])
	assert.Equal(t, "done", news["state"])
	assert.NotEmpty(t, news["run_id"])
	assert.Equal(t, map[string]any{
		"fetched": 3.0, "accepted": 2.0, "rejected": 1.0, "duplicate": 0.0, "sent": 1.0, "errored": 1.0,
	}, news["counts"])

	nvd := recs[1]
	assert.Equal(t, "NVD", nvd["source"])
	counts, ok := nvd["counts"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 0.0, counts["fetched"])
	assert.Equal(t, 1.0, counts["errored"])
	assert.Contains(t, counts["fetch_error"], "connection refused")
}

func TestRun_LogsPerSourceSummaryOnError(t *testing.T) {
	buf := captureLogs(t)
	st := newStore(t, nil)
	st.hasSeenErr = errors.New("database is locked")

	_, err := NewRunner([]fetcher.Fetcher{&fakeFetcher{name: "News", items: newsItems(t)}}, st, &fakeNotifier{}, baseConfig()).Run(context.Background())
	require.Error(t, err)

	recs := decodeLogs(t, buf, "source summary")
	require.Len(t, recs, 1)
	assert.Equal(t, "error", recs[0]["state"])
}

func TestSummary_Line(t *testing.T) {
	sum := &Summary{
		RunID:    "0123456789abcdef",
		Mode:     ModeInstant,
		State:    StateDone,
		Duration: 1500 * time.Millisecond,
		Sources: []SourceStats{
			{Name: "a", Fetched: 10, Accepted: 3, Rejected: 7, Duplicate: 1, Sent: 2},
			{Name: "b", Errored: 1},
		},
	}
	assert.Equal(t, "run=01234567 mode=instant state=done fetched=10 accepted=3 rejected=7 duplicate=1 sent=2 errored=1 duration=1.5s", sum.Line())
}

func TestInstantMessage_TruncatesSummary(t *testing.T) {
	item := mkItem(t, "News", "Long one", func(f *alert.Fields) { f.Summary = strings.Repeat("y", 300) })
	msg := InstantMessage(item, scoring.Decision{Reason: scoring.ReasonKEV}, notify.PriorityUrgent)

	assert.True(t, strings.HasPrefix(msg.Body, strings.Repeat("y", 200)+"…\n\nReason: known exploited vulnerability"))
	assert.True(t, strings.HasSuffix(msg.Body, "https://example.com/long-one"))
	assert.Equal(t, "urgent", msg.Priority)
}
