package cycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/syscl0ck/security-feed-ntfy/alert"
	"github.com/syscl0ck/security-feed-ntfy/digest"
	"github.com/syscl0ck/security-feed-ntfy/fetcher"
	"github.com/syscl0ck/security-feed-ntfy/notify"
	"github.com/syscl0ck/security-feed-ntfy/scoring"
)

// Mode selects how accepted items are delivered.
type Mode string

const (
	ModeInstant Mode = "instant"
	ModeDigest  Mode = "digest"
)

// Window selects how long digest items are buffered.
type Window string

const (
	WindowCycle      Window = "cycle"
	WindowPersistent Window = "persistent"
)

const commitTimeout = 30 * time.Second

// Store is the dedup state the runner reads and commits to.
type Store interface {
	HasSeen(ctx context.Context, id string) (bool, error)
	MarkSeenBatch(ctx context.Context, items []alert.Item, now time.Time) error
	QueuePending(ctx context.Context, items []alert.Item, now time.Time) error
	PendingItems(ctx context.Context) ([]alert.Item, error)
	CommitDigest(ctx context.Context, items []alert.Item, now time.Time) error
	DropPending(ctx context.Context, items []alert.Item) error
}

// Config holds the settings of one run.
type Config struct {
	Mode             Mode
	Filters          scoring.FilterConfig
	DryRun           bool
	Priority         string
	DigestPath       string // markdown output, written after a successful send
	DigestHTMLPath   string
	DigestTopN       int
	DigestWindow     Window
	DigestMinItems   int // persistent window only
	Location         *time.Location
	Timeout          time.Duration
	FetchConcurrency int
	Now              func() time.Time
}

// Runner executes fetch, score, dedup, deliver and commit for one cycle.
type Runner struct {
	fetchers []fetcher.Fetcher
	store    Store
	notifier notify.Notifier
	cfg      Config
}

// NewRunner creates a Runner. Fetchers keep their order in the merged
// result regardless of which finishes first.
func NewRunner(fetchers []fetcher.Fetcher, store Store, notifier notify.Notifier, cfg Config) *Runner {
	if cfg.Mode == "" {
		cfg.Mode = ModeInstant
	}
	if cfg.DigestWindow == "" {
		cfg.DigestWindow = WindowCycle
	}
	if cfg.Priority == "" {
		cfg.Priority = notify.PriorityDefault
	}
	if cfg.DigestTopN <= 0 {
		cfg.DigestTopN = digest.DefaultTopN
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 4
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.Filters = cfg.Filters.Normalize()

	return &Runner{
		fetchers: fetchers,
		store:    store,
		notifier: notifier,
		cfg:      cfg,
	}
}

type candidate struct {
	src      int
	item     alert.Item
	decision scoring.Decision
}

type batch struct {
	items []alert.Item
	err   error
}

// Run executes one cycle. The returned summary is never nil. An error means
// the cycle ended in StateError; items dispatched before the failure are
// still marked seen, nothing else is.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	started := r.cfg.Now()
	sum := &Summary{
		RunID:     uuid.NewString(),
		Mode:      r.cfg.Mode,
		DryRun:    r.cfg.DryRun,
		StartedAt: started,
		Sources:   make([]SourceStats, len(r.fetchers)),
	}
	for i, f := range r.fetchers {
		sum.Sources[i].Name = f.Name()
	}

	log := slog.With("run_id", sum.RunID)
	log.Info("cycle starting", "mode", r.cfg.Mode, "sources", len(r.fetchers), "dry_run", r.cfg.DryRun)

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	err := r.run(ctx, log, sum)
	sum.Duration = r.cfg.Now().Sub(started)
	if err != nil {
		sum.enter(StateError)
		sum.logSources(log)
		log.Error("cycle failed", "error", err, "summary", sum.Line())
		return sum, err
	}

	sum.enter(StateDone)
	sum.logSources(log)
	log.Info("cycle complete", "summary", sum.Line())
	return sum, nil
}

func (r *Runner) run(ctx context.Context, log *slog.Logger, sum *Summary) error {
	sum.enter(StateFetching)
	batches := r.fetchAll(ctx, log, sum)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("cycle: fetching: %w", err)
	}

	sum.enter(StateScoring)
	accepted := r.score(log, batches, sum)

	sum.enter(StateDeduping)
	var pending []scoring.Scored
	if r.persistent() {
		p, err := r.loadPending(ctx, log, sum)
		if err != nil {
			return fmt.Errorf("cycle: loading pending digest: %w", err)
		}
		pending = p
	}
	fresh, err := r.dedup(ctx, log, accepted, pending, sum)
	if err != nil {
		return fmt.Errorf("cycle: deduping: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("cycle: deduping: %w", err)
	}
	log.Info("new items", "count", len(fresh), "pending", len(pending))

	sum.enter(StateDelivering)
	if r.cfg.Mode == ModeDigest {
		return r.deliverDigest(ctx, log, sum, fresh, pending)
	}
	return r.deliverInstant(ctx, log, sum, fresh)
}

func (r *Runner) persistent() bool {
	return r.cfg.Mode == ModeDigest && r.cfg.DigestWindow == WindowPersistent
}

// loadPending returns the queued digest items that still qualify. Items
// delivered since they were queued, by an instant run for example, and items
// the current filters reject are removed from the queue.
func (r *Runner) loadPending(ctx context.Context, log *slog.Logger, sum *Summary) ([]scoring.Scored, error) {
	items, err := r.store.PendingItems(ctx)
	if err != nil {
		return nil, err
	}

	accepted, rejected := scoring.Partition(items, r.cfg.Filters)
	stale := make([]alert.Item, 0, len(rejected))
	for _, s := range rejected {
		log.Info("dropping pending item", "source", s.Item.Source, "item_id", s.Item.ShortID(),
			"reason", s.Decision.Reason, "detail", s.Decision.Detail())
		stale = append(stale, s.Item)
	}

	var keep []scoring.Scored
	for _, s := range accepted {
		seen, err := r.store.HasSeen(ctx, s.Item.ID)
		if err != nil {
			return nil, err
		}
		if seen {
			log.Info("dropping pending item", "source", s.Item.Source, "item_id", s.Item.ShortID(),
				"reason", "already delivered")
			stale = append(stale, s.Item)
			continue
		}
		keep = append(keep, s)
	}

	sum.Dropped = len(stale)
	if len(stale) > 0 && !r.cfg.DryRun {
		if err := r.store.DropPending(ctx, stale); err != nil {
			return nil, err
		}
	}
	return keep, nil
}

// fetchAll runs the fetchers concurrently. A failing fetcher is counted and
// skipped; the others still contribute.
func (r *Runner) fetchAll(ctx context.Context, log *slog.Logger, sum *Summary) []batch {
	batches := make([]batch, len(r.fetchers))

	var g errgroup.Group
	g.SetLimit(r.cfg.FetchConcurrency)
	for i, f := range r.fetchers {
		i, f := i, f
		g.Go(func() error {
			items, err := f.Fetch(ctx)
			batches[i] = batch{items: items, err: err}
			return nil
		})
	}
	g.Wait()

	for i := range batches {
		st := &sum.Sources[i]
		if err := batches[i].err; err != nil {
			st.Errored++
			st.FetchErr = err.Error()
			batches[i].items = nil
			log.Warn("fetch failed", "source", st.Name, "error", err)
			continue
		}
		st.Fetched = len(batches[i].items)
		log.Info("fetched", "source", st.Name, "items", st.Fetched)
	}
	return batches
}

func (r *Runner) score(log *slog.Logger, batches []batch, sum *Summary) []candidate {
	var accepted []candidate
	for i, b := range batches {
		acc, rej := scoring.Partition(b.items, r.cfg.Filters)
		sum.Sources[i].Accepted += len(acc)
		sum.Sources[i].Rejected += len(rej)

		for _, s := range acc {
			accepted = append(accepted, candidate{src: i, item: s.Item, decision: s.Decision})
		}
		for _, s := range rej {
			log.Debug("rejected", "source", s.Item.Source, "item_id", s.Item.ShortID(), "reason", s.Decision.Reason, "detail", s.Decision.Detail())
		}
	}
	return accepted
}

// dedup drops items already delivered, already pending, or repeated within
// this cycle. A store failure is returned as is.
func (r *Runner) dedup(ctx context.Context, log *slog.Logger, accepted []candidate, pending []scoring.Scored, sum *Summary) ([]candidate, error) {
	known := make(map[string]bool, len(pending)+len(accepted))
	for _, p := range pending {
		known[p.Item.ID] = true
	}

	var fresh []candidate
	for _, c := range accepted {
		st := &sum.Sources[c.src]
		if known[c.item.ID] {
			st.Duplicate++
			continue
		}
		seen, err := r.store.HasSeen(ctx, c.item.ID)
		if err != nil {
			return nil, err
		}
		known[c.item.ID] = true
		if seen {
			st.Duplicate++
			log.Debug("duplicate", "source", st.Name, "item_id", c.item.ShortID())
			continue
		}
		fresh = append(fresh, c)
	}
	return fresh, nil
}

// deliverInstant sends one message per item in arrival order and marks each
// item right after its send succeeded, so a crash re-sends at most one item.
// A done context stops further sends; what was already delivered stays
// marked.
func (r *Runner) deliverInstant(ctx context.Context, log *slog.Logger, sum *Summary, fresh []candidate) error {
	delivered := 0
	var interrupted error

	for i, c := range fresh {
		if err := ctx.Err(); err != nil {
			interrupted = err
			log.Warn("delivery interrupted", "remaining", len(fresh)-i, "error", err)
			break
		}

		st := &sum.Sources[c.src]
		if r.cfg.DryRun {
			st.Sent++
			log.Info("dry run: would send", "source", st.Name, "item_id", c.item.ShortID(),
				"title", c.item.Title, "reason", c.decision.Detail())
			continue
		}

		if err := r.notifier.Send(ctx, InstantMessage(c.item, c.decision, r.cfg.Priority)); err != nil {
			st.Errored++
			log.Error("notification failed", "source", st.Name, "item_id", c.item.ShortID(), "error", err)
			continue
		}
		st.Sent++
		log.Info("notification sent", "source", st.Name, "item_id", c.item.ShortID(), "reason", c.decision.Reason)

		now := r.cfg.Now()
		if err := r.commit(ctx, log, 1, func(ctx context.Context) error {
			return r.store.MarkSeenBatch(ctx, []alert.Item{c.item}, now)
		}); err != nil {
			return err
		}
		delivered++
	}
	if interrupted == nil {
		interrupted = ctx.Err()
	}

	sum.enter(StateCommitting)
	if delivered > 0 {
		log.Info("committed", "items", delivered)
	}

	if interrupted != nil {
		return fmt.Errorf("cycle: delivering: %w", interrupted)
	}
	return nil
}

// deliverDigest renders every new (and, in the persistent window, pending)
// item into one digest. Items are marked only after the digest was sent.
func (r *Runner) deliverDigest(ctx context.Context, log *slog.Logger, sum *Summary, fresh []candidate, pending []scoring.Scored) error {
	acc := digest.NewAccumulator()
	for _, p := range pending {
		acc.Add(p.Item, p.Decision)
	}
	freshItems := make([]alert.Item, 0, len(fresh))
	for _, c := range fresh {
		acc.Add(c.item, c.decision)
		freshItems = append(freshItems, c.item)
	}
	now := r.cfg.Now()

	if acc.Len() == 0 {
		log.Info("digest empty, nothing to send")
		sum.enter(StateCommitting)
		return nil
	}

	if r.persistent() && acc.Len() < r.cfg.DigestMinItems {
		log.Info("digest below threshold, queueing", "items", acc.Len(), "min_items", r.cfg.DigestMinItems)
		sum.enter(StateCommitting)
		return r.queue(ctx, log, sum, freshItems, acc.Len(), now)
	}

	doc := acc.RenderTop(now, r.cfg.Location, r.cfg.DigestTopN)

	if r.cfg.DryRun {
		log.Info("dry run: would send digest", "items", doc.Count, "title", doc.Title)
		r.countSent(sum, fresh, len(pending))
		sum.enter(StateCommitting)
		return nil
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("cycle: delivering: %w", err)
	}

	if err := r.notifier.Send(ctx, DigestMessage(doc, r.cfg.Priority, r.cfg.DigestPath)); err != nil {
		for _, c := range fresh {
			sum.Sources[c.src].Errored++
		}
		log.Error("digest notification failed", "items", doc.Count, "error", err)

		sum.enter(StateCommitting)
		if r.persistent() {
			if err := r.queue(ctx, log, sum, freshItems, acc.Len(), now); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cycle: delivering: %w", err)
		}
		return nil
	}
	log.Info("digest sent", "items", doc.Count)
	r.countSent(sum, fresh, len(pending))

	r.writeDigest(log, doc)

	sum.enter(StateCommitting)
	all := acc.Items()
	return r.commit(ctx, log, len(all), func(ctx context.Context) error {
		if r.persistent() {
			return r.store.CommitDigest(ctx, all, now)
		}
		return r.store.MarkSeenBatch(ctx, all, now)
	})
}

func (r *Runner) countSent(sum *Summary, fresh []candidate, carried int) {
	for _, c := range fresh {
		sum.Sources[c.src].Sent++
	}
	sum.Carried = carried
}

func (r *Runner) queue(ctx context.Context, log *slog.Logger, sum *Summary, items []alert.Item, total int, now time.Time) error {
	if r.cfg.DryRun {
		return nil
	}
	if err := r.commit(ctx, log, len(items), func(ctx context.Context) error {
		return r.store.QueuePending(ctx, items, now)
	}); err != nil {
		return err
	}
	sum.Queued = total
	return nil
}

// writeDigest stores the rendered digest. The notification is already out,
// so failures are logged and do not block the commit.
func (r *Runner) writeDigest(log *slog.Logger, doc digest.Document) {
	if r.cfg.DigestPath != "" {
		if err := digest.WriteFile(r.cfg.DigestPath, []byte(doc.Markdown)); err != nil {
			log.Error("writing digest failed", "path", r.cfg.DigestPath, "error", err)
		} else {
			log.Info("digest written", "path", r.cfg.DigestPath)
		}
	}
	if r.cfg.DigestHTMLPath != "" {
		page, err := doc.HTML()
		if err == nil {
			err = digest.WriteFile(r.cfg.DigestHTMLPath, []byte(page))
		}
		if err != nil {
			log.Error("writing html digest failed", "path", r.cfg.DigestHTMLPath, "error", err)
		}
	}
}

// commit runs fn on a context detached from the cycle deadline, so items
// already dispatched are recorded even when the cycle timed out.
func (r *Runner) commit(ctx context.Context, log *slog.Logger, n int, fn func(context.Context) error) error {
	if n == 0 || r.cfg.DryRun {
		return nil
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	if err := fn(cctx); err != nil {
		return fmt.Errorf("cycle: committing: %w", err)
	}
	log.Debug("committed", "items", n)
	return nil
}
