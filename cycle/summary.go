package cycle

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// State is a step of one run.
type State string

const (
	StateFetching   State = "fetching"
	StateScoring    State = "scoring"
	StateDeduping   State = "deduping"
	StateDelivering State = "delivering"
	StateCommitting State = "committing"
	StateDone       State = "done"
	StateError      State = "error"
)

// SourceStats counts what happened to one fetcher's items.
type SourceStats struct {
	Name      string
	Fetched   int
	Accepted  int
	Rejected  int
	Duplicate int
	Sent      int
	Errored   int
	FetchErr  string // set when the fetch itself failed
}

// Summary describes a finished run, successful or not.
type Summary struct {
	RunID       string
	Mode        Mode
	DryRun      bool
	State       State
	Transitions []State
	Sources     []SourceStats // in fetcher order
	Carried     int           // pending digest items from earlier runs covered by this run's digest
	Queued      int           // items left in the pending digest queue
	Dropped     int           // pending digest items removed as delivered or no longer accepted
	StartedAt   time.Time
	Duration    time.Duration
}

func (s *Summary) enter(st State) {
	s.State = st
	s.Transitions = append(s.Transitions, st)
}

// Totals sums the per-source counts. Carried digest items count as sent.
func (s *Summary) Totals() SourceStats {
	t := SourceStats{Name: "total"}
	for _, src := range s.Sources {
		t.Fetched += src.Fetched
		t.Accepted += src.Accepted
		t.Rejected += src.Rejected
		t.Duplicate += src.Duplicate
		t.Sent += src.Sent
		t.Errored += src.Errored
	}
	t.Sent += s.Carried
	return t
}

// Line renders the summary as one log-friendly line.
func (s *Summary) Line() string {
	t := s.Totals()
	var sb strings.Builder
	fmt.Fprintf(&sb, "run=%s mode=%s state=%s fetched=%d accepted=%d rejected=%d duplicate=%d sent=%d errored=%d",
		shortID(s.RunID), s.Mode, s.State,
		t.Fetched, t.Accepted, t.Rejected, t.Duplicate, t.Sent, t.Errored)
	if s.Queued > 0 {
		fmt.Fprintf(&sb, " queued=%d", s.Queued)
	}
	if s.Dropped > 0 {
		fmt.Fprintf(&sb, " dropped=%d", s.Dropped)
	}
	if s.DryRun {
		sb.WriteString(" dry_run=true")
	}
	fmt.Fprintf(&sb, " duration=%s", s.Duration.Round(time.Millisecond))
	return sb.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// LogValue groups one source's counts for structured logs.
func (s SourceStats) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int("fetched", s.Fetched),
		slog.Int("accepted", s.Accepted),
		slog.Int("rejected", s.Rejected),
		slog.Int("duplicate", s.Duplicate),
		slog.Int("sent", s.Sent),
		slog.Int("errored", s.Errored),
	}
	if s.FetchErr != "" {
		attrs = append(attrs, slog.String("fetch_error", s.FetchErr))
	}
	return slog.GroupValue(attrs...)
}

// logSources writes one record per source with its counts.
func (s *Summary) logSources(log *slog.Logger) {
	for _, src := range s.Sources {
		log.Info("source summary", "source", src.Name, "state", s.State, "counts", src)
	}
}
