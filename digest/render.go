package digest

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/syscl0ck/security-feed-ntfy/alert"
)

// DefaultTopN is how many items the notification body lists.
const DefaultTopN = 5

const maxSummary = 500

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// Document is a rendered digest.
type Document struct {
	Title       string
	Body        string // notification text: count and top items
	Markdown    string // full digest grouped by source
	Count       int
	IDs         []string // item ids in arrival order
	GeneratedAt time.Time
}

// Render renders the buffered items listing DefaultTopN in the body.
func (a *Accumulator) Render(now time.Time, loc *time.Location) Document {
	return a.RenderTop(now, loc, DefaultTopN)
}

// RenderTop renders the buffered items. Equal inputs give equal output.
func (a *Accumulator) RenderTop(now time.Time, loc *time.Location, topN int) Document {
	if loc == nil {
		loc = time.UTC
	}
	entries := a.Entries()

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.Item.ID
	}

	groups := groupBySource(entries)
	doc := Document{
		Title:       fmt.Sprintf("Security Digest: %d %s", len(entries), plural(len(entries), "item", "items")),
		Count:       len(entries),
		IDs:         ids,
		GeneratedAt: now,
	}
	doc.Body = renderBody(entries, len(groups), topN)
	doc.Markdown = renderMarkdown(groups, len(entries), now.In(loc))
	return doc
}

type sourceGroup struct {
	name    string
	entries []Entry
}

func groupBySource(entries []Entry) []sourceGroup {
	bySource := make(map[string][]Entry)
	for _, e := range entries {
		bySource[e.Item.Source] = append(bySource[e.Item.Source], e)
	}
	names := make([]string, 0, len(bySource))
	for name := range bySource {
		names = append(names, name)
	}
	sort.Strings(names)

	groups := make([]sourceGroup, len(names))
	for i, name := range names {
		groups[i] = sourceGroup{name: name, entries: bySource[name]}
	}
	return groups
}

// topEntries orders KEV items first, then by severity descending, then by
// arrival.
func topEntries(entries []Entry, n int) []Entry {
	sorted := append([]Entry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].Item, sorted[j].Item
		if a.IsKEV != b.IsKEV {
			return a.IsKEV
		}
		sa, sb := severity(a), severity(b)
		if sa != sb {
			return sa > sb
		}
		return sorted[i].seq < sorted[j].seq
	})
	if n >= 0 && n < len(sorted) {
		sorted = sorted[:n]
	}
	return sorted
}

func severity(item alert.Item) float64 {
	if item.Severity == nil {
		return -1
	}
	return *item.Severity
}

func renderBody(entries []Entry, sources, topN int) string {
	if len(entries) == 0 {
		return "No new items."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d new %s from %d %s",
		len(entries), plural(len(entries), "item", "items"),
		sources, plural(sources, "source", "sources"))

	top := topEntries(entries, topN)
	if len(top) > 0 {
		sb.WriteString("\n")
	}
	for _, e := range top {
		sb.WriteString("\n• ")
		sb.WriteString(label(e.Item))
		sb.WriteString(e.Item.Title)
		fmt.Fprintf(&sb, " (%s)", e.Item.Source)
	}
	if more := len(entries) - len(top); more > 0 {
		fmt.Fprintf(&sb, "\n+%d more", more)
	}
	return sb.String()
}

func label(item alert.Item) string {
	switch {
	case item.IsKEV:
		return "[KEV] "
	case item.Severity != nil:
		return fmt.Sprintf("[%.1f] ", *item.Severity)
	default:
		return ""
	}
}

func renderMarkdown(groups []sourceGroup, count int, generated time.Time) string {
	var sb strings.Builder
	sb.WriteString("# Security Alert Digest\n\n")
	fmt.Fprintf(&sb, "Generated: %s\n\n", generated.Format("2006-01-02 15:04 MST"))
	fmt.Fprintf(&sb, "%d %s from %d %s.\n",
		count, plural(count, "item", "items"),
		len(groups), plural(len(groups), "source", "sources"))

	for _, g := range groups {
		fmt.Fprintf(&sb, "\n## %s (%d)\n", escapeMarkdown(g.name), len(g.entries))
		for _, e := range g.entries {
			item := e.Item
			title := escapeMarkdown(item.Title)
			if item.Link != "" {
				fmt.Fprintf(&sb, "\n### [%s](<%s>)\n\n", title, item.Link)
			} else {
				fmt.Fprintf(&sb, "\n### %s\n\n", title)
			}

			meta := []string{
				"**Reason:** " + e.Decision.Detail(),
				"**Category:** " + item.Category,
			}
			if item.Severity != nil {
				meta = append(meta, fmt.Sprintf("**CVSS:** %.1f", *item.Severity))
			}
			meta = append(meta, "**Published:** "+item.PublishedAt.In(generated.Location()).Format("2006-01-02 15:04"))
			if len(item.Tags) > 0 {
				meta = append(meta, "**Tags:** "+strings.Join(item.Tags, ", "))
			}
			sb.WriteString(strings.Join(meta, " · "))
			sb.WriteString("\n")

			if item.Summary != "" {
				sb.WriteString("\n")
				sb.WriteString(escapeMarkdown(truncate(item.Summary, maxSummary)))
				sb.WriteString("\n")
			}
		}
	}
	return sb.String()
}

// HTML converts the markdown digest into a standalone HTML page.
func (d Document) HTML() (string, error) {
	var body bytes.Buffer
	if err := markdown.Convert([]byte(d.Markdown), &body); err != nil {
		return "", fmt.Errorf("digest: rendering html: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&sb, "<title>%s</title>\n", htmlEscaper.Replace(d.Title))
	sb.WriteString("</head>\n<body>\n")
	sb.Write(body.Bytes())
	sb.WriteString("</body>\n</html>\n")
	return sb.String(), nil
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`, "`", "\\`", "*", `\*`, "_", `\_`,
	"[", `\[`, "]", `\]`, "<", `\<`, ">", `\>`, "#", `\#`, "|", `\|`,
)

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "…"
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
