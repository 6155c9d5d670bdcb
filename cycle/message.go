package cycle

import (
	"fmt"
	"strings"

	"github.com/syscl0ck/security-feed-ntfy/alert"
	"github.com/syscl0ck/security-feed-ntfy/digest"
	"github.com/syscl0ck/security-feed-ntfy/notify"
	"github.com/syscl0ck/security-feed-ntfy/scoring"
)

const maxBodySummary = 200

// InstantMessage builds the notification for one accepted item.
func InstantMessage(item alert.Item, d scoring.Decision, priority string) notify.Message {
	var body strings.Builder
	if item.Summary != "" {
		body.WriteString(cut(item.Summary, maxBodySummary))
		body.WriteString("\n\n")
	}
	fmt.Fprintf(&body, "Reason: %s", d.Detail())
	if item.Link != "" {
		body.WriteString("\n\n")
		body.WriteString(item.Link)
	}

	tags := []string{item.Category}
	for _, t := range item.Tags {
		if t != item.Category {
			tags = append(tags, t)
		}
	}

	return notify.Message{
		Title:    fmt.Sprintf("[%s] %s", item.Source, item.Title),
		Body:     body.String(),
		Priority: priority,
		Click:    item.Link,
		Tags:     tags,
	}
}

// DigestMessage builds the single notification announcing a digest.
func DigestMessage(doc digest.Document, priority, path string) notify.Message {
	body := doc.Body
	if path != "" {
		body += "\n\nSee: " + path
	}
	return notify.Message{
		Title:    doc.Title,
		Body:     body,
		Priority: priority,
		Tags:     []string{"digest"},
	}
}

func cut(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "…"
}
