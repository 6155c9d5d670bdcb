package scoring

import (
	"fmt"
	"strings"

	"github.com/syscl0ck/security-feed-ntfy/alert"
)

// Reason names the rule that produced a decision.
type Reason string

const (
	ReasonDenied        Reason = "denied"
	ReasonKEV           Reason = "kev"
	ReasonSeverity      Reason = "severity"
	ReasonKeywordUrgent Reason = "keyword+urgent"
	ReasonNoMatch       Reason = "no_match"
)

// DefaultUrgentTerms are the terms that, together with a keyword, force acceptance.
var DefaultUrgentTerms = []string{"rce", "auth bypass", "exploited", "wormable", "mass scanning"}

// FilterConfig is the rule set for one cycle. Matching is case-insensitive.
type FilterConfig struct {
	Keywords       []string
	DenyKeywords   []string
	UrgentTerms    []string
	MinSeverity    float64
	KEVAlwaysAlert bool
}

// Normalize returns a copy with every term lower-cased and trimmed. Empty
// and repeated terms are dropped since an empty term matches any text.
func (c FilterConfig) Normalize() FilterConfig {
	return FilterConfig{
		Keywords:       normalizeTerms(c.Keywords),
		DenyKeywords:   normalizeTerms(c.DenyKeywords),
		UrgentTerms:    normalizeTerms(c.UrgentTerms),
		MinSeverity:    c.MinSeverity,
		KEVAlwaysAlert: c.KEVAlwaysAlert,
	}
}

// Decision is the outcome of scoring one item.
type Decision struct {
	Accept   bool
	Reason   Reason
	Term     string   // deny keyword or keyword that decided the outcome
	Urgent   string   // urgent term for keyword+urgent
	Severity float64  // item severity for the severity rule
	Min      float64  // threshold the severity was compared against
	Matched  []string // every keyword found in the text
}

// Detail describes the decision for humans.
func (d Decision) Detail() string {
	switch d.Reason {
	case ReasonDenied:
		return fmt.Sprintf("matched deny keyword: %s", d.Term)
	case ReasonKEV:
		return "known exploited vulnerability"
	case ReasonSeverity:
		return fmt.Sprintf("CVSS %.1f >= %.1f", d.Severity, d.Min)
	case ReasonKeywordUrgent:
		return fmt.Sprintf("urgent match: %s + %s", d.Urgent, d.Term)
	default:
		return "no matching criteria"
	}
}

// Decide applies the rules in order and returns the first match:
// deny keywords, KEV, severity threshold, keyword plus urgent term.
// It has no side effects and is safe for concurrent use.
func Decide(item alert.Item, cfg FilterConfig) Decision {
	text := strings.ToLower(item.Title + " " + item.Summary)
	matched := matchAll(text, cfg.Keywords)

	if term, ok := matchFirst(text, cfg.DenyKeywords); ok {
		return Decision{Reason: ReasonDenied, Term: term, Matched: matched}
	}

	if item.IsKEV && cfg.KEVAlwaysAlert {
		return Decision{Accept: true, Reason: ReasonKEV, Matched: matched}
	}

	if item.Severity != nil && *item.Severity >= cfg.MinSeverity {
		return Decision{
			Accept:   true,
			Reason:   ReasonSeverity,
			Severity: *item.Severity,
			Min:      cfg.MinSeverity,
			Matched:  matched,
		}
	}

	if len(matched) > 0 {
		if urgent, ok := matchFirst(text, cfg.UrgentTerms); ok {
			return Decision{
				Accept:  true,
				Reason:  ReasonKeywordUrgent,
				Term:    matched[0],
				Urgent:  urgent,
				Matched: matched,
			}
		}
	}

	return Decision{Reason: ReasonNoMatch, Matched: matched}
}

// Scored pairs an item with its decision.
type Scored struct {
	Item     alert.Item
	Decision Decision
}

// Partition scores every item and splits the result, keeping input order.
func Partition(items []alert.Item, cfg FilterConfig) (accepted, rejected []Scored) {
	for _, item := range items {
		d := Decide(item, cfg)
		s := Scored{Item: item.WithTags(d.Matched), Decision: d}
		if d.Accept {
			accepted = append(accepted, s)
		} else {
			rejected = append(rejected, s)
		}
	}
	return accepted, rejected
}

func matchFirst(text string, terms []string) (string, bool) {
	for _, term := range terms {
		t := strings.ToLower(term)
		if t != "" && strings.Contains(text, t) {
			return term, true
		}
	}
	return "", false
}

func matchAll(text string, terms []string) []string {
	var out []string
	for _, term := range terms {
		t := strings.ToLower(term)
		if t != "" && strings.Contains(text, t) {
			out = append(out, term)
		}
	}
	return out
}

func normalizeTerms(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	out := make([]string, 0, len(terms))
	for _, term := range terms {
		t := strings.ToLower(strings.TrimSpace(term))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
