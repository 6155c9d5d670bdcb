package fetcher

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

// blockTags separate words; inline tags such as <b> or <a> do not.
var blockTags = map[string]bool{
	"br": true, "hr": true, "p": true, "div": true, "li": true, "ul": true, "ol": true,
	"tr": true, "td": true, "th": true, "table": true, "blockquote": true, "pre": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"section": true, "article": true, "header": true, "footer": true,
}

// htmlToText strips markup from a feed description and collapses whitespace.
// Script and style contents are dropped.
func htmlToText(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.Join(strings.Fields(s), " ")
	}

	z := html.NewTokenizer(strings.NewReader(s))
	var sb strings.Builder
	skip := 0

	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() != io.EOF {
				return strings.Join(strings.Fields(s), " ")
			}
			return strings.Join(strings.Fields(sb.String()), " ")
		case html.StartTagToken:
			name, _ := z.TagName()
			switch tag := string(name); {
			case tag == "script" || tag == "style":
				skip++
			case blockTags[tag]:
				sb.WriteByte(' ')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch tag := string(name); {
			case tag == "script" || tag == "style":
				if skip > 0 {
					skip--
				}
			case blockTags[tag]:
				sb.WriteByte(' ')
			}
		case html.SelfClosingTagToken:
			if name, _ := z.TagName(); blockTags[string(name)] {
				sb.WriteByte(' ')
			}
		case html.TextToken:
			if skip == 0 {
				sb.Write(z.Text())
			}
		}
	}
}

// truncate cuts s to at most n runes, appending an ellipsis when shortened.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "…"
}
