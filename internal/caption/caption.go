package caption

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/DeafMist/post-relay/internal/models"
)

const ellipsis = "..."

// TagLiner produces the contextual line closing every caption.
type TagLiner interface {
	Line(now time.Time) string
}

// Builder assembles captions from records.
type Builder struct {
	TagLine TagLiner
	Now     func() time.Time
}

// Build joins title, content and url with blank lines and puts the tag line last.
func (b Builder) Build(rec models.PostRecord) string {
	parts := make([]string, 0, 4)
	for _, p := range []string{rec.Title, rec.Content, rec.URL} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	text := strings.Join(parts, "\n\n")

	if b.TagLine == nil {
		return text
	}
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	tag := strings.TrimSpace(b.TagLine.Line(now()))
	if tag == "" {
		return text
	}
	if text == "" {
		return tag
	}
	return text + "\n\n" + tag
}

// Microblog fits caption into max characters. The last line is kept verbatim
// as the tag line; the text before it is cut to leave room for an ellipsis,
// a newline and the tag line.
func Microblog(caption string, max int) string {
	if utf8.RuneCountInString(caption) <= max {
		return caption
	}

	idx := strings.LastIndex(caption, "\n")
	if idx < 0 {
		return hardTruncate(caption, max)
	}
	body := strings.TrimRight(caption[:idx], "\n ")
	tag := caption[idx+1:]

	budget := max - utf8.RuneCountInString(tag) - 1 - len(ellipsis)
	if budget <= 0 || body == "" {
		return hardTruncate(caption, max)
	}
	return strings.TrimRight(truncateRunes(body, budget), " \n") + ellipsis + "\n" + tag
}

func hardTruncate(s string, max int) string {
	if max <= len(ellipsis) {
		return truncateRunes(s, max)
	}
	return truncateRunes(s, max-len(ellipsis)) + ellipsis
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
