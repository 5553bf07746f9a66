package ingest

import (
	"html"
	"regexp"
	"strconv"
	"strings"
)

// Item is one normalized source row.
type Item struct {
	Title    string
	Content  string
	URL      string
	Images   []string
	VideoURL string
	Priority int
}

var (
	titleKeys   = []string{"title", "Title"}
	contentKeys = []string{"content", "description", "Content"}
	urlKeys     = []string{"url", "link", "URL"}
	imageKeys   = []string{"images", "Images"}
	videoKeys   = []string{"videoUrl", "videoURL", "VideoUrl", "VideoURL", "video"}
)

var (
	whitespace = regexp.MustCompile(`\s+`)
	scheme     = regexp.MustCompile(`https?://`)
	nonSlug    = regexp.MustCompile(`[^a-z0-9]+`)
)

const maxIDLength = 200

// Normalize maps raw rows onto Items by header alias and drops rows with
// nothing to publish.
func Normalize(rows []map[string]string) []Item {
	items := make([]Item, 0, len(rows))
	for _, row := range rows {
		it := Item{
			Title:    cleanLine(lookup(row, titleKeys)),
			Content:  html.UnescapeString(lookup(row, contentKeys)),
			URL:      lookup(row, urlKeys),
			Images:   splitList(lookup(row, imageKeys)),
			VideoURL: lookup(row, videoKeys),
		}
		if p, err := strconv.Atoi(lookup(row, []string{"priority"})); err == nil {
			it.Priority = p
		}
		if it.Title == "" && it.Content == "" && it.URL == "" && len(it.Images) == 0 && it.VideoURL == "" {
			continue
		}
		items = append(items, it)
	}
	return items
}

// Key identifies an item across sources: its images, else its video, url or
// title, lowercased. Empty when the item has none of those.
func Key(it Item) string {
	var base string
	switch {
	case len(it.Images) > 0:
		base = strings.Join(it.Images, ",")
	case it.VideoURL != "":
		base = it.VideoURL
	case it.URL != "":
		base = it.URL
	default:
		base = it.Title
	}
	return strings.ToLower(base)
}

// Dedupe keeps the first item for every key and drops keyless items.
func Dedupe(items []Item) []Item {
	seen := make(map[string]struct{}, len(items))
	out := make([]Item, 0, len(items))
	for _, it := range items {
		k := Key(it)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, it)
	}
	return out
}

// BuildID turns a key into a stable document id: scheme stripped, runs of
// anything but [a-z0-9] collapsed to '-', capped at 200 bytes.
func BuildID(key string) string {
	id := scheme.ReplaceAllString(strings.ToLower(key), "")
	id = nonSlug.ReplaceAllString(id, "-")
	id = strings.Trim(id, "-")
	if len(id) > maxIDLength {
		id = id[:maxIDLength]
	}
	return id
}

func lookup(row map[string]string, keys []string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(row[k]); v != "" {
			return v
		}
	}
	return ""
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func cleanLine(s string) string {
	s = html.UnescapeString(s)
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}
