// Package enrich derives missing title, excerpt and lead image for a record
// from the page its url points at.
package enrich

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	readability "codeberg.org/readeck/go-readability/v2"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/DeafMist/post-relay/internal/logger"
	"github.com/DeafMist/post-relay/internal/models"
)

const (
	defaultTimeout = 8 * time.Second
	maxPageBytes   = 5 << 20
	userAgent      = "Mozilla/5.0 (compatible; post-relay/1.0)"
)

// Metadata is what could be read from a page.
type Metadata struct {
	Title     string
	Excerpt   string
	LeadImage string
}

// Enricher fetches linked pages and turns their metadata into record patches.
type Enricher struct {
	client  *http.Client
	timeout time.Duration
	log     *slog.Logger
}

// Option customizes an Enricher.
type Option func(*Enricher)

// WithHTTPClient overrides the client used to fetch pages.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Enricher) { e.client = c }
}

// New returns an Enricher that gives up on a page after timeout.
func New(timeout time.Duration, log *slog.Logger, opts ...Option) *Enricher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	e := &Enricher{
		client:  &http.Client{},
		timeout: timeout,
		log:     logger.OrDiscard(log),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enrich fetches rec.URL and returns the patch that fills in what rec lacks.
// A record without url yields an empty patch. Errors are for logging only;
// the caller proceeds with the record as it was.
func (e *Enricher) Enrich(ctx context.Context, rec models.PostRecord) (models.Patch, error) {
	if rec.URL == "" {
		return models.Patch{}, nil
	}

	meta, err := e.Fetch(ctx, rec.URL)
	if err != nil {
		return models.Patch{}, err
	}

	patch := BuildPatch(rec, meta)
	if !patch.IsEmpty() {
		e.log.Debug("metadata found",
			slog.String("id", rec.ID),
			slog.Bool("title", patch.Title != nil),
			slog.Bool("content", patch.Content != nil),
			slog.Bool("image", patch.Images != nil),
		)
	}
	return patch, nil
}

// Fetch downloads a page and extracts its metadata.
func (e *Enricher) Fetch(ctx context.Context, rawURL string) (Metadata, error) {
	pageURL, err := url.Parse(rawURL)
	if err != nil {
		return Metadata{}, fmt.Errorf("parse url: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL.String(), nil)
	if err != nil {
		return Metadata{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	res, err := e.client.Do(req)
	if err != nil {
		return Metadata{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return Metadata{}, fmt.Errorf("fetch %s: status %d", rawURL, res.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(res.Body, maxPageBytes))
	if err != nil {
		return Metadata{}, fmt.Errorf("read %s: %w", rawURL, err)
	}

	return Extract(data, pageURL)
}

// Extract reads title, excerpt and lead image from an HTML document.
// The lead image comes from og:image, then twitter:image, then
// link rel=image_src, then the first image of the article body. When
// readability finds no article the whole document stands in for the body.
func Extract(data []byte, pageURL *url.URL) (Metadata, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return Metadata{}, fmt.Errorf("parse html: %w", err)
	}

	var meta Metadata
	body := doc

	article, err := readability.FromReader(bytes.NewReader(data), pageURL)
	if err == nil {
		meta.Title = strings.TrimSpace(article.Title())
		if article.Node != nil {
			body = goquery.NewDocumentFromNode(article.Node)
		}
	}

	if meta.Title == "" {
		meta.Title = firstNonEmpty(
			metaContent(doc, "og:title"),
			strings.TrimSpace(doc.Find("title").First().Text()),
		)
	}

	meta.Excerpt = firstNonEmpty(
		metaContent(doc, "og:description"),
		metaContent(doc, "description"),
		metaContent(doc, "twitter:description"),
	)
	if meta.Excerpt == "" {
		meta.Excerpt = firstParagraph(body)
	}

	image := firstNonEmpty(
		metaContent(doc, "og:image"),
		metaContent(doc, "og:image:url"),
		metaContent(doc, "twitter:image"),
		metaContent(doc, "twitter:image:src"),
		linkHref(doc, "image_src"),
	)
	if image == "" {
		image = firstImage(body.Get(0))
	}
	meta.LeadImage = resolve(pageURL, image)

	if meta == (Metadata{}) {
		return meta, fmt.Errorf("no metadata in page")
	}
	return meta, nil
}

// BuildPatch returns only the fields rec is missing. Title and content are
// never overwritten and a lead image is added to images only when new.
func BuildPatch(rec models.PostRecord, meta Metadata) models.Patch {
	var patch models.Patch

	if strings.TrimSpace(rec.Title) == "" && meta.Title != "" {
		patch.Title = models.Ptr(meta.Title)
	}
	if strings.TrimSpace(rec.Content) == "" && meta.Excerpt != "" {
		patch.Content = models.Ptr(meta.Excerpt)
	}
	if meta.LeadImage != "" && !slices.Contains(rec.Images, meta.LeadImage) {
		images := make([]string, 0, len(rec.Images)+1)
		images = append(images, rec.Images...)
		patch.Images = append(images, meta.LeadImage)
	}

	return patch
}

func metaContent(doc *goquery.Document, key string) string {
	var out string
	doc.Find("meta").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		prop, _ := s.Attr("property")
		name, _ := s.Attr("name")
		if !strings.EqualFold(prop, key) && !strings.EqualFold(name, key) {
			return true
		}
		if content := strings.TrimSpace(s.AttrOr("content", "")); content != "" {
			out = content
			return false
		}
		return true
	})
	return out
}

func linkHref(doc *goquery.Document, rel string) string {
	var out string
	doc.Find("link").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		for _, r := range strings.Fields(s.AttrOr("rel", "")) {
			if strings.EqualFold(r, rel) {
				out = strings.TrimSpace(s.AttrOr("href", ""))
				return out == ""
			}
		}
		return true
	})
	return out
}

// firstImage walks n depth first for an img with a src, or a lazy-load data-src.
func firstImage(n *html.Node) string {
	if n == nil {
		return ""
	}
	if n.Type == html.ElementNode && n.DataAtom == atom.Img {
		for _, key := range []string{"src", "data-src"} {
			for _, a := range n.Attr {
				if a.Key == key && strings.TrimSpace(a.Val) != "" {
					return strings.TrimSpace(a.Val)
				}
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if src := firstImage(c); src != "" {
			return src
		}
	}
	return ""
}

func firstParagraph(doc *goquery.Document) string {
	var out string
	doc.Find("p").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		out = strings.Join(strings.Fields(s.Text()), " ")
		return out == ""
	})
	return out
}

func resolve(base *url.URL, ref string) string {
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if base == nil {
		return u.String()
	}
	return base.ResolveReference(u).String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
