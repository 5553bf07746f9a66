// Package feedpage publishes to a page feed on a Graph API compatible endpoint.
package feedpage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/DeafMist/post-relay/internal/logger"
	"github.com/DeafMist/post-relay/internal/models"
	"github.com/DeafMist/post-relay/internal/platform"
)

const name = "feedpage"

// Client posts to one page with a page access token.
type Client struct {
	baseURL     string
	pageID      string
	accessToken string
	permalink   string
	http        *http.Client
	log         *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the logger used to report skipped photos.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = logger.OrDiscard(log) }
}

// WithPermalinkBase changes the base used to link existing posts when resharing.
func WithPermalinkBase(base string) Option {
	return func(c *Client) { c.permalink = strings.TrimRight(base, "/") }
}

// New returns a page client.
func New(baseURL, pageID, accessToken string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		pageID:      pageID,
		accessToken: accessToken,
		permalink:   "https://www.facebook.com",
		http:        &http.Client{},
		log:         logger.OrDiscard(nil),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PublishText creates a feed post.
func (c *Client) PublishText(ctx context.Context, caption string) (models.PublishOutcome, error) {
	return c.create(ctx, "feed", url.Values{"message": {caption}})
}

// PublishWithImages uploads every image unpublished, then creates one feed
// post with all of them attached. Images that fail to upload are left out.
func (c *Client) PublishWithImages(ctx context.Context, caption string, images []string) (models.PublishOutcome, error) {
	type media struct {
		ID string `json:"media_fbid"`
	}
	attached := make([]media, 0, len(images))
	for _, img := range images {
		out, err := c.create(ctx, "photos", url.Values{"url": {img}, "published": {"false"}})
		if err != nil {
			c.log.Warn("skip photo", slog.String("platform", name), slog.String("image", img), slog.Any("err", err))
			continue
		}
		attached = append(attached, media{ID: out.ExternalID})
	}

	form := url.Values{"message": {caption}}
	if len(attached) > 0 {
		raw, err := json.Marshal(attached)
		if err != nil {
			return models.PublishOutcome{}, err
		}
		form.Set("attached_media", string(raw))
	}
	return c.create(ctx, "feed", form)
}

// PublishVideo publishes a video from a URL the API can fetch.
func (c *Client) PublishVideo(ctx context.Context, caption, videoLocation string) (models.PublishOutcome, error) {
	return c.create(ctx, "videos", url.Values{"file_url": {videoLocation}, "description": {caption}})
}

// Reshare shares a link to an existing post on the page feed.
func (c *Client) Reshare(ctx context.Context, existingID string) (models.PublishOutcome, error) {
	return c.create(ctx, "feed", url.Values{"link": {c.permalink + "/" + existingID}})
}

func (c *Client) create(ctx context.Context, edge string, form url.Values) (models.PublishOutcome, error) {
	form.Set("access_token", c.accessToken)
	endpoint := fmt.Sprintf("%s/%s/%s", c.baseURL, c.pageID, edge)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return models.PublishOutcome{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := c.http.Do(req)
	if err != nil {
		return models.PublishOutcome{}, fmt.Errorf("%s %s: %w", name, edge, err)
	}

	var parsed struct {
		ID     string `json:"id"`
		PostID string `json:"post_id"`
	}
	if err := platform.DecodeResponse(name, res, &parsed); err != nil {
		return models.PublishOutcome{}, err
	}

	id := parsed.PostID
	if id == "" {
		id = parsed.ID
	}
	if id == "" {
		return models.PublishOutcome{}, fmt.Errorf("%s %s: response without id", name, edge)
	}
	return models.PublishOutcome{ExternalID: id}, nil
}
