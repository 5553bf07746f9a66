// Package microblog publishes to a Twitter v2 compatible API.
package microblog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/DeafMist/post-relay/internal/caption"
	"github.com/DeafMist/post-relay/internal/logger"
	"github.com/DeafMist/post-relay/internal/models"
	"github.com/DeafMist/post-relay/internal/platform"
)

const (
	name          = "microblog"
	maxMedia      = 4
	maxMediaBytes = 5 << 20
)

// Client talks to the microblog API on behalf of one user.
type Client struct {
	baseURL   string
	userID    string
	maxLength int
	api       *http.Client
	download  *http.Client
	grayscale bool
	log       *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the logger used to report skipped images.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = logger.OrDiscard(log) }
}

// WithGrayscale converts every uploaded image to a grayscale JPEG.
func WithGrayscale(enabled bool) Option {
	return func(c *Client) { c.grayscale = enabled }
}

// New returns a client authorized with a user-context bearer token.
func New(baseURL, accessToken, userID string, maxLength int, opts ...Option) *Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userID:    userID,
		maxLength: maxLength,
		api:       oauth2.NewClient(context.Background(), ts),
		download:  &http.Client{},
		log:       logger.OrDiscard(nil),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type createResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// PublishText posts a caption fitted to the length limit.
func (c *Client) PublishText(ctx context.Context, text string) (models.PublishOutcome, error) {
	return c.post(ctx, text, nil)
}

// PublishWithImages uploads up to four images and attaches them to the post.
// Images that cannot be fetched or uploaded are left out.
func (c *Client) PublishWithImages(ctx context.Context, text string, images []string) (models.PublishOutcome, error) {
	if len(images) > maxMedia {
		images = images[:maxMedia]
	}
	mediaIDs := make([]string, 0, len(images))
	for _, img := range images {
		id, err := c.uploadImage(ctx, img)
		if err != nil {
			c.log.Warn("skip image", slog.String("platform", name), slog.String("image", img), slog.Any("err", err))
			continue
		}
		mediaIDs = append(mediaIDs, id)
	}
	return c.post(ctx, text, mediaIDs)
}

// PublishVideo is not offered by this client.
func (c *Client) PublishVideo(context.Context, string, string) (models.PublishOutcome, error) {
	return models.PublishOutcome{}, platform.ErrUnsupported
}

// Reshare reposts an existing post as the configured user.
func (c *Client) Reshare(ctx context.Context, existingID string) (models.PublishOutcome, error) {
	if c.userID == "" {
		return models.PublishOutcome{}, fmt.Errorf("%s reshare: %w", name, platform.ErrNotConfigured)
	}
	body, err := json.Marshal(map[string]string{"tweet_id": existingID})
	if err != nil {
		return models.PublishOutcome{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/2/users/"+c.userID+"/retweets", bytes.NewReader(body))
	if err != nil {
		return models.PublishOutcome{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.api.Do(req)
	if err != nil {
		return models.PublishOutcome{}, fmt.Errorf("%s reshare: %w", name, err)
	}

	var parsed struct {
		Data struct {
			Retweeted bool `json:"retweeted"`
		} `json:"data"`
	}
	if err := platform.DecodeResponse(name, res, &parsed); err != nil {
		return models.PublishOutcome{}, err
	}
	if !parsed.Data.Retweeted {
		return models.PublishOutcome{}, fmt.Errorf("%s reshare: %s not reposted", name, existingID)
	}
	return models.PublishOutcome{ExternalID: existingID}, nil
}

func (c *Client) post(ctx context.Context, text string, mediaIDs []string) (models.PublishOutcome, error) {
	payload := map[string]any{"text": caption.Microblog(text, c.maxLength)}
	if len(mediaIDs) > 0 {
		payload["media"] = map[string]any{"media_ids": mediaIDs}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return models.PublishOutcome{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/2/tweets", bytes.NewReader(body))
	if err != nil {
		return models.PublishOutcome{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.api.Do(req)
	if err != nil {
		return models.PublishOutcome{}, fmt.Errorf("%s post: %w", name, err)
	}

	var parsed createResponse
	if err := platform.DecodeResponse(name, res, &parsed); err != nil {
		return models.PublishOutcome{}, err
	}
	if parsed.Data.ID == "" {
		return models.PublishOutcome{}, fmt.Errorf("%s post: response without id", name)
	}
	return models.PublishOutcome{ExternalID: parsed.Data.ID}, nil
}

func (c *Client) uploadImage(ctx context.Context, imageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return "", err
	}
	res, err := c.download.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", imageURL, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return "", fmt.Errorf("download %s: status %d", imageURL, res.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(res.Body, maxMediaBytes))
	if err != nil {
		return "", fmt.Errorf("download %s: %w", imageURL, err)
	}
	if c.grayscale {
		if gray, err := grayscaleJPEG(data); err == nil {
			data = gray
		} else {
			c.log.Warn("keep image colors", slog.String("image", imageURL), slog.Any("err", err))
		}
	}

	var form bytes.Buffer
	mw := multipart.NewWriter(&form)
	if err := mw.WriteField("media_category", "tweet_image"); err != nil {
		return "", err
	}
	part, err := mw.CreateFormFile("media", "image")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	up, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/2/media/upload", &form)
	if err != nil {
		return "", err
	}
	up.Header.Set("Content-Type", mw.FormDataContentType())

	upRes, err := c.api.Do(up)
	if err != nil {
		return "", fmt.Errorf("%s upload: %w", name, err)
	}
	var parsed createResponse
	if err := platform.DecodeResponse(name, upRes, &parsed); err != nil {
		return "", err
	}
	if parsed.Data.ID == "" {
		return "", fmt.Errorf("%s upload: response without id", name)
	}
	return parsed.Data.ID, nil
}

// grayscaleJPEG decodes a JPEG or PNG and re-encodes it as a grayscale JPEG.
func grayscaleJPEG(data []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	bounds := src.Bounds()
	gray := image.NewGray(bounds)
	draw.Draw(gray, bounds, src, bounds.Min, draw.Src)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, gray, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}
