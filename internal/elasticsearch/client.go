package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/DeafMist/post-relay/internal/logger"
	"github.com/DeafMist/post-relay/internal/models"
)

// Client wraps go-elasticsearch with the record operations the relay needs.
type Client struct {
	es    *elasticsearch.Client
	index string
	log   *slog.Logger
}

const indexMapping = `{
  "mappings": {
    "properties": {
      "id":          {"type": "keyword"},
      "title":       {"type": "text"},
      "content":     {"type": "text"},
      "url":         {"type": "keyword"},
      "images":      {"type": "keyword"},
      "videoUrl":    {"type": "keyword"},
      "priority":    {"type": "integer"},
      "isPosted":    {"type": "boolean"},
      "postedAt":    {"type": "date"},
      "microblogId": {"type": "keyword"},
      "feedPageId":  {"type": "keyword"},
      "updatedAt":   {"type": "date"}
    }
  }
}`

// New instantiates the Elasticsearch client.
func New(addr, index string, log *slog.Logger) (*Client, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{addr},
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	return &Client{es: es, index: index, log: logger.OrDiscard(log)}, nil
}

// Ping checks if Elasticsearch is available.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("ping elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch ping failed: %s", res.Status())
	}

	return nil
}

// WaitReady pings until Elasticsearch answers, backing off between attempts.
func (c *Client) WaitReady(ctx context.Context, maxRetries int, baseDelay, maxDelay time.Duration) error {
	policy := retrypolicy.NewBuilder[any]().
		WithMaxRetries(maxRetries).
		WithBackoff(baseDelay, maxDelay).
		OnRetry(func(e failsafe.ExecutionEvent[any]) {
			c.log.Warn("elasticsearch not ready, retrying",
				slog.Any("err", e.LastError()),
				slog.Int("attempt", e.Attempts()),
			)
		}).
		Build()

	return failsafe.With[any](policy).WithContext(ctx).Run(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return c.Ping(pingCtx)
	})
}

// EnsureIndex creates the posts index with its mapping when it does not exist yet.
func (c *Client) EnsureIndex(ctx context.Context) error {
	res, err := c.es.Indices.Exists([]string{c.index}, c.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return &models.StoreError{Op: "index exists", Err: err}
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}

	res, err = c.es.Indices.Create(c.index,
		c.es.Indices.Create.WithContext(ctx),
		c.es.Indices.Create.WithBody(strings.NewReader(indexMapping)),
	)
	if err != nil {
		return &models.StoreError{Op: "create index", Err: err}
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		if strings.Contains(string(body), "resource_already_exists_exception") {
			return nil
		}
		return &models.StoreError{Op: "create index", Err: fmt.Errorf("%s", strings.TrimSpace(string(body)))}
	}

	c.log.Info("created index", slog.String("index", c.index))
	return nil
}

// ScanUnposted returns up to limit records not marked as posted, in store order.
func (c *Client) ScanUnposted(ctx context.Context, limit int) ([]models.PostRecord, error) {
	query := map[string]any{
		"bool": map[string]any{
			"must_not": []map[string]any{
				{"term": map[string]any{"isPosted": true}},
			},
		},
	}
	return c.search(ctx, "scan unposted", query, limit)
}

// ScanPosted returns up to limit records currently marked as posted.
func (c *Client) ScanPosted(ctx context.Context, limit int) ([]models.PostRecord, error) {
	query := map[string]any{
		"term": map[string]any{"isPosted": true},
	}
	return c.search(ctx, "scan posted", query, limit)
}

func (c *Client) search(ctx context.Context, op string, query map[string]any, limit int) ([]models.PostRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	payload, err := json.Marshal(map[string]any{
		"size":  limit,
		"query": query,
	})
	if err != nil {
		return nil, &models.StoreError{Op: op, Err: fmt.Errorf("marshal query: %w", err)}
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.index),
		c.es.Search.WithBody(bytes.NewReader(payload)),
	)
	if err != nil {
		return nil, &models.StoreError{Op: op, Err: err}
	}
	defer res.Body.Close()

	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return nil, &models.StoreError{Op: op, Err: fmt.Errorf("%s: %s", res.Status(), strings.TrimSpace(string(data)))}
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				ID     string            `json:"_id"`
				Source models.PostRecord `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, &models.StoreError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}

	records := make([]models.PostRecord, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		rec := hit.Source
		if rec.ID == "" {
			rec.ID = hit.ID
		}
		records = append(records, rec)
	}
	return records, nil
}

// Update merges the named fields of patch into the record with the given id.
func (c *Client) Update(ctx context.Context, id string, patch models.Patch) error {
	payload, err := json.Marshal(map[string]any{"doc": patch})
	if err != nil {
		return &models.StoreError{Op: "update", Err: fmt.Errorf("marshal patch: %w", err)}
	}

	req := esapi.UpdateRequest{
		Index:      c.index,
		DocumentID: id,
		Body:       bytes.NewReader(payload),
		Refresh:    "wait_for",
	}

	res, err := req.Do(ctx, c.es)
	if err != nil {
		return &models.StoreError{Op: "update", Err: err}
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return &models.StoreError{Op: "update", Err: fmt.Errorf("%s: %s", id, strings.TrimSpace(string(body)))}
	}
	return nil
}

// BatchUpdate applies the same patch to every id in one bulk request and
// returns how many documents were updated.
func (c *Client) BatchUpdate(ctx context.Context, ids []string, patch models.Patch) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	doc, err := json.Marshal(map[string]any{"doc": patch})
	if err != nil {
		return 0, &models.StoreError{Op: "batch update", Err: fmt.Errorf("marshal patch: %w", err)}
	}

	var body bytes.Buffer
	for _, id := range ids {
		action, err := json.Marshal(map[string]any{
			"update": map[string]any{"_index": c.index, "_id": id},
		})
		if err != nil {
			return 0, &models.StoreError{Op: "batch update", Err: err}
		}
		body.Write(action)
		body.WriteByte('\n')
		body.Write(doc)
		body.WriteByte('\n')
	}

	req := esapi.BulkRequest{
		Body:    &body,
		Refresh: "wait_for",
	}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return 0, &models.StoreError{Op: "batch update", Err: err}
	}
	defer res.Body.Close()

	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return 0, &models.StoreError{Op: "batch update", Err: fmt.Errorf("%s: %s", res.Status(), strings.TrimSpace(string(data)))}
	}

	var parsed struct {
		Errors bool `json:"errors"`
		Items  []struct {
			Update struct {
				ID     string `json:"_id"`
				Status int    `json:"status"`
				Error  *struct {
					Reason string `json:"reason"`
				} `json:"error"`
			} `json:"update"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return 0, &models.StoreError{Op: "batch update", Err: fmt.Errorf("decode response: %w", err)}
	}

	updated := 0
	var failed []string
	for _, item := range parsed.Items {
		if item.Update.Error != nil || item.Update.Status >= http.StatusBadRequest {
			failed = append(failed, item.Update.ID)
			continue
		}
		updated++
	}
	if parsed.Errors || len(failed) > 0 {
		return updated, &models.StoreError{Op: "batch update", Err: fmt.Errorf("%d of %d documents failed: %s", len(failed), len(ids), strings.Join(failed, ","))}
	}
	return updated, nil
}

// Upsert merges an ingested record. A new document is created unposted; an
// existing one only receives the non-empty source fields, so enrichment and
// posting state survive re-ingestion.
func (c *Client) Upsert(ctx context.Context, rec models.PostRecord) error {
	doc := map[string]any{
		"priority":  rec.Priority,
		"updatedAt": rec.UpdatedAt,
	}
	if rec.Title != "" {
		doc["title"] = rec.Title
	}
	if rec.Content != "" {
		doc["content"] = rec.Content
	}
	if rec.URL != "" {
		doc["url"] = rec.URL
	}
	if rec.VideoURL != "" {
		doc["videoUrl"] = rec.VideoURL
	}
	if len(rec.Images) > 0 {
		doc["images"] = rec.Images
	}

	created := rec
	created.IsPosted = false
	created.PostedAt = nil
	if created.Images == nil {
		created.Images = []string{}
	}

	payload, err := json.Marshal(map[string]any{"doc": doc, "upsert": created})
	if err != nil {
		return &models.StoreError{Op: "upsert", Err: fmt.Errorf("marshal record: %w", err)}
	}

	req := esapi.UpdateRequest{
		Index:      c.index,
		DocumentID: rec.ID,
		Body:       bytes.NewReader(payload),
	}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return &models.StoreError{Op: "upsert", Err: err}
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return &models.StoreError{Op: "upsert", Err: fmt.Errorf("%s: %s", rec.ID, strings.TrimSpace(string(body)))}
	}
	return nil
}

// Health checks the cluster health endpoint.
func (c *Client) Health(ctx context.Context) error {
	res, err := c.es.Cluster.Health(c.es.Cluster.Health.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(res.Body)
		return fmt.Errorf("cluster health bad: %s", strings.TrimSpace(string(data)))
	}
	return nil
}
