// Package ingest syncs post records from CSV sources into the record store.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/DeafMist/post-relay/internal/dedupe"
	"github.com/DeafMist/post-relay/internal/logger"
	"github.com/DeafMist/post-relay/internal/models"
)

// Store is where synced records go.
type Store interface {
	Upsert(ctx context.Context, rec models.PostRecord) error
}

// Stats counts what one sync did.
type Stats struct {
	Sources  int
	Rows     int
	Unique   int
	Cached   int
	Upserted int
	Failed   int
}

// Syncer reads every source, normalizes and dedupes rows, then upserts them.
type Syncer struct {
	store        Store
	sources      []string
	cache        *dedupe.Cache
	http         *http.Client
	fetchTimeout time.Duration
	now          func() time.Time
	log          *slog.Logger
}

// Option customizes a Syncer.
type Option func(*Syncer)

// WithHTTPClient overrides the client used for URL sources.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Syncer) { s.http = c }
}

// WithClock replaces time.Now for updatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

// New returns a Syncer. cache may be nil to upsert every unique row.
func New(store Store, sources []string, cache *dedupe.Cache, fetchTimeout time.Duration, log *slog.Logger, opts ...Option) *Syncer {
	if fetchTimeout <= 0 {
		fetchTimeout = 30 * time.Second
	}
	s := &Syncer{
		store:        store,
		sources:      sources,
		cache:        cache,
		http:         &http.Client{},
		fetchTimeout: fetchTimeout,
		now:          func() time.Time { return time.Now().UTC() },
		log:          logger.OrDiscard(log),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ErrNoSources is returned when no source could be read.
var ErrNoSources = errors.New("no source could be read")

// Run performs one sync. Unreadable sources and failed upserts are logged and
// counted; the run only fails when every source is unreadable.
func (s *Syncer) Run(ctx context.Context) (Stats, error) {
	var (
		stats Stats
		rows  []map[string]string
	)
	for _, src := range s.sources {
		got, err := s.read(ctx, src)
		if err != nil {
			s.log.Warn("read source", slog.String("source", src), slog.Any("err", err))
			continue
		}
		stats.Sources++
		rows = append(rows, got...)
	}
	if stats.Sources == 0 && len(s.sources) > 0 {
		return stats, ErrNoSources
	}
	stats.Rows = len(rows)

	items := Dedupe(Normalize(rows))
	stats.Unique = len(items)

	now := s.now()
	for _, it := range items {
		key := Key(it)
		if s.cache != nil && s.cache.IsSeen(key) {
			stats.Cached++
			continue
		}

		rec := toRecord(it, now)
		if err := s.store.Upsert(ctx, rec); err != nil {
			stats.Failed++
			s.log.Error("upsert record", slog.String("id", rec.ID), slog.Any("err", err))
			continue
		}
		stats.Upserted++
		if s.cache != nil {
			s.cache.MarkSeen(key)
		}
		s.log.Debug("upserted record", slog.String("id", rec.ID), slog.Int("images", len(rec.Images)))
	}

	s.log.Info("sync complete",
		slog.Int("sources", stats.Sources),
		slog.Int("rows", stats.Rows),
		slog.Int("unique", stats.Unique),
		slog.Int("cached", stats.Cached),
		slog.Int("upserted", stats.Upserted),
		slog.Int("failed", stats.Failed),
	)
	return stats, nil
}

func (s *Syncer) read(ctx context.Context, src string) ([]map[string]string, error) {
	rc, err := s.open(ctx, src)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return ParseCSV(rc)
}

func toRecord(it Item, now time.Time) models.PostRecord {
	key := Key(it)
	id := BuildID(key)
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
	}
	images := it.Images
	if images == nil {
		images = []string{}
	}
	return models.PostRecord{
		ID:        id,
		Title:     it.Title,
		Content:   it.Content,
		URL:       it.URL,
		Images:    images,
		VideoURL:  it.VideoURL,
		Priority:  it.Priority,
		UpdatedAt: now,
	}
}
