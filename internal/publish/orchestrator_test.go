package publish_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/DeafMist/post-relay/internal/caption"
	"github.com/DeafMist/post-relay/internal/events"
	"github.com/DeafMist/post-relay/internal/metrics"
	"github.com/DeafMist/post-relay/internal/models"
	"github.com/DeafMist/post-relay/internal/publish"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type memStore struct {
	mu      sync.Mutex
	order   []string
	recs    map[string]models.PostRecord
	scanErr error
	updErr  error
	batches int
}

func newStore(recs ...models.PostRecord) *memStore {
	s := &memStore{recs: make(map[string]models.PostRecord)}
	for _, r := range recs {
		s.order = append(s.order, r.ID)
		s.recs[r.ID] = r
	}
	return s
}

// ScanUnposted returns posted records too, so callers must filter.
func (s *memStore) ScanUnposted(_ context.Context, limit int) ([]models.PostRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scanErr != nil {
		return nil, s.scanErr
	}
	var out []models.PostRecord
	for _, id := range s.order {
		if len(out) == limit {
			break
		}
		out = append(out, s.recs[id])
	}
	return out, nil
}

func (s *memStore) ScanPosted(_ context.Context, limit int) ([]models.PostRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PostRecord
	for _, id := range s.order {
		if r := s.recs[id]; r.IsPosted && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) Update(_ context.Context, id string, patch models.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updErr != nil {
		return s.updErr
	}
	s.recs[id] = patch.Apply(s.recs[id])
	return nil
}

func (s *memStore) BatchUpdate(_ context.Context, ids []string, patch models.Patch) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches++
	for _, id := range ids {
		s.recs[id] = patch.Apply(s.recs[id])
	}
	return len(ids), nil
}

func (s *memStore) get(id string) models.PostRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recs[id]
}

func (s *memStore) postedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.recs {
		if r.IsPosted {
			n++
		}
	}
	return n
}

type stubPublisher struct {
	mu    sync.Mutex
	id    string
	err   error
	panic string
	calls []string
}

func (p *stubPublisher) do(call string) (models.PublishOutcome, error) {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()
	if p.panic != "" {
		panic(p.panic)
	}
	if p.err != nil {
		return models.PublishOutcome{}, p.err
	}
	return models.PublishOutcome{ExternalID: p.id}, nil
}

func (p *stubPublisher) PublishText(context.Context, string) (models.PublishOutcome, error) {
	return p.do("text")
}

func (p *stubPublisher) PublishWithImages(context.Context, string, []string) (models.PublishOutcome, error) {
	return p.do("images")
}

func (p *stubPublisher) PublishVideo(context.Context, string, string) (models.PublishOutcome, error) {
	return p.do("video")
}

func (p *stubPublisher) Reshare(_ context.Context, id string) (models.PublishOutcome, error) {
	return p.do("reshare:" + id)
}

func (p *stubPublisher) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

type stubEnricher struct {
	patch models.Patch
	err   error
	calls int
}

func (e *stubEnricher) Enrich(context.Context, models.PostRecord) (models.Patch, error) {
	e.calls++
	return e.patch, e.err
}

type captureSink struct {
	events []events.CycleEvent
}

func (s *captureSink) Emit(_ context.Context, ev events.CycleEvent) error {
	s.events = append(s.events, ev)
	return nil
}

type fixture struct {
	store   *memStore
	mb, fp  *stubPublisher
	enrich  *stubEnricher
	sink    *captureSink
	metrics *metrics.Metrics
	orch    *publish.Orchestrator
}

func newFixture(t *testing.T, reshare bool, recs ...models.PostRecord) *fixture {
	t.Helper()
	f := &fixture{
		store:   newStore(recs...),
		mb:      &stubPublisher{id: "tw-1"},
		fp:      &stubPublisher{id: "fb-1"},
		enrich:  &stubEnricher{},
		sink:    &captureSink{},
		metrics: metrics.New(nil),
	}
	orch, err := publish.New(publish.Options{
		Store:          f.store,
		Enricher:       f.enrich,
		Captions:       caption.Builder{},
		Microblog:      f.mb,
		FeedPage:       f.fp,
		Sink:           f.sink,
		Metrics:        f.metrics,
		ReshareEnabled: reshare,
		Rand:           rand.New(rand.NewPCG(1, 2)),
		Now:            func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	f.orch = orch
	return f
}

func TestNewRequiresStoreAndCaptions(t *testing.T) {
	_, err := publish.New(publish.Options{Captions: caption.Builder{}})
	require.Error(t, err)
	_, err = publish.New(publish.Options{Store: newStore()})
	require.Error(t, err)
}

func TestTextOnlyScenario(t *testing.T) {
	f := newFixture(t, false, models.PostRecord{ID: "r1", Title: "T", Content: "C", Images: []string{}})

	rep, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, "r1", rep.RecordID)
	require.Equal(t, "new_text", rep.Strategy)
	require.NotEmpty(t, rep.CycleID)

	require.Equal(t, []string{"text"}, f.mb.Calls())
	require.Equal(t, []string{"text"}, f.fp.Calls())

	got := f.store.get("r1")
	require.True(t, got.IsPosted)
	require.NotNil(t, got.PostedAt)
	require.Equal(t, fixedNow, *got.PostedAt)
	require.Equal(t, "tw-1", got.MicroblogID)
	require.Equal(t, "fb-1", got.FeedPageID)
	require.Zero(t, f.enrich.calls)

	require.Len(t, f.sink.events, 1)
	require.Equal(t, rep.CycleID, f.sink.events[0].CycleID)
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Cycles.WithLabelValues(metrics.CyclePublished)))
}

func TestNoIDRecordedWhenPublishReturnsNone(t *testing.T) {
	f := newFixture(t, false, models.PostRecord{ID: "r1", Title: "T"})
	f.mb.id = ""

	_, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)

	got := f.store.get("r1")
	require.True(t, got.IsPosted)
	require.Empty(t, got.MicroblogID)
	require.Equal(t, "fb-1", got.FeedPageID)
}

func TestImagesStrategy(t *testing.T) {
	f := newFixture(t, false, models.PostRecord{ID: "r1", Title: "T", Images: []string{"https://img/a.jpg"}})

	rep, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, "new_images", rep.Strategy)
	require.Equal(t, []string{"images"}, f.mb.Calls())
	require.Equal(t, []string{"images"}, f.fp.Calls())
}

func TestVideoGoesToFeedPageOnly(t *testing.T) {
	f := newFixture(t, true, models.PostRecord{
		ID: "r1", Title: "T", VideoURL: "https://cdn/v.mp4", Images: []string{"a"}, MicroblogID: "old",
	})

	rep, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, "video", rep.Strategy)
	require.Empty(t, f.mb.Calls())
	require.Equal(t, []string{"video"}, f.fp.Calls())

	got := f.store.get("r1")
	require.True(t, got.IsPosted)
	require.Equal(t, "fb-1", got.FeedPageID)
	require.Equal(t, "old", got.MicroblogID)
}

func TestReshareOnlyPlatformsWithID(t *testing.T) {
	f := newFixture(t, true, models.PostRecord{ID: "r1", Title: "T", FeedPageID: "fb-old"})

	rep, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, "reshare", rep.Strategy)
	require.Empty(t, f.mb.Calls())
	require.Equal(t, []string{"reshare:fb-old"}, f.fp.Calls())
	require.False(t, rep.Outcomes[publish.Microblog].Success)

	got := f.store.get("r1")
	require.True(t, got.IsPosted)
	require.Equal(t, "fb-old", got.FeedPageID)
	require.Empty(t, got.MicroblogID)
}

func TestReshareDisabledPublishesNew(t *testing.T) {
	f := newFixture(t, false, models.PostRecord{ID: "r1", Title: "T", FeedPageID: "fb-old"})

	rep, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, "new_text", rep.Strategy)
	require.Equal(t, "fb-1", f.store.get("r1").FeedPageID)
}

func TestPartialFailureStillRecords(t *testing.T) {
	f := newFixture(t, false, models.PostRecord{ID: "r1", Title: "T"})
	f.mb.err = errors.New("rate limited")

	rep, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)
	require.Contains(t, rep.Outcomes[publish.Microblog].Error, "rate limited")
	require.True(t, rep.Outcomes[publish.FeedPage].Success)

	got := f.store.get("r1")
	require.True(t, got.IsPosted)
	require.Equal(t, "fb-1", got.FeedPageID)
	require.Empty(t, got.MicroblogID)
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Publishes.WithLabelValues(publish.Microblog, "new_text", "failure")))
}

func TestPanickingPlatformDoesNotAbortCycle(t *testing.T) {
	f := newFixture(t, false, models.PostRecord{ID: "r1", Title: "T"})
	f.fp.panic = "nil map"

	rep, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)
	require.Contains(t, rep.Outcomes[publish.FeedPage].Error, "nil map")

	got := f.store.get("r1")
	require.True(t, got.IsPosted)
	require.Equal(t, "tw-1", got.MicroblogID)
	require.Empty(t, got.FeedPageID)
}

func TestTotalFailureStillMarksPosted(t *testing.T) {
	f := newFixture(t, false, models.PostRecord{ID: "r1", Title: "T"})
	f.mb.err = errors.New("down")
	f.fp.err = errors.New("down")

	_, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)
	require.True(t, f.store.get("r1").IsPosted)
}

func TestPostedRecordIsNotReselected(t *testing.T) {
	f := newFixture(t, false,
		models.PostRecord{ID: "r1", Title: "one"},
		models.PostRecord{ID: "r2", Title: "two"},
		models.PostRecord{ID: "r3", Title: "three", IsPosted: true},
	)

	first, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)
	second, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)

	picked := []string{first.RecordID, second.RecordID}
	sort.Strings(picked)
	require.Equal(t, []string{"r1", "r2"}, picked)
}

func TestExhaustionResetsPool(t *testing.T) {
	f := newFixture(t, false,
		models.PostRecord{ID: "r1", Title: "one", IsPosted: true, MicroblogID: "tw-9"},
		models.PostRecord{ID: "r2", Title: "two", IsPosted: true},
	)

	rep, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)
	require.True(t, rep.Exhausted)
	require.Equal(t, 2, rep.Reset)
	require.Empty(t, rep.RecordID)

	require.Zero(t, f.store.postedCount())
	require.Empty(t, f.mb.Calls())
	require.Empty(t, f.fp.Calls())
	require.Equal(t, "tw-9", f.store.get("r1").MicroblogID)
	require.Equal(t, "one", f.store.get("r1").Title)

	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PoolResets))
	require.Equal(t, 2.0, testutil.ToFloat64(f.metrics.RecordsReset))
	require.True(t, f.sink.events[0].Exhausted)
}

func TestResetPoolPagesThroughLimit(t *testing.T) {
	store := newStore(
		models.PostRecord{ID: "a", IsPosted: true},
		models.PostRecord{ID: "b", IsPosted: true},
		models.PostRecord{ID: "c", IsPosted: true},
	)
	orch, err := publish.New(publish.Options{Store: store, Captions: caption.Builder{}, ResetLimit: 2})
	require.NoError(t, err)

	n, err := orch.ResetPool(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Zero(t, store.postedCount())
	require.Equal(t, 2, store.batches)
}

func TestScanFailureSurfaces(t *testing.T) {
	f := newFixture(t, false, models.PostRecord{ID: "r1", Title: "T"})
	f.store.scanErr = &models.StoreError{Op: "scan unposted", Err: errors.New("connection refused")}

	_, err := f.orch.RunCycle(context.Background())
	var storeErr *models.StoreError
	require.ErrorAs(t, err, &storeErr)
	require.Empty(t, f.mb.Calls())
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Cycles.WithLabelValues(metrics.CycleFailed)))
}

func TestRecordUpdateFailureIsContained(t *testing.T) {
	f := newFixture(t, false, models.PostRecord{ID: "r1", Title: "T"})
	f.store.updErr = errors.New("index read-only")

	rep, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)
	require.True(t, rep.Outcomes[publish.Microblog].Success)
}

func TestEnrichmentAppliedBeforePublish(t *testing.T) {
	f := newFixture(t, false, models.PostRecord{ID: "r1", URL: "https://example.com/a"})
	f.enrich.patch = models.Patch{Title: models.Ptr("Fetched"), Images: []string{"https://img/lead.jpg"}}

	rep, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)
	require.True(t, rep.Enriched)
	require.Equal(t, "new_images", rep.Strategy)
	require.Equal(t, 1, f.enrich.calls)

	got := f.store.get("r1")
	require.Equal(t, "Fetched", got.Title)
	require.Equal(t, []string{"https://img/lead.jpg"}, got.Images)
	require.True(t, got.IsPosted)
}

func TestEnrichmentFailureIsSwallowed(t *testing.T) {
	f := newFixture(t, false, models.PostRecord{ID: "r1", Title: "Mine", URL: "https://example.com/a"})
	f.enrich.err = errors.New("timeout")

	rep, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)
	require.False(t, rep.Enriched)
	require.Equal(t, "Mine", f.store.get("r1").Title)
	require.True(t, f.store.get("r1").IsPosted)
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Enrichments.WithLabelValues("failure")))
}

func TestCancelledContextAfterScanStillCompletes(t *testing.T) {
	f := newFixture(t, false, models.PostRecord{ID: "r1", Title: "T"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.orch.RunCycle(ctx)
	require.NoError(t, err)
	require.True(t, f.store.get("r1").IsPosted)
}
