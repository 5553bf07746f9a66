// Package publish runs publish cycles: pick one unposted record, enrich it,
// choose a strategy, publish to both platforms and record the outcome.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DeafMist/post-relay/internal/events"
	"github.com/DeafMist/post-relay/internal/logger"
	"github.com/DeafMist/post-relay/internal/metrics"
	"github.com/DeafMist/post-relay/internal/models"
	"github.com/DeafMist/post-relay/internal/platform"
	"github.com/DeafMist/post-relay/internal/strategy"
)

// Platform names used in reports, logs and metrics.
const (
	Microblog = "microblog"
	FeedPage  = "feedpage"
)

// Store is the record store surface a cycle needs.
type Store interface {
	ScanUnposted(ctx context.Context, limit int) ([]models.PostRecord, error)
	ScanPosted(ctx context.Context, limit int) ([]models.PostRecord, error)
	Update(ctx context.Context, id string, patch models.Patch) error
	BatchUpdate(ctx context.Context, ids []string, patch models.Patch) (int, error)
}

// Enricher derives missing fields from a record's url.
type Enricher interface {
	Enrich(ctx context.Context, rec models.PostRecord) (models.Patch, error)
}

// Captioner turns a record into the caption shared by both platforms.
type Captioner interface {
	Build(rec models.PostRecord) string
}

// Options wires an Orchestrator. Store and Captions are required; nil
// publishers are treated as disabled and a nil Enricher skips enrichment.
type Options struct {
	Store          Store
	Enricher       Enricher
	Captions       Captioner
	Microblog      platform.Publisher
	FeedPage       platform.Publisher
	Sink           events.Sink
	Metrics        *metrics.Metrics
	ReshareEnabled bool
	ScanLimit      int
	ResetLimit     int
	Rand           *rand.Rand
	Now            func() time.Time
	Log            *slog.Logger
}

// Orchestrator runs cycles. At most one cycle is expected in flight.
type Orchestrator struct {
	store      Store
	enricher   Enricher
	captions   Captioner
	microblog  platform.Publisher
	feedPage   platform.Publisher
	sink       events.Sink
	metrics    *metrics.Metrics
	reshare    bool
	scanLimit  int
	resetLimit int
	intn       func(int) int
	now        func() time.Time
	log        *slog.Logger
}

// New validates opts and fills defaults.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("publish: store is required")
	}
	if opts.Captions == nil {
		return nil, errors.New("publish: caption builder is required")
	}

	o := &Orchestrator{
		store:      opts.Store,
		enricher:   opts.Enricher,
		captions:   opts.Captions,
		microblog:  opts.Microblog,
		feedPage:   opts.FeedPage,
		sink:       opts.Sink,
		metrics:    opts.Metrics,
		reshare:    opts.ReshareEnabled,
		scanLimit:  opts.ScanLimit,
		resetLimit: opts.ResetLimit,
		intn:       rand.IntN,
		now:        opts.Now,
		log:        logger.OrDiscard(opts.Log),
	}
	if o.microblog == nil {
		o.microblog = platform.Disabled{}
	}
	if o.feedPage == nil {
		o.feedPage = platform.Disabled{}
	}
	if o.metrics == nil {
		o.metrics = metrics.New(nil)
	}
	if o.scanLimit <= 0 {
		o.scanLimit = 50
	}
	if o.resetLimit <= 0 {
		o.resetLimit = 10000
	}
	if opts.Rand != nil {
		o.intn = opts.Rand.IntN
	}
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}
	return o, nil
}

// RunCycle runs one full cycle. Only a failed candidate scan is returned as
// an error; platform, enrichment and recording failures are logged and
// reflected in the report.
func (o *Orchestrator) RunCycle(ctx context.Context) (Report, error) {
	started := time.Now()
	rep := Report{CycleID: uuid.NewString()}
	log := o.log.With(slog.String("cycle_id", rep.CycleID))
	defer func() { o.metrics.CycleDuration.Observe(time.Since(started).Seconds()) }()

	scanned, err := o.store.ScanUnposted(ctx, o.scanLimit)
	if err != nil {
		log.Error("scan candidates", slog.Any("err", err))
		o.metrics.Cycles.WithLabelValues(metrics.CycleFailed).Inc()
		return rep, fmt.Errorf("select candidate: %w", err)
	}

	// A started cycle runs to completion even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	candidates := unposted(scanned)
	if len(candidates) == 0 {
		rep.Exhausted = true
		log.Info("no unposted records, resetting pool")
		n, err := o.ResetPool(ctx)
		rep.Reset = n
		if err != nil {
			log.Error("reset pool", slog.Any("err", err), slog.Int("reset", n))
			o.metrics.Cycles.WithLabelValues(metrics.CycleFailed).Inc()
		} else {
			o.metrics.Cycles.WithLabelValues(metrics.CycleExhausted).Inc()
		}
		o.emit(ctx, log, rep)
		return rep, nil
	}

	rec := candidates[o.intn(len(candidates))]
	rep.RecordID = rec.ID
	log = log.With(slog.String("record_id", rec.ID))

	rec, rep.Enriched = o.enrich(ctx, log, rec)

	strat := strategy.Select(rec, o.reshare)
	rep.Strategy = strat.String()
	log = log.With(slog.String("strategy", rep.Strategy))

	results := o.dispatch(ctx, strat, rec)
	rep.Outcomes = make(map[string]models.PublishOutcome, len(results))
	for name, res := range results {
		rep.Outcomes[name] = res.Outcome
		o.observe(log, name, strat, res)
	}

	o.record(ctx, log, rec, strat, results)

	o.metrics.Cycles.WithLabelValues(metrics.CyclePublished).Inc()
	log.Info("cycle complete",
		slog.Bool("enriched", rep.Enriched),
		slog.Bool(Microblog, results[Microblog].OK()),
		slog.Bool(FeedPage, results[FeedPage].OK()),
	)
	o.emit(ctx, log, rep)
	return rep, nil
}

// ResetPool returns every posted record to the unposted pool. Only isPosted
// and updatedAt change; content and platform ids are left as they are.
func (o *Orchestrator) ResetPool(ctx context.Context) (int, error) {
	now := o.now()
	patch := models.Patch{IsPosted: models.Ptr(false), UpdatedAt: &now}

	total := 0
	seen := make(map[string]struct{})
	for {
		posted, err := o.store.ScanPosted(ctx, o.resetLimit)
		if err != nil {
			return total, fmt.Errorf("scan posted: %w", err)
		}

		ids := make([]string, 0, len(posted))
		for _, r := range posted {
			if _, ok := seen[r.ID]; ok || !r.IsPosted {
				continue
			}
			seen[r.ID] = struct{}{}
			ids = append(ids, r.ID)
		}
		if len(ids) == 0 {
			break
		}

		n, err := o.store.BatchUpdate(ctx, ids, patch)
		total += n
		if err != nil {
			o.metrics.RecordsReset.Add(float64(total))
			return total, fmt.Errorf("reset posted: %w", err)
		}
		if len(posted) < o.resetLimit {
			break
		}
	}

	o.metrics.PoolResets.Inc()
	o.metrics.RecordsReset.Add(float64(total))
	o.log.Info("pool reset", slog.Int("records", total))
	return total, nil
}

func (o *Orchestrator) enrich(ctx context.Context, log *slog.Logger, rec models.PostRecord) (models.PostRecord, bool) {
	if o.enricher == nil || rec.URL == "" {
		return rec, false
	}

	patch, err := o.enricher.Enrich(ctx, rec)
	if err != nil {
		log.Warn("enrich record", slog.String("url", rec.URL), slog.Any("err", err))
		o.metrics.Enrichments.WithLabelValues(metrics.Result(false)).Inc()
		return rec, false
	}
	o.metrics.Enrichments.WithLabelValues(metrics.Result(true)).Inc()
	if patch.IsEmpty() {
		return rec, false
	}

	if err := o.store.Update(ctx, rec.ID, patch); err != nil {
		log.Error("store enrichment", slog.Any("err", err))
	}
	return patch.Apply(rec), true
}

func (o *Orchestrator) dispatch(ctx context.Context, strat strategy.Strategy, rec models.PostRecord) map[string]platform.Result {
	switch {
	case strat == strategy.VideoPublish:
		caption := o.captions.Build(rec)
		return map[string]platform.Result{
			Microblog: platform.Skipped(),
			FeedPage: platform.Call(func() (models.PublishOutcome, error) {
				return o.feedPage.PublishVideo(ctx, caption, rec.VideoURL)
			}),
		}

	case strat == strategy.Reshare:
		return map[string]platform.Result{
			Microblog: reshare(ctx, o.microblog, rec.MicroblogID),
			FeedPage:  reshare(ctx, o.feedPage, rec.FeedPageID),
		}

	case strat.IsNew():
		caption := o.captions.Build(rec)
		publish := func(p platform.Publisher) platform.Result {
			return platform.Call(func() (models.PublishOutcome, error) {
				if strat == strategy.NewWithImages {
					return p.PublishWithImages(ctx, caption, rec.Images)
				}
				return p.PublishText(ctx, caption)
			})
		}

		var (
			wg     sync.WaitGroup
			mb, fp platform.Result
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			mb = publish(o.microblog)
		}()
		go func() {
			defer wg.Done()
			fp = publish(o.feedPage)
		}()
		wg.Wait()
		return map[string]platform.Result{Microblog: mb, FeedPage: fp}

	default:
		return map[string]platform.Result{Microblog: platform.Skipped(), FeedPage: platform.Skipped()}
	}
}

func reshare(ctx context.Context, p platform.Publisher, existingID string) platform.Result {
	if existingID == "" {
		return platform.Skipped()
	}
	return platform.Call(func() (models.PublishOutcome, error) {
		return p.Reshare(ctx, existingID)
	})
}

func (o *Orchestrator) observe(log *slog.Logger, name string, strat strategy.Strategy, res platform.Result) {
	switch {
	case errors.Is(res.Err, models.ErrPlatformSkipped):
		o.metrics.Publishes.WithLabelValues(name, strat.String(), "skipped").Inc()
	case res.OK():
		o.metrics.Publishes.WithLabelValues(name, strat.String(), metrics.Result(true)).Inc()
		log.Debug("published", slog.String("platform", name), slog.String("external_id", res.Outcome.ExternalID))
	default:
		o.metrics.Publishes.WithLabelValues(name, strat.String(), metrics.Result(false)).Inc()
		log.Warn("publish failed", slog.String("platform", name), slog.Any("err", res.Err), slog.String("error", res.Outcome.Error))
	}
}

// record marks rec posted whatever the platform results were. Platform ids
// are written for any publish that created content and produced one; a
// reshare never touches them.
func (o *Orchestrator) record(ctx context.Context, log *slog.Logger, rec models.PostRecord, strat strategy.Strategy, results map[string]platform.Result) models.PostRecord {
	now := o.now()
	patch := models.Patch{
		IsPosted:  models.Ptr(true),
		PostedAt:  &now,
		UpdatedAt: &now,
	}
	if strat != strategy.Reshare {
		if res := results[Microblog]; res.OK() {
			patch.MicroblogID = models.Ptr(res.Outcome.ExternalID)
		}
		if res := results[FeedPage]; res.OK() {
			patch.FeedPageID = models.Ptr(res.Outcome.ExternalID)
		}
	}

	if err := o.store.Update(ctx, rec.ID, patch); err != nil {
		log.Error("record publish", slog.Any("err", err))
	}
	return patch.Apply(rec)
}

func (o *Orchestrator) emit(ctx context.Context, log *slog.Logger, rep Report) {
	if o.sink == nil {
		return
	}
	if err := o.sink.Emit(ctx, rep.Event(o.now())); err != nil {
		log.Warn("emit cycle event", slog.Any("err", err))
	}
}

func unposted(recs []models.PostRecord) []models.PostRecord {
	out := make([]models.PostRecord, 0, len(recs))
	for _, r := range recs {
		if !r.IsPosted {
			out = append(out, r)
		}
	}
	return out
}
