package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/DeafMist/post-relay/internal/caption"
	"github.com/DeafMist/post-relay/internal/config"
	"github.com/DeafMist/post-relay/internal/elasticsearch"
	"github.com/DeafMist/post-relay/internal/enrich"
	"github.com/DeafMist/post-relay/internal/events"
	"github.com/DeafMist/post-relay/internal/logger"
	"github.com/DeafMist/post-relay/internal/metrics"
	"github.com/DeafMist/post-relay/internal/platform"
	"github.com/DeafMist/post-relay/internal/platform/feedpage"
	"github.com/DeafMist/post-relay/internal/platform/microblog"
	"github.com/DeafMist/post-relay/internal/publish"
	"github.com/DeafMist/post-relay/internal/schedule"
)

func main() {
	log := logger.New("scheduler")
	if err := config.LoadDotenv(); err != nil {
		log.Warn("load .env", slog.Any("err", err))
	}
	cfg, err := config.LoadScheduler()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	esClient, err := elasticsearch.New(cfg.ElasticsearchAddr, cfg.ElasticsearchIndex, log)
	if err != nil {
		log.Error("init elasticsearch", slog.Any("err", err))
		os.Exit(1)
	}
	if err := esClient.WaitReady(ctx, 10, 2*time.Second, 30*time.Second); err != nil {
		log.Error("failed to connect to elasticsearch after retries", slog.Any("err", err))
		os.Exit(1)
	}
	if err := esClient.EnsureIndex(ctx); err != nil {
		log.Error("ensure index", slog.Any("err", err))
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sink, closeSink := newSink(cfg, log)
	defer closeSink()

	mb, fp := newPublishers(cfg, log)
	orch, err := publish.New(publish.Options{
		Store:    esClient,
		Enricher: enrich.New(cfg.MetadataTimeout, log),
		Captions: caption.Builder{TagLine: caption.Counter{
			Since:    cfg.TagLine.Since,
			Template: cfg.TagLine.Template,
			Hashtags: cfg.TagLine.Hashtags,
		}},
		Microblog:      mb,
		FeedPage:       fp,
		Sink:           sink,
		Metrics:        metrics.New(registry),
		ReshareEnabled: cfg.ReshareEnabled,
		ScanLimit:      cfg.ScanLimit,
		ResetLimit:     cfg.ResetLimit,
		Log:            log,
	})
	if err != nil {
		log.Error("init orchestrator", slog.Any("err", err))
		os.Exit(1)
	}

	sched, err := schedule.New(orch, cfg.CycleSpec, cfg.ResetSpec, log)
	if err != nil {
		log.Error("init scheduler", slog.Any("err", err))
		os.Exit(1)
	}
	sched.Start(ctx)

	srv := &server{log: log, cycles: sched, store: esClient, registry: registry}
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      2 * time.Minute,
	}

	go func() {
		log.Info("scheduler server starting",
			slog.String("addr", cfg.BindAddr),
			slog.String("cycle_spec", cfg.CycleSpec),
			slog.String("reset_spec", cfg.ResetSpec),
			slog.Bool("reshare", cfg.ReshareEnabled),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped", slog.Any("err", err))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sched.Stop(shutdownCtx); err != nil {
		log.Error("scheduler shutdown", slog.Any("err", err))
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", slog.Any("err", err))
	}
}

// newPublishers builds a guarded client per platform, or a disabled one when
// its credentials are missing.
func newPublishers(cfg *config.Scheduler, log *slog.Logger) (platform.Publisher, platform.Publisher) {
	guard := platform.GuardConfig{
		FailureThreshold: cfg.BreakerMinRequests,
		Cooldown:         cfg.BreakerCooldown,
		Timeout:          cfg.PlatformTimeout,
	}

	var mb platform.Publisher = platform.Disabled{}
	if cfg.Microblog.AccessToken != "" {
		client := microblog.New(cfg.Microblog.APIURL, cfg.Microblog.AccessToken, cfg.Microblog.UserID, cfg.Microblog.MaxLength,
			microblog.WithLogger(log),
			microblog.WithGrayscale(cfg.Microblog.Grayscale),
		)
		mb = platform.NewGuard(publish.Microblog, client, guard, log)
	} else {
		log.Warn("microblog publisher disabled, no access token")
	}

	var fp platform.Publisher = platform.Disabled{}
	if cfg.FeedPage.AccessToken != "" && cfg.FeedPage.PageID != "" {
		client := feedpage.New(cfg.FeedPage.APIURL, cfg.FeedPage.PageID, cfg.FeedPage.AccessToken, feedpage.WithLogger(log))
		fp = platform.NewGuard(publish.FeedPage, client, guard, log)
	} else {
		log.Warn("feed page publisher disabled, no page credentials")
	}
	return mb, fp
}

func newSink(cfg *config.Scheduler, log *slog.Logger) (events.Sink, func()) {
	if len(cfg.KafkaBrokers) == 0 {
		return events.LogSink{Log: log}, func() {}
	}
	sink := events.NewKafkaSink(cfg.KafkaBrokers, cfg.OutcomeTopic, log)
	log.Info("cycle events enabled", slog.String("topic", cfg.OutcomeTopic))
	return sink, func() {
		if err := sink.Close(); err != nil {
			log.Error("close event writer", slog.Any("err", err))
		}
	}
}
