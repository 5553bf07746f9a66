package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/DeafMist/post-relay/internal/config"
	"github.com/DeafMist/post-relay/internal/dedupe"
	"github.com/DeafMist/post-relay/internal/elasticsearch"
	"github.com/DeafMist/post-relay/internal/ingest"
	"github.com/DeafMist/post-relay/internal/logger"
)

type syncRunner interface {
	Run(ctx context.Context) (ingest.Stats, error)
}

func main() {
	once := flag.Bool("once", false, "run a single sync and exit")
	flag.Parse()

	log := logger.New("ingest")
	if err := config.LoadDotenv(); err != nil {
		log.Warn("load .env", slog.Any("err", err))
	}
	cfg, err := config.LoadIngest()
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

	cache := dedupe.NewCache(cfg.DedupeCapacity, cfg.DedupeTTL)
	syncer := ingest.New(esClient, cfg.Sources, cache, cfg.FetchTimeout, log)

	if *once {
		if err := runOnce(ctx, log, syncer); err != nil {
			os.Exit(1)
		}
		return
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(cfg.Spec, func() { _ = runOnce(ctx, log, syncer) }); err != nil {
		log.Error("schedule sync", slog.Any("err", err))
		os.Exit(1)
	}
	c.Start()
	log.Info("ingest scheduled", slog.String("spec", cfg.Spec), slog.Int("sources", len(cfg.Sources)))

	<-ctx.Done()
	log.Info("shutdown signal received")
	done := c.Stop()
	select {
	case <-done.Done():
	case <-time.After(30 * time.Second):
		log.Warn("sync still running at shutdown")
	}
}

func runOnce(ctx context.Context, log *slog.Logger, s syncRunner) error {
	stats, err := s.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("sync canceled")
			return err
		}
		log.Error("sync failed", slog.Any("err", err), slog.Int("sources", stats.Sources))
		return err
	}
	if stats.Failed > 0 {
		log.Warn("sync finished with failures", slog.Int("failed", stats.Failed), slog.Int("upserted", stats.Upserted))
	}
	return nil
}
