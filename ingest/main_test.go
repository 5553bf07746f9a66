package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/post-relay/internal/ingest"
)

type stubSyncer struct {
	stats ingest.Stats
	err   error
}

func (s stubSyncer) Run(context.Context) (ingest.Stats, error) { return s.stats, s.err }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRunOnceSuccess(t *testing.T) {
	require.NoError(t, runOnce(context.Background(), discard(), stubSyncer{stats: ingest.Stats{Upserted: 3}}))
}

func TestRunOncePartialFailureIsNotFatal(t *testing.T) {
	require.NoError(t, runOnce(context.Background(), discard(), stubSyncer{stats: ingest.Stats{Upserted: 2, Failed: 1}}))
}

func TestRunOnceError(t *testing.T) {
	err := runOnce(context.Background(), discard(), stubSyncer{err: ingest.ErrNoSources})
	require.ErrorIs(t, err, ingest.ErrNoSources)

	err = runOnce(context.Background(), discard(), stubSyncer{err: context.Canceled})
	require.True(t, errors.Is(err, context.Canceled))
}
