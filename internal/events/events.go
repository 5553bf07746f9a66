// Package events emits one message per publish cycle so downstream consumers
// can audit what was posted where.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/DeafMist/post-relay/internal/logger"
	"github.com/DeafMist/post-relay/internal/models"
)

// CycleEvent describes the outcome of one publish cycle.
type CycleEvent struct {
	CycleID   string                           `json:"cycleId"`
	RecordID  string                           `json:"recordId,omitempty"`
	Strategy  string                           `json:"strategy,omitempty"`
	Outcomes  map[string]models.PublishOutcome `json:"outcomes,omitempty"`
	Exhausted bool                             `json:"exhausted"`
	Reset     int                              `json:"reset,omitempty"`
	At        time.Time                        `json:"at"`
}

// Sink receives cycle events. Emit failures are never fatal to a cycle.
type Sink interface {
	Emit(ctx context.Context, ev CycleEvent) error
}

// LogSink writes events to the structured log. Used when no broker is configured.
type LogSink struct {
	Log *slog.Logger
}

func (s LogSink) Emit(_ context.Context, ev CycleEvent) error {
	log := logger.OrDiscard(s.Log)
	attrs := []any{
		slog.String("cycle_id", ev.CycleID),
		slog.Bool("exhausted", ev.Exhausted),
	}
	if ev.RecordID != "" {
		attrs = append(attrs, slog.String("record_id", ev.RecordID), slog.String("strategy", ev.Strategy))
	}
	for name, out := range ev.Outcomes {
		attrs = append(attrs, slog.Group(name,
			slog.Bool("success", out.Success),
			slog.String("external_id", out.ExternalID),
			slog.String("error", out.Error),
		))
	}
	log.Info("cycle event", attrs...)
	return nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON keyed by record id.
type KafkaSink struct {
	w           messageWriter
	log         *slog.Logger
	maxAttempts int
	baseBackoff time.Duration
}

// NewKafkaSink returns a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string, log *slog.Logger) *KafkaSink {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		MaxAttempts:            3,
		AllowAutoTopicCreation: true,
	}
	return newKafkaSink(w, log, 3, time.Second)
}

func newKafkaSink(w messageWriter, log *slog.Logger, attempts int, backoff time.Duration) *KafkaSink {
	return &KafkaSink{w: w, log: logger.OrDiscard(log), maxAttempts: attempts, baseBackoff: backoff}
}

// Emit writes ev, retrying with exponential backoff.
func (s *KafkaSink) Emit(ctx context.Context, ev CycleEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal cycle event: %w", err)
	}
	key := ev.RecordID
	if key == "" {
		key = ev.CycleID
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "cycle_id", Value: []byte(ev.CycleID)},
		},
	}

	var lastErr error
	for attempt := range s.maxAttempts {
		if lastErr = s.w.WriteMessages(ctx, msg); lastErr == nil {
			return nil
		}
		if attempt == s.maxAttempts-1 {
			break
		}
		backoff := time.Duration(1<<uint(attempt)) * s.baseBackoff
		s.log.Warn("event write failed, retrying",
			slog.Any("err", lastErr),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("write cycle event: %w", lastErr)
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.w.Close()
}
