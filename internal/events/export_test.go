package events

import (
	"log/slog"
	"time"
)

// NewKafkaSinkWithWriter exposes the writer seam to external tests.
func NewKafkaSinkWithWriter(w messageWriter, log *slog.Logger, attempts int, backoff time.Duration) *KafkaSink {
	return newKafkaSink(w, log, attempts, backoff)
}
