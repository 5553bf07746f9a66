package platform

import (
	"context"
	"log/slog"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"github.com/DeafMist/post-relay/internal/logger"
	"github.com/DeafMist/post-relay/internal/models"
)

// GuardConfig tunes the circuit breaker and call timeout around a platform.
type GuardConfig struct {
	// FailureThreshold is how many failed calls in a row open the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a trial call.
	Cooldown time.Duration
	// Timeout bounds every call; zero leaves calls unbounded.
	Timeout time.Duration
}

// Guard decorates a Publisher with a per-call timeout and a circuit breaker,
// so a platform that keeps failing is skipped fast instead of stalling cycles.
type Guard struct {
	name    string
	next    Publisher
	cb      circuitbreaker.CircuitBreaker[models.PublishOutcome]
	timeout time.Duration
}

// NewGuard wraps next. name labels log lines.
func NewGuard(name string, next Publisher, cfg GuardConfig, log *slog.Logger) *Guard {
	log = logger.OrDiscard(log)
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Minute
	}
	threshold := uint(cfg.FailureThreshold)

	cb := circuitbreaker.NewBuilder[models.PublishOutcome]().
		WithFailureThresholdRatio(threshold, threshold).
		WithDelay(cfg.Cooldown).
		WithSuccessThreshold(1).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			log.Warn("platform circuit state change",
				slog.String("platform", name),
				slog.String("from", stateName(event.OldState)),
				slog.String("to", stateName(event.NewState)),
			)
		}).
		Build()

	return &Guard{name: name, next: next, cb: cb, timeout: cfg.Timeout}
}

// Name returns the platform label.
func (g *Guard) Name() string { return g.name }

// IsOpen reports whether calls are currently being rejected.
func (g *Guard) IsOpen() bool { return g.cb.IsOpen() }

func (g *Guard) PublishText(ctx context.Context, caption string) (models.PublishOutcome, error) {
	return g.run(ctx, func(ctx context.Context) (models.PublishOutcome, error) {
		return g.next.PublishText(ctx, caption)
	})
}

func (g *Guard) PublishWithImages(ctx context.Context, caption string, images []string) (models.PublishOutcome, error) {
	return g.run(ctx, func(ctx context.Context) (models.PublishOutcome, error) {
		return g.next.PublishWithImages(ctx, caption, images)
	})
}

func (g *Guard) PublishVideo(ctx context.Context, caption, videoLocation string) (models.PublishOutcome, error) {
	return g.run(ctx, func(ctx context.Context) (models.PublishOutcome, error) {
		return g.next.PublishVideo(ctx, caption, videoLocation)
	})
}

func (g *Guard) Reshare(ctx context.Context, existingID string) (models.PublishOutcome, error) {
	return g.run(ctx, func(ctx context.Context) (models.PublishOutcome, error) {
		return g.next.Reshare(ctx, existingID)
	})
}

func (g *Guard) run(ctx context.Context, fn func(context.Context) (models.PublishOutcome, error)) (models.PublishOutcome, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	return failsafe.With[models.PublishOutcome](g.cb).WithContext(ctx).Get(func() (models.PublishOutcome, error) {
		return fn(ctx)
	})
}

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.ClosedState:
		return "closed"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	case circuitbreaker.OpenState:
		return "open"
	default:
		return "unknown"
	}
}
