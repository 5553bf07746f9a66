// Package platform defines the publish contract every social platform client
// satisfies, plus helpers that keep one platform's failure from touching another.
package platform

import (
	"context"
	"errors"
	"fmt"

	"github.com/DeafMist/post-relay/internal/models"
)

// Publisher is the narrow contract the orchestrator needs from a platform.
type Publisher interface {
	PublishText(ctx context.Context, caption string) (models.PublishOutcome, error)
	PublishWithImages(ctx context.Context, caption string, images []string) (models.PublishOutcome, error)
	PublishVideo(ctx context.Context, caption, videoLocation string) (models.PublishOutcome, error)
	Reshare(ctx context.Context, existingID string) (models.PublishOutcome, error)
}

// ErrNotConfigured is returned by a platform that has no credentials.
var ErrNotConfigured = errors.New("platform not configured")

// ErrUnsupported is returned for operations a platform does not offer.
var ErrUnsupported = errors.New("operation not supported by platform")

// Result is the outcome of one platform call or the error it failed with.
type Result struct {
	Outcome models.PublishOutcome
	Err     error
}

// OK reports whether the call succeeded and produced an external id.
func (r Result) OK() bool {
	return r.Err == nil && r.Outcome.Success && r.Outcome.ExternalID != ""
}

// Skipped is the result for a platform that was not called.
func Skipped() Result {
	return Result{Err: models.ErrPlatformSkipped, Outcome: models.PublishOutcome{Error: models.ErrPlatformSkipped.Error()}}
}

// Call runs fn and folds its return values, or a panic, into a Result.
func Call(fn func() (models.PublishOutcome, error)) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("platform panic: %v", r)
			res = Result{Err: err, Outcome: models.PublishOutcome{Error: err.Error()}}
		}
	}()

	out, err := fn()
	if err != nil {
		return Result{Err: err, Outcome: models.PublishOutcome{Error: err.Error()}}
	}
	out.Success = true
	out.Error = ""
	return Result{Outcome: out}
}

// Disabled is a Publisher for a platform without credentials; every call fails.
type Disabled struct{}

func (Disabled) PublishText(context.Context, string) (models.PublishOutcome, error) {
	return models.PublishOutcome{}, ErrNotConfigured
}

func (Disabled) PublishWithImages(context.Context, string, []string) (models.PublishOutcome, error) {
	return models.PublishOutcome{}, ErrNotConfigured
}

func (Disabled) PublishVideo(context.Context, string, string) (models.PublishOutcome, error) {
	return models.PublishOutcome{}, ErrNotConfigured
}

func (Disabled) Reshare(context.Context, string) (models.PublishOutcome, error) {
	return models.PublishOutcome{}, ErrNotConfigured
}
