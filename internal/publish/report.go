package publish

import (
	"maps"
	"time"

	"github.com/DeafMist/post-relay/internal/events"
	"github.com/DeafMist/post-relay/internal/models"
)

// Report summarizes one cycle.
type Report struct {
	CycleID   string                           `json:"cycleId"`
	RecordID  string                           `json:"recordId,omitempty"`
	Strategy  string                           `json:"strategy,omitempty"`
	Outcomes  map[string]models.PublishOutcome `json:"outcomes,omitempty"`
	Exhausted bool                             `json:"exhausted"`
	Reset     int                              `json:"reset,omitempty"`
	Enriched  bool                             `json:"enriched"`
}

// Event converts the report into an outcome event stamped at.
func (r Report) Event(at time.Time) events.CycleEvent {
	return events.CycleEvent{
		CycleID:   r.CycleID,
		RecordID:  r.RecordID,
		Strategy:  r.Strategy,
		Outcomes:  maps.Clone(r.Outcomes),
		Exhausted: r.Exhausted,
		Reset:     r.Reset,
		At:        at,
	}
}
