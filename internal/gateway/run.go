package gateway

import (
	"context"
	"time"

	"github.com/user/crmrelay/internal/types"
)

// RunStatus represents the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run tracks a single processing of an inbound event against a session.
type Run struct {
	ID        types.RunID
	Key       types.SessionKey
	Event     types.Event
	Status    RunStatus
	CreatedAt time.Time
	Ctx       context.Context
	Error     error
	OnFail    func(event types.Event, err error)
}

// NewRun creates a Run in the Queued state for the given event.
func NewRun(event types.Event) *Run {
	return &Run{
		ID:        types.NewRunID(),
		Key:       event.SessionKey(),
		Event:     event,
		Status:    RunStatusQueued,
		CreatedAt: time.Now(),
	}
}
