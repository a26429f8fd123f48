// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Warmer re-fetches the CRM metadata caches (object schemas, deal stages,
// workspace members) so the first classification after a quiet period does
// not pay the fetch latency.
type Warmer interface {
	WarmCaches(ctx context.Context) error
}

// Scheduler periodically re-warms the CRM caches on a cron schedule.
type Scheduler struct {
	warmer   Warmer
	schedule string
	cron     *cron.Cron
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a Scheduler that runs the warmer on the given cron schedule.
func New(warmer Warmer, schedule string) *Scheduler {
	return &Scheduler{
		warmer:   warmer,
		schedule: schedule,
		cron:     cron.New(cron.WithParser(cronParser)),
	}
}

// Start warms the caches once immediately, registers the cron entry, and
// starts the ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.warmer.WarmCaches(ctx); err != nil {
		// A cold start is a latency problem, not a correctness one.
		slog.Warn("initial cache warm failed", "error", err)
	}

	_, err := s.cron.AddFunc(s.schedule, func() {
		if err := s.warmer.WarmCaches(ctx); err != nil {
			slog.Error("cache warm failed", "schedule", s.schedule, "error", err)
			return
		}
		slog.Info("caches warmed", "schedule", s.schedule)
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	return nil
}

// Stop stops the cron ticker.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
