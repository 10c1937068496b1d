// Package scheduler provides cron-backed background job scheduling.
//
// The trigger engine registers its polling sweeps here; deployments can add
// additional cron-expression jobs (cleanup, digests) through the same API.
package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler wraps a cron runner. Panicking jobs are recovered and logged so
// one bad sweep never kills the process.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a scheduler using the standard 5-field
// cron syntax (minute, hour, day-of-month, month, day-of-week).
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task on a cron expression.
func (s *Scheduler) AddJob(expr string, task func()) error {
	if _, err := s.cron.AddFunc(expr, task); err != nil {
		return fmt.Errorf("failed to schedule job %q: %w", expr, err)
	}
	return nil
}

// AddEvery schedules a task on a fixed interval. Sub-second intervals are
// rounded up to one second, the cron runner's resolution.
func (s *Scheduler) AddEvery(interval time.Duration, task func()) {
	if interval < time.Second {
		interval = time.Second
	}
	s.cron.Schedule(cron.Every(interval), cron.FuncJob(task))
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
