// Package scheduler provides cron-based scheduling for the recurring jobs
// of the loan agent: the follow-up sweep, campaign starts and the retention
// purge.
package scheduler

import (
	"github.com/robfig/cron/v3"
)

// Default cron expressions for the recurring jobs.
const (
	// DefaultFollowUpSchedule runs the follow-up sweep every 15 minutes.
	DefaultFollowUpSchedule = "*/15 * * * *"
	// DefaultRetentionSchedule purges old interaction logs nightly.
	DefaultRetentionSchedule = "30 2 * * *"
)

// Scheduler wraps a cron runner with panic recovery.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler using the standard
// 5-field expression format.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression. It returns an
// error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
