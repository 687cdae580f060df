// Package scheduler provides cron-based scheduling for Citabot's periodic
// maintenance tasks.
package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// HourlyExpr fires at the top of every hour.
const HourlyExpr = "0 * * * *"

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler in the given timezone so
// schedule expressions line up with business hours. A nil location uses the
// host's local time.
func NewScheduler(loc *time.Location) *Scheduler {
	// Standard 5-field cron parser (min, hour, dom, month, dow) with panic recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	opts := []cron.Option{cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger))}
	if loc != nil {
		opts = append(opts, cron.WithLocation(loc))
	}
	c := cron.New(opts...)
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
