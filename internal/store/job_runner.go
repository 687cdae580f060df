// Package store provides the JobRunner for executing durable jobs.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// JobHandler is a function that executes a job's work. It receives the job's
// payload JSON and returns an error if the execution failed.
type JobHandler func(ctx context.Context, payload string) error

// JobRunner periodically claims due jobs from the database and dispatches
// them to registered handlers. Jobs run on a bounded worker pool so the
// number of in-flight pipeline executions never exceeds maxConcurrent,
// keeping downstream provider rate limits respected.
type JobRunner struct {
	repo           JobRepo
	handlers       map[string]JobHandler
	mu             sync.RWMutex
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	sem            chan struct{}
	wg             sync.WaitGroup
}

// NewJobRunner creates a new JobRunner with the given poll interval and
// maximum concurrent job executions.
func NewJobRunner(repo JobRepo, pollInterval time.Duration, maxConcurrent int) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &JobRunner{
		repo:           repo,
		handlers:       make(map[string]JobHandler),
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     maxConcurrent * 2,
		sem:            make(chan struct{}, maxConcurrent),
	}
}

// RegisterHandler registers a handler for a given job kind.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	slog.Debug("JobRunner.RegisterHandler", "kind", kind)
}

// RecoverStaleJobs requeues jobs that were running when the process crashed.
// Should be called once at startup.
func (r *JobRunner) RecoverStaleJobs() error {
	staleBefore := time.Now().Add(-r.staleThreshold)
	n, err := r.repo.RequeueStaleRunningJobs(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled,
// then waits for in-flight jobs to finish.
func (r *JobRunner) Run(ctx context.Context) {
	slog.Info("JobRunner.Run: starting job runner", "pollInterval", r.pollInterval, "maxConcurrent", cap(r.sem))

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopping, draining in-flight jobs")
			r.wg.Wait()
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

func (r *JobRunner) poll(ctx context.Context) {
	now := time.Now()
	jobs, err := r.repo.ClaimDueJobs(now, r.claimLimit)
	if err != nil {
		slog.Error("JobRunner.poll: claim failed", "error", err)
		return
	}

	for _, job := range jobs {
		r.mu.RLock()
		handler, ok := r.handlers[job.Kind]
		r.mu.RUnlock()

		if !ok {
			slog.Warn("JobRunner.poll: no handler for job kind", "kind", job.Kind, "id", job.ID)
			nextRun := now.Add(time.Minute)
			if err := r.repo.FailJob(job.ID, "no handler registered for kind: "+job.Kind, nextRun); err != nil {
				slog.Error("JobRunner.poll: fail job error", "id", job.ID, "error", err)
			}
			continue
		}

		select {
		case r.sem <- struct{}{}:
		case <-ctx.Done():
			// Claimed but unstarted jobs return via stale-job recovery.
			return
		}

		r.wg.Add(1)
		go func(job Job) {
			defer r.wg.Done()
			defer func() { <-r.sem }()
			r.execute(ctx, job, handler)
		}(job)
	}
}

func (r *JobRunner) execute(ctx context.Context, job Job, handler JobHandler) {
	// A panicking handler must fail the job, not the process; an unrecovered
	// panic would leave the job running and crash-loop on the same payload
	// after stale-job recovery.
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("JobRunner.execute: job panicked", "id", job.ID, "kind", job.Kind, "panic", rec)
			if err := r.repo.FailJob(job.ID, fmt.Sprintf("panic: %v", rec), time.Now().Add(r.backoff(job.Attempt))); err != nil {
				slog.Error("JobRunner.execute: fail job error", "id", job.ID, "error", err)
			}
		}
	}()

	slog.Debug("JobRunner.execute: executing job", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt)
	if err := handler(ctx, job.PayloadJSON); err != nil {
		slog.Error("JobRunner.execute: job execution failed", "id", job.ID, "kind", job.Kind, "error", err)
		if err := r.repo.FailJob(job.ID, err.Error(), time.Now().Add(r.backoff(job.Attempt))); err != nil {
			slog.Error("JobRunner.execute: fail job error", "id", job.ID, "error", err)
		}
		return
	}
	if err := r.repo.CompleteJob(job.ID); err != nil {
		slog.Error("JobRunner.execute: complete job error", "id", job.ID, "error", err)
	}
	slog.Debug("JobRunner.execute: job completed", "id", job.ID, "kind", job.Kind)
}

// backoff returns the retry delay for a failed attempt: 30s, 60s, 120s, ...
func (r *JobRunner) backoff(attempt int) time.Duration {
	return time.Duration(30*(1<<attempt)) * time.Second
}
