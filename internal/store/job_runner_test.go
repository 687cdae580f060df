package store

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestExecuteRecoversHandlerPanic(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()

	id, err := st.EnqueueJob("conversation_turn", now.Add(-time.Minute), `{}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	jobs, err := st.ClaimDueJobs(now, 1)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("ClaimDueJobs failed: jobs=%d err=%v", len(jobs), err)
	}

	runner := NewJobRunner(st, time.Second, 1)
	runner.execute(context.Background(), jobs[0], func(ctx context.Context, payload string) error {
		panic("poison payload")
	})

	// The panic must be absorbed and the job scheduled for retry, not left
	// running for stale recovery to replay forever.
	job, err := st.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != JobStatusQueued {
		t.Errorf("expected panicked job requeued, got %s", job.Status)
	}
	if job.Attempt != 1 {
		t.Errorf("expected attempt recorded, got %d", job.Attempt)
	}
	if !strings.Contains(job.LastError, "panic") || !strings.Contains(job.LastError, "poison payload") {
		t.Errorf("expected panic recorded in last error, got %q", job.LastError)
	}
}

func TestExecuteCompletesSuccessfulJob(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()

	id, err := st.EnqueueJob("conversation_turn", now.Add(-time.Minute), `{"n":1}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	jobs, err := st.ClaimDueJobs(now, 1)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("ClaimDueJobs failed: jobs=%d err=%v", len(jobs), err)
	}

	var got string
	runner := NewJobRunner(st, time.Second, 1)
	runner.execute(context.Background(), jobs[0], func(ctx context.Context, payload string) error {
		got = payload
		return nil
	})

	if got != `{"n":1}` {
		t.Errorf("expected handler to receive payload, got %q", got)
	}
	job, err := st.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != JobStatusDone {
		t.Errorf("expected done, got %s", job.Status)
	}
}
