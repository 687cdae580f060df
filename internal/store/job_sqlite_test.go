package store

import (
	"testing"
	"time"
)

func TestEnqueueJobDedupe(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()

	id1, err := st.EnqueueJob("conversation_turn", now, `{"n":1}`, "evt-1")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	id2, err := st.EnqueueJob("conversation_turn", now, `{"n":2}`, "evt-1")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("expected dedupe to return existing job ID, got %s and %s", id1, id2)
	}

	// Terminal jobs still dedupe: a replayed event never runs twice.
	if err := st.CompleteJob(id1); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}
	id3, err := st.EnqueueJob("conversation_turn", now, `{"n":3}`, "evt-1")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	if id3 != id1 {
		t.Errorf("expected dedupe against done job, got new ID %s", id3)
	}

	job, err := st.GetJob(id1)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.PayloadJSON != `{"n":1}` {
		t.Errorf("expected original payload preserved, got %s", job.PayloadJSON)
	}
}

func TestClaimDueJobs(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()

	dueID, err := st.EnqueueJob("conversation_turn", now.Add(-time.Minute), `{}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	if _, err := st.EnqueueJob("conversation_turn", now.Add(time.Hour), `{}`, ""); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	jobs, err := st.ClaimDueJobs(now, 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != dueID {
		t.Fatalf("expected only the due job, got %d jobs", len(jobs))
	}
	if jobs[0].Status != JobStatusRunning {
		t.Errorf("expected claimed job running, got %s", jobs[0].Status)
	}

	// A claimed job is not claimable again.
	jobs, err = st.ClaimDueJobs(now, 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("expected no claimable jobs, got %d", len(jobs))
	}
}

func TestFailJobRetriesThenFailsPermanently(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()

	id, err := st.EnqueueJob("conversation_turn", now, `{}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	// Attempts 1 and 2 requeue for retry.
	for attempt := 1; attempt < 3; attempt++ {
		if err := st.FailJob(id, "model timeout", now.Add(time.Minute)); err != nil {
			t.Fatalf("FailJob failed: %v", err)
		}
		job, err := st.GetJob(id)
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		if job.Status != JobStatusQueued {
			t.Fatalf("attempt %d: expected queued, got %s", attempt, job.Status)
		}
		if job.Attempt != attempt {
			t.Errorf("attempt %d: expected attempt counter %d, got %d", attempt, attempt, job.Attempt)
		}
		if job.LastError != "model timeout" {
			t.Errorf("expected last error recorded, got %q", job.LastError)
		}
	}

	// The third failure exhausts max attempts.
	if err := st.FailJob(id, "model timeout", now.Add(time.Minute)); err != nil {
		t.Fatalf("FailJob failed: %v", err)
	}
	job, err := st.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != JobStatusFailed {
		t.Errorf("expected failed after exhausting attempts, got %s", job.Status)
	}
}

func TestRequeueStaleRunningJobs(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()

	id, err := st.EnqueueJob("conversation_turn", now.Add(-time.Hour), `{}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	if _, err := st.ClaimDueJobs(now.Add(-30*time.Minute), 10); err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}

	n, err := st.RequeueStaleRunningJobs(now.Add(-10 * time.Minute))
	if err != nil {
		t.Fatalf("RequeueStaleRunningJobs failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 requeued job, got %d", n)
	}
	job, err := st.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != JobStatusQueued {
		t.Errorf("expected requeued job queued, got %s", job.Status)
	}
	if job.LockedAt != nil {
		t.Errorf("expected lock cleared, got %v", job.LockedAt)
	}
}

func TestCancelJob(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()

	id, err := st.EnqueueJob("conversation_turn", now.Add(time.Hour), `{}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	if err := st.CancelJob(id); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}
	job, err := st.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != JobStatusCanceled {
		t.Errorf("expected canceled, got %s", job.Status)
	}
}

func TestEnqueueOutboxMessageDedupe(t *testing.T) {
	st := newTestStore(t)

	id1, err := st.EnqueueOutboxMessage("5215551234567", OutboxKindReply, `{"to":"5215551234567","body":"hola"}`, "reply:evt-1")
	if err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}
	id2, err := st.EnqueueOutboxMessage("5215551234567", OutboxKindReply, `{"to":"5215551234567","body":"otra"}`, "reply:evt-1")
	if err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("expected dedupe to return existing message ID, got %s and %s", id1, id2)
	}
}

func TestOutboxClaimAndSend(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()

	id, err := st.EnqueueOutboxMessage("5215551234567", OutboxKindReply, `{"to":"5215551234567","body":"hola"}`, "")
	if err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}

	msgs, err := st.ClaimDueOutboxMessages(now, 10)
	if err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != id {
		t.Fatalf("expected the queued message, got %d messages", len(msgs))
	}
	if msgs[0].Status != OutboxStatusSending {
		t.Errorf("expected sending status, got %s", msgs[0].Status)
	}

	// Claimed messages are invisible to further claims.
	msgs, err = st.ClaimDueOutboxMessages(now, 10)
	if err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected no claimable messages, got %d", len(msgs))
	}

	if err := st.MarkOutboxMessageSent(id); err != nil {
		t.Fatalf("MarkOutboxMessageSent failed: %v", err)
	}
	msgs, err = st.ClaimDueOutboxMessages(now.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("sent message should not be reclaimed, got %d", len(msgs))
	}
}

func TestFailOutboxMessageSchedulesRetry(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()

	id, err := st.EnqueueOutboxMessage("5215551234567", OutboxKindReminder, `{"to":"5215551234567","body":"recordatorio"}`, "")
	if err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}
	if _, err := st.ClaimDueOutboxMessages(now, 10); err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}
	if err := st.FailOutboxMessage(id, "connection reset", now.Add(10*time.Second)); err != nil {
		t.Fatalf("FailOutboxMessage failed: %v", err)
	}

	// Not yet due for retry.
	msgs, err := st.ClaimDueOutboxMessages(now, 10)
	if err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected retry not yet due, got %d messages", len(msgs))
	}

	msgs, err = st.ClaimDueOutboxMessages(now.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected retry due, got %d messages", len(msgs))
	}
	if msgs[0].Attempts != 1 || msgs[0].LastError != "connection reset" {
		t.Errorf("expected failure recorded, got attempts=%d lastError=%q", msgs[0].Attempts, msgs[0].LastError)
	}
}

func TestRequeueStaleSendingMessages(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()

	id, err := st.EnqueueOutboxMessage("5215551234567", OutboxKindReply, `{}`, "")
	if err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}
	if _, err := st.ClaimDueOutboxMessages(now.Add(-30*time.Minute), 10); err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}

	n, err := st.RequeueStaleSendingMessages(now.Add(-10 * time.Minute))
	if err != nil {
		t.Fatalf("RequeueStaleSendingMessages failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 requeued message, got %d", n)
	}

	msgs, err := st.ClaimDueOutboxMessages(now, 10)
	if err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != id {
		t.Errorf("expected requeued message claimable, got %d messages", len(msgs))
	}
}

func TestRecordInboundDedupe(t *testing.T) {
	st := newTestStore(t)

	fresh, err := st.RecordInbound("wamid.1", "5215551234567")
	if err != nil {
		t.Fatalf("RecordInbound failed: %v", err)
	}
	if !fresh {
		t.Error("expected first record to be fresh")
	}

	fresh, err = st.RecordInbound("wamid.1", "5215551234567")
	if err != nil {
		t.Fatalf("RecordInbound failed: %v", err)
	}
	if fresh {
		t.Error("expected duplicate record to return false")
	}

	dup, err := st.IsDuplicate("wamid.1")
	if err != nil {
		t.Fatalf("IsDuplicate failed: %v", err)
	}
	if !dup {
		t.Error("expected IsDuplicate true for recorded event")
	}
	if err := st.MarkProcessed("wamid.1"); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}
}
