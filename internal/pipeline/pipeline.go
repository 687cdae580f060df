// Package pipeline implements the conversation turn pipeline: a sequence of
// checkpointed stages that take an inbound event to a persisted lead update
// and an outbound reply. Each stage is individually retryable; a stage
// failure resumes at that stage on the next attempt, never re-running work
// that already completed.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/citabot/citabot/internal/agent"
	"github.com/citabot/citabot/internal/models"
	"github.com/citabot/citabot/internal/sentiment"
	"github.com/citabot/citabot/internal/store"
	"github.com/citabot/citabot/internal/util"
)

// JobKindTurn is the durable job kind for conversation turns.
const JobKindTurn = "conversation_turn"

// Stage names, in execution order. The checkpoint records the last completed
// stage so a retry resumes at the first incomplete one.
const (
	StageResolveLead  = "resolve_lead"
	StageGenerate     = "generate"
	StageSend         = "send"
	StageTools        = "tools"
	StageUpdateStatus = "update_status"
	StageDone         = "done"
)

var stageOrder = []string{StageResolveLead, StageGenerate, StageSend, StageTools, StageUpdateStatus}

func stageIndex(stage string) int {
	if stage == StageDone {
		return len(stageOrder)
	}
	for i, s := range stageOrder {
		if s == stage {
			return i
		}
	}
	return -1
}

// Message rows written by the pipeline use IDs derived from the external
// message ID, so any replayed write lands on the existing row.
func inboundMessageID(eventID string) string { return "msg_in_" + eventID }

func replyMessageID(eventID string) string { return "msg_out_" + eventID }

// turnState is the per-event state carried across stages in the checkpoint,
// so a resumed turn sees exactly what the failed attempt had computed.
type turnState struct {
	LeadID   string          `json:"lead_id,omitempty"`
	AIPaused bool            `json:"ai_paused,omitempty"`
	Response *agent.Response `json:"response,omitempty"`
}

// Pipeline executes conversation turns.
type Pipeline struct {
	store    store.Store
	router   *agent.Router
	executor *Executor

	// now is swappable for tests.
	now func() time.Time
}

// NewPipeline creates a conversation pipeline.
func NewPipeline(st store.Store, router *agent.Router, executor *Executor) *Pipeline {
	return &Pipeline{
		store:    st,
		router:   router,
		executor: executor,
		now:      time.Now,
	}
}

// EnqueueTurn records the inbound user message and schedules the turn as a
// durable job. The job dedupe key is the external message ID, so replaying
// the same event never schedules a second run.
func (p *Pipeline) EnqueueTurn(event models.InboundEvent) error {
	return p.enqueueTurn(event, 0)
}

// EnqueueTurnDelayed schedules the turn to run after delay. The entry point
// uses this to defer processing for rate-limited senders instead of dropping
// their messages.
func (p *Pipeline) EnqueueTurnDelayed(event models.InboundEvent, delay time.Duration) error {
	return p.enqueueTurn(event, delay)
}

func (p *Pipeline) enqueueTurn(event models.InboundEvent, delay time.Duration) error {
	if event.ExternalMessageID == "" {
		return fmt.Errorf("inbound event has no external message ID")
	}

	fresh, err := p.store.RecordInbound(event.ExternalMessageID, event.SenderID)
	if err != nil {
		return fmt.Errorf("failed to record inbound event: %w", err)
	}
	if !fresh {
		slog.Debug("Pipeline.EnqueueTurn: duplicate event ignored", "externalMessageID", event.ExternalMessageID)
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode inbound event: %w", err)
	}
	jobID, err := p.store.EnqueueJob(JobKindTurn, p.now().Add(delay), string(payload), event.ExternalMessageID)
	if err != nil {
		return fmt.Errorf("failed to enqueue turn job: %w", err)
	}
	slog.Info("Pipeline.EnqueueTurn: turn scheduled", "jobID", jobID, "senderID", event.SenderID, "externalMessageID", event.ExternalMessageID)
	return nil
}

// HandleTurnJob is the job runner handler for conversation turns.
func (p *Pipeline) HandleTurnJob(ctx context.Context, payloadJSON string) error {
	var event models.InboundEvent
	if err := json.Unmarshal([]byte(payloadJSON), &event); err != nil {
		return fmt.Errorf("failed to decode turn payload: %w", err)
	}
	return p.ProcessEvent(ctx, event)
}

// ProcessEvent runs the staged pipeline for one inbound event. Completed
// stages recorded in the event's checkpoint are skipped, so re-running the
// same event resumes where the previous attempt stopped.
func (p *Pipeline) ProcessEvent(ctx context.Context, event models.InboundEvent) error {
	eventID := event.ExternalMessageID

	state, completed, err := p.loadState(eventID)
	if err != nil {
		return err
	}
	if completed >= len(stageOrder) {
		slog.Debug("Pipeline.ProcessEvent: turn already complete", "eventID", eventID)
		return nil
	}

	for i := completed; i < len(stageOrder); i++ {
		stage := stageOrder[i]
		start := p.now()

		var stageErr error
		switch stage {
		case StageResolveLead:
			stageErr = p.stageResolveLead(event, state)
		case StageGenerate:
			stageErr = p.stageGenerate(ctx, event, state)
		case StageSend:
			stageErr = p.stageSend(event, state)
		case StageTools:
			stageErr = p.stageTools(ctx, state)
		case StageUpdateStatus:
			stageErr = p.stageUpdateStatus(event, state)
		}

		latency := p.now().Sub(start).Milliseconds()
		p.auditStage(state.LeadID, stage, latency, stageErr)

		if stageErr != nil {
			slog.Error("Pipeline.ProcessEvent: stage failed", "eventID", eventID, "stage", stage, "error", stageErr)
			return fmt.Errorf("stage %s: %w", stage, stageErr)
		}

		if err := p.saveState(eventID, stage, state); err != nil {
			return err
		}
		slog.Debug("Pipeline.ProcessEvent: stage complete", "eventID", eventID, "stage", stage, "latencyMs", latency)
	}

	if err := p.saveState(eventID, StageDone, state); err != nil {
		return err
	}
	if err := p.store.MarkProcessed(eventID); err != nil {
		slog.Warn("Pipeline.ProcessEvent: failed to mark event processed", "eventID", eventID, "error", err)
	}
	slog.Info("Pipeline.ProcessEvent: turn complete", "eventID", eventID, "leadID", state.LeadID)
	return nil
}

func (p *Pipeline) loadState(eventID string) (*turnState, int, error) {
	cp, err := p.store.GetCheckpoint(eventID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load checkpoint for %s: %w", eventID, err)
	}
	state := &turnState{}
	if cp == nil {
		return state, 0, nil
	}
	if cp.DataJSON != "" {
		if err := json.Unmarshal([]byte(cp.DataJSON), state); err != nil {
			// A corrupt checkpoint restarts the turn from the beginning;
			// every stage is replay-safe.
			slog.Warn("Pipeline.loadState: corrupt checkpoint data, restarting turn", "eventID", eventID, "error", err)
			return &turnState{}, 0, nil
		}
	}
	return state, stageIndex(cp.Stage) + 1, nil
}

func (p *Pipeline) saveState(eventID, stage string, state *turnState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode turn state: %w", err)
	}
	cp := store.PipelineCheckpoint{EventID: eventID, Stage: stage, DataJSON: string(data)}
	if err := p.store.SaveCheckpoint(cp); err != nil {
		return fmt.Errorf("failed to save checkpoint for %s: %w", eventID, err)
	}
	return nil
}

func (p *Pipeline) auditStage(leadID, stage string, latencyMs int64, stageErr error) {
	payload := map[string]interface{}{"stage": stage}
	if stageErr != nil {
		payload["error"] = stageErr.Error()
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	entry := models.AuditLogEntry{
		ID:        util.GenerateAuditID(),
		LeadID:    leadID,
		EventType: "pipeline_stage",
		Payload:   raw,
		LatencyMs: latencyMs,
		CreatedAt: p.now(),
	}
	if err := p.store.AddAuditEntry(entry); err != nil {
		slog.Warn("Pipeline.auditStage: audit write failed", "stage", stage, "error", err)
	}
}

// stageResolveLead finds or creates the lead for the event's sender and
// records the inbound message. The create path tolerates a concurrent
// duplicate by falling back to a read.
func (p *Pipeline) stageResolveLead(event models.InboundEvent, state *turnState) error {
	lead, err := p.store.GetLeadBySenderID(event.SenderID)
	if err != nil {
		return fmt.Errorf("failed to look up lead: %w", err)
	}

	if lead == nil {
		candidate := models.Lead{
			ID:           util.GenerateLeadID(),
			SenderID:     event.SenderID,
			Profile:      models.LeadProfile{Name: event.DisplayName},
			Status:       models.LeadStatusNew,
			LastActiveAt: event.Timestamp(),
			CreatedAt:    p.now(),
		}
		err := p.store.CreateLead(candidate)
		switch {
		case err == nil:
			lead = &candidate
		case errors.Is(err, store.ErrLeadExists):
			// Lost the insert race to a concurrent event from the same sender.
			lead, err = p.store.GetLeadBySenderID(event.SenderID)
			if err != nil {
				return fmt.Errorf("failed to re-read lead after insert race: %w", err)
			}
			if lead == nil {
				return fmt.Errorf("lead for %s vanished after insert race", event.SenderID)
			}
		default:
			return fmt.Errorf("failed to create lead: %w", err)
		}
	} else {
		if err := p.store.TouchLead(lead.ID, event.Timestamp()); err != nil {
			return fmt.Errorf("failed to touch lead: %w", err)
		}
	}

	// The message ID is derived from the event so a stage replay after a
	// crash between this write and the checkpoint save upserts the same row
	// instead of inserting a duplicate.
	msg := models.Message{
		ID:        inboundMessageID(event.ExternalMessageID),
		LeadID:    lead.ID,
		Role:      models.MessageRoleUser,
		Content:   event.Text,
		CreatedAt: event.Timestamp(),
	}
	if err := p.store.AddMessage(msg); err != nil {
		return fmt.Errorf("failed to record inbound message: %w", err)
	}

	state.LeadID = lead.ID
	state.AIPaused = lead.AIPaused
	return nil
}

// stageGenerate invokes the agent router. Model failures degrade inside the
// router to a fallback response, so this stage only fails on storage errors.
func (p *Pipeline) stageGenerate(ctx context.Context, event models.InboundEvent, state *turnState) error {
	if state.AIPaused {
		slog.Info("Pipeline.stageGenerate: assistant paused for lead, skipping", "leadID", state.LeadID)
		return nil
	}

	lead, err := p.store.GetLead(state.LeadID)
	if err != nil {
		return fmt.Errorf("failed to load lead: %w", err)
	}
	if lead == nil {
		return fmt.Errorf("lead %s not found", state.LeadID)
	}

	history, err := p.store.ListMessages(lead.ID, agent.DefaultHistoryLimit)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	// The inbound message was persisted in the previous stage; drop it from
	// the history so it only appears once, as the current user turn.
	if n := len(history); n > 0 && history[n-1].Role == models.MessageRoleUser && history[n-1].Content == event.Text {
		history = history[:n-1]
	}

	state.Response = p.router.Respond(ctx, lead, history, event.Text)
	return nil
}

// stageSend queues the reply on the outbox and records the assistant
// message. The outbox dedupe key ties delivery to this turn, so a replay of
// the stage cannot double-send.
func (p *Pipeline) stageSend(event models.InboundEvent, state *turnState) error {
	if state.AIPaused || state.Response == nil || state.Response.Message == "" {
		return nil
	}

	payload, err := json.Marshal(store.OutboxPayload{To: event.SenderID, Body: state.Response.Message})
	if err != nil {
		return fmt.Errorf("failed to encode reply payload: %w", err)
	}
	dedupeKey := "reply:" + event.ExternalMessageID
	if _, err := p.store.EnqueueOutboxMessage(event.SenderID, store.OutboxKindReply, string(payload), dedupeKey); err != nil {
		return fmt.Errorf("failed to enqueue reply: %w", err)
	}

	msg := models.Message{
		ID:        replyMessageID(event.ExternalMessageID),
		LeadID:    state.LeadID,
		Role:      models.MessageRoleAssistant,
		Content:   state.Response.Message,
		CreatedAt: p.now(),
	}
	if err := p.store.AddMessage(msg); err != nil {
		return fmt.Errorf("failed to record assistant message: %w", err)
	}
	return nil
}

// stageTools runs any tool calls from the response. Results are audited but
// never alter the reply already queued.
func (p *Pipeline) stageTools(ctx context.Context, state *turnState) error {
	if state.AIPaused || state.Response == nil || len(state.Response.ToolCalls) == 0 {
		return nil
	}

	lead, err := p.store.GetLead(state.LeadID)
	if err != nil {
		return fmt.Errorf("failed to load lead: %w", err)
	}
	if lead == nil {
		return fmt.Errorf("lead %s not found", state.LeadID)
	}

	results := p.executor.Execute(ctx, lead, state.Response.ToolCalls)

	raw, err := json.Marshal(results)
	if err != nil {
		raw = nil
	}
	entry := models.AuditLogEntry{
		ID:        util.GenerateAuditID(),
		LeadID:    lead.ID,
		EventType: "tools_executed",
		Payload:   raw,
		CreatedAt: p.now(),
	}
	if err := p.store.AddAuditEntry(entry); err != nil {
		slog.Warn("Pipeline.stageTools: audit write failed", "leadID", lead.ID, "error", err)
	}
	return nil
}

// stageUpdateStatus applies the router's proposed status transition and the
// sentiment-based score nudge.
func (p *Pipeline) stageUpdateStatus(event models.InboundEvent, state *turnState) error {
	lead, err := p.store.GetLead(state.LeadID)
	if err != nil {
		return fmt.Errorf("failed to load lead: %w", err)
	}
	if lead == nil {
		return fmt.Errorf("lead %s not found", state.LeadID)
	}

	changed := false
	if state.Response != nil && state.Response.NextState != nil && *state.Response.NextState != lead.Status {
		slog.Info("Pipeline.stageUpdateStatus: status transition", "leadID", lead.ID, "from", lead.Status, "to", *state.Response.NextState)
		lead.Status = *state.Response.NextState
		changed = true
	}

	signal := sentiment.Classify(event.Text)
	if delta := sentiment.ScoreDelta(signal); delta != 0 {
		lead.LeadScore = clampScore(lead.LeadScore + delta)
		changed = true
	}
	if sentiment.NeedsHuman(signal) {
		// The assistant keeps replying; the audit entry surfaces the
		// conversation for operator review.
		raw, _ := json.Marshal(map[string]string{"signal": string(signal)})
		entry := models.AuditLogEntry{
			ID:        util.GenerateAuditID(),
			LeadID:    lead.ID,
			EventType: "human_review_suggested",
			Payload:   raw,
			CreatedAt: p.now(),
		}
		if err := p.store.AddAuditEntry(entry); err != nil {
			slog.Warn("Pipeline.stageUpdateStatus: audit write failed", "leadID", lead.ID, "error", err)
		}
	}

	if changed {
		if err := p.store.UpdateLead(*lead); err != nil {
			return fmt.Errorf("failed to persist lead update: %w", err)
		}
	}
	return nil
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
