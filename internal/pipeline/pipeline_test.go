package pipeline

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/citabot/citabot/internal/agent"
	"github.com/citabot/citabot/internal/booking"
	"github.com/citabot/citabot/internal/genai"
	"github.com/citabot/citabot/internal/models"
	"github.com/citabot/citabot/internal/settings"
	"github.com/citabot/citabot/internal/store"
	"github.com/openai/openai-go"
)

// stubModel is a canned genai.ClientInterface for pipeline tests.
type stubModel struct {
	resp  *genai.ToolCallResponse
	err   error
	calls int
}

func (m *stubModel) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*genai.ToolCallResponse, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.resp, nil
}

func newTestPipeline(t *testing.T, model *stubModel) (*Pipeline, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "test.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.WriteSetting(models.SettingTimezone, json.RawMessage(`"UTC"`), "test"); err != nil {
		t.Fatalf("WriteSetting failed: %v", err)
	}

	cache := settings.NewCache(st, time.Minute)
	engine := booking.NewEngine(st, cache)
	router := agent.NewRouter(model)
	executor := NewExecutor(st, st, engine, cache)
	return NewPipeline(st, router, executor), st
}

func replyModel(message string, nextState models.LeadStatus) *stubModel {
	out := map[string]interface{}{"message": message, "confidence": 0.9}
	if nextState != "" {
		out["nextState"] = string(nextState)
	}
	raw, _ := json.Marshal(out)
	return &stubModel{resp: &genai.ToolCallResponse{Content: string(raw)}}
}

func testEvent(id, text string) models.InboundEvent {
	return models.InboundEvent{
		SenderID:          "5215551234567",
		Text:              text,
		DisplayName:       "Ana",
		ExternalMessageID: id,
		TimestampEpochSec: time.Now().Unix(),
	}
}

func TestProcessEventHappyPath(t *testing.T) {
	p, st := newTestPipeline(t, replyModel("¡Hola Ana!", models.LeadStatusDiagnosing))

	event := testEvent("wamid.1", "Hola, busco ayuda con ventas")
	if err := p.ProcessEvent(context.Background(), event); err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}

	lead, err := st.GetLeadBySenderID(event.SenderID)
	if err != nil || lead == nil {
		t.Fatalf("expected lead created, got lead=%v err=%v", lead, err)
	}
	if lead.Status != models.LeadStatusDiagnosing {
		t.Errorf("expected status transition to diagnosing, got %s", lead.Status)
	}
	if lead.Profile.Name != "Ana" {
		t.Errorf("expected display name in profile, got %q", lead.Profile.Name)
	}

	msgs, err := st.ListMessages(lead.ID, 0)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected user and assistant messages, got %d", len(msgs))
	}
	if msgs[0].Role != models.MessageRoleUser || msgs[1].Role != models.MessageRoleAssistant {
		t.Errorf("unexpected roles: %s, %s", msgs[0].Role, msgs[1].Role)
	}
	if msgs[1].Content != "¡Hola Ana!" {
		t.Errorf("unexpected assistant message: %q", msgs[1].Content)
	}

	out, err := st.ClaimDueOutboxMessages(time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected one queued reply, got %d", len(out))
	}
	var payload store.OutboxPayload
	if err := json.Unmarshal([]byte(out[0].PayloadJSON), &payload); err != nil {
		t.Fatalf("invalid outbox payload: %v", err)
	}
	if payload.To != event.SenderID || payload.Body != "¡Hola Ana!" {
		t.Errorf("unexpected payload: %+v", payload)
	}

	cp, err := st.GetCheckpoint(event.ExternalMessageID)
	if err != nil {
		t.Fatalf("GetCheckpoint failed: %v", err)
	}
	if cp == nil || cp.Stage != StageDone {
		t.Errorf("expected done checkpoint, got %+v", cp)
	}
}

func TestEnqueueTurnDeduplicatesEvents(t *testing.T) {
	p, st := newTestPipeline(t, replyModel("hola", ""))

	event := testEvent("wamid.1", "hola")
	if err := p.EnqueueTurn(event); err != nil {
		t.Fatalf("EnqueueTurn failed: %v", err)
	}
	// Webhook replays of the same external message ID are ignored.
	if err := p.EnqueueTurn(event); err != nil {
		t.Fatalf("EnqueueTurn replay failed: %v", err)
	}

	jobs, err := st.ClaimDueJobs(time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("expected one turn job, got %d", len(jobs))
	}
	if jobs[0].Kind != JobKindTurn {
		t.Errorf("unexpected job kind %s", jobs[0].Kind)
	}
}

func TestEnqueueTurnDelayedSchedulesInFuture(t *testing.T) {
	p, st := newTestPipeline(t, replyModel("hola", ""))

	if err := p.EnqueueTurnDelayed(testEvent("wamid.1", "hola"), time.Minute); err != nil {
		t.Fatalf("EnqueueTurnDelayed failed: %v", err)
	}

	jobs, err := st.ClaimDueJobs(time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("expected deferred job not yet due, got %d", len(jobs))
	}
	jobs, err = st.ClaimDueJobs(time.Now().Add(2*time.Minute), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("expected deferred job due after delay, got %d", len(jobs))
	}
}

func TestProcessEventReplayIsIdempotent(t *testing.T) {
	p, st := newTestPipeline(t, replyModel("hola", ""))

	event := testEvent("wamid.1", "hola")
	if err := p.ProcessEvent(context.Background(), event); err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}
	if err := p.ProcessEvent(context.Background(), event); err != nil {
		t.Fatalf("ProcessEvent replay failed: %v", err)
	}

	lead, _ := st.GetLeadBySenderID(event.SenderID)
	msgs, err := st.ListMessages(lead.ID, 0)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("expected replay to add no messages, got %d", len(msgs))
	}
}

func TestProcessEventResumesFromCheckpoint(t *testing.T) {
	model := replyModel("hola", "")
	p, st := newTestPipeline(t, model)

	event := testEvent("wamid.1", "hola")

	// Simulate a prior attempt that completed resolve_lead and generate, then
	// crashed before send.
	lead := models.Lead{
		ID:           "lead_resume",
		SenderID:     event.SenderID,
		Status:       models.LeadStatusNew,
		LastActiveAt: time.Now(),
		CreatedAt:    time.Now(),
	}
	if err := st.CreateLead(lead); err != nil {
		t.Fatalf("CreateLead failed: %v", err)
	}
	state, _ := json.Marshal(turnState{
		LeadID:   lead.ID,
		Response: &agent.Response{Message: "respuesta previa", Confidence: 0.9},
	})
	cp := store.PipelineCheckpoint{EventID: event.ExternalMessageID, Stage: StageGenerate, DataJSON: string(state)}
	if err := st.SaveCheckpoint(cp); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	if err := p.ProcessEvent(context.Background(), event); err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}

	// The model is not consulted again; the checkpointed response is sent.
	if model.calls != 0 {
		t.Errorf("expected generate stage skipped, model called %d times", model.calls)
	}
	msgs, err := st.ListMessages(lead.ID, 0)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "respuesta previa" {
		t.Fatalf("expected only the resumed assistant message, got %d messages", len(msgs))
	}
	out, _ := st.ClaimDueOutboxMessages(time.Now().Add(time.Second), 10)
	if len(out) != 1 {
		t.Errorf("expected the resumed reply queued, got %d", len(out))
	}
}

func TestProcessEventSkipsCompletedTurn(t *testing.T) {
	model := replyModel("hola", "")
	p, st := newTestPipeline(t, model)

	event := testEvent("wamid.1", "hola")
	cp := store.PipelineCheckpoint{EventID: event.ExternalMessageID, Stage: StageDone, DataJSON: "{}"}
	if err := st.SaveCheckpoint(cp); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	if err := p.ProcessEvent(context.Background(), event); err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}
	if model.calls != 0 {
		t.Errorf("expected completed turn skipped entirely, model called %d times", model.calls)
	}
	if lead, _ := st.GetLeadBySenderID(event.SenderID); lead != nil {
		t.Error("expected no lead created for completed turn")
	}
}

func TestProcessEventRestartsOnCorruptCheckpoint(t *testing.T) {
	p, st := newTestPipeline(t, replyModel("hola", ""))

	event := testEvent("wamid.1", "hola")
	cp := store.PipelineCheckpoint{EventID: event.ExternalMessageID, Stage: StageGenerate, DataJSON: "{corrupt"}
	if err := st.SaveCheckpoint(cp); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	if err := p.ProcessEvent(context.Background(), event); err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}
	lead, _ := st.GetLeadBySenderID(event.SenderID)
	if lead == nil {
		t.Fatal("expected turn restarted from scratch")
	}
	msgs, _ := st.ListMessages(lead.ID, 0)
	if len(msgs) != 2 {
		t.Errorf("expected full turn after restart, got %d messages", len(msgs))
	}
}

func TestProcessEventPausedLeadGetsNoReply(t *testing.T) {
	model := replyModel("hola", "")
	p, st := newTestPipeline(t, model)

	event := testEvent("wamid.1", "hola")
	lead := models.Lead{
		ID:           "lead_paused",
		SenderID:     event.SenderID,
		Status:       models.LeadStatusDiagnosing,
		AIPaused:     true,
		LastActiveAt: time.Now(),
		CreatedAt:    time.Now(),
	}
	if err := st.CreateLead(lead); err != nil {
		t.Fatalf("CreateLead failed: %v", err)
	}

	if err := p.ProcessEvent(context.Background(), event); err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}

	if model.calls != 0 {
		t.Errorf("expected no model call while paused, got %d", model.calls)
	}
	// The inbound message is still recorded for the human operator.
	msgs, _ := st.ListMessages(lead.ID, 0)
	if len(msgs) != 1 || msgs[0].Role != models.MessageRoleUser {
		t.Fatalf("expected only the user message, got %d messages", len(msgs))
	}
	out, _ := st.ClaimDueOutboxMessages(time.Now().Add(time.Second), 10)
	if len(out) != 0 {
		t.Errorf("expected no reply queued while paused, got %d", len(out))
	}
}

func TestProcessEventAppliesSentimentScore(t *testing.T) {
	p, st := newTestPipeline(t, replyModel("¡Perfecto!", ""))

	event := testEvent("wamid.1", "Me interesa, quiero agendar")
	if err := p.ProcessEvent(context.Background(), event); err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}

	lead, _ := st.GetLeadBySenderID(event.SenderID)
	if lead.LeadScore != 5 {
		t.Errorf("expected positive sentiment nudge to 5, got %d", lead.LeadScore)
	}

	// A disengaged follow-up never pushes the score below zero.
	event2 := testEvent("wamid.2", "Ya no quiero nada, déjame en paz")
	if err := p.ProcessEvent(context.Background(), event2); err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}
	lead, _ = st.GetLeadBySenderID(event.SenderID)
	if lead.LeadScore != 0 {
		t.Errorf("expected score clamped at 0, got %d", lead.LeadScore)
	}
}

func TestStageReplayReusesMessageRows(t *testing.T) {
	p, st := newTestPipeline(t, replyModel("hola", ""))
	event := testEvent("wamid.1", "hola")

	// A crash between a stage's writes and its checkpoint save replays the
	// whole stage; the deterministic message IDs keep the rows single.
	state := &turnState{}
	if err := p.stageResolveLead(event, state); err != nil {
		t.Fatalf("stageResolveLead failed: %v", err)
	}
	if err := p.stageResolveLead(event, state); err != nil {
		t.Fatalf("stageResolveLead replay failed: %v", err)
	}
	msgs, err := st.ListMessages(state.LeadID, 0)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one user message after stage replay, got %d", len(msgs))
	}

	state.Response = &agent.Response{Message: "respuesta", Confidence: 0.9}
	if err := p.stageSend(event, state); err != nil {
		t.Fatalf("stageSend failed: %v", err)
	}
	if err := p.stageSend(event, state); err != nil {
		t.Fatalf("stageSend replay failed: %v", err)
	}
	msgs, _ = st.ListMessages(state.LeadID, 0)
	if len(msgs) != 2 {
		t.Errorf("expected one assistant message after stage replay, got %d total", len(msgs))
	}
}

func TestProcessEventFlagsFrustrationForReview(t *testing.T) {
	p, st := newTestPipeline(t, replyModel("Lamento la experiencia", ""))

	event := testEvent("wamid.1", "Ya te dije que eso no funciona, qué mal servicio")
	if err := p.ProcessEvent(context.Background(), event); err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}

	lead, _ := st.GetLeadBySenderID(event.SenderID)
	entries, err := st.ListAuditEntries(lead.ID, 0)
	if err != nil {
		t.Fatalf("ListAuditEntries failed: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.EventType == "human_review_suggested" {
			found = true
			if !strings.Contains(string(e.Payload), "frustrated") {
				t.Errorf("expected signal in payload, got %s", e.Payload)
			}
		}
	}
	if !found {
		t.Error("expected a human review audit entry for a frustrated message")
	}
	// A neutral message does not flag.
	event2 := testEvent("wamid.2", "Gracias por la información")
	if err := p.ProcessEvent(context.Background(), event2); err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}
	entries, _ = st.ListAuditEntries(lead.ID, 0)
	flags := 0
	for _, e := range entries {
		if e.EventType == "human_review_suggested" {
			flags++
		}
	}
	if flags != 1 {
		t.Errorf("expected no new review flag for neutral message, got %d", flags)
	}
}

func TestProcessEventRecordsStageAudit(t *testing.T) {
	p, st := newTestPipeline(t, replyModel("hola", ""))

	event := testEvent("wamid.1", "hola")
	if err := p.ProcessEvent(context.Background(), event); err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}

	lead, _ := st.GetLeadBySenderID(event.SenderID)
	entries, err := st.ListAuditEntries(lead.ID, 0)
	if err != nil {
		t.Fatalf("ListAuditEntries failed: %v", err)
	}
	stages := 0
	for _, e := range entries {
		if e.EventType == "pipeline_stage" {
			stages++
		}
	}
	if stages != len(stageOrder) {
		t.Errorf("expected one audit entry per stage, got %d", stages)
	}
}
