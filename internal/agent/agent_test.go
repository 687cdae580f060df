package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/citabot/citabot/internal/genai"
	"github.com/citabot/citabot/internal/models"
	"github.com/openai/openai-go"
)

// mockGenAI returns a canned response and records the messages it was called
// with.
type mockGenAI struct {
	resp     *genai.ToolCallResponse
	err      error
	messages []openai.ChatCompletionMessageParamUnion
}

func (m *mockGenAI) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*genai.ToolCallResponse, error) {
	m.messages = messages
	if m.err != nil {
		return nil, m.err
	}
	return m.resp, nil
}

func testLead(status models.LeadStatus) *models.Lead {
	return &models.Lead{ID: "lead_1", SenderID: "5215551234567", Status: status}
}

func TestModeFor(t *testing.T) {
	cases := []struct {
		status models.LeadStatus
		want   Mode
	}{
		{models.LeadStatusNew, ModeDiagnostic},
		{models.LeadStatusDiagnosing, ModeDiagnostic},
		{models.LeadStatusQualified, ModeScheduling},
		{models.LeadStatusBooked, ModeScheduling},
		{models.LeadStatusNurture, ModeDiagnostic},
		{models.LeadStatusClosedLost, ModeDiagnostic},
	}
	for _, tc := range cases {
		if got := ModeFor(tc.status); got != tc.want {
			t.Errorf("ModeFor(%s) = %s, want %s", tc.status, got, tc.want)
		}
	}
}

func TestRespondParsesSchemaOutput(t *testing.T) {
	mock := &mockGenAI{resp: &genai.ToolCallResponse{
		Content: `{"message": "¡Hola! ¿En qué te puedo ayudar?", "nextState": "diagnosing", "confidence": 0.9}`,
	}}
	router := NewRouter(mock)

	resp := router.Respond(context.Background(), testLead(models.LeadStatusNew), nil, "hola")
	if resp.Message != "¡Hola! ¿En qué te puedo ayudar?" {
		t.Errorf("unexpected message: %q", resp.Message)
	}
	if resp.NextState == nil || *resp.NextState != models.LeadStatusDiagnosing {
		t.Errorf("expected nextState diagnosing, got %v", resp.NextState)
	}
	if resp.Confidence != 0.9 {
		t.Errorf("expected confidence 0.9, got %f", resp.Confidence)
	}
}

func TestRespondStripsMarkdownFence(t *testing.T) {
	mock := &mockGenAI{resp: &genai.ToolCallResponse{
		Content: "```json\n{\"message\": \"Claro\", \"confidence\": 0.8}\n```",
	}}
	router := NewRouter(mock)

	resp := router.Respond(context.Background(), testLead(models.LeadStatusNew), nil, "hola")
	if resp.Message != "Claro" {
		t.Errorf("expected fenced JSON parsed, got %q", resp.Message)
	}
}

func TestRespondFallsBackOnModelError(t *testing.T) {
	mock := &mockGenAI{err: errors.New("rate limited")}
	router := NewRouter(mock)

	resp := router.Respond(context.Background(), testLead(models.LeadStatusNew), nil, "hola")
	if resp.Message != FallbackMessage {
		t.Errorf("expected fallback message, got %q", resp.Message)
	}
	if resp.Confidence != 0 {
		t.Errorf("expected zero confidence, got %f", resp.Confidence)
	}
	if len(resp.ToolCalls) != 0 {
		t.Errorf("expected no tool calls on fallback, got %d", len(resp.ToolCalls))
	}
}

func TestRespondFallsBackOnSchemaViolation(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"not JSON", "¡Hola! ¿En qué te puedo ayudar?"},
		{"unknown field", `{"message": "hola", "confidence": 0.5, "extra": true}`},
		{"confidence out of range", `{"message": "hola", "confidence": 1.5}`},
		{"invalid nextState", `{"message": "hola", "nextState": "vip", "confidence": 0.5}`},
		{"empty", `{"confidence": 0.5}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mock := &mockGenAI{resp: &genai.ToolCallResponse{Content: tc.content}}
			router := NewRouter(mock)

			resp := router.Respond(context.Background(), testLead(models.LeadStatusNew), nil, "hola")
			if resp.Message != FallbackMessage {
				t.Errorf("expected fallback, got %q", resp.Message)
			}
		})
	}
}

func TestRespondToolCallOnlyTurn(t *testing.T) {
	mock := &mockGenAI{resp: &genai.ToolCallResponse{
		ToolCalls: []models.ToolCall{{
			ID:   "call_1",
			Type: "function",
			Function: models.FunctionCall{
				Name:      models.ToolCheckAvailability,
				Arguments: json.RawMessage(`{"date": "2026-03-03"}`),
			},
		}},
	}}
	router := NewRouter(mock)

	resp := router.Respond(context.Background(), testLead(models.LeadStatusQualified), nil, "¿tienen algo mañana?")
	if resp.Message != "" {
		t.Errorf("expected empty message for tool-call-only turn, got %q", resp.Message)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Function.Name != models.ToolCheckAvailability {
		t.Fatalf("expected the tool call preserved, got %+v", resp.ToolCalls)
	}
}

func TestRespondBoundsHistory(t *testing.T) {
	mock := &mockGenAI{resp: &genai.ToolCallResponse{
		Content: `{"message": "ok", "confidence": 0.5}`,
	}}
	router := NewRouter(mock)
	router.SetHistoryLimit(4)

	var history []models.Message
	for i := 0; i < 30; i++ {
		history = append(history, models.Message{Role: models.MessageRoleUser, Content: "msg"})
	}
	router.Respond(context.Background(), testLead(models.LeadStatusNew), history, "hola")

	// 2 system messages + 4 history + current user message.
	if len(mock.messages) != 7 {
		t.Errorf("expected 7 messages in context window, got %d", len(mock.messages))
	}
}

func TestApplyGuardrailsRewritesGuarantees(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Te garantizo resultados en una semana", "espero poder ofrecerte resultados en una semana"},
		{"Es 100% seguro que funcionará", "Es muy probable que funcionará"},
		{"Our plan is guaranteed to work", "Our plan is expected to work"},
		{"Hola, ¿cómo estás?", "Hola, ¿cómo estás?"},
	}
	for _, tc := range cases {
		if got := applyGuardrails(tc.in); got != tc.want {
			t.Errorf("applyGuardrails(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestApplyGuardrailsSurvivesCaseFoldingWidthChanges(t *testing.T) {
	// Lowercasing Ⱥ grows its UTF-8 encoding and lowercasing İ shrinks it,
	// so matching must never mix offsets between cased variants.
	cases := []struct {
		in   string
		want string
	}{
		{strings.Repeat("Ⱥ", 20) + "GUARANTEED", strings.Repeat("Ⱥ", 20) + "expected"},
		{strings.Repeat("İ", 8) + "GUARANTEED", strings.Repeat("İ", 8) + "expected"},
	}
	for _, tc := range cases {
		got := applyGuardrails(tc.in)
		if !utf8.ValidString(got) {
			t.Errorf("applyGuardrails(%q) produced invalid UTF-8: %q", tc.in, got)
		}
		if got != tc.want {
			t.Errorf("applyGuardrails(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestApplyGuardrailsTruncatesLongMessages(t *testing.T) {
	long := strings.Repeat("palabra ", 300)
	got := applyGuardrails(long)

	runes := []rune(got)
	if len(runes) != MaxMessageLength {
		t.Errorf("expected %d runes, got %d", MaxMessageLength, len(runes))
	}
	if runes[len(runes)-1] != '…' {
		t.Error("expected truncated message to end with ellipsis")
	}
}

func TestLeadContextIncludesProfile(t *testing.T) {
	lead := testLead(models.LeadStatusDiagnosing)
	lead.Profile = models.LeadProfile{
		Name:       "Ana",
		Company:    "Acme",
		PainPoints: []string{"seguimiento manual", "leads perdidos"},
	}

	ctx := leadContext(lead)
	for _, want := range []string{"Ana", "Acme", "seguimiento manual; leads perdidos", "diagnosing"} {
		if !strings.Contains(ctx, want) {
			t.Errorf("expected lead context to contain %q:\n%s", want, ctx)
		}
	}
}

func TestToolDefinitionsCoverAllTools(t *testing.T) {
	defs := ToolDefinitions()
	if len(defs) != 4 {
		t.Fatalf("expected 4 tool definitions, got %d", len(defs))
	}
	names := make(map[string]bool)
	for _, d := range defs {
		names[d.Function.Name] = true
	}
	for _, want := range []string{
		models.ToolUpdateLeadProfile,
		models.ToolCheckAvailability,
		models.ToolBookSlot,
		models.ToolHandoffToHuman,
	} {
		if !names[want] {
			t.Errorf("missing tool definition for %s", want)
		}
	}
}
