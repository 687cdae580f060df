// Package agent implements the conversational agent router: it selects a
// behavior mode from the lead's status, assembles a bounded context window,
// invokes the language model, and applies guardrails to the result.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/citabot/citabot/internal/genai"
	"github.com/citabot/citabot/internal/models"
	"github.com/openai/openai-go"
)

// Mode is the agent behavior mode.
type Mode string

const (
	// ModeDiagnostic qualifies new leads: discover who they are and what
	// problem they need solved.
	ModeDiagnostic Mode = "diagnostic"
	// ModeScheduling drives qualified leads toward a booked appointment.
	ModeScheduling Mode = "scheduling"
)

// DefaultHistoryLimit bounds how many recent messages go into the context
// window.
const DefaultHistoryLimit = 20

// MaxMessageLength is the hard cap applied to generated replies. WhatsApp
// truncates long messages anyway; shorter replies read better in chat.
const MaxMessageLength = 1000

// ModeFor maps a lead status to the agent mode that should handle the turn.
// Terminal and parked statuses still get the diagnostic mode so a returning
// lead is re-qualified rather than ignored.
func ModeFor(status models.LeadStatus) Mode {
	switch status {
	case models.LeadStatusQualified, models.LeadStatusBooked:
		return ModeScheduling
	default:
		return ModeDiagnostic
	}
}

// Response is the router's structured output for one turn.
type Response struct {
	Message    string             `json:"message"`
	ToolCalls  []models.ToolCall  `json:"toolCalls,omitempty"`
	NextState  *models.LeadStatus `json:"nextState,omitempty"`
	Confidence float64            `json:"confidence"`
}

// modelOutput is the JSON contract the system prompt demands from the model.
type modelOutput struct {
	Message    string  `json:"message"`
	NextState  string  `json:"nextState,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Router selects the agent mode and produces one response per inbound turn.
type Router struct {
	genaiClient  genai.ClientInterface
	historyLimit int
}

// NewRouter creates a router backed by the given model client.
func NewRouter(client genai.ClientInterface) *Router {
	return &Router{
		genaiClient:  client,
		historyLimit: DefaultHistoryLimit,
	}
}

// SetHistoryLimit overrides the context window size. Non-positive values
// keep the default.
func (r *Router) SetHistoryLimit(n int) {
	if n > 0 {
		r.historyLimit = n
	}
}

// Respond generates the agent's reply to userMessage given the lead's
// current state and recent history. It never returns an error for model or
// schema failures; those degrade to the fallback response with confidence 0
// and no tool calls, so the caller always has something to send.
func (r *Router) Respond(ctx context.Context, lead *models.Lead, history []models.Message, userMessage string) *Response {
	mode := ModeFor(lead.Status)
	messages := r.buildMessages(mode, lead, history, userMessage)

	toolResp, err := r.genaiClient.GenerateWithTools(ctx, messages, ToolDefinitions())
	if err != nil {
		slog.Error("Router.Respond: model call failed, degrading to fallback", "leadID", lead.ID, "mode", mode, "error", err)
		return fallbackResponse()
	}

	resp, err := parseModelOutput(toolResp)
	if err != nil {
		slog.Warn("Router.Respond: model output did not match schema, degrading to fallback", "leadID", lead.ID, "mode", mode, "error", err)
		return fallbackResponse()
	}

	resp.Message = applyGuardrails(resp.Message)
	slog.Debug("Router.Respond: response generated", "leadID", lead.ID, "mode", mode, "toolCalls", len(resp.ToolCalls), "confidence", resp.Confidence)
	return resp
}

func fallbackResponse() *Response {
	return &Response{Message: FallbackMessage, Confidence: 0}
}

func (r *Router) buildMessages(mode Mode, lead *models.Lead, history []models.Message, userMessage string) []openai.ChatCompletionMessageParamUnion {
	systemPrompt := diagnosticSystemPrompt
	if mode == ModeScheduling {
		systemPrompt = schedulingSystemPrompt
	}

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt),
		openai.SystemMessage(leadContext(lead)),
	}

	recent := history
	if len(recent) > r.historyLimit {
		recent = recent[len(recent)-r.historyLimit:]
	}
	for _, msg := range recent {
		switch msg.Role {
		case models.MessageRoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		case models.MessageRoleUser, models.MessageRoleHumanAgent:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}

	messages = append(messages, openai.UserMessage(userMessage))
	return messages
}

// leadContext renders the lead's known profile as a system note so the model
// does not re-ask for facts it already has.
func leadContext(lead *models.Lead) string {
	var b strings.Builder
	b.WriteString("Contexto del cliente actual:\n")
	fmt.Fprintf(&b, "- Estado: %s\n", lead.Status)
	if lead.Profile.Name != "" {
		fmt.Fprintf(&b, "- Nombre: %s\n", lead.Profile.Name)
	}
	if lead.Profile.Company != "" {
		fmt.Fprintf(&b, "- Empresa: %s\n", lead.Profile.Company)
	}
	if lead.Profile.Role != "" {
		fmt.Fprintf(&b, "- Rol: %s\n", lead.Profile.Role)
	}
	if lead.Profile.Industry != "" {
		fmt.Fprintf(&b, "- Industria: %s\n", lead.Profile.Industry)
	}
	if len(lead.Profile.PainPoints) > 0 {
		fmt.Fprintf(&b, "- Dolores mencionados: %s\n", strings.Join(lead.Profile.PainPoints, "; "))
	}
	if lead.Profile.ContactReason != "" {
		fmt.Fprintf(&b, "- Motivo de contacto: %s\n", lead.Profile.ContactReason)
	}
	return b.String()
}

// parseModelOutput decodes the model's JSON content and merges in any native
// tool calls. Content that is not the expected JSON object is an error so
// the caller can degrade to the fallback.
func parseModelOutput(toolResp *genai.ToolCallResponse) (*Response, error) {
	content := strings.TrimSpace(toolResp.Content)

	// Tool-call-only turns may come with empty content.
	if content == "" && len(toolResp.ToolCalls) > 0 {
		return &Response{ToolCalls: toolResp.ToolCalls, Confidence: 1}, nil
	}

	// Some models wrap JSON in a markdown fence despite instructions.
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var out modelOutput
	dec := json.NewDecoder(strings.NewReader(content))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("response is not valid schema JSON: %w", err)
	}
	if out.Message == "" && len(toolResp.ToolCalls) == 0 {
		return nil, fmt.Errorf("response has neither message nor tool calls")
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return nil, fmt.Errorf("confidence %f out of range [0,1]", out.Confidence)
	}

	resp := &Response{
		Message:    out.Message,
		ToolCalls:  toolResp.ToolCalls,
		Confidence: out.Confidence,
	}
	if out.NextState != "" {
		status := models.LeadStatus(out.NextState)
		if !models.ValidLeadStatus(status) {
			return nil, fmt.Errorf("invalid nextState %q", out.NextState)
		}
		resp.NextState = &status
	}
	return resp, nil
}
