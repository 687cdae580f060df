package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/citabot/citabot/internal/booking"
	"github.com/citabot/citabot/internal/models"
	"github.com/citabot/citabot/internal/settings"
	"github.com/citabot/citabot/internal/store"
	"github.com/citabot/citabot/internal/util"
)

// Executor runs the tool calls an agent response carries. Calls execute in
// order and independently: a failed call becomes a failed result, it never
// aborts the remaining calls or the pipeline.
type Executor struct {
	leads    store.LeadRepo
	audit    store.AuditRepo
	booking  *booking.Engine
	settings *settings.Cache
}

// NewExecutor creates a tool executor.
func NewExecutor(leads store.LeadRepo, audit store.AuditRepo, engine *booking.Engine, cache *settings.Cache) *Executor {
	return &Executor{
		leads:    leads,
		audit:    audit,
		booking:  engine,
		settings: cache,
	}
}

// Execute runs each tool call against the current lead and returns one
// result per call, in order.
func (e *Executor) Execute(ctx context.Context, lead *models.Lead, calls []models.ToolCall) []models.ToolResult {
	results := make([]models.ToolResult, 0, len(calls))
	for _, call := range calls {
		result := e.executeOne(ctx, lead, call)
		result.ToolCallID = call.ID
		results = append(results, result)
		slog.Debug("Executor.Execute: tool executed", "leadID", lead.ID, "tool", call.Function.Name, "success", result.Success)
	}
	return results
}

func (e *Executor) executeOne(ctx context.Context, lead *models.Lead, call models.ToolCall) models.ToolResult {
	switch call.Function.Name {
	case models.ToolUpdateLeadProfile:
		return e.updateLeadProfile(lead, call)
	case models.ToolCheckAvailability:
		return e.checkAvailability(call)
	case models.ToolBookSlot:
		return e.bookSlot(lead, call)
	case models.ToolHandoffToHuman:
		return e.handoffToHuman(lead, call)
	default:
		slog.Warn("Executor.executeOne: unknown tool", "leadID", lead.ID, "tool", call.Function.Name)
		return failedResult(call.Function.Name, fmt.Sprintf("unknown tool: %s", call.Function.Name))
	}
}

func failedResult(tool string, errMsg string) models.ToolResult {
	return models.ToolResult{Tool: tool, Success: false, Error: errMsg}
}

// updateLeadProfile merges supplied fields into the lead's profile. Scalar
// fields overwrite only when non-empty; painPoints union with the existing
// set. Known fields are never removed.
func (e *Executor) updateLeadProfile(lead *models.Lead, call models.ToolCall) models.ToolResult {
	params, err := call.Function.ParseUpdateLeadProfileParams()
	if err != nil {
		return failedResult(models.ToolUpdateLeadProfile, err.Error())
	}

	profile := &lead.Profile
	if params.Name != "" {
		profile.Name = params.Name
	}
	if params.Company != "" {
		profile.Company = params.Company
	}
	if params.Role != "" {
		profile.Role = params.Role
	}
	if params.Industry != "" {
		profile.Industry = params.Industry
	}
	if params.ContactReason != "" {
		profile.ContactReason = params.ContactReason
	}
	if len(params.PainPoints) > 0 {
		profile.PainPoints = unionPainPoints(profile.PainPoints, params.PainPoints)
	}
	if params.LeadScore != nil {
		lead.LeadScore = *params.LeadScore
	}

	if err := e.leads.UpdateLead(*lead); err != nil {
		return failedResult(models.ToolUpdateLeadProfile, fmt.Sprintf("failed to persist profile: %v", err))
	}
	return models.ToolResult{Tool: models.ToolUpdateLeadProfile, Success: true, Message: "perfil actualizado"}
}

func unionPainPoints(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	merged := make([]string, 0, len(existing)+len(incoming))
	for _, p := range existing {
		if !seen[p] {
			seen[p] = true
			merged = append(merged, p)
		}
	}
	for _, p := range incoming {
		if p != "" && !seen[p] {
			seen[p] = true
			merged = append(merged, p)
		}
	}
	return merged
}

// checkAvailability returns the available slots for the requested date. Bad
// input comes back as a structured failure with a message distinguishing
// missing from malformed dates.
func (e *Executor) checkAvailability(call models.ToolCall) models.ToolResult {
	params, err := call.Function.ParseCheckAvailabilityParams()
	if err != nil {
		return failedResult(models.ToolCheckAvailability, err.Error())
	}
	parsed, err := params.ParseDate()
	if err != nil {
		return failedResult(models.ToolCheckAvailability, err.Error())
	}
	// Anchor the calendar date in the business timezone so day bounds line
	// up with local working hours.
	loc := e.settings.Timezone()
	date := time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 0, 0, 0, 0, loc)

	slots, err := e.booking.AvailableSlots(date)
	if err != nil {
		return failedResult(models.ToolCheckAvailability, fmt.Sprintf("failed to enumerate slots: %v", err))
	}

	data, err := json.Marshal(slots)
	if err != nil {
		return failedResult(models.ToolCheckAvailability, fmt.Sprintf("failed to encode slots: %v", err))
	}
	msg := fmt.Sprintf("%d horarios disponibles el %s", len(slots), date.Format("2006-01-02"))
	return models.ToolResult{Tool: models.ToolCheckAvailability, Success: true, Message: msg, Data: data}
}

// bookSlot books the requested slot for the lead. A taken slot or a
// validation failure comes back as success=false with a descriptive message.
func (e *Executor) bookSlot(lead *models.Lead, call models.ToolCall) models.ToolResult {
	params, err := call.Function.ParseBookSlotParams()
	if err != nil {
		return failedResult(models.ToolBookSlot, err.Error())
	}
	startAt, err := params.StartAt(e.settings.Timezone())
	if err != nil {
		return failedResult(models.ToolBookSlot, err.Error())
	}

	apt, ok, err := e.booking.Book(lead.ID, startAt, params.Notes)
	if err != nil {
		switch {
		case errors.Is(err, booking.ErrNotWorkingDay),
			errors.Is(err, booking.ErrOutsideHours),
			errors.Is(err, booking.ErrTooSoon),
			errors.Is(err, booking.ErrDailyCapReached):
			return failedResult(models.ToolBookSlot, err.Error())
		default:
			return failedResult(models.ToolBookSlot, fmt.Sprintf("booking failed: %v", err))
		}
	}
	if !ok {
		return failedResult(models.ToolBookSlot, "el horario solicitado ya no está disponible")
	}

	data, err := json.Marshal(apt)
	if err != nil {
		return failedResult(models.ToolBookSlot, fmt.Sprintf("failed to encode appointment: %v", err))
	}
	msg := fmt.Sprintf("cita agendada: %s", apt.StartTime.Format("2006-01-02 15:04"))
	return models.ToolResult{Tool: models.ToolBookSlot, Success: true, Message: msg, Data: data}
}

// handoffToHuman pauses the assistant for this lead and leaves a durable
// audit trace. Operator notification is out of scope; the audit entry is the
// queryable record a human picks the conversation up from.
func (e *Executor) handoffToHuman(lead *models.Lead, call models.ToolCall) models.ToolResult {
	params, err := call.Function.ParseHandoffToHumanParams()
	if err != nil {
		return failedResult(models.ToolHandoffToHuman, err.Error())
	}

	lead.AIPaused = true
	if err := e.leads.UpdateLead(*lead); err != nil {
		return failedResult(models.ToolHandoffToHuman, fmt.Sprintf("failed to pause assistant: %v", err))
	}

	payload, err := json.Marshal(params)
	if err != nil {
		payload = nil
	}
	entry := models.AuditLogEntry{
		ID:        util.GenerateAuditID(),
		LeadID:    lead.ID,
		EventType: "handoff_to_human",
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	if err := e.audit.AddAuditEntry(entry); err != nil {
		// The pause already took effect; surface the lost trace but report
		// the handoff itself as done.
		slog.Error("Executor.handoffToHuman: audit write failed", "leadID", lead.ID, "error", err)
	}
	slog.Info("Executor.handoffToHuman: assistant paused", "leadID", lead.ID, "urgency", params.Urgency)
	return models.ToolResult{Tool: models.ToolHandoffToHuman, Success: true, Message: "conversación transferida a un agente humano"}
}
