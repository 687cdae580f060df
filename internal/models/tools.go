// Package models defines tool structures for LLM function calling.
package models

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Tool function names exposed to the LLM.
const (
	// ToolUpdateLeadProfile merges newly learned facts into the lead profile.
	ToolUpdateLeadProfile = "update_lead_profile"
	// ToolCheckAvailability lists available slots for a date.
	ToolCheckAvailability = "check_availability"
	// ToolBookSlot books an appointment slot.
	ToolBookSlot = "book_slot"
	// ToolHandoffToHuman pauses the AI and flags the lead for a human operator.
	ToolHandoffToHuman = "handoff_to_human"
)

// UpdateLeadProfileParams defines the parameters for the update_lead_profile tool.
type UpdateLeadProfileParams struct {
	Name          string   `json:"name,omitempty"`
	Company       string   `json:"company,omitempty"`
	Role          string   `json:"role,omitempty"`
	Industry      string   `json:"industry,omitempty"`
	PainPoints    []string `json:"pain_points,omitempty"`
	ContactReason string   `json:"contact_reason,omitempty"`
	LeadScore     *int     `json:"lead_score,omitempty"` // 0-100, optional
}

// Validate ensures the profile update parameters are valid.
func (p *UpdateLeadProfileParams) Validate() error {
	if p.LeadScore != nil && (*p.LeadScore < 0 || *p.LeadScore > 100) {
		return fmt.Errorf("lead_score must be between 0 and 100, got %d", *p.LeadScore)
	}
	return nil
}

// CheckAvailabilityParams defines the parameters for the check_availability tool.
type CheckAvailabilityParams struct {
	Date string `json:"date"` // YYYY-MM-DD
}

// ErrDateMissing and ErrDateMalformed distinguish the two adversarial-input
// failure modes the availability tool must report without raising.
var (
	ErrDateMissing   = fmt.Errorf("date is required (expected YYYY-MM-DD)")
	ErrDateMalformed = fmt.Errorf("date is not a valid calendar date (expected YYYY-MM-DD)")
)

var dateFormatRegex = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// ParseDate validates and parses the tool's date argument. Missing and
// malformed inputs produce distinct errors.
func (p *CheckAvailabilityParams) ParseDate() (time.Time, error) {
	trimmed := strings.TrimSpace(p.Date)
	if trimmed == "" {
		return time.Time{}, ErrDateMissing
	}
	if !dateFormatRegex.MatchString(trimmed) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrDateMalformed, trimmed)
	}
	d, err := time.Parse("2006-01-02", trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrDateMalformed, trimmed)
	}
	return d, nil
}

// BookSlotParams defines the parameters for the book_slot tool.
type BookSlotParams struct {
	Date      string `json:"date"`       // YYYY-MM-DD
	StartTime string `json:"start_time"` // HH:MM, 24-hour
	Notes     string `json:"notes,omitempty"`
}

// Validate ensures the booking parameters are well-formed.
func (p *BookSlotParams) Validate() error {
	cap := CheckAvailabilityParams{Date: p.Date}
	if _, err := cap.ParseDate(); err != nil {
		return err
	}
	if strings.TrimSpace(p.StartTime) == "" {
		return fmt.Errorf("start_time is required (expected HH:MM)")
	}
	if err := validateTimeFormat(p.StartTime); err != nil {
		return fmt.Errorf("invalid start_time: %w", err)
	}
	return nil
}

// StartAt combines the date and start time in the given location.
func (p *BookSlotParams) StartAt(loc *time.Location) (time.Time, error) {
	if err := p.Validate(); err != nil {
		return time.Time{}, err
	}
	t, err := time.ParseInLocation("2006-01-02 15:04", strings.TrimSpace(p.Date)+" "+strings.TrimSpace(p.StartTime), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid booking time: %w", err)
	}
	return t, nil
}

// HandoffUrgency enumerates how urgently a human should take over.
type HandoffUrgency string

const (
	HandoffUrgencyLow    HandoffUrgency = "low"
	HandoffUrgencyMedium HandoffUrgency = "medium"
	HandoffUrgencyHigh   HandoffUrgency = "high"
)

// HandoffToHumanParams defines the parameters for the handoff_to_human tool.
type HandoffToHumanParams struct {
	Reason  string         `json:"reason"`
	Urgency HandoffUrgency `json:"urgency"`
	Summary string         `json:"summary,omitempty"`
}

// Validate ensures the handoff parameters are valid.
func (p *HandoffToHumanParams) Validate() error {
	if strings.TrimSpace(p.Reason) == "" {
		return fmt.Errorf("reason is required")
	}
	switch p.Urgency {
	case HandoffUrgencyLow, HandoffUrgencyMedium, HandoffUrgencyHigh:
	case "":
		p.Urgency = HandoffUrgencyMedium
	default:
		return fmt.Errorf("invalid urgency: %s", p.Urgency)
	}
	return nil
}

// validateTimeFormat validates that a time string is in HH:MM format (24-hour).
func validateTimeFormat(timeStr string) error {
	timeRegex := regexp.MustCompile(`^([0-1]?[0-9]|2[0-3]):[0-5][0-9]$`)
	if !timeRegex.MatchString(strings.TrimSpace(timeStr)) {
		return fmt.Errorf("time must be in HH:MM format (24-hour)")
	}
	if _, err := time.Parse("15:04", strings.TrimSpace(timeStr)); err != nil {
		return fmt.Errorf("invalid time: %w", err)
	}
	return nil
}

// ToolCall represents an LLM tool function call.
type ToolCall struct {
	ID       string       `json:"id"`       // Tool call ID from OpenAI
	Type     string       `json:"type"`     // Always "function" for OpenAI
	Function FunctionCall `json:"function"` // Function details
}

// FunctionCall represents the function details within a tool call.
type FunctionCall struct {
	Name      string          `json:"name"`      // Function name (e.g., "book_slot")
	Arguments json.RawMessage `json:"arguments"` // JSON arguments as raw message
}

// decodeStrict unmarshals arguments rejecting any field the schema does not
// declare, so malformed model output fails closed instead of being coerced.
func (fc *FunctionCall) decodeStrict(v interface{}) error {
	dec := json.NewDecoder(strings.NewReader(string(fc.Arguments)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("failed to parse %s arguments: %w", fc.Name, err)
	}
	return nil
}

// ParseUpdateLeadProfileParams parses the arguments as UpdateLeadProfileParams.
func (fc *FunctionCall) ParseUpdateLeadProfileParams() (*UpdateLeadProfileParams, error) {
	if fc.Name != ToolUpdateLeadProfile {
		return nil, fmt.Errorf("function name %s is not an update_lead_profile function", fc.Name)
	}
	var params UpdateLeadProfileParams
	if err := fc.decodeStrict(&params); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid update_lead_profile parameters: %w", err)
	}
	return &params, nil
}

// ParseCheckAvailabilityParams parses the arguments as CheckAvailabilityParams.
// Note: date content is validated by the executor so it can report distinct
// missing/malformed outcomes; only the JSON shape fails here.
func (fc *FunctionCall) ParseCheckAvailabilityParams() (*CheckAvailabilityParams, error) {
	if fc.Name != ToolCheckAvailability {
		return nil, fmt.Errorf("function name %s is not a check_availability function", fc.Name)
	}
	var params CheckAvailabilityParams
	if err := fc.decodeStrict(&params); err != nil {
		return nil, err
	}
	return &params, nil
}

// ParseBookSlotParams parses the arguments as BookSlotParams.
func (fc *FunctionCall) ParseBookSlotParams() (*BookSlotParams, error) {
	if fc.Name != ToolBookSlot {
		return nil, fmt.Errorf("function name %s is not a book_slot function", fc.Name)
	}
	var params BookSlotParams
	if err := fc.decodeStrict(&params); err != nil {
		return nil, err
	}
	return &params, nil
}

// ParseHandoffToHumanParams parses the arguments as HandoffToHumanParams.
func (fc *FunctionCall) ParseHandoffToHumanParams() (*HandoffToHumanParams, error) {
	if fc.Name != ToolHandoffToHuman {
		return nil, fmt.Errorf("function name %s is not a handoff_to_human function", fc.Name)
	}
	var params HandoffToHumanParams
	if err := fc.decodeStrict(&params); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid handoff_to_human parameters: %w", err)
	}
	return &params, nil
}

// ToolResult represents the result of executing a tool.
type ToolResult struct {
	ToolCallID string      `json:"tool_call_id"`    // ID of the tool call this responds to
	Tool       string      `json:"tool"`            // Function name that was executed
	Success    bool        `json:"success"`         // Whether the tool execution succeeded
	Message    string      `json:"message"`         // Human-readable result message
	Error      string      `json:"error,omitempty"` // Error message if success is false
	Data       interface{} `json:"data,omitempty"`  // Additional data (e.g., slot list)
}
