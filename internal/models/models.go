// Package models defines the core domain entities for Citabot.
//
// It covers leads, their message history, calendar appointments, the audit
// trail, business settings, and the inbound event consumed by the
// conversation pipeline.
package models

import (
	"encoding/json"
	"time"
)

// LeadStatus represents the lifecycle state of a lead.
type LeadStatus string

const (
	LeadStatusNew        LeadStatus = "new"
	LeadStatusDiagnosing LeadStatus = "diagnosing"
	LeadStatusQualified  LeadStatus = "qualified"
	LeadStatusBooked     LeadStatus = "booked"
	LeadStatusNurture    LeadStatus = "nurture"
	LeadStatusClosedLost LeadStatus = "closed_lost"
)

// ValidLeadStatus reports whether s is a known lead status.
func ValidLeadStatus(s LeadStatus) bool {
	switch s {
	case LeadStatusNew, LeadStatusDiagnosing, LeadStatusQualified,
		LeadStatusBooked, LeadStatusNurture, LeadStatusClosedLost:
		return true
	}
	return false
}

// LeadProfile holds the free-form structured profile gathered during
// conversation. List-valued fields are merged by set union; scalar fields
// are overwritten only when a non-empty value arrives.
type LeadProfile struct {
	Name          string   `json:"name,omitempty"`
	Company       string   `json:"company,omitempty"`
	Role          string   `json:"role,omitempty"`
	Industry      string   `json:"industry,omitempty"`
	PainPoints    []string `json:"pain_points,omitempty"`
	ContactReason string   `json:"contact_reason,omitempty"`
}

// Lead is one tracked conversation identity, unique per sender.
type Lead struct {
	ID           string      `json:"id"`
	SenderID     string      `json:"sender_id"`
	Profile      LeadProfile `json:"profile"`
	Status       LeadStatus  `json:"status"`
	LeadScore    int         `json:"lead_score"`
	AIPaused     bool        `json:"ai_paused"`
	LastActiveAt time.Time   `json:"last_active_at"`
	CreatedAt    time.Time   `json:"created_at"`
}

// MessageRole identifies who authored a conversation message.
type MessageRole string

const (
	MessageRoleUser       MessageRole = "user"
	MessageRoleAssistant  MessageRole = "assistant"
	MessageRoleSystem     MessageRole = "system"
	MessageRoleHumanAgent MessageRole = "human_agent"
)

// Message is one append-only entry in a lead's conversation log.
type Message struct {
	ID        string      `json:"id"`
	LeadID    string      `json:"lead_id"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}

// AppointmentStatus represents the lifecycle state of an appointment.
type AppointmentStatus string

const (
	AppointmentStatusUnconfirmed AppointmentStatus = "unconfirmed"
	AppointmentStatusConfirmed   AppointmentStatus = "confirmed"
	AppointmentStatusCancelled   AppointmentStatus = "cancelled"
	AppointmentStatusCompleted   AppointmentStatus = "completed"
)

// Appointment is a booked calendar interval for a lead. Appointments with
// status unconfirmed or confirmed occupy the calendar: no two of them may
// have overlapping [StartTime, EndTime) intervals.
type Appointment struct {
	ID           string            `json:"id"`
	LeadID       string            `json:"lead_id"`
	StartTime    time.Time         `json:"start_time"`
	EndTime      time.Time         `json:"end_time"`
	Status       AppointmentStatus `json:"status"`
	Notes        string            `json:"notes,omitempty"`
	ReminderSent bool              `json:"reminder_sent"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Occupies reports whether the appointment blocks the calendar.
func (a Appointment) Occupies() bool {
	return a.Status == AppointmentStatusUnconfirmed || a.Status == AppointmentStatusConfirmed
}

// Slot is one fixed-duration candidate interval on a given date.
type Slot struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Available bool      `json:"available"`
}

// AuditLogEntry records one observable event in the pipeline. Entries are
// append-only and never read back for decisions.
type AuditLogEntry struct {
	ID        string          `json:"id"`
	LeadID    string          `json:"lead_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	LatencyMs int64           `json:"latency_ms"`
	CreatedAt time.Time       `json:"created_at"`
}

// BusinessSetting is one key-value configuration row.
type BusinessSetting struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
	UpdatedBy string          `json:"updated_by,omitempty"`
}

// Well-known business setting keys.
const (
	SettingWorkingDays     = "working_days"      // []int, time.Weekday values
	SettingStartHour       = "start_hour"        // int, 0-23
	SettingEndHour         = "end_hour"          // int, 0-23
	SettingSlotDurationMin = "slot_duration_min" // int, minutes
	SettingBookingBufferH  = "booking_buffer_h"  // int, hours of lead time required
	SettingDailyCap        = "daily_cap"         // int, max bookings per day
	SettingTimezone        = "timezone"          // string, IANA zone
	SettingRatePerMinute   = "rate_per_minute"   // int, inbound messages per sender
)

// InboundEvent is the validated, parsed message event the pipeline consumes.
// Webhook framing and authenticity verification happen upstream.
type InboundEvent struct {
	SenderID          string `json:"sender_id"`
	Text              string `json:"text"`
	DisplayName       string `json:"display_name"`
	ExternalMessageID string `json:"external_message_id"`
	TimestampEpochSec int64  `json:"timestamp_epoch_seconds"`
}

// Timestamp returns the event time as a time.Time.
func (e InboundEvent) Timestamp() time.Time {
	return time.Unix(e.TimestampEpochSec, 0)
}
