package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/citabot/citabot/internal/models"
)

// postEventHandler injects an inbound event into the pipeline. It serves
// test harnesses and channel integrations that deliver over HTTP instead of
// a live socket.
func (s *Server) postEventHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var event models.InboundEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		slog.Warn("Server.postEventHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if event.SenderID == "" || event.Text == "" || event.ExternalMessageID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("sender_id, text and external_message_id are required"))
		return
	}

	canonical, err := s.msgService.ValidateAndCanonicalizeRecipient(event.SenderID)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid sender: "+err.Error()))
		return
	}
	event.SenderID = canonical
	if event.TimestampEpochSec == 0 {
		event.TimestampEpochSec = time.Now().Unix()
	}

	// Webhook retries re-deliver the same external message ID; answer those
	// without scheduling anything.
	if dup, err := s.st.IsDuplicate(event.ExternalMessageID); err == nil && dup {
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Event already received", nil))
		return
	}

	if err := s.queue.EnqueueTurn(event); err != nil {
		slog.Error("Server.postEventHandler: enqueue failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to schedule event"))
		return
	}
	writeJSONResponse(w, http.StatusAccepted, models.SuccessWithMessage("Event scheduled", nil))
}

// getLeadBySenderHandler handles GET /leads?sender=NNN.
func (s *Server) getLeadBySenderHandler(w http.ResponseWriter, r *http.Request) {
	sender := r.URL.Query().Get("sender")
	if sender == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("sender query parameter is required"))
		return
	}

	canonical, err := s.msgService.ValidateAndCanonicalizeRecipient(sender)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid sender: "+err.Error()))
		return
	}

	lead, err := s.st.GetLeadBySenderID(canonical)
	if err != nil {
		slog.Error("Server.getLeadBySenderHandler: lookup failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to look up lead"))
		return
	}
	if lead == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Lead not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(lead))
}

func (s *Server) getLeadHandler(w http.ResponseWriter, r *http.Request) {
	lead, err := s.st.GetLead(r.PathValue("id"))
	if err != nil {
		slog.Error("Server.getLeadHandler: lookup failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to look up lead"))
		return
	}
	if lead == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Lead not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(lead))
}

func (s *Server) getLeadMessagesHandler(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50)
	messages, err := s.st.ListMessages(r.PathValue("id"), limit)
	if err != nil {
		slog.Error("Server.getLeadMessagesHandler: query failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list messages"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(messages))
}

func (s *Server) getLeadAuditHandler(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 100)
	entries, err := s.st.ListAuditEntries(r.PathValue("id"), limit)
	if err != nil {
		slog.Error("Server.getLeadAuditHandler: query failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list audit entries"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(entries))
}

// listAppointmentsHandler handles GET /appointments?from=YYYY-MM-DD&to=YYYY-MM-DD&status=confirmed,unconfirmed.
func (s *Server) listAppointmentsHandler(w http.ResponseWriter, r *http.Request) {
	loc := s.cache.Timezone()
	now := time.Now().In(loc)

	from := startOfDay(now, loc)
	if v := r.URL.Query().Get("from"); v != "" {
		parsed, err := time.ParseInLocation("2006-01-02", v, loc)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid from date (expected YYYY-MM-DD)"))
			return
		}
		from = parsed
	}

	to := from.AddDate(0, 0, 7)
	if v := r.URL.Query().Get("to"); v != "" {
		parsed, err := time.ParseInLocation("2006-01-02", v, loc)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid to date (expected YYYY-MM-DD)"))
			return
		}
		// The to date is inclusive.
		to = parsed.AddDate(0, 0, 1)
	}

	var statuses []models.AppointmentStatus
	if v := r.URL.Query().Get("status"); v != "" {
		for _, raw := range strings.Split(v, ",") {
			status := models.AppointmentStatus(strings.TrimSpace(raw))
			switch status {
			case models.AppointmentStatusUnconfirmed, models.AppointmentStatusConfirmed,
				models.AppointmentStatusCancelled, models.AppointmentStatusCompleted:
				statuses = append(statuses, status)
			default:
				writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid status: "+string(status)))
				return
			}
		}
	}

	appointments, err := s.st.ListAppointmentsByRange(from, to, statuses)
	if err != nil {
		slog.Error("Server.listAppointmentsHandler: query failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list appointments"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(appointments))
}

// appointmentTransitionHandler serves the confirm, cancel and complete
// actions, keyed off the last path segment.
func (s *Server) appointmentTransitionHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	apt, err := s.st.GetAppointment(id)
	if err != nil {
		slog.Error("Server.appointmentTransitionHandler: lookup failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to look up appointment"))
		return
	}
	if apt == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Appointment not found"))
		return
	}

	action := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	switch action {
	case "confirm":
		err = s.engine.Confirm(id)
	case "cancel":
		err = s.engine.Cancel(id)
	case "complete":
		err = s.engine.Complete(id)
	default:
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown action"))
		return
	}
	if err != nil {
		slog.Error("Server.appointmentTransitionHandler: transition failed", "id", id, "action", action, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update appointment"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Appointment updated", nil))
}

// getAvailabilityHandler handles GET /availability?date=YYYY-MM-DD.
func (s *Server) getAvailabilityHandler(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query().Get("date")
	if v == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("date query parameter is required"))
		return
	}
	loc := s.cache.Timezone()
	date, err := time.ParseInLocation("2006-01-02", v, loc)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid date (expected YYYY-MM-DD)"))
		return
	}

	slots, err := s.engine.GenerateSlots(date)
	if err != nil {
		slog.Error("Server.getAvailabilityHandler: slot generation failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to generate slots"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(slots))
}

func (s *Server) getSettingHandler(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	setting, err := s.st.ReadSetting(key)
	if err != nil {
		slog.Error("Server.getSettingHandler: read failed", "key", key, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read setting"))
		return
	}
	if setting == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Setting not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(setting))
}

// settingUpdateRequest is the body for PUT /settings/{key}.
type settingUpdateRequest struct {
	Value     json.RawMessage `json:"value"`
	UpdatedBy string          `json:"updated_by"`
}

// putSettingHandler writes a setting through the cache so readers observe
// the new value immediately.
func (s *Server) putSettingHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	key := r.PathValue("key")

	var req settingUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if len(req.Value) == 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("value is required"))
		return
	}

	if err := s.cache.Write(key, req.Value, req.UpdatedBy); err != nil {
		slog.Error("Server.putSettingHandler: write failed", "key", key, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to write setting"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Setting updated", nil))
}

func parseLimit(r *http.Request, def int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	d := t.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
}
