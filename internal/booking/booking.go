// Package booking implements slot generation and appointment booking over
// the business calendar. The half-open overlap test in slotOverlaps is the
// single conflict rule; slot generation and the insertion path in the store
// both apply the same comparison.
package booking

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/citabot/citabot/internal/models"
	"github.com/citabot/citabot/internal/settings"
	"github.com/citabot/citabot/internal/store"
	"github.com/citabot/citabot/internal/util"
)

// NextAvailableHorizonDays bounds how far ahead NextAvailable searches.
const NextAvailableHorizonDays = 14

var (
	// ErrNotWorkingDay is returned when the requested date falls outside the
	// configured working days.
	ErrNotWorkingDay = errors.New("requested date is not a working day")

	// ErrOutsideHours is returned when the requested start time is not an
	// hour-aligned slot inside business hours.
	ErrOutsideHours = errors.New("requested time is outside business hours")

	// ErrTooSoon is returned when the requested slot starts before the
	// configured booking buffer elapses.
	ErrTooSoon = errors.New("requested slot is too soon")

	// ErrDailyCapReached is returned when the day already holds the maximum
	// number of active appointments.
	ErrDailyCapReached = errors.New("daily appointment cap reached")
)

// Engine generates slots and books appointments against the calendar.
type Engine struct {
	appointments store.AppointmentRepo
	settings     *settings.Cache

	// now is swappable for tests.
	now func() time.Time
}

// NewEngine creates a booking engine.
func NewEngine(appointments store.AppointmentRepo, cache *settings.Cache) *Engine {
	return &Engine{
		appointments: appointments,
		settings:     cache,
		now:          time.Now,
	}
}

// slotOverlaps reports whether two half-open intervals [aStart, aEnd) and
// [bStart, bEnd) intersect.
func slotOverlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

// activeStatuses are the appointment states that occupy calendar time.
var activeStatuses = []models.AppointmentStatus{
	models.AppointmentStatusUnconfirmed,
	models.AppointmentStatusConfirmed,
}

// dayBounds returns the start and end of date's calendar day in the business
// timezone.
func (e *Engine) dayBounds(date time.Time) (time.Time, time.Time) {
	loc := e.settings.Timezone()
	d := date.In(loc)
	start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

func (e *Engine) isWorkingDay(date time.Time) bool {
	weekday := date.In(e.settings.Timezone()).Weekday()
	for _, d := range e.settings.WorkingDays() {
		if d == weekday {
			return true
		}
	}
	return false
}

// GenerateSlots returns the day's slot grid for date. Non-working days yield
// an empty list. Each slot carries an availability flag computed against the
// day's active appointments; slots in the past or inside the booking buffer
// are marked unavailable but still listed so callers can render a full grid.
func (e *Engine) GenerateSlots(date time.Time) ([]models.Slot, error) {
	if !e.isWorkingDay(date) {
		return nil, nil
	}

	dayStart, dayEnd := e.dayBounds(date)
	existing, err := e.appointments.ListAppointmentsByRange(dayStart, dayEnd, activeStatuses)
	if err != nil {
		return nil, fmt.Errorf("failed to list appointments for %s: %w", dayStart.Format("2006-01-02"), err)
	}

	startHour := e.settings.StartHour()
	endHour := e.settings.EndHour()
	duration := e.settings.SlotDuration()
	earliest := e.now().Add(e.settings.BookingBuffer())

	var slots []models.Slot
	for hour := startHour; hour < endHour; hour++ {
		slotStart := dayStart.Add(time.Duration(hour) * time.Hour)
		slotEnd := slotStart.Add(duration)

		available := !slotStart.Before(earliest)
		if available {
			for _, apt := range existing {
				if slotOverlaps(slotStart, slotEnd, apt.StartTime, apt.EndTime) {
					available = false
					break
				}
			}
		}
		slots = append(slots, models.Slot{StartTime: slotStart, EndTime: slotEnd, Available: available})
	}
	return slots, nil
}

// AvailableSlots returns only the bookable slots for date.
func (e *Engine) AvailableSlots(date time.Time) ([]models.Slot, error) {
	slots, err := e.GenerateSlots(date)
	if err != nil {
		return nil, err
	}
	var available []models.Slot
	for _, s := range slots {
		if s.Available {
			available = append(available, s)
		}
	}
	return available, nil
}

// Book creates an unconfirmed appointment for leadID starting at startAt.
// The boolean result is false when the slot was taken by a concurrent
// booking; validation failures return a sentinel error instead.
func (e *Engine) Book(leadID string, startAt time.Time, notes string) (*models.Appointment, bool, error) {
	loc := e.settings.Timezone()
	startAt = startAt.In(loc)

	if !e.isWorkingDay(startAt) {
		return nil, false, ErrNotWorkingDay
	}
	if startAt.Minute() != 0 || startAt.Second() != 0 || startAt.Nanosecond() != 0 ||
		startAt.Hour() < e.settings.StartHour() || startAt.Hour() >= e.settings.EndHour() {
		return nil, false, ErrOutsideHours
	}
	if startAt.Before(e.now().Add(e.settings.BookingBuffer())) {
		return nil, false, ErrTooSoon
	}

	dayStart, dayEnd := e.dayBounds(startAt)
	existing, err := e.appointments.ListAppointmentsByRange(dayStart, dayEnd, activeStatuses)
	if err != nil {
		return nil, false, fmt.Errorf("failed to check daily cap: %w", err)
	}
	if dailyCap := e.settings.DailyCap(); dailyCap > 0 && len(existing) >= dailyCap {
		return nil, false, ErrDailyCapReached
	}

	apt := models.Appointment{
		ID:        util.GenerateAppointmentID(),
		LeadID:    leadID,
		StartTime: startAt,
		EndTime:   startAt.Add(e.settings.SlotDuration()),
		Status:    models.AppointmentStatusUnconfirmed,
		Notes:     notes,
		CreatedAt: e.now(),
	}

	created, err := e.appointments.CreateAppointmentIfFree(apt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to book appointment: %w", err)
	}
	if !created {
		slog.Info("Engine.Book: slot conflict", "leadID", leadID, "start", startAt)
		return nil, false, nil
	}
	slog.Info("Engine.Book: appointment created", "id", apt.ID, "leadID", leadID, "start", startAt)
	return &apt, true, nil
}

// Confirm transitions an appointment to confirmed.
func (e *Engine) Confirm(id string) error {
	return e.transition(id, models.AppointmentStatusConfirmed)
}

// Cancel transitions an appointment to cancelled.
func (e *Engine) Cancel(id string) error {
	return e.transition(id, models.AppointmentStatusCancelled)
}

// Complete transitions an appointment to completed.
func (e *Engine) Complete(id string) error {
	return e.transition(id, models.AppointmentStatusCompleted)
}

func (e *Engine) transition(id string, status models.AppointmentStatus) error {
	if err := e.appointments.UpdateAppointmentStatus(id, status); err != nil {
		return fmt.Errorf("failed to transition appointment %s to %s: %w", id, status, err)
	}
	slog.Info("Engine.transition", "id", id, "status", status)
	return nil
}

// NextAvailable returns the first bookable slot within the search horizon,
// or nil when the calendar is full.
func (e *Engine) NextAvailable() (*models.Slot, error) {
	loc := e.settings.Timezone()
	day := e.now().In(loc)
	for i := 0; i < NextAvailableHorizonDays; i++ {
		slots, err := e.AvailableSlots(day)
		if err != nil {
			return nil, err
		}
		if len(slots) > 0 {
			return &slots[0], nil
		}
		day = day.AddDate(0, 0, 1)
	}
	return nil, nil
}
