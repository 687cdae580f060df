// Package sweeper implements periodic calendar maintenance: cancelling
// appointments that were never confirmed and queueing day-before reminders
// for confirmed ones.
package sweeper

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/citabot/citabot/internal/models"
	"github.com/citabot/citabot/internal/ratelimit"
	"github.com/citabot/citabot/internal/settings"
	"github.com/citabot/citabot/internal/store"
)

// StaleAge is how long an appointment may stay unconfirmed before the
// sweeper cancels it.
const StaleAge = time.Hour

// Reminders go out in a two-hour window centered on 24 hours before the
// appointment, so an hourly sweep cannot miss one.
const (
	ReminderWindowStart = 23 * time.Hour
	ReminderWindowEnd   = 25 * time.Hour
)

// Sweeper runs the maintenance pass.
type Sweeper struct {
	store    store.Store
	settings *settings.Cache
	limiter  *ratelimit.Limiter

	// now is swappable for tests.
	now func() time.Time
}

// NewSweeper creates a maintenance sweeper. limiter may be nil when rate
// limit pruning is not wanted.
func NewSweeper(st store.Store, cache *settings.Cache, limiter *ratelimit.Limiter) *Sweeper {
	return &Sweeper{
		store:    st,
		settings: cache,
		limiter:  limiter,
		now:      time.Now,
	}
}

// Run executes one maintenance pass. The two tasks are fault-isolated: a
// cleanup failure does not stop reminders, and vice versa.
func (s *Sweeper) Run() {
	slog.Debug("Sweeper.Run: starting maintenance pass")

	if err := s.CleanupStale(); err != nil {
		slog.Error("Sweeper.Run: stale cleanup failed", "error", err)
	}
	if err := s.SendReminders(); err != nil {
		slog.Error("Sweeper.Run: reminder dispatch failed", "error", err)
	}
	if s.limiter != nil {
		if pruned := s.limiter.Prune(); pruned > 0 {
			slog.Debug("Sweeper.Run: pruned rate limiter windows", "pruned", pruned)
		}
	}
}

// CleanupStale cancels appointments that have sat unconfirmed for longer
// than StaleAge, freeing their slots.
func (s *Sweeper) CleanupStale() error {
	cutoff := s.now().Add(-StaleAge)
	n, err := s.store.CancelStaleUnconfirmed(cutoff)
	if err != nil {
		return fmt.Errorf("failed to cancel stale appointments: %w", err)
	}
	if n > 0 {
		slog.Info("Sweeper.CleanupStale: cancelled stale appointments", "count", n)
	}
	return nil
}

// SendReminders queues a reminder for every confirmed appointment starting
// 23 to 25 hours from now that has not been reminded yet. Failures are
// per-appointment: one bad record does not block the rest of the batch.
func (s *Sweeper) SendReminders() error {
	now := s.now()
	due, err := s.store.ListReminderDue(now.Add(ReminderWindowStart), now.Add(ReminderWindowEnd))
	if err != nil {
		return fmt.Errorf("failed to list reminder-due appointments: %w", err)
	}

	for _, apt := range due {
		if err := s.remind(apt); err != nil {
			slog.Error("Sweeper.SendReminders: reminder failed", "appointmentID", apt.ID, "error", err)
		}
	}
	return nil
}

func (s *Sweeper) remind(apt models.Appointment) error {
	lead, err := s.store.GetLead(apt.LeadID)
	if err != nil {
		return fmt.Errorf("failed to load lead %s: %w", apt.LeadID, err)
	}
	if lead == nil {
		return fmt.Errorf("lead %s not found for appointment %s", apt.LeadID, apt.ID)
	}

	body := reminderBody(lead, apt, s.settings.Timezone())
	payload, err := json.Marshal(store.OutboxPayload{To: lead.SenderID, Body: body})
	if err != nil {
		return fmt.Errorf("failed to encode reminder payload: %w", err)
	}

	// The dedupe key ties the reminder to the appointment: even if marking
	// reminder_sent fails and the sweep retries, only one message queues.
	dedupeKey := "reminder:" + apt.ID
	if _, err := s.store.EnqueueOutboxMessage(lead.SenderID, store.OutboxKindReminder, string(payload), dedupeKey); err != nil {
		return fmt.Errorf("failed to enqueue reminder: %w", err)
	}
	if err := s.store.MarkReminderSent(apt.ID); err != nil {
		return fmt.Errorf("failed to mark reminder sent: %w", err)
	}
	slog.Info("Sweeper.remind: reminder queued", "appointmentID", apt.ID, "leadID", lead.ID, "start", apt.StartTime)
	return nil
}

func reminderBody(lead *models.Lead, apt models.Appointment, loc *time.Location) string {
	start := apt.StartTime.In(loc)
	greeting := "Hola"
	if lead.Profile.Name != "" {
		greeting = "Hola " + lead.Profile.Name
	}
	return fmt.Sprintf(
		"%s 👋 Te recordamos tu cita de mañana, %s a las %s. Si necesitas reagendar, respóndenos por este medio.",
		greeting,
		start.Format("02/01/2006"),
		start.Format("15:04"),
	)
}
