package booking

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/citabot/citabot/internal/models"
	"github.com/citabot/citabot/internal/settings"
	"github.com/citabot/citabot/internal/store"
)

// fixedNow is a Monday at 09:00 UTC.
var fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "test.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	// UTC keeps slot arithmetic in the tests readable.
	if err := st.WriteSetting(models.SettingTimezone, json.RawMessage(`"UTC"`), "test"); err != nil {
		t.Fatalf("WriteSetting failed: %v", err)
	}

	cache := settings.NewCache(st, time.Minute)
	engine := NewEngine(st, cache)
	engine.now = func() time.Time { return fixedNow }

	// The appointments table has a foreign key on leads, so the leads the
	// tests book for must exist.
	for i, id := range []string{"lead_1", "lead_2"} {
		lead := models.Lead{
			ID:           id,
			SenderID:     fmt.Sprintf("521555123456%d", i),
			Status:       models.LeadStatusQualified,
			LastActiveAt: fixedNow,
			CreatedAt:    fixedNow,
		}
		if err := st.CreateLead(lead); err != nil {
			t.Fatalf("CreateLead %s failed: %v", id, err)
		}
	}
	return engine, st
}

func TestGenerateSlotsNonWorkingDay(t *testing.T) {
	engine, _ := newTestEngine(t)

	saturday := time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC)
	slots, err := engine.GenerateSlots(saturday)
	if err != nil {
		t.Fatalf("GenerateSlots failed: %v", err)
	}
	if len(slots) != 0 {
		t.Errorf("expected no slots on a non-working day, got %d", len(slots))
	}
}

func TestGenerateSlotsHourGrid(t *testing.T) {
	engine, _ := newTestEngine(t)

	tuesday := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	slots, err := engine.GenerateSlots(tuesday)
	if err != nil {
		t.Fatalf("GenerateSlots failed: %v", err)
	}
	// Default hours are 9 to 18 exclusive.
	if len(slots) != 9 {
		t.Fatalf("expected 9 slots, got %d", len(slots))
	}
	for i, slot := range slots {
		wantStart := tuesday.Add(time.Duration(9+i) * time.Hour)
		if !slot.StartTime.Equal(wantStart) {
			t.Errorf("slot %d: expected start %v, got %v", i, wantStart, slot.StartTime)
		}
		if !slot.EndTime.Equal(wantStart.Add(time.Hour)) {
			t.Errorf("slot %d: expected one-hour slot, got end %v", i, slot.EndTime)
		}
		if !slot.Available {
			t.Errorf("slot %d: expected available on empty calendar", i)
		}
	}
}

func TestGenerateSlotsMarksBufferedSlotsUnavailable(t *testing.T) {
	engine, _ := newTestEngine(t)

	// Today's slots all start within the 24h booking buffer.
	today := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	slots, err := engine.GenerateSlots(today)
	if err != nil {
		t.Fatalf("GenerateSlots failed: %v", err)
	}
	if len(slots) != 9 {
		t.Fatalf("expected full grid, got %d slots", len(slots))
	}
	for i, slot := range slots {
		if slot.Available {
			t.Errorf("slot %d: expected unavailable inside booking buffer", i)
		}
	}
}

func TestGenerateSlotsMarksBookedSlotUnavailable(t *testing.T) {
	engine, _ := newTestEngine(t)

	bookedStart := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)
	if _, ok, err := engine.Book("lead_1", bookedStart, ""); err != nil || !ok {
		t.Fatalf("setup booking failed: ok=%v err=%v", ok, err)
	}

	slots, err := engine.GenerateSlots(bookedStart)
	if err != nil {
		t.Fatalf("GenerateSlots failed: %v", err)
	}
	for _, slot := range slots {
		if slot.StartTime.Equal(bookedStart) {
			if slot.Available {
				t.Error("expected booked slot unavailable")
			}
		} else if !slot.Available {
			t.Errorf("expected slot %v available", slot.StartTime)
		}
	}
}

func TestBookValidation(t *testing.T) {
	engine, _ := newTestEngine(t)

	cases := []struct {
		name    string
		startAt time.Time
		wantErr error
	}{
		{"non-working day", time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC), ErrNotWorkingDay},
		{"not hour-aligned", time.Date(2026, 3, 3, 10, 30, 0, 0, time.UTC), ErrOutsideHours},
		{"before opening", time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC), ErrOutsideHours},
		{"at closing hour", time.Date(2026, 3, 3, 18, 0, 0, 0, time.UTC), ErrOutsideHours},
		{"inside booking buffer", time.Date(2026, 3, 2, 17, 0, 0, 0, time.UTC), ErrTooSoon},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := engine.Book("lead_1", tc.startAt, "")
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestBookConflictReturnsFalseWithoutError(t *testing.T) {
	engine, _ := newTestEngine(t)

	startAt := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)
	apt, ok, err := engine.Book("lead_1", startAt, "primera cita")
	if err != nil || !ok {
		t.Fatalf("first booking failed: ok=%v err=%v", ok, err)
	}
	if apt.Status != models.AppointmentStatusUnconfirmed {
		t.Errorf("expected unconfirmed appointment, got %s", apt.Status)
	}

	_, ok, err = engine.Book("lead_2", startAt, "")
	if err != nil {
		t.Fatalf("conflicting booking returned error: %v", err)
	}
	if ok {
		t.Error("expected conflicting booking to report slot taken")
	}
}

func TestBookDailyCap(t *testing.T) {
	engine, st := newTestEngine(t)
	if err := st.WriteSetting(models.SettingDailyCap, json.RawMessage(`2`), "test"); err != nil {
		t.Fatalf("WriteSetting failed: %v", err)
	}

	day := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	for hour := 10; hour < 12; hour++ {
		if _, ok, err := engine.Book("lead_1", day.Add(time.Duration(hour)*time.Hour), ""); err != nil || !ok {
			t.Fatalf("setup booking at %d:00 failed: ok=%v err=%v", hour, ok, err)
		}
	}

	_, _, err := engine.Book("lead_2", day.Add(14*time.Hour), "")
	if !errors.Is(err, ErrDailyCapReached) {
		t.Errorf("expected ErrDailyCapReached, got %v", err)
	}
}

func TestTransitions(t *testing.T) {
	engine, st := newTestEngine(t)

	apt, ok, err := engine.Book("lead_1", time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC), "")
	if err != nil || !ok {
		t.Fatalf("booking failed: ok=%v err=%v", ok, err)
	}

	if err := engine.Confirm(apt.ID); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	got, err := st.GetAppointment(apt.ID)
	if err != nil {
		t.Fatalf("GetAppointment failed: %v", err)
	}
	if got.Status != models.AppointmentStatusConfirmed {
		t.Errorf("expected confirmed, got %s", got.Status)
	}

	if err := engine.Complete(apt.ID); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	got, _ = st.GetAppointment(apt.ID)
	if got.Status != models.AppointmentStatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
}

func TestNextAvailableSkipsBufferedDay(t *testing.T) {
	engine, _ := newTestEngine(t)

	slot, err := engine.NextAvailable()
	if err != nil {
		t.Fatalf("NextAvailable failed: %v", err)
	}
	if slot == nil {
		t.Fatal("expected a slot on an empty calendar")
	}
	// Today is entirely inside the 24h buffer, so the first bookable slot is
	// tomorrow at opening.
	want := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	if !slot.StartTime.Equal(want) {
		t.Errorf("expected next available %v, got %v", want, slot.StartTime)
	}
}

func TestSlotOverlaps(t *testing.T) {
	base := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		name         string
		bStart, bEnd time.Time
		want         bool
	}{
		{"identical", base, base.Add(time.Hour), true},
		{"partial", base.Add(30 * time.Minute), base.Add(90 * time.Minute), true},
		{"contained", base.Add(15 * time.Minute), base.Add(45 * time.Minute), true},
		{"back to back after", base.Add(time.Hour), base.Add(2 * time.Hour), false},
		{"back to back before", base.Add(-time.Hour), base, false},
		{"disjoint", base.Add(3 * time.Hour), base.Add(4 * time.Hour), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := slotOverlaps(base, base.Add(time.Hour), tc.bStart, tc.bEnd); got != tc.want {
				t.Errorf("slotOverlaps = %v, want %v", got, tc.want)
			}
		})
	}
}
