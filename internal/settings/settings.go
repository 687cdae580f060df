// Package settings provides a read-through TTL cache over the business
// settings store. All business configuration reads go through here so a
// settings change propagates within one TTL without restarting the service.
package settings

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/citabot/citabot/internal/models"
	"github.com/citabot/citabot/internal/store"
)

// DefaultTTL is the cache entry lifetime unless overridden.
const DefaultTTL = 60 * time.Second

// Business configuration defaults served when a key is absent or the store
// read fails. Weekday values follow time.Weekday (Sunday = 0).
const (
	DefaultStartHour       = 9
	DefaultEndHour         = 18
	DefaultSlotDurationMin = 60
	DefaultBookingBufferH  = 24
	DefaultDailyCap        = 8
	DefaultTimezone        = "America/Mexico_City"
	DefaultRatePerMinute   = 10
)

// DefaultWorkingDays is Monday through Friday.
var DefaultWorkingDays = []int{1, 2, 3, 4, 5}

type cacheEntry struct {
	value     json.RawMessage
	fetchedAt time.Time
}

// Cache is a process-local read-through cache over a SettingsRepo.
type Cache struct {
	repo store.SettingsRepo
	ttl  time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry

	// now is swappable for tests.
	now func() time.Time
}

// NewCache creates a settings cache with the given TTL. A non-positive ttl
// falls back to DefaultTTL.
func NewCache(repo store.SettingsRepo, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		repo:    repo,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Get returns the raw value for key, re-reading from the store when the
// cached entry has expired. On store error or absent key, def is returned
// so a degraded settings store never blocks the conversation path.
func (c *Cache) Get(key string, def json.RawMessage) json.RawMessage {
	now := c.now()

	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if ok && now.Sub(entry.fetchedAt) < c.ttl {
		return entry.value
	}

	setting, err := c.repo.ReadSetting(key)
	if err != nil {
		slog.Warn("Cache.Get: settings read failed, serving default", "key", key, "error", err)
		return def
	}
	if setting == nil {
		// Absent keys are cached too, as the default, to avoid re-querying
		// every read until someone writes the key.
		c.store(key, def, now)
		return def
	}

	c.store(key, setting.Value, now)
	return setting.Value
}

func (c *Cache) store(key string, value json.RawMessage, at time.Time) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{value: value, fetchedAt: at}
	c.mu.Unlock()
}

// Invalidate drops a single cached entry. Write paths call this right after
// a successful settings update.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	slog.Debug("Cache.Invalidate", "key", key)
}

// InvalidateAll drops every cached entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
	slog.Debug("Cache.InvalidateAll")
}

// Write persists a setting and invalidates its cache entry so the next read
// observes the new value immediately.
func (c *Cache) Write(key string, value json.RawMessage, updatedBy string) error {
	if !json.Valid(value) {
		return fmt.Errorf("setting %s: value is not valid JSON", key)
	}
	if err := c.repo.WriteSetting(key, value, updatedBy); err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	c.Invalidate(key)
	return nil
}

// --- typed getters ---

func (c *Cache) getInt(key string, def int) int {
	raw := c.Get(key, nil)
	if raw == nil {
		return def
	}
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		slog.Warn("Cache.getInt: malformed setting value, serving default", "key", key, "error", err)
		return def
	}
	return v
}

// WorkingDays returns the configured working weekdays (time.Weekday values).
func (c *Cache) WorkingDays() []time.Weekday {
	raw := c.Get(models.SettingWorkingDays, nil)
	days := DefaultWorkingDays
	if raw != nil {
		var parsed []int
		if err := json.Unmarshal(raw, &parsed); err != nil || len(parsed) == 0 {
			slog.Warn("Cache.WorkingDays: malformed setting value, serving default", "error", err)
		} else {
			days = parsed
		}
	}
	out := make([]time.Weekday, 0, len(days))
	for _, d := range days {
		if d >= 0 && d <= 6 {
			out = append(out, time.Weekday(d))
		}
	}
	return out
}

// StartHour returns the first bookable hour of the working day.
func (c *Cache) StartHour() int {
	return c.getInt(models.SettingStartHour, DefaultStartHour)
}

// EndHour returns the exclusive end hour of the working day.
func (c *Cache) EndHour() int {
	return c.getInt(models.SettingEndHour, DefaultEndHour)
}

// SlotDuration returns the appointment slot length.
func (c *Cache) SlotDuration() time.Duration {
	return time.Duration(c.getInt(models.SettingSlotDurationMin, DefaultSlotDurationMin)) * time.Minute
}

// BookingBuffer returns the minimum lead time between now and a bookable slot.
func (c *Cache) BookingBuffer() time.Duration {
	return time.Duration(c.getInt(models.SettingBookingBufferH, DefaultBookingBufferH)) * time.Hour
}

// DailyCap returns the maximum number of active appointments per day.
func (c *Cache) DailyCap() int {
	return c.getInt(models.SettingDailyCap, DefaultDailyCap)
}

// RatePerMinute returns the inbound message ceiling per sender per minute.
func (c *Cache) RatePerMinute() int {
	return c.getInt(models.SettingRatePerMinute, DefaultRatePerMinute)
}

// Timezone returns the business timezone location. Falls back to the default
// zone, then UTC, if the configured name fails to load.
func (c *Cache) Timezone() *time.Location {
	name := DefaultTimezone
	raw := c.Get(models.SettingTimezone, nil)
	if raw != nil {
		var parsed string
		if err := json.Unmarshal(raw, &parsed); err == nil && parsed != "" {
			name = parsed
		}
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		slog.Warn("Cache.Timezone: failed to load location, falling back", "name", name, "error", err)
		loc, err = time.LoadLocation(DefaultTimezone)
		if err != nil {
			return time.UTC
		}
	}
	return loc
}
