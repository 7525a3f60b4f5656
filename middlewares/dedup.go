package middlewares

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/netresearch/jobbroker/core"
)

// NotificationDedup provides deduplication of error notifications.
// It tracks recent error notifications and suppresses duplicates within
// a configurable cooldown period to prevent notification spam.
type NotificationDedup struct {
	cooldown time.Duration
	entries  map[string]time.Time
	mu       sync.RWMutex
}

// NewNotificationDedup creates a new notification deduplicator with the
// specified cooldown period. If cooldown is 0, deduplication is disabled
// and all notifications are allowed.
func NewNotificationDedup(cooldown time.Duration) *NotificationDedup {
	return &NotificationDedup{
		cooldown: cooldown,
		entries:  make(map[string]time.Time),
	}
}

// ShouldNotify returns true if the notification should be sent, false if it
// should be suppressed as a duplicate. Successful jobs always return true
// (no deduplication for success). Failed jobs are deduplicated based on job
// name, application, and reason.
func (d *NotificationDedup) ShouldNotify(n core.NotifyEvent) bool {
	// Disabled dedup - always notify
	if d.cooldown == 0 {
		return true
	}

	// Always notify for successful jobs
	if n.State != "error" {
		return true
	}

	key := d.generateKey(n)

	d.mu.Lock()
	defer d.mu.Unlock()

	lastNotified, exists := d.entries[key]
	now := time.Now()

	// First occurrence or cooldown expired
	if !exists || now.Sub(lastNotified) >= d.cooldown {
		d.entries[key] = now
		return true
	}

	// Within cooldown period - suppress notification
	return false
}

// generateKey creates a unique key for deduplication based on job name,
// application, and terminal reason. This ensures that different errors
// from the same job or the same error from different jobs are tracked
// separately.
func (d *NotificationDedup) generateKey(n core.NotifyEvent) string {
	h := sha256.New()
	h.Write([]byte(n.JobName))
	h.Write([]byte(n.Application))
	h.Write([]byte(n.Reason))

	return hex.EncodeToString(h.Sum(nil))
}

// Cleanup removes expired entries from the deduplication map.
// This should be called periodically to prevent memory leaks for
// jobs that no longer fail.
func (d *NotificationDedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for key, lastNotified := range d.entries {
		if now.Sub(lastNotified) >= d.cooldown {
			delete(d.entries, key)
		}
	}
}

// Len returns the number of entries in the deduplication map.
// Useful for testing and monitoring.
func (d *NotificationDedup) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// DefaultNotificationDedup is the global deduplicator instance used by
// notification middlewares. It's initialized when configuration is loaded.
var DefaultNotificationDedup *NotificationDedup

// InitNotificationDedup initializes the global deduplicator with the
// specified cooldown period. Call this during configuration loading.
func InitNotificationDedup(cooldown time.Duration) {
	DefaultNotificationDedup = NewNotificationDedup(cooldown)
}

// StartCleanupRoutine starts a background goroutine that periodically
// cleans up expired entries. Returns a stop function to cancel the routine.
func (d *NotificationDedup) StartCleanupRoutine(interval time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				d.Cleanup()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		close(done)
	}
}
