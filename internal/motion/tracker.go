// Package motion gates which device motion signals are allowed to start a
// capture. It keeps per-device trigger state for the process lifetime; a
// restart forgets cooldowns, which is acceptable because the cooldown is an
// anti-spam heuristic, not a correctness guarantee.
package motion

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultCooldown is the minimum spacing between accepted triggers for
	// one device.
	DefaultCooldown = 30 * time.Second

	// seenHighWater / seenLowWater bound the per-device set of already-seen
	// event ids: once the set grows past the high water mark it is trimmed
	// to its newest entries.
	seenHighWater = 100
	seenLowWater  = 50
)

// deviceGate is the trigger state of one device. The ids slice preserves
// insertion order so a trim always evicts the oldest entries.
type deviceGate struct {
	lastTriggered time.Time
	ids           []string
	seen          map[string]struct{}
}

// Stats counts gate decisions since process start.
type Stats struct {
	Accepted           int64
	SuppressedSeen     int64
	SuppressedCooldown int64
}

// Tracker decides whether an incoming motion signal should trigger a
// capture. One instance owns all per-device gate state; it is safe for
// concurrent use by any number of pipeline goroutines.
type Tracker struct {
	cooldown time.Duration
	logger   *zap.Logger

	mu    sync.Mutex
	gates map[string]*deviceGate
	stats Stats
}

// NewTracker creates a tracker with the given cooldown window. A
// non-positive cooldown falls back to DefaultCooldown.
func NewTracker(cooldown time.Duration) *Tracker {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Tracker{
		cooldown: cooldown,
		logger:   zap.L().Named("motion-tracker"),
		gates:    make(map[string]*deviceGate),
	}
}

// ShouldTrigger reports whether the signal identified by eventID may start a
// capture for the device, and records it when accepted. An event id that was
// accepted before never triggers again, including ids replayed by a polling
// re-scan. A signal landing inside the cooldown window is rejected without
// recording its id, so the upstream source re-emitting the same id after the
// window has passed can still trigger on it.
func (t *Tracker) ShouldTrigger(deviceID, eventID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	gate := t.gates[deviceID]
	if gate == nil {
		gate = &deviceGate{seen: make(map[string]struct{})}
		t.gates[deviceID] = gate
	}

	if _, ok := gate.seen[eventID]; ok {
		t.stats.SuppressedSeen++
		return false
	}

	if !gate.lastTriggered.IsZero() {
		if elapsed := time.Since(gate.lastTriggered); elapsed < t.cooldown {
			t.stats.SuppressedCooldown++
			t.logger.Debug("Motion suppressed by cooldown",
				zap.String("device_id", deviceID),
				zap.String("event_id", eventID),
				zap.Duration("remaining", t.cooldown-elapsed))
			return false
		}
	}

	gate.remember(eventID)
	gate.lastTriggered = time.Now()
	t.stats.Accepted++
	return true
}

// remember inserts the id and trims the set back to its newest entries once
// it has grown past the high water mark.
func (g *deviceGate) remember(eventID string) {
	g.ids = append(g.ids, eventID)
	g.seen[eventID] = struct{}{}

	if len(g.ids) > seenHighWater {
		cut := len(g.ids) - seenLowWater
		for _, id := range g.ids[:cut] {
			delete(g.seen, id)
		}
		kept := make([]string, seenLowWater)
		copy(kept, g.ids[cut:])
		g.ids = kept
	}
}

// TrackedEvents returns the number of event ids currently remembered for a
// device.
func (t *Tracker) TrackedEvents(deviceID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gate := t.gates[deviceID]; gate != nil {
		return len(gate.ids)
	}
	return 0
}

// GetStats returns a snapshot of the gate counters.
func (t *Tracker) GetStats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}
