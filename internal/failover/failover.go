// Package failover implements the health-scored primary/backup switch
// described in spec §4.7: one primary provider plus an ordered backup
// list, switching when the primary has been disconnected too long or its
// error rate crosses a threshold, and failing back only after a stability
// window.
//
// Grounded on the teacher's risk.Checker: a Config struct of named
// thresholds plus a DefaultConfig(), a mutex-guarded bookkeeping map
// (there: positions/dailyVolume per account; here: health state per
// provider), and a single health-report entry point (ReportHealth) whose
// switch decisions are delivered as a structured SwitchEvent through the
// SwitchNotifier rather than as a return value.
package failover

import (
	"sync"
	"time"

	"github.com/rishav/marketdata-ingest/internal/provider"
)

// Config configures the controller's switch and failback rules.
type Config struct {
	FailoverAfter  time.Duration // primary disconnected longer than this triggers a switch
	ErrorWindow    time.Duration // sliding window error rate is measured over
	ErrorThreshold int           // consecutive/windowed errors that trigger a switch
	RecoveryStable time.Duration // primary must be continuously healthy this long before failback
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		FailoverAfter:  30 * time.Second,
		ErrorWindow:    60 * time.Second,
		ErrorThreshold: 5,
		RecoveryStable: 120 * time.Second,
	}
}

// providerHealth tracks the bookkeeping the switch rules need for one
// provider.
type providerHealth struct {
	state            provider.ConnectionState
	lastConnectedAt  time.Time
	disconnectedAt   time.Time
	errorTimestamps  []time.Time
	latency          time.Duration
	continuousHealthySince time.Time
}

// SwitchEvent is emitted whenever the controller changes the active
// provider.
type SwitchEvent struct {
	From   string
	To     string
	At     time.Time
	Reason string
}

// SwitchNotifier receives SwitchEvents so collectors can emit
// Integrity(Reset) for affected symbols per spec §4.7.
type SwitchNotifier interface {
	OnSwitch(SwitchEvent)
}

// Controller is a single run's failover state machine: one primary plus an
// ordered backup list.
type Controller struct {
	cfg     Config
	primary string
	backups []string
	notify  SwitchNotifier

	mu     sync.Mutex
	active string
	health map[string]*providerHealth
}

// New creates a controller for primary with backups tried in order.
func New(cfg Config, primary string, backups []string, notify SwitchNotifier) *Controller {
	h := make(map[string]*providerHealth, len(backups)+1)
	h[primary] = &providerHealth{}
	for _, b := range backups {
		h[b] = &providerHealth{}
	}
	return &Controller{
		cfg:     cfg,
		primary: primary,
		backups: backups,
		notify:  notify,
		active:  primary,
		health:  h,
	}
}

// Active returns the currently active provider name.
func (c *Controller) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// ReportHealth implements provider.HealthSink: every streaming client
// feeds its connection health here, driving the switch rules.
func (c *Controller) ReportHealth(ev provider.HealthEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.health[ev.Provider]
	if !ok {
		h = &providerHealth{}
		c.health[ev.Provider] = h
	}

	switch ev.State {
	case provider.StateConnected:
		h.lastConnectedAt = ev.At
		h.disconnectedAt = time.Time{}
		if h.continuousHealthySince.IsZero() {
			h.continuousHealthySince = ev.At
		}
	case provider.StateError:
		h.errorTimestamps = append(h.errorTimestamps, ev.At)
		h.continuousHealthySince = time.Time{}
	case provider.StateDisconnected, provider.StateStale:
		if h.disconnectedAt.IsZero() {
			h.disconnectedAt = ev.At
		}
		h.continuousHealthySince = time.Time{}
	}
	h.state = ev.State
	if ev.Latency > 0 {
		h.latency = ev.Latency
	}

	c.evaluateLocked(ev.At)
}

// evaluateLocked applies the switch/failback rules. Callers must hold mu.
func (c *Controller) evaluateLocked(now time.Time) {
	active := c.health[c.active]

	if c.active == c.primary {
		if c.shouldSwitchLocked(active, now) {
			c.switchToNextBackupLocked(now, "primary unhealthy")
		}
		return
	}

	// Currently on a backup: check whether the primary has recovered long
	// enough to fail back, or whether the current backup itself needs
	// replacing.
	primaryHealth := c.health[c.primary]
	if !primaryHealth.continuousHealthySince.IsZero() &&
		now.Sub(primaryHealth.continuousHealthySince) >= c.cfg.RecoveryStable {
		c.switchActiveLocked(c.primary, now, "primary recovery stable window elapsed")
		return
	}

	if c.shouldSwitchLocked(active, now) {
		c.switchToNextBackupLocked(now, "active backup unhealthy")
	}
}

func (c *Controller) shouldSwitchLocked(h *providerHealth, now time.Time) bool {
	if h == nil {
		return false
	}
	if !h.disconnectedAt.IsZero() && now.Sub(h.disconnectedAt) > c.cfg.FailoverAfter {
		return true
	}
	return c.errorRateLocked(h, now) >= c.cfg.ErrorThreshold
}

func (c *Controller) errorRateLocked(h *providerHealth, now time.Time) int {
	cutoff := now.Add(-c.cfg.ErrorWindow)
	kept := h.errorTimestamps[:0]
	count := 0
	for _, t := range h.errorTimestamps {
		if t.After(cutoff) {
			kept = append(kept, t)
			count++
		}
	}
	h.errorTimestamps = kept
	return count
}

// switchToNextBackupLocked picks the next candidate after the current
// active provider in the configured backup order, wrapping to the primary
// if every backup has already been tried and is also unhealthy (there is
// nowhere better left to go).
func (c *Controller) switchToNextBackupLocked(now time.Time, reason string) {
	candidates := append([]string{c.primary}, c.backups...)
	currentIdx := -1
	for i, name := range candidates {
		if name == c.active {
			currentIdx = i
			break
		}
	}
	next := candidates[(currentIdx+1)%len(candidates)]
	if next == c.active {
		return
	}
	c.switchActiveLocked(next, now, reason)
}

func (c *Controller) switchActiveLocked(to string, now time.Time, reason string) {
	from := c.active
	c.active = to
	if c.notify != nil {
		c.notify.OnSwitch(SwitchEvent{From: from, To: to, At: now, Reason: reason})
	}
}
