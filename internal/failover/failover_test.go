package failover

import (
	"testing"
	"time"

	"github.com/rishav/marketdata-ingest/internal/provider"
)

type recordingNotifier struct {
	events []SwitchEvent
}

func (r *recordingNotifier) OnSwitch(e SwitchEvent) { r.events = append(r.events, e) }

func TestController_SwitchesAfterFailoverAfterElapsed(t *testing.T) {
	notify := &recordingNotifier{}
	cfg := DefaultConfig()
	cfg.FailoverAfter = 10 * time.Millisecond
	c := New(cfg, "primary", []string{"backup-a", "backup-b"}, notify)

	base := time.Now()
	c.ReportHealth(provider.HealthEvent{Provider: "primary", State: provider.StateDisconnected, At: base})
	c.ReportHealth(provider.HealthEvent{Provider: "primary", State: provider.StateDisconnected, At: base.Add(20 * time.Millisecond)})

	if c.Active() != "backup-a" {
		t.Fatalf("expected switch to backup-a, got %s", c.Active())
	}
	if len(notify.events) != 1 || notify.events[0].To != "backup-a" {
		t.Fatalf("expected one switch event to backup-a, got %+v", notify.events)
	}
}

func TestController_SwitchesOnErrorThresholdWithinWindow(t *testing.T) {
	notify := &recordingNotifier{}
	cfg := DefaultConfig()
	cfg.ErrorThreshold = 3
	cfg.ErrorWindow = time.Minute
	cfg.FailoverAfter = time.Hour
	c := New(cfg, "primary", []string{"backup-a"}, notify)

	base := time.Now()
	for i := 0; i < 3; i++ {
		c.ReportHealth(provider.HealthEvent{Provider: "primary", State: provider.StateError, At: base.Add(time.Duration(i) * time.Second)})
	}

	if c.Active() != "backup-a" {
		t.Fatalf("expected switch to backup-a after hitting error threshold, got %s", c.Active())
	}
}

func TestController_ErrorsOutsideWindowDoNotCount(t *testing.T) {
	notify := &recordingNotifier{}
	cfg := DefaultConfig()
	cfg.ErrorThreshold = 2
	cfg.ErrorWindow = 5 * time.Millisecond
	cfg.FailoverAfter = time.Hour
	c := New(cfg, "primary", []string{"backup-a"}, notify)

	base := time.Now()
	c.ReportHealth(provider.HealthEvent{Provider: "primary", State: provider.StateError, At: base})
	c.ReportHealth(provider.HealthEvent{Provider: "primary", State: provider.StateError, At: base.Add(50 * time.Millisecond)})

	if c.Active() != "primary" {
		t.Fatalf("expected errors separated by more than the window to not accumulate, active=%s", c.Active())
	}
}

func TestController_FailsBackAfterRecoveryStableWindow(t *testing.T) {
	notify := &recordingNotifier{}
	cfg := DefaultConfig()
	cfg.FailoverAfter = 10 * time.Millisecond
	cfg.RecoveryStable = 20 * time.Millisecond
	c := New(cfg, "primary", []string{"backup-a"}, notify)

	base := time.Now()
	c.ReportHealth(provider.HealthEvent{Provider: "primary", State: provider.StateDisconnected, At: base})
	c.ReportHealth(provider.HealthEvent{Provider: "primary", State: provider.StateDisconnected, At: base.Add(15 * time.Millisecond)})
	if c.Active() != "backup-a" {
		t.Fatalf("expected switch to backup-a, got %s", c.Active())
	}

	recoverAt := base.Add(20 * time.Millisecond)
	c.ReportHealth(provider.HealthEvent{Provider: "primary", State: provider.StateConnected, At: recoverAt})
	c.ReportHealth(provider.HealthEvent{Provider: "primary", State: provider.StateConnected, At: recoverAt.Add(25 * time.Millisecond)})

	if c.Active() != "primary" {
		t.Fatalf("expected failback to primary after stable window, got %s", c.Active())
	}
}
