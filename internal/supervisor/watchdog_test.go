package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hushtype/hush-core/internal/config"
)

func watchdogConfig() config.WatchdogConfig {
	return config.WatchdogConfig{
		ProbeInterval: 1000,
		HangWindow:    3500,
		ResumeJump:    10000,
	}
}

// driveTicks advances a fake clock one probe interval per tick.
func driveTicks(w *Watchdog, start time.Time, ticks int) {
	now := start
	for i := 0; i < ticks; i++ {
		now = now.Add(time.Duration(w.cfg.ProbeInterval) * time.Millisecond)
		w.clock = func() time.Time { return now }
		w.tick(context.Background())
	}
}

func TestHangDetectedOnWindowNotFirstMiss(t *testing.T) {
	probeErr := errors.New("no response")
	var hangs []string

	w := NewWatchdog(watchdogConfig(), testLogger(),
		func(context.Context) error { return probeErr },
		func() bool { return true })
	w.OnHang(func(reason string) { hangs = append(hangs, reason) })

	start := time.Unix(1000, 0)

	// Three missed probes stay inside the 3.5s window.
	driveTicks(w, start, 3)
	if len(hangs) != 0 {
		t.Fatalf("hang declared too early after %d misses", 3)
	}

	// Silence keeps accumulating until it crosses the window.
	driveTicks(w, start.Add(3*time.Second), 2)
	if len(hangs) != 1 {
		t.Fatalf("expected exactly one hang verdict, got %d", len(hangs))
	}
}

func TestSuccessfulProbeResetsWindow(t *testing.T) {
	fail := false
	var hangs int

	w := NewWatchdog(watchdogConfig(), testLogger(),
		func(context.Context) error {
			if fail {
				return errors.New("wedged")
			}
			return nil
		},
		func() bool { return true })
	w.OnHang(func(string) { hangs++ })

	start := time.Unix(2000, 0)
	driveTicks(w, start, 2) // healthy
	fail = true
	driveTicks(w, start.Add(2*time.Second), 3) // 3s of silence, inside window
	if hangs != 0 {
		t.Fatal("window must restart from the last successful probe")
	}
	driveTicks(w, start.Add(5*time.Second), 1)
	if hangs != 1 {
		t.Fatalf("expected hang after window crossed, got %d", hangs)
	}
}

func TestNoHangWhileWorkerDown(t *testing.T) {
	var hangs int
	w := NewWatchdog(watchdogConfig(), testLogger(),
		func(context.Context) error { return errors.New("unavailable") },
		func() bool { return false })
	w.OnHang(func(string) { hangs++ })

	driveTicks(w, time.Unix(3000, 0), 10)
	if hangs != 0 {
		t.Fatal("watchdog must not second-guess the supervisor while the worker is down")
	}
}

func TestClockJumpTriggersResumeNotHang(t *testing.T) {
	var hangs, resumes int
	w := NewWatchdog(watchdogConfig(), testLogger(),
		func(context.Context) error { return nil },
		func() bool { return true })
	w.OnHang(func(string) { hangs++ })
	w.OnResume(func() { resumes++ })

	start := time.Unix(4000, 0)
	driveTicks(w, start, 2)

	// Simulate sleep: the next observed tick is far in the future.
	later := start.Add(5 * time.Minute)
	w.clock = func() time.Time { return later }
	w.tick(context.Background())

	if resumes != 1 {
		t.Fatalf("expected resume detection, got %d", resumes)
	}
	if hangs != 0 {
		t.Fatal("sleep gap must not be treated as a hang")
	}
}
