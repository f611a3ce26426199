package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/hushtype/hush-core/internal/config"
)

// Watchdog detects a worker that is alive but unresponsive, which process
// exit detection cannot see. It also notices system resume-from-sleep via
// wall-clock jumps and triggers proactive revalidation instead of letting
// the next user action discover staleness.
type Watchdog struct {
	cfg config.WatchdogConfig
	log *slog.Logger

	probe   func(ctx context.Context) error
	running func() bool

	onHang   func(reason string)
	onResume func()

	clock    func() time.Time
	lastOK   time.Time
	lastTick time.Time
}

func NewWatchdog(cfg config.WatchdogConfig, log *slog.Logger, probe func(ctx context.Context) error, running func() bool) *Watchdog {
	return &Watchdog{
		cfg:      cfg,
		log:      log.With(slog.String("component", "watchdog")),
		probe:    probe,
		running:  running,
		onHang:   func(string) {},
		onResume: func() {},
		clock:    time.Now,
	}
}

// OnHang registers the forced-restart action. Must be set before Run.
func (w *Watchdog) OnHang(h func(reason string)) { w.onHang = h }

// OnResume registers the post-sleep revalidation action. Must be set
// before Run.
func (w *Watchdog) OnResume(h func()) { w.onResume = h }

// Run probes on the configured interval until ctx ends.
func (w *Watchdog) Run(ctx context.Context) {
	interval := time.Duration(w.cfg.ProbeInterval) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Watchdog) tick(ctx context.Context) {
	now := w.clock()
	hangWindow := time.Duration(w.cfg.HangWindow) * time.Millisecond
	resumeJump := time.Duration(w.cfg.ResumeJump) * time.Millisecond

	if !w.lastTick.IsZero() && now.Sub(w.lastTick) > resumeJump {
		// Ticks don't fire while the machine sleeps, so a wall-clock jump
		// between ticks means we just woke up. The stall was not a hang.
		w.log.Info("system resume detected", slog.Duration("gap", now.Sub(w.lastTick)))
		w.lastOK = now
		w.lastTick = now
		w.onResume()
		return
	}
	w.lastTick = now

	if !w.running() {
		// Process-level recovery is the supervisor's job.
		w.lastOK = now
		return
	}
	if w.lastOK.IsZero() {
		w.lastOK = now
	}

	probeCtx, cancel := context.WithTimeout(ctx, time.Duration(w.cfg.ProbeInterval)*time.Millisecond)
	err := w.probe(probeCtx)
	cancel()

	if err == nil {
		w.lastOK = now
		return
	}

	silence := now.Sub(w.lastOK)
	w.log.Warn("liveness probe failed",
		slog.String("error", err.Error()),
		slog.Duration("silence", silence))
	if silence > hangWindow {
		w.lastOK = now
		w.onHang("no probe response within hang window")
	}
}
