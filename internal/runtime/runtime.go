package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hushtype/hush-core/internal/bus"
	"github.com/hushtype/hush-core/internal/config"
	"github.com/hushtype/hush-core/internal/events"
	"github.com/hushtype/hush-core/internal/inject"
	"github.com/hushtype/hush-core/internal/modelcache"
	"github.com/hushtype/hush-core/internal/natsserver"
	"github.com/hushtype/hush-core/internal/protocol"
	"github.com/hushtype/hush-core/internal/recorder"
	"github.com/hushtype/hush-core/internal/rules"
	"github.com/hushtype/hush-core/internal/session"
	"github.com/hushtype/hush-core/internal/supervisor"
)

// Host wires the worker supervisor, session machine and delivery pipeline
// together and exposes the actions a UI layer calls. It owns process
// lifecycle: everything starts under Start's context and stops with it.
type Host struct {
	cfg    config.Config
	logger *slog.Logger

	events   *events.Bus
	sup      *supervisor.Supervisor
	watchdog *supervisor.Watchdog
	machine  *session.Machine
	router   *session.Router
	recorder *recorder.Controller
	injector *inject.Controller
	models   *modelcache.Coordinator
	rules    *rules.Engine

	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup
}

// StatusReport is the host-side snapshot handed to status surfaces.
type StatusReport struct {
	Phase            session.Phase           `json:"phase"`
	SessionID        string                  `json:"session_id,omitempty"`
	ErrorMessage     string                  `json:"error_message,omitempty"`
	ErrorRemediation string                  `json:"error_remediation,omitempty"`
	WorkerRunning    bool                    `json:"worker_running"`
	WorkerGeneration int                     `json:"worker_generation"`
	WorkerInfo       protocol.DescribeResult `json:"worker_info"`
	RestartAvailable bool                    `json:"restart_available"`
	Model            protocol.ModelStatus    `json:"model"`
	Capabilities     inject.Capabilities     `json:"capabilities"`
	WorkerLogTail    []string                `json:"worker_log_tail,omitempty"`
}

func New(cfg config.Config, logger *slog.Logger) (*Host, error) {
	h := &Host{cfg: cfg, logger: logger}

	h.events = events.NewBus(cfg.Events.BufferSize, logger)

	engine, err := rules.Load(cfg.Rules.Path, cfg.Rules.LoopLimit)
	if err != nil {
		return nil, fmt.Errorf("load rewrite rules: %w", err)
	}
	h.rules = engine

	caps := inject.Detect(cfg.Injection)
	logger.Info("delivery helpers detected",
		slog.Bool("clipboard", caps.Clipboard),
		slog.Bool("paste", caps.Paste),
		slog.Bool("focus", caps.Focus))

	focus := inject.NewExecFocus(cfg.Injection.FocusCommand)
	h.injector = inject.New(cfg.Injection, caps, h.events,
		inject.NewExecClipboard(cfg.Injection.ClipboardCommand),
		inject.NewExecPaster(cfg.Injection.PasteCommand),
		focus, engine, logger)

	h.sup = supervisor.New(cfg.Worker, h.events, logger)
	h.models = modelcache.New(h.sup, h.events, logger)
	h.machine = session.NewMachine(cfg.Session, h.events, h.injector, logger)
	h.router = session.NewRouter(h.machine, h.models, logger, 128)
	h.recorder = recorder.New(cfg.Session, h.machine, h.sup, h.models, focus, logger)

	h.sup.OnNotification(h.router.Dispatch)
	h.sup.OnWorkerUp(h.onWorkerUp)
	h.sup.OnWorkerDown(func() {
		h.machine.WorkerDown("the recognition worker stopped responding")
	})

	h.watchdog = supervisor.NewWatchdog(cfg.Watchdog, logger,
		func(ctx context.Context) error {
			return h.sup.Call(ctx, protocol.MethodPing, nil, nil)
		},
		func() bool { return h.sup.Status().Running })
	h.watchdog.OnHang(h.sup.ForceRestart)
	h.watchdog.OnResume(h.onResume)

	return h, nil
}

// Start runs the host until ctx is cancelled.
func (h *Host) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(h.cfg, h.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	h.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(h.cfg.Bus, h.logger)
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	defer embedded.Shutdown()

	var busClient *bus.Client
	if h.cfg.Bus.Enabled {
		busClient, err = bus.Connect(h.cfg.Bus, h.logger)
		if err != nil {
			return fmt.Errorf("connect event bus: %w", err)
		}
		defer busClient.Close()
		bridge := bus.NewBridge(busClient, h.events, h.logger)
		h.runComponent(ctx, bridge.Run)
	}

	h.runComponent(ctx, h.router.Run)
	h.runComponent(ctx, h.injector.Run)
	h.runComponent(ctx, func(ctx context.Context) { h.sup.Run(ctx) })
	h.runComponent(ctx, h.watchdog.Run)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/readyz", h.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", h.cfg.HTTP.Bind, h.cfg.HTTP.Port)
	h.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	h.ready.Store(true)
	h.logger.Info("host started", slog.String("addr", addr))

	<-ctx.Done()
	h.ready.Store(false)
	h.logger.Info("host stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := h.httpServer.Shutdown(shutdownCtx); err != nil {
		h.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	h.wg.Wait()

	if h.tracerClose != nil {
		if err := h.tracerClose(shutdownCtx); err != nil {
			h.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (h *Host) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Host) handleReady(w http.ResponseWriter, _ *http.Request) {
	if h.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (h *Host) runComponent(ctx context.Context, run func(context.Context)) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		run(ctx)
	}()
}

// onWorkerUp resynchronizes host-side mirrors after every (re)start. The
// fresh worker process knows nothing about rules or prior sessions.
func (h *Host) onWorkerUp() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if lines := h.rules.Lines(); len(lines) > 0 {
		params := protocol.RulesSetParams{Rules: lines}
		if err := h.sup.Call(ctx, protocol.MethodRulesSet, params, nil); err != nil {
			h.logger.Warn("pushing rewrite rules failed", slog.String("error", err.Error()))
		}
	}
	if err := h.models.Refresh(ctx); err != nil {
		h.logger.Warn("model state sync failed", slog.String("error", err.Error()))
	}
	h.machine.WorkerRecovered()
}

// onResume revalidates cached state after the machine wakes from sleep.
// Devices may have changed and the worker may have lost its engine.
func (h *Host) onResume() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := h.sup.Call(ctx, protocol.MethodPing, nil, nil); err != nil {
		h.logger.Warn("post-resume ping failed, recycling worker", slog.String("error", err.Error()))
		h.sup.ForceRestart("unresponsive after system resume")
		return
	}
	if err := h.models.Refresh(ctx); err != nil {
		h.logger.Warn("post-resume model sync failed", slog.String("error", err.Error()))
	}
}

// StartRecording begins a dictation session.
func (h *Host) StartRecording(ctx context.Context) error {
	return h.recorder.Start(ctx)
}

// StopRecording ends the current session and kicks off transcription.
func (h *Host) StopRecording(ctx context.Context) error {
	return h.recorder.Stop(ctx)
}

// CancelRecording discards the current session without producing text.
func (h *Host) CancelRecording(ctx context.Context) error {
	return h.recorder.Cancel(ctx)
}

// RestartWorker is the explicit user recovery action. It also closes an
// open circuit breaker.
func (h *Host) RestartWorker() {
	h.sup.RestartNow()
}

// AcknowledgeError dismisses a surfaced error state.
func (h *Host) AcknowledgeError() {
	h.machine.AcknowledgeError()
}

// InstallModel downloads and verifies the recognition model.
func (h *Host) InstallModel(ctx context.Context) error {
	return h.models.Install(ctx)
}

// PurgeModel deletes the cached model files.
func (h *Host) PurgeModel(ctx context.Context) error {
	return h.models.Purge(ctx)
}

// ListDevices returns the worker's view of capture devices.
func (h *Host) ListDevices(ctx context.Context) ([]protocol.DeviceInfo, error) {
	var result protocol.DevicesListResult
	if err := h.sup.Call(ctx, protocol.MethodDevicesList, nil, &result); err != nil {
		return nil, err
	}
	return result.Devices, nil
}

// SelectDevice switches the capture device for subsequent recordings.
func (h *Host) SelectDevice(ctx context.Context, deviceID string) error {
	return h.sup.Call(ctx, protocol.MethodDeviceSelect, protocol.DeviceSelectParams{DeviceID: deviceID}, nil)
}

// StartMetering turns on audio.level pushes for input level UI.
func (h *Host) StartMetering(ctx context.Context) error {
	return h.sup.Call(ctx, protocol.MethodMeterStart, nil, nil)
}

// StopMetering turns audio.level pushes off again.
func (h *Host) StopMetering(ctx context.Context) error {
	return h.sup.Call(ctx, protocol.MethodMeterStop, nil, nil)
}

// EventsSince replays buffered events for a UI resyncing after a gap.
func (h *Host) EventsSince(seq int64) []events.Event {
	return h.events.Since(seq)
}

// Subscribe attaches a live event listener.
func (h *Host) Subscribe(buffer int) (<-chan events.Event, func()) {
	return h.events.Subscribe(buffer)
}

// Status assembles the full host snapshot.
func (h *Host) Status() StatusReport {
	sup := h.sup.Status()
	report := StatusReport{
		Phase:            h.machine.Phase(),
		WorkerRunning:    sup.Running,
		WorkerGeneration: sup.Generation,
		WorkerInfo:       sup.Info,
		RestartAvailable: sup.Breaker == supervisor.BreakerOpen,
		Model:            h.models.Status(),
		Capabilities:     inject.Detect(h.cfg.Injection),
	}
	if view, ok := h.machine.Current(); ok {
		report.SessionID = view.ID
	}
	report.ErrorMessage, report.ErrorRemediation = h.machine.LastError()
	if !sup.Running {
		report.WorkerLogTail = h.sup.LogTail(20)
	}
	return report
}
