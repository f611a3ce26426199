package modelcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hushtype/hush-core/internal/events"
	"github.com/hushtype/hush-core/internal/protocol"
	"github.com/hushtype/hush-core/internal/rpc"
)

// ErrModelInUse blocks a purge while a session or engine load holds the
// model files.
var ErrModelInUse = errors.New("model is in use, stop recording before purging")

// Coordinator mirrors the worker-owned model cache. The worker does the
// downloading, verifying and deleting; the host tracks the last reported
// state so the UI has an answer without a round trip, and gates actions
// that make no sense in the current state.
type Coordinator struct {
	log    *slog.Logger
	events *events.Bus
	worker rpc.Caller

	mu         sync.Mutex
	status     protocol.ModelStatus
	installing bool
}

func New(worker rpc.Caller, bus *events.Bus, log *slog.Logger) *Coordinator {
	return &Coordinator{
		log:    log.With(slog.String("component", "modelcache")),
		events: bus,
		worker: worker,
		status: protocol.ModelStatus{State: protocol.ModelMissing},
	}
}

// Status returns the last known cache state.
func (c *Coordinator) Status() protocol.ModelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Ready reports whether the engine can transcribe right now.
func (c *Coordinator) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.State == protocol.ModelReady
}

// Refresh asks the worker for the authoritative cache state. Called after
// every worker (re)start and after resume from sleep; the mirror is only
// as good as its last sync.
func (c *Coordinator) Refresh(ctx context.Context) error {
	var status protocol.ModelStatus
	if err := c.worker.Call(ctx, protocol.MethodModelStatus, nil, &status); err != nil {
		return fmt.Errorf("model status: %w", err)
	}
	c.setStatus(status)
	return nil
}

// EnsureReady brings the engine up, loading the model if needed. Safe to
// call when already ready.
func (c *Coordinator) EnsureReady(ctx context.Context) error {
	if c.Ready() {
		return nil
	}
	if err := c.worker.Call(ctx, protocol.MethodEngineInit, nil, nil); err != nil {
		c.setStatus(protocol.ModelStatus{State: protocol.ModelError, Message: err.Error()})
		return fmt.Errorf("engine init: %w", err)
	}
	return c.Refresh(ctx)
}

// Install downloads and verifies the model. Progress streams in through
// HandleModelProgress while the call is in flight.
func (c *Coordinator) Install(ctx context.Context) error {
	c.mu.Lock()
	if c.installing {
		c.mu.Unlock()
		return errors.New("model install already in progress")
	}
	c.installing = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.installing = false
		c.mu.Unlock()
	}()

	if err := c.worker.Call(ctx, protocol.MethodModelInstall, nil, nil); err != nil {
		c.setStatus(protocol.ModelStatus{State: protocol.ModelError, Message: err.Error()})
		return fmt.Errorf("model install: %w", err)
	}
	return c.Refresh(ctx)
}

// Purge deletes the cached model files. The worker refuses while the
// model is loaded; that refusal surfaces as ErrModelInUse, not as a
// generic failure.
func (c *Coordinator) Purge(ctx context.Context) error {
	if err := c.worker.Call(ctx, protocol.MethodModelPurge, nil, nil); err != nil {
		if protocol.ErrorKind(err) == protocol.KindNotReady {
			c.log.Info("purge refused, model in use")
			return ErrModelInUse
		}
		return fmt.Errorf("model purge: %w", err)
	}
	return c.Refresh(ctx)
}

// HandleModelProgress applies a streamed install progress push.
func (c *Coordinator) HandleModelProgress(note protocol.ModelProgressNote) {
	c.mu.Lock()
	switch note.Stage {
	case "verifying":
		c.status.State = protocol.ModelVerifying
	default:
		c.status.State = protocol.ModelDownloading
	}
	c.status.Received = note.Received
	c.status.Total = note.Total
	status := c.status
	c.mu.Unlock()

	c.publish(status)
}

func (c *Coordinator) setStatus(status protocol.ModelStatus) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
	c.log.Debug("model state updated",
		slog.String("state", status.State),
		slog.Int64("received", status.Received),
		slog.Int64("total", status.Total))
	c.publish(status)
}

func (c *Coordinator) publish(status protocol.ModelStatus) {
	s := status
	c.events.Publish(events.Event{Type: events.TypeModel, Model: &s})
}
