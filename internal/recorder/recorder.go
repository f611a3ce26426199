package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hushtype/hush-core/internal/config"
	"github.com/hushtype/hush-core/internal/protocol"
	"github.com/hushtype/hush-core/internal/rpc"
	"github.com/hushtype/hush-core/internal/session"
)

// ModelGate answers whether the recognition engine can accept audio, and
// brings it up when it cannot.
type ModelGate interface {
	Ready() bool
	EnsureReady(ctx context.Context) error
}

// FocusProber captures an opaque signature of the focused target window.
type FocusProber interface {
	Signature(ctx context.Context) (string, error)
}

// Controller drives record.start/stop/cancel against the worker while the
// session machine stays the single source of truth for what is allowed.
// Repeated start or stop presses while the pipeline is mid-flight are
// deliberate no-ops.
type Controller struct {
	cfg     config.SessionConfig
	log     *slog.Logger
	machine *session.Machine
	worker  rpc.Caller
	models  ModelGate
	focus   FocusProber
}

func New(cfg config.SessionConfig, machine *session.Machine, worker rpc.Caller, models ModelGate, focus FocusProber, log *slog.Logger) *Controller {
	c := &Controller{
		cfg:     cfg,
		log:     log.With(slog.String("component", "recorder")),
		machine: machine,
		worker:  worker,
		models:  models,
		focus:   focus,
	}
	machine.OnMaxDuration(func(sessionID string) {
		c.log.Info("auto-stopping at maximum duration", slog.String("session_id", sessionID))
		if err := c.Stop(context.Background()); err != nil {
			c.log.Error("auto-stop failed", slog.String("error", err.Error()))
		}
	})
	return c
}

// Start begins a new recording session. Pressing start while one is
// already running does nothing.
func (c *Controller) Start(ctx context.Context) error {
	if !c.models.Ready() {
		if err := c.machine.BeginModelLoad(); err != nil {
			if errors.Is(err, session.ErrModelBusy) || errors.Is(err, session.ErrNotIdle) {
				c.log.Debug("start ignored, pipeline busy", slog.String("reason", err.Error()))
				return nil
			}
			return err
		}
		err := c.models.EnsureReady(ctx)
		c.machine.FinishModelLoad(err)
		if err != nil {
			return fmt.Errorf("engine init: %w", err)
		}
	}

	view, err := c.machine.Begin()
	if err != nil {
		if errors.Is(err, session.ErrNotIdle) {
			c.log.Debug("start ignored, session already active")
			return nil
		}
		return err
	}

	params := protocol.RecordStartParams{SessionID: view.ID}
	if err := c.worker.Call(ctx, protocol.MethodRecordStart, params, nil); err != nil {
		c.machine.AbortBegin(view.ID, err)
		return fmt.Errorf("record start: %w", err)
	}
	c.log.Info("recording started", slog.String("session_id", view.ID))
	return nil
}

// Stop ends the current recording and hands off to transcription. The
// worker acks immediately; the transcript arrives as a notification. A
// recording under the minimum duration is discarded as a quiet no-op.
func (c *Controller) Stop(ctx context.Context) error {
	id, elapsed, ok := c.machine.Elapsed()
	if !ok {
		c.log.Debug("stop ignored, nothing recording")
		return nil
	}

	if elapsed < time.Duration(c.cfg.MinDuration)*time.Millisecond {
		// Retire before telling the worker so anything it still emits for
		// this session is stale on arrival.
		if _, err := c.machine.DiscardTooShort(); err != nil {
			return err
		}
		if err := c.worker.Call(ctx, protocol.MethodRecordCancel, protocol.RecordCancelParams{SessionID: id}, nil); err != nil {
			c.log.Warn("discard cancel failed", slog.String("error", err.Error()))
		}
		c.log.Info("recording discarded as too short",
			slog.String("session_id", id),
			slog.Duration("elapsed", elapsed))
		return nil
	}

	// Focus is sampled at stop-time; injection later compares against it.
	signature := ""
	if sig, err := c.focus.Signature(ctx); err == nil {
		signature = sig
	} else {
		c.log.Warn("focus capture failed", slog.String("error", err.Error()))
	}

	view, err := c.machine.MarkStopping(signature)
	if err != nil {
		c.log.Debug("stop ignored", slog.String("reason", err.Error()))
		return nil
	}
	if err := c.worker.Call(ctx, protocol.MethodRecordStop, protocol.RecordStopParams{SessionID: view.ID}, nil); err != nil {
		c.machine.AbortBegin(view.ID, err)
		return fmt.Errorf("record stop: %w", err)
	}
	c.log.Info("recording stopped", slog.String("session_id", view.ID))
	return nil
}

// Cancel discards the current session without producing text. The local
// retirement happens first, so the cancel call failing or timing out only
// means the worker wastes some compute on a result nobody will accept.
func (c *Controller) Cancel(ctx context.Context) error {
	id, ok := c.machine.Cancel()
	if !ok {
		c.log.Debug("cancel ignored, no active session")
		return nil
	}
	if err := c.worker.Call(ctx, protocol.MethodRecordCancel, protocol.RecordCancelParams{SessionID: id}, nil); err != nil {
		c.log.Warn("worker cancel did not confirm, proceeding",
			slog.String("session_id", id),
			slog.String("error", err.Error()))
	}
	c.log.Info("recording cancelled", slog.String("session_id", id))
	return nil
}
