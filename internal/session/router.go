package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/hushtype/hush-core/internal/protocol"
)

// ModelSink receives model download progress pushes.
type ModelSink interface {
	HandleModelProgress(protocol.ModelProgressNote)
}

// Router fans worker notifications out to their handlers. Everything
// funnels through one channel consumed by a single goroutine, so
// notifications apply in the exact order the worker emitted them.
type Router struct {
	log      *slog.Logger
	machine  *Machine
	models   ModelSink
	ch       chan protocol.Notification
	done     chan struct{}
	doneOnce sync.Once
}

func NewRouter(machine *Machine, models ModelSink, log *slog.Logger, buffer int) *Router {
	if buffer <= 0 {
		buffer = 64
	}
	return &Router{
		log:     log.With(slog.String("component", "router")),
		machine: machine,
		models:  models,
		ch:      make(chan protocol.Notification, buffer),
		done:    make(chan struct{}),
	}
}

// Dispatch enqueues a notification. It is called from the transport read
// loop; the blocking send preserves arrival order under backpressure.
// Once the router has stopped, notifications are dropped instead of
// wedging the read loop on a full queue.
func (r *Router) Dispatch(n protocol.Notification) {
	select {
	case r.ch <- n:
	case <-r.done:
		r.log.Debug("dropping notification after router shutdown",
			slog.String("method", n.Method))
	}
}

// Run consumes until ctx ends.
func (r *Router) Run(ctx context.Context) {
	defer r.doneOnce.Do(func() { close(r.done) })
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-r.ch:
			r.route(n)
		}
	}
}

func (r *Router) route(n protocol.Notification) {
	switch n.Method {
	case protocol.NoteTranscriptDone:
		var note protocol.TranscriptDoneNote
		if !r.decode(n, &note) {
			return
		}
		r.machine.HandleTranscriptDone(note)
	case protocol.NoteTranscriptError:
		var note protocol.TranscriptErrorNote
		if !r.decode(n, &note) {
			return
		}
		r.machine.HandleTranscriptError(note)
	case protocol.NoteProgress:
		var note protocol.ProgressNote
		if !r.decode(n, &note) {
			return
		}
		r.machine.HandleProgress(note)
	case protocol.NoteAudioLevel:
		var note protocol.AudioLevelNote
		if !r.decode(n, &note) {
			return
		}
		r.machine.HandleAudioLevel(note)
	case protocol.NoteModelProgress:
		var note protocol.ModelProgressNote
		if !r.decode(n, &note) {
			return
		}
		if r.models != nil {
			r.models.HandleModelProgress(note)
		}
	default:
		r.log.Debug("ignoring unknown notification", slog.String("method", n.Method))
	}
}

func (r *Router) decode(n protocol.Notification, dst any) bool {
	if err := json.Unmarshal(n.Params, dst); err != nil {
		r.log.Warn("malformed notification params",
			slog.String("method", n.Method),
			slog.String("error", err.Error()))
		return false
	}
	return true
}
