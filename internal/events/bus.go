package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hushtype/hush-core/internal/protocol"
)

// Type classifies events exposed to the UI layer.
type Type string

const (
	TypePhase        Type = "phase"
	TypeModel        Type = "model"
	TypeAudioLevel   Type = "audio_level"
	TypeTranscript   Type = "transcript"
	TypeWorkerHealth Type = "worker_health"
	TypeInjection    Type = "injection"
)

// Event is a sequenced payload consumed by UI subscribers. The sequence
// number is monotonically increasing so subscribers can dedupe and order
// without their own clock.
type Event struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Type      Type      `json:"type"`

	SessionID  string `json:"session_id,omitempty"`
	SessionSeq int    `json:"session_seq,omitempty"`

	Phase       string `json:"phase,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Message     string `json:"message,omitempty"`
	Remediation string `json:"remediation,omitempty"`

	Text       string  `json:"text,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`

	Model *protocol.ModelStatus    `json:"model,omitempty"`
	Level *protocol.AudioLevelNote `json:"level,omitempty"`

	Outcome string `json:"outcome,omitempty"`
	Warning string `json:"warning,omitempty"`

	WorkerHealthy    bool     `json:"worker_healthy,omitempty"`
	RestartAvailable bool     `json:"restart_available,omitempty"`
	LogTail          []string `json:"log_tail,omitempty"`
}

// Bus keeps a bounded in-memory ring of recent events and fans new events
// out to subscribers. It is the only event surface the host has; nothing
// is persisted.
type Bus struct {
	log *slog.Logger

	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	ring      []Event
	subs      map[int]chan Event
	nextSub   int
}

func NewBus(maxEvents int, log *slog.Logger) *Bus {
	if maxEvents <= 0 {
		maxEvents = 500
	}
	return &Bus{
		log:       log.With(slog.String("component", "events")),
		maxEvents: maxEvents,
		ring:      make([]Event, 0, maxEvents),
		subs:      make(map[int]chan Event),
	}
}

// Publish assigns sequence and timestamp, buffers the event, and fans it
// out. Slow subscribers lose events rather than block the publisher.
func (b *Bus) Publish(event Event) Event {
	b.mu.Lock()
	b.nextSeq++
	event.Seq = b.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	b.ring = append(b.ring, event)
	if len(b.ring) > b.maxEvents {
		trim := len(b.ring) - b.maxEvents
		b.ring = append([]Event(nil), b.ring[trim:]...)
	}
	subs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			b.log.Warn("dropping event for slow subscriber", slog.Int64("seq", event.Seq))
		}
	}
	return event
}

// Since returns buffered events with sequence strictly greater than seq,
// letting a reconnecting UI catch up.
func (b *Bus) Since(seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.ring) == 0 {
		return nil
	}
	out := make([]Event, 0, len(b.ring))
	for _, event := range b.ring {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

// Subscribe registers a live feed. The returned cancel func must be called
// when the subscriber goes away. The channel is never closed: Publish fans
// out without holding the lock, so a close here could race an in-flight
// send. Cancel only deregisters; the subscriber stops on its own context.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
	return ch, cancel
}
