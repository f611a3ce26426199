package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/hushtype/hush-core/internal/config"
	"github.com/hushtype/hush-core/internal/events"
	"github.com/hushtype/hush-core/internal/protocol"
)

// Phase is the logical pipeline state. Exactly one value is active; only
// the machine itself advances it.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseLoadingModel Phase = "loading_model"
	PhaseRecording    Phase = "recording"
	PhaseTranscribing Phase = "transcribing"
	PhaseError        Phase = "error"
)

// Reason annotates phase-change events with why the transition happened.
type Reason string

const (
	ReasonModelLoading        Reason = "model_loading"
	ReasonModelReady          Reason = "model_ready"
	ReasonRecordingStarted    Reason = "recording_started"
	ReasonTranscribing        Reason = "transcribing"
	ReasonTranscriptReady     Reason = "transcript_ready"
	ReasonRecordingDiscarded  Reason = "recording_discarded"
	ReasonRecordingTooShort   Reason = "recording_too_short"
	ReasonStartFailed         Reason = "start_failed"
	ReasonCompletionTimeout   Reason = "completion_timeout"
	ReasonTranscriptionFailed Reason = "transcription_failed"
	ReasonModelLoadFailed     Reason = "model_load_failed"
	ReasonWorkerUnavailable   Reason = "worker_unavailable"
	ReasonWorkerRecovered     Reason = "worker_recovered"
	ReasonErrorAcknowledged   Reason = "error_acknowledged"
)

var (
	ErrNotIdle     = errors.New("a session is already in progress")
	ErrNoSession   = errors.New("no active session")
	ErrErrorState  = errors.New("pipeline is in error state")
	ErrWrongPhase  = errors.New("operation not valid in current phase")
	ErrModelBusy   = errors.New("model load already in progress")
	errStaleEvent  = errors.New("stale session event")
	errWrongTiming = errors.New("event does not match current phase")
)

// Session is one record→transcribe→inject attempt. The host mints the
// identifier; the worker only echoes it.
type Session struct {
	ID             string
	StartedAt      time.Time
	StoppedAt      time.Time
	FocusSignature string
	seq            int
}

// View is a read-only copy handed to callers.
type View struct {
	ID        string
	StartedAt time.Time
}

// Injector is the downstream text delivery surface.
type Injector interface {
	Enqueue(sessionID, text, focusSignature string)
}

// Machine is the authoritative session/pipeline state. All mutation goes
// through its mutex; controllers request transitions, asynchronous worker
// events arrive via the Handle methods, and anything tagged with a
// non-current session id is logged and dropped.
type Machine struct {
	cfg      config.SessionConfig
	log      *slog.Logger
	events   *events.Bus
	injector Injector

	clock func() time.Time
	newID func() string

	mu             sync.Mutex
	phase          Phase
	current        *Session
	errMessage     string
	errRemediation string
	errFromWorker  bool

	completionTimer *time.Timer
	maxTimer        *time.Timer
	onMaxDuration   func(sessionID string)

	staleDrops metric.Int64Counter
	started    metric.Int64Counter
	completed  metric.Int64Counter
}

func NewMachine(cfg config.SessionConfig, bus *events.Bus, injector Injector, log *slog.Logger) *Machine {
	m := &Machine{
		cfg:           cfg,
		log:           log.With(slog.String("component", "session")),
		events:        bus,
		injector:      injector,
		clock:         time.Now,
		newID:         uuid.NewString,
		phase:         PhaseIdle,
		onMaxDuration: func(string) {},
	}

	meter := otel.Meter("github.com/hushtype/hush-core/session")
	if c, err := meter.Int64Counter("hush_stale_notifications_dropped_total"); err == nil {
		m.staleDrops = c
	}
	if c, err := meter.Int64Counter("hush_sessions_started_total"); err == nil {
		m.started = c
	}
	if c, err := meter.Int64Counter("hush_sessions_completed_total"); err == nil {
		m.completed = c
	}
	return m
}

// OnMaxDuration registers the auto-stop action invoked when a recording
// hits the hard duration cap. Must be set before the first session.
func (m *Machine) OnMaxDuration(h func(sessionID string)) {
	m.onMaxDuration = h
}

// Phase returns the current pipeline phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Current returns a view of the active session, if any.
func (m *Machine) Current() (View, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return View{}, false
	}
	return View{ID: m.current.ID, StartedAt: m.current.StartedAt}, true
}

// LastError describes the error state for status surfaces.
func (m *Machine) LastError() (message, remediation string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errMessage, m.errRemediation
}

// BeginModelLoad moves Idle → LoadingModel while the recognition engine
// initializes. Skipped entirely once a model is ready.
func (m *Machine) BeginModelLoad() error {
	m.mu.Lock()
	switch m.phase {
	case PhaseIdle:
	case PhaseLoadingModel:
		m.mu.Unlock()
		return ErrModelBusy
	case PhaseError:
		m.mu.Unlock()
		return ErrErrorState
	default:
		m.mu.Unlock()
		return ErrNotIdle
	}
	m.phase = PhaseLoadingModel
	m.mu.Unlock()

	m.publishPhase("", 0, ReasonModelLoading, "")
	return nil
}

// FinishModelLoad completes the LoadingModel phase: back to Idle on
// success, Error on failure.
func (m *Machine) FinishModelLoad(loadErr error) {
	m.mu.Lock()
	if m.phase != PhaseLoadingModel {
		m.mu.Unlock()
		return
	}
	if loadErr == nil {
		m.phase = PhaseIdle
		m.mu.Unlock()
		m.publishPhase("", 0, ReasonModelReady, "")
		return
	}
	m.setErrorLocked(loadErr.Error(), remediationFor(protocol.ErrorKind(loadErr)), false)
	m.mu.Unlock()
	m.publishError("", 0, ReasonModelLoadFailed)
}

// Begin mints a new session and moves Idle → Recording. The returned view
// carries the id handed to the worker.
func (m *Machine) Begin() (View, error) {
	m.mu.Lock()
	switch m.phase {
	case PhaseIdle:
	case PhaseError:
		m.mu.Unlock()
		return View{}, ErrErrorState
	default:
		m.mu.Unlock()
		return View{}, ErrNotIdle
	}

	s := &Session{ID: m.newID(), StartedAt: m.clock()}
	m.current = s
	m.phase = PhaseRecording
	m.armMaxTimerLocked(s.ID)
	seq := m.nextSeqLocked()
	m.mu.Unlock()

	if m.started != nil {
		m.started.Add(context.Background(), 1)
	}
	m.publishPhase(s.ID, seq, ReasonRecordingStarted, "")
	return View{ID: s.ID, StartedAt: s.StartedAt}, nil
}

// AbortBegin unwinds a session whose worker start call failed.
func (m *Machine) AbortBegin(sessionID string, cause error) {
	m.mu.Lock()
	if m.current == nil || m.current.ID != sessionID {
		m.mu.Unlock()
		return
	}
	seq := m.nextSeqLocked()
	m.retireLocked()
	m.setErrorLocked(cause.Error(), remediationFor(protocol.ErrorKind(cause)), false)
	m.mu.Unlock()
	m.publishError(sessionID, seq, ReasonStartFailed)
}

// Elapsed reports how long the current recording has been running.
func (m *Machine) Elapsed() (string, time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseRecording || m.current == nil {
		return "", 0, false
	}
	return m.current.ID, m.clock().Sub(m.current.StartedAt), true
}

// MarkStopping moves Recording → Transcribing, records the focus
// signature captured at stop-time, and arms the completion timeout.
func (m *Machine) MarkStopping(focusSignature string) (View, error) {
	m.mu.Lock()
	if m.phase != PhaseRecording || m.current == nil {
		m.mu.Unlock()
		return View{}, ErrWrongPhase
	}
	s := m.current
	s.StoppedAt = m.clock()
	s.FocusSignature = focusSignature
	m.phase = PhaseTranscribing
	m.disarmMaxTimerLocked()
	m.armCompletionTimerLocked(s.ID)
	seq := m.nextSeqLocked()
	m.mu.Unlock()

	m.publishPhase(s.ID, seq, ReasonTranscribing, "")
	return View{ID: s.ID, StartedAt: s.StartedAt}, nil
}

// DiscardTooShort retires a recording below the minimum duration as a
// no-op with a user-facing message, not an error.
func (m *Machine) DiscardTooShort() (string, error) {
	m.mu.Lock()
	if m.phase != PhaseRecording || m.current == nil {
		m.mu.Unlock()
		return "", ErrWrongPhase
	}
	id := m.current.ID
	seq := m.nextSeqLocked()
	m.retireLocked()
	m.phase = PhaseIdle
	m.mu.Unlock()

	m.events.Publish(events.Event{
		Type:       events.TypePhase,
		Phase:      string(PhaseIdle),
		Reason:     string(ReasonRecordingTooShort),
		SessionID:  id,
		SessionSeq: seq,
		Message:    "recording too short, nothing transcribed",
	})
	return id, nil
}

// Cancel retires the current session immediately. Retiring first is what
// guarantees that any completion arriving later is treated as stale.
func (m *Machine) Cancel() (string, bool) {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return "", false
	}
	id := m.current.ID
	seq := m.nextSeqLocked()
	m.retireLocked()
	m.phase = PhaseIdle
	m.mu.Unlock()

	m.publishPhase(id, seq, ReasonRecordingDiscarded, "")
	return id, true
}

// HandleTranscriptDone applies an asynchronous completion. Stale or
// out-of-phase completions are dropped; a session receives at most one.
func (m *Machine) HandleTranscriptDone(note protocol.TranscriptDoneNote) {
	m.mu.Lock()
	if err := m.matchCurrentLocked(note.SessionID, PhaseTranscribing); err != nil {
		m.mu.Unlock()
		m.dropStale(protocol.NoteTranscriptDone, note.SessionID, err)
		return
	}
	s := m.current
	focus := s.FocusSignature
	seq := m.nextSeqLocked()
	m.retireLocked()
	m.phase = PhaseIdle
	m.mu.Unlock()

	if m.completed != nil {
		m.completed.Add(context.Background(), 1)
	}
	m.events.Publish(events.Event{
		Type:       events.TypeTranscript,
		SessionID:  note.SessionID,
		SessionSeq: seq,
		Text:       note.Text,
		Confidence: note.Confidence,
	})
	m.publishPhase(note.SessionID, seq, ReasonTranscriptReady, "")
	if note.Text != "" {
		m.injector.Enqueue(note.SessionID, note.Text, focus)
	}
}

// HandleTranscriptError applies an asynchronous failure for the current
// session; anything else is dropped.
func (m *Machine) HandleTranscriptError(note protocol.TranscriptErrorNote) {
	m.mu.Lock()
	if err := m.matchCurrentLocked(note.SessionID, PhaseTranscribing, PhaseRecording); err != nil {
		m.mu.Unlock()
		m.dropStale(protocol.NoteTranscriptError, note.SessionID, err)
		return
	}
	seq := m.nextSeqLocked()
	m.retireLocked()
	m.setErrorLocked(note.Message, remediationFor(note.Kind), false)
	m.mu.Unlock()
	m.publishError(note.SessionID, seq, ReasonTranscriptionFailed)
}

// HandleProgress forwards a session-tagged progress push to observers.
func (m *Machine) HandleProgress(note protocol.ProgressNote) {
	m.mu.Lock()
	if err := m.matchCurrentLocked(note.SessionID, PhaseRecording, PhaseTranscribing); err != nil {
		m.mu.Unlock()
		m.dropStale(protocol.NoteProgress, note.SessionID, err)
		return
	}
	seq := m.nextSeqLocked()
	phase := m.phase
	m.mu.Unlock()

	m.events.Publish(events.Event{
		Type:       events.TypePhase,
		Phase:      string(phase),
		Reason:     note.Stage,
		Message:    note.Detail,
		SessionID:  note.SessionID,
		SessionSeq: seq,
	})
}

// HandleAudioLevel forwards metering samples. Levels are not session
// scoped; the meter can run while idle.
func (m *Machine) HandleAudioLevel(note protocol.AudioLevelNote) {
	level := note
	m.events.Publish(events.Event{Type: events.TypeAudioLevel, Level: &level})
}

// WorkerDown forces the pipeline into Error when a session was in flight.
// An idle pipeline stays idle; worker recovery is invisible to it.
func (m *Machine) WorkerDown(message string) {
	m.mu.Lock()
	switch m.phase {
	case PhaseIdle, PhaseError:
		m.mu.Unlock()
		return
	}
	var id string
	var seq int
	if m.current != nil {
		id = m.current.ID
		seq = m.nextSeqLocked()
	}
	m.retireLocked()
	m.setErrorLocked(message, "restart the recognition worker", true)
	m.mu.Unlock()
	m.publishError(id, seq, ReasonWorkerUnavailable)
}

// WorkerRecovered acknowledges a successful worker restart, clearing a
// worker-caused error state.
func (m *Machine) WorkerRecovered() {
	m.mu.Lock()
	if m.phase != PhaseError || !m.errFromWorker {
		m.mu.Unlock()
		return
	}
	m.clearErrorLocked()
	m.mu.Unlock()
	m.publishPhase("", 0, ReasonWorkerRecovered, "")
}

// AcknowledgeError is the explicit user dismissal of any error state.
func (m *Machine) AcknowledgeError() {
	m.mu.Lock()
	if m.phase != PhaseError {
		m.mu.Unlock()
		return
	}
	m.clearErrorLocked()
	m.mu.Unlock()
	m.publishPhase("", 0, ReasonErrorAcknowledged, "")
}

func (m *Machine) matchCurrentLocked(sessionID string, phases ...Phase) error {
	if m.current == nil || m.current.ID != sessionID {
		return errStaleEvent
	}
	for _, p := range phases {
		if m.phase == p {
			return nil
		}
	}
	return errWrongTiming
}

func (m *Machine) dropStale(method, sessionID string, cause error) {
	if m.staleDrops != nil {
		m.staleDrops.Add(context.Background(), 1)
	}
	m.log.Debug("dropping stale notification",
		slog.String("method", method),
		slog.String("session_id", sessionID),
		slog.String("cause", cause.Error()))
}

func (m *Machine) retireLocked() {
	m.current = nil
	m.disarmMaxTimerLocked()
	if m.completionTimer != nil {
		m.completionTimer.Stop()
		m.completionTimer = nil
	}
}

func (m *Machine) setErrorLocked(message, remediation string, fromWorker bool) {
	m.phase = PhaseError
	m.errMessage = message
	m.errRemediation = remediation
	m.errFromWorker = fromWorker
}

func (m *Machine) clearErrorLocked() {
	m.phase = PhaseIdle
	m.errMessage = ""
	m.errRemediation = ""
	m.errFromWorker = false
}

func (m *Machine) nextSeqLocked() int {
	if m.current == nil {
		return 0
	}
	m.current.seq++
	return m.current.seq
}

func (m *Machine) armMaxTimerLocked(sessionID string) {
	d := time.Duration(m.cfg.MaxDuration) * time.Millisecond
	m.maxTimer = time.AfterFunc(d, func() {
		m.mu.Lock()
		fire := m.phase == PhaseRecording && m.current != nil && m.current.ID == sessionID
		m.mu.Unlock()
		if fire {
			m.log.Info("recording hit maximum duration", slog.String("session_id", sessionID))
			m.onMaxDuration(sessionID)
		}
	})
}

func (m *Machine) disarmMaxTimerLocked() {
	if m.maxTimer != nil {
		m.maxTimer.Stop()
		m.maxTimer = nil
	}
}

func (m *Machine) armCompletionTimerLocked(sessionID string) {
	d := time.Duration(m.cfg.CompletionTimeout) * time.Millisecond
	m.completionTimer = time.AfterFunc(d, func() {
		m.mu.Lock()
		if m.phase != PhaseTranscribing || m.current == nil || m.current.ID != sessionID {
			m.mu.Unlock()
			return
		}
		seq := m.nextSeqLocked()
		m.retireLocked()
		m.setErrorLocked("no transcription result arrived in time", "restart the recognition worker", true)
		m.mu.Unlock()
		m.publishError(sessionID, seq, ReasonCompletionTimeout)
	})
}

func (m *Machine) publishPhase(sessionID string, seq int, reason Reason, message string) {
	m.mu.Lock()
	phase := m.phase
	m.mu.Unlock()
	m.events.Publish(events.Event{
		Type:       events.TypePhase,
		Phase:      string(phase),
		Reason:     string(reason),
		Message:    message,
		SessionID:  sessionID,
		SessionSeq: seq,
	})
}

func (m *Machine) publishError(sessionID string, seq int, reason Reason) {
	m.mu.Lock()
	message := m.errMessage
	remediation := m.errRemediation
	m.mu.Unlock()
	m.events.Publish(events.Event{
		Type:        events.TypePhase,
		Phase:       string(PhaseError),
		Reason:      string(reason),
		Message:     message,
		Remediation: remediation,
		SessionID:   sessionID,
		SessionSeq:  seq,
	})
}

// remediationFor maps a stable worker error kind to a user-facing hint.
func remediationFor(kind string) string {
	switch kind {
	case protocol.KindMicPermission:
		return "grant microphone access in system settings"
	case protocol.KindDeviceNotFound:
		return "select a different input device"
	case protocol.KindAudioIOFailure:
		return "check the input device and try again"
	case protocol.KindDiskFull:
		return "free up disk space and retry"
	case protocol.KindNetworkFailure:
		return "check your network connection and retry"
	case protocol.KindCacheCorrupt:
		return "purge the model cache and reinstall"
	case protocol.KindModelLoadFailure:
		return "reinstall the recognition model"
	case protocol.KindNotReady:
		return "wait for the worker to finish initializing"
	case protocol.KindTranscription:
		return "try recording again"
	default:
		return "restart the recognition worker"
	}
}
