package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/hushtype/hush-core/internal/events"
	"github.com/hushtype/hush-core/internal/protocol"
)

type fakeModelSink struct {
	mu    sync.Mutex
	notes []protocol.ModelProgressNote
}

func (f *fakeModelSink) HandleModelProgress(n protocol.ModelProgressNote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, n)
}

func (f *fakeModelSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notes)
}

func note(t *testing.T, method string, payload any) protocol.Notification {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return protocol.Notification{Method: method, Params: data}
}

func TestRouterDeliversInOrder(t *testing.T) {
	m, inj := newTestMachine(t, testSessionConfig())
	sink := &fakeModelSink{}
	r := NewRouter(m, sink, testLogger(), 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	view, _ := m.Begin()
	m.MarkStopping("sig")

	// Progress must apply before the completion retires the session.
	r.Dispatch(note(t, protocol.NoteProgress, protocol.ProgressNote{
		SessionID: view.ID, Stage: "decoding",
	}))
	r.Dispatch(note(t, protocol.NoteTranscriptDone, protocol.TranscriptDoneNote{
		SessionID: view.ID, Text: "ordered",
	}))

	deadline := time.Now().Add(2 * time.Second)
	for inj.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if inj.count() != 1 {
		t.Fatalf("expected one injection, got %d", inj.count())
	}
	if m.Phase() != PhaseIdle {
		t.Fatalf("expected idle, got %s", m.Phase())
	}
}

func TestRouterRoutesModelProgressToSink(t *testing.T) {
	m, _ := newTestMachine(t, testSessionConfig())
	sink := &fakeModelSink{}
	r := NewRouter(m, sink, testLogger(), 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	r.Dispatch(note(t, protocol.NoteModelProgress, protocol.ModelProgressNote{
		Stage: "downloading", Received: 10, Total: 100,
	}))

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.count() != 1 {
		t.Fatalf("model progress not routed, got %d", sink.count())
	}
	if sink.notes[0].Received != 10 {
		t.Fatalf("unexpected note %+v", sink.notes[0])
	}
}

func TestRouterSkipsMalformedAndUnknown(t *testing.T) {
	m, inj := newTestMachine(t, testSessionConfig())
	sink := &fakeModelSink{}
	r := NewRouter(m, sink, testLogger(), 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	view, _ := m.Begin()
	m.MarkStopping("sig")

	r.Dispatch(protocol.Notification{Method: protocol.NoteTranscriptDone, Params: json.RawMessage(`{broken`)})
	r.Dispatch(protocol.Notification{Method: "future.thing", Params: json.RawMessage(`{}`)})
	r.Dispatch(note(t, protocol.NoteTranscriptDone, protocol.TranscriptDoneNote{
		SessionID: view.ID, Text: "survivor",
	}))

	deadline := time.Now().Add(2 * time.Second)
	for inj.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if inj.count() != 1 || inj.calls[0].text != "survivor" {
		t.Fatalf("router did not survive bad input: %+v", inj.calls)
	}
}

func TestDispatchAfterShutdownDoesNotBlock(t *testing.T) {
	m, _ := newTestMachine(t, testSessionConfig())
	r := NewRouter(m, nil, testLogger(), 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { r.Run(ctx); close(done) }()
	cancel()
	<-done

	// Overfill the queue; every send must return promptly.
	returned := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			r.Dispatch(protocol.Notification{Method: protocol.NoteProgress})
		}
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch wedged after router shutdown")
	}
}

func TestRouterAudioLevelPublishes(t *testing.T) {
	inj := &fakeInjector{}
	bus := events.NewBus(100, testLogger())
	m := NewMachine(testSessionConfig(), bus, inj, testLogger())
	r := NewRouter(m, nil, testLogger(), 16)

	ch, cancelSub := bus.Subscribe(16)
	defer cancelSub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	r.Dispatch(note(t, protocol.NoteAudioLevel, protocol.AudioLevelNote{RMS: 0.2, Peak: 0.6}))

	select {
	case ev := <-ch:
		if ev.Type != events.TypeAudioLevel || ev.Level == nil || ev.Level.Peak != 0.6 {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("audio level never published")
	}
}
