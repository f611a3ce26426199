package events

import (
	"io"
	"log/slog"
	"sync"
	"testing"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestPublishAssignsMonotonicSeq(t *testing.T) {
	bus := NewBus(10, newLogger())
	first := bus.Publish(Event{Type: TypePhase, Phase: "recording"})
	second := bus.Publish(Event{Type: TypePhase, Phase: "transcribing"})
	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("unexpected sequence numbers: %d, %d", first.Seq, second.Seq)
	}
	if second.Timestamp.Before(first.Timestamp) {
		t.Fatal("timestamps must not go backwards")
	}
}

func TestSinceReturnsOnlyNewer(t *testing.T) {
	bus := NewBus(10, newLogger())
	bus.Publish(Event{Type: TypePhase, Phase: "recording"})
	marker := bus.Publish(Event{Type: TypePhase, Phase: "transcribing"})
	bus.Publish(Event{Type: TypePhase, Phase: "idle"})

	got := bus.Since(marker.Seq)
	if len(got) != 1 || got[0].Phase != "idle" {
		t.Fatalf("unexpected catch-up slice: %+v", got)
	}
}

func TestRingTrimsOldest(t *testing.T) {
	bus := NewBus(3, newLogger())
	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: TypeAudioLevel})
	}
	got := bus.Since(0)
	if len(got) != 3 {
		t.Fatalf("expected ring of 3, got %d", len(got))
	}
	if got[0].Seq != 3 {
		t.Fatalf("expected oldest retained seq 3, got %d", got[0].Seq)
	}
}

func TestSubscribeReceivesLiveEvents(t *testing.T) {
	bus := NewBus(10, newLogger())
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	bus.Publish(Event{Type: TypeTranscript, Text: "hello"})
	event := <-ch
	if event.Text != "hello" {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestCancelConcurrentWithPublish(t *testing.T) {
	bus := NewBus(10, newLogger())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		_, cancel := bus.Subscribe(1)
		wg.Add(2)
		go func() {
			defer wg.Done()
			bus.Publish(Event{Type: TypePhase})
		}()
		go func() {
			defer wg.Done()
			cancel()
		}()
	}
	wg.Wait()

	// Publishing after every subscriber is gone must still be safe.
	bus.Publish(Event{Type: TypePhase})
}

func TestCancelledSubscriberReceivesNoFurtherEvents(t *testing.T) {
	bus := NewBus(10, newLogger())
	ch, cancel := bus.Subscribe(4)
	cancel()

	bus.Publish(Event{Type: TypeTranscript, Text: "after cancel"})
	select {
	case ev := <-ch:
		t.Fatalf("cancelled subscriber got event %+v", ev)
	default:
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus(10, newLogger())
	_, cancel := bus.Subscribe(1)
	defer cancel()

	// Second publish overflows the subscriber buffer; Publish must return.
	bus.Publish(Event{Type: TypePhase})
	bus.Publish(Event{Type: TypePhase})
}
