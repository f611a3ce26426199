package inject

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hushtype/hush-core/internal/config"
	"github.com/hushtype/hush-core/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeClipboard struct {
	mu     sync.Mutex
	writes []string
	err    error
}

func (f *fakeClipboard) Write(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.writes = append(f.writes, text)
	return nil
}

func (f *fakeClipboard) last() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) == 0 {
		return "", false
	}
	return f.writes[len(f.writes)-1], true
}

type fakePaster struct {
	mu     sync.Mutex
	pastes int
	err    error
}

func (f *fakePaster) Paste(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pastes++
	return f.err
}

func (f *fakePaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pastes
}

type fakeFocus struct {
	mu  sync.Mutex
	sig string
	err error
}

func (f *fakeFocus) Signature(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sig, f.err
}

func (f *fakeFocus) set(sig string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sig = sig
}

type upperRules struct{}

func (upperRules) Apply(text string) string { return strings.ToUpper(text) }

func injCfg() config.InjectionConfig {
	return config.InjectionConfig{
		PasteDelay:  1,
		SelfTargets: []string{"hushd", "hush settings"},
		QueueSize:   8,
	}
}

type harness struct {
	ctrl      *Controller
	clipboard *fakeClipboard
	paster    *fakePaster
	focus     *fakeFocus
	bus       *events.Bus
	outcomes  <-chan events.Event
	cancel    func()
}

func fullCaps() Capabilities {
	return Capabilities{Clipboard: true, Paste: true, Focus: true}
}

func newHarness(t *testing.T, rules Transformer) *harness {
	return newHarnessWithCaps(t, rules, fullCaps())
}

func newHarnessWithCaps(t *testing.T, rules Transformer, caps Capabilities) *harness {
	t.Helper()
	clip := &fakeClipboard{}
	paste := &fakePaster{}
	focus := &fakeFocus{sig: "app:Notes:todo"}
	bus := events.NewBus(100, testLogger())
	ch, cancelSub := bus.Subscribe(32)

	ctrl := New(injCfg(), caps, bus, clip, paste, focus, rules, testLogger())
	ctrl.sleep = func(time.Duration) {}

	ctx, cancel := context.WithCancel(context.Background())
	go ctrl.Run(ctx)
	t.Cleanup(func() {
		cancel()
		cancelSub()
	})
	return &harness{ctrl: ctrl, clipboard: clip, paster: paste, focus: focus, bus: bus, outcomes: ch, cancel: cancel}
}

func (h *harness) waitOutcome(t *testing.T) events.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.outcomes:
			if ev.Type == events.TypeInjection {
				return ev
			}
		case <-deadline:
			t.Fatal("no injection outcome published")
		}
	}
}

func TestPasteWhenFocusUnchanged(t *testing.T) {
	h := newHarness(t, nil)

	h.ctrl.Enqueue("s1", "hello there", "app:Notes:todo")
	ev := h.waitOutcome(t)

	if ev.Outcome != OutcomePasted {
		t.Fatalf("expected pasted, got %q (%s)", ev.Outcome, ev.Warning)
	}
	if text, ok := h.clipboard.last(); !ok || text != "hello there" {
		t.Fatalf("clipboard content %q", text)
	}
	if h.paster.count() != 1 {
		t.Fatalf("expected one paste, got %d", h.paster.count())
	}
}

func TestFocusChangeFallsBackToClipboard(t *testing.T) {
	h := newHarness(t, nil)
	h.focus.set("app:Browser:tab")

	h.ctrl.Enqueue("s1", "hello", "app:Notes:todo")
	ev := h.waitOutcome(t)

	if ev.Outcome != OutcomeClipboardOnly {
		t.Fatalf("expected clipboard_only, got %q", ev.Outcome)
	}
	if ev.Warning == "" {
		t.Fatal("fallback must carry a user-facing warning")
	}
	if h.paster.count() != 0 {
		t.Fatal("paste must not fire into the wrong window")
	}
	if _, ok := h.clipboard.last(); !ok {
		t.Fatal("text must still reach the clipboard")
	}
}

func TestSelfTargetRefused(t *testing.T) {
	h := newHarness(t, nil)
	h.focus.set("app:Hush Settings:general")

	h.ctrl.Enqueue("s1", "hello", "app:Hush Settings:general")
	ev := h.waitOutcome(t)

	if ev.Outcome != OutcomeClipboardOnly {
		t.Fatalf("expected clipboard_only, got %q", ev.Outcome)
	}
	if h.paster.count() != 0 {
		t.Fatal("pasting into our own window is forbidden even when focus matches")
	}
}

func TestPasteFailureIsSingleAttempt(t *testing.T) {
	h := newHarness(t, nil)
	h.paster.err = errors.New("keystroke rejected")

	h.ctrl.Enqueue("s1", "hello", "app:Notes:todo")
	ev := h.waitOutcome(t)

	if ev.Outcome != OutcomeClipboardOnly {
		t.Fatalf("expected clipboard_only, got %q", ev.Outcome)
	}
	if h.paster.count() != 1 {
		t.Fatalf("paste must be attempted exactly once, got %d", h.paster.count())
	}
}

func TestClipboardFailureIsTerminal(t *testing.T) {
	h := newHarness(t, nil)
	h.clipboard.err = errors.New("no clipboard")

	h.ctrl.Enqueue("s1", "hello", "app:Notes:todo")
	ev := h.waitOutcome(t)

	if ev.Outcome != OutcomeFailed {
		t.Fatalf("expected failed, got %q", ev.Outcome)
	}
	if h.paster.count() != 0 {
		t.Fatal("paste must not run without clipboard content")
	}
}

func TestRulesApplyBeforeDelivery(t *testing.T) {
	h := newHarness(t, upperRules{})

	h.ctrl.Enqueue("s1", "quiet words", "app:Notes:todo")
	h.waitOutcome(t)

	if text, _ := h.clipboard.last(); text != "QUIET WORDS" {
		t.Fatalf("rules not applied, clipboard has %q", text)
	}
}

func TestUnicodeSurvivesDelivery(t *testing.T) {
	h := newHarness(t, nil)

	text := "naïve café — 你好 🙂"
	h.ctrl.Enqueue("s1", text, "app:Notes:todo")
	h.waitOutcome(t)

	if got, _ := h.clipboard.last(); got != text {
		t.Fatalf("unicode mangled: %q", got)
	}
}

func TestDeliveriesAreSerialized(t *testing.T) {
	clip := &fakeClipboard{}
	paste := &fakePaster{}
	focus := &fakeFocus{sig: "app:Notes:todo"}
	bus := events.NewBus(100, testLogger())

	var mu sync.Mutex
	active, maxActive := 0, 0
	ctrl := New(injCfg(), fullCaps(), bus, clip, paste, focus, nil, testLogger())
	ctrl.sleep = func(time.Duration) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(3 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	for i := 0; i < 5; i++ {
		ctrl.Enqueue("s", "text", "app:Notes:todo")
	}

	deadline := time.Now().Add(2 * time.Second)
	for paste.count() < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if paste.count() != 5 {
		t.Fatalf("expected 5 pastes, got %d", paste.count())
	}
	mu.Lock()
	defer mu.Unlock()
	if maxActive != 1 {
		t.Fatalf("deliveries overlapped: max concurrency %d", maxActive)
	}
}

func TestMissingPasteHelperDegradesToClipboard(t *testing.T) {
	caps := fullCaps()
	caps.Paste = false
	h := newHarnessWithCaps(t, nil, caps)

	h.ctrl.Enqueue("s1", "hello", "app:Notes:todo")
	ev := h.waitOutcome(t)

	if ev.Outcome != OutcomeClipboardOnly {
		t.Fatalf("expected clipboard_only, got %q", ev.Outcome)
	}
	if ev.Warning == "" {
		t.Fatal("degraded delivery must carry a warning")
	}
	if h.paster.count() != 0 {
		t.Fatal("paste helper must never run when absent")
	}
	if text, ok := h.clipboard.last(); !ok || text != "hello" {
		t.Fatalf("clipboard content %q", text)
	}
}

func TestMissingFocusHelperDegradesToClipboard(t *testing.T) {
	caps := fullCaps()
	caps.Focus = false
	h := newHarnessWithCaps(t, nil, caps)

	h.ctrl.Enqueue("s1", "hello", "app:Notes:todo")
	ev := h.waitOutcome(t)

	if ev.Outcome != OutcomeClipboardOnly {
		t.Fatalf("expected clipboard_only, got %q", ev.Outcome)
	}
	if h.paster.count() != 0 {
		t.Fatal("paste is unsafe without a focus check")
	}
}

func TestMissingClipboardHelperFailsVisibly(t *testing.T) {
	caps := fullCaps()
	caps.Clipboard = false
	h := newHarnessWithCaps(t, nil, caps)

	h.ctrl.Enqueue("s1", "hello", "app:Notes:todo")
	ev := h.waitOutcome(t)

	if ev.Outcome != OutcomeFailed {
		t.Fatalf("expected failed, got %q", ev.Outcome)
	}
	if _, ok := h.clipboard.last(); ok {
		t.Fatal("clipboard helper must not be exec'd when absent")
	}
}

func TestEmptyAfterRewriteSkipsDelivery(t *testing.T) {
	h := newHarness(t, blankRules{})

	h.ctrl.Enqueue("s1", "anything", "app:Notes:todo")
	time.Sleep(50 * time.Millisecond)

	if _, ok := h.clipboard.last(); ok {
		t.Fatal("blank transcript must not touch the clipboard")
	}
	if h.paster.count() != 0 {
		t.Fatal("blank transcript must not paste")
	}
}

type blankRules struct{}

func (blankRules) Apply(string) string { return "   " }
