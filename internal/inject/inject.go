package inject

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/hushtype/hush-core/internal/config"
	"github.com/hushtype/hush-core/internal/events"
)

// Outcome values published on injection events.
const (
	OutcomePasted        = "pasted"
	OutcomeClipboardOnly = "clipboard_only"
	OutcomeFailed        = "failed"
)

// Clipboard places text on the system clipboard.
type Clipboard interface {
	Write(ctx context.Context, text string) error
}

// Paster synthesizes the paste keystroke in the focused application.
type Paster interface {
	Paste(ctx context.Context) error
}

// FocusProber captures an opaque signature of the focused target window.
type FocusProber interface {
	Signature(ctx context.Context) (string, error)
}

// Transformer rewrites transcript text before delivery.
type Transformer interface {
	Apply(text string) string
}

type job struct {
	sessionID string
	text      string
	focus     string
}

// Controller delivers finished transcripts. All deliveries run on a
// single goroutine so two completions can never interleave their
// clipboard and paste steps. The clipboard is written before anything
// can fail; the worst outcome still leaves the text one paste away.
type Controller struct {
	cfg       config.InjectionConfig
	caps      Capabilities
	log       *slog.Logger
	events    *events.Bus
	clipboard Clipboard
	paster    Paster
	focus     FocusProber
	rules     Transformer

	queue chan job
	sleep func(time.Duration)

	delivered metric.Int64Counter
}

func New(cfg config.InjectionConfig, caps Capabilities, bus *events.Bus, clipboard Clipboard, paster Paster, focus FocusProber, rules Transformer, log *slog.Logger) *Controller {
	size := cfg.QueueSize
	if size <= 0 {
		size = 8
	}
	c := &Controller{
		cfg:       cfg,
		caps:      caps,
		log:       log.With(slog.String("component", "inject")),
		events:    bus,
		clipboard: clipboard,
		paster:    paster,
		focus:     focus,
		rules:     rules,
		queue:     make(chan job, size),
		sleep:     time.Sleep,
	}
	meter := otel.Meter("github.com/hushtype/hush-core/inject")
	if ctr, err := meter.Int64Counter("hush_injections_total"); err == nil {
		c.delivered = ctr
	}
	return c
}

// Enqueue hands a transcript to the delivery queue. It never blocks the
// caller; a full queue drops the delivery with a visible failure event.
func (c *Controller) Enqueue(sessionID, text, focusSignature string) {
	select {
	case c.queue <- job{sessionID: sessionID, text: text, focus: focusSignature}:
	default:
		c.log.Error("injection queue full, dropping transcript",
			slog.String("session_id", sessionID))
		c.publish(sessionID, OutcomeFailed, "delivery queue overflowed, transcript lost")
	}
}

// Run processes deliveries until ctx ends.
func (c *Controller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-c.queue:
			c.deliver(ctx, j)
		}
	}
}

func (c *Controller) deliver(ctx context.Context, j job) {
	text := j.text
	if c.rules != nil {
		text = c.rules.Apply(text)
	}
	if strings.TrimSpace(text) == "" {
		c.log.Info("transcript empty after rewrite, nothing to deliver",
			slog.String("session_id", j.sessionID))
		return
	}

	if !c.caps.Clipboard {
		c.log.Error("no clipboard helper, cannot deliver",
			slog.String("session_id", j.sessionID))
		c.publish(j.sessionID, OutcomeFailed, "no clipboard helper installed, transcript lost")
		return
	}

	// Clipboard first. Whatever happens after this point, the user can
	// still paste by hand.
	if err := c.clipboard.Write(ctx, text); err != nil {
		c.log.Error("clipboard write failed",
			slog.String("session_id", j.sessionID),
			slog.String("error", err.Error()))
		c.publish(j.sessionID, OutcomeFailed, "could not reach the clipboard")
		return
	}

	if warning := c.pasteGuard(ctx, j); warning != "" {
		c.publish(j.sessionID, OutcomeClipboardOnly, warning)
		return
	}

	c.sleep(time.Duration(c.cfg.PasteDelay) * time.Millisecond)
	if err := c.paster.Paste(ctx); err != nil {
		// One attempt only. Retrying a keystroke risks double insertion
		// when the first one landed but reported failure.
		c.log.Warn("paste failed, leaving text on clipboard",
			slog.String("session_id", j.sessionID),
			slog.String("error", err.Error()))
		c.publish(j.sessionID, OutcomeClipboardOnly, "paste failed, text is on the clipboard")
		return
	}

	if c.delivered != nil {
		c.delivered.Add(ctx, 1)
	}
	c.log.Info("transcript delivered", slog.String("session_id", j.sessionID))
	c.publish(j.sessionID, OutcomePasted, "")
}

// pasteGuard decides whether synthesizing a paste is safe right now.
// A non-empty return is the user-facing reason it was not. Missing
// helpers degrade to clipboard-only up front instead of surfacing an
// exec failure per session.
func (c *Controller) pasteGuard(ctx context.Context, j job) string {
	if !c.caps.Paste {
		return "no paste helper installed, text is on the clipboard"
	}
	if !c.caps.Focus {
		return "cannot verify the focused window, text is on the clipboard"
	}
	current, err := c.focus.Signature(ctx)
	if err != nil {
		c.log.Warn("focus re-check failed", slog.String("error", err.Error()))
		return "could not verify the focused window, text is on the clipboard"
	}
	if c.isSelfTarget(current) {
		return "focus is on this app, text is on the clipboard"
	}
	if j.focus != "" && current != j.focus {
		c.log.Info("focus changed since stop, withholding paste",
			slog.String("session_id", j.sessionID),
			slog.String("was", j.focus),
			slog.String("now", current))
		return "focus changed, text is on the clipboard"
	}
	return ""
}

func (c *Controller) isSelfTarget(signature string) bool {
	sig := strings.ToLower(signature)
	for _, name := range c.cfg.SelfTargets {
		if name != "" && strings.Contains(sig, strings.ToLower(name)) {
			return true
		}
	}
	return false
}

func (c *Controller) publish(sessionID, outcome, warning string) {
	c.events.Publish(events.Event{
		Type:      events.TypeInjection,
		SessionID: sessionID,
		Outcome:   outcome,
		Warning:   warning,
	})
}
