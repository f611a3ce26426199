package inject

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	shellwords "github.com/mattn/go-shellwords"

	"github.com/hushtype/hush-core/internal/config"
)

// Capabilities reports which delivery helpers are usable on this machine.
// Detection happens once at startup; a missing paste helper degrades
// delivery to clipboard-only instead of failing sessions later.
type Capabilities struct {
	Clipboard bool
	Paste     bool
	Focus     bool
}

// Detect probes the configured helper commands on PATH.
func Detect(cfg config.InjectionConfig) Capabilities {
	return Capabilities{
		Clipboard: commandAvailable(cfg.ClipboardCommand),
		Paste:     commandAvailable(cfg.PasteCommand),
		Focus:     commandAvailable(cfg.FocusCommand),
	}
}

func commandAvailable(command string) bool {
	argv, err := shellwords.Parse(command)
	if err != nil || len(argv) == 0 {
		return false
	}
	_, err = exec.LookPath(argv[0])
	return err == nil
}

// ExecClipboard writes text through an external helper that reads stdin,
// like pbcopy or wl-copy.
type ExecClipboard struct {
	command string
}

func NewExecClipboard(command string) *ExecClipboard {
	return &ExecClipboard{command: command}
}

func (e *ExecClipboard) Write(ctx context.Context, text string) error {
	cmd, err := buildCommand(ctx, e.command)
	if err != nil {
		return err
	}
	cmd.Stdin = strings.NewReader(text)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("clipboard helper: %w: %s", err, bytes.TrimSpace(out))
	}
	return nil
}

// ExecPaster synthesizes the paste keystroke through an external helper.
type ExecPaster struct {
	command string
}

func NewExecPaster(command string) *ExecPaster {
	return &ExecPaster{command: command}
}

func (e *ExecPaster) Paste(ctx context.Context) error {
	cmd, err := buildCommand(ctx, e.command)
	if err != nil {
		return err
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("paste helper: %w: %s", err, bytes.TrimSpace(out))
	}
	return nil
}

// ExecFocus reads the focused-window signature from an external helper's
// stdout.
type ExecFocus struct {
	command string
}

func NewExecFocus(command string) *ExecFocus {
	return &ExecFocus{command: command}
}

func (e *ExecFocus) Signature(ctx context.Context) (string, error) {
	cmd, err := buildCommand(ctx, e.command)
	if err != nil {
		return "", err
	}
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("focus helper: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func buildCommand(ctx context.Context, command string) (*exec.Cmd, error) {
	argv, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse helper command %q: %w", command, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty helper command")
	}
	return exec.CommandContext(ctx, argv[0], argv[1:]...), nil
}
