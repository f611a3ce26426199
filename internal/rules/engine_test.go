package rules

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLiteralAndRegexRules(t *testing.T) {
	t.Parallel()

	engine, err := Parse(`
# literal
pull request => PR
s/\bwhis\s*per\b/Whisper/g
`, 30)
	if err != nil {
		t.Fatalf("parse rules: %v", err)
	}

	output := engine.Apply("whis per pull request")
	if output != "Whisper PR" {
		t.Fatalf("unexpected output: %q", output)
	}
}

func TestIteratesUntilStable(t *testing.T) {
	t.Parallel()

	engine, err := Parse("a => b\nb => c\n", 5)
	if err != nil {
		t.Fatalf("parse rules: %v", err)
	}
	if output := engine.Apply("a"); output != "c" {
		t.Fatalf("expected c, got %q", output)
	}
}

func TestLiteralRuleStartingWithS(t *testing.T) {
	t.Parallel()

	engine, err := Parse("solid complaint => SOLID-compliant\n", 30)
	if err != nil {
		t.Fatalf("parse rules: %v", err)
	}
	if output := engine.Apply("solid complaint plan"); output != "SOLID-compliant plan" {
		t.Fatalf("unexpected output: %q", output)
	}
}

func TestLoadMissingFileIsEmptyEngine(t *testing.T) {
	t.Parallel()

	engine, err := Load(filepath.Join(t.TempDir(), "absent.rules"), 30)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if engine.Len() != 0 {
		t.Fatalf("expected empty engine, got %d rules", engine.Len())
	}
	if output := engine.Apply("untouched"); output != "untouched" {
		t.Fatalf("passthrough broken: %q", output)
	}
}

func TestLinesPreservedForWorkerPush(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "substitutions.rules")
	body := "# comment\nbrb => be right back\ns/tabs?/spaces/g\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	engine, err := Load(path, 30)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	lines := engine.Lines()
	if len(lines) != 2 {
		t.Fatalf("expected 2 rule lines, got %v", lines)
	}
	if lines[0] != "brb => be right back" {
		t.Fatalf("unexpected first line: %q", lines[0])
	}
}

func TestInvalidRuleReportsLineNumber(t *testing.T) {
	t.Parallel()

	if _, err := Parse("valid => ok\nnot a rule\n", 30); err == nil {
		t.Fatal("expected parse error")
	}
}
