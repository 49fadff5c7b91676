package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testConfigYAML = `default_model: test-model
models:
  - match: test-model
    max_tokens: 1000
    scheme: chars
    chars_per_token: 1
pruning:
  threshold: 0.8
  keep_recent: 2
compaction:
  threshold: 0.7
  min_span_tokens: 50
  keep_recent: 1
`

func writeHome(t *testing.T, configYAML string) string {
	t.Helper()
	t.Setenv("ANTHROPIC_API_KEY", "")
	home := t.TempDir()
	if configYAML != "" {
		if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(configYAML), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return home
}

func runCLI(t *testing.T, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code = run(context.Background(), args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestRun_Dispatch(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantCode int
		wantOut  string
		wantErr  string
	}{
		{name: "no args", args: nil, wantCode: exitUsage, wantErr: "Usage: ctxwin"},
		{name: "help", args: []string{"help"}, wantCode: exitOK, wantOut: "COMMANDS:"},
		{name: "dash help", args: []string{"--help"}, wantCode: exitOK, wantOut: "replay <transcript.yaml>"},
		{name: "version", args: []string{"version"}, wantCode: exitOK, wantOut: "ctxwin " + Version},
		{name: "unknown", args: []string{"frobnicate"}, wantCode: exitUsage, wantErr: `unknown command "frobnicate"`},
		{name: "replay without file", args: []string{"replay"}, wantCode: exitUsage, wantErr: "usage: ctxwin replay"},
		{name: "replay bad flag", args: []string{"replay", "--bogus", "x.yaml"}, wantCode: exitUsage},
		{name: "replay bad strategy", args: []string{"replay", "--strategy", "shred", "x.yaml"}, wantCode: exitUsage, wantErr: "unknown strategy"},
		{name: "models extra arg", args: []string{"models", "extra"}, wantCode: exitUsage},
		{name: "validate file and watch", args: []string{"validate", "--file", "a.yaml", "--watch"}, wantCode: exitUsage},
		{name: "subcommand help", args: []string{"models", "--help"}, wantCode: exitOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, out, errOut := runCLI(t, tt.args...)
			if code != tt.wantCode {
				t.Fatalf("exit code = %d, want %d (stderr %q)", code, tt.wantCode, errOut)
			}
			if tt.wantOut != "" && !strings.Contains(out, tt.wantOut) {
				t.Fatalf("stdout missing %q: %q", tt.wantOut, out)
			}
			if tt.wantErr != "" && !strings.Contains(errOut, tt.wantErr) {
				t.Fatalf("stderr missing %q: %q", tt.wantErr, errOut)
			}
		})
	}
}

func TestModelsCommand(t *testing.T) {
	home := writeHome(t, testConfigYAML)

	code, out, errOut := runCLI(t, "models", "--home", home)
	if code != exitOK {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	for _, want := range []string{"MODEL", "test-model", "claude-*", "bpe o200k_base", "default model: test-model"} {
		if !strings.Contains(out, want) {
			t.Errorf("models output missing %q", want)
		}
	}

	code, out, _ = runCLI(t, "models", "--home", home, "--model", "claude-sonnet-4")
	if code != exitOK || !strings.Contains(out, "matched claude-*") || !strings.Contains(out, "200000 tokens") {
		t.Fatalf("resolve claude: code %d out %q", code, out)
	}

	code, out, _ = runCLI(t, "models", "--home", home, "-m", "acme-9000")
	if code != exitOK || !strings.Contains(out, "unknown model") || !strings.Contains(out, "128000 tokens (default)") {
		t.Fatalf("resolve unknown: code %d out %q", code, out)
	}
}

func TestValidateCommand(t *testing.T) {
	home := writeHome(t, testConfigYAML)
	code, out, errOut := runCLI(t, "validate", "--home", home)
	if code != exitOK {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	if !strings.Contains(out, "ok ") || !strings.Contains(out, "prune at 80%") || !strings.Contains(out, "1 model overrides") {
		t.Fatalf("validate output = %q", out)
	}

	missing := writeHome(t, "")
	code, out, _ = runCLI(t, "validate", "--home", missing)
	if code != exitOK || !strings.Contains(out, "using defaults") {
		t.Fatalf("missing config: code %d out %q", code, out)
	}

	bad := writeHome(t, "pruning:\n  threshold: 0.5\ncompaction:\n  threshold: 0.6\n")
	code, _, errOut = runCLI(t, "validate", "--home", bad)
	if code != exitError || !strings.Contains(errOut, "compaction.threshold") {
		t.Fatalf("bad config: code %d stderr %q", code, errOut)
	}
}

func TestValidateCommand_File(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte(testConfigYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	unknownKey := filepath.Join(dir, "unknown.yaml")
	if err := os.WriteFile(unknownKey, []byte("pruning:\n  treshold: 0.5\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if code, out, errOut := runCLI(t, "validate", "--file", good); code != exitOK || !strings.Contains(out, good) {
		t.Fatalf("good file: code %d out %q err %q", code, out, errOut)
	}
	if code, _, errOut := runCLI(t, "validate", "-f", unknownKey); code != exitError || !strings.Contains(errOut, unknownKey) {
		t.Fatalf("unknown key: code %d err %q", code, errOut)
	}
	if code, _, _ := runCLI(t, "validate", "-f", filepath.Join(dir, "absent.yaml")); code != exitError {
		t.Fatalf("absent file: code %d", code)
	}
}

func TestDoctorCommand(t *testing.T) {
	home := writeHome(t, testConfigYAML)
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	code, out, errOut := runCLI(t, "doctor", "--home", home)
	if code != exitOK {
		t.Fatalf("exit %d: %s\n%s", code, errOut, out)
	}
	for _, want := range []string{"ctxwin doctor report", "Config", "Tokenizer", "Audit Journal"} {
		if !strings.Contains(out, want) {
			t.Errorf("doctor output missing %q", want)
		}
	}

	code, out, _ = runCLI(t, "doctor", "--home", home, "--json")
	if code != exitOK || !strings.Contains(out, `"results"`) || !strings.Contains(out, `"go_version"`) {
		t.Fatalf("json doctor: code %d out %q", code, out)
	}
}
