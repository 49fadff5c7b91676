package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/pflag"

	"github.com/basket/ctxwin/internal/audit"
	"github.com/basket/ctxwin/internal/bus"
	"github.com/basket/ctxwin/internal/config"
	otelPkg "github.com/basket/ctxwin/internal/otel"
	"github.com/basket/ctxwin/internal/session"
	"github.com/basket/ctxwin/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// Exit codes.
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: ctxwin <command> [flags]

COMMANDS:
  replay <transcript.yaml>    Feed a transcript through a session, reduce it
                              and print the inspector views
  models [--model <id>]       Show the model budget table or resolve one model
  validate [--file <path>]    Validate config.yaml (--watch to keep checking)
  doctor [--json]             Check config, keys, tokenizer and audit journal
  version                     Print the version

Every command accepts --home <dir> to read config.yaml from another
directory. Run "ctxwin <command> --help" for command flags.

ENVIRONMENT VARIABLES:
  CTXWIN_HOME             Data directory (default: ~/.ctxwin)
  ANTHROPIC_API_KEY       Remote token counting and the anthropic summarizer
  GEMINI_API_KEY          genkit summarizer with provider google
  OPENAI_API_KEY          genkit summarizer with provider openai

EXAMPLES:
  ctxwin replay session.yaml
  ctxwin replay --strategy tool-results --keep-recent 2 session.yaml
  ctxwin models --model claude-sonnet-4
  ctxwin validate --watch
  ctxwin doctor --json
`)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return exitUsage
	}
	cmd, rest := strings.ToLower(strings.TrimSpace(args[0])), args[1:]
	switch cmd {
	case "help", "-h", "--help":
		printUsage(stdout)
		return exitOK
	case "version", "--version":
		fmt.Fprintf(stdout, "ctxwin %s\n", Version)
		return exitOK
	case "replay":
		return runReplayCommand(ctx, rest, stdout, stderr)
	case "models":
		return runModelsCommand(rest, stdout, stderr)
	case "validate":
		return runValidateCommand(ctx, rest, stdout, stderr)
	case "doctor":
		return runDoctorCommand(ctx, rest, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		printUsage(stderr)
		return exitUsage
	}
}

// newFlagSet returns a flag set with the flags every command shares.
func newFlagSet(name string, home *string, stderr io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet("ctxwin "+name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(home, "home", "", "config directory (default: $CTXWIN_HOME or ~/.ctxwin)")
	return fs
}

// parseFlags parses args and maps the outcome to an exit code. done is true
// when the command should return code immediately.
func parseFlags(fs *pflag.FlagSet, args []string) (code int, done bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK, true
		}
		return exitUsage, true
	}
	return exitOK, false
}

func loadConfig(home string) (config.Config, error) {
	if home == "" {
		return config.Load()
	}
	return config.LoadFrom(home)
}

// useColor reports whether w is a terminal that should get styled output.
func useColor(w io.Writer, disabled bool) bool {
	if disabled || os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// runtime is the wiring shared by commands that drive sessions.
type runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	bus      *bus.Bus
	provider *otelPkg.Provider
	journal  *audit.Journal
	manager  *session.Manager
	closers  []func()
}

func newRuntime(ctx context.Context, cfg config.Config, opts session.Options) (*runtime, error) {
	r := &runtime{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			r.Close()
		}
	}()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	r.closers = append(r.closers, func() { _ = closer.Close() })
	r.logger = logger
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	provider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}
	r.provider = provider
	r.closers = append(r.closers, func() { _ = provider.Shutdown(context.Background()) })
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		return nil, fmt.Errorf("metrics init: %w", err)
	}

	if cfg.Audit.Enabled {
		journal, err := audit.Open(cfg.Audit.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("audit init: %w", err)
		}
		r.journal = journal
		r.closers = append(r.closers, func() { _ = journal.Close() })
	}

	r.bus = bus.New()
	opts.Config = cfg
	opts.Bus = r.bus
	opts.Metrics = metrics
	opts.Tracer = provider.Tracer
	opts.Journal = r.journal
	opts.Logger = logger
	manager, err := session.NewManager(ctx, opts)
	if err != nil {
		return nil, err
	}
	r.manager = manager
	r.closers = append(r.closers, manager.Shutdown)
	ok = true
	return r, nil
}

// Close releases resources in reverse order of acquisition.
func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}
