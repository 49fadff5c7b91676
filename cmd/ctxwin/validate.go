package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/basket/ctxwin/internal/config"
)

func runValidateCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var (
		home  string
		file  string
		watch bool
	)
	fs := newFlagSet("validate", &home, stderr)
	fs.StringVarP(&file, "file", "f", "", "validate this file instead of <home>/config.yaml")
	fs.BoolVarP(&watch, "watch", "w", false, "keep validating config.yaml whenever it changes")
	if code, done := parseFlags(fs, args); done {
		return code
	}
	if fs.NArg() != 0 || (file != "" && watch) {
		fmt.Fprintln(stderr, "usage: ctxwin validate [--file <path> | --watch]")
		return exitUsage
	}

	if file != "" {
		cfg, err := validateFile(file)
		if err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", file, err)
			return exitError
		}
		printValid(stdout, file, cfg)
		return exitOK
	}

	if home == "" {
		home = config.HomeDir()
	}
	path := config.ConfigPath(home)
	cfg, err := config.LoadFrom(home)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", path, err)
		if !watch {
			return exitError
		}
	} else {
		printValid(stdout, path, cfg)
	}
	if !watch {
		return exitOK
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	w := config.NewWatcher(home, logger)
	if err := w.Start(ctx); err != nil {
		fmt.Fprintf(stderr, "watch %s: %v\n", home, err)
		return exitError
	}
	fmt.Fprintf(stdout, "watching %s (Ctrl-C to stop)\n", path)
	for {
		select {
		case <-ctx.Done():
			return exitOK
		case _, ok := <-w.Events():
			if !ok {
				return exitOK
			}
			cfg, err := config.LoadFrom(home)
			if err != nil {
				fmt.Fprintf(stderr, "%s: %v\n", path, err)
				continue
			}
			printValid(stdout, path, cfg)
		}
	}
}

// validateFile checks a config document outside the home directory: the
// schema first, then the cross-field rules on top of the defaults.
func validateFile(path string) (config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return config.Config{}, err
	}
	if err := config.ValidateDocument(data); err != nil {
		return config.Config{}, err
	}
	cfg := config.Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return config.Config{}, fmt.Errorf("parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func printValid(w io.Writer, path string, cfg config.Config) {
	source := path
	if cfg.FromDefaults {
		source = path + " (missing, using defaults)"
	}
	fmt.Fprintf(w, "ok %s %s: prune at %.0f%%, compact at %.0f%%, summarizer %s, %d model overrides\n",
		source, cfg.Fingerprint(),
		cfg.Pruning.Threshold*100, cfg.Compaction.Threshold*100,
		cfg.Compaction.Summarizer, len(cfg.Models))
}
