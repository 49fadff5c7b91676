package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/basket/ctxwin/internal/tokenutil"
)

func runModelsCommand(args []string, stdout, stderr io.Writer) int {
	var (
		home    string
		model   string
		noColor bool
	)
	fs := newFlagSet("models", &home, stderr)
	fs.StringVarP(&model, "model", "m", "", "resolve a single model id")
	fs.BoolVar(&noColor, "no-color", false, "disable styled output")
	if code, done := parseFlags(fs, args); done {
		return code
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: ctxwin models [--model <id>]")
		return exitUsage
	}

	cfg, err := loadConfig(home)
	if err != nil {
		fmt.Fprintf(stderr, "config load: %v\n", err)
		return exitError
	}
	table, err := cfg.ModelTable()
	if err != nil {
		fmt.Fprintf(stderr, "model table: %v\n", err)
		return exitError
	}
	out := newRenderer(stdout, useColor(stdout, noColor))

	if model != "" {
		fam, known := table.Lookup(model)
		if !known {
			out.line("%s: %s", model, out.style(out.warn, "unknown model"))
			out.line("  budget  %d tokens (default)", tokenutil.DefaultMaxTokens)
			out.line("  counts  chars at %.2f chars/token (conservative)", table.ConservativeRatio())
			return exitOK
		}
		out.line("%s: matched %s", model, fam.Match)
		out.line("  budget  %d tokens", fam.MaxTokens)
		out.line("  counts  %s", describeCounting(fam))
		if model == cfg.DefaultModel {
			out.dimLine("  (default model)")
		}
		return exitOK
	}

	rows := make([][]string, 0, len(table.Families()))
	for _, fam := range table.Families() {
		rows = append(rows, []string{fam.Match, strconv.Itoa(fam.MaxTokens), describeCounting(fam)})
	}
	out.table([]string{"MODEL", "MAX TOKENS", "COUNTING"}, rows)
	out.dimLine(fmt.Sprintf("default model: %s; unknown models get %d tokens", cfg.DefaultModel, tokenutil.DefaultMaxTokens))
	return exitOK
}

func describeCounting(f tokenutil.Family) string {
	switch f.Scheme {
	case tokenutil.SchemeBPE:
		return "bpe " + f.Encoding
	case tokenutil.SchemeChars, tokenutil.SchemeAnthropic:
		ratio := f.CharsPerToken
		if ratio <= 0 {
			ratio = tokenutil.DefaultCharsPerToken
		}
		return fmt.Sprintf("%s %.2f chars/token", f.Scheme, ratio)
	default:
		return string(f.Scheme)
	}
}
