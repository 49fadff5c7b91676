package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/basket/ctxwin/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var (
		home       string
		jsonOutput bool
	)
	fs := newFlagSet("doctor", &home, stderr)
	fs.BoolVar(&jsonOutput, "json", false, "print the report as JSON")
	if code, done := parseFlags(fs, args); done {
		return code
	}

	cfg, err := loadConfig(home)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		// Keep going so the report shows why.
	}

	diag := doctor.Run(ctx, &cfg, Version)

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(stderr, "Error encoding json: %v\n", err)
			return exitError
		}
		if diag.Failed() {
			return exitError
		}
		return exitOK
	}

	fmt.Fprintf(stdout, "ctxwin doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(stdout, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Fprintln(stdout, "---")

	for _, res := range diag.Results {
		icon := "✅"
		switch res.Status {
		case "FAIL":
			icon = "❌"
		case "WARN":
			icon = "⚠️ "
		case "SKIP":
			icon = "⏩"
		}

		fmt.Fprintf(stdout, "%s %-15s: %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(stdout, "    %s\n", res.Detail)
		}
	}

	if diag.Failed() {
		return exitError
	}
	return exitOK
}
