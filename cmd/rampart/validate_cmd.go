package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"

	"github.com/Mindburn-Labs/rampart/pkg/config"
	"github.com/Mindburn-Labs/rampart/pkg/orchestrator"
)

type validateReport struct {
	Loaded   []string                 `json:"loaded"`
	Excluded []orchestrator.Exclusion `json:"excluded"`
}

// runValidateCmd implements `rampart validate`: compile and link every
// configured plugin without serving traffic.
//
// Exit codes:
//
//	0 = every plugin loaded
//	1 = at least one plugin was excluded
//	2 = runtime error
func runValidateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("validate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		jsonOutput bool
	)
	cmd.StringVar(&configPath, "config", configFlagDefault(), "Path to the YAML configuration (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if configPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --config is required")
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	h, err := openHost(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = h.Close(ctx) }()

	report := validateReport{Loaded: []string{}, Excluded: h.orch.Excluded()}
	for _, d := range h.orch.Plugins() {
		report.Loaded = append(report.Loaded, d.ID()+"@"+d.Version)
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	} else {
		for _, id := range report.Loaded {
			_, _ = fmt.Fprintf(stdout, "ok    %s\n", id)
		}
		for _, ex := range report.Excluded {
			_, _ = fmt.Fprintf(stdout, "FAIL  %s  %s  %s\n", ex.Plugin, ex.Code, ex.Message)
		}
	}

	if len(report.Excluded) > 0 {
		return 1
	}
	return 0
}
