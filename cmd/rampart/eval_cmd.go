package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/Mindburn-Labs/rampart/pkg/config"
	"github.com/Mindburn-Labs/rampart/pkg/orchestrator"
	"github.com/Mindburn-Labs/rampart/pkg/requestctx"
)

type evalReport struct {
	Request  orchestrator.PhaseResult  `json:"request"`
	Response *orchestrator.PhaseResult `json:"response,omitempty"`
}

// runEvalCmd implements `rampart eval`: run one exchange from JSON
// snapshots and print both phase results.
//
// Exit codes:
//
//	0 = exchange completed (any action)
//	2 = runtime error
func runEvalCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("eval", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath   string
		requestPath  string
		responsePath string
		verbose      bool
	)
	cmd.StringVar(&configPath, "config", configFlagDefault(), "Path to the YAML configuration (REQUIRED)")
	cmd.StringVar(&requestPath, "request", "", "Request snapshot JSON file (REQUIRED)")
	cmd.StringVar(&responsePath, "response", "", "Response snapshot JSON file")
	cmd.BoolVar(&verbose, "v", false, "Log host activity to stderr")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if configPath == "" || requestPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --config and --request are required")
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	var req requestctx.RequestSnapshot
	if err := readJSON(requestPath, &req); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	var resp *requestctx.ResponseSnapshot
	if responsePath != "" {
		resp = &requestctx.ResponseSnapshot{}
		if err := readJSON(responsePath, resp); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if verbose {
		logger = cfg.Logger(stderr)
	}
	ctx := context.Background()
	h, err := openHost(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = h.Close(ctx) }()

	report := evalReport{Request: h.orch.BeginRequest(ctx, &req)}
	if resp != nil && report.Request.Action == orchestrator.Continue {
		resp.RequestID = report.Request.RequestID
		res := h.orch.DeliverResponse(ctx, resp)
		report.Response = &res
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
