package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/rampart/pkg/artifacts"
	"github.com/Mindburn-Labs/rampart/pkg/config"
)

// runPushCmd implements `rampart push <module.wasm>`: store a module in the
// configured artifact store and print the sha256 ref to put in a
// descriptor's module field.
func runPushCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("push", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var configPath string
	cmd.StringVar(&configPath, "config", configFlagDefault(), "Path to the YAML configuration")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: rampart push [--config file] <module.wasm>")
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	wasm, err := os.ReadFile(cmd.Arg(0))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	store, err := artifacts.NewStore(ctx, cfg.Artifacts)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	ref, err := store.Put(ctx, wasm)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintln(stdout, ref)
	return 0
}
