package main

import (
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/rampart/pkg/bridge"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "validate":
		return runValidateCmd(args[2:], stdout, stderr)
	case "eval":
		return runEvalCmd(args[2:], stdout, stderr)
	case "push":
		return runPushCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "rampart %s (host abi %s)\n", version, bridge.ABIVersion)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  rampart <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "serve", "Run the HTTP adapter with hot reload (--config, --rate, --burst)")
	printCommand(w, "validate", "Load every plugin and report exclusions (--config, --json)")
	printCommand(w, "eval", "Run one exchange through the plugins (--config, --request, --response)")
	printCommand(w, "push", "Store a module in the artifact store and print its ref (--config)")
	printCommand(w, "version", "Print version information")
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-10s %s\n", name, desc)
}

// configFlagDefault lets RAMPART_CONFIG stand in for --config.
func configFlagDefault() string {
	return os.Getenv("RAMPART_CONFIG")
}
