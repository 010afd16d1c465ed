// Command phasemirror is the CI surface of the oracle evaluation engine. It
// evaluates a repository snapshot against the registered governance rules and
// exits 0 (pass), 1 (block or invariant violation), or 2 (proceeded with
// degraded guarantees). Configuration and wiring errors exit 3 so runners can
// tell a governance decision from a broken invocation.
package main

import (
	"fmt"
	"io"
	"os"
)

const engineVersion = "1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches to the subcommands. Exposed for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return exitUsage
	}

	switch args[1] {
	case "evaluate":
		return runEvaluate(args[2:], stdout, stderr)
	case "review":
		return runReview(args[2:], stdout, stderr)
	case "version", "--version":
		fmt.Fprintf(stdout, "phasemirror %s\n", engineVersion)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return exitUsage
	}
}

// exitUsage is distinct from the evaluation exit codes 0/1/2.
const exitUsage = 3

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: phasemirror <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  evaluate   evaluate a snapshot and emit the decision record")
	fmt.Fprintln(w, "  review     mark a recorded finding as a false positive")
	fmt.Fprintln(w, "  version    print the engine version")
	fmt.Fprintln(w, "  help       print this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Exit codes for evaluate: 0 pass, 1 block or invariant violation,")
	fmt.Fprintln(w, "2 degraded (community tier), 3 configuration error.")
}
