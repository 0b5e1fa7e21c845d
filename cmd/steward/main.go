// Command steward runs the plan lifecycle service and its operator
// subcommands.
package main

import (
	"fmt"
	"io"
	"os"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		// Default to server
		return startServer(stderr)
	}

	switch args[1] {
	case "server", "serve":
		return startServer(stderr)
	case "cycle":
		return runCycleCmd(args[2:], stdout, stderr)
	case "approve":
		return runDecisionCmd("approve", args[2:], stdout, stderr)
	case "reject":
		return runDecisionCmd("reject", args[2:], stdout, stderr)
	case "execute":
		return runExecuteCmd(args[2:], stdout, stderr)
	case "status":
		return runStatusCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer(stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "steward - supervised automation lifecycle")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  steward [server]                         Run the HTTP service (default)")
	fmt.Fprintln(w, "  steward cycle [--mode=dry_run|execute] [--confirm]")
	fmt.Fprintln(w, "                                           Run one cycle pass")
	fmt.Fprintln(w, "  steward approve <plan-id> [--token=T | --as=actor]")
	fmt.Fprintln(w, "                                           Approve a pending plan")
	fmt.Fprintln(w, "  steward reject <plan-id> [--token=T | --as=actor]")
	fmt.Fprintln(w, "                                           Reject a pending plan")
	fmt.Fprintln(w, "  steward execute <plan-id>                Execute an approved plan")
	fmt.Fprintln(w, "  steward status                           Print plan counts and last cycle")
	fmt.Fprintln(w, "  steward help                             Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Configuration is read from the environment; see README.md.")
}
