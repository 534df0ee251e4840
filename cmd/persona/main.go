// Command persona runs a group of autonomous agent personas that share
// channels, pace themselves by energy and mood, and coordinate through an
// arbiter so that one stimulus gets one responder.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

// Exit codes.
const (
	exitOK          = 0
	exitError       = 1
	exitNotAdmitted = 2
)

// exitCodeError carries a non-default exit status out of a command.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the CLI and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	a := &app{out: stdout}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	a.Close()
	if err == nil {
		return exitOK
	}
	fmt.Fprintf(stderr, "persona: %v\n", err)
	var ec *exitCodeError
	if errors.As(err, &ec) {
		return ec.code
	}
	return exitError
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "persona",
		Short: "Autonomous agent personas with energy, mood and claim arbitration",
		Long: `persona runs agents that each own a bounded priority inbox, pace
themselves by energy and mood, and claim shared channel stimuli through an
arbiter so that exactly one agent answers each one.

Environment:
  PERSONA_CONFIG    config file (default: persona.yaml)
  PERSONA_DB        SQLite ledger path (default: persona.db)
  PERSONA_SERVER    server URL for send and top (default: http://localhost:8080)

Exit codes:
  0  success
  1  error
  2  message not admitted (duplicate, rate limited or shed)`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", envOr("PERSONA_CONFIG", ""), "config file")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "JSON output")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddGroup(
		&cobra.Group{ID: "run", Title: "Running:"},
		&cobra.Group{ID: "inspect", Title: "Inspecting:"},
	)
	for _, c := range []*cobra.Command{newServeCmd(a), newSimulateCmd(a), newSendCmd(a), newInitCmd(a)} {
		c.GroupID = "run"
		root.AddCommand(c)
	}
	for _, c := range []*cobra.Command{newStatusCmd(a), newClaimsCmd(a), newLogCmd(a), newTopCmd(a)} {
		c.GroupID = "inspect"
		root.AddCommand(c)
	}
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
