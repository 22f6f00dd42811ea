package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Exit codes.
const (
	exitOK        = 0
	exitUsage     = 2  // invalid input or configuration
	exitTransient = 64 // retryable: daemon down, peer unreachable
	exitFatal     = 70 // unrecoverable runtime failure
)

// exitError carries the process exit code alongside the cause.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }
func (e exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	if err == nil {
		return nil
	}
	return exitError{code: code, err: err}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "teleclaude",
		Short: "TeleClaude — remote terminal orchestration for AI CLIs",
		Long:  "TeleClaude runs persistent AI CLI sessions in tmux panes and bridges them to chat platforms, a REST API, and peer machines.",
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newDaemonCmd())
	cmd.AddCommand(newStatusCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "teleclaude %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		// Anything unclassified came from cobra itself: bad flags or
		// an unknown subcommand.
		return exitUsage
	}
	return exitOK
}

func main() {
	os.Exit(execute(newRootCmd()))
}
