// Command zerodns is the CLI entry point: `run` starts the resolver
// server, `resolve` performs one ad-hoc query and prints it.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/treemana/zerodns/internal/log"
)

// Exit codes: 0 success, 1 configuration error, 2 fatal runtime error.
const (
	exitConfig  = 1
	exitRuntime = 2
)

// cliError carries the exit code a subcommand wants main to use.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func configError(err error) error  { return &cliError{code: exitConfig, err: err} }
func runtimeError(err error) error { return &cliError{code: exitRuntime, err: err} }

func main() {
	root := &cobra.Command{
		Use:   "zerodns",
		Short: "A recursive/forwarding DNS resolver and server",
	}

	root.AddCommand(newRunCommand())
	root.AddCommand(newResolveCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)

		var ce *cliError
		if errors.As(err, &ce) {
			os.Exit(ce.code)
		}
		os.Exit(exitRuntime)
	}
}

func initLogging(verbose bool) {
	level := log.LevelFromEnv(os.Getenv("LOG"))
	if verbose {
		level = log.LevelFromEnv("debug")
	}
	_ = log.Init(log.Config{STDOUT: true, Level: level})
}
