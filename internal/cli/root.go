// Package cli implements syncctl, the admin CLI for the offline action queue.
// It works directly against the configured record store.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"storyboard-sync/internal/app"
	"storyboard-sync/internal/config"
	"storyboard-sync/internal/logging"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1
	ExitCommandError = 2
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode extracts the exit code from err.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// RootOptions holds global flags and the service opened for the command.
type RootOptions struct {
	Format   string
	LogLevel string

	app *app.App
}

// NewRootCommand creates the syncctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "syncctl",
		Short:         "Inspect and operate the storyboard offline action queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return &ExitError{Code: ExitCommandError, Message: fmt.Sprintf("invalid format %q: must be text or json", opts.Format)}
			}
			return opts.open(cmd.Context(), cmd.ErrOrStderr())
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "warn", "log level")

	cmd.AddCommand(newEnqueueCommand(opts))
	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newDrainCommand(opts))
	cmd.AddCommand(newCleanupCommand(opts))
	cmd.AddCommand(newRetryCommand(opts))
	cmd.AddCommand(newDeleteCommand(opts))

	// release the store even when a command fails
	for _, sub := range cmd.Commands() {
		run := sub.RunE
		sub.RunE = func(cmd *cobra.Command, args []string) (err error) {
			defer func() {
				if cerr := opts.close(); err == nil {
					err = cerr
				}
			}()
			return run(cmd, args)
		}
	}
	return cmd
}

func (o *RootOptions) open(ctx context.Context, logOut io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return &ExitError{Code: ExitCommandError, Message: "load config", Err: err}
	}
	log := logging.NewWithWriter(logOut, o.LogLevel, cfg.Env)
	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		return &ExitError{Code: ExitCommandError, Message: "open service", Err: err}
	}
	o.app = a
	return nil
}

func (o *RootOptions) close() error {
	if o.app == nil {
		return nil
	}
	err := o.app.Close()
	o.app = nil
	return err
}

// emit writes v as JSON, or text via the fallback, depending on --format.
func (o *RootOptions) emit(w io.Writer, v any, text func(io.Writer)) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
