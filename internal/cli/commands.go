package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"storyboard-sync/internal/models"
	"storyboard-sync/internal/queue"
	"storyboard-sync/internal/store"
)

func newEnqueueCommand(opts *RootOptions) *cobra.Command {
	var payload string
	var priority int

	cmd := &cobra.Command{
		Use:   "enqueue <type>",
		Short: "Add an action to the queue",
		Long: `Add an action to the queue.

Example:
  syncctl enqueue GENERATE_SCENES --payload '{"project_id":"p1"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t := models.ActionType(strings.ToUpper(args[0]))
			p, err := models.DecodePayload(t, []byte(payload))
			if err != nil {
				return &ExitError{Code: ExitCommandError, Message: "invalid payload", Err: err}
			}
			a, err := opts.app.Queue.Enqueue(cmd.Context(), p, queue.WithPriority(priority))
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), a, func(w io.Writer) {
				fmt.Fprintf(w, "enqueued %s %s\n", a.Type, a.ID)
			})
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "{}", "action payload as JSON")
	cmd.Flags().IntVar(&priority, "priority", 0, "drain priority, higher runs first")
	return cmd
}

func newListCommand(opts *RootOptions) *cobra.Command {
	var statuses, types []string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actions in drain order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var filter store.ActionFilter
			for _, s := range statuses {
				st := models.ActionStatus(strings.ToLower(s))
				if !st.Valid() {
					return &ExitError{Code: ExitCommandError, Message: fmt.Sprintf("unknown status %q", s)}
				}
				filter.Statuses = append(filter.Statuses, st)
			}
			for _, s := range types {
				t := models.ActionType(strings.ToUpper(s))
				if !t.Valid() {
					return &ExitError{Code: ExitCommandError, Message: fmt.Sprintf("unknown type %q", s)}
				}
				filter.Types = append(filter.Types, t)
			}
			filter.Limit = limit

			actions, err := opts.app.Queue.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if actions == nil {
				actions = []models.Action{}
			}
			return opts.emit(cmd.OutOrStdout(), actions, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tRETRIES\tPRIORITY\tCREATED\tLAST ERROR")
				for _, a := range actions {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
						a.ID, a.Type, a.Status, a.RetryCount, a.Priority, a.CreatedAt.Format(time.RFC3339), a.LastError)
				}
				_ = tw.Flush()
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (repeatable)")
	cmd.Flags().StringSliceVar(&types, "type", nil, "filter by action type (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of actions")
	return cmd
}

func newDrainCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Run one drain pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := opts.app.Engine.Drain(cmd.Context())
			if err != nil {
				return err
			}
			if err := opts.emit(cmd.OutOrStdout(), res, func(w io.Writer) {
				if !res.Ran() {
					fmt.Fprintf(w, "drain skipped: %s\n", res.Skipped)
					return
				}
				fmt.Fprintf(w, "attempted %d, succeeded %d, retried %d, failed %d, deferred %d\n",
					res.Attempted, res.Succeeded, res.Retried, res.Failed, res.Deferred)
				for _, f := range res.Failures {
					fmt.Fprintf(w, "  %s %s: %s\n", f.ActionID, f.Type, f.Message)
				}
			}); err != nil {
				return err
			}
			if res.Failed > 0 {
				return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("%d actions failed permanently", res.Failed)}
			}
			return nil
		},
	}
}

func newCleanupCommand(opts *RootOptions) *cobra.Command {
	var retention time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete completed actions older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if retention <= 0 {
				retention = opts.app.Config.Retention
			}
			n, err := opts.app.Queue.Cleanup(cmd.Context(), retention)
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), map[string]int{"deleted": n}, func(w io.Writer) {
				fmt.Fprintf(w, "deleted %d completed actions\n", n)
			})
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 0, "retention window (defaults to COMPLETED_RETENTION)")
	return cmd
}

func newRetryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <action-id>",
		Short: "Enqueue a fresh copy of a failed action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.app.Queue.Requeue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), a, func(w io.Writer) {
				fmt.Fprintf(w, "requeued %s as %s\n", args[0], a.ID)
			})
		},
	}
}

func newDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <action-id>",
		Short: "Delete an action permanently unless it is processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.app.Queue.DeletePermanently(cmd.Context(), args[0]); err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), map[string]string{"deleted": args[0]}, func(w io.Writer) {
				fmt.Fprintf(w, "deleted %s\n", args[0])
			})
		},
	}
}
