package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"carequeue/internal/domain"
	"carequeue/internal/queue"
)

func (a *app) printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, string(b))
	return nil
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print counts of tasks by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.tasks.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "pending=%d processing=%d completed=%d failed=%d\n",
				m[domain.StatusPending], m[domain.StatusProcessing], m[domain.StatusCompleted], m[domain.StatusFailed])
			return nil
		},
	}
}

func (a *app) listCmd() *cobra.Command {
	var (
		status string
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st := domain.Status(status)
			if st != "" && !st.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			tasks, err := a.tasks.List(cmd.Context(), st, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return a.printJSON(tasks)
			}
			for _, t := range tasks {
				errMsg := ""
				if t.Error != nil {
					errMsg = *t.Error
				}
				fmt.Fprintf(a.out, "%s  %-24s  %-10s  retries=%d/%d  due=%s  err=%q\n",
					t.ID, t.Type, t.Status, t.RetryCount, t.MaxRetries, t.ScheduledFor.Format(time.RFC3339), errMsg)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending|processing|completed|failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	cmd.Flags().BoolVar(&asJSON, "json", false, "JSON output")
	return cmd
}

func (a *app) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := a.tasks.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.printJSON(t)
		},
	}
}

func (a *app) attemptsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attempts <task-id>",
		Short: "Show the attempt log of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.tasks.Get(cmd.Context(), args[0]); err != nil {
				return err
			}
			attempts, err := a.tasks.Attempts(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, at := range attempts {
				outcome := "ok"
				if !at.Success {
					outcome = "failed: " + at.Error
				}
				fmt.Fprintf(a.out, "#%d  %s  %s  %s\n",
					at.Number, at.StartedAt.Format(time.RFC3339), at.FinishedAt.Sub(at.StartedAt).Round(time.Millisecond), outcome)
			}
			return nil
		},
	}
}

func (a *app) processCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Run one poll of due tasks in this process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.engine(cmd.Context())
			if err != nil {
				return err
			}
			sum, err := e.ProcessDueTasks(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "processed=%d errors=%d total=%d skipped=%d\n", sum.Processed, sum.Errors, sum.Total, sum.Skipped)
			return nil
		},
	}
}

func (a *app) requeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <task-id>",
		Short: "Return a failed task to pending with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := queue.Requeue(cmd.Context(), a.tasks, args[0], time.Now()); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "requeued %s\n", args[0])
			return nil
		},
	}
}

func (a *app) purgeCmd() *cobra.Command {
	var key, value string
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every task whose payload field key equals value",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.tasks.DeleteByCorrelation(cmd.Context(), key, value)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "deleted %d tasks\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "payload field, e.g. appointmentId")
	cmd.Flags().StringVar(&value, "value", "", "value to match")
	cmd.MarkFlagRequired("key")
	cmd.MarkFlagRequired("value")
	return cmd
}
