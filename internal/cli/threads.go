package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/ibbo/rowan/internal/agent"
	"github.com/spf13/cobra"
)

func newThreadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "Inspect and clean up stored conversation threads",
	}

	cmd.AddCommand(newThreadsListCmd())
	cmd.AddCommand(newThreadsShowCmd())
	cmd.AddCommand(newThreadsDeleteCmd())
	cmd.AddCommand(newThreadsPruneCmd())
	return cmd
}

// withThreads opens the configured checkpoint store for the duration of fn.
func withThreads(fn func(agent.ThreadStore) error) error {
	threads, closeFn, err := openThreads(&cfg)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(threads)
}

func newThreadsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List threads, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withThreads(func(threads agent.ThreadStore) error {
				list, err := threads.List(cmd.Context())
				if err != nil {
					return err
				}
				if len(list) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no threads")
					return nil
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "THREAD\tVERSION\tMESSAGES\tUPDATED")
				for _, t := range list {
					fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", t.ThreadID, t.Version, t.Messages, t.UpdatedAt.Local().Format(time.DateTime))
				}
				return tw.Flush()
			})
		},
	}
}

func newThreadsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <thread-id>",
		Short: "Print a thread's checkpoint as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withThreads(func(threads agent.ThreadStore) error {
				cp, err := threads.Load(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if cp.Version == 0 {
					return fmt.Errorf("thread %q not found", args[0])
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(cp)
			})
		},
	}
}

func newThreadsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <thread-id>...",
		Short: "Delete threads",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withThreads(func(threads agent.ThreadStore) error {
				for _, id := range args {
					if err := threads.Delete(cmd.Context(), id); err != nil {
						return fmt.Errorf("deleting %s: %w", id, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
				}
				return nil
			})
		},
	}
}

func newThreadsPruneCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete threads not updated recently",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			return withThreads(func(threads agent.ThreadStore) error {
				n, err := threads.Prune(cmd.Context(), time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d thread(s)\n", n)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "delete threads last updated before this long ago")
	return cmd
}
