package cli

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newAskCmd() *cobra.Command {
	var (
		threadID string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask one question and print the answer",
		Example: `  rowan ask "Find me some 32-bar reels with a poussette"
  rowan ask --thread 7f1c... "How many bars is the second one?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(&cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if threadID == "" {
				threadID = uuid.NewString()
			}
			if !asJSON {
				fmt.Fprintf(cmd.ErrOrStderr(), "thread %s\n", threadID)
			}
			return askOnce(ctx, cmd, a, threadID, strings.Join(args, " "), asJSON)
		},
	}

	cmd.Flags().StringVar(&threadID, "thread", "", "continue an existing thread")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print every turn event as a JSON line")
	return cmd
}

func askOnce(ctx context.Context, cmd *cobra.Command, a *app, threadID, question string, asJSON bool) error {
	events, err := a.Agent.RunTurn(ctx, threadID, question)
	if err != nil {
		return err
	}
	return renderTurn(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), events, asJSON)
}
