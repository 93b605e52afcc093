package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const chatHelp = `Commands:
  /new     start a new thread
  /thread  print the current thread id
  /quit    leave
`

func newChatCmd() *cobra.Command {
	var threadID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat interactively on one thread",
		Long:  "Start an interactive session. Each line is one turn; Ctrl-C cancels the turn in progress.\n\n" + chatHelp,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(&cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if threadID == "" {
				threadID = uuid.NewString()
			}
			return chatLoop(cmd, a, threadID)
		},
	}

	cmd.Flags().StringVar(&threadID, "thread", "", "resume an existing thread")
	return cmd
}

func chatLoop(cmd *cobra.Command, a *app, threadID string) error {
	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	in := bufio.NewScanner(cmd.InOrStdin())

	fmt.Fprintf(errOut, "thread %s (type /quit to leave)\n", threadID)
	for {
		fmt.Fprint(errOut, "> ")
		if !in.Scan() {
			fmt.Fprintln(errOut)
			return in.Err()
		}
		line := strings.TrimSpace(in.Text())

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/help":
			fmt.Fprint(errOut, chatHelp)
			continue
		case "/thread":
			fmt.Fprintln(errOut, threadID)
			continue
		case "/new":
			threadID = uuid.NewString()
			fmt.Fprintf(errOut, "thread %s\n", threadID)
			continue
		}

		if err := chatTurn(cmd.Context(), cmd, a, threadID, line); err != nil {
			fmt.Fprintf(errOut, "error: %v\n", err)
		}
		fmt.Fprintln(out)
	}
}

// chatTurn runs one turn that SIGINT cancels without leaving the loop.
func chatTurn(parent context.Context, cmd *cobra.Command, a *app, threadID, line string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := askOnce(ctx, cmd, a, threadID, line, false)
	if errors.Is(err, context.Canceled) {
		return errors.New("cancelled")
	}
	return err
}
