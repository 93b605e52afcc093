package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newToolsCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools available to the planner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := openTools(&cfg, cfg.Tools.Backend)
			if err != nil {
				return err
			}
			defer ts.Close()

			out := cmd.OutOrStdout()
			if verbose {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(ts.Registry.Definitions())
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, def := range ts.Registry.Definitions() {
				fmt.Fprintf(tw, "%s\t%s\n", def.Name, firstSentence(def.Description))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print full definitions with input schemas")
	cmd.AddCommand(newToolsCallCmd())
	return cmd
}

func newToolsCallCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "call <tool> [json-arguments]",
		Short:   "Call one tool directly and print its result",
		Example: `  rowan tools call find_dances '{"kind": "Strathspey", "max_bars": 32, "limit": 5}'`,
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			toolArgs := map[string]any{}
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &toolArgs); err != nil {
					return fmt.Errorf("arguments must be a JSON object: %w", err)
				}
			}

			ts, err := openTools(&cfg, cfg.Tools.Backend)
			if err != nil {
				return err
			}
			defer ts.Close()

			res, err := ts.Registry.Invoke(cmd.Context(), args[0], toolArgs)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}

func firstSentence(s string) string {
	if i := strings.Index(s, ". "); i >= 0 {
		return s[:i+1]
	}
	return s
}
