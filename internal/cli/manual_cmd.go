package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/ibbo/rowan/internal/manual"
	"github.com/spf13/cobra"
)

func newManualCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manual",
		Short: "Manage the RSCDS manual search index",
	}

	cmd.AddCommand(newManualImportCmd())
	return cmd
}

func newManualImportCmd() *cobra.Command {
	var replace bool

	cmd := &cobra.Command{
		Use:   "import <file.jsonl|->",
		Short: "Import manual sections from JSON lines",
		Long: `Each line is one section:
  {"page": 42, "section": "5.3", "heading": "Poussette", "content": "..."}
Use - to read from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}

			sections, err := manual.ReadJSONL(r)
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[0], err)
			}

			idx, err := manual.Create(cfg.Manual.Path, log)
			if err != nil {
				return err
			}
			defer idx.Close()

			n, err := idx.Import(cmd.Context(), sections, replace)
			if err != nil {
				return err
			}
			total, err := idx.Count(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d section(s), %d in index\n", n, total)
			return nil
		},
	}

	cmd.Flags().BoolVar(&replace, "replace", false, "drop existing sections first")
	return cmd
}
