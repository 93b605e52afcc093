package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/ibbo/rowan/internal/scddb"
	"github.com/spf13/cobra"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Prepare the SCDDB dance database",
	}

	cmd.AddCommand(newDBInitCmd())
	cmd.AddCommand(newDBViewsCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var sample, force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create an empty dance database",
		Long: "Create the SCDDB tables, views and crib search index at scddb.path. " +
			"With --sample a handful of well-known dances are loaded so rowan works without an export.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cfg.SCDDB.Path
			if _, err := os.Stat(path); err == nil {
				if !force {
					return fmt.Errorf("%s already exists (use --force to replace it)", path)
				}
				if err := os.Remove(path); err != nil {
					return err
				}
			}

			db, err := scddb.Create(cmd.Context(), path, log)
			if err != nil {
				return err
			}
			defer db.Close()

			if sample {
				err = scddb.Seed(cmd.Context(), db.SQL())
			} else {
				err = scddb.EnsureViews(cmd.Context(), db.SQL())
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&sample, "sample", false, "load sample dances")
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing database")
	return cmd
}

func newDBViewsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "views",
		Short: "Rebuild derived views and the crib search index",
		Long:  "Run after dropping in a fresh SCDDB export. Safe to run repeatedly.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cfg.SCDDB.Path
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%s does not exist (run `rowan db init` or copy an export there)", path)
			}

			db, err := scddb.Create(cmd.Context(), path, log)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := scddb.EnsureViews(cmd.Context(), db.SQL()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rebuilt views in %s\n", path)
			return nil
		},
	}
}
