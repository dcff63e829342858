// Package cli defines the Cobra command tree for cpsctl, the offline
// maintenance tool for the session ledger.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/cps-scaffold/internal/config"
	"github.com/ashureev/cps-scaffold/internal/ledger"
	"github.com/ashureev/cps-scaffold/internal/store"
)

// Execute runs the root command.
func Execute(version string) {
	_ = godotenv.Load()
	if err := NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// NewRootCmd builds the command tree.
func NewRootCmd(version string) *cobra.Command {
	var dbPath string

	root := &cobra.Command{
		Use:   "cpsctl",
		Short: "Inspect and export CPS scaffolding sessions",
		Long: `cpsctl works directly against the session database used by the
coordinator server. It lists and closes sessions and exports the research
tables as CSV.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", config.DefaultDBPath(), "path to the SQLite database")

	open := func() (store.Repository, error) {
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("database %s does not exist", dbPath)
		}
		return store.NewSQLite(dbPath)
	}

	root.AddCommand(
		newExportCmd(open),
		newSessionsCmd(open),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "cpsctl %s\n", version)
			},
		},
	)
	return root
}

type opener func() (store.Repository, error)

func newLedger(repo store.Repository, w io.Writer) *ledger.Service {
	return ledger.NewService(repo, slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelWarn})))
}
