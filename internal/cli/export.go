package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashureev/cps-scaffold/internal/export"
	"github.com/ashureev/cps-scaffold/internal/identity"
)

func newExportCmd(open opener) *cobra.Command {
	var (
		userID string
		out    string
	)

	cmd := &cobra.Command{
		Use:   "export <table>",
		Short: "Export a research table as CSV",
		Long: `Write the conversations or metrics table as CSV. Output goes to stdout
unless --out is given.

Examples:
  cpsctl export conversations > conversations.csv
  cpsctl export metrics --user-id learner_42 --out metrics.csv`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exporter, ok := export.Get(strings.ToLower(args[0]))
			if !ok {
				return fmt.Errorf("unknown table %q; valid tables: %s",
					args[0], strings.Join(export.Tables(), ", "))
			}

			if userID != "" {
				sanitized := identity.SanitizeLearnerID(userID)
				if sanitized == "" {
					return fmt.Errorf("invalid user id %q", userID)
				}
				userID = sanitized
			}

			repo, err := open()
			if err != nil {
				return err
			}
			defer repo.Close()

			var w io.Writer = cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("create %s: %w", out, err)
				}
				defer f.Close()
				bw := bufio.NewWriter(f)
				defer bw.Flush()
				w = bw
			}

			if err := exporter.Export(cmd.Context(), w, repo, userID); err != nil {
				return fmt.Errorf("export %s: %w", args[0], err)
			}
			if out != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s\n", out)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user-id", "", "only export sessions owned by this learner")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write to a file instead of stdout")
	return cmd
}
