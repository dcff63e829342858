package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashureev/cps-scaffold/internal/identity"
)

func newSessionsCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List, close or delete sessions",
	}
	cmd.AddCommand(
		newSessionsListCmd(open),
		newSessionsCloseCmd(open),
		newSessionsDeleteCmd(open),
	)
	return cmd
}

func newSessionsListCmd(open opener) *cobra.Command {
	var (
		userID string
		skip   int
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, err := open()
			if err != nil {
				return err
			}
			defer repo.Close()

			sessions, err := newLedger(repo, cmd.ErrOrStderr()).ListSessions(cmd.Context(), identity.SanitizeLearnerID(userID), skip, limit)
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tOWNER\tACTIVE\tCREATED\tCOMPLETED")
			for _, s := range sessions {
				completed := "-"
				if s.CompletedAt != nil {
					completed = s.CompletedAt.UTC().Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n",
					s.ID, s.OwnerID, s.Active, s.CreatedAt.UTC().Format(time.RFC3339), completed)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&userID, "user-id", "", "only list sessions owned by this learner")
	cmd.Flags().IntVar(&skip, "skip", 0, "number of sessions to skip")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of sessions")
	return cmd
}

func newSessionsCloseCmd(open opener) *cobra.Command {
	var abandoned bool

	cmd := &cobra.Command{
		Use:   "close <session-id>",
		Short: "Mark a session inactive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := open()
			if err != nil {
				return err
			}
			defer repo.Close()

			session, err := newLedger(repo, cmd.ErrOrStderr()).CloseSession(cmd.Context(), args[0], !abandoned)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Closed %s\n", session.ID)
			return nil
		},
	}

	cmd.Flags().BoolVar(&abandoned, "abandoned", false, "close without marking the session completed")
	return cmd
}

func newSessionsDeleteCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and its logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := open()
			if err != nil {
				return err
			}
			defer repo.Close()

			if err := newLedger(repo, cmd.ErrOrStderr()).DeleteSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}
}
