package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"lambda-live-bridge/internal/services"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		functionID string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded local invocations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.History.DSN == "" {
				return fmt.Errorf("history.dsn is not configured")
			}
			db, err := services.NewDBService(cmd.Context(), a.cfg.History.DSN)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer db.Close()

			records, err := db.ListInvocations(cmd.Context(), functionID, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INVOKED\tFUNCTION\tREQUEST\tSTATUS\tDURATION\tERROR")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%dms\t%s\n",
					r.InvokedAt.Format(time.RFC3339), r.FunctionID, r.RequestID, r.Status, r.DurationMs, r.ErrorType)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&functionID, "function", "f", "", "function id to list")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of invocations")
	_ = cmd.MarkFlagRequired("function")
	return cmd
}
