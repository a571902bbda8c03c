package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newAuditCmd() *cobra.Command {
	var (
		configPath     string
		conversationID string
		limit          int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the admin action audit trail",
		Long:  "Lists admin actions newest first, across all conversations or for one.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(cmd, configPath, conversationID, limit)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "only actions for this conversation")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func runAudit(cmd *cobra.Command, configPath, conversationID string, limit int) error {
	_, st, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	acts, err := st.Actions(cmd.Context(), conversationID, limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(acts) == 0 {
		fmt.Fprintln(out, "No admin actions recorded.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tADMIN\tACTION\tCONVERSATION\tREASON")
	for _, a := range acts {
		reason := a.Reason
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			a.CreatedAt.Format(time.DateTime), a.AdminID, a.Action, a.ConversationID, truncate(reason, 40))
	}
	w.Flush()
	return nil
}
