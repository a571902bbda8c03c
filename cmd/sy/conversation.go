package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
	"github.com/zulandar/switchyard/internal/admin"
	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/store"
)

// connectFromConfig loads the config and opens the conversation store.
func connectFromConfig(configPath string) (*config.Config, *store.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	gormDB, err := openDB(cfg)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.New(store.StoreOpts{DB: gormDB})
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

func newConversationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversation",
		Aliases: []string{"conv"},
		Short:   "Inspect and control conversations",
	}

	cmd.AddCommand(newConversationListCmd())
	cmd.AddCommand(newConversationQueueCmd())
	cmd.AddCommand(newConversationShowCmd())
	cmd.AddCommand(newConversationControlCmd())
	cmd.AddCommand(newConversationReplyCmd())
	return cmd
}

func newConversationListCmd() *cobra.Command {
	var (
		configPath string
		status     string
		human      string
		adminID    string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations",
		Long:  "Lists conversations by priority and recent activity, with optional filters.",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := store.Filter{Status: status, AdminID: adminID, Limit: limit}
			if human != "" {
				b, err := strconv.ParseBool(human)
				if err != nil {
					return fmt.Errorf("--human must be true or false")
				}
				f.HumanHandling = &b
			}
			return runConversationList(cmd, configPath, f)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (active, escalated, resolved, closed)")
	cmd.Flags().StringVar(&human, "human", "", "filter by human handling (true or false)")
	cmd.Flags().StringVar(&adminID, "admin", "", "filter by assigned admin")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func runConversationList(cmd *cobra.Command, configPath string, f store.Filter) error {
	_, st, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	convs, err := st.List(cmd.Context(), f)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(convs) == 0 {
		fmt.Fprintln(out, "No conversations found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPLATFORM\tUSER\tSTATUS\tPRI\tHUMAN\tRAG\tADMIN\tLAST MESSAGE")
	for _, c := range convs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			c.ID, c.Platform, truncate(c.UserID, 24), c.Status, c.Priority,
			yesNo(c.HumanHandling), yesNo(c.RAGEnabled), deref(c.AssignedAdminID),
			c.LastMessageAt.Format(time.DateTime))
	}
	w.Flush()
	return nil
}

func newConversationQueueCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show the escalation queue",
		Long:  "Lists escalated conversations by priority, oldest escalation first, with unanswered message counts.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversationQueue(cmd, configPath, limit)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func runConversationQueue(cmd *cobra.Command, configPath string, limit int) error {
	_, st, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	queue, err := st.EscalatedQueue(cmd.Context(), limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(queue) == 0 {
		fmt.Fprintln(out, "Escalation queue is empty.")
		return nil
	}

	now := st.Now()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPLATFORM\tUSER\tPRI\tREASON\tWAITING\tUNANSWERED\tMSGS\tADMIN")
	for _, e := range queue {
		waiting := "-"
		if e.EscalationTimestamp != nil {
			waiting = now.Sub(*e.EscalationTimestamp).Truncate(time.Minute).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%d\t%d\t%s\n",
			e.ID, e.Platform, truncate(e.UserID, 24), e.Priority, deref(e.EscalationReason),
			waiting, e.RequiresHumanCount, e.MessageCount, deref(e.AssignedAdminID))
	}
	w.Flush()
	return nil
}

func newConversationShowCmd() *cobra.Command {
	var (
		configPath string
		messages   int
	)

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show conversation details",
		Long:  "Displays conversation state, metadata and the most recent messages.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversationShow(cmd, configPath, args[0], messages)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	cmd.Flags().IntVarP(&messages, "messages", "n", 10, "number of recent messages to show")
	return cmd
}

func runConversationShow(cmd *cobra.Command, configPath, id string, n int) error {
	_, st, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	c, err := st.Get(ctx, id)
	if err != nil {
		return err
	}
	count, err := st.MessageCount(ctx, id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:          %s\n", c.ID)
	fmt.Fprintf(out, "User:        %s/%s\n", c.Platform, c.UserID)
	fmt.Fprintf(out, "Status:      %s\n", c.Status)
	fmt.Fprintf(out, "Priority:    %d\n", c.Priority)
	fmt.Fprintf(out, "Human:       %s\n", yesNo(c.HumanHandling))
	fmt.Fprintf(out, "RAG:         %s\n", yesNo(c.RAGEnabled))
	if c.AssignedAdminID != nil {
		fmt.Fprintf(out, "Admin:       %s\n", *c.AssignedAdminID)
	}
	if c.EscalationReason != nil {
		fmt.Fprintf(out, "Escalated:   %s", *c.EscalationReason)
		if c.EscalationTimestamp != nil {
			fmt.Fprintf(out, " at %s", c.EscalationTimestamp.Format(time.DateTime))
		}
		fmt.Fprintln(out)
	}
	meta := c.Meta()
	if meta.Language != "" {
		fmt.Fprintf(out, "Language:    %s\n", meta.Language)
	}
	if meta.Delivery != nil && meta.Delivery.ConsecutiveFailures > 0 {
		fmt.Fprintf(out, "Delivery:    %d consecutive failures\n", meta.Delivery.ConsecutiveFailures)
	}
	fmt.Fprintf(out, "Messages:    %d\n", count)

	if n <= 0 {
		return nil
	}
	msgs, err := st.History(ctx, id, n)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	for _, m := range msgs {
		fmt.Fprintf(out, "[%s] %-5s %s%s\n", m.CreatedAt.Format(time.DateTime), m.SenderType, flags(m), m.Content)
	}
	return nil
}

func newConversationControlCmd() *cobra.Command {
	var (
		configPath string
		adminID    string
		reason     string
		priority   int
	)

	cmd := &cobra.Command{
		Use:   "control <id> <action>",
		Short: "Apply an admin action to a conversation",
		Long: "Actions: " + strings.Join(admin.Actions, ", ") + `.
The action is recorded in the audit trail under --admin, which must be a
configured admin.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversationControl(cmd, configPath, admin.Request{
				ConversationID: args[0],
				Action:         args[1],
				AdminID:        adminID,
				Reason:         reason,
				Priority:       priority,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	cmd.Flags().StringVar(&adminID, "admin", "", "admin user ID (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the action")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority for set_priority (1-5)")
	return cmd
}

func runConversationControl(cmd *cobra.Command, configPath string, req admin.Request) error {
	cfg, st, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if req.AdminID == "" {
		return fmt.Errorf("--admin is required")
	}
	if !cfg.IsAdmin(req.AdminID) {
		return fmt.Errorf("%q is not a configured admin", req.AdminID)
	}
	ctl, err := admin.New(admin.ControllerOpts{Store: st})
	if err != nil {
		return err
	}
	c, err := ctl.Apply(cmd.Context(), req)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s applied to %s: status=%s priority=%d human=%s rag=%s\n",
		req.Action, c.ID, c.Status, c.Priority, yesNo(c.HumanHandling), yesNo(c.RAGEnabled))
	return nil
}

func newConversationReplyCmd() *cobra.Command {
	var (
		configPath string
		adminID    string
		server     string
	)

	cmd := &cobra.Command{
		Use:   "reply <id> <text...>",
		Short: "Send a human reply through the running server",
		Long: `Posts the reply to the admin API of a running "sy serve", which stores it
and delivers it on the user's platform.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversationReply(cmd, configPath, server, adminID, args[0], strings.Join(args[1:], " "))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	cmd.Flags().StringVar(&adminID, "admin", "", "admin user ID (required)")
	cmd.Flags().StringVar(&server, "server", "", "admin API base URL (default http://127.0.0.1:<admin.port>)")
	return cmd
}

type replyResponse struct {
	Delivered    bool   `json:"delivered"`
	Attempts     int    `json:"attempts"`
	TextFallback bool   `json:"text_fallback"`
	Error        string `json:"error"`
	Message      struct {
		ID string `json:"id"`
	} `json:"message"`
}

func runConversationReply(cmd *cobra.Command, configPath, server, adminID, id, text string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if adminID == "" {
		return fmt.Errorf("--admin is required")
	}
	if server == "" {
		server = fmt.Sprintf("http://127.0.0.1:%d", cfg.Admin.Port)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(cfg.Egress.TimeoutSec+5)*time.Second)
	defer cancel()

	var res replyResponse
	resp, err := resty.New().SetBaseURL(strings.TrimRight(server, "/")).R().
		SetContext(ctx).
		SetAuthToken(cfg.Admin.APIKey).
		SetHeader("X-Admin-User-ID", adminID).
		SetPathParam("id", id).
		SetBody(map[string]string{"text": text}).
		SetResult(&res).
		SetError(&res).
		Post("/admin/conversation/{id}/reply")
	if err != nil {
		return fmt.Errorf("reply: %w", err)
	}

	out := cmd.OutOrStdout()
	switch {
	case resp.StatusCode() == 502:
		return fmt.Errorf("reply %s stored but not delivered after %d attempts: %s", res.Message.ID, res.Attempts, res.Error)
	case resp.IsError():
		msg := res.Error
		if msg == "" {
			msg = resp.Status()
		}
		return fmt.Errorf("reply: %s", msg)
	}
	fmt.Fprintf(out, "Reply %s delivered to %s", res.Message.ID, id)
	if res.TextFallback {
		fmt.Fprint(out, " (attachments dropped)")
	}
	fmt.Fprintln(out)
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func deref(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

// flags marks messages awaiting or answered by a human.
func flags(m models.Message) string {
	switch {
	case m.RequiresHuman && !m.HumanReplied:
		return "(needs human) "
	case m.RequiresHuman:
		return "(answered) "
	}
	return ""
}

// truncate shortens s to maxLen characters, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
