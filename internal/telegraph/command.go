package telegraph

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zulandar/switchyard/internal/admin"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/store"
)

// commandPrefix is the prefix that triggers operator command handling.
const commandPrefix = "!sy"

// CommandHandler processes "!sy" commands posted in the operator channel.
// Read commands query the store; control commands go through the admin
// controller and are audited under the operator's chat user ID.
type CommandHandler struct {
	store   *store.Store
	admin   *admin.Controller
	isAdmin func(userID string) bool
	now     func() time.Time
}

// CommandHandlerOpts holds parameters for creating a CommandHandler.
type CommandHandlerOpts struct {
	Store   *store.Store
	Admin   *admin.Controller
	IsAdmin func(userID string) bool // required for control commands
}

// NewCommandHandler creates a CommandHandler.
func NewCommandHandler(opts CommandHandlerOpts) (*CommandHandler, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("telegraph: command handler: store is required")
	}
	if opts.Admin == nil {
		return nil, fmt.Errorf("telegraph: command handler: admin controller is required")
	}
	isAdmin := opts.IsAdmin
	if isAdmin == nil {
		isAdmin = func(string) bool { return false }
	}
	return &CommandHandler{store: opts.Store, admin: opts.Admin, isAdmin: isAdmin, now: time.Now}, nil
}

// Execute parses and executes a "!sy" command string. Returns the response
// text to send back to the operator channel.
func (ch *CommandHandler) Execute(ctx context.Context, userID, text string) string {
	args := parseCommand(text)
	if len(args) == 0 {
		return ch.helpText()
	}

	switch args[0] {
	case "queue":
		return ch.cmdQueue(ctx)
	case "show":
		return ch.cmdShow(ctx, args[1:])
	case "help":
		return ch.helpText()
	case "assign", "release", "close", "rag", "priority", "reply":
		if !ch.isAdmin(userID) {
			return fmt.Sprintf("User `%s` is not an admin.", userID)
		}
		return ch.cmdControl(ctx, userID, args, text)
	default:
		return fmt.Sprintf("Unknown command: `%s`\n\n%s", args[0], ch.helpText())
	}
}

// isCommand returns true if the text starts with the command prefix.
func isCommand(text string) bool {
	return strings.HasPrefix(text, commandPrefix+" ") || text == commandPrefix
}

// parseCommand strips the "!sy" prefix and splits the remaining text.
func parseCommand(text string) []string {
	text = strings.TrimSpace(text)
	if text == commandPrefix {
		return nil
	}
	text = strings.TrimPrefix(text, commandPrefix+" ")
	return strings.Fields(text)
}

func (ch *CommandHandler) cmdQueue(ctx context.Context) string {
	entries, err := ch.store.EscalatedQueue(ctx, 20)
	if err != nil {
		return fmt.Sprintf("Error listing queue: %v", err)
	}
	if len(entries) == 0 {
		return "No escalated conversations."
	}
	return formatQueueTable(entries, ch.now())
}

func (ch *CommandHandler) cmdShow(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return "Usage: `!sy show <conversation-id>`"
	}
	conv, err := ch.store.Get(ctx, args[0])
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	msgs, err := ch.store.History(ctx, conv.ID, 5)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	return formatConversationDetail(conv, msgs)
}

func (ch *CommandHandler) cmdControl(ctx context.Context, userID string, args []string, raw string) string {
	if len(args) < 2 {
		return fmt.Sprintf("Usage: `!sy %s <conversation-id> ...`", args[0])
	}
	id := args[1]

	if args[0] == "reply" {
		text := replyText(raw, id)
		if text == "" {
			return "Usage: `!sy reply <conversation-id> <text>`"
		}
		res, err := ch.admin.Reply(ctx, admin.ReplyRequest{ConversationID: id, AdminID: userID, Text: text})
		if err != nil {
			return fmt.Sprintf("Error: %v", err)
		}
		if !res.Delivery.Delivered {
			return fmt.Sprintf("Reply saved on %s but delivery failed: %v", id, res.Delivery.Err)
		}
		return fmt.Sprintf("Reply sent to %s.", res.Conversation.UserID)
	}

	req := admin.Request{ConversationID: id, AdminID: userID}
	switch args[0] {
	case "assign":
		req.Action = admin.ActionAssignHuman
	case "release":
		req.Action = admin.ActionReleaseHuman
	case "close":
		req.Action = admin.ActionCloseConversation
	case "rag":
		if len(args) < 3 || (args[2] != "on" && args[2] != "off") {
			return "Usage: `!sy rag <conversation-id> on|off`"
		}
		req.Action = admin.ActionEnableRAG
		if args[2] == "off" {
			req.Action = admin.ActionDisableRAG
		}
	case "priority":
		if len(args) < 3 {
			return "Usage: `!sy priority <conversation-id> <1-5>`"
		}
		p, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Sprintf("Invalid priority %q", args[2])
		}
		req.Action, req.Priority = admin.ActionSetPriority, p
	}

	conv, err := ch.admin.Apply(ctx, req)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Sprintf("Conversation %s not found.", id)
	case err != nil:
		return fmt.Sprintf("Error: %v", err)
	}
	return fmt.Sprintf("%s: %s → status %s, human %v, rag %v, priority %d",
		conv.ID, req.Action, conv.Status, conv.HumanHandling, conv.RAGEnabled, conv.Priority)
}

// replyText returns everything after the conversation id in a reply command.
func replyText(raw, id string) string {
	i := strings.Index(raw, id)
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(raw[i+len(id):])
}

// helpText returns usage information for all commands.
func (ch *CommandHandler) helpText() string {
	return "**Switchyard Commands**\n" +
		"`!sy queue` — Escalated conversations\n" +
		"`!sy show <id>` — Conversation details\n" +
		"`!sy assign <id>` — Take over a conversation\n" +
		"`!sy release <id>` — Hand back to the bot\n" +
		"`!sy rag <id> on|off` — Toggle generated replies\n" +
		"`!sy priority <id> <1-5>` — Set priority\n" +
		"`!sy close <id>` — Close a conversation\n" +
		"`!sy reply <id> <text>` — Reply to the user\n" +
		"`!sy help` — This message"
}

// formatQueueTable formats escalated conversations as a fixed-width table.
func formatQueueTable(entries []store.QueueEntry, now time.Time) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("**Escalated** (%d)\n", len(entries)))
	b.WriteString(fmt.Sprintf("%-36s %-10s %-4s %-8s %-6s %s\n",
		"ID", "PLATFORM", "PRI", "WAITING", "OPEN", "ADMIN"))
	for _, e := range entries {
		waiting := "-"
		if e.EscalationTimestamp != nil {
			waiting = formatDuration(now.Sub(*e.EscalationTimestamp))
		}
		adminID := "-"
		if e.AssignedAdminID != nil {
			adminID = *e.AssignedAdminID
		}
		b.WriteString(fmt.Sprintf("%-36s %-10s %-4d %-8s %-6d %s\n",
			e.ID, e.Platform, e.Priority, waiting, e.RequiresHumanCount, adminID))
	}
	return b.String()
}

// formatConversationDetail formats one conversation and its recent messages.
func formatConversationDetail(c models.Conversation, msgs []models.Message) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("**%s** — %s on %s\n", c.ID, c.UserID, c.Platform))
	b.WriteString(fmt.Sprintf("Status: %s | Human: %v | RAG: %v | Priority: %d\n",
		c.Status, c.HumanHandling, c.RAGEnabled, c.Priority))
	if c.AssignedAdminID != nil {
		b.WriteString(fmt.Sprintf("Assigned: %s\n", *c.AssignedAdminID))
	}
	if c.EscalationReason != nil {
		b.WriteString(fmt.Sprintf("Escalation: %s\n", *c.EscalationReason))
	}
	if len(msgs) > 0 {
		b.WriteString("\n")
		for _, m := range msgs {
			flag := ""
			if m.RequiresHuman && !m.HumanReplied {
				flag = " (!)"
			}
			b.WriteString(fmt.Sprintf("[%s]%s %s\n", m.SenderType, flag, truncate(m.Content, 120)))
		}
	}
	return b.String()
}
