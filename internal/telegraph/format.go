package telegraph

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zulandar/switchyard/internal/pipeline"
)

// Sidebar colors by notice severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

var severityColors = map[string]string{
	"success": ColorSuccess,
	"info":    ColorInfo,
	"warning": ColorWarning,
	"error":   ColorError,
}

// severityColor falls back to the info color for unknown severities.
func severityColor(severity string) string {
	if c, ok := severityColors[severity]; ok {
		return c
	}
	return ColorInfo
}

// FormatNotice formats an operator notice for the operator channel.
func FormatNotice(n pipeline.Notice) FormattedEvent {
	var title, severity string
	var body []string

	switch n.Kind {
	case pipeline.NoticeEscalation:
		title = "Conversation escalated"
		severity = "warning"
		if n.Priority >= 3 {
			severity = "error"
		}
		if n.Text != "" {
			body = append(body, fmt.Sprintf("> %s", n.Text))
		}
	case pipeline.NoticeSuggestion:
		title = "Suggested reply"
		severity = "info"
		body = append(body, fmt.Sprintf("> %s", n.Text), "", fmt.Sprintf("**Suggestion**: %s", n.Suggestion))
	case pipeline.NoticeUserMessage:
		title = "Message awaiting human reply"
		severity = "info"
		body = append(body, fmt.Sprintf("> %s", n.Text))
	case pipeline.NoticeDeliveryFailed:
		title = "Replies are not reaching the user"
		severity = "error"
	case pipeline.NoticeAdminAction:
		title = fmt.Sprintf("Admin action: %s", n.Text)
		severity = "success"
	default:
		title = n.Kind
		severity = "info"
	}
	if n.Kind != pipeline.NoticeAdminAction {
		body = append(body, "", fmt.Sprintf("Reply with `%s reply %s <text>`", commandPrefix, n.ConversationID))
	}

	fields := []Field{
		{Name: "Conversation", Value: n.ConversationID, Short: true},
		{Name: "User", Value: n.Platform + "/" + n.UserID, Short: true},
	}
	if n.Reason != "" {
		fields = append(fields, Field{Name: "Reason", Value: n.Reason, Short: true})
	}
	if n.Priority > 0 {
		fields = append(fields, Field{Name: "Priority", Value: strconv.Itoa(n.Priority), Short: true})
	}
	if n.AdminID != "" {
		fields = append(fields, Field{Name: "Admin", Value: n.AdminID, Short: true})
	}

	return FormattedEvent{
		Title:    title,
		Body:     strings.TrimSpace(strings.Join(body, "\n")),
		Severity: severity,
		Color:    severityColor(severity),
		Fields:   fields,
	}
}
