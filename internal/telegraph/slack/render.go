package slack

import (
	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/switchyard/internal/telegraph"
)

// render builds the PostMessage options for msg. Operator events and media
// become attachments; text is always included when there is nothing else
// to show so Slack never receives an empty post.
func render(msg telegraph.OutboundMessage) []slackapi.MsgOption {
	var opts []slackapi.MsgOption
	if msg.ThreadID != "" {
		opts = append(opts, slackapi.MsgOptionTS(msg.ThreadID))
	}

	atts := make([]slackapi.Attachment, 0, len(msg.Events)+len(msg.Attachments))
	for _, ev := range msg.Events {
		atts = append(atts, eventAttachment(ev))
	}
	for _, m := range msg.Attachments {
		atts = append(atts, mediaAttachment(m))
	}
	if len(atts) > 0 {
		opts = append(opts, slackapi.MsgOptionAttachments(atts...))
	}
	if msg.Text != "" || len(atts) == 0 {
		opts = append(opts, slackapi.MsgOptionText(msg.Text, false))
	}
	return opts
}

// eventAttachment renders an operator notice with its color bar and fields.
func eventAttachment(ev telegraph.FormattedEvent) slackapi.Attachment {
	att := slackapi.Attachment{
		Title:    ev.Title,
		Text:     ev.Body,
		Color:    ev.Color,
		Fallback: ev.Title,
		Fields:   make([]slackapi.AttachmentField, 0, len(ev.Fields)),
	}
	for _, f := range ev.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{Title: f.Name, Value: f.Value, Short: f.Short})
	}
	return att
}

// mediaAttachment shows images inline and links everything else.
func mediaAttachment(m telegraph.Attachment) slackapi.Attachment {
	label := m.Title
	if label == "" {
		label = m.URL
	}
	att := slackapi.Attachment{Title: label, TitleLink: m.URL, Fallback: label + ": " + m.URL}
	if m.Type == "image" {
		att.ImageURL = m.URL
	}
	return att
}
