package telegraph

import (
	"context"

	"github.com/zulandar/switchyard/internal/egress"
)

// Transport exposes an Adapter as an egress transport for replies to users.
type Transport struct {
	Adapter Adapter
}

// Deliver implements egress.Transport.
func (t Transport) Deliver(ctx context.Context, userID string, c egress.Content) error {
	msg := OutboundMessage{UserID: userID, Text: c.Text}
	for _, a := range c.Attachments {
		msg.Attachments = append(msg.Attachments, Attachment{Type: a.Type, URL: a.URL, Title: a.Title})
	}
	return t.Adapter.Send(ctx, msg)
}
