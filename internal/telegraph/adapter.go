// Package telegraph connects chat platforms to the conversation pipeline.
// Adapters (Slack, Discord, Messenger) translate platform events into
// InboundMessages for the Router; the OperatorNotifier posts escalation
// notices and digests to the operator channel.
package telegraph

import (
	"context"
	"time"
)

// Adapter is one chat platform connection. The lifecycle is Connect, then
// Listen, then any number of Sends, then Close.
type Adapter interface {
	// Name doubles as the conversation platform key ("slack", "messenger").
	Name() string
	Connect(ctx context.Context) error
	// Listen may only follow a successful Connect. Close closes the
	// returned channel.
	Listen(ctx context.Context) (<-chan InboundMessage, error)
	// Send errors wrapped with retry.Permanent will never succeed on retry.
	Send(ctx context.Context, msg OutboundMessage) error
	Close() error
}

// BotUserIDer is implemented by adapters that know the bot's own user ID,
// so its echoes can be dropped.
type BotUserIDer interface {
	BotUserID() string
}

// InboundMessage is a user or operator message as the platform delivered it.
type InboundMessage struct {
	Platform    string
	ChannelID   string
	ThreadID    string // empty outside threads
	UserID      string
	UserName    string
	Text        string
	Attachments []Attachment
	Timestamp   time.Time // zero when the platform gave none
}

// OutboundMessage is addressed by ChannelID (and ThreadID), or by UserID
// alone for a direct message. With neither set the adapter falls back to
// its operator channel.
type OutboundMessage struct {
	ChannelID   string
	UserID      string
	ThreadID    string
	Text        string
	Attachments []Attachment
	Events      []FormattedEvent
}

// Attachment is a piece of media. Type is one of image, file, video, audio.
type Attachment struct {
	Type  string
	URL   string
	Title string
}

// FormattedEvent is an operator notice ready for rich rendering: a Slack
// attachment or a Discord embed.
type FormattedEvent struct {
	Title    string
	Body     string
	Severity string // info | warning | error | success
	Color    string // "#rrggbb"
	Fields   []Field
}

// Field is one labelled value on a FormattedEvent. Short fields may be laid
// out side by side.
type Field struct {
	Name  string
	Value string
	Short bool
}
