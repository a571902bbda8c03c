package discord

import (
	"context"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/switchyard/internal/telegraph"
)

// handleMessage turns a gateway message into an InboundMessage when the bot
// should hear it.
func (a *Adapter) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot {
		return
	}
	a.mu.Lock()
	bot, state := a.botUserID, a.state
	a.mu.Unlock()
	if state != stateConnected || m.Author.ID == bot {
		return
	}

	// Inside a thread ChannelID is the thread; report the parent instead.
	channelID, threadID := m.ChannelID, ""
	if ch, err := a.gw.Channel(m.ChannelID); err == nil && ch.IsThread() {
		channelID, threadID = ch.ParentID, m.ChannelID
	}

	mentioned := mentions(m.Message, bot)
	direct := m.GuildID == ""
	if !direct && !mentioned && (a.operator == "" || channelID != a.operator) {
		return
	}

	text := m.Content
	if mentioned {
		text = stripMention(text, bot)
	}
	ts, _ := discordgo.SnowflakeTimestamp(m.ID)
	msg := telegraph.InboundMessage{
		Platform:    Platform,
		ChannelID:   channelID,
		ThreadID:    threadID,
		UserID:      m.Author.ID,
		UserName:    displayName(m),
		Text:        text,
		Attachments: attachments(m.Attachments),
		Timestamp:   ts,
	}
	select {
	case a.inbound <- msg:
	case <-ctx.Done():
	}
}

func mentions(m *discordgo.Message, bot string) bool {
	if bot == "" {
		return false
	}
	for _, u := range m.Mentions {
		if u != nil && u.ID == bot {
			return true
		}
	}
	return false
}

// stripMention drops a leading <@id> or <@!id> addressed to the bot.
func stripMention(text, bot string) string {
	trimmed := strings.TrimSpace(text)
	for _, tag := range []string{"<@" + bot + ">", "<@!" + bot + ">"} {
		if rest, ok := strings.CutPrefix(trimmed, tag); ok {
			return strings.TrimSpace(rest)
		}
	}
	return text
}

// displayName prefers the guild nickname, then the global name, then the
// username.
func displayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

func attachments(in []*discordgo.MessageAttachment) []telegraph.Attachment {
	var out []telegraph.Attachment
	for _, att := range in {
		if att == nil || att.URL == "" {
			continue
		}
		out = append(out, telegraph.Attachment{Type: mediaType(att.ContentType), URL: att.URL, Title: att.Filename})
	}
	return out
}

func mediaType(contentType string) string {
	major, _, _ := strings.Cut(contentType, "/")
	switch major {
	case "image", "video", "audio":
		return major
	}
	return "file"
}
