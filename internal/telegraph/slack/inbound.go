package slack

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/switchyard/internal/telegraph"
)

// leadingMention matches a "<@U123>" or "<@U123|name>" prefix.
var leadingMention = regexp.MustCompile(`^\s*<@[A-Z0-9]+(\|[^>]*)?>\s*`)

func (a *Adapter) pump(ctx context.Context) {
	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleSocketEvent(ctx, evt)
		}
	}
}

func (a *Adapter) handleSocketEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		api, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			a.log.Debug().Msg("unexpected_events_api_payload")
			return
		}
		// Slack redelivers unacknowledged envelopes, so ack before handling.
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		if api.Type == slackevents.CallbackEvent {
			a.handleCallback(ctx, api.InnerEvent.Data)
		}
	case socketmode.EventTypeConnected:
		a.log.Info().Msg("socket_mode_connected")
	case socketmode.EventTypeConnectionError:
		a.log.Warn().Interface("data", evt.Data).Msg("socket_mode_connection_error")
	case socketmode.EventTypeConnecting, socketmode.EventTypeDisconnect:
		a.log.Debug().Str("type", string(evt.Type)).Msg("socket_mode_state")
	}
}

func (a *Adapter) handleCallback(ctx context.Context, data interface{}) {
	bot := a.BotUserID()
	switch ev := data.(type) {
	case *slackevents.MessageEvent:
		if ev.User == "" || ev.User == bot || ev.BotID != "" {
			return
		}
		// Edits and deletions are not new user input; file shares are.
		if ev.SubType != "" && ev.SubType != "file_share" {
			return
		}
		if !a.accepts(ev) {
			return
		}
		a.emit(ctx, telegraph.InboundMessage{
			Platform:    Platform,
			ChannelID:   ev.Channel,
			ThreadID:    ev.ThreadTimeStamp,
			UserID:      ev.User,
			UserName:    a.displayName(ev.User),
			Text:        stripMention(ev.Text),
			Attachments: fileAttachments(ev.Files),
			Timestamp:   parseTimestamp(ev.TimeStamp),
		})
	case *slackevents.AppMentionEvent:
		if ev.User == "" || ev.User == bot {
			return
		}
		a.emit(ctx, telegraph.InboundMessage{
			Platform:  Platform,
			ChannelID: ev.Channel,
			ThreadID:  ev.ThreadTimeStamp,
			UserID:    ev.User,
			UserName:  a.displayName(ev.User),
			Text:      stripMention(ev.Text),
			Timestamp: parseTimestamp(ev.TimeStamp),
		})
	}
}

// accepts keeps direct messages and operator channel traffic. Mentions in
// other channels arrive separately as app_mention events.
func (a *Adapter) accepts(ev *slackevents.MessageEvent) bool {
	return ev.ChannelType == "im" || (a.operator != "" && ev.Channel == a.operator)
}

func (a *Adapter) emit(ctx context.Context, msg telegraph.InboundMessage) {
	select {
	case a.inbound <- msg:
	case <-ctx.Done():
	}
}

// displayName resolves a user's display name through the cache, falling
// back to the real name and then the ID. Lookup failures are not cached.
func (a *Adapter) displayName(userID string) string {
	if userID == "" {
		return ""
	}
	if v, ok := a.names.Get(userID); ok {
		return v.(string)
	}
	user, err := a.client.GetUserInfo(userID)
	if err != nil {
		a.log.Debug().Err(err).Str("user_id", userID).Msg("user_lookup_failed")
		return userID
	}
	name := user.Profile.DisplayName
	if name == "" {
		name = user.RealName
	}
	if name == "" {
		name = userID
	}
	a.names.Add(userID, name)
	return name
}

func stripMention(text string) string {
	return leadingMention.ReplaceAllString(text, "")
}

// fileAttachments maps shared files to attachments. Files without any URL
// are skipped.
func fileAttachments(files []slackevents.File) []telegraph.Attachment {
	var out []telegraph.Attachment
	for _, f := range files {
		url := f.URLPrivate
		if url == "" {
			url = f.Permalink
		}
		if url == "" {
			continue
		}
		att := telegraph.Attachment{Type: "file", URL: url, Title: f.Title}
		if strings.HasPrefix(f.Mimetype, "image/") {
			att.Type = "image"
		}
		if att.Title == "" {
			att.Title = f.Name
		}
		out = append(out, att)
	}
	return out
}

// parseTimestamp converts a Slack "seconds.micros" timestamp. Unparseable
// input yields the zero time so the pipeline stamps the receive time.
func parseTimestamp(ts string) time.Time {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var micros int64
	if frac != "" {
		if m, err := strconv.ParseInt(frac, 10, 64); err == nil && len(frac) == 6 {
			micros = m
		}
	}
	return time.Unix(s, micros*int64(time.Microsecond))
}
