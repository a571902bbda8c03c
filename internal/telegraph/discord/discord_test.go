package discord

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/switchyard/internal/retry"
	"github.com/zulandar/switchyard/internal/telegraph"
)

type fakeGateway struct {
	mu       sync.Mutex
	open     bool
	closed   bool
	openErr  error
	sendErrs []error // consumed one per send
	sent     []string
	lastData *discordgo.MessageSend
	dmErr    error
	dmCalls  int
	handlers []interface{}
	unhooked int
	channels map[string]*discordgo.Channel
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{channels: map[string]*discordgo.Channel{}}
}

func (f *fakeGateway) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.open = true
	return nil
}

func (f *fakeGateway) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeGateway) Channel(id string) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.channels[id]; ok {
		return ch, nil
	}
	return nil, discordgo.ErrStateNotFound
}

func (f *fakeGateway) ChannelMessageSendComplex(id string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			f.sent = append(f.sent, "!"+id)
			return nil, err
		}
	}
	f.sent = append(f.sent, id)
	f.lastData = data
	return &discordgo.Message{ID: "m1", ChannelID: id}, nil
}

func (f *fakeGateway) UserChannelCreate(userID string, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dmCalls++
	if f.dmErr != nil {
		return nil, f.dmErr
	}
	return &discordgo.Channel{ID: "dm-" + userID, Type: discordgo.ChannelTypeDM}, nil
}

func (f *fakeGateway) AddHandler(h interface{}) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, h)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.unhooked++
	}
}

func (f *fakeGateway) log() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.sent, ",")
}

func restError(code int, retryAfter string) error {
	h := http.Header{}
	if retryAfter != "" {
		h.Set("Retry-After", retryAfter)
	}
	return &discordgo.RESTError{Response: &http.Response{StatusCode: code, Header: h}}
}

// connected returns an adapter that has seen Ready for bot user BOT.
func connected(t *testing.T) (*Adapter, *fakeGateway) {
	t.Helper()
	gw := newFakeGateway()
	a, err := New(AdapterOpts{Session: gw, ChannelID: "C_OPS"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.rateLimit = retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	a.onReady(nil, &discordgo.Ready{User: &discordgo.User{ID: "BOT", Username: "switchyard"}})
	return a, gw
}

func listening(t *testing.T) (*Adapter, *fakeGateway, <-chan telegraph.InboundMessage) {
	t.Helper()
	a, gw := connected(t)
	ch, err := a.Listen(context.Background())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	return a, gw, ch
}

func next(t *testing.T, ch <-chan telegraph.InboundMessage) telegraph.InboundMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("no inbound message")
	}
	return telegraph.InboundMessage{}
}

func create(m discordgo.Message) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &m}
}

func TestNew_RequiresBotToken(t *testing.T) {
	if _, err := New(AdapterOpts{}); err == nil {
		t.Fatal("expected error for missing bot token")
	}
	if _, err := New(AdapterOpts{BotToken: "tok"}); err != nil {
		t.Fatalf("New with token: %v", err)
	}
}

func TestLifecycle(t *testing.T) {
	a, gw := connected(t)
	if a.Name() != "discord" {
		t.Errorf("Name() = %q, want discord", a.Name())
	}
	if !gw.open {
		t.Error("gateway not opened")
	}
	if len(gw.handlers) != 3 {
		t.Errorf("handlers = %d, want 3", len(gw.handlers))
	}
	if a.BotUserID() != "BOT" {
		t.Errorf("BotUserID() = %q, want BOT", a.BotUserID())
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Errorf("second Connect: %v", err)
	}
	if _, err := a.Listen(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !gw.closed || gw.unhooked != 1 {
		t.Errorf("closed=%v unhooked=%d", gw.closed, gw.unhooked)
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := a.Connect(context.Background()); err == nil {
		t.Error("expected error connecting a closed adapter")
	}
}

func TestConnect_OpenError(t *testing.T) {
	gw := newFakeGateway()
	gw.openErr = errors.New("bad token")
	a, _ := New(AdapterOpts{Session: gw})
	err := a.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "open gateway") {
		t.Errorf("error = %v, want open gateway error", err)
	}
	if _, err := a.Listen(context.Background()); err == nil {
		t.Error("Listen before a successful Connect should fail")
	}
}

func TestInbound_DirectMessageWithAttachments(t *testing.T) {
	a, _, ch := listening(t)
	go a.handleMessage(context.Background(), create(discordgo.Message{
		ID:        "1100000000000000000",
		ChannelID: "dm-U1",
		Content:   "here is my receipt",
		Author:    &discordgo.User{ID: "U1", Username: "alice", GlobalName: "Alice"},
		Attachments: []*discordgo.MessageAttachment{
			{URL: "https://cdn.discordapp.com/r.png", Filename: "r.png", ContentType: "image/png"},
			{URL: "https://cdn.discordapp.com/v.mp4", Filename: "v.mp4", ContentType: "video/mp4"},
			{URL: "https://cdn.discordapp.com/n.pdf", Filename: "n.pdf", ContentType: "application/pdf"},
			{Filename: "missing-url"},
		},
	}))

	msg := next(t, ch)
	if msg.Platform != "discord" || msg.ChannelID != "dm-U1" || msg.ThreadID != "" || msg.UserID != "U1" {
		t.Errorf("message = %+v", msg)
	}
	if msg.UserName != "Alice" {
		t.Errorf("UserName = %q, want Alice", msg.UserName)
	}
	if msg.Timestamp.IsZero() {
		t.Error("timestamp not derived from the snowflake")
	}
	var types []string
	for _, att := range msg.Attachments {
		types = append(types, att.Type)
	}
	if got := strings.Join(types, ","); got != "image,video,file" {
		t.Errorf("attachment types = %s, want image,video,file", got)
	}
}

func TestInbound_OperatorThread(t *testing.T) {
	a, gw, ch := listening(t)
	gw.channels["T1"] = &discordgo.Channel{ID: "T1", ParentID: "C_OPS", Type: discordgo.ChannelTypeGuildPublicThread}
	go a.handleMessage(context.Background(), create(discordgo.Message{
		ID: "1", GuildID: "G1", ChannelID: "T1", Content: "!sy queue",
		Author: &discordgo.User{ID: "OPS", Username: "ops"},
		Member: &discordgo.Member{Nick: "Duty Ops"},
	}))
	msg := next(t, ch)
	if msg.ChannelID != "C_OPS" || msg.ThreadID != "T1" {
		t.Errorf("channel/thread = %q/%q, want C_OPS/T1", msg.ChannelID, msg.ThreadID)
	}
	if msg.UserName != "Duty Ops" {
		t.Errorf("UserName = %q, want Duty Ops", msg.UserName)
	}
}

func TestInbound_Filters(t *testing.T) {
	a, _, ch := listening(t)
	ctx := context.Background()
	dropped := []discordgo.Message{
		{ID: "1", Content: "no author"},
		{ID: "2", Content: "self", Author: &discordgo.User{ID: "BOT"}},
		{ID: "3", Content: "other bot", Author: &discordgo.User{ID: "B2", Bot: true}},
		{ID: "4", GuildID: "G1", ChannelID: "C_GENERAL", Content: "chatter", Author: &discordgo.User{ID: "U2"}},
	}
	for _, m := range dropped {
		a.handleMessage(ctx, create(m))
	}
	go a.handleMessage(ctx, create(discordgo.Message{ID: "5", Content: "real", Author: &discordgo.User{ID: "U1"}}))
	if msg := next(t, ch); msg.Text != "real" {
		t.Errorf("first delivered = %q, want real", msg.Text)
	}
}

func TestInbound_MentionInGuild(t *testing.T) {
	a, _, ch := listening(t)
	go a.handleMessage(context.Background(), create(discordgo.Message{
		ID: "1", GuildID: "G1", ChannelID: "C_GENERAL",
		Content:  "<@!BOT> what time do you open?",
		Author:   &discordgo.User{ID: "U3", Username: "carol"},
		Mentions: []*discordgo.User{{ID: "BOT"}},
	}))
	msg := next(t, ch)
	if msg.Text != "what time do you open?" || msg.ChannelID != "C_GENERAL" {
		t.Errorf("message = %+v", msg)
	}
}

func TestStripMention(t *testing.T) {
	tests := []struct{ in, want string }{
		{"<@BOT> hi", "hi"},
		{"  <@!BOT>   menu please", "menu please"},
		{"<@OTHER> hi", "<@OTHER> hi"},
		{"hi <@BOT>", "hi <@BOT>"},
	}
	for _, tt := range tests {
		if got := stripMention(tt.in, "BOT"); got != tt.want {
			t.Errorf("stripMention(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSend_Destination(t *testing.T) {
	a, gw := connected(t)
	msgs := []telegraph.OutboundMessage{
		{ChannelID: "C1", ThreadID: "T1", Text: "x"},
		{ChannelID: "C1", UserID: "U1", Text: "x"},
		{UserID: "U1", Text: "your reply"},
		{UserID: "U1", Text: "again"},
		{Text: "notice"},
	}
	for _, m := range msgs {
		if err := a.Send(context.Background(), m); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if got := gw.log(); got != "T1,C1,dm-U1,dm-U1,C_OPS" {
		t.Errorf("sent = %s, want T1,C1,dm-U1,dm-U1,C_OPS", got)
	}
	if gw.dmCalls != 1 {
		t.Errorf("UserChannelCreate calls = %d, want 1", gw.dmCalls)
	}
}

func TestSend_Errors(t *testing.T) {
	t.Run("not connected", func(t *testing.T) {
		a, _ := New(AdapterOpts{Session: newFakeGateway()})
		if err := a.Send(context.Background(), telegraph.OutboundMessage{ChannelID: "C1"}); err == nil {
			t.Error("expected error")
		}
	})
	t.Run("no destination", func(t *testing.T) {
		a, _ := New(AdapterOpts{Session: newFakeGateway()})
		a.Connect(context.Background())
		if err := a.Send(context.Background(), telegraph.OutboundMessage{Text: "x"}); !retry.IsPermanent(err) {
			t.Errorf("error = %v, want permanent", err)
		}
	})
	t.Run("dms closed", func(t *testing.T) {
		a, gw := connected(t)
		gw.dmErr = restError(http.StatusForbidden, "")
		err := a.Send(context.Background(), telegraph.OutboundMessage{UserID: "U1", Text: "x"})
		if !retry.IsPermanent(err) {
			t.Errorf("error = %v, want permanent", err)
		}
	})
	t.Run("server error is transient", func(t *testing.T) {
		a, gw := connected(t)
		gw.sendErrs = []error{restError(http.StatusBadGateway, "")}
		err := a.Send(context.Background(), telegraph.OutboundMessage{ChannelID: "C1", Text: "x"})
		if err == nil || retry.IsPermanent(err) {
			t.Errorf("error = %v, want transient", err)
		}
		if got := gw.log(); got != "!C1" {
			t.Errorf("sent = %s, want a single attempt", got)
		}
	})
}

func TestSend_RateLimits(t *testing.T) {
	t.Run("retried", func(t *testing.T) {
		a, gw := connected(t)
		gw.sendErrs = []error{restError(http.StatusTooManyRequests, "0.001"), restError(http.StatusTooManyRequests, "")}
		if err := a.Send(context.Background(), telegraph.OutboundMessage{ChannelID: "C1", Text: "x"}); err != nil {
			t.Fatalf("Send: %v", err)
		}
		if got := gw.log(); got != "!C1,!C1,C1" {
			t.Errorf("sent = %s, want !C1,!C1,C1", got)
		}
	})
	t.Run("exhausted", func(t *testing.T) {
		a, gw := connected(t)
		gw.sendErrs = []error{restError(429, ""), restError(429, ""), restError(429, ""), restError(429, "")}
		err := a.Send(context.Background(), telegraph.OutboundMessage{ChannelID: "C1", Text: "x"})
		if err == nil || retry.IsPermanent(err) {
			t.Errorf("error = %v, want transient", err)
		}
		if got := gw.log(); got != "!C1,!C1,!C1" {
			t.Errorf("sent = %s, want three attempts", got)
		}
	})
	t.Run("honors context", func(t *testing.T) {
		a, gw := connected(t)
		gw.sendErrs = []error{restError(429, "30")}
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := a.Send(ctx, telegraph.OutboundMessage{ChannelID: "C1", Text: "x"})
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("error = %v, want deadline exceeded", err)
		}
	})
}

func TestRetryAfter(t *testing.T) {
	if d, ok := retryAfter(restError(429, "1.5")); !ok || d != 1500*time.Millisecond {
		t.Errorf("retryAfter = %v, %v, want 1.5s, true", d, ok)
	}
	if d, ok := retryAfter(restError(429, "")); !ok || d != 0 {
		t.Errorf("retryAfter without header = %v, %v", d, ok)
	}
	if _, ok := retryAfter(restError(500, "1")); ok {
		t.Error("500 reported as rate limited")
	}
	if _, ok := retryAfter(errors.New("boom")); ok {
		t.Error("plain error reported as rate limited")
	}
}

func TestRender(t *testing.T) {
	data := render(telegraph.OutboundMessage{
		Text:   "Here is the menu",
		Events: []telegraph.FormattedEvent{{Title: "Conversation escalated", Color: "#ff9800"}},
		Attachments: []telegraph.Attachment{
			{Type: "image", URL: "https://cdn/menu.jpg", Title: "Menu"},
			{Type: "file", URL: "https://cdn/p.pdf"},
		},
	})
	if data.Content != "Here is the menu" || len(data.Embeds) != 3 {
		t.Fatalf("data = %+v", data)
	}
	if data.Embeds[0].Color != 0xff9800 {
		t.Errorf("event color = %#x, want 0xff9800", data.Embeds[0].Color)
	}
	if img := data.Embeds[1]; img.Image == nil || img.Image.URL != "https://cdn/menu.jpg" || img.Title != "Menu" {
		t.Errorf("image embed = %+v", img)
	}
	if file := data.Embeds[2]; file.Image != nil || file.Title != "https://cdn/p.pdf" || file.URL != "https://cdn/p.pdf" {
		t.Errorf("file embed = %+v", file)
	}
}

func TestEventEmbed(t *testing.T) {
	embed := eventEmbed(telegraph.FormattedEvent{
		Title:  "Escalation Digest",
		Body:   "**Open**: 2 escalated",
		Color:  "#36a64f",
		Fields: []telegraph.Field{{Name: "Escalated", Value: "2", Short: true}},
	})
	if embed.Title != "Escalation Digest" || embed.Description != "**Open**: 2 escalated" || embed.Color != 0x36a64f {
		t.Errorf("embed = %+v", embed)
	}
	if len(embed.Fields) != 1 || !embed.Fields[0].Inline {
		t.Errorf("fields = %+v", embed.Fields)
	}
}

func TestColor(t *testing.T) {
	tests := map[string]int{"#36a64f": 0x36a64f, "FF9800": 0xff9800, "": 0, "#zzz": 0, "#1000000": 0}
	for in, want := range tests {
		if got := color(in); got != want {
			t.Errorf("color(%q) = %#x, want %#x", in, got, want)
		}
	}
}

var (
	_ telegraph.Adapter     = (*Adapter)(nil)
	_ telegraph.BotUserIDer = (*Adapter)(nil)
)
