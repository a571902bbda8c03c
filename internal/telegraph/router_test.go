package telegraph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/switchyard/internal/pipeline"
)

func TestNewRouter_RequiresRunner(t *testing.T) {
	if _, err := NewRouter(RouterOpts{}); err == nil {
		t.Fatal("expected error for missing runner")
	}
}

func TestRouter_UserMessageRunsPipeline(t *testing.T) {
	runner := &fakeRunner{}
	r := newTestRouter(t, runner)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	err := r.Handle(context.Background(), InboundMessage{
		Platform:  "messenger",
		UserID:    "psid-1",
		Text:      "  what are your hours?  ",
		Timestamp: at,
		Attachments: []Attachment{
			{Type: "image", URL: "https://cdn.example/a.JPG"},
			{Type: "video", URL: "https://cdn.example/clip.mp4?sig=1", Title: "clip"},
		},
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got := runner.inbound()
	if len(got) != 1 {
		t.Fatalf("runs = %d, want 1", len(got))
	}
	in := got[0]
	if in.UserID != "psid-1" || in.Platform != "messenger" || in.Text != "what are your hours?" || !in.ReceivedAt.Equal(at) {
		t.Errorf("inbound = %+v", in)
	}
	if len(in.Attachments) != 2 || in.Attachments[0].Type != "image" || in.Attachments[0].FileType != "jpg" {
		t.Errorf("attachments[0] = %+v", in.Attachments)
	}
	if in.Attachments[1].Type != "file" || in.Attachments[1].FileType != "mp4" {
		t.Errorf("attachments[1] = %+v", in.Attachments[1])
	}
}

func TestRouter_IgnoresSelfMessages(t *testing.T) {
	runner := &fakeRunner{}
	r := newTestRouter(t, runner)
	a := NewMockAdapter("slack")
	a.SetBotUserID("UBOT")
	r.Register(a)

	r.Handle(context.Background(), InboundMessage{Platform: "slack", UserID: "UBOT", Text: "echo"})
	if n := len(runner.inbound()); n != 0 {
		t.Errorf("runs = %d, want 0", n)
	}
	// The same ID on another platform is a real user.
	r.Handle(context.Background(), InboundMessage{Platform: "discord", UserID: "UBOT", Text: "hi"})
	if n := len(runner.inbound()); n != 1 {
		t.Errorf("runs = %d, want 1", n)
	}
}

func TestRouter_PipelineErrorReturned(t *testing.T) {
	runner := &fakeRunner{err: fmt.Errorf("wrapped: %w", pipeline.ErrInvalidInbound)}
	r := newTestRouter(t, runner)
	err := r.Handle(context.Background(), InboundMessage{Platform: "slack", UserID: "u"})
	if !errors.Is(err, pipeline.ErrInvalidInbound) {
		t.Errorf("Handle() = %v, want ErrInvalidInbound", err)
	}
}

func TestRouter_OperatorChannel(t *testing.T) {
	s := openStore(t)
	ch, _ := newCommandHandler(t, s, "ops-1")
	runner := &fakeRunner{}
	r, err := NewRouter(RouterOpts{Runner: runner, Commands: ch, OperatorPlatform: "slack", OperatorChannel: "C-ops"})
	if err != nil {
		t.Fatal(err)
	}
	a := NewMockAdapter("slack")
	a.Connect(context.Background())
	r.Register(a)

	ctx := context.Background()
	r.Handle(ctx, InboundMessage{Platform: "slack", ChannelID: "C-ops", ThreadID: "T1", UserID: "ops-1", Text: "!sy queue"})
	msg, ok := a.LastSent()
	if !ok {
		t.Fatal("no command reply sent")
	}
	if msg.ChannelID != "C-ops" || msg.ThreadID != "T1" || !strings.Contains(msg.Text, "No escalated conversations") {
		t.Errorf("reply = %+v", msg)
	}

	// Chatter in the operator channel is neither a command nor a user message.
	r.Handle(ctx, InboundMessage{Platform: "slack", ChannelID: "C-ops", UserID: "ops-1", Text: "lunch?"})
	if len(a.Sent()) != 1 || len(runner.inbound()) != 0 {
		t.Errorf("sent = %d, runs = %d, want 1 and 0", len(a.Sent()), len(runner.inbound()))
	}

	// The same command from a user channel is a user message.
	r.Handle(ctx, InboundMessage{Platform: "slack", ChannelID: "D-user", UserID: "u1", Text: "!sy queue"})
	if len(runner.inbound()) != 1 {
		t.Errorf("runs = %d, want 1", len(runner.inbound()))
	}
}

func TestModelAttachments(t *testing.T) {
	if got := ModelAttachments(nil); got != nil {
		t.Errorf("ModelAttachments(nil) = %v, want nil", got)
	}
	got := ModelAttachments([]Attachment{{Type: "file", URL: ""}, {Type: "audio", URL: "https://x/voice"}})
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1 (empty URL dropped)", len(got))
	}
	if got[0].Type != "file" || got[0].FileType != "" {
		t.Errorf("got %+v", got[0])
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("0123456789abc", 10); got != "0123456789..." {
		t.Errorf("truncate = %q", got)
	}
}
