package admin

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/db"
	"github.com/zulandar/switchyard/internal/egress"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/pipeline"
	"github.com/zulandar/switchyard/internal/store"
)

type fakeSender struct {
	mu   sync.Mutex
	fail bool
	sent []egress.Content
}

func (f *fakeSender) Send(_ context.Context, _ egress.Recipient, c egress.Content) egress.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return egress.Result{Attempts: 3, Err: errors.New("unreachable")}
	}
	f.sent = append(f.sent, c)
	return egress.Result{Delivered: true, Attempts: 1}
}

// hangingSender blocks until its context ends.
type hangingSender struct{ entered chan struct{} }

func (h *hangingSender) Send(ctx context.Context, _ egress.Recipient, _ egress.Content) egress.Result {
	close(h.entered)
	<-ctx.Done()
	return egress.Result{Attempts: 1, Err: ctx.Err()}
}

type notices struct {
	mu  sync.Mutex
	got []pipeline.Notice
}

func (n *notices) Notify(_ context.Context, x pipeline.Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, x)
}

func setup(t *testing.T) (*Controller, *store.Store, *fakeSender, *notices) {
	t.Helper()
	gdb, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "admin.db")})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s, err := store.New(store.StoreOpts{DB: gdb})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	sender := &fakeSender{}
	n := &notices{}
	c, err := New(ControllerOpts{Store: s, Sender: sender, Notifier: n})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, s, sender, n
}

func newConversation(t *testing.T, s *store.Store, user string) models.Conversation {
	t.Helper()
	conv, _, err := s.GetOrCreate(context.Background(), user, "messenger")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	return conv
}

func TestNew_RequiresStore(t *testing.T) {
	if _, err := New(ControllerOpts{}); err == nil {
		t.Fatal("expected error for missing store")
	}
}

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"ok", Request{ConversationID: "c", AdminID: "a", Action: ActionEnableRAG}, nil},
		{"missing conversation", Request{AdminID: "a", Action: ActionEnableRAG}, ErrInvalidAction},
		{"missing admin", Request{ConversationID: "c", Action: ActionAssignHuman}, ErrAdminRequired},
		{"unknown action", Request{ConversationID: "c", AdminID: "a", Action: "delete_everything"}, ErrInvalidAction},
		{"priority too high", Request{ConversationID: "c", AdminID: "a", Action: ActionSetPriority, Priority: 6}, ErrInvalidAction},
		{"priority zero", Request{ConversationID: "c", AdminID: "a", Action: ActionSetPriority}, ErrInvalidAction},
		{"priority max", Request{ConversationID: "c", AdminID: "a", Action: ActionSetPriority, Priority: 5}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.want == nil && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestApply_AssignHuman(t *testing.T) {
	c, s, _, n := setup(t)
	conv := newConversation(t, s, "u1")

	got, err := c.Apply(context.Background(), Request{ConversationID: conv.ID, AdminID: "ops-1", Action: ActionAssignHuman})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got.Status != models.StatusEscalated || !got.HumanHandling {
		t.Errorf("conversation = %s/%v, want escalated", got.Status, got.HumanHandling)
	}
	if got.AssignedAdminID == nil || *got.AssignedAdminID != "ops-1" {
		t.Errorf("AssignedAdminID = %v", got.AssignedAdminID)
	}
	if got.EscalationReason == nil || *got.EscalationReason != ReasonAdminAssigned {
		t.Errorf("EscalationReason = %v", got.EscalationReason)
	}
	if got.Version != conv.Version+1 {
		t.Errorf("Version = %d, want %d", got.Version, conv.Version+1)
	}
	if len(n.got) != 1 || n.got[0].Kind != pipeline.NoticeAdminAction || n.got[0].AdminID != "ops-1" {
		t.Errorf("notices = %+v", n.got)
	}
}

func TestApply_AssignKeepsExistingEscalation(t *testing.T) {
	c, s, _, _ := setup(t)
	conv := newConversation(t, s, "u1")
	if _, err := s.Mutate(context.Background(), conv.ID, func(x *models.Conversation) (store.Change, error) {
		x.Escalate("user_request", s.Now())
		return store.Change{}, nil
	}); err != nil {
		t.Fatal(err)
	}
	got, err := c.Apply(context.Background(), Request{ConversationID: conv.ID, AdminID: "ops-2", Action: ActionAssignHuman})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if *got.EscalationReason != "user_request" {
		t.Errorf("EscalationReason = %s, want user_request", *got.EscalationReason)
	}
}

func TestApply_ActionMatrix(t *testing.T) {
	c, s, _, _ := setup(t)
	ctx := context.Background()
	conv := newConversation(t, s, "u1")

	steps := []struct {
		req   Request
		check func(t *testing.T, got models.Conversation)
	}{
		{Request{Action: ActionAssignHuman}, func(t *testing.T, got models.Conversation) {
			if !got.HumanHandling || !got.RAGEnabled {
				t.Errorf("after assign: %+v", got)
			}
		}},
		{Request{Action: ActionDisableRAG}, func(t *testing.T, got models.Conversation) {
			if got.RAGEnabled || !got.HumanHandling || got.Status != models.StatusEscalated {
				t.Errorf("after disable_rag: %+v", got)
			}
		}},
		{Request{Action: ActionSetPriority, Priority: 4}, func(t *testing.T, got models.Conversation) {
			if got.Priority != 4 {
				t.Errorf("Priority = %d, want 4", got.Priority)
			}
		}},
		{Request{Action: ActionReleaseHuman}, func(t *testing.T, got models.Conversation) {
			if got.HumanHandling || got.Status != models.StatusActive || !got.RAGEnabled || got.Priority != models.PriorityNormal {
				t.Errorf("after release: %+v", got)
			}
			if got.AssignedAdminID != nil || got.EscalationReason != nil || got.EscalationTimestamp != nil {
				t.Errorf("release left escalation fields: %+v", got)
			}
		}},
		{Request{Action: ActionDisableRAG}, func(t *testing.T, got models.Conversation) {
			if got.RAGEnabled || got.HumanHandling {
				t.Errorf("after disable_rag: %+v", got)
			}
		}},
		{Request{Action: ActionEnableRAG}, func(t *testing.T, got models.Conversation) {
			if !got.RAGEnabled {
				t.Error("RAGEnabled = false after enable_rag")
			}
		}},
		{Request{Action: ActionCloseConversation, Reason: "resolved by phone"}, func(t *testing.T, got models.Conversation) {
			if got.Status != models.StatusClosed || got.HumanHandling {
				t.Errorf("after close: %+v", got)
			}
		}},
	}
	for _, st := range steps {
		st.req.ConversationID = conv.ID
		st.req.AdminID = "ops-1"
		got, err := c.Apply(ctx, st.req)
		if err != nil {
			t.Fatalf("Apply(%s): %v", st.req.Action, err)
		}
		st.check(t, got)
		if err := got.CheckInvariants(); err != nil {
			t.Errorf("after %s: %v", st.req.Action, err)
		}
	}

	actions, err := s.Actions(ctx, conv.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != len(steps) {
		t.Fatalf("audit records = %d, want %d", len(actions), len(steps))
	}
	if actions[0].Action != ActionCloseConversation || actions[0].Reason != "resolved by phone" || actions[0].AdminID != "ops-1" {
		t.Errorf("newest audit record = %+v", actions[0])
	}
}

func TestApply_ClosedIsTerminal(t *testing.T) {
	c, s, _, _ := setup(t)
	ctx := context.Background()
	conv := newConversation(t, s, "u1")

	if _, err := c.Apply(ctx, Request{ConversationID: conv.ID, AdminID: "a", Action: ActionCloseConversation}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Apply(ctx, Request{ConversationID: conv.ID, AdminID: "a", Action: ActionAssignHuman}); !errors.Is(err, ErrClosed) {
		t.Errorf("assign on closed: err = %v, want ErrClosed", err)
	}
	if _, err := c.Apply(ctx, Request{ConversationID: conv.ID, AdminID: "a", Action: ActionCloseConversation}); err != nil {
		t.Errorf("close is idempotent, got %v", err)
	}
	actions, _ := s.Actions(ctx, conv.ID, 0)
	if len(actions) != 2 {
		t.Errorf("audit records = %d, want 2 (rejected action not audited)", len(actions))
	}
}

func TestApply_UnknownConversation(t *testing.T) {
	c, _, _, _ := setup(t)
	_, err := c.Apply(context.Background(), Request{ConversationID: "missing", AdminID: "a", Action: ActionEnableRAG})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestReply_ResolvesOutstandingAndSends(t *testing.T) {
	c, s, sender, _ := setup(t)
	ctx := context.Background()
	conv := newConversation(t, s, "u1")

	now := s.Now()
	outstanding := models.NewMessage(conv.ID, models.SenderUser, "anyone there?", models.Metadata{}, now)
	outstanding.RequiresHuman = true
	if _, err := s.Mutate(ctx, conv.ID, func(x *models.Conversation) (store.Change, error) {
		x.Escalate("user_request", now)
		return store.Change{Messages: []models.Message{outstanding}}, nil
	}); err != nil {
		t.Fatal(err)
	}

	res, err := c.Reply(ctx, ReplyRequest{ConversationID: conv.ID, AdminID: "ops-1", Text: "Hi, this is Mya from the cafe."})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if !res.Delivery.Delivered || len(sender.sent) != 1 || sender.sent[0].Text != "Hi, this is Mya from the cafe." {
		t.Errorf("delivery = %+v sent = %+v", res.Delivery, sender.sent)
	}
	if res.Message.SenderType != models.SenderHuman || !res.Message.HumanReplied {
		t.Errorf("Message = %+v", res.Message)
	}

	prev, err := s.GetMessage(ctx, outstanding.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !prev.HumanReplied || !prev.RequiresHuman {
		t.Errorf("outstanding message = requires_human %v, human_replied %v; want both true", prev.RequiresHuman, prev.HumanReplied)
	}
	if res.Conversation.AssignedAdminID == nil || *res.Conversation.AssignedAdminID != "ops-1" {
		t.Errorf("AssignedAdminID = %v, want replying admin", res.Conversation.AssignedAdminID)
	}
	if !res.Conversation.IsEscalated() {
		t.Error("reply released the conversation")
	}
	actions, _ := s.Actions(ctx, conv.ID, 0)
	if len(actions) != 1 || actions[0].Action != ActionHumanReply {
		t.Errorf("audit = %+v", actions)
	}
}

func TestReply_DeliveryFailureStillStored(t *testing.T) {
	c, s, sender, _ := setup(t)
	sender.fail = true
	conv := newConversation(t, s, "u1")

	res, err := c.Reply(context.Background(), ReplyRequest{ConversationID: conv.ID, AdminID: "ops-1", Text: "hello"})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if res.Delivery.Delivered {
		t.Error("Delivered = true with failing sender")
	}
	if _, err := s.GetMessage(context.Background(), res.Message.ID); err != nil {
		t.Errorf("human message not stored: %v", err)
	}
}

func TestReply_HungSendReleasesConversation(t *testing.T) {
	_, s, _, _ := setup(t)
	sender := &hangingSender{entered: make(chan struct{})}
	c, err := New(ControllerOpts{Store: s, Sender: sender, EgressTimeout: 300 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	conv := newConversation(t, s, "u1")

	type reply struct {
		res ReplyResult
		err error
	}
	done := make(chan reply, 1)
	start := time.Now()
	go func() {
		res, err := c.Reply(context.Background(), ReplyRequest{ConversationID: conv.ID, AdminID: "ops-1", Text: "on it"})
		done <- reply{res, err}
	}()
	<-sender.entered

	// The send is still in flight; other actions must not wait on it.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	got, err := c.Apply(ctx, Request{ConversationID: conv.ID, AdminID: "ops-2", Action: ActionSetPriority, Priority: 3})
	if err != nil {
		t.Fatalf("Apply during send: %v", err)
	}
	if got.Priority != 3 {
		t.Errorf("Priority = %d, want 3", got.Priority)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Reply: %v", r.err)
		}
		if r.res.Delivery.Delivered || !errors.Is(r.res.Delivery.Err, context.DeadlineExceeded) {
			t.Errorf("Delivery = %+v, want deadline exceeded", r.res.Delivery)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Reply did not return after the egress timeout")
	}
	if d := time.Since(start); d > 3*time.Second {
		t.Errorf("Reply took %v", d)
	}
}

func TestReply_Validation(t *testing.T) {
	c, _, _, _ := setup(t)
	if _, err := c.Reply(context.Background(), ReplyRequest{ConversationID: "c", Text: "x"}); !errors.Is(err, ErrAdminRequired) {
		t.Errorf("err = %v, want ErrAdminRequired", err)
	}
	if _, err := c.Reply(context.Background(), ReplyRequest{ConversationID: "c", AdminID: "a"}); !errors.Is(err, ErrInvalidAction) {
		t.Errorf("err = %v, want ErrInvalidAction", err)
	}
}

func TestMarkHumanReplied(t *testing.T) {
	c, s, _, _ := setup(t)
	ctx := context.Background()
	conv := newConversation(t, s, "u1")
	msg := models.NewMessage(conv.ID, models.SenderUser, "help", models.Metadata{}, s.Now())
	msg.RequiresHuman = true
	if err := s.AppendMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}

	got, err := c.MarkHumanReplied(ctx, msg.ID, "ops-1")
	if err != nil {
		t.Fatalf("MarkHumanReplied: %v", err)
	}
	if !got.HumanReplied {
		t.Error("HumanReplied = false")
	}
	stored, _ := s.GetMessage(ctx, msg.ID)
	if !stored.HumanReplied {
		t.Error("stored message not marked")
	}
	if _, err := c.MarkHumanReplied(ctx, "nope", "ops-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// An admin release racing an escalating inbound message must leave the
// conversation in one of the two serialized outcomes, never a mix.
func TestApply_ReleaseRacesEscalation(t *testing.T) {
	c, s, sender, _ := setup(t)
	p, err := pipeline.New(pipeline.PipelineOpts{Store: s, Sender: sender})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		user := "race-" + string(rune('a'+i))
		conv := newConversation(t, s, user)
		if _, err := c.Apply(ctx, Request{ConversationID: conv.ID, AdminID: "a", Action: ActionAssignHuman}); err != nil {
			t.Fatal(err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := c.Apply(ctx, Request{ConversationID: conv.ID, AdminID: "a", Action: ActionReleaseHuman}); err != nil {
				t.Errorf("release: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := p.Run(ctx, pipeline.Inbound{UserID: user, Platform: "messenger", Text: "I want to talk to a human"}); err != nil {
				t.Errorf("run: %v", err)
			}
		}()
		wg.Wait()

		got, err := s.Get(ctx, conv.ID)
		if err != nil {
			t.Fatal(err)
		}
		if err := got.CheckInvariants(); err != nil {
			t.Errorf("invariants: %v", err)
		}
		if got.HumanHandling != (got.Status == models.StatusEscalated) {
			t.Errorf("mixed state: status=%s human_handling=%v", got.Status, got.HumanHandling)
		}
	}
}
