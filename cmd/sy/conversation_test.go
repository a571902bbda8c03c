package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/store"
)

// seedConversation creates a conversation in the config's database. When
// escalated is set it is escalated with one unanswered user message.
func seedConversation(t *testing.T, cfgPath, user string, escalated bool) models.Conversation {
	t.Helper()
	_, st, err := connectFromConfig(cfgPath)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	ctx := context.Background()
	conv, _, err := st.GetOrCreate(ctx, user, "messenger")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	conv, err = st.Mutate(ctx, conv.ID, func(c *models.Conversation) (store.Change, error) {
		now := st.Now()
		msg := models.NewMessage(c.ID, models.SenderUser, "my coffee order is wrong", models.Metadata{}, now)
		if escalated {
			c.Escalate("user_request", now)
			msg.RequiresHuman = true
		}
		return store.Change{Messages: []models.Message{msg}}, nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return conv
}

func TestConversationList(t *testing.T) {
	cfg := writeConfig(t, "")

	out, err := runCmd(t, "", "conversation", "list", "-c", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No conversations found.") {
		t.Errorf("empty list output:\n%s", out)
	}

	calm := seedConversation(t, cfg, "calm-user", false)
	hot := seedConversation(t, cfg, "hot-user", true)

	out, err = runCmd(t, "", "conv", "list", "-c", cfg, "--status", "escalated")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, hot.ID) || strings.Contains(out, calm.ID) {
		t.Errorf("filtered list:\n%s", out)
	}
	if !strings.Contains(out, "STATUS") {
		t.Errorf("missing header:\n%s", out)
	}

	if _, err := runCmd(t, "", "conv", "list", "-c", cfg, "--human", "maybe"); err == nil {
		t.Error("expected error for bad --human value")
	}
}

func TestConversationQueueAndShow(t *testing.T) {
	cfg := writeConfig(t, "")
	out, err := runCmd(t, "", "conversation", "queue", "-c", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Escalation queue is empty.") {
		t.Errorf("empty queue output:\n%s", out)
	}

	hot := seedConversation(t, cfg, "hot-user", true)
	out, err = runCmd(t, "", "conversation", "queue", "-c", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, hot.ID) || !strings.Contains(out, "user_request") {
		t.Errorf("queue output:\n%s", out)
	}

	out, err = runCmd(t, "", "conversation", "show", hot.ID, "-c", cfg)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"messenger/hot-user", "Status:      escalated", "Escalated:   user_request", "Messages:    1", "(needs human) my coffee order is wrong"} {
		if !strings.Contains(out, want) {
			t.Errorf("show output missing %q:\n%s", want, out)
		}
	}

	if _, err := runCmd(t, "", "conversation", "show", "missing", "-c", cfg); err == nil {
		t.Error("expected error for unknown conversation")
	}
}

func TestConversationControlAndAudit(t *testing.T) {
	cfg := writeConfig(t, "")
	conv := seedConversation(t, cfg, "u1", false)

	if _, err := runCmd(t, "", "conversation", "control", conv.ID, "assign_human", "-c", cfg); err == nil || !strings.Contains(err.Error(), "--admin is required") {
		t.Errorf("error = %v, want --admin is required", err)
	}
	if _, err := runCmd(t, "", "conversation", "control", conv.ID, "assign_human", "-c", cfg, "--admin", "intruder"); err == nil || !strings.Contains(err.Error(), "not a configured admin") {
		t.Errorf("error = %v, want not a configured admin", err)
	}

	out, err := runCmd(t, "", "conversation", "control", conv.ID, "assign_human", "-c", cfg, "--admin", "ops-1", "--reason", "vip")
	if err != nil {
		t.Fatalf("control: %v", err)
	}
	if !strings.Contains(out, "status=escalated") || !strings.Contains(out, "human=yes") {
		t.Errorf("control output:\n%s", out)
	}

	if _, err := runCmd(t, "", "conversation", "control", conv.ID, "set_priority", "-c", cfg, "--admin", "ops-1", "--priority", "9"); err == nil {
		t.Error("expected error for out-of-range priority")
	}

	out, err = runCmd(t, "", "audit", "-c", cfg, "--conversation", conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "assign_human") || !strings.Contains(out, "ops-1") || !strings.Contains(out, "vip") {
		t.Errorf("audit output:\n%s", out)
	}

	out, err = runCmd(t, "", "audit", "-c", cfg, "--conversation", "other")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No admin actions recorded.") {
		t.Errorf("empty audit output:\n%s", out)
	}
}

func TestConversationReply(t *testing.T) {
	cfg := writeConfig(t, "")
	var gotAuth, gotAdmin, gotPath, gotText string
	delivered := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAdmin = r.Header.Get("X-Admin-User-ID")
		gotPath = r.URL.Path
		var body struct {
			Text string `json:"text"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		gotText = body.Text
		w.Header().Set("Content-Type", "application/json")
		if delivered {
			w.Write([]byte(`{"delivered":true,"attempts":1,"message":{"id":"01HMSG"}}`))
			return
		}
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"delivered":false,"attempts":3,"error":"platform down","message":{"id":"01HMSG"}}`))
	}))
	defer srv.Close()

	if _, err := runCmd(t, "", "conversation", "reply", "c1", "hi", "-c", cfg, "--server", srv.URL); err == nil {
		t.Error("expected error without --admin")
	}

	out, err := runCmd(t, "", "conversation", "reply", "c1", "Your", "order", "is", "ready", "-c", cfg, "--server", srv.URL, "--admin", "ops-1")
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if gotAuth != "Bearer test-key" || gotAdmin != "ops-1" || gotPath != "/admin/conversation/c1/reply" || gotText != "Your order is ready" {
		t.Errorf("request = auth %q admin %q path %q text %q", gotAuth, gotAdmin, gotPath, gotText)
	}
	if !strings.Contains(out, "Reply 01HMSG delivered to c1") {
		t.Errorf("reply output:\n%s", out)
	}

	delivered = false
	_, err = runCmd(t, "", "conversation", "reply", "c1", "again", "-c", cfg, "--server", srv.URL, "--admin", "ops-1")
	if err == nil || !strings.Contains(err.Error(), "stored but not delivered") || !strings.Contains(err.Error(), "platform down") {
		t.Errorf("error = %v, want delivery failure", err)
	}
}
