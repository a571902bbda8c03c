package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/switchyard/internal/llm"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/retrieval"
)

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"Hello there", LangEnglish},
		{"", LangEnglish},
		{"မင်္ဂလာပါ", LangMyanmar},
		{"menu ပြပါ", LangMyanmar},
		{"1234 !!", LangEnglish},
	}
	for _, tt := range tests {
		if got := DetectLanguage(tt.text); got != tt.want {
			t.Errorf("DetectLanguage(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestPatternMatcher(t *testing.T) {
	m := NewPatternMatcher()
	tests := []struct {
		name     string
		text     string
		lang     string
		greeting bool
		farewell bool
		escalate bool
		conf     float64
	}{
		{"single greeting", "Hello", LangEnglish, true, false, false, 0.8},
		{"two greeting patterns", "hi, how are you", LangEnglish, true, false, false, 0.95},
		{"farewell", "thanks, bye", LangEnglish, false, true, false, 0.95},
		{"greeting in long message", "hello can you tell me the opening hours of the cafe", LangEnglish, true, false, false, 0.4},
		{"explicit human request", "I want to talk to a human", LangEnglish, false, false, true, 1.0},
		{"speak with staff", "can I speak with your staff please", LangEnglish, false, false, true, 1.0},
		{"broad complaint is not escalation", "I have a problem with my order", LangEnglish, false, false, false, 0},
		{"help is not escalation", "help me choose a drink", LangEnglish, false, false, false, 0},
		{"myanmar greeting", "မင်္ဂလာပါ", LangMyanmar, true, false, false, 0.7},
		{"myanmar escalation", "လူသားနဲ့ပြောချင်ပါတယ်", LangMyanmar, false, false, true, 1.0},
		{"myanmar escalation without hint", "လူသားနဲ့ပြောချင်ပါတယ်", LangEnglish, false, false, true, 1.0},
		{"empty", "   ", LangEnglish, false, false, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.Match(tt.text, tt.lang)
			if got.IsGreeting != tt.greeting || got.IsFarewell != tt.farewell || got.IsEscalationRequest != tt.escalate {
				t.Errorf("Match(%q) = %+v", tt.text, got)
			}
			if got.Confidence != tt.conf {
				t.Errorf("Confidence = %v, want %v", got.Confidence, tt.conf)
			}
		})
	}
}

func TestTemplate(t *testing.T) {
	if got := Template(IntentGreeting, LangMyanmar); !strings.Contains(got, "မင်္ဂလာပါ") {
		t.Errorf("Template(greeting, my) = %q", got)
	}
	if got := Template(IntentGreeting, "fr"); got != templates[IntentGreeting][LangEnglish] {
		t.Errorf("unsupported language should fall back to English, got %q", got)
	}
	if got := Template("no_such_key", LangEnglish); got != templates[IntentUnknown][LangEnglish] {
		t.Errorf("unknown key should use the unknown template, got %q", got)
	}
	for _, intent := range Intents {
		for _, lang := range []string{LangEnglish, LangMyanmar} {
			if templates[intent][lang] == "" {
				t.Errorf("missing template %s/%s", intent, lang)
			}
		}
	}
}

func TestNamespaceFor(t *testing.T) {
	tests := map[string]string{
		IntentMenuBrowse:  NamespaceMenu,
		IntentOrderPlace:  NamespaceMenu,
		IntentEvents:      NamespaceEvents,
		IntentJobInquiry:  NamespaceJobs,
		IntentFAQ:         NamespaceFAQ,
		IntentReservation: NamespaceFAQ,
		IntentUnknown:     NamespaceFAQ,
	}
	for intent, want := range tests {
		if got := NamespaceFor(intent); got != want {
			t.Errorf("NamespaceFor(%s) = %s, want %s", intent, got, want)
		}
	}
}

func TestIntentClassifier_PatternShortCircuit(t *testing.T) {
	model := &fakeModel{intent: llm.Classification{Intent: IntentFAQ, Confidence: 0.9}}
	c := NewIntentClassifier(IntentClassifierOpts{Model: model})

	got := c.Classify(context.Background(), "hello", nil, LangEnglish, PatternResult{IsGreeting: true, Confidence: 0.8})
	if got.Intent != IntentGreeting || got.Source != SourcePattern {
		t.Errorf("Classify = %+v, want greeting from pattern", got)
	}
	if model.classifyCalls != 0 {
		t.Errorf("model called %d times, want 0", model.classifyCalls)
	}

	// Below threshold the model decides.
	got = c.Classify(context.Background(), "hello what time do you open", nil, LangEnglish, PatternResult{IsGreeting: true, Confidence: 0.4})
	if got.Intent != IntentFAQ || got.Source != SourceModel || got.Namespace != NamespaceFAQ {
		t.Errorf("Classify = %+v, want faq from model", got)
	}
}

func TestIntentClassifier_EscalationDoesNotShortCircuit(t *testing.T) {
	model := &fakeModel{intent: llm.Classification{Intent: IntentComplaint, Confidence: 0.7}}
	c := NewIntentClassifier(IntentClassifierOpts{Model: model})
	got := c.Classify(context.Background(), "hi, I want to talk to a human", nil, LangEnglish,
		PatternResult{IsGreeting: true, IsEscalationRequest: true, Confidence: 1.0})
	if got.Source != SourceModel || got.Intent != IntentComplaint {
		t.Errorf("Classify = %+v, want model classification", got)
	}
}

func TestIntentClassifier_RulesFallback(t *testing.T) {
	model := &fakeModel{classifyErr: errFake}
	c := NewIntentClassifier(IntentClassifierOpts{Model: model})

	got := c.Classify(context.Background(), "Can I see the menu", nil, LangEnglish, PatternResult{})
	if got.Intent != IntentMenuBrowse || got.Source != SourceRules || got.Namespace != NamespaceMenu {
		t.Errorf("Classify = %+v, want menu_browse from rules", got)
	}
	if got.Confidence != 0.3 {
		t.Errorf("Confidence = %v, want 0.3", got.Confidence)
	}

	got = c.Classify(context.Background(), "terrible rude service, I want a refund, so disappointed", nil, LangEnglish, PatternResult{})
	if got.Intent != IntentComplaint {
		t.Errorf("Intent = %s, want complaint", got.Intent)
	}
	if got.Confidence > MaxRuleConfidence {
		t.Errorf("rule confidence %v exceeds cap %v", got.Confidence, MaxRuleConfidence)
	}

	got = c.Classify(context.Background(), "zzzz", nil, LangEnglish, PatternResult{})
	if got.Intent != IntentUnknown || got.Confidence != 0.2 {
		t.Errorf("Classify(zzzz) = %+v, want unknown/0.2", got)
	}
}

func TestIntentClassifier_NoModelMyanmarRules(t *testing.T) {
	c := NewIntentClassifier(IntentClassifierOpts{})
	got := c.Classify(context.Background(), "မီနူး ပြပါ", nil, LangMyanmar, PatternResult{})
	if got.Intent != IntentMenuBrowse || got.Source != SourceRules {
		t.Errorf("Classify = %+v, want menu_browse from rules", got)
	}
}

func TestDecide_Total(t *testing.T) {
	tests := []struct {
		human, rag bool
		action     Action
		retrieve   bool
		useModel   bool
		deliver    bool
		needsHuman bool
	}{
		{false, true, ActionRespond, true, true, true, false},
		{false, false, ActionRespond, false, false, true, false},
		{true, true, ActionSuggest, true, true, false, false},
		{true, false, ActionRecord, false, false, false, true},
	}
	for _, tt := range tests {
		d := Decide(tt.human, tt.rag)
		if d.Action != tt.action || d.Retrieve != tt.retrieve || d.UseModel != tt.useModel ||
			d.Deliver != tt.deliver || d.NeedsHuman != tt.needsHuman {
			t.Errorf("Decide(%v,%v) = %+v", tt.human, tt.rag, d)
		}
		if d.Description == "" {
			t.Errorf("Decide(%v,%v) has no description", tt.human, tt.rag)
		}
	}
}

func TestGenerate_ModelReplyWithSources(t *testing.T) {
	model := &fakeModel{reply: "We open at 8am."}
	g := NewResponseGenerator(ResponseGeneratorOpts{Model: model})
	res := g.Generate(context.Background(), GenerateInput{
		Text:     "when do you open",
		Intent:   IntentResult{Intent: IntentFAQ},
		Language: LangEnglish,
		Context:  []retrieval.Snippet{{Content: "Open 8am-10pm", SourceID: "faq-1"}},
		Decision: Decide(false, true),
	})
	if res.Text != "We open at 8am." || res.Source != ResponseModel {
		t.Errorf("res = %+v", res)
	}
	if len(res.SourceIDs) != 1 || res.SourceIDs[0] != "faq-1" {
		t.Errorf("SourceIDs = %v", res.SourceIDs)
	}
	if len(model.lastRequest.Context) != 1 || model.lastRequest.Context[0] != "Open 8am-10pm" {
		t.Errorf("model context = %v", model.lastRequest.Context)
	}
	if res.IsSuggestion || res.RequiresHuman {
		t.Errorf("res = %+v, want plain reply", res)
	}
}

func TestGenerate_ModelFailureFallsBackToTemplate(t *testing.T) {
	g := NewResponseGenerator(ResponseGeneratorOpts{Model: &fakeModel{generateErr: errFake}})
	res := g.Generate(context.Background(), GenerateInput{
		Text:     "menu please",
		Intent:   IntentResult{Intent: IntentMenuBrowse},
		Language: LangMyanmar,
		Decision: Decide(false, true),
	})
	if res.Source != ResponseTemplate || res.Text != Template(IntentMenuBrowse, LangMyanmar) {
		t.Errorf("res = %+v, want myanmar menu template", res)
	}
}

func TestGenerate_PatternEscalationSkipsSemanticCheck(t *testing.T) {
	model := &fakeModel{}
	g := NewResponseGenerator(ResponseGeneratorOpts{Model: model})
	res := g.Generate(context.Background(), GenerateInput{
		Text:              "talk to a human",
		Intent:            IntentResult{Intent: IntentUnknown},
		Language:          LangEnglish,
		Decision:          Decide(false, true),
		PatternEscalation: true,
	})
	if !res.RequiresHuman || res.Semantic {
		t.Errorf("res = %+v, want pattern-driven handoff", res)
	}
	if res.Text != Template(TemplateHandoff, LangEnglish) {
		t.Errorf("Text = %q, want handoff template", res.Text)
	}
	if model.escalateCalls != 0 {
		t.Errorf("DetectEscalation called %d times, want 0", model.escalateCalls)
	}
}

func TestGenerate_SemanticEscalation(t *testing.T) {
	g := NewResponseGenerator(ResponseGeneratorOpts{Model: &fakeModel{escalate: true, reply: "unused"}})
	res := g.Generate(context.Background(), GenerateInput{
		Text:     "this is unacceptable, get me someone in charge",
		Intent:   IntentResult{Intent: IntentComplaint},
		Language: LangEnglish,
		Decision: Decide(false, true),
	})
	if !res.Semantic || !res.RequiresHuman || res.Text != Template(TemplateHandoff, LangEnglish) {
		t.Errorf("res = %+v, want semantic handoff", res)
	}
}

func TestGenerate_SemanticCheckErrorIsNotEscalation(t *testing.T) {
	g := NewResponseGenerator(ResponseGeneratorOpts{Model: &fakeModel{escalateErr: errFake, reply: "ok"}})
	res := g.Generate(context.Background(), GenerateInput{
		Text: "what's new", Intent: IntentResult{Intent: IntentEvents}, Language: LangEnglish, Decision: Decide(false, true),
	})
	if res.RequiresHuman || res.Text != "ok" {
		t.Errorf("res = %+v", res)
	}
}

func TestGenerate_Suggestion(t *testing.T) {
	g := NewResponseGenerator(ResponseGeneratorOpts{Model: &fakeModel{reply: "Try the latte."}})
	res := g.Generate(context.Background(), GenerateInput{
		Text: "what should I drink", Intent: IntentResult{Intent: IntentMenuBrowse}, Language: LangEnglish, Decision: Decide(true, true),
	})
	if !res.IsSuggestion || res.Text != "Try the latte." {
		t.Errorf("res = %+v, want suggestion", res)
	}
}

func TestGenerate_StaticAndRecord(t *testing.T) {
	model := &fakeModel{reply: "model text"}
	g := NewResponseGenerator(ResponseGeneratorOpts{Model: model})

	res := g.Generate(context.Background(), GenerateInput{
		Text: "job openings?", Intent: IntentResult{Intent: IntentJobInquiry}, Language: LangEnglish, Decision: Decide(false, false),
	})
	if res.Source != ResponseTemplate || res.Text != Template(IntentJobInquiry, LangEnglish) {
		t.Errorf("static res = %+v", res)
	}

	res = g.Generate(context.Background(), GenerateInput{
		Text: "hello?", Intent: IntentResult{Intent: IntentUnknown}, Language: LangEnglish, Decision: Decide(true, false),
	})
	if res.Source != ResponseNone || res.Text != "" || !res.RequiresHuman {
		t.Errorf("record res = %+v", res)
	}
}

func TestGenerate_NoModelUsesTemplates(t *testing.T) {
	g := NewResponseGenerator(ResponseGeneratorOpts{})
	res := g.Generate(context.Background(), GenerateInput{
		Text: "hours?", Intent: IntentResult{Intent: IntentFAQ}, Language: LangEnglish, Decision: Decide(false, true),
	})
	if res.Source != ResponseTemplate || res.Text != Template(IntentFAQ, LangEnglish) {
		t.Errorf("res = %+v", res)
	}
}

func TestState_ContributeIsAdditive(t *testing.T) {
	in := Inbound{UserID: "u", Platform: "messenger", Attachments: []models.Attachment{{Type: "image", URL: "https://x/a.jpg"}}}
	s := newState(in, models.Conversation{}, nil)
	if s.Content != "[Attachment: image]" {
		t.Errorf("Content = %q, want attachment text", s.Content)
	}
	s.Contribute(models.Metadata{Language: LangEnglish})
	s.Contribute(models.Metadata{Intent: &models.IntentInfo{Name: IntentFAQ}})
	if len(s.Metadata.Attachments) != 1 || s.Metadata.Language != LangEnglish || s.Metadata.Intent == nil {
		t.Errorf("Metadata = %+v, want all namespaces kept", s.Metadata)
	}
}

func TestState_RaiseHumanFirstReasonWins(t *testing.T) {
	s := &State{}
	s.RaiseHuman(ReasonUserRequest)
	s.RaiseHuman(ReasonSemantic)
	if !s.RequiresHuman || s.Reason != ReasonUserRequest {
		t.Errorf("state = %v/%q", s.RequiresHuman, s.Reason)
	}
}

func TestMerge_ReopensAndEscalates(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	conv := models.NewConversation("u1", "messenger", now.Add(-time.Hour))
	conv.Close()

	s := newState(Inbound{UserID: "u1", Platform: "messenger", Text: "talk to a human", ReceivedAt: now}, conv, nil)
	s.Intent = IntentResult{Intent: IntentUnknown, Confidence: 0.2}
	s.Decision = Decide(false, true)
	s.Response = GenerateResult{Text: Template(TemplateHandoff, LangEnglish), Source: ResponseTemplate, RequiresHuman: true}
	s.RaiseHuman(ReasonUserRequest)

	next, msgs := Merge(s, conv, now)
	if next.Status != models.StatusEscalated || !next.HumanHandling {
		t.Errorf("next = %s/%v, want escalated", next.Status, next.HumanHandling)
	}
	if next.EscalationReason == nil || *next.EscalationReason != ReasonUserRequest {
		t.Errorf("EscalationReason = %v", next.EscalationReason)
	}
	if len(msgs) != 2 || msgs[0].SenderType != models.SenderUser || msgs[1].SenderType != models.SenderBot {
		t.Fatalf("msgs = %+v", msgs)
	}
	if !msgs[0].RequiresHuman || msgs[0].ConfidenceScore == nil || *msgs[0].ConfidenceScore != 0.2 {
		t.Errorf("user message = %+v", msgs[0])
	}
	if !next.LastMessageAt.Equal(now) {
		t.Errorf("LastMessageAt = %v, want %v", next.LastMessageAt, now)
	}
}

func TestMerge_SuggestionIsNotStoredAsBotMessage(t *testing.T) {
	now := time.Now()
	conv := models.NewConversation("u1", "messenger", now)
	s := newState(Inbound{UserID: "u1", Platform: "messenger", Text: "hi"}, conv, nil)
	s.Decision = Decide(true, true)
	s.Response = GenerateResult{Text: "suggested", IsSuggestion: true}

	_, msgs := Merge(s, conv, now)
	if len(msgs) != 1 {
		t.Errorf("got %d messages, want only the user message", len(msgs))
	}
	if msgs[0].CreatedAt.IsZero() {
		t.Error("user message has no timestamp")
	}
}
