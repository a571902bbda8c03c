package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/switchyard/internal/llm"
	"github.com/zulandar/switchyard/internal/metrics"
	"github.com/zulandar/switchyard/internal/models"
)

// Intents.
const (
	IntentGreeting    = "greeting"
	IntentMenuBrowse  = "menu_browse"
	IntentFAQ         = "faq"
	IntentOrderPlace  = "order_place"
	IntentReservation = "reservation"
	IntentEvents      = "events"
	IntentJobInquiry  = "job_inquiry"
	IntentComplaint   = "complaint"
	IntentGoodbye     = "goodbye"
	IntentUnknown     = "unknown"
)

// Intents is the closed set the classifier chooses from.
var Intents = []string{
	IntentGreeting, IntentMenuBrowse, IntentFAQ, IntentOrderPlace, IntentReservation,
	IntentEvents, IntentJobInquiry, IntentComplaint, IntentGoodbye, IntentUnknown,
}

// Knowledge namespaces.
const (
	NamespaceFAQ    = "faq"
	NamespaceMenu   = "menu"
	NamespaceEvents = "events"
	NamespaceJobs   = "jobs"
)

// Classification sources.
const (
	SourcePattern = "pattern"
	SourceModel   = "model"
	SourceRules   = "rules"
)

// MaxRuleConfidence caps keyword-rule results to mark degraded mode.
const MaxRuleConfidence = 0.5

// NamespaceFor maps an intent to the knowledge namespace to search.
func NamespaceFor(intent string) string {
	switch intent {
	case IntentMenuBrowse, IntentOrderPlace:
		return NamespaceMenu
	case IntentEvents:
		return NamespaceEvents
	case IntentJobInquiry:
		return NamespaceJobs
	default:
		return NamespaceFAQ
	}
}

// IntentResult is the classifier outcome.
type IntentResult struct {
	Intent     string
	Namespace  string
	Confidence float64
	Source     string
}

// Model is the language-model surface the pipeline depends on.
type Model interface {
	Classify(ctx context.Context, text string, history []llm.Turn, language string, intents []string) (llm.Classification, error)
	Generate(ctx context.Context, req llm.GenerateRequest) (string, error)
	DetectEscalation(ctx context.Context, text, language string) (bool, error)
}

// IntentClassifier resolves a message to an intent and namespace.
type IntentClassifier struct {
	model     Model
	threshold float64
	timeout   time.Duration
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

// IntentClassifierOpts holds parameters for creating an IntentClassifier.
type IntentClassifierOpts struct {
	Model     Model   // optional; nil classifies by keyword rules only
	Threshold float64 // pattern confidence needed to skip the model; default 0.8
	Timeout   time.Duration
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// NewIntentClassifier creates an IntentClassifier.
func NewIntentClassifier(opts IntentClassifierOpts) *IntentClassifier {
	th := opts.Threshold
	if th <= 0 {
		th = 0.8
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &IntentClassifier{
		model:     opts.Model,
		threshold: th,
		timeout:   timeout,
		metrics:   opts.Metrics,
		log:       opts.Logger.With().Str("component", "intent").Logger(),
	}
}

// Classify never fails: model errors fall back to keyword rules.
func (c *IntentClassifier) Classify(ctx context.Context, text string, history []models.Message, language string, pattern PatternResult) IntentResult {
	if !pattern.IsEscalationRequest && pattern.Confidence >= c.threshold {
		switch {
		case pattern.IsGreeting:
			return c.result(IntentGreeting, pattern.Confidence, SourcePattern)
		case pattern.IsFarewell:
			return c.result(IntentGoodbye, pattern.Confidence, SourcePattern)
		}
	}

	if c.model != nil {
		mctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		got, err := c.model.Classify(mctx, text, Turns(history), language, Intents)
		if err == nil {
			return c.result(got.Intent, got.Confidence, SourceModel)
		}
		c.metrics.Degrade("llm")
		c.log.Warn().Err(err).Msg("classify_fallback_rules")
	}

	intent, conf := classifyByRules(text, language)
	return c.result(intent, conf, SourceRules)
}

func (c *IntentClassifier) result(intent string, conf float64, source string) IntentResult {
	c.metrics.Intent(intent, source)
	return IntentResult{Intent: intent, Namespace: NamespaceFor(intent), Confidence: conf, Source: source}
}

type keywordRule struct {
	intent   string
	keywords []string
}

// Rule order breaks ties.
var ruleTables = map[string][]keywordRule{
	LangEnglish: {
		{IntentComplaint, []string{"complain", "complaint", "terrible", "rude", "refund", "wrong order", "disappointed", "cold food", "bad service"}},
		{IntentReservation, []string{"reserve", "reservation", "book a table", "booking", "table for"}},
		{IntentOrderPlace, []string{"order", "delivery", "deliver", "takeaway", "take away", "pickup", "pick up"}},
		{IntentJobInquiry, []string{"job", "hiring", "vacancy", "career", "apply", "position", "work at", "cv"}},
		{IntentEvents, []string{"event", "live music", "party", "promotion", "workshop", "happening"}},
		{IntentMenuBrowse, []string{"menu", "coffee", "tea", "drink", "food", "dish", "price", "latte", "cake", "breakfast", "vegetarian"}},
		{IntentFAQ, []string{"open", "hours", "close", "wifi", "parking", "location", "address", "where", "pet", "smoking"}},
	},
	LangMyanmar: {
		{IntentComplaint, []string{"တိုင်ကြား", "မကျေနပ်", "ဆိုးတယ်"}},
		{IntentReservation, []string{"ကြိုတင်", "စားပွဲ", "ဘွတ်ကင်"}},
		{IntentOrderPlace, []string{"မှာယူ", "ပို့ဆောင်", "ပါဆယ်"}},
		{IntentJobInquiry, []string{"အလုပ်", "လျှောက်"}},
		{IntentEvents, []string{"ပွဲ", "အစီအစဉ်"}},
		{IntentMenuBrowse, []string{"မီနူး", "အစားအစာ", "ကော်ဖီ", "လက်ဖက်ရည်", "ဈေးနှုန်း", "menu"}},
		{IntentFAQ, []string{"ဖွင့်", "ပိတ်", "wifi", "နေရာ", "လိပ်စာ"}},
	},
}

func classifyByRules(text, language string) (string, float64) {
	rules, ok := ruleTables[language]
	if !ok {
		rules = ruleTables[LangEnglish]
	}
	norm := normalize(text)
	best, bestHits := IntentUnknown, 0
	for _, r := range rules {
		hits := 0
		for _, kw := range r.keywords {
			if strings.Contains(norm, kw) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = r.intent, hits
		}
	}
	if bestHits == 0 {
		return IntentUnknown, 0.2
	}
	conf := 0.3 + 0.1*float64(bestHits-1)
	if conf > MaxRuleConfidence {
		conf = MaxRuleConfidence
	}
	return best, conf
}

// Turns converts stored messages into model history.
func Turns(history []models.Message) []llm.Turn {
	out := make([]llm.Turn, 0, len(history))
	for _, m := range history {
		if m.Content == "" {
			continue
		}
		out = append(out, llm.Turn{Role: m.SenderType, Content: m.Content})
	}
	return out
}
