// Package pipeline runs inbound chat messages through pattern matching,
// intent classification, RAG control, retrieval, response generation and the
// memory update, then hands the reply to egress or the operator.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/switchyard/internal/egress"
	"github.com/zulandar/switchyard/internal/metrics"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/retrieval"
	"github.com/zulandar/switchyard/internal/store"
)

// ErrInvalidInbound rejects messages missing identity fields.
var ErrInvalidInbound = errors.New("pipeline: invalid inbound message")

// Defaults for PipelineOpts.
const (
	DefaultHistoryLimit  = 10
	DefaultRunTimeout    = 30 * time.Second
	DefaultCommitTimeout = 10 * time.Second
	DefaultEgressTimeout = 30 * time.Second
	DeliveryFailureLimit = 3
)

// Retriever searches the knowledge base.
type Retriever interface {
	Search(ctx context.Context, query, namespace string, topK int) ([]retrieval.Snippet, error)
}

// Sender delivers replies to users.
type Sender interface {
	Send(ctx context.Context, to egress.Recipient, content egress.Content) egress.Result
}

// Notice kinds.
const (
	NoticeEscalation     = "escalation"
	NoticeSuggestion     = "suggestion"
	NoticeUserMessage    = "user_message"
	NoticeDeliveryFailed = "delivery_failed"
	NoticeAdminAction    = "admin_action"
)

// Notice is an operator-facing event.
type Notice struct {
	Kind           string    `json:"kind"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Platform       string    `json:"platform"`
	Text           string    `json:"text,omitempty"`
	Suggestion     string    `json:"suggestion,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	AdminID        string    `json:"admin_id,omitempty"`
	Priority       int       `json:"priority"`
	At             time.Time `json:"at"`
}

// Notifier receives operator notices. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

// Notifiers fans a notice out to several notifiers.
type Notifiers []Notifier

// Notify implements Notifier.
func (ns Notifiers) Notify(ctx context.Context, n Notice) {
	for _, x := range ns {
		x.Notify(ctx, n)
	}
}

// Outcome summarizes a pipeline run.
type Outcome struct {
	ConversationID string
	MessageID      string
	Created        bool
	Language       string
	Pattern        PatternResult
	Intent         IntentResult
	Decision       Decision
	Response       GenerateResult
	Escalated      bool
	Delivery       *egress.Result
}

// Pipeline wires the stages to the store and the outer collaborators.
type Pipeline struct {
	store        *store.Store
	patterns     *PatternMatcher
	classifier   *IntentClassifier
	retriever    Retriever
	generator    *ResponseGenerator
	sender       Sender
	notifier     Notifier
	topK         int
	historyLimit int
	runTimeout   time.Duration
	egressTO     time.Duration
	metrics      *metrics.Metrics
	log          zerolog.Logger
}

// PipelineOpts holds parameters for creating a Pipeline.
type PipelineOpts struct {
	Store         *store.Store
	Model         Model     // optional
	Retriever     Retriever // optional
	Sender        Sender    // optional
	Notifier      Notifier  // optional
	TopK          int
	HistoryLimit  int
	Threshold     float64 // pattern confidence that skips the model
	ModelTimeout  time.Duration
	RunTimeout    time.Duration
	EgressTimeout time.Duration
	Metrics       *metrics.Metrics
	Logger        zerolog.Logger
}

// New creates a Pipeline.
func New(opts PipelineOpts) (*Pipeline, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("pipeline: store is required")
	}
	p := &Pipeline{
		store:    opts.Store,
		patterns: NewPatternMatcher(),
		classifier: NewIntentClassifier(IntentClassifierOpts{
			Model: opts.Model, Threshold: opts.Threshold, Timeout: opts.ModelTimeout,
			Metrics: opts.Metrics, Logger: opts.Logger,
		}),
		retriever: opts.Retriever,
		generator: NewResponseGenerator(ResponseGeneratorOpts{
			Model: opts.Model, Timeout: opts.ModelTimeout, Metrics: opts.Metrics, Logger: opts.Logger,
		}),
		sender:       opts.Sender,
		notifier:     opts.Notifier,
		topK:         opts.TopK,
		historyLimit: opts.HistoryLimit,
		runTimeout:   opts.RunTimeout,
		egressTO:     opts.EgressTimeout,
		metrics:      opts.Metrics,
		log:          opts.Logger.With().Str("component", "pipeline").Logger(),
	}
	if p.historyLimit <= 0 {
		p.historyLimit = DefaultHistoryLimit
	}
	if p.runTimeout <= 0 {
		p.runTimeout = DefaultRunTimeout
	}
	if p.egressTO <= 0 {
		p.egressTO = DefaultEgressTimeout
	}
	if p.notifier == nil {
		p.notifier = Notifiers(nil)
	}
	return p, nil
}

// Validate checks the identity fields required before a run.
func (in Inbound) Validate() error {
	switch {
	case in.UserID == "":
		return fmt.Errorf("%w: missing sender id", ErrInvalidInbound)
	case in.Platform == "":
		return fmt.Errorf("%w: missing platform", ErrInvalidInbound)
	case in.Text == "" && len(in.Attachments) == 0:
		return fmt.Errorf("%w: empty message", ErrInvalidInbound)
	}
	return nil
}

type stage struct {
	name string
	run  func(ctx context.Context, s *State)
}

func (p *Pipeline) stages() []stage {
	return []stage{
		{"language", p.detectLanguage},
		{"pattern", p.matchPatterns},
		{"classify", p.classify},
		{"control", p.control},
		{"retrieve", p.retrieve},
		{"generate", p.generate},
	}
}

// Run processes one inbound message. Only ingress validation and store
// failures are returned as errors; every other failure degrades to a
// fallback. The conversation lock is held from the snapshot read through the
// memory commit and released before the reply goes to egress, so a slow send
// never holds up the next message from the same user.
func (p *Pipeline) Run(ctx context.Context, in Inbound) (Outcome, error) {
	if err := in.Validate(); err != nil {
		p.metrics.Message(in.Platform, "rejected")
		return Outcome{}, err
	}
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = p.store.Now()
	}
	p.metrics.Message(in.Platform, "inbound")

	openCtx, cancelOpen := context.WithTimeout(ctx, DefaultCommitTimeout)
	conv, created, err := p.store.GetOrCreate(openCtx, in.UserID, in.Platform)
	cancelOpen()
	if err != nil {
		return Outcome{}, fmt.Errorf("pipeline: %w", err)
	}
	unlock, err := p.store.Lock(ctx, conv.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("pipeline: %w", err)
	}
	var once sync.Once
	release := func() { once.Do(unlock) }
	defer release()

	// The run clock starts once the lock is held; waiting for it is not
	// charged to this run.
	runCtx, cancel := context.WithTimeout(ctx, p.runTimeout)
	defer cancel()

	if conv, err = p.store.Get(runCtx, conv.ID); err != nil {
		return Outcome{}, fmt.Errorf("pipeline: %w", err)
	}
	history, err := p.store.History(runCtx, conv.ID, p.historyLimit)
	if err != nil {
		return Outcome{}, fmt.Errorf("pipeline: %w", err)
	}

	s := newState(in, conv, history)
	for _, st := range p.stages() {
		start := time.Now()
		st.run(runCtx, s)
		p.metrics.ObserveStage(st.name, start)
	}

	// Persist even when the run deadline has passed.
	commitCtx, cancelCommit := context.WithTimeout(context.WithoutCancel(ctx), DefaultCommitTimeout)
	defer cancelCommit()
	start := time.Now()
	var escalated bool
	var messageID string
	committed, err := p.store.Mutate(commitCtx, conv.ID, commitChange(s, p.store.Now(), &escalated, &messageID))
	p.metrics.ObserveStage("memory", start)
	release()
	if err != nil {
		return Outcome{}, fmt.Errorf("pipeline: %w", err)
	}

	out := Outcome{
		ConversationID: committed.ID,
		MessageID:      messageID,
		Created:        created,
		Language:       s.Language,
		Pattern:        s.Pattern,
		Intent:         s.Intent,
		Decision:       s.Decision,
		Response:       s.Response,
		Escalated:      escalated,
	}
	log := p.log.With().Str("conversation_id", committed.ID).Str("intent", s.Intent.Intent).Logger()

	if escalated {
		p.metrics.Escalation(s.Reason)
		p.notify(ctx, committed, NoticeEscalation, s.Content, s.Reason)
		log.Info().Str("reason", s.Reason).Msg("conversation_escalated")
	}
	switch {
	case s.Response.IsSuggestion && s.Response.Text != "":
		n := p.notice(committed, NoticeSuggestion, s.Content, "")
		n.Suggestion = s.Response.Text
		p.notifier.Notify(ctx, n)
	case s.Decision.Action == ActionRecord && !escalated:
		p.notify(ctx, committed, NoticeUserMessage, s.Content, "")
	}

	if s.Decision.Deliver && s.Response.Text != "" && !s.Response.IsSuggestion && p.sender != nil {
		res := p.deliver(ctx, committed, s.Response.Text)
		out.Delivery = &res
		if err := p.recordDelivery(ctx, committed, res); err != nil {
			log.Error().Err(err).Msg("record_delivery_failed")
		}
	}

	log.Info().
		Str("action", string(s.Decision.Action)).
		Str("source", s.Intent.Source).
		Bool("requires_human", s.RequiresHuman).
		Msg("message_processed")
	return out, nil
}

func (p *Pipeline) detectLanguage(_ context.Context, s *State) {
	s.Language = DetectLanguage(s.Content)
	s.Contribute(models.Metadata{Language: s.Language})
}

func (p *Pipeline) matchPatterns(_ context.Context, s *State) {
	s.Pattern = p.patterns.Match(s.Inbound.Text, s.Language)
	if s.Pattern.IsEscalationRequest {
		s.RaiseHuman(ReasonUserRequest)
		s.Contribute(models.Metadata{Escalation: &models.EscalationInfo{PatternMatched: true, Reason: ReasonUserRequest}})
	}
}

func (p *Pipeline) classify(ctx context.Context, s *State) {
	s.Intent = p.classifier.Classify(ctx, s.Content, s.History, s.Language, s.Pattern)
	s.Contribute(models.Metadata{Intent: &models.IntentInfo{
		Name:       s.Intent.Intent,
		Namespace:  s.Intent.Namespace,
		Confidence: s.Intent.Confidence,
		Source:     s.Intent.Source,
	}})
}

func (p *Pipeline) control(_ context.Context, s *State) {
	s.Decision = Decide(s.Conversation.HumanHandling, s.Conversation.RAGEnabled)
	if s.Decision.NeedsHuman {
		s.RaiseHuman(ReasonAwaitingHuman)
	}
}

func (p *Pipeline) retrieve(ctx context.Context, s *State) {
	if !s.Decision.Retrieve || p.retriever == nil || s.Inbound.Text == "" {
		return
	}
	if s.Intent.Intent == IntentGreeting || s.Intent.Intent == IntentGoodbye {
		return
	}
	snippets, err := p.retriever.Search(ctx, s.Inbound.Text, s.Intent.Namespace, p.topK)
	if err != nil {
		p.metrics.Degrade("retrieval")
		p.log.Warn().Err(err).Str("namespace", s.Intent.Namespace).Msg("retrieval_failed")
		return
	}
	s.Context = snippets
}

func (p *Pipeline) generate(ctx context.Context, s *State) {
	s.Response = p.generator.Generate(ctx, GenerateInput{
		Text:              s.Inbound.Text,
		Intent:            s.Intent,
		Language:          s.Language,
		Context:           s.Context,
		History:           s.History,
		Decision:          s.Decision,
		PatternEscalation: s.Pattern.IsEscalationRequest,
	})
	if s.Response.Semantic {
		s.RaiseHuman(ReasonSemantic)
		s.Contribute(models.Metadata{Escalation: &models.EscalationInfo{
			PatternMatched: s.Pattern.IsEscalationRequest,
			Semantic:       true,
			Reason:         ReasonSemantic,
		}})
	}
	if s.Response.RequiresHuman {
		s.RaiseHuman(ReasonAwaitingHuman)
	}
	s.Contribute(models.Metadata{Response: &models.ResponseInfo{
		Source:    s.Response.Source,
		Action:    string(s.Decision.Action),
		SourceIDs: s.Response.SourceIDs,
	}})
	if s.Response.IsSuggestion && s.Response.Text != "" {
		s.Contribute(models.Metadata{Suggestion: &models.Suggestion{
			Text:      s.Response.Text,
			SourceIDs: s.Response.SourceIDs,
			CreatedAt: p.store.Now(),
		}})
	}
}

func (p *Pipeline) deliver(ctx context.Context, conv models.Conversation, text string) egress.Result {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.egressTO)
	defer cancel()
	res := p.sender.Send(sendCtx, egress.Recipient{Platform: conv.Platform, UserID: conv.UserID}, egress.Content{Text: text})
	if res.Delivered {
		p.metrics.Message(conv.Platform, "outbound")
	}
	return res
}

// recordDelivery tracks consecutive delivery failures on the conversation
// and escalates once DeliveryFailureLimit is reached. It takes the
// conversation lock again; a holder keeps it for at most a run plus a commit.
func (p *Pipeline) recordDelivery(ctx context.Context, conv models.Conversation, res egress.Result) error {
	base := context.WithoutCancel(ctx)
	lockCtx, cancelLock := context.WithTimeout(base, p.runTimeout+DefaultCommitTimeout)
	defer cancelLock()
	unlock, err := p.store.Lock(lockCtx, conv.ID)
	if err != nil {
		return err
	}
	defer unlock()

	commitCtx, cancel := context.WithTimeout(base, DefaultCommitTimeout)
	defer cancel()
	var escalated bool
	updated, err := p.store.Mutate(commitCtx, conv.ID, func(c *models.Conversation) (store.Change, error) {
		meta := c.Meta()
		failures := 0
		if meta.Delivery != nil {
			failures = meta.Delivery.ConsecutiveFailures
		}
		info := &models.DeliveryInfo{Status: "sent", Attempts: res.Attempts, TextFallback: res.TextFallback}
		if !res.Delivered {
			failures++
			info.Status = "failed"
			if res.Err != nil {
				info.Error = res.Err.Error()
			}
		} else {
			failures = 0
		}
		info.ConsecutiveFailures = failures
		c.SetMeta(meta.Merge(models.Metadata{Delivery: info}))

		escalated = false
		if failures >= DeliveryFailureLimit && !c.IsEscalated() {
			escalated = c.Escalate(ReasonDeliveryFailed, p.store.Now())
		}
		return store.Change{}, nil
	})
	if err != nil {
		return err
	}
	if escalated {
		p.metrics.Escalation(ReasonDeliveryFailed)
		p.notify(ctx, updated, NoticeDeliveryFailed, "", ReasonDeliveryFailed)
	}
	return nil
}

func (p *Pipeline) notify(ctx context.Context, conv models.Conversation, kind, text, reason string) {
	p.notifier.Notify(ctx, p.notice(conv, kind, text, reason))
}

func (p *Pipeline) notice(conv models.Conversation, kind, text, reason string) Notice {
	n := Notice{
		Kind:           kind,
		ConversationID: conv.ID,
		UserID:         conv.UserID,
		Platform:       conv.Platform,
		Text:           text,
		Reason:         reason,
		Priority:       conv.Priority,
		At:             p.store.Now(),
	}
	if conv.AssignedAdminID != nil {
		n.AdminID = *conv.AssignedAdminID
	}
	return n
}
