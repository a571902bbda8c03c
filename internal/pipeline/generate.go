package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/switchyard/internal/llm"
	"github.com/zulandar/switchyard/internal/metrics"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/retrieval"
)

// Response sources.
const (
	ResponseModel    = "model"
	ResponseTemplate = "template"
	ResponseNone     = "none"
)

// GenerateInput is everything the generator reads.
type GenerateInput struct {
	Text              string
	Intent            IntentResult
	Language          string
	Context           []retrieval.Snippet
	History           []models.Message
	Decision          Decision
	PatternEscalation bool
}

// GenerateResult is the generator output.
type GenerateResult struct {
	Text          string
	IsSuggestion  bool
	RequiresHuman bool
	Semantic      bool // the model-based escalation check fired
	Source        string
	SourceIDs     []string
}

// ResponseGenerator produces the reply or suggestion and runs the semantic
// escalation check.
type ResponseGenerator struct {
	model   Model
	timeout time.Duration
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// ResponseGeneratorOpts holds parameters for creating a ResponseGenerator.
type ResponseGeneratorOpts struct {
	Model   Model // optional; nil always uses templates
	Timeout time.Duration
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// NewResponseGenerator creates a ResponseGenerator.
func NewResponseGenerator(opts ResponseGeneratorOpts) *ResponseGenerator {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ResponseGenerator{
		model:   opts.Model,
		timeout: timeout,
		metrics: opts.Metrics,
		log:     opts.Logger.With().Str("component", "generator").Logger(),
	}
}

// Generate never fails. Model errors and timeouts fall back to the template
// for the intent and language.
func (g *ResponseGenerator) Generate(ctx context.Context, in GenerateInput) GenerateResult {
	res := GenerateResult{RequiresHuman: in.PatternEscalation || in.Decision.NeedsHuman}

	if in.Decision.Action == ActionRecord {
		res.Source = ResponseNone
		return res
	}

	if !res.RequiresHuman && g.model != nil {
		res.Semantic = g.detectEscalation(ctx, in.Text, in.Language)
		res.RequiresHuman = res.Semantic
	}
	res.IsSuggestion = in.Decision.Action == ActionSuggest

	switch {
	case res.RequiresHuman && in.Decision.Deliver:
		res.Text, res.Source = Template(TemplateHandoff, in.Language), ResponseTemplate
	case in.Intent.Intent == IntentGreeting || in.Intent.Intent == IntentGoodbye:
		res.Text, res.Source = Template(in.Intent.Intent, in.Language), ResponseTemplate
	case !in.Decision.UseModel || g.model == nil:
		res.Text, res.Source = Template(in.Intent.Intent, in.Language), ResponseTemplate
	default:
		text, err := g.generate(ctx, in)
		if err != nil {
			g.metrics.Degrade("generation")
			g.log.Warn().Err(err).Str("intent", in.Intent.Intent).Msg("generate_fallback_template")
			res.Text, res.Source = Template(in.Intent.Intent, in.Language), ResponseTemplate
		} else {
			res.Text, res.Source = text, ResponseModel
			for _, s := range in.Context {
				res.SourceIDs = append(res.SourceIDs, s.SourceID)
			}
		}
	}
	return res
}

func (g *ResponseGenerator) detectEscalation(ctx context.Context, text, language string) bool {
	if text == "" {
		return false
	}
	mctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	yes, err := g.model.DetectEscalation(mctx, text, language)
	if err != nil {
		g.metrics.Degrade("llm")
		g.log.Warn().Err(err).Msg("semantic_escalation_check_failed")
		return false
	}
	return yes
}

func (g *ResponseGenerator) generate(ctx context.Context, in GenerateInput) (string, error) {
	mctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	snippets := make([]string, 0, len(in.Context))
	for _, s := range in.Context {
		snippets = append(snippets, s.Content)
	}
	return g.model.Generate(mctx, llm.GenerateRequest{
		Text:     in.Text,
		Intent:   in.Intent.Intent,
		Language: in.Language,
		Context:  snippets,
		History:  Turns(in.History),
	})
}
