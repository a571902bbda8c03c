// Package llm wraps the OpenAI-compatible chat completion API for intent
// classification, reply generation and escalation detection.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

var (
	// ErrQuotaExceeded is returned when the provider rejects for rate or quota.
	ErrQuotaExceeded = errors.New("llm: quota exceeded")
	// ErrUnavailable covers every other provider failure.
	ErrUnavailable = errors.New("llm: unavailable")
)

// DefaultTimeout bounds a single completion call.
const DefaultTimeout = 10 * time.Second

// Turn is one prior exchange passed as context.
type Turn struct {
	Role    string // user | bot | human
	Content string
}

// Classification is the model's intent decision.
type Classification struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// GenerateRequest is the input for reply generation.
type GenerateRequest struct {
	Text     string
	Intent   string
	Language string
	Context  []string
	History  []Turn
}

type chatAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client calls the chat completion API.
type Client struct {
	api     chatAPI
	model   string
	timeout time.Duration
	log     zerolog.Logger
}

// ClientOpts holds parameters for creating a Client.
type ClientOpts struct {
	APIKey  string
	BaseURL string // optional; OpenAI-compatible endpoint
	Model   string
	Timeout time.Duration
	Logger  zerolog.Logger
	API     chatAPI // optional; overrides the HTTP client
}

// New creates a Client.
func New(opts ClientOpts) (*Client, error) {
	if opts.Model == "" {
		return nil, fmt.Errorf("llm: model is required")
	}
	api := opts.API
	if api == nil {
		if opts.APIKey == "" {
			return nil, fmt.Errorf("llm: api key is required")
		}
		cfg := openai.DefaultConfig(opts.APIKey)
		if opts.BaseURL != "" {
			cfg.BaseURL = opts.BaseURL
		}
		api = openai.NewClientWithConfig(cfg)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		api:     api,
		model:   opts.Model,
		timeout: timeout,
		log:     opts.Logger.With().Str("component", "llm").Logger(),
	}, nil
}

const classifyPrompt = `You classify customer messages for a cafe chat assistant.
Reply with JSON {"intent": <one of %s>, "confidence": <0..1>}.
The customer writes in language code %q.`

// Classify asks the model for one of intents.
func (c *Client) Classify(ctx context.Context, text string, history []Turn, language string, intents []string) (Classification, error) {
	msgs := []openai.ChatCompletionMessage{{
		Role:    openai.ChatMessageRoleSystem,
		Content: fmt.Sprintf(classifyPrompt, strings.Join(intents, ", "), language),
	}}
	msgs = append(msgs, historyMessages(history)...)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text})

	raw, err := c.complete(ctx, "classify", msgs, true)
	if err != nil {
		return Classification{}, err
	}
	var out Classification
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return Classification{}, fmt.Errorf("llm: classify: decode %q: %w", raw, errors.Join(ErrUnavailable, err))
	}
	out.Intent = strings.ToLower(strings.TrimSpace(out.Intent))
	out.Confidence = min(max(out.Confidence, 0), 1)
	for _, in := range intents {
		if in == out.Intent {
			return out, nil
		}
	}
	return Classification{}, fmt.Errorf("llm: classify: intent %q not in closed set: %w", out.Intent, ErrUnavailable)
}

const generatePrompt = `You are the assistant of Cafe Pentagon. Answer the customer briefly and politely
in language code %q. The message intent is %q. Use only the reference material below;
if it does not contain the answer, say you will check with the staff.

Reference material:
%s`

// Generate produces a reply grounded on req.Context.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	reference := "(none)"
	if len(req.Context) > 0 {
		reference = "- " + strings.Join(req.Context, "\n- ")
	}
	msgs := []openai.ChatCompletionMessage{{
		Role:    openai.ChatMessageRoleSystem,
		Content: fmt.Sprintf(generatePrompt, req.Language, req.Intent, reference),
	}}
	msgs = append(msgs, historyMessages(req.History)...)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Text})

	out, err := c.complete(ctx, "generate", msgs, false)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("llm: generate: empty completion: %w", ErrUnavailable)
	}
	return out, nil
}

const escalationPrompt = `Decide whether the customer is asking to speak with a human staff member,
or is upset in a way a bot cannot resolve. Reply with JSON {"escalate": true|false}.`

// DetectEscalation reports whether text asks for a human.
func (c *Client) DetectEscalation(ctx context.Context, text, language string) (bool, error) {
	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: escalationPrompt},
		{Role: openai.ChatMessageRoleUser, Content: text},
	}
	raw, err := c.complete(ctx, "detect_escalation", msgs, true)
	if err != nil {
		return false, err
	}
	var out struct {
		Escalate bool `json:"escalate"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return false, fmt.Errorf("llm: detect escalation: decode %q: %w", raw, errors.Join(ErrUnavailable, err))
	}
	return out.Escalate, nil
}

func (c *Client) complete(ctx context.Context, op string, msgs []openai.ChatCompletionMessage, jsonMode bool) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: 0.2,
	}
	if jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}
	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		c.log.Warn().Err(err).Str("op", op).Dur("elapsed", time.Since(start)).Msg("completion_failed")
		return "", fmt.Errorf("llm: %s: %w", op, classify(err))
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm: %s: no choices: %w", op, ErrUnavailable)
	}
	c.log.Debug().Str("op", op).Int("tokens", resp.Usage.TotalTokens).Dur("elapsed", time.Since(start)).Msg("completion")
	return resp.Choices[0].Message.Content, nil
}

// classify maps provider errors onto ErrQuotaExceeded or ErrUnavailable,
// keeping the original error in the chain.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.Code == "insufficient_quota" {
			return errors.Join(ErrQuotaExceeded, err)
		}
		return errors.Join(ErrUnavailable, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return errors.Join(ErrQuotaExceeded, err)
	}
	return errors.Join(ErrUnavailable, err)
}

func historyMessages(history []Turn) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, t := range history {
		role := openai.ChatMessageRoleAssistant
		if t.Role == "user" {
			role = openai.ChatMessageRoleUser
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}
	return out
}
