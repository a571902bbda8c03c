package telegraph

import (
	"context"
	"errors"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/zulandar/switchyard/internal/metrics"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/pipeline"
)

// Runner processes one inbound message through the conversation pipeline.
type Runner interface {
	Run(ctx context.Context, in pipeline.Inbound) (pipeline.Outcome, error)
}

// Router classifies inbound chat messages and routes them: operator channel
// commands go to the command handler, user messages go to the pipeline, and
// bot self-messages are dropped.
type Router struct {
	runner           Runner
	commands         *CommandHandler
	operatorPlatform string
	operatorChannel  string
	metrics          *metrics.Metrics
	log              zerolog.Logger

	mu        sync.RWMutex
	adapters  map[string]Adapter
	botUserID map[string]string // platform -> bot user ID
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Runner           Runner
	Commands         *CommandHandler // optional; disables operator commands when nil
	OperatorPlatform string
	OperatorChannel  string
	Metrics          *metrics.Metrics
	Logger           zerolog.Logger
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.Runner == nil {
		return nil, errors.New("telegraph: router: runner is required")
	}
	return &Router{
		runner:           opts.Runner,
		commands:         opts.Commands,
		operatorPlatform: opts.OperatorPlatform,
		operatorChannel:  opts.OperatorChannel,
		metrics:          opts.Metrics,
		log:              opts.Logger.With().Str("component", "router").Logger(),
		adapters:         make(map[string]Adapter),
		botUserID:        make(map[string]string),
	}, nil
}

// Register makes an adapter available for command replies and records its
// bot user ID for self-message filtering.
func (r *Router) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
	if b, ok := a.(BotUserIDer); ok {
		r.botUserID[a.Name()] = b.BotUserID()
	}
}

// Handle classifies and routes a single inbound message. Only pipeline
// errors are returned; ignored messages return nil.
//  1. Bot self-message → ignore
//  2. Operator channel: "!sy" command → command handler, anything else → ignore
//  3. Everything else → pipeline
func (r *Router) Handle(ctx context.Context, msg InboundMessage) error {
	if r.isSelfMessage(msg) {
		return nil
	}
	text := strings.TrimSpace(msg.Text)

	if r.isOperatorChannel(msg) {
		if r.commands != nil && isCommand(text) {
			r.log.Debug().Str("user", msg.UserName).Str("command", truncate(text, 80)).Msg("operator_command")
			r.metrics.Message(msg.Platform, "command")
			r.reply(ctx, msg, r.commands.Execute(ctx, msg.UserID, text))
		}
		return nil
	}

	r.log.Debug().
		Str("platform", msg.Platform).
		Str("user_id", msg.UserID).
		Int("attachments", len(msg.Attachments)).
		Str("text", truncate(text, 80)).
		Msg("inbound_message")

	out, err := r.runner.Run(ctx, pipeline.Inbound{
		UserID:      msg.UserID,
		Platform:    msg.Platform,
		Text:        text,
		Attachments: ModelAttachments(msg.Attachments),
		ReceivedAt:  msg.Timestamp,
	})
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidInbound) {
			r.log.Warn().Err(err).Str("platform", msg.Platform).Msg("inbound_rejected")
		} else {
			r.log.Error().Err(err).Str("platform", msg.Platform).Str("user_id", msg.UserID).Msg("pipeline_failed")
		}
		return err
	}
	r.log.Debug().Str("conversation_id", out.ConversationID).Str("intent", out.Intent.Intent).Msg("inbound_routed")
	return nil
}

func (r *Router) reply(ctx context.Context, msg InboundMessage, text string) {
	r.mu.RLock()
	a := r.adapters[msg.Platform]
	r.mu.RUnlock()
	if a == nil {
		r.log.Warn().Str("platform", msg.Platform).Msg("no_adapter_for_command_reply")
		return
	}
	if err := a.Send(ctx, OutboundMessage{ChannelID: msg.ChannelID, ThreadID: msg.ThreadID, Text: text}); err != nil {
		r.log.Error().Err(err).Msg("send_command_response_failed")
	}
}

func (r *Router) isSelfMessage(msg InboundMessage) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id := r.botUserID[msg.Platform]
	return id != "" && msg.UserID == id
}

func (r *Router) isOperatorChannel(msg InboundMessage) bool {
	return r.operatorChannel != "" && msg.Platform == r.operatorPlatform && msg.ChannelID == r.operatorChannel
}

// ModelAttachments converts chat attachments into stored attachment records.
// Anything that is not an image is stored as a file, with the file type
// taken from the URL extension.
func ModelAttachments(in []Attachment) []models.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]models.Attachment, 0, len(in))
	for _, a := range in {
		if a.URL == "" {
			continue
		}
		typ := "file"
		if a.Type == "image" {
			typ = "image"
		}
		out = append(out, models.Attachment{Type: typ, URL: a.URL, Title: a.Title, FileType: fileType(a.URL)})
	}
	return out
}

func fileType(raw string) string {
	p := raw
	if u, err := url.Parse(raw); err == nil {
		p = u.Path
	}
	return strings.TrimPrefix(strings.ToLower(path.Ext(p)), ".")
}

// truncate returns s truncated to maxLen with "..." appended if needed.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
