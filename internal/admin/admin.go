// Package admin applies operator control actions and human replies to
// conversations. Every change is serialized through the store lock and
// recorded in the audit trail.
package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/switchyard/internal/egress"
	"github.com/zulandar/switchyard/internal/metrics"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/pipeline"
	"github.com/zulandar/switchyard/internal/store"
)

var (
	// ErrInvalidAction is returned for unknown actions and bad arguments.
	ErrInvalidAction = errors.New("admin: invalid action")
	// ErrAdminRequired is returned when a request carries no admin id.
	ErrAdminRequired = errors.New("admin: admin id required")
	// ErrClosed is returned for actions on a closed conversation.
	ErrClosed = errors.New("admin: conversation is closed")
)

// Control actions.
const (
	ActionAssignHuman       = "assign_human"
	ActionReleaseHuman      = "release_human"
	ActionDisableRAG        = "disable_rag"
	ActionEnableRAG         = "enable_rag"
	ActionCloseConversation = "close_conversation"
	ActionSetPriority       = "set_priority"

	// Audit-only actions.
	ActionHumanReply       = "human_reply"
	ActionMarkHumanReplied = "mark_human_replied"
)

// Actions lists the control actions accepted by Apply.
var Actions = []string{
	ActionAssignHuman, ActionReleaseHuman, ActionDisableRAG,
	ActionEnableRAG, ActionCloseConversation, ActionSetPriority,
}

// ReasonAdminAssigned is the escalation reason when an admin takes over a
// conversation that was not escalated.
const ReasonAdminAssigned = "admin_assigned"

// Request is one control action.
type Request struct {
	ConversationID string `json:"conversation_id"`
	AdminID        string `json:"admin_id"`
	Action         string `json:"action"`
	Reason         string `json:"reason,omitempty"`
	Priority       int    `json:"priority,omitempty"`
}

// ReplyRequest is a human operator reply.
type ReplyRequest struct {
	ConversationID string
	AdminID        string
	Text           string
	Attachments    []models.Attachment
}

// ReplyResult is the stored human message and its delivery outcome.
type ReplyResult struct {
	Message      models.Message
	Conversation models.Conversation
	Delivery     egress.Result
}

// Controller executes admin actions.
type Controller struct {
	store    *store.Store
	sender   pipeline.Sender
	notifier pipeline.Notifier
	metrics  *metrics.Metrics
	egressTO time.Duration
	log      zerolog.Logger
}

// ControllerOpts holds parameters for creating a Controller.
type ControllerOpts struct {
	Store    *store.Store
	Sender   pipeline.Sender   // required for Reply
	Notifier pipeline.Notifier // optional
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger

	// EgressTimeout bounds a human reply's delivery (default
	// pipeline.DefaultEgressTimeout).
	EgressTimeout time.Duration
}

// New creates a Controller.
func New(opts ControllerOpts) (*Controller, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("admin: store is required")
	}
	n := opts.Notifier
	if n == nil {
		n = pipeline.Notifiers(nil)
	}
	if opts.EgressTimeout <= 0 {
		opts.EgressTimeout = pipeline.DefaultEgressTimeout
	}
	return &Controller{
		store:    opts.Store,
		sender:   opts.Sender,
		notifier: n,
		metrics:  opts.Metrics,
		egressTO: opts.EgressTimeout,
		log:      opts.Logger.With().Str("component", "admin").Logger(),
	}, nil
}

// Validate checks a request before any store access.
func (r Request) Validate() error {
	if r.ConversationID == "" {
		return fmt.Errorf("%w: conversation_id is required", ErrInvalidAction)
	}
	if r.AdminID == "" {
		return ErrAdminRequired
	}
	switch r.Action {
	case ActionAssignHuman, ActionReleaseHuman, ActionDisableRAG, ActionEnableRAG, ActionCloseConversation:
	case ActionSetPriority:
		if r.Priority < models.PriorityNormal || r.Priority > models.PriorityMax {
			return fmt.Errorf("%w: priority %d outside [%d,%d]", ErrInvalidAction, r.Priority, models.PriorityNormal, models.PriorityMax)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidAction, r.Action)
	}
	return nil
}

// Apply runs one control action and returns the committed conversation.
func (c *Controller) Apply(ctx context.Context, req Request) (models.Conversation, error) {
	if err := req.Validate(); err != nil {
		return models.Conversation{}, err
	}
	unlock, err := c.store.Lock(ctx, req.ConversationID)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("admin: %s: %w", req.Action, err)
	}
	defer unlock()

	now := c.store.Now()
	conv, err := c.store.Mutate(ctx, req.ConversationID, func(conv *models.Conversation) (store.Change, error) {
		if conv.Status == models.StatusClosed && req.Action != ActionCloseConversation {
			return store.Change{}, fmt.Errorf("%w: %s", ErrClosed, conv.ID)
		}
		apply(conv, req, now)
		return store.Change{Actions: []models.AdminAction{{
			ConversationID: conv.ID,
			AdminID:        req.AdminID,
			Action:         req.Action,
			Reason:         req.Reason,
			CreatedAt:      now,
		}}}, nil
	})
	if err != nil {
		return models.Conversation{}, fmt.Errorf("admin: %s: %w", req.Action, err)
	}

	c.metrics.AdminAction(req.Action)
	if req.Action == ActionAssignHuman && conv.EscalationReason != nil && *conv.EscalationReason == ReasonAdminAssigned {
		c.metrics.Escalation(ReasonAdminAssigned)
	}
	c.notifier.Notify(ctx, pipeline.Notice{
		Kind:           pipeline.NoticeAdminAction,
		ConversationID: conv.ID,
		UserID:         conv.UserID,
		Platform:       conv.Platform,
		Text:           req.Action,
		Reason:         req.Reason,
		AdminID:        req.AdminID,
		Priority:       conv.Priority,
		At:             now,
	})
	c.log.Info().
		Str("conversation_id", conv.ID).
		Str("admin_id", req.AdminID).
		Str("action", req.Action).
		Str("status", conv.Status).
		Msg("admin_action_applied")
	return conv, nil
}

func apply(conv *models.Conversation, req Request, now time.Time) {
	switch req.Action {
	case ActionAssignHuman:
		admin := req.AdminID
		conv.AssignedAdminID = &admin
		if !conv.IsEscalated() {
			reason := req.Reason
			if reason == "" {
				reason = ReasonAdminAssigned
			}
			conv.Escalate(reason, now)
		}
	case ActionReleaseHuman:
		conv.Release()
	case ActionDisableRAG:
		conv.RAGEnabled = false
	case ActionEnableRAG:
		conv.RAGEnabled = true
	case ActionCloseConversation:
		conv.Close()
	case ActionSetPriority:
		conv.Priority = req.Priority
	}
}
