package admin

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/switchyard/internal/egress"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/store"
)

// Reply records a human operator message, marks the user's outstanding
// requires_human messages as answered and delivers the text to the user.
// The message is stored before delivery and the conversation lock is
// released before sending; a failed send is reported in the result, not as
// an error.
func (c *Controller) Reply(ctx context.Context, req ReplyRequest) (ReplyResult, error) {
	switch {
	case req.ConversationID == "":
		return ReplyResult{}, fmt.Errorf("%w: conversation_id is required", ErrInvalidAction)
	case req.AdminID == "":
		return ReplyResult{}, ErrAdminRequired
	case req.Text == "" && len(req.Attachments) == 0:
		return ReplyResult{}, fmt.Errorf("%w: empty reply", ErrInvalidAction)
	case c.sender == nil:
		return ReplyResult{}, errors.New("admin: reply: no sender configured")
	}

	unlock, err := c.store.Lock(ctx, req.ConversationID)
	if err != nil {
		return ReplyResult{}, fmt.Errorf("admin: reply: %w", err)
	}

	now := c.store.Now()
	var msg models.Message
	conv, err := c.store.Mutate(ctx, req.ConversationID, func(conv *models.Conversation) (store.Change, error) {
		if conv.Status == models.StatusClosed {
			return store.Change{}, fmt.Errorf("%w: %s", ErrClosed, conv.ID)
		}
		msg = models.NewMessage(conv.ID, models.SenderHuman, req.Text, models.Metadata{Attachments: req.Attachments}, now)
		msg.HumanReplied = true
		if conv.IsEscalated() && conv.AssignedAdminID == nil {
			admin := req.AdminID
			conv.AssignedAdminID = &admin
		}
		conv.LastMessageAt = now
		return store.Change{
			Messages:           []models.Message{msg},
			Actions:            []models.AdminAction{{ConversationID: conv.ID, AdminID: req.AdminID, Action: ActionHumanReply, CreatedAt: now}},
			ResolveOutstanding: true,
		}, nil
	})
	unlock()
	if err != nil {
		return ReplyResult{}, fmt.Errorf("admin: reply: %w", err)
	}
	c.metrics.AdminAction(ActionHumanReply)

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.egressTO)
	defer cancel()
	res := c.sender.Send(sendCtx, egress.Recipient{Platform: conv.Platform, UserID: conv.UserID},
		egress.Content{Text: req.Text, Attachments: req.Attachments})
	log := c.log.With().Str("conversation_id", conv.ID).Str("admin_id", req.AdminID).Logger()
	if res.Delivered {
		c.metrics.Message(conv.Platform, "outbound")
		log.Info().Bool("text_fallback", res.TextFallback).Msg("human_reply_sent")
	} else {
		log.Error().Err(res.Err).Msg("human_reply_not_delivered")
	}
	return ReplyResult{Message: msg, Conversation: conv, Delivery: res}, nil
}

// MarkHumanReplied flags a single message as answered by a human without
// sending anything.
func (c *Controller) MarkHumanReplied(ctx context.Context, messageID, adminID string) (models.Message, error) {
	if adminID == "" {
		return models.Message{}, ErrAdminRequired
	}
	msg, err := c.store.GetMessage(ctx, messageID)
	if err != nil {
		return models.Message{}, fmt.Errorf("admin: mark replied: %w", err)
	}

	unlock, err := c.store.Lock(ctx, msg.ConversationID)
	if err != nil {
		return models.Message{}, fmt.Errorf("admin: mark replied: %w", err)
	}
	defer unlock()

	now := c.store.Now()
	_, err = c.store.Mutate(ctx, msg.ConversationID, func(*models.Conversation) (store.Change, error) {
		return store.Change{
			RepliedMessageIDs: []string{messageID},
			Actions: []models.AdminAction{{
				ConversationID: msg.ConversationID,
				AdminID:        adminID,
				Action:         ActionMarkHumanReplied,
				Reason:         messageID,
				CreatedAt:      now,
			}},
		}, nil
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("admin: mark replied: %w", err)
	}
	c.metrics.AdminAction(ActionMarkHumanReplied)
	msg.HumanReplied = true
	return msg, nil
}
