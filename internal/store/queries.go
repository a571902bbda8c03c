package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/switchyard/internal/models"
	"gorm.io/gorm"
)

// Filter narrows operator-facing conversation listings.
type Filter struct {
	Status        string
	HumanHandling *bool
	RAGEnabled    *bool
	AdminID       string
	Limit         int
}

// QueueEntry is an escalated conversation with its message counters.
type QueueEntry struct {
	models.Conversation
	MessageCount       int64
	RequiresHumanCount int64
}

// DefaultListLimit caps listings when no limit is given.
const DefaultListLimit = 100

// List returns conversations matching f, highest priority and most recent first.
func (s *Store) List(ctx context.Context, f Filter) ([]models.Conversation, error) {
	q := s.db.WithContext(ctx).Model(&models.Conversation{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.HumanHandling != nil {
		q = q.Where("human_handling = ?", *f.HumanHandling)
	}
	if f.RAGEnabled != nil {
		q = q.Where("rag_enabled = ?", *f.RAGEnabled)
	}
	if f.AdminID != "" {
		q = q.Where("assigned_admin_id = ?", f.AdminID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var out []models.Conversation
	if err := q.Order("priority DESC").Order("last_message_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("store: list conversations: %w", err)
	}
	return out, nil
}

// EscalatedQueue lists escalated conversations, oldest escalation first,
// with total and unanswered requires_human message counts.
func (s *Store) EscalatedQueue(ctx context.Context, limit int) ([]QueueEntry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var convs []models.Conversation
	if err := s.db.WithContext(ctx).
		Where("status = ?", models.StatusEscalated).
		Order("priority DESC").Order("escalation_timestamp ASC").
		Limit(limit).
		Find(&convs).Error; err != nil {
		return nil, fmt.Errorf("store: escalated queue: %w", err)
	}

	out := make([]QueueEntry, 0, len(convs))
	for _, c := range convs {
		entry := QueueEntry{Conversation: c}
		if err := s.db.WithContext(ctx).Model(&models.Message{}).
			Where("conversation_id = ?", c.ID).
			Count(&entry.MessageCount).Error; err != nil {
			return nil, fmt.Errorf("store: escalated queue: count messages: %w", err)
		}
		if err := s.db.WithContext(ctx).Model(&models.Message{}).
			Where("conversation_id = ? AND requires_human = ? AND human_replied = ?", c.ID, true, false).
			Count(&entry.RequiresHumanCount).Error; err != nil {
			return nil, fmt.Errorf("store: escalated queue: count requires_human: %w", err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// MessageCount returns the number of messages in a conversation.
func (s *Store) MessageCount(ctx context.Context, conversationID string) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("conversation_id = ?", conversationID).
		Count(&n).Error; err != nil {
		return 0, fmt.Errorf("store: count messages: %w", err)
	}
	return n, nil
}

// History returns up to limit most recent messages in chronological order.
func (s *Store) History(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var msgs []models.Message
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("store: history %s: %w", conversationID, err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// GetMessage loads one message by ID.
func (s *Store) GetMessage(ctx context.Context, id string) (models.Message, error) {
	var msg models.Message
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return msg, fmt.Errorf("store: message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return msg, fmt.Errorf("store: get message %s: %w", id, err)
	}
	return msg, nil
}

// Actions returns the audit trail, newest first. An empty conversationID
// returns actions across all conversations.
func (s *Store) Actions(ctx context.Context, conversationID string, limit int) ([]models.AdminAction, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	q := s.db.WithContext(ctx).Order("created_at DESC").Order("id DESC").Limit(limit)
	if conversationID != "" {
		q = q.Where("conversation_id = ?", conversationID)
	}
	var out []models.AdminAction
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("store: actions: %w", err)
	}
	return out, nil
}
