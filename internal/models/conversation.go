package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Conversation statuses.
const (
	StatusActive    = "active"
	StatusEscalated = "escalated"
	StatusResolved  = "resolved"
	StatusClosed    = "closed"
)

// Priority bounds.
const (
	PriorityNormal    = 1
	PriorityEscalated = 2
	PriorityMax       = 5
)

// Conversation is the per (user, platform) chat thread and its HITL state.
// Version increments on every committed update and guards concurrent writers.
type Conversation struct {
	ID                  string  `gorm:"primaryKey;size:36"`
	UserID              string  `gorm:"size:128;not null;uniqueIndex:idx_user_platform"`
	Platform            string  `gorm:"size:32;not null;uniqueIndex:idx_user_platform"`
	Status              string  `gorm:"size:16;not null;default:active;index"`
	Priority            int     `gorm:"not null;default:1"`
	AssignedAdminID     *string `gorm:"size:64;index"`
	HumanHandling       bool    `gorm:"not null;index"`
	RAGEnabled          bool    `gorm:"column:rag_enabled;not null"`
	EscalationReason    *string `gorm:"size:256"`
	EscalationTimestamp *time.Time
	LastMessageAt       time.Time
	Metadata            datatypes.JSONType[Metadata]
	Version             int64 `gorm:"not null;default:1"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// NewConversation returns a fresh active conversation for a user on a platform.
func NewConversation(userID, platform string, now time.Time) Conversation {
	return Conversation{
		ID:            uuid.NewString(),
		UserID:        userID,
		Platform:      platform,
		Status:        StatusActive,
		Priority:      PriorityNormal,
		RAGEnabled:    true,
		LastMessageAt: now,
		Metadata:      datatypes.NewJSONType(Metadata{}),
		Version:       1,
	}
}

// Meta returns the decoded conversation metadata.
func (c *Conversation) Meta() Metadata {
	return c.Metadata.Data()
}

// SetMeta replaces the stored metadata value.
func (c *Conversation) SetMeta(m Metadata) {
	c.Metadata = datatypes.NewJSONType(m)
}

// IsEscalated reports whether the conversation is in the escalated state.
func (c *Conversation) IsEscalated() bool {
	return c.Status == StatusEscalated
}

// Escalate moves the conversation to human handling. It reports false and
// changes nothing when the conversation is already escalated.
func (c *Conversation) Escalate(reason string, at time.Time) bool {
	if c.IsEscalated() {
		return false
	}
	c.Status = StatusEscalated
	c.HumanHandling = true
	if c.Priority < PriorityEscalated {
		c.Priority = PriorityEscalated
	}
	c.EscalationReason = &reason
	ts := at
	c.EscalationTimestamp = &ts
	return true
}

// Release hands the conversation back to the bot.
func (c *Conversation) Release() {
	c.Status = StatusActive
	c.HumanHandling = false
	c.RAGEnabled = true
	c.Priority = PriorityNormal
	c.AssignedAdminID = nil
	c.EscalationReason = nil
	c.EscalationTimestamp = nil
}

// Close marks the conversation closed and drops any assignment.
func (c *Conversation) Close() {
	c.Status = StatusClosed
	c.HumanHandling = false
	c.AssignedAdminID = nil
}

// CheckInvariants validates the state relationships that every committed
// conversation must satisfy.
func (c *Conversation) CheckInvariants() error {
	var errs []error
	switch c.Status {
	case StatusActive, StatusEscalated, StatusResolved, StatusClosed:
	default:
		errs = append(errs, fmt.Errorf("unknown status %q", c.Status))
	}
	if c.Status == StatusEscalated && !c.HumanHandling {
		errs = append(errs, errors.New("escalated conversation must be human handled"))
	}
	if c.Priority < PriorityNormal || c.Priority > PriorityMax {
		errs = append(errs, fmt.Errorf("priority %d outside [%d,%d]", c.Priority, PriorityNormal, PriorityMax))
	}
	if (c.EscalationReason == nil) != (c.EscalationTimestamp == nil) {
		errs = append(errs, errors.New("escalation reason and timestamp must be set together"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("models: conversation %s: %w", c.ID, errors.Join(errs...))
	}
	return nil
}
