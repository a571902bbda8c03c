package dashboard

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/zulandar/switchyard/internal/admin"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/store"
)

type handlers struct {
	store   *store.Store
	admin   *admin.Controller
	broker  *Broker
	isAdmin func(string) bool
	log     zerolog.Logger
}

// ConversationView is the JSON shape of a conversation.
type ConversationView struct {
	ID                  string          `json:"id"`
	UserID              string          `json:"user_id"`
	Platform            string          `json:"platform"`
	Status              string          `json:"status"`
	Priority            int             `json:"priority"`
	AssignedAdminID     string          `json:"assigned_admin_id,omitempty"`
	HumanHandling       bool            `json:"human_handling"`
	RAGEnabled          bool            `json:"rag_enabled"`
	EscalationReason    string          `json:"escalation_reason,omitempty"`
	EscalationTimestamp *time.Time      `json:"escalation_timestamp,omitempty"`
	LastMessageAt       time.Time       `json:"last_message_at"`
	CreatedAt           time.Time       `json:"created_at"`
	Metadata            models.Metadata `json:"metadata"`
	MessageCount        *int64          `json:"message_count,omitempty"`
	RequiresHumanCount  *int64          `json:"requires_human_count,omitempty"`
}

// MessageView is the JSON shape of a message.
type MessageView struct {
	ID              string          `json:"id"`
	ConversationID  string          `json:"conversation_id"`
	SenderType      string          `json:"sender_type"`
	Content         string          `json:"content"`
	RequiresHuman   bool            `json:"requires_human"`
	HumanReplied    bool            `json:"human_replied"`
	ConfidenceScore *float64        `json:"confidence_score,omitempty"`
	Metadata        models.Metadata `json:"metadata"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ActionView is the JSON shape of an audit record.
type ActionView struct {
	ID             uint      `json:"id"`
	ConversationID string    `json:"conversation_id"`
	AdminID        string    `json:"admin_id"`
	Action         string    `json:"action"`
	Reason         string    `json:"reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func conversationView(c models.Conversation) ConversationView {
	v := ConversationView{
		ID:                  c.ID,
		UserID:              c.UserID,
		Platform:            c.Platform,
		Status:              c.Status,
		Priority:            c.Priority,
		HumanHandling:       c.HumanHandling,
		RAGEnabled:          c.RAGEnabled,
		EscalationTimestamp: c.EscalationTimestamp,
		LastMessageAt:       c.LastMessageAt,
		CreatedAt:           c.CreatedAt,
		Metadata:            c.Meta(),
	}
	if c.AssignedAdminID != nil {
		v.AssignedAdminID = *c.AssignedAdminID
	}
	if c.EscalationReason != nil {
		v.EscalationReason = *c.EscalationReason
	}
	return v
}

func messageView(m models.Message) MessageView {
	return MessageView{
		ID:              m.ID,
		ConversationID:  m.ConversationID,
		SenderType:      m.SenderType,
		Content:         m.Content,
		RequiresHuman:   m.RequiresHuman,
		HumanReplied:    m.HumanReplied,
		ConfidenceScore: m.ConfidenceScore,
		Metadata:        m.Meta(),
		CreatedAt:       m.CreatedAt,
	}
}

func actionView(a models.AdminAction) ActionView {
	return ActionView{
		ID:             a.ID,
		ConversationID: a.ConversationID,
		AdminID:        a.AdminID,
		Action:         a.Action,
		Reason:         a.Reason,
		CreatedAt:      a.CreatedAt,
	}
}

// queryLimit reads ?limit=, falling back to the store default.
func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return 0, false
	}
	return n, true
}

// queryBool reads an optional boolean filter.
func queryBool(c *gin.Context, key string) (*bool, bool) {
	raw := c.Query(key)
	if raw == "" {
		return nil, true
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": key + " must be true or false"})
		return nil, false
	}
	return &b, true
}

func (h *handlers) health(c *gin.Context) {
	queue, err := h.store.EscalatedQueue(c.Request.Context(), 0)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"escalated":   len(queue),
		"subscribers": h.broker.Subscribers(),
		"time":        h.store.Now().UTC(),
	})
}

func (h *handlers) status(c *gin.Context) {
	ctx := c.Request.Context()
	conv, err := h.store.Get(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	count, err := h.store.MessageCount(ctx, conv.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	v := conversationView(conv)
	v.MessageCount = &count
	c.JSON(http.StatusOK, v)
}

func (h *handlers) messages(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := h.store.Get(ctx, c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	msgs, err := h.store.History(ctx, c.Param("id"), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]MessageView, len(msgs))
	for i, m := range msgs {
		out[i] = messageView(m)
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": c.Param("id"), "messages": out})
}

func (h *handlers) conversations(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	human, ok := queryBool(c, "human_handling")
	if !ok {
		return
	}
	rag, ok := queryBool(c, "rag_enabled")
	if !ok {
		return
	}
	convs, err := h.store.List(c.Request.Context(), store.Filter{
		Status:        c.Query("status"),
		HumanHandling: human,
		RAGEnabled:    rag,
		AdminID:       c.Query("admin_id"),
		Limit:         limit,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]ConversationView, len(convs))
	for i, conv := range convs {
		out[i] = conversationView(conv)
	}
	c.JSON(http.StatusOK, gin.H{"conversations": out})
}

func (h *handlers) escalated(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	queue, err := h.store.EscalatedQueue(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]ConversationView, len(queue))
	for i, e := range queue {
		v := conversationView(e.Conversation)
		v.MessageCount = &queue[i].MessageCount
		v.RequiresHumanCount = &queue[i].RequiresHumanCount
		out[i] = v
	}
	c.JSON(http.StatusOK, gin.H{"conversations": out})
}

func (h *handlers) actions(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	acts, err := h.store.Actions(c.Request.Context(), c.Query("conversation_id"), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]ActionView, len(acts))
	for i, a := range acts {
		out[i] = actionView(a)
	}
	c.JSON(http.StatusOK, gin.H{"actions": out})
}
