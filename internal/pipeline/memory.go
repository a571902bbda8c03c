package pipeline

import (
	"time"

	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/store"
)

// Escalation reasons.
const (
	ReasonUserRequest    = "user_request"
	ReasonSemantic       = "semantic_detection"
	ReasonAwaitingHuman  = "awaiting_human"
	ReasonDeliveryFailed = "delivery_failed"
)

// Merge folds a finished pipeline state into conv. It returns the updated
// conversation and the messages to append: the inbound user message and,
// when the reply is delivered, the bot message. The returned conversation
// carries the escalation transition when the state raised requires_human.
func Merge(s *State, conv models.Conversation, now time.Time) (models.Conversation, []models.Message) {
	next := conv

	// A message on a closed or resolved conversation reopens it.
	if next.Status == models.StatusClosed || next.Status == models.StatusResolved {
		next.Status = models.StatusActive
	}

	var confidence *float64
	if s.Intent.Intent != "" {
		c := s.Intent.Confidence
		confidence = &c
	}

	user := models.NewMessage(conv.ID, models.SenderUser, s.Content, s.Metadata, s.Inbound.ReceivedAt)
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.RequiresHuman = s.RequiresHuman
	user.ConfidenceScore = confidence
	msgs := []models.Message{user}

	if s.Response.Text != "" && !s.Response.IsSuggestion && s.Decision.Deliver {
		bot := models.NewMessage(conv.ID, models.SenderBot, s.Response.Text, models.Metadata{
			Response: &models.ResponseInfo{
				Source:    s.Response.Source,
				Action:    string(s.Decision.Action),
				SourceIDs: s.Response.SourceIDs,
			},
		}, now)
		bot.ConfidenceScore = confidence
		msgs = append(msgs, bot)
	}

	next.SetMeta(next.Meta().Merge(models.Metadata{
		Language:   s.Metadata.Language,
		Intent:     s.Metadata.Intent,
		Escalation: s.Metadata.Escalation,
	}))
	next.LastMessageAt = now

	if s.RequiresHuman && !next.IsEscalated() {
		next.Escalate(s.Reason, now)
	}
	return next, msgs
}

// commitChange is the store mutation for Merge. It runs inside store.Mutate
// so a version conflict re-reads the conversation and merges again.
func commitChange(s *State, now time.Time, escalated *bool, messageID *string) func(c *models.Conversation) (store.Change, error) {
	return func(c *models.Conversation) (store.Change, error) {
		wasEscalated := c.IsEscalated()
		next, msgs := Merge(s, *c, now)
		*c = next
		*escalated = !wasEscalated && next.IsEscalated()
		*messageID = msgs[0].ID
		return store.Change{Messages: msgs}, nil
	}
}
