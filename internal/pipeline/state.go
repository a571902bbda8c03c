package pipeline

import (
	"time"

	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/retrieval"
)

// Inbound is a validated message from a platform.
type Inbound struct {
	UserID      string
	Platform    string
	Text        string
	Attachments []models.Attachment
	ReceivedAt  time.Time
}

// State is threaded through the stages of one pipeline run. Stages write
// their own fields and add metadata through Contribute; none of them clears
// Metadata.
type State struct {
	Inbound      Inbound
	Conversation models.Conversation
	History      []models.Message
	Content      string

	Language string
	Pattern  PatternResult
	Intent   IntentResult
	Decision Decision
	Context  []retrieval.Snippet
	Response GenerateResult

	Metadata      models.Metadata
	RequiresHuman bool
	Reason        string
}

func newState(in Inbound, conv models.Conversation, history []models.Message) *State {
	s := &State{
		Inbound:      in,
		Conversation: conv,
		History:      history,
		Content:      in.Text,
	}
	// Ingress namespace, seeded before any stage runs.
	s.Contribute(models.Metadata{Attachments: in.Attachments})
	if s.Content == "" {
		s.Content = s.Metadata.AttachmentText()
	}
	return s
}

// Contribute merges m into the accumulated metadata.
func (s *State) Contribute(m models.Metadata) {
	s.Metadata = s.Metadata.Merge(m)
}

// RaiseHuman flags the message as needing a human. The first reason wins.
func (s *State) RaiseHuman(reason string) {
	if !s.RequiresHuman {
		s.Reason = reason
	}
	s.RequiresHuman = true
}
