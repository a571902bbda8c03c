package models

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/datatypes"
)

// Message sender types.
const (
	SenderUser  = "user"
	SenderBot   = "bot"
	SenderHuman = "human"
)

// Message is one append-only entry in a conversation. Content is the
// human-readable text and is never rewritten from attachment data.
type Message struct {
	ID              string `gorm:"primaryKey;size:26"`
	ConversationID  string `gorm:"size:36;not null;index"`
	SenderType      string `gorm:"size:8;not null"`
	Content         string `gorm:"type:text;not null"`
	RequiresHuman   bool   `gorm:"not null;index"`
	HumanReplied    bool   `gorm:"not null"`
	ConfidenceScore *float64
	Metadata        datatypes.JSONType[Metadata]
	CreatedAt       time.Time `gorm:"index"`
}

// Meta returns the decoded message metadata.
func (m *Message) Meta() Metadata {
	return m.Metadata.Data()
}

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewMessageID returns a time-sortable ULID string.
func NewMessageID(now time.Time) string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), idEntropy).String()
}

// NewMessage builds a message with a fresh ID and the given metadata.
func NewMessage(conversationID, sender, content string, meta Metadata, now time.Time) Message {
	return Message{
		ID:             NewMessageID(now),
		ConversationID: conversationID,
		SenderType:     sender,
		Content:        content,
		Metadata:       datatypes.NewJSONType(meta),
		CreatedAt:      now,
	}
}
