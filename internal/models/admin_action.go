package models

import "time"

// AdminAction is the audit record appended for every operator action.
type AdminAction struct {
	ID             uint      `gorm:"primaryKey;autoIncrement"`
	ConversationID string    `gorm:"size:36;not null;index"`
	AdminID        string    `gorm:"size:64;not null;index"`
	Action         string    `gorm:"size:32;not null"`
	Reason         string    `gorm:"size:512"`
	CreatedAt      time.Time `gorm:"index"`
}
