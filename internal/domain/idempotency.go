package domain

import "time"

// Idempotency records the outcome of a previously processed chat submission,
// keyed by (user_id, scope, key). Scope is the conversation id named in the
// request, or "new" when the client let the server pick the conversation.
// A replay returns the recorded assistant turn without calling the
// classifier again.
type Idempotency struct {
	ID             string    `gorm:"type:varchar(36);primaryKey"`
	UserID         string    `gorm:"type:varchar(36);not null;uniqueIndex:ux_user_scope_key,priority:1"`
	Scope          string    `gorm:"type:varchar(36);not null;uniqueIndex:ux_user_scope_key,priority:2"`
	Key            string    `gorm:"type:varchar(255);not null;uniqueIndex:ux_user_scope_key,priority:3"`
	ConversationID string    `gorm:"type:varchar(36);not null"`
	TurnID         string    `gorm:"type:varchar(36);not null"`
	RequiresChoice bool      `gorm:"not null;default:false"`
	CreatedAt      time.Time `gorm:"not null;autoCreateTime"`
	ExpiresAt      time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
