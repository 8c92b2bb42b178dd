// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides append-only storage for conversation
// turns. Turns are never updated; ordering within a conversation follows Seq,
// which is assigned from the current maximum at append time. Callers hold the
// conversation's write lock, so Seq values never collide.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-care-backend/internal/domain"
)

// NewTurn describes a turn to append.
type NewTurn struct {
	Sender         string
	Text           string
	LinkedTicketID *string
}

// AppendTurns inserts turns in order. Pass a transaction handle to make the
// append atomic with other writes.
func AppendTurns(ctx context.Context, db *gorm.DB, conversationID string, turns ...NewTurn) ([]domain.ConversationTurn, error) {
	var maxSeq int64
	if err := db.WithContext(ctx).
		Model(&domain.ConversationTurn{}).
		Where("conversation_id = ?", conversationID).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&maxSeq).Error; err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out := make([]domain.ConversationTurn, 0, len(turns))
	for i, t := range turns {
		out = append(out, domain.ConversationTurn{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			Sender:         t.Sender,
			Text:           t.Text,
			Timestamp:      now,
			Seq:            maxSeq + int64(i) + 1,
			LinkedTicketID: t.LinkedTicketID,
		})
	}
	if len(out) == 0 {
		return out, nil
	}
	if err := db.WithContext(ctx).Create(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// GetTurn fetches a single turn by id.
func GetTurn(ctx context.Context, db *gorm.DB, id string) (*domain.ConversationTurn, error) {
	var t domain.ConversationTurn
	if err := db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTurns returns the turns of one conversation oldest first.
func ListTurns(ctx context.Context, db *gorm.DB, conversationID string) ([]domain.ConversationTurn, error) {
	var out []domain.ConversationTurn
	err := db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq ASC").
		Find(&out).Error
	return out, err
}

// ListUserTurns returns every turn across a user's conversations, oldest first.
func ListUserTurns(ctx context.Context, db *gorm.DB, userID string) ([]domain.ConversationTurn, error) {
	var out []domain.ConversationTurn
	err := db.WithContext(ctx).
		Joins("JOIN conversations ON conversations.id = conversation_turns.conversation_id").
		Where("conversations.user_id = ?", userID).
		Order("conversation_turns.timestamp ASC").
		Order("conversation_turns.conversation_id ASC").
		Order("conversation_turns.seq ASC").
		Find(&out).Error
	return out, err
}
