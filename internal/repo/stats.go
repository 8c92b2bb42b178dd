// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries used for
// conditional responses (ETag generation) in the HTTP layer.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-care-backend/internal/domain"
)

// TicketsStats returns the number of tickets visible under f and the latest
// updated_at among them. maxUpdatedAt is nil when there are none.
func TicketsStats(ctx context.Context, db *gorm.DB, f TicketFilter) (count int64, maxUpdatedAt *time.Time, err error) {
	q := f.apply(db.WithContext(ctx).Model(&domain.Ticket{}))
	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}
	// avoid MAX() -> TEXT in SQLite
	var row struct {
		UpdatedAt time.Time
	}
	if err = f.apply(db.WithContext(ctx).Model(&domain.Ticket{})).
		Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}

// HistoryStats returns the number of turns across a user's conversations and
// the latest turn timestamp.
func HistoryStats(ctx context.Context, db *gorm.DB, userID string) (count int64, latest *time.Time, err error) {
	q := func() *gorm.DB {
		return db.WithContext(ctx).Model(&domain.ConversationTurn{}).
			Joins("JOIN conversations ON conversations.id = conversation_turns.conversation_id").
			Where("conversations.user_id = ?", userID)
	}
	if err = q().Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}
	var row struct {
		Timestamp time.Time
	}
	if err = q().Select("conversation_turns.timestamp").
		Order("conversation_turns.timestamp DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.Timestamp, nil
}
