// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for conversations.
//
// State writes go through UpdateConversation, which only succeeds when the
// caller's version still matches the stored one. A lost race surfaces as
// ErrVersionConflict and leaves the row untouched.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-care-backend/internal/domain"
)

// CreateConversation inserts a new conversation in the active state.
func CreateConversation(ctx context.Context, db *gorm.DB, userID, initialConcern string) (*domain.Conversation, error) {
	now := time.Now().UTC()
	c := &domain.Conversation{
		ID:                    uuid.NewString(),
		UserID:                userID,
		State:                 domain.StateActive,
		InitialConcernSummary: initialConcern,
		ResolutionStatus:      domain.ResolutionPending,
		Category:              domain.CategoryRequest,
		Severity:              domain.SeverityMedium,
		Version:               1,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

// GetConversation fetches a conversation by id.
func GetConversation(ctx context.Context, db *gorm.DB, id string) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// LatestOpenConversation returns the most recently updated non-terminal
// conversation of a user, or ErrNotFound.
func LatestOpenConversation(ctx context.Context, db *gorm.DB, userID string) (*domain.Conversation, error) {
	var c domain.Conversation
	err := db.WithContext(ctx).
		Where("user_id = ? AND state IN ?", userID, []string{domain.StateActive, domain.StateAwaitingChoice}).
		Order("updated_at DESC").Order("id DESC").
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateConversation applies fields to c when c.Version still matches the
// stored row, bumps the version, and refreshes updated_at. On success c is
// updated in place.
func UpdateConversation(ctx context.Context, db *gorm.DB, c *domain.Conversation, fields map[string]any) error {
	now := time.Now().UTC()
	upd := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		upd[k] = v
	}
	upd["version"] = c.Version + 1
	upd["updated_at"] = now

	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ? AND version = ?", c.ID, c.Version).
		Updates(upd)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}

	c.Version++
	c.UpdatedAt = now
	return db.WithContext(ctx).Where("id = ?", c.ID).First(c).Error
}

// ConversationRow is a conversation joined with its owner's name and email
// for administrative listings.
type ConversationRow struct {
	domain.Conversation
	UserName  string `json:"user_name"`
	UserEmail string `json:"user_email"`
}

// ListConversationsPage returns conversations newest first with owner details.
// When reviewed is non-nil, results are filtered on admin_reviewed.
func ListConversationsPage(ctx context.Context, db *gorm.DB, reviewed *bool, offset, limit int) ([]ConversationRow, int64, error) {
	filter := func(q *gorm.DB) *gorm.DB {
		if reviewed != nil {
			return q.Where("conversations.admin_reviewed = ?", *reviewed)
		}
		return q
	}
	var total int64
	if err := filter(db.WithContext(ctx).Model(&domain.Conversation{})).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var rows []ConversationRow
	err := filter(db.WithContext(ctx).Model(&domain.Conversation{})).
		Select("conversations.*, users.name AS user_name, users.email AS user_email").
		Joins("LEFT JOIN users ON users.id = conversations.user_id").
		Order("conversations.created_at DESC").Order("conversations.id DESC").
		Offset(offset).Limit(limit).
		Scan(&rows).Error
	return rows, total, err
}

// MarkConversationReviewed sets admin_reviewed. It reports false without
// error when the flag was already set.
func MarkConversationReviewed(ctx context.Context, db *gorm.DB, id string) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ? AND admin_reviewed = ?", id, false).
		Updates(map[string]any{"admin_reviewed": true, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	if _, err := GetConversation(ctx, db, id); err != nil {
		return false, err
	}
	return false, nil
}
