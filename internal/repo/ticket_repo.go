// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for tickets.
//
// Only status and admin_notes are ever written after creation.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-care-backend/internal/domain"
)

// CreateTicket inserts t with a fresh id, status open, and timestamps now.
// Returns ErrDuplicate if the conversation already owns a ticket.
func CreateTicket(ctx context.Context, db *gorm.DB, t *domain.Ticket) error {
	now := time.Now().UTC()
	t.ID = uuid.NewString()
	t.Status = domain.TicketOpen
	t.CreatedAt, t.UpdatedAt = now, now
	if err := db.WithContext(ctx).Create(t).Error; err != nil {
		if IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetTicket fetches a ticket by id.
func GetTicket(ctx context.Context, db *gorm.DB, id string) (*domain.Ticket, error) {
	var t domain.Ticket
	if err := db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTicketByConversation returns the ticket created for a conversation.
func GetTicketByConversation(ctx context.Context, db *gorm.DB, conversationID string) (*domain.Ticket, error) {
	var t domain.Ticket
	if err := db.WithContext(ctx).Where("conversation_id = ?", conversationID).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTicketMutable writes status and/or admin notes and always refreshes
// updated_at. Nil arguments leave the column unchanged. The write only applies
// while the stored status still equals fromStatus; otherwise it returns
// ErrVersionConflict, or ErrNotFound when the ticket does not exist.
func UpdateTicketMutable(ctx context.Context, db *gorm.DB, id, fromStatus string, status, adminNotes *string) (*domain.Ticket, error) {
	upd := map[string]any{"updated_at": time.Now().UTC()}
	if status != nil {
		upd["status"] = *status
	}
	if adminNotes != nil {
		upd["admin_notes"] = *adminNotes
	}
	res := db.WithContext(ctx).Model(&domain.Ticket{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(upd)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := GetTicket(ctx, db, id); err != nil {
			return nil, err
		}
		return nil, ErrVersionConflict
	}
	return GetTicket(ctx, db, id)
}

// TicketFilter narrows ListTicketsPage. Empty fields match everything.
type TicketFilter struct {
	UserID string
	Status string
}

func (f TicketFilter) apply(q *gorm.DB) *gorm.DB {
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	return q
}

// ListTicketsPage returns tickets newest first plus the total count.
func ListTicketsPage(ctx context.Context, db *gorm.DB, f TicketFilter, offset, limit int) ([]domain.Ticket, int64, error) {
	var total int64
	if err := f.apply(db.WithContext(ctx).Model(&domain.Ticket{})).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []domain.Ticket
	err := f.apply(db.WithContext(ctx).Model(&domain.Ticket{})).
		Order("created_at DESC").Order("id DESC").
		Offset(offset).Limit(limit).
		Find(&out).Error
	return out, total, err
}
