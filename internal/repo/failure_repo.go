package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-care-backend/internal/domain"
)

// CreateFailure stores a failed dispatch for later retry.
func CreateFailure(ctx context.Context, db *gorm.DB, f *domain.NotificationFailure) error {
	now := time.Now().UTC()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Attempts == 0 {
		f.Attempts = 1
	}
	f.CreatedAt, f.UpdatedAt = now, now
	return db.WithContext(ctx).Create(f).Error
}

// ListPendingFailures returns undelivered failures oldest first, skipping any
// that reached maxAttempts (0 disables the cap).
func ListPendingFailures(ctx context.Context, db *gorm.DB, maxAttempts, limit int) ([]domain.NotificationFailure, error) {
	q := db.WithContext(ctx).Where("delivered_at IS NULL")
	if maxAttempts > 0 {
		q = q.Where("attempts < ?", maxAttempts)
	}
	var out []domain.NotificationFailure
	err := q.Order("created_at ASC").Limit(limit).Find(&out).Error
	return out, err
}

// MarkFailureDelivered stamps delivered_at.
func MarkFailureDelivered(ctx context.Context, db *gorm.DB, id string) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Model(&domain.NotificationFailure{}).
		Where("id = ?", id).
		Updates(map[string]any{"delivered_at": now, "updated_at": now}).Error
}

// RecordFailureAttempt increments attempts and stores the latest error.
func RecordFailureAttempt(ctx context.Context, db *gorm.DB, id, lastErr string) error {
	return db.WithContext(ctx).Model(&domain.NotificationFailure{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": lastErr,
			"updated_at": time.Now().UTC(),
		}).Error
}
