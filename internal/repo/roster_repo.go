package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-care-backend/internal/domain"
)

// GetRoster reads the singleton roster. A missing row yields empty lists.
func GetRoster(ctx context.Context, db *gorm.DB) (*domain.NotificationRoster, error) {
	var r domain.NotificationRoster
	err := db.WithContext(ctx).Where("id = ?", domain.RosterSingletonID).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &domain.NotificationRoster{
			ID:                   domain.RosterSingletonID,
			AdditionalRecipients: domain.EncodeList(nil),
			ExcludedAdminEmails:  domain.EncodeList(nil),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// SaveRoster upserts the singleton roster.
func SaveRoster(ctx context.Context, db *gorm.DB, additional, excluded []string) (*domain.NotificationRoster, error) {
	r := &domain.NotificationRoster{
		ID:                   domain.RosterSingletonID,
		AdditionalRecipients: domain.EncodeList(additional),
		ExcludedAdminEmails:  domain.EncodeList(excluded),
		UpdatedAt:            time.Now().UTC(),
	}
	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"additional_recipients", "excluded_admin_emails", "updated_at"}),
	}).Create(r).Error
	if err != nil {
		return nil, err
	}
	return r, nil
}
