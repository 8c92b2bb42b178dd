package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-care-backend/internal/domain"
)

// ListEmailTemplates returns every stored template ordered by name.
func ListEmailTemplates(ctx context.Context, db *gorm.DB) ([]domain.EmailTemplate, error) {
	var out []domain.EmailTemplate
	err := db.WithContext(ctx).Order("name ASC").Find(&out).Error
	return out, err
}

// GetActiveEmailTemplate fetches the active template stored under name.
func GetActiveEmailTemplate(ctx context.Context, db *gorm.DB, name string) (*domain.EmailTemplate, error) {
	var t domain.EmailTemplate
	err := db.WithContext(ctx).Where("name = ? AND active = ?", name, true).First(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SaveEmailTemplate inserts t or, when a template with the same name exists,
// replaces its content and recipients in place. It reports whether a new row
// was created and returns the stored row.
func SaveEmailTemplate(ctx context.Context, db *gorm.DB, t *domain.EmailTemplate) (*domain.EmailTemplate, bool, error) {
	var stored domain.EmailTemplate
	created := false
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&domain.EmailTemplate{}).Where("name = ?", t.Name).Count(&n).Error; err != nil {
			return err
		}
		created = n == 0

		now := time.Now().UTC()
		row := *t
		if row.ID == "" {
			row.ID = uuid.NewString()
		}
		row.CreatedAt, row.UpdatedAt = now, now
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"subject", "body", "to_recipients", "cc_recipients", "bcc_recipients", "active", "updated_at",
			}),
		}).Create(&row).Error
		if err != nil {
			return err
		}
		return tx.Where("name = ?", t.Name).First(&stored).Error
	})
	if err != nil {
		return nil, false, err
	}
	return &stored, created, nil
}

// DeleteEmailTemplate removes a template by id.
func DeleteEmailTemplate(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).Where("id = ?", id).Delete(&domain.EmailTemplate{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
