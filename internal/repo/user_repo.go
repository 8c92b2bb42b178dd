// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the User model.
//
// Emails are stored lowercased; callers normalize before calling in. A unique
// index on users.email turns concurrent inserts of the same address into
// ErrDuplicate instead of a second row.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-care-backend/internal/domain"
)

// CreateUser inserts u, assigning an id and timestamps when missing.
// Returns ErrDuplicate when the email is already taken.
func CreateUser(ctx context.Context, db *gorm.DB, u *domain.User) error {
	now := time.Now().UTC()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Role == "" {
		u.Role = domain.RoleEmployee
	}
	u.CreatedAt, u.UpdatedAt = now, now
	if err := db.WithContext(ctx).Create(u).Error; err != nil {
		if IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetUser fetches a user by id.
func GetUser(ctx context.Context, db *gorm.DB, id string) (*domain.User, error) {
	var u domain.User
	if err := db.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByEmail fetches a user by (already normalized) email.
func GetUserByEmail(ctx context.Context, db *gorm.DB, email string) (*domain.User, error) {
	var u domain.User
	if err := db.WithContext(ctx).Where("email = ?", email).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsersPage returns users ordered by name, plus the total count.
func ListUsersPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.User, int64, error) {
	var total int64
	q := db.WithContext(ctx).Model(&domain.User{})
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []domain.User
	err := db.WithContext(ctx).
		Order("name ASC").Order("id ASC").
		Offset(offset).Limit(limit).
		Find(&out).Error
	return out, total, err
}

// ListAdmins returns every user with the admin role.
func ListAdmins(ctx context.Context, db *gorm.DB) ([]domain.User, error) {
	var out []domain.User
	err := db.WithContext(ctx).
		Where("role = ?", domain.RoleAdmin).
		Order("email ASC").
		Find(&out).Error
	return out, err
}

// AllEmails returns the set of every stored email. Used as the batch-start
// snapshot for bulk imports.
func AllEmails(ctx context.Context, db *gorm.DB) (map[string]struct{}, error) {
	var emails []string
	if err := db.WithContext(ctx).Model(&domain.User{}).Pluck("email", &emails).Error; err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(emails))
	for _, e := range emails {
		out[strings.ToLower(e)] = struct{}{}
	}
	return out, nil
}

// UserExists reports whether a user with id exists.
func UserExists(ctx context.Context, db *gorm.DB, id string) (bool, error) {
	_, err := GetUser(ctx, db, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// UpdateUser writes the given columns on user id and refreshes updated_at.
// Email is not updatable through this path.
func UpdateUser(ctx context.Context, db *gorm.DB, id string, fields map[string]any) (*domain.User, error) {
	delete(fields, "email")
	fields["updated_at"] = time.Now().UTC()
	res := db.WithContext(ctx).Model(&domain.User{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return GetUser(ctx, db, id)
}

// DeleteUser removes user id. Tickets keep their copy of the name and email.
func DeleteUser(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).Where("id = ?", id).Delete(&domain.User{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
