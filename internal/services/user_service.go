package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-care-backend/internal/auth"
	"github.com/tbourn/go-care-backend/internal/domain"
	"github.com/tbourn/go-care-backend/internal/repo"
)

// generatedPasswordLength is used whenever a password must be created for
// the user.
const generatedPasswordLength = 16

// UserService manages user accounts and credential checks.
type UserService struct {
	DB         *gorm.DB
	BcryptCost int
}

// NewUser is the input for Create. Password is optional.
type NewUser struct {
	Name             string `json:"name"              binding:"required" example:"Asha Rao"`
	Email            string `json:"email"             binding:"required" example:"asha.rao@example.com"`
	Password         string `json:"password,omitempty"`
	Role             string `json:"role,omitempty"    example:"employee"`
	Designation      string `json:"designation,omitempty"`
	BusinessUnit     string `json:"business_unit,omitempty"`
	ReportingManager string `json:"reporting_manager,omitempty"`
}

// Create stores a user. When in.Password is empty a random password is
// generated and returned; otherwise the returned password is empty.
func (s *UserService) Create(ctx context.Context, in NewUser) (*domain.User, string, error) {
	tr := otel.Tracer("services/UserService")
	ctx, span := tr.Start(ctx, "Create", trace.WithAttributes(attribute.String("user.role", in.Role)))
	defer span.End()

	in, err := normalizeNewUser(in)
	if err != nil {
		return nil, "", err
	}
	u, generated, err := s.store(ctx, in)
	if err != nil {
		return nil, "", err
	}
	span.SetAttributes(attribute.String("user.id", u.ID))
	return u, generated, nil
}

// store hashes the password (generating one if needed) and inserts the user.
func (s *UserService) store(ctx context.Context, in NewUser) (*domain.User, string, error) {
	password, generated := in.Password, ""
	if password == "" {
		var err error
		if password, err = auth.GeneratePassword(generatedPasswordLength); err != nil {
			return nil, "", err
		}
		generated = password
	}
	hash, err := auth.HashPassword(password, s.cost())
	if err != nil {
		return nil, "", err
	}
	u := &domain.User{
		Name:             in.Name,
		Email:            in.Email,
		PasswordHash:     hash,
		Role:             in.Role,
		Designation:      in.Designation,
		BusinessUnit:     in.BusinessUnit,
		ReportingManager: in.ReportingManager,
	}
	if err := repo.CreateUser(ctx, s.DB, u); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return nil, "", ErrDuplicateEmail
		}
		return nil, "", err
	}
	return u, generated, nil
}

// Get returns a user by id.
func (s *UserService) Get(ctx context.Context, id string) (*domain.User, error) {
	u, err := repo.GetUser(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	return u, err
}

// List returns a page of users ordered by name.
func (s *UserService) List(ctx context.Context, page, pageSize int) ([]domain.User, int64, error) {
	offset, limit := pageBounds(page, pageSize)
	users, total, err := repo.ListUsersPage(ctx, s.DB, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	if users == nil {
		users = []domain.User{}
	}
	return users, total, nil
}

// UserUpdate is a partial update of an account. Nil fields stay unchanged;
// the email cannot be changed.
type UserUpdate struct {
	Name             *string `json:"name,omitempty"              example:"Asha Rao"`
	Role             *string `json:"role,omitempty"              example:"admin"`
	Designation      *string `json:"designation,omitempty"`
	BusinessUnit     *string `json:"business_unit,omitempty"`
	ReportingManager *string `json:"reporting_manager,omitempty"`
	Password         *string `json:"password,omitempty"`
}

// Update applies upd to user id. A new password is hashed; an empty one is
// ignored.
func (s *UserService) Update(ctx context.Context, id string, upd UserUpdate) (*domain.User, error) {
	tr := otel.Tracer("services/UserService")
	ctx, span := tr.Start(ctx, "Update", trace.WithAttributes(attribute.String("user.id", id)))
	defer span.End()

	fields := map[string]any{}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, ErrMissingField
		}
		fields["name"] = name
	}
	if upd.Role != nil {
		role := strings.ToLower(strings.TrimSpace(*upd.Role))
		if role != domain.RoleEmployee && role != domain.RoleAdmin {
			return nil, ErrInvalidRole
		}
		fields["role"] = role
	}
	for col, v := range map[string]*string{
		"designation":       upd.Designation,
		"business_unit":     upd.BusinessUnit,
		"reporting_manager": upd.ReportingManager,
	} {
		if v != nil {
			fields[col] = strings.TrimSpace(*v)
		}
	}
	if upd.Password != nil && *upd.Password != "" {
		if len(*upd.Password) < auth.MinPasswordLength {
			return nil, ErrWeakPassword
		}
		hash, err := auth.HashPassword(*upd.Password, s.cost())
		if err != nil {
			return nil, err
		}
		fields["password_hash"] = hash
	}

	u, err := repo.UpdateUser(ctx, s.DB, id, fields)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	return u, err
}

// Delete removes user id on behalf of actorID. An administrator cannot
// delete their own account. Tickets raised by the user are kept.
func (s *UserService) Delete(ctx context.Context, actorID, id string) error {
	tr := otel.Tracer("services/UserService")
	ctx, span := tr.Start(ctx, "Delete", trace.WithAttributes(attribute.String("user.id", id)))
	defer span.End()

	if actorID == id {
		return fmt.Errorf("%w: cannot delete your own account", ErrInvalidState)
	}
	err := repo.DeleteUser(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrUserNotFound
	}
	return err
}

// Authenticate checks an email/password pair. Unknown emails and wrong
// passwords both yield ErrInvalidCredentials.
func (s *UserService) Authenticate(ctx context.Context, email, password string) (*domain.User, error) {
	tr := otel.Tracer("services/UserService")
	ctx, span := tr.Start(ctx, "Authenticate")
	defer span.End()

	u, err := repo.GetUserByEmail(ctx, s.DB, normalizeEmail(email))
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := auth.ComparePassword(u.PasswordHash, password); err != nil {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

func (s *UserService) cost() int {
	if s.BcryptCost == 0 {
		return 12
	}
	return s.BcryptCost
}

// normalizeNewUser trims fields, lowercases the email, defaults the role,
// and validates the result.
func normalizeNewUser(in NewUser) (NewUser, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = normalizeEmail(in.Email)
	in.Role = strings.ToLower(strings.TrimSpace(in.Role))
	in.Designation = strings.TrimSpace(in.Designation)
	in.BusinessUnit = strings.TrimSpace(in.BusinessUnit)
	in.ReportingManager = strings.TrimSpace(in.ReportingManager)

	if in.Name == "" || in.Email == "" {
		return in, ErrMissingField
	}
	if !validEmail(in.Email) {
		return in, ErrInvalidEmail
	}
	if in.Role == "" {
		in.Role = domain.RoleEmployee
	}
	if in.Role != domain.RoleEmployee && in.Role != domain.RoleAdmin {
		return in, ErrInvalidRole
	}
	if in.Password != "" && len(in.Password) < auth.MinPasswordLength {
		return in, ErrWeakPassword
	}
	return in, nil
}
