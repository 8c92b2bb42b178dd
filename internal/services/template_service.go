package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-care-backend/internal/domain"
	"github.com/tbourn/go-care-backend/internal/repo"
)

// EmailTemplateInput creates or replaces the template stored under Name.
// IsActive defaults to true.
type EmailTemplateInput struct {
	Name     string   `json:"template_name" binding:"required" example:"ticket_created"`
	Subject  string   `json:"subject"       binding:"required" example:"New support ticket"`
	Body     string   `json:"body"          binding:"required"`
	To       []string `json:"to"            example:"hr-oncall@example.com"`
	Cc       []string `json:"cc"`
	Bcc      []string `json:"bcc"`
	IsActive *bool    `json:"is_active,omitempty"`
}

// TemplateService manages the stored email templates the notifier prefers
// over its built-in text.
type TemplateService struct {
	DB *gorm.DB
	// Check rejects subject/body sources that would fail to render. Nil
	// skips the check.
	Check func(subject, body string) error
}

// List returns every stored template ordered by name.
func (s *TemplateService) List(ctx context.Context) ([]domain.EmailTemplate, error) {
	out, err := repo.ListEmailTemplates(ctx, s.DB)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []domain.EmailTemplate{}
	}
	return out, nil
}

// Save validates in and upserts it by name. It reports whether a new
// template was created.
func (s *TemplateService) Save(ctx context.Context, in EmailTemplateInput) (*domain.EmailTemplate, bool, error) {
	tr := otel.Tracer("services/TemplateService")
	ctx, span := tr.Start(ctx, "Save", trace.WithAttributes(attribute.String("template.name", in.Name)))
	defer span.End()

	name := strings.ToLower(strings.TrimSpace(in.Name))
	if !slices.Contains(domain.TemplateNames(), name) {
		return nil, false, fmt.Errorf("%w: template_name must be one of %s", ErrValidation, strings.Join(domain.TemplateNames(), ", "))
	}
	if strings.TrimSpace(in.Subject) == "" || strings.TrimSpace(in.Body) == "" {
		return nil, false, ErrMissingField
	}
	if s.Check != nil {
		if err := s.Check(in.Subject, in.Body); err != nil {
			return nil, false, fmt.Errorf("%w: template does not render: %v", ErrValidation, err)
		}
	}
	to, err := emailSet(in.To)
	if err != nil {
		return nil, false, err
	}
	cc, err := emailSet(in.Cc)
	if err != nil {
		return nil, false, err
	}
	bcc, err := emailSet(in.Bcc)
	if err != nil {
		return nil, false, err
	}
	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}

	return repo.SaveEmailTemplate(ctx, s.DB, &domain.EmailTemplate{
		Name:    name,
		Subject: in.Subject,
		Body:    in.Body,
		To:      domain.EncodeList(to),
		Cc:      domain.EncodeList(cc),
		Bcc:     domain.EncodeList(bcc),
		Active:  active,
	})
}

// Delete removes a template; the notifier falls back to the built-in text.
func (s *TemplateService) Delete(ctx context.Context, id string) error {
	err := repo.DeleteEmailTemplate(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrTemplateNotFound
	}
	return err
}
