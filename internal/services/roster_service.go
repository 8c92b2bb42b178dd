package services

import (
	"context"
	"fmt"
	"net/mail"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-care-backend/internal/domain"
	"github.com/tbourn/go-care-backend/internal/repo"
)

// RosterService reads and replaces the notification roster.
type RosterService struct {
	DB *gorm.DB
}

// Get returns the current roster. A deployment without one gets empty lists.
func (s *RosterService) Get(ctx context.Context) (*domain.NotificationRoster, error) {
	return repo.GetRoster(ctx, s.DB)
}

// Update replaces both lists. Addresses are validated, lowercased, and
// deduplicated; any invalid address rejects the whole update.
func (s *RosterService) Update(ctx context.Context, additional, excluded []string) (*domain.NotificationRoster, error) {
	tr := otel.Tracer("services/RosterService")
	ctx, span := tr.Start(ctx, "Update",
		trace.WithAttributes(
			attribute.Int("roster.additional", len(additional)),
			attribute.Int("roster.excluded", len(excluded)),
		),
	)
	defer span.End()

	add, err := emailSet(additional)
	if err != nil {
		return nil, err
	}
	exc, err := emailSet(excluded)
	if err != nil {
		return nil, err
	}
	return repo.SaveRoster(ctx, s.DB, add, exc)
}

func emailSet(in []string) ([]string, error) {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		e := normalizeEmail(raw)
		if e == "" {
			continue
		}
		if !validEmail(e) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidEmail, raw)
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	sort.Strings(out)
	return out, nil
}

// validEmail accepts a bare address only, not "Name <addr>".
func validEmail(e string) bool {
	a, err := mail.ParseAddress(e)
	return err == nil && a.Address == e
}
