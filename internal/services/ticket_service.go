// Package services – TicketService
//
// TicketService is the ticket lifecycle manager. Tickets are created by the
// resolution resolver only; afterwards status and admin notes are the only
// writable fields. Every committed write publishes a domain.TicketEvent so
// notification runs after, and independently of, persistence.

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-care-backend/internal/classifier"
	"github.com/tbourn/go-care-backend/internal/domain"
	"github.com/tbourn/go-care-backend/internal/observability"
	"github.com/tbourn/go-care-backend/internal/repo"
)

// EventPublisher receives ticket events after the write has committed.
// Errors are logged and never undo the write.
type EventPublisher interface {
	Publish(ctx context.Context, ev domain.TicketEvent) error
}

// TicketService manages tickets.
type TicketService struct {
	DB     *gorm.DB
	Events EventPublisher
}

// NewTicket carries the descriptive fields of a ticket. They are immutable
// once stored.
type NewTicket struct {
	UserID         string
	UserName       string
	UserEmail      string
	ConversationID *string
	Category       string
	Severity       string
	Summary        string
	Description    string
}

// TicketUpdate is a partial update. Nil fields stay unchanged.
type TicketUpdate struct {
	Status     *string `json:"status,omitempty"      example:"in_progress"`
	AdminNotes *string `json:"admin_notes,omitempty" example:"Called the employee, follow-up on Friday"`
}

// insert validates and stores a ticket using db, which may be a transaction.
// The caller publishes the creation event after commit.
func (s *TicketService) insert(ctx context.Context, db *gorm.DB, in NewTicket) (*domain.Ticket, error) {
	tr := otel.Tracer("services/TicketService")
	ctx, span := tr.Start(ctx, "Create",
		trace.WithAttributes(
			attribute.String("user.id", in.UserID),
			attribute.String("ticket.category", in.Category),
			attribute.String("ticket.severity", in.Severity),
		),
	)
	defer span.End()

	if strings.TrimSpace(in.UserID) == "" || strings.TrimSpace(in.Summary) == "" {
		return nil, ErrMissingField
	}
	if !classifier.ValidCategory(in.Category) {
		return nil, fmt.Errorf("%w: unknown category %q", ErrValidation, in.Category)
	}
	if !classifier.ValidSeverity(in.Severity) {
		return nil, fmt.Errorf("%w: unknown severity %q", ErrValidation, in.Severity)
	}

	t := &domain.Ticket{
		UserID:         in.UserID,
		UserName:       in.UserName,
		UserEmail:      strings.ToLower(strings.TrimSpace(in.UserEmail)),
		ConversationID: in.ConversationID,
		Category:       in.Category,
		Severity:       in.Severity,
		Summary:        in.Summary,
		Description:    in.Description,
	}
	if err := repo.CreateTicket(ctx, db, t); err != nil {
		span.RecordError(err)
		return nil, err
	}
	observability.TicketsCreatedTotal.WithLabelValues(t.Category, t.Severity).Inc()
	span.SetAttributes(attribute.String("ticket.id", t.ID))
	return t, nil
}

// Get returns a ticket by id.
func (s *TicketService) Get(ctx context.Context, id string) (*domain.Ticket, error) {
	t, err := repo.GetTicket(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrTicketNotFound
	}
	return t, err
}

// updateAttempts bounds the re-reads when concurrent writers keep changing
// the status underneath an update.
const updateAttempts = 5

// Update applies a partial update. Any status may follow any other,
// including open -> resolved and resolved -> open. updated_at is always
// refreshed, even for a notes-only update. A status change publishes
// EventTicketUpdated; notes alone do not.
//
// The write is conditional on the status read just before it, so of two
// concurrent updates each status transition is observed, and published,
// exactly once.
func (s *TicketService) Update(ctx context.Context, id string, upd TicketUpdate) (*domain.Ticket, error) {
	tr := otel.Tracer("services/TicketService")
	ctx, span := tr.Start(ctx, "Update", trace.WithAttributes(attribute.String("ticket.id", id)))
	defer span.End()

	if upd.Status != nil && !validTicketStatus(*upd.Status) {
		return nil, ErrInvalidStatus
	}
	return s.apply(ctx, id, upd, nil)
}

// Reopen moves a resolved ticket back to open. Tickets in any other status
// are rejected with ErrInvalidState, including one that another caller
// reopened first.
func (s *TicketService) Reopen(ctx context.Context, id string) (*domain.Ticket, error) {
	tr := otel.Tracer("services/TicketService")
	ctx, span := tr.Start(ctx, "Reopen", trace.WithAttributes(attribute.String("ticket.id", id)))
	defer span.End()

	open := domain.TicketOpen
	return s.apply(ctx, id, TicketUpdate{Status: &open}, func(t *domain.Ticket) error {
		if t.Status != domain.TicketResolved {
			return fmt.Errorf("%w: ticket is %s", ErrInvalidState, t.Status)
		}
		return nil
	})
}

// apply reads the ticket, checks guard against it, and writes upd only if
// the status is still the one read. A lost race re-reads and tries again.
func (s *TicketService) apply(ctx context.Context, id string, upd TicketUpdate, guard func(*domain.Ticket) error) (*domain.Ticket, error) {
	for attempt := 0; attempt < updateAttempts; attempt++ {
		before, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if guard != nil {
			if err := guard(before); err != nil {
				return nil, err
			}
		}

		after, err := repo.UpdateTicketMutable(ctx, s.DB, id, before.Status, upd.Status, upd.AdminNotes)
		switch {
		case errors.Is(err, repo.ErrVersionConflict):
			continue
		case errors.Is(err, repo.ErrNotFound):
			return nil, ErrTicketNotFound
		case err != nil:
			return nil, err
		}

		observability.TicketUpdatesTotal.WithLabelValues(after.Status).Inc()
		if after.Status != before.Status {
			trace.SpanFromContext(ctx).SetAttributes(attribute.String("ticket.status", after.Status))
			s.publish(ctx, domain.TicketEvent{
				Name:           domain.EventTicketUpdated,
				Ticket:         *after,
				PreviousStatus: before.Status,
			})
		}
		return after, nil
	}
	return nil, ErrConcurrentModification
}

// List returns a page of tickets matching f. The manager does not scope by
// identity; callers pass UserID for employees.
func (s *TicketService) List(ctx context.Context, f repo.TicketFilter, page, pageSize int) ([]domain.Ticket, int64, error) {
	tr := otel.Tracer("services/TicketService")
	ctx, span := tr.Start(ctx, "List",
		trace.WithAttributes(
			attribute.String("filter.user_id", f.UserID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if f.Status != "" && !validTicketStatus(f.Status) {
		return nil, 0, ErrInvalidStatus
	}
	offset, limit := pageBounds(page, pageSize)
	items, total, err := repo.ListTicketsPage(ctx, s.DB, f, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	if items == nil {
		items = []domain.Ticket{}
	}
	return items, total, nil
}

func (s *TicketService) publish(ctx context.Context, ev domain.TicketEvent) {
	if s.Events == nil {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if err := s.Events.Publish(ctx, ev); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).
			Str("code", "DispatchFailure").
			Str("ticket_id", ev.Ticket.ID).
			Str("event", ev.Name).
			Msg("ticket event not delivered")
	}
}

func validTicketStatus(s string) bool {
	switch s {
	case domain.TicketOpen, domain.TicketInProgress, domain.TicketResolved:
		return true
	}
	return false
}
