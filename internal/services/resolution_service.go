// Package services – ResolutionService
//
// ResolutionService applies the user's resolution choice. It is the single
// place where conversation data becomes a ticket. A conversation that has
// already reached a terminal state answers with its recorded outcome, so a
// replayed "Still need help" can never create a second ticket.

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

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

// Resolution choices.
const (
	ChoiceHelpful  = "helpful"
	ChoiceNeedHelp = "need_help"
)

const (
	helpfulMessage = "Great! I'm glad I could help resolve your concern. " +
		"Feel free to reach out anytime if you need further assistance."
	escalatedMessageFormat = "I understand this needs more attention. I've created a support ticket for you " +
		"and notified our admin team. You should receive follow-up within 24 hours. Your ticket ID is: %s"

	summaryMaxRunes = 80
)

// ResolutionService turns resolution choices into terminal states.
type ResolutionService struct {
	DB      *gorm.DB
	Tickets *TicketService
}

// ResolveResult reports the outcome of a resolution choice. Replayed is set
// when the conversation was already terminal and nothing changed.
type ResolveResult struct {
	ConversationID string `json:"conversation_id"`
	State          string `json:"state"`
	Message        string `json:"message"`
	TicketCreated  bool   `json:"ticket_created"`
	TicketID       string `json:"ticket_id,omitempty"`
	Replayed       bool   `json:"replayed,omitempty"`
}

// Resolve applies choice to a conversation owned by userID.
func (s *ResolutionService) Resolve(ctx context.Context, userID, conversationID, choice string) (*ResolveResult, error) {
	tr := otel.Tracer("services/ResolutionService")
	ctx, span := tr.Start(ctx, "Resolve",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("conversation.id", conversationID),
			attribute.String("resolution.choice", choice),
		),
	)
	defer span.End()

	if choice != ChoiceHelpful && choice != ChoiceNeedHelp {
		return nil, ErrInvalidChoice
	}

	unlock := conversationLocks.Lock(conversationID)
	defer unlock()

	conv, err := loadOwnedConversation(ctx, s.DB, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if conv.IsTerminal() {
		observability.ResolutionsTotal.WithLabelValues("replay").Inc()
		return recordedOutcome(conv), nil
	}
	if conv.State != domain.StateAwaitingChoice {
		return nil, fmt.Errorf("%w: conversation is %s", ErrInvalidState, conv.State)
	}

	var out *ResolveResult
	if choice == ChoiceHelpful {
		out, err = s.markResolved(ctx, conv)
	} else {
		out, err = s.escalate(ctx, conv)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	observability.ResolutionsTotal.WithLabelValues(choice).Inc()
	return out, nil
}

func (s *ResolutionService) markResolved(ctx context.Context, conv *domain.Conversation) (*ResolveResult, error) {
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := repo.AppendTurns(ctx, tx, conv.ID, repo.NewTurn{Sender: domain.SenderAssistant, Text: helpfulMessage}); err != nil {
			return err
		}
		return repo.UpdateConversation(ctx, tx, conv, map[string]any{
			"state":             domain.StateResolved,
			"resolution_status": domain.ResolutionResolved,
		})
	})
	if errors.Is(err, repo.ErrVersionConflict) {
		return nil, ErrConcurrentModification
	}
	if err != nil {
		return nil, err
	}
	return &ResolveResult{ConversationID: conv.ID, State: conv.State, Message: helpfulMessage}, nil
}

func (s *ResolutionService) escalate(ctx context.Context, conv *domain.Conversation) (*ResolveResult, error) {
	user, err := repo.GetUser(ctx, s.DB, conv.UserID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}

	var ticket *domain.Ticket
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		convID := conv.ID
		t, err := s.Tickets.insert(ctx, tx, ticketFromConversation(conv, user, &convID))
		if err != nil {
			return err
		}
		ticket = t

		linked := t.ID
		if _, err := repo.AppendTurns(ctx, tx, conv.ID, repo.NewTurn{
			Sender:         domain.SenderAssistant,
			Text:           fmt.Sprintf(escalatedMessageFormat, t.ID),
			LinkedTicketID: &linked,
		}); err != nil {
			return err
		}
		return repo.UpdateConversation(ctx, tx, conv, map[string]any{
			"state":             domain.StateEscalated,
			"resolution_status": domain.ResolutionEscalated,
			"ticket_id":         t.ID,
		})
	})
	switch {
	case errors.Is(err, repo.ErrDuplicate):
		// Another process escalated this conversation first.
		if latest, gerr := repo.GetConversation(ctx, s.DB, conv.ID); gerr == nil && latest.IsTerminal() {
			return recordedOutcome(latest), nil
		}
		return nil, ErrConcurrentModification
	case errors.Is(err, repo.ErrVersionConflict):
		return nil, ErrConcurrentModification
	case err != nil:
		return nil, err
	}

	zerolog.Ctx(ctx).Info().
		Str("conversation_id", conv.ID).
		Str("ticket_id", ticket.ID).
		Str("severity", ticket.Severity).
		Msg("conversation escalated")
	s.Tickets.publish(ctx, domain.TicketEvent{Name: domain.EventTicketCreated, Ticket: *ticket})

	return &ResolveResult{
		ConversationID: conv.ID,
		State:          conv.State,
		Message:        fmt.Sprintf(escalatedMessageFormat, ticket.ID),
		TicketCreated:  true,
		TicketID:       ticket.ID,
	}, nil
}

// ticketFromConversation seeds a ticket from the conversation's initial
// concern, the last proposed solution, and the classifier's triage.
func ticketFromConversation(conv *domain.Conversation, user *domain.User, convID *string) NewTicket {
	category := conv.Category
	if !classifier.ValidCategory(category) {
		category = domain.CategoryRequest
	}
	severity := conv.Severity
	if !classifier.ValidSeverity(severity) {
		severity = domain.SeverityMedium
	}

	concern := strings.TrimSpace(conv.InitialConcernSummary)
	summary := "Unresolved concern: " + concern
	if utf8.RuneCountInString(concern) > summaryMaxRunes {
		summary = "Unresolved concern: " + string([]rune(concern)[:summaryMaxRunes]) + "..."
	}

	var b strings.Builder
	b.WriteString(concern)
	if sol := strings.TrimSpace(conv.AIProposedSolution); sol != "" {
		b.WriteString("\n\nAssistant's last proposed solution:\n")
		b.WriteString(sol)
	}

	return NewTicket{
		UserID:         user.ID,
		UserName:       user.Name,
		UserEmail:      user.Email,
		ConversationID: convID,
		Category:       category,
		Severity:       severity,
		Summary:        summary,
		Description:    b.String(),
	}
}

func recordedOutcome(conv *domain.Conversation) *ResolveResult {
	out := &ResolveResult{ConversationID: conv.ID, State: conv.State, Replayed: true}
	if conv.State == domain.StateResolved {
		out.Message = helpfulMessage
		return out
	}
	if conv.TicketID != nil {
		out.TicketID = *conv.TicketID
		out.TicketCreated = true
		out.Message = fmt.Sprintf(escalatedMessageFormat, *conv.TicketID)
	}
	return out
}
