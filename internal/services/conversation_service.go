// Package services – ConversationService
//
// ConversationService is the conversation state tracker. It owns the
// active -> awaiting_resolution_choice transition and is the only component
// that decides whether the client must offer the two resolution choices.
// It never creates tickets.

package services

import (
	"context"
	"errors"
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-care-backend/internal/classifier"
	"github.com/tbourn/go-care-backend/internal/domain"
	"github.com/tbourn/go-care-backend/internal/observability"
	"github.com/tbourn/go-care-backend/internal/repo"
)

// ConversationService tracks conversation state across user messages.
type ConversationService struct {
	DB         *gorm.DB
	Classifier classifier.Classifier

	// MaxMessageRunes rejects longer messages when > 0.
	MaxMessageRunes int
	// Policy strips markup from user text. Nil means bluemonday's strict policy.
	Policy *bluemonday.Policy
}

// SubmitResult is what the caller renders after a user message.
type SubmitResult struct {
	ConversationID           string `json:"conversation_id,omitempty"`
	TurnID                   string `json:"turn_id,omitempty"`
	Reply                    string `json:"reply"`
	RequiresResolutionChoice bool   `json:"requires_resolution_choice"`
	// Fallback is true when the classifier failed and nothing was stored.
	Fallback bool `json:"fallback,omitempty"`
}

// Submit handles one user message. An empty conversationID continues the
// user's latest open conversation or starts a new one. When the classifier
// fails, Submit returns the fallback reply and leaves storage untouched.
func (s *ConversationService) Submit(ctx context.Context, userID, conversationID, text string) (*SubmitResult, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "Submit",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("conversation.id", conversationID),
		),
	)
	defer span.End()

	text = s.clean(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if s.MaxMessageRunes > 0 && utf8.RuneCountInString(text) > s.MaxMessageRunes {
		return nil, ErrMessageTooLong
	}

	if conversationID == "" {
		unlock := conversationLocks.Lock("user:" + userID)
		defer unlock()
		latest, err := repo.LatestOpenConversation(ctx, s.DB, userID)
		switch {
		case err == nil:
			conversationID = latest.ID
		case !errors.Is(err, repo.ErrNotFound):
			return nil, err
		}
	}

	var conv *domain.Conversation
	if conversationID != "" {
		unlock := conversationLocks.Lock(conversationID)
		defer unlock()
		c, err := loadOwnedConversation(ctx, s.DB, conversationID, userID)
		if err != nil {
			return nil, err
		}
		if c.IsTerminal() {
			return nil, ErrInvalidState
		}
		conv = c
	}

	history, err := s.history(ctx, conv, text)
	if err != nil {
		return nil, err
	}

	verdict, err := s.Classifier.Classify(ctx, history)
	if err != nil {
		span.RecordError(err)
		observability.MessagesTotal.WithLabelValues("fallback").Inc()
		zerolog.Ctx(ctx).Warn().Err(err).
			Str("code", "ClassifierUnavailable").
			Str("conversation_id", conversationID).
			Msg("classifier failed; returning fallback reply")
		out := &SubmitResult{ConversationID: conversationID, Reply: classifier.FallbackReply, Fallback: true}
		if conv != nil {
			out.RequiresResolutionChoice = conv.State == domain.StateAwaitingChoice
		}
		return out, nil
	}

	nextState := domain.StateActive
	if verdict.LikelyResolved {
		nextState = domain.StateAwaitingChoice
	}

	category, severity := verdict.Category, verdict.Severity
	if conv != nil {
		category, severity = classifier.Escalate(conv.Category, conv.Severity, category, severity)
	}

	var assistant domain.ConversationTurn
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if conv == nil {
			c, err := repo.CreateConversation(ctx, tx, userID, text)
			if err != nil {
				return err
			}
			conv = c
		}
		turns, err := repo.AppendTurns(ctx, tx, conv.ID,
			repo.NewTurn{Sender: domain.SenderUser, Text: text},
			repo.NewTurn{Sender: domain.SenderAssistant, Text: verdict.Reply},
		)
		if err != nil {
			return err
		}
		assistant = turns[1]

		fields := map[string]any{
			"state":    nextState,
			"category": category,
			"severity": severity,
		}
		if verdict.LikelyResolved {
			fields["ai_proposed_solution"] = verdict.Reply
		}
		return repo.UpdateConversation(ctx, tx, conv, fields)
	})
	if errors.Is(err, repo.ErrVersionConflict) {
		return nil, ErrConcurrentModification
	}
	if err != nil {
		span.SetStatus(codes.Error, "persist failed")
		return nil, err
	}

	observability.MessagesTotal.WithLabelValues("answered").Inc()
	span.SetAttributes(
		attribute.String("conversation.id", conv.ID),
		attribute.String("conversation.state", conv.State),
	)
	return &SubmitResult{
		ConversationID:           conv.ID,
		TurnID:                   assistant.ID,
		Reply:                    verdict.Reply,
		RequiresResolutionChoice: conv.State == domain.StateAwaitingChoice,
	}, nil
}

// Replay rebuilds the result of an earlier Submit from a stored turn. It is
// used to answer retried requests carrying the same idempotency key.
func (s *ConversationService) Replay(ctx context.Context, userID, turnID string, requiresChoice bool) (*SubmitResult, error) {
	t, err := repo.GetTurn(ctx, s.DB, turnID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	if _, err := loadOwnedConversation(ctx, s.DB, t.ConversationID, userID); err != nil {
		return nil, err
	}
	return &SubmitResult{
		ConversationID:           t.ConversationID,
		TurnID:                   t.ID,
		Reply:                    t.Text,
		RequiresResolutionChoice: requiresChoice,
	}, nil
}

// History returns every turn of every conversation of userID, oldest first.
func (s *ConversationService) History(ctx context.Context, userID string) ([]domain.ConversationTurn, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "History", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	turns, err := repo.ListUserTurns(ctx, s.DB, userID)
	if err != nil {
		return nil, err
	}
	if turns == nil {
		turns = []domain.ConversationTurn{}
	}
	return turns, nil
}

// ListConversations returns conversations with owner details for admins.
func (s *ConversationService) ListConversations(ctx context.Context, reviewed *bool, page, pageSize int) ([]repo.ConversationRow, int64, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "ListConversations",
		trace.WithAttributes(attribute.Int("page", page), attribute.Int("page_size", pageSize)),
	)
	defer span.End()

	offset, limit := pageBounds(page, pageSize)
	rows, total, err := repo.ListConversationsPage(ctx, s.DB, reviewed, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	if rows == nil {
		rows = []repo.ConversationRow{}
	}
	return rows, total, nil
}

// MarkReviewed sets adminReviewed on a conversation. Repeated calls are
// no-ops and report changed=false.
func (s *ConversationService) MarkReviewed(ctx context.Context, conversationID string) (bool, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "MarkReviewed", trace.WithAttributes(attribute.String("conversation.id", conversationID)))
	defer span.End()

	changed, err := repo.MarkConversationReviewed(ctx, s.DB, conversationID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, ErrConversationNotFound
	}
	return changed, err
}

func (s *ConversationService) clean(text string) string {
	p := s.Policy
	if p == nil {
		p = bluemonday.StrictPolicy()
	}
	return strings.TrimSpace(html.UnescapeString(p.Sanitize(text)))
}

func (s *ConversationService) history(ctx context.Context, conv *domain.Conversation, latest string) ([]classifier.Turn, error) {
	var stored []domain.ConversationTurn
	if conv != nil {
		var err error
		if stored, err = repo.ListTurns(ctx, s.DB, conv.ID); err != nil {
			return nil, err
		}
	}
	out := make([]classifier.Turn, 0, len(stored)+1)
	for _, t := range stored {
		out = append(out, classifier.Turn{Sender: t.Sender, Text: t.Text})
	}
	return append(out, classifier.Turn{Sender: domain.SenderUser, Text: latest}), nil
}

// loadOwnedConversation hides conversations of other users behind
// ErrConversationNotFound.
func loadOwnedConversation(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Conversation, error) {
	c, err := repo.GetConversation(ctx, db, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	if userID != "" && c.UserID != userID {
		return nil, ErrConversationNotFound
	}
	return c, nil
}

// pageBounds converts a 1-based page into offset and limit.
func pageBounds(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	return (page - 1) * pageSize, pageSize
}
