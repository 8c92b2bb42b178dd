// Package handlers provides HTTP handler implementations for the public API.
//
// Handlers are transport-thin: they validate input, resolve the caller from
// the authenticated context, call application services, and translate results
// into HTTP responses (including conditional and replayed responses).
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-care-backend/internal/domain"
	"github.com/tbourn/go-care-backend/internal/repo"
	"github.com/tbourn/go-care-backend/internal/services"
	"github.com/tbourn/go-care-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// ConversationService tracks conversations and their history.
type ConversationService interface {
	Submit(ctx context.Context, userID, conversationID, text string) (*services.SubmitResult, error)
	Replay(ctx context.Context, userID, turnID string, requiresChoice bool) (*services.SubmitResult, error)
	History(ctx context.Context, userID string) ([]domain.ConversationTurn, error)
	ListConversations(ctx context.Context, reviewed *bool, page, pageSize int) ([]repo.ConversationRow, int64, error)
	MarkReviewed(ctx context.Context, conversationID string) (bool, error)
}

// ResolutionService applies resolution choices.
type ResolutionService interface {
	Resolve(ctx context.Context, userID, conversationID, choice string) (*services.ResolveResult, error)
}

// TicketService manages the ticket lifecycle.
type TicketService interface {
	Get(ctx context.Context, id string) (*domain.Ticket, error)
	Update(ctx context.Context, id string, upd services.TicketUpdate) (*domain.Ticket, error)
	Reopen(ctx context.Context, id string) (*domain.Ticket, error)
	List(ctx context.Context, f repo.TicketFilter, page, pageSize int) ([]domain.Ticket, int64, error)
}

// UserService manages accounts and credentials.
type UserService interface {
	Create(ctx context.Context, in services.NewUser) (*domain.User, string, error)
	Get(ctx context.Context, id string) (*domain.User, error)
	List(ctx context.Context, page, pageSize int) ([]domain.User, int64, error)
	Authenticate(ctx context.Context, email, password string) (*domain.User, error)
	Update(ctx context.Context, id string, upd services.UserUpdate) (*domain.User, error)
	Delete(ctx context.Context, actorID, id string) error
}

// ImportService imports decoded user rows.
type ImportService interface {
	ImportBatch(ctx context.Context, rows []services.ImportRow) (*services.ImportReport, error)
}

// RosterService reads and replaces the notification roster.
type RosterService interface {
	Get(ctx context.Context) (*domain.NotificationRoster, error)
	Update(ctx context.Context, additional, excluded []string) (*domain.NotificationRoster, error)
}

// TemplateService manages stored email templates.
type TemplateService interface {
	List(ctx context.Context) ([]domain.EmailTemplate, error)
	Save(ctx context.Context, in services.EmailTemplateInput) (*domain.EmailTemplate, bool, error)
	Delete(ctx context.Context, id string) error
}

// TokenIssuer signs bearer tokens. *auth.TokenManager satisfies it.
type TokenIssuer interface {
	GenerateToken(userID, role string) (string, time.Time, error)
}

//
// Handler wiring
//

// Deps lists the collaborators of Handlers. DB is optional: without it,
// ETags and idempotent replays are disabled.
type Deps struct {
	Conversations ConversationService
	Resolutions   ResolutionService
	Tickets       TicketService
	Users         UserService
	Importer      ImportService
	Roster        RosterService
	Templates     TemplateService
	Tokens        TokenIssuer

	DB             *gorm.DB
	IdempotencyTTL time.Duration
}

// Handlers groups every HTTP endpoint of the API.
type Handlers struct {
	conv    ConversationService
	res     ResolutionService
	tickets TicketService
	users   UserService
	imports ImportService
	roster  RosterService
	tmpl    TemplateService
	tokens  TokenIssuer

	db      *gorm.DB
	idemTTL time.Duration
}

// New constructs a Handlers bound to the given dependencies.
func New(d Deps) *Handlers {
	ttl := d.IdempotencyTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Handlers{
		conv:    d.Conversations,
		res:     d.Resolutions,
		tickets: d.Tickets,
		users:   d.Users,
		imports: d.Importer,
		roster:  d.Roster,
		tmpl:    d.Templates,
		tokens:  d.Tokens,
		db:      d.DB,
		idemTTL: ttl,
	}
}

//
// Shared DTOs and helpers
//

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// clampPagination parses and bounds page and page_size query params.
func clampPagination(c *gin.Context) (page, pageSize int) {
	return utils.ClampPage(c.Query("page"), c.Query("page_size"))
}

func paginate(page, pageSize int, total int64) Pagination {
	pages := utils.TotalPages(total, pageSize)
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: pages,
		HasNext:    page < pages,
	}
}

// notModified sets a weak ETag and reports whether If-None-Match matched it,
// in which case a 304 has already been written.
func notModified(c *gin.Context, etag string) bool {
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return true
	}
	return false
}

func unixOrZero(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixNano()
}
