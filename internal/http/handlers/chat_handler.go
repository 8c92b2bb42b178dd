// Chat HTTP handlers.
//
// This file exposes the employee-facing conversation endpoints:
//   - POST /chat/messages                        (submit a message)
//   - POST /chat/conversations/{id}/resolution   (helpful | need_help)
//   - GET  /chat/history                         (own history, ETag support)
//
// Idempotency:
// If the client supplies an Idempotency-Key header and a previous successful
// submission exists for (user, scope, key), the handler returns the recorded
// assistant turn and sets `Idempotency-Replayed: true`. The scope is the
// conversation id named in the request, or "new" when none was given.
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-care-backend/internal/domain"
	"github.com/tbourn/go-care-backend/internal/http/middleware"
	"github.com/tbourn/go-care-backend/internal/repo"
	"github.com/tbourn/go-care-backend/internal/services"
)

// ScopeNew is the idempotency scope of submissions without a conversation id.
const ScopeNew = "new"

//
// DTOs
//

// PostMessageRequest is the JSON payload for sending a user message.
type PostMessageRequest struct {
	// Message is the user text. Markup is stripped by the service.
	Message string `json:"message" binding:"required" example:"I have been feeling overwhelmed with my workload lately"`
	// ConversationID continues a specific conversation. Empty continues the
	// latest open conversation or starts a new one.
	ConversationID string `json:"conversation_id,omitempty" example:"141add05-4415-4938-b5a1-17e0d3171aff"`
}

// ResolutionRequest is the JSON payload for a resolution choice.
type ResolutionRequest struct {
	Choice string `json:"choice" binding:"required" enums:"helpful,need_help" example:"need_help"`
}

// HistoryResponse lists every turn of the caller's conversations.
type HistoryResponse struct {
	Turns []domain.ConversationTurn `json:"turns"`
}

//
// Helpers
//

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeContent normalizes line endings and blank-line runs and trims.
func sanitizeContent(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func idempotencyScope(conversationID string) string {
	if conversationID == "" {
		return ScopeNew
	}
	return conversationID
}

//
// Handlers
//

// PostMessage godoc
// @ID          postMessage
// @Summary     Send a message to the support assistant
// @Description Appends a user message and the assistant reply. When requires_resolution_choice is true
// @Description the client must offer the two resolution choices. A classifier outage yields a fallback
// @Description reply with fallback=true and nothing stored.
// @Description Supports idempotency via the Idempotency-Key header (same key, same result).
// @Tags        Chat
// @Accept      json
// @Produce     json
// @Security    BearerAuth
//
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries (UUID recommended)"  example(7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab)
// @Param       body             body    handlers.PostMessageRequest  true  "User message payload"
//
// @Success     200  {object}  services.SubmitResult   "Assistant reply"
// @Failure     400  {object}  handlers.ErrorResponse  "Validation error"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthorized"
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Conversation is terminal or changed concurrently"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /chat/messages [post]
func (h *Handlers) PostMessage(c *gin.Context) {
	ctx := c.Request.Context()

	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeValidation, "message required")
		return
	}
	convID := strings.TrimSpace(req.ConversationID)
	if convID != "" && !validID(convID) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversation_id must be a UUID")
		return
	}
	text := sanitizeContent(req.Message)
	if text == "" {
		fail(c, http.StatusBadRequest, ErrCodeValidation, services.ErrEmptyMessage.Error())
		return
	}

	uid := middleware.UserID(c)
	scope := idempotencyScope(convID)

	// Idempotency (replay path).
	idemKey, _ := middleware.GetIdempotencyKey(c)
	if idemKey != "" && h.db != nil {
		rec, err := repo.GetIdempotency(ctx, h.db, uid, scope, idemKey, time.Now().UTC())
		if err == nil {
			if prev, err := h.conv.Replay(ctx, uid, rec.TurnID, rec.RequiresChoice); err == nil {
				c.Header("Idempotency-Replayed", "true")
				ok(c, http.StatusOK, prev)
				return
			}
		}
	}

	res, err := h.conv.Submit(ctx, uid, convID, text)
	if err != nil {
		failService(c, err)
		return
	}

	// Idempotency (store path), best effort. Fallback replies are never stored
	// so a retry reaches the classifier again.
	if idemKey != "" && h.db != nil && !res.Fallback && res.TurnID != "" {
		rec := &domain.Idempotency{
			UserID:         uid,
			Scope:          scope,
			Key:            idemKey,
			ConversationID: res.ConversationID,
			TurnID:         res.TurnID,
			RequiresChoice: res.RequiresResolutionChoice,
		}
		if err := repo.CreateIdempotency(ctx, h.db, rec, h.idemTTL); err != nil && !errors.Is(err, repo.ErrDuplicate) {
			middleware.LoggerFrom(c).Warn().Err(err).Msg("store idempotency record")
		}
	}

	ok(c, http.StatusOK, res)
}

// ResolveConversation godoc
// @ID          resolveConversation
// @Summary     Answer the resolution question
// @Description "helpful" closes the conversation as resolved. "need_help" escalates it and raises exactly
// @Description one ticket. Repeating the call on a terminal conversation returns the recorded outcome with
// @Description replayed=true.
// @Tags        Chat
// @Accept      json
// @Produce     json
// @Security    BearerAuth
//
// @Param       id    path  string                      true  "Conversation ID (UUID)"  format(uuid)
// @Param       body  body  handlers.ResolutionRequest  true  "Resolution choice"
//
// @Success     200  {object}  services.ResolveResult
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid choice"
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Not awaiting a resolution choice"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /chat/conversations/{id}/resolution [post]
func (h *Handlers) ResolveConversation(c *gin.Context) {
	convID := c.Param("id")
	if !validID(convID) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversation id must be a UUID")
		return
	}
	var req ResolutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeValidation, services.ErrInvalidChoice.Error())
		return
	}

	res, err := h.res.Resolve(c.Request.Context(), middleware.UserID(c), convID, strings.TrimSpace(req.Choice))
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

// GetHistory godoc
// @ID          getHistory
// @Summary     Get own conversation history
// @Description Returns every turn of the caller's conversations, oldest first. Supports weak ETag via If-None-Match.
// @Tags        Chat
// @Produce     json
// @Security    BearerAuth
//
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
//
// @Success     200  {object} handlers.HistoryResponse
// @Header      200  {string} ETag "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     401  {object} handlers.ErrorResponse "Unauthorized"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /chat/history [get]
func (h *Handlers) GetHistory(c *gin.Context) {
	h.writeHistory(c, middleware.UserID(c))
}

func (h *Handlers) writeHistory(c *gin.Context, uid string) {
	ctx := c.Request.Context()

	if h.db != nil {
		if count, latest, err := repo.HistoryStats(ctx, h.db, uid); err == nil {
			if notModified(c, fmt.Sprintf(`W/"history:%s:%d:%d"`, uid, count, unixOrZero(latest))) {
				return
			}
		}
	}

	turns, err := h.conv.History(ctx, uid)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, HistoryResponse{Turns: turns})
}
