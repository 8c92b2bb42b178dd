// Ticket HTTP handlers.
//
//   - GET   /tickets                       (employee: own, admin: all)
//   - PATCH /admin/tickets/{id}            (status and/or admin notes)
//   - POST  /admin/tickets/{id}/reopen     (resolved -> open)
package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-care-backend/internal/domain"
	"github.com/tbourn/go-care-backend/internal/http/middleware"
	"github.com/tbourn/go-care-backend/internal/repo"
	"github.com/tbourn/go-care-backend/internal/services"
)

// ListTicketsResponse wraps a page of tickets.
type ListTicketsResponse struct {
	Tickets    []domain.Ticket `json:"tickets"`
	Pagination Pagination      `json:"pagination"`
}

// ListTickets godoc
// @ID          listTickets
// @Summary     List tickets (paginated)
// @Description Employees see their own tickets. Admins see all tickets and may filter by user_id.
// @Description Supports weak ETag via If-None-Match.
// @Tags        Tickets
// @Produce     json
// @Security    BearerAuth
//
// @Param       status     query  string  false "Filter by status"  Enums(open, in_progress, resolved)
// @Param       user_id    query  string  false "Admin only: filter by owner"
// @Param       page       query  int     false "Page number"       minimum(1) default(1)
// @Param       page_size  query  int     false "Items per page"    minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListTicketsResponse
// @Header      200  {string} ETag "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Bad status filter"
// @Failure     401  {object} handlers.ErrorResponse "Unauthorized"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /tickets [get]
func (h *Handlers) ListTickets(c *gin.Context) {
	ctx := c.Request.Context()

	f := repo.TicketFilter{Status: strings.TrimSpace(c.Query("status"))}
	if middleware.IsAdmin(c) {
		f.UserID = strings.TrimSpace(c.Query("user_id"))
	} else {
		f.UserID = middleware.UserID(c)
	}
	if f.Status != "" && f.Status != domain.TicketOpen && f.Status != domain.TicketInProgress && f.Status != domain.TicketResolved {
		fail(c, http.StatusBadRequest, ErrCodeValidation, services.ErrInvalidStatus.Error())
		return
	}
	page, pageSize := clampPagination(c)

	if h.db != nil {
		if count, maxTS, err := repo.TicketsStats(ctx, h.db, f); err == nil {
			etag := fmt.Sprintf(`W/"tickets:%s:%s:%d:%d:%d:%d"`, f.UserID, f.Status, page, pageSize, count, unixOrZero(maxTS))
			if notModified(c, etag) {
				return
			}
		}
	}

	items, total, err := h.tickets.List(ctx, f, page, pageSize)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, ListTicketsResponse{Tickets: items, Pagination: paginate(page, pageSize, total)})
}

// UpdateTicket godoc
// @ID          updateTicket
// @Summary     Update ticket status and/or admin notes
// @Description Any status may move to any other status. A change of status notifies the ticket creator.
// @Tags        Admin
// @Accept      json
// @Produce     json
// @Security    BearerAuth
//
// @Param       id    path  string                 true  "Ticket ID (UUID)"  format(uuid)
// @Param       body  body  services.TicketUpdate  true  "Fields to change"
//
// @Success     200  {object} domain.Ticket
// @Failure     400  {object} handlers.ErrorResponse "Validation error"
// @Failure     403  {object} handlers.ErrorResponse "Admin only"
// @Failure     404  {object} handlers.ErrorResponse "Ticket not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /admin/tickets/{id} [patch]
func (h *Handlers) UpdateTicket(c *gin.Context) {
	id := c.Param("id")
	if !validID(id) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "ticket id must be a UUID")
		return
	}
	var upd services.TicketUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if upd.Status == nil && upd.AdminNotes == nil {
		fail(c, http.StatusBadRequest, ErrCodeValidation, "status or admin_notes required")
		return
	}

	t, err := h.tickets.Update(c.Request.Context(), id, upd)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, t)
}

// ReopenTicket godoc
// @ID          reopenTicket
// @Summary     Reopen a resolved ticket
// @Tags        Admin
// @Produce     json
// @Security    BearerAuth
//
// @Param       id  path  string  true  "Ticket ID (UUID)"  format(uuid)
//
// @Success     200  {object} domain.Ticket
// @Failure     403  {object} handlers.ErrorResponse "Admin only"
// @Failure     404  {object} handlers.ErrorResponse "Ticket not found"
// @Failure     409  {object} handlers.ErrorResponse "Ticket is not resolved"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /admin/tickets/{id}/reopen [post]
func (h *Handlers) ReopenTicket(c *gin.Context) {
	id := c.Param("id")
	if !validID(id) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "ticket id must be a UUID")
		return
	}
	t, err := h.tickets.Reopen(c.Request.Context(), id)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, t)
}
