// Administrative HTTP handlers.
//
// This file exposes conversation review, user management (including bulk
// import from CSV or XLSX), the notification roster and email templates.
// Every route here is mounted behind RequireAdmin.
package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-care-backend/internal/domain"
	"github.com/tbourn/go-care-backend/internal/http/middleware"
	"github.com/tbourn/go-care-backend/internal/importer"
	"github.com/tbourn/go-care-backend/internal/repo"
	"github.com/tbourn/go-care-backend/internal/services"
)

//
// DTOs
//

// ListConversationsResponse wraps a page of conversations with owner details.
type ListConversationsResponse struct {
	Conversations []repo.ConversationRow `json:"conversations"`
	Pagination    Pagination             `json:"pagination"`
}

// ReviewResponse reports the reviewed flag after MarkReviewed.
type ReviewResponse struct {
	ConversationID string `json:"conversation_id"`
	AdminReviewed  bool   `json:"admin_reviewed"`
	Changed        bool   `json:"changed"`
}

// ListUsersResponse wraps a page of users.
type ListUsersResponse struct {
	Users      []domain.User `json:"users"`
	Pagination Pagination    `json:"pagination"`
}

// CreateUserResponse returns the stored user and, when the server generated
// it, the initial password.
type CreateUserResponse struct {
	User              *domain.User `json:"user"`
	GeneratedPassword string       `json:"generated_password,omitempty"`
}

// RosterRequest replaces both roster lists.
type RosterRequest struct {
	AdditionalRecipients []string `json:"additional_recipients" example:"hr-oncall@example.com"`
	ExcludedAdminEmails  []string `json:"excluded_admin_emails" example:"ceo@example.com"`
}

// RosterResponse is the decoded roster.
type RosterResponse struct {
	AdditionalRecipients []string `json:"additional_recipients"`
	ExcludedAdminEmails  []string `json:"excluded_admin_emails"`
}

func rosterResponse(r *domain.NotificationRoster) RosterResponse {
	out := RosterResponse{AdditionalRecipients: r.Additional(), ExcludedAdminEmails: r.Excluded()}
	if out.AdditionalRecipients == nil {
		out.AdditionalRecipients = []string{}
	}
	if out.ExcludedAdminEmails == nil {
		out.ExcludedAdminEmails = []string{}
	}
	return out
}

//
// Conversations
//

// ListConversations godoc
// @ID          listConversations
// @Summary     List conversations for review
// @Description Newest first, with owner name and email. Optional reviewed=true|false filter.
// @Tags        Admin
// @Produce     json
// @Security    BearerAuth
//
// @Param       reviewed   query  bool  false "Filter on admin_reviewed"
// @Param       page       query  int   false "Page number"     minimum(1) default(1)
// @Param       page_size  query  int   false "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListConversationsResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad filter"
// @Failure     403  {object} handlers.ErrorResponse "Admin only"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /admin/conversations [get]
func (h *Handlers) ListConversations(c *gin.Context) {
	var reviewed *bool
	if raw := strings.TrimSpace(c.Query("reviewed")); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "reviewed must be true or false")
			return
		}
		reviewed = &b
	}
	page, pageSize := clampPagination(c)

	rows, total, err := h.conv.ListConversations(c.Request.Context(), reviewed, page, pageSize)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, ListConversationsResponse{Conversations: rows, Pagination: paginate(page, pageSize, total)})
}

// ReviewConversation godoc
// @ID          reviewConversation
// @Summary     Mark a conversation as reviewed
// @Description Idempotent: repeating the call reports changed=false.
// @Tags        Admin
// @Produce     json
// @Security    BearerAuth
//
// @Param       id  path  string  true  "Conversation ID (UUID)"  format(uuid)
//
// @Success     200  {object} handlers.ReviewResponse
// @Failure     403  {object} handlers.ErrorResponse "Admin only"
// @Failure     404  {object} handlers.ErrorResponse "Conversation not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /admin/conversations/{id}/review [put]
func (h *Handlers) ReviewConversation(c *gin.Context) {
	id := c.Param("id")
	if !validID(id) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversation id must be a UUID")
		return
	}
	changed, err := h.conv.MarkReviewed(c.Request.Context(), id)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, ReviewResponse{ConversationID: id, AdminReviewed: true, Changed: changed})
}

//
// Users
//

// ListUsers godoc
// @ID          listUsers
// @Summary     List users (paginated)
// @Tags        Admin
// @Produce     json
// @Security    BearerAuth
//
// @Param       page       query  int  false "Page number"     minimum(1) default(1)
// @Param       page_size  query  int  false "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListUsersResponse
// @Failure     403  {object} handlers.ErrorResponse "Admin only"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /admin/users [get]
func (h *Handlers) ListUsers(c *gin.Context) {
	page, pageSize := clampPagination(c)
	users, total, err := h.users.List(c.Request.Context(), page, pageSize)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, ListUsersResponse{Users: users, Pagination: paginate(page, pageSize, total)})
}

// CreateUser godoc
// @ID          createUser
// @Summary     Create a user
// @Description When password is omitted a random one is generated and returned once.
// @Tags        Admin
// @Accept      json
// @Produce     json
// @Security    BearerAuth
//
// @Param       body  body  services.NewUser  true  "New user"
//
// @Success     201  {object} handlers.CreateUserResponse
// @Failure     400  {object} handlers.ErrorResponse "Validation error"
// @Failure     403  {object} handlers.ErrorResponse "Admin only"
// @Failure     409  {object} handlers.ErrorResponse "Email already exists"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /admin/users [post]
func (h *Handlers) CreateUser(c *gin.Context) {
	var in services.NewUser
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeValidation, "name and email required")
		return
	}
	u, generated, err := h.users.Create(c.Request.Context(), in)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusCreated, CreateUserResponse{User: u, GeneratedPassword: generated})
}

// ImportUsers godoc
// @ID          importUsers
// @Summary     Bulk import users from CSV or XLSX
// @Description The file needs name and email columns; password, role, designation, business_unit and
// @Description reporting_manager are optional. Every row is reported as created or skipped with a reason.
// @Tags        Admin
// @Accept      multipart/form-data
// @Produce     json
// @Security    BearerAuth
//
// @Param       file  formData  file  true  "CSV or XLSX file"
//
// @Success     200  {object} services.ImportReport
// @Failure     400  {object} handlers.ErrorResponse "Unreadable file"
// @Failure     403  {object} handlers.ErrorResponse "Admin only"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /admin/users/import [post]
func (h *Handlers) ImportUsers(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "multipart field \"file\" required")
		return
	}
	f, err := fh.Open()
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "cannot open upload")
		return
	}
	defer f.Close()

	rows, err := importer.Decode(fh.Filename, f)
	if err != nil {
		code := ErrCodeBadRequest
		if errors.Is(err, importer.ErrUnsupportedFormat) || errors.Is(err, importer.ErrMissingColumn) || errors.Is(err, importer.ErrEmptyFile) {
			code = ErrCodeValidation
		}
		fail(c, http.StatusBadRequest, code, err.Error())
		return
	}

	report, err := h.imports.ImportBatch(c.Request.Context(), rows)
	if err != nil {
		failInternal(c, ErrCodeImportFailed, err)
		return
	}
	ok(c, http.StatusOK, report)
}

// GetUserHistory godoc
// @ID          getUserHistory
// @Summary     Get a user's conversation history
// @Tags        Admin
// @Produce     json
// @Security    BearerAuth
//
// @Param       id  path  string  true  "User ID (UUID)"  format(uuid)
//
// @Success     200  {object} handlers.HistoryResponse
// @Failure     403  {object} handlers.ErrorResponse "Admin only"
// @Failure     404  {object} handlers.ErrorResponse "User not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /admin/users/{id}/history [get]
func (h *Handlers) GetUserHistory(c *gin.Context) {
	id := c.Param("id")
	if !validID(id) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user id must be a UUID")
		return
	}
	if _, err := h.users.Get(c.Request.Context(), id); err != nil {
		failService(c, err)
		return
	}
	h.writeHistory(c, id)
}

// UpdateUser godoc
// @ID          updateUser
// @Summary     Update a user
// @Description Partial update of name, role, designation, business_unit, reporting_manager and password.
// @Description The email cannot be changed. An empty password is ignored.
// @Tags        Admin
// @Accept      json
// @Produce     json
// @Security    BearerAuth
//
// @Param       id    path  string               true  "User ID (UUID)"  format(uuid)
// @Param       body  body  services.UserUpdate  true  "Fields to change"
//
// @Success     200  {object} domain.User
// @Failure     400  {object} handlers.ErrorResponse "Validation error"
// @Failure     403  {object} handlers.ErrorResponse "Admin only"
// @Failure     404  {object} handlers.ErrorResponse "User not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /admin/users/{id} [put]
func (h *Handlers) UpdateUser(c *gin.Context) {
	id := c.Param("id")
	if !validID(id) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user id must be a UUID")
		return
	}
	var upd services.UserUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	u, err := h.users.Update(c.Request.Context(), id, upd)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, u)
}

// DeleteUser godoc
// @ID          deleteUser
// @Summary     Delete a user
// @Description Tickets and conversations of the user are kept. Admins cannot delete themselves.
// @Tags        Admin
// @Security    BearerAuth
//
// @Param       id  path  string  true  "User ID (UUID)"  format(uuid)
//
// @Success     204  "Deleted"
// @Failure     403  {object} handlers.ErrorResponse "Admin only"
// @Failure     404  {object} handlers.ErrorResponse "User not found"
// @Failure     409  {object} handlers.ErrorResponse "Own account"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /admin/users/{id} [delete]
func (h *Handlers) DeleteUser(c *gin.Context) {
	id := c.Param("id")
	if !validID(id) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user id must be a UUID")
		return
	}
	if err := h.users.Delete(c.Request.Context(), middleware.UserID(c), id); err != nil {
		failService(c, err)
		return
	}
	noContent(c)
}

//
// Notification roster
//

// GetRoster godoc
// @ID          getRoster
// @Summary     Get the notification roster
// @Tags        Admin
// @Produce     json
// @Security    BearerAuth
//
// @Success     200  {object} handlers.RosterResponse
// @Failure     403  {object} handlers.ErrorResponse "Admin only"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /admin/notification-roster [get]
func (h *Handlers) GetRoster(c *gin.Context) {
	r, err := h.roster.Get(c.Request.Context())
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, rosterResponse(r))
}

// PutRoster godoc
// @ID          putRoster
// @Summary     Replace the notification roster
// @Description Addresses are validated, lowercased and deduplicated. One invalid address rejects the update.
// @Tags        Admin
// @Accept      json
// @Produce     json
// @Security    BearerAuth
//
// @Param       body  body  handlers.RosterRequest  true  "Roster lists"
//
// @Success     200  {object} handlers.RosterResponse
// @Failure     400  {object} handlers.ErrorResponse "Invalid email"
// @Failure     403  {object} handlers.ErrorResponse "Admin only"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /admin/notification-roster [put]
func (h *Handlers) PutRoster(c *gin.Context) {
	var req RosterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	r, err := h.roster.Update(c.Request.Context(), req.AdditionalRecipients, req.ExcludedAdminEmails)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, rosterResponse(r))
}

//
// Email templates
//

// ListEmailTemplatesResponse wraps the stored templates.
type ListEmailTemplatesResponse struct {
	Templates []domain.EmailTemplate `json:"templates"`
}

// ListEmailTemplates godoc
// @ID          listEmailTemplates
// @Summary     List stored email templates
// @Tags        Admin
// @Produce     json
// @Security    BearerAuth
//
// @Success     200  {object} handlers.ListEmailTemplatesResponse
// @Failure     403  {object} handlers.ErrorResponse "Admin only"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /admin/email-templates [get]
func (h *Handlers) ListEmailTemplates(c *gin.Context) {
	list, err := h.tmpl.List(c.Request.Context())
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, ListEmailTemplatesResponse{Templates: list})
}

// SaveEmailTemplate godoc
// @ID          saveEmailTemplate
// @Summary     Create or replace an email template
// @Description template_name is one of ticket_created (team notice), ticket_received (employee
// @Description acknowledgment) or ticket_updated. Subject and body are Go templates over the ticket
// @Description event with fields .Ticket, .PreviousStatus and .OccurredAt and a stamp function for times.
// @Description to, cc and bcc are added to the computed recipients.
// @Tags        Admin
// @Accept      json
// @Produce     json
// @Security    BearerAuth
//
// @Param       body  body  services.EmailTemplateInput  true  "Template"
//
// @Success     200  {object} domain.EmailTemplate "Replaced"
// @Success     201  {object} domain.EmailTemplate "Created"
// @Failure     400  {object} handlers.ErrorResponse "Validation error"
// @Failure     403  {object} handlers.ErrorResponse "Admin only"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /admin/email-templates [post]
func (h *Handlers) SaveEmailTemplate(c *gin.Context) {
	var in services.EmailTemplateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeValidation, "template_name, subject and body required")
		return
	}
	tpl, created, err := h.tmpl.Save(c.Request.Context(), in)
	if err != nil {
		failService(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	ok(c, status, tpl)
}

// DeleteEmailTemplate godoc
// @ID          deleteEmailTemplate
// @Summary     Delete an email template
// @Description Notifications fall back to the built-in text for that name.
// @Tags        Admin
// @Security    BearerAuth
//
// @Param       id  path  string  true  "Template ID (UUID)"  format(uuid)
//
// @Success     204  "Deleted"
// @Failure     403  {object} handlers.ErrorResponse "Admin only"
// @Failure     404  {object} handlers.ErrorResponse "Template not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /admin/email-templates/{id} [delete]
func (h *Handlers) DeleteEmailTemplate(c *gin.Context) {
	id := c.Param("id")
	if !validID(id) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "template id must be a UUID")
		return
	}
	if err := h.tmpl.Delete(c.Request.Context(), id); err != nil {
		failService(c, err)
		return
	}
	noContent(c)
}
