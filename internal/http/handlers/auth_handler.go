package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-care-backend/internal/domain"
)

// LoginRequest is the JSON payload for password login.
type LoginRequest struct {
	Email    string `json:"email"    binding:"required" example:"asha.rao@example.com"`
	Password string `json:"password" binding:"required" example:"s3cret-passw0rd"`
}

// LoginResponse carries the bearer token and the authenticated user.
type LoginResponse struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
	User      domain.User `json:"user"`
}

// Login godoc
// @ID          login
// @Summary     Exchange email and password for a bearer token
// @Tags        Auth
// @Accept      json
// @Produce     json
//
// @Param       body  body  handlers.LoginRequest  true  "Credentials"
//
// @Success     200  {object} handlers.LoginResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     401  {object} handlers.ErrorResponse "Invalid credentials"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /auth/login [post]
func (h *Handlers) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "email and password required")
		return
	}
	u, err := h.users.Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		failService(c, err)
		return
	}
	tok, exp, err := h.tokens.GenerateToken(u.ID, u.Role)
	if err != nil {
		failInternal(c, ErrCodeInternal, err)
		return
	}
	ok(c, http.StatusOK, LoginResponse{Token: tok, ExpiresAt: exp, User: *u})
}
