package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-care-backend/internal/services"
)

func TestFailService_Mapping(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{services.ErrEmptyMessage, http.StatusBadRequest, ErrCodeValidation},
		{fmt.Errorf("wrapped: %w", services.ErrInvalidEmail), http.StatusBadRequest, ErrCodeValidation},
		{services.ErrTicketNotFound, http.StatusNotFound, ErrCodeNotFound},
		{services.ErrUserNotFound, http.StatusNotFound, ErrCodeNotFound},
		{fmt.Errorf("%w: ticket is open", services.ErrInvalidState), http.StatusConflict, ErrCodeInvalidState},
		{services.ErrConcurrentModification, http.StatusConflict, ErrCodeConcurrentModification},
		{services.ErrDuplicateEmail, http.StatusConflict, ErrCodeDuplicateEmail},
		{services.ErrInvalidCredentials, http.StatusUnauthorized, ErrCodeUnauthorized},
		{errors.New("disk on fire"), http.StatusInternalServerError, ErrCodeInternal},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		failService(c, tc.err)
		if w.Code != tc.status {
			t.Fatalf("%v: status %d, want %d", tc.err, w.Code, tc.status)
		}
		if got := decode[ErrorResponse](t, w).Code; got != tc.code {
			t.Fatalf("%v: code %q, want %q", tc.err, got, tc.code)
		}
	}
}
