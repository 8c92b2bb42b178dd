package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/google/uuid"

	"github.com/tbourn/go-care-backend/internal/domain"
	"github.com/tbourn/go-care-backend/internal/repo"
	"github.com/tbourn/go-care-backend/internal/services"
)

func (e *testEnv) ticket(t *testing.T, owner *domain.User, summary string) *domain.Ticket {
	t.Helper()
	tk := &domain.Ticket{
		UserID:      owner.ID,
		UserName:    owner.Name,
		UserEmail:   owner.Email,
		Category:    domain.CategoryRequest,
		Severity:    domain.SeverityLow,
		Summary:     summary,
		Description: summary,
	}
	if err := repo.CreateTicket(context.Background(), e.db, tk); err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	return tk
}

func strp(s string) *string { return &s }

func TestListTickets_ScopedByRole(t *testing.T) {
	e := newEnv(t)
	asha := e.user(t, "Asha Rao", "asha@example.com", domain.RoleEmployee)
	ben := e.user(t, "Ben Ko", "ben@example.com", domain.RoleEmployee)
	admin := e.user(t, "Ops Admin", "ops@example.com", domain.RoleAdmin)
	e.ticket(t, asha, "laptop")
	e.ticket(t, asha, "badge")
	e.ticket(t, ben, "parking")

	// Employees only ever see their own tickets, even when asking for others.
	w := e.do(t, call{method: http.MethodGet, path: "/tickets?user_id=" + ben.ID, as: asha})
	wantStatus(t, w, http.StatusOK, "")
	own := decode[ListTicketsResponse](t, w)
	if own.Pagination.Total != 2 {
		t.Fatalf("employee should see 2 own tickets, got %d", own.Pagination.Total)
	}
	for _, tk := range own.Tickets {
		if tk.UserID != asha.ID {
			t.Fatalf("leaked ticket of %s", tk.UserID)
		}
	}

	w = e.do(t, call{method: http.MethodGet, path: "/tickets", as: admin})
	wantStatus(t, w, http.StatusOK, "")
	if all := decode[ListTicketsResponse](t, w); all.Pagination.Total != 3 {
		t.Fatalf("admin should see 3 tickets, got %d", all.Pagination.Total)
	}

	w = e.do(t, call{method: http.MethodGet, path: "/tickets?user_id=" + ben.ID + "&page_size=1", as: admin})
	wantStatus(t, w, http.StatusOK, "")
	filtered := decode[ListTicketsResponse](t, w)
	if filtered.Pagination.Total != 1 || len(filtered.Tickets) != 1 || filtered.Tickets[0].Summary != "parking" {
		t.Fatalf("unexpected admin filter result: %+v", filtered)
	}

	wantStatus(t, e.do(t, call{method: http.MethodGet, path: "/tickets?status=closed", as: admin}), http.StatusBadRequest, ErrCodeValidation)
}

func TestListTickets_ETag(t *testing.T) {
	e := newEnv(t)
	asha := e.user(t, "Asha Rao", "asha@example.com", domain.RoleEmployee)
	admin := e.user(t, "Ops Admin", "ops@example.com", domain.RoleAdmin)
	tk := e.ticket(t, asha, "laptop")

	w := e.do(t, call{method: http.MethodGet, path: "/tickets", as: asha})
	wantStatus(t, w, http.StatusOK, "")
	etag := w.Header().Get("ETag")

	w = e.do(t, call{method: http.MethodGet, path: "/tickets", as: asha, headers: map[string]string{"If-None-Match": etag}})
	if w.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", w.Code)
	}

	upd := e.do(t, call{method: http.MethodPatch, path: "/admin/tickets/" + tk.ID, as: admin, body: services.TicketUpdate{AdminNotes: strp("called back")}})
	wantStatus(t, upd, http.StatusOK, "")

	w = e.do(t, call{method: http.MethodGet, path: "/tickets", as: asha, headers: map[string]string{"If-None-Match": etag}})
	if w.Code != http.StatusOK {
		t.Fatalf("an update must invalidate the ETag, got %d", w.Code)
	}
}

func TestUpdateTicket(t *testing.T) {
	e := newEnv(t)
	asha := e.user(t, "Asha Rao", "asha@example.com", domain.RoleEmployee)
	admin := e.user(t, "Ops Admin", "ops@example.com", domain.RoleAdmin)
	tk := e.ticket(t, asha, "laptop")
	path := "/admin/tickets/" + tk.ID

	wantStatus(t, e.do(t, call{method: http.MethodPatch, path: path, as: asha, body: services.TicketUpdate{Status: strp("resolved")}}), http.StatusForbidden, "")
	wantStatus(t, e.do(t, call{method: http.MethodPatch, path: path, as: admin, body: map[string]string{}}), http.StatusBadRequest, ErrCodeValidation)
	wantStatus(t, e.do(t, call{method: http.MethodPatch, path: path, as: admin, body: services.TicketUpdate{Status: strp("closed")}}), http.StatusBadRequest, ErrCodeValidation)
	wantStatus(t, e.do(t, call{method: http.MethodPatch, path: "/admin/tickets/" + uuid.NewString(), as: admin, body: services.TicketUpdate{Status: strp("open")}}), http.StatusNotFound, ErrCodeNotFound)
	wantStatus(t, e.do(t, call{method: http.MethodPatch, path: "/admin/tickets/nope", as: admin, body: services.TicketUpdate{Status: strp("open")}}), http.StatusBadRequest, ErrCodeBadRequest)

	w := e.do(t, call{method: http.MethodPatch, path: path, as: admin, body: services.TicketUpdate{Status: strp("resolved"), AdminNotes: strp("replaced")}})
	wantStatus(t, w, http.StatusOK, "")
	got := decode[domain.Ticket](t, w)
	if got.Status != domain.TicketResolved || got.AdminNotes != "replaced" || got.Summary != "laptop" {
		t.Fatalf("unexpected ticket: %+v", got)
	}

	e.events.mu.Lock()
	defer e.events.mu.Unlock()
	if len(e.events.names) != 1 || e.events.names[0] != domain.EventTicketUpdated {
		t.Fatalf("expected one ticket_updated event, got %v", e.events.names)
	}
}

func TestReopenTicket(t *testing.T) {
	e := newEnv(t)
	asha := e.user(t, "Asha Rao", "asha@example.com", domain.RoleEmployee)
	admin := e.user(t, "Ops Admin", "ops@example.com", domain.RoleAdmin)
	tk := e.ticket(t, asha, "laptop")
	path := "/admin/tickets/" + tk.ID + "/reopen"

	wantStatus(t, e.do(t, call{method: http.MethodPost, path: path, as: admin}), http.StatusConflict, ErrCodeInvalidState)

	wantStatus(t, e.do(t, call{method: http.MethodPatch, path: "/admin/tickets/" + tk.ID, as: admin, body: services.TicketUpdate{Status: strp("resolved")}}), http.StatusOK, "")

	w := e.do(t, call{method: http.MethodPost, path: path, as: admin})
	wantStatus(t, w, http.StatusOK, "")
	if got := decode[domain.Ticket](t, w); got.Status != domain.TicketOpen {
		t.Fatalf("expected open after reopen, got %s", got.Status)
	}
}
