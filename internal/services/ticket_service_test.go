package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tbourn/go-care-backend/internal/domain"
	"github.com/tbourn/go-care-backend/internal/repo"
)

func strptr(s string) *string { return &s }

func newTestTicket(t *testing.T, f *fixture, u *domain.User) *domain.Ticket {
	t.Helper()
	tk, err := f.tickets.insert(context.Background(), f.db, NewTicket{
		UserID:      u.ID,
		UserName:    u.Name,
		UserEmail:   u.Email,
		Category:    domain.CategoryRequest,
		Severity:    domain.SeverityLow,
		Summary:     "Laptop replacement",
		Description: "Screen is cracked",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return tk
}

func TestTicketInsert_Validates(t *testing.T) {
	f := newFixture(t)
	u := seedUser(t, f.db, "Asha", "asha@x.com", domain.RoleEmployee)
	ctx := context.Background()

	if _, err := f.tickets.insert(ctx, f.db, NewTicket{UserID: u.ID, Summary: "x", Category: "other", Severity: domain.SeverityLow}); !errors.Is(err, ErrValidation) {
		t.Fatalf("bad category: want ErrValidation, got %v", err)
	}
	if _, err := f.tickets.insert(ctx, f.db, NewTicket{UserID: u.ID, Summary: "x", Category: domain.CategoryRequest, Severity: "urgent"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("bad severity: want ErrValidation, got %v", err)
	}
	if _, err := f.tickets.insert(ctx, f.db, NewTicket{UserID: u.ID, Category: domain.CategoryRequest, Severity: domain.SeverityLow}); !errors.Is(err, ErrMissingField) {
		t.Fatalf("missing summary: want ErrMissingField, got %v", err)
	}

	tk := newTestTicket(t, f, u)
	if tk.Status != domain.TicketOpen || tk.ID == "" || tk.UserEmail != "asha@x.com" {
		t.Fatalf("unexpected ticket: %+v", tk)
	}
	if got := f.pub.names(); len(got) != 0 {
		t.Fatalf("insert must leave publishing to the caller, got %v", got)
	}
}

func TestTicketUpdate_NotesOnlyKeepsStatusAndRefreshesTimestamp(t *testing.T) {
	f := newFixture(t)
	u := seedUser(t, f.db, "Asha", "asha@x.com", domain.RoleEmployee)
	ctx := context.Background()
	tk := newTestTicket(t, f, u)

	time.Sleep(5 * time.Millisecond)
	got, err := f.tickets.Update(ctx, tk.ID, TicketUpdate{AdminNotes: strptr("called back")})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Status != domain.TicketOpen || got.AdminNotes != "called back" {
		t.Fatalf("unexpected ticket: %+v", got)
	}
	if !got.UpdatedAt.After(tk.UpdatedAt) {
		t.Fatalf("updated_at should move forward: %v -> %v", tk.UpdatedAt, got.UpdatedAt)
	}
	if got.Summary != tk.Summary || got.Description != tk.Description || got.Severity != tk.Severity {
		t.Fatalf("descriptive fields must not change")
	}
	if len(f.pub.names()) != 0 {
		t.Fatalf("a notes-only update must not publish, got %v", f.pub.names())
	}
}

func TestTicketUpdate_AnyDirectionPublishesOnChange(t *testing.T) {
	f := newFixture(t)
	u := seedUser(t, f.db, "Asha", "asha@x.com", domain.RoleEmployee)
	ctx := context.Background()
	tk := newTestTicket(t, f, u)

	got, err := f.tickets.Update(ctx, tk.ID, TicketUpdate{Status: strptr(domain.TicketResolved)})
	if err != nil || got.Status != domain.TicketResolved {
		t.Fatalf("open -> resolved: %+v %v", got, err)
	}
	got, err = f.tickets.Update(ctx, tk.ID, TicketUpdate{Status: strptr(domain.TicketOpen)})
	if err != nil || got.Status != domain.TicketOpen {
		t.Fatalf("resolved -> open: %+v %v", got, err)
	}
	if _, err := f.tickets.Update(ctx, tk.ID, TicketUpdate{Status: strptr(domain.TicketOpen)}); err != nil {
		t.Fatalf("same-status update: %v", err)
	}

	names := f.pub.names()
	want := []string{domain.EventTicketUpdated, domain.EventTicketUpdated}
	if len(names) != len(want) {
		t.Fatalf("events = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("events = %v, want %v", names, want)
		}
	}
	if prev := f.pub.events[0].PreviousStatus; prev != domain.TicketOpen {
		t.Fatalf("previous status = %q", prev)
	}
	if f.pub.events[1].Ticket.Status != domain.TicketOpen {
		t.Fatalf("event should carry the updated ticket")
	}
}

func TestTicketUpdate_Errors(t *testing.T) {
	f := newFixture(t)
	u := seedUser(t, f.db, "Asha", "asha@x.com", domain.RoleEmployee)
	ctx := context.Background()
	tk := newTestTicket(t, f, u)

	if _, err := f.tickets.Update(ctx, tk.ID, TicketUpdate{Status: strptr("closed")}); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("want ErrInvalidStatus, got %v", err)
	}
	if _, err := f.tickets.Update(ctx, "missing", TicketUpdate{AdminNotes: strptr("x")}); !errors.Is(err, ErrTicketNotFound) {
		t.Fatalf("want ErrTicketNotFound, got %v", err)
	}
	if _, err := f.tickets.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want not found, got %v", err)
	}
}

func TestTicketPublishFailureDoesNotUndoWrite(t *testing.T) {
	f := newFixture(t)
	u := seedUser(t, f.db, "Asha", "asha@x.com", domain.RoleEmployee)
	tk := newTestTicket(t, f, u)
	f.pub.err = errors.New("smtp down")

	got, err := f.tickets.Update(context.Background(), tk.ID, TicketUpdate{Status: strptr(domain.TicketInProgress)})
	if err != nil || got.Status != domain.TicketInProgress {
		t.Fatalf("publish failure must not fail the update: %+v %v", got, err)
	}
	stored, err := repo.GetTicket(context.Background(), f.db, tk.ID)
	if err != nil || stored.Status != domain.TicketInProgress {
		t.Fatalf("write should stand despite dispatch failure: %+v %v", stored, err)
	}
}

func TestTicketReopen(t *testing.T) {
	f := newFixture(t)
	u := seedUser(t, f.db, "Asha", "asha@x.com", domain.RoleEmployee)
	ctx := context.Background()
	tk := newTestTicket(t, f, u)

	if _, err := f.tickets.Reopen(ctx, tk.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("reopen of open ticket: want ErrInvalidState, got %v", err)
	}
	if _, err := f.tickets.Update(ctx, tk.ID, TicketUpdate{Status: strptr(domain.TicketResolved)}); err != nil {
		t.Fatal(err)
	}
	got, err := f.tickets.Reopen(ctx, tk.ID)
	if err != nil || got.Status != domain.TicketOpen {
		t.Fatalf("Reopen: %+v %v", got, err)
	}
}

func TestTicketUpdate_ConcurrentStatusChangePublishesOnce(t *testing.T) {
	f := newFixture(t)
	u := seedUser(t, f.db, "Asha", "asha@x.com", domain.RoleEmployee)
	tk := newTestTicket(t, f, u)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.tickets.Update(context.Background(), tk.ID, TicketUpdate{Status: strptr(domain.TicketResolved)})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
	}

	if got := f.pub.names(); len(got) != 1 || got[0] != domain.EventTicketUpdated {
		t.Fatalf("open -> resolved should publish once, got %v", got)
	}
	if prev := f.pub.events[0].PreviousStatus; prev != domain.TicketOpen {
		t.Fatalf("previous status = %q", prev)
	}
}

func TestTicketReopen_ConcurrentCallersReopenOnce(t *testing.T) {
	f := newFixture(t)
	u := seedUser(t, f.db, "Asha", "asha@x.com", domain.RoleEmployee)
	ctx := context.Background()
	tk := newTestTicket(t, f, u)
	if _, err := f.tickets.Update(ctx, tk.ID, TicketUpdate{Status: strptr(domain.TicketResolved)}); err != nil {
		t.Fatal(err)
	}

	const callers = 6
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, lost int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.tickets.Reopen(ctx, tk.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrInvalidState):
				lost++
			default:
				t.Errorf("Reopen: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 1 || lost != callers-1 {
		t.Fatalf("reopened %d times, rejected %d", ok, lost)
	}
	if got := f.pub.names(); len(got) != 2 {
		t.Fatalf("want resolve + one reopen event, got %v", got)
	}
}

func TestTicketList_FiltersAndPages(t *testing.T) {
	f := newFixture(t)
	a := seedUser(t, f.db, "Asha", "asha@x.com", domain.RoleEmployee)
	b := seedUser(t, f.db, "Ben", "ben@x.com", domain.RoleEmployee)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		newTestTicket(t, f, a)
	}
	bt := newTestTicket(t, f, b)
	if _, err := f.tickets.Update(ctx, bt.ID, TicketUpdate{Status: strptr(domain.TicketInProgress)}); err != nil {
		t.Fatal(err)
	}

	items, total, err := f.tickets.List(ctx, repo.TicketFilter{UserID: a.ID}, 1, 2)
	if err != nil || total != 3 || len(items) != 2 {
		t.Fatalf("user filter: total=%d len=%d err=%v", total, len(items), err)
	}
	items, total, err = f.tickets.List(ctx, repo.TicketFilter{Status: domain.TicketInProgress}, 1, 10)
	if err != nil || total != 1 || items[0].ID != bt.ID {
		t.Fatalf("status filter: total=%d err=%v", total, err)
	}
	items, _, err = f.tickets.List(ctx, repo.TicketFilter{UserID: "nobody"}, 1, 10)
	if err != nil || items == nil || len(items) != 0 {
		t.Fatalf("empty list should be non-nil: %v %v", items, err)
	}
	if _, _, err := f.tickets.List(ctx, repo.TicketFilter{Status: "done"}, 1, 10); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("want ErrInvalidStatus, got %v", err)
	}
}
