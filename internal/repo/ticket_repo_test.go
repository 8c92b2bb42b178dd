package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/go-care-backend/internal/domain"
)

func newTicket(userID string, conv *string) *domain.Ticket {
	return &domain.Ticket{
		UserID: userID, UserName: "N", UserEmail: "n@x.io", ConversationID: conv,
		Category: domain.CategoryRequest, Severity: domain.SeverityMedium,
		Summary: "summary", Description: "description",
	}
}

func TestCreateTicket_AssignsIDStatusAndRejectsSecondForConversation(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	conv := "conv-1"

	tk := newTicket("u1", &conv)
	tk.Status = domain.TicketResolved // ignored
	if err := CreateTicket(ctx, db, tk); err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}
	if tk.ID == "" || tk.Status != domain.TicketOpen || tk.CreatedAt.IsZero() {
		t.Fatalf("unexpected ticket: %+v", tk)
	}
	if err := CreateTicket(ctx, db, newTicket("u1", &conv)); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	got, err := GetTicketByConversation(ctx, db, conv)
	if err != nil || got.ID != tk.ID {
		t.Fatalf("GetTicketByConversation: %v %+v", err, got)
	}
}

func TestUpdateTicketMutable_PartialAndNotFound(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tk := newTicket("u1", nil)
	_ = CreateTicket(ctx, db, tk)
	before := tk.UpdatedAt

	time.Sleep(5 * time.Millisecond)
	notes := "checked"
	got, err := UpdateTicketMutable(ctx, db, tk.ID, domain.TicketOpen, nil, &notes)
	if err != nil {
		t.Fatalf("UpdateTicketMutable: %v", err)
	}
	if got.Status != domain.TicketOpen || got.AdminNotes != "checked" || !got.UpdatedAt.After(before) {
		t.Fatalf("partial update wrong: %+v", got)
	}
	if got.Summary != "summary" || got.Description != "description" || got.Category != domain.CategoryRequest {
		t.Fatalf("immutable fields changed: %+v", got)
	}

	st := domain.TicketResolved
	if _, err := UpdateTicketMutable(ctx, db, "missing", domain.TicketOpen, &st, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateTicketMutable_StaleStatusConflicts(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tk := newTicket("u1", nil)
	_ = CreateTicket(ctx, db, tk)

	st := domain.TicketResolved
	if _, err := UpdateTicketMutable(ctx, db, tk.ID, domain.TicketOpen, &st, nil); err != nil {
		t.Fatalf("first write: %v", err)
	}
	// A writer that still believes the ticket is open loses.
	progress := domain.TicketInProgress
	if _, err := UpdateTicketMutable(ctx, db, tk.ID, domain.TicketOpen, &progress, nil); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	got, _ := GetTicket(ctx, db, tk.ID)
	if got.Status != domain.TicketResolved {
		t.Fatalf("stale write applied: %s", got.Status)
	}
}

func TestListTicketsPage_FilterAndStats(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	for _, u := range []string{"u1", "u1", "u2"} {
		_ = CreateTicket(ctx, db, newTicket(u, nil))
	}

	all, total, err := ListTicketsPage(ctx, db, TicketFilter{}, 0, 10)
	if err != nil || total != 3 || len(all) != 3 {
		t.Fatalf("all: total=%d len=%d err=%v", total, len(all), err)
	}
	mine, total, err := ListTicketsPage(ctx, db, TicketFilter{UserID: "u1"}, 0, 10)
	if err != nil || total != 2 || len(mine) != 2 {
		t.Fatalf("u1: total=%d len=%d err=%v", total, len(mine), err)
	}
	for _, tk := range mine {
		if tk.UserID != "u1" {
			t.Fatalf("leaked ticket %+v", tk)
		}
	}

	n, ts, err := TicketsStats(ctx, db, TicketFilter{UserID: "u2"})
	if err != nil || n != 1 || ts == nil {
		t.Fatalf("TicketsStats: n=%d ts=%v err=%v", n, ts, err)
	}
	n, ts, err = TicketsStats(ctx, db, TicketFilter{UserID: "nobody"})
	if err != nil || n != 0 || ts != nil {
		t.Fatalf("TicketsStats(empty): n=%d ts=%v err=%v", n, ts, err)
	}
}
