package repo

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/tbourn/go-care-backend/internal/domain"
)

func TestEmailTemplate_UpsertByName(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	first, created, err := SaveEmailTemplate(ctx, db, &domain.EmailTemplate{
		Name:    domain.TemplateTicketCreated,
		Subject: "New ticket {{.Ticket.ID}}",
		Body:    "v1",
		To:      domain.EncodeList([]string{"hr@corp.io"}),
		Active:  true,
	})
	if err != nil || !created {
		t.Fatalf("first save: created=%v err=%v", created, err)
	}

	second, created, err := SaveEmailTemplate(ctx, db, &domain.EmailTemplate{
		Name:    domain.TemplateTicketCreated,
		Subject: "Ticket {{.Ticket.ID}}",
		Body:    "v2",
		Bcc:     domain.EncodeList([]string{"audit@corp.io"}),
		Active:  true,
	})
	if err != nil || created {
		t.Fatalf("second save: created=%v err=%v", created, err)
	}
	if second.ID != first.ID {
		t.Fatalf("upsert changed the id: %s -> %s", first.ID, second.ID)
	}
	if second.Body != "v2" || len(second.ToList()) != 0 || !reflect.DeepEqual(second.BccList(), []string{"audit@corp.io"}) {
		t.Fatalf("template not replaced: %+v", second)
	}

	all, err := ListEmailTemplates(ctx, db)
	if err != nil || len(all) != 1 {
		t.Fatalf("list: n=%d err=%v", len(all), err)
	}
}

func TestEmailTemplate_InactiveIsNotResolved(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, _, err := SaveEmailTemplate(ctx, db, &domain.EmailTemplate{
		Name: domain.TemplateTicketUpdated, Subject: "s", Body: "b", Active: false,
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := GetActiveEmailTemplate(ctx, db, domain.TemplateTicketUpdated); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for inactive template, got %v", err)
	}
}

func TestEmailTemplate_Delete(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	tpl, _, err := SaveEmailTemplate(ctx, db, &domain.EmailTemplate{
		Name: domain.TemplateTicketReceived, Subject: "s", Body: "b", Active: true,
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := DeleteEmailTemplate(ctx, db, tpl.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := DeleteEmailTemplate(ctx, db, tpl.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: expected ErrNotFound, got %v", err)
	}
}
