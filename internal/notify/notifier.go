package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-care-backend/internal/domain"
	"github.com/tbourn/go-care-backend/internal/observability"
	"github.com/tbourn/go-care-backend/internal/repo"
	"github.com/tbourn/go-care-backend/internal/services"
)

// Notifier mails ticket events. Admins, the roster and stored templates are
// read fresh for every event so edits apply to the very next ticket.
type Notifier struct {
	DB        *gorm.DB
	Mailer    Mailer
	Templates *Templates // built-in fallbacks for names without an active stored template
	Sinks     []FailureSink
}

// NewNotifier wires a notifier with the default templates.
func NewNotifier(db *gorm.DB, mailer Mailer, sinks ...FailureSink) *Notifier {
	return &Notifier{DB: db, Mailer: mailer, Templates: DefaultTemplates(), Sinks: sinks}
}

// Register subscribes the notifier to both ticket events.
func (n *Notifier) Register(d *Dispatcher) {
	d.Subscribe(domain.EventTicketCreated, n.HandleTicketCreated)
	d.Subscribe(domain.EventTicketUpdated, n.HandleTicketUpdated)
}

// HandleTicketCreated sends two messages: the team notice to admins (minus
// exclusions) and additional recipients, and a separate acknowledgment to
// the ticket's creator. The creator never receives the team notice.
func (n *Notifier) HandleTicketCreated(ctx context.Context, ev domain.TicketEvent) error {
	admins, err := repo.ListAdmins(ctx, n.DB)
	if err != nil {
		return n.lookupFailed(ctx, ev, err)
	}
	roster, err := repo.GetRoster(ctx, n.DB)
	if err != nil {
		return n.lookupFailed(ctx, ev, err)
	}
	creator := services.ComputeRecipients(nil, domain.NotificationRoster{}, ev.Ticket.UserEmail)
	team := without(services.ComputeRecipients(admins, *roster, ""), creator)

	return errors.Join(
		n.deliver(ctx, ev, domain.TemplateTicketCreated, team),
		n.deliver(ctx, ev, domain.TemplateTicketReceived, creator),
	)
}

// HandleTicketUpdated mails the ticket's creator about a status change.
func (n *Notifier) HandleTicketUpdated(ctx context.Context, ev domain.TicketEvent) error {
	to := services.ComputeRecipients(nil, domain.NotificationRoster{}, ev.Ticket.UserEmail)
	return n.deliver(ctx, ev, domain.TemplateTicketUpdated, to)
}

func (n *Notifier) deliver(ctx context.Context, ev domain.TicketEvent, name string, to []string) error {
	tr := otel.Tracer("notify/Notifier")
	ctx, span := tr.Start(ctx, "Deliver",
		trace.WithAttributes(
			attribute.String("ticket.id", ev.Ticket.ID),
			attribute.String("event", ev.Name),
			attribute.String("template", name),
		),
	)
	defer span.End()

	subject, body, stored, err := n.compose(ctx, name, ev)
	if err != nil {
		span.SetStatus(codes.Error, "render failed")
		observability.NotificationsTotal.WithLabelValues(ev.Name, "failed").Inc()
		return fmt.Errorf("%w: %w", services.ErrDispatchFailure, err)
	}
	msg := envelope(to, stored)
	msg.Subject, msg.Body = subject, body
	rcpts := len(msg.Recipients())
	span.SetAttributes(attribute.Int("recipients", rcpts))

	if rcpts == 0 {
		observability.NotificationsTotal.WithLabelValues(ev.Name, "skipped").Inc()
		return nil
	}

	if err := n.Mailer.Send(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		observability.NotificationsTotal.WithLabelValues(ev.Name, "failed").Inc()
		zerolog.Ctx(ctx).Warn().Err(err).
			Str("code", "DispatchFailure").
			Str("ticket_id", ev.Ticket.ID).
			Str("event", ev.Name).
			Str("template", name).
			Int("recipients", rcpts).
			Msg("notification not sent; stored for retry")
		n.store(ctx, &domain.NotificationFailure{
			TicketID:   ev.Ticket.ID,
			Event:      ev.Name,
			Recipients: domain.EncodeList(msg.To),
			Cc:         domain.EncodeList(msg.Cc),
			Bcc:        domain.EncodeList(msg.Bcc),
			Subject:    subject,
			Body:       body,
			LastError:  err.Error(),
		})
		return fmt.Errorf("%w: %w", services.ErrDispatchFailure, err)
	}

	observability.NotificationsTotal.WithLabelValues(ev.Name, "sent").Inc()
	zerolog.Ctx(ctx).Info().
		Str("ticket_id", ev.Ticket.ID).
		Str("event", ev.Name).
		Str("template", name).
		Int("recipients", rcpts).
		Msg("notification sent")
	return nil
}

// compose renders template name for ev. An active stored template wins over
// the built-in one; a stored template that fails to render falls back to the
// built-in text but keeps its recipients.
func (n *Notifier) compose(ctx context.Context, name string, ev domain.TicketEvent) (string, string, *domain.EmailTemplate, error) {
	stored, err := repo.GetActiveEmailTemplate(ctx, n.DB, name)
	switch {
	case err == nil:
		subject, body, rerr := renderStored(name, stored, ev)
		if rerr == nil {
			return subject, body, stored, nil
		}
		zerolog.Ctx(ctx).Warn().Err(rerr).
			Str("template", name).
			Str("ticket_id", ev.Ticket.ID).
			Msg("stored email template unusable; using built-in text")
	case !errors.Is(err, repo.ErrNotFound):
		zerolog.Ctx(ctx).Warn().Err(err).
			Str("template", name).
			Msg("email template lookup failed; using built-in template")
	}
	subject, body, err := n.Templates.Render(name, ev)
	return subject, body, stored, err
}

func renderStored(name string, t *domain.EmailTemplate, ev domain.TicketEvent) (string, string, error) {
	tpl, err := NewTemplates(map[string][2]string{name: {t.Subject, t.Body}})
	if err != nil {
		return "", "", err
	}
	return tpl.Render(name, ev)
}

// envelope merges the computed recipients with the fixed ones of a stored
// template. Each address appears in at most one of To, Cc and Bcc.
func envelope(to []string, stored *domain.EmailTemplate) Message {
	if stored == nil {
		return Message{To: to}
	}
	msg := Message{To: union(to, stored.ToList())}
	msg.Cc = without(union(nil, stored.CcList()), msg.To)
	msg.Bcc = without(union(nil, stored.BccList()), append(append([]string(nil), msg.To...), msg.Cc...))
	return msg
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, e := range list {
			e = strings.ToLower(strings.TrimSpace(e))
			if e == "" {
				continue
			}
			if _, dup := seen[e]; dup {
				continue
			}
			seen[e] = struct{}{}
			out = append(out, e)
		}
	}
	return out
}

func without(list, drop []string) []string {
	skip := make(map[string]struct{}, len(drop))
	for _, e := range drop {
		skip[e] = struct{}{}
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		if _, ok := skip[e]; !ok {
			out = append(out, e)
		}
	}
	return out
}

func (n *Notifier) lookupFailed(ctx context.Context, ev domain.TicketEvent, err error) error {
	observability.NotificationsTotal.WithLabelValues(ev.Name, "failed").Inc()
	zerolog.Ctx(ctx).Warn().Err(err).
		Str("code", "DispatchFailure").
		Str("ticket_id", ev.Ticket.ID).
		Msg("could not resolve notification recipients")
	return fmt.Errorf("%w: %w", services.ErrDispatchFailure, err)
}

// store hands f to every sink. Sink errors are logged and otherwise ignored.
func (n *Notifier) store(ctx context.Context, f *domain.NotificationFailure) {
	for _, s := range n.Sinks {
		if err := s.Record(ctx, f); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).
				Str("ticket_id", f.TicketID).
				Msg("failed to store notification failure")
		}
	}
}
