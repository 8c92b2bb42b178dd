package notify

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"github.com/tbourn/go-care-backend/internal/domain"
)

const (
	createdSubject = `New Support Ticket Created - {{.Ticket.ID}}`
	createdBody    = `Dear Team,

A new support ticket has been created in CareOps:

Ticket Details:
- Ticket ID: {{.Ticket.ID}}
- Employee: {{.Ticket.UserName}} ({{.Ticket.UserEmail}})
- Category: {{.Ticket.Category}}
- Severity: {{.Ticket.Severity}}
- Summary: {{.Ticket.Summary}}
- Description: {{.Ticket.Description}}
- Status: {{.Ticket.Status}}
- Created: {{stamp .Ticket.CreatedAt}}

Please log in to the admin dashboard to review and respond to this ticket.

Best regards,
CareOps
`

	receivedSubject = `We received your request - {{.Ticket.ID}}`
	receivedBody    = `Dear {{.Ticket.UserName}},

Your concern has been passed to the HR team as a support ticket:

Ticket Details:
- Ticket ID: {{.Ticket.ID}}
- Category: {{.Ticket.Category}}
- Summary: {{.Ticket.Summary}}
- Status: {{.Ticket.Status}}
- Created: {{stamp .Ticket.CreatedAt}}

You will receive an email whenever the status changes.

Best regards,
CareOps
`

	updatedSubject = `Ticket Status Updated - {{.Ticket.ID}}`
	updatedBody    = `Dear {{.Ticket.UserName}},

Your support ticket has been updated:

Ticket Details:
- Ticket ID: {{.Ticket.ID}}
- Category: {{.Ticket.Category}}
- Severity: {{.Ticket.Severity}}
- Summary: {{.Ticket.Summary}}
- Status: {{with .PreviousStatus}}{{.}} -> {{end}}{{.Ticket.Status}}
- Admin Notes: {{or .Ticket.AdminNotes "None"}}
- Updated: {{stamp .Ticket.UpdatedAt}}

If you have any questions, please contact your HR team.

Best regards,
CareOps
`
)

type mailTemplate struct {
	subject *template.Template
	body    *template.Template
}

// Templates renders the subject and body of each named notification.
type Templates struct {
	byName map[string]mailTemplate
}

var funcs = template.FuncMap{
	"stamp": func(t time.Time) string { return t.UTC().Format("2006-01-02 15:04:05") },
}

// DefaultTemplates returns the built-in team notice, employee
// acknowledgment and status update templates.
func DefaultTemplates() *Templates {
	t, err := NewTemplates(map[string][2]string{
		domain.TemplateTicketCreated:  {createdSubject, createdBody},
		domain.TemplateTicketReceived: {receivedSubject, receivedBody},
		domain.TemplateTicketUpdated:  {updatedSubject, updatedBody},
	})
	if err != nil {
		panic(err)
	}
	return t
}

// NewTemplates parses subject/body pairs keyed by template name.
func NewTemplates(src map[string][2]string) (*Templates, error) {
	out := &Templates{byName: make(map[string]mailTemplate, len(src))}
	for name, pair := range src {
		subj, err := template.New(name + ".subject").Funcs(funcs).Option("missingkey=error").Parse(pair[0])
		if err != nil {
			return nil, fmt.Errorf("parse %s subject: %w", name, err)
		}
		body, err := template.New(name + ".body").Funcs(funcs).Option("missingkey=error").Parse(pair[1])
		if err != nil {
			return nil, fmt.Errorf("parse %s body: %w", name, err)
		}
		out.byName[name] = mailTemplate{subject: subj, body: body}
	}
	return out, nil
}

// Render produces the subject and body of template name for ev.
func (t *Templates) Render(name string, ev domain.TicketEvent) (string, string, error) {
	mt, ok := t.byName[name]
	if !ok {
		return "", "", fmt.Errorf("no template named %q", name)
	}
	var subj, body bytes.Buffer
	if err := mt.subject.Execute(&subj, ev); err != nil {
		return "", "", fmt.Errorf("render %s subject: %w", name, err)
	}
	if err := mt.body.Execute(&body, ev); err != nil {
		return "", "", fmt.Errorf("render %s body: %w", name, err)
	}
	return subj.String(), body.String(), nil
}

// CheckTemplate parses subject and body and renders them against a sample
// event, so a stored template that names an unknown field is rejected on
// save rather than at send time.
func CheckTemplate(subject, body string) error {
	t, err := NewTemplates(map[string][2]string{"check": {subject, body}})
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, _, err = t.Render("check", domain.TicketEvent{
		Name: domain.EventTicketUpdated,
		Ticket: domain.Ticket{
			ID: "00000000-0000-0000-0000-000000000000", UserName: "Sample", UserEmail: "sample@example.com",
			Category: domain.CategoryRequest, Severity: domain.SeverityMedium, Status: domain.TicketOpen,
			Summary: "sample", Description: "sample", CreatedAt: now, UpdatedAt: now,
		},
		PreviousStatus: domain.TicketOpen,
		OccurredAt:     now,
	})
	return err
}
