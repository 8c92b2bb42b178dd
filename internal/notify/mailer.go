package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"time"

	gomail "github.com/emersion/go-message/mail"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-care-backend/internal/config"
)

// Message is a plain-text email. Bcc addresses receive the message but never
// appear in its headers.
type Message struct {
	To      []string
	Cc      []string
	Bcc     []string
	Subject string
	Body    string
}

// Recipients returns every envelope recipient once, in To, Cc, Bcc order.
func (m Message) Recipients() []string {
	seen := make(map[string]struct{}, len(m.To)+len(m.Cc)+len(m.Bcc))
	out := make([]string, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	for _, list := range [][]string{m.To, m.Cc, m.Bcc} {
		for _, addr := range list {
			if _, dup := seen[addr]; dup {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}

// Mailer sends a message to every recipient or fails as a whole.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// MailerFunc adapts a function to Mailer.
type MailerFunc func(ctx context.Context, msg Message) error

// Send calls f.
func (f MailerFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

var errNoRecipients = errors.New("no recipients specified")

// SMTPMailer delivers mail over SMTP with optional STARTTLS and PLAIN auth.
type SMTPMailer struct {
	cfg     config.SMTPConfig
	timeout time.Duration
	now     func() time.Time
}

// NewSMTPMailer returns a mailer for cfg.
func NewSMTPMailer(cfg config.SMTPConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg, timeout: 15 * time.Second, now: time.Now}
}

// Send opens one SMTP session per message.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	rcpts := msg.Recipients()
	if len(rcpts) == 0 {
		return errNoRecipients
	}
	raw, err := buildMessage(m.cfg.From, msg, m.now())
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	dialer := &net.Dialer{Timeout: m.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect to SMTP server: %w", err)
	}
	deadline := time.Now().Add(m.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if m.cfg.StartTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
				return fmt.Errorf("start TLS: %w", err)
			}
		}
	}
	if m.cfg.User != "" && m.cfg.Password != "" {
		auth := smtp.PlainAuth("", m.cfg.User, m.cfg.Password, m.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp authentication: %w", err)
		}
	}

	if err := client.Mail(m.cfg.From); err != nil {
		return fmt.Errorf("set sender: %w", err)
	}
	for _, to := range rcpts {
		if err := client.Rcpt(to); err != nil {
			return fmt.Errorf("set recipient %s: %w", to, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("start data: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}
	return client.Quit()
}

// buildMessage renders msg as an RFC 5322 message with a quoted-printable
// UTF-8 text body.
func buildMessage(from string, msg Message, now time.Time) ([]byte, error) {
	var h gomail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*gomail.Address{{Name: "CareOps", Address: from}})
	if len(msg.To) > 0 {
		h.SetAddressList("To", addressList(msg.To))
	}
	if len(msg.Cc) > 0 {
		h.SetAddressList("Cc", addressList(msg.Cc))
	}
	h.SetSubject(msg.Subject)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}

	var buf bytes.Buffer
	w, err := gomail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	if _, err := io.WriteString(w, msg.Body); err != nil {
		return nil, fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close body: %w", err)
	}
	return buf.Bytes(), nil
}

func addressList(in []string) []*gomail.Address {
	out := make([]*gomail.Address, 0, len(in))
	for _, addr := range in {
		out = append(out, &gomail.Address{Address: addr})
	}
	return out
}

// LogMailer stands in for SMTP when mail is disabled. It logs the envelope
// and reports success.
type LogMailer struct{}

// Send logs msg without its body.
func (LogMailer) Send(ctx context.Context, msg Message) error {
	zerolog.Ctx(ctx).Info().
		Int("recipients", len(msg.Recipients())).
		Str("subject", msg.Subject).
		Msg("mail disabled; notification logged only")
	return nil
}
