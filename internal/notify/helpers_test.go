package notify

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-care-backend/internal/domain"
	"github.com/tbourn/go-care-backend/internal/repo"
)

// ---------- test helpers ----------

func newNotifyDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "notify.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Logger = logger.Default.LogMode(logger.Silent)
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		t.Cleanup(func() { _ = sqlDB.Close() })
	}
	return db
}

func seedUser(t *testing.T, db *gorm.DB, email, role string) {
	t.Helper()
	u := &domain.User{Name: email, Email: email, PasswordHash: "x", Role: role}
	if err := repo.CreateUser(context.Background(), db, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
}

// fakeMailer records messages and fails while err is set.
type fakeMailer struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (m *fakeMailer) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *fakeMailer) messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}

type recordingSink struct {
	mu  sync.Mutex
	got []domain.NotificationFailure
}

func (s *recordingSink) Record(_ context.Context, f *domain.NotificationFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, *f)
	return nil
}

func sampleTicket() domain.Ticket {
	return domain.Ticket{
		ID:          "t-1",
		UserID:      "u-1",
		UserName:    "Asha",
		UserEmail:   "asha@x.com",
		Category:    domain.CategoryWellness,
		Severity:    domain.SeverityHigh,
		Summary:     "Unresolved concern: too much work",
		Description: "too much work",
		Status:      domain.TicketOpen,
	}
}

// smtpSession is what the fake server saw in one connection.
type smtpSession struct {
	from string
	rcpt []string
	data string
}

// startFakeSMTPServer accepts plain SMTP without extensions and reports
// each completed session on the returned channel.
func startFakeSMTPServer(t *testing.T) (string, int, <-chan smtpSession) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start fake SMTP server: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	sessions := make(chan smtpSession, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handleFakeSMTPConnection(conn, sessions)
		}
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return host, port, sessions
}

func handleFakeSMTPConnection(conn net.Conn, out chan<- smtpSession) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	write := func(msg string) {
		_, _ = writer.WriteString(msg)
		_ = writer.Flush()
	}

	var s smtpSession
	write("220 localhost ESMTP\r\n")
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimSpace(line)
		upper := strings.ToUpper(cmd)
		switch {
		case strings.HasPrefix(upper, "EHLO"), strings.HasPrefix(upper, "HELO"):
			write("250-localhost\r\n250 OK\r\n")
		case strings.HasPrefix(upper, "MAIL FROM"):
			s.from = cmd
			write("250 OK\r\n")
		case strings.HasPrefix(upper, "RCPT TO"):
			s.rcpt = append(s.rcpt, cmd)
			write("250 OK\r\n")
		case strings.HasPrefix(upper, "DATA"):
			write("354 End data with <CR><LF>.<CR><LF>\r\n")
			var b strings.Builder
			for {
				dataLine, err := reader.ReadString('\n')
				if err != nil {
					return
				}
				if dataLine == ".\r\n" {
					break
				}
				b.WriteString(dataLine)
			}
			s.data = b.String()
			write("250 OK\r\n")
		case strings.HasPrefix(upper, "QUIT"):
			write("221 Bye\r\n")
			out <- s
			return
		default:
			write("250 OK\r\n")
		}
	}
}
