package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-care-backend/internal/classifier"
	"github.com/tbourn/go-care-backend/internal/domain"
	"github.com/tbourn/go-care-backend/internal/repo"
)

// ---------- test helpers ----------

func newSvcDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "svc.db"))
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

func seedUser(t *testing.T, db *gorm.DB, name, email, role string) *domain.User {
	t.Helper()
	u := &domain.User{Name: name, Email: email, PasswordHash: "x", Role: role}
	if err := repo.CreateUser(context.Background(), db, u); err != nil {
		t.Fatalf("CreateUser(%s): %v", email, err)
	}
	return u
}

// scriptedClassifier answers from a fixed verdict and records the
// histories it was given.
type scriptedClassifier struct {
	mu      sync.Mutex
	verdict classifier.Result
	err     error
	calls   [][]classifier.Turn
}

func (s *scriptedClassifier) Classify(_ context.Context, history []classifier.Turn) (classifier.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, append([]classifier.Turn(nil), history...))
	if s.err != nil {
		return classifier.Result{}, s.err
	}
	return s.verdict, nil
}

func (s *scriptedClassifier) set(v classifier.Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verdict, s.err = v, err
}

func clarifying() classifier.Result {
	return classifier.Result{Reply: "Can you tell me more?", Category: domain.CategoryWellness, Severity: domain.SeverityMedium}
}

func solving() classifier.Result {
	return classifier.Result{
		Reply:          "1. Block focus time.\n2. Agree priorities with your lead.",
		Category:       domain.CategoryWellness,
		Severity:       domain.SeverityHigh,
		LikelyResolved: true,
	}
}

// recordingPublisher captures published ticket events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.TicketEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev domain.TicketEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Name)
	}
	return out
}

type fixture struct {
	db      *gorm.DB
	cls     *scriptedClassifier
	pub     *recordingPublisher
	conv    *ConversationService
	resolve *ResolutionService
	tickets *TicketService
	users   *UserService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newSvcDB(t)
	cls := &scriptedClassifier{verdict: clarifying()}
	pub := &recordingPublisher{}
	tickets := &TicketService{DB: db, Events: pub}
	return &fixture{
		db:      db,
		cls:     cls,
		pub:     pub,
		conv:    &ConversationService{DB: db, Classifier: cls, MaxMessageRunes: 200},
		resolve: &ResolutionService{DB: db, Tickets: tickets},
		tickets: tickets,
		users:   &UserService{DB: db, BcryptCost: bcrypt.MinCost},
	}
}

// awaiting drives a fresh conversation of u into awaiting_resolution_choice.
func (f *fixture) awaiting(t *testing.T, u *domain.User, text string) string {
	t.Helper()
	f.cls.set(solving(), nil)
	res, err := f.conv.Submit(context.Background(), u.ID, "", text)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.RequiresResolutionChoice {
		t.Fatalf("expected resolution choice: %+v", res)
	}
	return res.ConversationID
}

func countTickets(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	if err := db.Model(&domain.Ticket{}).Count(&n).Error; err != nil {
		t.Fatalf("count tickets: %v", err)
	}
	return n
}
