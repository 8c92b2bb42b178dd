package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-care-backend/internal/auth"
	"github.com/tbourn/go-care-backend/internal/classifier"
	"github.com/tbourn/go-care-backend/internal/domain"
	"github.com/tbourn/go-care-backend/internal/http/middleware"
	"github.com/tbourn/go-care-backend/internal/notify"
	"github.com/tbourn/go-care-backend/internal/repo"
	"github.com/tbourn/go-care-backend/internal/services"
)

// ---------- test DB + wiring ----------

func newHandlerDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "handlers.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Logger = logger.Default.LogMode(logger.Silent)
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		t.Cleanup(func() { _ = sqlDB.Close() })
	}
	return db
}

// verdicts is a switchable classifier.
type verdicts struct {
	mu    sync.Mutex
	next  classifier.Result
	err   error
	calls int
}

func (v *verdicts) Classify(context.Context, []classifier.Turn) (classifier.Result, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	return v.next, v.err
}

func (v *verdicts) set(r classifier.Result, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.next, v.err = r, err
}

func (v *verdicts) count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

var (
	clarify = classifier.Result{Reply: "Tell me more about that.", Category: domain.CategoryWellness, Severity: domain.SeverityMedium}
	solve   = classifier.Result{Reply: "Try blocking focus time.", Category: domain.CategoryWellness, Severity: domain.SeverityHigh, LikelyResolved: true}
)

type events struct {
	mu    sync.Mutex
	names []string
}

func (e *events) Publish(_ context.Context, ev domain.TicketEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.names = append(e.names, ev.Name)
	return nil
}

type testEnv struct {
	db     *gorm.DB
	cls    *verdicts
	events *events
	tokens *auth.TokenManager
	r      *gin.Engine
}

// newEnv mounts the handlers over real services. Identity comes from the
// X-Test-User and X-Test-Role headers so tests do not need tokens, except
// for the login route.
func newEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := newHandlerDB(t)
	cls := &verdicts{next: clarify}
	ev := &events{}
	tm := auth.NewTokenManager("0123456789abcdef0123", time.Hour)

	users := &services.UserService{DB: db, BcryptCost: 4}
	tickets := &services.TicketService{DB: db, Events: ev}
	conv := &services.ConversationService{DB: db, Classifier: cls, MaxMessageRunes: 500}
	h := New(Deps{
		Conversations: conv,
		Resolutions:   &services.ResolutionService{DB: db, Tickets: tickets},
		Tickets:       tickets,
		Users:         users,
		Importer:      &services.ImportService{DB: db, Users: users},
		Roster:        &services.RosterService{DB: db},
		Templates:     &services.TemplateService{DB: db, Check: notify.CheckTemplate},
		Tokens:        tm,
		DB:            db,
	})

	r := gin.New()
	r.POST("/auth/login", h.Login)

	api := r.Group("", func(c *gin.Context) {
		if uid := c.GetHeader("X-Test-User"); uid != "" {
			c.Set(middleware.CtxKeyUserID, uid)
			c.Set(middleware.CtxKeyRole, c.GetHeader("X-Test-Role"))
		}
		c.Next()
	}, middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, nil))
	api.POST("/chat/messages", h.PostMessage)
	api.POST("/chat/conversations/:id/resolution", h.ResolveConversation)
	api.GET("/chat/history", h.GetHistory)
	api.GET("/tickets", h.ListTickets)

	admin := api.Group("/admin", middleware.RequireAdmin())
	admin.PATCH("/tickets/:id", h.UpdateTicket)
	admin.POST("/tickets/:id/reopen", h.ReopenTicket)
	admin.GET("/conversations", h.ListConversations)
	admin.PUT("/conversations/:id/review", h.ReviewConversation)
	admin.GET("/users", h.ListUsers)
	admin.POST("/users", h.CreateUser)
	admin.POST("/users/import", h.ImportUsers)
	admin.PUT("/users/:id", h.UpdateUser)
	admin.DELETE("/users/:id", h.DeleteUser)
	admin.GET("/users/:id/history", h.GetUserHistory)
	admin.GET("/notification-roster", h.GetRoster)
	admin.PUT("/notification-roster", h.PutRoster)
	admin.GET("/email-templates", h.ListEmailTemplates)
	admin.POST("/email-templates", h.SaveEmailTemplate)
	admin.DELETE("/email-templates/:id", h.DeleteEmailTemplate)

	return &testEnv{db: db, cls: cls, events: ev, tokens: tm, r: r}
}

func (e *testEnv) user(t *testing.T, name, email, role string) *domain.User {
	t.Helper()
	u := &domain.User{Name: name, Email: email, PasswordHash: "x", Role: role}
	if err := repo.CreateUser(context.Background(), e.db, u); err != nil {
		t.Fatalf("CreateUser(%s): %v", email, err)
	}
	return u
}

type call struct {
	method, path string
	body         any
	as           *domain.User
	headers      map[string]string
}

func (e *testEnv) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if c.body != nil {
		if err := json.NewEncoder(&buf).Encode(c.body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(c.method, c.path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if c.as != nil {
		req.Header.Set("X-Test-User", c.as.ID)
		req.Header.Set("X-Test-Role", c.as.Role)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %T: %v (body=%s)", v, err, w.Body.String())
	}
	return v
}

func wantStatus(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d (body=%s)", w.Code, status, w.Body.String())
	}
	if code == "" {
		return
	}
	if got := decode[ErrorResponse](t, w).Code; got != code {
		t.Fatalf("code = %q, want %q", got, code)
	}
}

// awaiting drives a fresh conversation into awaiting_resolution_choice.
func (e *testEnv) awaiting(t *testing.T, u *domain.User) services.SubmitResult {
	t.Helper()
	e.cls.set(solve, nil)
	w := e.do(t, call{method: http.MethodPost, path: "/chat/messages", as: u, body: PostMessageRequest{Message: "I feel overwhelmed"}})
	wantStatus(t, w, http.StatusOK, "")
	res := decode[services.SubmitResult](t, w)
	if !res.RequiresResolutionChoice {
		t.Fatalf("expected resolution choice, got %+v", res)
	}
	return res
}
