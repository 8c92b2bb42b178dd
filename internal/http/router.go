// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, authentication, idempotency, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Identity before idempotency and rate limiting, so both key on the user
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-care-backend/internal/auth"
	"github.com/tbourn/go-care-backend/internal/classifier"
	"github.com/tbourn/go-care-backend/internal/config"
	"github.com/tbourn/go-care-backend/internal/http/handlers"
	"github.com/tbourn/go-care-backend/internal/http/middleware"
	"github.com/tbourn/go-care-backend/internal/notify"
	"github.com/tbourn/go-care-backend/internal/repo"
	"github.com/tbourn/go-care-backend/internal/services"
)

// maxBodyBytes caps request bodies. Imports are the largest payloads.
const maxBodyBytes = 8 << 20

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It builds the services from db, cls and events, then mounts the
// versioned API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. CORS, security headers and gzip
//
// Per group:
//  8. Authenticate (bearer token)
//  9. Idempotency validator (before rate limiter to allow bypass on replay)
//  10. Rate limiter (per user, or per IP on /auth/login)
//  11. RequireAdmin on /admin
func RegisterRoutes(r *gin.Engine, db *gorm.DB, cls classifier.Classifier, events services.EventPublisher, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{middleware.HeaderIdempotencyKey},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit
	r.Use(limitBody(maxBodyBytes))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) CORS posture (safe defaults: allow all if none configured)
	allowHeaders := []string{"Origin", "Content-Type", "Accept", "Authorization", "If-None-Match", middleware.HeaderIdempotencyKey}
	exposeHeaders := []string{"X-Request-ID", "Content-Length", "ETag", "Idempotency-Replayed"}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS).
	// Listings stay cacheable for If-None-Match; tokens and generated
	// passwords do not.
	apiBase := cfg.APIBasePath // e.g. "/api/v1"
	prefix := strings.TrimSuffix(apiBase, "/")
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStorePaths: []string{prefix + "/auth/", prefix + "/admin/users"},
		EnablePolicy: true,
	}))

	// Compress JSON listings; /metrics is scraped uncompressed.
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) {
		status := http.StatusOK
		body := gin.H{"status": "ok"}
		if err := pingDB(c.Request.Context(), db); err != nil {
			status = http.StatusServiceUnavailable
			body = gin.H{"status": "degraded", "db": err.Error()}
		}
		c.JSON(status, body)
	})

	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// Dependency injection: services ← repo/db/classifier/events
	tm := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.JWTTTL)
	users := &services.UserService{DB: db, BcryptCost: cfg.Auth.BcryptCost}
	tickets := &services.TicketService{DB: db, Events: events}
	h := handlers.New(handlers.Deps{
		Conversations: &services.ConversationService{
			DB:              db,
			Classifier:      cls,
			MaxMessageRunes: cfg.MaxMessageRunes,
		},
		Resolutions:    &services.ResolutionService{DB: db, Tickets: tickets},
		Tickets:        tickets,
		Users:          users,
		Importer:       &services.ImportService{DB: db, Users: users},
		Roster:         &services.RosterService{DB: db},
		Templates:      &services.TemplateService{DB: db, Check: notify.CheckTemplate},
		Tokens:         tm,
		DB:             db,
		IdempotencyTTL: cfg.IdempotencyTTL,
	})

	// Token-bucket rate limiter per user/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	loginRL := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByIP())
	loginRL.Name = "login"

	api := groupWithPrefix(r, apiBase)

	// Public
	api.POST("/auth/login", loginRL.Handler(), h.Login)

	// Authenticated
	authed := api.Group("",
		middleware.Authenticate(tm),
		middleware.IdempotencyValidator(
			middleware.IdempotencyOptions{MaxLen: 200, Scope: idempotencyScope},
			func(ctx context.Context, userID, scope, key string, now time.Time) (bool, error) {
				_, err := repo.GetIdempotency(ctx, db, userID, scope, key, now)
				if errors.Is(err, repo.ErrNotFound) {
					return false, nil
				}
				return err == nil, err
			},
		),
		rl.Handler(),
	)
	{
		// Chat
		authed.POST("/chat/messages", h.PostMessage)
		authed.POST("/chat/conversations/:id/resolution", h.ResolveConversation)
		authed.GET("/chat/history", h.GetHistory)

		// Tickets
		authed.GET("/tickets", h.ListTickets)
	}

	admin := authed.Group("/admin", middleware.RequireAdmin())
	{
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
	}
}

// idempotencyScope maps a request to the scope its replay record is stored
// under. Chat submissions name their conversation in the body, which the
// middleware does not read, so it checks the "new" scope and leaves the exact
// lookup to the handler.
func idempotencyScope(c *gin.Context) string {
	if id := c.Param("id"); id != "" {
		return id
	}
	return handlers.ScopeNew
}

// pingDB checks the storage connection with a short deadline.
func pingDB(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
