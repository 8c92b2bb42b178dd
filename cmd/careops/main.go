// Command careops runs the employee-support API and its maintenance tasks.
//
// @title                       Care Ops API
// @version                     1.0
// @description                 Employee support conversations, escalation tickets and admin notifications.
// @BasePath                    /api/v1
// @securityDefinitions.apikey  BearerAuth
// @in                          header
// @name                        Authorization
// @description                 Type "Bearer" followed by a space and the JWT.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/tbourn/go-care-backend/internal/classifier"
	"github.com/tbourn/go-care-backend/internal/config"
	"github.com/tbourn/go-care-backend/internal/notify"
	"github.com/tbourn/go-care-backend/internal/repo"
	"github.com/tbourn/go-care-backend/internal/sysutil"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "careops",
		Short:         "Employee support conversations, escalation tickets and notifications",
		SilenceUsage:  true,
		SilenceErrors: false,
		Version:       appVersion(),
	}
	root.AddCommand(
		newServeCmd(),
		newImportUsersCmd(),
		newCreateAdminCmd(),
		newRetryCmd(),
	)
	return root
}

func appVersion() string {
	return sysutil.FirstNonEmpty(os.Getenv("APP_VERSION"), version)
}

// app is the state every subcommand starts from.
type app struct {
	cfg config.Config
	db  *gorm.DB
}

// bootstrap loads .env and the configuration, sets up logging, and opens and
// migrates the database.
func bootstrap() (*app, error) {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	log.Logger = sysutil.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogPretty, cfg.OTEL.ServiceName)
	zerolog.DefaultContextLogger = &log.Logger

	db, err := repo.Open(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info().Str("driver", cfg.DB.Driver).Msg("database ready")
	return &app{cfg: cfg, db: db}, nil
}

func (a *app) close() {
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// mailer picks SMTP when enabled, otherwise messages are only logged.
func (a *app) mailer() notify.Mailer {
	if a.cfg.SMTP.Enabled {
		return notify.NewSMTPMailer(a.cfg.SMTP)
	}
	log.Warn().Msg("SMTP disabled; notifications are logged only")
	return notify.LogMailer{}
}

// failureSinks always stores failures in the database so the retrier can
// find them; Redis is added when configured.
func (a *app) failureSinks() []notify.FailureSink {
	sinks := []notify.FailureSink{notify.DBFailureSink{DB: a.db}}
	if a.cfg.Redis.Addr != "" {
		sinks = append(sinks, notify.RedisFailureSink{
			Client: notify.NewRedis(a.cfg.Redis),
			Queue:  a.cfg.Redis.Queue,
		})
	}
	return sinks
}

// buildClassifier returns the configured classifier. Keyword rules apply to
// both modes.
func buildClassifier(cfg config.ClassifierConfig) (classifier.Classifier, error) {
	rules := classifier.DefaultRules()
	if cfg.RulesPath != "" {
		r, err := classifier.LoadRules(cfg.RulesPath)
		if err != nil {
			return nil, fmt.Errorf("load rules: %w", err)
		}
		rules = r
	}

	switch cfg.Mode {
	case "llm":
		budget, err := classifier.NewHistoryBudget(cfg.MaxHistoryTokens)
		if err != nil {
			return nil, fmt.Errorf("history budget: %w", err)
		}
		return classifier.NewLLM(cfg.APIKey,
			classifier.WithBaseURL(cfg.BaseURL),
			classifier.WithModel(cfg.Model),
			classifier.WithBudget(budget),
			classifier.WithRules(rules),
			classifier.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		), nil
	default:
		idx, err := classifier.LoadPlaybookIndex(cfg.PlaybookPath)
		if err != nil {
			return nil, fmt.Errorf("load playbook: %w", err)
		}
		return classifier.NewPlaybook(idx, classifier.WithPlaybookRules(rules)), nil
	}
}
