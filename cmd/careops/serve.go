package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-care-backend/docs"
	httpapi "github.com/tbourn/go-care-backend/internal/http"
	"github.com/tbourn/go-care-backend/internal/notify"
	"github.com/tbourn/go-care-backend/internal/observability"
	"github.com/tbourn/go-care-backend/internal/repo"
)

func newServeCmd() *cobra.Command {
	var purgeSpec string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(purgeSpec)
		},
	}
	cmd.Flags().StringVar(&purgeSpec, "purge-cron", "@hourly", "cron spec for deleting expired idempotency records (empty disables)")
	return cmd
}

func runServe(purgeSpec string) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.close()
	cfg := a.cfg

	ctx, stop := signalContext()
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, appVersion())
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	cls, err := buildClassifier(cfg.Classifier)
	if err != nil {
		return err
	}
	log.Info().Str("mode", cfg.Classifier.Mode).Msg("classifier ready")

	dispatcher := notify.NewDispatcher(cfg.NotifyAsync)
	notify.NewNotifier(a.db, a.mailer(), a.failureSinks()...).Register(dispatcher)

	if purgeSpec != "" {
		c := cron.New(cron.WithLocation(time.UTC))
		if _, err := c.AddFunc(purgeSpec, func() {
			n, err := repo.PurgeExpiredIdempotency(context.Background(), a.db, time.Now().UTC())
			if err != nil {
				log.Error().Err(err).Msg("purge idempotency")
				return
			}
			log.Debug().Int64("deleted", n).Msg("purged expired idempotency records")
		}); err != nil {
			return err
		}
		c.Start()
		defer c.Stop()
	}

	docs.SwaggerInfo.BasePath = cfg.APIBasePath
	docs.SwaggerInfo.Version = appVersion()

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, a.db, cls, dispatcher, cfg)

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", appVersion()).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	}

	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	// Let in-flight notifications finish before the database closes.
	dispatcher.Wait()
	return nil
}
