package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-care-backend/internal/observability"
	"github.com/tbourn/go-care-backend/internal/repo"
)

// Retrier re-sends stored notification failures. It only touches the
// failure rows, never the tickets they refer to.
type Retrier struct {
	DB          *gorm.DB
	Mailer      Mailer
	MaxAttempts int // failures at this many attempts are left alone; default 5
	BatchSize   int // default 50
}

// RetryStats summarizes one pass.
type RetryStats struct {
	Delivered int
	Failed    int
}

// RunOnce re-sends one batch of pending failures.
func (r *Retrier) RunOnce(ctx context.Context) (RetryStats, error) {
	var stats RetryStats
	pending, err := repo.ListPendingFailures(ctx, r.DB, r.maxAttempts(), r.batchSize())
	if err != nil {
		return stats, fmt.Errorf("list pending failures: %w", err)
	}
	for _, f := range pending {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		msg := Message{To: f.RecipientList(), Cc: f.CcList(), Bcc: f.BccList(), Subject: f.Subject, Body: f.Body}
		if err := r.Mailer.Send(ctx, msg); err != nil {
			stats.Failed++
			observability.NotificationsTotal.WithLabelValues(f.Event, "retry_failed").Inc()
			if rerr := repo.RecordFailureAttempt(ctx, r.DB, f.ID, err.Error()); rerr != nil {
				return stats, rerr
			}
			continue
		}
		stats.Delivered++
		observability.NotificationsTotal.WithLabelValues(f.Event, "retried").Inc()
		if err := repo.MarkFailureDelivered(ctx, r.DB, f.ID); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// Schedule returns a cron scheduler (UTC) that runs RunOnce on spec. The
// caller starts and stops it.
func (r *Retrier) Schedule(spec string) (*cron.Cron, error) {
	c := cron.New(cron.WithLocation(time.UTC))
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		stats, err := r.RunOnce(ctx)
		ev := log.Info()
		if err != nil {
			ev = log.Error().Err(err)
		}
		ev.Int("delivered", stats.Delivered).Int("failed", stats.Failed).Msg("notification retry pass")
	})
	if err != nil {
		return nil, fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return c, nil
}

func (r *Retrier) maxAttempts() int {
	if r.MaxAttempts <= 0 {
		return 5
	}
	return r.MaxAttempts
}

func (r *Retrier) batchSize() int {
	if r.BatchSize <= 0 {
		return 50
	}
	return r.BatchSize
}
