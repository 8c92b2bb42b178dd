package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-care-backend/internal/config"
	"github.com/tbourn/go-care-backend/internal/domain"
	"github.com/tbourn/go-care-backend/internal/repo"
)

// FailureSink stores a dispatch that could not be delivered.
type FailureSink interface {
	Record(ctx context.Context, f *domain.NotificationFailure) error
}

// DBFailureSink stores failures in the notification_failures table, which
// the retrier reads.
type DBFailureSink struct {
	DB *gorm.DB
}

// Record inserts f.
func (s DBFailureSink) Record(ctx context.Context, f *domain.NotificationFailure) error {
	return repo.CreateFailure(ctx, s.DB, f)
}

// RedisFailureSink pushes failures as JSON onto a Redis list for external
// consumers.
type RedisFailureSink struct {
	Client *redis.Client
	Queue  string
}

type queuedFailure struct {
	ID         string    `json:"id"`
	TicketID   string    `json:"ticket_id"`
	Event      string    `json:"event"`
	Recipients []string  `json:"recipients"`
	Cc         []string  `json:"cc,omitempty"`
	Bcc        []string  `json:"bcc,omitempty"`
	Subject    string    `json:"subject"`
	LastError  string    `json:"last_error"`
	FailedAt   time.Time `json:"failed_at"`
}

// Record RPUSHes a summary of f. The body is left out of the queue entry.
func (s RedisFailureSink) Record(ctx context.Context, f *domain.NotificationFailure) error {
	payload, err := json.Marshal(queuedFailure{
		ID:         f.ID,
		TicketID:   f.TicketID,
		Event:      f.Event,
		Recipients: f.RecipientList(),
		Cc:         f.CcList(),
		Bcc:        f.BccList(),
		Subject:    f.Subject,
		LastError:  f.LastError,
		FailedAt:   time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := s.Client.RPush(ctx, s.Queue, payload).Err(); err != nil {
		return fmt.Errorf("redis rpush %s: %w", s.Queue, err)
	}
	return nil
}

// NewRedis connects to Redis. An unreachable server is logged, not fatal:
// the client reconnects on use.
func NewRedis(cfg config.RedisConfig) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Addr).Msg("unable to reach redis")
	} else {
		log.Info().Str("addr", cfg.Addr).Msg("connected to redis")
	}
	return client
}
