package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-care-backend/internal/notify"
)

func newRetryCmd() *cobra.Command {
	var (
		spec        string
		maxAttempts int
		batch       int
	)
	cmd := &cobra.Command{
		Use:   "retry-notifications",
		Short: "Re-send stored notification failures once, or on a cron schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.close()

			r := &notify.Retrier{DB: a.db, Mailer: a.mailer(), MaxAttempts: maxAttempts, BatchSize: batch}
			if spec == "" {
				stats, err := r.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "delivered=%d failed=%d\n", stats.Delivered, stats.Failed)
				return nil
			}

			c, err := r.Schedule(spec)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			c.Start()
			log.Info().Str("cron", spec).Msg("notification retrier scheduled")
			<-ctx.Done()
			<-c.Stop().Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&spec, "cron", "", "cron spec, e.g. \"*/15 * * * *\"; runs once when empty")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 5, "skip failures that already had this many attempts")
	cmd.Flags().IntVar(&batch, "batch", 50, "failures per pass")
	return cmd
}
