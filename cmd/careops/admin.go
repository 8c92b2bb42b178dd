package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-care-backend/internal/domain"
	"github.com/tbourn/go-care-backend/internal/importer"
	"github.com/tbourn/go-care-backend/internal/services"
)

func newImportUsersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import-users <file.csv|file.xlsx>",
		Short: "Bulk-create users from a spreadsheet and print the report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.close()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			rows, err := importer.Decode(filepath.Base(args[0]), f)
			if err != nil {
				return err
			}
			users := &services.UserService{DB: a.db, BcryptCost: a.cfg.Auth.BcryptCost}
			imp := &services.ImportService{DB: a.db, Users: users}
			report, err := imp.ImportBatch(cmd.Context(), rows)
			if err != nil {
				return err
			}
			log.Info().Int("created", report.CreatedCount).Int("skipped", len(report.SkippedRows)).Msg("import finished")

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}

func newCreateAdminCmd() *cobra.Command {
	var name, email, password string
	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an administrator account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.close()

			users := &services.UserService{DB: a.db, BcryptCost: a.cfg.Auth.BcryptCost}
			u, generated, err := users.Create(cmd.Context(), services.NewUser{
				Name:     name,
				Email:    email,
				Password: password,
				Role:     domain.RoleAdmin,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created admin %s (%s)\n", u.Email, u.ID)
			if generated != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "generated password: %s\n", generated)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&email, "email", "", "login email")
	cmd.Flags().StringVar(&password, "password", "", "password (generated when empty)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}
