// Package services – ImportService
//
// ImportService is the bulk user importer. Rows are processed one at a
// time and independently: a bad row is reported and skipped, never fatal
// to the batch.
//
// Duplicate detection uses a snapshot of stored emails taken at batch start
// plus the emails already seen in the batch (first occurrence wins). Two
// batches imported in parallel can both believe an address is free; the
// unique index on users.email then rejects the later insert, which is
// reported as DuplicateEmail like any other duplicate.

package services

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-care-backend/internal/observability"
	"github.com/tbourn/go-care-backend/internal/repo"
)

// Skip reasons reported per row.
const (
	ReasonMissingRequiredField = "MissingRequiredField"
	ReasonDuplicateEmail       = "DuplicateEmail"
	ReasonInvalidEmail         = "InvalidEmail"
	ReasonInvalidRole          = "InvalidRole"
	ReasonWeakPassword         = "WeakPassword"
	ReasonStoreError           = "StoreError"
)

// ImportRow is one record of a batch. Only Name and Email are required.
type ImportRow struct {
	Name             string `json:"name"`
	Email            string `json:"email"`
	Password         string `json:"password,omitempty"`
	Role             string `json:"role,omitempty"`
	Designation      string `json:"designation,omitempty"`
	BusinessUnit     string `json:"business_unit,omitempty"`
	ReportingManager string `json:"reporting_manager,omitempty"`
}

// SkippedRow reports why a row was not imported. RowIndex is 0-based.
type SkippedRow struct {
	RowIndex int    `json:"row_index"`
	Reason   string `json:"reason"`
}

// Credential is a generated password, reported out of band.
type Credential struct {
	RowIndex int    `json:"row_index"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// ImportReport is the complete per-row outcome of a batch.
type ImportReport struct {
	CreatedCount int          `json:"created_count"`
	SkippedRows  []SkippedRow `json:"skipped_rows"`
	Credentials  []Credential `json:"credentials"`
}

// snapshotEmails reads the stored emails at batch start.
var snapshotEmails = repo.AllEmails

// ImportService creates users in bulk.
type ImportService struct {
	DB    *gorm.DB
	Users *UserService
}

// ImportBatch imports rows and reports every outcome. The returned error is
// non-nil only when the batch could not start at all.
func (s *ImportService) ImportBatch(ctx context.Context, rows []ImportRow) (*ImportReport, error) {
	tr := otel.Tracer("services/ImportService")
	ctx, span := tr.Start(ctx, "ImportBatch", trace.WithAttributes(attribute.Int("import.rows", len(rows))))
	defer span.End()

	existing, err := snapshotEmails(ctx, s.DB)
	if err != nil {
		return nil, err
	}

	report := &ImportReport{SkippedRows: []SkippedRow{}, Credentials: []Credential{}}
	seen := make(map[string]struct{}, len(rows))
	skip := func(i int, reason string) {
		report.SkippedRows = append(report.SkippedRows, SkippedRow{RowIndex: i, Reason: reason})
		observability.ImportRowsTotal.WithLabelValues(reason).Inc()
	}

	for i, row := range rows {
		in, err := normalizeNewUser(NewUser(row))
		if err != nil {
			skip(i, reasonFor(err))
			continue
		}
		if _, dup := existing[in.Email]; dup {
			skip(i, ReasonDuplicateEmail)
			continue
		}
		if _, dup := seen[in.Email]; dup {
			skip(i, ReasonDuplicateEmail)
			continue
		}
		seen[in.Email] = struct{}{}

		u, generated, err := s.Users.store(ctx, in)
		if err != nil {
			if !errors.Is(err, ErrDuplicateEmail) {
				zerolog.Ctx(ctx).Warn().Err(err).Int("row_index", i).Msg("import row failed")
			}
			skip(i, reasonFor(err))
			continue
		}
		report.CreatedCount++
		observability.ImportRowsTotal.WithLabelValues("created").Inc()
		if generated != "" {
			report.Credentials = append(report.Credentials, Credential{RowIndex: i, Email: u.Email, Password: generated})
		}
	}

	span.SetAttributes(
		attribute.Int("import.created", report.CreatedCount),
		attribute.Int("import.skipped", len(report.SkippedRows)),
	)
	return report, nil
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrMissingField):
		return ReasonMissingRequiredField
	case errors.Is(err, ErrDuplicateEmail):
		return ReasonDuplicateEmail
	case errors.Is(err, ErrInvalidEmail):
		return ReasonInvalidEmail
	case errors.Is(err, ErrInvalidRole):
		return ReasonInvalidRole
	case errors.Is(err, ErrWeakPassword):
		return ReasonWeakPassword
	default:
		return ReasonStoreError
	}
}
