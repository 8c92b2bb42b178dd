// Package importer decodes user roster files (CSV or XLSX) into rows for
// the bulk user importer. It only parses: validation, duplicate checks, and
// storage happen in services.ImportService.
//
// The first row is a header. Columns are matched by name, case-insensitive,
// in any order; unknown columns are ignored. Only name and email columns
// are required. Row indexes in the import report count data rows from 0,
// after the header and after fully blank rows are dropped.
package importer

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/tbourn/go-care-backend/internal/services"
)

var (
	// ErrUnsupportedFormat is returned for files that are neither CSV nor XLSX.
	ErrUnsupportedFormat = errors.New("unsupported file format: use .csv or .xlsx")
	// ErrMissingColumn is returned when the header lacks name or email.
	ErrMissingColumn = errors.New("header must contain name and email columns")
	// ErrEmptyFile is returned when there is no header row.
	ErrEmptyFile = errors.New("file is empty")
)

// MaxRows caps a single upload.
const MaxRows = 10000

// column aliases, after normalizeHeader.
var aliases = map[string]string{
	"name":              "name",
	"full_name":         "name",
	"employee_name":     "name",
	"email":             "email",
	"e_mail":            "email",
	"email_address":     "email",
	"work_email":        "email",
	"password":          "password",
	"role":              "role",
	"designation":       "designation",
	"title":             "designation",
	"business_unit":     "business_unit",
	"bu":                "business_unit",
	"department":        "business_unit",
	"reporting_manager": "reporting_manager",
	"manager":           "reporting_manager",
}

// Decode picks the decoder from the file extension.
func Decode(filename string, r io.Reader) ([]services.ImportRow, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return DecodeCSV(r)
	case ".xlsx":
		return DecodeXLSX(r)
	default:
		return nil, ErrUnsupportedFormat
	}
}

// DecodeCSV reads a comma-separated roster. Rows may have fewer fields than
// the header.
func DecodeCSV(r io.Reader) ([]services.ImportRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	return fromRecords(records)
}

// DecodeXLSX reads the first sheet of a workbook.
func DecodeXLSX(r io.Reader) ([]services.ImportRow, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrEmptyFile
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	return fromRecords(rows)
}

func fromRecords(records [][]string) ([]services.ImportRow, error) {
	if len(records) == 0 {
		return nil, ErrEmptyFile
	}
	index := map[string]int{}
	for i, h := range records[0] {
		if field, ok := aliases[normalizeHeader(h)]; ok {
			if _, dup := index[field]; !dup {
				index[field] = i
			}
		}
	}
	if _, ok := index["name"]; !ok {
		return nil, ErrMissingColumn
	}
	if _, ok := index["email"]; !ok {
		return nil, ErrMissingColumn
	}

	cell := func(rec []string, field string) string {
		i, ok := index[field]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	out := make([]services.ImportRow, 0, len(records)-1)
	for _, rec := range records[1:] {
		if blank(rec) {
			continue
		}
		if len(out) == MaxRows {
			return nil, fmt.Errorf("too many rows: limit is %d", MaxRows)
		}
		out = append(out, services.ImportRow{
			Name:             NormalizeName(cell(rec, "name")),
			Email:            cell(rec, "email"),
			Password:         cell(rec, "password"),
			Role:             cell(rec, "role"),
			Designation:      cell(rec, "designation"),
			BusinessUnit:     cell(rec, "business_unit"),
			ReportingManager: cell(rec, "reporting_manager"),
		})
	}
	return out, nil
}

// normalizeHeader lowercases h and joins words with underscores, so
// "E-Mail", "Business Unit" and "business_unit" all match.
func normalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.Join(strings.FieldsFunc(h, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_' || r == '.'
	}), "_")
}

// NormalizeName collapses whitespace and title-cases names typed entirely in
// lower or upper case. Mixed-case names such as "McDonald" are kept.
func NormalizeName(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return s
	}
	if s == strings.ToLower(s) || s == strings.ToUpper(s) {
		return cases.Title(language.English).String(strings.ToLower(s))
	}
	return s
}

func blank(rec []string) bool {
	for _, c := range rec {
		if strings.TrimFunc(c, unicode.IsSpace) != "" {
			return false
		}
	}
	return true
}
