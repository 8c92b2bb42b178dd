package services

import (
	"sort"
	"strings"

	"github.com/tbourn/go-care-backend/internal/domain"
)

// ComputeRecipients returns the notification recipients for a ticket event:
//
//	(admin emails - excluded) ∪ additional ∪ {creator}
//
// Addresses are compared case-insensitively and returned lowercased, sorted,
// and without duplicates. Users without the admin role are ignored. The
// function is pure; callers read admins and roster fresh for every event.
func ComputeRecipients(admins []domain.User, roster domain.NotificationRoster, creatorEmail string) []string {
	excluded := make(map[string]struct{})
	for _, e := range roster.Excluded() {
		if n := normalizeEmail(e); n != "" {
			excluded[n] = struct{}{}
		}
	}

	set := make(map[string]struct{})
	for _, a := range admins {
		if !a.IsAdmin() {
			continue
		}
		n := normalizeEmail(a.Email)
		if n == "" {
			continue
		}
		if _, skip := excluded[n]; skip {
			continue
		}
		set[n] = struct{}{}
	}
	for _, e := range roster.Additional() {
		if n := normalizeEmail(e); n != "" {
			set[n] = struct{}{}
		}
	}
	if n := normalizeEmail(creatorEmail); n != "" {
		set[n] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for e := range set {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
