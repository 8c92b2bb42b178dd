// Package services implements the conversation escalation core: the state
// tracker, the resolution resolver, the ticket lifecycle manager, recipient
// resolution, and bulk user import. This file centralizes service-level error
// values so callers can test them with errors.Is.
//
// Translation into HTTP status codes happens in the handler layer.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned when an operation is not allowed in the
	// current conversation or ticket state, e.g. resolving a conversation
	// that is not awaiting a resolution choice.
	ErrInvalidState = errors.New("invalid state")

	// ErrNotFound is the parent of every not-found error below.
	ErrNotFound = errors.New("not found")

	ErrConversationNotFound = fmt.Errorf("conversation %w", ErrNotFound)
	ErrTicketNotFound       = fmt.Errorf("ticket %w", ErrNotFound)
	ErrUserNotFound         = fmt.Errorf("user %w", ErrNotFound)
	ErrTemplateNotFound     = fmt.Errorf("email template %w", ErrNotFound)

	// ErrConcurrentModification reports a lost update on a conversation or ticket.
	// The caller may retry.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrClassifierUnavailable is absorbed by the state tracker and only
	// surfaces in logs and metrics.
	ErrClassifierUnavailable = errors.New("classifier unavailable")

	// ErrDispatchFailure is absorbed by the notifier and only surfaces in
	// logs, metrics, and the failed-dispatch store.
	ErrDispatchFailure = errors.New("notification dispatch failed")

	// ErrValidation is the parent of input validation errors.
	ErrValidation = errors.New("validation error")

	ErrEmptyMessage   = fmt.Errorf("%w: message is empty", ErrValidation)
	ErrMessageTooLong = fmt.Errorf("%w: message too long", ErrValidation)
	ErrInvalidChoice  = fmt.Errorf("%w: choice must be helpful or need_help", ErrValidation)
	ErrInvalidStatus  = fmt.Errorf("%w: status must be open, in_progress or resolved", ErrValidation)
	ErrInvalidEmail   = fmt.Errorf("%w: invalid email", ErrValidation)
	ErrInvalidRole    = fmt.Errorf("%w: role must be employee or admin", ErrValidation)
	ErrMissingField   = fmt.Errorf("%w: missing required field", ErrValidation)
	ErrWeakPassword   = fmt.Errorf("%w: password too short", ErrValidation)

	// ErrDuplicateEmail is returned when a user with the same email exists.
	ErrDuplicateEmail = errors.New("email already exists")

	// ErrInvalidCredentials is returned by Authenticate for any unknown
	// email or wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")
)
