package domain

import "time"

// TicketEvent is published after a ticket write has committed. Subscribers
// must treat it as read-only.
type TicketEvent struct {
	Name           string // EventTicketCreated or EventTicketUpdated
	Ticket         Ticket
	PreviousStatus string // set for EventTicketUpdated
	OccurredAt     time.Time
}
