package observability

import "github.com/prometheus/client_golang/prometheus"

// Domain counters. Label values come from small fixed sets (categories,
// severities, statuses, outcomes) so cardinality stays bounded.
var (
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "careops_messages_total",
			Help: "User messages handled by the state tracker, by outcome (answered, fallback).",
		},
		[]string{"outcome"},
	)

	ResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "careops_resolutions_total",
			Help: "Resolution choices applied, by choice (helpful, need_help, replay).",
		},
		[]string{"choice"},
	)

	TicketsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "careops_tickets_created_total",
			Help: "Tickets created from escalations, by category and severity.",
		},
		[]string{"category", "severity"},
	)

	TicketUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "careops_ticket_updates_total",
			Help: "Ticket updates, by resulting status.",
		},
		[]string{"status"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "careops_notifications_total",
			Help: "Notification dispatches, by event and result (sent, failed, retried).",
		},
		[]string{"event", "result"},
	)

	ImportRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "careops_import_rows_total",
			Help: "Bulk import rows, by result (created or a skip reason).",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		MessagesTotal,
		ResolutionsTotal,
		TicketsCreatedTotal,
		TicketUpdatesTotal,
		NotificationsTotal,
		ImportRowsTotal,
	)
}
