// Package domain defines the persistence models for users, conversations,
// tickets, and notification configuration. These types are mapped with GORM
// and form the core data layer of the care backend.
package domain

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// User roles.
const (
	RoleEmployee = "employee"
	RoleAdmin    = "admin"
)

// Conversation states. A conversation only moves forward through
// active -> awaiting_resolution_choice -> {resolved | escalated}, with the
// single exception that a new user message while awaiting re-enters active.
const (
	StateActive         = "active"
	StateAwaitingChoice = "awaiting_resolution_choice"
	StateResolved       = "resolved"
	StateEscalated      = "escalated"
)

// Resolution statuses as reported to administrators.
const (
	ResolutionPending   = "pending"
	ResolutionResolved  = "resolved"
	ResolutionEscalated = "escalated"
)

// Turn senders.
const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

// Ticket categories.
const (
	CategoryGrievance = "grievance"
	CategoryRequest   = "request"
	CategoryWellness  = "wellness"
)

// Ticket severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Ticket statuses.
const (
	TicketOpen       = "open"
	TicketInProgress = "in_progress"
	TicketResolved   = "resolved"
)

// User is an employee or administrator known to the platform.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - Email: lowercased address; unique at the storage layer so concurrent
//     imports cannot insert the same address twice.
//   - PasswordHash: bcrypt hash, never serialized.
//   - Role: "employee" or "admin".
type User struct {
	ID               string    `json:"id"                gorm:"type:char(36);primaryKey"`
	Name             string    `json:"name"              gorm:"type:varchar(255);not null"`
	Email            string    `json:"email"             gorm:"type:varchar(320);not null;uniqueIndex:ux_users_email"`
	PasswordHash     string    `json:"-"                 gorm:"type:varchar(100);not null"`
	Role             string    `json:"role"              gorm:"type:varchar(16);not null;default:'employee';index"`
	Designation      string    `json:"designation,omitempty"       gorm:"type:varchar(255)"`
	BusinessUnit     string    `json:"business_unit,omitempty"     gorm:"type:varchar(255)"`
	ReportingManager string    `json:"reporting_manager,omitempty" gorm:"type:varchar(255)"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// IsAdmin reports whether the user holds the admin role.
func (u User) IsAdmin() bool { return u.Role == RoleAdmin }

// Conversation is a bounded exchange between one user and the assistant,
// tracked until it reaches a terminal state.
//
// Version is bumped on every state write and used as an optimistic lock so
// that two concurrent writers cannot both move the same conversation.
type Conversation struct {
	ID                    string    `json:"id"                      gorm:"type:char(36);primaryKey"`
	UserID                string    `json:"user_id"                 gorm:"type:char(36);not null;index:idx_conv_user_state,priority:1"`
	State                 string    `json:"state"                   gorm:"type:varchar(32);not null;index:idx_conv_user_state,priority:2"`
	InitialConcernSummary string    `json:"initial_concern_summary" gorm:"type:text;not null"`
	AIProposedSolution    string    `json:"ai_proposed_solution"    gorm:"column:ai_proposed_solution;type:text"`
	ResolutionStatus      string    `json:"resolution_status"       gorm:"type:varchar(16);not null;default:'pending'"`
	Category              string    `json:"category"                gorm:"type:varchar(16);not null;default:'request'"`
	Severity              string    `json:"severity"                gorm:"type:varchar(16);not null;default:'medium'"`
	TicketID              *string   `json:"ticket_id,omitempty"     gorm:"type:char(36)"`
	AdminReviewed         bool      `json:"admin_reviewed"          gorm:"not null;default:false"`
	Version               int64     `json:"version"                 gorm:"not null;default:1"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// IsTerminal reports whether no further resolution action is accepted.
func (c Conversation) IsTerminal() bool {
	return c.State == StateResolved || c.State == StateEscalated
}

// ConversationTurn is a single immutable utterance in a conversation.
type ConversationTurn struct {
	ID             string    `json:"id"                         gorm:"type:char(36);primaryKey"`
	ConversationID string    `json:"conversation_id"            gorm:"type:char(36);not null;index:idx_turns_conv,priority:1"`
	Sender         string    `json:"sender"                     gorm:"type:varchar(16);not null;check:sender IN ('user','assistant')"`
	Text           string    `json:"text"                       gorm:"type:text;not null"`
	Timestamp      time.Time `json:"timestamp"                  gorm:"not null;index:idx_turns_conv,priority:2"`
	Seq            int64     `json:"-"                          gorm:"not null;index:idx_turns_conv,priority:3"`
	LinkedTicketID *string   `json:"linked_ticket_id,omitempty" gorm:"type:char(36)"`

	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for ConversationTurn.
func (ConversationTurn) TableName() string { return "conversation_turns" }

// Ticket is a support case raised from an escalated conversation.
//
// Only Status and AdminNotes change after creation. ConversationID is unique
// so a conversation can never own two tickets.
type Ticket struct {
	ID             string    `json:"id"                        gorm:"type:char(36);primaryKey"`
	UserID         string    `json:"user_id"                   gorm:"type:char(36);not null;index"`
	UserName       string    `json:"user_name"                 gorm:"type:varchar(255);not null"`
	UserEmail      string    `json:"user_email"                gorm:"type:varchar(320);not null"`
	ConversationID *string   `json:"conversation_id,omitempty" gorm:"type:char(36);uniqueIndex:ux_tickets_conversation"`
	Category       string    `json:"category"                  gorm:"type:varchar(16);not null"`
	Severity       string    `json:"severity"                  gorm:"type:varchar(16);not null;check:severity IN ('low','medium','high','critical')"`
	Summary        string    `json:"summary"                   gorm:"type:varchar(512);not null"`
	Description    string    `json:"description"               gorm:"type:text;not null"`
	Status         string    `json:"status"                    gorm:"type:varchar(16);not null;default:'open';index;check:status IN ('open','in_progress','resolved')"`
	AdminNotes     string    `json:"admin_notes"               gorm:"type:text"`
	CreatedAt      time.Time `json:"created_at"                gorm:"index"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName returns the database table name for Ticket.
func (Ticket) TableName() string { return "tickets" }

// RosterSingletonID is the primary key of the single roster row.
const RosterSingletonID = "default"

// NotificationRoster holds the additional and excluded notification emails.
// Both lists are stored as JSON arrays of lowercased addresses.
type NotificationRoster struct {
	ID                   string         `json:"-"                      gorm:"type:varchar(16);primaryKey"`
	AdditionalRecipients datatypes.JSON `json:"additional_recipients"  swaggertype:"array,string"`
	ExcludedAdminEmails  datatypes.JSON `json:"excluded_admin_emails"  swaggertype:"array,string"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// TableName returns the database table name for NotificationRoster.
func (NotificationRoster) TableName() string { return "notification_roster" }

// Additional decodes the additional-recipient list. Malformed JSON yields nil.
func (r NotificationRoster) Additional() []string { return decodeList(r.AdditionalRecipients) }

// Excluded decodes the excluded-admin list. Malformed JSON yields nil.
func (r NotificationRoster) Excluded() []string { return decodeList(r.ExcludedAdminEmails) }

// EncodeList renders an email list into a JSON column value.
func EncodeList(list []string) datatypes.JSON {
	if list == nil {
		list = []string{}
	}
	b, _ := json.Marshal(list)
	return datatypes.JSON(b)
}

func decodeList(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// Notification event names.
const (
	EventTicketCreated = "ticket_created"
	EventTicketUpdated = "ticket_updated"
)

// NotificationFailure records a mail dispatch that did not go through so a
// separate process can retry it without touching the ticket.
type NotificationFailure struct {
	ID          string         `json:"id"           gorm:"type:char(36);primaryKey"`
	TicketID    string         `json:"ticket_id"    gorm:"type:char(36);not null;index"`
	Event       string         `json:"event"        gorm:"type:varchar(32);not null"`
	Recipients  datatypes.JSON `json:"recipients"   swaggertype:"array,string"`
	Cc          datatypes.JSON `json:"cc"           swaggertype:"array,string"`
	Bcc         datatypes.JSON `json:"bcc"          swaggertype:"array,string"`
	Subject     string         `json:"subject"      gorm:"type:varchar(512);not null"`
	Body        string         `json:"body"         gorm:"type:text;not null"`
	LastError   string         `json:"last_error"   gorm:"type:text"`
	Attempts    int            `json:"attempts"     gorm:"not null;default:1"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty" gorm:"index"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// TableName returns the database table name for NotificationFailure.
func (NotificationFailure) TableName() string { return "notification_failures" }

// RecipientList decodes the stored recipients.
func (f NotificationFailure) RecipientList() []string { return decodeList(f.Recipients) }

// CcList decodes the stored Cc addresses.
func (f NotificationFailure) CcList() []string { return decodeList(f.Cc) }

// BccList decodes the stored Bcc addresses.
func (f NotificationFailure) BccList() []string { return decodeList(f.Bcc) }

// Email template names. The team notice and the employee acknowledgment are
// both sent for ticket_created; ticket_updated goes to the ticket owner.
const (
	TemplateTicketCreated  = EventTicketCreated
	TemplateTicketReceived = "ticket_received"
	TemplateTicketUpdated  = EventTicketUpdated
)

// TemplateNames lists the names an EmailTemplate may be stored under.
func TemplateNames() []string {
	return []string{TemplateTicketCreated, TemplateTicketReceived, TemplateTicketUpdated}
}

// EmailTemplate overrides the built-in subject and body of one notification
// and adds fixed To, Cc and Bcc recipients to it. Subject and Body are
// text/template sources rendered against the ticket event. Inactive
// templates are ignored.
type EmailTemplate struct {
	ID        string         `json:"id"         gorm:"type:char(36);primaryKey"`
	Name      string         `json:"name"       gorm:"type:varchar(64);not null;uniqueIndex:ux_email_templates_name"`
	Subject   string         `json:"subject"    gorm:"type:varchar(512);not null"`
	Body      string         `json:"body"       gorm:"type:text;not null"`
	To        datatypes.JSON `json:"to"         gorm:"column:to_recipients"  swaggertype:"array,string"`
	Cc        datatypes.JSON `json:"cc"         gorm:"column:cc_recipients"  swaggertype:"array,string"`
	Bcc       datatypes.JSON `json:"bcc"        gorm:"column:bcc_recipients" swaggertype:"array,string"`
	Active    bool           `json:"is_active"  gorm:"not null"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// TableName returns the database table name for EmailTemplate.
func (EmailTemplate) TableName() string { return "email_templates" }

// ToList decodes the fixed To recipients.
func (t EmailTemplate) ToList() []string { return decodeList(t.To) }

// CcList decodes the fixed Cc recipients.
func (t EmailTemplate) CcList() []string { return decodeList(t.Cc) }

// BccList decodes the fixed Bcc recipients.
func (t EmailTemplate) BccList() []string { return decodeList(t.Bcc) }
