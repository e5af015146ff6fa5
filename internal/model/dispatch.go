package model

import (
	"time"

	"github.com/google/uuid"
)

// Job lifecycle statuses. Sent and failed are terminal.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Per-message delivery outcomes.
const (
	ResultSent    = "sent"
	ResultSkipped = "skipped"
	ResultError   = "error"
)

// Credential kinds.
const (
	CredentialSMTP  = "smtp"
	CredentialGmail = "gmail"
)

// Recipient maps uploaded list fields (Name, Email, Organization, ...) to values.
// The Email field is required for delivery.
type Recipient map[string]string

// Email returns the recipient's address field.
func (r Recipient) Email() string {
	return r["Email"]
}

// PersonalizedMessage is one recipient's subject and HTML body.
type PersonalizedMessage struct {
	Recipient Recipient `json:"recipient"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
}

// DeliveryResult is the outcome of one message attempt within a job.
type DeliveryResult struct {
	To     string `json:"to"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// ScheduledJob is a persisted batch awaiting or past delivery. The payload is
// immutable after creation; only the worker moves the status.
type ScheduledJob struct {
	ID          uuid.UUID             `json:"id"`
	OwnerEmail  string                `json:"owner_email"`
	Messages    []PersonalizedMessage `json:"messages"`
	DueTime     time.Time             `json:"due_time"`
	Status      string                `json:"status"`
	CreatedAt   time.Time             `json:"created_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	LastError   string                `json:"last_error,omitempty"`
	Results     []DeliveryResult      `json:"results,omitempty"`
}

// Credential is a sender's delivery credential, either an SMTP login or a
// Gmail API OAuth access token.
type Credential struct {
	Kind        string
	SMTPHost    string
	SMTPPort    int
	SMTPUser    string
	SMTPPass    string
	AccessToken string
}
