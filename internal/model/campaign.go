package model

import "time"

// Campaign statuses. draft -> scheduled -> sending -> {paused, cancelled, sent}.
// paused goes back to sending or scheduled on resume. sent and cancelled are
// terminal for dispatch purposes.
const (
	StatusDraft     = "draft"
	StatusScheduled = "scheduled"
	StatusSending   = "sending"
	StatusPaused    = "paused"
	StatusCancelled = "cancelled"
	StatusSent      = "sent"
)

type Campaign struct {
	ID              int        `db:"id" json:"id"`
	Name            string     `db:"name" json:"name"`
	Subject         string     `db:"subject" json:"subject"`
	BaseTemplate    string     `db:"base_template" json:"base_template"`
	Status          string     `db:"status" json:"status"`
	SendingServerID int        `db:"sending_server_id" json:"sending_server_id"`
	ScheduledAt     *time.Time `db:"scheduled_at" json:"scheduled_at,omitempty"`
	TotalRecipients int        `db:"total_recipients" json:"total_recipients"`
	TotalSent       int        `db:"total_sent" json:"total_sent"`
	TotalDelivered  int        `db:"total_delivered" json:"total_delivered"`
	NeedsAttention  bool       `db:"needs_attention" json:"needs_attention"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}

// Sendable reports whether the campaign may transition into sending.
func (c *Campaign) Sendable() bool {
	return c.Status == StatusDraft || c.Status == StatusScheduled
}
