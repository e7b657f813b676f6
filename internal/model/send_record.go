package model

import "time"

// Send record statuses. sent and failed are terminal; progress counts are
// derived from terminal records, never from the queue.
const (
	SendPending = "pending"
	SendSent    = "sent"
	SendFailed  = "failed"
)

// SendRecord is the per campaign x subscriber delivery outcome and the
// source of truth for campaign progress. Unique per (campaign, subscriber).
type SendRecord struct {
	ID              int64      `db:"id" json:"id"`
	CampaignID      int        `db:"campaign_id" json:"campaign_id"`
	SubscriberID    int        `db:"subscriber_id" json:"subscriber_id"`
	ListID          int        `db:"list_id" json:"list_id"`
	SendingServerID int        `db:"sending_server_id" json:"sending_server_id"`
	Status          string     `db:"status" json:"status"`
	LastError       string     `db:"last_error" json:"last_error,omitempty"`
	SentAt          *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}
