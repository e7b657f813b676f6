package model

import (
	"encoding/json"
	"time"
)

// Job is one queued unit of work: send one message to one recipient.
type Job struct {
	ID          int64      `db:"id" json:"id"`
	Queue       string     `db:"queue" json:"queue"`
	Payload     []byte     `db:"payload" json:"payload"`
	Attempts    int        `db:"attempts" json:"attempts"`
	ReservedAt  *time.Time `db:"reserved_at" json:"reserved_at,omitempty"`
	ReservedBy  string     `db:"reserved_by" json:"reserved_by,omitempty"`
	AvailableAt time.Time  `db:"available_at" json:"available_at"`
	SortKey     int64      `db:"sort_key" json:"sort_key"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// JobPayload carries identifiers only. Workers re-hydrate the full campaign
// and subscriber rows at execution time.
type JobPayload struct {
	CampaignID   int `json:"campaign_id"`
	SubscriberID int `json:"subscriber_id"`
	ListID       int `json:"list_id"`
}

func (j *Job) DecodePayload() (*JobPayload, error) {
	var p JobPayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

type DeadLetter struct {
	ID        int64     `db:"id" json:"id"`
	JobID     int64     `db:"job_id" json:"job_id"`
	Queue     string    `db:"queue" json:"queue"`
	Payload   []byte    `db:"payload" json:"payload"`
	Attempts  int       `db:"attempts" json:"attempts"`
	Reason    string    `db:"reason" json:"reason"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
