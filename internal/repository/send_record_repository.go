package repository

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

type SendRecordRepositoryInterface interface {
	CreatePendingBatch(campaignID, serverID int, recipients []model.Recipient) error
	MarkSent(campaignID, subscriberID int) error
	MarkFailed(campaignID, subscriberID int, lastError string) error
	TerminalCount(campaignID int) (int, error)
	HasProgress(campaignID int) (bool, error)
	Stats(campaignID int) (map[string]int, error)
}

type SendRecordRepository struct {
	DB *sql.DB
}

// CreatePendingBatch inserts pending records for a chunk of recipients.
// ON CONFLICT DO NOTHING keeps the (campaign, subscriber) pair unique, so
// re-running a dispatch never duplicates records.
func (r *SendRecordRepository) CreatePendingBatch(campaignID, serverID int, recipients []model.Recipient) error {
	if len(recipients) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO send_records (campaign_id, subscriber_id, list_id, sending_server_id, status, created_at) VALUES `)
	args := []interface{}{campaignID, serverID}
	argPos := 3
	for i, rec := range recipients {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("($1, $%d, $%d, $2, 'pending', NOW())", argPos, argPos+1))
		args = append(args, rec.SubscriberID, rec.ListID)
		argPos += 2
	}
	sb.WriteString(` ON CONFLICT (campaign_id, subscriber_id) DO NOTHING`)

	_, err := r.DB.Exec(sb.String(), args...)
	return err
}

// MarkSent records a successful delivery. sent_at doubles as the attempt
// timestamp the rate limiter aggregates over.
func (r *SendRecordRepository) MarkSent(campaignID, subscriberID int) error {
	_, err := r.DB.Exec(`
        UPDATE send_records
        SET status=$1, last_error='', sent_at=NOW(), updated_at=NOW()
        WHERE campaign_id=$2 AND subscriber_id=$3
    `, model.SendSent, campaignID, subscriberID)
	return err
}

// MarkFailed records a permanent failure. The attempt still counts against
// the sending server's rate windows, so sent_at is stamped here too.
func (r *SendRecordRepository) MarkFailed(campaignID, subscriberID int, lastError string) error {
	_, err := r.DB.Exec(`
        UPDATE send_records
        SET status=$1, last_error=$2, sent_at=NOW(), updated_at=NOW()
        WHERE campaign_id=$3 AND subscriber_id=$4
    `, model.SendFailed, lastError, campaignID, subscriberID)
	return err
}

func (r *SendRecordRepository) TerminalCount(campaignID int) (int, error) {
	var n int
	err := r.DB.QueryRow(`
        SELECT COUNT(*) FROM send_records
        WHERE campaign_id=$1 AND status IN ($2, $3)
    `, campaignID, model.SendSent, model.SendFailed).Scan(&n)
	return n, err
}

// HasProgress reports whether any delivery attempt has completed for the
// campaign. Resume uses this to infer sending vs scheduled.
func (r *SendRecordRepository) HasProgress(campaignID int) (bool, error) {
	var n int
	err := r.DB.QueryRow(`
        SELECT COUNT(*) FROM send_records
        WHERE campaign_id=$1 AND status IN ($2, $3)
        LIMIT 1
    `, campaignID, model.SendSent, model.SendFailed).Scan(&n)
	return n > 0, err
}

func (r *SendRecordRepository) Stats(campaignID int) (map[string]int, error) {
	rows, err := r.DB.Query(`
        SELECT status, COUNT(*) FROM send_records WHERE campaign_id=$1 GROUP BY status
    `, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{"pending": 0, "sent": 0, "failed": 0}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

var _ SendRecordRepositoryInterface = (*SendRecordRepository)(nil)
