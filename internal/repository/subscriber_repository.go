package repository

import (
	"database/sql"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

// SubscriberRepositoryInterface defines methods used by the distributor and
// workers
type SubscriberRepositoryInterface interface {
	GetByID(id int) (*model.Subscriber, error)
	ResolveRecipients(campaignID int) ([]model.Recipient, error)
}

// SubscriberRepository is the concrete implementation
type SubscriberRepository struct {
	DB *sql.DB
}

// GetByID fetches a subscriber by ID
func (r *SubscriberRepository) GetByID(id int) (*model.Subscriber, error) {
	query := `
        SELECT id, email, first_name, last_name, status
        FROM subscribers
        WHERE id = $1
    `
	row := r.DB.QueryRow(query, id)

	var s model.Subscriber
	if err := row.Scan(&s.ID, &s.Email, &s.FirstName, &s.LastName, &s.Status); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // not found
		}
		return nil, err
	}
	return &s, nil
}

// ResolveRecipients returns the de-duplicated active recipient set for a
// campaign across all its lists. A subscriber on several lists appears once,
// tagged with the lowest list id it qualified through.
func (r *SubscriberRepository) ResolveRecipients(campaignID int) ([]model.Recipient, error) {
	query := `
        SELECT DISTINCT ON (ls.subscriber_id) ls.subscriber_id, ls.list_id
        FROM campaign_lists cl
        JOIN list_subscribers ls ON ls.list_id = cl.list_id
        JOIN subscribers s ON s.id = ls.subscriber_id
        WHERE cl.campaign_id = $1 AND s.status = 'active'
        ORDER BY ls.subscriber_id, ls.list_id
    `
	rows, err := r.DB.Query(query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recipients := []model.Recipient{}
	for rows.Next() {
		var rec model.Recipient
		if err := rows.Scan(&rec.SubscriberID, &rec.ListID); err != nil {
			return nil, err
		}
		recipients = append(recipients, rec)
	}
	return recipients, rows.Err()
}

var _ SubscriberRepositoryInterface = (*SubscriberRepository)(nil)
