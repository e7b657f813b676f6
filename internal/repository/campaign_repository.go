package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/queue"
)

type CampaignRepositoryInterface interface {
	// Campaign CRUD
	Create(c *model.Campaign) error
	Update(c *model.Campaign) error
	GetByID(id int) (*model.Campaign, error)
	ListCampaigns(offset, limit int, status string) ([]*model.Campaign, int, error)
	ListByStatus(status string) ([]*model.Campaign, error)
	ListScheduledDue() ([]*model.Campaign, error)

	// Dispatch state machine
	TransitionStatus(id int, to string, from ...string) (bool, error)
	SetSchedule(id int, at time.Time) error
	BeginSending(id, totalRecipients int) (bool, error)
	IncrementSent(id int) error
	TryFinalize(id int) (bool, error)
	FlagAttention(id int) (bool, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) Create(c *model.Campaign) error {
	c.CreatedAt = time.Now()
	if c.Status == "" {
		c.Status = model.StatusDraft
	}
	query := `
        INSERT INTO campaigns (name, subject, base_template, status, sending_server_id, scheduled_at, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING id
    `
	return r.DB.QueryRow(query, c.Name, c.Subject, c.BaseTemplate, c.Status, c.SendingServerID, c.ScheduledAt, c.CreatedAt).Scan(&c.ID)
}

func (r *CampaignRepository) Update(c *model.Campaign) error {
	query := `
        UPDATE campaigns
        SET name=$1, subject=$2, base_template=$3, sending_server_id=$4, updated_at=NOW()
        WHERE id=$5
    `
	_, err := r.DB.Exec(query, c.Name, c.Subject, c.BaseTemplate, c.SendingServerID, c.ID)
	return err
}

func (r *CampaignRepository) GetByID(id int) (*model.Campaign, error) {
	query := campaignSelect + ` WHERE id=$1`
	c, err := scanCampaign(r.DB.QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) ListCampaigns(offset, limit int, status string) ([]*model.Campaign, int, error) {
	campaigns := []*model.Campaign{}
	query := campaignSelect + ` WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if status != "" {
		query += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := r.DB.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}

	countQuery := `SELECT COUNT(*) FROM campaigns WHERE 1=1`
	argsCount := []interface{}{}
	if status != "" {
		countQuery += " AND status=$1"
		argsCount = append(argsCount, status)
	}

	var total int
	if err := r.DB.QueryRow(countQuery, argsCount...).Scan(&total); err != nil {
		return nil, 0, err
	}

	return campaigns, total, nil
}

func (r *CampaignRepository) ListByStatus(status string) ([]*model.Campaign, error) {
	rows, err := r.DB.Query(campaignSelect+` WHERE status=$1 ORDER BY id ASC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// ListScheduledDue returns scheduled campaigns whose scheduled_at has passed.
func (r *CampaignRepository) ListScheduledDue() ([]*model.Campaign, error) {
	rows, err := r.DB.Query(campaignSelect+`
        WHERE status=$1 AND scheduled_at IS NOT NULL AND scheduled_at <= NOW()
        ORDER BY scheduled_at ASC
    `, model.StatusScheduled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// ====================== Dispatch state machine ======================

// TransitionStatus flips the status only when the current status is one of
// the allowed sources. Single statement, so concurrent callers cannot both
// win the same transition.
func (r *CampaignRepository) TransitionStatus(id int, to string, from ...string) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("TransitionStatus requires at least one source status")
	}

	placeholders := make([]string, len(from))
	args := []interface{}{to, id}
	for i, s := range from {
		placeholders[i] = fmt.Sprintf("$%d", i+3)
		args = append(args, s)
	}

	query := fmt.Sprintf(
		`UPDATE campaigns SET status=$1, updated_at=NOW() WHERE id=$2 AND status IN (%s)`,
		strings.Join(placeholders, ", "),
	)
	res, err := r.DB.Exec(query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *CampaignRepository) SetSchedule(id int, at time.Time) error {
	_, err := r.DB.Exec(`UPDATE campaigns SET scheduled_at=$1, updated_at=NOW() WHERE id=$2`, at, id)
	return err
}

// BeginSending records the true recipient count and flips the campaign into
// sending in one statement. The count is written only here, strictly after
// the full recipient set was enqueued, so completion detection never races
// against an undercount.
func (r *CampaignRepository) BeginSending(id, totalRecipients int) (bool, error) {
	res, err := r.DB.Exec(`
        UPDATE campaigns
        SET status=$1, total_recipients=$2, needs_attention=false, updated_at=NOW()
        WHERE id=$3 AND status IN ($4, $5)
    `, model.StatusSending, totalRecipients, id, model.StatusDraft, model.StatusScheduled)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *CampaignRepository) IncrementSent(id int) error {
	_, err := r.DB.Exec(`
        UPDATE campaigns
        SET total_sent = total_sent + 1, total_delivered = total_delivered + 1, updated_at=NOW()
        WHERE id=$1
    `, id)
	return err
}

// TryFinalize atomically flips sending -> sent, but only while the
// campaign's queue is empty AND terminal send records cover the recipient
// count. Both conditions live in the same statement as the flip so two
// workers can never double-finalize, and a job enqueued between check and
// flip blocks the transition.
func (r *CampaignRepository) TryFinalize(id int) (bool, error) {
	res, err := r.DB.Exec(`
        UPDATE campaigns
        SET status=$1, needs_attention=false, updated_at=NOW()
        WHERE id=$2 AND status=$3
          AND NOT EXISTS (SELECT 1 FROM queue_jobs WHERE queue=$4)
          AND (SELECT COUNT(*) FROM send_records
               WHERE campaign_id=$2 AND status IN ($5, $6)) >= total_recipients
    `, model.StatusSent, id, model.StatusSending, queue.CampaignQueue(id), model.SendSent, model.SendFailed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FlagAttention marks a sending campaign whose queue drained with fewer
// terminal records than recipients. That is a lost-job condition: it is
// surfaced for an operator, never silently healed into sent.
func (r *CampaignRepository) FlagAttention(id int) (bool, error) {
	res, err := r.DB.Exec(`
        UPDATE campaigns
        SET needs_attention=true, updated_at=NOW()
        WHERE id=$1 AND status=$2 AND needs_attention=false
          AND NOT EXISTS (SELECT 1 FROM queue_jobs WHERE queue=$3)
          AND (SELECT COUNT(*) FROM send_records
               WHERE campaign_id=$1 AND status IN ($4, $5)) < total_recipients
    `, id, model.StatusSending, queue.CampaignQueue(id), model.SendSent, model.SendFailed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ====================== helpers ======================

const campaignSelect = `
    SELECT id, name, subject, base_template, status, sending_server_id, scheduled_at,
           total_recipients, total_sent, total_delivered, needs_attention, created_at, updated_at
    FROM campaigns`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var c model.Campaign
	err := row.Scan(
		&c.ID, &c.Name, &c.Subject, &c.BaseTemplate, &c.Status, &c.SendingServerID,
		&c.ScheduledAt, &c.TotalRecipients, &c.TotalSent, &c.TotalDelivered,
		&c.NeedsAttention, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
