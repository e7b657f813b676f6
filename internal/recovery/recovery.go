package recovery

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/campaign-dispatch/internal/events"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/queue"
)

// DefaultReservationTimeout is how long a reservation may be held before the
// reserving worker is presumed dead.
const DefaultReservationTimeout = time.Hour

type JobStore interface {
	ReleaseStale(queue string, olderThan time.Duration) (int64, error)
}

type CampaignStore interface {
	ListByStatus(status string) ([]*model.Campaign, error)
	TryFinalize(id int) (bool, error)
	FlagAttention(id int) (bool, error)
}

// Recovery is the periodic stuck-state repair pass, independent of the hot
// worker loop. It frees reservations orphaned by crashed workers and
// finalizes sending campaigns that finished while no worker was alive to
// notice.
type Recovery struct {
	Jobs               JobStore
	Campaigns          CampaignStore
	Events             *events.Publisher
	Log                *logrus.Logger
	ReservationTimeout time.Duration
}

func New(jobs JobStore, campaigns CampaignStore, ev *events.Publisher, log *logrus.Logger) *Recovery {
	return &Recovery{
		Jobs:               jobs,
		Campaigns:          campaigns,
		Events:             ev,
		Log:                log,
		ReservationTimeout: DefaultReservationTimeout,
	}
}

// Run executes one repair pass over every sending campaign.
func (r *Recovery) Run() error {
	sending, err := r.Campaigns.ListByStatus(model.StatusSending)
	if err != nil {
		return err
	}

	for _, c := range sending {
		q := queue.CampaignQueue(c.ID)

		freed, err := r.Jobs.ReleaseStale(q, r.ReservationTimeout)
		if err != nil {
			r.Log.WithError(err).WithField("queue", q).Error("stale release failed")
			continue
		}
		if freed > 0 {
			// Orphans from crashed workers, not failures. The jobs become
			// claimable again; their attempt counts still cap retries.
			r.Log.WithFields(logrus.Fields{
				"queue": q,
				"freed": freed,
			}).Warn("released stale reservations")
		}

		finalized, err := r.Campaigns.TryFinalize(c.ID)
		if err != nil {
			r.Log.WithError(err).WithField("campaign_id", c.ID).Error("finalize check failed")
			continue
		}
		if finalized {
			r.Log.WithField("campaign_id", c.ID).Info("finalized orphaned campaign")
			r.Events.Publish(events.CampaignSent, map[string]interface{}{
				"campaign_id": c.ID,
			})
			continue
		}

		flagged, err := r.Campaigns.FlagAttention(c.ID)
		if err != nil {
			r.Log.WithError(err).WithField("campaign_id", c.ID).Error("attention check failed")
			continue
		}
		if flagged {
			r.Log.WithField("campaign_id", c.ID).Warn("campaign flagged for operator attention")
			r.Events.Publish(events.CampaignFlagged, map[string]interface{}{
				"campaign_id": c.ID,
			})
		}
	}
	return nil
}
