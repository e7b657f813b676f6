package dispatch

import (
	"encoding/json"

	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/queue"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
)

// DefaultChunkSize bounds memory and transaction size per batch insert on
// very large recipient sets.
const DefaultChunkSize = 2000

// JobEnqueuer is the slice of the job store the distributor needs.
type JobEnqueuer interface {
	EnqueueBatch(queue string, payloads [][]byte, firstSortKey int64) error
}

// Distributor partitions a campaign's resolved recipient set into ordered
// jobs on the campaign's dedicated queue.
type Distributor struct {
	Campaigns   repository.CampaignRepositoryInterface
	Subscribers repository.SubscriberRepositoryInterface
	Records     repository.SendRecordRepositoryInterface
	Jobs        JobEnqueuer
	Log         *logrus.Logger
	ChunkSize   int
}

// Dispatch resolves recipients, enqueues one job per recipient in chunks,
// then writes the actual recipient count and flips the campaign to sending.
// total_recipients is set strictly after the full set is enqueued; a
// premature smaller count would let completion detection finalize early.
// A campaign with zero resolvable recipients keeps its prior status.
func (d *Distributor) Dispatch(campaignID int) (int, error) {
	campaign, err := d.Campaigns.GetByID(campaignID)
	if err != nil {
		return 0, err
	}
	if !campaign.Sendable() {
		return 0, appErrors.NewBadTransition(campaignID, campaign.Status, model.StatusSending)
	}

	recipients, err := d.Subscribers.ResolveRecipients(campaignID)
	if err != nil {
		return 0, err
	}
	if len(recipients) == 0 {
		return 0, appErrors.NewNoRecipients(campaignID)
	}

	chunkSize := d.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	queueName := queue.CampaignQueue(campaignID)
	sortKey := int64(0)
	for start := 0; start < len(recipients); start += chunkSize {
		end := start + chunkSize
		if end > len(recipients) {
			end = len(recipients)
		}
		chunk := recipients[start:end]

		if err := d.Records.CreatePendingBatch(campaignID, campaign.SendingServerID, chunk); err != nil {
			return 0, err
		}

		payloads := make([][]byte, 0, len(chunk))
		for _, rec := range chunk {
			p, err := json.Marshal(model.JobPayload{
				CampaignID:   campaignID,
				SubscriberID: rec.SubscriberID,
				ListID:       rec.ListID,
			})
			if err != nil {
				return 0, err
			}
			payloads = append(payloads, p)
		}

		if err := d.Jobs.EnqueueBatch(queueName, payloads, sortKey); err != nil {
			return 0, err
		}
		sortKey += int64(len(chunk))
	}

	ok, err := d.Campaigns.BeginSending(campaignID, len(recipients))
	if err != nil {
		return 0, err
	}
	if !ok {
		// Someone moved the campaign while we were enqueueing (e.g. cancel).
		// The jobs stay on the queue; cancel purges them, pause defers them.
		d.Log.WithField("campaign_id", campaignID).Warn("campaign left sendable state during dispatch")
		return 0, appErrors.NewBadTransition(campaignID, campaign.Status, model.StatusSending)
	}

	d.Log.WithFields(logrus.Fields{
		"campaign_id": campaignID,
		"recipients":  len(recipients),
		"queue":       queueName,
	}).Info("campaign dispatched")

	return len(recipients), nil
}
