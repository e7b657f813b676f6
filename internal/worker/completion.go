package worker

import (
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/campaign-dispatch/internal/events"
)

// checkCompletion runs whenever a claim attempt yields no job. The actual
// decision is a single conditional UPDATE in the repository: sending -> sent
// only while the queue is empty and terminal records cover total_recipients.
// An empty queue with missing records means jobs were lost; that campaign is
// flagged for an operator instead of being healed into sent.
func (w *Worker) checkCompletion(log *logrus.Entry) (bool, error) {
	finalized, err := w.Campaigns.TryFinalize(w.CampaignID)
	if err != nil {
		return false, err
	}
	if finalized {
		log.Info("campaign complete")
		w.Events.Publish(events.CampaignSent, map[string]interface{}{
			"campaign_id": w.CampaignID,
		})
		return true, nil
	}

	flagged, err := w.Campaigns.FlagAttention(w.CampaignID)
	if err != nil {
		return false, err
	}
	if flagged {
		log.Warn("queue drained with missing send records, campaign flagged for attention")
		w.Events.Publish(events.CampaignFlagged, map[string]interface{}{
			"campaign_id": w.CampaignID,
		})
	}
	return false, nil
}
