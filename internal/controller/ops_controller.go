package controller

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/campaign-dispatch/internal/queue"
	"github.com/unclebandit/campaign-dispatch/internal/recovery"
)

type QueueDepths interface {
	Counts(queue string) (ready, reserved int, err error)
}

// OpsController exposes the operational surface: queue depth per campaign
// and an on-demand stuck-state recovery trigger.
type OpsController struct {
	Queue    QueueDepths
	Recovery *recovery.Recovery
	Log      *logrus.Logger
}

func (c *OpsController) QueueDepth(w http.ResponseWriter, r *http.Request) {
	id := urlID(r)
	ready, reserved, err := c.Queue.Counts(queue.CampaignQueue(id))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"campaign_id": id,
		"queue":       queue.CampaignQueue(id),
		"ready":       ready,
		"reserved":    reserved,
	})
}

func (c *OpsController) RunRecovery(w http.ResponseWriter, r *http.Request) {
	if err := c.Recovery.Run(); err != nil {
		c.Log.WithError(err).Error("recovery pass failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"recovery": "ok"})
}
