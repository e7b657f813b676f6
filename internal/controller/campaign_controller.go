package controller

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
	"github.com/unclebandit/campaign-dispatch/internal/service"
)

type CampaignController struct {
	CampaignService *service.CampaignService
	CampaignRepo    repository.CampaignRepositoryInterface
	Log             *logrus.Logger
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name            string     `json:"name"`
		Subject         string     `json:"subject"`
		BaseTemplate    string     `json:"base_template"`
		SendingServerID int        `json:"sending_server_id"`
		ScheduledAt     *time.Time `json:"scheduled_at,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	campaign := &model.Campaign{
		Name:            body.Name,
		Subject:         body.Subject,
		BaseTemplate:    body.BaseTemplate,
		SendingServerID: body.SendingServerID,
		ScheduledAt:     body.ScheduledAt,
	}
	if err := c.CampaignRepo.Create(campaign); err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, campaign)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	status := r.URL.Query().Get("status")

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	campaigns, total, err := c.CampaignRepo.ListCampaigns((page-1)*pageSize, pageSize, status)
	if err != nil {
		c.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"campaigns": campaigns,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetCampaign returns the campaign with stats and queue depth.
func (c *CampaignController) GetCampaign(w http.ResponseWriter, r *http.Request) {
	details, err := c.CampaignService.GetCampaignDetails(urlID(r))
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (c *CampaignController) SendCampaign(w http.ResponseWriter, r *http.Request) {
	result, err := c.CampaignService.SendNow(urlID(r))
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (c *CampaignController) ScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ScheduledAt time.Time `json:"scheduled_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	id := urlID(r)
	if err := c.CampaignService.Schedule(id, body.ScheduledAt); err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"campaign_id": id, "status": model.StatusScheduled})
}

func (c *CampaignController) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	id := urlID(r)
	if err := c.CampaignService.Pause(id); err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"campaign_id": id, "status": model.StatusPaused})
}

func (c *CampaignController) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	id := urlID(r)
	if err := c.CampaignService.Resume(id); err != nil {
		c.writeError(w, err)
		return
	}
	campaign, err := c.CampaignRepo.GetByID(id)
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"campaign_id": id, "status": campaign.Status})
}

func (c *CampaignController) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	id := urlID(r)
	if err := c.CampaignService.Cancel(id); err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"campaign_id": id, "status": model.StatusCancelled})
}

func (c *CampaignController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SubscriberID     int     `json:"subscriber_id"`
		OverrideTemplate *string `json:"override_template"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	rendered, err := c.CampaignService.RenderPreview(urlID(r), body.SubscriberID, body.OverrideTemplate)
	if err != nil {
		c.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rendered_message": rendered,
		"subscriber_id":    body.SubscriberID,
	})
}

func (c *CampaignController) writeError(w http.ResponseWriter, err error) {
	switch err.(type) {
	case *appErrors.ErrCampaignNotFound, *appErrors.ErrServerNotFound:
		http.Error(w, err.Error(), http.StatusNotFound)
	case *appErrors.ErrBadTransition:
		http.Error(w, err.Error(), http.StatusConflict)
	case *appErrors.ErrNoRecipients:
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		c.Log.WithError(err).Error("request failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func urlID(r *http.Request) int {
	id, _ := strconv.Atoi(chi.URLParam(r, "id"))
	return id
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
