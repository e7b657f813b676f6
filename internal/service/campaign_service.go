package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/queue"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
)

// pausedUntil is the far-future eligibility stamp used by pause. Jobs stay
// on the queue so resume needs no re-enumeration of recipients.
var pausedUntil = time.Date(2999, 1, 1, 0, 0, 0, 0, time.UTC)

// Dispatcher enqueues a campaign's recipient set (implemented by
// dispatch.Distributor).
type Dispatcher interface {
	Dispatch(campaignID int) (int, error)
}

// QueueControl is the slice of the job store used by the control actions.
type QueueControl interface {
	DeferQueue(queue string, until time.Time) (int64, error)
	RestoreQueue(queue string) (int64, error)
	PurgeQueue(queue string) (int64, error)
	Counts(queue string) (ready, reserved int, err error)
}

type CampaignService struct {
	CampaignRepo   repository.CampaignRepositoryInterface
	SubscriberRepo repository.SubscriberRepositoryInterface
	RecordRepo     repository.SendRecordRepositoryInterface
	Jobs           QueueControl
	Distributor    Dispatcher
	Log            *logrus.Logger
}

// Result struct for SendNow
type SendCampaignResult struct {
	CampaignID int    `json:"campaign_id"`
	Recipients int    `json:"recipients"`
	Status     string `json:"status"`
}

type CampaignDetails struct {
	*model.Campaign
	Stats        map[string]int `json:"stats"`
	QueueReady   int            `json:"queue_ready"`
	QueueClaimed int            `json:"queue_claimed"`
}

// SendNow dispatches the campaign immediately.
func (s *CampaignService) SendNow(campaignID int) (*SendCampaignResult, error) {
	n, err := s.Distributor.Dispatch(campaignID)
	if err != nil {
		return nil, err
	}
	return &SendCampaignResult{
		CampaignID: campaignID,
		Recipients: n,
		Status:     model.StatusSending,
	}, nil
}

// Schedule parks the campaign for the promotion sweep to dispatch at the
// given time.
func (s *CampaignService) Schedule(campaignID int, at time.Time) error {
	campaign, err := s.CampaignRepo.GetByID(campaignID)
	if err != nil {
		return err
	}

	ok, err := s.CampaignRepo.TransitionStatus(campaignID, model.StatusScheduled,
		model.StatusDraft, model.StatusScheduled)
	if err != nil {
		return err
	}
	if !ok {
		return appErrors.NewBadTransition(campaignID, campaign.Status, model.StatusScheduled)
	}
	return s.CampaignRepo.SetSchedule(campaignID, at)
}

// Pause stops a sending campaign without losing work: the status flips and
// every unclaimed job's eligibility moves far into the future. In-flight
// jobs finish; their workers exit on the next status re-check.
func (s *CampaignService) Pause(campaignID int) error {
	campaign, err := s.CampaignRepo.GetByID(campaignID)
	if err != nil {
		return err
	}

	ok, err := s.CampaignRepo.TransitionStatus(campaignID, model.StatusPaused, model.StatusSending)
	if err != nil {
		return err
	}
	if !ok {
		return appErrors.NewBadTransition(campaignID, campaign.Status, model.StatusPaused)
	}

	deferred, err := s.Jobs.DeferQueue(queue.CampaignQueue(campaignID), pausedUntil)
	if err != nil {
		return err
	}
	s.Log.WithFields(logrus.Fields{
		"campaign_id": campaignID,
		"deferred":    deferred,
	}).Info("campaign paused")
	return nil
}

// Resume restores job eligibility and infers the target status: back to
// sending when any work was already queued or completed, otherwise back to
// scheduled so the promotion sweep re-dispatches it (nothing was enqueued,
// so no duplication is possible). A campaign that was never scheduled has
// no scheduled_at for the sweep to pick up, so it falls back to draft.
func (s *CampaignService) Resume(campaignID int) error {
	campaign, err := s.CampaignRepo.GetByID(campaignID)
	if err != nil {
		return err
	}
	if campaign.Status != model.StatusPaused {
		return appErrors.NewBadTransition(campaignID, campaign.Status, model.StatusSending)
	}

	q := queue.CampaignQueue(campaignID)
	restored, err := s.Jobs.RestoreQueue(q)
	if err != nil {
		return err
	}

	ready, reserved, err := s.Jobs.Counts(q)
	if err != nil {
		return err
	}
	progress, err := s.RecordRepo.HasProgress(campaignID)
	if err != nil {
		return err
	}

	target := model.StatusScheduled
	if progress || ready+reserved > 0 {
		target = model.StatusSending
	} else if campaign.ScheduledAt == nil {
		target = model.StatusDraft
	}

	ok, err := s.CampaignRepo.TransitionStatus(campaignID, target, model.StatusPaused)
	if err != nil {
		return err
	}
	if !ok {
		return appErrors.NewBadTransition(campaignID, model.StatusPaused, target)
	}

	s.Log.WithFields(logrus.Fields{
		"campaign_id": campaignID,
		"restored":    restored,
		"status":      target,
	}).Info("campaign resumed")
	return nil
}

// Cancel is terminal: the queue's jobs are deleted outright and the
// campaign cannot be resumed.
func (s *CampaignService) Cancel(campaignID int) error {
	campaign, err := s.CampaignRepo.GetByID(campaignID)
	if err != nil {
		return err
	}

	ok, err := s.CampaignRepo.TransitionStatus(campaignID, model.StatusCancelled,
		model.StatusSending, model.StatusScheduled, model.StatusPaused)
	if err != nil {
		return err
	}
	if !ok {
		return appErrors.NewBadTransition(campaignID, campaign.Status, model.StatusCancelled)
	}

	purged, err := s.Jobs.PurgeQueue(queue.CampaignQueue(campaignID))
	if err != nil {
		return err
	}
	s.Log.WithFields(logrus.Fields{
		"campaign_id": campaignID,
		"purged":      purged,
	}).Info("campaign cancelled")
	return nil
}

// GetCampaignDetails returns the campaign with send-record stats and queue
// depth.
func (s *CampaignService) GetCampaignDetails(campaignID int) (*CampaignDetails, error) {
	campaign, err := s.CampaignRepo.GetByID(campaignID)
	if err != nil {
		return nil, err
	}
	stats, err := s.RecordRepo.Stats(campaignID)
	if err != nil {
		return nil, err
	}
	ready, reserved, err := s.Jobs.Counts(queue.CampaignQueue(campaignID))
	if err != nil {
		return nil, err
	}
	return &CampaignDetails{
		Campaign:     campaign,
		Stats:        stats,
		QueueReady:   ready,
		QueueClaimed: reserved,
	}, nil
}

// RenderPreview renders the campaign template against one subscriber.
func (s *CampaignService) RenderPreview(campaignID, subscriberID int, overrideTemplate *string) (string, error) {
	campaign, err := s.CampaignRepo.GetByID(campaignID)
	if err != nil {
		return "", err
	}

	sub, err := s.SubscriberRepo.GetByID(subscriberID)
	if err != nil {
		return "", err
	}
	if sub == nil {
		return "", fmt.Errorf("subscriber not found")
	}

	template := campaign.BaseTemplate
	if overrideTemplate != nil && strings.TrimSpace(*overrideTemplate) != "" {
		template = *overrideTemplate
	}
	if strings.TrimSpace(template) == "" {
		return "", fmt.Errorf("template cannot be empty")
	}

	message := template
	message = strings.ReplaceAll(message, "{first_name}", sub.FirstName)
	message = strings.ReplaceAll(message, "{last_name}", sub.LastName)
	message = strings.ReplaceAll(message, "{email}", sub.Email)
	return message, nil
}
