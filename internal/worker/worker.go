package worker

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/events"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/provider"
	"github.com/unclebandit/campaign-dispatch/internal/queue"
	"github.com/unclebandit/campaign-dispatch/internal/ratelimit"
)

// JobStore defines the queue operations the worker needs
type JobStore interface {
	ClaimNext(queue string) (*model.Job, error)
	Complete(jobID int64) error
	Release(jobID int64, decrementAttempt bool) error
	DeadLetter(job *model.Job, reason string) error
}

// CampaignStore defines the campaign operations the worker needs
type CampaignStore interface {
	GetByID(id int) (*model.Campaign, error)
	IncrementSent(id int) error
	TryFinalize(id int) (bool, error)
	FlagAttention(id int) (bool, error)
}

// RecordStore writes per-recipient delivery outcomes
type RecordStore interface {
	MarkSent(campaignID, subscriberID int) error
	MarkFailed(campaignID, subscriberID int, lastError string) error
}

// SubscriberStore re-hydrates recipients at send time
type SubscriberStore interface {
	GetByID(id int) (*model.Subscriber, error)
}

// ServerStore loads sending servers and bumps the daily counter
type ServerStore interface {
	GetByID(id int) (*model.SendingServer, error)
	IncrementSentToday(id int) error
}

// Limiter is the shared per-server rate check
type Limiter interface {
	Check(server *model.SendingServer) (ratelimit.Decision, error)
}

// Worker is a process dedicated to exactly one campaign's queue. It claims
// jobs, enforces the sending server's rate limit, executes sends, records
// outcomes and detects campaign completion. Single-threaded on purpose:
// provider latency throttles one worker, and the supervisor adds more
// worker processes to compensate.
type Worker struct {
	CampaignID  int    // 0 for a general-purpose worker
	Queue       string // overrides the campaign queue when set
	Jobs        JobStore
	Campaigns   CampaignStore
	Subscribers SubscriberStore
	Records     RecordStore
	Servers     ServerStore
	Limiter     Limiter
	Sender      provider.Sender
	Events      *events.Publisher
	Log         *logrus.Logger

	PollSleep     time.Duration // idle sleep between empty claims
	CheckInterval time.Duration // campaign status re-check period
	MemoryLimitMB int           // 0 = unlimited
	SendTimeout   time.Duration // per-send deadline, independent of shutdown

	queueName string
	campaign  *model.Campaign
	server    *model.SendingServer
	lastCheck time.Time
}

func (w *Worker) defaults() {
	if w.PollSleep <= 0 {
		w.PollSleep = time.Second
	}
	if w.CheckInterval <= 0 {
		w.CheckInterval = 10 * time.Second
	}
	if w.SendTimeout <= 0 {
		w.SendTimeout = 2 * time.Minute
	}
	w.queueName = w.Queue
	if w.queueName == "" {
		w.queueName = queue.CampaignQueue(w.CampaignID)
	}
}

// Run drives the worker until the campaign is done or ctx is cancelled.
// Cancellation is honored at iteration boundaries only; a send already in
// flight always finishes first, so no reserved job is abandoned.
// A worker with no campaign id runs in general-purpose mode: it drains the
// named queue indefinitely, hydrating campaign and server per job.
func (w *Worker) Run(ctx context.Context) error {
	w.defaults()
	if w.CampaignID == 0 {
		return w.runGeneral(ctx)
	}
	log := w.Log.WithFields(logrus.Fields{"campaign_id": w.CampaignID, "queue": w.queueName})

	campaign, err := w.Campaigns.GetByID(w.CampaignID)
	if err != nil {
		if _, gone := err.(*appErrors.ErrCampaignNotFound); gone {
			log.Info("campaign no longer exists, worker exiting")
			return nil
		}
		return err
	}
	if campaign.Status != model.StatusSending {
		log.WithField("status", campaign.Status).Info("campaign not sending, worker exiting")
		return nil
	}
	w.campaign = campaign

	server, err := w.Servers.GetByID(campaign.SendingServerID)
	if err != nil {
		return err
	}
	w.server = server
	w.lastCheck = time.Now()

	log.Info("worker started")

	for {
		if ctx.Err() != nil {
			log.Info("worker shutting down")
			return nil
		}

		if time.Since(w.lastCheck) >= w.CheckInterval {
			cont, err := w.recheck(log)
			if err != nil {
				log.WithError(err).Warn("campaign re-check failed")
			} else if !cont {
				return nil
			}
			w.lastCheck = time.Now()
		}

		job, err := w.Jobs.ClaimNext(w.queueName)
		if err != nil {
			// Infrastructure fault: the job (if any) stays untouched for a
			// later claim by any worker.
			log.WithError(err).Error("claim failed")
			sleep(ctx, w.PollSleep)
			continue
		}

		if job == nil {
			done, err := w.checkCompletion(log)
			if err != nil {
				log.WithError(err).Warn("completion check failed")
			}
			if done {
				return nil
			}
			sleep(ctx, w.PollSleep)
			continue
		}

		if window, limited := w.process(ctx, log, job); limited {
			w.waitForCapacity(ctx, log, window)
		}
	}
}

// runGeneral drains a named queue without binding to one campaign. It never
// finalizes campaigns: send jobs for the default queue belong to campaigns
// whose own dedicated workers (or the recovery sweep) detect completion.
func (w *Worker) runGeneral(ctx context.Context) error {
	log := w.Log.WithField("queue", w.queueName)
	log.Info("general worker started")

	w.lastCheck = time.Now()
	for {
		if ctx.Err() != nil {
			log.Info("worker shutting down")
			return nil
		}

		if time.Since(w.lastCheck) >= w.CheckInterval {
			if w.memoryExceeded(log) {
				return nil
			}
			w.lastCheck = time.Now()
		}

		job, err := w.Jobs.ClaimNext(w.queueName)
		if err != nil {
			log.WithError(err).Error("claim failed")
			sleep(ctx, w.PollSleep)
			continue
		}
		if job == nil {
			sleep(ctx, w.PollSleep)
			continue
		}

		if window, limited := w.processGeneral(ctx, log, job); limited {
			w.waitForCapacity(ctx, log, window)
		}
	}
}

// processGeneral hydrates the job's campaign and sending server, then runs
// the normal per-job path. Jobs whose campaign stopped sending are moot:
// they are dead-lettered with the reason instead of spinning on the queue.
func (w *Worker) processGeneral(ctx context.Context, log *logrus.Entry, job *model.Job) (ratelimit.Window, bool) {
	payload, err := job.DecodePayload()
	if err != nil {
		log.WithError(err).WithField("job_id", job.ID).Error("undecodable payload, dead-lettering")
		if dlErr := w.Jobs.DeadLetter(job, "undecodable payload: "+err.Error()); dlErr != nil {
			log.WithError(dlErr).Error("dead-letter failed")
		}
		return ratelimit.WindowNone, false
	}

	campaign, err := w.Campaigns.GetByID(payload.CampaignID)
	if err != nil {
		if _, gone := err.(*appErrors.ErrCampaignNotFound); gone {
			if dlErr := w.Jobs.DeadLetter(job, "campaign no longer exists"); dlErr != nil {
				log.WithError(dlErr).Error("dead-letter failed")
			}
			return ratelimit.WindowNone, false
		}
		log.WithError(err).Error("campaign load failed")
		if relErr := w.Jobs.Release(job.ID, true); relErr != nil {
			log.WithError(relErr).Error("release failed")
		}
		return ratelimit.WindowNone, false
	}
	if campaign.Status != model.StatusSending {
		if dlErr := w.Jobs.DeadLetter(job, "campaign is "+campaign.Status); dlErr != nil {
			log.WithError(dlErr).Error("dead-letter failed")
		}
		return ratelimit.WindowNone, false
	}

	server, err := w.Servers.GetByID(campaign.SendingServerID)
	if err != nil {
		log.WithError(err).Error("sending server load failed")
		if relErr := w.Jobs.Release(job.ID, true); relErr != nil {
			log.WithError(relErr).Error("release failed")
		}
		return ratelimit.WindowNone, false
	}

	w.campaign = campaign
	w.server = server
	return w.process(ctx, log, job)
}

func (w *Worker) memoryExceeded(log *logrus.Entry) bool {
	if w.MemoryLimitMB <= 0 {
		return false
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapAlloc > uint64(w.MemoryLimitMB)*1024*1024 {
		log.WithField("heap_mb", ms.HeapAlloc/1024/1024).Warn("memory ceiling reached, worker exiting")
		return true
	}
	return false
}

// recheck reloads the campaign and decides whether to keep running.
func (w *Worker) recheck(log *logrus.Entry) (bool, error) {
	campaign, err := w.Campaigns.GetByID(w.CampaignID)
	if err != nil {
		if _, gone := err.(*appErrors.ErrCampaignNotFound); gone {
			log.Info("campaign deleted, worker exiting")
			return false, nil
		}
		return true, err
	}
	w.campaign = campaign

	switch campaign.Status {
	case model.StatusSending:
	case model.StatusSent:
		log.Info("campaign already sent, worker exiting")
		return false, nil
	default:
		log.WithField("status", campaign.Status).Info("campaign no longer sendable, worker exiting")
		return false, nil
	}

	// Exit cleanly on the ceiling; the supervisor replaces us with a fresh
	// process.
	if w.memoryExceeded(log) {
		return false, nil
	}
	return true, nil
}

// process executes one claimed job. It returns the blocked window when the
// job was released due to rate limiting.
func (w *Worker) process(ctx context.Context, log *logrus.Entry, job *model.Job) (ratelimit.Window, bool) {
	payload, err := job.DecodePayload()
	if err != nil {
		log.WithError(err).WithField("job_id", job.ID).Error("undecodable payload, dead-lettering")
		if dlErr := w.Jobs.DeadLetter(job, "undecodable payload: "+err.Error()); dlErr != nil {
			log.WithError(dlErr).Error("dead-letter failed")
		}
		return ratelimit.WindowNone, false
	}

	decision, err := w.Limiter.Check(w.server)
	if err != nil {
		log.WithError(err).Error("rate limit check failed")
		if relErr := w.Jobs.Release(job.ID, true); relErr != nil {
			log.WithError(relErr).Error("release failed")
		}
		return ratelimit.WindowNone, false
	}
	if !decision.CanSend {
		if err := w.Jobs.Release(job.ID, true); err != nil {
			log.WithError(err).Error("release failed")
		}
		return decision.Window, true
	}

	msg, err := w.buildMessage(payload)
	if err != nil {
		w.failJob(log, job, payload, err)
		return ratelimit.WindowNone, false
	}

	// The send gets its own deadline so a shutdown signal never aborts a
	// message already on the wire.
	sendCtx, cancel := context.WithTimeout(context.Background(), w.SendTimeout)
	res := w.Sender.Send(sendCtx, w.server, msg)
	cancel()

	switch res.Outcome {
	case provider.OutcomeSent:
		if err := w.Jobs.Complete(job.ID); err != nil {
			log.WithError(err).WithField("job_id", job.ID).Error("complete failed")
		}
		if err := w.Records.MarkSent(payload.CampaignID, payload.SubscriberID); err != nil {
			log.WithError(err).Error("mark sent failed")
		}
		if err := w.Campaigns.IncrementSent(payload.CampaignID); err != nil {
			log.WithError(err).Error("increment sent failed")
		}
		if err := w.Servers.IncrementSentToday(w.server.ID); err != nil {
			log.WithError(err).Error("increment daily counter failed")
		}
		return ratelimit.WindowNone, false

	case provider.OutcomeRateLimited:
		// Not a real failure: undo the attempt increment and let any worker
		// reclaim once capacity returns.
		if err := w.Jobs.Release(job.ID, true); err != nil {
			log.WithError(err).Error("release failed")
		}
		return res.Window, true

	default:
		w.failJob(log, job, payload, res.Err)
		return ratelimit.WindowNone, false
	}
}

// failJob applies the no-retry-on-unknown-error policy: the job is removed,
// the send record goes terminal-failed and a dead-letter copy is kept.
// Retries only ever happen through the attempt-count path on stale
// reservations, never on explicit errors.
func (w *Worker) failJob(log *logrus.Entry, job *model.Job, payload *model.JobPayload, cause error) {
	reason := "send failed"
	if cause != nil {
		reason = cause.Error()
	}
	log.WithFields(logrus.Fields{
		"job_id":        job.ID,
		"subscriber_id": payload.SubscriberID,
	}).WithError(cause).Warn("permanent send failure")

	if err := w.Records.MarkFailed(payload.CampaignID, payload.SubscriberID, reason); err != nil {
		log.WithError(err).Error("mark failed failed")
	}
	if err := w.Jobs.DeadLetter(job, reason); err != nil {
		log.WithError(err).Error("dead-letter failed")
	}
	w.Events.Publish(events.JobDeadLettered, map[string]interface{}{
		"job_id":        job.ID,
		"campaign_id":   payload.CampaignID,
		"subscriber_id": payload.SubscriberID,
		"reason":        reason,
	})
}

// buildMessage re-hydrates the subscriber and renders the campaign template.
// Payloads carry identifiers only, so enqueue stays cheap at high volume.
func (w *Worker) buildMessage(payload *model.JobPayload) (*provider.Message, error) {
	sub, err := w.Subscribers.GetByID(payload.SubscriberID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, fmt.Errorf("subscriber %d not found", payload.SubscriberID)
	}
	if sub.Status != "active" {
		return nil, fmt.Errorf("subscriber %d is %s", sub.ID, sub.Status)
	}

	return &provider.Message{
		To:      sub.Email,
		ToName:  strings.TrimSpace(sub.FirstName + " " + sub.LastName),
		From:    w.server.FromEmail,
		Subject: renderTemplate(w.campaign.Subject, sub),
		Body:    renderTemplate(w.campaign.BaseTemplate, sub),
	}, nil
}

func renderTemplate(template string, sub *model.Subscriber) string {
	result := template
	result = replacePlaceholder(result, "first_name", sub.FirstName)
	result = replacePlaceholder(result, "last_name", sub.LastName)
	result = replacePlaceholder(result, "email", sub.Email)
	return result
}

func replacePlaceholder(template, key, value string) string {
	return strings.ReplaceAll(template, "{"+key+"}", value)
}

// waitForCapacity is the RATE_LIMITED state: sleep keyed to the violated
// window, re-check the limiter, repeat until capacity exists or shutdown.
func (w *Worker) waitForCapacity(ctx context.Context, log *logrus.Entry, window ratelimit.Window) {
	for {
		log.WithFields(logrus.Fields{
			"window":  string(window),
			"backoff": window.Backoff().String(),
		}).Info("rate limited, backing off")

		if !sleep(ctx, window.Backoff()) {
			return
		}

		decision, err := w.Limiter.Check(w.server)
		if err != nil {
			log.WithError(err).Warn("rate limit re-check failed")
			return
		}
		if decision.CanSend {
			return
		}
		window = decision.Window
	}
}

// sleep waits for d or until ctx is done; returns false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
