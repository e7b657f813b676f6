package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/unclebandit/campaign-dispatch/internal/config"
	"github.com/unclebandit/campaign-dispatch/internal/db"
	"github.com/unclebandit/campaign-dispatch/internal/events"
	"github.com/unclebandit/campaign-dispatch/internal/provider"
	"github.com/unclebandit/campaign-dispatch/internal/queue"
	"github.com/unclebandit/campaign-dispatch/internal/ratelimit"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
	"github.com/unclebandit/campaign-dispatch/internal/worker"
)

func main() {
	config.Load()

	campaignID := flag.Int("campaign", 0, "campaign id this worker is dedicated to")
	queueName := flag.String("queue", "", "named queue for a general-purpose worker (instead of -campaign)")
	pollSleep := flag.Duration("sleep", config.GetenvDuration("WORKER_POLL_SLEEP", time.Second), "idle sleep between empty claims")
	checkInterval := flag.Duration("check-interval", config.GetenvDuration("WORKER_CHECK_INTERVAL", 10*time.Second), "campaign status re-check period")
	memLimitMB := flag.Int("mem-limit-mb", config.GetenvInt("WORKER_MEM_LIMIT_MB", 0), "heap ceiling in MB, 0 for unlimited")
	flag.Parse()

	log := config.NewLogger()

	if *campaignID <= 0 && *queueName == "" {
		log.Fatal("either -campaign or -queue is required")
	}

	conn, err := db.Open(log)
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	publisher, err := events.Connect(config.Getenv("RABBITMQ_URL", ""), log)
	if err != nil {
		log.WithError(err).Warn("event publisher unavailable, continuing without events")
	}
	defer publisher.Close()

	serverRepo := &repository.SendingServerRepository{DB: conn}
	campaignRepo := &repository.CampaignRepository{DB: conn}

	var sender provider.Sender = provider.NewAutoSender()
	if *campaignID > 0 {
		campaign, err := campaignRepo.GetByID(*campaignID)
		if err != nil {
			// STARTING with a missing campaign is a valid outcome, not a crash.
			log.WithError(err).Info("campaign unavailable, exiting")
			return
		}
		server, err := serverRepo.GetByID(campaign.SendingServerID)
		if err != nil {
			log.WithError(err).Error("sending server unavailable, exiting")
			return
		}
		sender = provider.ForServer(server)
	}

	w := &worker.Worker{
		CampaignID:    *campaignID,
		Queue:         *queueName,
		Jobs:          queue.NewStore(conn, log),
		Campaigns:     campaignRepo,
		Subscribers:   &repository.SubscriberRepository{DB: conn},
		Records:       &repository.SendRecordRepository{DB: conn},
		Servers:       serverRepo,
		Limiter:       ratelimit.NewLimiter(serverRepo),
		Sender:        sender,
		Events:        publisher,
		Log:           log,
		PollSleep:     *pollSleep,
		CheckInterval: *checkInterval,
		MemoryLimitMB: *memLimitMB,
	}

	// SIGTERM/SIGINT cancel the context; the worker finishes any in-flight
	// send before exiting.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := w.Run(ctx); err != nil {
		log.WithError(err).Error("worker exited with error")
	}
}
