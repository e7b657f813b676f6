package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/campaign-dispatch/internal/config"
	"github.com/unclebandit/campaign-dispatch/internal/db"
	"github.com/unclebandit/campaign-dispatch/internal/dispatch"
	"github.com/unclebandit/campaign-dispatch/internal/events"
	"github.com/unclebandit/campaign-dispatch/internal/queue"
	"github.com/unclebandit/campaign-dispatch/internal/recovery"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
	"github.com/unclebandit/campaign-dispatch/internal/supervisor"
)

func main() {
	config.Load()

	workerBin := flag.String("worker-bin", defaultWorkerBin(), "path to the worker binary")
	interval := flag.Duration("interval", config.GetenvDuration("SUPERVISOR_INTERVAL", 10*time.Second), "control loop tick interval")
	recoverOnce := flag.Bool("recover", false, "run one stuck-state recovery pass and exit")
	flag.Parse()

	log := config.NewLogger()

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

	store := queue.NewStore(conn, log)
	campaignRepo := &repository.CampaignRepository{DB: conn}
	rec := recovery.New(store, campaignRepo, publisher, log)

	if *recoverOnce {
		if err := rec.Run(); err != nil {
			log.Fatal(err)
		}
		return
	}

	sup := supervisor.New(campaignRepo, store, log)
	sup.Interval = *interval
	sup.WorkerBin = *workerBin
	sup.Locker = config.NewRedisLocker(log)
	sup.Scale = supervisor.ScaleConfig{
		JobsPerWorker: config.GetenvInt("SCALE_JOBS_PER_WORKER", 2000),
		MinWorkers:    config.GetenvInt("SCALE_MIN_WORKERS", 1),
		MaxWorkers:    config.GetenvInt("SCALE_MAX_WORKERS", 20),
		UpperBacklog:  config.GetenvInt("SCALE_UPPER_BACKLOG", 2500),
		LowerBacklog:  config.GetenvInt("SCALE_LOWER_BACKLOG", 500),
	}

	distributor := &dispatch.Distributor{
		Campaigns:   campaignRepo,
		Subscribers: &repository.SubscriberRepository{DB: conn},
		Records:     &repository.SendRecordRepository{DB: conn},
		Jobs:        store,
		Log:         log,
	}

	// Periodic passes, independent of the hot control loop: stuck-state
	// repair and promotion of due scheduled campaigns.
	c := cron.New()
	c.AddFunc("@every "+config.Getenv("RECOVERY_EVERY", "5m"), func() {
		if err := rec.Run(); err != nil {
			log.WithError(err).Error("recovery pass failed")
		}
	})
	c.AddFunc("@every "+config.Getenv("PROMOTE_EVERY", "1m"), func() {
		promoteDue(campaignRepo, distributor, log)
	})
	c.Start()
	defer c.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	sup.Run(ctx)
}

func promoteDue(campaigns *repository.CampaignRepository, d *dispatch.Distributor, log *logrus.Logger) {
	due, err := campaigns.ListScheduledDue()
	if err != nil {
		log.WithError(err).Error("scheduled campaign discovery failed")
		return
	}
	for _, c := range due {
		if _, err := d.Dispatch(c.ID); err != nil {
			log.WithError(err).Error("scheduled dispatch failed")
		}
	}
}

// defaultWorkerBin assumes the worker binary sits next to this one.
func defaultWorkerBin() string {
	exe, err := os.Executable()
	if err != nil {
		return "worker"
	}
	return filepath.Join(filepath.Dir(exe), "worker")
}
