package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/campaign-dispatch/internal/config"
	"github.com/unclebandit/campaign-dispatch/internal/controller"
	"github.com/unclebandit/campaign-dispatch/internal/db"
	"github.com/unclebandit/campaign-dispatch/internal/dispatch"
	"github.com/unclebandit/campaign-dispatch/internal/events"
	"github.com/unclebandit/campaign-dispatch/internal/queue"
	"github.com/unclebandit/campaign-dispatch/internal/recovery"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
	"github.com/unclebandit/campaign-dispatch/internal/service"
)

func main() {
	config.Load()
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
	subscriberRepo := &repository.SubscriberRepository{DB: conn}
	recordRepo := &repository.SendRecordRepository{DB: conn}

	distributor := &dispatch.Distributor{
		Campaigns:   campaignRepo,
		Subscribers: subscriberRepo,
		Records:     recordRepo,
		Jobs:        store,
		Log:         log,
	}

	campaignService := &service.CampaignService{
		CampaignRepo:   campaignRepo,
		SubscriberRepo: subscriberRepo,
		RecordRepo:     recordRepo,
		Jobs:           store,
		Distributor:    distributor,
		Log:            log,
	}

	campaignController := &controller.CampaignController{
		CampaignService: campaignService,
		CampaignRepo:    campaignRepo,
		Log:             log,
	}

	opsController := &controller.OpsController{
		Queue:    store,
		Recovery: recovery.New(store, campaignRepo, publisher, log),
		Log:      log,
	}

	r := chi.NewRouter()

	// Campaign routes
	r.Post("/campaigns", campaignController.CreateCampaign)
	r.Get("/campaigns", campaignController.ListCampaigns)
	r.Get("/campaigns/{id}", campaignController.GetCampaign)
	r.Post("/campaigns/{id}/send", campaignController.SendCampaign)
	r.Post("/campaigns/{id}/schedule", campaignController.ScheduleCampaign)
	r.Post("/campaigns/{id}/pause", campaignController.PauseCampaign)
	r.Post("/campaigns/{id}/resume", campaignController.ResumeCampaign)
	r.Post("/campaigns/{id}/cancel", campaignController.CancelCampaign)
	r.Post("/campaigns/{id}/personalized-preview", campaignController.PersonalizedPreview)

	// Ops routes
	r.Get("/campaigns/{id}/queue", opsController.QueueDepth)
	r.Post("/ops/recovery", opsController.RunRecovery)

	addr := config.Getenv("HTTP_ADDR", ":8080")
	log.WithField("addr", addr).Info("server running")
	log.Fatal(http.ListenAndServe(addr, r))
}
