package worker_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/provider"
	"github.com/unclebandit/campaign-dispatch/internal/queue"
	"github.com/unclebandit/campaign-dispatch/internal/queue/queuetest"
	"github.com/unclebandit/campaign-dispatch/internal/ratelimit"
	"github.com/unclebandit/campaign-dispatch/internal/worker"
)

// memRecords is the send-record table: unique per (campaign, subscriber).
type memRecords struct {
	mu     sync.Mutex
	status map[int]string // subscriber id -> status
	errs   map[int]string
}

func newMemRecords() *memRecords {
	return &memRecords{status: map[int]string{}, errs: map[int]string{}}
}

func (r *memRecords) MarkSent(campaignID, subscriberID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status[subscriberID] == model.SendSent {
		return fmt.Errorf("duplicate send for subscriber %d", subscriberID)
	}
	r.status[subscriberID] = model.SendSent
	return nil
}

func (r *memRecords) MarkFailed(campaignID, subscriberID int, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status[subscriberID] = model.SendFailed
	r.errs[subscriberID] = lastError
	return nil
}

func (r *memRecords) terminal() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, st := range r.status {
		if st == model.SendSent || st == model.SendFailed {
			n++
		}
	}
	return n
}

func (r *memRecords) failed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, st := range r.status {
		if st == model.SendFailed {
			n++
		}
	}
	return n
}

// memCampaigns backs GetByID/TryFinalize/FlagAttention with the same
// conditions the SQL uses, atomically under one mutex.
type memCampaigns struct {
	mu       sync.Mutex
	campaign *model.Campaign
	jobs     *queuetest.Store
	records  *memRecords
	flagged  bool
}

func (c *memCampaigns) GetByID(id int) (*model.Campaign, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.campaign == nil || c.campaign.ID != id {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c.campaign
	return &cp, nil
}

func (c *memCampaigns) IncrementSent(id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.campaign.TotalSent++
	return nil
}

func (c *memCampaigns) TryFinalize(id int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.campaign.Status != model.StatusSending {
		return false, nil
	}
	if c.jobs.Remaining() > 0 {
		return false, nil
	}
	if c.records.terminal() < c.campaign.TotalRecipients {
		return false, nil
	}
	c.campaign.Status = model.StatusSent
	return true, nil
}

func (c *memCampaigns) FlagAttention(id int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.campaign.Status != model.StatusSending || c.flagged {
		return false, nil
	}
	if c.jobs.Remaining() > 0 || c.records.terminal() >= c.campaign.TotalRecipients {
		return false, nil
	}
	c.flagged = true
	return true, nil
}

func (c *memCampaigns) setStatus(status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.campaign.Status = status
}

func (c *memCampaigns) status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.campaign.Status
}

type memSubscribers struct{}

func (memSubscribers) GetByID(id int) (*model.Subscriber, error) {
	return &model.Subscriber{ID: id, Email: fmt.Sprintf("s%d@example.com", id), FirstName: "Sub", Status: "active"}, nil
}

type memServers struct {
	mu    sync.Mutex
	today int
}

func (s *memServers) GetByID(id int) (*model.SendingServer, error) {
	return &model.SendingServer{ID: id, Kind: "smtp", FromEmail: "news@example.com"}, nil
}

func (s *memServers) IncrementSentToday(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.today++
	return nil
}

type openLimiter struct{}

func (openLimiter) Check(*model.SendingServer) (ratelimit.Decision, error) {
	return ratelimit.Decision{CanSend: true}, nil
}

// blockNTimes refuses the first n checks, then opens.
type blockNTimes struct {
	mu     sync.Mutex
	n      int
	window ratelimit.Window
}

func (b *blockNTimes) Check(*model.SendingServer) (ratelimit.Decision, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.n > 0 {
		b.n--
		return ratelimit.Decision{CanSend: false, Window: b.window}, nil
	}
	return ratelimit.Decision{CanSend: true}, nil
}

// recordingSender collects every recipient it saw and answers by script.
type recordingSender struct {
	mu      sync.Mutex
	sent    []string
	results []provider.SendResult // consumed in order; empty means always Sent
}

func (s *recordingSender) Send(ctx context.Context, server *model.SendingServer, msg *provider.Message) provider.SendResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg.To)
	if len(s.results) > 0 {
		res := s.results[0]
		s.results = s.results[1:]
		return res
	}
	return provider.Sent()
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func newTestWorker(campaignID int, jobs *queuetest.Store, campaigns *memCampaigns, records *memRecords, lim worker.Limiter, sender provider.Sender) *worker.Worker {
	return &worker.Worker{
		CampaignID:    campaignID,
		Jobs:          jobs,
		Campaigns:     campaigns,
		Subscribers:   memSubscribers{},
		Records:       records,
		Servers:       &memServers{},
		Limiter:       lim,
		Sender:        sender,
		Log:           testLogger(),
		PollSleep:     time.Millisecond,
		CheckInterval: 20 * time.Millisecond,
	}
}

func seedCampaign(campaignID, total int) (*queuetest.Store, *memCampaigns, *memRecords) {
	jobs := queuetest.NewStore()
	records := newMemRecords()
	q := queue.CampaignQueue(campaignID)
	for i := 1; i <= total; i++ {
		jobs.EnqueuePayload(q, model.JobPayload{CampaignID: campaignID, SubscriberID: i, ListID: 1})
	}
	campaigns := &memCampaigns{
		campaign: &model.Campaign{ID: campaignID, Status: model.StatusSending, SendingServerID: 1, TotalRecipients: total},
		jobs:     jobs,
		records:  records,
	}
	return jobs, campaigns, records
}

// Three workers drain 1000 jobs: every job is processed exactly once, the
// queue ends empty and the campaign finalizes to sent.
func TestWorkersDrainCampaignToCompletion(t *testing.T) {
	const total = 1000
	jobs, campaigns, records := seedCampaign(7, total)
	sender := &recordingSender{}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		w := newTestWorker(7, jobs, campaigns, records, openLimiter{}, sender)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				t.Errorf("worker error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := campaigns.status(); got != model.StatusSent {
		t.Fatalf("campaign status = %s, want %s", got, model.StatusSent)
	}
	if n := jobs.Remaining(); n != 0 {
		t.Fatalf("queue not empty: %d jobs left", n)
	}
	if n := records.terminal(); n != total {
		t.Fatalf("terminal records = %d, want %d", n, total)
	}

	// No duplicate sends across the three workers.
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != total {
		t.Fatalf("sends = %d, want %d", len(sender.sent), total)
	}
	sorted := append([]string(nil), sender.sent...)
	sort.Strings(sorted)
	for i := 1; i < len(sorted); i++ {
		if sorted[i] == sorted[i-1] {
			t.Fatalf("duplicate send to %s", sorted[i])
		}
	}
}

// A rate-limited send releases the job with the attempt decremented and the
// job is eventually delivered once capacity returns.
func TestWorkerRateLimitedSendReleasesJob(t *testing.T) {
	jobs, campaigns, records := seedCampaign(3, 1)
	sender := &recordingSender{results: []provider.SendResult{
		provider.RateLimited(ratelimit.WindowSecond),
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	w := newTestWorker(3, jobs, campaigns, records, openLimiter{}, sender)
	if err := w.Run(ctx); err != nil {
		t.Fatalf("worker error: %v", err)
	}

	if campaigns.status() != model.StatusSent {
		t.Fatalf("campaign status = %s, want sent", campaigns.status())
	}
	if jobs.Releases() != 1 || jobs.Decrements() != 1 {
		t.Fatalf("releases=%d decrements=%d, want 1 and 1", jobs.Releases(), jobs.Decrements())
	}
}

// The shared limiter blocking before the send releases the job the same way.
func TestWorkerLimiterBlockReleasesJob(t *testing.T) {
	jobs, campaigns, records := seedCampaign(4, 1)
	lim := &blockNTimes{n: 2, window: ratelimit.WindowSecond}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	w := newTestWorker(4, jobs, campaigns, records, lim, &recordingSender{})
	if err := w.Run(ctx); err != nil {
		t.Fatalf("worker error: %v", err)
	}
	if campaigns.status() != model.StatusSent {
		t.Fatalf("campaign status = %s, want sent", campaigns.status())
	}
	if n := records.terminal(); n != 1 {
		t.Fatalf("terminal records = %d, want 1", n)
	}
}

// A hard send failure removes the job, records the failure and keeps a
// dead-letter copy; the campaign still finalizes because failed is terminal.
func TestWorkerHardFailureDeadLetters(t *testing.T) {
	jobs, campaigns, records := seedCampaign(5, 2)
	sender := &recordingSender{results: []provider.SendResult{
		provider.Failed(fmt.Errorf("mailbox does not exist")),
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	w := newTestWorker(5, jobs, campaigns, records, openLimiter{}, sender)
	if err := w.Run(ctx); err != nil {
		t.Fatalf("worker error: %v", err)
	}

	if campaigns.status() != model.StatusSent {
		t.Fatalf("campaign status = %s, want sent", campaigns.status())
	}
	if n := len(jobs.Dead()); n != 1 {
		t.Fatalf("dead letters = %d, want 1", n)
	}
	if n := records.failed(); n != 1 {
		t.Fatalf("failed records = %d, want 1", n)
	}
}

// An empty queue with fewer terminal records than recipients must never
// finalize; the campaign is flagged for an operator instead.
func TestCompletionNeverFlipsWithMissingRecords(t *testing.T) {
	jobs := queuetest.NewStore()
	records := newMemRecords()
	campaigns := &memCampaigns{
		campaign: &model.Campaign{ID: 9, Status: model.StatusSending, SendingServerID: 1, TotalRecipients: 10},
		jobs:     jobs,
		records:  records,
	}
	// 4 terminal records, queue already empty: a lost-job condition.
	for i := 1; i <= 4; i++ {
		records.MarkSent(9, i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := newTestWorker(9, jobs, campaigns, records, openLimiter{}, &recordingSender{})
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	// Give the worker time to observe the empty queue a few times.
	time.Sleep(100 * time.Millisecond)
	if campaigns.status() == model.StatusSent {
		t.Fatal("campaign finalized despite missing send records")
	}
	campaigns.mu.Lock()
	flagged := campaigns.flagged
	campaigns.mu.Unlock()
	if !flagged {
		t.Fatal("campaign was not flagged for attention")
	}
	cancel()
	<-done
}

// A worker whose campaign is paused mid-run exits on the next re-check
// without claiming further jobs.
func TestWorkerExitsWhenCampaignPaused(t *testing.T) {
	jobs, campaigns, records := seedCampaign(11, 50)
	campaigns.setStatus(model.StatusPaused)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := newTestWorker(11, jobs, campaigns, records, openLimiter{}, &recordingSender{})
	if err := w.Run(ctx); err != nil {
		t.Fatalf("worker error: %v", err)
	}
	if campaigns.status() != model.StatusPaused {
		t.Fatalf("status changed to %s", campaigns.status())
	}
}

// A general-purpose worker drains a named queue, hydrating the campaign per
// job, and dead-letters jobs whose campaign is no longer sending.
func TestGeneralWorkerDrainsNamedQueue(t *testing.T) {
	jobs := queuetest.NewStore()
	records := newMemRecords()
	campaigns := &memCampaigns{
		campaign: &model.Campaign{ID: 21, Status: model.StatusSending, SendingServerID: 1, TotalRecipients: 3},
		jobs:     jobs,
		records:  records,
	}
	for i := 1; i <= 3; i++ {
		jobs.EnqueuePayload(queue.DefaultQueue, model.JobPayload{CampaignID: 21, SubscriberID: i, ListID: 1})
	}
	// A stale job for a campaign that does not exist anymore.
	jobs.EnqueuePayload(queue.DefaultQueue, model.JobPayload{CampaignID: 99, SubscriberID: 9, ListID: 1})

	ctx, cancel := context.WithCancel(context.Background())
	sender := &recordingSender{}
	w := &worker.Worker{
		Queue:         queue.DefaultQueue,
		Jobs:          jobs,
		Campaigns:     campaigns,
		Subscribers:   memSubscribers{},
		Records:       records,
		Servers:       &memServers{},
		Limiter:       openLimiter{},
		Sender:        sender,
		Log:           testLogger(),
		PollSleep:     time.Millisecond,
		CheckInterval: 20 * time.Millisecond,
	}

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.After(10 * time.Second)
	for jobs.Remaining() > 0 {
		select {
		case <-deadline:
			t.Fatalf("queue not drained, %d jobs left", jobs.Remaining())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if n := records.terminal(); n != 3 {
		t.Fatalf("terminal records = %d, want 3", n)
	}
	if n := len(jobs.Dead()); n != 1 {
		t.Fatalf("dead letters = %d, want 1 for the missing campaign", n)
	}
}

// Concurrent claims on a preloaded queue never hand the same job to two
// claimers.
func TestConcurrentClaimsAreExclusive(t *testing.T) {
	const jobCount = 200
	jobs, _, _ := seedCampaign(13, jobCount)
	q := queue.CampaignQueue(13)

	var mu sync.Mutex
	claimed := map[int64]int{}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, err := jobs.ClaimNext(q)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if j == nil {
					return
				}
				mu.Lock()
				claimed[j.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != jobCount {
		t.Fatalf("claimed %d distinct jobs, want %d", len(claimed), jobCount)
	}
	for id, n := range claimed {
		if n != 1 {
			t.Fatalf("job %d claimed %d times", id, n)
		}
	}
}
