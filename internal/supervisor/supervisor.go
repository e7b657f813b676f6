package supervisor

import (
	"context"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/queue"
)

const lockKey = "campaign-dispatch:supervisor"

// ScaleConfig holds the autoscaling knobs.
type ScaleConfig struct {
	JobsPerWorker int // ideal backlog per worker (C)
	MinWorkers    int
	MaxWorkers    int
	UpperBacklog  int // backlog-per-worker above this scales up
	LowerBacklog  int // backlog-per-worker below this scales down
}

func DefaultScaleConfig() ScaleConfig {
	return ScaleConfig{
		JobsPerWorker: 2000,
		MinWorkers:    1,
		MaxWorkers:    20,
		UpperBacklog:  2500,
		LowerBacklog:  500,
	}
}

// Target computes the desired worker count for a campaign from its current
// count and unclaimed backlog. Scale-up jumps to ceil(backlog/C) bounded by
// max; scale-down moves by exactly one per tick, deliberately slow to avoid
// oscillation.
func (c ScaleConfig) Target(current, backlog int) int {
	if backlog > 0 && current == 0 {
		return c.scaleUp(current, backlog)
	}
	if current == 0 {
		return 0
	}

	perWorker := backlog / current
	if perWorker > c.UpperBacklog {
		return c.scaleUp(current, backlog)
	}
	if perWorker < c.LowerBacklog {
		target := current - 1
		if target < c.MinWorkers {
			target = c.MinWorkers
		}
		return target
	}
	return current
}

func (c ScaleConfig) scaleUp(current, backlog int) int {
	target := (backlog + c.JobsPerWorker - 1) / c.JobsPerWorker
	if target < c.MinWorkers {
		target = c.MinWorkers
	}
	if target < current+2 {
		target = current + 2
	}
	if target > c.MaxWorkers {
		target = c.MaxWorkers
	}
	return target
}

// CampaignLister is the slice of the campaign repository the supervisor
// uses for discovery.
type CampaignLister interface {
	ListByStatus(status string) ([]*model.Campaign, error)
}

// DepthSource reads queue backlog.
type DepthSource interface {
	Counts(queue string) (ready, reserved int, err error)
}

// Supervisor is the control loop: discover sending campaigns, compute a
// target worker count per campaign from backlog, and spawn or terminate
// dedicated worker processes to match. Spawn and terminate are
// fire-and-forget with logging; a failed spawn leaves the campaign
// under-resourced until the next tick retries.
type Supervisor struct {
	Campaigns  CampaignLister
	Queue      DepthSource
	Log        *logrus.Logger
	Locker     *redislock.Client // nil disables leader election
	Scale      ScaleConfig
	Interval   time.Duration
	WorkerBin  string   // path to the worker binary
	WorkerArgs []string // extra args passed to every spawned worker

	registry *Registry
	lock     *redislock.Lock

	// spawnFn/stopFn are swappable in tests.
	spawnFn func(campaignID int) (*WorkerProc, error)
	stopFn  func(p *WorkerProc)
}

func New(campaigns CampaignLister, depths DepthSource, log *logrus.Logger) *Supervisor {
	s := &Supervisor{
		Campaigns: campaigns,
		Queue:     depths,
		Log:       log,
		Scale:     DefaultScaleConfig(),
		Interval:  10 * time.Second,
		registry:  NewRegistry(),
	}
	s.spawnFn = s.spawnProcess
	s.stopFn = stopProcess
	return s
}

func (s *Supervisor) Registry() *Registry {
	return s.registry
}

// Run drives the control loop until ctx is cancelled, then terminates all
// managed workers.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.Log.WithField("interval", s.Interval.String()).Info("supervisor started")

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-ticker.C:
			if !s.holdLeadership(ctx) {
				continue
			}
			s.Tick()
		}
	}
}

// holdLeadership acquires or refreshes the distributed supervisor lock so a
// second supervisor instance stays passive. Without redis the process is
// assumed to be the only instance.
func (s *Supervisor) holdLeadership(ctx context.Context) bool {
	if s.Locker == nil {
		return true
	}
	ttl := 3 * s.Interval

	if s.lock != nil {
		if err := s.lock.Refresh(ctx, ttl, nil); err == nil {
			return true
		}
		s.lock = nil
	}

	lock, err := s.Locker.Obtain(ctx, lockKey, ttl, nil)
	if err == redislock.ErrNotObtained {
		return false
	}
	if err != nil {
		s.Log.WithError(err).Warn("supervisor lock error")
		return false
	}
	s.lock = lock
	s.Log.Info("supervisor leadership acquired")
	return true
}

// Tick runs one reconciliation pass.
func (s *Supervisor) Tick() {
	if reaped := s.registry.Reap(); reaped > 0 {
		s.Log.WithField("reaped", reaped).Info("reaped exited workers")
	}

	sending, err := s.Campaigns.ListByStatus(model.StatusSending)
	if err != nil {
		s.Log.WithError(err).Error("campaign discovery failed")
		return
	}

	active := make(map[string]bool, len(sending))
	for _, c := range sending {
		active[queue.CampaignQueue(c.ID)] = true
	}

	// Campaigns no longer sending lose all their managed workers.
	for _, q := range s.registry.Queues() {
		if !active[q] {
			for _, p := range s.registry.Procs(q) {
				s.terminate(q, p)
			}
		}
	}

	for _, c := range sending {
		s.scaleCampaign(c)
	}
}

func (s *Supervisor) scaleCampaign(c *model.Campaign) {
	q := queue.CampaignQueue(c.ID)
	ready, _, err := s.Queue.Counts(q)
	if err != nil {
		s.Log.WithError(err).WithField("queue", q).Error("backlog read failed")
		return
	}

	current := s.registry.Count(q)
	target := s.Scale.Target(current, ready)
	if target == current {
		return
	}

	s.Log.WithFields(logrus.Fields{
		"campaign_id": c.ID,
		"backlog":     ready,
		"current":     current,
		"target":      target,
	}).Info("scaling campaign workers")

	for i := current; i < target; i++ {
		p, err := s.spawnFn(c.ID)
		if err != nil {
			s.Log.WithError(err).WithField("campaign_id", c.ID).Error("worker spawn failed")
			return
		}
		s.registry.Add(q, p)
	}

	if target < current {
		procs := s.registry.Procs(q)
		// Terminate the newest first; older workers are likelier mid-job.
		sort.Slice(procs, func(i, j int) bool { return procs[i].StartedAt.After(procs[j].StartedAt) })
		for _, p := range procs[:current-target] {
			s.terminate(q, p)
		}
	}
}

func (s *Supervisor) terminate(q string, p *WorkerProc) {
	s.Log.WithFields(logrus.Fields{"queue": q, "pid": p.PID}).Info("terminating worker")
	s.stopFn(p)
	s.registry.Remove(q, p.PID)
}

func (s *Supervisor) shutdown() {
	for _, q := range s.registry.Queues() {
		for _, p := range s.registry.Procs(q) {
			s.terminate(q, p)
		}
	}
	s.Log.Info("supervisor stopped")
}

// spawnProcess starts a dedicated worker bound to one campaign. The child
// exits on its own once the campaign is no longer sendable.
func (s *Supervisor) spawnProcess(campaignID int) (*WorkerProc, error) {
	args := append([]string{"-campaign", strconv.Itoa(campaignID)}, s.WorkerArgs...)
	cmd := exec.Command(s.WorkerBin, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &WorkerProc{
		CampaignID: campaignID,
		PID:        cmd.Process.Pid,
		Cmd:        cmd,
		StartedAt:  time.Now(),
		done:       make(chan struct{}),
	}
	go func() {
		cmd.Wait()
		close(p.done)
	}()

	s.Log.WithFields(logrus.Fields{"campaign_id": campaignID, "pid": p.PID}).Info("worker spawned")
	return p, nil
}

// stopProcess asks the worker to shut down gracefully. The worker finishes
// any in-flight send before exiting on SIGTERM.
func stopProcess(p *WorkerProc) {
	if p.Cmd == nil || p.Cmd.Process == nil {
		return
	}
	_ = p.Cmd.Process.Signal(syscall.SIGTERM)
}
