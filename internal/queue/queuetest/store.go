// Package queuetest provides an in-memory job store with the same claim
// semantics as the durable queue, for tests of anything that consumes one:
// exclusive claims in sort-key order, stale-reservation reclaim, the attempt
// ceiling moving jobs to dead letters, and idempotent Complete.
package queuetest

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/queue"
)

// Store mimics the queue_jobs table under one mutex. Reserved jobs still
// count as queue rows, like in the real table.
type Store struct {
	// StaleAfter mirrors the durable store's reclaim horizon. The zero
	// value means an hour, same as the real default.
	StaleAfter time.Duration

	mu      sync.Mutex
	nextID  int64
	jobs    map[int64]*model.Job
	dead    []*model.Job
	reasons []string

	releases   int
	decrements int
}

func NewStore() *Store {
	return &Store{jobs: map[int64]*model.Job{}}
}

// Enqueue inserts one eligible job with sort_key following insertion order.
func (s *Store) Enqueue(q string, payload []byte) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.jobs[s.nextID] = &model.Job{
		ID:          s.nextID,
		Queue:       q,
		Payload:     payload,
		SortKey:     s.nextID,
		AvailableAt: time.Now(),
		CreatedAt:   time.Now(),
	}
	return s.nextID
}

// EnqueuePayload marshals a JobPayload and enqueues it.
func (s *Store) EnqueuePayload(q string, p model.JobPayload) int64 {
	raw, err := json.Marshal(p)
	if err != nil {
		panic(err)
	}
	return s.Enqueue(q, raw)
}

func (s *Store) staleAfter() time.Duration {
	if s.StaleAfter == 0 {
		return time.Hour
	}
	return s.StaleAfter
}

// ClaimNext reserves the eligible job with the lowest sort key, or returns
// (nil, nil) when none is claimable. A job whose attempts already reached
// the ceiling is moved to dead letters instead and no job is reported.
func (s *Store) ClaimNext(q string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	staleBefore := now.Add(-s.staleAfter())

	var oldest *model.Job
	for _, j := range s.jobs {
		if j.Queue != q || j.AvailableAt.After(now) {
			continue
		}
		if j.ReservedAt != nil && j.ReservedAt.After(staleBefore) {
			continue
		}
		if oldest == nil || j.SortKey < oldest.SortKey {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, nil
	}

	if oldest.Attempts >= queue.MaxAttempts {
		s.deadLetterLocked(oldest, "max attempts exceeded")
		return nil, nil
	}

	oldest.ReservedAt = &now
	oldest.Attempts++
	cp := *oldest
	return &cp, nil
}

// Complete deletes the job. Completing an already-deleted job is a no-op.
func (s *Store) Complete(jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	return nil
}

// Release clears the reservation, optionally undoing the claim's attempt
// increment with a floor of zero.
func (s *Store) Release(jobID int64, decrementAttempt bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases++
	if j, ok := s.jobs[jobID]; ok {
		j.ReservedAt = nil
		if decrementAttempt {
			s.decrements++
			if j.Attempts > 0 {
				j.Attempts--
			}
		}
	}
	return nil
}

// ReleaseStale frees reservations held longer than olderThan.
func (s *Store) ReleaseStale(q string, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var n int64
	for _, j := range s.jobs {
		if j.Queue == q && j.ReservedAt != nil && !j.ReservedAt.After(cutoff) {
			j.ReservedAt = nil
			n++
		}
	}
	return n, nil
}

// DeadLetter moves the job to the dead-letter list.
func (s *Store) DeadLetter(job *model.Job, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetterLocked(job, reason)
	return nil
}

func (s *Store) deadLetterLocked(job *model.Job, reason string) {
	s.dead = append(s.dead, job)
	s.reasons = append(s.reasons, reason)
	delete(s.jobs, job.ID)
}

// Remaining counts jobs still on any queue, reserved or not.
func (s *Store) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Dead returns the dead-lettered jobs in arrival order.
func (s *Store) Dead() []*model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.Job(nil), s.dead...)
}

// Reasons returns the dead-letter reasons in arrival order.
func (s *Store) Reasons() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.reasons...)
}

// Releases counts Release calls; Decrements counts those that asked for the
// attempt to be undone.
func (s *Store) Releases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releases
}

func (s *Store) Decrements() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decrements
}

// Attempts reports the current attempt count for a queued job, or -1 if the
// job is no longer on the queue.
func (s *Store) Attempts(jobID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok {
		return j.Attempts
	}
	return -1
}
