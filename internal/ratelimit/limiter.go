package ratelimit

import (
	"time"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

// Window identifies the rate bucket that blocked a send.
type Window string

const (
	WindowNone   Window = ""
	WindowSecond Window = "second"
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

// Backoff returns how long a worker should sleep after hitting this window.
// A second-level block clears almost immediately; a day-level block should
// not be polled aggressively.
func (w Window) Backoff() time.Duration {
	switch w {
	case WindowSecond:
		return time.Second
	case WindowMinute:
		return 20 * time.Second
	case WindowHour:
		return 5 * time.Minute
	case WindowDay:
		return 15 * time.Minute
	}
	return time.Second
}

type Decision struct {
	CanSend bool
	Window  Window // first exceeded window when CanSend is false
}

// CountSource supplies per-server delivery counts for the four windows.
// Backed by a single aggregated query over recent send history.
type CountSource interface {
	WindowCounts(serverID int) (second, minute, hour, day int, err error)
}

// Limiter evaluates a sending server's configured ceilings against observed
// send history. Shared state lives entirely in the backing store, so every
// worker touching the same server sees the same counts.
type Limiter struct {
	Counts CountSource
}

func NewLimiter(counts CountSource) *Limiter {
	return &Limiter{Counts: counts}
}

// Check reports whether the server has capacity right now and, if not,
// which window blocked it. Windows are tested tightest-first
// (second -> minute -> hour -> day) so the worker's backoff follows the
// most restrictive active limit. A nil ceiling means unlimited.
func (l *Limiter) Check(server *model.SendingServer) (Decision, error) {
	second, minute, hour, day, err := l.Counts.WindowCounts(server.ID)
	if err != nil {
		return Decision{}, err
	}

	if exceeded(server.LimitPerSecond, second) {
		return Decision{CanSend: false, Window: WindowSecond}, nil
	}
	if exceeded(server.LimitPerMinute, minute) {
		return Decision{CanSend: false, Window: WindowMinute}, nil
	}
	if exceeded(server.LimitPerHour, hour) {
		return Decision{CanSend: false, Window: WindowHour}, nil
	}
	if exceeded(server.LimitPerDay, day) {
		return Decision{CanSend: false, Window: WindowDay}, nil
	}
	return Decision{CanSend: true}, nil
}

func exceeded(ceiling *int, count int) bool {
	return ceiling != nil && count >= *ceiling
}
