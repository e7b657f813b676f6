package provider

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/ratelimit"
)

// Message is one rendered email ready for delivery.
type Message struct {
	To      string
	ToName  string
	From    string
	Subject string
	Body    string
}

// Outcome discriminates SendResult. Rate limiting is a result variant, not
// an error: the worker switches on it instead of catching exceptions.
type Outcome int

const (
	OutcomeSent Outcome = iota
	OutcomeRateLimited
	OutcomeFailed
)

type SendResult struct {
	Outcome Outcome
	Window  ratelimit.Window // which bucket blocked, when rate limited
	Err     error            // cause, when failed
}

func Sent() SendResult {
	return SendResult{Outcome: OutcomeSent}
}

func RateLimited(w ratelimit.Window) SendResult {
	return SendResult{Outcome: OutcomeRateLimited, Window: w}
}

func Failed(err error) SendResult {
	return SendResult{Outcome: OutcomeFailed, Err: err}
}

// Sender delivers one message through a sending server.
type Sender interface {
	Send(ctx context.Context, server *model.SendingServer, msg *Message) SendResult
}

// ForServer picks the sender implementation for a server's kind.
func ForServer(server *model.SendingServer) Sender {
	if server.Kind == "api" {
		return NewAPISender()
	}
	return NewSMTPSender()
}

// AutoSender routes each send by the server's kind. Used by general-purpose
// workers, whose jobs may target different sending servers.
type AutoSender struct {
	smtp *SMTPSender
	api  *APISender
}

func NewAutoSender() *AutoSender {
	return &AutoSender{smtp: NewSMTPSender(), api: NewAPISender()}
}

func (s *AutoSender) Send(ctx context.Context, server *model.SendingServer, msg *Message) SendResult {
	if server.Kind == "api" {
		return s.api.Send(ctx, server, msg)
	}
	return s.smtp.Send(ctx, server, msg)
}

// smoother caps the burst a single process pushes at one server between
// shared-limiter checks. The shared limiter in internal/ratelimit stays the
// authority; this only spreads sends inside a second.
type smoother struct {
	mu       sync.Mutex
	limiters map[int]*rate.Limiter
}

func newSmoother() *smoother {
	return &smoother{limiters: make(map[int]*rate.Limiter)}
}

func (s *smoother) wait(ctx context.Context, server *model.SendingServer) error {
	s.mu.Lock()
	lim, ok := s.limiters[server.ID]
	if !ok {
		r := rate.Inf
		burst := 1
		if server.LimitPerSecond != nil && *server.LimitPerSecond > 0 {
			r = rate.Limit(*server.LimitPerSecond)
			burst = *server.LimitPerSecond
		}
		lim = rate.NewLimiter(r, burst)
		s.limiters[server.ID] = lim
	}
	s.mu.Unlock()
	return lim.Wait(ctx)
}
