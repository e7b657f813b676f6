package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/ratelimit"
)

// APISender delivers through an HTTP mail API. The endpoint is expected to
// accept a JSON body and answer 2xx on acceptance, 429 on throttling.
type APISender struct {
	Client *http.Client
	smooth *smoother
}

func NewAPISender() *APISender {
	return &APISender{
		Client: &http.Client{Timeout: 30 * time.Second},
		smooth: newSmoother(),
	}
}

type apiPayload struct {
	From    string `json:"from"`
	To      string `json:"to"`
	ToName  string `json:"to_name,omitempty"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

func (s *APISender) Send(ctx context.Context, server *model.SendingServer, msg *Message) SendResult {
	if err := s.smooth.wait(ctx, server); err != nil {
		return Failed(err)
	}

	from := msg.From
	if from == "" {
		from = server.FromEmail
	}

	body, err := json.Marshal(apiPayload{
		From: from, To: msg.To, ToName: msg.ToName, Subject: msg.Subject, HTML: msg.Body,
	})
	if err != nil {
		return Failed(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server.APIURL, bytes.NewReader(body))
	if err != nil {
		return Failed(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if server.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+server.APIKey)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return Failed(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Sent()
	case resp.StatusCode == http.StatusTooManyRequests:
		return RateLimited(apiWindow(resp))
	default:
		return Failed(fmt.Errorf("mail API returned %d", resp.StatusCode))
	}
}

// apiWindow maps a 429 to a bucket via the X-RateLimit-Window header when
// the API provides one; the minute window is assumed otherwise.
func apiWindow(resp *http.Response) ratelimit.Window {
	switch resp.Header.Get("X-RateLimit-Window") {
	case "second":
		return ratelimit.WindowSecond
	case "hour":
		return ratelimit.WindowHour
	case "day":
		return ratelimit.WindowDay
	default:
		return ratelimit.WindowMinute
	}
}
