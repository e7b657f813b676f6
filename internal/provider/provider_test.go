package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"

	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/ratelimit"
)

func apiServer(kind string, url string) *model.SendingServer {
	return &model.SendingServer{
		ID:        1,
		Kind:      kind,
		APIURL:    url,
		APIKey:    "secret",
		FromEmail: "news@example.com",
	}
}

func TestAPISenderAccepted(t *testing.T) {
	var got apiPayload
	var auth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	res := NewAPISender().Send(context.Background(), apiServer("api", ts.URL), &Message{
		To: "ada@example.com", Subject: "hi", Body: "<p>hello</p>",
	})
	if res.Outcome != OutcomeSent {
		t.Fatalf("outcome = %v, want sent", res.Outcome)
	}
	if auth != "Bearer secret" {
		t.Fatalf("auth header = %q", auth)
	}
	if got.To != "ada@example.com" || got.From != "news@example.com" {
		t.Fatalf("payload = %+v", got)
	}
}

func TestAPISenderThrottledMapsWindowHeader(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Window", "hour")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	res := NewAPISender().Send(context.Background(), apiServer("api", ts.URL), &Message{To: "a@b.c"})
	if res.Outcome != OutcomeRateLimited {
		t.Fatalf("outcome = %v, want rate limited", res.Outcome)
	}
	if res.Window != ratelimit.WindowHour {
		t.Fatalf("window = %q, want hour", res.Window)
	}
}

func TestAPISenderThrottledDefaultsToMinute(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	res := NewAPISender().Send(context.Background(), apiServer("api", ts.URL), &Message{To: "a@b.c"})
	if res.Window != ratelimit.WindowMinute {
		t.Fatalf("window = %q, want minute", res.Window)
	}
}

func TestAPISenderServerErrorFails(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	res := NewAPISender().Send(context.Background(), apiServer("api", ts.URL), &Message{To: "a@b.c"})
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %v, want failed", res.Outcome)
	}
	if res.Err == nil || !strings.Contains(res.Err.Error(), "502") {
		t.Fatalf("err = %v, want status in message", res.Err)
	}
}

func smtpStub(err error) (*SMTPSender, *[]string) {
	var sentTo []string
	s := NewSMTPSender()
	s.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		sentTo = append(sentTo, to...)
		return err
	}
	return s, &sentTo
}

func smtpServer() *model.SendingServer {
	return &model.SendingServer{
		ID:        2,
		Kind:      "smtp",
		Host:      "mail.example.com",
		Port:      587,
		Username:  "relay",
		Password:  "pw",
		FromEmail: "news@example.com",
	}
}

func TestSMTPSenderDelivers(t *testing.T) {
	s, sentTo := smtpStub(nil)

	res := s.Send(context.Background(), smtpServer(), &Message{To: "ada@example.com", Subject: "hi", Body: "x"})
	if res.Outcome != OutcomeSent {
		t.Fatalf("outcome = %v, want sent", res.Outcome)
	}
	if len(*sentTo) != 1 || (*sentTo)[0] != "ada@example.com" {
		t.Fatalf("sent to = %v", *sentTo)
	}
}

// 421/450/452 replies are throttling, not failures.
func TestSMTPSenderThrottleCodes(t *testing.T) {
	for _, reply := range []string{
		"421 4.7.0 try again later",
		"450 too many messages",
		"452 4.3.1 insufficient system resources",
	} {
		s, _ := smtpStub(errors.New(reply))
		res := s.Send(context.Background(), smtpServer(), &Message{To: "a@b.c"})
		if res.Outcome != OutcomeRateLimited {
			t.Fatalf("reply %q: outcome = %v, want rate limited", reply, res.Outcome)
		}
		if res.Window != ratelimit.WindowMinute {
			t.Fatalf("reply %q: window = %q, want minute", reply, res.Window)
		}
	}
}

func TestSMTPSenderHardFailure(t *testing.T) {
	s, _ := smtpStub(errors.New("550 mailbox unavailable"))
	res := s.Send(context.Background(), smtpServer(), &Message{To: "a@b.c"})
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %v, want failed", res.Outcome)
	}
}

func TestBuildMIMEHeaders(t *testing.T) {
	body := string(buildMIME("news@example.com", &Message{
		To: "ada@example.com", Subject: "Launch", Body: "<b>go</b>",
	}))
	for _, want := range []string{
		"From: news@example.com\r\n",
		"To: ada@example.com\r\n",
		"Subject: Launch\r\n",
		"Content-Type: text/html",
		"\r\n\r\n<b>go</b>",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("MIME body missing %q:\n%s", want, body)
		}
	}
}

func TestForServerPicksSenderByKind(t *testing.T) {
	if _, ok := ForServer(&model.SendingServer{Kind: "api"}).(*APISender); !ok {
		t.Fatal("api server did not get APISender")
	}
	if _, ok := ForServer(&model.SendingServer{Kind: "smtp"}).(*SMTPSender); !ok {
		t.Fatal("smtp server did not get SMTPSender")
	}
}
