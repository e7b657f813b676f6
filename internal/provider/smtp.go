package provider

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/ratelimit"
)

// SMTPSender delivers through a plain SMTP relay.
type SMTPSender struct {
	smooth *smoother

	// sendMail is swappable in tests; defaults to smtp.SendMail.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender() *SMTPSender {
	return &SMTPSender{
		smooth:   newSmoother(),
		sendMail: smtp.SendMail,
	}
}

func (s *SMTPSender) Send(ctx context.Context, server *model.SendingServer, msg *Message) SendResult {
	if err := s.smooth.wait(ctx, server); err != nil {
		return Failed(err)
	}

	from := msg.From
	if from == "" {
		from = server.FromEmail
	}

	var auth smtp.Auth
	if server.Username != "" {
		auth = smtp.PlainAuth("", server.Username, server.Password, server.Host)
	}

	addr := fmt.Sprintf("%s:%d", server.Host, server.Port)
	body := buildMIME(from, msg)

	if err := s.sendMail(addr, auth, from, []string{msg.To}, body); err != nil {
		if win, limited := smtpRateLimited(err); limited {
			return RateLimited(win)
		}
		return Failed(err)
	}
	return Sent()
}

func buildMIME(from string, msg *Message) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s\r\n", from)
	fmt.Fprintf(&sb, "To: %s\r\n", msg.To)
	fmt.Fprintf(&sb, "Subject: %s\r\n", msg.Subject)
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(msg.Body)
	return []byte(sb.String())
}

// smtpRateLimited recognizes throttling replies. 421 and 450/452 are the
// usual "slow down" codes; relays rarely say which bucket tripped, so the
// minute window is assumed.
func smtpRateLimited(err error) (ratelimit.Window, bool) {
	s := err.Error()
	for _, code := range []string{"421", "450", "452"} {
		if strings.HasPrefix(s, code) {
			return ratelimit.WindowMinute, true
		}
	}
	if strings.Contains(strings.ToLower(s), "rate limit") {
		return ratelimit.WindowMinute, true
	}
	return ratelimit.WindowNone, false
}
