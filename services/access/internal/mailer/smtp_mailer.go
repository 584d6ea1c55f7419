package mailer

import (
	"bytes"
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/diagnosis/labbooking/pkg/otp"
)

type SMTPMailer struct {
	Host string
	Port int
	From string
	User string
	Pass string

	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPMailer(host string, port int, from, user, pass string) *SMTPMailer {
	return &SMTPMailer{
		Host: strings.TrimSpace(host),
		Port: port,
		From: strings.TrimSpace(from),
		User: strings.TrimSpace(user),
		Pass: strings.TrimSpace(pass),
		send: smtp.SendMail,
	}
}

// Send delivers msg. net/smtp has no context support, so the send runs on
// its own goroutine and Send returns when ctx ends; the abandoned attempt
// finishes or fails on its own.
func (s *SMTPMailer) Send(ctx context.Context, msg otp.Message) error {
	to := strings.TrimSpace(msg.Destination)
	if to == "" {
		return fmt.Errorf("empty recipient email")
	}
	body := s.build(to, render(msg, time.Now()))

	var auth smtp.Auth
	if s.User != "" {
		auth = smtp.PlainAuth("", s.User, s.Pass, s.Host)
	}
	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)

	done := make(chan error, 1)
	go func() { done <- s.send(addr, auth, s.From, []string{to}, body) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SMTPMailer) build(to string, c content) []byte {
	var buf bytes.Buffer
	boundary := "labbooking-alt"

	fmt.Fprintf(&buf, "From: %s\r\n", s.From)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", c.Subject)
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%s\r\n\r\n", boundary)

	fmt.Fprintf(&buf, "--%s\r\n", boundary)
	fmt.Fprintf(&buf, "Content-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&buf, "%s\r\n\r\n", c.Text)

	fmt.Fprintf(&buf, "--%s\r\n", boundary)
	fmt.Fprintf(&buf, "Content-Type: text/html; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&buf, "%s\r\n\r\n", c.HTML)

	fmt.Fprintf(&buf, "--%s--\r\n", boundary)
	return buf.Bytes()
}
