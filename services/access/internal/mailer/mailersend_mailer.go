package mailer

import (
	"context"
	"fmt"
	"time"

	"github.com/mailersend/mailersend-go"

	"github.com/diagnosis/labbooking/pkg/otp"
)

type MailerSendClient struct {
	client *mailersend.Mailersend
	from   mailersend.From
}

func NewMailerSend(apiKey, fromName, fromEmail string) (*MailerSendClient, error) {
	if apiKey == "" || fromEmail == "" {
		return nil, fmt.Errorf("MailerSend not configured")
	}
	return &MailerSendClient{
		client: mailersend.NewMailersend(apiKey),
		from:   mailersend.From{Name: fromName, Email: fromEmail},
	}, nil
}

func (m *MailerSendClient) Send(ctx context.Context, msg otp.Message) error {
	c := render(msg, time.Now())

	email := m.client.Email.NewMessage()
	email.SetFrom(m.from)
	email.SetRecipients([]mailersend.Recipient{{Email: msg.Destination}})
	email.SetSubject(c.Subject)
	email.SetText(c.Text)
	email.SetHTML(c.HTML)

	if _, err := m.client.Email.Send(ctx, email); err != nil {
		return fmt.Errorf("mailersend: %w", err)
	}
	return nil
}
