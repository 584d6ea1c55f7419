package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/diagnosis/labbooking/pkg/events"
	"github.com/diagnosis/labbooking/pkg/logger"
)

// Gateway delivers a text message.
type Gateway interface {
	SendSMS(ctx context.Context, to, body string) error
}

var bodies = map[string]string{
	"otp_email_verification": "Your Lab Booking verification code is %s. It expires in %d minutes.",
	"otp_login":              "Your Lab Booking sign-in code is %s. It expires in %d minutes.",
	"otp_password_reset":     "Your Lab Booking password reset code is %s. It expires in %d minutes.",
}

// Worker consumes notify.send events and delivers the SMS ones.
type Worker struct {
	gateway Gateway
	now     func() time.Time
}

func New(gateway Gateway) *Worker {
	return &Worker{gateway: gateway, now: time.Now}
}

// Handle processes one payload. Codes that expired in transit are dropped;
// the user has to request a new one anyway.
func (w *Worker) Handle(ctx context.Context, data []byte) error {
	var evt events.NotificationEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return fmt.Errorf("decode notification: %w", err)
	}
	if evt.Channel != "sms" {
		logger.DebugContext(ctx, "Ignoring non-SMS notification", "channel", evt.Channel, "type", evt.Type)
		return nil
	}
	if !evt.ExpiresAt.IsZero() && !w.now().Before(evt.ExpiresAt) {
		logger.WarnContext(ctx, "Dropping expired notification", "template", evt.Template, "reference", evt.Data["reference"])
		return nil
	}

	format, ok := bodies[evt.Template]
	if !ok {
		return fmt.Errorf("unknown template %q", evt.Template)
	}
	code, _ := evt.Data["code"].(string)
	if code == "" || evt.Recipient == "" {
		return fmt.Errorf("notification %v missing code or recipient", evt.Data["reference"])
	}
	minutes := int(evt.ExpiresAt.Sub(w.now()).Round(time.Minute).Minutes())

	if err := w.gateway.SendSMS(ctx, evt.Recipient, fmt.Sprintf(format, code, minutes)); err != nil {
		return fmt.Errorf("send sms: %w", err)
	}
	logger.InfoContext(ctx, "SMS delivered", "template", evt.Template, "reference", evt.Data["reference"])
	return nil
}

// DevGateway prints messages instead of sending them.
type DevGateway struct {
	Out io.Writer
}

func (g DevGateway) SendSMS(_ context.Context, to, body string) error {
	out := g.Out
	if out == nil {
		out = os.Stdout
	}
	_, err := fmt.Fprintf(out, "[DEV SMS] to=%s %s\n", to, body)
	return err
}
