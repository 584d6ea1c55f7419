package mailer

import (
	"context"
	"fmt"

	"github.com/diagnosis/labbooking/pkg/events"
	"github.com/diagnosis/labbooking/pkg/otp"
)

// SMSPublisher hands SMS codes to the notify worker over the event bus.
type SMSPublisher struct {
	bus events.Publisher
}

func NewSMSPublisher(bus events.Publisher) *SMSPublisher {
	return &SMSPublisher{bus: bus}
}

func (s *SMSPublisher) Send(ctx context.Context, msg otp.Message) error {
	evt := events.NotificationEvent{
		Type:      "verification_code",
		Channel:   string(otp.ChannelSMS),
		Recipient: msg.Destination,
		Template:  "otp_" + string(msg.Purpose),
		Data: map[string]interface{}{
			"code":      msg.Code,
			"reference": msg.Reference,
		},
		ExpiresAt: msg.ExpiresAt,
	}
	if err := s.bus.Publish(ctx, events.NotifySend, evt); err != nil {
		return fmt.Errorf("publish sms: %w", err)
	}
	return nil
}
