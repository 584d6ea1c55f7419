package mailer

import (
	"context"
	"fmt"

	"github.com/diagnosis/labbooking/pkg/otp"
)

// Router picks the sender for a message's channel.
type Router struct {
	Email otp.Sender
	SMS   otp.Sender
}

func (r Router) Send(ctx context.Context, msg otp.Message) error {
	var s otp.Sender
	switch msg.Channel {
	case otp.ChannelEmail:
		s = r.Email
	case otp.ChannelSMS:
		s = r.SMS
	}
	if s == nil {
		return fmt.Errorf("no sender configured for channel %q", msg.Channel)
	}
	return s.Send(ctx, msg)
}
