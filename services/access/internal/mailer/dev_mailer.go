package mailer

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/diagnosis/labbooking/pkg/logger"
	"github.com/diagnosis/labbooking/pkg/otp"
)

// DevMailer prints codes instead of delivering them. Never wire it in
// production: the code appears in plain text.
type DevMailer struct {
	out io.Writer
}

func NewDevMailer() *DevMailer {
	return &DevMailer{out: os.Stdout}
}

func (d *DevMailer) Send(_ context.Context, msg otp.Message) error {
	c := render(msg, time.Now())
	logger.Info("[DEV MAIL] Verification code",
		"to", msg.Destination,
		"channel", msg.Channel,
		"purpose", msg.Purpose,
		"reference", msg.Reference,
	)

	fmt.Fprintf(d.out, "\n"+
		"-----------------------------------------------------------------\n"+
		"VERIFICATION CODE (DEV MODE)\n"+
		"-----------------------------------------------------------------\n"+
		"To: %s (%s)\n"+
		"Subject: %s\n"+
		"\n"+
		"Code: %s\n"+
		"Expires: %s\n"+
		"-----------------------------------------------------------------\n\n",
		msg.Destination, msg.Channel, c.Subject, msg.Code, msg.ExpiresAt.Format(time.RFC3339))
	return nil
}
