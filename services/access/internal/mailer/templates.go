package mailer

import (
	"fmt"
	"time"

	"github.com/diagnosis/labbooking/pkg/otp"
)

type content struct {
	Subject string
	Text    string
	HTML    string
}

var subjects = map[otp.Purpose]string{
	otp.PurposeEmailVerification: "Verify your Lab Booking account",
	otp.PurposeLogin:             "Your Lab Booking sign-in code",
	otp.PurposePasswordReset:     "Reset your Lab Booking password",
}

func render(msg otp.Message, now time.Time) content {
	subject, ok := subjects[msg.Purpose]
	if !ok {
		subject = "Your Lab Booking code"
	}
	minutes := int(msg.ExpiresAt.Sub(now).Round(time.Minute).Minutes())
	text := fmt.Sprintf("Your verification code is: %s\n\nIt expires in %d minutes. If you did not request it, you can ignore this message.",
		msg.Code, minutes)
	html := fmt.Sprintf(`
		<h2>%s</h2>
		<p>Your verification code is: <strong style="font-size: 24px; letter-spacing: 4px;">%s</strong></p>
		<p>This code will expire in %d minutes.</p>
		<p>If you did not request it, you can ignore this email.</p>
	`, subject, msg.Code, minutes)
	return content{Subject: subject, Text: text, HTML: html}
}
