package server

import (
	"fmt"
	"log/slog"

	"gopkg.in/gomail.v2"
)

// Mailer delivers one-time codes out of band. Delivery is fire-and-forget:
// the broker stores the code first and a send failure is reported without
// rolling it back.
type Mailer interface {
	Send(email, code string) error
}

// SMTPMailer sends OTP mail through a configured SMTP relay.
type SMTPMailer struct {
	dialer *gomail.Dialer
	from   string
}

// NewSMTPMailer constructs a mailer from SMTP configuration.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	return &SMTPMailer{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}
}

// Send delivers the verification code to the address.
func (m *SMTPMailer) Send(email, code string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", email)
	msg.SetHeader("Subject", "Your verification code")
	msg.SetBody("text/plain", fmt.Sprintf(
		"Your verification code is: %s\n\nThis code expires in 10 minutes.", code))
	msg.AddAlternative("text/html", fmt.Sprintf(`
		<div style="font-family: Arial, sans-serif; max-width: 400px; margin: 0 auto; padding: 20px;">
			<h2>Verification Code</h2>
			<p>Your verification code is:</p>
			<div style="font-size: 32px; letter-spacing: 8px; font-weight: bold;">%s</div>
			<p>This code expires in 10 minutes.</p>
		</div>`, code))

	if err := m.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("send otp email: %w", err)
	}
	return nil
}

// LogMailer logs codes instead of sending them. Used in dev mode so the flow
// is exercisable without an SMTP relay.
type LogMailer struct {
	Logger *slog.Logger
}

func (m *LogMailer) Send(email, code string) error {
	m.Logger.Info("otp issued", "email", email, "code", code)
	return nil
}
