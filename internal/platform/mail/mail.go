// Package mail implements the messaging collaborator: an outbox-backed
// Messenger for the server and SMTP delivery for the relay.
package mail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/mail"
	"net/smtp"
	"strings"
	"time"

	"github.com/dontdude/rollcall/internal/domain"
)

// ErrInvalidRecipient is returned for addresses the relay would refuse.
var ErrInvalidRecipient = errors.New("invalid recipient address")

// OutboxMessenger implements domain.Messenger by enqueueing to the outbox.
// Delivery happens asynchronously in the relay.
type OutboxMessenger struct {
	queue domain.MailQueue
}

var _ domain.Messenger = (*OutboxMessenger)(nil)

func NewOutboxMessenger(q domain.MailQueue) *OutboxMessenger {
	return &OutboxMessenger{queue: q}
}

// Send validates the address and publishes the message.
func (m *OutboxMessenger) Send(ctx context.Context, msg domain.Message) error {
	if _, err := mail.ParseAddress(msg.To); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidRecipient, msg.To)
	}
	return m.queue.Publish(ctx, msg)
}

// SMTPConfig holds mail server settings.
type SMTPConfig struct {
	Addr     string
	From     string
	Username string
	Password string
}

// SMTPSender implements domain.MailSender over net/smtp.
type SMTPSender struct {
	cfg  SMTPConfig
	auth smtp.Auth
	// send is smtp.SendMail; replaced in tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

var _ domain.MailSender = (*SMTPSender)(nil)

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	s := &SMTPSender{cfg: cfg, send: smtp.SendMail}
	if cfg.Username != "" {
		host := cfg.Addr
		if i := strings.LastIndex(host, ":"); i >= 0 {
			host = host[:i]
		}
		s.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, host)
	}
	return s
}

// Deliver sends one message. ctx is only checked before dialing; net/smtp
// has no context support.
func (s *SMTPSender) Deliver(ctx context.Context, msg domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	to, err := mail.ParseAddress(msg.To)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidRecipient, msg.To)
	}
	if err := s.send(s.cfg.Addr, s.auth, s.cfg.From, []string{to.Address}, Compose(s.cfg.From, msg, time.Now())); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to.Address, err)
	}
	return nil
}

// Compose renders an RFC 5322 message.
func Compose(from string, msg domain.Message, date time.Time) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", date.Format(time.RFC1123Z))
	if msg.ID != "" {
		fmt.Fprintf(&b, "Message-ID: <%s@rollcall>\r\n", msg.ID)
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(msg.Body, "\r\n", "\n"), "\n", "\r\n"))
	return b.Bytes()
}

// LogSender implements domain.MailSender by logging; for local development.
type LogSender struct{}

func (LogSender) Deliver(_ context.Context, msg domain.Message) error {
	slog.Info("Mail delivered (log only)", "to", msg.To, "subject", msg.Subject, "campaignID", msg.CampaignID)
	return nil
}
