// Package notify delivers e-mail notifications for workflow events.
package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/songzhibin97/ticketflow/config"
	"go.uber.org/zap"
)

// ErrNoRecipients is returned when a message has nobody to go to.
var ErrNoRecipients = errors.New("no recipients")

// Notifier sends one message to a list of recipients.
type Notifier interface {
	Notify(ctx context.Context, recipients []string, subject, body string) error
}

type sendFunc func(ctx context.Context, from string, to []string, msg []byte) error

// SMTPNotifier sends plain-text mail through an SMTP relay. Every exchange is
// bounded by the context passed to Notify.
type SMTPNotifier struct {
	host string
	addr string
	from string
	auth smtp.Auth
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
	send sendFunc
	now  func() time.Time
}

// NewSMTPNotifier creates a notifier from the mail section of the configuration.
// PLAIN auth is used when a username is configured.
func NewSMTPNotifier(cfg config.MailConfig) *SMTPNotifier {
	n := &SMTPNotifier{
		host: cfg.Host,
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		from: cfg.From,
		dial: (&net.Dialer{}).DialContext,
		now:  time.Now,
	}
	n.send = n.deliver
	if cfg.Username != "" {
		n.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return n
}

// Notify implements Notifier.
func (n *SMTPNotifier) Notify(ctx context.Context, recipients []string, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(recipients) == 0 {
		return ErrNoRecipients
	}
	msg := n.compose(recipients, subject, body)
	if err := n.send(ctx, n.from, recipients, msg); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("failed to send mail via %s: %w", n.addr, ctxErr)
		}
		return fmt.Errorf("failed to send mail via %s: %w", n.addr, err)
	}
	return nil
}

// deliver runs one SMTP exchange the way smtp.SendMail does, on a connection
// whose deadline follows ctx.
func (n *SMTPNotifier) deliver(ctx context.Context, from string, to []string, msg []byte) error {
	conn, err := n.dial(ctx, "tcp", n.addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return err
		}
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	c, err := smtp.NewClient(conn, n.host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: n.host}); err != nil {
			return err
		}
	}
	if n.auth != nil {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("smtp: server doesn't support AUTH")
		}
		if err := c.Auth(n.auth); err != nil {
			return err
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func (n *SMTPNotifier) compose(to []string, subject, body string) []byte {
	var b strings.Builder
	header := func(k, v string) {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(headerSafe(v))
		b.WriteString("\r\n")
	}
	header("From", n.from)
	header("To", strings.Join(to, ", "))
	header("Subject", subject)
	header("Date", n.now().Format(time.RFC1123Z))
	header("MIME-Version", "1.0")
	header("Content-Type", `text/plain; charset="utf-8"`)
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(body, "\r\n", "\n"), "\n", "\r\n"))
	return []byte(b.String())
}

// headerSafe collapses line breaks so values cannot inject headers.
func headerSafe(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}

// LogNotifier writes notifications to the log instead of sending them.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ctx context.Context, recipients []string, subject, body string) error {
	if len(recipients) == 0 {
		return ErrNoRecipients
	}
	n.logger.Info("notification",
		zap.Strings("to", recipients),
		zap.String("subject", subject),
		zap.String("body", body),
	)
	return nil
}
