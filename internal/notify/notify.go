// Package notify tells a job's contact when its publication settles: it was
// published, it failed, or it expired.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"

	"dataset-publisher/internal/config"
	"dataset-publisher/internal/models"
	"dataset-publisher/internal/telemetry"
)

// Notifier delivers a message about job to its contact. Failures are
// reported but never change the job's outcome.
type Notifier interface {
	Notify(ctx context.Context, job models.PublishJob) error
}

// Message is the rendered notification for one job.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Compose renders the notification for job. ok is false when the job has
// no contact or is not in a state worth reporting.
func Compose(job models.PublishJob) (msg Message, ok bool) {
	if job.Contact == nil || *job.Contact == "" {
		return Message{}, false
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Job %s (%s)\n", job.ID, job.FileName)
	fmt.Fprintf(&b, "Repository: %s\nSource: %s\n", job.RepositoryName, job.SourcePath)
	switch job.State {
	case models.StateDone:
		msg.Subject = fmt.Sprintf("Published: %s version %d", job.FileName, job.Version)
		fmt.Fprintf(&b, "Published at: %s\n", job.DestinationPath)
		if job.ExpiresAt != nil {
			fmt.Fprintf(&b, "Available until: %s\n", job.ExpiresAt.UTC().Format(time.RFC3339))
		}
	case models.StateError:
		msg.Subject = fmt.Sprintf("Publishing failed: %s version %d", job.FileName, job.Version)
		if job.ErrorDetail != nil {
			fmt.Fprintf(&b, "Error: %s\n", *job.ErrorDetail)
		}
		fmt.Fprintf(&b, "Attempt: %d\n", job.AttemptCount)
	case models.StateExpired:
		msg.Subject = fmt.Sprintf("Expired: %s version %d", job.FileName, job.Version)
		fmt.Fprintf(&b, "%s is no longer published.\n", job.DestinationPath)
	default:
		return Message{}, false
	}
	msg.To = *job.Contact
	msg.Body = b.String()
	return msg, true
}

// Log writes notifications to the log instead of sending them.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger.With(zap.String("component", "notify"))}
}

func (l *Log) Notify(_ context.Context, job models.PublishJob) error {
	msg, ok := Compose(job)
	if !ok {
		return nil
	}
	l.logger.Info("contact notification",
		zap.String("job_id", job.ID), zap.String("to", msg.To), zap.String("subject", msg.Subject))
	telemetry.NotificationsSent.WithLabelValues(string(job.State)).Inc()
	return nil
}

// Mail sends notifications through an SMTP relay.
type Mail struct {
	addr    string
	from    string
	timeout time.Duration
	logger  *zap.Logger
}

func NewMail(addr, from string, timeout time.Duration, logger *zap.Logger) *Mail {
	return &Mail{addr: addr, from: from, timeout: timeout, logger: logger.With(zap.String("component", "notify"))}
}

func (m *Mail) Notify(ctx context.Context, job models.PublishJob) error {
	msg, ok := Compose(job)
	if !ok {
		return nil
	}
	if err := m.send(ctx, msg); err != nil {
		telemetry.NotificationFailures.Inc()
		return fmt.Errorf("mail %s about job %s: %w", msg.To, job.ID, err)
	}
	telemetry.NotificationsSent.WithLabelValues(string(job.State)).Inc()
	m.logger.Debug("contact notified", zap.String("job_id", job.ID), zap.String("to", msg.To))
	return nil
}

func (m *Mail) send(ctx context.Context, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", m.addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	host, _, err := net.SplitHostPort(m.addr)
	if err != nil {
		_ = conn.Close()
		return err
	}
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer c.Close()

	if err := c.Mail(m.from); err != nil {
		return err
	}
	if err := c.Rcpt(msg.To); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(render(m.from, msg)); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func render(from string, msg Message) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\nTo: %s\r\nSubject: %s\r\n", from, msg.To, msg.Subject)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return b.Bytes()
}

// FromConfig mails contacts when NOTIFY_SMTP_ADDR is set and logs otherwise.
func FromConfig(cfg config.Config, logger *zap.Logger) Notifier {
	if cfg.NotifySMTPAddr == "" {
		return NewLog(logger)
	}
	return NewMail(cfg.NotifySMTPAddr, cfg.NotifyFrom, cfg.NotifyTimeout, logger)
}
