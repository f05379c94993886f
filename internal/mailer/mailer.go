// Package mailer delivers anomaly alert mail with CSV attachments over
// SMTP. Delivery failures are retried with exponential backoff; a hard
// failure is reported to the caller but never rolls back store writes.
package mailer

import (
	"context"
	"fmt"
	"os"

	"github.com/cenkalti/backoff/v4"
	mail "github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"boxaudit/internal/config"
	"boxaudit/internal/logging"
)

const maxRetries = 3

// Mailer sends alert mail through one SMTP endpoint.
type Mailer struct {
	host    string
	port    int
	useTLS  bool
	user    string
	pass    string
	from    string
	to      []string
	subject string
	log     *zap.Logger
}

func New(cfg *config.Config) *Mailer {
	return &Mailer{
		host:    cfg.SMTPHost,
		port:    cfg.SMTPPort,
		useTLS:  cfg.SMTPUseTLS,
		user:    cfg.SMTPUser,
		pass:    cfg.SMTPPassword,
		from:    cfg.MailFrom,
		to:      cfg.MailTo,
		subject: cfg.MailSubjectPrefix,
		log:     logging.L(),
	}
}

// SendAnomalyAlert mails the anomaly summary for one batch window,
// attaching the detail CSVs that exist on disk.
func (m *Mailer) SendAnomalyAlert(ctx context.Context, dateLabel, summary string, attachments []string) error {
	if len(m.to) == 0 {
		return fmt.Errorf("no recipients configured (ALERT_MAIL_TO)")
	}

	msg := mail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return fmt.Errorf("invalid sender %q: %w", m.from, err)
	}
	if err := msg.To(m.to...); err != nil {
		return fmt.Errorf("invalid recipients %v: %w", m.to, err)
	}
	msg.Subject(fmt.Sprintf("%s Box Download Anomalies Detected - %s", m.subject, dateLabel))
	msg.SetBodyString(mail.TypeTextPlain, m.body(dateLabel, summary))

	for _, path := range attachments {
		if _, err := os.Stat(path); err != nil {
			m.log.Warn("attachment missing, skipped", zap.String("path", path))
			continue
		}
		msg.AttachFile(path)
	}

	client, err := m.client()
	if err != nil {
		return err
	}

	send := func() error {
		return client.DialAndSendWithContext(ctx, msg)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	if err := backoff.Retry(send, policy); err != nil {
		return fmt.Errorf("send alert mail: %w", err)
	}

	m.log.Info("anomaly alert mail sent",
		zap.Strings("to", m.to), zap.Int("attachments", len(attachments)))
	return nil
}

// TestConnection dials and closes the SMTP endpoint without sending.
func (m *Mailer) TestConnection(ctx context.Context) error {
	client, err := m.client()
	if err != nil {
		return err
	}
	if err := client.DialWithContext(ctx); err != nil {
		return fmt.Errorf("smtp connection test: %w", err)
	}
	return client.Close()
}

func (m *Mailer) client() (*mail.Client, error) {
	opts := []mail.Option{mail.WithPort(m.port)}
	if m.useTLS {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}
	if m.user != "" && m.pass != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.user),
			mail.WithPassword(m.pass))
	}
	client, err := mail.NewClient(m.host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return client, nil
}

func (m *Mailer) body(dateLabel, summary string) string {
	return fmt.Sprintf(`Box Download Anomaly Alert

Date: %s

%s

Please review the attached CSV files for detailed information about the anomalous download activities.

---
This is an automated alert from the Box download report batch.
`, dateLabel, summary)
}
