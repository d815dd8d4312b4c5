// Package email holds the delivery transport boundary. Any error returned
// from a Send is treated as retryable by the worker.
package email

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gopkg.in/gomail.v2"

	"PrioMail/internal/models"
)

// Transport attempts delivery of one task. Implementations must honor ctx
// cancellation; the worker bounds every attempt with a timeout.
type Transport interface {
	Send(ctx context.Context, task *models.EmailTask) error
}

// TransportError wraps a delivery failure so callers can distinguish it from
// validation or persistence problems.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// SMTPTransport sends through an SMTP relay via gomail. Connection-level
// hiccups are retried with short exponential backoff within the attempt's
// context; the worker owns attempt-level retry policy.
type SMTPTransport struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func (s *SMTPTransport) Send(ctx context.Context, task *models.EmailTask) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.From)
	m.SetHeader("To", task.Recipient)
	m.SetHeader("Subject", task.Subject)

	switch {
	case task.TextBody != "" && task.HTMLBody != "":
		m.SetBody("text/plain", task.TextBody)
		m.AddAlternative("text/html", task.HTMLBody)
	case task.HTMLBody != "":
		m.SetBody("text/html", task.HTMLBody)
	default:
		m.SetBody("text/plain", task.TextBody)
	}

	for _, att := range task.Attachments {
		if att.Filename != "" {
			m.Attach(att.Path, gomail.Rename(att.Filename))
		} else {
			m.Attach(att.Path)
		}
	}

	d := gomail.NewDialer(s.Host, s.Port, s.Username, s.Password)

	operation := func() error {
		return d.DialAndSend(m)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 10 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return &TransportError{Err: fmt.Errorf("smtp send to %s: %w", task.Recipient, err)}
	}
	return nil
}
