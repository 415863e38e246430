package notify

import (
	"context"
	"fmt"
	"net/mail"
)

const (
	RoutingKeyMail = "mail.send"
	// MailQueue holds jobs for the mail delivery service.
	MailQueue = "mail_jobs"
)

// Mailer sends one plain email.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

type Publisher interface {
	Publish(ctx context.Context, routingKey string, body interface{}) error
}

// Job is the mail job picked up by the mail delivery service.
type Job struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// QueueMailer hands mail jobs to the broker instead of talking SMTP itself.
type QueueMailer struct {
	pub Publisher
}

func NewQueueMailer(pub Publisher) *QueueMailer {
	return &QueueMailer{pub: pub}
}

func (m *QueueMailer) Send(ctx context.Context, to, subject, body string) error {
	addr, err := mail.ParseAddress(to)
	if err != nil {
		return fmt.Errorf("invalid recipient %q: %w", to, err)
	}
	job := Job{To: addr.Address, Subject: subject, Body: body}
	if err := m.pub.Publish(ctx, RoutingKeyMail, job); err != nil {
		return fmt.Errorf("failed to queue mail: %w", err)
	}
	return nil
}
