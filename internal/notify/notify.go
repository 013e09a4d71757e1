// Package notify delivers billing emails to workspace owners. Delivery is
// best-effort: callers log failures and move on, a missed email never
// blocks a billing state change.
package notify

import (
	"context"
	"fmt"
	"log"
	"net/smtp"
	"strings"
)

// Notifier is the side-effect collaborator of the plan reconciler.
type Notifier interface {
	PaymentFailed(ctx context.Context, email, workspaceName string) error
	SubscriptionCanceled(ctx context.Context, email, workspaceName, planName string) error
}

// SMTPNotifier sends plain-text mail through a relay.
type SMTPNotifier struct {
	Host string
	Port int
	From string
}

func NewSMTPNotifier(host string, port int, from string) *SMTPNotifier {
	return &SMTPNotifier{Host: host, Port: port, From: from}
}

func (n *SMTPNotifier) PaymentFailed(ctx context.Context, email, workspaceName string) error {
	subject := "Payment failed for " + workspaceName
	body := fmt.Sprintf("We could not process the latest payment for %s.\n"+
		"Please update the payment method in billing settings to keep the subscription active.\n", workspaceName)
	return n.send(ctx, email, subject, body)
}

func (n *SMTPNotifier) SubscriptionCanceled(ctx context.Context, email, workspaceName, planName string) error {
	subject := "Subscription canceled for " + workspaceName
	body := fmt.Sprintf("The %s subscription for %s has been canceled.\n"+
		"The workspace stays available on the free plan with reduced limits.\n", planName, workspaceName)
	return n.send(ctx, email, subject, body)
}

func (n *SMTPNotifier) send(ctx context.Context, to, subject, body string) error {
	if to == "" {
		return fmt.Errorf("recipient address is empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := strings.Join([]string{
		"From: " + n.From,
		"To: " + to,
		"Subject: " + subject,
		"",
		body,
	}, "\r\n")
	addr := fmt.Sprintf("%s:%d", n.Host, n.Port)
	if err := smtp.SendMail(addr, nil, n.From, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to, err)
	}
	return nil
}

// NoopNotifier logs instead of sending. Used when no relay is configured
// and as the default in tests.
type NoopNotifier struct{}

func (NoopNotifier) PaymentFailed(_ context.Context, email, workspaceName string) error {
	log.Printf("notify skipped kind=payment_failed workspace=%s email=%s", workspaceName, email)
	return nil
}

func (NoopNotifier) SubscriptionCanceled(_ context.Context, email, workspaceName, planName string) error {
	log.Printf("notify skipped kind=subscription_canceled workspace=%s email=%s plan=%s", workspaceName, email, planName)
	return nil
}
