// Package email is the delivery boundary for one-time codes. Actual
// transport is an external collaborator; this service only hands the
// code over and must never fail an OTP flow because delivery failed.
package email

import (
	"context"
	"log"
)

// Sender delivers a one-time code to an address. The purpose string
// tells the template apart (verification vs. reset).
type Sender interface {
	Send(ctx context.Context, to, purpose, code string) error
}

// LogSender writes deliveries to the process log instead of sending
// mail. It stands in wherever a real transport is not wired up.
type LogSender struct{}

func (LogSender) Send(_ context.Context, to, purpose, _ string) error {
	// The code itself stays out of the log line.
	log.Printf("email: would deliver %s code to %s", purpose, to)
	return nil
}
