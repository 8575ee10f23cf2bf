/*
 * fleetd
 * Copyright (C) 2025  Openclaw, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package mail sends subscription lifecycle notifications through Mailgun or
// plain SMTP.
package mail

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gravitational/trace"
	"github.com/mailgun/mailgun-go/v4"
	gomail "gopkg.in/mail.v2"
)

// Mailer notifies tenants about their subscription.
type Mailer interface {
	// SendExpiryReminder warns that the subscription ends in daysLeft days.
	SendExpiryReminder(ctx context.Context, recipient string, daysLeft int) error
	// SendSubscriptionExpired tells the tenant their agents were stopped.
	SendSubscriptionExpired(ctx context.Context, recipient string) error
}

func reminderBody(daysLeft int) (subject, text string) {
	day := "days"
	if daysLeft == 1 {
		day = "day"
	}
	subject = fmt.Sprintf("Your subscription expires in %d %s", daysLeft, day)
	text = fmt.Sprintf(
		"Your subscription expires in %d %s. Renew it to keep your agents running.\n",
		daysLeft, day)
	return subject, text
}

func expiredBody() (subject, text string) {
	return "Your subscription has expired",
		"Your subscription has expired and your agents were stopped. Renew to start them again; your data is kept.\n"
}

// MailgunMailer sends through the Mailgun API.
type MailgunMailer struct {
	client mailgun.Mailgun
	sender string
}

// NewMailgunMailer creates a Mailer backed by a Mailgun domain.
func NewMailgunMailer(domain, apiKey, sender string) (*MailgunMailer, error) {
	if domain == "" || apiKey == "" {
		return nil, trace.BadParameter("missing mailgun domain or API key")
	}
	if sender == "" {
		return nil, trace.BadParameter("missing sender address")
	}
	return &MailgunMailer{
		client: mailgun.NewMailgun(domain, apiKey),
		sender: sender,
	}, nil
}

func (m *MailgunMailer) send(ctx context.Context, recipient, subject, text string) error {
	msg := m.client.NewMessage(m.sender, subject, text, recipient)
	_, _, err := m.client.Send(ctx, msg)
	return trace.Wrap(err)
}

func (m *MailgunMailer) SendExpiryReminder(ctx context.Context, recipient string, daysLeft int) error {
	subject, text := reminderBody(daysLeft)
	return trace.Wrap(m.send(ctx, recipient, subject, text))
}

func (m *MailgunMailer) SendSubscriptionExpired(ctx context.Context, recipient string) error {
	subject, text := expiredBody()
	return trace.Wrap(m.send(ctx, recipient, subject, text))
}

// SMTPMailer sends through a plain SMTP relay.
type SMTPMailer struct {
	dialer *gomail.Dialer
	sender string
}

// SMTPConfig configures an SMTPMailer.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Sender   string
}

// NewSMTPMailer creates a Mailer backed by an SMTP relay.
func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	if cfg.Host == "" {
		return nil, trace.BadParameter("missing SMTP host")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Sender == "" {
		return nil, trace.BadParameter("missing sender address")
	}
	return &SMTPMailer{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		sender: cfg.Sender,
	}, nil
}

func (m *SMTPMailer) send(recipient, subject, text string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.sender)
	msg.SetHeader("To", recipient)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", text)
	return trace.Wrap(m.dialer.DialAndSend(msg))
}

func (m *SMTPMailer) SendExpiryReminder(ctx context.Context, recipient string, daysLeft int) error {
	subject, text := reminderBody(daysLeft)
	return trace.Wrap(m.send(recipient, subject, text))
}

func (m *SMTPMailer) SendSubscriptionExpired(ctx context.Context, recipient string) error {
	subject, text := expiredBody()
	return trace.Wrap(m.send(recipient, subject, text))
}

// DiscardMailer logs instead of sending. Used when no mail transport is
// configured.
type DiscardMailer struct {
	// Log receives a line per discarded notification.
	Log *slog.Logger
}

func (m DiscardMailer) logger() *slog.Logger {
	if m.Log != nil {
		return m.Log
	}
	return slog.Default()
}

func (m DiscardMailer) SendExpiryReminder(ctx context.Context, recipient string, daysLeft int) error {
	m.logger().InfoContext(ctx, "Discarding expiry reminder, no mail transport configured.",
		"recipient", recipient, "days_left", daysLeft)
	return nil
}

func (m DiscardMailer) SendSubscriptionExpired(ctx context.Context, recipient string) error {
	m.logger().InfoContext(ctx, "Discarding expiry notice, no mail transport configured.",
		"recipient", recipient)
	return nil
}
