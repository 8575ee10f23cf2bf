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

package mail

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReminderBody(t *testing.T) {
	subject, text := reminderBody(3)
	require.Equal(t, "Your subscription expires in 3 days", subject)
	require.Contains(t, text, "expires in 3 days")

	subject, text = reminderBody(1)
	require.Equal(t, "Your subscription expires in 1 day", subject)
	require.Contains(t, text, "expires in 1 day")
}

func TestExpiredBody(t *testing.T) {
	subject, text := expiredBody()
	require.Equal(t, "Your subscription has expired", subject)
	require.Contains(t, text, "your agents were stopped")
}

func TestMailerValidation(t *testing.T) {
	_, err := NewMailgunMailer("", "key", "noreply@openclaw.app")
	require.Error(t, err)
	_, err = NewMailgunMailer("mg.openclaw.app", "key", "")
	require.Error(t, err)

	_, err = NewSMTPMailer(SMTPConfig{Sender: "noreply@openclaw.app"})
	require.Error(t, err)

	m, err := NewSMTPMailer(SMTPConfig{Host: "smtp.example.com", Sender: "noreply@openclaw.app"})
	require.NoError(t, err)
	require.NotNil(t, m)
}

func TestDiscardMailer(t *testing.T) {
	m := DiscardMailer{}
	require.NoError(t, m.SendExpiryReminder(context.Background(), "alice@example.com", 3))
	require.NoError(t, m.SendSubscriptionExpired(context.Background(), "alice@example.com"))
}
