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

package types

import (
	"strings"
	"time"

	"github.com/gravitational/trace"
)

// SubscriptionStatus is the billing state of a tenant.
type SubscriptionStatus string

const (
	SubscriptionInactive SubscriptionStatus = "inactive"
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionExpired  SubscriptionStatus = "expired"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

// AuthProvider identifies how a tenant signs in.
type AuthProvider string

const (
	AuthProviderEmail  AuthProvider = "email"
	AuthProviderGoogle AuthProvider = "google"
)

// SubscriptionTier names a paid plan. Only one exists today.
type SubscriptionTier string

const (
	TierStarter SubscriptionTier = "starter"
)

// User is a tenant identity with its subscription gate.
type User struct {
	ID           string       `bson:"_id" json:"id"`
	Email        string       `bson:"email" json:"email"`
	PasswordHash string       `bson:"passwordHash,omitempty" json:"-"`
	GoogleID     string       `bson:"googleId,omitempty" json:"-"`
	AuthProvider AuthProvider `bson:"authProvider" json:"authProvider"`

	SubscriptionStatus    SubscriptionStatus `bson:"subscriptionStatus" json:"subscriptionStatus"`
	Tier                  SubscriptionTier   `bson:"tier,omitempty" json:"tier,omitempty"`
	SubscriptionExpiresAt time.Time          `bson:"subscriptionExpiresAt,omitempty" json:"subscriptionExpiresAt,omitempty"`
	ExpiryReminderSent    bool               `bson:"expiryReminderSent" json:"-"`
	MaxAgents             int                `bson:"maxAgents" json:"maxAgents"`

	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`
}

// CheckAndSetDefaults validates the user record and normalizes the email.
func (u *User) CheckAndSetDefaults() error {
	if u.ID == "" {
		return trace.BadParameter("missing user id")
	}
	if u.Email == "" {
		return trace.BadParameter("missing user email")
	}
	u.Email = strings.ToLower(u.Email)
	if u.AuthProvider == "" {
		u.AuthProvider = AuthProviderEmail
	}
	if u.SubscriptionStatus == "" {
		u.SubscriptionStatus = SubscriptionInactive
	}
	if u.MaxAgents < 0 {
		return trace.BadParameter("maxAgents must not be negative")
	}
	return nil
}
