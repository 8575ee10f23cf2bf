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

// Package storage exposes the persistence contracts of the control plane and
// its MongoDB and in-memory implementations.
//
// Write semantics the rest of the system leans on:
//
//   - updates are patch-style: only fields present in the patch change;
//   - UpdateWhenStatus is a compare-and-swap on the deployment status and is
//     the serialization point for state transitions;
//   - the unique index on internalPort (partial, non-null values only) is the
//     last line of defense against port collisions.
package storage

import (
	"context"
	"time"

	"github.com/openclaw/fleetd/lib/types"
)

// DeploymentFilter narrows deployment listings and counts. Zero fields do not
// filter.
type DeploymentFilter struct {
	// UserID limits results to one tenant.
	UserID string
	// Statuses limits results to deployments in any of the given states.
	Statuses []types.DeploymentStatus
	// HasContainer, when set, requires (or forbids) a containerId on the
	// record.
	HasContainer *bool
}

// Matches reports whether a deployment satisfies the filter.
func (f DeploymentFilter) Matches(d types.Deployment) bool {
	if f.UserID != "" && d.UserID != f.UserID {
		return false
	}
	if len(f.Statuses) != 0 {
		ok := false
		for _, s := range f.Statuses {
			if d.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.HasContainer != nil && (d.ContainerID != "") != *f.HasContainer {
		return false
	}
	return true
}

// DeploymentUpdate is a patch applied to a deployment record. Nil fields are
// left untouched; pointer-to-zero clears the field.
type DeploymentUpdate struct {
	Status           *types.DeploymentStatus
	ContainerID      *string
	InternalPort     *int
	ErrorMessage     *string
	ProvisioningStep *string
	LastHeartbeat    *time.Time
	LastRequestAt    *time.Time
	Secrets          *types.SecretBundle
	Config           *types.AgentConfig
}

// apply copies the patch onto a record.
func (u DeploymentUpdate) apply(d *types.Deployment, now time.Time) {
	if u.Status != nil {
		d.Status = *u.Status
	}
	if u.ContainerID != nil {
		d.ContainerID = *u.ContainerID
	}
	if u.InternalPort != nil {
		d.InternalPort = *u.InternalPort
	}
	if u.ErrorMessage != nil {
		d.ErrorMessage = *u.ErrorMessage
	}
	if u.ProvisioningStep != nil {
		d.ProvisioningStep = *u.ProvisioningStep
	}
	if u.LastHeartbeat != nil {
		d.LastHeartbeat = *u.LastHeartbeat
	}
	if u.LastRequestAt != nil {
		d.LastRequestAt = *u.LastRequestAt
	}
	if u.Secrets != nil {
		d.Secrets = *u.Secrets
	}
	if u.Config != nil {
		d.Config = *u.Config
	}
	d.UpdatedAt = now
}

// Deployments is the deployment collection contract.
type Deployments interface {
	// Create inserts a new record. Duplicate subdomains fail with
	// trace.AlreadyExists.
	Create(ctx context.Context, d *types.Deployment) error
	// Get returns a deployment by id or trace.NotFound.
	Get(ctx context.Context, id string) (*types.Deployment, error)
	// GetBySubdomain returns a deployment by subdomain or trace.NotFound.
	GetBySubdomain(ctx context.Context, subdomain string) (*types.Deployment, error)
	// List returns all deployments matching the filter.
	List(ctx context.Context, filter DeploymentFilter) ([]types.Deployment, error)
	// Count counts deployments matching the filter.
	Count(ctx context.Context, filter DeploymentFilter) (int, error)
	// Update applies a patch unconditionally. Missing records fail with
	// trace.NotFound; internalPort collisions with trace.AlreadyExists.
	Update(ctx context.Context, id string, u DeploymentUpdate) error
	// UpdateWhenStatus applies a patch only if the record's current status
	// equals expect. It returns false (without error) when the record is
	// gone or the status changed, and trace.AlreadyExists on an
	// internalPort unique-index collision.
	UpdateWhenStatus(ctx context.Context, id string, expect types.DeploymentStatus, u DeploymentUpdate) (bool, error)
	// UpdateAndGet applies a patch and returns the new record.
	UpdateAndGet(ctx context.Context, id string, u DeploymentUpdate) (*types.Deployment, error)
	// Delete removes the record by id.
	Delete(ctx context.Context, id string) error
}

// UserFilter narrows user listings. Zero fields do not filter.
type UserFilter struct {
	SubscriptionStatus types.SubscriptionStatus
	// ExpiresBefore keeps users whose subscription expires at or before the
	// given instant.
	ExpiresBefore time.Time
	// ExpiresAfter keeps users whose subscription expires strictly after
	// the given instant.
	ExpiresAfter time.Time
	// ReminderSent, when set, matches the expiryReminderSent flag.
	ReminderSent *bool
}

// Matches reports whether a user satisfies the filter.
func (f UserFilter) Matches(u types.User) bool {
	if f.SubscriptionStatus != "" && u.SubscriptionStatus != f.SubscriptionStatus {
		return false
	}
	if !f.ExpiresBefore.IsZero() && u.SubscriptionExpiresAt.After(f.ExpiresBefore) {
		return false
	}
	if !f.ExpiresAfter.IsZero() && !u.SubscriptionExpiresAt.After(f.ExpiresAfter) {
		return false
	}
	if f.ReminderSent != nil && u.ExpiryReminderSent != *f.ReminderSent {
		return false
	}
	return true
}

// UserUpdate is a patch applied to a user record.
type UserUpdate struct {
	SubscriptionStatus    *types.SubscriptionStatus
	Tier                  *types.SubscriptionTier
	SubscriptionExpiresAt *time.Time
	ExpiryReminderSent    *bool
	MaxAgents             *int
}

func (u UserUpdate) apply(user *types.User, now time.Time) {
	if u.SubscriptionStatus != nil {
		user.SubscriptionStatus = *u.SubscriptionStatus
	}
	if u.Tier != nil {
		user.Tier = *u.Tier
	}
	if u.SubscriptionExpiresAt != nil {
		user.SubscriptionExpiresAt = *u.SubscriptionExpiresAt
	}
	if u.ExpiryReminderSent != nil {
		user.ExpiryReminderSent = *u.ExpiryReminderSent
	}
	if u.MaxAgents != nil {
		user.MaxAgents = *u.MaxAgents
	}
	user.UpdatedAt = now
}

// Users is the user collection contract.
type Users interface {
	// Create inserts a new record. Duplicate emails fail with
	// trace.AlreadyExists.
	Create(ctx context.Context, u *types.User) error
	// Get returns a user by id or trace.NotFound.
	Get(ctx context.Context, id string) (*types.User, error)
	// GetByEmail returns a user by lowercase email or trace.NotFound.
	GetByEmail(ctx context.Context, email string) (*types.User, error)
	// GetByGoogleID returns a user by google id or trace.NotFound.
	GetByGoogleID(ctx context.Context, googleID string) (*types.User, error)
	// List returns all users matching the filter.
	List(ctx context.Context, filter UserFilter) ([]types.User, error)
	// Update applies a patch unconditionally.
	Update(ctx context.Context, id string, u UserUpdate) error
}

// Backend bundles the collections with lifecycle operations.
type Backend interface {
	Deployments() Deployments
	Users() Users
	// Ping verifies the store is reachable; used by the readiness probe.
	Ping(ctx context.Context) error
	// Close releases the underlying connections.
	Close(ctx context.Context) error
}

// Ptr returns a pointer to the value, for building patch structs inline.
func Ptr[T any](v T) *T { return &v }
