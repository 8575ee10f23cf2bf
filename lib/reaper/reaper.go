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

// Package reaper is the background reconciliation loop: it notices dead
// containers, hibernates idle agents, and enforces subscription expiry.
package reaper

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/openclaw/fleetd/lib/defaults"
	"github.com/openclaw/fleetd/lib/mail"
	"github.com/openclaw/fleetd/lib/runtime"
	"github.com/openclaw/fleetd/lib/storage"
	"github.com/openclaw/fleetd/lib/types"
)

// Config configures a Reaper.
type Config struct {
	// Deployments and Users are the persistence collections.
	Deployments storage.Deployments
	Users       storage.Users
	// Runtime lists containers for the zombie sweep and stops them for
	// hibernation and expiry.
	Runtime runtime.Runtime
	// Mailer delivers subscription notifications.
	Mailer mail.Mailer

	// Interval is the reconciliation period.
	Interval time.Duration
	// RuntimeTimeout bounds the container listing at the start of each run.
	RuntimeTimeout time.Duration
	// IdleTimeout is how long a healthy deployment may go without traffic
	// before hibernation.
	IdleTimeout time.Duration
	// HibernatePacing is the pause between hibernations within one run.
	HibernatePacing time.Duration
	// StopGracePeriod is the clean-exit window when stopping a container.
	StopGracePeriod time.Duration
	// ReminderWindow is how far ahead of expiry the reminder email goes out.
	ReminderWindow time.Duration

	// Clock drives the loop; defaults to the real clock.
	Clock clockwork.Clock
	// Log is the reaper's logger.
	Log *slog.Logger
}

func (c *Config) checkAndSetDefaults() error {
	if c.Deployments == nil {
		return trace.BadParameter("missing deployments collection")
	}
	if c.Users == nil {
		return trace.BadParameter("missing users collection")
	}
	if c.Runtime == nil {
		return trace.BadParameter("missing runtime")
	}
	if c.Mailer == nil {
		c.Mailer = mail.DiscardMailer{}
	}
	if c.Interval == 0 {
		c.Interval = defaults.ReaperInterval
	}
	if c.RuntimeTimeout == 0 {
		c.RuntimeTimeout = defaults.ReaperRuntimeTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = defaults.IdleTimeout
	}
	if c.HibernatePacing == 0 {
		c.HibernatePacing = defaults.ReaperHibernatePacing
	}
	if c.StopGracePeriod == 0 {
		c.StopGracePeriod = defaults.StopGracePeriod
	}
	if c.ReminderWindow == 0 {
		c.ReminderWindow = defaults.ExpiryReminderWindow
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

// Reaper runs the reconciliation loop.
type Reaper struct {
	cfg Config

	// running guards against overlapping runs when one takes longer than the
	// interval.
	running atomic.Bool
}

// New creates a Reaper.
func New(cfg Config) (*Reaper, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Reaper{cfg: cfg}, nil
}

// Run executes the loop until the context ends. One pass runs immediately on
// start.
func (r *Reaper) Run(ctx context.Context) error {
	r.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.cfg.Clock.After(r.cfg.Interval):
			r.RunOnce(ctx)
		}
	}
}

// RunOnce executes one reconciliation pass. A pass that is still in flight
// makes the next one a no-op.
func (r *Reaper) RunOnce(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		r.cfg.Log.WarnContext(ctx, "Previous reaper run still in progress, skipping.")
		return
	}
	defer r.running.Store(false)

	// Passes are isolated: one failing leg never starves the others.
	if err := r.reconcileZombies(ctx); err != nil {
		r.cfg.Log.ErrorContext(ctx, "Zombie reconciliation failed.", "error", err)
	}
	if err := r.hibernateIdle(ctx); err != nil {
		r.cfg.Log.ErrorContext(ctx, "Idle hibernation failed.", "error", err)
	}
	if err := r.expireSubscriptions(ctx); err != nil {
		r.cfg.Log.ErrorContext(ctx, "Subscription expiry failed.", "error", err)
	}
	if err := r.sendReminders(ctx); err != nil {
		r.cfg.Log.ErrorContext(ctx, "Expiry reminders failed.", "error", err)
	}
}

// reconcileZombies finds deployments that claim a live container the runtime
// no longer runs, and parks them in the error state.
func (r *Reaper) reconcileZombies(ctx context.Context) error {
	listCtx, cancel := context.WithTimeout(ctx, r.cfg.RuntimeTimeout)
	containers, err := r.cfg.Runtime.ListContainers(listCtx, true)
	cancel()
	if err != nil {
		return trace.Wrap(err)
	}
	runningByID := make(map[string]bool, len(containers))
	for _, c := range containers {
		runningByID[c.ID] = c.State == "running"
	}

	deployments, err := r.cfg.Deployments.List(ctx, storage.DeploymentFilter{
		Statuses:     []types.DeploymentStatus{types.StatusHealthy, types.StatusStarting},
		HasContainer: storage.Ptr(true),
	})
	if err != nil {
		return trace.Wrap(err)
	}

	for _, d := range deployments {
		if runningByID[d.ContainerID] {
			continue
		}
		r.cfg.Log.WarnContext(ctx, "Marking deployment with a dead container.",
			"deployment_id", d.ID, "container_id", d.ContainerID)
		ok, err := r.cfg.Deployments.UpdateWhenStatus(ctx, d.ID, d.Status, storage.DeploymentUpdate{
			Status:       storage.Ptr(types.StatusError),
			ErrorMessage: storage.Ptr("Container died unexpectedly"),
			ContainerID:  storage.Ptr(""),
			InternalPort: storage.Ptr(0),
		})
		if err != nil {
			r.cfg.Log.ErrorContext(ctx, "Failed to mark dead deployment.",
				"deployment_id", d.ID, "error", err)
		} else if !ok {
			r.cfg.Log.DebugContext(ctx, "Deployment changed state before the zombie sweep reached it.",
				"deployment_id", d.ID)
		}
	}
	return nil
}

// hibernateIdle stops healthy deployments that have not seen traffic for the
// idle window.
func (r *Reaper) hibernateIdle(ctx context.Context) error {
	deployments, err := r.cfg.Deployments.List(ctx, storage.DeploymentFilter{
		Statuses: []types.DeploymentStatus{types.StatusHealthy},
	})
	if err != nil {
		return trace.Wrap(err)
	}
	cutoff := r.cfg.Clock.Now().Add(-r.cfg.IdleTimeout)

	first := true
	for _, d := range deployments {
		// A deployment that has never seen traffic idles from its creation.
		lastSeen := d.LastRequestAt
		if lastSeen.IsZero() {
			lastSeen = d.LastHeartbeat
		}
		if lastSeen.IsZero() {
			lastSeen = d.CreatedAt
		}
		if lastSeen.After(cutoff) {
			continue
		}
		if !first {
			// Pace runtime calls so one sweep cannot hammer the daemon.
			select {
			case <-ctx.Done():
				return trace.Wrap(ctx.Err())
			case <-r.cfg.Clock.After(r.cfg.HibernatePacing):
			}
		}
		first = false
		r.cfg.Log.InfoContext(ctx, "Hibernating idle deployment.",
			"deployment_id", d.ID, "last_seen", lastSeen)
		if err := r.stopDeployment(ctx, d, ""); err != nil {
			r.cfg.Log.ErrorContext(ctx, "Failed to hibernate deployment.",
				"deployment_id", d.ID, "error", err)
		}
	}
	return nil
}

// stopDeployment takes a deployment's container down and parks the record in
// the stopped state with the container fields cleared. The runtime side is
// best effort: a container that is already gone is not an error.
func (r *Reaper) stopDeployment(ctx context.Context, d types.Deployment, errorMessage string) error {
	if d.ContainerID != "" {
		if err := r.cfg.Runtime.StopContainer(ctx, d.ContainerID, r.cfg.StopGracePeriod); err != nil && !trace.IsNotFound(err) {
			r.cfg.Log.WarnContext(ctx, "Failed to stop container, removing it anyway.",
				"deployment_id", d.ID, "container_id", d.ContainerID, "error", err)
		}
		if err := r.cfg.Runtime.RemoveContainer(ctx, d.ContainerID, true); err != nil && !trace.IsNotFound(err) {
			return trace.Wrap(err)
		}
	}
	update := storage.DeploymentUpdate{
		Status:       storage.Ptr(types.StatusStopped),
		ContainerID:  storage.Ptr(""),
		InternalPort: storage.Ptr(0),
	}
	if errorMessage != "" {
		update.ErrorMessage = storage.Ptr(errorMessage)
	}
	return trace.Wrap(r.cfg.Deployments.Update(ctx, d.ID, update))
}

// expireSubscriptions downgrades users whose paid period ended, stops their
// agents, and notifies them.
func (r *Reaper) expireSubscriptions(ctx context.Context) error {
	users, err := r.cfg.Users.List(ctx, storage.UserFilter{
		SubscriptionStatus: types.SubscriptionActive,
		ExpiresBefore:      r.cfg.Clock.Now(),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	for _, u := range users {
		if err := r.expireUser(ctx, u); err != nil {
			r.cfg.Log.ErrorContext(ctx, "Failed to expire user subscription.",
				"user_id", u.ID, "error", err)
		}
	}
	return nil
}

func (r *Reaper) expireUser(ctx context.Context, u types.User) error {
	r.cfg.Log.InfoContext(ctx, "Expiring subscription.",
		"user_id", u.ID, "expired_at", u.SubscriptionExpiresAt)

	// Zeroing the agent allowance keeps the expired user from spawning
	// anything until billing reactivates them.
	if err := r.cfg.Users.Update(ctx, u.ID, storage.UserUpdate{
		SubscriptionStatus: storage.Ptr(types.SubscriptionExpired),
		MaxAgents:          storage.Ptr(0),
	}); err != nil {
		return trace.Wrap(err)
	}

	deployments, err := r.cfg.Deployments.List(ctx, storage.DeploymentFilter{
		UserID: u.ID,
		Statuses: []types.DeploymentStatus{
			types.StatusHealthy, types.StatusStarting, types.StatusProvisioning,
		},
	})
	if err != nil {
		return trace.Wrap(err)
	}
	for _, d := range deployments {
		if err := r.stopDeployment(ctx, d, "Subscription expired"); err != nil {
			r.cfg.Log.ErrorContext(ctx, "Failed to stop deployment of expired user.",
				"deployment_id", d.ID, "error", err)
		}
	}

	if err := r.cfg.Mailer.SendSubscriptionExpired(ctx, u.Email); err != nil {
		r.cfg.Log.ErrorContext(ctx, "Failed to send expiry notice.",
			"user_id", u.ID, "error", err)
	}
	return nil
}

// sendReminders emails users whose subscription ends within the reminder
// window, once per period.
func (r *Reaper) sendReminders(ctx context.Context) error {
	now := r.cfg.Clock.Now()
	users, err := r.cfg.Users.List(ctx, storage.UserFilter{
		SubscriptionStatus: types.SubscriptionActive,
		ExpiresAfter:       now,
		ExpiresBefore:      now.Add(r.cfg.ReminderWindow),
		ReminderSent:       storage.Ptr(false),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	for _, u := range users {
		daysLeft := daysUntil(now, u.SubscriptionExpiresAt)
		if err := r.cfg.Mailer.SendExpiryReminder(ctx, u.Email, daysLeft); err != nil {
			// The flag stays clear so the next run retries.
			r.cfg.Log.ErrorContext(ctx, "Failed to send expiry reminder.",
				"user_id", u.ID, "error", err)
			continue
		}
		if err := r.cfg.Users.Update(ctx, u.ID, storage.UserUpdate{
			ExpiryReminderSent: storage.Ptr(true),
		}); err != nil {
			r.cfg.Log.ErrorContext(ctx, "Failed to record sent reminder.",
				"user_id", u.ID, "error", err)
		}
	}
	return nil
}

// daysUntil counts calendar days left, rounding partial days up so "2.5 days
// left" reads as 3.
func daysUntil(now, expiry time.Time) int {
	d := expiry.Sub(now)
	days := int(d / (24 * time.Hour))
	if d%(24*time.Hour) != 0 {
		days++
	}
	if days < 0 {
		return 0
	}
	return days
}
