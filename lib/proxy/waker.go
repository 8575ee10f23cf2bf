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

package proxy

import (
	"context"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/openclaw/fleetd/lib/defaults"
	"github.com/openclaw/fleetd/lib/storage"
	"github.com/openclaw/fleetd/lib/types"
)

// AgentWaker wakes a deployment that is stopped or parked in error.
type AgentWaker interface {
	Wake(ctx context.Context, deploymentID string) error
}

// WakerConfig configures a Waker.
type WakerConfig struct {
	// Deployments is used to poll for the woken deployment's state.
	Deployments storage.Deployments
	// Agents actually wakes deployments.
	Agents AgentWaker
	// Timeout is the overall wake budget.
	Timeout time.Duration
	// PollInterval is the pause between state polls.
	PollInterval time.Duration
	// OnDone runs after a wake attempt finishes, successful or not. Used to
	// invalidate the resolver cache.
	OnDone func(subdomain string)
	// Clock paces the polling; defaults to the real clock.
	Clock clockwork.Clock
	// Log is the waker's logger.
	Log *slog.Logger
}

func (c *WakerConfig) checkAndSetDefaults() error {
	if c.Deployments == nil {
		return trace.BadParameter("missing deployments collection")
	}
	if c.Agents == nil {
		return trace.BadParameter("missing agent waker")
	}
	if c.Timeout == 0 {
		c.Timeout = defaults.WakeTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaults.WakePollInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

// Waker turns inbound requests for sleeping deployments into wake calls. Any
// number of concurrent requests for one subdomain fold into a single wake.
type Waker struct {
	cfg   WakerConfig
	group singleflight.Group
}

// NewWaker creates a Waker.
func NewWaker(cfg WakerConfig) (*Waker, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Waker{cfg: cfg}, nil
}

// Wake joins or starts a wake for the subdomain and blocks until the wake
// finishes or the caller's context ends. Concurrent callers for one subdomain
// fold into a single wake and all observe its outcome, so every request held
// at the proxy during a wake can be served once the agent is up.
func (w *Waker) Wake(ctx context.Context, subdomain, deploymentID string) error {
	ch := w.group.DoChan(subdomain, func() (any, error) {
		return nil, w.wake(subdomain, deploymentID)
	})
	select {
	case res := <-ch:
		return trace.Wrap(res.Err)
	case <-ctx.Done():
		// The wake keeps running for the other callers; this one gave up.
		return trace.Wrap(ctx.Err())
	}
}

func (w *Waker) wake(subdomain, deploymentID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
	defer cancel()
	log := w.cfg.Log.With("subdomain", subdomain, "deployment_id", deploymentID)
	log.InfoContext(ctx, "Waking deployment on inbound traffic.")
	wakesTotal.Inc()

	defer func() {
		if w.cfg.OnDone != nil {
			w.cfg.OnDone(subdomain)
		}
	}()

	if err := w.cfg.Agents.Wake(ctx, deploymentID); err != nil {
		log.WarnContext(ctx, "Wake failed.", "error", err)
		return trace.Wrap(err)
	}

	// Poll until the deployment reports healthy or the budget runs out.
	for {
		d, err := w.cfg.Deployments.Get(ctx, deploymentID)
		if err != nil {
			log.WarnContext(ctx, "Lost track of waking deployment.", "error", err)
			return trace.Wrap(err)
		}
		switch d.Status {
		case types.StatusHealthy:
			log.InfoContext(ctx, "Deployment woke up.")
			return nil
		case types.StatusError:
			log.WarnContext(ctx, "Deployment failed to wake.", "error_message", d.ErrorMessage)
			return trace.Errorf("wake failed: %s", d.ErrorMessage)
		}
		select {
		case <-ctx.Done():
			log.WarnContext(ctx, "Wake timed out.")
			return trace.Wrap(ctx.Err())
		case <-w.cfg.Clock.After(w.cfg.PollInterval):
		}
	}
}
