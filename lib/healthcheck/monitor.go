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

// Package healthcheck watches freshly started agent containers until their
// gateway port accepts TCP connections, then reports them healthy.
package healthcheck

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/openclaw/fleetd/lib/defaults"
)

// dialFunc dials an address on the given network. Injectable for tests.
type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	// Interval is the time between probe attempts.
	Interval time.Duration
	// DialTimeout bounds a single probe attempt.
	DialTimeout time.Duration
	// Timeout is the total budget for a deployment to come up. When it is
	// spent without a successful probe the watch ends with OnTimeout.
	Timeout time.Duration
	// Host is the address agent ports are published on.
	Host string
	// Clock is used for probe pacing; defaults to the real clock.
	Clock clockwork.Clock
	// Log is the monitor's logger.
	Log *slog.Logger

	// dial overrides the TCP dialer in tests.
	dial dialFunc
}

func (c *MonitorConfig) checkAndSetDefaults() error {
	if c.Interval == 0 {
		c.Interval = defaults.HealthCheckInterval
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaults.HealthCheckDialTimeout
	}
	if c.Timeout == 0 {
		c.Timeout = defaults.HealthCheckTimeout
	}
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.dial == nil {
		dialer := &net.Dialer{}
		c.dial = dialer.DialContext
	}
	return nil
}

// Watch describes a single deployment to monitor.
type Watch struct {
	// DeploymentID identifies the deployment.
	DeploymentID string
	// Port is the published host port to probe.
	Port int
	// OnHealthy fires once, on the first successful probe.
	OnHealthy func(ctx context.Context, deploymentID string)
	// OnTimeout fires once if the budget is spent without a success.
	OnTimeout func(ctx context.Context, deploymentID string)
}

func (w *Watch) checkAndSetDefaults() error {
	if w.DeploymentID == "" {
		return trace.BadParameter("missing deployment id")
	}
	if w.Port == 0 {
		return trace.BadParameter("missing port")
	}
	if w.OnHealthy == nil {
		return trace.BadParameter("missing OnHealthy callback")
	}
	return nil
}

// Monitor runs one probe loop per watched deployment. Watches are keyed by
// deployment ID; starting a new watch for an ID cancels the previous one.
type Monitor struct {
	cfg MonitorConfig

	mu      sync.Mutex
	watches map[string]*watchHandle
	closed  bool
}

type watchHandle struct {
	cancel context.CancelFunc
}

// NewMonitor creates a Monitor.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Monitor{
		cfg:     cfg,
		watches: make(map[string]*watchHandle),
	}, nil
}

// Start begins probing a deployment. The loop runs until the first success,
// the budget runs out, the watch is canceled, or the context ends.
func (m *Monitor) Start(ctx context.Context, watch Watch) error {
	if err := watch.checkAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return trace.Errorf("monitor is closed")
	}
	if prev, ok := m.watches[watch.DeploymentID]; ok {
		prev.cancel()
	}
	watchCtx, cancel := context.WithCancel(ctx)
	handle := &watchHandle{cancel: cancel}
	m.watches[watch.DeploymentID] = handle
	m.mu.Unlock()

	go m.run(watchCtx, handle, watch)
	return nil
}

// Cancel stops the watch for a deployment, if any. Callbacks that have not
// fired yet will not fire.
func (m *Monitor) Cancel(deploymentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if handle, ok := m.watches[deploymentID]; ok {
		handle.cancel()
		delete(m.watches, deploymentID)
	}
}

// Watching reports whether a watch is registered for the deployment.
func (m *Monitor) Watching(deploymentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watches[deploymentID]
	return ok
}

// Close cancels all watches.
func (m *Monitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, handle := range m.watches {
		handle.cancel()
		delete(m.watches, id)
	}
	m.closed = true
	return nil
}

func (m *Monitor) run(ctx context.Context, handle *watchHandle, watch Watch) {
	defer m.forget(watch.DeploymentID, handle)

	log := m.cfg.Log.With("deployment_id", watch.DeploymentID, "port", watch.Port)
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(watch.Port))
	deadline := m.cfg.Clock.Now().Add(m.cfg.Timeout)

	for {
		if err := m.probe(ctx, addr); err == nil {
			log.InfoContext(ctx, "Agent came up healthy.")
			watch.OnHealthy(ctx, watch.DeploymentID)
			return
		} else if ctx.Err() != nil {
			return
		}

		if !m.cfg.Clock.Now().Add(m.cfg.Interval).Before(deadline) {
			log.WarnContext(ctx, "Agent failed to come up within the health check budget.",
				"timeout", m.cfg.Timeout)
			if watch.OnTimeout != nil {
				watch.OnTimeout(ctx, watch.DeploymentID)
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-m.cfg.Clock.After(m.cfg.Interval):
		}
	}
}

func (m *Monitor) probe(ctx context.Context, addr string) error {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()
	conn, err := m.cfg.dial(probeCtx, "tcp", addr)
	if err != nil {
		return trace.Wrap(err)
	}
	// A close error can be an RST from the endpoint, which is a failed probe.
	return trace.Wrap(conn.Close())
}

// forget deregisters a finished watch, but only if it has not been replaced
// by a newer watch for the same deployment.
func (m *Monitor) forget(deploymentID string, handle *watchHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.watches[deploymentID]; ok && current == handle {
		current.cancel()
		delete(m.watches, deploymentID)
	}
}
