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

// Package ports allocates collision-free host ports for agent containers.
//
// Four evidence sources keep allocations honest: ports recorded on active
// deployment records, ports reserved by this process but not yet persisted,
// ports published by containers the runtime knows about, and finally an OS
// bind probe. The partial unique index on internalPort in storage is the last
// line of defense against the time-of-check/time-of-use race between the
// probe and the write.
package ports

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/gravitational/trace"

	"github.com/openclaw/fleetd/lib/defaults"
	"github.com/openclaw/fleetd/lib/runtime"
	"github.com/openclaw/fleetd/lib/storage"
	"github.com/openclaw/fleetd/lib/types"
)

// bindFunc opens a listener on the address, used to probe OS availability.
// Injectable for tests.
type bindFunc func(addr string) (io.Closer, error)

func netBind(addr string) (io.Closer, error) {
	return net.Listen("tcp", addr)
}

// AllocatorConfig configures an Allocator.
type AllocatorConfig struct {
	// Min and Max bound the allocation range, inclusive.
	Min int
	Max int
	// Deployments is the deployment collection, first evidence source and
	// target of atomic reservations.
	Deployments storage.Deployments
	// Runtime lists published container ports, third evidence source. A
	// listing failure degrades to the remaining sources.
	Runtime runtime.Runtime
	// Log is the allocator's logger.
	Log *slog.Logger

	// bind overrides the OS bind probe in tests.
	bind bindFunc
}

func (c *AllocatorConfig) checkAndSetDefaults() error {
	if c.Min == 0 {
		c.Min = defaults.MinAgentPort
	}
	if c.Max == 0 {
		c.Max = defaults.MaxAgentPort
	}
	if c.Min > c.Max {
		return trace.BadParameter("port range [%d, %d] is empty", c.Min, c.Max)
	}
	if c.Deployments == nil {
		return trace.BadParameter("missing deployments collection")
	}
	if c.Runtime == nil {
		return trace.BadParameter("missing runtime")
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.bind == nil {
		c.bind = netBind
	}
	return nil
}

// Allocator hands out host ports in [Min, Max].
type Allocator struct {
	cfg AllocatorConfig

	mu       sync.Mutex
	inFlight map[int]bool
}

// NewAllocator creates an Allocator.
func NewAllocator(cfg AllocatorConfig) (*Allocator, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Allocator{cfg: cfg, inFlight: make(map[int]bool)}, nil
}

// Allocate returns a host port that is free by all four evidence sources. The
// returned port stays reserved in the in-flight set until AtomicReserve
// persists it or Release gives it back.
func (a *Allocator) Allocate(ctx context.Context) (int, error) {
	used, err := a.usedPorts(ctx)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	for port := a.cfg.Min; port <= a.cfg.Max; port++ {
		if used[port] {
			continue
		}
		if !a.tryReserveInFlight(port) {
			continue
		}
		if a.bindable(port) {
			return port, nil
		}
		a.Release(port)
	}
	return 0, trace.LimitExceeded("no free port in range [%d, %d]", a.cfg.Min, a.cfg.Max)
}

// Release drops a port from the in-flight set.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inFlight, port)
}

// AtomicReserve persists a previously allocated port onto the deployment
// record. The record must still be in the configuring state; the unique index
// on internalPort guards the residual race between the final bind probe and
// the write. On any failure the in-flight reservation is released and the
// caller is expected to re-allocate.
func (a *Allocator) AtomicReserve(ctx context.Context, deploymentID string, port int) (bool, error) {
	// Final OS-level recheck before writing.
	if !a.bindable(port) {
		a.Release(port)
		return false, nil
	}
	ok, err := a.cfg.Deployments.UpdateWhenStatus(ctx, deploymentID, types.StatusConfiguring, storage.DeploymentUpdate{
		InternalPort: storage.Ptr(port),
	})
	a.Release(port)
	if err != nil {
		if trace.IsAlreadyExists(err) {
			// Unique index collision: someone persisted this port first.
			a.cfg.Log.WarnContext(ctx, "Port reservation lost the unique-index race.",
				"deployment_id", deploymentID, "port", port)
			return false, nil
		}
		return false, trace.Wrap(err)
	}
	return ok, nil
}

// InFlight returns a snapshot of the process-local reservations.
func (a *Allocator) InFlight() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]int, 0, len(a.inFlight))
	for port := range a.inFlight {
		out = append(out, port)
	}
	return out
}

func (a *Allocator) tryReserveInFlight(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inFlight[port] {
		return false
	}
	a.inFlight[port] = true
	return true
}

// bindable probes the port on loopback and the any-address, the two binds the
// runtime will need when publishing.
func (a *Allocator) bindable(port int) bool {
	for _, host := range []string{"127.0.0.1", "0.0.0.0"} {
		l, err := a.cfg.bind(net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			return false
		}
		l.Close()
	}
	return true
}

// usedPorts unions the storage and runtime evidence. In-flight reservations
// are handled separately under the mutex in tryReserveInFlight.
func (a *Allocator) usedPorts(ctx context.Context) (map[int]bool, error) {
	used := make(map[int]bool)

	deployments, err := a.cfg.Deployments.List(ctx, storage.DeploymentFilter{
		Statuses: types.ActiveStatuses,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, d := range deployments {
		if d.InternalPort != 0 {
			used[d.InternalPort] = true
		}
	}

	containers, err := a.cfg.Runtime.ListContainers(ctx, true)
	if err != nil {
		// The OS bind probe still stands between us and a collision.
		a.cfg.Log.WarnContext(ctx, "Runtime port listing failed, continuing with remaining evidence.",
			"error", err)
	} else {
		for port := range runtime.PublishedHostPorts(containers) {
			used[port] = true
		}
	}
	return used, nil
}
