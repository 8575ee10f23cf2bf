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

// Package runtime abstracts the container runtime the control plane drives.
// The production implementation talks to the Docker Engine API; tests use the
// fake. Errors follow the trace taxonomy: missing containers surface as
// trace.NotFound, exhausted host ports as trace.LimitExceeded, everything
// else is passed through wrapped.
package runtime

import (
	"context"
	"time"
)

// Port is one published port of a running container.
type Port struct {
	// PrivatePort is the port inside the container.
	PrivatePort int
	// PublicPort is the host port it is published on, zero if unpublished.
	PublicPort int
	// Proto is "tcp" or "udp".
	Proto string
}

// Container is a summary entry from a container listing.
type Container struct {
	ID    string
	Names []string
	State string
	Ports []Port
}

// HasName reports whether the container carries the given name, tolerating
// the runtime's leading slash.
func (c Container) HasName(name string) bool {
	for _, n := range c.Names {
		if n == name || n == "/"+name {
			return true
		}
	}
	return false
}

// ContainerDetails is the inspect view the control plane consumes.
type ContainerDetails struct {
	ID       string
	Name     string
	Running  bool
	ExitCode int
	Error    string
}

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	// Image is the image reference to run.
	Image string
	// Name is the canonical container name (prefix + deployment id).
	Name string
	// User is the uid:gid to run as; empty keeps the image default.
	User string
	// Env is the environment in KEY=value form.
	Env []string
	// Binds are host:container[:mode] bind mounts.
	Binds []string
	// InternalPort is the container port to publish.
	InternalPort int
	// HostPort is the host port to publish it on.
	HostPort int
	// MemoryBytes caps container memory; zero leaves it unlimited.
	MemoryBytes int64
	// NanoCPUs caps CPU in 1e-9 cores; zero leaves it unlimited.
	NanoCPUs int64
	// MaxRestarts bounds the on-failure restart policy.
	MaxRestarts int
	// Labels are attached to the container for later identification.
	Labels map[string]string
}

// LogsRequest selects what to stream from a container's logs.
type LogsRequest struct {
	// Tail limits output to the trailing N lines; zero means everything.
	Tail int
	// Timestamps prefixes every line with its timestamp.
	Timestamps bool
}

// Runtime is the container runtime contract the orchestrator and reaper
// consume.
type Runtime interface {
	// ListContainers returns container summaries; all includes stopped
	// containers.
	ListContainers(ctx context.Context, all bool) ([]Container, error)
	// ImageExists reports whether the image is present locally.
	ImageExists(ctx context.Context, ref string) (bool, error)
	// PullImage pulls an image, blocking until the pull completes.
	PullImage(ctx context.Context, ref string) error
	// CreateContainer creates a container and returns its id.
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	// StartContainer starts a created container. Starting an already
	// running container succeeds.
	StartContainer(ctx context.Context, id string) error
	// StopContainer stops a container with the given graceful deadline.
	// Stopping an already stopped container succeeds.
	StopContainer(ctx context.Context, id string, grace time.Duration) error
	// RestartContainer restarts a container with the given graceful
	// deadline.
	RestartContainer(ctx context.Context, id string, grace time.Duration) error
	// RemoveContainer removes a container; force kills it first.
	RemoveContainer(ctx context.Context, id string, force bool) error
	// InspectContainer returns the runtime state of a container.
	InspectContainer(ctx context.Context, id string) (*ContainerDetails, error)
	// ContainerLogs returns the container's log text.
	ContainerLogs(ctx context.Context, id string, req LogsRequest) (string, error)
	// Ping verifies the runtime is reachable; used by the readiness probe.
	Ping(ctx context.Context) error
}

// PublishedHostPorts flattens a listing into the set of host ports currently
// published by any container. Used as one evidence source by the port
// allocator.
func PublishedHostPorts(containers []Container) map[int]bool {
	out := make(map[int]bool)
	for _, c := range containers {
		for _, p := range c.Ports {
			if p.PublicPort != 0 {
				out[p.PublicPort] = true
			}
		}
	}
	return out
}
