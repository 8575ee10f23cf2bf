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

package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gravitational/trace"
)

// FakeRuntime is an in-memory Runtime used by tests. Error injection fields
// let tests script failures at any step.
type FakeRuntime struct {
	mu         sync.Mutex
	nextID     int
	containers map[string]*fakeContainer
	images     map[string]bool
	pulls      map[string]int

	// Error injection, consumed by the matching operation.
	ListError    error
	PullError    error
	CreateError  error
	StartError   error
	StopError    error
	RestartError error
	RemoveError  error
}

type fakeContainer struct {
	id      string
	spec    ContainerSpec
	running bool
}

// NewFakeRuntime creates a fake with the given images preloaded.
func NewFakeRuntime(images ...string) *FakeRuntime {
	f := &FakeRuntime{
		containers: make(map[string]*fakeContainer),
		images:     make(map[string]bool),
		pulls:      make(map[string]int),
	}
	for _, ref := range images {
		f.images[ref] = true
	}
	return f
}

func (f *FakeRuntime) ListContainers(ctx context.Context, all bool) ([]Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListError != nil {
		return nil, f.ListError
	}
	var out []Container
	for _, c := range f.containers {
		if !all && !c.running {
			continue
		}
		out = append(out, f.summaryLocked(c))
	}
	return out, nil
}

func (f *FakeRuntime) summaryLocked(c *fakeContainer) Container {
	state := "exited"
	var ports []Port
	if c.running {
		state = "running"
		ports = []Port{{PrivatePort: c.spec.InternalPort, PublicPort: c.spec.HostPort, Proto: "tcp"}}
	}
	return Container{
		ID:    c.id,
		Names: []string{"/" + c.spec.Name},
		State: state,
		Ports: ports,
	}
}

func (f *FakeRuntime) ImageExists(ctx context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[ref], nil
}

func (f *FakeRuntime) PullImage(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PullError != nil {
		return f.PullError
	}
	f.pulls[ref]++
	f.images[ref] = true
	return nil
}

// PullCount returns how many times an image has been pulled.
func (f *FakeRuntime) PullCount(ref string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulls[ref]
}

func (f *FakeRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateError != nil {
		return "", f.CreateError
	}
	for _, c := range f.containers {
		if c.spec.Name == spec.Name {
			return "", trace.AlreadyExists("container name %q is taken", spec.Name)
		}
		if c.running && c.spec.HostPort == spec.HostPort {
			return "", trace.LimitExceeded("port is already allocated")
		}
	}
	f.nextID++
	id := fmt.Sprintf("fake-%d", f.nextID)
	f.containers[id] = &fakeContainer{id: id, spec: spec}
	return id, nil
}

func (f *FakeRuntime) StartContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartError != nil {
		return f.StartError
	}
	c, ok := f.containers[id]
	if !ok {
		return trace.NotFound("container %q not found", id)
	}
	c.running = true
	return nil
}

func (f *FakeRuntime) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StopError != nil {
		return f.StopError
	}
	c, ok := f.containers[id]
	if !ok {
		return trace.NotFound("container %q not found", id)
	}
	c.running = false
	return nil
}

func (f *FakeRuntime) RestartContainer(ctx context.Context, id string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RestartError != nil {
		return f.RestartError
	}
	c, ok := f.containers[id]
	if !ok {
		return trace.NotFound("container %q not found", id)
	}
	c.running = true
	return nil
}

func (f *FakeRuntime) RemoveContainer(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RemoveError != nil {
		return f.RemoveError
	}
	c, ok := f.containers[id]
	if !ok {
		return trace.NotFound("container %q not found", id)
	}
	if c.running && !force {
		return trace.BadParameter("container %q is running", id)
	}
	delete(f.containers, id)
	return nil
}

func (f *FakeRuntime) InspectContainer(ctx context.Context, id string) (*ContainerDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return nil, trace.NotFound("container %q not found", id)
	}
	return &ContainerDetails{ID: c.id, Name: c.spec.Name, Running: c.running}, nil
}

func (f *FakeRuntime) ContainerLogs(ctx context.Context, id string, req LogsRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return "", trace.NotFound("container %q not found", id)
	}
	return "fake logs\n", nil
}

func (f *FakeRuntime) Ping(ctx context.Context) error { return nil }

// Container returns the fake's view of a container by name, or nil.
func (f *FakeRuntime) Container(name string) *Container {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if c.spec.Name == name {
			summary := f.summaryLocked(c)
			return &summary
		}
	}
	return nil
}

// Running reports whether the named container exists and is running.
func (f *FakeRuntime) Running(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if c.spec.Name == name {
			return c.running
		}
	}
	return false
}

// Spec returns the creation spec of the named container.
func (f *FakeRuntime) Spec(name string) (ContainerSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if c.spec.Name == name {
			return c.spec, true
		}
	}
	return ContainerSpec{}, false
}

// Kill marks a running container as dead without removing it, simulating a
// crash the reaper should notice.
func (f *FakeRuntime) Kill(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.running = false
	}
}

// Forget drops a container entirely, simulating an out-of-band removal.
func (f *FakeRuntime) Forget(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
}

var _ Runtime = (*FakeRuntime)(nil)
