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
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/gravitational/trace"
)

// DockerRuntime implements Runtime on the Docker Engine API.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects to the Docker daemon using the standard
// environment configuration (DOCKER_HOST etc.) with API version negotiation.
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &DockerRuntime{cli: cli}, nil
}

// convertDockerError maps engine errors onto the trace taxonomy. Not-modified
// responses (start of a running container, stop of a stopped one) are treated
// as success, and host port exhaustion becomes a capacity error.
func convertDockerError(err error) error {
	switch {
	case err == nil:
		return nil
	case errdefs.IsNotModified(err):
		return nil
	case errdefs.IsNotFound(err):
		return trace.NotFound("%s", err.Error())
	case strings.Contains(err.Error(), "port is already allocated"):
		return trace.LimitExceeded("%s", err.Error())
	default:
		return trace.Wrap(err)
	}
}

func (d *DockerRuntime) ListContainers(ctx context.Context, all bool) ([]Container, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{All: all})
	if err != nil {
		return nil, convertDockerError(err)
	}
	out := make([]Container, 0, len(list))
	for _, c := range list {
		ports := make([]Port, 0, len(c.Ports))
		for _, p := range c.Ports {
			ports = append(ports, Port{
				PrivatePort: int(p.PrivatePort),
				PublicPort:  int(p.PublicPort),
				Proto:       p.Type,
			})
		}
		out = append(out, Container{
			ID:    c.ID,
			Names: c.Names,
			State: c.State,
			Ports: ports,
		})
	}
	return out, nil
}

func (d *DockerRuntime) ImageExists(ctx context.Context, ref string) (bool, error) {
	list, err := d.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return false, convertDockerError(err)
	}
	return len(list) != 0, nil
}

func (d *DockerRuntime) PullImage(ctx context.Context, ref string) error {
	stream, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return convertDockerError(err)
	}
	defer stream.Close()
	// The pull completes only once the progress stream is drained.
	if _, err := io.Copy(io.Discard, stream); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

func (d *DockerRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	internal, err := nat.NewPort("tcp", strconv.Itoa(spec.InternalPort))
	if err != nil {
		return "", trace.Wrap(err)
	}
	config := &container.Config{
		Image:        spec.Image,
		User:         spec.User,
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: nat.PortSet{internal: struct{}{}},
	}
	hostConfig := &container.HostConfig{
		Binds: spec.Binds,
		PortBindings: nat.PortMap{
			internal: []nat.PortBinding{{HostPort: strconv.Itoa(spec.HostPort)}},
		},
		RestartPolicy: container.RestartPolicy{
			Name:              container.RestartPolicyOnFailure,
			MaximumRetryCount: spec.MaxRestarts,
		},
		Resources: container.Resources{
			Memory:   spec.MemoryBytes,
			NanoCPUs: spec.NanoCPUs,
		},
	}
	created, err := d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", convertDockerError(err)
	}
	return created.ID, nil
}

func (d *DockerRuntime) StartContainer(ctx context.Context, id string) error {
	return convertDockerError(d.cli.ContainerStart(ctx, id, container.StartOptions{}))
}

func (d *DockerRuntime) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	seconds := int(grace.Seconds())
	return convertDockerError(d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds}))
}

func (d *DockerRuntime) RestartContainer(ctx context.Context, id string, grace time.Duration) error {
	seconds := int(grace.Seconds())
	return convertDockerError(d.cli.ContainerRestart(ctx, id, container.StopOptions{Timeout: &seconds}))
}

func (d *DockerRuntime) RemoveContainer(ctx context.Context, id string, force bool) error {
	return convertDockerError(d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force}))
}

func (d *DockerRuntime) InspectContainer(ctx context.Context, id string) (*ContainerDetails, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, convertDockerError(err)
	}
	details := &ContainerDetails{
		ID:   info.ID,
		Name: strings.TrimPrefix(info.Name, "/"),
	}
	if info.State != nil {
		details.Running = info.State.Running
		details.ExitCode = info.State.ExitCode
		details.Error = info.State.Error
	}
	return details, nil
}

func (d *DockerRuntime) ContainerLogs(ctx context.Context, id string, req LogsRequest) (string, error) {
	tail := "all"
	if req.Tail > 0 {
		tail = strconv.Itoa(req.Tail)
	}
	stream, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
		Timestamps: req.Timestamps,
	})
	if err != nil {
		return "", convertDockerError(err)
	}
	defer stream.Close()
	// Demultiplex the engine's stdout/stderr framing into plain text.
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, stream); err != nil {
		return "", trace.Wrap(err)
	}
	return buf.String(), nil
}

func (d *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// Close releases the underlying HTTP client.
func (d *DockerRuntime) Close() error {
	return trace.Wrap(d.cli.Close())
}

var _ Runtime = (*DockerRuntime)(nil)

// FormatContainerName builds the canonical name for a deployment's container.
func FormatContainerName(prefix, deploymentID string) string {
	return fmt.Sprintf("%s%s", prefix, deploymentID)
}
