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

// Package orchestrator drives deployments through their lifecycle: spawning
// agent containers, stopping and restarting them, and tearing them down.
//
// Every state transition goes through storage.Deployments.UpdateWhenStatus,
// so two orchestrator calls racing on the same deployment resolve to exactly
// one winner; the loser gets a CompareFailed and backs off.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/openclaw/fleetd/lib/agentconf"
	"github.com/openclaw/fleetd/lib/defaults"
	"github.com/openclaw/fleetd/lib/healthcheck"
	"github.com/openclaw/fleetd/lib/models"
	"github.com/openclaw/fleetd/lib/ports"
	"github.com/openclaw/fleetd/lib/runtime"
	"github.com/openclaw/fleetd/lib/secrets"
	"github.com/openclaw/fleetd/lib/storage"
	"github.com/openclaw/fleetd/lib/types"
)

// Provisioning step messages surfaced to the dashboard while a spawn is in
// flight.
const (
	stepAllocating = "Allocating resources..."
	stepPreparing  = "Preparing agent image..."
	stepStarting   = "Starting agent..."
)

// portReserveAttempts bounds how many times a spawn retries the
// allocate/reserve pair after losing the unique-index race.
const portReserveAttempts = 5

// Config configures an Orchestrator.
type Config struct {
	// Deployments is the deployment collection.
	Deployments storage.Deployments
	// Users is the user collection, read for the per-tenant agent limit.
	Users storage.Users
	// Runtime manages agent containers.
	Runtime runtime.Runtime
	// Allocator hands out host ports.
	Allocator *ports.Allocator
	// Materializer writes per-deployment config trees.
	Materializer *agentconf.Materializer
	// Monitor watches started containers until they answer TCP probes.
	Monitor *healthcheck.Monitor
	// Box seals and opens tenant secret bundles.
	Box *secrets.Box

	// Image is the agent container image reference.
	Image string
	// ContainerPrefix namespaces managed containers.
	ContainerPrefix string
	// InternalPort is the gateway port inside the container.
	InternalPort int
	// InternalDataPath is where the data directory is mounted inside the
	// container.
	InternalDataPath string
	// MaxRunningAgents caps concurrently active deployments host-wide.
	MaxRunningAgents int
	// MaxDeployments caps deployment records fleet-wide. The tenant-facing
	// API enforces it at creation; spawns re-check it cheaply.
	MaxDeployments int
	// MemoryLimit and CPUNano are the default container resource limits.
	MemoryLimit int64
	CPUNano     int64
	// MaxRestarts bounds the runtime's on-failure restart policy.
	MaxRestarts int
	// StopGracePeriod is the clean-exit window on stop and restart.
	StopGracePeriod time.Duration
	// User is the uid:gid the container runs as.
	User string

	// Clock is used for heartbeat stamps; defaults to the real clock.
	Clock clockwork.Clock
	// Log is the orchestrator's logger.
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
	if c.Allocator == nil {
		return trace.BadParameter("missing port allocator")
	}
	if c.Materializer == nil {
		return trace.BadParameter("missing config materializer")
	}
	if c.Monitor == nil {
		return trace.BadParameter("missing health monitor")
	}
	if c.Box == nil {
		return trace.BadParameter("missing secrets box")
	}
	if c.Image == "" {
		c.Image = defaults.AgentImage
	}
	if c.ContainerPrefix == "" {
		c.ContainerPrefix = defaults.ContainerPrefix
	}
	if c.InternalPort == 0 {
		c.InternalPort = defaults.AgentInternalPort
	}
	if c.InternalDataPath == "" {
		c.InternalDataPath = defaults.AgentInternalDataPath
	}
	if c.MaxRunningAgents == 0 {
		c.MaxRunningAgents = defaults.MaxRunningAgents
	}
	if c.MaxDeployments == 0 {
		c.MaxDeployments = defaults.MaxDeployments
	}
	if c.MemoryLimit == 0 {
		c.MemoryLimit = defaults.AgentMemoryLimit
	}
	if c.CPUNano == 0 {
		c.CPUNano = defaults.AgentCPUNano
	}
	if c.MaxRestarts == 0 {
		c.MaxRestarts = defaults.AgentMaxRestarts
	}
	if c.StopGracePeriod == 0 {
		c.StopGracePeriod = defaults.StopGracePeriod
	}
	if c.User == "" {
		c.User = defaults.AgentUser
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

// Orchestrator runs deployment lifecycle operations.
type Orchestrator struct {
	cfg Config

	// pulls deduplicates concurrent image pulls per reference.
	pulls singleflight.Group
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Orchestrator{cfg: cfg}, nil
}

// ContainerName returns the canonical container name for a deployment.
func (o *Orchestrator) ContainerName(deploymentID string) string {
	return runtime.FormatContainerName(o.cfg.ContainerPrefix, deploymentID)
}

// Spawn takes a deployment without a live container all the way to a started
// container under health watch. Optional limits override the configured
// container resources for this spawn only. On any failure past the initial
// state check the deployment lands in the error state with a diagnostic and
// no container, so the dashboard can show why the agent is not coming up.
func (o *Orchestrator) Spawn(ctx context.Context, deploymentID string, limits types.ResourceLimits) error {
	d, err := o.cfg.Deployments.Get(ctx, deploymentID)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := types.CheckTransition(d.Status, types.StatusConfiguring); err != nil {
		return trace.Wrap(err)
	}

	if err := o.preflight(ctx, d); err != nil {
		o.fail(ctx, d.ID, err)
		return trace.Wrap(err)
	}

	ok, err := o.cfg.Deployments.UpdateWhenStatus(ctx, d.ID, d.Status, storage.DeploymentUpdate{
		Status:           storage.Ptr(types.StatusConfiguring),
		ProvisioningStep: storage.Ptr(stepAllocating),
		ErrorMessage:     storage.Ptr(""),
		ContainerID:      storage.Ptr(""),
		InternalPort:     storage.Ptr(0),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if !ok {
		return trace.CompareFailed("deployment %q changed state, refusing to spawn", d.ID)
	}

	if err := o.provision(ctx, d, limits); err != nil {
		o.fail(ctx, d.ID, err)
		return trace.Wrap(err)
	}
	return nil
}

// preflight enforces the capacity gates and clears any container left behind
// by a previous failed spawn.
func (o *Orchestrator) preflight(ctx context.Context, d *types.Deployment) error {
	total, err := o.cfg.Deployments.Count(ctx, storage.DeploymentFilter{})
	if err != nil {
		return trace.Wrap(err)
	}
	if total > o.cfg.MaxDeployments {
		return trace.LimitExceeded("deployment limit reached: %d of %d deployments exist", total, o.cfg.MaxDeployments)
	}

	running, err := o.cfg.Deployments.Count(ctx, storage.DeploymentFilter{
		Statuses:     types.ActiveStatuses,
		HasContainer: storage.Ptr(true),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if running >= o.cfg.MaxRunningAgents {
		return trace.LimitExceeded("fleet is at capacity: %d of %d agents running", running, o.cfg.MaxRunningAgents)
	}

	user, err := o.cfg.Users.Get(ctx, d.UserID)
	if err != nil {
		return trace.Wrap(err)
	}
	mine, err := o.cfg.Deployments.Count(ctx, storage.DeploymentFilter{
		UserID:   d.UserID,
		Statuses: types.ActiveStatuses,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if mine >= user.MaxAgents {
		return trace.LimitExceeded("tenant is at capacity: %d of %d agents running", mine, user.MaxAgents)
	}

	// A previous failed spawn may have left a container behind under the
	// canonical name. Remove it before creating a new one.
	return trace.Wrap(o.removeContainerByName(ctx, d.ID))
}

// provision runs the spawn pipeline after the deployment has been moved to
// configuring. Errors bubble to Spawn's shared failure path.
func (o *Orchestrator) provision(ctx context.Context, d *types.Deployment, limits types.ResourceLimits) error {
	log := o.cfg.Log.With("deployment_id", d.ID, "subdomain", d.Subdomain)

	port, err := o.reservePort(ctx, d.ID)
	if err != nil {
		return trace.Wrap(err)
	}
	log.InfoContext(ctx, "Reserved host port.", "port", port)

	bundle, err := o.cfg.Box.OpenBundle(d.Secrets)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := models.ValidateBundle(bundle); err != nil {
		return trace.Wrap(err)
	}
	model, err := models.Resolve(d.Config.Model, bundle)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := o.cfg.Materializer.Materialize(d, bundle, model); err != nil {
		return trace.Wrap(err)
	}

	ok, err := o.cfg.Deployments.UpdateWhenStatus(ctx, d.ID, types.StatusConfiguring, storage.DeploymentUpdate{
		Status:           storage.Ptr(types.StatusProvisioning),
		ProvisioningStep: storage.Ptr(stepPreparing),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if !ok {
		return trace.CompareFailed("deployment %q changed state during configuration", d.ID)
	}

	if err := o.ensureImage(ctx); err != nil {
		return trace.Wrap(err)
	}

	containerID, err := o.createAndStart(ctx, d, bundle, port, limits)
	if err != nil {
		return trace.Wrap(err)
	}
	log.InfoContext(ctx, "Started agent container.", "container_id", containerID)

	ok, err = o.cfg.Deployments.UpdateWhenStatus(ctx, d.ID, types.StatusProvisioning, storage.DeploymentUpdate{
		Status:           storage.Ptr(types.StatusStarting),
		ContainerID:      storage.Ptr(containerID),
		ProvisioningStep: storage.Ptr(stepStarting),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if !ok {
		// The record moved under us; do not leave an unowned container.
		o.removeContainer(ctx, containerID)
		return trace.CompareFailed("deployment %q changed state during provisioning", d.ID)
	}

	return trace.Wrap(o.watch(ctx, d.ID, port))
}

// reservePort loops allocate/reserve until the port survives the storage
// unique index.
func (o *Orchestrator) reservePort(ctx context.Context, deploymentID string) (int, error) {
	for range portReserveAttempts {
		port, err := o.cfg.Allocator.Allocate(ctx)
		if err != nil {
			return 0, trace.Wrap(err)
		}
		ok, err := o.cfg.Allocator.AtomicReserve(ctx, deploymentID, port)
		if err != nil {
			return 0, trace.Wrap(err)
		}
		if ok {
			return port, nil
		}
		// Either the record left configuring or another writer took the
		// port; re-check the record before deciding.
		d, err := o.cfg.Deployments.Get(ctx, deploymentID)
		if err != nil {
			return 0, trace.Wrap(err)
		}
		if d.Status != types.StatusConfiguring {
			return 0, trace.CompareFailed("deployment %q left the configuring state", deploymentID)
		}
		// The record reads configuring again, so the reservation lost to a
		// transient state bounce rather than a competing writer. Take the
		// port unconditionally; the unique index still guards collisions.
		err = o.cfg.Deployments.Update(ctx, deploymentID, storage.DeploymentUpdate{
			InternalPort: storage.Ptr(port),
		})
		if err == nil {
			return port, nil
		}
		if !trace.IsAlreadyExists(err) {
			return 0, trace.Wrap(err)
		}
	}
	return 0, trace.LimitExceeded("could not reserve a host port after %d attempts", portReserveAttempts)
}

// ensureImage pulls the agent image unless it is already present. Concurrent
// spawns share one pull.
func (o *Orchestrator) ensureImage(ctx context.Context) error {
	present, err := o.cfg.Runtime.ImageExists(ctx, o.cfg.Image)
	if err != nil {
		return trace.Wrap(err)
	}
	if present {
		return nil
	}
	_, err, _ = o.pulls.Do(o.cfg.Image, func() (any, error) {
		o.cfg.Log.InfoContext(ctx, "Pulling agent image.", "image", o.cfg.Image)
		return nil, trace.Wrap(o.cfg.Runtime.PullImage(ctx, o.cfg.Image))
	})
	return trace.Wrap(err)
}

func (o *Orchestrator) createAndStart(ctx context.Context, d *types.Deployment, bundle types.SecretBundle, port int, limits types.ResourceLimits) (string, error) {
	memory := o.cfg.MemoryLimit
	if limits.MemoryBytes > 0 {
		memory = limits.MemoryBytes
	}
	cpu := o.cfg.CPUNano
	if limits.CPUNanos > 0 {
		cpu = limits.CPUNanos
	}
	spec := runtime.ContainerSpec{
		Image:        o.cfg.Image,
		Name:         o.ContainerName(d.ID),
		User:         o.cfg.User,
		Env:          o.containerEnv(d, bundle, memory),
		Binds:        o.cfg.Materializer.Binds(d.ID, o.cfg.InternalDataPath),
		InternalPort: o.cfg.InternalPort,
		HostPort:     port,
		MemoryBytes:  memory,
		NanoCPUs:     cpu,
		MaxRestarts:  o.cfg.MaxRestarts,
		Labels: map[string]string{
			"managed-by":        "fleetd",
			"fleetd.deployment": d.ID,
			"fleetd.subdomain":  d.Subdomain,
		},
	}
	containerID, err := o.cfg.Runtime.CreateContainer(ctx, spec)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if err := o.cfg.Runtime.StartContainer(ctx, containerID); err != nil {
		o.removeContainer(ctx, containerID)
		return "", trace.Wrap(err)
	}
	return containerID, nil
}

func (o *Orchestrator) containerEnv(d *types.Deployment, bundle types.SecretBundle, memoryBytes int64) []string {
	env := []string{
		"OPENCLAW_CONFIG_PATH=/config/" + agentconf.ConfigFileName,
		"DEPLOYMENT_ID=" + d.ID,
		"NODE_ENV=production",
		fmt.Sprintf("NODE_OPTIONS=--max-old-space-size=%d", heapSizeMB(memoryBytes)),
	}
	if bundle.WebUIToken != "" {
		env = append(env, "OPENCLAW_GATEWAY_TOKEN="+bundle.WebUIToken)
	}
	if bundle.GoogleAPIKey != "" {
		env = append(env, "GOOGLE_API_KEY="+bundle.GoogleAPIKey)
	}
	if bundle.AnthropicAPIKey != "" {
		env = append(env, "ANTHROPIC_API_KEY="+bundle.AnthropicAPIKey)
	}
	if bundle.OpenAIAPIKey != "" {
		env = append(env, "OPENAI_API_KEY="+bundle.OpenAIAPIKey)
	}
	if bundle.TelegramBotToken != "" {
		env = append(env, "TELEGRAM_BOT_TOKEN="+bundle.TelegramBotToken)
	}
	return env
}

// heapSizeMB derives the V8 old-space hint from the container memory limit:
// three quarters of what remains after the process reserve, rounded down to a
// 64 MB step and clamped to [floor, ceiling]. A zero limit means an unlimited
// container and gets the ceiling.
func heapSizeMB(memoryBytes int64) int {
	memMB := int(memoryBytes >> 20)
	if memMB == 0 {
		return defaults.AgentHeapCeilingMB
	}
	usable := memMB - defaults.AgentHeapReserveMB
	heap := usable * 3 / 4 / 64 * 64
	if heap < defaults.AgentHeapFloorMB {
		heap = defaults.AgentHeapFloorMB
	}
	if heap > defaults.AgentHeapCeilingMB {
		heap = defaults.AgentHeapCeilingMB
	}
	if heap > usable && usable > 0 {
		heap = usable
	}
	return heap
}

// watch registers the health watch that completes the spawn.
func (o *Orchestrator) watch(ctx context.Context, deploymentID string, port int) error {
	// The watch must outlive the request that triggered the spawn.
	return trace.Wrap(o.cfg.Monitor.Start(context.WithoutCancel(ctx), healthcheck.Watch{
		DeploymentID: deploymentID,
		Port:         port,
		OnHealthy:    o.onHealthy,
		OnTimeout:    o.onHealthTimeout,
	}))
}

func (o *Orchestrator) onHealthy(ctx context.Context, deploymentID string) {
	ok, err := o.cfg.Deployments.UpdateWhenStatus(ctx, deploymentID, types.StatusStarting, storage.DeploymentUpdate{
		Status:           storage.Ptr(types.StatusHealthy),
		ProvisioningStep: storage.Ptr(""),
		ErrorMessage:     storage.Ptr(""),
		LastHeartbeat:    storage.Ptr(o.cfg.Clock.Now()),
		LastRequestAt:    storage.Ptr(o.cfg.Clock.Now()),
	})
	if err != nil {
		o.cfg.Log.ErrorContext(ctx, "Failed to mark deployment healthy.",
			"deployment_id", deploymentID, "error", err)
		return
	}
	if !ok {
		o.cfg.Log.WarnContext(ctx, "Deployment left the starting state before the health probe landed.",
			"deployment_id", deploymentID)
	}
}

// onHealthTimeout leaves the deployment in starting: the container may still
// be crash-looping under the runtime's restart policy, and the reaper flags
// the record once the container gives up for good.
func (o *Orchestrator) onHealthTimeout(ctx context.Context, deploymentID string) {
	o.cfg.Log.WarnContext(ctx, "Agent did not become healthy within the health check budget.",
		"deployment_id", deploymentID)
}

// fail is the shared failure path: remove whatever container exists for the
// deployment and park the record in the error state with a diagnostic.
func (o *Orchestrator) fail(ctx context.Context, deploymentID string, cause error) {
	log := o.cfg.Log.With("deployment_id", deploymentID)
	log.WarnContext(ctx, "Deployment operation failed, cleaning up.", "error", cause)

	o.cfg.Monitor.Cancel(deploymentID)
	if err := o.removeContainerByName(ctx, deploymentID); err != nil {
		log.ErrorContext(ctx, "Failed to remove container during cleanup.", "error", err)
	}
	if err := o.cfg.Deployments.Update(ctx, deploymentID, storage.DeploymentUpdate{
		Status:           storage.Ptr(types.StatusError),
		ErrorMessage:     storage.Ptr(cause.Error()),
		ProvisioningStep: storage.Ptr(""),
		ContainerID:      storage.Ptr(""),
		InternalPort:     storage.Ptr(0),
	}); err != nil {
		log.ErrorContext(ctx, "Failed to record deployment failure.", "error", err)
	}
}

// Stop stops a deployment's container and parks the record in the stopped
// state with its container and port released. The stopped container stays in
// the runtime; the next spawn's zombie cleanup collects it.
func (o *Orchestrator) Stop(ctx context.Context, deploymentID string) error {
	d, err := o.cfg.Deployments.Get(ctx, deploymentID)
	if err != nil {
		return trace.Wrap(err)
	}
	if d.ContainerID == "" {
		return trace.NotFound("deployment %q has no container", deploymentID)
	}
	// Stopping a deployment that is still starting cancels a stuck boot, so
	// it is allowed even though starting normally only advances to healthy.
	if d.Status != types.StatusStarting {
		if err := types.CheckTransition(d.Status, types.StatusStopped); err != nil {
			return trace.Wrap(err)
		}
	}

	o.cfg.Monitor.Cancel(deploymentID)
	if err := o.cfg.Runtime.StopContainer(ctx, d.ContainerID, o.cfg.StopGracePeriod); err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	ok, err := o.cfg.Deployments.UpdateWhenStatus(ctx, deploymentID, d.Status, storage.DeploymentUpdate{
		Status:           storage.Ptr(types.StatusStopped),
		ProvisioningStep: storage.Ptr(""),
		ContainerID:      storage.Ptr(""),
		InternalPort:     storage.Ptr(0),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if !ok {
		return trace.CompareFailed("deployment %q changed state during stop", deploymentID)
	}
	return nil
}

// Restart restarts a deployment's container in place. Deployments without a
// container go through the full spawn path instead.
func (o *Orchestrator) Restart(ctx context.Context, deploymentID string) error {
	d, err := o.cfg.Deployments.Get(ctx, deploymentID)
	if err != nil {
		return trace.Wrap(err)
	}
	if d.ContainerID == "" {
		return trace.Wrap(o.Spawn(ctx, deploymentID, types.ResourceLimits{}))
	}
	if err := types.CheckTransition(d.Status, types.StatusRestarting); err != nil {
		return trace.Wrap(err)
	}
	if d.InternalPort == 0 {
		return trace.BadParameter("deployment %q has a container but no port", deploymentID)
	}

	ok, err := o.cfg.Deployments.UpdateWhenStatus(ctx, deploymentID, d.Status, storage.DeploymentUpdate{
		Status:       storage.Ptr(types.StatusRestarting),
		ErrorMessage: storage.Ptr(""),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if !ok {
		return trace.CompareFailed("deployment %q changed state, refusing to restart", deploymentID)
	}

	if err := o.cfg.Runtime.RestartContainer(ctx, d.ContainerID, o.cfg.StopGracePeriod); err != nil {
		o.fail(ctx, deploymentID, err)
		return trace.Wrap(err)
	}
	ok, err = o.cfg.Deployments.UpdateWhenStatus(ctx, deploymentID, types.StatusRestarting, storage.DeploymentUpdate{
		Status:           storage.Ptr(types.StatusStarting),
		ProvisioningStep: storage.Ptr(stepStarting),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if !ok {
		return trace.CompareFailed("deployment %q changed state during restart", deploymentID)
	}
	return trace.Wrap(o.watch(ctx, deploymentID, d.InternalPort))
}

// Wake brings a hibernated or failed deployment back up through the full
// spawn path. Deployments that are already active are left alone.
func (o *Orchestrator) Wake(ctx context.Context, deploymentID string) error {
	d, err := o.cfg.Deployments.Get(ctx, deploymentID)
	if err != nil {
		return trace.Wrap(err)
	}
	if d.Status.IsActive() {
		// Already on its way up (or up).
		return nil
	}
	if d.Status != types.StatusStopped && d.Status != types.StatusError {
		return trace.CompareFailed("deployment %q is not asleep (status %q)", deploymentID, d.Status)
	}
	return trace.Wrap(o.Spawn(ctx, deploymentID, types.ResourceLimits{}))
}

// Remove tears a deployment down completely: container, config tree, and the
// record itself.
func (o *Orchestrator) Remove(ctx context.Context, deploymentID string) error {
	o.cfg.Monitor.Cancel(deploymentID)
	if err := o.removeContainerByName(ctx, deploymentID); err != nil {
		return trace.Wrap(err)
	}
	if err := o.cfg.Materializer.Remove(deploymentID); err != nil {
		return trace.Wrap(err)
	}
	if err := o.cfg.Deployments.Delete(ctx, deploymentID); err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	return nil
}

// Logs returns the deployment container's recent output.
func (o *Orchestrator) Logs(ctx context.Context, deploymentID string, req runtime.LogsRequest) (string, error) {
	d, err := o.cfg.Deployments.Get(ctx, deploymentID)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if d.ContainerID == "" {
		return "", trace.NotFound("deployment %q has no container", deploymentID)
	}
	out, err := o.cfg.Runtime.ContainerLogs(ctx, d.ContainerID, req)
	return out, trace.Wrap(err)
}

// removeContainerByName force-removes any container under the deployment's
// canonical name, regardless of what the record says.
func (o *Orchestrator) removeContainerByName(ctx context.Context, deploymentID string) error {
	name := o.ContainerName(deploymentID)
	containers, err := o.cfg.Runtime.ListContainers(ctx, true)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, c := range containers {
		if !c.HasName(name) {
			continue
		}
		if err := o.cfg.Runtime.RemoveContainer(ctx, c.ID, true); err != nil && !trace.IsNotFound(err) {
			return trace.Wrap(err)
		}
	}
	return nil
}

// removeContainer force-removes a container by id, logging instead of
// failing: it only runs on paths that are already unwinding.
func (o *Orchestrator) removeContainer(ctx context.Context, containerID string) {
	if err := o.cfg.Runtime.RemoveContainer(ctx, containerID, true); err != nil && !trace.IsNotFound(err) {
		o.cfg.Log.ErrorContext(ctx, "Failed to remove container.",
			"container_id", containerID, "error", err)
	}
}
