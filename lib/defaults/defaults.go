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

// Package defaults contains the default values for every tunable knob in the
// fleetd control plane, together with the environment variables that override
// them.
package defaults

import "time"

// Host port allocation.
const (
	// MinAgentPort is the lowest host port handed out to agent containers.
	MinAgentPort = 20000

	// MaxAgentPort is the highest host port handed out to agent containers.
	MaxAgentPort = 30000

	// AgentInternalPort is the fixed port the agent gateway listens on inside
	// its container. The runtime publishes it on the allocated host port.
	AgentInternalPort = 18789
)

// Container resources and lifecycle.
const (
	// AgentMemoryLimit is the default per-container memory limit in bytes.
	AgentMemoryLimit = 768 << 20

	// AgentCPUNano is the default per-container CPU share in units of 1e-9
	// CPUs (0.75 of a core).
	AgentCPUNano = 750_000_000

	// AgentMaxRestarts bounds the runtime's on-failure restart policy.
	AgentMaxRestarts = 3

	// StopGracePeriod is how long a container gets to exit cleanly on stop
	// or restart before it is killed.
	StopGracePeriod = 30 * time.Second

	// AgentHeapFloorMB and AgentHeapCeilingMB bound the V8 old-space hint
	// derived from the container memory limit.
	AgentHeapFloorMB   = 256
	AgentHeapCeilingMB = 1536

	// AgentHeapReserveMB is the memory kept outside the V8 heap for the
	// process itself.
	AgentHeapReserveMB = 128
)

// Health checking.
const (
	// HealthCheckTimeout is the overall budget for a deployment to pass its
	// first TCP probe after starting.
	HealthCheckTimeout = 120 * time.Second

	// HealthCheckInterval is the pause between TCP probes.
	HealthCheckInterval = 2 * time.Second

	// HealthCheckDialTimeout bounds a single probe connection attempt.
	HealthCheckDialTimeout = 2 * time.Second
)

// Fleet capacity.
const (
	// MaxRunningAgents caps concurrently running agent containers host-wide.
	MaxRunningAgents = 6

	// MaxDeployments caps deployment records host-wide.
	MaxDeployments = 50
)

// Proxy behavior.
const (
	// ProxyCacheTTL is how long the proxy trusts a cached healthy
	// deployment resolution.
	ProxyCacheTTL = 5 * time.Second

	// ProxyCacheNotHealthyTTL is the shorter TTL applied to cached
	// non-healthy resolutions so a freshly started deployment is not served
	// stale 503s for the full TTL.
	ProxyCacheNotHealthyTTL = time.Second

	// ProxyForwardTimeout bounds the upstream dial and response wait.
	ProxyForwardTimeout = 30 * time.Second

	// TouchThrottle is the minimum interval between lastRequestAt writes for
	// a single subdomain.
	TouchThrottle = time.Minute

	// WakeTimeout is the overall budget for waking a hibernated deployment
	// in response to an inbound request.
	WakeTimeout = 60 * time.Second

	// WakePollInterval is the pause between storage polls while waiting for
	// a woken deployment to become healthy.
	WakePollInterval = 2 * time.Second
)

// Reaper behavior.
const (
	// ReaperInterval is the period of the reconciliation loop.
	ReaperInterval = 2 * time.Minute

	// ReaperRuntimeTimeout bounds the runtime container listing performed at
	// the start of every reaper run.
	ReaperRuntimeTimeout = 10 * time.Second

	// ReaperHibernatePacing is the pause between hibernations to rate-limit
	// runtime calls.
	ReaperHibernatePacing = 200 * time.Millisecond

	// IdleTimeout is how long a healthy deployment may go without traffic
	// before the reaper hibernates it.
	IdleTimeout = 10 * time.Minute
)

// Subscriptions.
const (
	// SubscriptionDuration is the length of one paid subscription period.
	SubscriptionDuration = 30 * 24 * time.Hour

	// ExpiryReminderWindow is how far ahead of expiry the reminder email is
	// sent.
	ExpiryReminderWindow = 3 * 24 * time.Hour
)

// Misc.
const (
	// ContainerPrefix namespaces every container managed by this control
	// plane. Containers outside the prefix are never touched.
	ContainerPrefix = "openclaw-agent-"

	// DataPath is the root of per-deployment config and workspace trees on
	// the host.
	DataPath = "/var/lib/fleetd/agents"

	// AgentImage is the default agent container image.
	AgentImage = "ghcr.io/openclaw/agent:latest"

	// AgentInternalDataPath is where the agent keeps its state inside the
	// container; the per-deployment data directory is bind mounted here.
	AgentInternalDataPath = "/home/node/.openclaw"

	// AgentUser is the uid:gid the agent container runs as, and the owner of
	// the materialized host directories.
	AgentUser = "1000:1000"

	// AgentUID and AgentGID mirror AgentUser for chown calls.
	AgentUID = 1000
	AgentGID = 1000

	// DiagAddr is the default listen address of the diagnostic endpoint.
	DiagAddr = "127.0.0.1:7008"

	// ProxyAddr is the default listen address of the tenant proxy.
	ProxyAddr = "0.0.0.0:8080"

	// ReadHeadersTimeout bounds how long the proxy waits for request
	// headers.
	ReadHeadersTimeout = 10 * time.Second

	// ShutdownTimeout bounds graceful shutdown of the HTTP servers.
	ShutdownTimeout = 30 * time.Second
)

// Environment variable names understood by lib/config.FromEnv. Kept in one
// place so operators have a single reference.
const (
	EnvProxyAddr          = "PROXY_ADDR"
	EnvDiagAddr           = "DIAG_ADDR"
	EnvMinAgentPort       = "MIN_AGENT_PORT"
	EnvMaxAgentPort       = "MAX_AGENT_PORT"
	EnvAgentInternalPort  = "AGENT_INTERNAL_PORT"
	EnvAgentMemoryLimit   = "AGENT_MEMORY_LIMIT"
	EnvAgentCPUNano       = "AGENT_CPU_NANO"
	EnvAgentMaxRestarts   = "AGENT_MAX_RESTARTS"
	EnvHealthCheckTimeout = "HEALTH_CHECK_TIMEOUT"
	EnvHealthCheckIntvl   = "HEALTH_CHECK_INTERVAL"
	EnvMaxRunningAgents   = "MAX_RUNNING_AGENTS"
	EnvMaxDeployments     = "MAX_DEPLOYMENTS"
	EnvIdleTimeoutMinutes = "IDLE_TIMEOUT_MINUTES"
	EnvContainerPrefix    = "CONTAINER_PREFIX"
	EnvDataPath           = "DATA_PATH"
	EnvAgentImage         = "AGENT_IMAGE"
	EnvDomain             = "DOMAIN"
	EnvEncryptionKey      = "ENCRYPTION_KEY"
	EnvReminderDays       = "SUBSCRIPTION_REMINDER_DAYS"
	EnvSubscriptionDays   = "SUBSCRIPTION_DURATION_DAYS"
	EnvMongoURI           = "MONGO_URI"
	EnvMongoDatabase      = "MONGO_DATABASE"
	EnvMailgunDomain      = "MAILGUN_DOMAIN"
	EnvMailgunKey         = "MAILGUN_API_KEY"
	EnvMailSender         = "MAIL_SENDER"
	EnvSMTPHost           = "SMTP_HOST"
	EnvSMTPPort           = "SMTP_PORT"
	EnvSMTPUsername       = "SMTP_USERNAME"
	EnvSMTPPassword       = "SMTP_PASSWORD"
	EnvSecretsMigration   = "SECRETS_MIGRATION_MODE"
)
