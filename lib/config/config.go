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

// Package config assembles the control plane configuration from the
// environment.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/distribution/reference"
	"github.com/gravitational/trace"

	"github.com/openclaw/fleetd/lib/defaults"
	"github.com/openclaw/fleetd/lib/secrets"
)

// Config is the full fleetd configuration.
type Config struct {
	// ProxyAddr is the tenant proxy listen address.
	ProxyAddr string
	// DiagAddr is the diagnostics (healthz/readyz/metrics) listen address.
	DiagAddr string
	// Domain is the apex domain tenants live under. Empty means
	// localhost-only routing.
	Domain string

	// MongoURI and MongoDatabase locate the persistence backend. An empty
	// URI selects the in-memory backend, for development only.
	MongoURI      string
	MongoDatabase string

	// EncryptionKey is the 32-byte AES key for tenant secrets.
	EncryptionKey []byte
	// SecretsMigrationMode tolerates plaintext secrets at rest while a
	// pre-encryption dataset is being migrated.
	SecretsMigrationMode bool

	// MinAgentPort and MaxAgentPort bound host port allocation.
	MinAgentPort int
	MaxAgentPort int
	// AgentInternalPort is the gateway port inside agent containers.
	AgentInternalPort int

	// AgentMemoryLimit, AgentCPUNano, and AgentMaxRestarts shape agent
	// containers.
	AgentMemoryLimit int64
	AgentCPUNano     int64
	AgentMaxRestarts int

	// HealthCheckTimeout and HealthCheckInterval tune the startup probes.
	HealthCheckTimeout  time.Duration
	HealthCheckInterval time.Duration

	// MaxRunningAgents and MaxDeployments cap fleet size.
	MaxRunningAgents int
	MaxDeployments   int
	// IdleTimeout is the hibernation threshold.
	IdleTimeout time.Duration

	// ContainerPrefix namespaces managed containers.
	ContainerPrefix string
	// DataPath is the root of per-deployment trees on the host.
	DataPath string
	// AgentImage is the agent container image reference.
	AgentImage string

	// SubscriptionDuration is the paid period length; ReminderWindow is the
	// pre-expiry email lead time.
	SubscriptionDuration time.Duration
	ReminderWindow       time.Duration

	// MailgunDomain and MailgunAPIKey select the Mailgun transport; SMTP*
	// select plain SMTP. MailSender is the From address for either.
	MailgunDomain string
	MailgunAPIKey string
	MailSender    string
	SMTPHost      string
	SMTPPort      int
	SMTPUsername  string
	SMTPPassword  string
}

// FromEnv reads the configuration from the process environment. Unset
// variables keep their defaults; a malformed value is an error rather than a
// silent fallback.
func FromEnv() (*Config, error) {
	cfg := &Config{
		ProxyAddr:            getenv(defaults.EnvProxyAddr, defaults.ProxyAddr),
		DiagAddr:             getenv(defaults.EnvDiagAddr, defaults.DiagAddr),
		Domain:               os.Getenv(defaults.EnvDomain),
		MongoURI:             os.Getenv(defaults.EnvMongoURI),
		MongoDatabase:        getenv(defaults.EnvMongoDatabase, "fleetd"),
		SecretsMigrationMode: os.Getenv(defaults.EnvSecretsMigration) == "true",
		ContainerPrefix:      getenv(defaults.EnvContainerPrefix, defaults.ContainerPrefix),
		DataPath:             getenv(defaults.EnvDataPath, defaults.DataPath),
		AgentImage:           getenv(defaults.EnvAgentImage, defaults.AgentImage),
		MailgunDomain:        os.Getenv(defaults.EnvMailgunDomain),
		MailgunAPIKey:        os.Getenv(defaults.EnvMailgunKey),
		MailSender:           os.Getenv(defaults.EnvMailSender),
		SMTPHost:             os.Getenv(defaults.EnvSMTPHost),
		SMTPUsername:         os.Getenv(defaults.EnvSMTPUsername),
		SMTPPassword:         os.Getenv(defaults.EnvSMTPPassword),
	}

	var err error
	if cfg.MinAgentPort, err = getenvInt(defaults.EnvMinAgentPort, defaults.MinAgentPort); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.MaxAgentPort, err = getenvInt(defaults.EnvMaxAgentPort, defaults.MaxAgentPort); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.AgentInternalPort, err = getenvInt(defaults.EnvAgentInternalPort, defaults.AgentInternalPort); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.AgentMemoryLimit, err = getenvInt64(defaults.EnvAgentMemoryLimit, defaults.AgentMemoryLimit); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.AgentCPUNano, err = getenvInt64(defaults.EnvAgentCPUNano, defaults.AgentCPUNano); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.AgentMaxRestarts, err = getenvInt(defaults.EnvAgentMaxRestarts, defaults.AgentMaxRestarts); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.MaxRunningAgents, err = getenvInt(defaults.EnvMaxRunningAgents, defaults.MaxRunningAgents); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.MaxDeployments, err = getenvInt(defaults.EnvMaxDeployments, defaults.MaxDeployments); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.SMTPPort, err = getenvInt(defaults.EnvSMTPPort, 587); err != nil {
		return nil, trace.Wrap(err)
	}

	if cfg.HealthCheckTimeout, err = getenvMillis(defaults.EnvHealthCheckTimeout, defaults.HealthCheckTimeout); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.HealthCheckInterval, err = getenvMillis(defaults.EnvHealthCheckIntvl, defaults.HealthCheckInterval); err != nil {
		return nil, trace.Wrap(err)
	}

	idleMinutes, err := getenvInt(defaults.EnvIdleTimeoutMinutes, int(defaults.IdleTimeout/time.Minute))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.IdleTimeout = time.Duration(idleMinutes) * time.Minute

	subscriptionDays, err := getenvInt(defaults.EnvSubscriptionDays, int(defaults.SubscriptionDuration/(24*time.Hour)))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.SubscriptionDuration = time.Duration(subscriptionDays) * 24 * time.Hour

	reminderDays, err := getenvInt(defaults.EnvReminderDays, int(defaults.ExpiryReminderWindow/(24*time.Hour)))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.ReminderWindow = time.Duration(reminderDays) * 24 * time.Hour

	if raw := os.Getenv(defaults.EnvEncryptionKey); raw != "" {
		if cfg.EncryptionKey, err = secrets.ParseKey(raw); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

// CheckAndSetDefaults validates the assembled configuration.
func (c *Config) CheckAndSetDefaults() error {
	if len(c.EncryptionKey) == 0 {
		return trace.BadParameter("%s is required", defaults.EnvEncryptionKey)
	}
	if c.MinAgentPort > c.MaxAgentPort {
		return trace.BadParameter("agent port range [%d, %d] is empty", c.MinAgentPort, c.MaxAgentPort)
	}
	if _, err := reference.ParseNormalizedNamed(c.AgentImage); err != nil {
		return trace.BadParameter("invalid agent image %q: %v", c.AgentImage, err)
	}
	if c.MaxRunningAgents <= 0 {
		return trace.BadParameter("max running agents must be positive")
	}
	if c.MailgunDomain != "" && c.SMTPHost != "" {
		return trace.BadParameter("configure either Mailgun or SMTP, not both")
	}
	if (c.MailgunDomain != "" || c.SMTPHost != "") && c.MailSender == "" {
		return trace.BadParameter("%s is required when a mail transport is configured", defaults.EnvMailSender)
	}
	return nil
}

func getenv(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func getenvInt(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, trace.BadParameter("%s: invalid integer %q", name, v)
	}
	return n, nil
}

func getenvInt64(name string, fallback int64) (int64, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, trace.BadParameter("%s: invalid integer %q", name, v)
	}
	return n, nil
}

// getenvMillis parses a bare number of milliseconds, or a Go duration string
// when the value carries a unit.
func getenvMillis(name string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, trace.BadParameter("%s: invalid duration %q", name, v)
	}
	return d, nil
}
