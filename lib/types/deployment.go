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

// Package types defines the records the fleetd control plane persists and the
// state machine that governs deployment lifecycle.
package types

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// DeploymentStatus is the lifecycle state of a tenant deployment.
type DeploymentStatus string

const (
	// StatusIdle is a freshly created deployment with no container.
	StatusIdle DeploymentStatus = "idle"
	// StatusConfiguring means host resources (port, config tree) are being
	// prepared.
	StatusConfiguring DeploymentStatus = "configuring"
	// StatusProvisioning means the container image and container are being
	// set up.
	StatusProvisioning DeploymentStatus = "provisioning"
	// StatusStarting means the container is up but has not passed a health
	// probe yet.
	StatusStarting DeploymentStatus = "starting"
	// StatusHealthy means the agent answered a TCP probe and is serving.
	StatusHealthy DeploymentStatus = "healthy"
	// StatusStopped means the container was stopped (by the user or by
	// hibernation) and the record is kept for a later wake.
	StatusStopped DeploymentStatus = "stopped"
	// StatusError is the terminal state of a failed operation; ErrorMessage
	// carries the diagnostic.
	StatusError DeploymentStatus = "error"
	// StatusRestarting means an in-place container restart is in flight.
	StatusRestarting DeploymentStatus = "restarting"
)

// ActiveStatuses are the states that count against fleet capacity and pin a
// host port.
var ActiveStatuses = []DeploymentStatus{
	StatusHealthy, StatusStarting, StatusProvisioning, StatusConfiguring, StatusRestarting,
}

// transitions is the legal next-state table. Self transitions and escapes to
// error/idle are handled in CheckTransition and are not listed.
var transitions = map[DeploymentStatus][]DeploymentStatus{
	StatusIdle:         {StatusConfiguring, StatusProvisioning},
	StatusConfiguring:  {StatusProvisioning},
	StatusProvisioning: {StatusStarting},
	StatusStarting:     {StatusHealthy},
	StatusHealthy:      {StatusStopped, StatusRestarting},
	StatusStopped:      {StatusIdle, StatusConfiguring, StatusStarting},
	StatusRestarting:   {StatusStarting, StatusHealthy},
	StatusError:        {StatusConfiguring, StatusStopped, StatusRestarting},
}

// CheckTransition returns an error unless moving a deployment from one status
// to the other is legal. Transitions to error and idle are always allowed:
// they are the operational escape hatch used by cleanup paths, and callers are
// expected to log their use prominently.
func CheckTransition(from, to DeploymentStatus) error {
	if from == to {
		return nil
	}
	if to == StatusError || to == StatusIdle {
		return nil
	}
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return trace.BadParameter("invalid state transition %v -> %v", from, to)
}

// IsInvalidTransition reports whether an error came from CheckTransition.
func IsInvalidTransition(err error) bool {
	return trace.IsBadParameter(err) && strings.Contains(err.Error(), "invalid state transition")
}

// IsActive reports whether the status counts against running capacity.
func (s DeploymentStatus) IsActive() bool {
	for _, a := range ActiveStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// SecretBundle holds tenant credentials. At rest every non-empty field is in
// sealed iv:tag:ciphertext form; in memory after OpenBundle they are
// plaintext. The bundle is never serialized to API consumers.
type SecretBundle struct {
	OpenAIAPIKey     string `bson:"openaiApiKey,omitempty" json:"-"`
	AnthropicAPIKey  string `bson:"anthropicApiKey,omitempty" json:"-"`
	GoogleAPIKey     string `bson:"googleApiKey,omitempty" json:"-"`
	TelegramBotToken string `bson:"telegramBotToken,omitempty" json:"-"`
	WebUIToken       string `bson:"webUiToken,omitempty" json:"-"`
}

// Fields returns pointers to every bundle field, for uniform seal/open loops.
func (b *SecretBundle) Fields() []*string {
	return []*string{
		&b.OpenAIAPIKey, &b.AnthropicAPIKey, &b.GoogleAPIKey,
		&b.TelegramBotToken, &b.WebUIToken,
	}
}

// AgentConfig is the tenant-tunable agent configuration.
type AgentConfig struct {
	Model        string `bson:"model,omitempty" json:"model,omitempty"`
	SystemPrompt string `bson:"systemPrompt,omitempty" json:"systemPrompt,omitempty"`
}

// ResourceLimits are optional per-spawn container resource overrides.
type ResourceLimits struct {
	CPUNanos    int64
	MemoryBytes int64
}

// Deployment is a tenant's agent instance.
type Deployment struct {
	ID        string           `bson:"_id" json:"id"`
	UserID    string           `bson:"userId" json:"userId"`
	Subdomain string           `bson:"subdomain" json:"subdomain"`
	Status    DeploymentStatus `bson:"status" json:"status"`

	// ContainerID is set while a runtime container exists for the
	// deployment.
	ContainerID string `bson:"containerId,omitempty" json:"containerId,omitempty"`
	// InternalPort is the host port the runtime publishes the agent on. The
	// name is historical; the port is bindable on the host.
	InternalPort int `bson:"internalPort,omitempty" json:"internalPort,omitempty"`

	Secrets SecretBundle `bson:"secrets" json:"-"`
	Config  AgentConfig  `bson:"config" json:"config"`

	LastHeartbeat    time.Time `bson:"lastHeartbeat,omitempty" json:"lastHeartbeat,omitempty"`
	LastRequestAt    time.Time `bson:"lastRequestAt,omitempty" json:"lastRequestAt,omitempty"`
	ErrorMessage     string    `bson:"errorMessage,omitempty" json:"errorMessage,omitempty"`
	ProvisioningStep string    `bson:"provisioningStep,omitempty" json:"provisioningStep,omitempty"`
	CreatedAt        time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt        time.Time `bson:"updatedAt" json:"updatedAt"`
}

// subdomainRe is the canonical subdomain shape: lowercase alphanumeric edges,
// dash/underscore allowed inside.
var subdomainRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-_]*[a-z0-9]$`)

// ReservedSubdomains are first labels that never route to a tenant.
var ReservedSubdomains = map[string]bool{
	"www": true, "api": true, "app": true, "admin": true, "dashboard": true, "auth": true,
}

// ValidateSubdomain enforces the canonical subdomain shape and length and
// rejects reserved labels.
func ValidateSubdomain(s string) error {
	if len(s) < 3 || len(s) > 63 {
		return trace.BadParameter("subdomain must be between 3 and 63 characters")
	}
	if !subdomainRe.MatchString(s) {
		return trace.BadParameter("subdomain %q must be lowercase alphanumeric with interior dashes or underscores", s)
	}
	if ReservedSubdomains[s] {
		return trace.BadParameter("subdomain %q is reserved", s)
	}
	return nil
}

// NewDeployment creates an idle deployment record with a fresh ID.
func NewDeployment(userID, subdomain string) (Deployment, error) {
	d := Deployment{
		ID:        uuid.NewString(),
		UserID:    userID,
		Subdomain: subdomain,
		Status:    StatusIdle,
	}
	if err := d.CheckAndSetDefaults(); err != nil {
		return Deployment{}, trace.Wrap(err)
	}
	return d, nil
}

// CheckAndSetDefaults validates the deployment record.
func (d *Deployment) CheckAndSetDefaults() error {
	if d.ID == "" {
		return trace.BadParameter("missing deployment id")
	}
	if d.UserID == "" {
		return trace.BadParameter("missing deployment user id")
	}
	if err := ValidateSubdomain(d.Subdomain); err != nil {
		return trace.Wrap(err)
	}
	if d.Status == "" {
		d.Status = StatusIdle
	}
	return nil
}
