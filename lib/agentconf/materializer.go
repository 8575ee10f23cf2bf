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

// Package agentconf materializes the on-host configuration tree an agent
// container consumes through bind mounts.
package agentconf

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	goruntime "runtime"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/openclaw/fleetd/lib/defaults"
	"github.com/openclaw/fleetd/lib/types"
)

// ConfigFileName is the agent's main configuration file.
const ConfigFileName = "openclaw.json"

// authProfilesFileName holds provider credentials inside the data tree.
const authProfilesFileName = "auth-profiles.json"

// MaterializerConfig configures a Materializer.
type MaterializerConfig struct {
	// DataPath is the root of all per-deployment trees on the host.
	DataPath string
	// GatewayPort is the port the agent gateway listens on inside the
	// container.
	GatewayPort int
	// Clock names the initial memory file; defaults to the real clock.
	Clock clockwork.Clock
	// Log is the materializer's logger.
	Log *slog.Logger
}

func (c *MaterializerConfig) checkAndSetDefaults() error {
	if c.DataPath == "" {
		return trace.BadParameter("missing data path")
	}
	if c.GatewayPort == 0 {
		c.GatewayPort = defaults.AgentInternalPort
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

// Materializer writes per-deployment config and workspace trees.
type Materializer struct {
	cfg MaterializerConfig
}

// NewMaterializer creates a Materializer.
func NewMaterializer(cfg MaterializerConfig) (*Materializer, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Materializer{cfg: cfg}, nil
}

// ConfigDir is the host directory bind mounted at /config.
func (m *Materializer) ConfigDir(deploymentID string) string {
	return filepath.Join(m.cfg.DataPath, deploymentID, "config")
}

// DataDir is the host directory bind mounted at the agent's internal data
// path.
func (m *Materializer) DataDir(deploymentID string) string {
	return filepath.Join(m.cfg.DataPath, deploymentID, "data")
}

// Binds returns the container bind mounts for a deployment.
func (m *Materializer) Binds(deploymentID, internalDataPath string) []string {
	return []string{
		m.ConfigDir(deploymentID) + ":/config:rw",
		m.DataDir(deploymentID) + ":" + internalDataPath + ":rw",
	}
}

// agentFile is the openclaw.json document shape.
type agentFile struct {
	Agents   agentsSection   `json:"agents"`
	Gateway  gatewaySection  `json:"gateway"`
	Channels channelsSection `json:"channels"`
	Plugins  pluginsSection  `json:"plugins"`
}

type agentsSection struct {
	Defaults agentDefaults `json:"defaults"`
}

type agentDefaults struct {
	Model     modelSection `json:"model"`
	Workspace string       `json:"workspace"`
}

type modelSection struct {
	Primary string `json:"primary"`
}

type gatewaySection struct {
	Port int         `json:"port"`
	Auth gatewayAuth `json:"auth"`
}

type gatewayAuth struct {
	Mode  string `json:"mode"`
	Token string `json:"token"`
}

type channelsSection struct {
	Telegram telegramChannel `json:"telegram"`
}

type telegramChannel struct {
	Enabled     bool     `json:"enabled"`
	BotToken    string   `json:"botToken,omitempty"`
	DMPolicy    string   `json:"dmPolicy"`
	GroupPolicy string   `json:"groupPolicy"`
	AllowFrom   []string `json:"allowFrom"`
}

type pluginsSection struct {
	Entries map[string]pluginEntry `json:"entries"`
}

type pluginEntry struct {
	Enabled bool `json:"enabled"`
}

// authProfiles is the provider credential document written under both the
// current and the legacy agent path.
type authProfiles struct {
	Profiles map[string]authProfile `json:"profiles"`
}

type authProfile struct {
	Provider string `json:"provider"`
	Type     string `json:"type"`
	Key      string `json:"key"`
}

// Materialize writes the full config tree for a deployment. It is idempotent:
// directories are created as needed and files are overwritten in place.
// Secrets must be decrypted.
func (m *Materializer) Materialize(d *types.Deployment, bundle types.SecretBundle, model string) error {
	root := filepath.Join(m.cfg.DataPath, d.ID)
	configDir := m.ConfigDir(d.ID)
	dataDir := m.DataDir(d.ID)
	workspaceDir := filepath.Join(dataDir, "workspace")
	memoryDir := filepath.Join(workspaceDir, "memory")
	agentDir := filepath.Join(dataDir, "agents", "main", "agent")
	legacyAgentDir := filepath.Join(dataDir, "agent")

	dirs := []string{configDir, dataDir, memoryDir, agentDir, legacyAgentDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return trace.ConvertSystemError(err)
		}
	}

	doc := agentFile{
		Agents: agentsSection{Defaults: agentDefaults{
			Model:     modelSection{Primary: model},
			Workspace: defaults.AgentInternalDataPath + "/workspace",
		}},
		Gateway: gatewaySection{
			Port: m.cfg.GatewayPort,
			Auth: gatewayAuth{Mode: "token", Token: bundle.WebUIToken},
		},
		Channels: channelsSection{Telegram: telegramChannel{
			Enabled:     bundle.TelegramBotToken != "",
			BotToken:    bundle.TelegramBotToken,
			DMPolicy:    "open",
			GroupPolicy: "open",
			AllowFrom:   []string{"*"},
		}},
		Plugins: pluginsSection{Entries: map[string]pluginEntry{
			"telegram": {Enabled: bundle.TelegramBotToken != ""},
		}},
	}
	if err := m.writeJSON(filepath.Join(configDir, ConfigFileName), doc, 0o600); err != nil {
		return trace.Wrap(err)
	}

	profiles := authProfiles{Profiles: map[string]authProfile{}}
	if bundle.GoogleAPIKey != "" {
		profiles.Profiles["google:default"] = authProfile{Provider: "google", Type: "api_key", Key: bundle.GoogleAPIKey}
	}
	if bundle.AnthropicAPIKey != "" {
		profiles.Profiles["anthropic:default"] = authProfile{Provider: "anthropic", Type: "api_key", Key: bundle.AnthropicAPIKey}
	}
	if bundle.OpenAIAPIKey != "" {
		profiles.Profiles["openai:default"] = authProfile{Provider: "openai", Type: "api_key", Key: bundle.OpenAIAPIKey}
	}
	// The same document goes to the current and the legacy location until
	// all agent images read the new path.
	for _, dir := range []string{agentDir, legacyAgentDir} {
		if err := m.writeJSON(filepath.Join(dir, authProfilesFileName), profiles, 0o600); err != nil {
			return trace.Wrap(err)
		}
	}

	day := m.cfg.Clock.Now().UTC().Format("2006-01-02")
	memoryFile := filepath.Join(memoryDir, day+".md")
	if _, err := os.Stat(memoryFile); os.IsNotExist(err) {
		header := fmt.Sprintf("# Memory %s\n\nAgent provisioned for %s.\n", day, d.Subdomain)
		if err := os.WriteFile(memoryFile, []byte(header), 0o644); err != nil {
			return trace.ConvertSystemError(err)
		}
	}

	m.chownTree(append(dirs, root))
	return nil
}

// chownTree hands the tree to the container user. Best effort: bind mounts
// still work without it on engines with userns remapping, so failures are
// logged and ignored.
func (m *Materializer) chownTree(dirs []string) {
	if goruntime.GOOS == "windows" {
		return
	}
	for _, dir := range dirs {
		if err := os.Chown(dir, defaults.AgentUID, defaults.AgentGID); err != nil {
			m.cfg.Log.Warn("Failed to chown agent directory.", "dir", dir, "error", err)
		}
	}
}

// Remove deletes the whole per-deployment tree.
func (m *Materializer) Remove(deploymentID string) error {
	if deploymentID == "" {
		return trace.BadParameter("missing deployment id")
	}
	return trace.ConvertSystemError(os.RemoveAll(filepath.Join(m.cfg.DataPath, deploymentID)))
}

func (m *Materializer) writeJSON(path string, doc any, mode os.FileMode) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	if err := os.WriteFile(path, append(data, '\n'), mode); err != nil {
		return trace.ConvertSystemError(err)
	}
	// WriteFile only applies the mode on create; clamp pre-existing files.
	return trace.ConvertSystemError(os.Chmod(path, mode))
}
