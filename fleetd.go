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

// Package fleetd contains constants shared across the fleetd control plane.
package fleetd

const (
	// Version is the semantic version of the fleetd control plane.
	Version = "0.4.0"

	// ComponentKey is the structured logging attribute carrying the component
	// name.
	ComponentKey = "component"

	// ComponentOrchestrator is the component name used by the container
	// orchestrator in logs and metrics.
	ComponentOrchestrator = "orchestrator"

	// ComponentProxy is the component name used by the tenant reverse proxy.
	ComponentProxy = "proxy"

	// ComponentReaper is the component name used by the reconciliation loop.
	ComponentReaper = "reaper"

	// ComponentPorts is the component name used by the host port allocator.
	ComponentPorts = "ports"

	// ComponentHealth is the component name used by the agent health monitor.
	ComponentHealth = "healthcheck"

	// ComponentStorage is the component name used by the persistence layer.
	ComponentStorage = "storage"

	// ComponentAgentConf is the component name used by the agent config
	// materializer.
	ComponentAgentConf = "agentconf"

	// ComponentService is the component name used by the top-level service
	// supervisor.
	ComponentService = "service"

	// ComponentRuntime is the component name used by the container runtime
	// adapter.
	ComponentRuntime = "runtime"
)

// Component generates a "component:subcomponent" tag for structured logging.
func Component(parts ...string) string {
	out := ""
	for i, part := range parts {
		if i > 0 {
			out += ":"
		}
		out += part
	}
	return out
}
