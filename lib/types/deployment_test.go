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

package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    DeploymentStatus
		to      DeploymentStatus
		wantErr bool
	}{
		{name: "spawn entry", from: StatusIdle, to: StatusConfiguring},
		{name: "configure to provision", from: StatusConfiguring, to: StatusProvisioning},
		{name: "provision to start", from: StatusProvisioning, to: StatusStarting},
		{name: "start to healthy", from: StatusStarting, to: StatusHealthy},
		{name: "healthy to stopped", from: StatusHealthy, to: StatusStopped},
		{name: "healthy to restarting", from: StatusHealthy, to: StatusRestarting},
		{name: "stopped respawn", from: StatusStopped, to: StatusConfiguring},
		{name: "stopped direct start", from: StatusStopped, to: StatusStarting},
		{name: "restarting back to healthy", from: StatusRestarting, to: StatusHealthy},
		{name: "error respawn", from: StatusError, to: StatusConfiguring},
		{name: "self transition", from: StatusProvisioning, to: StatusProvisioning},
		{name: "escape hatch to error", from: StatusProvisioning, to: StatusError},
		{name: "escape hatch to idle", from: StatusHealthy, to: StatusIdle},

		{name: "idle cannot start", from: StatusIdle, to: StatusStarting, wantErr: true},
		{name: "idle cannot be healthy", from: StatusIdle, to: StatusHealthy, wantErr: true},
		{name: "configuring cannot be healthy", from: StatusConfiguring, to: StatusHealthy, wantErr: true},
		{name: "starting cannot stop", from: StatusStarting, to: StatusStopped, wantErr: true},
		{name: "stopped cannot provision", from: StatusStopped, to: StatusProvisioning, wantErr: true},
		{name: "error cannot start", from: StatusError, to: StatusStarting, wantErr: true},
		{name: "healthy cannot configure", from: StatusHealthy, to: StatusConfiguring, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckTransition(tt.from, tt.to)
			if tt.wantErr {
				require.Error(t, err)
				require.True(t, IsInvalidTransition(err))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

// TestTransitionClosure sweeps the full status product and verifies that
// everything outside the table fails, except the error/idle escapes and self
// transitions.
func TestTransitionClosure(t *testing.T) {
	all := []DeploymentStatus{
		StatusIdle, StatusConfiguring, StatusProvisioning, StatusStarting,
		StatusHealthy, StatusStopped, StatusError, StatusRestarting,
	}
	legal := map[DeploymentStatus]map[DeploymentStatus]bool{
		StatusIdle:         {StatusConfiguring: true, StatusProvisioning: true},
		StatusConfiguring:  {StatusProvisioning: true},
		StatusProvisioning: {StatusStarting: true},
		StatusStarting:     {StatusHealthy: true},
		StatusHealthy:      {StatusStopped: true, StatusRestarting: true},
		StatusStopped:      {StatusIdle: true, StatusConfiguring: true, StatusStarting: true},
		StatusRestarting:   {StatusStarting: true, StatusHealthy: true},
		StatusError:        {StatusConfiguring: true, StatusStopped: true, StatusRestarting: true},
	}
	for _, from := range all {
		for _, to := range all {
			err := CheckTransition(from, to)
			ok := from == to || to == StatusError || to == StatusIdle || legal[from][to]
			if ok {
				require.NoError(t, err, "%v -> %v", from, to)
			} else {
				require.Error(t, err, "%v -> %v", from, to)
			}
		}
	}
}

func TestValidateSubdomain(t *testing.T) {
	tests := []struct {
		subdomain string
		wantErr   bool
	}{
		{subdomain: "alice"},
		{subdomain: "a1-b2_c3"},
		{subdomain: "0x0"},
		{subdomain: "al", wantErr: true},
		{subdomain: "Alice", wantErr: true},
		{subdomain: "-alice", wantErr: true},
		{subdomain: "alice-", wantErr: true},
		{subdomain: "api", wantErr: true},
		{subdomain: "has.dots", wantErr: true},
		{subdomain: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.subdomain, func(t *testing.T) {
			err := ValidateSubdomain(tt.subdomain)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestNewDeployment(t *testing.T) {
	d, err := NewDeployment("user-1", "alice")
	require.NoError(t, err)
	require.NotEmpty(t, d.ID)
	require.Equal(t, StatusIdle, d.Status)

	other, err := NewDeployment("user-1", "bob")
	require.NoError(t, err)
	require.NotEqual(t, d.ID, other.ID)

	_, err = NewDeployment("user-1", "api")
	require.Error(t, err)
}
