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

package healthcheck

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

// failNDialer refuses the first n dials, then hands back one end of an
// in-memory pipe standing in for the agent gateway.
func failNDialer(n int64) dialFunc {
	var calls atomic.Int64
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if calls.Add(1) <= n {
			return nil, trace.ConnectionProblem(nil, "connection refused")
		}
		client, server := net.Pipe()
		go func() {
			// Drain and close the far end so Close on the near end is clean.
			server.Close()
		}()
		return client, nil
	}
}

func newTestMonitor(t *testing.T, dial dialFunc, timeout time.Duration) *Monitor {
	t.Helper()
	m, err := NewMonitor(MonitorConfig{
		Interval:    5 * time.Millisecond,
		DialTimeout: 5 * time.Millisecond,
		Timeout:     timeout,
		dial:        dial,
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestMonitorReportsHealthy(t *testing.T) {
	m := newTestMonitor(t, failNDialer(3), time.Second)

	healthy := make(chan string, 1)
	err := m.Start(context.Background(), Watch{
		DeploymentID: "d1",
		Port:         20000,
		OnHealthy: func(ctx context.Context, id string) {
			healthy <- id
		},
		OnTimeout: func(ctx context.Context, id string) {
			t.Error("unexpected timeout")
		},
	})
	require.NoError(t, err)

	select {
	case id := <-healthy:
		require.Equal(t, "d1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the healthy callback")
	}

	// The watch deregisters itself after the first success.
	require.Eventually(t, func() bool { return !m.Watching("d1") },
		time.Second, 5*time.Millisecond)
}

func TestMonitorTimeout(t *testing.T) {
	alwaysRefuse := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, trace.ConnectionProblem(nil, "connection refused")
	}
	m := newTestMonitor(t, alwaysRefuse, 30*time.Millisecond)

	timedOut := make(chan string, 1)
	err := m.Start(context.Background(), Watch{
		DeploymentID: "d1",
		Port:         20000,
		OnHealthy: func(ctx context.Context, id string) {
			t.Error("unexpected healthy callback")
		},
		OnTimeout: func(ctx context.Context, id string) {
			timedOut <- id
		},
	})
	require.NoError(t, err)

	select {
	case id := <-timedOut:
		require.Equal(t, "d1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the timeout callback")
	}
}

func TestMonitorCancel(t *testing.T) {
	var fired atomic.Bool
	alwaysRefuse := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, trace.ConnectionProblem(nil, "connection refused")
	}
	m := newTestMonitor(t, alwaysRefuse, time.Second)

	err := m.Start(context.Background(), Watch{
		DeploymentID: "d1",
		Port:         20000,
		OnHealthy:    func(ctx context.Context, id string) { fired.Store(true) },
		OnTimeout:    func(ctx context.Context, id string) { fired.Store(true) },
	})
	require.NoError(t, err)
	require.True(t, m.Watching("d1"))

	m.Cancel("d1")
	require.False(t, m.Watching("d1"))

	time.Sleep(50 * time.Millisecond)
	require.False(t, fired.Load(), "no callback may fire after cancel")
}

func TestMonitorReplacesWatch(t *testing.T) {
	m := newTestMonitor(t, failNDialer(2), time.Second)

	first := make(chan struct{})
	second := make(chan string, 1)

	err := m.Start(context.Background(), Watch{
		DeploymentID: "d1",
		Port:         20000,
		OnHealthy:    func(ctx context.Context, id string) { close(first) },
	})
	require.NoError(t, err)

	// Restarting the watch for the same deployment supersedes the first.
	err = m.Start(context.Background(), Watch{
		DeploymentID: "d1",
		Port:         20001,
		OnHealthy:    func(ctx context.Context, id string) { second <- id },
	})
	require.NoError(t, err)

	select {
	case id := <-second:
		require.Equal(t, "d1", id)
	case <-first:
		t.Fatal("superseded watch fired its callback")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the healthy callback")
	}
}

func TestMonitorClosed(t *testing.T) {
	m := newTestMonitor(t, failNDialer(0), time.Second)
	require.NoError(t, m.Close())

	err := m.Start(context.Background(), Watch{
		DeploymentID: "d1",
		Port:         20000,
		OnHealthy:    func(ctx context.Context, id string) {},
	})
	require.Error(t, err)
}

func TestWatchValidation(t *testing.T) {
	m := newTestMonitor(t, failNDialer(0), time.Second)

	err := m.Start(context.Background(), Watch{Port: 20000, OnHealthy: func(context.Context, string) {}})
	require.True(t, trace.IsBadParameter(err))

	err = m.Start(context.Background(), Watch{DeploymentID: "d1", OnHealthy: func(context.Context, string) {}})
	require.True(t, trace.IsBadParameter(err))

	err = m.Start(context.Background(), Watch{DeploymentID: "d1", Port: 20000})
	require.True(t, trace.IsBadParameter(err))
}
