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

package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openclaw/fleetd/lib/config"
	"github.com/openclaw/fleetd/lib/mail"
	"github.com/openclaw/fleetd/lib/runtime"
	"github.com/openclaw/fleetd/lib/storage"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		ProxyAddr:        "127.0.0.1:0",
		DiagAddr:         "127.0.0.1:0",
		EncryptionKey:    bytes.Repeat([]byte{0x17}, 32),
		MinAgentPort:     43400,
		MaxAgentPort:     43450,
		AgentImage:       "ghcr.io/openclaw/agent:test",
		MaxRunningAgents: 2,
		DataPath:         t.TempDir(),
	}
}

func newTestService(t *testing.T, rt runtime.Runtime) *Service {
	t.Helper()
	svc, err := New(context.Background(), newTestConfig(t),
		WithBackend(storage.NewMemoryBackend(nil)),
		WithRuntime(rt),
		WithMailer(mail.DiscardMailer{}),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, svc.Close(context.Background()))
	})
	return svc
}

func TestNewWiresEverything(t *testing.T) {
	svc := newTestService(t, runtime.NewFakeRuntime())

	require.NotNil(t, svc.Orchestrator())
	require.NotNil(t, svc.Backend())
	require.NotNil(t, svc.proxyHandler)
	require.NotNil(t, svc.reaper)
}

func TestNewRequiresEncryptionKey(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.EncryptionKey = nil

	_, err := New(context.Background(), cfg,
		WithBackend(storage.NewMemoryBackend(nil)),
		WithRuntime(runtime.NewFakeRuntime()),
	)
	require.Error(t, err)
}

func TestDiagHealthz(t *testing.T) {
	svc := newTestService(t, runtime.NewFakeRuntime())
	srv := httptest.NewServer(svc.newDiagHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status diagStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.Equal(t, "ok", status.Status)
	require.NotEmpty(t, status.Version)
}

type downRuntime struct {
	runtime.Runtime
}

func (downRuntime) Ping(ctx context.Context) error {
	return errors.New("cannot connect to the container daemon")
}

func TestDiagReadyz(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		svc := newTestService(t, runtime.NewFakeRuntime())
		srv := httptest.NewServer(svc.newDiagHandler())
		defer srv.Close()

		resp, err := http.Get(srv.URL + "/readyz")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("runtime down", func(t *testing.T) {
		svc := newTestService(t, downRuntime{runtime.NewFakeRuntime()})
		srv := httptest.NewServer(svc.newDiagHandler())
		defer srv.Close()

		resp, err := http.Get(srv.URL + "/readyz")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

		var status diagStatus
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
		require.Equal(t, "degraded", status.Status)
		require.Contains(t, status.Runtime, "container daemon")
	})
}

func TestDiagMetrics(t *testing.T) {
	svc := newTestService(t, runtime.NewFakeRuntime())
	srv := httptest.NewServer(svc.newDiagHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRunShutsDownOnCancel(t *testing.T) {
	svc, err := New(context.Background(), newTestConfig(t),
		WithBackend(storage.NewMemoryBackend(nil)),
		WithRuntime(runtime.NewFakeRuntime()),
		WithMailer(mail.DiscardMailer{}),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	// Give the servers a moment to bind, then pull the plug.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("service did not shut down")
	}
}
