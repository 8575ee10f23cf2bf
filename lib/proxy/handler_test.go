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

package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/fleetd/lib/storage"
	"github.com/openclaw/fleetd/lib/types"
)

const testDomain = "openclaw.test"

// recordingWaker counts wake calls, optionally blocks to keep the
// singleflight window open, and, when given a deployments handle, completes
// the wake by marking the record healthy on a port the way the orchestrator
// would.
type recordingWaker struct {
	calls atomic.Int64
	block chan struct{}

	deployments storage.Deployments
	port        int
	err         error
}

func (r *recordingWaker) Wake(ctx context.Context, deploymentID string) error {
	r.calls.Add(1)
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
		}
	}
	if r.err != nil {
		return r.err
	}
	if r.deployments == nil {
		return nil
	}
	return r.deployments.Update(ctx, deploymentID, storage.DeploymentUpdate{
		Status:       storage.Ptr(types.StatusHealthy),
		InternalPort: storage.Ptr(r.port),
	})
}

type testProxy struct {
	handler     *Handler
	deployments storage.Deployments
	agents      *recordingWaker
	clock       *clockwork.FakeClock
}

func newTestProxy(t *testing.T, fallback http.Handler) *testProxy {
	t.Helper()
	clock := clockwork.NewFakeClock()
	backend := storage.NewMemoryBackend(clock)
	agents := &recordingWaker{deployments: backend.Deployments()}

	waker, err := NewWaker(WakerConfig{
		Deployments:  backend.Deployments(),
		Agents:       agents,
		Timeout:      time.Second,
		PollInterval: 10 * time.Millisecond,
		Clock:        clockwork.NewRealClock(),
	})
	require.NoError(t, err)

	handler, err := NewHandler(HandlerConfig{
		Deployments:    backend.Deployments(),
		Waker:          waker,
		Domain:         testDomain,
		Fallback:       fallback,
		ForwardTimeout: time.Second,
		Clock:          clock,
	})
	require.NoError(t, err)

	return &testProxy{
		handler:     handler,
		deployments: backend.Deployments(),
		agents:      agents,
		clock:       clock,
	}
}

// createDeployment inserts a deployment record in the given state.
func (p *testProxy) createDeployment(t *testing.T, id, subdomain string, status types.DeploymentStatus, port int) {
	t.Helper()
	require.NoError(t, p.deployments.Create(context.Background(), &types.Deployment{
		ID: id, UserID: "u-" + id, Subdomain: subdomain, Status: status,
	}))
	if port != 0 {
		require.NoError(t, p.deployments.Update(context.Background(), id, storage.DeploymentUpdate{
			InternalPort: storage.Ptr(port),
		}))
	}
}

// startAgent runs a local HTTP server standing in for an agent container and
// returns its port.
func startAgent(t *testing.T, handler http.Handler) int {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

func doRequest(t *testing.T, h http.Handler, host, path string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "http://"+host+path, nil)
	r.Host = host
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body
}

func TestExtractSubdomain(t *testing.T) {
	tests := []struct {
		host string
		want string
		ok   bool
	}{
		{host: "alice.openclaw.test", want: "alice", ok: true},
		{host: "alice.openclaw.test:8080", want: "alice", ok: true},
		{host: "ALICE.openclaw.test", want: "alice", ok: true},
		{host: "openclaw.test", ok: false},
		{host: "a.b.openclaw.test", ok: false},
		{host: "alice.localhost", want: "alice", ok: true},
		{host: "alice.localhost:3000", want: "alice", ok: true},
		{host: "a.b.localhost", ok: false},
		{host: "unrelated.example.com", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			got, ok := ExtractSubdomain(tt.host, testDomain)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestForwardsToHealthyAgent(t *testing.T) {
	var sawForwardedHost atomic.Value
	port := startAgent(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawForwardedHost.Store(r.Host)
		w.Write([]byte("agent says hi"))
	}))

	p := newTestProxy(t, nil)
	p.createDeployment(t, "d1", "alice", types.StatusHealthy, port)

	w := doRequest(t, p.handler, "alice."+testDomain, "/chat")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "agent says hi", w.Body.String())
	require.Equal(t, "alice."+testDomain, sawForwardedHost.Load(), "original host must reach the agent")
}

func TestUnknownSubdomain(t *testing.T) {
	p := newTestProxy(t, nil)

	w := doRequest(t, p.handler, "ghost."+testDomain, "/")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, CodeDeploymentNotFound, decodeError(t, w).Error)
}

func TestReservedLabelHitsFallback(t *testing.T) {
	fallback := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	p := newTestProxy(t, fallback)
	p.createDeployment(t, "d1", "alice", types.StatusHealthy, 1)

	for _, host := range []string{"www." + testDomain, "api." + testDomain, testDomain} {
		w := doRequest(t, p.handler, host, "/")
		require.Equal(t, http.StatusTeapot, w.Code, host)
	}
}

func TestAPIPathBypassesTenantRouting(t *testing.T) {
	fallback := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	p := newTestProxy(t, fallback)
	p.createDeployment(t, "d1", "alice", types.StatusHealthy, 1)

	// The control plane API is reachable on tenant subdomains too.
	for _, path := range []string{"/api", "/api/deployments"} {
		w := doRequest(t, p.handler, "alice."+testDomain, path)
		require.Equal(t, http.StatusTeapot, w.Code, path)
	}

	// A tenant path that merely resembles the prefix is still the tenant's.
	w := doRequest(t, p.handler, "alice."+testDomain, "/apichat")
	require.NotEqual(t, http.StatusTeapot, w.Code)
}

func TestWakeServesRequestOnceHealthy(t *testing.T) {
	port := startAgent(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("back from sleep"))
	}))

	p := newTestProxy(t, nil)
	p.agents.port = port
	p.createDeployment(t, "d1", "alice", types.StatusStopped, 0)

	// The request that finds the deployment asleep is held through the wake
	// and answered by the agent itself, not with a waking notice.
	w := doRequest(t, p.handler, "alice."+testDomain, "/")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "back from sleep", w.Body.String())
	require.Equal(t, int64(1), p.agents.calls.Load())
}

func TestConcurrentWakesJoinAndAllForward(t *testing.T) {
	port := startAgent(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	p := newTestProxy(t, nil)
	p.agents.port = port
	p.agents.block = make(chan struct{})
	p.createDeployment(t, "d1", "alice", types.StatusError, 0)

	results := make(chan *httptest.ResponseRecorder, 5)
	for range 5 {
		go func() {
			results <- doRequest(t, p.handler, "alice."+testDomain, "/")
		}()
	}

	// All five requests are parked on the same in-flight wake.
	require.Eventually(t, func() bool {
		return p.agents.calls.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(p.agents.block)

	for range 5 {
		select {
		case w := <-results:
			require.Equal(t, http.StatusOK, w.Code)
			require.Equal(t, "ok", w.Body.String())
		case <-time.After(5 * time.Second):
			t.Fatal("request did not finish")
		}
	}
	require.Equal(t, int64(1), p.agents.calls.Load(), "concurrent requests must share one wake")
}

func TestWakeFailureAnswersWaking(t *testing.T) {
	p := newTestProxy(t, nil)
	p.agents.err = errors.New("no capacity left")
	p.createDeployment(t, "d1", "alice", types.StatusStopped, 0)

	w := doRequest(t, p.handler, "alice."+testDomain, "/")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, CodeAgentWaking, decodeError(t, w).Error)
}

func TestTransitionalStates(t *testing.T) {
	p := newTestProxy(t, nil)
	p.createDeployment(t, "d1", "alice", types.StatusStarting, 0)
	p.createDeployment(t, "d2", "bob", types.StatusIdle, 0)

	w := doRequest(t, p.handler, "alice."+testDomain, "/")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, CodeAgentStarting, decodeError(t, w).Error)
	require.Zero(t, p.agents.calls.Load(), "transitional states must not wake")

	w = doRequest(t, p.handler, "bob."+testDomain, "/")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, CodeAgentNotRunning, decodeError(t, w).Error)
}

func TestUpstreamFailure(t *testing.T) {
	// Grab a port and close it so the dial is refused.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	p := newTestProxy(t, nil)
	p.createDeployment(t, "d1", "alice", types.StatusHealthy, port)

	w := doRequest(t, p.handler, "alice."+testDomain, "/")
	require.Equal(t, http.StatusBadGateway, w.Code)
	require.Equal(t, CodeProxyError, decodeError(t, w).Error)
}

func TestTouchThrottle(t *testing.T) {
	port := startAgent(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	p := newTestProxy(t, nil)
	p.createDeployment(t, "d1", "alice", types.StatusHealthy, port)

	ctx := context.Background()
	doRequest(t, p.handler, "alice."+testDomain, "/")

	require.Eventually(t, func() bool {
		d, err := p.deployments.Get(ctx, "d1")
		return err == nil && !d.LastRequestAt.IsZero()
	}, 2*time.Second, 10*time.Millisecond)
	first, err := p.deployments.Get(ctx, "d1")
	require.NoError(t, err)

	// Within the throttle window nothing is written.
	doRequest(t, p.handler, "alice."+testDomain, "/")
	time.Sleep(50 * time.Millisecond)
	second, err := p.deployments.Get(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, first.LastRequestAt, second.LastRequestAt)

	// Past the window the next request touches again.
	p.clock.Advance(2 * time.Minute)
	doRequest(t, p.handler, "alice."+testDomain, "/")
	require.Eventually(t, func() bool {
		d, err := p.deployments.Get(ctx, "d1")
		return err == nil && d.LastRequestAt.After(first.LastRequestAt)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResolverCacheTTL(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	backend := storage.NewMemoryBackend(clock)
	require.NoError(t, backend.Deployments().Create(ctx, &types.Deployment{
		ID: "d1", UserID: "u1", Subdomain: "alice", Status: types.StatusHealthy,
	}))

	cache, err := newResolverCache(resolverCacheConfig{
		deployments: backend.Deployments(),
		clock:       clock,
	})
	require.NoError(t, err)

	d, err := cache.Resolve(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, types.StatusHealthy, d.Status)

	// A storage-side change is invisible until the TTL lapses.
	require.NoError(t, backend.Deployments().Update(ctx, "d1", storage.DeploymentUpdate{
		Status: storage.Ptr(types.StatusStopped),
	}))
	d, err = cache.Resolve(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, types.StatusHealthy, d.Status)

	clock.Advance(6 * time.Second)
	d, err = cache.Resolve(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, types.StatusStopped, d.Status)

	// Non-healthy entries expire on the short TTL.
	require.NoError(t, backend.Deployments().Update(ctx, "d1", storage.DeploymentUpdate{
		Status: storage.Ptr(types.StatusHealthy),
	}))
	clock.Advance(1100 * time.Millisecond)
	d, err = cache.Resolve(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, types.StatusHealthy, d.Status)
}

func TestResolverCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	backend := storage.NewMemoryBackend(clock)
	require.NoError(t, backend.Deployments().Create(ctx, &types.Deployment{
		ID: "d1", UserID: "u1", Subdomain: "alice", Status: types.StatusHealthy,
	}))

	cache, err := newResolverCache(resolverCacheConfig{
		deployments: backend.Deployments(),
		clock:       clock,
	})
	require.NoError(t, err)

	_, err = cache.Resolve(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, backend.Deployments().Update(ctx, "d1", storage.DeploymentUpdate{
		Status: storage.Ptr(types.StatusStopped),
	}))
	cache.Invalidate("alice")

	d, err := cache.Resolve(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, types.StatusStopped, d.Status)
}

func TestWakerPollsUntilHealthy(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	backend := storage.NewMemoryBackend(clock)
	require.NoError(t, backend.Deployments().Create(ctx, &types.Deployment{
		ID: "d1", UserID: "u1", Subdomain: "alice", Status: types.StatusStopped,
	}))

	agents := &recordingWaker{}
	done := make(chan string, 1)
	waker, err := NewWaker(WakerConfig{
		Deployments:  backend.Deployments(),
		Agents:       agents,
		Timeout:      2 * time.Second,
		PollInterval: 10 * time.Millisecond,
		OnDone:       func(subdomain string) { done <- subdomain },
	})
	require.NoError(t, err)

	// Simulate the orchestrator finishing the wake out of band: the record
	// flips to healthy a few polls in.
	go func() {
		time.Sleep(30 * time.Millisecond)
		backend.Deployments().Update(ctx, "d1", storage.DeploymentUpdate{
			Status: storage.Ptr(types.StatusHealthy),
		})
	}()

	require.NoError(t, waker.Wake(ctx, "alice", "d1"))

	select {
	case subdomain := <-done:
		require.Equal(t, "alice", subdomain)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the wake to finish")
	}
	require.Equal(t, int64(1), agents.calls.Load())
}
