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

// Package proxy routes tenant traffic from subdomains to agent containers,
// waking hibernated deployments on demand.
package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/openclaw/fleetd/lib/defaults"
	"github.com/openclaw/fleetd/lib/storage"
	"github.com/openclaw/fleetd/lib/types"
)

// Error codes returned to tenants in JSON bodies.
const (
	CodeDeploymentNotFound = "DEPLOYMENT_NOT_FOUND"
	CodeAgentWaking        = "AGENT_WAKING"
	CodeAgentStarting      = "AGENT_STARTING"
	CodeAgentNotRunning    = "AGENT_NOT_RUNNING"
	CodeProxyError         = "PROXY_ERROR"
)

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	// Deployments is the deployment collection.
	Deployments storage.Deployments
	// Waker wakes sleeping deployments on inbound traffic.
	Waker *Waker
	// Domain is the apex domain tenants live under ("example.com" serves
	// tenants at "<subdomain>.example.com"). Single-label hosts such as
	// "alice.localhost" are always recognized for local development.
	Domain string
	// Fallback handles requests that do not target a tenant subdomain:
	// the apex itself and reserved labels like www and api. When nil such
	// requests get a 404.
	Fallback http.Handler

	// CacheTTL and CacheNotHealthyTTL tune the resolver cache.
	CacheTTL           time.Duration
	CacheNotHealthyTTL time.Duration
	// ForwardTimeout bounds the upstream dial and response header wait.
	ForwardTimeout time.Duration
	// TouchThrottle is the minimum interval between lastRequestAt writes per
	// subdomain.
	TouchThrottle time.Duration

	// UpstreamHost is the address agent ports are published on.
	UpstreamHost string
	// Clock drives cache expiry and touch throttling.
	Clock clockwork.Clock
	// Log is the handler's logger.
	Log *slog.Logger
}

func (c *HandlerConfig) checkAndSetDefaults() error {
	if c.Deployments == nil {
		return trace.BadParameter("missing deployments collection")
	}
	if c.Waker == nil {
		return trace.BadParameter("missing waker")
	}
	if c.ForwardTimeout == 0 {
		c.ForwardTimeout = defaults.ProxyForwardTimeout
	}
	if c.TouchThrottle == 0 {
		c.TouchThrottle = defaults.TouchThrottle
	}
	if c.UpstreamHost == "" {
		c.UpstreamHost = "127.0.0.1"
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

// Handler is the tenant-facing reverse proxy.
type Handler struct {
	cfg       HandlerConfig
	cache     *resolverCache
	transport *http.Transport

	touchMu sync.Mutex
	touched map[string]time.Time
}

// NewHandler creates a Handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	cache, err := newResolverCache(resolverCacheConfig{
		deployments:   cfg.Deployments,
		ttl:           cfg.CacheTTL,
		notHealthyTTL: cfg.CacheNotHealthyTTL,
		clock:         cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	dialer := &net.Dialer{Timeout: cfg.ForwardTimeout}
	return &Handler{
		cfg:   cfg,
		cache: cache,
		transport: &http.Transport{
			DialContext:           dialer.DialContext,
			ResponseHeaderTimeout: cfg.ForwardTimeout,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConnsPerHost:   8,
		},
		touched: make(map[string]time.Time),
	}, nil
}

// InvalidateCache drops a subdomain's cached resolution. The waker calls it
// through WakerConfig.OnDone.
func (h *Handler) InvalidateCache(subdomain string) {
	h.cache.Invalidate(subdomain)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// The control plane API owns /api on every host, tenant subdomains
	// included.
	if r.URL.Path == "/api" || strings.HasPrefix(r.URL.Path, "/api/") {
		h.fallback(w, r)
		return
	}
	subdomain, ok := ExtractSubdomain(r.Host, h.cfg.Domain)
	if !ok || types.ReservedSubdomains[subdomain] {
		h.fallback(w, r)
		return
	}

	d, err := h.cache.Resolve(r.Context(), subdomain)
	if err != nil {
		if trace.IsNotFound(err) {
			writeError(w, http.StatusNotFound, CodeDeploymentNotFound,
				"No agent is registered under this subdomain.")
			return
		}
		h.cfg.Log.ErrorContext(r.Context(), "Deployment resolution failed.",
			"subdomain", subdomain, "error", err)
		writeError(w, http.StatusBadGateway, CodeProxyError, "Failed to resolve the agent.")
		return
	}

	switch d.Status {
	case types.StatusHealthy:
		h.touch(subdomain, d.ID)
		if IsWebSocketUpgrade(r) {
			h.serveWebSocket(w, r, d)
			return
		}
		h.forward(w, r, d)
	case types.StatusStopped, types.StatusError:
		if IsWebSocketUpgrade(r) {
			// WebSocket clients reconnect on their own; waking here would
			// let an idle tab keep an agent alive forever.
			writeError(w, http.StatusServiceUnavailable, CodeAgentNotRunning,
				"The agent is not running.")
			return
		}
		// Hold the request until the wake finishes, then serve it from the
		// woken agent. Concurrent requests join the same wake.
		if err := h.cfg.Waker.Wake(r.Context(), subdomain, d.ID); err != nil {
			h.cfg.Log.WarnContext(r.Context(), "Wake failed, turning the request away.",
				"subdomain", subdomain, "error", err)
			writeError(w, http.StatusServiceUnavailable, CodeAgentWaking,
				"The agent is waking up. Retry in a few seconds.")
			return
		}
		h.cache.Invalidate(subdomain)
		woken, err := h.cache.Resolve(r.Context(), subdomain)
		if err != nil || woken.Status != types.StatusHealthy {
			writeError(w, http.StatusServiceUnavailable, CodeAgentWaking,
				"The agent is waking up. Retry in a few seconds.")
			return
		}
		h.touch(subdomain, woken.ID)
		h.forward(w, r, woken)
	case types.StatusConfiguring, types.StatusProvisioning, types.StatusStarting, types.StatusRestarting:
		writeError(w, http.StatusServiceUnavailable, CodeAgentStarting,
			"The agent is starting up. Retry in a few seconds.")
	default: // idle
		writeError(w, http.StatusServiceUnavailable, CodeAgentNotRunning,
			"The agent is not running. Start it from the dashboard.")
	}
}

func (h *Handler) fallback(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Fallback != nil {
		h.cfg.Fallback.ServeHTTP(w, r)
		return
	}
	writeError(w, http.StatusNotFound, CodeDeploymentNotFound, "Not found.")
}

// forward proxies one request to the agent's published port.
func (h *Handler) forward(w http.ResponseWriter, r *http.Request, d *types.Deployment) {
	target := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(h.cfg.UpstreamHost, strconv.Itoa(d.InternalPort)),
	}
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Host = pr.In.Host
		},
		Transport: h.transport,
		// Negative interval flushes immediately, keeping streamed agent
		// responses streaming.
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			h.cfg.Log.WarnContext(r.Context(), "Upstream request failed.",
				"deployment_id", d.ID, "error", err)
			writeError(w, http.StatusBadGateway, CodeProxyError,
				"The agent did not answer.")
		},
	}
	requestsTotal.WithLabelValues("forwarded").Inc()
	proxy.ServeHTTP(w, r)
}

// touch records tenant traffic so the reaper's idle clock restarts, at most
// once per throttle window per subdomain. The write happens off the request
// path and only while the deployment stays healthy.
func (h *Handler) touch(subdomain, deploymentID string) {
	now := h.cfg.Clock.Now()
	h.touchMu.Lock()
	if last, ok := h.touched[subdomain]; ok && now.Sub(last) < h.cfg.TouchThrottle {
		h.touchMu.Unlock()
		return
	}
	h.touched[subdomain] = now
	h.touchMu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := h.cfg.Deployments.UpdateWhenStatus(ctx, deploymentID, types.StatusHealthy, storage.DeploymentUpdate{
			LastRequestAt: storage.Ptr(now),
		}); err != nil {
			h.cfg.Log.WarnContext(ctx, "Failed to record tenant traffic.",
				"deployment_id", deploymentID, "error", err)
		}
	}()
}

// ExtractSubdomain returns the tenant label of a request host. It recognizes
// "<label>.<domain>" for the configured domain and "<label>.localhost" for
// local development. Multi-label prefixes and the apex itself do not resolve
// to a tenant.
func ExtractSubdomain(host, domain string) (string, bool) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	if domain != "" {
		if host == domain {
			return "", false
		}
		if label, ok := strings.CutSuffix(host, "."+domain); ok {
			if label == "" || strings.Contains(label, ".") {
				return "", false
			}
			return label, true
		}
	}
	if label, ok := strings.CutSuffix(host, ".localhost"); ok {
		if label == "" || strings.Contains(label, ".") {
			return "", false
		}
		return label, true
	}
	return "", false
}

// IsWebSocketUpgrade reports whether the request asks for a websocket.
func IsWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	requestsTotal.WithLabelValues(code).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: code, Message: message})
}
