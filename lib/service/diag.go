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
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openclaw/fleetd"
)

// newDiagHandler builds the diagnostics endpoint: liveness, readiness, and
// Prometheus metrics. It listens on a separate address from the tenant proxy
// so it is never exposed to tenant traffic.
func (s *Service) newDiagHandler() http.Handler {
	router := httprouter.New()
	router.GET("/healthz", s.handleHealthz)
	router.GET("/readyz", s.handleReadyz)
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	return router
}

func (s *Service) handleHealthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeDiagJSON(w, http.StatusOK, diagStatus{Status: "ok", Version: fleetd.Version})
}

// handleReadyz reports ready only when both storage and the container runtime
// answer. A control plane that cannot reach either cannot serve wakes, so load
// balancers should route around it.
func (s *Service) handleReadyz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	status := diagStatus{Status: "ok", Version: fleetd.Version}
	if err := s.backend.Ping(r.Context()); err != nil {
		status.Status = "degraded"
		status.Storage = err.Error()
	}
	if err := s.runtime.Ping(r.Context()); err != nil {
		status.Status = "degraded"
		status.Runtime = err.Error()
	}
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeDiagJSON(w, code, status)
}

type diagStatus struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Storage string `json:"storage,omitempty"`
	Runtime string `json:"runtime,omitempty"`
}

func writeDiagJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
