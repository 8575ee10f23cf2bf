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

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Tenant requests by outcome.",
		},
		[]string{"outcome"},
	)

	wakesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "proxy",
			Name:      "wakes_total",
			Help:      "Wake attempts triggered by inbound traffic.",
		},
	)
)

// Collectors returns the proxy's prometheus collectors for registration by
// the hosting service.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{requestsTotal, wakesTotal}
}
