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
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/openclaw/fleetd/lib/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Tenant subdomains are the trust boundary; the agent does its own
	// token auth.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// serveWebSocket relays a websocket session between the tenant and the
// agent's gateway.
func (h *Handler) serveWebSocket(w http.ResponseWriter, r *http.Request, d *types.Deployment) {
	log := h.cfg.Log.With("deployment_id", d.ID, "path", r.URL.Path)

	backendURL := url.URL{
		Scheme:   "ws",
		Host:     net.JoinHostPort(h.cfg.UpstreamHost, strconv.Itoa(d.InternalPort)),
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}
	backend, resp, err := websocket.DefaultDialer.DialContext(r.Context(), backendURL.String(), forwardableHeader(r.Header))
	if err != nil {
		log.WarnContext(r.Context(), "Failed to dial agent websocket.", "error", err)
		status := http.StatusBadGateway
		if resp != nil {
			status = resp.StatusCode
		}
		writeError(w, status, CodeProxyError, "The agent did not accept the websocket.")
		return
	}
	defer backend.Close()

	client, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the client.
		log.WarnContext(r.Context(), "Websocket upgrade failed.", "error", err)
		return
	}
	defer client.Close()

	errc := make(chan error, 2)
	go relay(client, backend, errc)
	go relay(backend, client, errc)
	<-errc
}

// relay copies messages from src to dst until either side goes away.
func relay(dst, src *websocket.Conn, errc chan<- error) {
	for {
		messageType, payload, err := src.ReadMessage()
		if err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok {
				msg := websocket.FormatCloseMessage(closeErr.Code, closeErr.Text)
				_ = dst.WriteMessage(websocket.CloseMessage, msg)
			}
			errc <- err
			return
		}
		if err := dst.WriteMessage(messageType, payload); err != nil {
			errc <- err
			return
		}
	}
}

// forwardableHeader strips hop-by-hop and handshake headers that the dialer
// manages itself.
func forwardableHeader(in http.Header) http.Header {
	out := make(http.Header)
	for name, values := range in {
		switch {
		case strings.HasPrefix(name, "Sec-Websocket-"):
		case name == "Upgrade", name == "Connection":
		default:
			out[name] = values
		}
	}
	return out
}
