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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/fleetd/lib/types"
)

// wsEcho is an agent gateway stand-in that echoes every message back.
func wsEcho(t *testing.T) http.Handler {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	})
}

func TestWebSocketRelay(t *testing.T) {
	agentPort := startAgent(t, wsEcho(t))

	p := newTestProxy(t, nil)
	p.createDeployment(t, "d1", "alice", types.StatusHealthy, agentPort)

	front := httptest.NewServer(p.handler)
	defer front.Close()

	wsURL := "ws" + strings.TrimPrefix(front.URL, "http") + "/gateway"
	header := http.Header{"Host": []string{"alice." + testDomain}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	mt, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)
	require.Equal(t, "ping", string(msg))
}

func TestWebSocketRejectedWhenNotRunning(t *testing.T) {
	p := newTestProxy(t, nil)
	p.createDeployment(t, "d1", "alice", types.StatusStopped, 0)

	r := httptest.NewRequest(http.MethodGet, "http://alice."+testDomain+"/gateway", nil)
	r.Host = "alice." + testDomain
	r.Header.Set("Upgrade", "websocket")
	r.Header.Set("Connection", "Upgrade")
	w := httptest.NewRecorder()
	p.handler.ServeHTTP(w, r)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, CodeAgentNotRunning, decodeError(t, w).Error)
	require.Zero(t, p.agents.calls.Load(), "websockets must not wake agents")
}
