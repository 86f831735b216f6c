// Copyright 2021-2022 The gqlgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/gqlgate/common"
	"github.com/alwitt/gqlgate/gateway"
	"github.com/alwitt/gqlgate/protocol"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ProtocolQueryParam query parameter a client uses to pick its wire vocabulary
const ProtocolQueryParam = "protocol"

// socket one live WebSocket connection
type socket struct {
	conn      *websocket.Conn
	writeLock sync.Mutex
}

// WebSocketServer terminates client WebSockets, turning them into gateway route
// events, and pushes data back to them
type WebSocketServer struct {
	common.Component
	upgrader     websocket.Upgrader
	endpoint     string
	writeTimeout time.Duration
	handler      gateway.Handler
	lock         sync.RWMutex
	sockets      map[string]*socket
}

// NewWebSocketServer define a new WebSocket server
func NewWebSocketServer(endpoint string, writeTimeout time.Duration) *WebSocketServer {
	logTags := log.Fields{"module": "transport", "component": "websocket", "instance": endpoint}
	return &WebSocketServer{
		Component: common.Component{LogTags: logTags},
		upgrader: websocket.Upgrader{
			Subprotocols: []string{protocol.WebSocketSubprotocol},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
		endpoint:     endpoint,
		writeTimeout: writeTimeout,
		sockets:      make(map[string]*socket),
	}
}

// AttachHandler set the handler receiving route events. Must be called before serving.
func (s *WebSocketServer) AttachHandler(handler gateway.Handler) {
	s.handler = handler
}

func (s *WebSocketServer) lookup(connectionID string) (*socket, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	sock, ok := s.sockets[connectionID]
	return sock, ok
}

func (s *WebSocketServer) remove(connectionID string) (*socket, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	sock, ok := s.sockets[connectionID]
	delete(s.sockets, connectionID)
	return sock, ok
}

// Send push data to a connection
func (s *WebSocketServer) Send(_ context.Context, connectionID string, data []byte) error {
	sock, ok := s.lookup(connectionID)
	if !ok {
		return common.ErrConnectionGone
	}
	sock.writeLock.Lock()
	defer sock.writeLock.Unlock()
	if err := sock.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return fmt.Errorf("%w: %s", common.ErrConnectionGone, err.Error())
	}
	if err := sock.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Write to %s failed", connectionID)
		return fmt.Errorf("%w: %s", common.ErrConnectionGone, err.Error())
	}
	return nil
}

// Close close a connection from the server side
func (s *WebSocketServer) Close(_ context.Context, connectionID string) error {
	sock, ok := s.remove(connectionID)
	if !ok {
		return common.ErrConnectionGone
	}
	sock.writeLock.Lock()
	defer sock.writeLock.Unlock()
	_ = sock.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ""),
		time.Now().Add(s.writeTimeout),
	)
	return sock.conn.Close()
}

// ActiveConnections number of open sockets
func (s *WebSocketServer) ActiveConnections() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.sockets)
}

// Shutdown close every open socket
func (s *WebSocketServer) Shutdown(ctxt context.Context) {
	s.lock.RLock()
	ids := make([]string, 0, len(s.sockets))
	for id := range s.sockets {
		ids = append(ids, id)
	}
	s.lock.RUnlock()
	for _, id := range ids {
		if err := s.Close(ctxt, id); err != nil {
			log.WithError(err).WithFields(s.LogTags).Debugf("Closing %s", id)
		}
	}
}

// ServeHTTP upgrade a request and run its read loop until the socket closes
func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.handler == nil {
		http.Error(w, "gateway not ready", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("WebSocket upgrade failed")
		return
	}
	ctxt := r.Context()
	connectionID := uuid.New().String()
	logTags := common.UpdateLogTags(ctxt, s.LogTags)
	logTags["connection_id"] = connectionID

	variant := common.ProtocolVariant(r.URL.Query().Get(ProtocolQueryParam))
	if variant != common.ProtocolCurrent && variant != common.ProtocolLegacy {
		variant = ""
	}

	s.lock.Lock()
	s.sockets[connectionID] = &socket{conn: conn}
	s.lock.Unlock()

	resp := s.handler.HandleEvent(ctxt, gateway.RouteEvent{
		RouteKey:     gateway.RouteConnect,
		ConnectionID: connectionID,
		Endpoint:     s.endpoint,
		Protocol:     variant,
		RequestID:    uuid.New().String(),
	})
	if resp.StatusCode != http.StatusOK {
		log.WithFields(logTags).Infof("Connection refused with %d", resp.StatusCode)
		if _, ok := s.remove(connectionID); ok {
			_ = conn.Close()
		}
		return
	}
	log.WithFields(logTags).Debug("Connection opened")

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			log.WithError(err).WithFields(logTags).Debug("Read loop ending")
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		resp := s.handler.HandleEvent(ctxt, gateway.RouteEvent{
			RouteKey:     gateway.RouteDefault,
			ConnectionID: connectionID,
			Endpoint:     s.endpoint,
			Body:         msg,
			RequestID:    uuid.New().String(),
		})
		// failures are not pushed by the handler
		if resp.StatusCode >= http.StatusInternalServerError && len(resp.Body) > 0 {
			if err := s.Send(ctxt, connectionID, resp.Body); err != nil {
				log.WithError(err).WithFields(logTags).Debug("Unable to report failure")
			}
		}
	}

	if sock, ok := s.remove(connectionID); ok {
		_ = sock.conn.Close()
	}
	s.handler.HandleEvent(context.Background(), gateway.RouteEvent{
		RouteKey:     gateway.RouteDisconnect,
		ConnectionID: connectionID,
		Endpoint:     s.endpoint,
		RequestID:    uuid.New().String(),
	})
	log.WithFields(logTags).Debug("Connection closed")
}
