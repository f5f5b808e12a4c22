// Copyright 2021-2022 The orderhub Authors
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

package dataplane

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/orderhub/common"
	"github.com/alwitt/orderhub/hub"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// SessionHub is the part of the hub a socket session drives
type SessionHub interface {
	// Admit admit a newly opened connection
	Admit(ctxt context.Context, conn hub.Connection) error
	// Join join an admitted connection to a topic
	Join(ctxt context.Context, connID string, topic hub.TopicKey) error
	// Close remove a connection from every topic and from the registry
	Close(ctxt context.Context, connID string) error
	// Broadcast send a message to the open members of a topic
	Broadcast(ctxt context.Context, topic hub.TopicKey, payload interface{}) (int, error)
}

// SessionManager upgrades HTTP requests to client sockets and runs their sessions
type SessionManager struct {
	goutils.Component
	hub            SessionHub
	upgrader       websocket.Upgrader
	config         common.WebSocketConfig
	queueLen       int
	requestTimeout time.Duration
	wg             sync.WaitGroup
	lock           sync.Mutex
	sessions       map[string]*WSConnection
}

// NewSessionManager define a new SessionManager
func NewSessionManager(
	hub SessionHub, config common.WebSocketConfig, hubConfig common.HubConfig,
) *SessionManager {
	return &SessionManager{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "dataplane", "component": "session-manager"},
		},
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBuffer,
			WriteBufferSize: config.WriteBuffer,
			// Sockets are unauthenticated; any origin may connect
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		config:         config,
		queueLen:       hubConfig.SendQueueLen,
		requestTimeout: time.Millisecond * time.Duration(hubConfig.RequestTimeout),
		sessions:       make(map[string]*WSConnection),
	}
}

// ServeHTTP upgrade the request and run the client session until the socket closes
func (m *SessionManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	socket, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied
		log.WithError(err).WithFields(m.LogTags).Error("Socket upgrade failed")
		return
	}
	conn := NewWSConnection(uuid.New().String(), socket, m.config, m.queueLen)
	logTags := conn.GetLogTagsForContext(r.Context())
	logTags["remote"] = r.RemoteAddr

	// Not tied to the request context, which ends with the hijack
	ctxt, cancel := context.WithTimeout(context.Background(), m.requestTimeout)
	err = m.hub.Admit(ctxt, conn)
	cancel()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to admit connection")
		_ = socket.Close()
		return
	}
	m.track(conn)
	conn.StartWriter(&m.wg)
	log.WithFields(logTags).Info("Session started")

	conn.ReadLoop(func(raw []byte) { m.handleMessage(conn, raw) })

	conn.Shutdown()
	m.untrack(conn)
	ctxt, cancel = context.WithTimeout(context.Background(), m.requestTimeout)
	defer cancel()
	if err := m.hub.Close(ctxt, conn.ID()); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to remove connection")
	}
	log.WithFields(logTags).Info("Session ended")
}

// handleMessage act on one client message. Malformed messages are logged and dropped.
func (m *SessionManager) handleMessage(conn *WSConnection, raw []byte) {
	msg, err := common.ParseClientMessage(raw)
	if err != nil {
		log.WithError(err).WithFields(conn.LogTags).Warn("Dropping client message")
		return
	}
	ctxt, cancel := context.WithTimeout(context.Background(), m.requestTimeout)
	defer cancel()

	switch msg.Type {
	case common.MsgTypeJoin:
		err = m.hub.Join(ctxt, conn.ID(), hub.TrackingTopic(string(msg.TrackingID)))
	case common.MsgTypeJoinBranch:
		err = m.hub.Join(ctxt, conn.ID(), hub.BranchTopic(msg.Branch))
	case common.MsgTypeJoinMesa:
		err = m.hub.Join(
			ctxt, conn.ID(), hub.MesaTopic(common.MesaKey(msg.Slug, string(msg.MesaID))),
		)
	case common.MsgTypeLocation:
		_, err = m.hub.Broadcast(
			ctxt,
			hub.TrackingTopic(string(msg.TrackingID)),
			common.NewLocationUpdateMessage(*msg.Lat, *msg.Lng),
		)
	}
	if err != nil {
		if errors.Is(err, hub.ErrUnknownConnection) {
			log.WithFields(conn.LogTags).Debug("Message arrived after close")
			return
		}
		log.WithError(err).WithFields(conn.LogTags).Errorf("Unable to process '%s'", msg.Type)
	}
}

func (m *SessionManager) track(conn *WSConnection) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.sessions[conn.ID()] = conn
}

func (m *SessionManager) untrack(conn *WSConnection) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.sessions, conn.ID())
}

// SessionCount number of running sessions
func (m *SessionManager) SessionCount() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.sessions)
}

// CloseAll shut down every session and wait for their writers to exit
func (m *SessionManager) CloseAll() {
	m.lock.Lock()
	for _, conn := range m.sessions {
		conn.Shutdown()
	}
	m.lock.Unlock()
	m.wg.Wait()
	log.WithFields(m.LogTags).Info("All sessions closed")
}
