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
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/orderhub/common"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// ErrConnectionClosed is returned when sending on a closed connection
var ErrConnectionClosed = errors.New("connection closed")

// ErrSendQueueFull is returned when a connection's outbound queue has no room
var ErrSendQueueFull = errors.New("outbound queue full")

// WSConnection is one client WebSocket. Messages handed to Send are queued and written in
// order by a single writer goroutine, which also keeps the socket alive with pings.
type WSConnection struct {
	goutils.Component
	id        string
	conn      *websocket.Conn
	config    common.WebSocketConfig
	outbound  chan []byte
	open      atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewWSConnection wrap an upgraded socket
func NewWSConnection(
	id string, conn *websocket.Conn, config common.WebSocketConfig, queueLen int,
) *WSConnection {
	instance := &WSConnection{
		Component: goutils.Component{
			LogTags: log.Fields{
				"module": "dataplane", "component": "ws-connection", "instance": id,
			},
		},
		id:       id,
		conn:     conn,
		config:   config,
		outbound: make(chan []byte, queueLen),
		done:     make(chan struct{}),
	}
	instance.open.Store(true)
	return instance
}

// ID unique ID of the connection
func (c *WSConnection) ID() string {
	return c.id
}

// IsOpen whether the connection can still accept messages
func (c *WSConnection) IsOpen() bool {
	return c.open.Load()
}

// Send enqueue an encoded message for the writer. Never blocks.
func (c *WSConnection) Send(msg []byte) error {
	if !c.open.Load() {
		return ErrConnectionClosed
	}
	select {
	case c.outbound <- msg:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Shutdown mark the connection closed and stop the writer. Safe to call repeatedly.
func (c *WSConnection) Shutdown() {
	c.closeOnce.Do(func() {
		c.open.Store(false)
		close(c.done)
	})
}

// Done is closed once the connection is shut down
func (c *WSConnection) Done() <-chan struct{} {
	return c.done
}

// StartWriter start the writer goroutine. The socket is closed when the writer exits.
func (c *WSConnection) StartWriter(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer log.WithFields(c.LogTags).Debug("Writer exiting")
		defer func() {
			if err := c.conn.Close(); err != nil {
				log.WithError(err).WithFields(c.LogTags).Debug("Socket close failed")
			}
		}()
		defer c.Shutdown()

		writeWait := time.Second * time.Duration(c.config.WriteWait)
		ticker := time.NewTicker(time.Second * time.Duration(c.config.PingInterval))
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				_ = c.conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait),
				)
				return
			case msg := <-c.outbound:
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					log.WithError(err).WithFields(c.LogTags).Debug("Write failed")
					return
				}
			case <-ticker.C:
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					log.WithError(err).WithFields(c.LogTags).Debug("Ping failed")
					return
				}
			}
		}
	}()
}

// ReadLoop read client messages, passing each to the handler, until the socket fails or
// the peer closes it. Blocks.
func (c *WSConnection) ReadLoop(handler func(raw []byte)) {
	pongWait := time.Second * time.Duration(c.config.PongWait)
	c.conn.SetReadLimit(c.config.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		msgType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseNormalClosure,
			) {
				log.WithError(err).WithFields(c.LogTags).Info("Socket closed unexpectedly")
			}
			return
		}
		if msgType != websocket.TextMessage {
			log.WithFields(c.LogTags).Debugf("Ignoring message of type %d", msgType)
			continue
		}
		handler(raw)
	}
}
