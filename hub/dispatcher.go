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

package hub

import (
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// Dispatcher delivers encoded messages to the open members of a topic group, or to every
// open connection. It only reads the Registry and GroupIndex.
type Dispatcher struct {
	goutils.Component
	registry *Registry
	groups   *GroupIndex
}

// NewDispatcher define a new Dispatcher
func NewDispatcher(registry *Registry, groups *GroupIndex) *Dispatcher {
	return &Dispatcher{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "hub", "component": "dispatcher"},
		},
		registry: registry,
		groups:   groups,
	}
}

// Broadcast deliver a message to the members of a topic group. Returns the number of
// connections the message was handed to.
func (d *Dispatcher) Broadcast(topic TopicKey, msg []byte) int {
	delivered := d.deliver(d.groups.MembersOf(topic), msg)
	log.WithFields(d.LogTags).Debugf("Delivered to %d connections of %s", delivered, topic)
	return delivered
}

// BroadcastAll deliver a message to every admitted connection
func (d *Dispatcher) BroadcastAll(msg []byte) int {
	delivered := d.deliver(d.registry.All(), msg)
	log.WithFields(d.LogTags).Debugf("Delivered to %d connections", delivered)
	return delivered
}

func (d *Dispatcher) deliver(targets []Connection, msg []byte) int {
	delivered := 0
	for _, conn := range targets {
		// Closed but not yet reaped; the close path will remove it
		if !conn.IsOpen() {
			continue
		}
		if err := conn.Send(msg); err != nil {
			log.WithError(err).WithFields(d.LogTags).Debugf("Skipped connection %s", conn.ID())
			continue
		}
		delivered++
	}
	return delivered
}
