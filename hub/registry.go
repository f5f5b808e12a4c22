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

import "time"

// membership is the per connection record of the key last joined in each namespace
type membership map[Namespace]string

// clientRecord is the registry entry of one live connection
type clientRecord struct {
	conn       Connection
	admittedAt time.Time
	joined     membership
}

// Registry tracks every live connection, independent of topic membership
type Registry struct {
	clients map[string]*clientRecord
}

// NewRegistry define a new Registry
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*clientRecord)}
}

// Admit record a new live connection. Returns false if it was already admitted.
func (r *Registry) Admit(conn Connection) bool {
	if _, ok := r.clients[conn.ID()]; ok {
		return false
	}
	r.clients[conn.ID()] = &clientRecord{
		conn: conn, admittedAt: time.Now(), joined: membership{},
	}
	return true
}

// Remove forget a connection. Safe to call for unknown or already removed connections.
func (r *Registry) Remove(connID string) bool {
	if _, ok := r.clients[connID]; !ok {
		return false
	}
	delete(r.clients, connID)
	return true
}

// Get fetch an admitted connection
func (r *Registry) Get(connID string) (Connection, bool) {
	record, ok := r.clients[connID]
	if !ok {
		return nil, false
	}
	return record.conn, true
}

// All list every admitted connection
func (r *Registry) All() []Connection {
	result := make([]Connection, 0, len(r.clients))
	for _, record := range r.clients {
		result = append(result, record.conn)
	}
	return result
}

// Size number of admitted connections
func (r *Registry) Size() int {
	return len(r.clients)
}

func (r *Registry) record(connID string) (*clientRecord, bool) {
	record, ok := r.clients[connID]
	return record, ok
}
