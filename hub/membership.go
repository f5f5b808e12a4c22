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

// JoinResult outcome of a join
type JoinResult struct {
	// Conn is the joining connection
	Conn Connection
	// Joined whether the connection was newly added to the group
	Joined bool
	// Replaced is the topic the connection left to make this join, if any
	Replaced *TopicKey
}

// LifecycleManager keeps the Registry and GroupIndex consistent as connections join
// topics and close. It is the only writer of both.
type LifecycleManager struct {
	goutils.Component
	registry *Registry
	groups   *GroupIndex
}

// NewLifecycleManager define a new LifecycleManager
func NewLifecycleManager(registry *Registry, groups *GroupIndex) *LifecycleManager {
	return &LifecycleManager{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "hub", "component": "lifecycle-manager"},
		},
		registry: registry,
		groups:   groups,
	}
}

// OnAdmit admit a newly opened connection
func (m *LifecycleManager) OnAdmit(conn Connection) bool {
	admitted := m.registry.Admit(conn)
	if admitted {
		log.WithFields(m.LogTags).Debugf("Admitted connection %s", conn.ID())
	}
	return admitted
}

// OnJoin join a connection to a topic. A connection holds at most one key per namespace,
// so joining a different key in a namespace already joined leaves the previous group.
func (m *LifecycleManager) OnJoin(connID string, topic TopicKey) (JoinResult, error) {
	if topic.Key == "" {
		return JoinResult{}, ErrEmptyTopic
	}
	record, ok := m.registry.record(connID)
	if !ok {
		return JoinResult{}, ErrUnknownConnection
	}
	result := JoinResult{Conn: record.conn}
	if previous, ok := record.joined[topic.Namespace]; ok && previous != topic.Key {
		replaced := TopicKey{Namespace: topic.Namespace, Key: previous}
		m.groups.Leave(replaced, connID)
		result.Replaced = &replaced
		log.WithFields(m.LogTags).Debugf("Connection %s left %s", connID, replaced)
	}
	record.joined[topic.Namespace] = topic.Key
	result.Joined = m.groups.Join(topic, record.conn)
	log.WithFields(m.LogTags).Debugf("Connection %s joined %s", connID, topic)
	return result, nil
}

// OnClose remove a closed connection from every group it joined, then from the registry.
// Returns false if the connection was already removed.
func (m *LifecycleManager) OnClose(connID string) bool {
	record, ok := m.registry.record(connID)
	if !ok {
		return false
	}
	for namespace, key := range record.joined {
		m.groups.Leave(TopicKey{Namespace: namespace, Key: key}, connID)
	}
	record.joined = membership{}
	m.registry.Remove(connID)
	log.WithFields(m.LogTags).Debugf("Removed connection %s", connID)
	return true
}

// JoinedTopics list the topics a connection currently belongs to
func (m *LifecycleManager) JoinedTopics(connID string) []TopicKey {
	record, ok := m.registry.record(connID)
	if !ok {
		return nil
	}
	result := make([]TopicKey, 0, len(record.joined))
	for namespace, key := range record.joined {
		result = append(result, TopicKey{Namespace: namespace, Key: key})
	}
	return result
}
