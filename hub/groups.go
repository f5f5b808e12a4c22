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

// group is the set of connections subscribed to one topic key, keyed by connection ID
type group map[string]Connection

// GroupIndex maps topic keys to the connections subscribed to them. Each namespace is an
// independent group space.
//
// A group which loses its last member is deleted immediately, so an empty group is never
// observable.
type GroupIndex struct {
	namespaces map[Namespace]map[string]group
}

// NewGroupIndex define a new GroupIndex
func NewGroupIndex() *GroupIndex {
	return &GroupIndex{namespaces: make(map[Namespace]map[string]group)}
}

// Join add a connection to a topic group. Returns false if it was already a member.
func (g *GroupIndex) Join(topic TopicKey, conn Connection) bool {
	groups, ok := g.namespaces[topic.Namespace]
	if !ok {
		groups = make(map[string]group)
		g.namespaces[topic.Namespace] = groups
	}
	members, ok := groups[topic.Key]
	if !ok {
		members = make(group)
		groups[topic.Key] = members
	}
	if _, ok := members[conn.ID()]; ok {
		return false
	}
	members[conn.ID()] = conn
	return true
}

// Leave remove a connection from a topic group. Returns false if it was not a member.
func (g *GroupIndex) Leave(topic TopicKey, connID string) bool {
	groups, ok := g.namespaces[topic.Namespace]
	if !ok {
		return false
	}
	members, ok := groups[topic.Key]
	if !ok {
		return false
	}
	if _, ok := members[connID]; !ok {
		return false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(groups, topic.Key)
	}
	if len(groups) == 0 {
		delete(g.namespaces, topic.Namespace)
	}
	return true
}

// MembersOf list the members of a topic group. Empty if the group does not exist.
func (g *GroupIndex) MembersOf(topic TopicKey) []Connection {
	members := g.namespaces[topic.Namespace][topic.Key]
	result := make([]Connection, 0, len(members))
	for _, conn := range members {
		result = append(result, conn)
	}
	return result
}

// HasGroup whether a topic group currently exists
func (g *GroupIndex) HasGroup(topic TopicKey) bool {
	_, ok := g.namespaces[topic.Namespace][topic.Key]
	return ok
}

// GroupCount number of existing groups in a namespace
func (g *GroupIndex) GroupCount(namespace Namespace) int {
	return len(g.namespaces[namespace])
}

// Keys list the keys of the existing groups in a namespace
func (g *GroupIndex) Keys(namespace Namespace) []string {
	groups := g.namespaces[namespace]
	result := make([]string, 0, len(groups))
	for key := range groups {
		result = append(result, key)
	}
	return result
}
