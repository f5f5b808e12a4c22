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
	"testing"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestRegistryAdmitRemove(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := NewRegistry()

	// Case 0: empty
	assert.Equal(0, uut.Size())
	assert.Empty(uut.All())
	_, ok := uut.Get(uuid.New().String())
	assert.False(ok)

	// Case 1: admit
	conn1 := newFakeConnection()
	conn2 := newFakeConnection()
	assert.True(uut.Admit(conn1))
	assert.True(uut.Admit(conn2))
	assert.False(uut.Admit(conn1))
	assert.Equal(2, uut.Size())
	got, ok := uut.Get(conn1.ID())
	assert.True(ok)
	assert.Equal(conn1.ID(), got.ID())

	// Case 2: remove is idempotent
	assert.True(uut.Remove(conn1.ID()))
	assert.False(uut.Remove(conn1.ID()))
	assert.False(uut.Remove(uuid.New().String()))
	assert.Equal(1, uut.Size())
	all := uut.All()
	assert.Len(all, 1)
	assert.Equal(conn2.ID(), all[0].ID())
}

func TestGroupIndexJoinLeave(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := NewGroupIndex()
	topic1 := BranchTopic(uuid.New().String())
	topic2 := MesaTopic(uuid.New().String())

	// Case 0: absent group
	assert.Empty(uut.MembersOf(topic1))
	assert.False(uut.HasGroup(topic1))
	assert.False(uut.Leave(topic1, uuid.New().String()))

	// Case 1: join is idempotent
	conn1 := newFakeConnection()
	assert.True(uut.Join(topic1, conn1))
	assert.False(uut.Join(topic1, conn1))
	assert.Len(uut.MembersOf(topic1), 1)
	assert.Equal(1, uut.GroupCount(NamespaceBranch))
	assert.Equal(0, uut.GroupCount(NamespaceMesa))

	// Case 2: same key in another namespace is another group
	conn2 := newFakeConnection()
	assert.True(uut.Join(TopicKey{Namespace: NamespaceMesa, Key: topic1.Key}, conn2))
	assert.Len(uut.MembersOf(topic1), 1)
	assert.Equal(conn1.ID(), uut.MembersOf(topic1)[0].ID())

	// Case 3: leaving by a non-member is a no-op
	assert.True(uut.Join(topic2, conn2))
	assert.False(uut.Leave(topic2, conn1.ID()))
	assert.Len(uut.MembersOf(topic2), 1)

	// Case 4: last leave deletes the group
	assert.True(uut.Leave(topic1, conn1.ID()))
	assert.False(uut.HasGroup(topic1))
	assert.Empty(uut.MembersOf(topic1))
	assert.Equal(0, uut.GroupCount(NamespaceBranch))
	assert.Empty(uut.Keys(NamespaceBranch))
	assert.ElementsMatch([]string{topic1.Key, topic2.Key}, uut.Keys(NamespaceMesa))
	assert.Equal(2, uut.GroupCount(NamespaceMesa))
}

func TestLifecycleJoinReplaceClose(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	registry := NewRegistry()
	groups := NewGroupIndex()
	uut := NewLifecycleManager(registry, groups)

	conn := newFakeConnection()
	assert.True(uut.OnAdmit(conn))
	assert.False(uut.OnAdmit(conn))

	// Case 0: unknown connection or empty key
	_, err := uut.OnJoin(uuid.New().String(), BranchTopic("b1"))
	assert.ErrorIs(err, ErrUnknownConnection)
	_, err = uut.OnJoin(conn.ID(), BranchTopic(""))
	assert.ErrorIs(err, ErrEmptyTopic)

	// Case 1: join across namespaces
	result, err := uut.OnJoin(conn.ID(), TrackingTopic("T1"))
	assert.Nil(err)
	assert.True(result.Joined)
	assert.Nil(result.Replaced)
	result, err = uut.OnJoin(conn.ID(), BranchTopic("b1"))
	assert.Nil(err)
	assert.True(result.Joined)
	assert.Len(uut.JoinedTopics(conn.ID()), 2)

	// Case 2: re-joining the same key
	result, err = uut.OnJoin(conn.ID(), BranchTopic("b1"))
	assert.Nil(err)
	assert.False(result.Joined)
	assert.Nil(result.Replaced)
	assert.Len(groups.MembersOf(BranchTopic("b1")), 1)

	// Case 3: another key in the same namespace replaces the old one
	result, err = uut.OnJoin(conn.ID(), BranchTopic("b2"))
	assert.Nil(err)
	assert.True(result.Joined)
	assert.NotNil(result.Replaced)
	assert.Equal(BranchTopic("b1"), *result.Replaced)
	assert.False(groups.HasGroup(BranchTopic("b1")))
	assert.True(groups.HasGroup(BranchTopic("b2")))
	assert.True(groups.HasGroup(TrackingTopic("T1")))

	// Case 4: close removes every membership
	assert.True(uut.OnClose(conn.ID()))
	assert.False(groups.HasGroup(BranchTopic("b2")))
	assert.False(groups.HasGroup(TrackingTopic("T1")))
	assert.Equal(0, registry.Size())
	assert.Nil(uut.JoinedTopics(conn.ID()))

	// Case 5: close is idempotent
	assert.False(uut.OnClose(conn.ID()))
}

func TestDispatcherDelivery(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	registry := NewRegistry()
	groups := NewGroupIndex()
	lifecycle := NewLifecycleManager(registry, groups)
	uut := NewDispatcher(registry, groups)

	topic := BranchTopic("b1")
	conns := []*fakeConnection{newFakeConnection(), newFakeConnection(), newFakeConnection()}
	for _, conn := range conns {
		assert.True(lifecycle.OnAdmit(conn))
		_, err := lifecycle.OnJoin(conn.ID(), topic)
		assert.Nil(err)
	}
	outsider := newFakeConnection()
	assert.True(lifecycle.OnAdmit(outsider))

	// Case 0: unknown topic
	assert.Equal(0, uut.Broadcast(BranchTopic("b2"), []byte("m0")))

	// Case 1: every member receives
	assert.Equal(3, uut.Broadcast(topic, []byte("m1")))
	for _, conn := range conns {
		assert.Equal([]string{"m1"}, conn.messages())
	}
	assert.Empty(outsider.messages())

	// Case 2: closed and failing connections are skipped
	conns[0].setOpen(false)
	conns[1].failSend = true
	assert.Equal(1, uut.Broadcast(topic, []byte("m2")))
	assert.Equal([]string{"m1"}, conns[0].messages())
	assert.Equal([]string{"m1", "m2"}, conns[2].messages())

	// Case 3: broadcast to all
	conns[1].failSend = false
	assert.Equal(3, uut.BroadcastAll([]byte("m3")))
	assert.Equal([]string{"m3"}, outsider.messages())
	assert.Equal([]string{"m1", "m2", "m3"}, conns[2].messages())
}
