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
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/orderhub/bridge"
	"github.com/alwitt/orderhub/common"
	"github.com/alwitt/orderhub/hub"
	"github.com/alwitt/orderhub/storage"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testOrderLookup serves orders from a fixed table
type testOrderLookup map[string]common.Order

func (l testOrderLookup) GetOrderByTrackingID(_ context.Context, trackingID string) (common.Order, error) {
	order, ok := l[trackingID]
	if !ok {
		return common.Order{}, storage.ErrOrderNotFound
	}
	return order, nil
}

var testSocketConfig = common.WebSocketConfig{
	Path:            "/ws",
	ReadBuffer:      1024,
	WriteBuffer:     1024,
	MaxMessageBytes: 4096,
	PingInterval:    1,
	PongWait:        2,
	WriteWait:       1,
}

var testHubConfig = common.HubConfig{TaskBuffer: 16, SendQueueLen: 16, RequestTimeout: 2000}

type sessionFixture struct {
	hub     hub.Hub
	manager *SessionManager
	server  *httptest.Server
	ctxt    context.Context
	stop    func()
}

func defineSessionFixture(t *testing.T, lookup storage.OrderLookup) sessionFixture {
	ctxt, cancel := context.WithCancel(context.Background())
	snapshots := map[hub.Namespace]hub.SnapshotSource{
		hub.NamespaceTracking: bridge.NewTrackingSnapshotter(lookup, time.Second),
	}
	theHub, err := hub.GetHub(ctxt, "session-test", testHubConfig.TaskBuffer, snapshots)
	require.Nil(t, err)
	wg := sync.WaitGroup{}
	require.Nil(t, theHub.Start(&wg))
	manager := NewSessionManager(theHub, testSocketConfig, testHubConfig)
	server := httptest.NewServer(manager)
	return sessionFixture{
		hub: theHub, manager: manager, server: server, ctxt: ctxt,
		stop: func() {
			manager.CloseAll()
			server.Close()
			_ = theHub.Stop()
			wg.Wait()
			cancel()
		},
	}
}

func (f sessionFixture) dial(t *testing.T) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	socket, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.Nil(t, err)
	return socket
}

// waitForMembers wait until a topic has the expected number of members
func (f sessionFixture) waitForMembers(t *testing.T, topic hub.TopicKey, count int) {
	assert.Eventually(t, func() bool {
		members, err := f.hub.MembersOf(f.ctxt, topic)
		return err == nil && len(members) == count
	}, time.Second*2, time.Millisecond*10)
}

func readText(t *testing.T, socket *websocket.Conn, timeout time.Duration) (string, error) {
	_ = socket.SetReadDeadline(time.Now().Add(timeout))
	msgType, raw, err := socket.ReadMessage()
	if err != nil {
		return "", err
	}
	assert.Equal(t, websocket.TextMessage, msgType)
	return string(raw), nil
}

func TestSessionTrackingFlow(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	fixture := defineSessionFixture(t, testOrderLookup{
		"T1": {ID: "o1", TrackingID: "T1", Status: "ready_to_send"},
	})
	defer fixture.stop()

	customer := fixture.dial(t)
	defer customer.Close()
	rider := fixture.dial(t)
	defer rider.Close()

	// Case 0: joining a tracked order yields exactly the status snapshot
	assert.Nil(customer.WriteMessage(websocket.TextMessage, []byte(`{"type":"join","trackingId":"T1"}`)))
	msg, err := readText(t, customer, time.Second)
	assert.Nil(err)
	assert.JSONEq(`{"type":"status","status":"ready_to_send"}`, msg)
	fixture.waitForMembers(t, hub.TrackingTopic("T1"), 1)

	// Case 1: malformed messages are dropped, the socket stays usable
	assert.Nil(rider.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	assert.Nil(rider.WriteMessage(websocket.TextMessage, []byte(`{"type":"location","trackingId":"T1"}`)))

	// Case 2: rider location reaches the tracking group
	assert.Nil(rider.WriteMessage(
		websocket.TextMessage, []byte(`{"type":"location","trackingId":"T1","lat":1.5,"lng":2.5}`),
	))
	msg, err = readText(t, customer, time.Second)
	assert.Nil(err)
	assert.JSONEq(`{"type":"update","lat":1.5,"lng":2.5}`, msg)

	// The rider did not join, so receives nothing
	_, err = readText(t, rider, time.Millisecond*200)
	assert.NotNil(err)

	// Case 3: closing the socket removes it from its groups
	assert.Nil(customer.Close())
	fixture.waitForMembers(t, hub.TrackingTopic("T1"), 0)
	assert.Eventually(func() bool {
		return fixture.manager.SessionCount() == 0
	}, time.Second*2, time.Millisecond*10)
}

func TestSessionBranchRelay(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	fixture := defineSessionFixture(t, testOrderLookup{})
	defer fixture.stop()

	north1 := fixture.dial(t)
	defer north1.Close()
	north2 := fixture.dial(t)
	defer north2.Close()
	south := fixture.dial(t)
	defer south.Close()

	assert.Nil(north1.WriteMessage(websocket.TextMessage, []byte(`{"type":"join-branch","branch":"north"}`)))
	assert.Nil(north2.WriteMessage(websocket.TextMessage, []byte(`{"type":"join-branch","branch":"north"}`)))
	assert.Nil(south.WriteMessage(websocket.TextMessage, []byte(`{"type":"join-branch","branch":"south"}`)))
	fixture.waitForMembers(t, hub.BranchTopic("north"), 2)
	fixture.waitForMembers(t, hub.BranchTopic("south"), 1)

	relay := bridge.NewChangeFeedRelay(fixture.hub, []string{"pending", "preparing", "ready_to_send"})
	assert.Nil(relay.HandleChange(fixture.ctxt, common.OrderChange{
		Kind:  common.ChangeModified,
		Order: common.Order{ID: "o1", Branch: "north", Status: "preparing"},
	}))

	for _, socket := range []*websocket.Conn{north1, north2} {
		msg, err := readText(t, socket, time.Second)
		assert.Nil(err)
		assert.Contains(msg, `"type":"order-updated"`)
		assert.Contains(msg, `"branch":"north"`)
	}
	_, err := readText(t, south, time.Millisecond*200)
	assert.NotNil(err)
}

func TestSessionMesaJoin(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	fixture := defineSessionFixture(t, testOrderLookup{})
	defer fixture.stop()

	diner := fixture.dial(t)
	defer diner.Close()

	// Numeric mesa IDs are accepted
	assert.Nil(diner.WriteMessage(
		websocket.TextMessage, []byte(`{"type":"join-mesa","slug":"tacos","mesaId":7}`),
	))
	fixture.waitForMembers(t, hub.MesaTopic("tacos:7"), 1)

	// Joining another table leaves the first
	assert.Nil(diner.WriteMessage(
		websocket.TextMessage, []byte(`{"type":"join-mesa","slug":"tacos","mesaId":"8"}`),
	))
	fixture.waitForMembers(t, hub.MesaTopic("tacos:8"), 1)
	fixture.waitForMembers(t, hub.MesaTopic("tacos:7"), 0)

	delivered, err := fixture.hub.Broadcast(
		fixture.ctxt, hub.MesaTopic("tacos:8"), common.NewEventMessage(common.MsgTypeVentaActualizada),
	)
	assert.Nil(err)
	assert.Equal(1, delivered)
	msg, err := readText(t, diner, time.Second)
	assert.Nil(err)
	assert.JSONEq(`{"type":"venta-actualizada"}`, msg)
}

func TestConnectionSendAfterShutdown(t *testing.T) {
	assert := assert.New(t)

	uut := NewWSConnection("conn-1", nil, testSocketConfig, 1)
	assert.True(uut.IsOpen())
	assert.Nil(uut.Send([]byte("a")))
	assert.ErrorIs(uut.Send([]byte("b")), ErrSendQueueFull)
	uut.Shutdown()
	uut.Shutdown()
	assert.False(uut.IsOpen())
	assert.ErrorIs(uut.Send([]byte("c")), ErrConnectionClosed)
	select {
	case <-uut.Done():
	default:
		assert.Fail("done not closed")
	}
}
