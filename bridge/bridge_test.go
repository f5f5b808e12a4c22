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

package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alwitt/orderhub/common"
	"github.com/alwitt/orderhub/hub"
	"github.com/alwitt/orderhub/storage"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestPushTrigger(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	broadcaster := &testBroadcaster{}
	uut := NewPushTrigger(broadcaster)
	ctxt := context.Background()

	// Case 0: whatsapp goes to everyone
	_, err := uut.NotifyWhatsApp(ctxt)
	assert.Nil(err)

	// Case 1: KDS reload
	_, err = uut.NotifyKDS(ctxt, "north")
	assert.Nil(err)
	_, err = uut.NotifyKDS(ctxt, "")
	var invalid InvalidTriggerError
	assert.True(errors.As(err, &invalid))
	assert.Equal("branch", invalid.Field)

	// Case 2: mesa broadcast
	_, err = uut.BroadcastMesa(ctxt, "tacos:7", "venta-actualizada")
	assert.Nil(err)
	_, err = uut.BroadcastMesa(ctxt, "", "venta-actualizada")
	assert.True(errors.As(err, &invalid))
	assert.Equal("mesaKey", invalid.Field)
	_, err = uut.BroadcastMesa(ctxt, "tacos:7", "")
	assert.True(errors.As(err, &invalid))
	assert.Equal("type", invalid.Field)

	recorded := broadcaster.recorded()
	assert.Len(recorded, 3)
	assert.Nil(recorded[0].topic)
	assert.Equal(`{"type":"whatsapp-new-message"}`, recorded[0].payload)
	assert.Equal(hub.BranchTopic("north"), *recorded[1].topic)
	assert.Equal(`{"type":"reload-orders"}`, recorded[1].payload)
	assert.Equal(hub.MesaTopic("tacos:7"), *recorded[2].topic)
	assert.Equal(`{"type":"venta-actualizada"}`, recorded[2].payload)

	// Case 3: hub failure is reported
	broadcaster.fail = true
	_, err = uut.NotifyKDS(ctxt, "north")
	assert.NotNil(err)
}

func TestChangeFeedRelay(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	broadcaster := &testBroadcaster{}
	uut := NewChangeFeedRelay(broadcaster, []string{"pending", "preparing", "ready_to_send"})
	ctxt := context.Background()

	changes := []common.OrderChange{
		{Kind: common.ChangeModified, Order: common.Order{ID: "o1", Branch: "north", Status: "preparing"}},
		{Kind: common.ChangeAdded, Order: common.Order{ID: "o2", Branch: "south", Status: "pending"}},
		// Not relayed
		{Kind: common.ChangeRemoved, Order: common.Order{ID: "o3", Branch: "north", Status: "pending"}},
		{Kind: common.ChangeModified, Order: common.Order{ID: "o4", Branch: "north", Status: "delivered"}},
		{Kind: common.ChangeAdded, Order: common.Order{ID: "o5", Status: "pending"}},
	}
	for _, change := range changes {
		assert.Nil(uut.HandleChange(ctxt, change))
	}

	recorded := broadcaster.recorded()
	assert.Len(recorded, 2)
	assert.Equal(hub.BranchTopic("north"), *recorded[0].topic)
	assert.Contains(recorded[0].payload, `"type":"order-updated"`)
	assert.Contains(recorded[0].payload, `"id":"o1"`)
	assert.Equal(hub.BranchTopic("south"), *recorded[1].topic)
}

// testOrderLookup serves orders from a fixed table
type testOrderLookup struct {
	orders map[string]common.Order
	err    error
}

func (l testOrderLookup) GetOrderByTrackingID(_ context.Context, trackingID string) (common.Order, error) {
	if l.err != nil {
		return common.Order{}, l.err
	}
	order, ok := l.orders[trackingID]
	if !ok {
		return common.Order{}, storage.ErrOrderNotFound
	}
	return order, nil
}

func TestTrackingSnapshotter(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	lookup := testOrderLookup{orders: map[string]common.Order{
		"T1": {ID: "o1", TrackingID: "T1", Status: "ready_to_send"},
		"T2": {ID: "o2", TrackingID: "T2"},
	}}
	uut := NewTrackingSnapshotter(lookup, time.Second)
	ctxt := context.Background()

	// Case 0: known status
	msg, err := uut.Snapshot(ctxt, hub.TrackingTopic("T1"))
	assert.Nil(err)
	assert.Equal(common.StatusMessage{Type: "status", Status: "ready_to_send"}, msg)

	// Case 1: missing status
	msg, err = uut.Snapshot(ctxt, hub.TrackingTopic("T2"))
	assert.Nil(err)
	assert.Equal(common.StatusMessage{Type: "status", Status: "preparing"}, msg)

	// Case 2: unknown order
	msg, err = uut.Snapshot(ctxt, hub.TrackingTopic("T3"))
	assert.Nil(err)
	assert.Nil(msg)

	// Case 3: lookup failure
	failing := NewTrackingSnapshotter(testOrderLookup{err: errors.New("store down")}, time.Second)
	msg, err = failing.Snapshot(ctxt, hub.TrackingTopic("T1"))
	assert.NotNil(err)
	assert.Nil(msg)
}
