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

package common

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestParseClientMessage(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	type testCase struct {
		raw     string
		isError bool
		expect  ClientMessage
	}
	lat := 19.43
	lng := -99.13
	testCases := []testCase{
		{raw: `{"type":"join","trackingId":"T1"}`, expect: ClientMessage{Type: MsgTypeJoin, TrackingID: "T1"}},
		{raw: `{"type":"join","trackingId":1234}`, expect: ClientMessage{Type: MsgTypeJoin, TrackingID: "1234"}},
		{raw: `{"type":"join"}`, isError: true},
		{raw: `{"type":"join-branch","branch":"north"}`, expect: ClientMessage{Type: MsgTypeJoinBranch, Branch: "north"}},
		{raw: `{"type":"join-branch"}`, isError: true},
		{
			raw:    `{"type":"join-mesa","slug":"tacos","mesaId":7}`,
			expect: ClientMessage{Type: MsgTypeJoinMesa, Slug: "tacos", MesaID: "7"},
		},
		{raw: `{"type":"join-mesa","slug":"tacos"}`, isError: true},
		{
			raw: `{"type":"location","trackingId":"T1","lat":19.43,"lng":-99.13}`,
			expect: ClientMessage{
				Type: MsgTypeLocation, TrackingID: "T1", Lat: &lat, Lng: &lng,
			},
		},
		{raw: `{"type":"location","trackingId":"T1","lat":19.43}`, isError: true},
		{raw: `{"type":"dance"}`, isError: true},
		{raw: `{"trackingId":"T1"}`, isError: true},
		{raw: `{"type":"join","trackingId":{"a":1}}`, isError: true},
		{raw: `not json`, isError: true},
	}

	for idx, oneTest := range testCases {
		msg, err := ParseClientMessage([]byte(oneTest.raw))
		if oneTest.isError {
			assert.NotNilf(err, "Case %d", idx)
			var malformed MalformedMessageError
			assert.Truef(errors.As(err, &malformed), "Case %d", idx)
		} else {
			assert.Nilf(err, "Case %d", idx)
			assert.EqualValuesf(oneTest.expect, msg, "Case %d", idx)
		}
	}
}

func TestOutboundMessages(t *testing.T) {
	assert := assert.New(t)

	// Case 0: status default
	encoded, err := json.Marshal(NewStatusMessage(""))
	assert.Nil(err)
	assert.JSONEq(`{"type":"status","status":"preparing"}`, string(encoded))
	encoded, err = json.Marshal(NewStatusMessage("ready_to_send"))
	assert.Nil(err)
	assert.JSONEq(`{"type":"status","status":"ready_to_send"}`, string(encoded))

	// Case 1: fixed payloads
	encoded, err = json.Marshal(NewEventMessage(MsgTypeVentaActualizada))
	assert.Nil(err)
	assert.JSONEq(`{"type":"venta-actualizada"}`, string(encoded))

	// Case 2: location relay
	encoded, err = json.Marshal(NewLocationUpdateMessage(1.5, -2.5))
	assert.Nil(err)
	assert.JSONEq(`{"type":"update","lat":1.5,"lng":-2.5}`, string(encoded))

	// Case 3: order relay flattens the document details
	order := Order{
		ID: "o1", TrackingID: "T1", Branch: "north", Status: "pending",
		Details: OrderDetails{"items": []interface{}{"taco"}},
	}
	encoded, err = json.Marshal(NewOrderUpdatedMessage(order))
	assert.Nil(err)
	var decoded map[string]interface{}
	assert.Nil(json.Unmarshal(encoded, &decoded))
	assert.Equal(MsgTypeOrderUpdated, decoded["type"])
	orderField, ok := decoded["order"].(map[string]interface{})
	assert.True(ok)
	assert.Equal("north", orderField["branch"])
	assert.Equal([]interface{}{"taco"}, orderField["items"])
	assert.NotContains(orderField, "details")
	assert.NotContains(orderField, "updatedAt")

	assert.Equal("tacos:7", MesaKey("tacos", "7"))
}

func TestOrderDetailsScan(t *testing.T) {
	assert := assert.New(t)

	var details OrderDetails
	assert.Nil(details.Scan([]byte(`{"total":12.5}`)))
	assert.Equal(12.5, details["total"])
	assert.Nil(details.Scan(`{"total":3}`))
	assert.EqualValues(3, details["total"])
	assert.Nil(details.Scan(nil))
	assert.Nil(details)
	assert.NotNil(details.Scan(42))

	value, err := OrderDetails{"a": "b"}.Value()
	assert.Nil(err)
	assert.Equal(`{"a":"b"}`, value)
	value, err = OrderDetails(nil).Value()
	assert.Nil(err)
	assert.Nil(value)
}

func TestClassifyChange(t *testing.T) {
	assert := assert.New(t)

	type testCase struct {
		existed, wasActive, isActive bool
		kind                         ChangeKind
		visible                      bool
	}
	testCases := []testCase{
		{existed: false, wasActive: false, isActive: true, kind: ChangeAdded, visible: true},
		{existed: true, wasActive: false, isActive: true, kind: ChangeAdded, visible: true},
		{existed: true, wasActive: true, isActive: true, kind: ChangeModified, visible: true},
		{existed: true, wasActive: true, isActive: false, kind: ChangeRemoved, visible: true},
		{existed: true, wasActive: false, isActive: false, visible: false},
		{existed: false, wasActive: false, isActive: false, visible: false},
	}
	for idx, oneTest := range testCases {
		kind, visible := ClassifyChange(oneTest.existed, oneTest.wasActive, oneTest.isActive)
		assert.Equalf(oneTest.visible, visible, "Case %d", idx)
		assert.Equalf(oneTest.kind, kind, "Case %d", idx)
	}

	active := NewStatusSet([]string{"pending", "preparing"})
	assert.True(active.Contains("pending"))
	assert.False(active.Contains("delivered"))
}

func TestOrderDocumentCodec(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	// Case 0: unknown keys are collected into the details
	var order Order
	assert.Nil(json.Unmarshal([]byte(`{
		"id": 42, "trackingId": "T1", "branch": "north", "status": "pending",
		"updatedAt": "2024-01-01T00:00:00Z",
		"customerName": "Ana", "items": ["taco"], "total": 12.5
	}`), &order))
	assert.Equal("42", order.ID)
	assert.Equal("T1", order.TrackingID)
	assert.Equal("north", order.Branch)
	assert.Equal("pending", order.Status)
	assert.True(order.UpdatedAt.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(OrderDetails{
		"customerName": "Ana", "items": []interface{}{"taco"}, "total": 12.5,
	}, order.Details)

	// Case 1: encoding puts the details back at the top level
	encoded, err := json.Marshal(order)
	assert.Nil(err)
	assert.JSONEq(`{
		"id": "42", "trackingId": "T1", "branch": "north", "status": "pending",
		"updatedAt": "2024-01-01T00:00:00Z",
		"customerName": "Ana", "items": ["taco"], "total": 12.5
	}`, string(encoded))

	// Case 2: no timestamp in, no timestamp out
	order = Order{}
	assert.Nil(json.Unmarshal([]byte(`{"id":"o1","status":"pending"}`), &order))
	assert.True(order.UpdatedAt.IsZero())
	assert.Nil(order.Details)
	encoded, err = json.Marshal(order)
	assert.Nil(err)
	assert.JSONEq(`{"id":"o1","status":"pending"}`, string(encoded))

	// Case 3: a timestamp in another form is passed through as a detail
	order = Order{}
	assert.Nil(json.Unmarshal(
		[]byte(`{"id":"o1","updatedAt":{"_seconds":1704067200,"_nanoseconds":0}}`), &order,
	))
	assert.True(order.UpdatedAt.IsZero())
	assert.Contains(order.Details, "updatedAt")
	encoded, err = json.Marshal(order)
	assert.Nil(err)
	assert.JSONEq(
		`{"id":"o1","updatedAt":{"_seconds":1704067200,"_nanoseconds":0}}`, string(encoded),
	)

	// Case 4: named fields win over a colliding detail
	encoded, err = json.Marshal(Order{ID: "o1", Details: OrderDetails{"id": "other", "x": 1}})
	assert.Nil(err)
	assert.JSONEq(`{"id":"o1","x":1}`, string(encoded))

	// Case 5: a named field of the wrong type
	assert.NotNil(json.Unmarshal([]byte(`{"id":"o1","branch":7}`), &order))
	assert.NotNil(json.Unmarshal([]byte(`[1,2]`), &order))
}
