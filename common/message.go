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
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Client to hub message types
const (
	MsgTypeJoin       = "join"
	MsgTypeJoinBranch = "join-branch"
	MsgTypeJoinMesa   = "join-mesa"
	MsgTypeLocation   = "location"
)

// Hub to client message types
const (
	MsgTypeStatus             = "status"
	MsgTypeUpdate             = "update"
	MsgTypeOrderUpdated       = "order-updated"
	MsgTypeReloadOrders       = "reload-orders"
	MsgTypeVentaActualizada   = "venta-actualizada"
	MsgTypeWhatsAppNewMessage = "whatsapp-new-message"
)

// DefaultOrderStatus is reported when an order record carries no status
const DefaultOrderStatus = "preparing"

// FlexibleID is an identifier which clients may send as either a JSON string or number
type FlexibleID string

// UnmarshalJSON implements json.Unmarshaler
func (i *FlexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*i = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*i = FlexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("identifier must be a string or number: %w", err)
	}
	*i = FlexibleID(n.String())
	return nil
}

// ClientMessage is one message sent by a socket client to the hub
type ClientMessage struct {
	Type       string     `json:"type"`
	TrackingID FlexibleID `json:"trackingId,omitempty"`
	Branch     string     `json:"branch,omitempty"`
	Slug       string     `json:"slug,omitempty"`
	MesaID     FlexibleID `json:"mesaId,omitempty"`
	Lat        *float64   `json:"lat,omitempty"`
	Lng        *float64   `json:"lng,omitempty"`
}

// MalformedMessageError is returned for client messages which can not be acted on
type MalformedMessageError struct {
	Reason string
}

func (e MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed client message: %s", e.Reason)
}

// ParseClientMessage decode and validate one client message
func ParseClientMessage(raw []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ClientMessage{}, MalformedMessageError{Reason: err.Error()}
	}
	return msg, msg.Validate()
}

// Validate check the fields required by the message type are present
func (m ClientMessage) Validate() error {
	switch m.Type {
	case MsgTypeJoin:
		if m.TrackingID == "" {
			return MalformedMessageError{Reason: "join without trackingId"}
		}
	case MsgTypeJoinBranch:
		if m.Branch == "" {
			return MalformedMessageError{Reason: "join-branch without branch"}
		}
	case MsgTypeJoinMesa:
		if m.Slug == "" || m.MesaID == "" {
			return MalformedMessageError{Reason: "join-mesa without slug and mesaId"}
		}
	case MsgTypeLocation:
		if m.TrackingID == "" || m.Lat == nil || m.Lng == nil {
			return MalformedMessageError{Reason: "location without trackingId, lat and lng"}
		}
	case "":
		return MalformedMessageError{Reason: "missing type"}
	default:
		return MalformedMessageError{Reason: fmt.Sprintf("unknown type '%s'", m.Type)}
	}
	return nil
}

// MesaKey builds the mesa topic key of a restaurant table
func MesaKey(slug, mesaID string) string {
	return fmt.Sprintf("%s:%s", slug, mesaID)
}

// ==============================================================================

// EventMessage is a fixed payload notification carrying only its type
type EventMessage struct {
	Type string `json:"type"`
}

// StatusMessage is the order status snapshot sent to a client joining a tracking ID
type StatusMessage struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// LocationUpdateMessage relays a rider location to the clients tracking an order
type LocationUpdateMessage struct {
	Type string  `json:"type"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

// OrderUpdatedMessage carries the full updated order to a kitchen display
type OrderUpdatedMessage struct {
	Type  string `json:"type"`
	Order Order  `json:"order"`
}

// NewEventMessage define a fixed payload notification
func NewEventMessage(msgType string) EventMessage {
	return EventMessage{Type: msgType}
}

// NewStatusMessage define a status snapshot. An empty status reports DefaultOrderStatus.
func NewStatusMessage(status string) StatusMessage {
	if status == "" {
		status = DefaultOrderStatus
	}
	return StatusMessage{Type: MsgTypeStatus, Status: status}
}

// NewLocationUpdateMessage define a rider location relay
func NewLocationUpdateMessage(lat, lng float64) LocationUpdateMessage {
	return LocationUpdateMessage{Type: MsgTypeUpdate, Lat: lat, Lng: lng}
}

// NewOrderUpdatedMessage define an order change notification
func NewOrderUpdatedMessage(order Order) OrderUpdatedMessage {
	return OrderUpdatedMessage{Type: MsgTypeOrderUpdated, Order: order}
}

// ==============================================================================

// Order representing one order record from the order store
type Order struct {
	ID         string    `json:"id" validate:"required"`
	TrackingID string    `json:"trackingId,omitempty"`
	Branch     string    `json:"branch,omitempty"`
	Status     string    `json:"status,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
	// Details is the remainder of the order document, passed through untouched. It is
	// carried at the top level of the JSON document, next to the named fields.
	Details OrderDetails `json:"-"`
}

// MarshalJSON implements json.Marshaler. The named fields take precedence over a detail
// with the same key. A zero UpdatedAt is left out.
func (o Order) MarshalJSON() ([]byte, error) {
	doc := make(map[string]interface{}, len(o.Details)+5)
	for key, value := range o.Details {
		doc[key] = value
	}
	doc["id"] = o.ID
	if o.TrackingID != "" {
		doc["trackingId"] = o.TrackingID
	}
	if o.Branch != "" {
		doc["branch"] = o.Branch
	}
	if o.Status != "" {
		doc["status"] = o.Status
	}
	if !o.UpdatedAt.IsZero() {
		doc["updatedAt"] = o.UpdatedAt
	}
	return json.Marshal(doc)
}

// UnmarshalJSON implements json.Unmarshaler. Keys other than the named fields are
// collected into Details. An updatedAt which is not an RFC 3339 string is kept as a
// detail.
func (o *Order) UnmarshalJSON(data []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	parsed := Order{}
	var id, trackingID FlexibleID
	named := []struct {
		key    string
		target interface{}
	}{
		{key: "id", target: &id},
		{key: "trackingId", target: &trackingID},
		{key: "branch", target: &parsed.Branch},
		{key: "status", target: &parsed.Status},
	}
	for _, field := range named {
		raw, ok := doc[field.key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, field.target); err != nil {
			return fmt.Errorf("order field '%s': %w", field.key, err)
		}
		delete(doc, field.key)
	}
	parsed.ID = string(id)
	parsed.TrackingID = string(trackingID)
	if raw, ok := doc["updatedAt"]; ok {
		if err := json.Unmarshal(raw, &parsed.UpdatedAt); err == nil {
			delete(doc, "updatedAt")
		}
	}

	if len(doc) > 0 {
		parsed.Details = make(OrderDetails, len(doc))
		for key, raw := range doc {
			var value interface{}
			if err := json.Unmarshal(raw, &value); err != nil {
				return fmt.Errorf("order field '%s': %w", key, err)
			}
			parsed.Details[key] = value
		}
	}
	*o = parsed
	return nil
}

// OrderDetails is the free form part of an order document
type OrderDetails map[string]interface{}

// Scan implements the sql.Scanner interface
func (r *OrderDetails) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*r = nil
		return nil
	case []byte:
		return json.Unmarshal(v, r)
	case string:
		return json.Unmarshal([]byte(v), r)
	}
	return fmt.Errorf("src is not []byte or string")
}

// Value implements the sql/driver.Valuer interface
func (r OrderDetails) Value() (driver.Value, error) {
	if r == nil {
		return nil, nil
	}
	t, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(t), nil
}

// String toString function
func (o Order) String() string {
	return fmt.Sprintf("ORDER[%s T:%s B:%s S:%s]", o.ID, o.TrackingID, o.Branch, o.Status)
}

// ChangeKind is the kind of change reported for an order
type ChangeKind string

// Order change kinds
const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// OrderChange is one change notification from an order change feed
type OrderChange struct {
	Kind  ChangeKind `json:"kind" validate:"required,oneof=added modified removed"`
	Order Order      `json:"order"`
}

// String toString function
func (c OrderChange) String() string {
	return fmt.Sprintf("%s:%s", c.Kind, c.Order.String())
}

// ClassifyChange determine how a change should be reported to a subscriber only watching
// orders with an active status. wasActive is whether the order had an active status
// before the change, isActive whether it has one after. Returns false when the change is
// invisible to such a subscriber.
func ClassifyChange(existed, wasActive, isActive bool) (ChangeKind, bool) {
	switch {
	case isActive && (!existed || !wasActive):
		return ChangeAdded, true
	case isActive:
		return ChangeModified, true
	case existed && wasActive:
		return ChangeRemoved, true
	}
	return "", false
}

// StatusSet is a set of order statuses
type StatusSet map[string]bool

// NewStatusSet define a StatusSet
func NewStatusSet(statuses []string) StatusSet {
	result := StatusSet{}
	for _, s := range statuses {
		result[s] = true
	}
	return result
}

// Contains whether the status is in the set
func (s StatusSet) Contains(status string) bool {
	return s[status]
}
