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
	"errors"
	"fmt"
)

// Namespace is an independent space of topic groups
type Namespace string

// Supported namespaces
const (
	NamespaceTracking Namespace = "tracking"
	NamespaceBranch   Namespace = "branch"
	NamespaceMesa     Namespace = "mesa"
)

// TopicKey identifies one topic group within a namespace
type TopicKey struct {
	Namespace Namespace
	Key       string
}

// String toString function
func (t TopicKey) String() string {
	return fmt.Sprintf("%s:%s", t.Namespace, t.Key)
}

// TrackingTopic topic of the clients following one order
func TrackingTopic(trackingID string) TopicKey {
	return TopicKey{Namespace: NamespaceTracking, Key: trackingID}
}

// BranchTopic topic of the kitchen displays of one branch
func BranchTopic(branch string) TopicKey {
	return TopicKey{Namespace: NamespaceBranch, Key: branch}
}

// MesaTopic topic of the clients seated at one table. mesaKey is "<slug>:<mesaId>".
func MesaTopic(mesaKey string) TopicKey {
	return TopicKey{Namespace: NamespaceMesa, Key: mesaKey}
}

// Connection is an opaque bidirectional message channel to one client
type Connection interface {
	// ID unique ID of the connection
	ID() string
	// IsOpen whether the connection can still accept messages
	IsOpen() bool
	// Send enqueue an encoded message for delivery. Must not block.
	Send(msg []byte) error
}

// ErrUnknownConnection is returned when operating on a connection which is not admitted
var ErrUnknownConnection = errors.New("connection not admitted")

// ErrEmptyTopic is returned when joining a topic with an empty key
var ErrEmptyTopic = errors.New("topic key is empty")
