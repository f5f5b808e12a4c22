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
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/alwitt/goutils"
	"github.com/alwitt/orderhub/common"
	"github.com/apex/log"
)

// SnapshotSource supplies the one-time state message sent to a connection right after it
// joins a topic
type SnapshotSource interface {
	// Snapshot fetch the current state of the topic. A nil message means nothing to send.
	Snapshot(ctxt context.Context, topic TopicKey) (interface{}, error)
}

// JoinListener is notified on the hub event loop whenever a connection newly joins a topic.
// It must not block.
type JoinListener func(topic TopicKey)

// Stats hub occupancy figures
type Stats struct {
	Connections int               `json:"connections"`
	Groups      map[Namespace]int `json:"groups"`
}

// Hub is the goroutine safe front of the registry, group index, lifecycle manager and
// dispatcher. Every operation is executed on a single event loop, so membership changes
// and broadcasts are linearized in submission order.
type Hub interface {
	// Start start the hub event loop
	Start(wg *sync.WaitGroup) error
	// Stop stop the hub event loop
	Stop() error
	// Admit admit a newly opened connection
	Admit(ctxt context.Context, conn Connection) error
	// Join join an admitted connection to a topic, replacing its previous topic in the
	// same namespace. The topic's snapshot, if any, is sent to the connection afterwards.
	Join(ctxt context.Context, connID string, topic TopicKey) error
	// Close remove a connection from every topic and from the registry. Idempotent.
	Close(ctxt context.Context, connID string) error
	// Broadcast send a message to the open members of a topic
	Broadcast(ctxt context.Context, topic TopicKey, payload interface{}) (int, error)
	// BroadcastAll send a message to every open connection
	BroadcastAll(ctxt context.Context, payload interface{}) (int, error)
	// MembersOf list the connection IDs in a topic
	MembersOf(ctxt context.Context, topic TopicKey) ([]string, error)
	// Stats fetch the hub occupancy figures
	Stats(ctxt context.Context) (Stats, error)
	// AddJoinListener register a JoinListener
	AddJoinListener(ctxt context.Context, listener JoinListener) error
}

// hubImpl implements Hub
type hubImpl struct {
	goutils.Component
	tp            common.TaskProcessor
	registry      *Registry
	groups        *GroupIndex
	lifecycle     *LifecycleManager
	dispatcher    *Dispatcher
	snapshots     map[Namespace]SnapshotSource
	joinListeners []JoinListener
}

// GetHub define a new Hub. snapshots maps a namespace to the source of the snapshot sent
// on joining one of its topics.
func GetHub(
	ctxt context.Context,
	instance string,
	taskBuffer int,
	snapshots map[Namespace]SnapshotSource,
) (Hub, error) {
	logTags := log.Fields{
		"module": "hub", "component": "hub", "instance": instance,
	}
	tp, err := common.GetNewTaskProcessorInstance(ctxt, fmt.Sprintf("hub.%s", instance), taskBuffer)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}
	registry := NewRegistry()
	groups := NewGroupIndex()
	if snapshots == nil {
		snapshots = map[Namespace]SnapshotSource{}
	}
	instanceObj := &hubImpl{
		Component:  goutils.Component{LogTags: logTags},
		tp:         tp,
		registry:   registry,
		groups:     groups,
		lifecycle:  NewLifecycleManager(registry, groups),
		dispatcher: NewDispatcher(registry, groups),
		snapshots:  snapshots,
	}
	if err := tp.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(hubAdmitRequest{}):     instanceObj.processAdmit,
		reflect.TypeOf(hubJoinRequest{}):      instanceObj.processJoin,
		reflect.TypeOf(hubCloseRequest{}):     instanceObj.processClose,
		reflect.TypeOf(hubBroadcastRequest{}): instanceObj.processBroadcast,
		reflect.TypeOf(hubMembersRequest{}):   instanceObj.processMembers,
		reflect.TypeOf(hubStatsRequest{}):     instanceObj.processStats,
		reflect.TypeOf(hubListenerRequest{}):  instanceObj.processAddListener,
	}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to install task handlers")
		return nil, err
	}
	return instanceObj, nil
}

// Start start the hub event loop
func (h *hubImpl) Start(wg *sync.WaitGroup) error {
	return h.tp.StartEventLoop(wg)
}

// Stop stop the hub event loop
func (h *hubImpl) Stop() error {
	return h.tp.StopEventLoop()
}

// submitAndWait submit a request to the event loop and wait for its result
func submitAndWait[T any](
	ctxt context.Context, tp common.TaskProcessor, request interface{}, result <-chan T,
) (T, error) {
	var empty T
	if err := tp.Submit(ctxt, request); err != nil {
		return empty, err
	}
	select {
	case resp := <-result:
		return resp, nil
	case <-ctxt.Done():
		return empty, ctxt.Err()
	}
}

// =========================================================================

type hubAdmitRequest struct {
	conn   Connection
	result chan bool
}

// Admit admit a newly opened connection
func (h *hubImpl) Admit(ctxt context.Context, conn Connection) error {
	request := hubAdmitRequest{conn: conn, result: make(chan bool, 1)}
	admitted, err := submitAndWait(ctxt, h.tp, request, request.result)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Failed to admit %s", conn.ID())
		return err
	}
	if !admitted {
		return fmt.Errorf("connection %s already admitted", conn.ID())
	}
	return nil
}

func (h *hubImpl) processAdmit(param interface{}) error {
	request, ok := param.(hubAdmitRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for admit", reflect.TypeOf(param))
	}
	request.result <- h.lifecycle.OnAdmit(request.conn)
	return nil
}

// =========================================================================

type hubJoinOutcome struct {
	result JoinResult
	err    error
}

type hubJoinRequest struct {
	connID string
	topic  TopicKey
	result chan hubJoinOutcome
}

// Join join an admitted connection to a topic
func (h *hubImpl) Join(ctxt context.Context, connID string, topic TopicKey) error {
	request := hubJoinRequest{connID: connID, topic: topic, result: make(chan hubJoinOutcome, 1)}
	outcome, err := submitAndWait(ctxt, h.tp, request, request.result)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Failed to join %s to %s", connID, topic)
		return err
	}
	if outcome.err != nil {
		return outcome.err
	}

	// The membership change is complete; a close racing with the lookup below sees it.
	if source, ok := h.snapshots[topic.Namespace]; ok {
		h.sendSnapshot(ctxt, source, outcome.result.Conn, topic)
	}
	return nil
}

// sendSnapshot send the topic snapshot directly to the joining connection
func (h *hubImpl) sendSnapshot(
	ctxt context.Context, source SnapshotSource, conn Connection, topic TopicKey,
) {
	msg, err := source.Snapshot(ctxt, topic)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Snapshot lookup for %s failed", topic)
		return
	}
	if msg == nil {
		log.WithFields(h.LogTags).Debugf("No snapshot for %s", topic)
		return
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Unable to encode snapshot for %s", topic)
		return
	}
	if !conn.IsOpen() {
		return
	}
	if err := conn.Send(encoded); err != nil {
		log.WithError(err).WithFields(h.LogTags).Debugf("Snapshot for %s not sent", topic)
	}
}

func (h *hubImpl) processJoin(param interface{}) error {
	request, ok := param.(hubJoinRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for join", reflect.TypeOf(param))
	}
	result, err := h.lifecycle.OnJoin(request.connID, request.topic)
	request.result <- hubJoinOutcome{result: result, err: err}
	if err == nil && result.Joined {
		for _, listener := range h.joinListeners {
			listener(request.topic)
		}
	}
	// The caller already holds the outcome
	return nil
}

// =========================================================================

type hubCloseRequest struct {
	connID string
	result chan bool
}

// Close remove a connection from every topic and from the registry
func (h *hubImpl) Close(ctxt context.Context, connID string) error {
	request := hubCloseRequest{connID: connID, result: make(chan bool, 1)}
	if _, err := submitAndWait(ctxt, h.tp, request, request.result); err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Failed to close %s", connID)
		return err
	}
	return nil
}

func (h *hubImpl) processClose(param interface{}) error {
	request, ok := param.(hubCloseRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for close", reflect.TypeOf(param))
	}
	request.result <- h.lifecycle.OnClose(request.connID)
	return nil
}

// =========================================================================

type hubBroadcastRequest struct {
	// topic is nil when broadcasting to every connection
	topic  *TopicKey
	msg    []byte
	result chan int
}

// Broadcast send a message to the open members of a topic
func (h *hubImpl) Broadcast(
	ctxt context.Context, topic TopicKey, payload interface{},
) (int, error) {
	return h.broadcast(ctxt, &topic, payload)
}

// BroadcastAll send a message to every open connection
func (h *hubImpl) BroadcastAll(ctxt context.Context, payload interface{}) (int, error) {
	return h.broadcast(ctxt, nil, payload)
}

func (h *hubImpl) broadcast(
	ctxt context.Context, topic *TopicKey, payload interface{},
) (int, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Error("Unable to encode broadcast payload")
		return 0, err
	}
	request := hubBroadcastRequest{topic: topic, msg: encoded, result: make(chan int, 1)}
	delivered, err := submitAndWait(ctxt, h.tp, request, request.result)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Error("Broadcast failed")
		return 0, err
	}
	return delivered, nil
}

func (h *hubImpl) processBroadcast(param interface{}) error {
	request, ok := param.(hubBroadcastRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for broadcast", reflect.TypeOf(param))
	}
	if request.topic == nil {
		request.result <- h.dispatcher.BroadcastAll(request.msg)
	} else {
		request.result <- h.dispatcher.Broadcast(*request.topic, request.msg)
	}
	return nil
}

// =========================================================================

type hubMembersRequest struct {
	topic  TopicKey
	result chan []string
}

// MembersOf list the connection IDs in a topic
func (h *hubImpl) MembersOf(ctxt context.Context, topic TopicKey) ([]string, error) {
	request := hubMembersRequest{topic: topic, result: make(chan []string, 1)}
	return submitAndWait(ctxt, h.tp, request, request.result)
}

func (h *hubImpl) processMembers(param interface{}) error {
	request, ok := param.(hubMembersRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for members", reflect.TypeOf(param))
	}
	members := h.groups.MembersOf(request.topic)
	result := make([]string, 0, len(members))
	for _, conn := range members {
		result = append(result, conn.ID())
	}
	request.result <- result
	return nil
}

// =========================================================================

type hubStatsRequest struct {
	result chan Stats
}

// Stats fetch the hub occupancy figures
func (h *hubImpl) Stats(ctxt context.Context) (Stats, error) {
	request := hubStatsRequest{result: make(chan Stats, 1)}
	return submitAndWait(ctxt, h.tp, request, request.result)
}

func (h *hubImpl) processStats(param interface{}) error {
	request, ok := param.(hubStatsRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for stats", reflect.TypeOf(param))
	}
	stats := Stats{Connections: h.registry.Size(), Groups: map[Namespace]int{}}
	for _, namespace := range []Namespace{NamespaceTracking, NamespaceBranch, NamespaceMesa} {
		stats.Groups[namespace] = h.groups.GroupCount(namespace)
	}
	request.result <- stats
	return nil
}

// =========================================================================

type hubListenerRequest struct {
	listener JoinListener
	result   chan bool
}

// AddJoinListener register a JoinListener
func (h *hubImpl) AddJoinListener(ctxt context.Context, listener JoinListener) error {
	request := hubListenerRequest{listener: listener, result: make(chan bool, 1)}
	_, err := submitAndWait(ctxt, h.tp, request, request.result)
	return err
}

func (h *hubImpl) processAddListener(param interface{}) error {
	request, ok := param.(hubListenerRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for listener", reflect.TypeOf(param))
	}
	h.joinListeners = append(h.joinListeners, request.listener)
	request.result <- true
	return nil
}
