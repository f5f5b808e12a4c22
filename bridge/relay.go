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
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/orderhub/common"
	"github.com/alwitt/orderhub/hub"
	"github.com/alwitt/orderhub/storage"
	"github.com/apex/log"
)

// ChangeFeedRelay relays order changes to the kitchen displays of the order's branch
type ChangeFeedRelay struct {
	goutils.Component
	hub    Broadcaster
	active common.StatusSet
}

// NewChangeFeedRelay define a new ChangeFeedRelay
func NewChangeFeedRelay(hub Broadcaster, activeStatuses []string) *ChangeFeedRelay {
	return &ChangeFeedRelay{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "bridge", "component": "change-feed-relay"},
		},
		hub:    hub,
		active: common.NewStatusSet(activeStatuses),
	}
}

// HandleChange relay one order change. Only added or modified orders with an active status
// are relayed; the rest are ignored.
func (r *ChangeFeedRelay) HandleChange(ctxt context.Context, change common.OrderChange) error {
	if change.Kind != common.ChangeAdded && change.Kind != common.ChangeModified {
		return nil
	}
	if !r.active.Contains(change.Order.Status) {
		return nil
	}
	if change.Order.Branch == "" {
		log.WithFields(r.LogTags).Debugf("Order %s has no branch", change.Order.ID)
		return nil
	}
	delivered, err := r.hub.Broadcast(
		ctxt, hub.BranchTopic(change.Order.Branch), common.NewOrderUpdatedMessage(change.Order),
	)
	if err != nil {
		return err
	}
	log.WithFields(r.LogTags).Debugf("Relayed %s to %d clients", change, delivered)
	return nil
}

// ==============================================================================

// TrackingSnapshotter reports the current status of an order to a client starting to
// track it
type TrackingSnapshotter struct {
	goutils.Component
	lookup  storage.OrderLookup
	timeout time.Duration
}

// NewTrackingSnapshotter define a new TrackingSnapshotter
func NewTrackingSnapshotter(lookup storage.OrderLookup, timeout time.Duration) *TrackingSnapshotter {
	return &TrackingSnapshotter{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "bridge", "component": "tracking-snapshotter"},
		},
		lookup:  lookup,
		timeout: timeout,
	}
}

// Snapshot look up the tracked order. An unknown order produces no snapshot.
func (s *TrackingSnapshotter) Snapshot(ctxt context.Context, topic hub.TopicKey) (interface{}, error) {
	lookupCtxt, cancel := context.WithTimeout(ctxt, s.timeout)
	defer cancel()
	order, err := s.lookup.GetOrderByTrackingID(lookupCtxt, topic.Key)
	if errors.Is(err, storage.ErrOrderNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return common.NewStatusMessage(order.Status), nil
}
