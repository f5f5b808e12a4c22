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

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/orderhub/common"
	"github.com/alwitt/orderhub/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// OrderLookupRequest is the request sent on the lookup subject
type OrderLookupRequest struct {
	TrackingID string `json:"trackingId"`
}

// OrderLookupReply is the reply expected on the lookup subject
type OrderLookupReply struct {
	Found bool         `json:"found"`
	Order common.Order `json:"order"`
}

// NatsOrderFeed event source fed over NATS. The order service publishes common.OrderChange
// documents on the change subject and answers OrderLookupRequest on the lookup subject.
type NatsOrderFeed struct {
	goutils.Component
	client        core.NatsClient
	changeSubject string
	lookupSubject string
	lookupTimeout time.Duration
	active        common.StatusSet
	validate      *validator.Validate
}

// NewNatsOrderFeed define a new NATS event source
func NewNatsOrderFeed(
	client core.NatsClient, config common.NATSConfig, activeStatuses []string,
) (*NatsOrderFeed, error) {
	if config.ChangeSubject == "" || config.LookupSubject == "" {
		return nil, fmt.Errorf("change and lookup subjects are required")
	}
	logTags := log.Fields{
		"module": "storage", "component": "nats-order-feed", "instance": config.ChangeSubject,
	}
	return &NatsOrderFeed{
		Component:     goutils.Component{LogTags: logTags},
		client:        client,
		changeSubject: config.ChangeSubject,
		lookupSubject: config.LookupSubject,
		lookupTimeout: time.Millisecond * time.Duration(config.LookupTimeout),
		active:        common.NewStatusSet(activeStatuses),
		validate:      validator.New(),
	}, nil
}

// Close close the NATS client
func (f *NatsOrderFeed) Close() error {
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	f.client.Close(ctxt)
	return nil
}

// Ready check the NATS client is connected
func (f *NatsOrderFeed) Ready(_ context.Context) error {
	if !f.client.IsConnected() {
		return fmt.Errorf("not connected to NATS server")
	}
	return nil
}

// GetOrderByTrackingID request the order with a tracking ID from the order service
func (f *NatsOrderFeed) GetOrderByTrackingID(
	ctxt context.Context, trackingID string,
) (common.Order, error) {
	request, err := json.Marshal(OrderLookupRequest{TrackingID: trackingID})
	if err != nil {
		return common.Order{}, err
	}
	lookupCtxt, cancel := context.WithTimeout(ctxt, f.lookupTimeout)
	defer cancel()
	msg, err := f.client.Conn().RequestWithContext(lookupCtxt, f.lookupSubject, request)
	if err != nil {
		return common.Order{}, fmt.Errorf("order lookup of %s failed: %w", trackingID, err)
	}
	var reply OrderLookupReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return common.Order{}, fmt.Errorf("invalid order lookup reply: %w", err)
	}
	if !reply.Found {
		return common.Order{}, ErrOrderNotFound
	}
	return reply.Order, nil
}

// parseChange decode and filter one change message
func (f *NatsOrderFeed) parseChange(data []byte) (common.OrderChange, bool, error) {
	var change common.OrderChange
	if err := json.Unmarshal(data, &change); err != nil {
		return common.OrderChange{}, false, err
	}
	if err := f.validate.Struct(&change); err != nil {
		return common.OrderChange{}, false, err
	}
	if change.Kind != common.ChangeRemoved && !f.active.Contains(change.Order.Status) {
		return change, false, nil
	}
	return change, true, nil
}

// StartChangeFeed subscribe to the change subject until ctxt is cancelled
func (f *NatsOrderFeed) StartChangeFeed(
	ctxt context.Context, wg *sync.WaitGroup, handler OrderChangeHandler,
) error {
	sub, err := f.client.Conn().Subscribe(f.changeSubject, func(msg *nats.Msg) {
		change, visible, err := f.parseChange(msg.Data)
		if err != nil {
			log.WithError(err).WithFields(f.LogTags).Errorf(
				"Dropping invalid change message on %s", msg.Subject,
			)
			return
		}
		if !visible {
			return
		}
		if err := handler(ctxt, change); err != nil {
			log.WithError(err).WithFields(f.LogTags).Errorf("Handler failed on %s", change)
		}
	})
	if err != nil {
		log.WithError(err).WithFields(f.LogTags).Error("Unable to subscribe to order changes")
		return err
	}
	log.WithFields(f.LogTags).Infof("Subscribed to %s", f.changeSubject)
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctxt.Done()
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(f.LogTags).Error("Unsubscribe failed")
		}
	}()
	return nil
}
