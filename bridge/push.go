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

	"github.com/alwitt/goutils"
	"github.com/alwitt/orderhub/common"
	"github.com/alwitt/orderhub/hub"
	"github.com/apex/log"
)

// PushTrigger turns externally pushed notifications into fixed payload broadcasts
type PushTrigger struct {
	goutils.Component
	hub Broadcaster
}

// NewPushTrigger define a new PushTrigger
func NewPushTrigger(hub Broadcaster) *PushTrigger {
	return &PushTrigger{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "bridge", "component": "push-trigger"},
		},
		hub: hub,
	}
}

// NotifyWhatsApp tell every client a new WhatsApp message arrived
func (p *PushTrigger) NotifyWhatsApp(ctxt context.Context) (int, error) {
	delivered, err := p.hub.BroadcastAll(ctxt, common.NewEventMessage(common.MsgTypeWhatsAppNewMessage))
	if err != nil {
		return 0, err
	}
	log.WithFields(p.LogTags).Debugf("WhatsApp notification sent to %d clients", delivered)
	return delivered, nil
}

// NotifyKDS tell the kitchen displays of a branch to reload their orders
func (p *PushTrigger) NotifyKDS(ctxt context.Context, branch string) (int, error) {
	if branch == "" {
		return 0, InvalidTriggerError{Field: "branch"}
	}
	delivered, err := p.hub.Broadcast(
		ctxt, hub.BranchTopic(branch), common.NewEventMessage(common.MsgTypeReloadOrders),
	)
	if err != nil {
		return 0, err
	}
	log.WithFields(p.LogTags).Debugf("KDS reload sent to %d clients of %s", delivered, branch)
	return delivered, nil
}

// BroadcastMesa send a fixed payload of the given type to the clients at a table
func (p *PushTrigger) BroadcastMesa(ctxt context.Context, mesaKey, msgType string) (int, error) {
	if mesaKey == "" {
		return 0, InvalidTriggerError{Field: "mesaKey"}
	}
	if msgType == "" {
		return 0, InvalidTriggerError{Field: "type"}
	}
	delivered, err := p.hub.Broadcast(ctxt, hub.MesaTopic(mesaKey), common.NewEventMessage(msgType))
	if err != nil {
		return 0, err
	}
	log.WithFields(p.LogTags).Debugf("'%s' sent to %d clients of %s", msgType, delivered, mesaKey)
	return delivered, nil
}
