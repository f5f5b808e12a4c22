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
	"fmt"

	"github.com/alwitt/orderhub/hub"
)

// Broadcaster is the part of the hub the bridges deliver through
type Broadcaster interface {
	// Broadcast send a message to the open members of a topic
	Broadcast(ctxt context.Context, topic hub.TopicKey, payload interface{}) (int, error)
	// BroadcastAll send a message to every open connection
	BroadcastAll(ctxt context.Context, payload interface{}) (int, error)
}

// InvalidTriggerError is returned when a trigger lacks a required field
type InvalidTriggerError struct {
	Field string
}

func (e InvalidTriggerError) Error() string {
	return fmt.Sprintf("trigger is missing '%s'", e.Field)
}
