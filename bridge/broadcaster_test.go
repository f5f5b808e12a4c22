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
	"encoding/json"
	"fmt"
	"sync"

	"github.com/alwitt/orderhub/hub"
)

// recordedBroadcast one message handed to the testBroadcaster
type recordedBroadcast struct {
	// topic is nil for broadcast-all
	topic   *hub.TopicKey
	payload string
}

// testBroadcaster records every broadcast
type testBroadcaster struct {
	lock       sync.Mutex
	broadcasts []recordedBroadcast
	fail       bool
}

func (b *testBroadcaster) record(topic *hub.TopicKey, payload interface{}) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.fail {
		return 0, fmt.Errorf("hub stopped")
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	b.broadcasts = append(b.broadcasts, recordedBroadcast{topic: topic, payload: string(encoded)})
	return 1, nil
}

func (b *testBroadcaster) Broadcast(
	_ context.Context, topic hub.TopicKey, payload interface{},
) (int, error) {
	return b.record(&topic, payload)
}

func (b *testBroadcaster) BroadcastAll(_ context.Context, payload interface{}) (int, error) {
	return b.record(nil, payload)
}

func (b *testBroadcaster) recorded() []recordedBroadcast {
	b.lock.Lock()
	defer b.lock.Unlock()
	result := make([]recordedBroadcast, len(b.broadcasts))
	copy(result, b.broadcasts)
	return result
}
