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
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// fakeConnection records every message handed to it
type fakeConnection struct {
	id       string
	lock     sync.Mutex
	open     bool
	failSend bool
	received [][]byte
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{id: uuid.New().String(), open: true}
}

func (c *fakeConnection) ID() string {
	return c.id
}

func (c *fakeConnection) IsOpen() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.open
}

func (c *fakeConnection) Send(msg []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.failSend {
		return fmt.Errorf("send queue full")
	}
	c.received = append(c.received, msg)
	return nil
}

func (c *fakeConnection) setOpen(open bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.open = open
}

func (c *fakeConnection) messages() []string {
	c.lock.Lock()
	defer c.lock.Unlock()
	result := make([]string, len(c.received))
	for idx, msg := range c.received {
		result[idx] = string(msg)
	}
	return result
}
