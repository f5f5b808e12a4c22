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
	"errors"
	"sync"

	"github.com/alwitt/orderhub/common"
)

// ErrOrderNotFound is returned when no order matches a lookup
var ErrOrderNotFound = errors.New("order not found")

// OrderLookup point lookup of orders
type OrderLookup interface {
	// GetOrderByTrackingID fetch the order with a tracking ID
	GetOrderByTrackingID(ctxt context.Context, trackingID string) (common.Order, error)
}

// OrderChangeHandler is called once per order change, in the order the changes were observed
type OrderChangeHandler func(ctxt context.Context, change common.OrderChange) error

// OrderChangeFeed subscription to changes of orders with an active status
type OrderChangeFeed interface {
	// StartChangeFeed begin delivering changes to the handler on a background goroutine,
	// until ctxt is cancelled or the source is closed
	StartChangeFeed(ctxt context.Context, wg *sync.WaitGroup, handler OrderChangeHandler) error
}

// EventSource is an order store together with its change feed
type EventSource interface {
	OrderLookup
	OrderChangeFeed
	// Ready check the source is reachable
	Ready(ctxt context.Context) error
	// Close release the source's resources
	Close() error
}

// classifyChange report a change as seen by a subscriber to orders with an active status
func classifyChange(
	active common.StatusSet, existed bool, oldStatus string, order common.Order,
) (common.OrderChange, bool) {
	kind, visible := common.ClassifyChange(
		existed, existed && active.Contains(oldStatus), active.Contains(order.Status),
	)
	return common.OrderChange{Kind: kind, Order: order}, visible
}
