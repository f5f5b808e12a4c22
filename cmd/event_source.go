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

package cmd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/orderhub/common"
	"github.com/alwitt/orderhub/core"
	"github.com/alwitt/orderhub/storage"
	"github.com/apex/log"
)

// DefineEventSource connect to the order store selected by the config. Returns nil when no
// event source is configured.
func DefineEventSource(
	ctxt context.Context, config common.EventSourceConfig,
) (storage.EventSource, error) {
	logTags := log.Fields{
		"module": "cmd", "component": "event-source", "instance": config.Type,
	}
	if err := config.Validate(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid event source config")
		return nil, err
	}
	switch config.Type {
	case common.EventSourcePostgres:
		store, err := storage.NewPostgresOrderStore(ctxt, config.Postgres, config.ActiveStatuses)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to connect to Postgres")
			return nil, err
		}
		return store, nil

	case common.EventSourceSQLite:
		store, err := storage.NewSQLiteOrderStore(
			config.SQLite.Path,
			config.ActiveStatuses,
			time.Millisecond*time.Duration(config.SQLite.PollInterval),
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Unable to open order store %s", config.SQLite.Path,
			)
			return nil, err
		}
		return store, nil

	case common.EventSourceNATS:
		client, err := core.GetNatsClient(core.NATSConnectParamsFromConfig(config.NATS))
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Unable to connect to NATS server %s", config.NATS.ServerURI,
			)
			return nil, err
		}
		feed, err := storage.NewNatsOrderFeed(client, config.NATS, config.ActiveStatuses)
		if err != nil {
			closeCtxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
			defer cancel()
			client.Close(closeCtxt)
			return nil, err
		}
		return feed, nil

	case common.EventSourceNone:
		log.WithFields(logTags).Warn("No event source. Change feed and tracking snapshots disabled")
		return nil, nil
	}
	return nil, fmt.Errorf("unsupported event source type '%s'", config.Type)
}

// StartEventSource start relaying the order change feed
func StartEventSource(
	ctxt context.Context,
	wg *sync.WaitGroup,
	source storage.EventSource,
	handler storage.OrderChangeHandler,
) error {
	if source == nil {
		return nil
	}
	return source.StartChangeFeed(ctxt, wg, handler)
}
