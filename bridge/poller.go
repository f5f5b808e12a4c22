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
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/orderhub/common"
	"github.com/alwitt/orderhub/hub"
	"github.com/alwitt/orderhub/pos"
	"github.com/apex/log"
	lru "github.com/hashicorp/golang-lru/v2"
)

// trackedMesa is the poller's cache entry of one table
type trackedMesa struct {
	key      string
	slug     string
	mesaID   string
	marker   string
	observed bool
	inFlight bool
}

// mesaFetchRequest asks a worker to fetch the sale marker of one table
type mesaFetchRequest struct {
	key    string
	slug   string
	mesaID string
}

// MesaPoller periodically fetches the sale on every tracked table from the POS API, and
// tells the clients at a table when its sale changed.
//
// The first fetch of a table only records its marker. Each table has at most one fetch in
// flight, so a slow table is skipped on later ticks instead of queueing behind itself.
type MesaPoller struct {
	goutils.Component
	hub          Broadcaster
	fetcher      pos.SaleFetcher
	workers      common.TaskProcessor
	timer        common.IntervalTimer
	operContext  context.Context
	interval     time.Duration
	fetchTimeout time.Duration

	// lock guards the fields of the cached entries
	lock     sync.Mutex
	entities *lru.Cache[string, *trackedMesa]
}

// GetMesaPoller define a new MesaPoller, tracking the tables listed in the config
func GetMesaPoller(
	ctxt context.Context,
	wg *sync.WaitGroup,
	hub Broadcaster,
	fetcher pos.SaleFetcher,
	config common.POSConfig,
) (*MesaPoller, error) {
	if config.MaxEntities < 1 {
		return nil, fmt.Errorf("max tracked tables %d is invalid", config.MaxEntities)
	}
	logTags := log.Fields{"module": "bridge", "component": "mesa-poller"}
	workers, err := common.GetNewTaskDemuxProcessorInstance(
		ctxt, "mesa-poller", config.MaxEntities, config.Workers,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define fetch workers")
		return nil, err
	}
	timer, err := common.GetIntervalTimerInstance(ctxt, wg, "mesa-poller")
	if err != nil {
		return nil, err
	}
	entities, err := lru.NewWithEvict(
		config.MaxEntities,
		func(key string, _ *trackedMesa) {
			log.WithFields(logTags).Infof("Evicted %s", key)
		},
	)
	if err != nil {
		return nil, err
	}
	instance := &MesaPoller{
		Component:    goutils.Component{LogTags: logTags},
		hub:          hub,
		fetcher:      fetcher,
		workers:      workers,
		timer:        timer,
		operContext:  ctxt,
		interval:     time.Second * time.Duration(config.PollInterval),
		fetchTimeout: time.Millisecond * time.Duration(config.RequestTimeout),
		entities:     entities,
	}
	if err := workers.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(mesaFetchRequest{}): instance.processFetch,
	}); err != nil {
		return nil, err
	}
	for _, mesa := range config.Mesas {
		instance.Track(mesa.Slug, mesa.MesaID)
	}
	return instance, nil
}

// Start start the fetch workers and the poll timer
func (p *MesaPoller) Start(wg *sync.WaitGroup) error {
	if err := p.workers.StartEventLoop(wg); err != nil {
		return err
	}
	return p.timer.Start(p.interval, func() error {
		p.PollOnce(p.operContext)
		return nil
	}, false)
}

// Stop stop the poll timer and the fetch workers
func (p *MesaPoller) Stop() error {
	_ = p.timer.Stop()
	return p.workers.StopEventLoop()
}

// Track start polling a table. Tracking a known table marks it recently used. Beyond the
// table limit, the least recently used table is forgotten.
func (p *MesaPoller) Track(slug, mesaID string) {
	key := common.MesaKey(slug, mesaID)
	p.lock.Lock()
	defer p.lock.Unlock()
	if _, ok := p.entities.Get(key); ok {
		return
	}
	p.entities.Add(key, &trackedMesa{key: key, slug: slug, mesaID: mesaID})
	log.WithFields(p.LogTags).Debugf("Tracking %s", key)
}

// OnJoin is a hub.JoinListener tracking every table a client joins
func (p *MesaPoller) OnJoin(topic hub.TopicKey) {
	if topic.Namespace != hub.NamespaceMesa {
		return
	}
	slug, mesaID, ok := strings.Cut(topic.Key, ":")
	if !ok || slug == "" || mesaID == "" {
		log.WithFields(p.LogTags).Debugf("Ignoring join of malformed mesa key '%s'", topic.Key)
		return
	}
	p.Track(slug, mesaID)
}

// TrackedCount number of tables currently tracked
func (p *MesaPoller) TrackedCount() int {
	return p.entities.Len()
}

// tracked return a copy of a table's cache entry, without marking it used
func (p *MesaPoller) tracked(key string) (trackedMesa, bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	entry, ok := p.entities.Peek(key)
	if !ok {
		return trackedMesa{}, false
	}
	return *entry, true
}

// PollOnce submit a fetch for every tracked table without one in flight
func (p *MesaPoller) PollOnce(ctxt context.Context) {
	p.lock.Lock()
	keys := p.entities.Keys()
	requests := make([]mesaFetchRequest, 0, len(keys))
	for _, key := range keys {
		entry, ok := p.entities.Peek(key)
		if !ok {
			continue
		}
		if entry.inFlight {
			log.WithFields(p.LogTags).Debugf("Fetch of %s still in flight", entry.key)
			continue
		}
		entry.inFlight = true
		requests = append(requests, mesaFetchRequest{
			key: entry.key, slug: entry.slug, mesaID: entry.mesaID,
		})
	}
	p.lock.Unlock()

	for _, request := range requests {
		if err := p.workers.Submit(ctxt, request); err != nil {
			log.WithError(err).WithFields(p.LogTags).Errorf("Unable to submit fetch of %s", request.key)
			p.clearInFlight(request.key)
		}
	}
}

func (p *MesaPoller) clearInFlight(key string) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if entry, ok := p.entities.Peek(key); ok {
		entry.inFlight = false
	}
}

// recordMarker store a fetched marker. Returns true when it differs from an earlier one.
func (p *MesaPoller) recordMarker(key, marker string) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	entry, ok := p.entities.Peek(key)
	if !ok {
		// Evicted while the fetch was in flight
		return false
	}
	entry.inFlight = false
	if !entry.observed {
		entry.observed = true
		entry.marker = marker
		return false
	}
	if entry.marker == marker {
		return false
	}
	entry.marker = marker
	return true
}

// processFetch fetch and compare the sale marker of one table. Runs on a worker.
func (p *MesaPoller) processFetch(param interface{}) error {
	request, ok := param.(mesaFetchRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for fetch", reflect.TypeOf(param))
	}
	logTags := p.GetLogTagsForContext(p.operContext)
	logTags["mesa"] = request.key

	fetchCtxt, cancel := context.WithTimeout(p.operContext, p.fetchTimeout)
	marker, err := p.fetcher.FetchSaleMarker(fetchCtxt, request.slug, request.mesaID)
	cancel()
	if err != nil {
		p.clearInFlight(request.key)
		log.WithError(err).WithFields(logTags).Error("Sale fetch failed")
		return nil
	}
	if !p.recordMarker(request.key, marker) {
		return nil
	}

	log.WithFields(logTags).Debugf("Sale changed to marker '%s'", marker)
	sendCtxt, cancel := context.WithTimeout(p.operContext, p.fetchTimeout)
	defer cancel()
	if _, err := p.hub.Broadcast(
		sendCtxt, hub.MesaTopic(request.key), common.NewEventMessage(common.MsgTypeVentaActualizada),
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Sale change broadcast failed")
	}
	return nil
}
