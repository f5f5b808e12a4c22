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
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/orderhub/apis"
	"github.com/alwitt/orderhub/bridge"
	"github.com/alwitt/orderhub/common"
	"github.com/alwitt/orderhub/dataplane"
	"github.com/alwitt/orderhub/hub"
	"github.com/alwitt/orderhub/pos"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// DefineHubRouter build the router serving the client sockets and the REST APIs
func DefineHubRouter(
	config *common.SystemConfig,
	httpHandler apis.APIRestHubHandler,
	sockets http.Handler,
) *mux.Router {
	router := mux.NewRouter()

	// Socket upgrades bypass the request logging middleware, which can't be hijacked
	router.Handle(config.WebSocket.Path, sockets).Methods("GET")

	mainRouter := apis.RegisterPathPrefix(router, config.Endpoints.PathPrefix, nil)
	mainRouter.Use(func(next http.Handler) http.Handler {
		return httpHandler.LoggingMiddleware(next.ServeHTTP)
	})

	// Triggers
	_ = apis.RegisterPathPrefix(mainRouter, "/notify-whatsapp", apis.MethodHandlers{
		"post": httpHandler.NotifyWhatsAppHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/notify-kds", apis.MethodHandlers{
		"post": httpHandler.NotifyKDSHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/broadcast", apis.MethodHandlers{
		"post": httpHandler.BroadcastMesaHandler(),
	})

	// Status
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/hub/stats", apis.MethodHandlers{
		"get": httpHandler.GetStatsHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", apis.MethodHandlers{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", apis.MethodHandlers{
		"get": httpHandler.ReadyHandler(),
	})

	return router
}

// RunHubServer run the hub server until the runtime context is cancelled
func RunHubServer(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "hub-server",
		"instance":  instance,
	}

	if err := config.Validate(validator.New()); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return err
	}
	requestTimeout := time.Millisecond * time.Duration(config.Hub.RequestTimeout)

	// -------------------------------------------------------------------
	// Order event source

	eventSource, err := DefineEventSource(runtimeContext, config.EventSource)
	if err != nil {
		return err
	}
	defer func() {
		if eventSource != nil {
			if err := eventSource.Close(); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failed to close event source")
			}
		}
	}()

	// -------------------------------------------------------------------
	// Hub

	snapshots := map[hub.Namespace]hub.SnapshotSource{}
	var readiness apis.ReadinessCheck
	if eventSource != nil {
		snapshots[hub.NamespaceTracking] = bridge.NewTrackingSnapshotter(eventSource, requestTimeout)
		readiness = eventSource.Ready
	}

	// The hub outlives the runtime context so closing sockets can still leave their topics
	hubContext, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()
	theHub, err := hub.GetHub(hubContext, instance, config.Hub.TaskBuffer, snapshots)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define hub")
		return err
	}
	hubWG := sync.WaitGroup{}
	if err := theHub.Start(&hubWG); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start hub")
		return err
	}
	defer func() {
		if err := theHub.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during hub shutdown")
		}
		hubWG.Wait()
	}()

	// -------------------------------------------------------------------
	// Event bridges

	relay := bridge.NewChangeFeedRelay(theHub, config.EventSource.ActiveStatuses)
	if err := StartEventSource(runtimeContext, wg, eventSource, relay.HandleChange); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start order change feed")
		return err
	}

	if config.POS.Enabled {
		fetcher, err := pos.GetSaleFetcher(config.POS)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define POS client")
			return err
		}
		poller, err := bridge.GetMesaPoller(runtimeContext, wg, theHub, fetcher, config.POS)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define table poller")
			return err
		}
		if err := theHub.AddJoinListener(runtimeContext, poller.OnJoin); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to register table poller")
			return err
		}
		if err := poller.Start(wg); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start table poller")
			return err
		}
		defer func() {
			if err := poller.Stop(); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failure during poller shutdown")
			}
		}()
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	httpHandler, err := apis.GetAPIRestHubHandler(
		bridge.NewPushTrigger(theHub), theHub, readiness, &config.APIServer,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}
	sessions := dataplane.NewSessionManager(theHub, config.WebSocket, config.Hub)
	router := DefineHubRouter(config, httpHandler, sessions)

	serverCfg := config.APIServer.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runtimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	// Hijacked sockets are not closed by the HTTP server
	sessions.CloseAll()

	return nil
}

