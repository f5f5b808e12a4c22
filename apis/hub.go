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

package apis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/orderhub/bridge"
	"github.com/alwitt/orderhub/common"
	"github.com/alwitt/orderhub/hub"
	"github.com/apex/log"
)

// TriggerProcessor converts pushed notifications into broadcasts
type TriggerProcessor interface {
	// NotifyWhatsApp tell every client a new WhatsApp message arrived
	NotifyWhatsApp(ctxt context.Context) (int, error)
	// NotifyKDS tell the kitchen displays of a branch to reload their orders
	NotifyKDS(ctxt context.Context, branch string) (int, error)
	// BroadcastMesa send a fixed payload of the given type to the clients at a table
	BroadcastMesa(ctxt context.Context, mesaKey, msgType string) (int, error)
}

// HubStatsSource supplies hub occupancy figures
type HubStatsSource interface {
	Stats(ctxt context.Context) (hub.Stats, error)
}

// ReadinessCheck returns nil when the hub's dependencies are usable
type ReadinessCheck func(ctxt context.Context) error

// APIRestHubHandler REST handler for the hub trigger and status APIs
type APIRestHubHandler struct {
	goutils.RestAPIHandler
	triggers TriggerProcessor
	stats    HubStatsSource
	ready    ReadinessCheck
}

// GetAPIRestHubHandler define APIRestHubHandler
//
// ready may be nil, in which case the hub is always reported ready.
func GetAPIRestHubHandler(
	triggers TriggerProcessor,
	stats HubStatsSource,
	ready ReadinessCheck,
	httpConfig *common.HTTPConfig,
) (APIRestHubHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "hub-triggers",
	}
	return APIRestHubHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		triggers:       triggers,
		stats:          stats,
		ready:          ready,
	}, nil
}

// APIRestRespDelivery response for a trigger
type APIRestRespDelivery struct {
	goutils.RestAPIBaseResponse
	// Delivered is the number of connections the message was handed to
	Delivered int `json:"delivered"`
}

// replyDelivery helper function to form the trigger response
func (h APIRestHubHandler) replyDelivery(
	r *http.Request, delivered int, err error, localLogTags log.Fields,
) (int, interface{}) {
	if err != nil {
		var invalid bridge.InvalidTriggerError
		if errors.As(err, &invalid) {
			msg := "Invalid trigger"
			log.WithError(err).WithFields(localLogTags).Error(msg)
			return http.StatusBadRequest, h.GetStdRESTErrorMsg(
				r.Context(), http.StatusBadRequest, msg, err.Error(),
			)
		}
		msg := "Broadcast failed"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		return http.StatusInternalServerError, h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
	}
	return http.StatusOK, APIRestRespDelivery{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Delivered: delivered,
	}
}

// decodeOptionalBody parse a JSON body. An empty body leaves target untouched.
func decodeOptionalBody(r *http.Request, target interface{}) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(target); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// =======================================================================
// Triggers

// NotifyWhatsApp godoc
// @Summary Announce a new WhatsApp message
// @Description Tell every connected client that a new WhatsApp message arrived
// @tags Triggers
// @Produce json
// @Param Orderhub-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespDelivery "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /notify-whatsapp [post]
func (h APIRestHubHandler) NotifyWhatsApp(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	delivered, err := h.triggers.NotifyWhatsApp(r.Context())
	respCode, respBody := h.replyDelivery(r, delivered, err, localLogTags)
	if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// NotifyWhatsAppHandler Wrapper around NotifyWhatsApp
func (h APIRestHubHandler) NotifyWhatsAppHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.NotifyWhatsApp(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestReqNotifyKDS request to reload a branch's kitchen displays
type APIRestReqNotifyKDS struct {
	// Branch is the branch whose displays should reload
	Branch string `json:"branch"`
}

// NotifyKDS godoc
// @Summary Reload kitchen displays
// @Description Tell the kitchen displays of a branch to reload their orders
// @tags Triggers
// @Accept json
// @Produce json
// @Param Orderhub-Request-ID header string false "User provided request ID to match against logs"
// @Param branch body APIRestReqNotifyKDS true "Branch to notify"
// @Success 200 {object} APIRestRespDelivery "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /notify-kds [post]
func (h APIRestHubHandler) NotifyKDS(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var params APIRestReqNotifyKDS
	if err := decodeOptionalBody(r, &params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	delivered, err := h.triggers.NotifyKDS(r.Context(), params.Branch)
	respCode, respBody = h.replyDelivery(r, delivered, err, localLogTags)
}

// NotifyKDSHandler Wrapper around NotifyKDS
func (h APIRestHubHandler) NotifyKDSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.NotifyKDS(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestReqMesaBroadcast request to message the clients at a table
type APIRestReqMesaBroadcast struct {
	// MesaKey is the table key, "<slug>:<mesaId>"
	MesaKey string `json:"mesaKey"`
	// Type is the type of the message sent
	Type string `json:"type"`
}

// BroadcastMesa godoc
// @Summary Message a table
// @Description Send a message of the given type to every client at a table
// @tags Triggers
// @Accept json
// @Produce json
// @Param Orderhub-Request-ID header string false "User provided request ID to match against logs"
// @Param message body APIRestReqMesaBroadcast true "Table and message type"
// @Success 200 {object} APIRestRespDelivery "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /broadcast [post]
func (h APIRestHubHandler) BroadcastMesa(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var params APIRestReqMesaBroadcast
	if err := decodeOptionalBody(r, &params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	delivered, err := h.triggers.BroadcastMesa(r.Context(), params.MesaKey, params.Type)
	respCode, respBody = h.replyDelivery(r, delivered, err, localLogTags)
}

// BroadcastMesaHandler Wrapper around BroadcastMesa
func (h APIRestHubHandler) BroadcastMesaHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.BroadcastMesa(w, r)
	}
}

// =======================================================================
// Status

// APIRestRespHubStats response for hub occupancy
type APIRestRespHubStats struct {
	goutils.RestAPIBaseResponse
	// Stats the hub occupancy
	Stats hub.Stats `json:"stats"`
}

// GetStats godoc
// @Summary Hub occupancy
// @Description Number of open connections, and number of topics per namespace
// @tags Status
// @Produce json
// @Success 200 {object} APIRestRespHubStats "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/hub/stats [get]
func (h APIRestHubHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	stats, err := h.stats.Stats(r.Context())
	if err != nil {
		msg := "Unable to read hub stats"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	respCode = http.StatusOK
	respBody = APIRestRespHubStats{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Stats: stats,
	}
}

// GetStatsHandler Wrapper around GetStats
func (h APIRestHubHandler) GetStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetStats(w, r)
	}
}

// =======================================================================
// Health Checks

// Alive godoc
// @Summary For hub liveness check
// @Description Will return success to indicate hub is live
// @tags Status
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /alive [get]
func (h APIRestHubHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestHubHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For hub readiness check
// @Description Will return success if the order event source is reachable
// @tags Status
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestHubHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			msg := "not ready"
			log.WithError(err).WithFields(localLogTags).Warn("Event source not ready")
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(
				r.Context(), http.StatusInternalServerError, msg, err.Error(),
			)
			return
		}
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestHubHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
