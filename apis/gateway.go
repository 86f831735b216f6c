// Copyright 2021-2022 The gqlgate Authors
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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/alwitt/gqlgate/common"
	"github.com/alwitt/gqlgate/events"
	"github.com/alwitt/gqlgate/executor"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// ReadinessCheck reports whether the gateway backends are usable
type ReadinessCheck func() error

// APIRestGatewayHandler REST handler for event publish and request / response GraphQL
type APIRestGatewayHandler struct {
	goutils.RestAPIHandler
	publisher events.Store
	executor  executor.Executor
	ready     ReadinessCheck
	validate  *validator.Validate
}

// GetAPIRestGatewayHandler define APIRestGatewayHandler
func GetAPIRestGatewayHandler(
	httpConfig *common.HTTPConfig,
	publisher events.Store,
	exec executor.Executor,
	ready ReadinessCheck,
) (APIRestGatewayHandler, error) {
	if publisher == nil || exec == nil {
		return APIRestGatewayHandler{}, fmt.Errorf("gateway REST handler needs a publisher and an executor")
	}
	logTags := log.Fields{
		"module":    "apis",
		"component": "gateway",
	}
	return APIRestGatewayHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		publisher: publisher,
		executor:  exec,
		ready:     ready,
		validate:  validator.New(),
	}, nil
}

// Write logging support
func (h APIRestGatewayHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// =======================================================================
// Event publish

// PublishEvent godoc
// @Summary Publish an event
// @Description Publish a JSON payload as a named event to every subscriber of the event
// @tags Gateway
// @Accept json
// @Produce json
// @Param eventName path string true "Event name"
// @Param ttl query int false "Unix seconds expiry of the event record"
// @Param payload body object true "Event payload"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/event/{eventName} [post]
func (h APIRestGatewayHandler) PublishEvent(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	eventName, ok := mux.Vars(r)["eventName"]
	if !ok {
		msg := "No event name provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}
	if err := events.ValidateEventName(eventName); err != nil {
		msg := "Invalid event name"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	event := common.SubscriptionEvent{Event: eventName}
	if ttlParam := r.URL.Query().Get("ttl"); ttlParam != "" {
		ttl, err := strconv.ParseInt(ttlParam, 10, 64)
		if err != nil {
			msg := "Invalid TTL"
			log.WithError(err).WithFields(localLogTags).Errorf(msg)
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
			return
		}
		event.TTL = &ttl
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil || !json.Valid(payload) {
		msg := "Event payload must be JSON"
		detail := msg
		if err != nil {
			detail = err.Error()
		}
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, detail)
		return
	}
	event.Payload = payload

	if err := h.publisher.Publish(r.Context(), event); err != nil {
		msg := fmt.Sprintf("Unable to publish event %s", eventName)
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// PublishEventHandler Wrapper around PublishEvent
func (h APIRestGatewayHandler) PublishEventHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.PublishEvent(w, r)
	}
}

// =======================================================================
// Request / response GraphQL

// APIRestRespGraphQL response carrying a GraphQL result
type APIRestRespGraphQL struct {
	goutils.RestAPIBaseResponse
	// Result is the GraphQL result
	Result *executor.Result `json:"result,omitempty"`
}

// ExecuteGraphQL godoc
// @Summary Run a GraphQL query or mutation
// @Description Run a GraphQL operation over a single request. Subscriptions are refused.
// @tags Gateway
// @Accept json
// @Produce json
// @Param operation body common.OperationRequest true "GraphQL operation"
// @Success 200 {object} APIRestRespGraphQL "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/graphql [post]
func (h APIRestGatewayHandler) ExecuteGraphQL(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var operation common.OperationRequest
	if err := json.NewDecoder(r.Body).Decode(&operation); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&operation); err != nil {
		msg := "Invalid operation"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	requestID := h.ReadRequestIDFromContext(r.Context())
	if requestID == "" {
		requestID = uuid.New().String()
	}
	result, stream, err := h.executor.Execute(r.Context(), executor.ExecuteRequest{
		Operation: common.IdentifiedOperationRequest{
			OperationRequest: operation, OperationID: requestID,
		},
		Connection: common.Connection{
			ID: fmt.Sprintf("http-%s", requestID),
			Data: common.ConnectionData{
				Endpoint:      r.URL.Path,
				Context:       map[string]interface{}{},
				IsInitialized: true,
			},
		},
		Mode:      executor.ModeQuery,
		Streaming: false,
	})
	if stream != nil {
		stream.Close()
	}
	if err != nil {
		msg := "Unable to execute operation"
		code := http.StatusInternalServerError
		var unsupported common.UnsupportedOperationError
		if errors.As(err, &unsupported) {
			code = http.StatusBadRequest
		}
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = code
		respBody = h.GetStdRESTErrorMsg(r.Context(), code, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespGraphQL{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{Success: true, RequestID: requestID},
		Result:              result,
	}
}

// ExecuteGraphQLHandler Wrapper around ExecuteGraphQL
func (h APIRestGatewayHandler) ExecuteGraphQLHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ExecuteGraphQL(w, r)
	}
}

// =======================================================================
// Health

// Alive godoc
// @Summary For REST API liveness check
// @Description Will return success to indicate REST API module is live
// @tags Gateway
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /v1/alive [get]
func (h APIRestGatewayHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestGatewayHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For REST API readiness check
// @Description Will return success if the gateway backends are ready for use
// @tags Gateway
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestGatewayHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.ready == nil {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
		return
	}
	if err := h.ready(); err != nil {
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestGatewayHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
