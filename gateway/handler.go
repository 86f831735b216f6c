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

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/gqlgate/common"
	"github.com/alwitt/gqlgate/connection"
	"github.com/alwitt/gqlgate/executor"
	"github.com/alwitt/gqlgate/metrics"
	"github.com/alwitt/gqlgate/protocol"
	"github.com/alwitt/gqlgate/subscription"
	"github.com/apex/log"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
)

// RouteKey the transport route an event arrived on
type RouteKey string

const (
	// RouteConnect a client opened a connection
	RouteConnect RouteKey = "$connect"
	// RouteDefault a client sent a message
	RouteDefault RouteKey = "$default"
	// RouteDisconnect a client connection was closed
	RouteDisconnect RouteKey = "$disconnect"
)

// ProhibitedConnection message of the error frame sent when refusing a connection
const ProhibitedConnection = "Prohibited connection!"

// RouteEvent one inbound transport event
type RouteEvent struct {
	// RouteKey selects the handler
	RouteKey RouteKey `validate:"required,oneof=$connect $default $disconnect"`
	// ConnectionID is the transport assigned connection ID
	ConnectionID string `validate:"required"`
	// Endpoint is the transport endpoint which accepted the connection
	Endpoint string
	// Protocol is the wire vocabulary negotiated on connect. Defaults to the
	// handler's variant.
	Protocol common.ProtocolVariant
	// Body is the message received on $default
	Body []byte
	// RequestID identifies this event in logs
	RequestID string
}

// Response the answer to one RouteEvent
type Response struct {
	StatusCode int
	Body       []byte
}

// ConnectDecision the outcome of the OnConnect hook
type ConnectDecision struct {
	// Reject refuse the connection
	Reject bool
	// Context replaces the init payload as connection context when not nil
	Context map[string]interface{}
}

// Hooks optional callbacks into the connection lifecycle
type Hooks struct {
	// OnWebsocketConnect may refuse a connection before it is registered
	OnWebsocketConnect func(ctxt context.Context, event RouteEvent) (bool, error)
	// OnConnect authorizes a connection init
	OnConnect func(
		ctxt context.Context, conn common.Connection, payload map[string]interface{},
	) (ConnectDecision, error)
	// OnOperation may rewrite an operation before it executes
	OnOperation func(
		ctxt context.Context, frame protocol.Frame, req executor.ExecuteRequest,
	) (executor.ExecuteRequest, error)
	// OnOperationComplete is called once an operation completes or is stopped
	OnOperationComplete func(ctxt context.Context, conn common.Connection, operationID string)
	// OnDisconnect is called before a connection is torn down
	OnDisconnect func(ctxt context.Context, conn common.Connection)
}

// Handler drives the per-connection protocol state machine
type Handler interface {
	// HandleEvent process one transport event
	HandleEvent(ctxt context.Context, event RouteEvent) Response
}

// HandlerParams parameters of a Handler
type HandlerParams struct {
	// Connections owns the connection records
	Connections connection.Manager `validate:"required"`
	// Registry is used to stop subscriptions
	Registry subscription.Registry `validate:"required"`
	// Executor runs operations
	Executor executor.Executor `validate:"required"`
	// Protocol is the variant of connections which did not negotiate one
	Protocol common.ProtocolVariant `validate:"required,oneof=current legacy"`
	// Streaming whether the transport can deliver subscription results later
	Streaming bool
	// InitWaitRetries total hydrate attempts while waiting for init. Zero means one attempt.
	InitWaitRetries int `validate:"gte=0"`
	// InitWaitDelay wait between hydrate attempts
	InitWaitDelay time.Duration
	// Hooks optional lifecycle callbacks
	Hooks Hooks
	// Metrics optional
	Metrics *metrics.Collector
}

// handlerImpl implements Handler
type handlerImpl struct {
	common.Component
	HandlerParams
	defaultCodec protocol.Codec
}

// errNotInitialized hydrate retry signal
var errNotInitialized = errors.New("connection not initialized")

// GetHandler define a new protocol Handler
func GetHandler(params HandlerParams) (Handler, error) {
	if err := validator.New().Struct(&params); err != nil {
		return nil, err
	}
	codec, err := protocol.GetCodec(params.Protocol)
	if err != nil {
		return nil, err
	}
	logTags := log.Fields{"module": "gateway", "component": "handler"}
	return &handlerImpl{
		Component:     common.Component{LogTags: logTags},
		HandlerParams: params,
		defaultCodec:  codec,
	}, nil
}

// HandleEvent process one transport event
func (h *handlerImpl) HandleEvent(ctxt context.Context, event RouteEvent) Response {
	ctxt = common.WithRequestParam(ctxt, common.RequestParam{
		ID: event.RequestID, Method: "WS", URI: string(event.RouteKey), ConnectionID: event.ConnectionID,
	})
	logTags := common.UpdateLogTags(ctxt, h.LogTags)

	var resp Response
	if err := validator.New().Struct(&event); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid route event")
		resp = h.failure(h.defaultCodec, "", err)
	} else {
		switch event.RouteKey {
		case RouteConnect:
			resp = h.onConnect(ctxt, event)
		case RouteDisconnect:
			resp = h.onDisconnect(ctxt, event)
		default:
			resp = h.onMessage(ctxt, event)
		}
	}
	h.Metrics.MessageHandled(string(event.RouteKey), resp.StatusCode)
	return resp
}

// failure build the response of an unexpected error
func (h *handlerImpl) failure(codec protocol.Codec, operationID string, err error) Response {
	body, _ := codec.FormatMessage(codec.ErrorFrame(operationID, err.Error()))
	return Response{StatusCode: http.StatusInternalServerError, Body: body}
}

// onConnect register a new connection
func (h *handlerImpl) onConnect(ctxt context.Context, event RouteEvent) Response {
	logTags := common.UpdateLogTags(ctxt, h.LogTags)
	if h.Hooks.OnWebsocketConnect != nil {
		accept, err := h.Hooks.OnWebsocketConnect(ctxt, event)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Connect hook failed")
			return h.failure(h.defaultCodec, "", err)
		}
		if !accept {
			log.WithFields(logTags).Info("Connection refused by connect hook")
			return Response{StatusCode: http.StatusUnauthorized}
		}
	}
	variant := event.Protocol
	if variant == "" {
		variant = h.Protocol
	}
	if _, err := h.Connections.RegisterConnection(ctxt, connection.RegisterParams{
		ConnectionID: event.ConnectionID, Endpoint: event.Endpoint, Protocol: variant,
	}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to register connection")
		return h.failure(h.defaultCodec, "", err)
	}
	return Response{StatusCode: http.StatusOK}
}

// onDisconnect tear down a connection
func (h *handlerImpl) onDisconnect(ctxt context.Context, event RouteEvent) Response {
	logTags := common.UpdateLogTags(ctxt, h.LogTags)
	conn, err := h.Connections.HydrateConnection(ctxt, event.ConnectionID)
	if err != nil {
		// the client is already gone
		log.WithError(err).WithFields(logTags).Debug("Disconnecting connection without record")
		conn = common.Connection{ID: event.ConnectionID}
	} else if h.Hooks.OnDisconnect != nil {
		h.Hooks.OnDisconnect(ctxt, conn)
	}
	if err := h.Connections.UnregisterConnection(ctxt, conn); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to unregister connection")
		return h.failure(h.defaultCodec, "", err)
	}
	return Response{StatusCode: http.StatusOK}
}

// hydrate read a connection record, retrying while it is missing or, when
// requireInit is set, not yet initialized
func (h *handlerImpl) hydrate(
	ctxt context.Context, connectionID string, requireInit bool,
) (common.Connection, error) {
	var conn common.Connection
	attempt := func() error {
		hydrated, err := h.Connections.HydrateConnection(ctxt, connectionID)
		if err != nil {
			if common.IsConnectionNotFound(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		conn = hydrated
		if requireInit && !hydrated.Data.IsInitialized {
			return errNotInitialized
		}
		return nil
	}
	retries := 0
	if h.InitWaitRetries > 1 {
		retries = h.InitWaitRetries - 1
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(h.InitWaitDelay), uint64(retries)),
		ctxt,
	)
	return conn, backoff.Retry(attempt, policy)
}

// refuse answer an error frame and close the connection
func (h *handlerImpl) refuse(
	ctxt context.Context, codec protocol.Codec, conn common.Connection,
) Response {
	logTags := common.UpdateLogTags(ctxt, h.LogTags)
	body, _ := codec.FormatMessage(codec.ErrorFrame("", ProhibitedConnection))
	if err := h.Connections.SendToConnection(ctxt, conn, body); err != nil {
		log.WithError(err).WithFields(logTags).Warn("Unable to send refusal")
	}
	if err := h.Connections.CloseConnection(ctxt, conn); err != nil {
		log.WithError(err).WithFields(logTags).Warn("Unable to close refused connection")
	}
	return Response{StatusCode: http.StatusUnauthorized, Body: body}
}

// onMessage process one client frame
func (h *handlerImpl) onMessage(ctxt context.Context, event RouteEvent) Response {
	logTags := common.UpdateLogTags(ctxt, h.LogTags)

	conn, err := h.hydrate(ctxt, event.ConnectionID, false)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Message on unknown connection")
		if common.IsConnectionNotFound(err) {
			return h.refuse(ctxt, h.defaultCodec, common.Connection{ID: event.ConnectionID})
		}
		return h.failure(h.defaultCodec, "", err)
	}
	codec, err := protocol.GetCodec(conn.Data.Protocol)
	if err != nil {
		codec = h.defaultCodec
	}
	frame, err := codec.ParseFrame(event.Body)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to parse frame")
		return h.failure(codec, "", err)
	}

	switch codec.Kind(frame.Type) {
	case protocol.KindConnectionInit:
		return h.onInit(ctxt, codec, conn, frame)
	case protocol.KindStart:
		return h.onStart(ctxt, codec, conn, frame)
	case protocol.KindStop:
		return h.onStop(ctxt, codec, conn, frame)
	default:
		err := common.InvalidOperationError{
			Reason: fmt.Sprintf("unsupported message type '%s'", frame.Type),
		}
		log.WithError(err).WithFields(logTags).Error("Unable to process frame")
		return h.failure(codec, frame.ID, err)
	}
}

// onInit authorize and initialize a connection
func (h *handlerImpl) onInit(
	ctxt context.Context, codec protocol.Codec, conn common.Connection, frame protocol.Frame,
) Response {
	logTags := common.UpdateLogTags(ctxt, h.LogTags)
	payload := map[string]interface{}{}
	if len(frame.Payload) > 0 && string(frame.Payload) != "null" {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			err = common.MalformedOperationError{Reason: err.Error()}
			log.WithError(err).WithFields(logTags).Error("Unable to parse init payload")
			return h.failure(codec, "", err)
		}
	}
	connContext := payload
	if h.Hooks.OnConnect != nil {
		decision, err := h.Hooks.OnConnect(ctxt, conn, payload)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Init hook failed")
			return h.failure(codec, "", err)
		}
		if decision.Reject {
			log.WithFields(logTags).Info("Connection refused by init hook")
			return h.refuse(ctxt, codec, conn)
		}
		if decision.Context != nil {
			connContext = decision.Context
		}
	}
	conn, err := h.Connections.SetConnectionContext(ctxt, conn, connContext)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to initialize connection")
		return h.failure(codec, "", err)
	}
	ack, err := codec.FormatMessage(codec.ConnectionAckFrame())
	if err != nil {
		return h.failure(codec, "", err)
	}
	if err := h.Connections.SendToConnection(ctxt, conn, ack); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to send connection ack")
		return h.failure(codec, "", err)
	}
	return Response{StatusCode: http.StatusOK, Body: ack}
}

// onStart execute an operation
func (h *handlerImpl) onStart(
	ctxt context.Context, codec protocol.Codec, conn common.Connection, frame protocol.Frame,
) Response {
	logTags := common.UpdateLogTags(ctxt, h.LogTags)
	if !conn.Data.IsInitialized {
		initialized, err := h.hydrate(ctxt, conn.ID, true)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Operation before connection init")
			return h.refuse(ctxt, codec, conn)
		}
		conn = initialized
	}

	operation, err := codec.ParseOperationFromFrame(frame)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to parse operation")
		return h.failure(codec, frame.ID, err)
	}
	req := executor.ExecuteRequest{
		Operation:             operation,
		Connection:            conn,
		Mode:                  executor.ModeSubscribe,
		Streaming:             h.Streaming,
		RegisterSubscriptions: true,
	}
	if h.Hooks.OnOperation != nil {
		if req, err = h.Hooks.OnOperation(ctxt, frame, req); err != nil {
			log.WithError(err).WithFields(logTags).Error("Operation hook failed")
			return h.failure(codec, frame.ID, err)
		}
	}

	result, stream, err := h.Executor.Execute(ctxt, req)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Operation %s failed", operation.OperationID)
		return h.failure(codec, frame.ID, err)
	}
	if stream != nil {
		// registration only, results arrive through fan-out
		drained, err := executor.Drain(ctxt, stream)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Subscribe %s failed", operation.OperationID)
			return h.failure(codec, frame.ID, err)
		}
		failed := registrationFailure(drained)
		if failed == nil {
			return Response{StatusCode: http.StatusOK}
		}
		log.WithFields(logTags).Errorf(
			"Subscribe %s failed: %s", operation.OperationID, failed.Errors[0].Message,
		)
		if err := h.Registry.UnsubscribeOperation(ctxt, conn.ID, operation.OperationID); err != nil {
			log.WithError(err).WithFields(logTags).Warnf(
				"Unable to clear partial subscription %s", operation.OperationID,
			)
		}
		result = failed
	}

	dataFrame, err := codec.DataFrame(operation.OperationID, result)
	if err != nil {
		return h.failure(codec, frame.ID, err)
	}
	body, err := codec.FormatMessage(dataFrame)
	if err != nil {
		return h.failure(codec, frame.ID, err)
	}
	if err := h.Connections.SendToConnection(ctxt, conn, body); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to send operation result")
		return h.failure(codec, frame.ID, err)
	}
	if h.Hooks.OnOperationComplete != nil {
		h.Hooks.OnOperationComplete(ctxt, conn, operation.OperationID)
	}
	return Response{StatusCode: http.StatusOK, Body: body}
}

// registrationFailure the first drained result carrying errors, if any
func registrationFailure(results []*executor.Result) *executor.Result {
	for _, result := range results {
		if result != nil && result.HasErrors() {
			return result
		}
	}
	return nil
}

// onStop stop an operation
func (h *handlerImpl) onStop(
	ctxt context.Context, codec protocol.Codec, conn common.Connection, frame protocol.Frame,
) Response {
	logTags := common.UpdateLogTags(ctxt, h.LogTags)
	if frame.ID == "" {
		err := common.InvalidOperationError{Reason: "stop has no operation id"}
		log.WithError(err).WithFields(logTags).Error("Unable to stop operation")
		return h.failure(codec, "", err)
	}
	if err := h.Registry.UnsubscribeOperation(ctxt, conn.ID, frame.ID); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to stop operation %s", frame.ID)
		return h.failure(codec, frame.ID, err)
	}
	body, err := codec.FormatMessage(codec.CompleteFrame(frame.ID))
	if err != nil {
		return h.failure(codec, frame.ID, err)
	}
	if err := h.Connections.SendToConnection(ctxt, conn, body); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to send complete")
		return h.failure(codec, frame.ID, err)
	}
	if h.Hooks.OnOperationComplete != nil {
		h.Hooks.OnOperationComplete(ctxt, conn, frame.ID)
	}
	return Response{StatusCode: http.StatusOK, Body: body}
}
