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

// Package client is the peer side of the gateway protocol: it dials the
// gateway, initializes the connection, and multiplexes queries and
// subscriptions over it, reconnecting with backoff when the link drops.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/alwitt/gqlgate/common"
	"github.com/alwitt/gqlgate/executor"
	"github.com/alwitt/gqlgate/protocol"
	"github.com/apex/log"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// State the client connection state
type State int

const (
	// StateIdle not connected
	StateIdle State = iota
	// StateConnecting dialing and waiting for the connection ack
	StateConnecting
	// StateConnected connection acknowledged
	StateConnected
	// StateDisconnecting closing on request
	StateDisconnecting
	// StateReconnecting re-establishing a lost connection
	StateReconnecting
	// StateError the connection was lost and could not be re-established
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Params client parameters
type Params struct {
	// URL is the gateway WebSocket URL
	URL string `validate:"required,url"`
	// Protocol is the wire vocabulary to speak
	Protocol common.ProtocolVariant `validate:"required,oneof=current legacy"`
	// InitPayload is sent with connection init
	InitPayload map[string]interface{}
	// AckTimeout max wait for the connection ack
	AckTimeout time.Duration `validate:"gt=0"`
	// Reconnect whether to re-establish a lost connection
	Reconnect bool
	// MaxReconnectAttempts number of reconnect attempts
	MaxReconnectAttempts int `validate:"gte=0"`
	// ReconnectDelay wait between reconnect attempts
	ReconnectDelay time.Duration
	// OnStateChange optional observer of state transitions. It is called with
	// the client lock held and must not call back into the client.
	OnStateChange func(State)
}

// Subscription an active subscription
type Subscription struct {
	// ID is the operation ID
	ID string
	// Results receives every result. Closed once the operation completes.
	Results <-chan executor.Result
}

// Client a gateway protocol peer
type Client interface {
	// Connect dial the gateway and initialize the connection
	Connect(ctxt context.Context) error
	// State the current connection state
	State() State
	// Execute run a query or mutation
	Execute(ctxt context.Context, operation common.OperationRequest) (executor.Result, error)
	// Subscribe start a subscription
	Subscribe(ctxt context.Context, operation common.OperationRequest) (Subscription, error)
	// Unsubscribe stop a subscription
	Unsubscribe(ctxt context.Context, operationID string) error
	// Close disconnect from the gateway
	Close(ctxt context.Context) error
}

// operation one in-flight operation
type operation struct {
	request      common.IdentifiedOperationRequest
	results      chan executor.Result
	subscription bool
}

// clientImpl implements Client
type clientImpl struct {
	common.Component
	params    Params
	codec     protocol.Codec
	rootCtxt  context.Context
	cancel    context.CancelFunc
	lock      sync.Mutex
	state     State
	conn      *websocket.Conn
	writeLock sync.Mutex
	ops       map[string]*operation
	wg        sync.WaitGroup
}

// GetClient define a new Client
func GetClient(params Params) (Client, error) {
	if err := validator.New().Struct(&params); err != nil {
		return nil, err
	}
	codec, err := protocol.GetCodec(params.Protocol)
	if err != nil {
		return nil, err
	}
	logTags := log.Fields{"module": "client", "component": "peer", "instance": params.URL}
	rootCtxt, cancel := context.WithCancel(context.Background())
	return &clientImpl{
		Component: common.Component{LogTags: logTags},
		params:    params,
		codec:     codec,
		rootCtxt:  rootCtxt,
		cancel:    cancel,
		state:     StateIdle,
		ops:       make(map[string]*operation),
	}, nil
}

// setState transition state. Caller holds the lock.
func (c *clientImpl) setState(state State) {
	if c.state == state {
		return
	}
	log.WithFields(c.LogTags).Debugf("%s -> %s", c.state, state)
	c.state = state
	if c.params.OnStateChange != nil {
		c.params.OnStateChange(state)
	}
}

// State the current connection state
func (c *clientImpl) State() State {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

// Connect dial the gateway and initialize the connection
func (c *clientImpl) Connect(ctxt context.Context) error {
	c.lock.Lock()
	if c.state != StateIdle && c.state != StateError {
		c.lock.Unlock()
		return fmt.Errorf("client is %s", c.state)
	}
	c.setState(StateConnecting)
	c.rootCtxt, c.cancel = context.WithCancel(context.Background())
	c.lock.Unlock()

	conn, err := c.establish(ctxt)

	c.lock.Lock()
	defer c.lock.Unlock()
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Connect failed")
		c.setState(StateError)
		return err
	}
	c.attach(conn)
	return nil
}

// establish dial and wait for the connection ack
func (c *clientImpl) establish(ctxt context.Context) (*websocket.Conn, error) {
	target, err := url.Parse(c.params.URL)
	if err != nil {
		return nil, err
	}
	query := target.Query()
	query.Set("protocol", string(c.params.Protocol))
	target.RawQuery = query.Encode()

	dialer := websocket.Dialer{
		Subprotocols:     []string{protocol.WebSocketSubprotocol},
		HandshakeTimeout: c.params.AckTimeout,
	}
	conn, _, err := dialer.DialContext(ctxt, target.String(), nil)
	if err != nil {
		return nil, err
	}
	init, err := c.codec.ConnectionInitFrame(c.params.InitPayload)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	raw, err := c.codec.FormatMessage(init)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := conn.SetReadDeadline(time.Now().Add(c.params.AckTimeout)); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_, raw, err = conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	frame, err := c.codec.ParseFrame(raw)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	switch c.codec.Kind(frame.Type) {
	case protocol.KindConnectionAck:
	case protocol.KindError:
		_ = conn.Close()
		return nil, fmt.Errorf("connection refused: %s", errorMessage(frame))
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("expected connection ack, received '%s'", frame.Type)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// attach start using an established connection. Caller holds the lock.
func (c *clientImpl) attach(conn *websocket.Conn) {
	c.conn = conn
	c.setState(StateConnected)
	c.wg.Add(1)
	go c.readLoop(conn)
}

func errorMessage(frame protocol.Frame) string {
	var payload protocol.ErrorPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil || payload.Message == "" {
		return string(frame.Payload)
	}
	return payload.Message
}

// readLoop dispatch frames received on conn until it fails
func (c *clientImpl) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.connectionLost(conn, err)
			return
		}
		frame, err := c.codec.ParseFrame(raw)
		if err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Dropping unparsable frame")
			continue
		}
		c.dispatch(frame)
	}
}

// dispatch route a server frame to its operation
func (c *clientImpl) dispatch(frame protocol.Frame) {
	switch c.codec.Kind(frame.Type) {
	case protocol.KindData:
		var result executor.Result
		if err := json.Unmarshal(frame.Payload, &result); err != nil {
			result = executor.Result{Errors: []executor.ResultError{{Message: err.Error()}}}
		}
		c.deliver(frame.ID, &result, false)
	case protocol.KindError:
		c.deliver(
			frame.ID,
			&executor.Result{Errors: []executor.ResultError{{Message: errorMessage(frame)}}},
			true,
		)
	case protocol.KindComplete:
		c.deliver(frame.ID, nil, true)
	default:
		log.WithFields(c.LogTags).Debugf("Ignoring '%s' frame", frame.Type)
	}
}

// deliver hand a result to an operation, finishing it when final is set or
// when the operation is not a subscription
func (c *clientImpl) deliver(operationID string, result *executor.Result, final bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	op, ok := c.ops[operationID]
	if !ok {
		log.WithFields(c.LogTags).Debugf("Dropping result of unknown operation %s", operationID)
		return
	}
	if result != nil {
		select {
		case op.results <- *result:
		default:
			log.WithFields(c.LogTags).Warnf("Result buffer of %s full, dropping result", operationID)
		}
		if !op.subscription {
			final = true
		}
	}
	if final {
		delete(c.ops, operationID)
		close(op.results)
	}
}

// finish forget an operation and close its results
func (c *clientImpl) finish(operationID string) {
	c.deliver(operationID, nil, true)
}

// finishAll forget every operation. Caller holds the lock.
func (c *clientImpl) finishAll() {
	for id, op := range c.ops {
		delete(c.ops, id)
		close(op.results)
	}
}

// connectionLost react to the loss of conn
func (c *clientImpl) connectionLost(conn *websocket.Conn, cause error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.conn != conn {
		return
	}
	c.conn = nil
	_ = conn.Close()
	if c.state == StateDisconnecting {
		c.finishAll()
		c.setState(StateIdle)
		return
	}
	log.WithError(cause).WithFields(c.LogTags).Warn("Connection lost")
	if !c.params.Reconnect {
		c.finishAll()
		c.setState(StateError)
		return
	}
	c.setState(StateReconnecting)
	c.wg.Add(1)
	go c.reconnect()
}

// reconnect re-establish the connection and restart the subscriptions
func (c *clientImpl) reconnect() {
	defer c.wg.Done()
	c.lock.Lock()
	rootCtxt := c.rootCtxt
	c.lock.Unlock()
	var conn *websocket.Conn
	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(c.params.ReconnectDelay), uint64(c.params.MaxReconnectAttempts),
		),
		rootCtxt,
	)
	err := backoff.Retry(func() error {
		established, err := c.establish(rootCtxt)
		if err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Reconnect attempt failed")
			return err
		}
		conn = established
		return nil
	}, policy)

	c.lock.Lock()
	defer c.lock.Unlock()
	if err != nil || c.state != StateReconnecting {
		if conn != nil {
			_ = conn.Close()
		}
		if c.state == StateReconnecting {
			log.WithError(err).WithFields(c.LogTags).Error("Reconnect failed")
			c.finishAll()
			c.setState(StateError)
		}
		return
	}
	c.attach(conn)
	for _, op := range c.ops {
		if !op.subscription {
			continue
		}
		frame, err := c.codec.StartFrame(op.request)
		if err == nil {
			err = c.write(conn, frame)
		}
		if err != nil {
			log.WithError(err).WithFields(c.LogTags).Errorf("Unable to restart %s", op.request.OperationID)
		}
	}
	log.WithFields(c.LogTags).Info("Reconnected")
}

// write send a frame on conn
func (c *clientImpl) write(conn *websocket.Conn, frame protocol.Frame) error {
	raw, err := c.codec.FormatMessage(frame)
	if err != nil {
		return err
	}
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// start register and send an operation
func (c *clientImpl) start(
	request common.OperationRequest, subscription bool,
) (*operation, error) {
	op := &operation{
		request: common.IdentifiedOperationRequest{
			OperationRequest: request, OperationID: uuid.New().String(),
		},
		results:      make(chan executor.Result, 64),
		subscription: subscription,
	}
	frame, err := c.codec.StartFrame(op.request)
	if err != nil {
		return nil, err
	}
	c.lock.Lock()
	if c.state != StateConnected {
		c.lock.Unlock()
		return nil, fmt.Errorf("client is %s", c.state)
	}
	conn := c.conn
	c.ops[op.request.OperationID] = op
	c.lock.Unlock()
	if err := c.write(conn, frame); err != nil {
		c.finish(op.request.OperationID)
		return nil, err
	}
	return op, nil
}

// Execute run a query or mutation
func (c *clientImpl) Execute(
	ctxt context.Context, request common.OperationRequest,
) (executor.Result, error) {
	op, err := c.start(request, false)
	if err != nil {
		return executor.Result{}, err
	}
	select {
	case result, ok := <-op.results:
		if !ok {
			return executor.Result{}, fmt.Errorf("operation %s ended without result", op.request.OperationID)
		}
		return result, nil
	case <-ctxt.Done():
		c.finish(op.request.OperationID)
		return executor.Result{}, ctxt.Err()
	}
}

// Subscribe start a subscription
func (c *clientImpl) Subscribe(
	_ context.Context, request common.OperationRequest,
) (Subscription, error) {
	op, err := c.start(request, true)
	if err != nil {
		return Subscription{}, err
	}
	return Subscription{ID: op.request.OperationID, Results: op.results}, nil
}

// Unsubscribe stop a subscription. Its results close once the gateway completes it.
func (c *clientImpl) Unsubscribe(_ context.Context, operationID string) error {
	c.lock.Lock()
	conn := c.conn
	_, known := c.ops[operationID]
	state := c.state
	c.lock.Unlock()
	if !known {
		return nil
	}
	if state != StateConnected || conn == nil {
		c.finish(operationID)
		return nil
	}
	return c.write(conn, c.codec.StopFrame(operationID))
}

// Close disconnect from the gateway
func (c *clientImpl) Close(_ context.Context) error {
	c.lock.Lock()
	conn := c.conn
	cancel := c.cancel
	if conn == nil {
		c.finishAll()
		c.setState(StateIdle)
		c.lock.Unlock()
		cancel()
		c.wg.Wait()
		return nil
	}
	c.setState(StateDisconnecting)
	c.lock.Unlock()

	c.writeLock.Lock()
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeLock.Unlock()
	err := conn.Close()
	cancel()
	c.wg.Wait()
	return err
}
