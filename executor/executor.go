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

package executor

import (
	"context"
	"fmt"

	"github.com/alwitt/gqlgate/common"
	"github.com/alwitt/gqlgate/connection"
	"github.com/alwitt/gqlgate/subscription"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// Mode the execution mode requested by the caller
type Mode int

const (
	// ModeQuery produce a single result
	ModeQuery Mode = iota
	// ModeSubscribe produce a result stream for subscription operations
	ModeSubscribe
)

// ErrCannotSubscribe message of the error returned when subscribing over a
// channel which can not stream results
const ErrCannotSubscribe = "Cannot subscribe using this channel"

// ExecuteRequest one operation to execute
type ExecuteRequest struct {
	// Operation is the operation to execute
	Operation common.IdentifiedOperationRequest
	// Connection is the connection the operation belongs to
	Connection common.Connection
	// Mode is the requested execution mode
	Mode Mode
	// Streaming whether the channel delivering results can stream
	Streaming bool
	// RegisterSubscriptions whether subscription resolvers register the operation
	RegisterSubscriptions bool
	// Events are the events subscription resolvers yield
	Events []common.SubscriptionEvent
}

// Executor validates and executes GraphQL operations for the gateway
type Executor interface {
	// Execute run an operation
	//
	// Exactly one of the result and the stream is returned on success. Syntax
	// and validation errors are returned as a result carrying errors.
	Execute(ctxt context.Context, req ExecuteRequest) (*Result, ResultStream, error)
}

// Params parameters of an Executor
type Params struct {
	// Engine is the GraphQL engine
	Engine Engine `validate:"required"`
	// Registry is the subscription registry resolvers register with
	Registry subscription.Registry `validate:"required"`
	// Connections is the connection manager made available to resolvers
	Connections connection.Manager
	// Context is a static user context. Ignored when ContextFactory is set.
	Context map[string]interface{}
	// ContextFactory builds the user context of each execution
	ContextFactory ContextFactory
}

// executorImpl implements Executor
type executorImpl struct {
	common.Component
	engine         Engine
	registry       subscription.Registry
	connections    connection.Manager
	staticContext  map[string]interface{}
	contextFactory ContextFactory
}

// GetExecutor define a new Executor
func GetExecutor(params Params) (Executor, error) {
	if err := validator.New().Struct(&params); err != nil {
		return nil, err
	}
	logTags := log.Fields{"module": "executor", "component": "executor"}
	return &executorImpl{
		Component:      common.Component{LogTags: logTags},
		engine:         params.Engine,
		registry:       params.Registry,
		connections:    params.Connections,
		staticContext:  params.Context,
		contextFactory: params.ContextFactory,
	}, nil
}

// selectOperation parse a document and pick the operation to run
func selectOperation(query, operationName string) (*ast.OperationDefinition, *Result) {
	doc, perr := parser.ParseQuery(&ast.Source{Input: query})
	if perr != nil {
		return nil, errorResult(perr.Error())
	}
	if len(doc.Operations) == 0 {
		return nil, errorResult("Must provide an operation.")
	}
	if operationName == "" && len(doc.Operations) > 1 {
		return nil, errorResult("Must provide operation name if query contains multiple operations.")
	}
	op := doc.Operations.ForName(operationName)
	if op == nil {
		return nil, errorResult(fmt.Sprintf("Unknown operation named \"%s\".", operationName))
	}
	return op, nil
}

// buildContext merge the gateway and user contexts
func (e *executorImpl) buildContext(
	ctxt context.Context, req ExecuteRequest,
) (context.Context, error) {
	execCtxt := &ExecutionContext{
		Connection:            req.Connection,
		Operation:             req.Operation,
		Registry:              e.registry,
		Connections:           e.connections,
		RegisterSubscriptions: req.RegisterSubscriptions,
		Events:                req.Events,
	}
	userCtxt := map[string]interface{}{}
	for key, value := range req.Connection.Data.Context {
		userCtxt[key] = value
	}
	extra := e.staticContext
	if e.contextFactory != nil {
		built, err := e.contextFactory(ctxt, execCtxt)
		if err != nil {
			return nil, err
		}
		extra = built
	}
	for key, value := range extra {
		userCtxt[key] = value
	}
	return withExecutionContext(ctxt, execCtxt, userCtxt), nil
}

// Execute run an operation
func (e *executorImpl) Execute(
	ctxt context.Context, req ExecuteRequest,
) (*Result, ResultStream, error) {
	logTags := log.Fields{}
	for k, v := range e.LogTags {
		logTags[k] = v
	}
	logTags["instance"] = req.Operation.OperationID

	op, failed := selectOperation(req.Operation.Query, req.Operation.OperationName)
	if failed != nil {
		return failed, nil, nil
	}
	if errs := e.engine.Validate(req.Operation.Query); len(errs) > 0 {
		return &Result{Errors: errs}, nil, nil
	}

	isSubscription := op.Operation == ast.Subscription
	if isSubscription && (req.Mode != ModeSubscribe || !req.Streaming) {
		err := common.UnsupportedOperationError{Reason: ErrCannotSubscribe}
		log.WithError(err).WithFields(logTags).Errorf("Subscription rejected on %s", req.Connection.ID)
		return nil, nil, err
	}

	execCtxt, err := e.buildContext(ctxt, req)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to build execution context")
		return nil, nil, err
	}

	engineReq := EngineRequest{
		Query:         req.Operation.Query,
		OperationName: req.Operation.OperationName,
		Variables:     req.Operation.Variables,
	}
	if isSubscription {
		stream, err := e.engine.Subscribe(execCtxt, engineReq)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Subscribe failed")
			return nil, nil, err
		}
		return nil, stream, nil
	}
	return e.engine.Execute(execCtxt, engineReq), nil, nil
}
