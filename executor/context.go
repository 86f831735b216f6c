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

	"github.com/alwitt/gqlgate/common"
	"github.com/alwitt/gqlgate/connection"
	"github.com/alwitt/gqlgate/subscription"
)

type contextKey int

const (
	executionContextKey contextKey = iota
	userContextKey
)

// ExecutionContext the gateway state an operation executes with
//
// It is carried in the execution context.Context and is not part of the user
// context visible through UserContext.
type ExecutionContext struct {
	// Connection is the connection the operation belongs to
	Connection common.Connection
	// Operation is the operation being executed
	Operation common.IdentifiedOperationRequest
	// Registry is the subscription registry
	Registry subscription.Registry
	// Connections is the connection manager, when one is available
	Connections connection.Manager
	// RegisterSubscriptions whether subscription resolvers should register
	// the operation instead of producing events
	RegisterSubscriptions bool
	// Events are the events subscription resolvers yield, in order, before
	// their stream ends
	Events []common.SubscriptionEvent
}

// ContextFactory builds the user context of one execution
type ContextFactory func(ctxt context.Context, execCtxt *ExecutionContext) (map[string]interface{}, error)

// FromContext fetch the ExecutionContext of an execution
func FromContext(ctxt context.Context) (*ExecutionContext, bool) {
	if ctxt == nil {
		return nil, false
	}
	execCtxt, ok := ctxt.Value(executionContextKey).(*ExecutionContext)
	return execCtxt, ok
}

// UserContext fetch the user context of an execution
//
// It holds the connection context established at connection init, overlaid
// with the static or factory built user context.
func UserContext(ctxt context.Context) map[string]interface{} {
	if ctxt == nil {
		return map[string]interface{}{}
	}
	if userCtxt, ok := ctxt.Value(userContextKey).(map[string]interface{}); ok {
		return userCtxt
	}
	return map[string]interface{}{}
}

// withExecutionContext attach both contexts
func withExecutionContext(
	ctxt context.Context, execCtxt *ExecutionContext, userCtxt map[string]interface{},
) context.Context {
	ctxt = context.WithValue(ctxt, executionContextKey, execCtxt)
	return context.WithValue(ctxt, userContextKey, userCtxt)
}
