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
	"sync"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/gqlerrors"
	"github.com/graphql-go/graphql/language/parser"
)

// EngineRequest one operation handed to the GraphQL engine
type EngineRequest struct {
	Query         string
	OperationName string
	Variables     map[string]interface{}
}

// Engine the GraphQL validation and execution engine
type Engine interface {
	// Validate check a document against the schema
	Validate(query string) []ResultError
	// Execute run a query or mutation to a single result
	Execute(ctxt context.Context, req EngineRequest) *Result
	// Subscribe run a subscription, returning its result stream
	Subscribe(ctxt context.Context, req EngineRequest) (ResultStream, error)
}

// graphqlGoEngine Engine over github.com/graphql-go/graphql
type graphqlGoEngine struct {
	schema graphql.Schema
}

// NewGraphQLGoEngine define an Engine over a graphql-go schema
func NewGraphQLGoEngine(schema graphql.Schema) Engine {
	return &graphqlGoEngine{schema: schema}
}

func convertErrors(errs []gqlerrors.FormattedError) []ResultError {
	if len(errs) == 0 {
		return nil
	}
	converted := make([]ResultError, 0, len(errs))
	for _, oneErr := range errs {
		entry := ResultError{Message: oneErr.Message, Path: oneErr.Path}
		for _, loc := range oneErr.Locations {
			entry.Locations = append(entry.Locations, ErrorLocation{Line: loc.Line, Column: loc.Column})
		}
		converted = append(converted, entry)
	}
	return converted
}

func convertResult(result *graphql.Result) *Result {
	if result == nil {
		return nil
	}
	return &Result{Data: result.Data, Errors: convertErrors(result.Errors)}
}

// Validate check a document against the schema
func (e *graphqlGoEngine) Validate(query string) []ResultError {
	doc, err := parser.Parse(parser.ParseParams{Source: query})
	if err != nil {
		return convertErrors(gqlerrors.FormatErrors(err))
	}
	validation := graphql.ValidateDocument(&e.schema, doc, nil)
	if validation.IsValid {
		return nil
	}
	return convertErrors(validation.Errors)
}

func (e *graphqlGoEngine) params(ctxt context.Context, req EngineRequest) graphql.Params {
	return graphql.Params{
		Schema:         e.schema,
		RequestString:  req.Query,
		VariableValues: req.Variables,
		OperationName:  req.OperationName,
		Context:        ctxt,
	}
}

// Execute run a query or mutation
func (e *graphqlGoEngine) Execute(ctxt context.Context, req EngineRequest) *Result {
	return convertResult(graphql.Do(e.params(ctxt, req)))
}

// Subscribe run a subscription
func (e *graphqlGoEngine) Subscribe(ctxt context.Context, req EngineRequest) (ResultStream, error) {
	subCtxt, cancel := context.WithCancel(ctxt)
	results := graphql.Subscribe(e.params(subCtxt, req))
	return &channelStream{results: results, cancel: cancel}, nil
}

// channelStream ResultStream over a graphql-go subscription channel
type channelStream struct {
	results   chan *graphql.Result
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *channelStream) Next(ctxt context.Context) (*Result, bool, error) {
	select {
	case result, ok := <-s.results:
		if !ok {
			return nil, false, nil
		}
		return convertResult(result), true, nil
	case <-ctxt.Done():
		return nil, false, ctxt.Err()
	}
}

func (s *channelStream) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		// unblock the engine if it is waiting to hand over a result
		go func() {
			for range s.results {
			}
		}()
	})
}
